package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrPathTraversal indicates a path containing ".." segments
	ErrPathTraversal = errors.New("path traversal attempt detected")

	// ErrSymlinkNotAllowed indicates a symlink where a regular file was required
	ErrSymlinkNotAllowed = errors.New("symlink not allowed")

	// ErrPathOutsideAllowedDir indicates a path that resolves outside its base directory
	ErrPathOutsideAllowedDir = errors.New("path outside allowed directory")
)

// ValidateFilePath resolves path against allowedDir and returns the absolute
// result. Relative paths are joined to allowedDir; either way the result must
// stay inside it. The ".." check runs before cleaning, since cleaning would
// hide the traversal. With checkSymlinks the final element may not be a symlink.
func ValidateFilePath(path, allowedDir string, checkSymlinks bool) (string, error) {
	if path == "" {
		return "", fmt.Errorf("file path cannot be empty")
	}
	if allowedDir == "" {
		return "", fmt.Errorf("allowed directory cannot be empty")
	}
	if strings.Contains(path, "..") {
		return "", ErrPathTraversal
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("null bytes not allowed in path")
	}

	base, err := filepath.Abs(allowedDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve allowed directory: %w", err)
	}

	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) {
		clean = filepath.Join(base, clean)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("failed to resolve file path: %w", err)
	}

	rel, err := filepath.Rel(base, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathOutsideAllowedDir
	}

	if checkSymlinks {
		if fi, err := os.Lstat(abs); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			return "", ErrSymlinkNotAllowed
		}
	}
	return abs, nil
}
