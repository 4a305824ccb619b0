package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFilePath(t *testing.T) {
	root := t.TempDir()
	sibling := root + "-other"

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr error
	}{
		{"relative inside", "collector/pw.ps1", filepath.Join(root, "collector", "pw.ps1"), nil},
		{"absolute inside", filepath.Join(root, "a.ps1"), filepath.Join(root, "a.ps1"), nil},
		{"traversal", "../etc/passwd", "", ErrPathTraversal},
		{"absolute outside", filepath.Join(sibling, "a.ps1"), "", ErrPathOutsideAllowedDir},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateFilePath(tt.path, root, false)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ValidateFilePath("", root, false)
	assert.Error(t, err)
	_, err = ValidateFilePath("a", "", false)
	assert.Error(t, err)
}

func TestValidateFilePath_Symlink(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.ps1")
	require.NoError(t, os.WriteFile(target, nil, 0o600))
	link := filepath.Join(root, "link.ps1")
	if err := os.Symlink(target, link); err != nil {
		t.Skip("symlinks unsupported")
	}

	_, err := ValidateFilePath("link.ps1", root, true)
	assert.ErrorIs(t, err, ErrSymlinkNotAllowed)

	got, err := ValidateFilePath("link.ps1", root, false)
	require.NoError(t, err)
	assert.Equal(t, link, got)
}
