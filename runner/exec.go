package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"hostaudit/core"
	"hostaudit/util"

	"go.uber.org/zap"
)

// ExecError is a collector failure with the reason recorded in the job log.
type ExecError struct {
	Reason string
	Stderr string
}

func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return e.Reason + ": " + e.Stderr
	}
	return e.Reason
}

// CollectorExecutor runs a collector and returns its standard output.
// Failures are reported as *ExecError.
type CollectorExecutor interface {
	Execute(ctx context.Context, col core.Collector) ([]byte, error)
}

// FindPowerShell locates a PowerShell binary. On Windows the inbox
// powershell is preferred; pwsh is tried everywhere. Returns "" when none is found.
func FindPowerShell() string {
	var candidates []string
	if runtime.GOOS == "windows" {
		candidates = append(candidates, "powershell.exe", "powershell")
	}
	candidates = append(candidates, "pwsh.exe", "pwsh")

	for _, c := range candidates {
		if p, err := exec.LookPath(c); err == nil {
			return p
		}
	}
	return ""
}

// PowerShellExecutor runs collector scripts with PowerShell.
type PowerShellExecutor struct {
	shell  string
	root   string
	logger *zap.SugaredLogger
}

// NewPowerShellExecutor creates an executor. Relative script paths resolve
// against root. An empty shell means PowerShell is unavailable.
func NewPowerShellExecutor(shell, root string, logger *zap.SugaredLogger) *PowerShellExecutor {
	return &PowerShellExecutor{shell: shell, root: root, logger: logger}
}

// Shell returns the PowerShell binary in use.
func (e *PowerShellExecutor) Shell() string {
	return e.shell
}

// ScriptPath resolves a collector script. Relative paths must stay inside the project root.
func (e *PowerShellExecutor) ScriptPath(script string) (string, error) {
	if filepath.IsAbs(script) {
		return filepath.Clean(script), nil
	}
	root := e.root
	if root == "" {
		root = "."
	}
	return util.ValidateFilePath(script, root, false)
}

// Execute implements CollectorExecutor.
func (e *PowerShellExecutor) Execute(ctx context.Context, col core.Collector) ([]byte, error) {
	if col.Script == "" {
		return nil, &ExecError{Reason: "no_script"}
	}

	script, err := e.ScriptPath(col.Script)
	if err != nil {
		return nil, &ExecError{Reason: "script_not_found:" + filepath.Join(e.root, col.Script)}
	}
	if _, err := os.Stat(script); err != nil {
		return nil, &ExecError{Reason: "script_not_found:" + script}
	}
	if e.shell == "" {
		return nil, &ExecError{Reason: "powershell_not_found"}
	}

	args := []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File", script}
	cmd := exec.CommandContext(ctx, e.shell, args...)
	cmd.Stdin = nil
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debugw("Running collector", "collector", col.Name, "script", script)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			return nil, &ExecError{
				Reason: fmt.Sprintf("exit_%d", exitErr.ExitCode()),
				Stderr: util.SanitizeString(strings.TrimSpace(stderr.String())),
			}
		}
		return nil, &ExecError{Reason: "spawn_failed:" + err.Error()}
	}
	return stdout.Bytes(), nil
}
