package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hostaudit/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadCollectors(t *testing.T) {
	logger := zap.NewNop().Sugar()
	dir := t.TempDir()

	tests := []struct {
		name     string
		content  string
		expected []core.Collector
	}{
		{"invalid json", `{collectors`, DefaultCollectors()},
		{"empty list", `{"collectors": []}`, DefaultCollectors()},
		{"wrong shape", `[1, 2]`, DefaultCollectors()},
		{
			"enabled defaults to true",
			`{"collectors": [
				{"name": "fw", "script": "collector/fw.ps1", "interval_seconds": 60},
				{"name": "off", "script": "x.ps1", "enabled": false, "replace_previous": true},
				{"script": "nameless.ps1"},
				{"name": "neg", "interval_seconds": -5},
				{"name": "fw", "script": "dup.ps1"}
			]}`,
			[]core.Collector{
				{Name: "fw", Script: "collector/fw.ps1", IntervalSeconds: 60, Enabled: true},
				{Name: "off", Script: "x.ps1", Enabled: false, ReplacePrevious: true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, strings.ReplaceAll(tt.name, " ", "_")+".json", tt.content)
			assert.Equal(t, tt.expected, LoadCollectors(path, logger))
		})
	}

	assert.Equal(t, DefaultCollectors(), LoadCollectors(filepath.Join(dir, "absent.json"), logger))
	assert.Equal(t, DefaultCollectors(), LoadCollectors("", logger))
}

func TestCollectorInterval(t *testing.T) {
	assert.Equal(t, core.DefaultCollectorInterval, core.Collector{}.Interval())
	assert.Equal(t, core.MinCollectorInterval, core.Collector{IntervalSeconds: 5}.Interval())
	assert.Equal(t, 10*time.Minute, core.Collector{IntervalSeconds: 600}.Interval())
}

func execReason(t *testing.T, err error) *ExecError {
	t.Helper()
	var ee *ExecError
	require.True(t, errors.As(err, &ee), "expected *ExecError, got %v", err)
	return ee
}

func TestPowerShellExecutor_Failures(t *testing.T) {
	logger := zap.NewNop().Sugar()
	root := t.TempDir()
	writeFile(t, root, "collector/pw.ps1", "Write-Output '{}'")
	ctx := context.Background()

	e := NewPowerShellExecutor("", root, logger)

	_, err := e.Execute(ctx, core.Collector{Name: "pw"})
	assert.Equal(t, "no_script", execReason(t, err).Reason)

	_, err = e.Execute(ctx, core.Collector{Name: "pw", Script: "collector/missing.ps1"})
	assert.Equal(t, "script_not_found:"+filepath.Join(root, "collector/missing.ps1"), execReason(t, err).Reason)

	_, err = e.Execute(ctx, core.Collector{Name: "pw", Script: "../outside.ps1"})
	assert.True(t, strings.HasPrefix(execReason(t, err).Reason, "script_not_found:"))

	_, err = e.Execute(ctx, core.Collector{Name: "pw", Script: "collector/pw.ps1"})
	assert.Equal(t, "powershell_not_found", execReason(t, err).Reason)

	missing := NewPowerShellExecutor(filepath.Join(root, "no-such-shell"), root, logger)
	_, err = missing.Execute(ctx, core.Collector{Name: "pw", Script: "collector/pw.ps1"})
	assert.True(t, strings.HasPrefix(execReason(t, err).Reason, "spawn_failed:"))
}

func TestPowerShellExecutor_ExitCode(t *testing.T) {
	shell, err := exec.LookPath("false")
	if err != nil {
		t.Skip("false not available")
	}
	root := t.TempDir()
	script := writeFile(t, root, "pw.ps1", "")

	e := NewPowerShellExecutor(shell, root, zap.NewNop().Sugar())
	_, err = e.Execute(context.Background(), core.Collector{Name: "pw", Script: script})
	assert.Equal(t, "exit_1", execReason(t, err).Reason)
}

func TestPowerShellExecutor_Stdout(t *testing.T) {
	shell, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true not available")
	}
	root := t.TempDir()
	writeFile(t, root, "pw.ps1", "")

	e := NewPowerShellExecutor(shell, root, zap.NewNop().Sugar())
	assert.Equal(t, shell, e.Shell())
	out, err := e.Execute(context.Background(), core.Collector{Name: "pw", Script: "pw.ps1"})
	require.NoError(t, err)
	assert.Empty(t, out)
}
