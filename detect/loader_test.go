package detect

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"hostaudit/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRulesFile_YAMLAliases(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "controls.yml", `
rules:
  - control: Minimum password length
    when: win.pw.min_length >= 14
    pass: "Length is {{ win.pw.min_length }}"
    risk: HIGH
    ccSfr: FIA_SOS.1
  - id: FW-1
    title: Firewall enabled
    category: Network
    expr: win.fw.enabled
    severity: critical
    cc-sfr: FMT_SMF.1
    unknown_key: ignored
  - id: NO-EXPR
    title: Missing expression
  - title: Weird severity
    expr: a
    severity: extreme
`)

	rules, err := LoadRulesFile(path, "", zap.NewNop().Sugar())
	require.NoError(t, err)
	require.Len(t, rules, 3)

	pw := rules[0]
	assert.Equal(t, "Minimum password length", pw.ID)
	assert.Equal(t, "Minimum password length", pw.Title)
	assert.Equal(t, "Security", pw.Category)
	assert.Equal(t, core.SeverityHigh, pw.Severity)
	assert.Equal(t, "win.pw.min_length >= 14", pw.Expression)
	assert.Equal(t, "Length is {{ win.pw.min_length }}", pw.PassText)
	assert.Equal(t, "Failed", pw.FailText)
	assert.Equal(t, "FIA_SOS.1", pw.CCSFR)

	fw := rules[1]
	assert.Equal(t, "FW-1", fw.ID)
	assert.Equal(t, "Network", fw.Category)
	assert.Equal(t, core.SeverityCritical, fw.Severity)
	assert.Equal(t, "Passed", fw.PassText)
	assert.Equal(t, "FMT_SMF.1", fw.CCSFR)

	weird := rules[2]
	assert.Equal(t, "Weird severity", weird.ID)
	assert.Equal(t, core.SeverityLow, weird.Severity)
}

func TestLoadRulesFile_JSONBareList(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "controls.json", `[
		{"id": "A", "title": "A rule", "expr": "a == 1"},
		{"id": "B", "title": "B rule", "when": "b", "severity": "Medium"}
	]`)

	rules, err := LoadRulesFile(path, "", zap.NewNop().Sugar())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, core.SeverityLow, rules[0].Severity)
	assert.Equal(t, core.SeverityMedium, rules[1].Severity)
}

func TestLoadRulesFile_SchemaValidation(t *testing.T) {
	dir := t.TempDir()
	schema := writeFile(t, dir, "rules_schema.json", `{
		"type": "array",
		"items": {"type": "object", "required": ["id"]}
	}`)

	good := writeFile(t, dir, "good.json", `[{"id": "A", "expr": "a"}]`)
	_, err := LoadRulesFile(good, schema, zap.NewNop().Sugar())
	assert.NoError(t, err)

	bad := writeFile(t, dir, "bad.json", `[{"title": "no id", "expr": "a"}]`)
	_, err = LoadRulesFile(bad, schema, zap.NewNop().Sugar())
	assert.Error(t, err)

	// A missing schema file only logs a warning
	_, err = LoadRulesFile(good, filepath.Join(dir, "absent.json"), zap.NewNop().Sugar())
	assert.NoError(t, err)
}

func TestLoadRulesFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop().Sugar()

	_, err := LoadRulesFile(writeFile(t, dir, "broken.json", `{"rules": `), "", logger)
	assert.Error(t, err)

	_, err = LoadRulesFile(writeFile(t, dir, "scalar.yaml", `just a string`), "", logger)
	assert.Error(t, err)

	_, err = LoadRulesFile(writeFile(t, dir, "norules.yaml", `rules: 5`), "", logger)
	assert.Error(t, err)

	rules, err := LoadRulesFile(writeFile(t, dir, "empty.yaml", ``), "", logger)
	assert.NoError(t, err)
	assert.Empty(t, rules)
}

func TestRuleLoader_CandidateOrder(t *testing.T) {
	dir := t.TempDir()
	yml := filepath.Join(dir, "controls.yml")
	jsn := writeFile(t, dir, "controls.json", `[{"id": "FROM-JSON", "expr": "a"}]`)

	loader := NewRuleLoader([]string{yml, jsn}, "", zap.NewNop().Sugar())
	assert.Equal(t, jsn, loader.Path())

	rules, err := loader.Load()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "FROM-JSON", rules[0].ID)

	// Edits are picked up on the next Load without rebuilding the loader
	writeFile(t, dir, "controls.yml", "- id: FROM-YAML\n  expr: b\n")
	rules, err = loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "FROM-YAML", rules[0].ID)
}

func TestRuleLoader_NoFile(t *testing.T) {
	loader := NewRuleLoader([]string{filepath.Join(t.TempDir(), "missing.yml")}, "", zap.NewNop().Sugar())
	_, err := loader.Load()
	assert.True(t, errors.Is(err, ErrNoRuleFile))
}

func TestNormalizeRule_ShortTextKeysWin(t *testing.T) {
	rule, ok := NormalizeRule(map[string]interface{}{
		"id":        "PW-1",
		"when":      "password.min_length >= 14",
		"pass":      "Length ok",
		"pass_text": "ignored pass",
		"fail":      "Length too short",
		"fail_text": "ignored fail",
	}, zap.NewNop().Sugar())
	require.True(t, ok)
	assert.Equal(t, "Length ok", rule.PassText)
	assert.Equal(t, "Length too short", rule.FailText)

	rule, ok = NormalizeRule(map[string]interface{}{
		"id":        "PW-2",
		"when":      "true",
		"pass_text": "fallback pass",
	}, zap.NewNop().Sugar())
	require.True(t, ok)
	assert.Equal(t, "fallback pass", rule.PassText)
	assert.Equal(t, string(core.OutcomeFailed), rule.FailText)
}
