package detect

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hostaudit/core"
	"hostaudit/metrics"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultRuleFiles are tried in order; the first existing file wins.
var DefaultRuleFiles = []string{
	"rules/controls.yml",
	"rules/controls.yaml",
	"rules/controls.json",
}

// ErrNoRuleFile is returned when none of the candidate rule files exist.
var ErrNoRuleFile = errors.New("no rule file found")

var ruleValidator = validator.New()

// RuleLoader reads the rule file fresh on every call so edits take effect on
// the next evaluation without a restart.
type RuleLoader struct {
	candidates []string
	schemaPath string
	logger     *zap.SugaredLogger
}

// NewRuleLoader creates a loader over candidate paths. schemaPath is optional;
// when set and present, JSON rule files are validated against it.
func NewRuleLoader(candidates []string, schemaPath string, logger *zap.SugaredLogger) *RuleLoader {
	if len(candidates) == 0 {
		candidates = DefaultRuleFiles
	}
	return &RuleLoader{
		candidates: candidates,
		schemaPath: schemaPath,
		logger:     logger,
	}
}

// Path returns the first existing candidate, or "" when none exists.
func (l *RuleLoader) Path() string {
	for _, p := range l.candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// Load reads and normalizes the active rule file.
func (l *RuleLoader) Load() ([]core.Rule, error) {
	path := l.Path()
	if path == "" {
		return nil, fmt.Errorf("%w (tried %s)", ErrNoRuleFile, strings.Join(l.candidates, ", "))
	}
	rules, err := LoadRulesFile(path, l.schemaPath, l.logger)
	if err != nil {
		metrics.RuleLoadErrors.Inc()
		return nil, err
	}
	metrics.UpdateActiveRules(len(rules))
	return rules, nil
}

// LoadRulesFile parses a YAML or JSON rule file. The document is either a bare
// list of rule objects or {rules: [...]}. Rules that cannot be normalized are
// dropped with a warning rather than failing the file.
func LoadRulesFile(filename, schemaPath string, logger *zap.SugaredLogger) ([]core.Rule, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	isYAML := isYAMLFile(filename)
	if !isYAML && schemaPath != "" {
		if err := validateAgainstSchema(schemaPath, data, logger); err != nil {
			return nil, err
		}
	}

	var doc interface{}
	if isYAML {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules: %w", err)
	}

	rawRules, err := ruleList(doc)
	if err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", filename, err)
	}

	rules := make([]core.Rule, 0, len(rawRules))
	for i, raw := range rawRules {
		m, ok := raw.(map[string]interface{})
		if !ok {
			logger.Warnw("Skipping rule entry that is not an object", "file", filename, "index", i)
			continue
		}
		rule, ok := NormalizeRule(m, logger)
		if !ok {
			continue
		}
		rules = append(rules, rule)
	}

	logger.Debugw("Loaded rules", "count", len(rules), "file", filename)
	return rules, nil
}

func isYAMLFile(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}

func ruleList(doc interface{}) ([]interface{}, error) {
	switch v := doc.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return v, nil
	case map[string]interface{}:
		rules, ok := v["rules"]
		if !ok || rules == nil {
			return nil, nil
		}
		list, ok := rules.([]interface{})
		if !ok {
			return nil, fmt.Errorf("'rules' must be a list")
		}
		return list, nil
	default:
		return nil, fmt.Errorf("expected a list of rules or {rules: [...]}, got %T", doc)
	}
}

func validateAgainstSchema(schemaPath string, data []byte, logger *zap.SugaredLogger) error {
	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		logger.Warnf("Rule schema not found, skipping validation: %v", err)
		return nil
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaData), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("failed to validate rules against schema: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("rules validation failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// NormalizeRule maps a raw rule object with its accepted key aliases onto a
// Rule. It returns false when the rule has no usable id or expression.
func NormalizeRule(m map[string]interface{}, logger *zap.SugaredLogger) (core.Rule, bool) {
	control := firstString(m, "control")
	rule := core.Rule{
		ID:          firstString(m, "id", "control", "title"),
		Title:       firstString(m, "title", "control"),
		Category:    firstString(m, "category"),
		Expression:  firstString(m, "when", "expr", "expression"),
		PassText:    firstString(m, "pass", "pass_text"),
		FailText:    firstString(m, "fail", "fail_text"),
		Remediation: firstString(m, "remediation"),
		CCSFR:       firstString(m, "cc_sfr", "ccSfr", "cc-sfr"),
	}
	if rule.Title == "" {
		rule.Title = control
	}
	if rule.Category == "" {
		rule.Category = "Security"
	}
	if rule.PassText == "" {
		rule.PassText = string(core.OutcomePassed)
	}
	if rule.FailText == "" {
		rule.FailText = string(core.OutcomeFailed)
	}

	sev := core.Severity(strings.ToLower(firstString(m, "severity", "risk")))
	switch {
	case sev == "":
		sev = core.SeverityLow
	case !sev.IsValid():
		logger.Warnw("Unknown rule severity, using low", "rule", rule.ID, "severity", sev)
		sev = core.SeverityLow
	}
	rule.Severity = sev

	if err := ruleValidator.Struct(rule); err != nil {
		logger.Warnw("Skipping invalid rule", "rule", rule.ID, "error", err)
		return core.Rule{}, false
	}
	return rule, true
}

// firstString returns the first non-empty value among keys, stringified.
func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		default:
			s = fmt.Sprint(t)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}
