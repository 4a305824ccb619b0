package core

// Rule is a compliance check: a boolean expression over facts plus the text
// rendered for each result. Rules are reloaded from disk on every evaluation
// pass and never mutated after loading.
type Rule struct {
	ID          string   `json:"id" yaml:"id" validate:"required"`
	Title       string   `json:"title" yaml:"title"`
	Category    string   `json:"category" yaml:"category"`
	Severity    Severity `json:"severity" yaml:"severity" validate:"required,oneof=low medium high critical"`
	Expression  string   `json:"expression" yaml:"expression" validate:"required"`
	PassText    string   `json:"pass_text" yaml:"pass_text"`
	FailText    string   `json:"fail_text" yaml:"fail_text"`
	Remediation string   `json:"remediation,omitempty" yaml:"remediation"`
	CCSFR       string   `json:"cc_sfr,omitempty" yaml:"cc_sfr"`
}

// RuleSummary is the public listing shape of a rule.
type RuleSummary struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Category    string   `json:"category"`
	Severity    Severity `json:"severity"`
	Remediation string   `json:"remediation"`
	CCSFR       string   `json:"cc_sfr,omitempty"`
}

// Summary returns the listing shape of the rule
func (r Rule) Summary() RuleSummary {
	return RuleSummary{
		ID:          r.ID,
		Title:       r.Title,
		Category:    r.Category,
		Severity:    r.Severity,
		Remediation: r.Remediation,
		CCSFR:       r.CCSFR,
	}
}
