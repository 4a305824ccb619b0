package core

import "time"

// AuditOutcome is the stored result of one rule evaluated against one facts document.
type AuditOutcome struct {
	ID          int64     `json:"id,omitempty"`
	Time        time.Time `json:"time"`
	Category    string    `json:"category"`
	Control     string    `json:"control"`
	Outcome     Outcome   `json:"outcome"`
	Account     string    `json:"account"`
	Description string    `json:"description"`
	Host        string    `json:"host"`
	Severity    Severity  `json:"severity"`
	RuleID      string    `json:"rule_id"`
	Remediation string    `json:"remediation,omitempty"`
	Source      string    `json:"source"`
}

// ComplianceStats summarises Passed/Failed outcomes for one source.
type ComplianceStats struct {
	Passed        int     `json:"passed"`
	Failed        int     `json:"failed"`
	Total         int     `json:"total"`
	CompliancePct float64 `json:"compliance_pct"`
}
