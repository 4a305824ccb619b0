package core

import "time"

// Detection is a security alert raised by a heuristic over parsed events.
type Detection struct {
	ID       int64                  `json:"id,omitempty"`
	When     time.Time              `json:"when"`
	RuleID   string                 `json:"rule_id"`
	Severity Severity               `json:"severity"`
	Summary  string                 `json:"summary"`
	Evidence map[string]interface{} `json:"evidence"`
	Account  *string                `json:"account"`
	IP       string                 `json:"ip"`
	Source   string                 `json:"source"`
	Host     string                 `json:"host"`
	Status   DetectionStatus        `json:"status"`
}

// DedupKey is the identity DedupGuard compares within its window.
func (d *Detection) DedupKey() string {
	return d.Source + "\x00" + d.RuleID + "\x00" + d.Summary
}

// Notification is the payload pushed to live subscribers for a newly stored detection.
type Notification struct {
	ID       int64    `json:"id,omitempty"`
	RuleID   string   `json:"rule_id"`
	Summary  string   `json:"summary"`
	Severity Severity `json:"severity"`
	Account  *string  `json:"account"`
	Host     string   `json:"host"`
	IP       string   `json:"ip"`
	When     string   `json:"when"`
}

// NotificationFor builds the live payload for a stored detection.
func NotificationFor(d *Detection) Notification {
	sev := d.Severity
	if sev == "" {
		sev = SeverityMedium
	}
	return Notification{
		ID:       d.ID,
		RuleID:   d.RuleID,
		Summary:  d.Summary,
		Severity: sev,
		Account:  d.Account,
		Host:     d.Host,
		IP:       d.IP,
		When:     d.When.UTC().Format(time.RFC3339),
	}
}
