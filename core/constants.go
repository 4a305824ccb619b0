package core

import "time"

const (
	// MinDedupWindow is the smallest detection dedup window. Configured windows
	// below it are raised to it so consecutive poll cycles over a static
	// condition cannot produce an alert storm.
	MinDedupWindow = 5 * time.Minute

	// KeepaliveInterval is how long a live subscriber waits for a message
	// before it is sent a heartbeat instead.
	KeepaliveInterval = 15 * time.Second

	// MinCollectorInterval is the floor applied to collector schedules.
	MinCollectorInterval = 30 * time.Second

	// MinPollInterval is the floor applied to the event poller interval.
	MinPollInterval = 5 * time.Second
)

const (
	// SourceLive tags rows produced by collectors and the poller on this host.
	SourceLive = "live"
	// SourceSample tags rows loaded from the bundled sample data.
	SourceSample = "sample"

	// NotApplicableIP is stored when an event carries no usable source address.
	NotApplicableIP = "N/A"

	// DefaultChannel is the audit log channel polled for security events.
	DefaultChannel = "Security"
	// DefaultProvider is assumed when an event block names no provider.
	DefaultProvider = "Microsoft-Windows-Security-Auditing"

	// LocalPolicyAccount is the account recorded for outcomes of a document without a hostname.
	LocalPolicyAccount = "LocalPolicy"
)

// Event IDs understood by the parser and detectors.
const (
	EventIDLogonSuccess      = 4624
	EventIDLogonFailure      = 4625
	EventIDGlobalGroupAdd    = 4728
	EventIDLocalGroupAdd     = 4732
	RuleIDBruteForce         = "BRUTE_4625"
	RuleIDPrivilegedGroupAdd = "ADMIN_CHANGE_4728_4732"
)

// Severity is the impact level attached to rules and detections.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// String returns the string representation
func (s Severity) String() string {
	return string(s)
}

// IsValid checks if the severity is one of the known levels
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// Outcome is the result of evaluating one rule against one facts document.
type Outcome string

const (
	OutcomePassed Outcome = "Passed"
	OutcomeFailed Outcome = "Failed"
)

// DetectionStatus represents the triage status of a detection
type DetectionStatus string

const (
	// DetectionStatusNew indicates a detection nobody has looked at
	DetectionStatusNew DetectionStatus = "new"
	// DetectionStatusAck indicates a detection that has been acknowledged
	DetectionStatusAck DetectionStatus = "ack"
	// DetectionStatusMuted indicates a detection that has been silenced
	DetectionStatusMuted DetectionStatus = "muted"
)

// String returns the string representation
func (s DetectionStatus) String() string {
	return string(s)
}

// IsValid checks if the status is valid
func (s DetectionStatus) IsValid() bool {
	switch s {
	case DetectionStatusNew, DetectionStatusAck, DetectionStatusMuted:
		return true
	default:
		return false
	}
}
