package core

import "time"

// SecurityEvent is one parsed audit-log record. It is unique on
// (Source, Host, Channel, RecordID); a RecordID of 0 means the block carried none.
type SecurityEvent struct {
	ID       int64             `json:"id,omitempty"`
	RecordID int64             `json:"record_id"`
	Time     time.Time         `json:"time"`
	EventID  int               `json:"event_id"`
	Channel  string            `json:"channel"`
	Provider string            `json:"provider"`
	Level    string            `json:"level,omitempty"`
	Account  *string           `json:"account"`
	Target   *string           `json:"target"`
	IP       string            `json:"ip"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	Source   string            `json:"source"`
	Host     string            `json:"host"`
}

// AccountName returns the account or "" when absent.
func (e *SecurityEvent) AccountName() string {
	if e.Account == nil {
		return ""
	}
	return *e.Account
}

// Bookmark is the low-water mark of ingested record ids for one
// (channel, host, source). LastRecordID never decreases.
type Bookmark struct {
	ID           int64     `json:"id"`
	Channel      string    `json:"channel"`
	Host         string    `json:"host"`
	Source       string    `json:"source"`
	LastRecordID int64     `json:"last_record_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Covers reports whether recordID is at or below the bookmark.
func (b *Bookmark) Covers(recordID int64) bool {
	return recordID <= b.LastRecordID
}
