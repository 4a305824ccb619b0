package core

import (
	"strconv"
	"strings"
	"time"
)

// FactType is the declared type of a fact value.
type FactType string

const (
	FactTypeBool   FactType = "bool"
	FactTypeInt    FactType = "int"
	FactTypeString FactType = "string"
)

// Fact is a single typed observation about a host, e.g. win.pw.min_length.
type Fact struct {
	ID    string      `json:"id"`
	Type  FactType    `json:"type"`
	Value interface{} `json:"value"`
}

// HostInfo identifies the host a facts document describes.
type HostInfo struct {
	Hostname string `json:"hostname"`
}

// FactsDocument is one collector run's output.
type FactsDocument struct {
	Collector   string   `json:"collector"`
	Host        HostInfo `json:"host"`
	Hostname    string   `json:"hostname,omitempty"` // older collectors put it at the top level
	CollectedAt string   `json:"collected_at"`
	Facts       []Fact   `json:"facts"`
}

// HostName returns the trimmed hostname, preferring host.hostname.
func (d *FactsDocument) HostName() string {
	if h := strings.TrimSpace(d.Host.Hostname); h != "" {
		return h
	}
	return strings.TrimSpace(d.Hostname)
}

// FactMap indexes fact values by id. Values declared as int or bool but
// encoded as strings are coerced; JSON numbers arrive as float64 and stay so.
func (d *FactsDocument) FactMap() map[string]interface{} {
	m := make(map[string]interface{}, len(d.Facts))
	for _, f := range d.Facts {
		if f.ID == "" {
			continue
		}
		m[f.ID] = coerceFactValue(f.Type, f.Value)
	}
	return m
}

func coerceFactValue(t FactType, v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		if i, isInt := v.(int); isInt {
			return float64(i)
		}
		if i, isInt := v.(int64); isInt {
			return float64(i)
		}
		return v
	}
	switch t {
	case FactTypeInt:
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return n
		}
	case FactTypeBool:
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b
		}
	}
	return s
}

// collectedAtLayouts are tried in order when reading collected_at.
var collectedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// CollectedTime parses collected_at, falling back to now when absent or unparseable.
func (d *FactsDocument) CollectedTime(now time.Time) time.Time {
	return ParseTimestamp(d.CollectedAt, now)
}

// ParseTimestamp parses the timestamp shapes collectors and audit logs emit.
// Values without a zone are taken as UTC.
func ParseTimestamp(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback.UTC()
	}
	for _, layout := range collectedAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return fallback.UTC()
}
