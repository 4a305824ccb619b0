package storage

import (
	"strings"

	"hostaudit/core"
)

const (
	// DefaultPageSize applies when a listing names no page size
	DefaultPageSize = 50
	// MaxPageSize caps every listing
	MaxPageSize = 500
)

// Page selects one window of an ordered listing. Number is 1-based.
type Page struct {
	Number int
	Size   int
}

// NormalizePage clamps page to >=1 and size to 1..MaxPageSize, defaulting size.
func NormalizePage(number, size int) Page {
	if number < 1 {
		number = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return Page{Number: number, Size: size}
}

func (p Page) offset() int {
	return (p.Number - 1) * p.Size
}

// PagedResult is the listing envelope returned by the query endpoints.
type PagedResult[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"pagesz"`
}

func newPagedResult[T any](p Page) *PagedResult[T] {
	return &PagedResult[T]{
		Items:    make([]T, 0),
		Page:     p.Number,
		PageSize: p.Size,
	}
}

// EventFilter narrows a security event listing. Empty fields match everything.
type EventFilter struct {
	Source   string
	Query    string // substring over message, provider and account
	EventIDs []int
	Account  string
	IP       string
	Host     string
	Page     Page
}

// DetectionFilter narrows a detection listing.
type DetectionFilter struct {
	Source   string
	Query    string // substring over summary, evidence and account
	Account  string
	IP       string
	Host     string
	Severity string
	Status   string
	RuleID   string // substring match
	Page     Page
}

// AuditFilter narrows an audit outcome listing.
type AuditFilter struct {
	Source   string
	Query    string // substring over control, description and account
	Host     string
	Outcome  string
	Severity string
	Category string
	Page     Page
}

// ValidSource reports whether source is one of the stored row sources.
func ValidSource(source string) bool {
	return source == core.SourceLive || source == core.SourceSample
}

// whereBuilder accumulates AND-ed conditions with positional args.
type whereBuilder struct {
	conds []string
	args  []interface{}
}

func (w *whereBuilder) add(cond string, args ...interface{}) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

// contains matches a case-insensitive substring on any of columns.
func (w *whereBuilder) contains(value string, columns ...string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	pattern := "%" + escapeLike(strings.ToLower(value)) + "%"
	parts := make([]string, len(columns))
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		parts[i] = "LOWER(COALESCE(" + col + ", '')) LIKE ? ESCAPE '\\'"
		args[i] = pattern
	}
	w.add("("+strings.Join(parts, " OR ")+")", args...)
}

func (w *whereBuilder) equalFold(value, column string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	w.add("LOWER("+column+") = ?", strings.ToLower(value))
}

func (w *whereBuilder) in(column string, values []int) {
	if len(values) == 0 {
		return
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	w.add(column+" IN ("+placeholders(len(values))+")", args...)
}

func (w *whereBuilder) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
