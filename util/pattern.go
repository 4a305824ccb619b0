package util

import (
	"strings"
	"time"

	"hostaudit/metrics"

	"github.com/dlclark/regexp2"
)

// DefaultPatternTimeout bounds a single match against untrusted event text.
const DefaultPatternTimeout = 250 * time.Millisecond

// Pattern is a compiled case-insensitive, dot-matches-newline expression with
// a match timeout. It supports lookahead, which the event message formats need.
type Pattern struct {
	name string
	re   *regexp2.Regexp
}

// MustPattern compiles expr or panics. Intended for package-level vars.
func MustPattern(name, expr string) *Pattern {
	re := regexp2.MustCompile(expr, regexp2.IgnoreCase|regexp2.Singleline)
	re.MatchTimeout = DefaultPatternTimeout
	return &Pattern{name: name, re: re}
}

// Name returns the label used for timeout metrics.
func (p *Pattern) Name() string {
	return p.name
}

// Capture returns the trimmed first group of the first match.
// A timeout counts as no match.
func (p *Pattern) Capture(text string) (string, bool) {
	m, err := p.re.FindStringMatch(text)
	if err != nil {
		metrics.RegexTimeouts.WithLabelValues(p.name).Inc()
		return "", false
	}
	if m == nil {
		return "", false
	}
	g := m.GroupByNumber(1)
	if g == nil {
		return "", false
	}
	return strings.TrimSpace(g.String()), true
}

// CaptureAll returns groups 1 and 2 of every match, in order.
func (p *Pattern) CaptureAll(text string) [][2]string {
	var out [][2]string
	m, err := p.re.FindStringMatch(text)
	for err == nil && m != nil {
		var pair [2]string
		if g := m.GroupByNumber(1); g != nil {
			pair[0] = g.String()
		}
		if g := m.GroupByNumber(2); g != nil {
			pair[1] = g.String()
		}
		out = append(out, pair)
		m, err = p.re.FindNextMatch(m)
	}
	if err != nil {
		metrics.RegexTimeouts.WithLabelValues(p.name).Inc()
	}
	return out
}

// ReplaceAll replaces every match with repl. On timeout the input is returned unchanged.
func (p *Pattern) ReplaceAll(text, repl string) string {
	out, err := p.re.Replace(text, repl, -1, -1)
	if err != nil {
		metrics.RegexTimeouts.WithLabelValues(p.name).Inc()
		return text
	}
	return out
}
