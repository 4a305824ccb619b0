package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJob_Totals(t *testing.T) {
	j := &Job{Logs: []CollectorLog{
		{Name: "a", Result: CollectorResult{OK: true, Inserted: 3, Host: "WS01"}},
		{Name: "b", Result: CollectorResult{OK: true, Inserted: 2, Host: "WS01"}},
		{Name: "c", Result: CollectorResult{OK: false, Inserted: 9, Host: "WS02"}},
	}}

	inserted, hosts := j.Totals()
	assert.Equal(t, 5, inserted)
	assert.Equal(t, []string{"WS01"}, hosts)
}

func TestJob_CloneIsDeep(t *testing.T) {
	started := time.Now()
	j := &Job{JobID: "1", Names: []string{"a"}, StartedAt: &started}

	cp := j.Clone()
	cp.Names[0] = "b"
	*cp.StartedAt = started.Add(time.Hour)

	assert.Equal(t, "a", j.Names[0])
	assert.Equal(t, started, *j.StartedAt)
}

func TestRule_Summary(t *testing.T) {
	r := Rule{ID: "R1", Title: "t", Category: "c", Severity: SeverityHigh, Expression: "x", Remediation: "fix", CCSFR: "FAU_GEN.1"}
	s := r.Summary()
	assert.Equal(t, RuleSummary{ID: "R1", Title: "t", Category: "c", Severity: SeverityHigh, Remediation: "fix", CCSFR: "FAU_GEN.1"}, s)
}
