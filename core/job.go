package core

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a collector job
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusError   JobStatus = "error"
	// JobStatusPending is never stored; it is reported when a synchronous wait times out.
	JobStatusPending JobStatus = "pending"
)

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusError
}

// CollectorResult is the outcome of running one collector inside a job.
type CollectorResult struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	Inserted   int    `json:"inserted,omitempty"`
	Skipped    int    `json:"skipped,omitempty"`
	Host       string `json:"host,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Detail     string `json:"detail,omitempty"`
	StdoutHead string `json:"stdout_head,omitempty"`
}

// CollectorLog pairs a collector name with its result. It marshals as
// {"<name>": {...}} so clients can index logs by collector.
type CollectorLog struct {
	Name   string
	Result CollectorResult
}

// MarshalJSON implements json.Marshaler.
func (l CollectorLog) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]CollectorResult{l.Name: l.Result})
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *CollectorLog) UnmarshalJSON(data []byte) error {
	var m map[string]CollectorResult
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	for name, res := range m {
		l.Name = name
		l.Result = res
	}
	return nil
}

// Job is one scheduled or on-demand execution of one or more collectors.
type Job struct {
	JobID       string         `json:"job_id"`
	Status      JobStatus      `json:"status"`
	Names       []string       `json:"names"`
	Logs        []CollectorLog `json:"logs"`
	SubmittedAt time.Time      `json:"submitted_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand to readers while the worker keeps mutating the original.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Names = append([]string(nil), j.Names...)
	cp.Logs = append([]CollectorLog(nil), j.Logs...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// Totals sums inserted rows and collects the hosts of successful collectors.
func (j *Job) Totals() (inserted int, hosts []string) {
	seen := make(map[string]bool)
	for _, l := range j.Logs {
		if !l.Result.OK {
			continue
		}
		inserted += l.Result.Inserted
		if h := l.Result.Host; h != "" && !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}
	return inserted, hosts
}
