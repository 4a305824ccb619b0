package detect

import (
	"fmt"
	"strings"
	"time"

	"hostaudit/core"
	"hostaudit/util"
)

// DefaultAdminGroups are the groups whose membership changes raise an alert.
var DefaultAdminGroups = []string{"Administrators", "Domain Admins", "Enterprise Admins"}

const (
	DefaultBruteForceThreshold = 5
	DefaultWindowMinutes       = 5
)

var (
	groupNamePattern = util.MustPattern("group_name",
		`Group Name:\s*(.*?)\s*(?=Group Domain:|Additional Information:|$)`)
	memberNamePattern = util.MustPattern("member_name",
		`Member:.*?Account Name:\s*(.*?)\s*(?=Group:|Group Name:|Group Domain:|Additional Information:|$)`)
)

// DetectionConfig parameterizes the heuristics.
type DetectionConfig struct {
	Threshold     int
	WindowMinutes int
	AdminGroups   []string
}

// DetectionEngine runs stateless heuristics over one batch of parsed events.
// It produces candidates only; dedup and persistence happen downstream.
type DetectionEngine struct {
	threshold     int
	windowMinutes int
	adminGroups   map[string]bool
	now           func() time.Time
}

// NewDetectionEngine creates an engine, filling zero values with defaults.
func NewDetectionEngine(cfg DetectionConfig) *DetectionEngine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBruteForceThreshold
	}
	if cfg.WindowMinutes <= 0 {
		cfg.WindowMinutes = DefaultWindowMinutes
	}
	if len(cfg.AdminGroups) == 0 {
		cfg.AdminGroups = DefaultAdminGroups
	}
	groups := make(map[string]bool, len(cfg.AdminGroups))
	for _, g := range cfg.AdminGroups {
		groups[g] = true
	}
	return &DetectionEngine{
		threshold:     cfg.Threshold,
		windowMinutes: cfg.WindowMinutes,
		adminGroups:   groups,
		now:           time.Now,
	}
}

// Threshold returns the brute-force threshold in effect.
func (d *DetectionEngine) Threshold() int {
	return d.threshold
}

// Detect runs every heuristic and stamps the candidates with source and host.
func (d *DetectionEngine) Detect(events []core.SecurityEvent, source, host string) []*core.Detection {
	var out []*core.Detection
	out = append(out, d.BruteForce(events)...)
	out = append(out, d.PrivilegedGroupChanges(events)...)
	for _, det := range out {
		det.Source = source
		det.Host = host
	}
	return out
}

// BruteForce groups failed logons by account, falling back to "IP:<addr>"
// when no account was resolved, and raises one alert per key at or above the
// threshold.
func (d *DetectionEngine) BruteForce(events []core.SecurityEvent) []*core.Detection {
	counts := make(map[string]int)
	lastIP := make(map[string]string)
	var order []string

	for i := range events {
		e := &events[i]
		if e.EventID != core.EventIDLogonFailure {
			continue
		}
		key := strings.TrimSpace(e.AccountName())
		if key == "" {
			ip := e.IP
			if ip == "" {
				ip = core.NotApplicableIP
			}
			key = "IP:" + ip
		}
		if _, seen := counts[key]; !seen {
			order = append(order, key)
		}
		counts[key]++
		if e.IP != "" && e.IP != core.NotApplicableIP {
			lastIP[key] = e.IP
		}
	}

	now := d.now().UTC()
	var alerts []*core.Detection
	for _, key := range order {
		n := counts[key]
		if n < d.threshold {
			continue
		}
		ip, ok := lastIP[key]
		if !ok {
			ip = core.NotApplicableIP
		}
		var account *string
		if !strings.HasPrefix(key, "IP:") {
			a := key
			account = &a
		}
		alerts = append(alerts, &core.Detection{
			When:     now,
			RuleID:   core.RuleIDBruteForce,
			Severity: core.SeverityHigh,
			Summary:  fmt.Sprintf("%d failed logons for '%s' in last %d min", n, key, d.windowMinutes),
			Evidence: map[string]interface{}{
				"event_id":   core.EventIDLogonFailure,
				"account":    key,
				"count":      n,
				"window_min": d.windowMinutes,
				"last_ip":    ip,
				"threshold":  d.threshold,
			},
			Account: account,
			IP:      ip,
		})
	}
	return alerts
}

// PrivilegedGroupChanges raises an alert for each 4728/4732 event adding a
// member to an allow-listed group.
func (d *DetectionEngine) PrivilegedGroupChanges(events []core.SecurityEvent) []*core.Detection {
	now := d.now().UTC()
	var alerts []*core.Detection

	for i := range events {
		e := &events[i]
		if e.EventID != core.EventIDGlobalGroupAdd && e.EventID != core.EventIDLocalGroupAdd {
			continue
		}

		group, _ := groupNamePattern.Capture(e.Message)
		if group == "" {
			group = "UNKNOWN"
		}
		member, _ := memberNamePattern.Capture(e.Message)
		if member == "" && e.Target != nil {
			member = strings.TrimSpace(*e.Target)
		}
		if member == "" {
			member = "UNKNOWN"
		}

		if !d.adminGroups[group] {
			continue
		}

		var account *string
		if member != "-" {
			m := member
			account = &m
		}
		alerts = append(alerts, &core.Detection{
			When:     now,
			RuleID:   core.RuleIDPrivilegedGroupAdd,
			Severity: core.SeverityHigh,
			Summary:  fmt.Sprintf("User added to privileged group '%s': %s", group, member),
			Evidence: map[string]interface{}{
				"event_ids": []int{core.EventIDGlobalGroupAdd, core.EventIDLocalGroupAdd},
				"group":     group,
				"member":    member,
			},
			Account: account,
			IP:      core.NotApplicableIP,
		})
	}
	return alerts
}

// FilterBelowThreshold drops brute-force candidates whose evidence count is
// under threshold. Other rules pass through.
func FilterBelowThreshold(candidates []*core.Detection, threshold int) []*core.Detection {
	var out []*core.Detection
	for _, c := range candidates {
		if c.RuleID == core.RuleIDBruteForce {
			if n, _ := c.Evidence["count"].(int); n < threshold {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}
