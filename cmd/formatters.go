package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"hostaudit/core"

	"github.com/fatih/color"
)

// renderOutcomesTable displays evaluation outcomes with a pass/fail summary
func renderOutcomesTable(report *evaluationReport) {
	host := report.Host
	if host == "" {
		host = core.LocalPolicyAccount
	}
	headerColor.Printf("AUDIT RESULTS: %s\n", host)
	headerColor.Println(strings.Repeat("=", 110))

	if len(report.Outcomes) == 0 {
		warningColor.Println("No applicable rules")
	} else {
		fmt.Printf("%-14s %-8s %-9s %-32s %s\n", "Rule", "Outcome", "Severity", "Control", "Description")
		fmt.Println(strings.Repeat("-", 110))
		for _, o := range report.Outcomes {
			// Pad before coloring so escape codes don't break alignment.
			fmt.Printf("%-14s %s %s %-32s %s\n",
				truncate(o.RuleID, 14),
				formatOutcome(o.Outcome),
				formatSeverity(o.Severity),
				truncate(o.Control, 32),
				truncate(o.Description, 60))
		}
	}

	fmt.Println(strings.Repeat("=", 110))
	total := report.Passed + report.Failed
	pct := 0.0
	if total > 0 {
		pct = float64(report.Passed) * 100 / float64(total)
	}
	summary := fmt.Sprintf("%d passed, %d failed, %d not applicable (%.1f%% compliant)",
		report.Passed, report.Failed, report.Skipped, pct)
	if report.Failed > 0 {
		errorColor.Println(summary)
	} else {
		successColor.Println(summary)
	}
}

// renderRulesTable displays rule summaries sorted by id
func renderRulesTable(rules []core.RuleSummary) {
	if len(rules) == 0 {
		warningColor.Println("No rules loaded")
		return
	}
	sorted := append([]core.RuleSummary(nil), rules...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	headerColor.Println("RULES")
	headerColor.Println(strings.Repeat("=", 100))
	fmt.Printf("%-14s %-9s %-20s %s\n", "ID", "Severity", "Category", "Title")
	fmt.Println(strings.Repeat("-", 100))
	for _, r := range sorted {
		fmt.Printf("%-14s %s %-20s %s\n",
			truncate(r.ID, 14), formatSeverity(r.Severity), truncate(r.Category, 20), truncate(r.Title, 55))
	}
	fmt.Println(strings.Repeat("=", 100))
	fmt.Printf("%d rule(s)\n", len(sorted))
}

// renderEventsTable displays parsed security events
func renderEventsTable(events []core.SecurityEvent) {
	if len(events) == 0 {
		warningColor.Println("No events parsed")
		return
	}
	headerColor.Println("EVENTS")
	headerColor.Println(strings.Repeat("=", 100))
	fmt.Printf("%-10s %-20s %-6s %-24s %-16s\n", "Record", "Time", "ID", "Account", "IP")
	fmt.Println(strings.Repeat("-", 100))
	for _, e := range events {
		fmt.Printf("%-10d %-20s %-6d %-24s %-16s\n",
			e.RecordID, formatTime(e.Time), e.EventID, truncate(deref(e.Account), 24), e.IP)
	}
	fmt.Println(strings.Repeat("=", 100))
}

// renderDetectionsTable displays detection candidates
func renderDetectionsTable(detections []*core.Detection) {
	if len(detections) == 0 {
		successColor.Println("No detections")
		return
	}
	headerColor.Println("DETECTIONS")
	headerColor.Println(strings.Repeat("=", 110))
	fmt.Printf("%-20s %-22s %-9s %s\n", "When", "Rule", "Severity", "Summary")
	fmt.Println(strings.Repeat("-", 110))
	for _, d := range detections {
		fmt.Printf("%-20s %-22s %s %s\n",
			formatTime(d.When), truncate(d.RuleID, 22), formatSeverity(d.Severity), truncate(d.Summary, 60))
	}
	fmt.Println(strings.Repeat("=", 110))
	warningColor.Printf("%d detection(s)\n", len(detections))
}

// renderRescanResult displays the outcome of a rescan request
func renderRescanResult(resp *rescanResponse) {
	switch {
	case resp.Message == "timeout_waiting":
		warningColor.Printf("Job %s still running; check GET /api/live/jobs/%s\n", resp.JobID, resp.JobID)
		return
	case resp.Status == core.JobStatusQueued:
		infoColor.Printf("Job %s queued\n", resp.JobID)
		return
	}

	printSection("Rescan " + resp.JobID)
	printField("Status", formatJobStatus(resp.Status))
	printField("Rows ingested", fmt.Sprintf("%d", resp.Ingested))
	printField("Outcomes for hosts", fmt.Sprintf("%d", resp.Unique))
	printField("Failed controls", fmt.Sprintf("%d", resp.Failed))

	if resp.Job == nil || len(resp.Job.Logs) == 0 {
		return
	}
	fmt.Println()
	printSection("Collectors")
	for _, l := range resp.Job.Logs {
		if l.Result.OK {
			fmt.Printf("  %s %-24s inserted=%d skipped=%d host=%s\n",
				successColor.Sprint("✓"), l.Name, l.Result.Inserted, l.Result.Skipped, l.Result.Host)
			continue
		}
		detail := l.Result.Error
		if l.Result.Detail != "" {
			detail += ": " + l.Result.Detail
		}
		fmt.Printf("  %s %-24s %s\n", errorColor.Sprint("✗"), l.Name, truncate(detail, 70))
	}
}

// printSection prints a section header
func printSection(title string) {
	headerColor.Printf("  %s\n", title)
	headerColor.Println("  " + strings.Repeat("─", len(title)))
}

// printField prints a key-value field
func printField(key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Printf("  %-25s %s\n", key+":", value)
}

// formatOutcome returns a colored, padded outcome
func formatOutcome(o core.Outcome) string {
	padded := fmt.Sprintf("%-8s", o)
	if o == core.OutcomePassed {
		return color.New(color.FgGreen).Sprint(padded)
	}
	return color.New(color.FgRed, color.Bold).Sprint(padded)
}

// formatSeverity returns a colored, padded severity
func formatSeverity(s core.Severity) string {
	padded := fmt.Sprintf("%-9s", s)
	switch s {
	case core.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint(padded)
	case core.SeverityHigh:
		return color.New(color.FgRed).Sprint(padded)
	case core.SeverityMedium:
		return color.New(color.FgYellow).Sprint(padded)
	case core.SeverityLow:
		return color.New(color.FgCyan).Sprint(padded)
	default:
		return padded
	}
}

// formatJobStatus returns a colored job status
func formatJobStatus(s core.JobStatus) string {
	switch s {
	case core.JobStatusDone:
		return color.New(color.FgGreen).Sprint(s)
	case core.JobStatusError:
		return color.New(color.FgRed).Sprint(s)
	default:
		return color.New(color.FgYellow).Sprint(s)
	}
}

// formatTime formats a timestamp
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// truncate shortens s to n runes, marking the cut with "..."
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
