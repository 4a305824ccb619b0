package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"hostaudit/core"

	"go.uber.org/zap"
)

// SQLiteAuditStorage persists derived audit outcomes.
type SQLiteAuditStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteAuditStorage creates a new SQLite audit outcome storage
func NewSQLiteAuditStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteAuditStorage {
	return &SQLiteAuditStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

const insertAuditSQL = `
	INSERT INTO audit_events (time, category, control, outcome, account, description, host, severity, rule_id, remediation, source)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// ReplaceOutcomes stores the outcomes of one evaluated facts document for
// host. In the same transaction it first deletes every prior row for host
// when replaceAll is set, otherwise only prior rows for the batch's rule ids.
// Returns the number of rows inserted.
func (as *SQLiteAuditStorage) ReplaceOutcomes(ctx context.Context, source, host string, outcomes []core.AuditOutcome, replaceAll bool) (int, error) {
	if !ValidSource(source) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}

	inserted := 0
	err := as.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		if replaceAll {
			res, err := tx.ExecContext(ctx, "DELETE FROM audit_events WHERE source = ? AND host = ?", source, host)
			if err != nil {
				return fmt.Errorf("failed to retire previous outcomes: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				as.logger.Debugw("Retired previous outcomes", "host", host, "rows", n)
			}
		} else if ids := ruleIDs(outcomes); len(ids) > 0 {
			args := []interface{}{source, host}
			for _, id := range ids {
				args = append(args, id)
			}
			query := "DELETE FROM audit_events WHERE source = ? AND host = ? AND rule_id IN (" + placeholders(len(ids)) + ")"
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to replace outcomes: %w", err)
			}
		}

		stmt, err := tx.PrepareContext(ctx, insertAuditSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for i := range outcomes {
			o := &outcomes[i]
			if _, err := stmt.ExecContext(ctx, auditArgs(o, source, host)...); err != nil {
				return fmt.Errorf("failed to insert outcome %s: %w", o.RuleID, err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ReplaceSampleRows reloads bundled sample rows. Prior non-live rows for the
// sample's controls and accounts are removed; live rows are never touched.
func (as *SQLiteAuditStorage) ReplaceSampleRows(ctx context.Context, rows []core.AuditOutcome) (int, error) {
	controls := distinct(rows, func(o core.AuditOutcome) string { return o.Control })
	accounts := distinct(rows, func(o core.AuditOutcome) string { return o.Account })

	inserted := 0
	err := as.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		if len(controls) > 0 || len(accounts) > 0 {
			w := &whereBuilder{}
			w.add("source != ?", core.SourceLive)
			if len(controls) > 0 {
				w.add("control IN ("+placeholders(len(controls))+")", toArgs(controls)...)
			}
			if len(accounts) > 0 {
				w.add("account IN ("+placeholders(len(accounts))+")", toArgs(accounts)...)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM audit_events"+w.String(), w.args...); err != nil {
				return fmt.Errorf("failed to delete previous sample rows: %w", err)
			}
		}

		stmt, err := tx.PrepareContext(ctx, insertAuditSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for i := range rows {
			o := &rows[i]
			if _, err := stmt.ExecContext(ctx, auditArgs(o, core.SourceSample, o.Host)...); err != nil {
				return fmt.Errorf("failed to insert sample row: %w", err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ComplianceStats counts Passed and Failed outcomes for source. Other
// outcome values are ignored; the percentage is rounded to one decimal.
func (as *SQLiteAuditStorage) ComplianceStats(ctx context.Context, source string) (*core.ComplianceStats, error) {
	var passed, failed sql.NullInt64
	err := as.sqlite.ReadDB.QueryRowContext(ctx, `
		SELECT
			SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END)
		FROM audit_events WHERE source = ?
	`, string(core.OutcomePassed), string(core.OutcomeFailed), source).Scan(&passed, &failed)
	if err != nil {
		return nil, fmt.Errorf("failed to compute compliance stats: %w", err)
	}

	stats := &core.ComplianceStats{
		Passed: int(passed.Int64),
		Failed: int(failed.Int64),
	}
	stats.Total = stats.Passed + stats.Failed
	if stats.Total > 0 {
		stats.CompliancePct = math.Round(float64(stats.Passed)/float64(stats.Total)*1000) / 10
	}
	return stats, nil
}

// SummaryForHosts returns the total and failed row counts across hosts.
func (as *SQLiteAuditStorage) SummaryForHosts(ctx context.Context, source string, hosts []string) (total, failed int, err error) {
	for _, h := range hosts {
		var t, f sql.NullInt64
		err = as.sqlite.ReadDB.QueryRowContext(ctx, `
			SELECT COUNT(*), SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END)
			FROM audit_events WHERE source = ? AND host = ?
		`, string(core.OutcomeFailed), source, h).Scan(&t, &f)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to summarise host %s: %w", h, err)
		}
		total += int(t.Int64)
		failed += int(f.Int64)
	}
	return total, failed, nil
}

// ListAudit returns a page of outcomes, newest first.
func (as *SQLiteAuditStorage) ListAudit(ctx context.Context, filter AuditFilter) (*PagedResult[core.AuditOutcome], error) {
	page := NormalizePage(filter.Page.Number, filter.Page.Size)

	w := &whereBuilder{}
	w.add("source = ?", filter.Source)
	w.contains(filter.Query, "control", "description", "account")
	w.equalFold(filter.Host, "host")
	w.equalFold(filter.Outcome, "outcome")
	w.equalFold(filter.Severity, "severity")
	w.equalFold(filter.Category, "category")

	result := newPagedResult[core.AuditOutcome](page)
	if err := as.sqlite.ReadDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events"+w.String(), w.args...).Scan(&result.Total); err != nil {
		return nil, fmt.Errorf("failed to count audit outcomes: %w", err)
	}

	query := `SELECT id, time, category, control, outcome, account, description, host, severity, rule_id, remediation, source
		FROM audit_events` + w.String() + ` ORDER BY time DESC, id DESC LIMIT ? OFFSET ?`
	args := append(append([]interface{}{}, w.args...), page.Size, page.offset())

	rows, err := as.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit outcomes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o core.AuditOutcome
		var ts, outcome, severity string
		if err := rows.Scan(&o.ID, &ts, &o.Category, &o.Control, &outcome, &o.Account, &o.Description,
			&o.Host, &severity, &o.RuleID, &o.Remediation, &o.Source); err != nil {
			return nil, fmt.Errorf("failed to scan audit outcome: %w", err)
		}
		o.Time = parseTime(ts)
		o.Outcome = core.Outcome(outcome)
		o.Severity = core.Severity(severity)
		result.Items = append(result.Items, o)
	}
	return result, rows.Err()
}

// DeleteOlderThan removes outcomes whose time is before cutoff.
func (as *SQLiteAuditStorage) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := as.sqlite.WriteDB.ExecContext(ctx, "DELETE FROM audit_events WHERE time < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit outcomes: %w", err)
	}
	return res.RowsAffected()
}

func auditArgs(o *core.AuditOutcome, source, host string) []interface{} {
	severity := o.Severity
	if severity == "" {
		severity = core.SeverityLow
	}
	return []interface{}{
		formatTime(o.Time), o.Category, o.Control, string(o.Outcome), o.Account,
		o.Description, host, string(severity), o.RuleID, o.Remediation, source,
	}
}

func ruleIDs(outcomes []core.AuditOutcome) []string {
	return distinct(outcomes, func(o core.AuditOutcome) string { return o.RuleID })
}

func distinct(rows []core.AuditOutcome, key func(core.AuditOutcome) string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rows {
		k := strings.TrimSpace(key(r))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
