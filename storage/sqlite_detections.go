package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hostaudit/core"

	"go.uber.org/zap"
)

// SQLiteDetectionStorage persists detections. It satisfies
// core.DetectionStorageInterface for the dedup guard.
type SQLiteDetectionStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

var _ core.DetectionStorageInterface = (*SQLiteDetectionStorage)(nil)

// NewSQLiteDetectionStorage creates a new SQLite detection storage
func NewSQLiteDetectionStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteDetectionStorage {
	return &SQLiteDetectionStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

const detectionColumns = `id, when_ts, rule_id, severity, summary, evidence, account, ip, source, host, status`

// InsertDetection stores d and sets its ID.
func (ds *SQLiteDetectionStorage) InsertDetection(ctx context.Context, d *core.Detection) error {
	evidence := d.Evidence
	if evidence == nil {
		evidence = map[string]interface{}{}
	}
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}

	status := d.Status
	if status == "" {
		status = core.DetectionStatusNew
	}
	severity := d.Severity
	if severity == "" {
		severity = core.SeverityMedium
	}

	var ip sql.NullString
	if d.IP != "" {
		ip = sql.NullString{String: d.IP, Valid: true}
	}

	res, err := ds.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO detections (when_ts, rule_id, severity, summary, evidence, account, ip, source, host, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, formatTime(d.When), d.RuleID, string(severity), d.Summary, string(evidenceJSON),
		nullableString(d.Account), ip, d.Source, d.Host, string(status))
	if err != nil {
		return fmt.Errorf("failed to insert detection: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read detection id: %w", err)
	}
	d.ID = id
	d.Status = status
	d.Severity = severity
	return nil
}

// FindRecentDetection returns the newest detection matching (source,
// rule_id, summary) whose time is at or after since, or nil.
func (ds *SQLiteDetectionStorage) FindRecentDetection(ctx context.Context, source, ruleID, summary string, since time.Time) (*core.Detection, error) {
	row := ds.sqlite.WriteDB.QueryRowContext(ctx, `
		SELECT `+detectionColumns+` FROM detections
		WHERE source = ? AND rule_id = ? AND summary = ? AND when_ts >= ?
		ORDER BY when_ts DESC, id DESC LIMIT 1
	`, source, ruleID, summary, formatTime(since))

	d, err := scanDetection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find recent detection: %w", err)
	}
	return d, nil
}

// GetDetection returns one detection by id.
func (ds *SQLiteDetectionStorage) GetDetection(ctx context.Context, id int64) (*core.Detection, error) {
	row := ds.sqlite.ReadDB.QueryRowContext(ctx, "SELECT "+detectionColumns+" FROM detections WHERE id = ?", id)
	d, err := scanDetection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDetectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detection: %w", err)
	}
	return d, nil
}

// UpdateStatus sets the triage status of a detection.
func (ds *SQLiteDetectionStorage) UpdateStatus(ctx context.Context, id int64, status core.DetectionStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	res, err := ds.sqlite.WriteDB.ExecContext(ctx, "UPDATE detections SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update detection status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrDetectionNotFound
	}
	return nil
}

// ListDetections returns a page of detections, newest first.
func (ds *SQLiteDetectionStorage) ListDetections(ctx context.Context, filter DetectionFilter) (*PagedResult[core.Detection], error) {
	page := NormalizePage(filter.Page.Number, filter.Page.Size)

	w := &whereBuilder{}
	w.add("source = ?", filter.Source)
	w.equalFold(filter.Severity, "severity")
	w.equalFold(filter.Status, "status")
	w.equalFold(filter.Host, "host")
	w.contains(filter.RuleID, "rule_id")
	w.contains(filter.Account, "account")
	w.contains(filter.IP, "ip")
	w.contains(filter.Query, "summary", "evidence", "account")

	result := newPagedResult[core.Detection](page)
	if err := ds.sqlite.ReadDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM detections"+w.String(), w.args...).Scan(&result.Total); err != nil {
		return nil, fmt.Errorf("failed to count detections: %w", err)
	}

	query := "SELECT " + detectionColumns + " FROM detections" + w.String() + " ORDER BY when_ts DESC, id DESC LIMIT ? OFFSET ?"
	args := append(append([]interface{}{}, w.args...), page.Size, page.offset())

	rows, err := ds.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		result.Items = append(result.Items, *d)
	}
	return result, rows.Err()
}

// DeleteOlderThan removes detections raised before cutoff.
func (ds *SQLiteDetectionStorage) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := ds.sqlite.WriteDB.ExecContext(ctx, "DELETE FROM detections WHERE when_ts < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old detections: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDetection(row rowScanner) (*core.Detection, error) {
	var (
		d                      core.Detection
		when, severity, status string
		evidence               string
		account, ip            sql.NullString
	)
	if err := row.Scan(&d.ID, &when, &d.RuleID, &severity, &d.Summary, &evidence,
		&account, &ip, &d.Source, &d.Host, &status); err != nil {
		return nil, err
	}
	d.When = parseTime(when)
	d.Severity = core.Severity(severity)
	d.Status = core.DetectionStatus(status)
	d.Account = stringPtr(account)
	d.IP = ip.String

	d.Evidence = map[string]interface{}{}
	if evidence != "" {
		if err := json.Unmarshal([]byte(evidence), &d.Evidence); err != nil {
			return nil, fmt.Errorf("failed to decode evidence: %w", err)
		}
	}
	return &d, nil
}
