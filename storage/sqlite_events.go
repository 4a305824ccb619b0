package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"hostaudit/core"

	"go.uber.org/zap"
)

// SQLiteEventStorage persists parsed security events.
type SQLiteEventStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteEventStorage creates a new SQLite security event storage
func NewSQLiteEventStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteEventStorage {
	return &SQLiteEventStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

// InsertEvents stores events, ignoring any whose (source, host, channel,
// record_id) already exists. Returns how many rows were actually inserted.
func (es *SQLiteEventStorage) InsertEvents(ctx context.Context, events []core.SecurityEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	inserted := 0
	err := es.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO security_events
				(record_id, time, event_id, channel, provider, level, account, target, ip, message, fields, source, host)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for i := range events {
			e := &events[i]

			var recordID sql.NullInt64
			if e.RecordID > 0 {
				recordID = sql.NullInt64{Int64: e.RecordID, Valid: true}
			}
			var level sql.NullString
			if e.Level != "" {
				level = sql.NullString{String: e.Level, Valid: true}
			}
			var fields sql.NullString
			if len(e.Fields) > 0 {
				b, err := json.Marshal(e.Fields)
				if err != nil {
					return fmt.Errorf("failed to marshal event fields: %w", err)
				}
				fields = sql.NullString{String: string(b), Valid: true}
			}
			channel := e.Channel
			if channel == "" {
				channel = core.DefaultChannel
			}
			ip := e.IP
			if ip == "" {
				ip = core.NotApplicableIP
			}

			res, err := stmt.ExecContext(ctx,
				recordID, formatTime(e.Time), e.EventID, channel, e.Provider, level,
				nullableString(e.Account), nullableString(e.Target), ip, e.Message, fields,
				e.Source, e.Host,
			)
			if err != nil {
				return fmt.Errorf("failed to insert event %d: %w", e.RecordID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListEvents returns a page of events, newest first.
func (es *SQLiteEventStorage) ListEvents(ctx context.Context, filter EventFilter) (*PagedResult[core.SecurityEvent], error) {
	page := NormalizePage(filter.Page.Number, filter.Page.Size)

	w := &whereBuilder{}
	w.add("source = ?", filter.Source)
	w.in("event_id", filter.EventIDs)
	w.contains(filter.Account, "account")
	w.contains(filter.IP, "ip")
	w.equalFold(filter.Host, "host")
	w.contains(filter.Query, "message", "provider", "account")

	result := newPagedResult[core.SecurityEvent](page)
	if err := es.sqlite.ReadDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM security_events"+w.String(), w.args...).Scan(&result.Total); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	query := `SELECT id, record_id, time, event_id, channel, provider, level, account, target, ip, message, fields, source, host
		FROM security_events` + w.String() + ` ORDER BY time DESC, record_id DESC LIMIT ? OFFSET ?`
	args := append(append([]interface{}{}, w.args...), page.Size, page.offset())

	rows, err := es.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e                      core.SecurityEvent
			recordID               sql.NullInt64
			ts                     string
			level, account, target sql.NullString
			fields                 sql.NullString
		)
		if err := rows.Scan(&e.ID, &recordID, &ts, &e.EventID, &e.Channel, &e.Provider, &level,
			&account, &target, &e.IP, &e.Message, &fields, &e.Source, &e.Host); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.RecordID = recordID.Int64
		e.Time = parseTime(ts)
		e.Level = level.String
		e.Account = stringPtr(account)
		e.Target = stringPtr(target)
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &e.Fields); err != nil {
				es.logger.Warnw("Discarding unreadable event fields", "id", e.ID, "error", err)
			}
		}
		result.Items = append(result.Items, e)
	}
	return result, rows.Err()
}

// DeleteOlderThan removes events whose time is before cutoff.
func (es *SQLiteEventStorage) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := es.sqlite.WriteDB.ExecContext(ctx, "DELETE FROM security_events WHERE time < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return res.RowsAffected()
}
