package storage

import (
	"context"
	"fmt"
	"time"

	"hostaudit/core"

	"go.uber.org/zap"
)

// SQLiteBookmarkStorage tracks the last ingested record id per
// (channel, host, source).
type SQLiteBookmarkStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteBookmarkStorage creates a new SQLite bookmark storage
func NewSQLiteBookmarkStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteBookmarkStorage {
	return &SQLiteBookmarkStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

// Get returns the bookmark for (channel, host, source), creating it at 0.
func (bs *SQLiteBookmarkStorage) Get(ctx context.Context, channel, host, source string) (*core.Bookmark, error) {
	now := formatTime(time.Now())
	_, err := bs.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO event_bookmarks (channel, host, source, last_record_id, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(channel, host, source) DO NOTHING
	`, channel, host, source, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create bookmark: %w", err)
	}

	var b core.Bookmark
	var updatedAt string
	err = bs.sqlite.WriteDB.QueryRowContext(ctx, `
		SELECT id, channel, host, source, last_record_id, updated_at
		FROM event_bookmarks WHERE channel = ? AND host = ? AND source = ?
	`, channel, host, source).Scan(&b.ID, &b.Channel, &b.Host, &b.Source, &b.LastRecordID, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read bookmark: %w", err)
	}
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

// Advance moves the bookmark to maxRecordID. The guard lives in the UPDATE
// so the stored value never decreases even with concurrent writers; the
// returned bookmark reflects what is stored.
func (bs *SQLiteBookmarkStorage) Advance(ctx context.Context, b *core.Bookmark, maxRecordID int64) (*core.Bookmark, error) {
	res, err := bs.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE event_bookmarks SET last_record_id = ?, updated_at = ?
		WHERE channel = ? AND host = ? AND source = ? AND last_record_id < ?
	`, maxRecordID, formatTime(time.Now()), b.Channel, b.Host, b.Source, maxRecordID)
	if err != nil {
		return nil, fmt.Errorf("failed to advance bookmark: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		bs.logger.Debugw("Bookmark advanced",
			"channel", b.Channel, "host", b.Host, "source", b.Source,
			"from", b.LastRecordID, "to", maxRecordID)
	}
	return bs.Get(ctx, b.Channel, b.Host, b.Source)
}

// List returns all bookmarks.
func (bs *SQLiteBookmarkStorage) List(ctx context.Context) ([]core.Bookmark, error) {
	rows, err := bs.sqlite.ReadDB.QueryContext(ctx, `
		SELECT id, channel, host, source, last_record_id, updated_at
		FROM event_bookmarks ORDER BY source, host, channel
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookmarks: %w", err)
	}
	defer rows.Close()

	bookmarks := make([]core.Bookmark, 0)
	for rows.Next() {
		var b core.Bookmark
		var updatedAt string
		if err := rows.Scan(&b.ID, &b.Channel, &b.Host, &b.Source, &b.LastRecordID, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bookmark: %w", err)
		}
		b.UpdatedAt = parseTime(updatedAt)
		bookmarks = append(bookmarks, b)
	}
	return bookmarks, rows.Err()
}
