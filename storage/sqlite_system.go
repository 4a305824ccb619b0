package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SystemMetadataKey defines the keys used in the system_metadata table
type SystemMetadataKey string

const (
	// SystemKeySamplesFingerprint is the SHA-256 of the sample file last loaded
	SystemKeySamplesFingerprint SystemMetadataKey = "samples_fingerprint"
	// SystemKeySchemaVersion records the schema generation of the database
	SystemKeySchemaVersion SystemMetadataKey = "schema_version"
)

// GetSystemMetadata retrieves a system metadata value by key.
// Returns sql.ErrNoRows if the key doesn't exist.
func (s *SQLite) GetSystemMetadata(ctx context.Context, key SystemMetadataKey) (string, error) {
	var value string
	err := s.ReadDB.QueryRowContext(ctx,
		"SELECT value FROM system_metadata WHERE key = ?",
		string(key)).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", sql.ErrNoRows
		}
		return "", fmt.Errorf("failed to get system metadata: %w", err)
	}
	return value, nil
}

// SetSystemMetadata upserts a system metadata value.
func (s *SQLite) SetSystemMetadata(ctx context.Context, key SystemMetadataKey, value string) error {
	now := formatTime(time.Now())
	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT INTO system_metadata (key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, string(key), value, now, now)
	if err != nil {
		return fmt.Errorf("failed to set system metadata: %w", err)
	}
	return nil
}

// GetSystemMetadataUpdated returns when key was last written, or nil when unset.
func (s *SQLite) GetSystemMetadataUpdated(ctx context.Context, key SystemMetadataKey) (*time.Time, error) {
	var updatedAt string
	err := s.ReadDB.QueryRowContext(ctx,
		"SELECT updated_at FROM system_metadata WHERE key = ?",
		string(key)).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get system metadata time: %w", err)
	}
	t := parseTime(updatedAt)
	return &t, nil
}
