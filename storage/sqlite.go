package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"hostaudit/metrics"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically in
// chronological order; all times are written in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var memoryDBSeq atomic.Int64

// SQLite holds the database connections. WAL mode allows one writer and many
// concurrent readers, so writes and reads use separate pools.
type SQLite struct {
	WriteDB *sql.DB // single connection, all INSERT/UPDATE/DELETE/DDL
	ReadDB  *sql.DB // query_only pool for SELECTs
	Path    string
	Logger  *zap.SugaredLogger

	sharedPool bool
}

// NewSQLite opens (creating if needed) the database at dbPath and ensures the schema.
// ":memory:" opens a private in-memory database served by a single pool.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dbPath == ":memory:" {
		return openMemory(logger)
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	writeDB, err := sql.Open("sqlite", buildDSN(dbPath, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	if err := verifyConnection(writeDB, logger, "write", true); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	writeDB.SetConnMaxIdleTime(10 * time.Minute)

	readDB, err := sql.Open("sqlite", buildDSN(dbPath, true))
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	if err := verifyConnection(readDB, logger, "read", true); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}

	if err := s.createTables(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infof("SQLite database initialized at %s with separate read/write pools", dbPath)
	return s, nil
}

// openMemory opens a uniquely named shared-cache memory database. Each call
// gets its own database; reads and writes share one connection.
func openMemory(logger *zap.SugaredLogger) (*SQLite, error) {
	name := fmt.Sprintf("file:hostaudit-mem-%d?mode=memory&cache=shared", memoryDBSeq.Add(1))
	db, err := sql.Open("sqlite", name+"&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := verifyConnection(db, logger, "memory", false); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLite{
		WriteDB:    db,
		ReadDB:     db,
		Path:       ":memory:",
		Logger:     logger,
		sharedPool: true,
	}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// buildDSN applies pragmas through the DSN so every pooled connection gets them.
func buildDSN(path string, readOnly bool) string {
	dsn := "file:" + filepath.ToSlash(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if readOnly {
		dsn += "&_pragma=query_only(1)"
	}
	return dsn
}

func verifyConnection(db *sql.DB, logger *zap.SugaredLogger, poolType string, requireWAL bool) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		return fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if fkEnabled != 1 {
		return fmt.Errorf("foreign keys not enabled on %s pool (got %d)", poolType, fkEnabled)
	}

	if requireWAL {
		var journalMode string
		if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
			return fmt.Errorf("failed to query journal mode: %w", err)
		}
		if journalMode != "wal" {
			return fmt.Errorf("WAL mode not enabled on %s pool (got %s)", poolType, journalMode)
		}
	}

	logger.Debugw("SQLite pool verified", "pool", poolType)
	return nil
}

// WithTransaction runs fn in a write transaction, rolling back on error or panic.
func (s *SQLite) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) createTables() error {
	schema := `
	-- Derived audit outcomes, one live row per (source, host, rule_id)
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		control TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		account TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		host TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT 'low',
		rule_id TEXT NOT NULL DEFAULT '',
		remediation TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT 'live'
	);
	CREATE INDEX IF NOT EXISTS idx_audit_source_host_rule ON audit_events(source, host, rule_id);
	CREATE INDEX IF NOT EXISTS idx_audit_source_time ON audit_events(source, time DESC);

	-- Parsed audit-log records; NULL record_id rows never collide
	CREATE TABLE IF NOT EXISTS security_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id INTEGER,
		time TEXT NOT NULL,
		event_id INTEGER NOT NULL DEFAULT 0,
		channel TEXT NOT NULL DEFAULT 'Security',
		provider TEXT NOT NULL DEFAULT '',
		level TEXT,
		account TEXT,
		target TEXT,
		ip TEXT NOT NULL DEFAULT 'N/A',
		message TEXT NOT NULL DEFAULT '',
		fields TEXT, -- JSON object
		source TEXT NOT NULL DEFAULT 'live',
		host TEXT NOT NULL DEFAULT '',
		UNIQUE(source, host, channel, record_id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_source_time ON security_events(source, time DESC);
	CREATE INDEX IF NOT EXISTS idx_events_event_id ON security_events(event_id);

	CREATE TABLE IF NOT EXISTS event_bookmarks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel TEXT NOT NULL,
		host TEXT NOT NULL,
		source TEXT NOT NULL,
		last_record_id INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		UNIQUE(channel, host, source)
	);

	CREATE TABLE IF NOT EXISTS detections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		when_ts TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'medium',
		summary TEXT NOT NULL DEFAULT '',
		evidence TEXT NOT NULL DEFAULT '{}', -- JSON object
		account TEXT,
		ip TEXT,
		source TEXT NOT NULL DEFAULT 'live',
		host TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'new'
	);
	CREATE INDEX IF NOT EXISTS idx_detections_dedup ON detections(source, rule_id, summary, when_ts);
	CREATE INDEX IF NOT EXISTS idx_detections_source_when ON detections(source, when_ts DESC);

	CREATE TABLE IF NOT EXISTS system_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	if _, err := s.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes both pools.
func (s *SQLite) Close() error {
	var writeErr, readErr error
	if s.WriteDB != nil {
		writeErr = s.WriteDB.Close()
	}
	if s.ReadDB != nil && !s.sharedPool {
		readErr = s.ReadDB.Close()
	}
	if writeErr != nil {
		return fmt.Errorf("failed to close write pool: %w", writeErr)
	}
	if readErr != nil {
		return fmt.Errorf("failed to close read pool: %w", readErr)
	}
	return nil
}

// HealthCheck verifies the database connection is alive
func (s *SQLite) HealthCheck(ctx context.Context) error {
	return s.ReadDB.PingContext(ctx)
}

// StartMetricsCollection periodically exports pool sizes until ctx is done.
func (s *SQLite) StartMetricsCollection(ctx context.Context, interval time.Duration) {
	s.updatePoolMetrics()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.updatePoolMetrics()
			}
		}
	}()
}

func (s *SQLite) updatePoolMetrics() {
	metrics.SQLiteOpenConnections.WithLabelValues("write").Set(float64(s.WriteDB.Stats().OpenConnections))
	metrics.SQLiteOpenConnections.WithLabelValues("read").Set(float64(s.ReadDB.Stats().OpenConnections))
}

// validateDatabasePath rejects traversal, null bytes, device names and
// absolute paths outside the temp directory.
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if dbPath == ":memory:" {
		return nil
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}
	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}
	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
	}

	base := strings.ToUpper(filepath.Base(dbPath))
	for _, r := range []string{"CON", "PRN", "AUX", "NUL", "COM1", "COM2", "COM3", "COM4",
		"COM5", "COM6", "COM7", "COM8", "COM9", "LPT1", "LPT2", "LPT3", "LPT4",
		"LPT5", "LPT6", "LPT7", "LPT8", "LPT9"} {
		if base == r || strings.HasPrefix(base, r+".") {
			return fmt.Errorf("reserved name not allowed: %s", filepath.Base(dbPath))
		}
	}

	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if strings.HasPrefix(absPath, os.TempDir()) {
		return nil
	}
	if filepath.IsAbs(dbPath) {
		return fmt.Errorf("absolute paths not allowed: %s", dbPath)
	}

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	rel, err := filepath.Rel(wd, absPath)
	if err != nil {
		return fmt.Errorf("failed to compute relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path escapes working directory: %s resolves to %s", dbPath, absPath)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime reads timestamps written by formatTime, tolerating plain RFC3339.
func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func nullableString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
