package bootstrap

import (
	"fmt"
	"os"

	"hostaudit/config"
	"hostaudit/storage"

	"go.uber.org/zap"
)

// StorageComponents holds all storage-related components.
type StorageComponents struct {
	SQLite     *storage.SQLite
	Audit      *storage.SQLiteAuditStorage
	Events     *storage.SQLiteEventStorage
	Bookmarks  *storage.SQLiteBookmarkStorage
	Detections *storage.SQLiteDetectionStorage
	Retention  *storage.RetentionManager
}

// InitSQLite initializes SQLite connection.
func InitSQLite(dirs DataDirectories, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	sqlite, err := storage.NewSQLite(dirs.SQLite, sugar)
	if err != nil {
		errMsg := ClassifySQLiteError(err, dirs.SQLite)
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: SQLite Initialization Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", errMsg)
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	sugar.Info("SQLite initialized successfully")
	return sqlite, nil
}

// InitStorage creates the table-level stores on top of an open database.
func InitStorage(sqlite *storage.SQLite, cfg *config.Config, sugar *zap.SugaredLogger) *StorageComponents {
	sc := &StorageComponents{
		SQLite:     sqlite,
		Audit:      storage.NewSQLiteAuditStorage(sqlite, sugar),
		Events:     storage.NewSQLiteEventStorage(sqlite, sugar),
		Bookmarks:  storage.NewSQLiteBookmarkStorage(sqlite, sugar),
		Detections: storage.NewSQLiteDetectionStorage(sqlite, sugar),
	}
	sc.Retention = storage.NewRetentionManager(sc.Events, sc.Detections, sc.Audit, storage.RetentionPolicy{
		EventDays:     cfg.Retention.EventDays,
		DetectionDays: cfg.Retention.DetectionDays,
		AuditDays:     cfg.Retention.AuditDays,
	}, cfg.Retention.Interval, sugar)

	sugar.Info("Storage initialized successfully")
	return sc
}
