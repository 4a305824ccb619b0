package storage

import (
	"context"
	"sync"
	"time"

	"hostaudit/metrics"
	"hostaudit/util/goroutine"

	"go.uber.org/zap"
)

// RetentionPolicy holds day counts per table; zero or negative keeps rows forever.
type RetentionPolicy struct {
	EventDays     int
	DetectionDays int
	AuditDays     int
}

type retentionTarget struct {
	table string
	days  int
	purge func(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionManager periodically deletes rows older than the policy allows
type RetentionManager struct {
	targets       []retentionTarget
	checkInterval time.Duration
	logger        *zap.SugaredLogger
	now           func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetentionManager creates a new retention manager
func NewRetentionManager(events *SQLiteEventStorage, detections *SQLiteDetectionStorage, audit *SQLiteAuditStorage,
	policy RetentionPolicy, interval time.Duration, logger *zap.SugaredLogger) *RetentionManager {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	rm := &RetentionManager{
		checkInterval: interval,
		logger:        logger,
		now:           time.Now,
	}
	if events != nil {
		rm.targets = append(rm.targets, retentionTarget{"security_events", policy.EventDays, events.DeleteOlderThan})
	}
	if detections != nil {
		rm.targets = append(rm.targets, retentionTarget{"detections", policy.DetectionDays, detections.DeleteOlderThan})
	}
	if audit != nil {
		rm.targets = append(rm.targets, retentionTarget{"audit_events", policy.AuditDays, audit.DeleteOlderThan})
	}
	return rm
}

// Start runs cleanup once per interval until Stop. Calling Start twice is a no-op.
func (rm *RetentionManager) Start() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rm.cancel = cancel
	rm.done = make(chan struct{})

	done := rm.done
	goroutine.Go("retention", rm.logger, func() {
		defer close(done)
		goroutine.Every(ctx, "retention-cleanup", rm.checkInterval, false, rm.logger, func(ctx context.Context) {
			rm.Cleanup(ctx)
		})
	})
}

// Stop stops the retention manager and waits for an in-flight cleanup.
func (rm *RetentionManager) Stop() {
	rm.mu.Lock()
	cancel, done := rm.cancel, rm.done
	rm.cancel, rm.done = nil, nil
	rm.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Cleanup performs one retention pass and returns rows deleted per table.
func (rm *RetentionManager) Cleanup(ctx context.Context) map[string]int64 {
	rm.logger.Info("Starting data retention cleanup")
	deleted := make(map[string]int64)

	for _, t := range rm.targets {
		if t.days <= 0 {
			continue
		}
		cutoff := rm.now().Add(-time.Duration(t.days) * 24 * time.Hour)
		n, err := t.purge(ctx, cutoff)
		if err != nil {
			rm.logger.Errorw("Retention cleanup failed", "table", t.table, "error", err)
			continue
		}
		deleted[t.table] = n
		metrics.RetentionDeleted.WithLabelValues(t.table).Add(float64(n))
	}

	rm.logger.Infow("Data retention cleanup completed", "deleted", deleted)
	return deleted
}
