package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DetectionStorageInterface defines the storage operations DedupGuard needs.
// This allows for mocking in tests and decouples the guard from the database.
type DetectionStorageInterface interface {
	// FindRecentDetection returns the newest detection with the same source,
	// rule and summary whose time is at or after since, or nil when none exists.
	FindRecentDetection(ctx context.Context, source, ruleID, summary string, since time.Time) (*Detection, error)
	InsertDetection(ctx context.Context, detection *Detection) error
}

// DedupGuard suppresses repeat detections within a sliding window keyed by
// (source, rule_id, summary).
type DedupGuard struct {
	storage DetectionStorageInterface
	window  time.Duration
	now     func() time.Time

	// check-then-insert must not interleave for the same key
	mu sync.Mutex
}

// DedupResult represents the result of passing a detection through the guard
type DedupResult struct {
	IsDuplicate       bool
	ExistingDetection *Detection
	Created           bool
}

// EffectiveDedupWindow applies the MinDedupWindow floor to a configured window.
func EffectiveDedupWindow(configured time.Duration) time.Duration {
	if configured < MinDedupWindow {
		return MinDedupWindow
	}
	return configured
}

// NewDedupGuard creates a guard; windows shorter than MinDedupWindow are raised to it.
func NewDedupGuard(storage DetectionStorageInterface, window time.Duration) *DedupGuard {
	return &DedupGuard{
		storage: storage,
		window:  EffectiveDedupWindow(window),
		now:     time.Now,
	}
}

// Window returns the effective dedup window
func (g *DedupGuard) Window() time.Duration {
	return g.window
}

// ProcessDetection stores the detection unless an identical one was stored
// within the window. Only a Created result should be announced to subscribers.
func (g *DedupGuard) ProcessDetection(ctx context.Context, detection *Detection) (*DedupResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	since := now.Add(-g.window)

	existing, err := g.storage.FindRecentDetection(ctx, detection.Source, detection.RuleID, detection.Summary, since)
	if err != nil {
		return nil, fmt.Errorf("failed to look up recent detections: %w", err)
	}
	if existing != nil {
		return &DedupResult{
			IsDuplicate:       true,
			ExistingDetection: existing,
			Created:           false,
		}, nil
	}

	return g.createDetection(ctx, detection, now)
}

// createDetection fills defaults and inserts the detection
func (g *DedupGuard) createDetection(ctx context.Context, detection *Detection, now time.Time) (*DedupResult, error) {
	if detection.When.IsZero() {
		detection.When = now
	}
	if detection.Severity == "" {
		detection.Severity = SeverityMedium
	}
	if detection.Status == "" {
		detection.Status = DetectionStatusNew
	}
	if detection.Evidence == nil {
		detection.Evidence = map[string]interface{}{}
	}

	if err := g.storage.InsertDetection(ctx, detection); err != nil {
		return nil, fmt.Errorf("failed to create detection: %w", err)
	}

	return &DedupResult{
		IsDuplicate: false,
		Created:     true,
	}, nil
}
