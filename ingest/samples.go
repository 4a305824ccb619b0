package ingest

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"hostaudit/core"
	"hostaudit/storage"

	"go.uber.org/zap"
)

// SampleStore reloads bundled sample audit rows.
type SampleStore interface {
	ReplaceSampleRows(ctx context.Context, rows []core.AuditOutcome) (int, error)
}

// MetadataStore keeps small key/value facts about the database.
type MetadataStore interface {
	GetSystemMetadata(ctx context.Context, key storage.SystemMetadataKey) (string, error)
	SetSystemMetadata(ctx context.Context, key storage.SystemMetadataKey, value string) error
}

// sampleRow is one entry of the sample file.
type sampleRow struct {
	Time        string `json:"time"`
	Category    string `json:"category"`
	Control     string `json:"control"`
	Outcome     string `json:"outcome"`
	Account     string `json:"account"`
	Description string `json:"description"`
	Host        string `json:"host"`
	Severity    string `json:"severity"`
	RuleID      string `json:"rule_id"`
	Remediation string `json:"remediation"`
}

// SyncResult reports what a sample resync did.
type SyncResult struct {
	Reloaded    bool   `json:"reloaded"`
	Inserted    int    `json:"inserted"`
	Fingerprint string `json:"fingerprint"`
}

// SampleLoader keeps the sample rows in the database in step with the
// sample file, reloading only when the file's SHA-256 changes.
type SampleLoader struct {
	path   string
	store  SampleStore
	meta   MetadataStore
	logger *zap.SugaredLogger
	now    func() time.Time

	mu sync.Mutex
}

// NewSampleLoader creates a loader for the JSON array at path.
func NewSampleLoader(path string, store SampleStore, meta MetadataStore, logger *zap.SugaredLogger) *SampleLoader {
	return &SampleLoader{
		path:   path,
		store:  store,
		meta:   meta,
		logger: logger,
		now:    time.Now,
	}
}

// Sync reloads the sample rows if the stored fingerprint is stale, or
// unconditionally when force is set. Concurrent callers reload at most once.
func (l *SampleLoader) Sync(ctx context.Context, force bool) (*SyncResult, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sample file %s: %w", l.path, err)
	}
	fingerprint := fingerprintOf(data)

	if !force {
		stored, err := l.storedFingerprint(ctx)
		if err != nil {
			return nil, err
		}
		if stored == fingerprint {
			return &SyncResult{Fingerprint: fingerprint}, nil
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// another caller may have finished the reload while we waited
	stored, err := l.storedFingerprint(ctx)
	if err != nil {
		return nil, err
	}
	if stored == fingerprint && !force {
		return &SyncResult{Fingerprint: fingerprint}, nil
	}

	rows, err := l.parse(data)
	if err != nil {
		return nil, err
	}

	inserted, err := l.store.ReplaceSampleRows(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to store sample rows: %w", err)
	}
	if err := l.meta.SetSystemMetadata(ctx, storage.SystemKeySamplesFingerprint, fingerprint); err != nil {
		return nil, fmt.Errorf("failed to store samples fingerprint: %w", err)
	}

	l.logger.Infow("Sample data reloaded", "path", l.path, "rows", inserted, "fingerprint", fingerprint[:12])
	return &SyncResult{Reloaded: true, Inserted: inserted, Fingerprint: fingerprint}, nil
}

func (l *SampleLoader) storedFingerprint(ctx context.Context) (string, error) {
	v, err := l.meta.GetSystemMetadata(ctx, storage.SystemKeySamplesFingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read samples fingerprint: %w", err)
	}
	return v, nil
}

func (l *SampleLoader) parse(data []byte) ([]core.AuditOutcome, error) {
	var raw []sampleRow
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("sample file must be a JSON array of audit rows: %w", err)
	}

	now := l.now()
	rows := make([]core.AuditOutcome, 0, len(raw))
	for _, r := range raw {
		category := strings.TrimSpace(r.Category)
		if category == "" {
			category = "Audit"
		}
		outcome := strings.TrimSpace(r.Outcome)
		if outcome == "" {
			outcome = "Info"
		}
		severity := core.Severity(strings.ToLower(strings.TrimSpace(r.Severity)))
		if !severity.IsValid() {
			severity = core.SeverityLow
		}
		rows = append(rows, core.AuditOutcome{
			Time:        core.ParseTimestamp(r.Time, now),
			Category:    category,
			Control:     strings.TrimSpace(r.Control),
			Outcome:     core.Outcome(outcome),
			Account:     strings.TrimSpace(r.Account),
			Description: r.Description,
			Host:        strings.TrimSpace(r.Host),
			Severity:    severity,
			RuleID:      strings.TrimSpace(r.RuleID),
			Remediation: r.Remediation,
			Source:      core.SourceSample,
		})
	}
	return rows, nil
}

func fingerprintOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
