package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDetectionStorage implements DetectionStorageInterface for testing
type mockDetectionStorage struct {
	detections []*Detection
	findErr    error
	nextID     int64
}

func newMockDetectionStorage() *mockDetectionStorage {
	return &mockDetectionStorage{detections: make([]*Detection, 0)}
}

func (m *mockDetectionStorage) FindRecentDetection(ctx context.Context, source, ruleID, summary string, since time.Time) (*Detection, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	for i := len(m.detections) - 1; i >= 0; i-- {
		d := m.detections[i]
		if d.Source == source && d.RuleID == ruleID && d.Summary == summary && !d.When.Before(since) {
			return d, nil
		}
	}
	return nil, nil
}

func (m *mockDetectionStorage) InsertDetection(ctx context.Context, detection *Detection) error {
	m.nextID++
	detection.ID = m.nextID
	m.detections = append(m.detections, detection)
	return nil
}

func newTestDetection(summary string) *Detection {
	return &Detection{
		RuleID:  RuleIDBruteForce,
		Summary: summary,
		Source:  SourceLive,
		Host:    "HOST1",
		IP:      NotApplicableIP,
	}
}

func TestDedupGuard_WindowFloor(t *testing.T) {
	tests := []struct {
		name       string
		configured time.Duration
		expected   time.Duration
	}{
		{"zero raised to floor", 0, MinDedupWindow},
		{"one minute raised to floor", time.Minute, MinDedupWindow},
		{"exact floor kept", 5 * time.Minute, 5 * time.Minute},
		{"longer window kept", 30 * time.Minute, 30 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard := NewDedupGuard(newMockDetectionStorage(), tt.configured)
			assert.Equal(t, tt.expected, guard.Window())
		})
	}
}

func TestDedupGuard_ProcessDetection_NewDetection(t *testing.T) {
	storage := newMockDetectionStorage()
	guard := NewDedupGuard(storage, 5*time.Minute)

	det := newTestDetection("5 failed logons for 'alice' in last 5 min")
	result, err := guard.ProcessDetection(context.Background(), det)
	require.NoError(t, err)

	assert.True(t, result.Created)
	assert.False(t, result.IsDuplicate)
	require.Len(t, storage.detections, 1)
	assert.Equal(t, DetectionStatusNew, det.Status)
	assert.Equal(t, SeverityMedium, det.Severity)
	assert.False(t, det.When.IsZero())
	assert.NotNil(t, det.Evidence)
}

func TestDedupGuard_SuppressesWithinWindow(t *testing.T) {
	storage := newMockDetectionStorage()
	guard := NewDedupGuard(storage, 5*time.Minute)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	guard.now = func() time.Time { return base }

	first, err := guard.ProcessDetection(context.Background(), newTestDetection("same"))
	require.NoError(t, err)
	assert.True(t, first.Created)

	// 30 seconds later, same key
	guard.now = func() time.Time { return base.Add(30 * time.Second) }
	second, err := guard.ProcessDetection(context.Background(), newTestDetection("same"))
	require.NoError(t, err)

	assert.True(t, second.IsDuplicate)
	assert.False(t, second.Created)
	require.NotNil(t, second.ExistingDetection)
	assert.Equal(t, int64(1), second.ExistingDetection.ID)
	assert.Len(t, storage.detections, 1)
}

func TestDedupGuard_AllowsAfterWindow(t *testing.T) {
	storage := newMockDetectionStorage()
	guard := NewDedupGuard(storage, time.Minute) // floored to 5 minutes

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	guard.now = func() time.Time { return base }
	_, err := guard.ProcessDetection(context.Background(), newTestDetection("same"))
	require.NoError(t, err)

	// Two minutes later is still inside the floored window
	guard.now = func() time.Time { return base.Add(2 * time.Minute) }
	res, err := guard.ProcessDetection(context.Background(), newTestDetection("same"))
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)

	guard.now = func() time.Time { return base.Add(6 * time.Minute) }
	res, err = guard.ProcessDetection(context.Background(), newTestDetection("same"))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Len(t, storage.detections, 2)
}

func TestDedupGuard_DifferentKeysAreIndependent(t *testing.T) {
	storage := newMockDetectionStorage()
	guard := NewDedupGuard(storage, 5*time.Minute)

	a := newTestDetection("summary a")
	b := newTestDetection("summary b")
	c := newTestDetection("summary a")
	c.Source = SourceSample
	d := newTestDetection("summary a")
	d.RuleID = RuleIDPrivilegedGroupAdd

	for _, det := range []*Detection{a, b, c, d} {
		res, err := guard.ProcessDetection(context.Background(), det)
		require.NoError(t, err)
		assert.True(t, res.Created, "expected %s/%s/%s to be created", det.Source, det.RuleID, det.Summary)
	}
	assert.Len(t, storage.detections, 4)
}

func TestDedupGuard_StorageError(t *testing.T) {
	storage := newMockDetectionStorage()
	storage.findErr = errors.New("database is locked")
	guard := NewDedupGuard(storage, 5*time.Minute)

	res, err := guard.ProcessDetection(context.Background(), newTestDetection("x"))
	assert.Error(t, err)
	assert.Nil(t, res)
	assert.Empty(t, storage.detections)
}
