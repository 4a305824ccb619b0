package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"hostaudit/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func strPtr(s string) *string { return &s }

func event(recordID int64, eventID int, account string, at time.Time) core.SecurityEvent {
	ev := core.SecurityEvent{
		RecordID: recordID,
		Time:     at,
		EventID:  eventID,
		Channel:  core.DefaultChannel,
		Provider: core.DefaultProvider,
		IP:       "10.0.0.5",
		Message:  "An account failed to log on.",
		Fields:   map[string]string{"TargetUserName": account},
		Source:   core.SourceLive,
		Host:     "WS01",
	}
	if account != "" {
		ev.Account = strPtr(account)
		ev.Target = strPtr(account)
	}
	return ev
}

func TestInsertEvents_NaturalKeyDedup(t *testing.T) {
	sqlite := setupTestDB(t)
	store := NewSQLiteEventStorage(sqlite, zap.NewNop().Sugar())
	ctx := context.Background()
	now := time.Now()

	batch := []core.SecurityEvent{
		event(100, core.EventIDLogonFailure, "alice", now),
		event(101, core.EventIDLogonFailure, "alice", now),
	}
	n, err := store.InsertEvents(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.InsertEvents(ctx, append(batch, event(102, core.EventIDLogonFailure, "bob", now)))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Same record id on another host is a different event
	other := event(100, core.EventIDLogonFailure, "alice", now)
	other.Host = "WS02"
	n, err = store.InsertEvents(ctx, []core.SecurityEvent{other})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertEvents_MissingRecordIDNeverCollides(t *testing.T) {
	store := NewSQLiteEventStorage(setupTestDB(t), zap.NewNop().Sugar())
	now := time.Now()

	n, err := store.InsertEvents(context.Background(), []core.SecurityEvent{
		event(0, core.EventIDLogonFailure, "alice", now),
		event(0, core.EventIDLogonFailure, "alice", now),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestListEvents_RoundTripAndFilters(t *testing.T) {
	store := NewSQLiteEventStorage(setupTestDB(t), zap.NewNop().Sugar())
	ctx := context.Background()
	base := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

	noAccount := event(3, core.EventIDLocalGroupAdd, "", base.Add(2*time.Minute))
	noAccount.IP = core.NotApplicableIP
	_, err := store.InsertEvents(ctx, []core.SecurityEvent{
		event(1, core.EventIDLogonFailure, "alice", base),
		event(2, core.EventIDLogonSuccess, "bob", base.Add(time.Minute)),
		noAccount,
	})
	require.NoError(t, err)

	page, err := store.ListEvents(ctx, EventFilter{Source: core.SourceLive})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 3)

	newest := page.Items[0]
	assert.Equal(t, int64(3), newest.RecordID)
	assert.Nil(t, newest.Account)
	assert.Equal(t, core.NotApplicableIP, newest.IP)

	oldest := page.Items[2]
	require.NotNil(t, oldest.Account)
	assert.Equal(t, "alice", *oldest.Account)
	assert.Equal(t, "alice", oldest.Fields["TargetUserName"])
	assert.True(t, oldest.Time.Equal(base))

	page, err = store.ListEvents(ctx, EventFilter{Source: core.SourceLive, EventIDs: []int{4624, 4732}})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = store.ListEvents(ctx, EventFilter{Source: core.SourceLive, Account: "ALI"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	page, err = store.ListEvents(ctx, EventFilter{Source: core.SourceSample})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestBookmarks_Monotonic(t *testing.T) {
	store := NewSQLiteBookmarkStorage(setupTestDB(t), zap.NewNop().Sugar())
	ctx := context.Background()

	b, err := store.Get(ctx, core.DefaultChannel, "WS01", core.SourceLive)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.LastRecordID)

	b, err = store.Advance(ctx, b, 150)
	require.NoError(t, err)
	assert.Equal(t, int64(150), b.LastRecordID)
	assert.True(t, b.Covers(150))
	assert.False(t, b.Covers(151))

	// A stale cycle cannot move it back
	b, err = store.Advance(ctx, b, 120)
	require.NoError(t, err)
	assert.Equal(t, int64(150), b.LastRecordID)

	again, err := store.Get(ctx, core.DefaultChannel, "WS01", core.SourceLive)
	require.NoError(t, err)
	assert.Equal(t, b.ID, again.ID)
	assert.Equal(t, int64(150), again.LastRecordID)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBookmarks_ConcurrentAdvance(t *testing.T) {
	path := t.TempDir() + "/bookmarks.db"
	sqlite, err := NewSQLite(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer sqlite.Close()

	store := NewSQLiteBookmarkStorage(sqlite, zap.NewNop().Sugar())
	ctx := context.Background()
	b, err := store.Get(ctx, core.DefaultChannel, "WS01", core.SourceLive)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			_, err := store.Advance(ctx, b, v*10)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	final, err := store.Get(ctx, core.DefaultChannel, "WS01", core.SourceLive)
	require.NoError(t, err)
	assert.Equal(t, int64(200), final.LastRecordID)
}
