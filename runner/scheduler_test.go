package runner

import (
	"errors"
	"sync"
	"testing"
	"time"

	"hostaudit/core"
	"hostaudit/util/goroutine"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type recordingQueue struct {
	mu    sync.Mutex
	names [][]string
	fail  bool
}

func (q *recordingQueue) Enqueue(names []string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return "", errors.New("queue full")
	}
	q.names = append(q.names, names)
	return "scan-00000000", nil
}

func (q *recordingQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.names)
}

func TestScheduler_RunDue(t *testing.T) {
	queue := &recordingQueue{}
	cols := []core.Collector{
		{Name: "fast", IntervalSeconds: 5, Enabled: true},
		{Name: "slow", IntervalSeconds: 600, Enabled: true},
		{Name: "off", Enabled: false},
	}
	s := NewScheduler(queue, cols, 0, zap.NewNop().Sugar())
	assert.Equal(t, DefaultTick, s.tick)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	assert.Equal(t, 2, s.RunDue())
	assert.Equal(t, [][]string{{"fast"}, {"slow"}}, queue.names)

	assert.Equal(t, 0, s.RunDue())

	// the 5s interval is floored to 30s
	now = now.Add(10 * time.Second)
	assert.Equal(t, 0, s.RunDue())
	now = now.Add(20 * time.Second)
	assert.Equal(t, 1, s.RunDue())
	assert.Equal(t, []string{"fast"}, queue.names[2])

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 2, s.RunDue())
}

func TestScheduler_RetriesAfterEnqueueFailure(t *testing.T) {
	queue := &recordingQueue{fail: true}
	s := NewScheduler(queue, []core.Collector{{Name: "pw", Enabled: true}}, time.Second, zap.NewNop().Sugar())

	assert.Equal(t, 0, s.RunDue())
	queue.fail = false
	assert.Equal(t, 1, s.RunDue())
}

func TestScheduler_StartStop(t *testing.T) {
	goroutine.AssertNoLeaks(t)

	queue := &recordingQueue{}
	s := NewScheduler(queue, []core.Collector{{Name: "pw", Enabled: true}}, 10*time.Millisecond, zap.NewNop().Sugar())
	s.Start()
	s.Start()

	assert.Eventually(t, func() bool { return queue.Count() == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
	assert.Equal(t, 1, queue.Count())
}
