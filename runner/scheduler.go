package runner

import (
	"context"
	"sync"
	"time"

	"hostaudit/core"
	"hostaudit/util/goroutine"

	"go.uber.org/zap"
)

// DefaultTick is how often the scheduler checks for due collectors.
const DefaultTick = 3 * time.Second

// Enqueuer accepts collector jobs.
type Enqueuer interface {
	Enqueue(names []string) (string, error)
}

// Scheduler enqueues each enabled collector when its interval has elapsed.
// Every collector is due on the first tick.
type Scheduler struct {
	queue      Enqueuer
	collectors []core.Collector
	tick       time.Duration
	logger     *zap.SugaredLogger
	now        func() time.Time

	mu     sync.Mutex
	nextAt map[string]time.Time

	cancel     context.CancelFunc
	wg         sync.WaitGroup
	running    bool
	runningMux sync.Mutex
}

// NewScheduler creates a scheduler. A tick <= 0 uses DefaultTick.
func NewScheduler(queue Enqueuer, collectors []core.Collector, tick time.Duration, logger *zap.SugaredLogger) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{
		queue:      queue,
		collectors: collectors,
		tick:       tick,
		logger:     logger,
		now:        time.Now,
		nextAt:     make(map[string]time.Time),
	}
}

// Start begins ticking. It is a no-op when already running.
func (s *Scheduler) Start() {
	s.runningMux.Lock()
	defer s.runningMux.Unlock()

	if s.running {
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	goroutine.Go("collector-scheduler", s.logger, func() {
		defer s.wg.Done()
		goroutine.Every(ctx, "collector-scheduler", s.tick, true, s.logger, func(context.Context) {
			s.RunDue()
		})
	})

	s.logger.Infow("Collector scheduler started", "tick", s.tick)
}

// Stop halts the scheduler and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.runningMux.Lock()
	if !s.running {
		s.runningMux.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.runningMux.Unlock()

	s.wg.Wait()
}

// RunDue enqueues one job per due collector and returns how many were enqueued.
func (s *Scheduler) RunDue() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	enqueued := 0
	for _, c := range s.collectors {
		if !c.Enabled {
			continue
		}
		if next, ok := s.nextAt[c.Name]; ok && now.Before(next) {
			continue
		}

		id, err := s.queue.Enqueue([]string{c.Name})
		if err != nil {
			// retry on the next tick
			s.logger.Warnw("Failed to enqueue scheduled collector", "collector", c.Name, "error", err)
			continue
		}
		s.nextAt[c.Name] = now.Add(c.Interval())
		enqueued++
		s.logger.Debugw("Scheduled collector enqueued", "collector", c.Name, "job_id", id)
	}
	return enqueued
}
