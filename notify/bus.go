package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"hostaudit/core"
	"hostaudit/metrics"
	"hostaudit/util/goroutine"

	"go.uber.org/zap"
)

const (
	// DefaultQueueCap bounds each subscriber's pending queue. When a slow
	// subscriber falls this far behind, its oldest messages are dropped.
	DefaultQueueCap = 256

	relayBuffer  = 128
	relayTimeout = 5 * time.Second
)

// Subscriber is one live session's view of the bus. It owns a private
// pending queue and a wake-up signal.
type Subscriber struct {
	mu      sync.Mutex
	queue   []core.Notification
	cap     int
	dropped int
	signal  chan struct{}
}

func newSubscriber(capacity int) *Subscriber {
	return &Subscriber{
		cap:    capacity,
		signal: make(chan struct{}, 1),
	}
}

func (s *Subscriber) push(n core.Notification) {
	s.mu.Lock()
	if len(s.queue) >= s.cap {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, n)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscriber) pop() (core.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return core.Notification{}, false
	}
	n := s.queue[0]
	s.queue = s.queue[1:]
	return n, true
}

// Pending returns the number of queued messages.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Dropped returns how many messages were discarded because the queue was full.
func (s *Subscriber) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Next waits up to keepalive for a message. It returns ok=false when the
// keepalive elapsed first, in which case the caller should send a heartbeat.
// The error is non-nil only when ctx is done.
func (s *Subscriber) Next(ctx context.Context, keepalive time.Duration) (core.Notification, bool, error) {
	if n, ok := s.pop(); ok {
		return n, true, nil
	}

	timer := time.NewTimer(keepalive)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return core.Notification{}, false, ctx.Err()
		case <-timer.C:
			return core.Notification{}, false, nil
		case <-s.signal:
			if n, ok := s.pop(); ok {
				return n, true, nil
			}
		}
	}
}

// Bus fans published notifications out to every registered subscriber and
// forwards them to the configured relays. Nothing is persisted.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*Subscriber]struct{}
	queueCap int
	logger   *zap.SugaredLogger

	relays  []*breakerRelay
	relayCh chan core.Notification

	stopCh     chan struct{}
	wg         sync.WaitGroup
	running    bool
	runningMux sync.Mutex
}

// NewBus creates a bus. A queueCap <= 0 uses DefaultQueueCap.
func NewBus(queueCap int, logger *zap.SugaredLogger, relays ...Relay) *Bus {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	b := &Bus{
		subs:     make(map[*Subscriber]struct{}),
		queueCap: queueCap,
		logger:   logger,
		relayCh:  make(chan core.Notification, relayBuffer),
	}
	for _, r := range relays {
		if r != nil {
			b.relays = append(b.relays, newBreakerRelay(r))
		}
	}
	return b
}

// Subscribe registers a new subscriber. Messages published before this call
// are never delivered to it.
func (b *Bus) Subscribe() *Subscriber {
	s := newSubscriber(b.queueCap)
	b.mu.Lock()
	b.subs[s] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()

	metrics.NotificationSubscribers.Set(float64(count))
	return s
}

// Unsubscribe removes s. Removing an unknown subscriber is a no-op.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	count := len(b.subs)
	b.mu.Unlock()

	metrics.NotificationSubscribers.Set(float64(count))
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish queues n for every current subscriber and returns how many were
// reached. It never blocks on subscribers or relays.
func (b *Bus) Publish(n core.Notification) int {
	b.mu.RLock()
	for s := range b.subs {
		s.push(n)
	}
	reached := len(b.subs)
	b.mu.RUnlock()

	metrics.NotificationsPublished.Inc()

	if len(b.relays) > 0 {
		select {
		case b.relayCh <- n:
		default:
			metrics.RelayFailures.WithLabelValues("queue").Inc()
			b.logger.Warnw("Relay queue full, dropping notification", "rule_id", n.RuleID, "id", n.ID)
		}
	}
	return reached
}

// Start launches the relay dispatcher. It is a no-op without relays or when already running.
func (b *Bus) Start() {
	b.runningMux.Lock()
	defer b.runningMux.Unlock()

	if b.running || len(b.relays) == 0 {
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})

	b.wg.Add(1)
	goroutine.Go("notify-relay", b.logger, func() {
		defer b.wg.Done()
		b.dispatch()
	})

	names := make([]string, 0, len(b.relays))
	for _, r := range b.relays {
		names = append(names, r.Name())
	}
	b.logger.Infow("Notification relays started", "relays", names)
}

// Stop drains nothing further, waits for the dispatcher and closes the relays.
func (b *Bus) Stop() {
	b.runningMux.Lock()
	if !b.running {
		b.runningMux.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.runningMux.Unlock()

	b.wg.Wait()

	for _, r := range b.relays {
		if err := r.Close(); err != nil {
			b.logger.Warnw("Failed to close relay", "relay", r.Name(), "error", err)
		}
	}
}

func (b *Bus) dispatch() {
	for {
		select {
		case <-b.stopCh:
			return
		case n := <-b.relayCh:
			b.forward(n)
		}
	}
}

func (b *Bus) forward(n core.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		b.logger.Errorw("Failed to encode notification for relays", "error", err)
		return
	}

	for _, r := range b.relays {
		ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
		err := r.Send(ctx, n, payload)
		cancel()
		if err != nil {
			metrics.RelayFailures.WithLabelValues(r.Name()).Inc()
			b.logger.Warnw("Relay delivery failed", "relay", r.Name(), "rule_id", n.RuleID, "error", err)
		}
	}
}
