package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"hostaudit/core"
)

// Relay forwards published notifications to an external broker.
type Relay interface {
	Name() string
	Send(ctx context.Context, n core.Notification, payload []byte) error
	Close() error
}

// ErrRelayOpen is returned while a relay's breaker is rejecting deliveries.
var ErrRelayOpen = errors.New("relay circuit open")

// BreakerState is the state of a relay circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

const (
	breakerMaxFailures = 3
	breakerCooldown    = 30 * time.Second
)

// breaker stops hammering an unreachable broker. After maxFailures
// consecutive failures it rejects deliveries for cooldown, then lets a single
// probe through; the probe's result closes or reopens it.
type breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	probing     bool
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time
}

func newBreaker(maxFailures int, cooldown time.Duration) *breaker {
	return &breaker{
		state:       BreakerClosed,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrRelayOpen
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrRelayOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil {
		b.state = BreakerClosed
		b.failures = 0
		return
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// breakerRelay guards a Relay with a breaker.
type breakerRelay struct {
	Relay
	cb *breaker
}

func newBreakerRelay(r Relay) *breakerRelay {
	return &breakerRelay{Relay: r, cb: newBreaker(breakerMaxFailures, breakerCooldown)}
}

func (r *breakerRelay) Send(ctx context.Context, n core.Notification, payload []byte) error {
	if err := r.cb.allow(); err != nil {
		return err
	}
	err := r.Relay.Send(ctx, n, payload)
	r.cb.record(err)
	return err
}
