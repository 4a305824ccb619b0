package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hostaudit/core"
	"hostaudit/detect"
	"hostaudit/metrics"
	"hostaudit/util/goroutine"

	"go.uber.org/zap"
)

// DefaultEventIDs are the audit event types the poller asks for.
var DefaultEventIDs = []int{
	core.EventIDLogonFailure,
	core.EventIDGlobalGroupAdd,
	core.EventIDLocalGroupAdd,
	core.EventIDLogonSuccess,
}

const (
	DefaultPollInterval = 15 * time.Second
	DefaultLookback     = 5 * time.Minute
)

// BookmarkStore persists the per-stream ingestion low-water mark.
type BookmarkStore interface {
	Get(ctx context.Context, channel, host, source string) (*core.Bookmark, error)
	Advance(ctx context.Context, b *core.Bookmark, maxRecordID int64) (*core.Bookmark, error)
}

// EventStore persists parsed events, ignoring natural-key duplicates.
type EventStore interface {
	InsertEvents(ctx context.Context, events []core.SecurityEvent) (int, error)
}

// Publisher fans a new detection out to live subscribers.
type Publisher interface {
	Publish(n core.Notification) int
}

// PollerConfig holds the poller's schedule and stream identity.
type PollerConfig struct {
	EventIDs []int
	Interval time.Duration
	Lookback time.Duration
	Host     string
	Source   string
	Channel  string
}

func (c *PollerConfig) applyDefaults() {
	if len(c.EventIDs) == 0 {
		c.EventIDs = DefaultEventIDs
	}
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.Interval < core.MinPollInterval {
		c.Interval = core.MinPollInterval
	}
	if c.Lookback <= 0 {
		c.Lookback = DefaultLookback
	}
	if c.Source == "" {
		c.Source = core.SourceLive
	}
	if c.Channel == "" {
		c.Channel = core.DefaultChannel
	}
}

// CycleResult summarises one poll cycle.
type CycleResult struct {
	Fetched    int   `json:"fetched"`
	New        int   `json:"new"`
	Inserted   int   `json:"inserted"`
	Candidates int   `json:"candidates"`
	Created    int   `json:"created"`
	Published  int   `json:"published"`
	Bookmark   int64 `json:"bookmark"`
}

// Poller incrementally reads the audit log and raises detections.
type Poller struct {
	cfg       PollerConfig
	source    EventSource
	bookmarks BookmarkStore
	events    EventStore
	engine    *detect.DetectionEngine
	guard     *core.DedupGuard
	bus       Publisher
	logger    *zap.SugaredLogger
	now       func() time.Time

	// serializes cycles so Start and PollOnce callers never overlap
	cycleMu sync.Mutex

	stopCh     chan struct{}
	wg         sync.WaitGroup
	running    bool
	runningMux sync.Mutex
}

// NewPoller creates a poller. Zero config values take the package defaults.
func NewPoller(cfg PollerConfig, source EventSource, bookmarks BookmarkStore, events EventStore,
	engine *detect.DetectionEngine, guard *core.DedupGuard, bus Publisher, logger *zap.SugaredLogger) *Poller {
	cfg.applyDefaults()
	return &Poller{
		cfg:       cfg,
		source:    source,
		bookmarks: bookmarks,
		events:    events,
		engine:    engine,
		guard:     guard,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
	}
}

// Config returns the effective configuration.
func (p *Poller) Config() PollerConfig {
	return p.cfg
}

// Start launches the poll loop. The first cycle runs immediately.
func (p *Poller) Start() {
	p.runningMux.Lock()
	defer p.runningMux.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go p.run(p.stopCh)

	p.logger.Infow("Live event poller started",
		"source", p.source.Name(),
		"event_ids", p.cfg.EventIDs,
		"interval", p.cfg.Interval,
		"lookback", p.cfg.Lookback,
		"threshold", p.engine.Threshold(),
		"host", p.cfg.Host)
}

// Stop ends the loop and waits for the in-flight cycle.
func (p *Poller) Stop() {
	p.runningMux.Lock()
	defer p.runningMux.Unlock()

	if !p.running {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
	p.running = false

	p.logger.Info("Live event poller stopped")
}

func (p *Poller) run(stopCh chan struct{}) {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	goroutine.Every(ctx, "event-poller", p.cfg.Interval, true, p.logger, func(ctx context.Context) {
		res, err := p.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Errorw("Poll cycle failed", "error", err)
			return
		}
		p.logger.Infow("Poll cycle complete",
			"events", res.Inserted,
			"detections", res.Created,
			"published", res.Published,
			"bookmark", res.Bookmark)
	})
}

// PollOnce runs one cycle: read the bookmark, query, parse, drop covered
// records, insert, detect, dedup, publish new detections, then advance the
// bookmark to the highest record id seen.
func (p *Poller) PollOnce(ctx context.Context) (*CycleResult, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	start := time.Now()
	defer func() {
		metrics.PollCycleDuration.Observe(time.Since(start).Seconds())
	}()

	bm, err := p.bookmarks.Get(ctx, p.cfg.Channel, p.cfg.Host, p.cfg.Source)
	if err != nil {
		metrics.PollErrors.WithLabelValues("bookmark").Inc()
		return nil, fmt.Errorf("failed to read bookmark: %w", err)
	}

	raw, err := p.source.Query(ctx, p.cfg.EventIDs, p.cfg.Lookback)
	if err != nil {
		metrics.PollErrors.WithLabelValues("query").Inc()
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	parsed := ParseEvents(raw, p.now())
	for i := range parsed {
		parsed[i].Source = p.cfg.Source
		parsed[i].Host = p.cfg.Host
	}
	fresh := AfterBookmark(parsed, bm)

	res := &CycleResult{Fetched: len(parsed), New: len(fresh), Bookmark: bm.LastRecordID}

	res.Inserted, err = p.events.InsertEvents(ctx, fresh)
	if err != nil {
		metrics.PollErrors.WithLabelValues("insert").Inc()
		return nil, fmt.Errorf("failed to insert events: %w", err)
	}
	metrics.EventsIngested.WithLabelValues(p.cfg.Source).Add(float64(res.Inserted))

	if len(fresh) > 0 {
		candidates := p.engine.Detect(fresh, p.cfg.Source, p.cfg.Host)
		candidates = detect.FilterBelowThreshold(candidates, p.engine.Threshold())
		res.Candidates = len(candidates)

		for _, d := range candidates {
			dr, err := p.guard.ProcessDetection(ctx, d)
			if err != nil {
				metrics.PollErrors.WithLabelValues("detection").Inc()
				return nil, fmt.Errorf("failed to store detection: %w", err)
			}
			if !dr.Created {
				metrics.DetectionsSuppressed.WithLabelValues(d.RuleID).Inc()
				continue
			}
			res.Created++
			metrics.DetectionsCreated.WithLabelValues(d.RuleID, string(d.Severity)).Inc()
			if p.bus != nil {
				p.bus.Publish(core.NotificationFor(d))
				res.Published++
			}
		}
	}

	if max := MaxRecordID(fresh, bm.LastRecordID); max > bm.LastRecordID {
		bm, err = p.bookmarks.Advance(ctx, bm, max)
		if err != nil {
			metrics.PollErrors.WithLabelValues("bookmark").Inc()
			return nil, fmt.Errorf("failed to advance bookmark: %w", err)
		}
	}
	res.Bookmark = bm.LastRecordID
	return res, nil
}
