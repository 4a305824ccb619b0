package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"hostaudit/core"
	"hostaudit/ingest"
	"hostaudit/metrics"
	"hostaudit/storage"
	"hostaudit/util/goroutine"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultQueueSize   = 64
	DefaultMaxJobs     = 200
	DefaultWaitTimeout = 25 * time.Second
	DefaultWaitPoll    = 300 * time.Millisecond

	stdoutHeadBytes = 400
)

var (
	// ErrQueueFull is returned when the job queue cannot take another job.
	ErrQueueFull = errors.New("job queue is full")
	// ErrNoCollectors is returned when a request names no runnable collector.
	ErrNoCollectors = errors.New("no collectors to run")
)

// FactsSink decodes and stores one facts document.
type FactsSink interface {
	Decode(data []byte) (*core.FactsDocument, error)
	Ingest(ctx context.Context, doc *core.FactsDocument, replacePrevious bool) (*ingest.IngestResult, error)
}

// HostSummarizer counts stored outcomes for a set of hosts.
type HostSummarizer interface {
	SummaryForHosts(ctx context.Context, source string, hosts []string) (total, failed int, err error)
}

// Config tunes the job queue.
type Config struct {
	QueueSize   int
	MaxJobs     int
	WaitTimeout time.Duration
	WaitPoll    time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxJobs <= 0 {
		c.MaxJobs = DefaultMaxJobs
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.WaitPoll <= 0 {
		c.WaitPoll = DefaultWaitPoll
	}
}

// Summary is the outcome of a finished job as reported to rescan callers.
type Summary struct {
	Inserted int `json:"inserted_total"`
	Total    int `json:"unique"`
	Failed   int `json:"failed_count"`
}

// Runner owns the collector job queue. A single worker drains it, so jobs
// and the collectors inside them never run concurrently.
type Runner struct {
	cfg        Config
	collectors []core.Collector
	byName     map[string]core.Collector
	executor   CollectorExecutor
	sink       FactsSink
	summarizer HostSummarizer
	logger     *zap.SugaredLogger
	now        func() time.Time

	queue chan string

	mu    sync.RWMutex
	jobs  map[string]*core.Job
	order []string

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	running    bool
	runningMux sync.Mutex
}

// New creates a runner. Jobs may be enqueued before Start; they run once the worker starts.
func New(cfg Config, collectors []core.Collector, executor CollectorExecutor, sink FactsSink,
	summarizer HostSummarizer, logger *zap.SugaredLogger) *Runner {
	cfg.applyDefaults()

	byName := make(map[string]core.Collector, len(collectors))
	for _, c := range collectors {
		byName[c.Name] = c
	}

	return &Runner{
		cfg:        cfg,
		collectors: collectors,
		byName:     byName,
		executor:   executor,
		sink:       sink,
		summarizer: summarizer,
		logger:     logger,
		now:        time.Now,
		queue:      make(chan string, cfg.QueueSize),
		jobs:       make(map[string]*core.Job),
	}
}

// Collectors returns the configured collectors.
func (r *Runner) Collectors() []core.Collector {
	return append([]core.Collector(nil), r.collectors...)
}

// Config returns the effective queue configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// Start launches the worker. Calling Start on a running runner is a no-op.
func (r *Runner) Start() {
	r.runningMux.Lock()
	defer r.runningMux.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	goroutine.Go("collector-worker", r.logger, func() {
		defer r.wg.Done()
		r.work(r.ctx)
	})

	r.logger.Infow("Collector runner started", "collectors", sortedNames(r.collectors), "queue_size", r.cfg.QueueSize)
}

// Stop cancels the in-flight collector, if any, and waits for the worker to exit.
func (r *Runner) Stop() {
	r.runningMux.Lock()
	if !r.running {
		r.runningMux.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.runningMux.Unlock()

	r.wg.Wait()
	r.logger.Info("Collector runner stopped")
}

// Enqueue submits a job for the named collectors, or for every enabled
// collector when names is empty, and returns its id.
func (r *Runner) Enqueue(names []string) (string, error) {
	names = r.resolveNames(names)
	if len(names) == 0 {
		return "", ErrNoCollectors
	}

	id := "scan-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	job := &core.Job{
		JobID:       id,
		Status:      core.JobStatusQueued,
		Names:       names,
		Logs:        []core.CollectorLog{},
		SubmittedAt: r.now().UTC(),
	}

	// registering under the lock keeps the worker from seeing an id before its job
	r.mu.Lock()
	select {
	case r.queue <- id:
		r.jobs[id] = job
		r.order = append(r.order, id)
		r.mu.Unlock()
	default:
		r.mu.Unlock()
		return "", ErrQueueFull
	}

	r.prune()
	r.logger.Debugw("Job queued", "job_id", id, "collectors", names)
	return id, nil
}

func (r *Runner) resolveNames(names []string) []string {
	var out []string
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, c := range r.collectors {
		if c.Enabled {
			out = append(out, c.Name)
		}
	}
	return out
}

// Status returns a snapshot of the job or storage.ErrJobNotFound.
func (r *Runner) Status(id string) (*core.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns snapshots of retained jobs, newest first.
func (r *Runner) List() []*core.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.Job, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, r.jobs[r.order[i]].Clone())
	}
	return out
}

// Wait polls the job until it reaches a terminal state or the wait timeout
// elapses. On timeout it returns the latest snapshot with done=false.
func (r *Runner) Wait(ctx context.Context, id string) (job *core.Job, done bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(r.cfg.WaitPoll)
	defer ticker.Stop()

	for {
		job, err = r.Status(id)
		if err != nil {
			return nil, false, err
		}
		if job.Status.IsTerminal() {
			return job, true, nil
		}
		select {
		case <-ctx.Done():
			return job, false, nil
		case <-ticker.C:
		}
	}
}

// Summarize totals a job's inserted rows and the stored outcomes of its hosts.
func (r *Runner) Summarize(ctx context.Context, job *core.Job) (*Summary, error) {
	inserted, hosts := job.Totals()
	s := &Summary{Inserted: inserted}
	if r.summarizer == nil || len(hosts) == 0 {
		return s, nil
	}
	total, failed, err := r.summarizer.SummaryForHosts(ctx, core.SourceLive, hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize job %s: %w", job.JobID, err)
	}
	s.Total = total
	s.Failed = failed
	return s, nil
}

func (r *Runner) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.queue:
			r.runJob(ctx, id)
		}
	}
}

func (r *Runner) runJob(ctx context.Context, id string) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	started := r.now().UTC()
	job.Status = core.JobStatusRunning
	job.StartedAt = &started
	names := append([]string(nil), job.Names...)
	r.mu.Unlock()

	okAll := true
	for _, name := range names {
		res := r.runCollector(ctx, name)
		okAll = okAll && res.OK

		r.mu.Lock()
		job.Logs = append(job.Logs, core.CollectorLog{Name: name, Result: res})
		r.mu.Unlock()
	}

	status := core.JobStatusDone
	if !okAll {
		status = core.JobStatusError
	}

	r.mu.Lock()
	finished := r.now().UTC()
	job.FinishedAt = &finished
	job.Status = status
	r.mu.Unlock()

	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	r.logger.Infow("Job finished", "job_id", id, "status", status, "duration", finished.Sub(started))
}

func (r *Runner) runCollector(ctx context.Context, name string) core.CollectorResult {
	col, ok := r.byName[name]
	if !ok {
		return core.CollectorResult{Error: "unknown_collector"}
	}

	start := time.Now()
	res := r.execute(ctx, col)
	result := "ok"
	if !res.OK {
		result = "error"
		r.logger.Warnw("Collector failed", "collector", name, "error", res.Error, "stderr", res.Stderr)
	}
	metrics.CollectorDuration.WithLabelValues(name, result).Observe(time.Since(start).Seconds())
	return res
}

func (r *Runner) execute(ctx context.Context, col core.Collector) core.CollectorResult {
	stdout, err := r.executor.Execute(ctx, col)
	if err != nil {
		var ee *ExecError
		if errors.As(err, &ee) {
			return core.CollectorResult{Error: ee.Reason, Stderr: ee.Stderr}
		}
		return core.CollectorResult{Error: "spawn_failed:" + err.Error()}
	}

	out := strings.TrimSpace(string(stdout))
	if out == "" {
		return core.CollectorResult{Error: "no_stdout_json"}
	}

	var probe any
	if err := json.Unmarshal([]byte(out), &probe); err != nil {
		return core.CollectorResult{Error: "json_parse_error", Detail: err.Error(), StdoutHead: head(out, stdoutHeadBytes)}
	}

	doc, err := r.sink.Decode([]byte(out))
	if err != nil {
		var se *ingest.SchemaError
		if errors.As(err, &se) {
			return core.CollectorResult{Error: "schema_invalid", Detail: strings.Join(se.Details, "; ")}
		}
		return core.CollectorResult{Error: "json_parse_error", Detail: err.Error(), StdoutHead: head(out, stdoutHeadBytes)}
	}

	ir, err := r.sink.Ingest(ctx, doc, col.ReplacePrevious)
	if err != nil {
		return core.CollectorResult{Error: "ingest_failed:" + err.Error()}
	}
	return core.CollectorResult{OK: true, Inserted: ir.Inserted, Skipped: ir.Skipped, Host: ir.Host}
}

// prune drops the oldest finished jobs beyond MaxJobs.
func (r *Runner) prune() {
	r.mu.Lock()
	defer r.mu.Unlock()

	excess := len(r.order) - r.cfg.MaxJobs
	if excess <= 0 {
		return
	}
	kept := r.order[:0]
	for _, id := range r.order {
		if excess > 0 && r.jobs[id].Status.IsTerminal() {
			delete(r.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sortedNames(cols []core.Collector) []string {
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}
