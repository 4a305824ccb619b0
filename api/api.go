// Package api exposes the hostaudit HTTP boundary: on-demand rescans and job
// status, direct facts ingestion, paged queries over stored rows, and the live
// detection stream (SSE and websocket).
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"hostaudit/config"
	"hostaudit/core"
	"hostaudit/ingest"
	"hostaudit/notify"
	"hostaudit/runner"
	"hostaudit/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// JobRunner is the collector job queue behind the rescan and job endpoints.
type JobRunner interface {
	Enqueue(names []string) (string, error)
	Status(id string) (*core.Job, error)
	List() []*core.Job
	Wait(ctx context.Context, id string) (*core.Job, bool, error)
	Summarize(ctx context.Context, job *core.Job) (*runner.Summary, error)
}

// EventStorer lists stored security events
type EventStorer interface {
	ListEvents(ctx context.Context, filter storage.EventFilter) (*storage.PagedResult[core.SecurityEvent], error)
}

// DetectionStorer lists and triages detections
type DetectionStorer interface {
	ListDetections(ctx context.Context, filter storage.DetectionFilter) (*storage.PagedResult[core.Detection], error)
	UpdateStatus(ctx context.Context, id int64, status core.DetectionStatus) error
}

// AuditStorer serves compliance statistics and audit outcome listings
type AuditStorer interface {
	ComplianceStats(ctx context.Context, source string) (*core.ComplianceStats, error)
	ListAudit(ctx context.Context, filter storage.AuditFilter) (*storage.PagedResult[core.AuditOutcome], error)
}

// FactsIngester validates, evaluates and stores a posted facts document
type FactsIngester interface {
	Decode(data []byte) (*core.FactsDocument, error)
	Ingest(ctx context.Context, doc *core.FactsDocument, replacePrevious bool) (*ingest.IngestResult, error)
}

// RuleSource loads the active rule set
type RuleSource interface {
	Load() ([]core.Rule, error)
}

// SampleSyncer reloads the bundled sample rows
type SampleSyncer interface {
	Sync(ctx context.Context, force bool) (*ingest.SyncResult, error)
}

// HealthChecker reports database reachability
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies are the components the API serves. Nil entries disable the
// routes that need them with 503.
type Dependencies struct {
	Runner     JobRunner
	Bus        *notify.Bus
	Events     EventStorer
	Detections DetectionStorer
	Audit      AuditStorer
	Facts      FactsIngester
	Rules      RuleSource
	Samples    SampleSyncer
	Health     HealthChecker
}

// API holds the API server
type API struct {
	router *mux.Router
	server *http.Server
	deps   Dependencies
	config *config.Config
	logger *zap.SugaredLogger

	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewAPI creates a new API server
func NewAPI(deps Dependencies, config *config.Config, logger *zap.SugaredLogger) *API {
	api := &API{
		router:       mux.NewRouter(),
		deps:         deps,
		config:       config,
		logger:       logger,
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	api.setupRoutes()
	api.server = &http.Server{
		Addr:              api.Addr(),
		Handler:           api.router,
		ReadHeaderTimeout: config.API.ReadTimeout,
	}
	go api.cleanupRateLimiters()
	return api
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.requestIDMiddleware)
	a.router.Use(a.corsMiddleware)

	a.router.Handle("/api/live/rescan", a.requireAPIKey(a.rescanRateLimit(http.HandlerFunc(a.rescan)))).Methods("POST")
	a.router.HandleFunc("/api/live/jobs", a.listJobs).Methods("GET")
	a.router.HandleFunc("/api/live/jobs/{id}", a.getJob).Methods("GET")
	a.router.HandleFunc("/api/live/stream", a.stream).Methods("GET")
	a.router.HandleFunc("/api/live/ws", a.websocketStream).Methods("GET")
	a.router.Handle("/api/live/facts", a.requireAPIKey(http.HandlerFunc(a.postFacts))).Methods("POST")
	a.router.HandleFunc("/api/live/rules", a.listRules).Methods("GET")
	a.router.Handle("/api/live/detections/{id}/status", a.requireAPIKey(http.HandlerFunc(a.updateDetectionStatus))).Methods("POST")
	a.router.Handle("/api/sample/reload", a.requireAPIKey(http.HandlerFunc(a.reloadSamples))).Methods("POST")

	a.router.HandleFunc("/api/{source}/stats/compliance", a.getCompliance).Methods("GET")
	a.router.HandleFunc("/api/{source}/events", a.getEvents).Methods("GET")
	a.router.HandleFunc("/api/{source}/audit", a.getAudit).Methods("GET")
	a.router.HandleFunc("/api/{source}/detections", a.getDetections).Methods("GET")

	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	// Preflight requests are answered by corsMiddleware; the route only makes them match.
	a.router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	if a.config.Metrics.Enabled {
		a.router.Handle("/metrics", promhttp.Handler())
	}
}

// Handler returns the routed handler, for tests and embedding
func (a *API) Handler() http.Handler {
	return a.router
}

// Addr returns the configured listen address
func (a *API) Addr() string {
	return net.JoinHostPort(a.config.API.Host, strconv.Itoa(a.config.API.Port))
}

// Start starts the API server and blocks until it stops. It returns nil
// after a graceful Stop, including a Stop that ran before Start.
func (a *API) Start() error {
	a.logger.Infof("API server listening on %s", a.server.Addr)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	return a.server.Shutdown(ctx)
}

// healthCheck reports database reachability and the live subscriber count
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"status": "ok"}
	if a.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.deps.Health.HealthCheck(ctx); err != nil {
			a.logger.Warnw("Health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "degraded", "database": "unreachable"})
			return
		}
		status["database"] = "ok"
	}
	if a.deps.Bus != nil {
		status["subscribers"] = a.deps.Bus.SubscriberCount()
	}
	writeJSON(w, http.StatusOK, status)
}
