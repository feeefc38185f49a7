// Package api provides the HTTP and WebSocket server for backtest runs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/atlas-desktop/backtest-engine/internal/config"
	"github.com/atlas-desktop/backtest-engine/internal/strategy"
	"github.com/atlas-desktop/backtest-engine/internal/telemetry"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP/WebSocket API server
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	hub        *Hub

	provider   backtester.DataProvider
	registry   *strategy.Registry
	collectors *telemetry.Collectors
	gatherer   prometheus.Gatherer

	runs map[string]*Run

	// ctx bounds every run started by the server
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Run tracks one backtest submitted over the API
type Run struct {
	ID          string
	Config      *types.BacktestConfig
	Engine      *backtester.Engine
	Status      types.RunState
	StartedAt   time.Time
	CompletedAt time.Time
	Results     *backtester.Results
	Err         string

	cancel context.CancelFunc
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, cfg *types.ServerConfig, provider backtester.DataProvider, registry *strategy.Registry) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:   logger,
		config:   cfg,
		router:   mux.NewRouter(),
		hub:      NewHub(logger.Named("ws")),
		provider: provider,
		registry: registry,
		gatherer: prometheus.DefaultGatherer,
		runs:     make(map[string]*Run),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.setupRoutes()
	s.handler = cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	go s.hub.Run(ctx)
	return s
}

// WithMetrics makes runs update c and serves g on /metrics
func (s *Server) WithMetrics(c *telemetry.Collectors, g prometheus.Gatherer) *Server {
	s.collectors = c
	if g != nil {
		s.gatherer = g
	}
	return s
}

// Handler returns the routed handler wrapped in CORS
func (s *Server) Handler() http.Handler {
	return s.handler
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)

	s.router.HandleFunc("/api/v1/backtests", s.handleListBacktests).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/backtests", s.handleRunBacktest).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/backtests/{id}", s.handleGetBacktest).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/backtests/{id}/trades", s.handleGetTrades).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/backtests/{id}/values", s.handleGetValues).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/backtests/{id}/cancel", s.handleCancelBacktest).Methods(http.MethodPost)

	s.router.HandleFunc("/api/v1/strategies", s.handleListStrategies).Methods(http.MethodGet)

	wsPath := s.config.WebSocketPath
	if wsPath == "" {
		wsPath = "/ws"
	}
	s.router.HandleFunc(wsPath, s.hub.ServeWS)
	s.router.HandleFunc("/metrics", s.handleMetrics)
}

// Start serves HTTP until Stop is called
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop cancels running backtests, disconnects WebSocket clients and shuts
// the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	running := s.runningLocked()
	total := len(s.runs)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"time":    time.Now().Unix(),
		"runs":    total,
		"running": running,
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"strategies": s.registry.List()})
}

// handleRunBacktest validates the request and starts the run in the background
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	cfg, err := config.DecodeBacktest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	strat, err := s.registry.Create(cfg.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	engine := backtester.NewEngine(s.logger, s.provider, strat).WithCollectors(s.collectors)

	s.mu.Lock()
	if cfg.ID == "" {
		cfg.ID = newRunID()
	}
	if _, exists := s.runs[cfg.ID]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, fmt.Sprintf("backtest %s already exists", cfg.ID))
		return
	}
	if s.config.MaxRuns > 0 && s.runningLocked() >= s.config.MaxRuns {
		s.mu.Unlock()
		writeError(w, http.StatusTooManyRequests, "too many running backtests")
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	run := &Run{
		ID:        cfg.ID,
		Config:    cfg,
		Engine:    engine,
		Status:    types.RunStateRunning,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	s.runs[run.ID] = run
	s.wg.Add(1)
	s.mu.Unlock()

	// Subscribe before Run starts so no update is missed
	go s.execute(ctx, run, engine.ProgressChan())

	s.logger.Info("Backtest submitted", zap.String("id", run.ID), zap.String("strategy", strat.Name()))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":        run.ID,
		"status":    types.RunStateRunning,
		"startedAt": run.StartedAt,
	})
}

// execute runs the backtest, relaying progress to WebSocket subscribers. The
// completion message is published only after every progress update.
func (s *Server) execute(ctx context.Context, run *Run, progress <-chan *types.BacktestProgress) {
	defer s.wg.Done()
	defer run.cancel()

	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		for p := range progress {
			s.hub.PublishProgress(p)
		}
	}()

	results, err := run.Engine.Run(ctx, run.Config)
	<-relayed

	s.mu.Lock()
	run.CompletedAt = time.Now()
	run.Status = run.Engine.State()
	if err != nil {
		run.Err = err.Error()
		if run.Status != types.RunStateCancelled {
			run.Status = types.RunStateFailed
		}
	} else {
		run.Results = results
		run.Status = types.RunStateCompleted
	}
	view := runView(run)
	s.mu.Unlock()

	s.hub.PublishComplete(run.ID, view)
}

func (s *Server) handleListBacktests(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	views := make([]map[string]any, 0, len(s.runs))
	for _, run := range s.runs {
		views = append(views, runView(run))
	}
	s.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		return views[i]["startedAt"].(time.Time).Before(views[j]["startedAt"].(time.Time))
	})
	writeJSON(w, http.StatusOK, map[string]any{"backtests": views, "count": len(views)})
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(w, r)
	if !ok {
		return
	}

	s.mu.RLock()
	view := runView(run)
	if run.Status == types.RunStateRunning {
		view["progress"] = run.Engine.GetProgress()
	}
	if run.Results != nil {
		view["report"] = run.Results.Report()
		view["config"] = run.Config
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	results, ok := s.completedResults(w, r)
	if !ok {
		return
	}
	trades := results.TradeLog()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      results.Config.ID,
		"trades":  trades,
		"count":   len(trades),
		"skipped": results.SkippedTrades(),
	})
}

func (s *Server) handleGetValues(w http.ResponseWriter, r *http.Request) {
	results, ok := s.completedResults(w, r)
	if !ok {
		return
	}
	values := results.ValueSeries()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     results.Config.ID,
		"values": values,
		"count":  len(values),
	})
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(w, r)
	if !ok {
		return
	}

	s.mu.RLock()
	status := run.Status
	s.mu.RUnlock()
	if status != types.RunStateRunning {
		writeError(w, http.StatusConflict, fmt.Sprintf("backtest %s is %s", run.ID, status))
		return
	}

	run.Engine.Cancel()
	run.cancel()
	s.logger.Info("Backtest cancellation requested", zap.String("id", run.ID))
	writeJSON(w, http.StatusAccepted, map[string]any{"id": run.ID, "status": "cancelling"})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*Run, bool) {
	id := mux.Vars(r)["id"]
	s.mu.RLock()
	run, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("backtest %s not found", id))
	}
	return run, ok
}

func (s *Server) completedResults(w http.ResponseWriter, r *http.Request) (*backtester.Results, bool) {
	run, ok := s.lookup(w, r)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	results, status := run.Results, run.Status
	s.mu.RUnlock()
	if results == nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("backtest %s is %s", run.ID, status))
		return nil, false
	}
	return results, true
}

// runningLocked counts runs still in progress. Callers hold s.mu.
func (s *Server) runningLocked() int {
	n := 0
	for _, run := range s.runs {
		if run.Status == types.RunStateRunning {
			n++
		}
	}
	return n
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func newRunID() string {
	return "bt-" + uuid.New().String()[:8]
}

// runView renders a run's status. Callers hold s.mu.
func runView(run *Run) map[string]any {
	view := map[string]any{
		"id":        run.ID,
		"status":    run.Status,
		"strategy":  run.Config.Strategy.Name,
		"startedAt": run.StartedAt,
	}
	if !run.CompletedAt.IsZero() {
		view["completedAt"] = run.CompletedAt
	}
	if run.Err != "" {
		view["error"] = run.Err
	}
	if run.Results != nil {
		view["summary"] = run.Results.Summary()
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
