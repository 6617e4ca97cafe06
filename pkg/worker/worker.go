package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/pkg/clock"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/toolexecutor"
	"github.com/harun/switchboard/pkg/workflow"
	"github.com/rs/zerolog"
)

// SessionPath is where the gateway dials every worker.
const SessionPath = "/session"

const (
	defaultMemoryTTL    = 30 * time.Minute
	defaultMaxToolRound = 4
	historyLimit        = 40
)

// Config holds worker configuration and collaborators
type Config struct {
	AgentID           string
	Role              string
	Persona           string
	NextAgent         string
	SystemPrompt      string
	HandoffTargets    []string
	ReturnTarget      string
	Tools             []ToolSpec
	VerificationTool  string
	IdentifyingFields []string
	MemoryTTL         time.Duration
	ToolTimeout       time.Duration
	MaxToolRounds     int
	Limits            toolexecutor.Limits

	Store      session.Store
	Catalog    *workflow.Catalog
	Classifier workflow.Classifier
	Model      Model
	Backend    toolexecutor.Backend
	Executor   *toolexecutor.ToolExecutor
	Clock      clock.Clock
	Logger     zerolog.Logger
}

// Worker serves gateway connections for one agent
type Worker struct {
	cfg      Config
	pipeline *toolexecutor.Pipeline
	executor *toolexecutor.ToolExecutor
	clock    clock.Clock
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	server   *http.Server

	mu    sync.Mutex
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

// New creates a worker. Only AgentID is required.
func New(cfg Config) (*Worker, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent ID is required")
	}
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = defaultMemoryTTL
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRound
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Executor == nil {
		cfg.Executor = toolexecutor.New()
	}

	w := &Worker{
		cfg:      cfg,
		executor: cfg.Executor,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With().Str("agent_id", cfg.AgentID).Logger(),
		conns:    make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	if w.executor.GetTool(toolexecutor.WorkflowStateTool) == nil {
		if err := w.executor.RegisterTool(w.workflowStateTool()); err != nil {
			return nil, fmt.Errorf("failed to register workflow tool: %w", err)
		}
	}

	pipeline, err := toolexecutor.NewPipeline(toolexecutor.Config{
		AgentID:           cfg.AgentID,
		Role:              cfg.Role,
		NextAgent:         cfg.NextAgent,
		VerificationTool:  cfg.VerificationTool,
		IdentifyingFields: cfg.IdentifyingFields,
		MemoryTTL:         cfg.MemoryTTL,
		Timeout:           cfg.ToolTimeout,
		Limits:            cfg.Limits,
	}, w.executor, cfg.Backend, cfg.Store, cfg.Clock)
	if err != nil {
		return nil, err
	}
	w.pipeline = pipeline

	return w, nil
}

// Pipeline returns the tool pipeline shared by every connection
func (w *Worker) Pipeline() *toolexecutor.Pipeline {
	return w.pipeline
}

// Handler returns the worker's HTTP surface
func (w *Worker) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(SessionPath, w.handleSession)
	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", observability.MetricsHandler())

	return r
}

// Start listens on port in the background
func (w *Worker) Start(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port: %d", port)
	}

	w.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: w.Handler(),
	}

	w.logger.Info().Int("port", port).Msg("Starting worker")

	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.logger.Error().Err(err).Msg("Worker server error")
		}
	}()

	return nil
}

// Stop closes every session connection and shuts the listener down
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	for c := range w.conns {
		c.close()
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if w.server == nil {
		return nil
	}
	if err := w.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown worker: %w", err)
	}
	w.logger.Info().Msg("Worker stopped")
	return nil
}

// ActiveSessions returns the number of open session connections
func (w *Worker) ActiveSessions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conns)
}

func (w *Worker) handleSession(rw http.ResponseWriter, r *http.Request) {
	ws, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	c := newConn(w, ws)

	w.mu.Lock()
	w.conns[c] = struct{}{}
	w.mu.Unlock()
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		c.serve()

		w.mu.Lock()
		delete(w.conns, c)
		w.mu.Unlock()
	}()
}
