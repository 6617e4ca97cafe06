package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/pkg/clock"
	"github.com/harun/switchboard/pkg/protocol"
	"github.com/harun/switchboard/pkg/registry"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/worker"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ClientPath is where end-user clients connect
const ClientPath = "/ws"

const shutdownTimeout = 10 * time.Second

// Server is the client-facing session routing gateway
type Server struct {
	cfg         Config
	server      *http.Server
	upgrader    websocket.Upgrader
	sessions    *SessionRegistry
	auth        *AuthHandler
	broadcaster *Broadcaster
	router      *AgentRouter
	registry    *registry.Registry
	monitor     *registry.Monitor
	store       session.Store
	dialer      Dialer
	extractor   Extractor
	clock       clock.Clock
	logger      zerolog.Logger

	shutdownMu     sync.RWMutex
	isShuttingDown bool
}

// NewServer validates cfg and creates a gateway
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if cfg.DefaultAgent == "" {
		return nil, fmt.Errorf("default agent is required")
	}

	cfg.Timers = cfg.Timers.withDefaults()
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.TranscriptCacheSize <= 0 {
		cfg.TranscriptCacheSize = defaultTranscriptSize
	}
	if cfg.VerificationTool == "" {
		cfg.VerificationTool = "perform_idv_check"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewWSDialer(worker.SessionPath, cfg.Timers.ConnectTimeout)
	}
	if cfg.Extractor == nil {
		cfg.Extractor = NewPatternExtractor(nil)
	}

	sessions := NewSessionRegistry()
	s := &Server{
		cfg:         cfg,
		sessions:    sessions,
		auth:        NewAuthHandler(cfg.ClientSecret),
		broadcaster: NewBroadcaster(sessions, cfg.Logger),
		router:      NewAgentRouter(cfg.Registry, cfg.DefaultAgent, cfg.WorkflowAgents, cfg.HandoffAgents),
		registry:    cfg.Registry,
		store:       cfg.Store,
		dialer:      cfg.Dialer,
		extractor:   cfg.Extractor,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.monitor = registry.NewMonitor(cfg.Registry, cfg.MonitorInterval, func(id string) {
		s.logger.Warn().Str("agent_id", id).Msg("Agent marked unhealthy")
	})

	return s, nil
}

// Handler returns the gateway's HTTP surface
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(ClientPath, s.handleWebSocket)
	registry.NewHandler(s.registry, s.cfg.RegistrySecret).Routes(r)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", observability.MetricsHandler())

	return r
}

// Start starts the heartbeat monitor and listens in the background
func (s *Server) Start() error {
	if s.cfg.Port <= 0 {
		return fmt.Errorf("invalid port: %d", s.cfg.Port)
	}

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Handler(),
	}

	s.logger.Info().
		Int("port", s.cfg.Port).
		Str("default_agent", s.cfg.DefaultAgent).
		Bool("client_auth", s.auth.Enabled()).
		Msg("Starting gateway")

	s.monitor.Start()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop notifies clients, stops every session and shuts the listener down.
// Stored session state is kept so clients can resume after a restart.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Int("sessions", s.sessions.Count()).Msg("Shutting down gateway")

	s.broadcaster.Broadcast(protocol.Error{Code: CodeShutdown, Message: "gateway is shutting down", Terminal: true})
	if remaining := s.broadcaster.Shutdown(shutdownTimeout); remaining > 0 {
		s.logger.Warn().Int("sessions", remaining).Msg("Sessions still running at shutdown")
	}
	s.monitor.Stop()

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown gateway: %w", err)
	}

	s.logger.Info().Msg("Gateway stopped")
	return nil
}

// Broadcaster returns the gateway's session broadcaster
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Sessions returns the live session registry
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "gateway is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.auth.Authorize(r) {
		observability.RecordSession("rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	resumeID := r.URL.Query().Get("session_id")
	if resumeID != "" && !s.auth.VerifyResumeToken(resumeID, r.URL.Query().Get("resume_token")) {
		observability.RecordSession("rejected")
		http.Error(w, "invalid resume token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	s.logger.Debug().Str("ip", r.RemoteAddr).Str("resume", resumeID).Msg("Client connected")
	s.acceptConnection(conn, resumeID)
}

// acceptConnection assigns a session to a new client connection. A client
// reconnecting to a session that is waiting to be purged takes it over.
// Agent resolution is deferred until the session needs one.
func (s *Server) acceptConnection(conn Conn, resumeID string) *Session {
	var record *session.Session

	if resumeID != "" {
		if prev, ok := s.sessions.Get(resumeID); ok {
			released := false
			ran := prev.postAndWait(func() { released = prev.release() })
			if ran && !released {
				s.reject(conn, CodeSessionInUse, "session already has a connected client")
				return nil
			}
			<-prev.stopped
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		rec, err := s.store.GetSession(ctx, resumeID)
		cancel()
		switch {
		case err == nil:
			record = rec
		case errors.Is(err, session.ErrNotFound):
			s.logger.Info().Str("session_id", resumeID).Msg("Resume requested for unknown session, starting fresh")
		default:
			s.logger.Warn().Err(err).Str("session_id", resumeID).Msg("Failed to load session for resume")
		}
	}

	id := resumeID
	if record == nil {
		generated, err := gonanoid.New()
		if err != nil {
			s.reject(conn, CodeNoAgent, "failed to allocate session id")
			return nil
		}
		id = generated
	}

	sess := newSession(s, id, record)
	if !s.sessions.Add(sess) {
		sess.queue.close()
		s.reject(conn, CodeSessionInUse, "session already has a connected client")
		return nil
	}
	observability.SetActiveSessions(s.sessions.Count())

	sess.logger.Info().Bool("resumed", record != nil).Msg("Session accepted")
	sess.start(conn, record != nil)
	return sess
}

func (s *Server) reject(conn Conn, code, message string) {
	observability.RecordSession("rejected")
	data := protocol.MustEncode(protocol.Error{Code: code, Message: message, Terminal: true})
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send rejection")
	}
	conn.Close()
}
