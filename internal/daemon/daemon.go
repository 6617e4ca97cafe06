package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/logger"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/clock"
	"github.com/harun/switchboard/pkg/gateway"
	"github.com/harun/switchboard/pkg/registry"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/toolexecutor"
	"github.com/harun/switchboard/pkg/worker"
	"github.com/harun/switchboard/pkg/workflow"
	"github.com/rs/zerolog"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultOpenAIModel    = "gpt-4o"
)

// Options selects what this process hosts
type Options struct {
	// Gateway runs the client-facing gateway.
	Gateway bool
	// Agents lists the ids of the configured workers to run.
	Agents []string
}

// Name identifies the process in PID files and logs
func (o Options) Name() string {
	switch {
	case o.Gateway && len(o.Agents) == 0:
		return "gateway"
	case o.Gateway:
		return "switchboard"
	default:
		return "agent-" + strings.Join(o.Agents, "-")
	}
}

// Daemon wires the store, gateway and workers of one process together
type Daemon struct {
	config *config.Config
	log    zerolog.Logger
	opts   Options
	clock  clock.Clock

	store     session.Store
	janitor   *session.Janitor
	registry  *registry.Registry
	gateway   *gateway.Server
	agents    []*agentProcess
	lifecycle *LifecycleManager

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// agentProcess is one hosted worker and its supporting services
type agentProcess struct {
	cfg       config.AgentConfig
	worker    *worker.Worker
	catalog   *workflow.Catalog
	announcer *registry.Announcer
}

// New connects to the session store and builds every hosted component.
// It fails when the store cannot be reached within the retry policy.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	if !opts.Gateway && len(opts.Agents) == 0 {
		return nil, fmt.Errorf("nothing to run: enable the gateway or name at least one agent")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		log:    log.With().Str("process", opts.Name()).Logger(),
		opts:   opts,
		clock:  clock.New(),
	}
	d.lifecycle = NewLifecycleManager(d)

	store, err := d.connectStore(ctx)
	if err != nil {
		return nil, err
	}
	d.store = store

	if sweeper, ok := store.(session.Sweeper); ok {
		d.janitor = session.NewJanitor(sweeper, cfg.Store.SweepSchedule)
	}

	if opts.Gateway {
		if err := d.buildGateway(); err != nil {
			store.Close()
			return nil, err
		}
	}

	for _, id := range opts.Agents {
		agentCfg, err := cfg.Agent(id)
		if err != nil {
			d.closeBuilt()
			return nil, err
		}
		proc, err := d.buildAgent(agentCfg)
		if err != nil {
			d.closeBuilt()
			return nil, fmt.Errorf("failed to build agent %q: %w", id, err)
		}
		d.agents = append(d.agents, proc)
	}

	if cfg.Store.Driver == config.DriverMemory && !(opts.Gateway && len(opts.Agents) > 0) {
		d.log.Warn().Msg("Memory store is process-local; gateway and workers only share state when hosted together")
	}

	return d, nil
}

func (d *Daemon) connectStore(ctx context.Context) (session.Store, error) {
	sc := d.config.Store
	policy := session.RetryPolicy{
		Attempts:  sc.RetryAttempts,
		BaseDelay: sc.RetryBaseDelay,
		MaxDelay:  sc.RetryMaxDelay,
	}

	store, err := session.Connect(ctx, policy, func() (session.Store, error) {
		switch sc.Driver {
		case config.DriverSQLite:
			store, err := session.OpenSQLite(sc.Path, d.clock)
			if err != nil {
				return nil, err
			}
			return store, nil
		default:
			return session.NewMemoryStore(d.clock), nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session store: %w", err)
	}

	d.log.Info().Str("driver", sc.Driver).Str("path", sc.Path).Msg("Session store connected")
	return store, nil
}

func (d *Daemon) buildGateway() error {
	gc := d.config.Gateway
	d.registry = registry.New(d.clock, d.config.Registry.StalenessThreshold)

	srv, err := gateway.NewServer(gateway.Config{
		Port:                  gc.Port,
		ClientSecret:          gc.ClientSecret,
		RegistrySecret:        gc.RegistrySecret,
		DefaultAgent:          gc.DefaultAgent,
		PostVerificationAgent: gc.PostVerificationAgent,
		VerificationTool:      gc.VerificationTool,
		WorkflowAgents:        gc.WorkflowAgents,
		HandoffAgents:         gc.HandoffAgents,
		NudgeOnHandoff:        gc.NudgeOnHandoff,
		Timers:                gc.Timers,
		SessionTTL:            gc.SessionTTL,
		StoreTimeout:          gc.StoreTimeout,
		TranscriptCacheSize:   gc.TranscriptCacheSize,
		MonitorInterval:       gc.MonitorInterval,
		Store:                 d.store,
		Registry:              d.registry,
		Extractor:             gateway.NewPatternExtractor(gc.IntentKeywords),
		Clock:                 d.clock,
		Logger:                d.log.With().Str("component", "gateway").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	d.gateway = srv
	return nil
}

func (d *Daemon) buildAgent(a config.AgentConfig) (*agentProcess, error) {
	if a.Port <= 0 {
		return nil, fmt.Errorf("agent port is required")
	}
	proc := &agentProcess{cfg: a}

	var catalog *workflow.Catalog
	if a.WorkflowsDir != "" {
		catalog = workflow.NewCatalog(a.WorkflowsDir)
		if err := catalog.Load(); err != nil {
			return nil, err
		}
		proc.catalog = catalog
	}

	var classifier workflow.Classifier
	if a.Classifier.Enabled {
		model := a.Classifier.Model
		if model == "" {
			model = defaultAnthropicModel
		}
		classifier = workflow.NewAnthropicClassifier(a.Classifier.APIKey, model)
	}

	var backend toolexecutor.Backend
	if a.Backend.URL != "" {
		headers := make(map[string]string, len(a.Backend.Headers)+1)
		for k, v := range a.Backend.Headers {
			headers[k] = v
		}
		if a.Backend.APIKey != "" {
			headers["Authorization"] = "Bearer " + a.Backend.APIKey
		}
		backend = toolexecutor.NewHTTPBackend(a.Backend.URL, a.Backend.Timeout, headers)
	}

	w, err := worker.New(worker.Config{
		AgentID:           a.ID,
		Role:              a.Role,
		Persona:           a.Persona,
		NextAgent:         a.NextAgent,
		SystemPrompt:      a.SystemPrompt,
		HandoffTargets:    a.HandoffTargets,
		ReturnTarget:      a.ReturnTarget,
		Tools:             toolSpecs(a.Tools),
		VerificationTool:  a.VerificationTool,
		IdentifyingFields: a.IdentifyingFields,
		MemoryTTL:         a.MemoryTTL,
		ToolTimeout:       a.ToolTimeout,
		MaxToolRounds:     a.MaxToolRounds,
		Limits:            a.Limits,
		Store:             d.store,
		Catalog:           catalog,
		Classifier:        classifier,
		Model:             buildModel(a.Model),
		Backend:           backend,
		Clock:             d.clock,
		Logger:            d.log.With().Str("component", "worker").Logger(),
	})
	if err != nil {
		if catalog != nil {
			catalog.Close()
		}
		return nil, err
	}
	proc.worker = w

	gatewayURL := a.GatewayURL
	if gatewayURL == "" && d.opts.Gateway {
		gatewayURL = fmt.Sprintf("http://127.0.0.1:%d", d.config.Gateway.Port)
	}
	if gatewayURL != "" {
		proc.announcer = registry.NewAnnouncer(gatewayURL, d.config.Gateway.RegistrySecret, registry.AgentInfo{
			ID:           a.ID,
			URL:          a.URL,
			Role:         a.Role,
			Capabilities: a.Capabilities,
			Port:         a.Port,
		}, a.HeartbeatInterval)
	} else {
		d.log.Warn().Str("agent_id", a.ID).Msg("No gateway_url configured, agent will not register")
	}

	return proc, nil
}

// buildModel returns nil when no provider is configured; the worker then
// answers turns with an error frame.
func buildModel(m config.ModelConfig) worker.Model {
	switch m.Provider {
	case config.ProviderAnthropic:
		name := m.Name
		if name == "" {
			name = defaultAnthropicModel
		}
		return worker.NewAnthropicModel(m.APIKey, name, m.MaxTokens)
	case config.ProviderOpenAI:
		name := m.Name
		if name == "" {
			name = defaultOpenAIModel
		}
		return worker.NewOpenAIModel(m.APIKey, name, m.MaxTokens)
	default:
		return nil
	}
}

func toolSpecs(tools []config.ToolConfig) []worker.ToolSpec {
	specs := make([]worker.ToolSpec, 0, len(tools))
	for _, t := range tools {
		params := make([]toolexecutor.ToolParameter, 0, len(t.Parameters))
		for _, p := range t.Parameters {
			typ := p.Type
			if typ == "" {
				typ = "string"
			}
			params = append(params, toolexecutor.ToolParameter{
				Name:        p.Name,
				Type:        typ,
				Description: p.Description,
				Required:    p.Required,
			})
		}
		specs = append(specs, worker.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toolexecutor.ParametersSchema(params),
		})
	}
	return specs
}

// Start starts the janitor, the gateway, then each worker and its announcer.
// After a component fails to start the daemon still counts as running, so
// Stop releases whatever did start.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Bool("gateway", d.opts.Gateway).Strs("agents", d.opts.Agents).Msg("Starting switchboard")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.janitor != nil {
		if err := d.janitor.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start store janitor")
		}
	}

	if d.gateway != nil {
		if err := d.gateway.Start(); err != nil {
			return fmt.Errorf("failed to start gateway: %w", err)
		}
	}

	for _, proc := range d.agents {
		if proc.catalog != nil {
			if err := proc.catalog.Watch(); err != nil {
				logger.Warn().Err(err).Str("agent_id", proc.cfg.ID).Msg("Workflow hot reload disabled")
			}
		}
		if err := proc.worker.Start(proc.cfg.Port); err != nil {
			return fmt.Errorf("failed to start agent %q: %w", proc.cfg.ID, err)
		}
		if proc.announcer != nil {
			proc.announcer.Start()
		}
	}

	logger.Info().Msg("Switchboard started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop shuts components down in reverse start order. The session store is
// closed last so in-flight writes from sessions can finish.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping switchboard")

	var errs []error
	for _, proc := range d.agents {
		if proc.announcer != nil {
			proc.announcer.Stop()
		}
		if err := proc.worker.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		if proc.catalog != nil {
			proc.catalog.Close()
		}
	}

	if d.gateway != nil {
		if err := d.gateway.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if d.janitor != nil {
		d.janitor.Stop()
	}
	if err := d.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close session store: %w", err))
	}

	if err := d.lifecycle.Stop(); err != nil {
		errs = append(errs, err)
	}

	logger.Info().Msg("Switchboard stopped")
	return errors.Join(errs...)
}

// closeBuilt releases what New created before a build error
func (d *Daemon) closeBuilt() {
	for _, proc := range d.agents {
		if proc.catalog != nil {
			proc.catalog.Close()
		}
	}
	if d.store != nil {
		d.store.Close()
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	if d.gateway != nil {
		status.Sessions = d.gateway.Sessions().Count()
	}
	for _, proc := range d.agents {
		status.Agents = append(status.Agents, proc.cfg.ID)
	}
	return status
}

// Wait blocks until SIGINT, SIGTERM or ctx ends, then stops the daemon
func (d *Daemon) Wait(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.log.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), d.config.Gateway.ShutdownTimeout)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop cleanly")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// Gateway returns the hosted gateway, or nil
func (d *Daemon) Gateway() *gateway.Server {
	return d.gateway
}

// Store returns the shared session store
func (d *Daemon) Store() session.Store {
	return d.store
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Sessions  int
	Agents    []string
}
