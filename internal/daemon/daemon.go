package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/harun/cadence/internal/config"
	"github.com/harun/cadence/internal/logger"
	"github.com/harun/cadence/internal/observability"
	"github.com/harun/cadence/internal/tracing"
	"github.com/harun/cadence/pkg/agent"
	"github.com/harun/cadence/pkg/commandqueue"
	"github.com/harun/cadence/pkg/gateway"
	"github.com/harun/cadence/pkg/llm"
	"github.com/harun/cadence/pkg/sessionflag"
	"github.com/harun/cadence/pkg/store"
	"github.com/harun/cadence/pkg/stream"
	"github.com/harun/cadence/pkg/toolgateway"
)

const shutdownTimeout = 15 * time.Second

// drainTimeout bounds how long Stop waits for turns still on the queue.
var drainTimeout = 5 * time.Second

// Daemon owns the turn pipeline and the gateway that serves it.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	client      llm.Client
	store       store.Store
	tools       *toolgateway.Gateway
	registry    *sessionflag.MemoryRegistry
	queue       *commandqueue.CommandQueue
	coordinator *agent.Coordinator

	gatewayServer *gateway.Server
	lifecycle     *LifecycleManager

	startTime time.Time
	running   bool
	closed    bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes a running daemon.
type Status struct {
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"start_time"`
	Uptime    time.Duration `json:"uptime"`
	Sessions  int           `json:"active_sessions"`
}

// newModelClient is replaced in tests.
var newModelClient = buildModelClient

// New builds every component the daemon needs. Nothing listens until Run.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	observability.EnsureRegistered()
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	d := &Daemon{config: cfg, logger: log}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initialize(); err != nil {
		d.release(log.GetZerolog())
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// initialize builds the pipeline in dependency order.
func (d *Daemon) initialize() error {
	zl := d.logger.GetZerolog()

	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	client, err := newModelClient(context.Background(), d.config.AI, zl)
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}
	d.client = client
	d.logger.Info().Int("profiles", len(d.config.AI.Profiles)).Msg("Model client initialized")

	st, err := openStore(d.config.Store, zl)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	d.store = st
	d.logger.Info().Str("driver", d.config.Store.Driver).Msg("Store initialized")

	tools, err := buildTools(d.config.Tools, zl)
	if err != nil {
		return fmt.Errorf("failed to create tool gateway: %w", err)
	}
	d.tools = tools
	d.logger.Info().Strs("tools", tools.ListAvailableTools()).Msg("Tool gateway initialized")

	d.registry = sessionflag.NewMemoryRegistry(zl)
	d.registry.OnChange = observability.SetActiveSessions

	d.queue = commandqueue.New(commandqueue.Config{
		Lanes:  map[string]int{agent.TurnLane: d.config.Agent.MaxConcurrentTurns},
		Logger: zl,
	})
	d.logger.Info().Int("max_concurrent_turns", d.config.Agent.MaxConcurrentTurns).Msg("Command queue initialized")

	var prompts *agent.Prompts
	if path := d.config.Agent.PromptsFile; path != "" {
		loaded, err := agent.LoadPrompts(path)
		if err != nil {
			return fmt.Errorf("failed to load prompts: %w", err)
		}
		prompts = &loaded
		d.logger.Info().Str("path", path).Msg("Prompt templates loaded")
	}

	coordinator, err := agent.NewCoordinator(agent.Config{
		Client:   d.client,
		Tools:    d.tools,
		Store:    d.store,
		Registry: d.registry,
		Queue:    d.queue,
		Transport: stream.NewTransport(stream.TransportConfig{
			Timeout: seconds(d.config.Gateway.StreamTimeoutSeconds),
			Logger:  zl,
		}),
		Prompts:       prompts,
		Defaults:      defaultsFromConfig(d.config.Agent),
		MaxIterations: d.config.Agent.MaxIterations,
		TurnTimeout:   seconds(d.config.Agent.TurnTimeoutSeconds),
		Logger:        zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	d.coordinator = coordinator
	d.logger.Info().Msg("Turn coordinator initialized")

	return nil
}

// Run serves the gateway until ctx is cancelled or the listener fails, then
// stops the daemon.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.gatewayServer.ListenAndServe()
	})
	g.Go(func() error {
		<-gctx.Done()
		return d.Stop()
	})
	return g.Wait()
}

// Start writes the PID file and prepares the gateway server.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon is already running")
	}
	if d.closed {
		return fmt.Errorf("daemon is closed")
	}

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting cadence daemon")

	gw := d.config.Gateway
	server, err := gateway.NewServer(gateway.Config{
		Host:                  gw.Host,
		Port:                  gw.Port,
		SharedSecret:          gw.SharedSecret,
		Coordinator:           d.coordinator,
		RateLimitPerMinute:    gw.RateLimitPerMinute,
		MaxConcurrentRequests: gw.MaxConcurrentRequests,
		Logger:                d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	d.running = true
	d.startTime = time.Now()
	logger.Info().
		Str("host", gw.Host).
		Int("port", gw.Port).
		Msg("Daemon started")
	return nil
}

// Stop shuts the gateway down, waits for in-flight requests and releases
// every component.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping cadence daemon")

	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.gatewayServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
		errs = append(errs, err)
	}

	// turns left after the drain are cancelled or rejected when the queue closes
	if !d.queue.WaitForActive(drainTimeout) {
		logger.Warn().Interface("lanes", d.queue.Stats()).Msg("Turns still active at shutdown")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.release(logger)
	logger.Info().Msg("Daemon stopped successfully")
	return errors.Join(errs...)
}

// Close releases a daemon that was never started.
func (d *Daemon) Close() error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		return d.Stop()
	}
	d.release(d.logger.GetZerolog())
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.registry != nil {
		status.Sessions = len(d.registry.Active())
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Coordinator returns the turn coordinator.
func (d *Daemon) Coordinator() *agent.Coordinator {
	return d.coordinator
}

func (d *Daemon) release(logger zerolog.Logger) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close command queue")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close store")
		}
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}
}

func defaultsFromConfig(cfg config.AgentConfig) agent.Defaults {
	return agent.Defaults{
		Provider:      cfg.Provider,
		Model:         cfg.Model,
		Temperature:   cfg.Temperature,
		TopP:          cfg.TopP,
		ContextWindow: cfg.ContextWindow,
		MaxTokens:     cfg.MaxTokens,
		Tools:         cfg.Tools,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
