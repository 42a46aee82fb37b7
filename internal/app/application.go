package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tickstream/internal/api"
	"tickstream/internal/auth"
	"tickstream/internal/broker"
	"tickstream/internal/config"
	"tickstream/internal/hub"
	"tickstream/internal/journal"
	"tickstream/internal/metrics"
	"tickstream/internal/ratelimit"
	"tickstream/internal/simulator"
	"tickstream/internal/topic"
	"tickstream/internal/websocket"
	"tickstream/pkg/interfaces"
)

// Application owns every component of a tickstream server process
type Application struct {
	config     *config.Config
	logger     zerolog.Logger
	limiter    *ratelimit.Limiter
	registry   *topic.Registry
	relay      interfaces.Relay
	journal    *journal.Journal
	hub        *hub.Hub
	collector  *metrics.Collector
	simulator  *simulator.Simulator
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener
}

// NewApplication constructs and wires all components in dependency order:
// limiter, registry, relay, journal, hub, collector, simulator, HTTP.
// Nothing runs until Start.
func NewApplication(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{config: cfg, logger: logger.With().Str("component", "app").Logger()}

	// STEP 1: handshake rate limiter and topic registry
	app.limiter = ratelimit.New(ratelimit.Config{
		Window:        cfg.RateLimit.Window,
		MaxRequests:   cfg.RateLimit.MaxRequests,
		SweepInterval: cfg.RateLimit.SweepInterval,
	}, logger)
	app.registry = topic.NewRegistry()

	// STEP 2: token validator
	var validator interfaces.TokenValidator = auth.AllowAll{}
	if cfg.Auth.Secret != "" {
		v, err := auth.NewJWTValidator(cfg.Auth.Secret, cfg.Auth.Required)
		if err != nil {
			return nil, fmt.Errorf("failed to create token validator: %w", err)
		}
		validator = v
	}

	// STEP 3: broker relay; single-process mode when no URL is configured
	origin := uuid.NewString()
	app.relay = broker.Noop{}
	if cfg.Broker.URL != "" {
		bcfg := broker.DefaultConfig()
		bcfg.URL = cfg.Broker.URL
		bcfg.SubjectPrefix = cfg.Broker.SubjectPrefix
		bcfg.Origin = origin
		relay, err := broker.NewNATSRelay(ctx, bcfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect broker: %w", err)
		}
		app.relay = relay
	}

	// STEP 4: optional connection journal
	hubOpts := []hub.Option{hub.WithValidator(validator), hub.WithRelay(app.relay)}
	var collectorOpts []metrics.Option
	if cfg.Journal.Path != "" {
		jcfg := journal.DefaultConfig()
		jcfg.Path = cfg.Journal.Path
		j, err := journal.Open(jcfg, logger)
		if err != nil {
			_ = app.relay.Close()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		app.journal = j
		hubOpts = append(hubOpts, hub.WithJournal(j))
		collectorOpts = append(collectorOpts, metrics.WithSink(j))
	}

	// STEP 5: fan-out hub
	app.hub = hub.NewHub(app.registry, app.limiter, hub.Config{
		IdleTimeout:        cfg.WebSocket.IdleTimeout,
		AllowClientPublish: cfg.WebSocket.AllowClientPublish,
		Origin:             origin,
	}, logger, hubOpts...)

	// STEP 6: metrics collector reading the hub
	app.collector = metrics.New(app.hub, cfg.Metrics.Interval, logger, collectorOpts...)

	// STEP 7: optional market simulator
	if cfg.Simulator.Enabled {
		sim, err := simulator.New(app.hub, cfg.Simulator.Symbols, cfg.Simulator.Interval, logger)
		if err != nil {
			app.closeStorage()
			return nil, fmt.Errorf("failed to create simulator: %w", err)
		}
		app.simulator = sim
	}

	// STEP 8: HTTP surface with the WebSocket route
	wsHandler := websocket.NewHandler(app.hub, websocket.HandlerConfig{
		Connection: websocket.ConnectionOptions{
			SendBuffer:   cfg.WebSocket.SendBuffer,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
			PingInterval: cfg.WebSocket.PingInterval,
			PublishRate:  cfg.WebSocket.PublishRate,
			PublishBurst: cfg.WebSocket.PublishBurst,
		},
		IdleTimeout: cfg.WebSocket.IdleTimeout,
		TrustProxy:  cfg.WebSocket.TrustProxy,
	}, logger)

	apiOpts := []api.Option{
		api.WithWebSocketHandler(wsHandler),
		api.WithMetricsHandler(app.collector.Handler()),
	}
	if app.journal != nil {
		apiOpts = append(apiOpts, api.WithHealthCheck("journal", app.journal), api.WithEventStore(app.journal))
	}
	if cfg.Auth.Secret != "" {
		operators, err := auth.NewJWTValidator(cfg.Auth.Secret, true)
		if err != nil {
			return nil, fmt.Errorf("failed to create operator validator: %w", err)
		}
		apiOpts = append(apiOpts, api.WithOperatorAuth(operators, cfg.Auth.OperatorSubject))
	}
	app.apiServer = api.NewServer(app.hub, logger, apiOpts...)

	app.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return app, nil
}

// Start runs background components and begins serving HTTP
func (app *Application) Start(ctx context.Context) error {
	if err := app.limiter.Start(ctx); err != nil {
		return fmt.Errorf("failed to start rate limiter: %w", err)
	}
	if err := app.hub.Start(ctx); err != nil {
		app.limiter.Stop()
		return fmt.Errorf("failed to start hub: %w", err)
	}
	if err := app.collector.Start(ctx); err != nil {
		app.stopCore()
		return fmt.Errorf("failed to start metrics collector: %w", err)
	}
	if app.simulator != nil {
		if err := app.simulator.Start(ctx); err != nil {
			app.collector.Stop()
			app.stopCore()
			return fmt.Errorf("failed to start simulator: %w", err)
		}
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.stopBackground()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	app.logger.Info().Str("addr", ln.Addr().String()).Str("origin", app.hub.Origin()).Msg("tickstream started")
	return nil
}

// Stop shuts down in reverse dependency order
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("Shutting down tickstream")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	app.stopBackground()
	app.closeStorage()

	app.logger.Info().Msg("tickstream shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) stopBackground() {
	if app.simulator != nil {
		app.simulator.Stop()
	}
	app.collector.Stop()
	app.stopCore()
}

// stopCore stops the hub, which closes every session and the relay
func (app *Application) stopCore() {
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.logger.Warn().Err(err).Msg("Hub shutdown error")
	}
	app.limiter.Stop()
}

func (app *Application) closeStorage() {
	if app.journal == nil {
		return
	}
	if err := app.journal.Close(); err != nil {
		app.logger.Warn().Err(err).Msg("Journal shutdown error")
	}
}

// Addr returns the bound listen address once started
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Hub exposes the producer API for in-process publishers
func (app *Application) Hub() *hub.Hub {
	return app.hub
}

// Journal returns nil when journaling is disabled
func (app *Application) Journal() *journal.Journal {
	return app.journal
}
