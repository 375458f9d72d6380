package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tripsync/internal/api"
	"tripsync/internal/auth"
	"tripsync/internal/bridge"
	"tripsync/internal/config"
	"tripsync/internal/database"
	"tripsync/internal/hub"
	"tripsync/internal/jobs"
	"tripsync/internal/logging"
	"tripsync/internal/presence"
	"tripsync/internal/registry"
	"tripsync/internal/relay"
	"tripsync/internal/session"
	"tripsync/internal/websocket"
	pkgdatabase "tripsync/pkg/database"
	"tripsync/pkg/interfaces"
)

// Application owns every component of one tripsync process
type Application struct {
	config *config.Config
	logger *zap.Logger

	registry *registry.Registry
	sessions *session.Manager
	relay    *relay.Relay
	presence *presence.Tracker
	hub      *hub.Hub
	verifier *auth.Verifier

	access *database.Manager // nil unless access.enforce
	redis  *redis.Client     // nil unless redis.enabled
	bridge *bridge.RedisBridge

	maintenance *jobs.MaintenanceJob
	apiServer   *api.Server
	httpServer  *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewApplication builds the components in dependency order:
// registry, sessions, relay, presence, dispatcher, then the optional
// access store and cluster bridge, then the HTTP surface.
// A nil logger builds one from the log config.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
	}

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Leeway.Std(), cfg.Auth.RequireExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}

	reg := registry.NewRegistry()
	sessions := session.NewManager(reg, logger.Named("session"))
	limiter := relay.NewRateLimiter(cfg.Relay.RateLimit, cfg.Relay.RateWindow.Std())
	r := relay.New(reg, sessions, limiter, logger.Named("relay"))
	tracker := presence.NewTracker(r, sessions, logger.Named("presence"))
	dispatcher := hub.NewHub(sessions, r, tracker, cfg.WebSocket.InboundQueue, logger.Named("hub"))

	app := &Application{
		config:   cfg,
		logger:   logger,
		registry: reg,
		sessions: sessions,
		relay:    r,
		presence: tracker,
		hub:      dispatcher,
		verifier: verifier,
	}

	if cfg.Access.Enforce {
		dbConfig := pkgdatabase.DefaultConfig()
		dbConfig.DatabasePath = cfg.Access.DatabasePath
		dbConfig.MigrationsPath = cfg.Access.MigrationsPath
		dbConfig.ApplyMigrations = cfg.Access.ApplyMigrations

		app.access, err = database.NewManager(dbConfig, logger.Named("access"))
		if err != nil {
			return nil, fmt.Errorf("failed to open trip access store: %w", err)
		}
	}

	if cfg.Redis.Enabled {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		app.bridge = bridge.NewRedisBridge(app.redis, cfg.Redis.Channel, cfg.Redis.Buffer, r, logger.Named("bridge"))
	}

	app.maintenance = jobs.NewMaintenanceJob(limiter, reg, sessions, &jobs.MaintenanceConfig{
		LimiterCleanup: cfg.Maintenance.LimiterCleanup,
		StatsReport:    cfg.Maintenance.StatsReport,
	}, logger.Named("jobs"))

	wsOpts := websocket.Options{
		SendBuffer:      cfg.WebSocket.SendBuffer,
		WriteTimeout:    cfg.WebSocket.WriteTimeout.Std(),
		PongWait:        cfg.WebSocket.PongWait.Std(),
		PingInterval:    cfg.WebSocket.PingInterval.Std(),
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
		EnforceAccess:   cfg.Access.Enforce,
		AccessTimeout:   cfg.Access.Timeout.Std(),
	}
	var accessChecker interfaces.AccessChecker
	if app.access != nil {
		accessChecker = app.access
	}
	wsHandler := websocket.NewHandler(dispatcher, sessions, verifier, accessChecker, wsOpts, logger.Named("websocket"))

	deps := api.Dependencies{
		WebSocket:      http.HandlerFunc(wsHandler.HandleWebSocket),
		Rooms:          reg,
		Sessions:       sessions,
		Dispatcher:     dispatcher,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         logger.Named("api"),
	}
	if app.access != nil {
		deps.Access = app.access
	}
	if app.bridge != nil {
		deps.Bridge = app.bridge
	}
	app.apiServer = api.NewServer(deps)

	app.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout.Std(),
		WriteTimeout: cfg.HTTP.WriteTimeout.Std(),
	}

	return app, nil
}

// Start brings the process up: dispatcher, cluster bridge, maintenance
// jobs, then the listener. It returns once the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	if app.bridge != nil {
		if err := app.bridge.Start(ctx); err != nil {
			_ = app.hub.Stop()
			return fmt.Errorf("failed to start cluster bridge: %w", err)
		}
		app.relay.SetBridge(app.bridge)
	}

	if err := app.maintenance.Start(); err != nil {
		app.stopCore()
		return fmt.Errorf("failed to start maintenance jobs: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.maintenance.Stop()
		app.stopCore()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.mu.Lock()
	app.listener = listener
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	app.logger.Info("tripsync started",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("access_enforced", app.access != nil),
		zap.Bool("cluster_bridge", app.bridge != nil))
	return nil
}

// Stop shuts down in reverse order. Open websocket connections are closed
// and their disconnects drained through the dispatcher before it stops, so
// every room sees its members leave.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down tripsync")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if closed := app.sessions.CloseAll(); closed > 0 {
		app.logger.Info("closing open connections", zap.Int("connections", closed))
		app.awaitSessionsDrained(ctx)
	}
	app.maintenance.Stop()
	app.stopCore()

	if app.access != nil {
		if err := app.access.Close(); err != nil {
			errs = append(errs, fmt.Errorf("access store close: %w", err))
		}
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}

	_ = app.logger.Sync()
	return errors.Join(errs...)
}

func (app *Application) awaitSessionsDrained(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for app.sessions.Count() > 0 {
		select {
		case <-ctx.Done():
			app.logger.Warn("sessions still open at shutdown", zap.Int("sessions", app.sessions.Count()))
			return
		case <-ticker.C:
		}
	}
}

func (app *Application) stopCore() {
	if app.bridge != nil {
		app.relay.SetBridge(nil)
		if err := app.bridge.Stop(); err != nil && !errors.Is(err, bridge.ErrBridgeNotRunning) {
			app.logger.Warn("cluster bridge shutdown error", zap.Error(err))
		}
	}
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.logger.Warn("dispatcher shutdown error", zap.Error(err))
	}
}

// Addr returns the bound listen address, or the configured one before Start
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Verifier exposes the token verifier, used by the CLI to issue dev tokens
func (app *Application) Verifier() *auth.Verifier {
	return app.verifier
}

// Logger returns the process logger
func (app *Application) Logger() *zap.Logger {
	return app.logger
}
