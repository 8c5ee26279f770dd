package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"fauxnetd/internal/config"
	"fauxnetd/internal/emulator"
	apierrors "fauxnetd/internal/errors"
	"fauxnetd/internal/infrastructure"
	customMiddleware "fauxnetd/internal/middleware"
	"fauxnetd/internal/operations"
	"fauxnetd/internal/services"
	"fauxnetd/internal/storage"
	handlers "fauxnetd/internal/transport/http"
	"fauxnetd/internal/vhosts"
	ws "fauxnetd/internal/websocket"
)

const AppName = "fauxnetd"

var (
	// Version is set at link time
	Version = "dev"
	// BuildTime is set at link time
	BuildTime = ""
)

// Application represents the main application container
type Application struct {
	Config *config.Config
	Router *chi.Mux
	Server *http.Server
	Logger *slog.Logger

	Registry      *operations.Registry
	Runner        *operations.Runner
	Sweeper       *operations.Sweeper
	Operations    *services.OperationService
	Health        *services.HealthService
	WebSocketHub  *ws.Hub
	Emulator      *emulator.CoreCLI
	Vhosts        *vhosts.Workspace
	OTelProviders *infrastructure.OTelProviders
	Metrics       *infrastructure.BusinessMetrics

	archive       *storage.GormArchive
	systemMetrics *infrastructure.SystemMetricsCollector
}

// NewApplication loads configuration and logging, then builds the application
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return New(cfg, logger)
}

// New wires every component from cfg. Nothing is started until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("application starting",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.String("addr", cfg.Addr()))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	metrics, err := infrastructure.CreateBusinessMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create business metrics: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		Metrics:       metrics,
	}

	if err := a.initializeServices(); err != nil {
		a.closeArchive()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := a.setupRouter(); err != nil {
		a.closeArchive()
		return nil, err
	}
	a.createServer()
	return a, nil
}

// initializeServices builds the operation core, its collaborators and the services
func (a *Application) initializeServices() error {
	ctx := context.Background()
	cfg := a.Config

	var archive operations.Archive
	if cfg.Archive.Enabled {
		db, err := storage.Open(cfg.Archive.Path)
		if err != nil {
			return err
		}
		a.archive = storage.NewGormArchive(db)
		if err := a.archive.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate archive: %w", err)
		}
		n, err := a.archive.MarkInterrupted(ctx, time.Now(), operations.InterruptedMessage)
		if err != nil {
			return fmt.Errorf("failed to recover archive: %w", err)
		}
		if n > 0 {
			infrastructure.WithComponent(a.Logger, "archive").Warn("marked operations interrupted by restart", slog.Int64("count", n))
		}
		archive = a.archive
	}

	registryOpts := []operations.RegistryOption{operations.WithRegistryLogger(a.Logger)}
	if archive != nil {
		registryOpts = append(registryOpts,
			operations.WithArchive(archive),
			operations.WithListener(operations.NewArchiveListener(archive, a.Logger)))
	}
	a.Registry = operations.NewRegistry(operations.RegistryConfig{
		RetentionTTL: cfg.Operations.RetentionTTL,
		MaxMessages:  cfg.Operations.MaxMessages,
	}, registryOpts...)

	a.Runner = operations.NewRunner(a.Registry,
		operations.WithTracer(operations.NewOperationTracer(a.Metrics)),
		operations.WithRunnerLogger(a.Logger))

	sweeper, err := operations.NewSweeper(a.Registry, archive, cfg.Operations.SweepSchedule, cfg.Archive.Retention, a.Logger)
	if err != nil {
		return err
	}
	a.Sweeper = sweeper

	a.Emulator = emulator.NewCoreCLI(cfg.Emulator, emulator.WithLogger(a.Logger))
	a.Vhosts = vhosts.NewWorkspace(cfg.Vhosts, vhosts.WithLogger(a.Logger))

	a.Operations = services.NewOperationService(a.Runner, a.Registry, a.Emulator, a.Vhosts, cfg.Vhosts, a.Logger)

	hub := ws.NewHub(a.Operations.Status, a.Logger)
	hub.SetMetrics(a.Metrics)
	a.Registry.AddListener(hub)
	a.WebSocketHub = hub

	a.Health = services.NewHealthService(Version, a.Registry, a.Logger)
	if db := a.archive; db != nil {
		a.Health.AddCheck("archive", func(ctx context.Context) error {
			_, err := db.Count(ctx)
			return err
		})
	}
	a.Health.AddCheck("emulator", func(context.Context) error {
		_, err := exec.LookPath(cfg.Emulator.CLIPath)
		return err
	})
	a.Health.AddCheck("vhosts", func(context.Context) error {
		info, err := os.Stat(cfg.Vhosts.BaseDir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", cfg.Vhosts.BaseDir)
		}
		return nil
	})

	collector, err := infrastructure.NewSystemMetricsCollector(a.OTelProviders.Meter, 30*time.Second, a.Registry.Count)
	if err != nil {
		return err
	}
	a.systemMetrics = collector
	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() error {
	cfg := a.Config
	credentials, err := cfg.ParseCredentials()
	if err != nil {
		return fmt.Errorf("invalid credentials: %w", err)
	}

	r := chi.NewRouter()
	errorHandler := apierrors.NewErrorHandler(a.Logger, cfg.Logging.Development)

	// RequestID → RealIP → Logger → Recoverer → CORS → SecurityHeaders → RateLimit → OTel
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(apierrors.RecoveryMiddleware(errorHandler))
	if cfg.Security.EnableCORS {
		r.Use(customMiddleware.CORS(a.getCORSConfig()))
	}
	r.Use(customMiddleware.SecurityHeaders)
	if cfg.Security.RateLimit.Enabled {
		r.Use(customMiddleware.NewRateLimiter(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst, a.Logger).Handler)
	}
	r.Use(customMiddleware.NewOTelMiddleware(a.OTelProviders.Tracer, a.Metrics, a.Logger).Handler)

	healthHandler := handlers.NewHealthHandler(a.Health, a.Logger)
	r.Get("/healthz", healthHandler.LivenessCheck)
	r.Get("/readyz", healthHandler.ReadinessCheck)
	r.Get("/version", healthHandler.Version)
	r.Handle("/metrics", handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP, errorHandler))

	auth := customMiddleware.NewCredentialAuth(credentials, a.Logger)
	if !auth.Enabled() {
		a.Logger.Warn("no credentials configured, API is open and every caller is anonymous")
	}

	r.With(auth.Handler, customMiddleware.WebSocketTraceMiddleware(a.Logger)).Handle("/ws", ws.NewHandler(a.WebSocketHub, cfg.WebSocket, cfg.Security.AllowedOrigins, errorHandler, a.Logger))

	follow := operations.FollowOptions{
		Heartbeat: cfg.Operations.StreamHeartbeat,
		MaxIdle:   cfg.Operations.StreamMaxIdle,
	}
	opsHandler := handlers.NewOperationsHandler(a.Operations, errorHandler, follow, a.Logger)
	opsHandler.SetMetrics(a.Metrics)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Handler)
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.ContentTypeValidator("application/json"))
		r.Use(customMiddleware.NewValidationMiddleware(a.Logger, errorHandler, cfg.Server.MaxBodySize).ValidateRequest)

		r.Mount("/operations", opsHandler.Routes())
		r.Mount("/topology", handlers.NewTopologyHandler(opsHandler, a.Emulator, a.Logger).Routes())
		r.Mount("/vhosts", handlers.NewVhostsHandler(opsHandler, a.Vhosts, a.Logger).Routes())
	})

	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	a.Router = r
	return nil
}

// getCORSConfig builds the CORS policy from the security section
func (a *Application) getCORSConfig() customMiddleware.CORSConfig {
	return customMiddleware.CORSConfig{
		AllowedOrigins: a.Config.Security.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"Last-Event-ID",
			"X-API-Key",
			"X-Request-ID",
		},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
		Logger:           a.Logger,
	}
}

// createServer creates the HTTP server. Event streams clear their own write deadline.
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           a.Config.Addr(),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (a *Application) Run(ctx context.Context) error {
	a.WebSocketHub.Start()
	a.Sweeper.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.InfoContext(gctx, "server listening",
			slog.String("address", a.Server.Addr),
			slog.String("version", Version))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.systemMetrics.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Stop(context.Background())
	})

	return g.Wait()
}

// Stop shuts the server down, lets running operations finish and flushes telemetry
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}

	a.WebSocketHub.Stop()
	a.Sweeper.Stop(shutdownCtx)

	// operations cannot be cancelled; give them until the shutdown deadline
	done := make(chan struct{})
	go func() {
		a.Runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.Logger.WarnContext(ctx, "operations still running at shutdown",
			slog.Int("tracked", a.Registry.Count()))
	}

	a.Vhosts.Close()
	a.closeArchive()

	if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
		a.Logger.ErrorContext(ctx, "error shutting down OpenTelemetry", slog.String("error", err.Error()))
	}

	a.Logger.InfoContext(ctx, "application shutdown complete")
	return errors.Join(errs...)
}

func (a *Application) closeArchive() {
	if a.archive == nil {
		return
	}
	if err := a.archive.Close(); err != nil {
		infrastructure.WithError(infrastructure.WithComponent(a.Logger, "archive"), err).Error("failed to close archive")
	}
	a.archive = nil
}
