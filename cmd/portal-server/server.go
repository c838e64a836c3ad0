package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicops/portal/internal/config"
	"github.com/clinicops/portal/internal/domain/approval"
	"github.com/clinicops/portal/internal/domain/directory"
	"github.com/clinicops/portal/internal/domain/ledger"
	"github.com/clinicops/portal/internal/domain/reconcile"
	"github.com/clinicops/portal/internal/domain/requests"
	"github.com/clinicops/portal/internal/platform/auth"
	"github.com/clinicops/portal/internal/platform/clock"
	"github.com/clinicops/portal/internal/platform/db"
	"github.com/clinicops/portal/internal/platform/events"
	"github.com/clinicops/portal/internal/platform/lock"
	"github.com/clinicops/portal/internal/platform/middleware"
	"github.com/clinicops/portal/internal/platform/sqlitedb"
	"github.com/clinicops/portal/internal/platform/validate"
)

// app holds every backend the portal talks to. Only the ones selected by the
// config are opened; the rest stay nil.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	clock     clock.Clock
	slots     ledger.Slots
	pool      *pgxpool.Pool
	sqlite    *sql.DB
	redis     *redis.Client
	directory directory.Directory
	store     requests.Store
	ledger    ledger.Ledger
	locker    lock.Locker
	publisher events.Publisher
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		logger: logger,
		clock:  clock.System{Location: loc},
		slots:  ledger.Slots{Location: loc, Duration: cfg.SlotDuration},
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.DatabaseURL != "" {
		if a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		logger.Info().Msg("connected to database")
	}

	switch {
	case cfg.DirectoryFile != "":
		dir, derr := directory.LoadFile(cfg.DirectoryFile)
		if derr != nil {
			return nil, derr
		}
		a.directory = dir
	case a.pool != nil:
		a.directory = directory.NewPG(a.pool)
	default:
		logger.Warn().Msg("no DIRECTORY_FILE or DATABASE_URL; user directory is empty")
		a.directory = directory.NewStatic()
	}

	switch cfg.RequestStore {
	case config.DriverPostgres:
		a.store = requests.NewPGStore(a.pool, a.clock, logger)
	default:
		a.store = requests.NewFileStore(cfg.RequestStorePath, a.clock, logger)
	}

	switch cfg.LedgerDriver {
	case config.DriverPostgres:
		a.ledger = ledger.NewPGLedger(a.pool, a.clock)
	case config.DriverSQLite:
		if a.sqlite, err = sqlitedb.Open(ctx, cfg.SQLitePath); err != nil {
			return nil, err
		}
		l, lerr := ledger.NewSQLiteLedger(ctx, a.sqlite, a.clock)
		if lerr != nil {
			return nil, lerr
		}
		a.ledger = l
	default:
		logger.Warn().Msg("in-memory ledger selected; appointments are lost on restart")
		a.ledger = ledger.NewMemoryLedger(a.clock)
	}

	if cfg.RedisURL != "" {
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			return nil, fmt.Errorf("REDIS_URL: %w", perr)
		}
		a.redis = redis.NewClient(opts)
		a.locker = lock.NewRedisLocker(a.redis, cfg.LockTTL, logger)
	} else {
		a.locker = lock.NewKeyedMutex()
	}

	if cfg.AMQPURL != "" {
		pub, perr := events.NewRabbitPublisher(cfg.AMQPURL, logger)
		if perr != nil {
			return nil, perr
		}
		a.publisher = pub
	} else {
		a.publisher = events.NewLogPublisher(logger)
	}

	logger.Info().
		Str("request_store", cfg.RequestStore).
		Str("ledger", cfg.LedgerDriver).
		Bool("redis_locks", a.redis != nil).
		Bool("amqp", cfg.AMQPURL != "").
		Msg("backends ready")
	return a, nil
}

func (a *app) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close publisher")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.sqlite != nil {
		_ = a.sqlite.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) requestService() *requests.Service {
	return requests.NewService(a.store, a.directory, a.publisher, a.clock, a.logger)
}

func (a *app) healthChecks() map[string]db.Pinger {
	checks := map[string]db.Pinger{}
	if a.pool != nil {
		checks["postgres"] = a.pool
	}
	if a.sqlite != nil {
		checks["sqlite"] = db.PingFunc(a.sqlite.PingContext)
	}
	if a.redis != nil {
		checks["redis"] = db.PingFunc(func(ctx context.Context) error { return a.redis.Ping(ctx).Err() })
	}
	return checks
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	if a.cfg.ResolvedAuthMode() == "development" {
		a.logger.Warn().Msg("development auth enabled; identities are taken from X-Dev-* headers")
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     a.cfg.AuthIssuer,
		Audience:   a.cfg.AuthAudience,
		JWKSURL:    a.cfg.AuthJWKSURL,
		SigningKey: []byte(a.cfg.AuthSigningKey),
	})
}

// routes builds the HTTP surface. Health endpoints sit outside /api/v1 and
// need no credentials.
func (a *app) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(a.logger)
	e.Validator = validate.New()

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.healthChecks(), a.pool))

	api := e.Group("/api/v1", a.authMiddleware())

	scheduler := ledger.NewScheduler(a.ledger, a.directory, a.publisher, a.clock, a.slots, a.logger)
	workflow := approval.NewWorkflow(a.store, a.ledger, a.directory, a.locker, a.publisher, a.clock, a.slots, a.logger)
	engine := reconcile.NewEngine(a.store, a.ledger, a.directory, a.slots, a.logger)

	requests.NewHandler(a.requestService()).RegisterRoutes(api)
	approval.NewHandler(workflow).RegisterRoutes(api)
	ledger.NewHandler(scheduler).RegisterRoutes(api)
	reconcile.NewHandler(engine, a.clock).RegisterRoutes(api)

	return e
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	e := a.routes()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
