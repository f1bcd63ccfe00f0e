// Package server initializes and runs the broker: database and migrations,
// storage backend, rate limiting, the HTTP endpoint and the background
// sweeper, with graceful shutdown on OS signals.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blobgate/blobgate/internal/blobstore"
	"github.com/blobgate/blobgate/internal/logging"
	"github.com/blobgate/blobgate/internal/ratelimit"
	"github.com/blobgate/blobgate/internal/resilience"
	"github.com/blobgate/blobgate/internal/server/config"
	"github.com/blobgate/blobgate/internal/server/httpapi"
	"github.com/blobgate/blobgate/internal/server/repositories/repomanager"
	"github.com/blobgate/blobgate/internal/server/services"
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	db      *sql.DB
	handler http.Handler
	sweeper *services.Sweeper
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	repos := repomanager.NewPostgresRepositoryManager()
	if err := repos.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	store, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
		Region:             cfg.S3Region,
		AccessKey:          cfg.S3AccessKey,
		SecretKey:          cfg.S3SecretKey,
		Bucket:             cfg.S3Bucket,
		BaseEndpoint:       cfg.S3BaseEndpoint,
		MultipartThreshold: cfg.MultipartThreshold,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("storage backend init error: %w", err)
	}

	guard := resilience.New(resilience.Config{
		NotFailure: []error{blobstore.ErrNotFound},
	}, logger)

	limiter := buildLimiter(cfg, logger)

	grants := services.NewGrantService(db, repos, store, guard, cfg, logger)
	sessions := services.NewSessionService(db, repos, store, guard, cfg, logger)
	objects := services.NewObjectService(db, repos, store, guard, cfg, logger)
	sweeper := services.NewSweeper(db, repos, store, guard, cfg, logger)

	api := httpapi.NewServer(grants, sessions, objects, limiter, cfg, logger)

	return &App{
		config:  cfg,
		logger:  logger,
		db:      db,
		handler: api.Handler(),
		sweeper: sweeper,
	}, nil
}

// buildLimiter prefers the shared Redis store and degrades to per-instance
// buckets when Redis is not configured or goes down at runtime.
func buildLimiter(cfg *config.Config, logger logging.Logger) ratelimit.Limiter {
	local := ratelimit.NewLocalLimiter(nil)
	if cfg.RedisAddr == "" {
		return local
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return ratelimit.NewFallbackLimiter(ratelimit.NewRedisLimiter(client, nil), local, logger)
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {

	srv := &http.Server{
		Addr:    app.config.EndpointAddrHTTP,
		Handler: app.handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error(ctx, "http shutdown error", "error", err)
		}
	}()

	app.logger.Info(ctx, "http server listening", "addr", app.config.EndpointAddrHTTP)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.sweeper.Run(ctx)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err)
	}
}
