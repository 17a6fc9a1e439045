package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinic/chartmerge/internal/config"
	"github.com/clinic/chartmerge/internal/domain/chart"
	"github.com/clinic/chartmerge/internal/domain/extraction"
	"github.com/clinic/chartmerge/internal/domain/review"
	"github.com/clinic/chartmerge/internal/platform/aiclient"
	"github.com/clinic/chartmerge/internal/platform/auth"
	"github.com/clinic/chartmerge/internal/platform/blobstore"
	"github.com/clinic/chartmerge/internal/platform/ccda"
	"github.com/clinic/chartmerge/internal/platform/db"
	"github.com/clinic/chartmerge/internal/platform/labtext"
	"github.com/clinic/chartmerge/internal/platform/lock"
	"github.com/clinic/chartmerge/internal/platform/metrics"
	"github.com/clinic/chartmerge/internal/platform/middleware"
	"github.com/clinic/chartmerge/internal/platform/transcript"
)

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// newRouter builds the extractor set. Transcripts need the AI service; without
// AI_SERVICE_URL they fail with a processing error.
func newRouter(cfg *config.Config, logger zerolog.Logger) (*extraction.Router, error) {
	dict := labtext.DefaultDictionary()
	if cfg.LabDictionaryFile != "" {
		d, err := labtext.LoadDictionary(cfg.LabDictionaryFile)
		if err != nil {
			return nil, fmt.Errorf("load lab dictionary: %w", err)
		}
		dict = d
	}

	var tx extraction.TranscriptExtractor
	if cfg.AIServiceURL != "" {
		client := aiclient.NewClient(aiclient.Config{
			BaseURL:           cfg.AIServiceURL,
			APIKey:            cfg.AIAPIKey,
			Model:             cfg.AIModel,
			Timeout:           cfg.AITimeout,
			MaxAttempts:       cfg.AIMaxAttempts,
			RetryBaseDelay:    cfg.AIRetryBaseDelay,
			RequestsPerSecond: cfg.AIRPS,
		}, logger)
		tx = transcript.NewExtractor(client, transcript.WithLogger(logger))
	} else {
		logger.Warn().Msg("AI_SERVICE_URL not set, voice transcripts will not be extracted")
	}
	return extraction.NewRouter(labtext.NewExtractor(dict), ccda.NewExtractor(nil), tx), nil
}

type app struct {
	echo    *echo.Echo
	limiter *middleware.IPRateLimiter
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp wires stores, services and routes. Without DATABASE_URL every
// store is in memory.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	a.echo = e

	var (
		chartStore chart.Store
		reviewRepo review.Repository
		docRepo    extraction.Repository
		tx         chart.Transactor = db.NopTx{}
	)
	if cfg.UsesDatabase() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return fail(fmt.Errorf("connect to database: %w", err))
		}
		a.closers = append(a.closers, pool.Close)
		logger.Info().Msg("connected to database")

		chartStore = chart.NewStorePG(pool)
		reviewRepo = review.NewRepoPG(pool)
		docRepo = extraction.NewRepoPG(pool)
		tx = db.NewTxManager(pool)
		e.GET("/health/db", db.HealthHandler(pool))
	} else {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory stores")
		chartStore = chart.NewMemoryStore()
		reviewRepo = review.NewMemoryRepo()
		docRepo = extraction.NewMemoryRepo()
	}

	var locker chart.PatientLocker = lock.NewLocal()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("parse REDIS_URL: %w", err))
		}
		client := redis.NewClient(opt)
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("connect to redis: %w", err))
		}
		locker = lock.NewRedis(client, "chartmerge:", lock.Options{TTL: cfg.ChartLockTTL}, logger)
		logger.Info().Msg("using redis chart locks")
	}

	var blobs blobstore.Store = blobstore.NewMemoryStore()
	if cfg.StorageBackend == "minio" {
		ms, err := blobstore.NewMinioStore(ctx, blobstore.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("connect to minio: %w", err))
		}
		blobs = ms
	}

	router, err := newRouter(cfg, logger)
	if err != nil {
		return fail(err)
	}

	reviewSvc := review.NewService(reviewRepo, tx, logger)
	engine := chart.NewEngine(chartStore, locker, tx, review.NewEmitter(reviewSvc), chart.DefaultPolicy(), logger)
	reviewSvc.SetApplier(engine)

	docSvc := extraction.NewService(docRepo, blobs, router, engine, extraction.Options{
		ExtractionTimeout: cfg.ExtractionTimeout,
		WriteRetries:      cfg.ChartWriteRetries,
		RetryBaseDelay:    50 * time.Millisecond,
	}, logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadLimit))

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		logger.Warn().Msg("development auth enabled, every request is trusted")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	e.Use(middleware.Audit(logger, nil))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
		rl.Burst = cfg.RateLimitBurst
	}
	a.limiter = middleware.NewIPRateLimiter(rl)

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(a.limiter))

	extraction.NewHandler(docSvc).RegisterRoutes(apiV1)
	chart.NewHandler(engine).RegisterRoutes(apiV1)
	review.NewHandler(reviewSvc).RegisterRoutes(apiV1)

	return a, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.close()

	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				a.limiter.Cleanup()
			}
		}
	}()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
