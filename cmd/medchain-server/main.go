package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medchain/medchain/internal/config"
	"github.com/medchain/medchain/internal/domain/consent"
	"github.com/medchain/medchain/internal/domain/record"
	"github.com/medchain/medchain/internal/platform/auth"
	"github.com/medchain/medchain/internal/platform/db"
	"github.com/medchain/medchain/internal/platform/events"
	"github.com/medchain/medchain/internal/platform/middleware"
	"github.com/medchain/medchain/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "medchain-server",
		Short:        "MedChain consent portal API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// deps are the collaborators newServer wires into routes. Tests build them
// over the memory store.
type deps struct {
	store     *consent.Store
	health    db.Check
	source    record.Source
	limiter   middleware.Limiter
	publisher *events.AMQPPublisher
}

// app is the assembled server and the services behind it.
type app struct {
	echo    *echo.Echo
	ledger  *consent.Ledger
	service *consent.Service
	gate    *consent.Gate
	metrics *telemetry.Metrics
}

func newServer(cfg *config.Config, logger zerolog.Logger, d deps) (*app, error) {
	policy, err := consent.ParsePolicy(cfg.GrantPolicy)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.New()

	ledger := consent.NewLedger(d.store.Ledger)
	sinks := consent.MultiSink{metrics}
	if d.publisher != nil {
		sinks = append(sinks, d.publisher)
	}
	ledger.SetEventSink(sinks)

	svc := consent.NewService(d.store.Requests, ledger, d.store.Tx)
	gate := consent.NewGate(d.store.Requests, policy)
	provider := record.NewProvider(metrics.InstrumentAuthorizer(gate), ledger, d.source)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-User-ID", "X-User-Role"},
	}))
	if cfg.BodyLimit != "" {
		e.Use(echomw.BodyLimit(cfg.BodyLimit))
	}
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	switch cfg.ResolvedAuthMode() {
	case config.AuthModeJWT:
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	default:
		logger.Warn().Msg("development auth is active: identity comes from X-User-ID/X-User-Role, header-less requests run as admin")
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	}

	rl := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}

	api := e.Group("/api")
	api.Use(middleware.RateLimit(rl, d.limiter, logger))
	api.Use(middleware.Audit(logger, metrics))

	consent.NewHandler(svc, ledger).RegisterRoutes(api)
	record.NewHandler(provider).RegisterRoutes(api)

	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"message": "MedChain MVP Backend Running"})
	})
	e.GET("/health", db.HealthHandler(d.health))
	e.GET("/metrics", metrics.Handler())

	return &app{echo: e, ledger: ledger, service: svc, gate: gate, metrics: metrics}, nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	store, health, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
		return err
	}
	defer store.Close()

	limiter, closeLimiter := newLimiter(ctx, cfg, logger)
	defer closeLimiter()

	publisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect audit event publisher")
		return err
	}
	defer publisher.Close()

	a, err := newServer(cfg, logger, deps{
		store:     store,
		health:    health,
		source:    record.NewFileSource(cfg.DataDir),
		limiter:   limiter,
		publisher: publisher,
	})
	if err != nil {
		return err
	}
	logger.Info().
		Str("store", cfg.StoreDriver).
		Str("grant_policy", string(a.gate.Policy())).
		Str("auth_mode", cfg.ResolvedAuthMode()).
		Bool("events", publisher.Enabled()).
		Msg("server configured")

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newLimiter returns the Redis limiter when REDIS_URL is set and reachable,
// otherwise nil so RateLimit falls back to per-process buckets.
func newLimiter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (middleware.Limiter, func()) {
	if cfg.RedisURL == "" {
		return nil, func() {}
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid REDIS_URL, using in-process rate limiting")
		return nil, func() {}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable, using in-process rate limiting")
		_ = client.Close()
		return nil, func() {}
	}

	logger.Info().Msg("rate limiting backed by redis")
	rl := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	return middleware.NewRedisLimiter(client, rl), func() { _ = client.Close() }
}
