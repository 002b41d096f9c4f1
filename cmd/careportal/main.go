package main

import (
	"context"
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
	"github.com/spf13/cobra"

	"github.com/careportal/careportal/internal/config"
	"github.com/careportal/careportal/internal/domain/caseevents"
	"github.com/careportal/careportal/internal/domain/cases"
	"github.com/careportal/careportal/internal/domain/conversation"
	"github.com/careportal/careportal/internal/domain/triage"
	"github.com/careportal/careportal/internal/platform/auth"
	"github.com/careportal/careportal/internal/platform/db"
	"github.com/careportal/careportal/internal/platform/llm"
	"github.com/careportal/careportal/internal/platform/middleware"
	"github.com/careportal/careportal/internal/platform/ratelimit"
	"github.com/careportal/careportal/internal/platform/tasks"
	"github.com/careportal/careportal/internal/platform/webhook"
	"github.com/careportal/careportal/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "careportal",
		Short:        "Patient intake and case management API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(webhooksCmd())

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
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadConfig loads and validates configuration for every subcommand.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

func webhookLimiterConfig(cfg *config.Config) ratelimit.Config {
	return ratelimit.Config{Limit: cfg.WebhookRateLimit, Window: cfg.WebhookRateWindow}
}

// newWebhookManager builds the delivery engine over the Postgres store. When
// rdb is non-nil the per-URL limit is shared through Redis.
func newWebhookManager(pool *pgxpool.Pool, rdb *redis.Client, cfg *config.Config, logger zerolog.Logger) *webhook.Manager {
	var limiter ratelimit.Limiter = ratelimit.NewFixedWindow(webhookLimiterConfig(cfg))
	if rdb != nil {
		limiter = ratelimit.NewRedisFixedWindow(rdb, webhookLimiterConfig(cfg), "careportal:webhook:")
	}
	return webhook.NewManager(webhook.NewPGStore(pool),
		webhook.WithHTTPClient(&http.Client{Timeout: cfg.WebhookTimeout}),
		webhook.WithLimiter(limiter),
		webhook.WithFailureThreshold(cfg.WebhookFailureThreshold),
		webhook.WithLogger(logger),
	)
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	// Database
	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	var healthChecks []db.Check
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = openRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		healthChecks = append(healthChecks, db.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		logger.Info().Msg("webhook rate limits shared through redis")
	}

	group := tasks.NewGroup(logger)
	hub := websocket.NewHub(logger)

	// Cases and outbound webhooks
	webhooks := newWebhookManager(pool, rdb, cfg, logger)
	notifier := caseevents.NewNotifier(webhooks, group, logger)
	caseSvc := cases.NewService(cases.NewRepoPG(pool), notifier)

	// Conversations
	convOpts := []conversation.Option{
		conversation.WithPublisher(hub),
		conversation.WithCases(caseSvc),
		conversation.WithTx(func(ctx context.Context, fn func(context.Context) error) error {
			return db.RunInTx(ctx, pool, fn)
		}),
		conversation.WithConfig(conversation.Config{
			HistoryTurns:      cfg.TriageHistoryTurns,
			HandoffConfidence: cfg.TriageHandoffConfidence,
			OnCallProviderID:  cfg.OnCallProviderID,
		}),
		conversation.WithLogger(logger),
	}
	if cfg.LLMEnabled() {
		client, err := llm.New(llm.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.LLMModel,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create language model client")
		}
		engine := triage.NewEngine(client, triage.Config{
			HistoryTurns: cfg.TriageHistoryTurns,
			Timeout:      cfg.LLMTimeout,
		}, logger)
		convOpts = append(convOpts, conversation.WithTriage(engine, group))
		logger.Info().Str("model", client.Model()).Msg("automated intake replies enabled")
	} else {
		logger.Warn().Msg("OPENAI_API_KEY not set, automated intake replies disabled")
	}
	convSvc := conversation.NewService(
		conversation.NewConversationRepoPG(pool),
		conversation.NewMessageRepoPG(pool),
		convOpts...,
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, healthChecks...))

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		logger.Warn().Msg("development auth active, requests default to admin")
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	conversation.NewHandler(convSvc).RegisterRoutes(apiV1)
	cases.NewHandler(caseSvc).RegisterRoutes(apiV1)
	webhook.NewHandler(webhooks).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, convSvc.CanSubscribe, logger).RegisterRoutes(apiV1)

	// Start server
	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}

	// In-flight replies and webhook fan-outs get whatever is left of the budget.
	start := time.Now()
	if err := group.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Dur("waited", time.Since(start)).Msg("background work abandoned at shutdown")
	} else {
		logger.Info().Dur("waited", time.Since(start)).Msg("background work drained")
	}
	return nil
}
