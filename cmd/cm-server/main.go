package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cm/cm/internal/config"
	"github.com/cm/cm/internal/domain/notification"
	"github.com/cm/cm/internal/domain/subscription"
	"github.com/cm/cm/internal/platform/auth"
	"github.com/cm/cm/internal/platform/cache"
	"github.com/cm/cm/internal/platform/correlation"
	"github.com/cm/cm/internal/platform/db"
	"github.com/cm/cm/internal/platform/gateway"
	"github.com/cm/cm/internal/platform/metrics"
	"github.com/cm/cm/internal/platform/middleware"
	"github.com/cm/cm/internal/platform/queue"
	"github.com/cm/cm/internal/platform/telemetry"
	"github.com/cm/cm/internal/platform/userdirectory"
	"github.com/cm/cm/migrations"
)

const (
	version        = "0.1.0"
	requestTimeout = 30 * time.Second
	revocationKeys = "revoked:"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cm-server",
		Short: "Consent manager subscription service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the subscription API server and link-event consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, closePool, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, closePool, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				state, appliedAt := "pending", ""
				if s.Applied {
					state = "applied"
					appliedAt = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, state, appliedAt)
			}
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "cm-server").Logger()
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		Environment:  cfg.Env,
		Enabled:      cfg.TracingEnabled,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   cfg.TracingSampleRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	// Database
	pools, err := db.NewPools(ctx, cfg.DatabaseURL, cfg.ReadDatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pools.Close()
	logger.Info().Msg("connected to database")

	// Redis, when configured
	redisClient, err := cache.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if redisClient != nil {
		defer redisClient.Close()
		logger.Info().Msg("connected to redis")
	} else {
		logger.Warn().Msg("REDIS_URL not set, using in-memory revocation list and session cache")
	}
	revocations, closeRevocations := revocationBackend(redisClient)
	defer closeRevocations()
	sessions := sessionCache(redisClient)

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// Verifiers
	tokenVerifier := auth.NewTokenVerifier(auth.VerifierConfig{
		Issuer:               cfg.AuthIssuer,
		JWKSURL:              cfg.AuthJWKSURL,
		SigningKey:           []byte(cfg.AuthSigningKey),
		Algorithm:            cfg.AuthAlgorithm,
		ServiceAccountPrefix: cfg.ServiceAccountPrefix,
	}, revocations, logger, collector)
	gatewayVerifier := auth.NewGatewayVerifier(auth.GatewayVerifierConfig{
		Issuer:          cfg.GatewayIssuer,
		JWKSURL:         cfg.GatewayJWKSURL,
		CheckRevocation: cfg.GatewayRevocationCheck,
	}, revocations, logger, collector)

	// Outbound clients
	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:      cfg.GatewayURL,
		ClientID:     cfg.GatewayClientID,
		ClientSecret: cfg.GatewayClientSecret,
		Timeout:      cfg.GatewayTimeout,
		RetryCount:   cfg.GatewayRetryCount,
	}, sessions, logger)
	directory := userdirectory.NewClient(cfg.UserServiceURL, cfg.GatewayTimeout, logger)

	// Subscriptions
	store := subscription.NewStorePG(pools.Read, pools.Write, logger)
	reconciler := subscription.NewReconciler(store, logger, collector)
	subscriptionSvc := subscription.NewService(store, reconciler, directory, logger)
	subscriptionHandler := subscription.NewHandler(subscriptionSvc)

	// Notifications
	relay := notification.NewRelay(store, gatewayClient, notification.Config{
		PatientIDSuffix: cfg.PatientIDSuffix,
		MaxConcurrency:  cfg.RelayMaxConcurrency,
		DispatchTimeout: cfg.RelayDispatchTimeout,
	}, logger, collector)

	e := newEcho(cfg, logger, collector)
	e.GET("/health/db", db.HealthHandler(pools))
	e.GET("/metrics", collector.Handler())

	apiGroup := e.Group("", auth.Authenticate(tokenVerifier, auth.AuthSkipper))
	gatewayGroup := e.Group("", auth.Authenticate(gatewayVerifier, auth.AuthSkipper))
	subscriptionHandler.RegisterRoutes(apiGroup, gatewayGroup)

	internalGroup := e.Group("/internal", auth.Authenticate(tokenVerifier, nil))
	auth.RegisterRevocationRoutes(internalGroup, revocations)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	if cfg.ConsumerEnabled() {
		consumer, err := queue.NewConsumer(queue.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaLinkTopic,
			GroupID: cfg.KafkaGroupID,
		}, notification.NewLinkHandler(relay, directory, logger), logger, collector)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create link-event consumer")
		}
		defer consumer.Close()
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	} else {
		logger.Warn().Msg("KAFKA_BROKERS not set, link-event consumer disabled")
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the server with the global middleware chain and the
// liveness route.
func newEcho(cfg *config.Config, logger zerolog.Logger, collector *metrics.Collector) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.CorrelationID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	if collector != nil {
		e.Use(collector.Middleware())
	}
	e.Use(middleware.RequestTimeout(requestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", correlation.Header, gateway.HeaderHIUID},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	return e
}

// revocationBackend returns the Redis-backed revocation list when a client
// is available and an in-memory one otherwise.
func revocationBackend(client *cache.Client) (auth.RevocationList, func()) {
	if client != nil {
		return auth.NewRedisRevocationList(client.Client, revocationKeys), func() {}
	}
	mem := auth.NewMemoryRevocationList(time.Minute)
	return mem, mem.Close
}

func sessionCache(client *cache.Client) gateway.TokenCache {
	if client != nil {
		return cache.NewRedisStore(client.Client, "cm:")
	}
	return cache.NewMemoryStore()
}
