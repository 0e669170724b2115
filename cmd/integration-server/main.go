package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/integration-hub/internal/config"
	"github.com/ehr/integration-hub/internal/domain/integration"
	"github.com/ehr/integration-hub/internal/platform/db"
	"github.com/ehr/integration-hub/internal/platform/hl7v2"
	"github.com/ehr/integration-hub/internal/platform/middleware"
	"github.com/ehr/integration-hub/internal/platform/provider"
	"github.com/ehr/integration-hub/internal/platform/ratelimit"
	"github.com/ehr/integration-hub/internal/platform/token"
	"github.com/ehr/integration-hub/internal/platform/upstream"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "integration-server",
		Short: "External health-system integration hub",
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
		Short: "Start the integration API server",
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
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required to run migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required to inspect migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Stores: PostgreSQL when configured, in-memory otherwise (dev).
	var (
		providerStore provider.Store
		tokenStore    token.Store
		receiptStore  integration.ReceiptStore
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")

		providerStore = provider.NewStorePG(pool)
		tokenStore = token.NewStorePG(pool)
		receiptStore = integration.NewReceiptStorePG(pool)
	} else {
		logger.Warn().Msg("no DATABASE_URL configured, using in-memory stores")
		providerStore = provider.NewInMemoryStore()
		tokenStore = token.NewInMemoryStore()
		receiptStore = integration.NewInMemoryReceiptStore()
	}

	// Seed provider configs from file when requested.
	if cfg.ProvidersFile != "" {
		seeds, err := provider.LoadSeedFile(cfg.ProvidersFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load providers file")
		}
		for _, seed := range seeds {
			if err := providerStore.Upsert(ctx, seed); err != nil {
				logger.Fatal().Err(err).Str("provider", seed.ID).Msg("failed to seed provider")
			}
		}
		logger.Info().Int("count", len(seeds)).Msg("seeded provider configurations")
	}

	registry, err := provider.NewRegistry(ctx, providerStore)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build provider registry")
	}

	// Token encryption key: configured, or ephemeral in development.
	key, ephemeral, err := resolveEncryptionKey(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid token encryption key")
	}
	if ephemeral {
		logger.Warn().Msg("TOKEN_ENCRYPTION_KEY not set, using an ephemeral key; tokens will not survive restart")
	}
	encryptor, err := token.NewEncryptor(key)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token encryptor")
	}

	tokens := token.NewManager(registry, tokenStore, encryptor, logger)
	if err := tokens.LoadPersisted(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to restore persisted tokens")
	}

	limiter := ratelimit.NewLimiter(logger)
	client := upstream.NewClient(registry, tokens, limiter, logger)
	service := integration.NewService(registry, tokens, client, limiter)

	pipeline := integration.NewPipeline(registry, receiptStore, logger)
	registerWebhookHandlers(pipeline, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Webhook-Signature"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	handler := integration.NewHandler(service, pipeline, registry)
	handler.RegisterRoutes(e.Group("/api/v1/integrations"))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// resolveEncryptionKey returns the configured AES key, or generates a
// random one in non-production environments. The second return value
// is true when a random key was generated.
func resolveEncryptionKey(cfg *config.Config) ([]byte, bool, error) {
	if cfg.TokenEncryptionKey != "" {
		key, err := cfg.EncryptionKey()
		return key, false, err
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("failed to generate ephemeral encryption key: %w", err)
	}
	return key, true, nil
}

// registerWebhookHandlers wires the event-type handler registry. The
// default handlers acknowledge and log; downstream notification and
// compliance services subscribe through the same registry.
func registerWebhookHandlers(pipeline *integration.Pipeline, logger zerolog.Logger) {
	logEvent := func(event string) integration.WebhookHandlerFunc {
		return func(ctx context.Context, r *integration.WebhookReceipt) error {
			logger.Info().
				Str("provider", r.Provider).
				Str("event", event).
				Str("receipt_id", r.ID).
				Msg("partner event received")
			return nil
		}
	}

	pipeline.Handle("patient.created", logEvent("patient.created"))
	pipeline.Handle("patient.updated", logEvent("patient.updated"))
	pipeline.Handle("appointment.created", logEvent("appointment.created"))
	pipeline.Handle("appointment.cancelled", logEvent("appointment.cancelled"))

	// Legacy ADT feeds arrive as framed segmented messages inside the
	// event payload; decode them structurally before logging.
	pipeline.Handle("hl7.message", func(ctx context.Context, r *integration.WebhookReceipt) error {
		var envelope struct {
			Data struct {
				Message string `json:"message"`
			} `json:"data"`
		}
		if err := json.Unmarshal(r.Payload, &envelope); err != nil {
			return err
		}
		msg, err := hl7v2.Parse(string(hl7v2.UnwrapFrame([]byte(envelope.Data.Message))))
		if err != nil {
			return err
		}
		logger.Info().
			Str("provider", r.Provider).
			Str("message_type", msg.Type).
			Str("control_id", msg.ControlID).
			Str("patient_id", msg.PatientID()).
			Msg("legacy message decoded")
		return nil
	})
}
