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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kpi/kpi/internal/config"
	"github.com/kpi/kpi/internal/kpi"
	"github.com/kpi/kpi/internal/platform/db"
	"github.com/kpi/kpi/internal/platform/fhirclient"
	"github.com/kpi/kpi/internal/platform/middleware"
	"github.com/kpi/kpi/internal/platform/smart"
	"github.com/kpi/kpi/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kpi-server",
		Short: "Hospital KPI sync and reporting server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the KPI API server",
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

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
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

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
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

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pipeline pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			deps, err := buildPipeline(cfg, pool, logger)
			if err != nil {
				return err
			}

			res, err := deps.service.RunSync(ctx)
			if err != nil {
				return err
			}
			fmt.Println(res.Message)
			return nil
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// pipelineDeps bundles the wired sync pipeline so serve and the one-shot
// sync command share construction.
type pipelineDeps struct {
	states   smart.Store
	sessions *smart.SessionStore
	client   *smart.Client
	metrics  *telemetry.Recorder
	repo     kpi.Repository
	service  *kpi.Service
}

func buildPipeline(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*pipelineDeps, error) {
	store, err := smart.NewStore(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	sessions := smart.NewSessionStore(store)

	client, err := smart.NewClient(smart.ClientConfig{
		ClientID:     cfg.SMARTClientID,
		AuthType:     cfg.SMARTAuthType,
		ClientSecret: cfg.SMARTClientSecret,
		PrivateKey:   cfg.SMARTPrivateKey,
		KeyID:        cfg.SMARTKeyID,
		SigningAlg:   cfg.SMARTSigningAlg,
		Issuer:       cfg.SMARTIssuer,
		Scope:        cfg.SMARTScope,
		RedirectURL:  cfg.SMARTRedirectURL,
	}, logger)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewRecorder()
	fhir := fhirclient.NewClient(
		cfg.FHIRBaseURL,
		time.Duration(cfg.FHIRTimeoutSecs)*time.Second,
		sessions,
		logger,
	)
	repo := kpi.NewRepo(pool)
	service := kpi.NewService(fhir, repo, metrics, cfg.SyncLookbackDays, cfg.FHIRPageSize, logger)

	return &pipelineDeps{
		states:   store,
		sessions: sessions,
		client:   client,
		metrics:  metrics,
		repo:     repo,
		service:  service,
	}, nil
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	deps, err := buildPipeline(cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build sync pipeline")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestTimeout(5 * time.Minute))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))

	e.GET("/healthz", db.HealthHandler(pool))
	e.GET("/metrics", deps.metrics.PrometheusHandler())

	smartHandler := smart.NewHandler(deps.client, deps.states, deps.sessions, cfg.DashboardURL, logger)
	smartHandler.Register(e.Group("/auth/smart"))

	kpiHandler := kpi.NewHandler(deps.service, deps.repo, logger)
	kpiHandler.Register(e.Group("/api"))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server start failed")
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
