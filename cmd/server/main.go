// Package main provides the production entry point: the review API backed by
// PostgreSQL, with an optional Redis image cache.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dental-scribe-server/internal/annotation"
	"github.com/dental-scribe-server/internal/api"
	"github.com/dental-scribe-server/internal/audit"
	"github.com/dental-scribe-server/internal/config"
	"github.com/dental-scribe-server/internal/database"
	"github.com/dental-scribe-server/internal/domain"
	"github.com/dental-scribe-server/internal/metrics"
	"github.com/dental-scribe-server/internal/report"
	"github.com/dental-scribe-server/internal/repository"
	"github.com/dental-scribe-server/internal/service"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "server",
		Short:        "Dental review server backed by PostgreSQL",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configManager, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(configManager, logger)
		},
	}
	root.AddCommand(migrateCommand())
	return root
}

func loadConfig() (*config.Manager, *logrus.Logger, error) {
	configManager, err := config.NewManager()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := configManager.Validate(); err != nil {
		return nil, nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return configManager, config.NewLogger(configManager.GetConfig().Logging), nil
}

func serve(configManager *config.Manager, logger *logrus.Logger) error {
	cfg := configManager.GetConfig()
	logger.WithFields(logrus.Fields{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Starting dental review server")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, configManager, logger); err != nil {
		logger.WithError(err).Error("Server failed")
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func run(ctx context.Context, configManager *config.Manager, logger *logrus.Logger) error {
	cfg := configManager.GetConfig()

	// Database
	db, err := database.NewConnection(ctx, database.ConfigFromDomain(cfg.Database), logger)
	if err != nil {
		return err
	}
	defer db.Close()

	migrations, err := database.NewMigrationRunner(configManager.GetDatabaseURL(), cfg.Database, logger)
	if err != nil {
		return err
	}
	if err := migrations.Up(ctx); err != nil {
		migrations.Close()
		return err
	}
	if err := migrations.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close migration runner")
	}

	submissions := repository.NewSubmissionRepository(db.Pool, logger)

	auditStore, err := audit.NewPostgresStoreFromURL(configManager.GetDatabaseURL())
	if err != nil {
		return err
	}
	defer auditStore.Close()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reviewMetrics, err := metrics.NewReviewMetrics(registry)
	if err != nil {
		return err
	}

	health := map[string]api.HealthCheck{"database": db.Health}

	// Image fetching, with Redis in front when configured
	fetcherOpts := []service.FetcherOption{
		service.WithArtifactSource(submissions),
		service.WithPublicBaseURL(cfg.Server.PublicBaseURL),
	}
	if cfg.Cache.RedisURL != "" {
		redisClient, err := service.NewRedisClient(cfg.Cache)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		fetcherOpts = append(fetcherOpts, service.WithRedisCache(redisClient, cfg.Cache.DefaultTTL))
		health["redis"] = func(ctx context.Context) error {
			return redisPing(ctx, redisClient)
		}
		logger.Info("Redis image cache enabled")
	}
	fetcher, err := service.NewHTTPImageFetcher(cfg.Images, logger, fetcherOpts...)
	if err != nil {
		return err
	}

	palette := domain.SeverityPalette()
	surface := annotation.SurfaceOptions{
		Width:       cfg.Surface.Width,
		Height:      cfg.Surface.Height,
		StrokeWidth: cfg.Surface.StrokeWidth,
		Palette:     palette,
		Logger:      logger,
	}
	classifier := service.NewFindingsClassifier(domain.DefaultConditionTable())
	composer := report.NewComposer(cfg.Report, palette, logger)

	sessions := service.NewSessionManager(cfg.Sessions, surface, submissions, fetcher, logger)
	defer sessions.Shutdown()

	reviews := service.NewReviewService(submissions, fetcher, classifier, composer, logger,
		service.WithAuditRecorder(auditStore),
		service.WithSaveObserver(reviewMetrics),
		service.WithArtifactBaseURL(cfg.Server.PublicBaseURL),
		service.WithSurfaceOptions(surface),
		service.WithMaxImagePixels(cfg.Server.MaxImagePixels),
	)

	server := api.NewServer(cfg.Server, api.Dependencies{
		Submissions: submissions,
		Sessions:    sessions,
		Reviews:     reviews,
		Classifier:  classifier,
		Palette:     palette,
		Audit:       auditStore,
		Metrics:     reviewMetrics,
		Health:      health,
	}, logger)

	return server.Start(ctx)
}

func redisPing(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}
