// Package main provides the standalone entry point. It needs no external
// databases: submissions and the audit trail live in SQLite under the data
// directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dental-scribe-server/internal/annotation"
	"github.com/dental-scribe-server/internal/api"
	"github.com/dental-scribe-server/internal/audit"
	"github.com/dental-scribe-server/internal/config"
	"github.com/dental-scribe-server/internal/domain"
	"github.com/dental-scribe-server/internal/mcp"
	"github.com/dental-scribe-server/internal/metrics"
	"github.com/dental-scribe-server/internal/report"
	"github.com/dental-scribe-server/internal/service"
	"github.com/dental-scribe-server/internal/setup"
	"github.com/dental-scribe-server/internal/store"
)

func main() {
	cfg := config.LoadLiteConfig()

	if err := rootCommand(cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand(cfg *config.LiteConfig) *cobra.Command {
	serve := serveCommand(cfg)

	root := &cobra.Command{
		Use:          "server-lite",
		Short:        "Standalone dental review server",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Data directory")
	root.PersistentFlags().StringVar(&cfg.Transport, "transport", cfg.Transport, "Transport: http or stdio")
	root.PersistentFlags().IntVar(&cfg.HTTPPort, "port", cfg.HTTPPort, "HTTP port")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")

	root.AddCommand(serve, setupCommand(cfg), auditCommand(cfg))
	return root
}

func serveCommand(cfg *config.LiteConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the review API (http) or the MCP tool server (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
}

// app holds the stores shared by both transports.
type app struct {
	logger      *logrus.Logger
	submissions *store.SQLiteStore
	audit       *audit.SQLiteStore
	classifier  *service.FindingsClassifier
}

func openApp(cfg *config.LiteConfig) (*app, error) {
	logger := config.NewLogger(cfg.Logging())

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	submissions, err := store.NewSQLiteStore(cfg.SubmissionsDBPath(), logger)
	if err != nil {
		return nil, err
	}
	auditStore, err := audit.NewSQLiteStore(cfg.AuditDBPath())
	if err != nil {
		submissions.Close()
		return nil, err
	}
	return &app{
		logger:      logger,
		submissions: submissions,
		audit:       auditStore,
		classifier:  service.NewFindingsClassifier(domain.DefaultConditionTable()),
	}, nil
}

func (a *app) Close() {
	if err := a.audit.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close audit store")
	}
	if err := a.submissions.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close submission store")
	}
}

func serve(ctx context.Context, cfg *config.LiteConfig) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.WithFields(logrus.Fields{
		"transport": cfg.Transport,
		"data_dir":  cfg.DataDir,
	}).Info("Starting dental review server (lite)")

	switch cfg.Transport {
	case "stdio":
		tools := mcp.NewToolServer(a.classifier, a.submissions, a.logger,
			mcp.WithAuditStore(a.audit, cfg.ExportDir()),
		)
		return tools.Run(ctx)
	case "http":
		return serveHTTP(ctx, cfg, a)
	default:
		return fmt.Errorf("unknown transport %q (want http or stdio)", cfg.Transport)
	}
}

func serveHTTP(ctx context.Context, cfg *config.LiteConfig, a *app) error {
	serverConfig := cfg.ServerConfig()

	reviewMetrics, err := metrics.NewReviewMetrics(prometheus.NewRegistry())
	if err != nil {
		return err
	}

	fetcher, err := service.NewHTTPImageFetcher(cfg.ImageConfig(), a.logger,
		service.WithArtifactSource(a.submissions),
		service.WithPublicBaseURL(serverConfig.PublicBaseURL),
	)
	if err != nil {
		return err
	}

	palette := domain.SeverityPalette()
	canvas := cfg.SurfaceConfig()
	surface := annotation.SurfaceOptions{
		Width:       canvas.Width,
		Height:      canvas.Height,
		StrokeWidth: canvas.StrokeWidth,
		Palette:     palette,
		Logger:      a.logger,
	}
	composer := report.NewComposer(domain.ReportConfig{Compress: true}, palette, a.logger)

	sessions := service.NewSessionManager(domain.SessionConfig{IdleTTL: cfg.SessionTTL}, surface, a.submissions, fetcher, a.logger)
	defer sessions.Shutdown()

	reviews := service.NewReviewService(a.submissions, fetcher, a.classifier, composer, a.logger,
		service.WithAuditRecorder(a.audit),
		service.WithSaveObserver(reviewMetrics),
		service.WithArtifactBaseURL(serverConfig.PublicBaseURL),
		service.WithSurfaceOptions(surface),
		service.WithMaxImagePixels(serverConfig.MaxImagePixels),
	)

	server := api.NewServer(serverConfig, api.Dependencies{
		Submissions: a.submissions,
		Sessions:    sessions,
		Reviews:     reviews,
		Classifier:  a.classifier,
		Palette:     palette,
		Audit:       a.audit,
		Metrics:     reviewMetrics,
		Health: map[string]api.HealthCheck{
			"store": func(ctx context.Context) error {
				_, err := a.submissions.Count(ctx, "")
				return err
			},
		},
	}, a.logger)

	return server.Start(ctx)
}

func setupCommand(cfg *config.LiteConfig) *cobra.Command {
	var clientConfig, binary string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Register the MCP tool server with a desktop client",
	}
	cmd.PersistentFlags().StringVar(&clientConfig, "client-config", "", "Client config file (default: desktop client location)")

	register := &cobra.Command{
		Use:   "register",
		Short: "Add or update the tool server entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := setup.Register(setup.Options{
				ConfigPath: clientConfig,
				BinaryPath: binary,
				DataDir:    cfg.DataDir,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %q in %s\nRestart the client to load it.\n", setup.ServerName, path)
			return nil
		},
	}
	register.Flags().StringVar(&binary, "binary", "", "Server binary (default: this executable)")

	unregister := &cobra.Command{
		Use:   "unregister",
		Short: "Remove the tool server entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := setup.Unregister(clientConfig)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintln(cmd.OutOrStdout(), "Tool server was not registered.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tool server removed.")
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the registration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := setup.GetStatus(clientConfig)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Client config: %s\n", st.ConfigPath)
			fmt.Fprintf(out, "Registered:    %t\n", st.Registered)
			if st.Registered {
				fmt.Fprintf(out, "Binary:        %s\n", st.BinaryPath)
				fmt.Fprintf(out, "Data dir:      %s\n", st.DataDir)
			}
			for _, issue := range st.Issues {
				fmt.Fprintf(out, "  ! %s\n", issue)
			}
			return nil
		},
	}

	cmd.AddCommand(register, unregister, status)
	return cmd
}

func auditCommand(cfg *config.LiteConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Export or import the review audit trail",
	}

	export := &cobra.Command{
		Use:   "export [file]",
		Short: "Write the audit trail as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			path := filepath.Join(cfg.ExportDir(), fmt.Sprintf("review-audit-%s.json", time.Now().UTC().Format("20060102-150405")))
			if len(args) == 1 {
				path = args[0]
			}
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			defer f.Close()

			if err := a.audit.ExportJSON(cmd.Context(), f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported audit trail to %s\n", path)
			return nil
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Merge a JSON export into the audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			imported, skipped, err := a.audit.ImportJSON(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d entries, skipped %d duplicates\n", imported, skipped)
			return nil
		},
	}

	cmd.AddCommand(export, importCmd)
	return cmd
}
