package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/italolelis/zipdrop/internal/archive"
	"github.com/italolelis/zipdrop/internal/audit"
	"github.com/italolelis/zipdrop/internal/cleanup"
	"github.com/italolelis/zipdrop/internal/config"
	"github.com/italolelis/zipdrop/internal/diag"
	"github.com/italolelis/zipdrop/internal/download"
	"github.com/italolelis/zipdrop/internal/http/rest"
	"github.com/italolelis/zipdrop/internal/issuer"
	"github.com/italolelis/zipdrop/internal/logctx"
	"github.com/italolelis/zipdrop/internal/notifier"
	"github.com/italolelis/zipdrop/internal/storage"
	"github.com/italolelis/zipdrop/internal/storage/backend"
	"github.com/italolelis/zipdrop/internal/storage/jsonfile"
	"github.com/italolelis/zipdrop/internal/telemetry"
	"github.com/italolelis/zipdrop/internal/token"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := logctx.NewLogger(os.Stdout, cfg.SlogLevel())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("zipdrop starting...", "log_level", cfg.LogLevel, "registry_backend", cfg.RegistryBackend)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// =========================================================================
	// Start Diagnostics
	reporter := buildReporter(ctx, cfg, tel)

	// =========================================================================
	// Start Audit Log
	auditor, err := audit.NewFileAuditor(cfg.AuditLogPath)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditor.Close()

	// =========================================================================
	// Start Registry
	reg, err := backend.Open(backend.Options{
		Backend: cfg.RegistryBackend,
		Path:    cfg.RegistryPath,
		OnCorrupt: func(ctx context.Context, cerr *jsonfile.CorruptionError) {
			if err := auditor.Log(ctx, audit.Entry{Kind: audit.KindCorruptRegistry, Detail: cerr.Error()}); err != nil {
				logger.ErrorContext(ctx, "failed to write audit entry", "err", err)
			}

			reporter.Report(ctx, "load_registry", cerr)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}

	registry := storage.NewInstrumentedRegistry(reg, tel)
	defer registry.Close()

	store, err := archive.NewStore(cfg.ArchiveDir)
	if err != nil {
		return err
	}

	// =========================================================================
	// Start Token Services
	notif := buildNotifier(cfg, tel)
	iss := issuer.New(registry, token.NewGenerator(), auditor, tel)

	svc := download.NewService(registry, store, iss, notif, auditor, reporter, tel, download.Options{
		PublicBaseURL:             cfg.PublicBaseURL,
		BurnTokenOnMissingArchive: cfg.BurnTokenOnMissingArchive,
		Recipient:                 cfg.Recipient,
	})

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, rest.RouterConfig{
		Download: rest.NewDownloadHandler(svc),
		Admin: rest.NewAdminHandler(rest.AdminConfig{
			Username:      cfg.Admin.Username,
			PasswordHash:  cfg.Admin.PasswordHash,
			PublicBaseURL: cfg.PublicBaseURL,
			Registry:      registry,
			Store:         store,
			Issuer:        iss,
			Notifier:      notif,
			Auditor:       auditor,
		}),
		SharedFilePath:  cfg.SharedFilePath,
		SharedFileRoute: cfg.SharedFileRoute,
		Telemetry:       tel,
		Reporter:        reporter,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress, "archive_dir", store.Dir())

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	if cfg.Cleanup.KeepOrphansFor > 0 {
		sweeper := cleanup.NewSweeper(registry, store, auditor, tel, cfg.Cleanup.KeepOrphansFor)

		g.Go(func() error {
			logger.Info("orphan cleanup enabled", "retention", cfg.Cleanup.KeepOrphansFor.String(), "interval", cfg.Cleanup.Interval.String())

			return sweeper.Run(gctx, cfg.Cleanup.Interval)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(sctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := svc.Wait(sctx); err != nil {
			logger.Error("token regeneration did not finish before shutdown", "err", err)
		}

		if err := reporter.Wait(sctx); err != nil {
			logger.Error("error reports did not finish before shutdown", "err", err)
		}

		if err := tel.Shutdown(sctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}

		return nil
	})

	return g.Wait()
}

func buildReporter(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) *diag.Reporter {
	var sinks []diag.Sink

	if cfg.GithubEnabled() {
		sinks = append(sinks, diag.NewGitHubIssues(ctx, cfg.Github.Token, cfg.Github.Repository))
	}

	return diag.NewReporter(tel, sinks...)
}

func buildNotifier(cfg *config.Config, tel *telemetry.Telemetry) *notifier.Multi {
	var channels []notifier.Channel

	if cfg.SMTP.Host != "" {
		channels = append(channels, notifier.Channel{
			Name:     "smtp",
			Notifier: notifier.NewSMTPNotifier(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From),
		})
	}

	if cfg.DiscordWebhookURL != "" {
		channels = append(channels, notifier.Channel{
			Name:     "discord",
			Notifier: notifier.NewDiscordNotifier(cfg.DiscordWebhookURL),
		})
	}

	return notifier.NewMulti(tel, channels...)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, rc rest.RouterConfig) *http.Server {
	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      rest.NewRouter(rc),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
