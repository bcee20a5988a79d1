package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/archivelab/accessioner/internal/api"
	"github.com/archivelab/accessioner/internal/app"
	"github.com/archivelab/accessioner/internal/clock/system"
	"github.com/archivelab/accessioner/internal/config"
	iduuid "github.com/archivelab/accessioner/internal/id/uuid"
	"github.com/archivelab/accessioner/internal/orchestrator"
	"github.com/archivelab/accessioner/internal/service"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the accession API and ingestion pipeline.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer application.Close()
	logger := application.Logger

	clock := system.New()
	orch := orchestrator.New(
		application.Repo,
		application.Crawler,
		application.Store,
		application.Publisher,
		clock,
		orchestrator.Config{
			MaxAttempts:         cfg.Orchestrator.MaxAttempts,
			RetryBackoff:        cfg.Orchestrator.RetryBackoff(),
			MaxPollWait:         cfg.Orchestrator.MaxPollWait(),
			ArtifactPrefix:      cfg.Storage.Prefix,
			ArtifactContentType: cfg.Storage.ContentType,
		},
		logger,
	)
	scheduler := orchestrator.NewScheduler(
		application.Repo,
		orch,
		clock,
		orchestrator.SchedulerConfig{
			Interval:     cfg.Orchestrator.PollInterval(),
			Concurrency:  cfg.Orchestrator.Concurrency,
			ScanLimit:    cfg.Orchestrator.ScanLimit,
			RetryBackoff: cfg.Orchestrator.RetryBackoff(),
		},
		logger,
	)

	svc := service.NewAccessions(application.Repo, application.Subjects, iduuid.NewGenerator(), logger)
	server := api.NewServer(svc, application.Store, orch.ArtifactKey, api.Config{
		SignedURLTTL: cfg.Storage.SignedURLTTLDuration(),
	}, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		stop()
		<-schedulerDone
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	<-schedulerDone
	logger.Info("shutdown complete")
	return nil
}
