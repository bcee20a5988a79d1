// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"

	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/archivelab/accessioner/internal/accession"
	"github.com/archivelab/accessioner/internal/config"
	"github.com/archivelab/accessioner/internal/crawl/browsertrix"
	"github.com/archivelab/accessioner/internal/logging"
	"github.com/archivelab/accessioner/internal/metrics"
	"github.com/archivelab/accessioner/internal/publisher"
	pubsubpublisher "github.com/archivelab/accessioner/internal/publisher/pubsub"
	"github.com/archivelab/accessioner/internal/storage/gcs"
	memorystorage "github.com/archivelab/accessioner/internal/storage/memory"
	"github.com/archivelab/accessioner/internal/storage/postgres"
)

// App holds the shared, long-lived services for the accession service. It is
// initialized once at startup and passed to the components that need it.
type App struct {
	Logger    *zap.Logger
	Repo      *postgres.AccessionRepo
	Subjects  accession.SubjectDirectory
	Store     accession.ArtifactStore
	Crawler   accession.CrawlClient
	Publisher accession.Publisher
	Cfg       config.Config
}

// New builds every service from configuration, failing fast if any critical
// dependency cannot be reached.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.Info("initializing application services")

	metrics.Init()

	repo, err := postgres.NewAccessionRepo(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize accession repository: %w", err)
	}

	subjects, err := postgres.NewSubjectDirectoryFromRepo(repo)
	if err != nil {
		return nil, fmt.Errorf("initialize subject directory: %w", err)
	}

	store, err := newArtifactStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize artifact store: %w", err)
	}

	crawler, err := browsertrix.New(browsertrix.Config{
		BaseURL:  cfg.Crawl.BaseURL,
		Username: cfg.Crawl.Username,
		Password: cfg.Crawl.Password,
		OrgID:    cfg.Crawl.OrgID,
		Timeout:  cfg.Crawl.Timeout(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize crawl client: %w", err)
	}

	pub, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize publisher: %w", err)
	}

	logger.Info("application services initialized")
	return &App{
		Logger:    logger,
		Repo:      repo,
		Subjects:  subjects,
		Store:     store,
		Crawler:   crawler,
		Publisher: pub,
		Cfg:       cfg,
	}, nil
}

func newArtifactStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (accession.ArtifactStore, error) {
	switch cfg.Storage.Provider {
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create GCS client: %w", err)
		}
		logger.Info("using GCS artifact store", zap.String("bucket", cfg.Storage.GCSBucket))
		return gcs.New(ctx, client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	case "memory":
		logger.Info("using in-memory artifact store; artifacts will not survive restarts")
		return memorystorage.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Storage.Provider)
	}
}

func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (accession.Publisher, error) {
	switch cfg.Publisher.Provider {
	case "pubsub":
		logger.Info("using Pub/Sub publisher", zap.String("topic", cfg.Publisher.TopicID))
		return pubsubpublisher.New(ctx, cfg.Publisher.ProjectID, cfg.Publisher.TopicID)
	case "noop":
		logger.Info("using no-op publisher; archived events will be discarded")
		return publisher.NoOp{}, nil
	default:
		return nil, fmt.Errorf("unknown publisher provider: %s", cfg.Publisher.Provider)
	}
}

// Close gracefully shuts down all services in the container.
func (a *App) Close() {
	a.Logger.Info("shutting down application services")
	a.Repo.Close()
	if err := a.Publisher.Close(); err != nil {
		a.Logger.Warn("close publisher", zap.Error(err))
	}
	if err := a.Logger.Sync(); err != nil {
		// Best effort; stderr may already be gone on shutdown.
		_ = err
	}
}
