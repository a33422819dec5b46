package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagerisk/internal/api"
	"github.com/JakeFAU/pagerisk/internal/clock/system"
	"github.com/JakeFAU/pagerisk/internal/config"
	"github.com/JakeFAU/pagerisk/internal/dispatcher"
	"github.com/JakeFAU/pagerisk/internal/hash/sha256"
	"github.com/JakeFAU/pagerisk/internal/id/uuid"
	memorypublisher "github.com/JakeFAU/pagerisk/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/pagerisk/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/pagerisk/internal/queue/memory"
	"github.com/JakeFAU/pagerisk/internal/scan"
	gcsstorage "github.com/JakeFAU/pagerisk/internal/storage/gcs"
	localstorage "github.com/JakeFAU/pagerisk/internal/storage/local"
	memoryStorage "github.com/JakeFAU/pagerisk/internal/storage/memory"
	pgstore "github.com/JakeFAU/pagerisk/internal/storage/postgres"
	"github.com/JakeFAU/pagerisk/internal/worker"
)

// Build creates the application's dependencies. On error every client
// opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("headless", cfg.Headless.Enabled),
	)

	var err error
	app.pipeline, err = NewPipeline(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("scan pipeline init failed: %w", err)
	}

	built := false
	defer func() {
		if !built {
			app.Close()
		}
	}()

	clock := system.New()
	jobStore := memoryStorage.NewJobStore(clock)

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	cancels := worker.NewCancels()
	app.queue = queueMemory.NewQueue(cfg.Scanner.QueueDepth)
	app.dispatch = setupDispatcher(app, jobStore, blobStore, publisher, cancels)

	deps := api.Deps{
		Scanner:  app.pipeline.Scanner,
		Analyzer: app.pipeline.Analyzer,
		JobStore: jobStore,
		Enqueuer: app.dispatch,
		Cancels:  cancels,
		IDs:      uuid.New(),
		Clock:    clock,
	}
	if app.reportStore != nil {
		deps.Reports = app.reportStore
		deps.Ready = append(deps.Ready, app.reportStore.Ping)
	}
	app.apiServer = api.NewServer(deps, *cfg, logger.Named("api"))

	built = true
	return app, nil
}

func setupStorage(ctx context.Context, app *App) (scan.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket:   app.cfg.Storage.GCSBucket,
			Metadata: map[string]string{"producer": "pagerisk"},
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case config.StorageLocal:
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no DSN specified for database, report archive disabled")
		return nil
	}
	store, err := pgstore.NewReportStore(ctx, pgstore.Config{
		DSN:      app.cfg.DB.DSN,
		Table:    app.cfg.DB.Table,
		MaxConns: int32(app.cfg.DB.MaxConns),
	})
	if err != nil {
		return fmt.Errorf("report store init failed: %w", err)
	}
	app.reportStore = store
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("report store schema: %w", err)
	}
	app.logger.Info("report store initialized", zap.String("table", app.cfg.DB.Table))
	return nil
}

func setupPublisher(ctx context.Context, app *App) (scan.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubPublisher, nil
}

func setupDispatcher(
	app *App,
	jobStore scan.JobStore,
	blobStore scan.BlobStore,
	publisher scan.Publisher,
	cancels *worker.Cancels,
) *dispatcher.Dispatcher {
	workerCfg := worker.Config{
		ContentType: app.cfg.Storage.ContentType,
		BlobPrefix:  app.cfg.Storage.Prefix,
		Topic:       app.cfg.PubSub.TopicName,
	}
	app.logger.Info("worker config",
		zap.String("content_type", workerCfg.ContentType),
		zap.String("blob_prefix", workerCfg.BlobPrefix),
		zap.String("topic", workerCfg.Topic),
	)

	deps := worker.Deps{
		Queue:     app.queue,
		JobStore:  jobStore,
		BlobStore: blobStore,
		Publisher: publisher,
		Hasher:    sha256.New(),
		Clock:     system.New(),
		IDs:       uuid.New(),
		Scanner:   app.pipeline.Scanner,
		Cancels:   cancels,
	}
	if app.reportStore != nil {
		deps.ReportStore = app.reportStore
	}

	workers := make([]*worker.Worker, 0, app.cfg.Scanner.Concurrency)
	for i := 0; i < app.cfg.Scanner.Concurrency; i++ {
		workers = append(workers, worker.New(deps, workerCfg, app.logger.Named("worker").With(zap.Int("index", i))))
	}
	return dispatcher.New(app.queue, workers)
}
