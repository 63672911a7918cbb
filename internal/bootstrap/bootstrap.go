package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/archive-pipeline/internal/adapters/worker"
	"github.com/kirillkom/archive-pipeline/internal/config"
	"github.com/kirillkom/archive-pipeline/internal/core/ports"
	"github.com/kirillkom/archive-pipeline/internal/core/usecase"
	"github.com/kirillkom/archive-pipeline/internal/infrastructure/chunking"
	"github.com/kirillkom/archive-pipeline/internal/infrastructure/converter"
	"github.com/kirillkom/archive-pipeline/internal/infrastructure/llm/openai"
	"github.com/kirillkom/archive-pipeline/internal/infrastructure/queue/inproc"
	"github.com/kirillkom/archive-pipeline/internal/infrastructure/queue/nats"
	"github.com/kirillkom/archive-pipeline/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/archive-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/archive-pipeline/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/archive-pipeline/internal/infrastructure/storage/minio"
	"github.com/kirillkom/archive-pipeline/internal/observability/logging"
	"github.com/kirillkom/archive-pipeline/internal/observability/metrics"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Repo       *postgres.DocumentRepository
	Storage    ports.ObjectStorage
	Queue      ports.StepQueue
	Pipeline   *usecase.Orchestrator
	Runner     *usecase.Runner
	Ingest     *usecase.IngestUseCase
	Query      *usecase.QueryUseCase
	Operations *usecase.Operations

	closeFns []func()
}

func New(ctx context.Context, cfg config.Config, service string) (*App, error) {
	logger := logging.NewLogger(service, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	app := &App{Config: cfg, Logger: logger}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	app.closeFns = append(app.closeFns, func() { _ = db.Close() })

	repo := postgres.NewDocumentRepository(db)
	if err := repo.EnsureSchema(ctx, cfg.EmbeddingDimensions); err != nil {
		app.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	chunks := postgres.NewChunkIndex(db)
	app.Repo = repo

	storage, err := newStorage(ctx, cfg, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init object storage: %w", err)
	}
	app.Storage = storage

	queue, err := app.newQueue(cfg, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init step queue: %w", err)
	}
	app.Queue = queue

	inference := openai.New(openai.Config{
		BaseURL:             cfg.InferenceURL,
		APIKey:              cfg.InferenceAPIKey,
		Model:               cfg.InferenceModel,
		EmbeddingModel:      cfg.EmbeddingModel,
		EmbeddingDimensions: cfg.EmbeddingDimensions,
		OCRTimeout:          cfg.OCRTimeout,
		AnalysisTimeout:     cfg.AnalysisTimeout,
		EmbeddingTimeout:    cfg.EmbeddingTimeout,
		AnswerTimeout:       cfg.AnswerTimeout,
		RequestsPerSecond:   cfg.InferenceRPS,
		Resilience:          resilienceConfig(cfg),
	})
	embedder := openai.NewEmbedder(inference)

	pages := converter.New(converter.Config{
		PdftoppmBin: cfg.PdftoppmBin,
		SofficeBin:  cfg.SofficeBin,
		ScaleTo:     cfg.PreviewScaleTo,
		Timeout:     cfg.ConverterTimeout,
	}, logger)

	orchestrator := usecase.NewOrchestrator(repo, chunks, storage, queue, logger)
	preview := usecase.NewPreviewExecutor(storage, pages, cfg.TempDir, logger)

	app.Pipeline = orchestrator
	app.Runner = usecase.NewRunner(repo, orchestrator, logger,
		preview,
		usecase.NewOCRExecutor(repo, storage, openai.NewTextExtractor(inference), preview, logger),
		usecase.NewAnalyzeExecutor(openai.NewAnalyzer(inference)),
		usecase.NewIndexExecutor(chunks, chunking.NewSplitter(cfg.ChunkWindow, cfg.ChunkStride), embedder, cfg.EmbeddingBatchSize, logger),
	)
	app.Ingest = usecase.NewIngestUseCase(repo, storage, orchestrator, usecase.IngestOptions{
		MaxBytes:  cfg.UploadMaxBytes,
		AutoStart: cfg.PipelineAutoStart,
	}, logger)
	app.Query = usecase.NewQueryUseCase(chunks, embedder, openai.NewGenerator(inference), usecase.QueryOptions{
		NearestLimit:      cfg.RAGNearestLimit,
		DistanceThreshold: cfg.RAGDistanceThreshold,
		NeighborWindow:    cfg.RAGNeighborWindow,
		MaxContextChunks:  cfg.RAGMaxContextChunks,
		ExcerptChars:      cfg.RAGExcerptChars,
	}, logger)
	app.Operations = usecase.NewOperations(repo, orchestrator, cfg.BulkParallelism, logger)

	return app, nil
}

func newStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (ports.ObjectStorage, error) {
	if cfg.StorageBackend == "minio" {
		return minio.New(ctx, minio.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Region:    cfg.MinioRegion,
			UseSSL:    cfg.MinioUseSSL,
		}, logger)
	}
	return localfs.New(cfg.StoragePath)
}

func (a *App) newQueue(cfg config.Config, logger *slog.Logger) (ports.StepQueue, error) {
	if cfg.QueueBackend == "inproc" {
		return inproc.New(cfg.InprocQueueBuffer, cfg.WorkerConcurrency, logger), nil
	}
	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		ResilienceExecutor: resilience.NewExecutor(resilience.PublishConfig()),
		Concurrency:        cfg.WorkerConcurrency,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	a.closeFns = append(a.closeFns, queue.Close)
	return queue, nil
}

func resilienceConfig(cfg config.Config) resilience.Config {
	res := resilience.DefaultConfig()
	res.BreakerOpenTimeout = cfg.ResilienceBreakerOpen
	return res
}

// RunWorkers consumes step jobs and runs the stuck sweep until ctx is done.
func (a *App) RunWorkers(ctx context.Context, workerMetrics *metrics.WorkerMetrics) error {
	executor := resilience.NewExecutor(resilience.StepConfig(a.Config.JobMaxAttempts))
	handler := worker.NewStepHandler(a.Runner, executor, workerMetrics, a.Config.JobTimeout, a.Logger)
	sweeper := worker.NewSweeper(a.Operations, a.Config.StuckAfter, true, workerMetrics, a.Logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.Queue.SubscribeSteps(groupCtx, handler.Handle)
	})
	if a.Config.SweepSchedule != "" {
		group.Go(func() error {
			return sweeper.Run(groupCtx, a.Config.SweepSchedule)
		})
	}
	return group.Wait()
}

func (a *App) Close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
	a.closeFns = nil
}
