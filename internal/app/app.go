package app

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/chunker"
	"github.com/ternarybob/audiens/internal/common"
	"github.com/ternarybob/audiens/internal/handlers"
	"github.com/ternarybob/audiens/internal/index"
	"github.com/ternarybob/audiens/internal/ingest"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
	"github.com/ternarybob/audiens/internal/parser"
	"github.com/ternarybob/audiens/internal/scheduler"
	"github.com/ternarybob/audiens/internal/search"
	"github.com/ternarybob/audiens/internal/services/embeddings"
	"github.com/ternarybob/audiens/internal/services/llm"
	"github.com/ternarybob/audiens/internal/storage/files"
	"github.com/ternarybob/audiens/internal/storage/sqlite"
	"github.com/ternarybob/audiens/internal/voc"
	"github.com/ternarybob/audiens/internal/voc/results"
	"github.com/ternarybob/audiens/internal/voc/spider"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	FileStorage    interfaces.FileStorage
	Indexes        *index.Backends
	Embedder       interfaces.EmbeddingService
	SearchService  interfaces.SearchService

	// VOC infrastructure; nil handles disable the matching stages
	SpiderGateway interfaces.SpiderGateway
	ResultsReader interfaces.ResultsReader
	Summarizer    interfaces.Summarizer

	IngestPipeline *ingest.Pipeline
	VocPipeline    *voc.Pipeline

	ingestPool  *scheduler.WorkerPool
	vocPool     *scheduler.WorkerPool
	maintenance *scheduler.Maintenance

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	SpaceHandler    *handlers.SpaceHandler
	DocumentHandler *handlers.DocumentHandler
	SearchHandler   *handlers.SearchHandler
	VocHandler      *handlers.VocHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := a.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := a.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	a.initPipelines()
	a.initHandlers()

	logger.Info().
		Str("environment", cfg.Environment).
		Bool("voc_enabled", a.SpiderGateway != nil || a.ResultsReader != nil).
		Bool("llm_enabled", a.Summarizer != nil).
		Msg("Application initialization complete")

	return a, nil
}

func (a *App) initStorage() error {
	manager, err := sqlite.NewManager(a.Logger, a.Config.Database.URL)
	if err != nil {
		return err
	}
	a.StorageManager = manager

	fileStore, err := files.NewFileStorage(&a.Config.Storage, a.Logger)
	if err != nil {
		return err
	}
	a.FileStorage = fileStore

	a.Logger.Debug().
		Str("database", a.Config.Database.URL).
		Str("uploads", a.Config.Storage.Dir).
		Msg("Storage layer initialized")
	return nil
}

func (a *App) initServices() error {
	manager, ok := a.StorageManager.(*sqlite.Manager)
	if !ok {
		return fmt.Errorf("storage manager is not sqlite-backed (got %T)", a.StorageManager)
	}
	a.Indexes = index.NewBackends(&a.Config.Index, manager.DB(), a.Logger)

	embedder, err := embeddings.NewService(&a.Config.Embedding, a.Logger)
	if err != nil {
		return err
	}
	a.Embedder = embedder

	a.SearchService = search.NewRetriever(
		a.StorageManager.ChunkStorage(),
		a.Indexes.Vector,
		a.Indexes.Text,
		a.Embedder,
		a.Config.Search.MaxPerDoc,
		a.Logger,
	)

	if a.Config.LLM.Enabled {
		services := llm.NewServices(&a.Config.LLM, a.Logger)
		a.Summarizer = llm.NewSummarizer(services, a.Config.LLM.Routes, a.Logger)
		if a.Summarizer == nil {
			a.Logger.Warn().Msg("LLM enabled but no profile initialized; AI enrichment disabled")
		}
	}

	if a.Config.SpiderDB.URL != "" {
		reader, err := results.NewReader(a.Logger, a.Config.SpiderDB.URL)
		if err != nil {
			return fmt.Errorf("open spider results db: %w", err)
		}
		a.ResultsReader = reader
	} else {
		a.Logger.Info().Msg("Spider results database not configured; VOC extraction disabled")
	}

	if a.Config.Redis.URL != "" {
		gateway, err := spider.NewGateway(&a.Config.Redis, a.Logger)
		if err != nil {
			return fmt.Errorf("connect spider redis: %w", err)
		}
		a.SpiderGateway = gateway
	} else {
		a.Logger.Info().Msg("Spider redis not configured; VOC crawling disabled")
	}

	return nil
}

func (a *App) initPipelines() {
	cfg := a.Config

	router := parser.NewRouter(a.FileStorage, &cfg.Ingest, a.Logger)
	chk := chunker.New(cfg.Ingest.MaxChars, cfg.Ingest.Overlap)

	a.IngestPipeline = ingest.NewPipeline(
		a.StorageManager.DocumentStorage(),
		a.StorageManager.ChunkStorage(),
		a.StorageManager.IngestJobs(),
		a.FileStorage,
		router,
		chk,
		a.Embedder,
		a.Indexes.Vector,
		a.Indexes.Text,
		a.Logger,
	)

	a.VocPipeline = voc.NewPipeline(
		a.StorageManager.VocJobs(),
		a.SpiderGateway,
		a.ResultsReader,
		a.Summarizer,
		cfg.Public.BaseURL,
		cfg.Security.JWTSecretKey,
		a.Logger,
	)

	poll := cfg.Workers.PollIntervalDuration()
	if cfg.Workers.IngestConcurrency > 0 {
		a.ingestPool = scheduler.NewWorkerPool(
			scheduler.NewIngestQueue(a.StorageManager.IngestJobs()),
			a.IngestPipeline,
			common.NewWorkerID(),
			cfg.Workers.IngestConcurrency,
			poll,
			time.Duration(cfg.Workers.IngestLeaseSeconds)*time.Second,
			a.Logger,
		)
	}
	if cfg.Workers.VocConcurrency > 0 {
		a.vocPool = scheduler.NewWorkerPool(
			scheduler.NewVocQueue(a.StorageManager.VocJobs()),
			a.VocPipeline,
			common.NewWorkerID(),
			cfg.Workers.VocConcurrency,
			poll,
			time.Duration(cfg.Workers.VocLeaseSeconds)*time.Second,
			a.Logger,
		)
	}

	if cfg.Maintenance.Enabled {
		a.maintenance = scheduler.NewMaintenance(
			a.StorageManager,
			a.Indexes.Vector,
			a.Indexes.Text,
			cfg.Maintenance,
			a.Logger,
		)
	}
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.StorageManager, a.Logger)
	a.SpaceHandler = handlers.NewSpaceHandler(a.StorageManager, a.Indexes.Vector, a.Indexes.Text, a.Logger)
	a.DocumentHandler = handlers.NewDocumentHandler(
		a.StorageManager,
		a.FileStorage,
		a.Indexes.Vector,
		a.Indexes.Text,
		a.Config.Ingest.PipelineVersion,
		a.Config.Workers.MaxRetries,
		a.Logger,
	)
	a.SearchHandler = handlers.NewSearchHandler(
		a.SearchService,
		models.SearchBackend(a.Config.Index.Backend),
		a.Logger,
	)
	a.VocHandler = handlers.NewVocHandler(
		a.StorageManager.VocJobs(),
		a.VocPipeline,
		a.Config.Workers.MaxRetries,
		a.Logger,
	)
}

// Start launches the worker pools and maintenance jobs.
func (a *App) Start() error {
	if a.ingestPool != nil {
		a.ingestPool.Start()
	}
	if a.vocPool != nil {
		a.vocPool.Start()
	}
	if a.maintenance != nil {
		if err := a.maintenance.Start(); err != nil {
			return fmt.Errorf("start maintenance: %w", err)
		}
	}
	return nil
}

// Close stops background work and releases all resources.
func (a *App) Close() error {
	if a.maintenance != nil {
		a.maintenance.Stop()
	}
	if a.ingestPool != nil {
		a.ingestPool.Stop()
	}
	if a.vocPool != nil {
		a.vocPool.Stop()
	}

	if a.SpiderGateway != nil {
		if err := a.SpiderGateway.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close spider gateway")
		}
	}
	if a.ResultsReader != nil {
		if err := a.ResultsReader.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close results reader")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}
	return nil
}
