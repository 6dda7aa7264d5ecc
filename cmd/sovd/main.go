// Package main wires together the share-of-voice service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/brandlens/sov-crawler/internal/api"
	"github.com/brandlens/sov-crawler/internal/archive"
	"github.com/brandlens/sov-crawler/internal/browser"
	"github.com/brandlens/sov-crawler/internal/clock/system"
	"github.com/brandlens/sov-crawler/internal/config"
	"github.com/brandlens/sov-crawler/internal/extract"
	"github.com/brandlens/sov-crawler/internal/id/uuid"
	"github.com/brandlens/sov-crawler/internal/llm"
	"github.com/brandlens/sov-crawler/internal/logging"
	"github.com/brandlens/sov-crawler/internal/metrics"
	"github.com/brandlens/sov-crawler/internal/notify"
	"github.com/brandlens/sov-crawler/internal/runner"
	"github.com/brandlens/sov-crawler/internal/scoring"
	"github.com/brandlens/sov-crawler/internal/source"
	"github.com/brandlens/sov-crawler/internal/sov"
	memorystore "github.com/brandlens/sov-crawler/internal/storage/memory"
	"github.com/brandlens/sov-crawler/internal/storage/postgres"
	"github.com/brandlens/sov-crawler/internal/vision"
	"github.com/brandlens/sov-crawler/internal/volume"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer closeStore()

	pool := browser.NewPool(browser.Config{
		MaxTabs:      cfg.Browser.MaxTabs,
		UsageCeiling: cfg.Browser.UsageCeiling,
		UserAgent:    cfg.Browser.UserAgent,
		HostQPS:      cfg.Browser.HostQPS,
	}, logger.Named("browser"))
	defer pool.Close()

	llmClient := llm.NewOpenAIClient(llm.Config{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		EmbedModel:  cfg.OpenAI.EmbedModel,
		VisionModel: cfg.OpenAI.VisionModel,
	}, logger.Named("llm"))
	if cfg.OpenAI.APIKey == "" {
		logger.Warn("openai.api_key is empty; embedding and vision calls will fail")
	}

	ocr := vision.New(pool, llmClient,
		time.Duration(cfg.Extract.OCRTimeoutSeconds)*time.Second,
		logger.Named("vision"))
	extractor := extract.New(pool, ocr, extract.Config{
		MinContentLen:  cfg.Extract.MinContentLen,
		ForumMinLen:    cfg.Extract.ForumMinLen,
		HTTPFirstLen:   cfg.Extract.HTTPFirstLen,
		BrowserTimeout: time.Duration(cfg.Extract.BrowserTimeoutSeconds) * time.Second,
		HTTPTimeout:    time.Duration(cfg.Extract.HTTPTimeoutSeconds) * time.Second,
		AdPollTimeout:  time.Duration(cfg.Extract.AdPollTimeoutSeconds) * time.Second,
		UserAgent:      cfg.Browser.UserAgent,
	}, logger.Named("extract"))

	searchSource, err := source.New(source.Config{
		BaseURL:       cfg.Source.BaseURL,
		QueryParam:    cfg.Source.QueryParam,
		UserAgent:     cfg.Source.UserAgent,
		Timeout:       time.Duration(cfg.Source.TimeoutSeconds) * time.Second,
		MaxPerSection: cfg.Source.MaxPerSection,
	}, logger.Named("source"))
	if err != nil {
		logger.Fatal("source init failed", zap.Error(err))
	}

	engine := scoring.NewEngine(llmClient, scoring.Config{
		RelevanceThreshold: cfg.Scoring.RelevanceThreshold,
		RuleThreshold:      cfg.Scoring.RuleThreshold,
		MaxEmbedChars:      cfg.Scoring.MaxEmbedChars,
	}, logger.Named("scoring"))

	publisher, closePublisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer closePublisher()

	contentArchive, closeArchive, err := buildArchive(ctx, cfg)
	if err != nil {
		logger.Fatal("archive init failed", zap.Error(err))
	}
	defer closeArchive()

	clock := system.New()
	idGen := uuid.NewUUIDGenerator()

	runExecutor := runner.New(
		store,
		searchSource,
		extractor,
		engine,
		pool,
		publisher,
		contentArchive,
		idGen,
		clock,
		runner.Config{
			CrawlTimeout:   time.Duration(cfg.Runner.CrawlTimeoutSeconds) * time.Second,
			ExtractTimeout: time.Duration(cfg.Runner.ExtractTimeoutSeconds) * time.Second,
			EmbedTimeout:   time.Duration(cfg.Runner.EmbedTimeoutSeconds) * time.Second,
			GlobalTimeout:  cfg.GlobalTimeout(),
			Concurrency:    cfg.Runner.Concurrency,
			Topic:          cfg.PubSub.Topic,
			ArchivePrefix:  cfg.Archive.Prefix,
		},
		logger.Named("runner"),
	)

	var volumeClient api.VolumeAnalyzer
	if cfg.Volume.AdAPIKey != "" {
		vc, verr := volume.New(volume.Config{
			AdAPIKey:      cfg.Volume.AdAPIKey,
			AdSecretKey:   cfg.Volume.AdSecretKey,
			AdCustomerID:  cfg.Volume.AdCustomerID,
			DataLabID:     cfg.Volume.DataLabID,
			DataLabSecret: cfg.Volume.DataLabSecret,
		}, logger.Named("volume"))
		if verr != nil {
			logger.Warn("volume client init failed", zap.Error(verr))
		} else {
			volumeClient = vc
		}
	}

	apiServer := api.NewServer(store, runExecutor, volumeClient, idGen, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (sov.Store, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Warn("db.dsn is empty, using in-memory store")
		return memorystore.New(), func() {}, nil
	}
	pg, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres store: %w", err)
	}
	return pg, pg.Close, nil
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (sov.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.Topic == "" {
		logger.Info("pubsub not configured, using in-memory publisher")
		return notify.NewMemory(), func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub, err := notify.NewPubSub(client)
	if err != nil {
		return nil, nil, err
	}
	return pub, func() { _ = client.Close() }, nil
}

func buildArchive(ctx context.Context, cfg config.Config) (sov.Archive, func(), error) {
	switch cfg.Archive.Backend {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		a, err := archive.NewGCS(client, cfg.Archive.GCSBucket)
		if err != nil {
			return nil, nil, err
		}
		return a, func() { _ = client.Close() }, nil
	case "local":
		a, err := archive.NewLocal(cfg.Archive.LocalDir)
		if err != nil {
			return nil, nil, err
		}
		return a, func() {}, nil
	default:
		return nil, func() {}, nil
	}
}
