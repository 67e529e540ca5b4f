package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kailas-cloud/corpusdex/internal/config"
	"github.com/kailas-cloud/corpusdex/internal/domain"
	"github.com/kailas-cloud/corpusdex/internal/ingest"
	logpkg "github.com/kailas-cloud/corpusdex/internal/logger"
	"github.com/kailas-cloud/corpusdex/internal/metrics"
	"github.com/kailas-cloud/corpusdex/internal/monitor"
	"github.com/kailas-cloud/corpusdex/internal/store"
	ollamaEmb "github.com/kailas-cloud/corpusdex/internal/transport/ollama"
	openaiEmb "github.com/kailas-cloud/corpusdex/internal/transport/openai"
	embeddinguc "github.com/kailas-cloud/corpusdex/internal/usecase/embedding"
	"github.com/kailas-cloud/corpusdex/internal/version"
)

func main() {
	// .env is optional; real environments set variables directly
	_ = godotenv.Load()

	env := config.GetEnv()
	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.New(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting corpusdex",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.String("provider", cfg.Embedding.Provider),
		zap.String("model", cfg.Embedding.Model),
		zap.Int("dimensions", cfg.Embedding.Dimension),
	)

	// Register metrics explicitly (no init())
	metrics.Register()

	embedder := buildEmbedder(cfg, logger)
	logger.Info("Embedder created",
		zap.String("provider", cfg.Embedding.Provider),
		zap.String("model", cfg.Embedding.Model),
	)

	vectorStore, err := store.Open(store.Config{
		IndexPath:    cfg.Database.IndexPath,
		MetadataPath: cfg.Database.MetadataPath,
		Dimension:    cfg.Embedding.Dimension,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open vector store", zap.Error(err))
	}
	defer func() {
		if err := vectorStore.Close(); err != nil {
			logger.Error("Failed to close vector store", zap.Error(err))
		}
	}()

	backups := store.NewBackupManager(
		vectorStore, cfg.Database.BackupPath, cfg.Database.MaxBackupCount, logger,
	)

	if !vectorStore.Stats().Healthy {
		logger.Warn("Vector store is corrupted, attempting restore from latest backup")
		latest, err := backups.Latest()
		if err != nil {
			logger.Fatal("No backup available to restore a corrupted store", zap.Error(err))
		}
		if err := backups.Restore(latest); err != nil {
			logger.Fatal("Restore failed", zap.String("backup", latest), zap.Error(err))
		}
		logger.Info("Store restored", zap.String("backup", latest))
	}

	pipeline, err := ingest.NewPipeline(vectorStore, embedder, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build ingestion pipeline", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon := monitor.New(pipeline, cfg.FolderMonitoring, logger)
	mon.Start(ctx)

	st := vectorStore.Stats()
	logger.Info("corpusdex ready",
		zap.Int("documents", st.Documents),
		zap.Int("chunks", st.LiveChunks),
	)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	cancel()
	if cfg.FolderMonitoring.Enabled {
		mon.Stop()
	}
	if err := vectorStore.Flush(); err != nil {
		logger.Error("Final flush failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

// buildEmbedder composes the provider transport with the retry decorator.
func buildEmbedder(cfg config.Config, logger *zap.Logger) domain.Embedder {
	var inner domain.Embedder
	switch cfg.Embedding.Provider {
	case "ollama":
		inner = ollamaEmb.NewEmbedder(&ollamaEmb.Config{
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimension,
		})
	default:
		inner = openaiEmb.NewEmbedder(&openaiEmb.Config{
			APIKey:     cfg.Embedding.APIKey,
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimension,
			Logger:     logger,
		})
	}

	return embeddinguc.NewRetryingEmbedder(
		inner,
		cfg.Embedding.Provider,
		cfg.Embedding.Model,
		cfg.Embedding.MaxRetries,
		time.Duration(cfg.Embedding.CooldownSec)*time.Second,
		logger,
	)
}
