// Command corpusdex-cli drives the pipeline from the terminal: ingest files,
// run queries, inspect status, and manage backups.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kailas-cloud/corpusdex/internal/config"
	"github.com/kailas-cloud/corpusdex/internal/domain"
	"github.com/kailas-cloud/corpusdex/internal/ingest"
	logpkg "github.com/kailas-cloud/corpusdex/internal/logger"
	"github.com/kailas-cloud/corpusdex/internal/metrics"
	"github.com/kailas-cloud/corpusdex/internal/retrieval"
	"github.com/kailas-cloud/corpusdex/internal/store"
	ollamaEmb "github.com/kailas-cloud/corpusdex/internal/transport/ollama"
	openaiEmb "github.com/kailas-cloud/corpusdex/internal/transport/openai"
	embeddinguc "github.com/kailas-cloud/corpusdex/internal/usecase/embedding"
	statusuc "github.com/kailas-cloud/corpusdex/internal/usecase/status"
	"github.com/kailas-cloud/corpusdex/internal/version"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
	boldColor = color.New(color.Bold)
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	if os.Args[1] == "version" {
		fmt.Println(version.String())
		return
	}

	_ = godotenv.Load()

	env := config.GetEnv()
	cfg, err := config.Load(env)
	if err != nil {
		errColor.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// CLI runs want quiet logs unless asked otherwise
	level := cfg.Logging.Level
	if level == "" {
		level = "warn"
	}
	logger, err := logpkg.New(env, level)
	if err != nil {
		errColor.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	metrics.Register()

	app, err := newApp(cfg, logger)
	if err != nil {
		errColor.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer app.close()

	ctx := context.Background()
	switch os.Args[1] {
	case "ingest":
		err = app.ingest(ctx, os.Args[2:])
	case "query":
		err = app.query(ctx, os.Args[2:])
	case "status":
		err = app.status(ctx)
	case "backup":
		err = app.backup()
	case "restore":
		err = app.restore(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		errColor.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: corpusdex-cli <command> [args]

commands:
  ingest <path>...      ingest files into the index
  query [-k N] <text>   retrieve the most similar chunks
  status                report index, backup, and provider health
  backup                create a backup of the index
  restore [name]        restore a backup (latest when omitted)
  version               print build metadata`)
}

// app holds the wired components a CLI invocation needs.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	store    *store.Store
	backups  *store.BackupManager
	embedder domain.Embedder
}

func newApp(cfg config.Config, logger *zap.Logger) (*app, error) {
	s, err := store.Open(store.Config{
		IndexPath:    cfg.Database.IndexPath,
		MetadataPath: cfg.Database.MetadataPath,
		Dimension:    cfg.Embedding.Dimension,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		backups:  store.NewBackupManager(s, cfg.Database.BackupPath, cfg.Database.MaxBackupCount, logger),
		embedder: buildEmbedder(cfg, logger),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close store", zap.Error(err))
	}
}

func (a *app) ingest(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("ingest: at least one path required")
	}

	pipeline, err := ingest.NewPipeline(a.store, a.embedder, a.cfg, a.logger)
	if err != nil {
		return err
	}

	rep := pipeline.IngestFiles(ctx, paths)
	for _, res := range rep.Results {
		switch res.Status {
		case ingest.StatusIngested:
			okColor.Printf("  ingested  %s (%d chunks)\n", res.Path, res.Chunks)
		case ingest.StatusSkipped:
			warnColor.Printf("  skipped   %s (%s)\n", res.Path, res.Reason)
		case ingest.StatusFailed:
			errColor.Printf("  failed    %s (%s)\n", res.Path, res.Reason)
		}
	}
	boldColor.Printf("%d ingested, %d skipped, %d failed in %s\n",
		rep.Ingested, rep.Skipped, rep.Failed,
		rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond),
	)
	if rep.Failed > 0 {
		return fmt.Errorf("%d file(s) failed", rep.Failed)
	}
	return nil
}

func (a *app) query(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	topK := fs.Int("k", 0, "number of results (default from config)")
	threshold := fs.Float64("threshold", -2, "similarity threshold override")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("query: exactly one query string required")
	}

	opts := retrieval.Options{TopK: *topK}
	if *threshold >= -1 {
		opts.Threshold = threshold
	}

	engine := retrieval.NewEngine(a.store, a.embedder, a.cfg.Retrieval, a.logger)
	results, err := engine.Retrieve(ctx, fs.Arg(0), opts)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		warnColor.Println("no matches above the similarity threshold")
		return nil
	}

	for i, r := range results {
		boldColor.Printf("%d. %s", i+1, r.Chunk.ID)
		fmt.Printf("  (score %.4f, source %s)\n", r.Score, r.Chunk.Metadata["source"])
		fmt.Printf("   %s\n", r.Chunk.Text)
	}
	return nil
}

func (a *app) status(ctx context.Context) error {
	var hc domain.HealthChecker
	if h, ok := a.embedder.(domain.HealthChecker); ok {
		hc = h
	}
	rep := statusuc.NewService(a.store, a.backups, hc, a.logger).Check(ctx)

	if rep.Healthy {
		okColor.Println("healthy")
	} else {
		errColor.Println("unhealthy")
	}
	fmt.Printf("documents:   %d\n", rep.Documents)
	fmt.Printf("chunks:      %d\n", rep.Chunks)
	fmt.Printf("index:       %s\n", rep.IndexHealth)
	if rep.LastBackup != "" {
		fmt.Printf("last backup: %s\n", rep.LastBackup)
	}
	for _, c := range rep.Checks {
		if c.OK {
			okColor.Printf("  ok    %s", c.Name)
		} else {
			errColor.Printf("  fail  %s", c.Name)
		}
		if c.Detail != "" {
			fmt.Printf("  %s", c.Detail)
		}
		fmt.Println()
	}
	if !rep.Healthy {
		return fmt.Errorf("one or more checks failed")
	}
	return nil
}

func (a *app) backup() error {
	name, err := a.backups.Create()
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	okColor.Printf("backup created: %s\n", name)
	return nil
}

func (a *app) restore(args []string) error {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	if name == "" {
		latest, err := a.backups.Latest()
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		name = latest
	}
	if err := a.backups.Restore(name); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	okColor.Printf("restored: %s\n", name)
	return nil
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
