// Package main provides the drawdiff daemon entrypoint: HTTP API plus the
// stage workers in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/drawlens/drawdiff/internal/align"
	"github.com/drawlens/drawdiff/internal/api"
	"github.com/drawlens/drawdiff/internal/blob"
	"github.com/drawlens/drawdiff/internal/config"
	"github.com/drawlens/drawdiff/internal/diff"
	"github.com/drawlens/drawdiff/internal/extract"
	"github.com/drawlens/drawdiff/internal/monitoring"
	"github.com/drawlens/drawdiff/internal/observability"
	"github.com/drawlens/drawdiff/internal/orchestrator"
	"github.com/drawlens/drawdiff/internal/queue"
	"github.com/drawlens/drawdiff/internal/storage"
	"github.com/drawlens/drawdiff/internal/vision"
	"github.com/drawlens/drawdiff/internal/worker"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *observability.Logger
)

var rootCmd = &cobra.Command{
	Use:   "drawdiffd",
	Short: "Construction drawing revision comparison daemon",
	Long: `drawdiffd compares two revisions of a construction drawing set.

It serves the submission and progress API and runs the per-page pipeline:
text extraction, geometric alignment and diff, and AI change summarization.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger = observability.NewLogger(observability.LogConfig{
			Level:       cfg.Observability.LogLevel,
			Format:      cfg.Observability.LogFormat,
			ServiceName: "drawdiffd",
		})
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and stage workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := storage.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := storage.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		logger.Info().Str("driver", cfg.Database.Driver).Msg("schema applied")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: env vars only)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	repos := storage.NewRepositories(db)

	channel, err := newChannel()
	if err != nil {
		return err
	}
	defer channel.Close()

	blobs, err := newBlobStore(ctx)
	if err != nil {
		return err
	}

	audit := monitoring.NewAuditWriter(logger, repos.Audit, monitoring.DefaultAuditConfig())
	defer audit.Stop()

	orch := orchestrator.New(
		repos.Jobs, repos.Stages, repos.DiffResults,
		channel, blobs, extract.NewPDFExtractor(), audit,
		orchestrator.Options{
			MaxRetries: cfg.Pipeline.MaxRetries,
			RasterDPI:  cfg.Pipeline.RasterDPI,
		},
		logger,
	)

	vis := vision.NewClient(cfg.Vision, logger)
	aligner := align.NewAligner()
	engine := diff.NewEngine(cfg.Pipeline.InkThreshold, cfg.Pipeline.MinRegionPixels, cfg.Pipeline.MergeGap)

	ocrWorker := worker.NewOCRWorker(orch, repos.Stages, blobs, vis, logger)
	diffWorker := worker.NewDiffWorker(orch, repos.DiffResults, blobs, aligner, engine, cfg.Pipeline.LowConfidenceThreshold, logger)
	summaryWorker := worker.NewSummaryWorker(orch, repos.DiffResults, repos.Summaries, blobs, vis, logger)

	server := api.NewServer(cfg.Server, api.Deps{
		Orchestrator: orch,
		Progress:     storage.NewProgressReader(repos.Jobs, repos.Stages, repos.DiffResults, repos.Summaries),
		Diffs:        repos.DiffResults,
		Summaries:    repos.Summaries,
		Audit:        repos.Audit,
		Blobs:        blobs,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.NewRunner(channel, queue.TopicOCR, cfg.Queue.OCRConcurrency, ocrWorker.Handle, logger).Run(gctx)
	})
	g.Go(func() error {
		return worker.NewRunner(channel, queue.TopicDiff, cfg.Queue.DiffConcurrency, diffWorker.Handle, logger).Run(gctx)
	})
	g.Go(func() error {
		return worker.NewRunner(channel, queue.TopicSummary, cfg.Queue.SummaryConcurrency, summaryWorker.Handle, logger).Run(gctx)
	})
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info().
		Str("db", cfg.Database.Driver).
		Str("queue", cfg.Queue.Driver).
		Str("blob", cfg.Blob.Driver).
		Msg("drawdiffd started")
	return g.Wait()
}

func newChannel() (queue.Channel, error) {
	switch cfg.Queue.Driver {
	case "redis":
		return queue.NewRedisChannel(cfg.Queue, logger)
	default:
		return queue.NewMemoryChannel(cfg.Queue.MaxAttempts), nil
	}
}

func newBlobStore(ctx context.Context) (blob.Store, error) {
	switch cfg.Blob.Driver {
	case "minio":
		return blob.NewMinioStore(ctx, cfg.Blob.Minio)
	default:
		return blob.NewMemoryStore(), nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
