// Command engine runs the chainheat materialization engine: chain
// snapshots and the tick stream in, published model versions out.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/chainheat/internal/archive"
	"github.com/rickgao/chainheat/internal/config"
	"github.com/rickgao/chainheat/internal/database"
	"github.com/rickgao/chainheat/internal/epoch"
	"github.com/rickgao/chainheat/internal/feed"
	"github.com/rickgao/chainheat/internal/ingest"
	"github.com/rickgao/chainheat/internal/metrics"
	"github.com/rickgao/chainheat/internal/pipeline"
	"github.com/rickgao/chainheat/internal/publish"
	"github.com/rickgao/chainheat/internal/substrate"
	"github.com/rickgao/chainheat/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/engine.yaml", "Path to configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting chainheat engine",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("engine failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.EngineConfig, logger *slog.Logger) error {
	epochs := epoch.NewManager(epoch.Config{
		DormancyThreshold: cfg.Engine.DormancyThreshold(),
		TTL:               cfg.Engine.EpochTTL(),
	}, logger)

	store := substrate.NewStore(logger)
	epochs.OnReclaim(store.DropEpoch)

	// Archive is optional: when disabled the publisher runs with no sink
	// and versions live only in memory.
	var sink publish.Sink
	var archiver *archive.Writer
	if cfg.Archive.Enabled {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := database.Connect(connCtx, cfg.Archive.DB)
		cancel()
		if err != nil {
			return fmt.Errorf("connect archive database: %w", err)
		}
		defer pool.Close()

		archiver = archive.NewWriter(archive.Config{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
		}, pool, logger)
		sink = archiver
	}

	set := pipeline.BuildSet(cfg.Engine, epochs, store, sink, logger)

	ingestor := ingest.NewIngestor(ingest.Config{
		Widths: set.Widths,
	}, epochs, store, set.Heatmaps, logger)

	symbols := make([]string, 0, len(cfg.Engine.Symbols))
	for _, s := range cfg.Engine.Symbols {
		symbols = append(symbols, s.Symbol)
	}

	client := feed.NewClient(cfg.Feed.RestURL, cfg.Feed.APIKey,
		feed.WithTimeout(cfg.Feed.Timeout),
		feed.WithRetries(cfg.Feed.MaxRetries, time.Second),
		feed.WithLogger(logger),
	)
	poller := feed.NewPoller(feed.PollerConfig{
		Interval:    cfg.Feed.PollInterval,
		Concurrency: cfg.Feed.PollConcurrency,
		Timeout:     cfg.Feed.Timeout,
	}, client, symbols, ingestor, logger)
	stream := feed.NewStream(feed.StreamConfig{
		URL:                cfg.Feed.WSURL,
		APIKey:             cfg.Feed.APIKey,
		ReconnectBaseDelay: cfg.Feed.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Feed.ReconnectMaxDelay,
		PingInterval:       cfg.Feed.PingInterval,
		ReadTimeout:        cfg.Feed.ReadTimeout,
	}, symbols, ingestor, logger)

	// Start inside-out: core first, inputs last, so no input ever races a
	// half-wired core.
	if err := epochs.Start(ctx); err != nil {
		return fmt.Errorf("start epoch manager: %w", err)
	}
	if archiver != nil {
		if err := archiver.Start(ctx); err != nil {
			return fmt.Errorf("start archive writer: %w", err)
		}
	}
	if err := set.Start(ctx); err != nil {
		return fmt.Errorf("start pipelines: %w", err)
	}
	if err := ingestor.Start(ctx); err != nil {
		return fmt.Errorf("start ingestor: %w", err)
	}
	if err := poller.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	if err := stream.Start(ctx); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}

	exporter := metrics.NewExporter(epochs, store, ingestor, set)
	httpServer := startHTTPServer(cfg, exporter, epochs, set, ingestor, stream, logger)

	logger.Info("engine running",
		"instance", cfg.Instance.ID,
		"symbols", symbols,
		"pipelines", len(set.Pipelines),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Stop outside-in: inputs first so the core drains cleanly.
	if err := stream.Stop(shutdownCtx); err != nil {
		logger.Error("stream stop failed", "error", err)
	}
	if err := poller.Stop(shutdownCtx); err != nil {
		logger.Error("poller stop failed", "error", err)
	}
	if err := ingestor.Stop(shutdownCtx); err != nil {
		logger.Error("ingestor stop failed", "error", err)
	}
	if err := set.Stop(shutdownCtx); err != nil {
		logger.Error("pipelines stop failed", "error", err)
	}
	if archiver != nil {
		if err := archiver.Stop(shutdownCtx); err != nil {
			logger.Error("archive writer stop failed", "error", err)
		}
	}
	if err := epochs.Stop(shutdownCtx); err != nil {
		logger.Error("epoch manager stop failed", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}

	logger.Info("engine stopped")
	return nil
}

// startHTTPServer serves health, metrics and debug endpoints.
func startHTTPServer(cfg *config.EngineConfig, exporter *metrics.Exporter, epochs *epoch.Manager, set *pipeline.Set, ingestor *ingest.Ingestor, stream *feed.Stream, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	path := cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, metrics.Handler(exporter))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		streamStats := stream.Stats()
		resp := map[string]any{
			"status":   "healthy",
			"instance": cfg.Instance.ID,
			"version":  version.Version,
			"components": map[string]any{
				"stream_connected": streamStats.Connected,
				"epochs":           epochs.Stats(),
				"ingest":           ingestor.Stats(),
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/debug/epochs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(epochs.Snapshot())
	})

	mux.HandleFunc("/debug/pipelines", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set.Stats())
	})

	port := cfg.Metrics.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	return server
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
