package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/framewright/shuttle/internal/config"
	"github.com/framewright/shuttle/internal/engine"
	"github.com/framewright/shuttle/internal/server"
	"github.com/framewright/shuttle/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the shuttle daemon",
	Long: `Run the shuttle daemon: an HTTP API that accepts transfer batches and
streams their progress.

Clients submit batches as JSON to POST /api/v1/batches and poll
GET /api/v1/progress/{batchID} for snapshots, or hold a WebSocket open on
/ws/progress for a live feed. Prometheus metrics are served on /metrics.

Progress records are persisted to a local SQLite database so snapshots
survive daemon restarts. The daemon binds to loopback by default; put a
reverse proxy in front to expose it beyond the host.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	serveCmd.Flags().String("listen", server.DefaultAddr, "listen address (host:port)")
	serveCmd.Flags().Int("workers", 0, "number of file workers (default 3)")
	serveCmd.Flags().Int("chunk-workers", 0, "chunk workers per large file (default 4)")
	serveCmd.Flags().String("bwlimit", "", "aggregate bandwidth limit (e.g. 100M)")
	serveCmd.Flags().String("store", "", "progress database path (default per-user state dir)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	listenAddr, _ := cmd.Flags().GetString("listen")       //nolint:errcheck // flag name is hardcoded
	workers, _ := cmd.Flags().GetInt("workers")            //nolint:errcheck // flag name is hardcoded
	chunkWorkers, _ := cmd.Flags().GetInt("chunk-workers") //nolint:errcheck // flag name is hardcoded
	bwLimit, _ := cmd.Flags().GetString("bwlimit")         //nolint:errcheck // flag name is hardcoded
	storePath, _ := cmd.Flags().GetString("store")         //nolint:errcheck // flag name is hardcoded

	// Configure logging.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config", "error", err)
	}
	if !cmd.Flags().Changed("listen") && cfg.Server.Listen != nil {
		listenAddr = *cfg.Server.Listen
	}
	if !cmd.Flags().Changed("workers") && cfg.Defaults.FileWorkers != nil {
		workers = *cfg.Defaults.FileWorkers
	}
	if !cmd.Flags().Changed("chunk-workers") && cfg.Defaults.ChunkWorkers != nil {
		chunkWorkers = *cfg.Defaults.ChunkWorkers
	}
	if !cmd.Flags().Changed("bwlimit") && cfg.Defaults.BWLimit != nil {
		bwLimit = *cfg.Defaults.BWLimit
	}

	engCfg := engine.Config{}
	if bwLimit != "" {
		n, sizeErr := config.ParseSize(bwLimit)
		if sizeErr != nil {
			return fmt.Errorf("invalid --bwlimit: %w", sizeErr)
		}
		engCfg.BandwidthLimit = n
	}
	if cfg.Defaults.ChunkSize != nil {
		n, sizeErr := config.ParseSize(*cfg.Defaults.ChunkSize)
		if sizeErr != nil {
			return fmt.Errorf("config chunk_size: %w", sizeErr)
		}
		engCfg.ChunkSize = n
	}
	if cfg.Defaults.ChunkThreshold != nil {
		n, sizeErr := config.ParseSize(*cfg.Defaults.ChunkThreshold)
		if sizeErr != nil {
			return fmt.Errorf("config chunk_threshold: %w", sizeErr)
		}
		engCfg.ChunkThreshold = n
	}
	if cfg.Defaults.Checksum != nil {
		engCfg.Checksum = *cfg.Defaults.Checksum
	}
	if cfg.Defaults.Retries != nil {
		engCfg.RetryLimit = *cfg.Defaults.Retries
	}

	if storePath == "" && cfg.Telemetry.StorePath != nil {
		storePath = *cfg.Telemetry.StorePath
	}

	// Snapshot store: degraded service without one beats refusing to start.
	store, err := telemetry.OpenStore(storePath)
	if err != nil {
		slog.Warn("progress store unavailable", "error", err)
		store = nil
	}

	telCfg := telemetry.Config{Store: store}
	if cfg.Telemetry.PushIntervalMs != nil {
		telCfg.PushInterval = time.Duration(*cfg.Telemetry.PushIntervalMs) * time.Millisecond
	}
	if cfg.Telemetry.RetentionSeconds != nil {
		telCfg.Retention = time.Duration(*cfg.Telemetry.RetentionSeconds) * time.Second
	}

	emitter := telemetry.New(telCfg)
	defer emitter.Close()
	if store != nil {
		defer store.Close()
	}

	engCfg.Telemetry = emitter
	eng, err := engine.New(engCfg)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Addr:    listenAddr,
		Engine:  eng,
		Emitter: emitter,
		Limits: engine.Limits{
			FileWorkers:  workers,
			ChunkWorkers: chunkWorkers,
		},
		Logger: slog.Default(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("daemon listening", "addr", listenAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
