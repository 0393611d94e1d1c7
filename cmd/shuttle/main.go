package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/framewright/shuttle/internal/config"
	"github.com/framewright/shuttle/internal/engine"
	"github.com/framewright/shuttle/internal/logging"
	"github.com/framewright/shuttle/internal/manifest"
	"github.com/framewright/shuttle/internal/telemetry"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		showVersion    bool
		workers        int
		chunkWorkers   int
		chunkSize      int64
		chunkThreshold int64
		bwLimit        int64
		checksum       bool
		verifyFlag     bool
		artifactWrites bool
		retries        int
		logFile        string
		verbose        bool
		quiet          bool
		noProgress     bool
	)

	rootCmd := &cobra.Command{
		Use:   "shuttle [flags] <manifest.toml>",
		Short: "Parallel, chunked asset transfers with live progress telemetry",
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "shuttle %s\n", version)
				return nil
			}

			// Configure logging.
			logLevel := slog.LevelWarn
			if verbose {
				logLevel = slog.LevelDebug
			} else if !quiet {
				logLevel = slog.LevelInfo
			}
			textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: logLevel,
			})
			var logHandler slog.Handler = textHandler
			if logFile != "" {
				lf, lfErr := os.Create(logFile)
				if lfErr != nil {
					return fmt.Errorf("open log file: %w", lfErr)
				}
				defer lf.Close()
				jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{
					Level: slog.LevelDebug,
				})
				logHandler = logging.NewMultiHandler(textHandler, jsonHandler)
			}
			slog.SetDefault(slog.New(logHandler))

			// Load optional config file.
			cfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			if err := applyConfigDefaults(cmd, cfg.Defaults,
				&workers, &chunkWorkers,
				&chunkSize, &chunkThreshold, &bwLimit,
				&checksum, &verifyFlag, &retries,
			); err != nil {
				return err
			}

			batch, err := manifest.Load(args[0])
			if err != nil {
				return err
			}

			emitter := telemetry.New(telemetry.Config{})
			defer emitter.Close()

			eng, err := engine.New(engine.Config{
				Telemetry:      emitter,
				ChunkThreshold: chunkThreshold,
				ChunkSize:      chunkSize,
				RetryLimit:     retries,
				Checksum:       checksum,
				ArtifactWrites: artifactWrites,
				BandwidthLimit: bwLimit,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var prog *progressPrinter
			if !quiet && !noProgress {
				prog = startProgress(emitter, batch.ID, os.Stderr, logging.IsTTY(os.Stderr.Fd()))
			}

			slog.Debug("starting batch",
				"batch", batch.ID,
				"operation", batch.Operation,
				"mappings", len(batch.Mappings),
				"workers", workers,
				"chunk_workers", chunkWorkers,
			)

			start := time.Now()
			summary, err := eng.Submit(ctx, batch, engine.Limits{
				FileWorkers:  workers,
				ChunkWorkers: chunkWorkers,
			})
			stop()
			if prog != nil {
				prog.stop()
			}
			if err != nil {
				return err
			}

			if !quiet {
				printSummary(os.Stderr, batch, summary, time.Since(start))
			}

			if verifyFlag && summary.Succeeded > 0 {
				report := engine.VerifyMappings(ctx, verifiable(batch, summary), workers)
				if !quiet {
					fmt.Fprintf(os.Stderr, "verified %d files, %d mismatched\n",
						report.Verified, report.Failed)
				}
				for _, mm := range report.Mismatches {
					if mm.Err != nil {
						slog.Error("verify failed",
							"mapping", mm.MappingID,
							"target", mm.TargetPath,
							"error", mm.Err,
						)
						continue
					}
					slog.Error("verify mismatch",
						"mapping", mm.MappingID,
						"target", mm.TargetPath,
						"source_hash", mm.SourceHash,
						"target_hash", mm.TargetHash,
					)
				}
				if report.Failed > 0 {
					return &exitError{code: 1}
				}
			}

			switch {
			case summary.Failed == 0:
				return nil
			case summary.Succeeded > 0:
				return &exitError{code: 1} // partial failure
			default:
				return &exitError{code: 2} // total failure
			}
		},
	}

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")
	rootCmd.Flags().
		IntVarP(&workers, "workers", "n", 0, "number of file workers (default 3)")
	rootCmd.Flags().
		IntVar(&chunkWorkers, "chunk-workers", 0, "chunk workers per large file (default 4)")
	rootCmd.Flags().
		Var(newSizeValue(engine.DefaultChunkSize, &chunkSize), "chunk-size", "chunk span for large files (e.g. 4M)")
	rootCmd.Flags().
		Var(newSizeValue(engine.DefaultChunkThreshold, &chunkThreshold), "chunk-threshold", "split files larger than this into chunks (e.g. 8M)")
	rootCmd.Flags().
		Var(newSizeValue(0, &bwLimit), "bwlimit", "aggregate bandwidth limit (e.g. 100M, 1G)")
	rootCmd.Flags().
		BoolVar(&checksum, "checksum", false, "check staged content against the source before publishing (xxhash64)")
	rootCmd.Flags().
		BoolVar(&verifyFlag, "verify", false, "verify checksums after transfer (BLAKE3)")
	rootCmd.Flags().
		BoolVar(&artifactWrites, "artifact-writes", false, "stage chunks as separate artifact files and reassemble")
	rootCmd.Flags().
		IntVar(&retries, "retries", 0, "transient I/O retries per transfer unit (default 3)")
	rootCmd.Flags().StringVar(&logFile, "log", "", "write structured JSON log to FILE")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	rootCmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable progress display")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(docsCmd)

	if err := rootCmd.Execute(); err != nil {
		if exitErr, ok := err.(*exitError); ok {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	return 0
}

// applyConfigDefaults applies config file defaults for flags not explicitly set on the CLI.
func applyConfigDefaults(
	cmd *cobra.Command,
	defaults config.DefaultsConfig,
	workers, chunkWorkers *int,
	chunkSize, chunkThreshold, bwLimit *int64,
	checksum, verify *bool,
	retries *int,
) error {
	if !cmd.Flags().Changed("workers") && defaults.FileWorkers != nil {
		*workers = *defaults.FileWorkers
	}
	if !cmd.Flags().Changed("chunk-workers") && defaults.ChunkWorkers != nil {
		*chunkWorkers = *defaults.ChunkWorkers
	}
	if !cmd.Flags().Changed("chunk-size") && defaults.ChunkSize != nil {
		n, err := config.ParseSize(*defaults.ChunkSize)
		if err != nil {
			return fmt.Errorf("config chunk_size: %w", err)
		}
		*chunkSize = n
	}
	if !cmd.Flags().Changed("chunk-threshold") && defaults.ChunkThreshold != nil {
		n, err := config.ParseSize(*defaults.ChunkThreshold)
		if err != nil {
			return fmt.Errorf("config chunk_threshold: %w", err)
		}
		*chunkThreshold = n
	}
	if !cmd.Flags().Changed("bwlimit") && defaults.BWLimit != nil {
		n, err := config.ParseSize(*defaults.BWLimit)
		if err != nil {
			return fmt.Errorf("config bwlimit: %w", err)
		}
		*bwLimit = n
	}
	if !cmd.Flags().Changed("checksum") && defaults.Checksum != nil {
		*checksum = *defaults.Checksum
	}
	if !cmd.Flags().Changed("verify") && defaults.Verify != nil {
		*verify = *defaults.Verify
	}
	if !cmd.Flags().Changed("retries") && defaults.Retries != nil {
		*retries = *defaults.Retries
	}
	return nil
}

// printSummary writes the end-of-batch report: status, counts, bytes, and
// one line per failed mapping.
func printSummary(w io.Writer, batch engine.Batch, sum engine.Summary, elapsed time.Duration) {
	var bytes int64
	for _, res := range sum.Results {
		if res.Success {
			bytes += res.BytesTransferred
		}
	}
	fmt.Fprintf(w, "%s: %d/%d files, %s in %s\n",
		sum.Status, sum.Succeeded, len(sum.Results),
		formatBytes(bytes), elapsed.Round(10*time.Millisecond))

	// Results preserve mapping order, so index i names the failed source.
	for i, res := range sum.Results {
		if res.Success {
			continue
		}
		fmt.Fprintf(w, "  %s: %v\n", batch.Mappings[i].SourcePath, res.Err)
	}
}

// verifiable selects the mappings that completed, the only ones whose
// destinations exist to hash.
func verifiable(batch engine.Batch, sum engine.Summary) []engine.Mapping {
	out := make([]engine.Mapping, 0, sum.Succeeded)
	for i, res := range sum.Results {
		if res.Success {
			out = append(out, batch.Mappings[i])
		}
	}
	return out
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
