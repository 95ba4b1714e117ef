package main

import (
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mediadedup/dedupcore/internal/dbqueue"
	"github.com/mediadedup/dedupcore/internal/fingerprint"
	"github.com/mediadedup/dedupcore/internal/linker"
	"github.com/mediadedup/dedupcore/internal/pipeline"
	"github.com/mediadedup/dedupcore/internal/shutdown"
	"github.com/mediadedup/dedupcore/internal/transcoder"
)

// serveOptions holds the serve subcommand's flags.
type serveOptions struct {
	dbPath   string
	cacheDir string
}

// newServeCmd wires C3 through C9 into the continuous backbone spec §2's
// data-flow diagram describes: C6's transcode worker, C7's processing
// pipeline, and C8's duplicate linker all running until a shutdown signal
// arrives (spec §4.8). Directory scanning itself is the scan subcommand's
// job (spec §1 places the scheduled-scan trigger itself out of scope) —
// serve only consumes whatever scanned_files rows already exist or get
// added by a concurrently running scan.
func newServeCmd() *cobra.Command {
	opts := &serveOptions{
		dbPath:   "dedupcore.db",
		cacheDir: "cache",
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the continuous transcode/fingerprint/link pipeline",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().StringVar(&opts.dbPath, "db", opts.dbPath, "Path to the dedupcore database")
	cmd.Flags().StringVar(&opts.cacheDir, "cache-dir", opts.cacheDir, "Path to the raw-transcode JPEG cache directory")

	return cmd
}

func runServe(opts *serveOptions) error {
	c, err := openCore(opts.dbPath)
	if err != nil {
		return err
	}
	defer c.Close()

	coord := shutdown.New(c.log)

	transcodeWorker, err := transcoder.New(c.queue, c.cfg, opts.cacheDir, c.log)
	if err != nil {
		return fmt.Errorf("start transcoder: %w", err)
	}
	transcodeWorker.Start()

	engine := fingerprint.NewEngine(c.cfg, c.cfg.DatabaseRetry().MaxAttempts, c.log)

	pl := pipeline.New(c.queue, c.cfg, c.bus, engine, coord, c.log)
	pl.RequeueTranscode = func(sourcePath string) {
		c.queue.EnqueueWrite(func(db *sql.DB) dbqueue.WriteOperationResult {
			return enqueueTranscodeIfMissing(db, sourcePath)
		})
	}
	pl.OnEvent = func(ev pipeline.FileProcessingEvent) {
		c.log.WithFields(logrus.Fields{
			"path": ev.FilePath, "success": ev.Success, "format": ev.ArtifactFormat,
			"ms": ev.ProcessingTimeMS,
		}).Debug("processed file")
	}
	pl.Start()

	dl := linker.New(c.queue, c.cfg, c.bus, coord, 0, c.log)
	dl.Start()

	c.log.Info("dedupcore serving; waiting for shutdown signal")
	coord.WaitForShutdown()
	reason, sig := coord.Reason()
	c.log.WithFields(logrus.Fields{"reason": reason, "signal": sig}).Info("shutting down")

	pl.Stop()
	dl.Stop()
	transcodeWorker.Stop()

	return nil
}

func enqueueTranscodeIfMissing(db *sql.DB, path string) dbqueue.WriteOperationResult {
	_, err := db.Exec(`INSERT OR IGNORE INTO transcode_map (source_path, status, created_at, updated_at)
		VALUES (?, 0, strftime('%s','now'), strftime('%s','now'))`, path)
	if err != nil {
		return dbqueue.Failure("requeue transcode %s: %v", path, err)
	}
	return dbqueue.WriteOperationResult{Success: true}
}
