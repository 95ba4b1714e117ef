package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/mediadedup/dedupcore/internal/scanner"
)

// scanOptions holds the scan subcommand's flags.
type scanOptions struct {
	dbPath     string
	hashCache  string
	workers    int
	noProgress bool
}

// newScanCmd is C4's CLI surface: a one-shot recursive directory scan that
// inserts-or-refreshes discovered files into scanned_files (spec §4.3),
// the scheduled-scan trigger's manual equivalent (spec §1 calls the
// trigger itself "a thin cron-like loop" out of scope; this command is
// what it invokes on each tick).
func newScanCmd() *cobra.Command {
	opts := &scanOptions{
		dbPath:  "dedupcore.db",
		workers: runtime.NumCPU(),
	}

	cmd := &cobra.Command{
		Use:   "scan [paths...]",
		Short: "Recursively discover media files and record them for fingerprinting",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runScan(args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.dbPath, "db", opts.dbPath, "Path to the dedupcore database")
	cmd.Flags().StringVar(&opts.hashCache, "hash-cache", "", "Path to content-hash accelerator cache (enables caching)")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", opts.workers, "Number of parallel directory walkers")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")

	return cmd
}

func runScan(paths []string, opts *scanOptions) error {
	c, err := openCore(opts.dbPath)
	if err != nil {
		return err
	}
	defer c.Close()

	var hashCache *scanner.HashCache
	if opts.hashCache != "" {
		hashCache, err = scanner.OpenHashCache(opts.hashCache)
		if err != nil {
			return fmt.Errorf("open hash cache: %w", err)
		}
		defer func() { _ = hashCache.Close() }()
	}

	errCh := make(chan error, 100)
	go drainScanErrors(errCh)
	defer close(errCh)

	s := scanner.New(paths, c.cfg, c.queue, opts.workers, !opts.noProgress, errCh, nil, hashCache, c.log)
	s.Run()

	return nil
}

func drainScanErrors(errs <-chan error) {
	for err := range errs {
		fmt.Fprintf(os.Stderr, "\r\033[Kerror: %v\n", err)
	}
}
