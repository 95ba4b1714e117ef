package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "dedupcore",
		Short:   "Perceptual deduplication engine for media libraries",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newScanCmd())
	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("command failed")
		return 1
	}
	return 0
}
