package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln - package build worker",
	Long: `Kiln builds packages for a build farm. A coordinator hands it a queue
of package specs; kiln builds each one inside a loopback-mounted build image
and uploads the results with rsync.

Run "kiln serve" on the build machine; the other commands talk to a
running worker.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Kiln version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("addr", "localhost:8090", "Worker address, or unix:///path for the read-only socket")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(cloneCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(repoCmd)
	rootCmd.AddCommand(mediaCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(cancelCmd)
}
