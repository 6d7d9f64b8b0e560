// Patternd is the learned-pattern governance daemon.
//
// It consumes pattern discovery, usage, and disable events from NATS,
// deduplicates observations into versioned pattern lineages in SQLite, and
// runs the rolling-window promotion and demotion gates that move patterns
// through the CANDIDATE, PROVISIONAL, VALIDATED, and DEPRECATED lifecycle.
//
// Usage:
//
//	# Start with defaults (embedded NATS, ./patternd.db)
//	patternd
//
//	# Start against external infrastructure
//	patternd --config /etc/patternd/config.yaml
//
//	# Configure via environment
//	PATTERND_NATS_URL=nats://broker:4222 patternd
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "patternd",
		Short:         "Learned-pattern trust governance daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			app, err := newApp(configPath)
			if err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("patternd\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", gitCommit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})
	return root
}
