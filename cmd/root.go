// Package cmd defines the CLI commands for the scrapecore executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scrapecore/scrapecore/internal/app"
	"github.com/scrapecore/scrapecore/internal/config"
)

var cfgFile string

// appKeyType keys the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is a variable so tests can substitute a prebuilt application.
var newApp = func() (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return app.New(cfg)
}

// commandsWithoutApp run before any configuration exists.
var commandsWithoutApp = map[string]bool{
	"version": true,
	"help":    true,
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrapecore",
		Short: "A polite authenticated scraper for structured sites.",
		Long: `scrapecore fetches pages from a configured site through either a
lightweight HTTP client or a full headless browser, paced per target
with adaptive backoff, and extracts structured documents to disk.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if commandsWithoutApp[cmd.Name()] {
				return nil
			}
			a, err := newApp()
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(*app.App); ok && a != nil {
				a.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newAuthCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return a, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
