package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrapecore/scrapecore/internal/api"
	"github.com/scrapecore/scrapecore/internal/orchestrator"
)

func newScrapeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scrape",
		Short: "Runs the configured crawl",
		Long: `Logs in when the site requires it, then walks the configured start
URLs breadth-first under per-target pacing, extracting and persisting
structured documents along the way.`,
		RunE: runScrapeCommand,
	}
}

func runScrapeCommand(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := a.Config

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opsSrv *api.Server
	if cfg.Server.Enabled {
		opsSrv = api.NewServer(fmt.Sprintf(":%d", cfg.Server.Port), a.Limiter, a.Logger)
		go func() {
			if err := opsSrv.ListenAndServe(); err != nil {
				a.Logger.Error("ops server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := opsSrv.Shutdown(shutdownCtx); err != nil {
				a.Logger.Warn("ops server shutdown failed", zap.Error(err))
			}
		}()
	}

	o := orchestrator.New(a.Engine, a.Registry, a.Sink, a.Negotiator, orchestrator.Config{
		Seeds:    cfg.Site.StartURLs,
		MaxPages: cfg.Crawl.MaxPages,
		MaxDepth: cfg.Crawl.MaxDepth,
		Workers:  cfg.Crawl.Workers,
		Site:     a.Site(),
		ProbeURL: cfg.Crawl.ProbeURL,
	}, a.Logger)

	stats, err := o.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("crawl: %w", err)
	}

	a.Logger.Info("scrape complete",
		zap.Int64("fetched", stats.Fetched),
		zap.Int64("stored", stats.Stored),
		zap.Int64("failed", stats.Failed),
	)
	return nil
}
