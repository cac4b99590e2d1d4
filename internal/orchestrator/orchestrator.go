// Package orchestrator runs the crawl: optional login, then a
// breadth-first walk from the seed URLs. Every page goes through the
// engine under admission control, gets classified and extracted by the
// site's adapter, and lands in the sink. List pages feed the next
// level's frontier.
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrapecore/scrapecore/internal/adapter"
	"github.com/scrapecore/scrapecore/internal/engine"
	"github.com/scrapecore/scrapecore/internal/session"
	"github.com/scrapecore/scrapecore/internal/sink"
)

// Config sets the crawl bounds.
type Config struct {
	// Seeds start the walk. Relative seeds resolve against the engine's
	// base authority.
	Seeds []string
	// MaxPages caps total fetches; 0 means 1000.
	MaxPages int
	// MaxDepth caps link-following; 0 keeps the walk on the seeds.
	MaxDepth int
	// Workers bounds concurrent pipeline items; the engine's rate
	// controller still owns the fetch concurrency cap. 0 means 4.
	Workers int
	// Site configures login. An empty Label skips authentication.
	Site session.Site
	// Resume is a previously captured session to restore instead of
	// logging in. ProbeURL verifies it when set.
	Resume   engine.SessionHandle
	ProbeURL string
	// Fallback extracts pages of sites with no registered adapter. Nil
	// means such pages are skipped.
	Fallback adapter.Adapter
}

// Stats summarizes one crawl.
type Stats struct {
	Fetched   int64
	Extracted int64
	Stored    int64
	Failed    int64
	Skipped   int64
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	eng    engine.Engine
	reg    *adapter.Registry
	out    sink.Sink
	neg    *session.Negotiator
	logger *zap.Logger
	cfg    Config
}

// New builds an Orchestrator.
func New(eng engine.Engine, reg *adapter.Registry, out sink.Sink, neg *session.Negotiator, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{eng: eng, reg: reg, out: out, neg: neg, logger: logger, cfg: cfg}
}

// Run executes the crawl until the frontier drains, a bound is hit, or
// ctx is canceled. Partial stats are returned alongside the error.
func (o *Orchestrator) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	if err := o.authenticate(ctx); err != nil {
		return stats, err
	}

	maxPages := o.cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 1000
	}
	workers := o.cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	var (
		budget  = int64(maxPages)
		used    atomic.Int64
		visited = map[string]bool{}
	)

	level := o.cfg.Seeds
	for depth := 0; len(level) > 0 && depth <= o.cfg.MaxDepth; depth++ {
		var (
			nextMu sync.Mutex
			next   []string
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)

		for _, raw := range level {
			if visited[raw] {
				continue
			}
			visited[raw] = true
			if used.Add(1) > budget {
				used.Add(-1)
				break
			}

			pageURL := raw
			g.Go(func() error {
				links, err := o.process(gctx, pageURL, &stats)
				if err != nil {
					// Page failures are counted, not fatal; only
					// cancellation stops the crawl.
					if gctx.Err() != nil {
						return gctx.Err()
					}
					return nil
				}
				if len(links) > 0 {
					nextMu.Lock()
					next = append(next, links...)
					nextMu.Unlock()
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return stats, err
		}
		if used.Load() >= budget {
			o.logger.Info("page budget reached", zap.Int64("pages", used.Load()))
			break
		}
		level = next
	}

	o.logger.Info("crawl finished",
		zap.Int64("fetched", stats.Fetched),
		zap.Int64("extracted", stats.Extracted),
		zap.Int64("stored", stats.Stored),
		zap.Int64("failed", stats.Failed),
		zap.Int64("skipped", stats.Skipped),
	)
	return stats, nil
}

func (o *Orchestrator) authenticate(ctx context.Context) error {
	if o.cfg.Site.Label == "" || o.neg == nil {
		return nil
	}
	if o.cfg.Resume != nil && o.cfg.Resume.Valid() {
		err := o.neg.Resume(ctx, o.eng, o.cfg.Site, o.cfg.Resume, o.cfg.ProbeURL)
		if err == nil {
			o.logger.Info("session resumed", zap.String("site", o.cfg.Site.Label))
			return nil
		}
		o.logger.Warn("session resume failed, logging in", zap.Error(err))
	}
	if _, err := o.neg.Login(ctx, o.eng, o.cfg.Site); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	return nil
}

// process runs one page through fetch, extract and store. It returns
// the links to enqueue for the next level.
func (o *Orchestrator) process(ctx context.Context, pageURL string, stats *Stats) ([]string, error) {
	result, err := o.eng.Fetch(ctx, engine.Request{URL: pageURL})
	if err != nil {
		atomic.AddInt64(&stats.Failed, 1)
		o.logger.Warn("page failed",
			zap.String("url", pageURL),
			zap.String("class", string(result.Class)),
			zap.Error(err),
		)
		return nil, err
	}
	atomic.AddInt64(&stats.Fetched, 1)

	final, err := url.Parse(result.FinalURL)
	if err != nil {
		atomic.AddInt64(&stats.Failed, 1)
		return nil, fmt.Errorf("parse final url %q: %w", result.FinalURL, err)
	}

	site, ok := o.reg.Lookup(final.Host)
	if !ok {
		if o.cfg.Fallback == nil {
			atomic.AddInt64(&stats.Skipped, 1)
			o.logger.Debug("no adapter for site", zap.String("host", final.Host))
			return nil, nil
		}
		site = o.cfg.Fallback
	}

	kind := site.Classify(final)
	doc, err := adapter.Extract(site, result.FinalURL, result.Body, kind)
	if err != nil {
		atomic.AddInt64(&stats.Failed, 1)
		o.logger.Warn("extraction failed", zap.String("url", result.FinalURL), zap.Error(err))
		return nil, err
	}
	atomic.AddInt64(&stats.Extracted, 1)

	if _, err := o.out.Write(ctx, doc); err != nil {
		atomic.AddInt64(&stats.Failed, 1)
		return nil, fmt.Errorf("store document: %w", err)
	}
	atomic.AddInt64(&stats.Stored, 1)

	if kind == adapter.KindList || kind == adapter.KindGeneric {
		return doc.Links, nil
	}
	return nil, nil
}
