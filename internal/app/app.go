// Package app initializes and holds the long-lived services: logger,
// rate controller, fetch engine, credential store, adapter registry and
// document sink. It is built once at startup from validated
// configuration and handed to the commands that need it.
package app

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/scrapecore/scrapecore/internal/adapter"
	"github.com/scrapecore/scrapecore/internal/config"
	"github.com/scrapecore/scrapecore/internal/creds"
	"github.com/scrapecore/scrapecore/internal/engine"
	"github.com/scrapecore/scrapecore/internal/logging"
	"github.com/scrapecore/scrapecore/internal/ratelimit"
	"github.com/scrapecore/scrapecore/internal/session"
	"github.com/scrapecore/scrapecore/internal/sink"
)

// App holds the shared services for one scraper process.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Limiter    *ratelimit.Controller
	Engine     engine.Engine
	Creds      *creds.Store
	Negotiator *session.Negotiator
	Registry   *adapter.Registry
	Adapter    adapter.Adapter
	Sink       sink.Sink
}

// New builds every service from cfg, failing fast on the first one that
// cannot initialize.
func New(cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	limiter := ratelimit.New(rateLimitConfig(cfg.RateLimit), logger)

	eng, err := engine.New(engine.Transport(cfg.Transport.Mode), engine.Config{
		BaseURL:         cfg.Site.BaseURL,
		UserAgent:       cfg.Transport.UserAgent,
		RotateUserAgent: cfg.Transport.UserAgentRotation,
		Headers:         staticHeaders(cfg.Transport.Headers),
		Timeout:         cfg.FetchTimeout(),
		Proxy: engine.ProxySettings{
			Enabled:  cfg.Transport.Proxy.Enabled,
			Server:   cfg.Transport.Proxy.Server,
			Username: cfg.Transport.Proxy.Username,
			Password: cfg.Transport.Proxy.Password,
		},
	}, limiter, logger)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	store, err := credStore(cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("build credential store: %w", err)
	}

	registry := adapter.NewRegistry()
	siteAdapter, err := buildAdapter(cfg.Site)
	if err != nil {
		return nil, err
	}
	if err := registry.Register(siteAdapter); err != nil {
		return nil, fmt.Errorf("register adapter: %w", err)
	}

	out, err := sink.NewFS(cfg.Storage.OutputDir, logger)
	if err != nil {
		return nil, fmt.Errorf("build sink: %w", err)
	}

	return &App{
		Config:     cfg,
		Logger:     logger,
		Limiter:    limiter,
		Engine:     eng,
		Creds:      store,
		Negotiator: session.New(store, logger),
		Registry:   registry,
		Adapter:    siteAdapter,
		Sink:       out,
	}, nil
}

// Site translates the auth configuration into a login description.
func (a *App) Site() session.Site {
	if !a.Config.Auth.LoginRequired {
		return session.Site{}
	}
	site := session.Site{
		Label:          a.Config.Auth.CredentialsKey,
		LoginURL:       a.Config.Auth.LoginURL,
		Fields:         a.Config.Auth.FieldMap,
		SuccessPhrases: a.Config.Auth.SuccessPhrases,
		FailurePhrases: a.Config.Auth.FailurePhrases,
	}
	// An adapter that knows how to read its site's logged-in pages beats
	// phrase matching.
	if v, ok := a.Adapter.(session.Verifier); ok {
		site.Verifier = v
	}
	return site
}

// Close releases every held resource. Close errors on individual
// services are logged, not returned; shutdown keeps going.
func (a *App) Close() {
	if a.Engine != nil {
		if err := a.Engine.Close(); err != nil {
			a.Logger.Warn("engine close failed", zap.Error(err))
		}
	}
	if a.Sink != nil {
		if err := a.Sink.Close(); err != nil {
			a.Logger.Warn("sink close failed", zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
}

func rateLimitConfig(rl config.RateLimitConfig) ratelimit.Config {
	perTarget := make(map[string]time.Duration, len(rl.PerTargetSeconds))
	for target, seconds := range rl.PerTargetSeconds {
		perTarget[target] = secondsToDuration(seconds)
	}
	return ratelimit.Config{
		BaseDelay:     secondsToDuration(rl.BaseDelaySeconds),
		Jitter:        secondsToDuration(rl.JitterSeconds),
		Concurrency:   rl.Concurrency,
		PerTarget:     perTarget,
		MaxBackoff:    secondsToDuration(rl.MaxBackoffSeconds),
		CoolDown:      secondsToDuration(rl.CoolDownSeconds),
		EscalateAfter: rl.EscalateAfter,
		CoolDownAfter: rl.CoolDownAfter,
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func staticHeaders(raw map[string]string) http.Header {
	if len(raw) == 0 {
		return nil
	}
	headers := make(http.Header, len(raw))
	for key, value := range raw {
		headers.Set(key, value)
	}
	return headers
}

func credStore(auth config.AuthConfig, logger *zap.Logger) (*creds.Store, error) {
	opts := creds.Options{}
	if auth.CredentialsKey != "" && auth.Username != "" {
		opts.Seed = map[string]creds.Credentials{
			auth.CredentialsKey: {Username: auth.Username, Password: auth.Password},
		}
	}
	if auth.AllowPrompt {
		opts.Prompter = creds.NewTerminalPrompter()
	}
	if !auth.SecureStorage {
		// Keep everything in memory: no secret file reads or writes.
		opts.SecretPath = "/dev/null"
	}
	return creds.NewStore(opts, logger)
}

func buildAdapter(site config.SiteConfig) (adapter.Adapter, error) {
	base, err := url.Parse(site.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse site base url: %w", err)
	}
	return adapter.NewGeneric(adapter.GenericConfig{
		Site:               base.Host,
		ListPathPrefixes:   site.ListPathPrefixes,
		DetailPathPrefixes: site.DetailPathPrefixes,
		FieldSelectors:     site.FieldSelectors,
		LinkSelector:       site.LinkSelector,
	}), nil
}
