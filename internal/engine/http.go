package engine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/scrapecore/scrapecore/internal/ratelimit"
	"github.com/scrapecore/scrapecore/internal/telemetry"
)

// HTTPEngine fetches pages with a pooled HTTP client via colly. Session
// state lives in a public-suffix-aware cookie jar shared by every fetch.
type HTTPEngine struct {
	cfg     Config
	limiter *ratelimit.Controller
	logger  *zap.Logger
	base    *url.URL
	agents  *userAgentPool

	mu          sync.Mutex
	jar         *cookiejar.Jar
	collector   *colly.Collector
	transport   *http.Transport
	lastCookies []*http.Cookie
	pending     []*http.Cookie
	initialized bool
	closed      bool
	done        chan struct{}
}

// NewHTTP builds the lightweight engine. The transport resource itself is
// established by Initialize.
func NewHTTP(cfg Config, limiter *ratelimit.Controller, logger *zap.Logger) (*HTTPEngine, error) {
	if limiter == nil {
		return nil, fmt.Errorf("http engine requires a rate controller")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var base *url.URL
	if cfg.BaseURL != "" {
		parsed, err := url.Parse(cfg.BaseURL)
		if err != nil || !parsed.IsAbs() {
			return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
		}
		base = parsed
	}
	return &HTTPEngine{
		cfg:     cfg,
		limiter: limiter,
		logger:  logger,
		base:    base,
		agents:  newUserAgentPool(cfg.UserAgent, cfg.RotateUserAgent),
		done:    make(chan struct{}),
	}, nil
}

// Initialize sets up the cookie jar, connection pool and base collector.
// A second call while initialized is a no-op.
func (e *HTTPEngine) Initialize(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.initialized {
		return nil
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("create cookie jar: %w", err)
	}

	transport, err := e.newTransport()
	if err != nil {
		return err
	}

	c := colly.NewCollector()
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.WithTransport(transport)
	c.SetCookieJar(jar)
	c.SetRequestTimeout(e.cfg.timeout(0))

	e.jar = jar
	e.transport = transport
	e.collector = c
	e.initialized = true

	if len(e.pending) > 0 && e.base != nil {
		jar.SetCookies(e.base, e.pending)
		e.lastCookies = e.pending
		e.pending = nil
	}
	return nil
}

func (e *HTTPEngine) newTransport() (*http.Transport, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if e.cfg.Proxy.Enabled {
		proxyURL, err := url.Parse(e.cfg.Proxy.Server)
		if err != nil {
			return nil, fmt.Errorf("parse proxy server %q: %w", e.cfg.Proxy.Server, err)
		}
		if e.cfg.Proxy.Username != "" {
			proxyURL.User = url.UserPassword(e.cfg.Proxy.Username, e.cfg.Proxy.Password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return transport, nil
}

// Fetch retrieves one page under admission control.
func (e *HTTPEngine) Fetch(ctx context.Context, req Request) (Result, error) {
	if err := e.Initialize(ctx); err != nil {
		return Result{}, err
	}

	target, full, err := e.resolve(req)
	if err != nil {
		return Result{}, err
	}

	permit, err := e.limiter.Admit(ctx, target)
	if err != nil {
		return Result{Class: ClassCanceled}, err
	}
	defer permit.Release()

	timeout := e.cfg.timeout(req.Timeout)
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := e.doRequest(fetchCtx, timeout, full, req.Headers, nil)
	result.Duration = time.Since(start)
	return e.finish(target, full.String(), result, err)
}

// finish classifies the outcome, reports it to the rate controller and
// surfaces the typed error.
func (e *HTTPEngine) finish(target, fullURL string, result Result, err error) (Result, error) {
	if err != nil {
		class, typed := classifyError(fullURL, err)
		result.Class = class
		if result.FinalURL == "" {
			result.FinalURL = fullURL
		}
		e.limiter.Report(target, false)
		telemetry.ObserveFetch(target, string(class), result.Duration)
		e.logger.Warn("fetch failed",
			zap.String("url", fullURL),
			zap.String("class", string(class)),
			zap.Error(typed),
		)
		return result, typed
	}

	result.Class = classifyStatus(result.StatusCode)
	result.Cookies = e.captureCookies(result.FinalURL)
	if result.Class != ClassSuccess {
		e.limiter.Report(target, false)
		telemetry.ObserveFetch(target, string(result.Class), result.Duration)
		return result, &HTTPStatusError{URL: result.FinalURL, StatusCode: result.StatusCode}
	}

	e.limiter.Report(target, true)
	telemetry.ObserveFetch(target, string(ClassSuccess), result.Duration)
	e.logger.Debug("fetch succeeded",
		zap.String("url", result.FinalURL),
		zap.Int("status", result.StatusCode),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func (e *HTTPEngine) resolve(req Request) (string, *url.URL, error) {
	full, err := resolveURL(e.base, req.URL, req.Query)
	if err != nil {
		return "", nil, err
	}
	return TargetOf(full), full, nil
}

// doRequest runs one colly visit (GET) or form submission (POST when
// form != nil) on a cloned collector, honoring ctx and engine close.
func (e *HTTPEngine) doRequest(
	ctx context.Context,
	timeout time.Duration,
	full *url.URL,
	headers http.Header,
	form map[string]string,
) (Result, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Result{}, ErrClosed
	}
	collector := e.collector.Clone()
	e.mu.Unlock()

	collector.SetRequestTimeout(timeout)
	if agent := e.agents.next(); agent != "" {
		collector.UserAgent = agent
	}

	var (
		result   Result
		respErr  error
		reqExtra = mergeHeaders(e.cfg.Headers, headers)
	)
	collector.OnRequest(func(r *colly.Request) {
		for key, values := range reqExtra {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = Result{
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		respErr = err
	})

	visit := func() error {
		if form != nil {
			return collector.Post(full.String(), form)
		}
		return collector.Visit(full.String())
	}

	done := make(chan error, 1)
	go func() { done <- visit() }()

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-e.done:
		return Result{}, fmt.Errorf("fetch aborted: %w", context.Canceled)
	case err := <-done:
		if err != nil {
			return Result{}, err
		}
		if respErr != nil {
			return Result{}, respErr
		}
		return result, nil
	}
}

func (e *HTTPEngine) captureCookies(finalURL string) []*http.Cookie {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.jar == nil {
		return nil
	}
	u, err := url.Parse(finalURL)
	if err != nil {
		return nil
	}
	cookies := e.jar.Cookies(u)
	if len(cookies) > 0 {
		e.lastCookies = cookies
	}
	return cookies
}

// SubmitLogin loads the login page, carries its hidden fields (CSRF
// tokens) into the submission and posts the credentials. Both requests
// go through admission control.
func (e *HTTPEngine) SubmitLogin(ctx context.Context, form LoginForm) (Result, error) {
	page, err := e.Fetch(ctx, Request{URL: form.URL})
	if err != nil {
		return page, fmt.Errorf("load login page: %w", err)
	}

	state, err := parseLoginForm(page.Body, page.FinalURL, form.Fields["username"])
	if err != nil {
		return Result{}, err
	}

	payload := make(map[string]string, len(state.Hidden)+len(form.Values))
	for name, value := range state.Hidden {
		payload[name] = value
	}
	for field, value := range form.Values {
		locator, ok := form.Fields[field]
		if !ok {
			locator = field
		}
		payload[fieldName(page.Body, locator)] = value
	}

	postURL := state.Action
	if postURL == "" {
		postURL = page.FinalURL
	}
	target, full, err := e.resolve(Request{URL: postURL})
	if err != nil {
		return Result{}, err
	}

	permit, err := e.limiter.Admit(ctx, target)
	if err != nil {
		return Result{Class: ClassCanceled}, err
	}
	defer permit.Release()

	timeout := e.cfg.timeout(0)
	postCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := e.doRequest(postCtx, timeout, full, nil, payload)
	result.Duration = time.Since(start)
	return e.finish(target, full.String(), result, err)
}

// Session snapshots the jar as a reusable handle.
func (e *HTTPEngine) Session() SessionHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.jar != nil && e.base != nil {
		if cookies := e.jar.Cookies(e.base); len(cookies) > 0 {
			return &CookieSession{Jar: cookies}
		}
	}
	return &CookieSession{Jar: e.lastCookies}
}

// RestoreSession installs a previously captured cookie snapshot.
func (e *HTTPEngine) RestoreSession(handle SessionHandle) error {
	if handle == nil {
		return nil
	}
	if handle.Transport() != TransportHTTP {
		return fmt.Errorf("session handle transport %q does not match engine transport %q",
			handle.Transport(), TransportHTTP)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cookies := handle.Cookies()
	if e.initialized && e.jar != nil && e.base != nil {
		e.jar.SetCookies(e.base, cookies)
		e.lastCookies = cookies
		return nil
	}
	e.pending = cookies
	return nil
}

// Close shuts the connection pool down. Safe when never initialized and
// safe to call twice; in-flight fetches fail fast with a cancellation
// classification.
func (e *HTTPEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.done)
	if e.transport != nil {
		e.transport.CloseIdleConnections()
	}
	return nil
}
