package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/scrapecore/scrapecore/internal/ratelimit"
	"github.com/scrapecore/scrapecore/internal/telemetry"
)

// settleDelay gives client-side rendering a moment to finish after the
// document is ready before the DOM is captured.
const settleDelay = 1500 * time.Millisecond

// BrowserEngine drives a headless browser. One browser process lives for
// the engine's lifetime and holds the session (cookies, local storage);
// every fetch opens a fresh tab in it.
type BrowserEngine struct {
	cfg     Config
	limiter *ratelimit.Controller
	logger  *zap.Logger
	agents  *userAgentPool

	mu          sync.Mutex
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
	pending     []*http.Cookie
	initialized bool
	closed      bool
}

// NewBrowser builds the full-browser engine. The browser process itself
// is launched by Initialize.
func NewBrowser(cfg Config, limiter *ratelimit.Controller, logger *zap.Logger) (*BrowserEngine, error) {
	if limiter == nil {
		return nil, fmt.Errorf("browser engine requires a rate controller")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BrowserEngine{
		cfg:     cfg,
		limiter: limiter,
		logger:  logger,
		agents:  newUserAgentPool(cfg.UserAgent, cfg.RotateUserAgent),
	}, nil
}

// Initialize launches the browser process. A second call while the
// browser is running is a no-op.
func (e *BrowserEngine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.initialized {
		return nil
	}

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-first-run", true),
	)
	if agent := e.agents.next(); agent != "" {
		opts = append(opts, chromedp.UserAgent(agent))
	}
	if e.cfg.Proxy.Enabled {
		opts = append(opts, chromedp.ProxyServer(e.cfg.Proxy.Server))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)

	// Start the process now so launch failures surface here, not on
	// the first fetch.
	if err := chromedp.Run(browserCtx); err != nil {
		browserStop()
		allocCancel()
		return fmt.Errorf("launch browser: %w", err)
	}

	e.allocCancel = allocCancel
	e.browserCtx = browserCtx
	e.browserStop = browserStop
	e.initialized = true

	if len(e.pending) > 0 {
		if err := e.installCookiesLocked(ctx, e.pending); err != nil {
			return err
		}
		e.pending = nil
	}
	return nil
}

// responseMeta captures the status of the main document navigation from
// the CDP event stream.
type responseMeta struct {
	mu        sync.Mutex
	requestID network.RequestID
	status    int
	finalURL  string
}

func (m *responseMeta) listen(ev interface{}) {
	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		if ev.Type == network.ResourceTypeDocument {
			m.mu.Lock()
			m.requestID = ev.RequestID
			m.mu.Unlock()
		}
	case *network.EventResponseReceived:
		m.mu.Lock()
		if ev.RequestID == m.requestID {
			m.status = int(ev.Response.Status)
			m.finalURL = ev.Response.URL
		}
		m.mu.Unlock()
	}
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.finalURL
}

// Fetch renders one page in a new tab under admission control.
func (e *BrowserEngine) Fetch(ctx context.Context, req Request) (Result, error) {
	if err := e.Initialize(ctx); err != nil {
		return Result{}, err
	}

	full, err := resolveURL(e.base(), req.URL, req.Query)
	if err != nil {
		return Result{}, err
	}
	target := TargetOf(full)

	permit, err := e.limiter.Admit(ctx, target)
	if err != nil {
		return Result{Class: ClassCanceled}, err
	}
	defer permit.Release()

	start := time.Now()
	result, err := e.navigate(ctx, full.String(), e.cfg.timeout(req.Timeout), nil)
	result.Duration = time.Since(start)
	return e.reportOutcome(target, full.String(), result, err)
}

func (e *BrowserEngine) base() *url.URL {
	if e.cfg.BaseURL == "" {
		return nil
	}
	parsed, err := url.Parse(e.cfg.BaseURL)
	if err != nil {
		return nil
	}
	return parsed
}

// navigate runs the load in a fresh tab. extra actions run after the
// document is ready and before the DOM capture; login uses them for form
// interaction.
func (e *BrowserEngine) navigate(
	ctx context.Context,
	fullURL string,
	timeout time.Duration,
	extra []chromedp.Action,
) (Result, error) {
	e.mu.Lock()
	if e.closed || e.browserCtx == nil {
		e.mu.Unlock()
		return Result{}, ErrClosed
	}
	browserCtx := e.browserCtx
	e.mu.Unlock()

	tabCtx, closeTab := chromedp.NewContext(browserCtx)
	defer closeTab()
	runCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	// Propagate caller cancellation into the tab.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()

	meta := &responseMeta{}
	chromedp.ListenTarget(runCtx, meta.listen)

	var html, location string
	actions := []chromedp.Action{
		network.Enable(),
		chromedp.Navigate(fullURL),
		chromedp.WaitReady("body"),
		chromedp.Sleep(settleDelay),
	}
	actions = append(actions, extra...)
	actions = append(actions,
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html),
	)

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return Result{}, fmt.Errorf("render aborted: %w", context.Canceled)
		}
		return Result{}, err
	}

	status, metaURL := meta.snapshot()
	if status == 0 {
		// Cached or about: navigation with no network response.
		status = http.StatusOK
	}
	finalURL := location
	if finalURL == "" {
		finalURL = metaURL
	}
	if finalURL == "" {
		finalURL = fullURL
	}

	cookies, err := e.sessionCookies(runCtx)
	if err != nil {
		e.logger.Debug("cookie capture failed", zap.Error(err))
	}

	return Result{
		FinalURL:   finalURL,
		StatusCode: status,
		Body:       []byte(html),
		Cookies:    cookies,
	}, nil
}

func (e *BrowserEngine) reportOutcome(target, fullURL string, result Result, err error) (Result, error) {
	if err != nil {
		class, typed := classifyError(fullURL, err)
		result.Class = class
		if result.FinalURL == "" {
			result.FinalURL = fullURL
		}
		e.limiter.Report(target, false)
		telemetry.ObserveFetch(target, string(class), result.Duration)
		e.logger.Warn("render failed",
			zap.String("url", fullURL),
			zap.String("class", string(class)),
			zap.Error(typed),
		)
		return result, typed
	}

	result.Class = classifyStatus(result.StatusCode)
	if result.Class != ClassSuccess {
		e.limiter.Report(target, false)
		telemetry.ObserveFetch(target, string(result.Class), result.Duration)
		return result, &HTTPStatusError{URL: result.FinalURL, StatusCode: result.StatusCode}
	}

	e.limiter.Report(target, true)
	telemetry.ObserveFetch(target, string(ClassSuccess), result.Duration)
	e.logger.Debug("render succeeded",
		zap.String("url", result.FinalURL),
		zap.Int("status", result.StatusCode),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// SubmitLogin types the credentials into the login form and submits it.
// When no submit locator is configured, Enter in the password field
// submits the form.
func (e *BrowserEngine) SubmitLogin(ctx context.Context, form LoginForm) (Result, error) {
	if err := e.Initialize(ctx); err != nil {
		return Result{}, err
	}

	full, err := resolveURL(e.base(), form.URL, nil)
	if err != nil {
		return Result{}, err
	}
	target := TargetOf(full)

	userSel := form.Fields["username"]
	passSel := form.Fields["password"]
	if userSel == "" || passSel == "" {
		return Result{}, fmt.Errorf("login form needs username and password locators")
	}
	userSel = cssLocator(userSel)
	passSel = cssLocator(passSel)

	extra := []chromedp.Action{
		chromedp.WaitVisible(userSel),
		chromedp.SendKeys(userSel, form.Values["username"]),
		chromedp.SendKeys(passSel, form.Values["password"]),
	}
	if submit := form.Fields["submit"]; submit != "" {
		extra = append(extra, chromedp.Click(cssLocator(submit)))
	} else {
		extra = append(extra, chromedp.SendKeys(passSel, kb.Enter))
	}
	extra = append(extra,
		chromedp.Sleep(settleDelay),
		chromedp.WaitReady("body"),
	)

	permit, err := e.limiter.Admit(ctx, target)
	if err != nil {
		return Result{Class: ClassCanceled}, err
	}
	defer permit.Release()

	start := time.Now()
	result, err := e.navigate(ctx, full.String(), e.cfg.timeout(0), extra)
	result.Duration = time.Since(start)
	return e.reportOutcome(target, full.String(), result, err)
}

// cssLocator turns a bare input name into a CSS selector; selector-style
// locators pass through unchanged.
func cssLocator(locator string) string {
	if isSelector(locator) {
		return locator
	}
	return fmt.Sprintf(`input[name=%q]`, locator)
}

func (e *BrowserEngine) sessionCookies(ctx context.Context) ([]*http.Cookie, error) {
	var raw []*network.Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	cookies := make([]*http.Cookie, 0, len(raw))
	for _, c := range raw {
		cookie := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			cookie.Expires = time.Unix(int64(c.Expires), 0)
		}
		cookies = append(cookies, cookie)
	}
	return cookies, nil
}

// Session snapshots the browser's cookies as a reusable handle.
func (e *BrowserEngine) Session() SessionHandle {
	e.mu.Lock()
	browserCtx := e.browserCtx
	closed := e.closed
	e.mu.Unlock()
	if closed || browserCtx == nil {
		return &BrowserSession{Jar: e.pending}
	}
	cookies, err := e.sessionCookies(browserCtx)
	if err != nil {
		e.logger.Warn("session snapshot failed", zap.Error(err))
		return &BrowserSession{}
	}
	return &BrowserSession{Jar: cookies}
}

// RestoreSession installs a cookie snapshot into the browser. Snapshots
// from the lightweight transport are accepted: cookies carry over.
func (e *BrowserEngine) RestoreSession(handle SessionHandle) error {
	if handle == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if !e.initialized {
		e.pending = handle.Cookies()
		return nil
	}
	return e.installCookiesLocked(context.Background(), handle.Cookies())
}

func (e *BrowserEngine) installCookiesLocked(ctx context.Context, cookies []*http.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if param.Domain == "" && e.cfg.BaseURL != "" {
			param.URL = e.cfg.BaseURL
		}
		if !c.Expires.IsZero() {
			expires := cdp.TimeSinceEpoch(c.Expires)
			param.Expires = &expires
		}
		params = append(params, param)
	}
	err := chromedp.Run(e.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return storage.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("restore session cookies: %w", err)
	}
	return nil
}

// Close shuts the browser process down. Safe when never initialized and
// safe to call twice.
func (e *BrowserEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.browserStop != nil {
		e.browserStop()
	}
	if e.allocCancel != nil {
		e.allocCancel()
	}
	e.browserCtx = nil
	return nil
}
