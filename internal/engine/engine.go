// Package engine implements the dual-transport page retrieval layer: a
// lightweight HTTP client backed by colly and a full browser backed by
// chromedp. Both present the same Engine interface; the transport is
// chosen at construction and fixed for the engine's lifetime.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/scrapecore/scrapecore/internal/ratelimit"
)

// Engine retrieves pages through exactly one transport. Implementations
// coordinate admission with the shared rate controller, reuse session
// state across fetches, and surface typed errors without retrying.
type Engine interface {
	// Initialize establishes the transport resource and restores any
	// previously captured session state. It is idempotent.
	Initialize(ctx context.Context) error
	// Fetch retrieves one page. It never retries; outcome reporting to
	// the rate controller happens on every path.
	Fetch(ctx context.Context, req Request) (Result, error)
	// SubmitLogin drives a login submission transport-specifically and
	// returns the settled response for verification.
	SubmitLogin(ctx context.Context, form LoginForm) (Result, error)
	// Session returns the current session handle snapshot.
	Session() SessionHandle
	// RestoreSession installs a previously captured handle of the same
	// transport.
	RestoreSession(handle SessionHandle) error
	// Close releases transport resources. Safe when never initialized
	// and safe to call twice.
	Close() error
}

// Transport identifies which retrieval strategy an engine (or a session
// handle) belongs to.
type Transport string

// Supported transports.
const (
	TransportHTTP    Transport = "http"
	TransportBrowser Transport = "browser"
)

// New builds the engine for the given transport. Callers hold the Engine
// interface; transport selection happens exactly once, here.
func New(transport Transport, cfg Config, limiter *ratelimit.Controller, logger *zap.Logger) (Engine, error) {
	switch transport {
	case TransportHTTP:
		return NewHTTP(cfg, limiter, logger)
	case TransportBrowser:
		return NewBrowser(cfg, limiter, logger)
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// Class is the outcome classification of a fetch.
type Class string

// Outcome classifications.
const (
	ClassSuccess     Class = "success"
	ClassClientError Class = "client_error"
	ClassServerError Class = "server_error"
	ClassTimeout     Class = "timeout"
	ClassNetwork     Class = "network_error"
	ClassCanceled    Class = "canceled"
)

// Request is a single page-retrieval intent.
type Request struct {
	// URL may be absolute or relative to the engine's base authority.
	URL string
	// Query parameters appended to the resolved URL.
	Query url.Values
	// Headers added to this request only.
	Headers http.Header
	// Timeout overrides the engine default when > 0.
	Timeout time.Duration
}

// Result is the immutable outcome of one Request.
type Result struct {
	FinalURL   string
	StatusCode int
	Class      Class
	Body       []byte
	// Cookies is the session-state delta visible after the fetch.
	Cookies  []*http.Cookie
	Duration time.Duration
}

// Text returns the body as a string for the extraction collaborator.
func (r Result) Text() string { return string(r.Body) }

// SessionHandle is an opaque carrier of authenticated state. Cookie
// snapshots are exposed so a handle captured by one engine instance can
// be restored into a fresh one of the same transport.
type SessionHandle interface {
	Transport() Transport
	Cookies() []*http.Cookie
	Valid() bool
}

// CookieSession is the lightweight transport's session handle.
type CookieSession struct {
	Jar []*http.Cookie
}

// Transport reports TransportHTTP.
func (s *CookieSession) Transport() Transport { return TransportHTTP }

// Cookies returns the captured cookie snapshot.
func (s *CookieSession) Cookies() []*http.Cookie { return s.Jar }

// Valid reports whether the handle carries any state.
func (s *CookieSession) Valid() bool { return s != nil && len(s.Jar) > 0 }

// BrowserSession is the browser transport's session handle. The browser
// context itself stays owned by the engine; the handle carries the
// serializable cookie state.
type BrowserSession struct {
	Jar []*http.Cookie
}

// Transport reports TransportBrowser.
func (s *BrowserSession) Transport() Transport { return TransportBrowser }

// Cookies returns the captured cookie snapshot.
func (s *BrowserSession) Cookies() []*http.Cookie { return s.Jar }

// Valid reports whether the handle carries any state.
func (s *BrowserSession) Valid() bool { return s != nil && len(s.Jar) > 0 }

// LoginForm describes a login submission: which logical fields map to
// which locators on the login page, and the values to submit.
type LoginForm struct {
	// URL of the login page.
	URL string
	// Fields maps logical names (username, password, submit) to
	// locators (CSS selectors) on the login page.
	Fields map[string]string
	// Values maps logical names to the values to enter.
	Values map[string]string
}

// ProxySettings describes an optional forward proxy.
type ProxySettings struct {
	Enabled  bool
	Server   string
	Username string
	Password string
}

// Config holds transport-independent engine settings.
type Config struct {
	// BaseURL is the authority relative request URLs resolve against.
	BaseURL string
	// UserAgent is sent on every request unless rotation is enabled.
	UserAgent string
	// RotateUserAgent draws a fresh agent per request from a fixed pool.
	RotateUserAgent bool
	// Headers are added to every request.
	Headers http.Header
	// Timeout bounds each fetch; defaults to 30s.
	Timeout time.Duration
	Proxy   ProxySettings
}

// DefaultTimeout bounds a fetch when neither the request nor the engine
// config sets one.
const DefaultTimeout = 30 * time.Second

func (c Config) timeout(override time.Duration) time.Duration {
	switch {
	case override > 0:
		return override
	case c.Timeout > 0:
		return c.Timeout
	default:
		return DefaultTimeout
	}
}

// resolveURL makes raw absolute against base and appends query params.
func resolveURL(base *url.URL, raw string, query url.Values) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", raw, err)
	}
	if !u.IsAbs() {
		if base == nil {
			return nil, fmt.Errorf("relative url %q without a base authority", raw)
		}
		u = base.ResolveReference(u)
	}
	if len(query) > 0 {
		q := u.Query()
		for key, values := range query {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

// TargetOf reduces a URL to its pacing identity: scheme plus host
// (including any explicit port).
func TargetOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// classifyStatus maps an HTTP status code to an outcome class.
func classifyStatus(code int) Class {
	switch {
	case code >= 500:
		return ClassServerError
	case code >= 400:
		return ClassClientError
	default:
		return ClassSuccess
	}
}

// mergeHeaders overlays per-request headers on the engine defaults.
func mergeHeaders(base, extra http.Header) http.Header {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(http.Header, len(base)+len(extra))
	for key, values := range base {
		for _, v := range values {
			merged.Add(key, v)
		}
	}
	for key, values := range extra {
		merged.Del(key)
		for _, v := range values {
			merged.Add(key, v)
		}
	}
	return merged
}
