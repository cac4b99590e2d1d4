// Package session drives login flows and decides whether they worked.
// Verification is phrase-based: the settled post-login page is scanned
// for configured failure and success markers, with failure markers
// taking precedence. Sites with richer needs plug in a Verifier.
package session

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/scrapecore/scrapecore/internal/creds"
	"github.com/scrapecore/scrapecore/internal/engine"
	"github.com/scrapecore/scrapecore/internal/telemetry"
)

// AuthenticationError reports a login that did not produce an
// authenticated session, whether the submission was rejected or the
// underlying fetch failed.
type AuthenticationError struct {
	Site   string
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed for %s: %s: %v", e.Site, e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed for %s: %s", e.Site, e.Reason)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// Verifier overrides phrase-based verification for one site.
type Verifier interface {
	// VerifyLogin inspects the settled post-login page. ok=false with a
	// nil error means the login was rejected.
	VerifyLogin(page engine.Result) (ok bool, reason string, err error)
}

// Site describes how one site logs in and how success is recognized.
type Site struct {
	// Label keys the credential lookup, conventionally the site host.
	Label string
	// LoginURL may be relative to the engine's base authority.
	LoginURL string
	// Fields maps the logical names username, password and optionally
	// submit to site-specific locators.
	Fields map[string]string
	// SuccessPhrases mark an authenticated page.
	SuccessPhrases []string
	// FailurePhrases mark a rejected login and win over success marks.
	FailurePhrases []string
	// Verifier, when set, replaces phrase matching entirely.
	Verifier Verifier
}

// Negotiator resolves credentials and drives logins through an engine.
type Negotiator struct {
	store  *creds.Store
	logger *zap.Logger
}

// New builds a Negotiator.
func New(store *creds.Store, logger *zap.Logger) *Negotiator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Negotiator{store: store, logger: logger}
}

// Login resolves credentials for the site, submits them through the
// engine's transport and verifies the outcome. On success the engine
// holds the authenticated state and the captured handle is returned.
func (n *Negotiator) Login(ctx context.Context, eng engine.Engine, site Site) (engine.SessionHandle, error) {
	c, err := n.store.Resolve(ctx, site.Label)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	result, err := eng.SubmitLogin(ctx, engine.LoginForm{
		URL:    site.LoginURL,
		Fields: site.Fields,
		Values: map[string]string{
			"username": c.Username,
			"password": c.Password,
		},
	})
	if err != nil {
		telemetry.ObserveLogin("error")
		return nil, &AuthenticationError{Site: site.Label, Reason: "login submission failed", Err: err}
	}

	ok, reason, err := n.verify(site, result)
	if err != nil {
		telemetry.ObserveLogin("error")
		return nil, err
	}
	if !ok {
		telemetry.ObserveLogin("rejected")
		n.logger.Warn("login rejected",
			zap.String("site", site.Label),
			zap.String("reason", reason),
			zap.String("final_url", result.FinalURL),
		)
		return nil, &AuthenticationError{Site: site.Label, Reason: reason}
	}

	telemetry.ObserveLogin("success")
	n.logger.Info("login verified",
		zap.String("site", site.Label),
		zap.String("final_url", result.FinalURL),
	)
	return eng.Session(), nil
}

// Resume restores a previously captured handle and probes probeURL to
// confirm the session is still authenticated. An empty probeURL trusts
// the handle.
func (n *Negotiator) Resume(ctx context.Context, eng engine.Engine, site Site, handle engine.SessionHandle, probeURL string) error {
	if handle == nil || !handle.Valid() {
		return &AuthenticationError{Site: site.Label, Reason: "no session to resume"}
	}
	if err := eng.RestoreSession(handle); err != nil {
		return fmt.Errorf("restore session for %s: %w", site.Label, err)
	}
	if probeURL == "" {
		return nil
	}

	result, err := eng.Fetch(ctx, engine.Request{URL: probeURL})
	if err != nil {
		return fmt.Errorf("probe restored session for %s: %w", site.Label, err)
	}
	ok, reason, err := n.verify(site, result)
	if err != nil {
		return err
	}
	if !ok {
		return &AuthenticationError{Site: site.Label, Reason: "restored session expired: " + reason}
	}
	return nil
}

func (n *Negotiator) verify(site Site, result engine.Result) (bool, string, error) {
	if site.Verifier != nil {
		return site.Verifier.VerifyLogin(result)
	}
	ok, reason := classify(result.Text(), site.SuccessPhrases, site.FailurePhrases)
	return ok, reason, nil
}

// classify scans the page for markers, case-insensitively. A failure
// marker rejects the page even when a success marker is also present; a
// page with neither marker counts as success.
func classify(page string, success, failure []string) (bool, string) {
	lowered := strings.ToLower(page)
	for _, phrase := range failure {
		if phrase != "" && strings.Contains(lowered, strings.ToLower(phrase)) {
			return false, fmt.Sprintf("failure marker %q present", phrase)
		}
	}
	for _, phrase := range success {
		if phrase != "" && strings.Contains(lowered, strings.ToLower(phrase)) {
			return true, ""
		}
	}
	return true, ""
}
