package engine

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveURL(t *testing.T) {
	base, err := url.Parse("https://example.com/app")
	require.NoError(t, err)

	full, err := resolveURL(base, "/list", url.Values{"page": {"2"}})
	require.NoError(t, err)
	require.Equal(t, "https://example.com/list?page=2", full.String())

	full, err = resolveURL(base, "https://other.example.org/x", nil)
	require.NoError(t, err)
	require.Equal(t, "https://other.example.org/x", full.String())
}

func TestResolveURLRelativeWithoutBase(t *testing.T) {
	_, err := resolveURL(nil, "/list", nil)
	require.Error(t, err)
}

func TestTargetOf(t *testing.T) {
	u, err := url.Parse("https://example.com:8443/list?page=2")
	require.NoError(t, err)
	require.Equal(t, "https://example.com:8443", TargetOf(u))
}

func TestClassifyStatus(t *testing.T) {
	require.Equal(t, ClassSuccess, classifyStatus(200))
	require.Equal(t, ClassSuccess, classifyStatus(204))
	require.Equal(t, ClassClientError, classifyStatus(404))
	require.Equal(t, ClassClientError, classifyStatus(429))
	require.Equal(t, ClassServerError, classifyStatus(503))
}

func TestClassifyError(t *testing.T) {
	class, typed := classifyError("https://example.com", context.DeadlineExceeded)
	require.Equal(t, ClassTimeout, class)
	var te *TimeoutError
	require.ErrorAs(t, typed, &te)

	class, _ = classifyError("https://example.com", context.Canceled)
	require.Equal(t, ClassCanceled, class)

	class, typed = classifyError("https://example.com", errors.New("connection refused"))
	require.Equal(t, ClassNetwork, class)
	var ne *NetworkError
	require.ErrorAs(t, typed, &ne)
}

func TestUserAgentPool(t *testing.T) {
	fixed := newUserAgentPool("custom-agent", false)
	require.Equal(t, "custom-agent", fixed.next())
	require.Equal(t, "custom-agent", fixed.next())

	rotating := newUserAgentPool("", true)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		agent := rotating.next()
		require.NotEmpty(t, agent)
		seen[agent] = true
	}
	require.Greater(t, len(seen), 1)
}

func TestParseLoginForm(t *testing.T) {
	page := []byte(`<html><body>
		<form action="/do-login" method="post">
			<input type="hidden" name="csrf_token" value="tok-123"/>
			<input type="text" name="user"/>
			<input type="password" name="pass"/>
		</form>
	</body></html>`)

	state, err := parseLoginForm(page, "https://example.com/login", "user")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/do-login", state.Action)
	require.Equal(t, map[string]string{"csrf_token": "tok-123"}, state.Hidden)
}

func TestParseLoginFormSelectorLocator(t *testing.T) {
	page := []byte(`<html><body>
		<form action="auth">
			<input type="hidden" name="state" value="abc"/>
			<input id="email" name="login_email"/>
		</form>
	</body></html>`)

	state, err := parseLoginForm(page, "https://example.com/accounts/login", "#email")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/accounts/auth", state.Action)
	require.Equal(t, "abc", state.Hidden["state"])

	require.Equal(t, "login_email", fieldName(page, "#email"))
	require.Equal(t, "plain_name", fieldName(page, "plain_name"))
}

func TestParseLoginFormNoForm(t *testing.T) {
	state, err := parseLoginForm([]byte("<html><body>nothing</body></html>"), "https://example.com", "user")
	require.NoError(t, err)
	require.Empty(t, state.Action)
	require.Empty(t, state.Hidden)
}

func TestMergeHeaders(t *testing.T) {
	base := http.Header{"Accept-Language": {"en-US"}, "X-Probe": {"base"}}
	extra := http.Header{"X-Probe": {"override"}}
	merged := mergeHeaders(base, extra)
	require.Equal(t, "en-US", merged.Get("Accept-Language"))
	require.Equal(t, "override", merged.Get("X-Probe"))
	require.Nil(t, mergeHeaders(nil, nil))
}

func TestSessionHandles(t *testing.T) {
	cookie := &http.Cookie{Name: "sid", Value: "abc"}

	var h SessionHandle = &CookieSession{Jar: []*http.Cookie{cookie}}
	require.Equal(t, TransportHTTP, h.Transport())
	require.True(t, h.Valid())
	require.Len(t, h.Cookies(), 1)

	h = &BrowserSession{}
	require.Equal(t, TransportBrowser, h.Transport())
	require.False(t, h.Valid())
}

func TestConfigTimeout(t *testing.T) {
	var cfg Config
	require.Equal(t, DefaultTimeout, cfg.timeout(0))
	cfg.Timeout = 5 * time.Second
	require.Equal(t, 5*time.Second, cfg.timeout(0))
	require.Equal(t, time.Second, cfg.timeout(time.Second))
}

func TestNewUnknownTransport(t *testing.T) {
	_, err := New(Transport("carrier-pigeon"), Config{}, nil, nil)
	require.Error(t, err)
}
