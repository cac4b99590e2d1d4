package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrapecore/scrapecore/internal/ratelimit"
)

// passthroughController admits immediately: no base delay, wide cap.
func passthroughController(t *testing.T) *ratelimit.Controller {
	t.Helper()
	return ratelimit.New(ratelimit.Config{Concurrency: 8}, nil)
}

func newTestHTTPEngine(t *testing.T, baseURL string) *HTTPEngine {
	t.Helper()
	e, err := NewHTTP(Config{BaseURL: baseURL, Timeout: 5 * time.Second}, passthroughController(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestHTTPEngineFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><h1>hello</h1></body></html>")
	}))
	defer srv.Close()

	e := newTestHTTPEngine(t, srv.URL)
	result, err := e.Fetch(context.Background(), Request{URL: "/page"})
	require.NoError(t, err)
	require.Equal(t, ClassSuccess, result.Class)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Contains(t, result.Text(), "hello")
	require.NotEmpty(t, result.Cookies)
	require.Equal(t, "sid", result.Cookies[0].Name)
	require.Positive(t, result.Duration)
}

func TestHTTPEngineFetchClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	e := newTestHTTPEngine(t, srv.URL)
	result, err := e.Fetch(context.Background(), Request{URL: "/missing"})
	require.Error(t, err)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	require.Equal(t, ClassClientError, result.Class)
	require.Equal(t, http.StatusNotFound, result.StatusCode)
}

func TestHTTPEngineFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := newTestHTTPEngine(t, srv.URL)
	result, err := e.Fetch(context.Background(), Request{URL: "/"})
	require.Error(t, err)
	require.Equal(t, ClassServerError, result.Class)
}

func TestHTTPEngineFetchNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead := srv.URL
	srv.Close()

	e := newTestHTTPEngine(t, dead)
	result, err := e.Fetch(context.Background(), Request{URL: "/"})
	require.Error(t, err)
	require.Contains(t, []Class{ClassNetwork, ClassTimeout}, result.Class)
}

func TestHTTPEngineQueryAndHeaders(t *testing.T) {
	var gotQuery, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("page")
		gotHeader = r.Header.Get("X-Probe")
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	e := newTestHTTPEngine(t, srv.URL)
	_, err := e.Fetch(context.Background(), Request{
		URL:     "/list",
		Query:   map[string][]string{"page": {"3"}},
		Headers: http.Header{"X-Probe": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, "3", gotQuery)
	require.Equal(t, "yes", gotHeader)
}

func TestHTTPEngineSessionRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/grant", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "session-1", Path: "/"})
		fmt.Fprint(w, "granted")
	})
	var echoed string
	mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err == nil {
			echoed = c.Value
		}
		fmt.Fprint(w, "checked")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	first := newTestHTTPEngine(t, srv.URL)
	_, err := first.Fetch(context.Background(), Request{URL: "/grant"})
	require.NoError(t, err)

	handle := first.Session()
	require.Equal(t, TransportHTTP, handle.Transport())
	require.True(t, handle.Valid())

	second := newTestHTTPEngine(t, srv.URL)
	require.NoError(t, second.RestoreSession(handle))
	_, err = second.Fetch(context.Background(), Request{URL: "/check"})
	require.NoError(t, err)
	require.Equal(t, "session-1", echoed)
}

func TestHTTPEngineRestoreRejectsOtherTransport(t *testing.T) {
	e := newTestHTTPEngine(t, "https://example.com")
	err := e.RestoreSession(&BrowserSession{Jar: []*http.Cookie{{Name: "x", Value: "y"}}})
	require.Error(t, err)
}

func TestHTTPEngineSubmitLogin(t *testing.T) {
	var posted map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>
			<form action="/auth" method="post">
				<input type="hidden" name="csrf_token" value="tok-9"/>
				<input type="text" name="user"/>
				<input type="password" name="pass"/>
			</form>
		</body></html>`)
	})
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		posted = map[string]string{
			"csrf_token": r.PostFormValue("csrf_token"),
			"user":       r.PostFormValue("user"),
			"pass":       r.PostFormValue("pass"),
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "authed", Path: "/"})
		fmt.Fprint(w, "<html><body>Welcome back, alice</body></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := newTestHTTPEngine(t, srv.URL)
	result, err := e.SubmitLogin(context.Background(), LoginForm{
		URL:    "/login",
		Fields: map[string]string{"username": "user", "password": "pass"},
		Values: map[string]string{"username": "alice", "password": "s3cret"},
	})
	require.NoError(t, err)
	require.Equal(t, ClassSuccess, result.Class)
	require.Contains(t, result.Text(), "Welcome back")
	require.Equal(t, "tok-9", posted["csrf_token"])
	require.Equal(t, "alice", posted["user"])
	require.Equal(t, "s3cret", posted["pass"])
	require.True(t, e.Session().Valid())
}

func TestHTTPEngineCloseStopsFetches(t *testing.T) {
	e := newTestHTTPEngine(t, "https://example.com")
	require.NoError(t, e.Initialize(context.Background()))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Fetch(context.Background(), Request{URL: "/"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestHTTPEngineCancelDuringFetch(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	e := newTestHTTPEngine(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := e.Fetch(ctx, Request{URL: "/slow"})
	require.Error(t, err)
	require.Equal(t, ClassCanceled, result.Class)
}
