package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine is closed")

// NetworkError wraps connection, DNS and TLS failures.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPStatusError reports a non-2xx response. The raw status is
// preserved for the caller.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("fetching %s returned HTTP %d", e.URL, e.StatusCode)
}

// TimeoutError reports an expired fetch deadline.
type TimeoutError struct {
	URL string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout fetching %s: %v", e.URL, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// classifyError turns a raw transport error into its outcome class and
// the typed error surfaced to the caller.
func classifyError(url string, err error) (Class, error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout, &TimeoutError{URL: url, Err: err}
	case errors.Is(err, context.Canceled):
		return ClassCanceled, fmt.Errorf("fetch %s canceled: %w", url, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout, &TimeoutError{URL: url, Err: err}
	}
	return ClassNetwork, &NetworkError{URL: url, Err: err}
}
