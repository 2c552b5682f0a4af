package twitter

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNoToken is returned when no OAuth2 user token has been installed yet.
var ErrNoToken = errors.New("no access token installed, complete /auth first")

// APIError is a non-2xx response from the platform API.
type APIError struct {
	StatusCode int
	Title      string
	Detail     string
	Endpoint   string
}

func (e *APIError) Error() string {
	msg := e.Title
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("twitter API %s: HTTP %d: %s", e.Endpoint, e.StatusCode, msg)
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsAuthError reports whether err means the bot's credentials were rejected.
// Such errors affect every request, so callers treat them as systemic.
func IsAuthError(err error) bool {
	if errors.Is(err, ErrNoToken) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// IsNotFound reports whether err is a 404 from the platform API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrNoToken) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var decodeErr *decodeError
	if errors.As(err, &decodeErr) {
		return false
	}
	// Network errors (no API response) are generally retryable
	return true
}

// isRetryableCreate is the policy for requests that create posts. Only failures
// where the platform cannot have created anything are repeated: rate limiting
// and connections that were never established.
func isRetryableCreate(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

type decodeError struct {
	err error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("decode response: %v", e.err)
}

func (e *decodeError) Unwrap() error {
	return e.err
}
