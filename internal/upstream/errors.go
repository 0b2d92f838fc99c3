package upstream

import (
	"fmt"
	"net/http"

	"example.com/trainingsync/internal/domain"
)

// APIError is a non-success upstream response.
type APIError struct {
	StatusCode int
	Endpoint   string
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// Unwrap exposes the domain classification of the status code.
func (e *APIError) Unwrap() error { return e.kind }

func newAPIError(status int, endpoint, message string) *APIError {
	e := &APIError{StatusCode: status, Endpoint: endpoint, Message: message}
	switch {
	case status == http.StatusUnauthorized:
		e.kind = domain.ErrAuthExpired
	case status == http.StatusTooManyRequests:
		e.kind = domain.ErrRateLimited
	case status == http.StatusNotFound:
		e.kind = domain.ErrNotFound
	case status >= 500:
		e.kind = domain.ErrUpstreamUnavailable
	}
	return e
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
