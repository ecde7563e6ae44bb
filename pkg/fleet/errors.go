package fleet

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/poncho/poncho/pkg/engine"
)

// APIError is a non-2xx response from the compute or identity API.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
}

// Temporary reports whether the request may succeed later: server errors
// and throttling.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Conflict reports a 409, which the compute API returns while an instance
// is busy with another task.
func (e *APIError) Conflict() bool {
	return e.StatusCode == http.StatusConflict
}

// Throttled reports a 429.
func (e *APIError) Throttled() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// NotFound reports a 404.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// classify gives API failures the engine class the poller acts on. Busy
// resources and throttling are retried on a later step instead of marking
// the event stuck.
func classify(op string, err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.Conflict():
		return engine.NewConflictError("compute API reported a conflict", err).WithOperation(op)
	case apiErr.Throttled():
		return engine.NewThrottledError("compute API is throttling requests", err).WithOperation(op)
	}
	return err
}
