package oauth

import (
	"fmt"
	"net/http"
)

// HTTPError is returned when a boundary endpoint responds with a non-2xx
// status. It preserves the upstream status and body so callers can make
// policy decisions (e.g. clearing a session only on 400/401 refresh
// rejections).
type HTTPError struct {
	// Endpoint is a short label for the boundary that failed, e.g. "token".
	Endpoint string

	// Status is the upstream HTTP status code.
	Status int

	// Body is the raw upstream response body.
	Body string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s request failed with status %d: %s", e.Endpoint, e.Status, e.Body)
}

// IsAuthRejection reports whether the upstream response was an explicit
// authentication rejection (400 or 401) rather than a transient failure.
// Refresh tokens are not retried past an authentication rejection.
func (e *HTTPError) IsAuthRejection() bool {
	return e.Status == http.StatusBadRequest || e.Status == http.StatusUnauthorized
}
