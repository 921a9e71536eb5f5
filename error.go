package llmtap

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUpstreamUnreachable is returned when the upstream (or a CONNECT
// authority) cannot be dialed or does not answer.
var ErrUpstreamUnreachable = errors.New("upstream unreachable")

// HTTPError is an error that wraps an HTTP status code.
type HTTPError struct {
	status  int
	message string
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(status int, message string) error {
	return &HTTPError{status, message}
}

// Status returns the HTTP status code.
func (h *HTTPError) Status() int {
	if h.status == 0 {
		return http.StatusInternalServerError
	}

	return h.status
}

// Error returns the error message.
func (h *HTTPError) Error() string {
	return h.message
}

// BindError reports a listener that could not be opened. It is fatal.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}
