package gateway

import (
	"errors"
	"fmt"
)

// ErrGatewayUnavailable wraps transport failures, timeouts and 5xx answers.
// Callers leave local state untouched and retry later.
var ErrGatewayUnavailable = errors.New("gateway unavailable")

// ErrNotConfigured is returned when the gateway credentials are missing.
var ErrNotConfigured = errors.New("gateway not configured")

// RejectedError is a definitive 4xx answer from the gateway. Body carries
// the provider's error payload verbatim so operators see exactly what the
// gateway said.
type RejectedError struct {
	StatusCode int
	Body       []byte
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway rejected request: status %d: %s", e.StatusCode, string(e.Body))
}

// AsRejected unwraps a RejectedError if err carries one.
func AsRejected(err error) (*RejectedError, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected, true
	}
	return nil, false
}
