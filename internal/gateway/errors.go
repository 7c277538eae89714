package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized marks a 401 from the API: an expired or revoked token.
// Callers match it with errors.Is and route the user back through login.
var ErrUnauthorized = errors.New("unauthorized")

// Error is a non-2xx response from the school API.
type Error struct {
	Op     string
	Status int
	Body   string
}

func (e *Error) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("school api %s: status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("school api %s: status %d", e.Op, e.Status)
}

// Unwrap surfaces ErrUnauthorized for 401 responses.
func (e *Error) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}
