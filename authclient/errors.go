package authclient

import (
	"errors"
	"net/http"

	"github.com/go-authgate/session-cli/transport"
)

// ErrCSRFTokenMissing indicates the token fetch succeeded but left no token behind.
var ErrCSRFTokenMissing = errors.New("csrf token unavailable after fetch")

// TokenFetchError aborts a mutating request whose CSRF token could not be obtained.
type TokenFetchError struct {
	Err error
}

func (e *TokenFetchError) Error() string {
	return "csrf token fetch failed: " + e.Err.Error()
}

func (e *TokenFetchError) Unwrap() error { return e.Err }

// RefreshError is returned to the request that triggered a refresh when the
// refresh itself fails.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return "session refresh failed: " + e.Err.Error()
}

func (e *RefreshError) Unwrap() error { return e.Err }

// IsUnauthorized reports whether err carries a 401 response.
func IsUnauthorized(err error) bool {
	return transport.StatusCode(err) == http.StatusUnauthorized
}

// IsForbidden reports whether err carries a 403 response.
func IsForbidden(err error) bool {
	return transport.StatusCode(err) == http.StatusForbidden
}
