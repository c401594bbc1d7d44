package authclient

import "context"

// Session is the authentication state the pipeline consults and drives.
// Implementations must be safe for concurrent use.
type Session interface {
	// CSRFToken returns the current anti-forgery token, or "" if none is known.
	CSRFToken() string

	// FetchCSRFToken obtains a token from the backend; on success CSRFToken
	// returns it.
	FetchCSRFToken(ctx context.Context) error

	// InvalidateSession tears down authentication state. Callers treat it as
	// best effort.
	InvalidateSession(ctx context.Context) error

	// Refresh renews the access credential. The renewed credential travels
	// with the transport (cookies), not through this interface.
	Refresh(ctx context.Context) error
}
