package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgSessionFound signals that saved cookies were restored from disk.
type MsgSessionFound struct{ Path string }

// MsgSessionNotFound signals that no saved session exists (starting fresh).
type MsgSessionNotFound struct{}

// MsgProfileLoaded signals that the current user is known.
type MsgProfileLoaded struct{ Login string }

// MsgAnonymous signals that the profile could not be loaded.
type MsgAnonymous struct{ Err error }

// MsgLoggingIn signals that a login request is in progress.
type MsgLoggingIn struct{ Login string }

// MsgLoginOK signals that login succeeded.
type MsgLoginOK struct{}

// MsgLoginFailed signals that login failed.
type MsgLoginFailed struct{ Err error }

// MsgAccessExpired signals that a 401 started a session refresh.
type MsgAccessExpired struct{ Target string }

// MsgQueued signals that a request is waiting on the running refresh.
type MsgQueued struct {
	Target string
	Depth  int
}

// MsgRefreshOK signals that the session was refreshed.
type MsgRefreshOK struct{ Released int }

// MsgRefreshFailed signals that the session refresh failed.
type MsgRefreshFailed struct {
	Err      error
	Released int
}

// MsgReplaying signals that a request is being resent after a refresh.
type MsgReplaying struct{ Target string }

// MsgSessionInvalidated signals that a 403 tore the session down.
type MsgSessionInvalidated struct{ Err error }

// MsgRequestOK signals that a request completed.
type MsgRequestOK struct {
	Target  string
	Status  int
	Elapsed time.Duration
}

// MsgRequestFailed signals that a request failed.
type MsgRequestFailed struct {
	Target string
	Err    error
}

// MsgSessionSaved signals that cookies were saved to disk.
type MsgSessionSaved struct{ Path string }

// MsgSessionSaveFailed signals that saving cookies failed.
type MsgSessionSaveFailed struct{ Err error }

// MsgDone signals completion of the run.
type MsgDone struct{ Summary Summary }

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }
