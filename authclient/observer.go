package authclient

import "net/http"

// Observer receives refresh lifecycle events. Calls happen on request
// goroutines and must not block.
type Observer interface {
	// AccessExpired fires when a 401 starts a refresh.
	AccessExpired(req *http.Request)
	// Queued fires when a 401 arrives during a refresh; depth counts waiters.
	Queued(req *http.Request, depth int)
	RefreshSucceeded(released int)
	RefreshFailed(err error, released int)
	// Replaying fires right before a request is resubmitted.
	Replaying(req *http.Request)
	SessionInvalidated(err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) AccessExpired(*http.Request) {}
func (NopObserver) Queued(*http.Request, int)   {}
func (NopObserver) RefreshSucceeded(int)        {}
func (NopObserver) RefreshFailed(error, int)    {}
func (NopObserver) Replaying(*http.Request)     {}
func (NopObserver) SessionInvalidated(error)    {}
