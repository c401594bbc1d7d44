package authclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-authgate/session-cli/transport"
)

const (
	refreshTimeout    = 10 * time.Second
	invalidateTimeout = 5 * time.Second
)

type refreshState int

const (
	stateIdle refreshState = iota
	stateRefreshing
)

// pending is a request parked until the in-flight refresh settles.
type pending struct {
	env *transport.Envelope
	err error // the 401 that parked it

	release chan bool     // true: resubmit, false: fail with err
	started chan struct{} // closed once the waiter's replay is handed to the Doer, or it gave up
}

// Coordinator turns 401 responses into a single refresh and replays every
// request that failed while it was in flight. 403 responses tear the session
// down instead.
type Coordinator struct {
	session  Session
	observer Observer
	timeout  time.Duration

	mu    sync.Mutex
	state refreshState
	queue []*pending
}

// NewCoordinator returns an idle coordinator. A nil observer is allowed.
func NewCoordinator(session Session, observer Observer) *Coordinator {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Coordinator{
		session:  session,
		observer: observer,
		timeout:  refreshTimeout,
	}
}

// Refreshing reports whether a refresh is in flight.
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateRefreshing
}

// Pending reports how many requests wait on the current refresh.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// AfterReceive implements transport.ResponseHook.
func (c *Coordinator) AfterReceive(
	ctx context.Context,
	env *transport.Envelope,
	resp *http.Response,
	err error,
	resend transport.Sender,
) (*http.Response, error) {
	if err == nil {
		return resp, nil
	}

	var se *transport.StatusError
	if !errors.As(err, &se) {
		return resp, err
	}

	if se.StatusCode == http.StatusForbidden {
		c.invalidate(ctx, env)
		return resp, err
	}
	if se.StatusCode != http.StatusUnauthorized || env.Retried {
		return resp, err
	}

	c.mu.Lock()
	if c.state == stateRefreshing {
		p := &pending{
			env:     env,
			err:     err,
			release: make(chan bool, 1),
			started: make(chan struct{}),
		}
		c.queue = append(c.queue, p)
		depth := len(c.queue)
		c.mu.Unlock()

		PendingRequests.Inc()
		log.Debug().Str("request", env.String()).Int("queued", depth).Msg("waiting on refresh")
		c.observer.Queued(env.Request, depth)
		return c.await(ctx, p, resend)
	}
	env.Retried = true
	c.state = stateRefreshing
	c.mu.Unlock()

	log.Debug().Str("request", env.String()).Msg("access expired, refreshing session")
	c.observer.AccessExpired(env.Request)

	refreshErr := c.refresh(ctx)

	// Drain and go idle in one step: a 401 landing after this point starts
	// a new refresh rather than joining a queue nobody will release.
	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.state = stateIdle
	c.mu.Unlock()

	proceed := refreshErr == nil
	for _, p := range queue {
		p.release <- proceed
		<-p.started
	}

	if !proceed {
		log.Info().Err(refreshErr).Int("released", len(queue)).Msg("session refresh failed")
		c.observer.RefreshFailed(refreshErr, len(queue))
		return nil, &RefreshError{Err: refreshErr}
	}

	log.Info().Int("released", len(queue)).Msg("session refreshed")
	c.observer.RefreshSucceeded(len(queue))
	c.observer.Replaying(env.Request)
	return resend.Send(ctx, env)
}

// await parks a request until the refresh settles or its own context ends.
func (c *Coordinator) await(
	ctx context.Context,
	p *pending,
	resend transport.Sender,
) (*http.Response, error) {
	select {
	case proceed := <-p.release:
		PendingRequests.Dec()
		if !proceed {
			ReplaysTotal.WithLabelValues("abort").Inc()
			close(p.started)
			return nil, p.err
		}
		ReplaysTotal.WithLabelValues("proceed").Inc()
		p.env.Retried = true
		c.observer.Replaying(p.env.Request)

		// The next waiter is held back until this one reaches the Doer, or
		// until its send ends early in a request hook.
		ack := sync.OnceFunc(func() { close(p.started) })
		p.env.OnDispatch(ack)
		resp, err := resend.Send(ctx, p.env)
		ack()
		return resp, err

	case <-ctx.Done():
		PendingRequests.Dec()
		close(p.started)
		return nil, fmt.Errorf("%s: waiting for session refresh: %w", p.env, ctx.Err())
	}
}

func (c *Coordinator) refresh(ctx context.Context) error {
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	start := time.Now()
	err := c.session.Refresh(refreshCtx)
	RefreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		RefreshTotal.WithLabelValues("failure").Inc()
		return err
	}
	RefreshTotal.WithLabelValues("success").Inc()
	return nil
}

func (c *Coordinator) invalidate(ctx context.Context, env *transport.Envelope) {
	SessionInvalidations.Inc()

	invCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	defer cancel()

	err := c.session.InvalidateSession(invCtx)
	if err != nil {
		log.Warn().Err(err).Str("request", env.String()).Msg("session invalidation failed")
	} else {
		log.Debug().Str("request", env.String()).Msg("session invalidated after forbidden response")
	}
	c.observer.SessionInvalidated(err)
}
