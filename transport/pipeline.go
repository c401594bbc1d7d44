// Package transport sends requests through an ordered chain of pre-send and
// post-receive hooks on top of any Doer.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Doer sends a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sender resubmits an envelope through the complete pipeline.
type Sender interface {
	Send(ctx context.Context, env *Envelope) (*http.Response, error)
}

// RequestHook runs before a request is handed to the Doer. Returning an
// error aborts the request; nothing is sent.
type RequestHook interface {
	BeforeSend(ctx context.Context, env *Envelope) error
}

// ResponseHook sees the outcome of a send. It may pass it through, replace
// it, or resubmit the envelope via resend. A resubmission runs every response
// hook on its own outcome, so hooks after one that resent are skipped.
type ResponseHook interface {
	AfterReceive(
		ctx context.Context,
		env *Envelope,
		resp *http.Response,
		err error,
		resend Sender,
	) (*http.Response, error)
}

// RequestHookFunc adapts a function to RequestHook.
type RequestHookFunc func(ctx context.Context, env *Envelope) error

func (f RequestHookFunc) BeforeSend(ctx context.Context, env *Envelope) error {
	return f(ctx, env)
}

// ResponseHookFunc adapts a function to ResponseHook.
type ResponseHookFunc func(
	ctx context.Context,
	env *Envelope,
	resp *http.Response,
	err error,
	resend Sender,
) (*http.Response, error)

func (f ResponseHookFunc) AfterReceive(
	ctx context.Context,
	env *Envelope,
	resp *http.Response,
	err error,
	resend Sender,
) (*http.Response, error) {
	return f(ctx, env, resp, err, resend)
}

// Pipeline is a Doer that runs registered hooks around an underlying Doer.
type Pipeline struct {
	doer Doer

	mu       sync.RWMutex
	requests []RequestHook
	replies  []ResponseHook
}

// NewPipeline wraps doer. A nil doer falls back to http.DefaultClient.
func NewPipeline(doer Doer) *Pipeline {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Pipeline{doer: doer}
}

// UseRequest appends pre-send hooks; they run in registration order.
func (p *Pipeline) UseRequest(hooks ...RequestHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, hooks...)
}

// UseResponse appends post-receive hooks; they run in registration order.
func (p *Pipeline) UseResponse(hooks ...ResponseHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, hooks...)
}

// HookCount reports how many request and response hooks are registered.
func (p *Pipeline) HookCount() (requests, responses int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.requests), len(p.replies)
}

// Do wraps req in a fresh envelope and sends it.
func (p *Pipeline) Do(req *http.Request) (*http.Response, error) {
	env, err := NewEnvelope(req)
	if err != nil {
		return nil, err
	}
	return p.Send(req.Context(), env)
}

// Send runs the envelope through every hook and the Doer. Non-2xx responses
// come back as *StatusError with a nil response; transport failures are
// returned exactly as the Doer reported them.
func (p *Pipeline) Send(ctx context.Context, env *Envelope) (*http.Response, error) {
	p.mu.RLock()
	requests := p.requests
	replies := p.replies
	p.mu.RUnlock()

	for _, hook := range requests {
		if err := hook.BeforeSend(ctx, env); err != nil {
			return nil, err
		}
	}

	resp, err := p.roundTrip(env)
	for _, hook := range replies {
		r := &resender{pipeline: p}
		resp, err = hook.AfterReceive(ctx, env, resp, err, r)
		if r.used {
			// The nested Send already ran every response hook on the
			// replayed outcome.
			break
		}
	}
	return resp, err
}

func (p *Pipeline) roundTrip(env *Envelope) (*http.Response, error) {
	out := env.Outgoing()
	env.dispatch()
	resp, err := p.doer.Do(out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", env, readErr)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return nil, &StatusError{
		Method:     env.Request.Method,
		URL:        env.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Response:   resp,
	}
}

// resender records whether a response hook resubmitted the envelope.
type resender struct {
	pipeline *Pipeline
	used     bool
}

func (r *resender) Send(ctx context.Context, env *Envelope) (*http.Response, error) {
	r.used = true
	return r.pipeline.Send(ctx, env)
}
