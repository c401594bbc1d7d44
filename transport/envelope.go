package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// Envelope carries one caller request through the pipeline.
//
// The wrapped request is treated as a template: hooks mutate it (headers),
// and every send goes out as a fresh clone so a Doer that decorates the
// request it receives (cookie jars do) never leaks state into a replay.
type Envelope struct {
	Request *http.Request

	// Retried is set once the envelope has been resubmitted after a refresh.
	Retried bool

	body       []byte
	dispatched func()
}

// NewEnvelope wraps req, buffering its body so it can be sent more than once.
func NewEnvelope(req *http.Request) (*Envelope, error) {
	env := &Envelope{Request: req}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if req.Body == nil || req.Body == http.NoBody {
		return env, nil
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}
	env.body = data
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.ContentLength = int64(len(data))
	return env, nil
}

// Context returns the caller's request context.
func (e *Envelope) Context() context.Context {
	return e.Request.Context()
}

// Outgoing returns a fresh copy of the request ready to hand to a Doer.
func (e *Envelope) Outgoing() *http.Request {
	out := e.Request.Clone(e.Request.Context())
	if e.body != nil {
		out.Body = io.NopCloser(bytes.NewReader(e.body))
		out.ContentLength = int64(len(e.body))
	}
	return out
}

// OnDispatch registers fn to run once, immediately before the next send
// hands this envelope to the Doer. Request hooks have all run by then.
func (e *Envelope) OnDispatch(fn func()) {
	e.dispatched = fn
}

func (e *Envelope) dispatch() {
	if fn := e.dispatched; fn != nil {
		e.dispatched = nil
		fn()
	}
}

// String renders "METHOD URL" for logs and error messages.
func (e *Envelope) String() string {
	return e.Request.Method + " " + e.Request.URL.String()
}
