// Package authclient wraps an HTTP transport with CSRF token attachment and
// single-flight session refresh.
//
// Mutating requests get an X-CSRF-Token header, fetched on demand. A 401
// triggers one refresh no matter how many requests fail at once; each of
// them is replayed exactly once after the refresh settles. A 403 tears the
// session down and is returned to the caller unchanged.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-authgate/session-cli/transport"
)

// Option customises a Client.
type Option func(*Client)

// WithBaseURL resolves relative paths passed to Get and PostJSON.
func WithBaseURL(raw string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(raw, "/")
	}
}

// WithObserver receives refresh lifecycle events.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// WithRequestHook adds a pre-send hook that runs after the CSRF stage.
func WithRequestHook(h transport.RequestHook) Option {
	return func(c *Client) {
		c.extra = append(c.extra, h)
	}
}

// WithSafeMethods overrides the methods sent without a CSRF token.
func WithSafeMethods(methods ...string) Option {
	return func(c *Client) {
		c.safeMethods = methods
	}
}

// WithCSRFHeader overrides the header name carrying the token.
func WithCSRFHeader(name string) Option {
	return func(c *Client) {
		c.csrfHeader = name
	}
}

// WithRefreshTimeout bounds each refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.refreshTimeout = d
	}
}

// Client is the composed pipeline. It has the same Do signature as the Doer
// it wraps, so callers need not know about the interception.
type Client struct {
	session  Session
	pipeline *transport.Pipeline

	baseURL        string
	observer       Observer
	extra          []transport.RequestHook
	safeMethods    []string
	csrfHeader     string
	refreshTimeout time.Duration

	csrf        *CSRFStage
	coordinator *Coordinator
	once        sync.Once
}

// New builds a client sending through doer on behalf of session. Hooks are
// registered on first Configure or Do.
func New(doer transport.Doer, session Session, opts ...Option) *Client {
	c := &Client{
		session:  session,
		pipeline: transport.NewPipeline(doer),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.csrf = NewCSRFStage(session, c.safeMethods...)
	if c.csrfHeader != "" {
		c.csrf.header = c.csrfHeader
	}
	c.coordinator = NewCoordinator(session, c.observer)
	if c.refreshTimeout > 0 {
		c.coordinator.timeout = c.refreshTimeout
	}
	return c
}

// Configure wires the CSRF stage, any extra request hooks and the refresh
// coordinator onto the pipeline. Only the first call has an effect.
func (c *Client) Configure() *Client {
	c.once.Do(func() {
		c.pipeline.UseRequest(c.csrf)
		c.pipeline.UseRequest(c.extra...)
		c.pipeline.UseResponse(c.coordinator)
	})
	return c
}

// Pipeline exposes the underlying hook chain.
func (c *Client) Pipeline() *transport.Pipeline {
	return c.pipeline
}

// Coordinator exposes the refresh state machine.
func (c *Client) Coordinator() *Coordinator {
	return c.coordinator
}

// Do sends req through the pipeline. Responses outside 2xx are returned as
// *transport.StatusError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.Configure().pipeline.Do(req)
}

// Get issues a GET for path, relative to the base URL.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.Do(req)
}

// PostJSON issues a POST with payload encoded as JSON. A nil payload sends
// an empty body.
func (c *Client) PostJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	return c.SendJSON(ctx, http.MethodPost, path, payload)
}

// SendJSON issues a request with an optional JSON body.
func (c *Client) SendJSON(
	ctx context.Context,
	method, path string,
	payload any,
) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req)
}

// DecodeJSON reads and closes resp.Body into v.
func DecodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *Client) resolve(path string) string {
	if c.baseURL == "" {
		return path
	}
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}
