package authclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

const testBaseURL = "http://api.test"

type reply struct {
	status int
	body   string
}

// mockBackend is a Doer that answers from per-route reply queues and keeps
// a history of every request it saw.
type mockBackend struct {
	mu      sync.Mutex
	routes  map[string][]reply
	history []*http.Request
}

func newMockBackend() *mockBackend {
	return &mockBackend{routes: make(map[string][]reply)}
}

func (m *mockBackend) replyOnce(method, path string, status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := method + " " + path
	m.routes[key] = append(m.routes[key], reply{status: status, body: body})
}

func (m *mockBackend) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, req)
	key := req.Method + " " + req.URL.Path
	queue := m.routes[key]
	if len(queue) == 0 {
		return newResponse(req, http.StatusNotFound, ""), nil
	}
	r := queue[0]
	m.routes[key] = queue[1:]
	return newResponse(req, r.status, r.body), nil
}

func (m *mockBackend) calls(method, path string) []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*http.Request
	for _, r := range m.history {
		if r.Method == method && r.URL.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func newResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

// fakeSession refreshes through the mock backend so refresh calls show up
// in its history.
type fakeSession struct {
	backend *mockBackend

	mu    sync.Mutex
	token string

	fetchErr      error
	fetchToken    string
	fetchGate     chan struct{}
	refreshGate   chan struct{}
	refreshBegan  chan struct{}
	invalidateErr error
	refreshCtxErr error

	fetches       atomic.Int32
	refreshes     atomic.Int32
	invalidations atomic.Int32
}

func newFakeSession(backend *mockBackend, token string) *fakeSession {
	return &fakeSession{
		backend:      backend,
		token:        token,
		fetchToken:   "fetched-csrf-token",
		refreshBegan: make(chan struct{}, 16),
	}
}

func (s *fakeSession) CSRFToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *fakeSession) FetchCSRFToken(ctx context.Context) error {
	s.fetches.Add(1)
	if s.fetchGate != nil {
		<-s.fetchGate
	}
	if s.fetchErr != nil {
		return s.fetchErr
	}
	s.mu.Lock()
	s.token = s.fetchToken
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) InvalidateSession(ctx context.Context) error {
	s.invalidations.Add(1)
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	return s.invalidateErr
}

func (s *fakeSession) Refresh(ctx context.Context) error {
	s.refreshes.Add(1)
	s.refreshBegan <- struct{}{}
	if s.refreshGate != nil {
		<-s.refreshGate
	}
	s.mu.Lock()
	s.refreshCtxErr = ctx.Err()
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, testBaseURL+"/auth/refresh", nil)
	if err != nil {
		return err
	}
	resp, err := s.backend.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh rejected with status %d", resp.StatusCode)
	}
	return nil
}

func (s *fakeSession) refreshContextErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCtxErr
}

// recordingObserver captures coordinator events for assertions.
type recordingObserver struct {
	NopObserver

	queued chan int

	mu        sync.Mutex
	replayed  []string
	failed    []int
	succeeded []int

	expired     atomic.Int32
	invalidated atomic.Int32
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{queued: make(chan int, 64)}
}

func (o *recordingObserver) AccessExpired(*http.Request) { o.expired.Add(1) }

func (o *recordingObserver) Queued(_ *http.Request, depth int) { o.queued <- depth }

func (o *recordingObserver) RefreshSucceeded(released int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.succeeded = append(o.succeeded, released)
}

func (o *recordingObserver) RefreshFailed(_ error, released int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, released)
}

func (o *recordingObserver) Replaying(req *http.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replayed = append(o.replayed, req.Header.Get("X-Seq"))
}

func (o *recordingObserver) SessionInvalidated(error) { o.invalidated.Add(1) }

func (o *recordingObserver) replayOrder() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.replayed...)
}

type fixture struct {
	backend  *mockBackend
	session  *fakeSession
	observer *recordingObserver
	client   *Client
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	backend := newMockBackend()
	session := newFakeSession(backend, "csrf-token")
	observer := newRecordingObserver()
	opts = append([]Option{WithBaseURL(testBaseURL), WithObserver(observer)}, opts...)
	return &fixture{
		backend:  backend,
		session:  session,
		observer: observer,
		client:   New(backend, session, opts...),
	}
}

type result struct {
	resp *http.Response
	err  error
}

// getAsync issues GET path on its own goroutine.
func (f *fixture) getAsync(ctx context.Context, path, seq string) <-chan result {
	done := make(chan result, 1)
	go func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, testBaseURL+path, nil)
		if err != nil {
			done <- result{err: err}
			return
		}
		req.Header.Set("X-Seq", seq)
		resp, err := f.client.Do(req)
		done <- result{resp: resp, err: err}
	}()
	return done
}
