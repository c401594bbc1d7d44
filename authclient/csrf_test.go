package authclient

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSRFStage_NeedsToken(t *testing.T) {
	stage := NewCSRFStage(newFakeSession(newMockBackend(), ""))

	tests := []struct {
		method string
		want   bool
	}{
		{http.MethodGet, false},
		{http.MethodHead, false},
		{http.MethodOptions, false},
		{"get", false},
		{"", false},
		{http.MethodPost, true},
		{http.MethodPut, true},
		{http.MethodPatch, true},
		{http.MethodDelete, true},
		{"post", true},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			assert.Equal(t, tt.want, stage.NeedsToken(tt.method))
		})
	}

	custom := NewCSRFStage(newFakeSession(newMockBackend(), ""), "GET", "delete")
	assert.False(t, custom.NeedsToken(http.MethodDelete))
	assert.True(t, custom.NeedsToken(http.MethodHead))
}

func TestCSRF_SafeMethodSentWithoutToken(t *testing.T) {
	f := newFixture(t)
	f.session.token = ""
	f.backend.replyOnce(http.MethodGet, "/items", http.StatusOK, "[]")

	resp, err := f.client.Get(context.Background(), "/items")
	require.NoError(t, err)
	resp.Body.Close()

	sent := f.backend.calls(http.MethodGet, "/items")
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].Header.Get(CSRFHeader))
	assert.Zero(t, f.session.fetches.Load())
}

func TestCSRF_AttachesKnownToken(t *testing.T) {
	f := newFixture(t)
	f.backend.replyOnce(http.MethodPost, "/items", http.StatusCreated, `{"id":1}`)

	resp, err := f.client.PostJSON(context.Background(), "/items", map[string]int{"n": 1})
	require.NoError(t, err)
	resp.Body.Close()

	sent := f.backend.calls(http.MethodPost, "/items")
	require.Len(t, sent, 1)
	assert.Equal(t, "csrf-token", sent[0].Header.Get(CSRFHeader))
	assert.Zero(t, f.session.fetches.Load())
}

func TestCSRF_FetchesMissingTokenBeforeSend(t *testing.T) {
	f := newFixture(t)
	f.session.token = ""
	f.backend.replyOnce(http.MethodDelete, "/items/1", http.StatusNoContent, "")

	req, err := http.NewRequest(http.MethodDelete, testBaseURL+"/items/1", nil)
	require.NoError(t, err)
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	sent := f.backend.calls(http.MethodDelete, "/items/1")
	require.Len(t, sent, 1)
	assert.Equal(t, "fetched-csrf-token", sent[0].Header.Get(CSRFHeader))
	assert.EqualValues(t, 1, f.session.fetches.Load())
}

func TestCSRF_ConcurrentMutationsShareOneFetch(t *testing.T) {
	const n = 8

	f := newFixture(t)
	f.session.token = ""
	f.session.fetchGate = make(chan struct{})
	for i := 0; i < n; i++ {
		f.backend.replyOnce(http.MethodPost, "/items", http.StatusCreated, "{}")
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			resp, err := f.client.PostJSON(context.Background(), "/items", nil)
			if err == nil {
				resp.Body.Close()
			}
			errs <- err
		}()
	}
	close(f.session.fetchGate)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, f.session.fetches.Load())
	for _, r := range f.backend.calls(http.MethodPost, "/items") {
		assert.Equal(t, "fetched-csrf-token", r.Header.Get(CSRFHeader))
	}
}

func TestCSRF_FetchFailureAbortsRequest(t *testing.T) {
	f := newFixture(t)
	f.session.token = ""
	f.session.fetchErr = errors.New("csrf endpoint unavailable")

	_, err := f.client.PostJSON(context.Background(), "/items", map[string]string{"a": "b"})
	require.Error(t, err)

	var fetchErr *TokenFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.ErrorIs(t, err, f.session.fetchErr)
	assert.Empty(t, f.backend.calls(http.MethodPost, "/items"))
	assert.Zero(t, f.session.refreshes.Load())
}

func TestCSRF_EmptyTokenAfterFetchAbortsRequest(t *testing.T) {
	f := newFixture(t)
	f.session.token = ""
	f.session.fetchToken = ""

	_, err := f.client.PostJSON(context.Background(), "/items", nil)
	require.ErrorIs(t, err, ErrCSRFTokenMissing)
	assert.Empty(t, f.backend.calls(http.MethodPost, "/items"))
}

func TestCSRF_ForbiddenClearsTokenAndNextMutationRefetches(t *testing.T) {
	f := newFixture(t)
	f.backend.replyOnce(http.MethodPost, "/items", http.StatusForbidden, "")
	f.backend.replyOnce(http.MethodPost, "/items", http.StatusCreated, "{}")

	_, err := f.client.PostJSON(context.Background(), "/items", nil)
	require.True(t, IsForbidden(err))
	assert.Empty(t, f.session.CSRFToken())

	resp, err := f.client.PostJSON(context.Background(), "/items", nil)
	require.NoError(t, err)
	resp.Body.Close()

	sent := f.backend.calls(http.MethodPost, "/items")
	require.Len(t, sent, 2)
	assert.Equal(t, "csrf-token", sent[0].Header.Get(CSRFHeader))
	assert.Equal(t, "fetched-csrf-token", sent[1].Header.Get(CSRFHeader))
	assert.EqualValues(t, 1, f.session.fetches.Load())
}

func TestCSRF_ReplayedMutationCarriesToken(t *testing.T) {
	f := newFixture(t)
	f.backend.replyOnce(http.MethodPut, "/items/1", http.StatusUnauthorized, "")
	f.backend.replyOnce(http.MethodPost, "/auth/refresh", http.StatusOK, "")
	f.backend.replyOnce(http.MethodPut, "/items/1", http.StatusOK, "{}")

	resp, err := f.client.SendJSON(context.Background(), http.MethodPut, "/items/1", map[string]int{"n": 2})
	require.NoError(t, err)
	resp.Body.Close()

	sent := f.backend.calls(http.MethodPut, "/items/1")
	require.Len(t, sent, 2)
	for _, r := range sent {
		assert.Equal(t, "csrf-token", r.Header.Get(CSRFHeader))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	}
}

func TestCSRF_CustomHeaderName(t *testing.T) {
	f := newFixture(t, WithCSRFHeader("X-XSRF-Token"))
	f.backend.replyOnce(http.MethodPost, "/items", http.StatusOK, "{}")

	resp, err := f.client.PostJSON(context.Background(), "/items", nil)
	require.NoError(t, err)
	resp.Body.Close()

	sent := f.backend.calls(http.MethodPost, "/items")
	require.Len(t, sent, 1)
	assert.Equal(t, "csrf-token", sent[0].Header.Get("X-XSRF-Token"))
	assert.Empty(t, sent[0].Header.Get(CSRFHeader))
}
