package authclient

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-authgate/session-cli/transport"
)

// CSRFHeader is the header carrying the anti-forgery token.
const CSRFHeader = "X-CSRF-Token"

const csrfFetchTimeout = 10 * time.Second

// DefaultSafeMethods are sent without a CSRF token.
var DefaultSafeMethods = []string{http.MethodGet, http.MethodHead, http.MethodOptions}

// CSRFStage attaches the session's CSRF token to every mutating request,
// fetching one first when the session has none. Concurrent requests share
// a single fetch.
type CSRFStage struct {
	session Session
	header  string
	safe    map[string]struct{}
	timeout time.Duration
	group   singleflight.Group
}

// NewCSRFStage returns a stage backed by session. With no methods given,
// DefaultSafeMethods applies.
func NewCSRFStage(session Session, safeMethods ...string) *CSRFStage {
	if len(safeMethods) == 0 {
		safeMethods = DefaultSafeMethods
	}
	safe := make(map[string]struct{}, len(safeMethods))
	for _, m := range safeMethods {
		safe[strings.ToUpper(m)] = struct{}{}
	}
	return &CSRFStage{
		session: session,
		header:  CSRFHeader,
		safe:    safe,
		timeout: csrfFetchTimeout,
	}
}

// NeedsToken reports whether requests using method must carry a token.
func (s *CSRFStage) NeedsToken(method string) bool {
	if method == "" {
		method = http.MethodGet
	}
	_, ok := s.safe[strings.ToUpper(method)]
	return !ok
}

// BeforeSend implements transport.RequestHook.
func (s *CSRFStage) BeforeSend(ctx context.Context, env *transport.Envelope) error {
	if !s.NeedsToken(env.Request.Method) {
		return nil
	}

	token := s.session.CSRFToken()
	if token == "" {
		if err := s.fetch(ctx); err != nil {
			return &TokenFetchError{Err: err}
		}
		token = s.session.CSRFToken()
		if token == "" {
			return &TokenFetchError{Err: ErrCSRFTokenMissing}
		}
	}

	env.Request.Header.Set(s.header, token)
	return nil
}

func (s *CSRFStage) fetch(ctx context.Context) error {
	_, err, shared := s.group.Do("csrf", func() (any, error) {
		// A fetch that finished while we waited for the group is good enough.
		if s.session.CSRFToken() != "" {
			return nil, nil
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		if err := s.session.FetchCSRFToken(fetchCtx); err != nil {
			CSRFFetchTotal.WithLabelValues("failure").Inc()
			return nil, err
		}
		CSRFFetchTotal.WithLabelValues("success").Inc()
		return nil, nil
	})

	log.Debug().Bool("shared", shared).Err(err).Msg("csrf token fetch")
	return err
}
