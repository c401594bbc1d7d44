// Package session talks to the backend's /auth endpoints and holds the
// client-side view of the login: CSRF token, last issued token pair and the
// current user profile. Credentials themselves live in the cookie jar shared
// with the request pipeline.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/go-authgate/session-cli/authclient"
	"github.com/go-authgate/session-cli/transport"
)

// Timeout configuration for the auth endpoints
const (
	csrfRequestTimeout    = 10 * time.Second
	refreshRequestTimeout = 10 * time.Second
	logoutRequestTimeout  = 5 * time.Second
	loginRequestTimeout   = 10 * time.Second
)

var (
	// ErrRefreshRejected indicates the backend refused to renew the session.
	ErrRefreshRejected = errors.New("session refresh rejected")
	// ErrNotAuthenticated is returned when an operation needs a logged-in user.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Config names the backend endpoints.
type Config struct {
	BaseURL      string
	CSRFPath     string
	RefreshPath  string
	LogoutPath   string
	LoginPath    string
	RegisterPath string
	ProfilePath  string

	// CSRFCookie is read when the CSRF endpoint returns no token in its body.
	CSRFCookie string

	// OnInvalidate runs after the session has been torn down.
	OnInvalidate func()
}

// DefaultConfig returns the endpoint layout of the authgate backend.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		CSRFPath:     "/auth/csrf",
		RefreshPath:  "/auth/refresh",
		LogoutPath:   "/auth/logout",
		LoginPath:    "/auth/login",
		RegisterPath: "/auth/registration",
		ProfilePath:  "/auth/me",
		CSRFCookie:   "csrf_token",
	}
}

// Profile is the current user as returned by the profile endpoint.
type Profile struct {
	ID    string `json:"id"`
	Login string `json:"login"`
	Email string `json:"email"`
}

// Credentials is the login and registration payload.
type Credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// ErrorResponse is the error body shape of the auth endpoints.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Detail           any    `json:"detail"`
}

// HTTPSession implements authclient.Session against the backend.
type HTTPSession struct {
	cfg    Config
	client *retry.Client
	jar    http.CookieJar
	base   *url.URL

	mu        sync.RWMutex
	csrfToken string
	token     *oauth2.Token
	profile   *Profile
}

var _ authclient.Session = (*HTTPSession)(nil)

// New builds a session whose calls go through httpClient wrapped with retry
// logic. httpClient should carry the same cookie jar as the request pipeline.
func New(httpClient *http.Client, cfg Config) (*HTTPSession, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	client, err := retry.NewClient(retry.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}

	return &HTTPSession{
		cfg:    cfg,
		client: client,
		jar:    httpClient.Jar,
		base:   base,
	}, nil
}

// CSRFToken implements authclient.Session.
func (s *HTTPSession) CSRFToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.csrfToken
}

// Token returns the last token pair issued by login or refresh, if any.
func (s *HTTPSession) Token() *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Profile returns the current user, or nil when unknown.
func (s *HTTPSession) Profile() *Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

// SetProfile records the current user; nil marks the session anonymous.
func (s *HTTPSession) SetProfile(p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
}

// Authenticated reports whether a user profile is known.
func (s *HTTPSession) Authenticated() bool {
	return s.Profile() != nil
}

// Clear drops all client-side session state.
func (s *HTTPSession) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrfToken = ""
	s.token = nil
	s.profile = nil
}

// FetchCSRFToken implements authclient.Session.
func (s *HTTPSession) FetchCSRFToken(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, csrfRequestTimeout)
	defer cancel()

	status, body, err := s.call(reqCtx, http.MethodGet, s.cfg.CSRFPath, nil)
	if err != nil {
		return fmt.Errorf("csrf request failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("csrf request failed with status %d: %s", status, string(body))
	}

	var payload struct {
		CSRFToken string `json:"csrf_token"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return fmt.Errorf("failed to parse csrf response: %w", err)
		}
	}

	token := payload.CSRFToken
	if token == "" {
		token = s.cookie(s.cfg.CSRFCookie)
	}
	if token == "" {
		return errors.New("csrf response carried no token")
	}

	s.mu.Lock()
	s.csrfToken = token
	s.mu.Unlock()
	return nil
}

// Refresh implements authclient.Session. A missing CSRF token is fetched
// first and a failed fetch returns *authclient.TokenFetchError. Rejections
// wrap ErrRefreshRejected and an *oauth2.RetrieveError carrying the response.
func (s *HTTPSession) Refresh(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, refreshRequestTimeout)
	defer cancel()

	if err := s.ensureCSRF(reqCtx); err != nil {
		return err
	}

	resp, body, err := s.send(reqCtx, http.MethodPost, s.cfg.RefreshPath, nil)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %w", ErrRefreshRejected, retrieveError(resp, body))
	}

	// The renewed credential arrives as cookies; a token body is optional.
	if token, err := parseToken(body); err == nil {
		s.mu.Lock()
		s.token = token
		s.mu.Unlock()
	}
	return nil
}

// InvalidateSession implements authclient.Session. Local state is cleared
// and OnInvalidate runs even when the logout call fails.
func (s *HTTPSession) InvalidateSession(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, logoutRequestTimeout)
	defer cancel()

	// Logout goes out regardless; the backend may still accept it.
	if csrfErr := s.ensureCSRF(reqCtx); csrfErr != nil {
		log.Warn().Err(csrfErr).Msg("logging out without a csrf token")
	}

	status, body, err := s.call(reqCtx, http.MethodPost, s.cfg.LogoutPath, nil)
	s.Clear()
	if s.cfg.OnInvalidate != nil {
		s.cfg.OnInvalidate()
	}

	if err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("logout failed with status %d: %s", status, string(body))
	}
	return nil
}

// Login authenticates with the backend. Session cookies land in the jar;
// the returned token pair is also kept for display.
func (s *HTTPSession) Login(ctx context.Context, creds Credentials) (*oauth2.Token, error) {
	reqCtx, cancel := context.WithTimeout(ctx, loginRequestTimeout)
	defer cancel()

	if err := s.ensureCSRF(reqCtx); err != nil {
		return nil, err
	}

	resp, body, err := s.send(reqCtx, http.MethodPost, s.cfg.LoginPath, creds)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login failed: %w", retrieveError(resp, body))
	}

	token, err := parseToken(body)
	if err != nil {
		return nil, fmt.Errorf("invalid login response: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	log.Debug().Str("login", creds.Login).Msg("logged in")
	return token, nil
}

// Register creates an account. It does not log in.
func (s *HTTPSession) Register(ctx context.Context, creds Credentials) error {
	reqCtx, cancel := context.WithTimeout(ctx, loginRequestTimeout)
	defer cancel()

	if err := s.ensureCSRF(reqCtx); err != nil {
		return err
	}

	resp, body, err := s.send(reqCtx, http.MethodPost, s.cfg.RegisterPath, creds)
	if err != nil {
		return fmt.Errorf("registration request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("registration failed: %w", retrieveError(resp, body))
	}
	return nil
}

// LoadProfile fetches the current user through doer (normally the
// authclient pipeline, so an expired access token is refreshed on the way)
// and records it. Any failure leaves the session anonymous.
func (s *HTTPSession) LoadProfile(ctx context.Context, doer transport.Doer) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(s.cfg.ProfilePath), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := doer.Do(req)
	if err != nil {
		s.SetProfile(nil)
		var refreshErr *authclient.RefreshError
		if authclient.IsUnauthorized(err) || errors.As(err, &refreshErr) {
			return nil, fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		s.SetProfile(nil)
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrNotAuthenticated
		}
		return nil, fmt.Errorf("profile request failed with status %d", resp.StatusCode)
	}

	var p Profile
	if err := authclient.DecodeJSON(resp, &p); err != nil {
		s.SetProfile(nil)
		return nil, err
	}
	s.SetProfile(&p)
	return &p, nil
}

func (s *HTTPSession) ensureCSRF(ctx context.Context) error {
	if s.CSRFToken() != "" {
		return nil
	}
	if err := s.FetchCSRFToken(ctx); err != nil {
		return &authclient.TokenFetchError{Err: err}
	}
	return nil
}

func (s *HTTPSession) call(
	ctx context.Context,
	method, path string,
	payload any,
) (int, []byte, error) {
	resp, body, err := s.send(ctx, method, path, payload)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// send issues one request through the retry client and reads the body.
// Mutating calls carry the CSRF token when one is known.
func (s *HTTPSession) send(
	ctx context.Context,
	method, path string,
	payload any,
) (*http.Response, []byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint(path), reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if method != http.MethodGet {
		if token := s.CSRFToken(); token != "" {
			req.Header.Set(authclient.CSRFHeader, token)
		}
	}

	resp, err := s.client.DoWithContext(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, body, nil
}

func (s *HTTPSession) endpoint(path string) string {
	return s.cfg.BaseURL + "/" + strings.TrimLeft(path, "/")
}

func (s *HTTPSession) cookie(name string) string {
	if s.jar == nil || name == "" {
		return ""
	}
	for _, c := range s.jar.Cookies(s.base) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func retrieveError(resp *http.Response, body []byte) *oauth2.RetrieveError {
	rerr := &oauth2.RetrieveError{Response: resp, Body: body}
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil {
		rerr.ErrorCode = errResp.Error
		rerr.ErrorDescription = errResp.ErrorDescription
		if rerr.ErrorDescription == "" && errResp.Detail != nil {
			rerr.ErrorDescription = fmt.Sprint(errResp.Detail)
		}
	}
	return rerr
}
