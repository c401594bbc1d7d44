package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-authgate/session-cli/authclient"
	"github.com/go-authgate/session-cli/session"
	"github.com/go-authgate/session-cli/transport"
	"github.com/go-authgate/session-cli/tui"
)

// app ties the request pipeline, the backend session and the cookie file
// together for one server.
type app struct {
	base        *url.URL
	jar         http.CookieJar
	lookupPaths []string
	session     *session.HTTPSession
	client      *authclient.Client
	observer    *displayObserver
	display     tui.Displayer
}

type requestResult struct {
	status int
	err    error
}

func newApp(serverURL string, hc *http.Client, d tui.Displayer) (*app, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if hc.Jar == nil {
		return nil, errors.New("http client has no cookie jar")
	}

	cfg := session.DefaultConfig(serverURL)
	a := &app{
		base:        base,
		jar:         hc.Jar,
		lookupPaths: []string{cfg.RefreshPath},
		observer:    &displayObserver{d: d},
		display:     d,
	}
	cfg.OnInvalidate = a.dropCookies

	a.session, err = session.New(hc, cfg)
	if err != nil {
		return nil, err
	}
	a.client = authclient.New(hc, a.session,
		authclient.WithBaseURL(serverURL),
		authclient.WithObserver(a.observer),
		authclient.WithRequestHook(authclient.RequestIDStage{}),
	).Configure()
	return a, nil
}

// restore loads saved cookies into the jar and reports whether any were found.
func (a *app) restore(path string) bool {
	stored, err := loadSession(path, a.base.String())
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("no saved session")
		return false
	}
	restoreCookies(a.jar, a.base, stored.Cookies)
	log.Debug().Int("cookies", len(stored.Cookies)).Str("user", stored.User).Msg("session restored")
	return true
}

// signIn loads the current user, logging in with the given credentials
// when the saved session is missing or dead.
func (a *app) signIn(ctx context.Context, login, password string) {
	p, err := a.session.LoadProfile(ctx, a.client)
	if err != nil && login != "" && password != "" {
		a.display.LoggingIn(login)
		if _, loginErr := a.session.Login(ctx, session.Credentials{
			Login:    login,
			Password: password,
		}); loginErr != nil {
			a.display.LoginFailed(loginErr)
		} else {
			a.display.LoginOK()
			p, err = a.session.LoadProfile(ctx, a.client)
		}
	}

	if err != nil {
		a.display.Anonymous(err)
		return
	}
	a.display.ProfileLoaded(p.Login)
}

// fire sends n copies of the request in parallel through the pipeline.
func (a *app) fire(ctx context.Context, method, path, body string, n int) []requestResult {
	results := make([]requestResult, n)

	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			results[i] = a.send(ctx, method, path, body)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (a *app) send(ctx context.Context, method, path, body string) requestResult {
	reqCtx, cancel := context.WithTimeout(ctx, apiRequestTimeout)
	defer cancel()

	label := method + " " + path
	var payload any
	if body != "" {
		payload = json.RawMessage(body)
	}

	start := time.Now()
	resp, err := a.client.SendJSON(reqCtx, method, path, payload)
	if err != nil {
		a.display.RequestFailed(label, err)
		return requestResult{status: transport.StatusCode(err), err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	a.display.RequestOK(label, resp.StatusCode, time.Since(start))
	return requestResult{status: resp.StatusCode}
}

// persist writes the jar's current cookies for this server to path. An
// empty jar removes the saved entry.
func (a *app) persist(ctx context.Context, path string) error {
	storage := &SessionStorage{
		ServerURL: a.base.String(),
		Cookies:   captureCookies(a.jar, a.base, a.lookupPaths...),
		SavedAt:   time.Now(),
	}
	if p := a.session.Profile(); p != nil {
		storage.User = p.Login
	}
	return saveSession(ctx, path, storage)
}

// dropCookies expires every cookie the jar holds for this server. The jar
// hides each cookie's original path, so every ancestor of the path it was
// seen at is cleared.
func (a *app) dropCookies() {
	cookies := captureCookies(a.jar, a.base, a.lookupPaths...)
	for _, c := range cookies {
		for _, p := range ancestorPaths(c.Path) {
			u := *a.base
			u.Path = p
			a.jar.SetCookies(&u, []*http.Cookie{{Name: c.Name, Path: p, MaxAge: -1}})
		}
	}
	log.Debug().Int("cookies", len(cookies)).Msg("dropped session cookies")
}

// ancestorPaths returns p and each parent path up to "/".
func ancestorPaths(p string) []string {
	p = "/" + strings.Trim(p, "/")
	out := []string{p}
	for p != "/" {
		p = path.Dir(p)
		out = append(out, p)
	}
	return out
}

// displayObserver forwards refresh lifecycle events to the displayer.
type displayObserver struct {
	d         tui.Displayer
	refreshes atomic.Int32
}

func target(req *http.Request) string {
	return req.Method + " " + req.URL.Path
}

func (o *displayObserver) AccessExpired(req *http.Request) {
	o.d.AccessExpired(target(req))
}

func (o *displayObserver) Queued(req *http.Request, depth int) {
	o.d.Queued(target(req), depth)
}

func (o *displayObserver) RefreshSucceeded(released int) {
	o.refreshes.Add(1)
	o.d.RefreshOK(released)
}

func (o *displayObserver) RefreshFailed(err error, released int) {
	o.refreshes.Add(1)
	o.d.RefreshFailed(err, released)
}

func (o *displayObserver) Replaying(req *http.Request) {
	o.d.Replaying(target(req))
}

func (o *displayObserver) SessionInvalidated(err error) {
	o.d.SessionInvalidated(err)
}
