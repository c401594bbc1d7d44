package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Summary is the final report of a run.
type Summary struct {
	User      string
	Succeeded int
	Failed    int
	Refreshes int
	Elapsed   time.Duration
}

// Displayer abstracts all output from the session flow.
type Displayer interface {
	Banner()
	SessionFound(path string)
	SessionNotFound()
	ProfileLoaded(login string)
	Anonymous(err error)
	LoggingIn(login string)
	LoginOK()
	LoginFailed(err error)
	AccessExpired(target string)
	Queued(target string, depth int)
	RefreshOK(released int)
	RefreshFailed(err error, released int)
	Replaying(target string)
	SessionInvalidated(err error)
	RequestOK(target string, status int, elapsed time.Duration)
	RequestFailed(target string, err error)
	SessionSaved(path string)
	SessionSaveFailed(err error)
	Done(s Summary)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== AuthGate Session CLI (CSRF + refresh on 401) ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SessionFound(path string) {
	fmt.Fprintf(p.w, "Restored session cookies from %s\n", path)
}

func (p *PlainDisplayer) SessionNotFound() {
	fmt.Fprintln(p.w, "No saved session, starting anonymous...")
}

func (p *PlainDisplayer) ProfileLoaded(login string) {
	fmt.Fprintf(p.w, "Signed in as %s\n", login)
}

func (p *PlainDisplayer) Anonymous(err error) {
	fmt.Fprintf(p.w, "Not signed in: %v\n", err)
}

func (p *PlainDisplayer) LoggingIn(login string) {
	fmt.Fprintf(p.w, "Logging in as %s...\n", login)
}

func (p *PlainDisplayer) LoginOK() {
	fmt.Fprintln(p.w, "Login successful!")
}

func (p *PlainDisplayer) LoginFailed(err error) {
	fmt.Fprintf(p.w, "Login failed: %v\n", err)
}

func (p *PlainDisplayer) AccessExpired(target string) {
	fmt.Fprintf(p.w, "Access token rejected (401) on %s, refreshing...\n", target)
}

func (p *PlainDisplayer) Queued(target string, depth int) {
	fmt.Fprintf(p.w, "Refresh in progress, queued %s (%d waiting)\n", target, depth)
}

func (p *PlainDisplayer) RefreshOK(released int) {
	fmt.Fprintf(p.w, "Session refreshed, replaying %d queued request(s)\n", released)
}

func (p *PlainDisplayer) RefreshFailed(err error, released int) {
	fmt.Fprintf(p.w, "Refresh failed: %v (%d queued request(s) rejected)\n", err, released)
}

func (p *PlainDisplayer) Replaying(target string) {
	fmt.Fprintf(p.w, "Retrying %s\n", target)
}

func (p *PlainDisplayer) SessionInvalidated(err error) {
	if err != nil {
		fmt.Fprintf(p.w, "Access forbidden (403), session cleared (logout failed: %v)\n", err)
		return
	}
	fmt.Fprintln(p.w, "Access forbidden (403), session cleared")
}

func (p *PlainDisplayer) RequestOK(target string, status int, elapsed time.Duration) {
	fmt.Fprintf(p.w, "%s -> %d (%s)\n", target, status, elapsed.Round(time.Millisecond))
}

func (p *PlainDisplayer) RequestFailed(target string, err error) {
	fmt.Fprintf(p.w, "%s failed: %v\n", target, err)
}

func (p *PlainDisplayer) SessionSaved(path string) {
	fmt.Fprintf(p.w, "Session saved to %s\n", path)
}

func (p *PlainDisplayer) SessionSaveFailed(err error) {
	fmt.Fprintf(p.w, "Warning: Failed to save session: %v\n", err)
}

func (p *PlainDisplayer) Done(s Summary) {
	user := s.User
	if user == "" {
		user = "(anonymous)"
	}
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintf(p.w, "User: %s\n", user)
	fmt.Fprintf(p.w, "Requests: %d ok, %d failed\n", s.Succeeded, s.Failed)
	fmt.Fprintf(p.w, "Refreshes: %d\n", s.Refreshes)
	fmt.Fprintf(p.w, "Elapsed: %s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                                    {}
func (NoopDisplayer) SessionFound(_ string)                      {}
func (NoopDisplayer) SessionNotFound()                           {}
func (NoopDisplayer) ProfileLoaded(_ string)                     {}
func (NoopDisplayer) Anonymous(_ error)                          {}
func (NoopDisplayer) LoggingIn(_ string)                         {}
func (NoopDisplayer) LoginOK()                                   {}
func (NoopDisplayer) LoginFailed(_ error)                        {}
func (NoopDisplayer) AccessExpired(_ string)                     {}
func (NoopDisplayer) Queued(_ string, _ int)                     {}
func (NoopDisplayer) RefreshOK(_ int)                            {}
func (NoopDisplayer) RefreshFailed(_ error, _ int)               {}
func (NoopDisplayer) Replaying(_ string)                         {}
func (NoopDisplayer) SessionInvalidated(_ error)                 {}
func (NoopDisplayer) RequestOK(_ string, _ int, _ time.Duration) {}
func (NoopDisplayer) RequestFailed(_ string, _ error)            {}
func (NoopDisplayer) SessionSaved(_ string)                      {}
func (NoopDisplayer) SessionSaveFailed(_ error)                  {}
func (NoopDisplayer) Done(_ Summary)                             {}
func (NoopDisplayer) Fatal(_ error)                              {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) SessionFound(path string) {
	t.p.Send(MsgSessionFound{Path: path})
}

func (t *ProgramDisplayer) SessionNotFound() {
	t.p.Send(MsgSessionNotFound{})
}

func (t *ProgramDisplayer) ProfileLoaded(login string) {
	t.p.Send(MsgProfileLoaded{Login: login})
}

func (t *ProgramDisplayer) Anonymous(err error) {
	t.p.Send(MsgAnonymous{Err: err})
}

func (t *ProgramDisplayer) LoggingIn(login string) {
	t.p.Send(MsgLoggingIn{Login: login})
}

func (t *ProgramDisplayer) LoginOK() {
	t.p.Send(MsgLoginOK{})
}

func (t *ProgramDisplayer) LoginFailed(err error) {
	t.p.Send(MsgLoginFailed{Err: err})
}

func (t *ProgramDisplayer) AccessExpired(target string) {
	t.p.Send(MsgAccessExpired{Target: target})
}

func (t *ProgramDisplayer) Queued(target string, depth int) {
	t.p.Send(MsgQueued{Target: target, Depth: depth})
}

func (t *ProgramDisplayer) RefreshOK(released int) {
	t.p.Send(MsgRefreshOK{Released: released})
}

func (t *ProgramDisplayer) RefreshFailed(err error, released int) {
	t.p.Send(MsgRefreshFailed{Err: err, Released: released})
}

func (t *ProgramDisplayer) Replaying(target string) {
	t.p.Send(MsgReplaying{Target: target})
}

func (t *ProgramDisplayer) SessionInvalidated(err error) {
	t.p.Send(MsgSessionInvalidated{Err: err})
}

func (t *ProgramDisplayer) RequestOK(target string, status int, elapsed time.Duration) {
	t.p.Send(MsgRequestOK{Target: target, Status: status, Elapsed: elapsed})
}

func (t *ProgramDisplayer) RequestFailed(target string, err error) {
	t.p.Send(MsgRequestFailed{Target: target, Err: err})
}

func (t *ProgramDisplayer) SessionSaved(path string) {
	t.p.Send(MsgSessionSaved{Path: path})
}

func (t *ProgramDisplayer) SessionSaveFailed(err error) {
	t.p.Send(MsgSessionSaveFailed{Err: err})
}

func (t *ProgramDisplayer) Done(s Summary) {
	t.p.Send(MsgDone{Summary: s})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
