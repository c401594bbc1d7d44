package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second to update the elapsed timer.
type tickMsg time.Time

// state represents the current phase of the session flow.
type state int

const (
	stateInit       state = iota
	stateLoggingIn        // login request in flight
	stateRequesting       // API requests in flight
	stateRefreshing       // session refresh in flight, requests queued
	stateSuccess          // all done
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// maxStatusLines bounds the status log when many requests run.
const maxStatusLines = 12

// Model is the BubbleTea model for the session TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	user    string
	waiting int
	started time.Time
	elapsed time.Duration

	summary Summary
	errMsg  string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleUserBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
		started: time.Now(),
	}
}

// Init starts the spinner animation and the elapsed timer.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickAfterSecond())
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		if m.state == stateSuccess || m.state == stateError {
			return m, nil
		}
		m.elapsed = time.Time(msg).Sub(m.started)
		return m, tickAfterSecond()

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Session flow messages ────────────────────────────────────────────────

	case MsgBanner:
		return m, nil

	case MsgSessionFound:
		m.addStatus(statusOK, "Restored session from "+msg.Path)
		return m, nil

	case MsgSessionNotFound:
		m.addStatus(statusInfo, "No saved session")
		return m, nil

	case MsgProfileLoaded:
		m.user = msg.Login
		m.state = stateRequesting
		m.addStatus(statusOK, "Signed in as "+msg.Login)
		return m, nil

	case MsgAnonymous:
		m.user = ""
		m.addStatus(statusWarn, fmt.Sprintf("Not signed in: %v", msg.Err))
		return m, nil

	case MsgLoggingIn:
		m.state = stateLoggingIn
		m.addStatus(statusInfo, "Logging in as "+msg.Login+"...")
		return m, nil

	case MsgLoginOK:
		m.addStatus(statusOK, "Login successful")
		return m, nil

	case MsgLoginFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Login failed: %v", msg.Err))
		return m, nil

	case MsgAccessExpired:
		m.state = stateRefreshing
		m.addStatus(statusWarn, "Access rejected (401) on "+msg.Target+", refreshing...")
		return m, nil

	case MsgQueued:
		m.waiting = msg.Depth
		return m, nil

	case MsgRefreshOK:
		m.state = stateRequesting
		m.waiting = 0
		m.addStatus(
			statusOK,
			fmt.Sprintf("Session refreshed, replaying %d queued request(s)", msg.Released),
		)
		return m, nil

	case MsgRefreshFailed:
		m.state = stateRequesting
		m.waiting = 0
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgReplaying:
		return m, nil

	case MsgSessionInvalidated:
		m.user = ""
		m.addStatus(statusWarn, "Access forbidden (403), session cleared")
		return m, nil

	case MsgRequestOK:
		m.addStatus(
			statusOK,
			fmt.Sprintf("%s -> %d (%s)", msg.Target, msg.Status, msg.Elapsed.Round(time.Millisecond)),
		)
		return m, nil

	case MsgRequestFailed:
		m.addStatus(statusWarn, fmt.Sprintf("%s failed: %v", msg.Target, msg.Err))
		return m, nil

	case MsgSessionSaved:
		m.addStatus(statusOK, "Session saved to "+msg.Path)
		return m, nil

	case MsgSessionSaveFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Warning: failed to save session: %v", msg.Err))
		return m, nil

	case MsgDone:
		m.summary = msg.Summary
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while logging in, requesting and refreshing.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  AuthGate Session  "))
	b.WriteString("\n\n")

	if m.user != "" {
		b.WriteString(styleUserBox.Render("  " + m.user + "  "))
		b.WriteString("\n\n")
	}

	switch m.state {
	case stateLoggingIn:
		b.WriteString(m.spinner.View())
		b.WriteString(" Logging in...\n")

	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refreshing session...  ")
		if m.waiting > 0 {
			b.WriteString(styleDim.Render(fmt.Sprintf("%d request(s) waiting", m.waiting)))
		}
		b.WriteString("\n")

	case stateRequesting:
		b.WriteString(m.spinner.View())
		b.WriteString(" Sending requests...  ")
		b.WriteString(styleDim.Render(formatDuration(m.elapsed) + " elapsed"))
		b.WriteString("\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess is shown after the run completes.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	if m.summary.Failed == 0 {
		b.WriteString(styleOK.Render("  ✓ All requests completed"))
	} else {
		b.WriteString(styleWarn.Render(fmt.Sprintf("  ⚠ %d request(s) failed", m.summary.Failed)))
	}
	b.WriteString("\n\n")

	user := m.summary.User
	if user == "" {
		user = "(anonymous)"
	}
	b.WriteString(styleBold.Render("User:      "))
	b.WriteString(user + "\n")

	b.WriteString(styleBold.Render("Requests:  "))
	b.WriteString(fmt.Sprintf("%d ok, %d failed\n", m.summary.Succeeded, m.summary.Failed))

	b.WriteString(styleBold.Render("Refreshes: "))
	b.WriteString(fmt.Sprintf("%d\n", m.summary.Refreshes))

	b.WriteString(styleBold.Render("Elapsed:   "))
	b.WriteString(formatDuration(m.summary.Elapsed) + "\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Session failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log, dropping the oldest beyond
// maxStatusLines.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if n := len(m.statusLines); n > maxStatusLines {
		m.statusLines = append([]statusLine(nil), m.statusLines[n-maxStatusLines:]...)
	}
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
