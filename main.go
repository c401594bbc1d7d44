package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	tea "charm.land/bubbletea/v2"
	"github.com/go-authgate/session-cli/tui"
)

var (
	serverURL     string
	sessionFile   string
	loginName     string
	password      string
	requestMethod string
	requestPath   string
	requestBody   string
	metricsAddr   string
	concurrency   int
	verbose       bool

	flagServerURL     *string
	flagSessionFile   *string
	flagLogin         *string
	flagMethod        *string
	flagPath          *string
	flagBody          *string
	flagConcurrency   *string
	flagMetricsAddr   *string
	flagVerbose       *bool
	configInitialized bool
	baseHTTPClient    *http.Client
)

// Timeout configuration for different operations
const (
	apiRequestTimeout      = 30 * time.Second
	sessionSaveTimeout     = 10 * time.Second
	metricsShutdownTimeout = 5 * time.Second
)

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flagServerURL = flag.String(
		"server-url",
		"",
		"API server URL (default: http://localhost:8000 or SERVER_URL env)",
	)
	flagSessionFile = flag.String(
		"session-file",
		"",
		"Session cookie file (default: .authgate-session.json or SESSION_FILE env)",
	)
	flagLogin = flag.String("login", "", "Login used when no session is active (or LOGIN env)")
	flagMethod = flag.String("method", "", "HTTP method of the demo request (default: GET)")
	flagPath = flag.String("path", "", "Path of the demo request (default: /auth/me)")
	flagBody = flag.String("body", "", "JSON body of the demo request (or REQUEST_BODY env)")
	flagConcurrency = flag.String(
		"concurrency",
		"",
		"Number of parallel demo requests (default: 1 or CONCURRENCY env)",
	)
	flagMetricsAddr = flag.String(
		"metrics-addr",
		"",
		"Serve Prometheus metrics on this address, e.g. :9090 (or METRICS_ADDR env)",
	)
	flagVerbose = flag.Bool("verbose", false, "Write debug logs to stderr")
}

// initConfig parses flags and initializes configuration
// Separated from init() to avoid conflicts with test flag parsing
func initConfig() {
	if configInitialized {
		return
	}
	configInitialized = true

	flag.Parse()

	// Priority: flag > env > default
	serverURL = strings.TrimRight(getConfig(*flagServerURL, "SERVER_URL", "http://localhost:8000"), "/")
	sessionFile = getConfig(*flagSessionFile, "SESSION_FILE", ".authgate-session.json")
	loginName = getConfig(*flagLogin, "LOGIN", "")
	password = getEnv("PASSWORD", "")
	requestMethod = strings.ToUpper(getConfig(*flagMethod, "REQUEST_METHOD", http.MethodGet))
	requestPath = getConfig(*flagPath, "REQUEST_PATH", "/auth/me")
	requestBody = getConfig(*flagBody, "REQUEST_BODY", "")
	metricsAddr = getConfig(*flagMetricsAddr, "METRICS_ADDR", "")
	verbose = *flagVerbose

	if err := validateServerURL(serverURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid SERVER_URL: %v\n", err)
		os.Exit(1)
	}

	n, err := parseConcurrency(getConfig(*flagConcurrency, "CONCURRENCY", "1"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid CONCURRENCY: %v\n", err)
		os.Exit(1)
	}
	concurrency = n

	if requestBody != "" && !json.Valid([]byte(requestBody)) {
		fmt.Fprintln(os.Stderr, "Error: REQUEST_BODY is not valid JSON")
		os.Exit(1)
	}

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(serverURL), "http://") {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Session cookies will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}

	if loginName != "" && password == "" {
		fmt.Fprintln(os.Stderr, "⚠️  Warning: LOGIN is set but PASSWORD is not; login will be skipped.")
		fmt.Fprintln(os.Stderr)
	}

	setupLogging(verbose, os.Stderr)

	baseHTTPClient, err = newHTTPClient()
	if err != nil {
		panic(fmt.Sprintf("failed to create http client: %v", err))
	}
}

// newHTTPClient returns the client shared by the request pipeline and the
// session calls. Both must see the same cookie jar.
func newHTTPClient() (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Jar: jar,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
	}, nil
}

// setupLogging routes zerolog to w when verbose, and silences it otherwise
// so log lines never interleave with the TUI.
func setupLogging(verbose bool, w io.Writer) {
	if !verbose {
		zerolog.SetGlobalLevel(zerolog.Disabled)
		return
	}
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		With().
		Timestamp().
		Logger()
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

func parseConcurrency(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", raw)
	}
	if n < 1 || n > 256 {
		return 0, fmt.Errorf("must be between 1 and 256, got: %d", n)
	}
	return n, nil
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	initConfig()

	if isTTY() && !verbose {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		runErr := run(d)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		if err := run(d); err != nil {
			os.Exit(1)
		}
	}
}

func run(d tui.Displayer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		srv := startMetricsServer(metricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	a, err := newApp(serverURL, baseHTTPClient, d)
	if err != nil {
		d.Fatal(err)
		return err
	}

	if a.restore(sessionFile) {
		d.SessionFound(sessionFile)
	} else {
		d.SessionNotFound()
	}

	start := time.Now()
	a.signIn(ctx, loginName, password)

	results := a.fire(ctx, requestMethod, requestPath, requestBody, concurrency)

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionSaveTimeout)
	defer cancel()
	if err := a.persist(saveCtx, sessionFile); err != nil {
		d.SessionSaveFailed(err)
	} else {
		d.SessionSaved(sessionFile)
	}

	summary := tui.Summary{
		Refreshes: int(a.observer.refreshes.Load()),
		Elapsed:   time.Since(start),
	}
	for _, r := range results {
		if r.err != nil {
			summary.Failed++
		} else {
			summary.Succeeded++
		}
	}
	if p := a.session.Profile(); p != nil {
		summary.User = p.Login
	}
	d.Done(summary)

	if summary.Failed > 0 && summary.Succeeded == 0 {
		return fmt.Errorf("all %d request(s) failed: %w", summary.Failed, results[0].err)
	}
	return nil
}

// startMetricsServer exposes the Prometheus registry on addr.
func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}
