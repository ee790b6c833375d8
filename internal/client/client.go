// Package client implements the requesting side of a session: it
// waits for a live worker, writes request.json, pumps local
// stdin/signals into control/stdin logs, tails stream.jsonl to the
// local terminal, and mirrors the remote exit status. Grounded on the
// original implementation's client.py run_command and its helpers.
package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/schovi/pigeon/internal/applog"
	"github.com/schovi/pigeon/internal/argvnorm"
	"github.com/schovi/pigeon/internal/debuglog"
	"github.com/schovi/pigeon/internal/drain"
	"github.com/schovi/pigeon/internal/layout"
	"github.com/schovi/pigeon/internal/pgconfig"
	"github.com/schovi/pigeon/internal/session"
	"github.com/schovi/pigeon/internal/worker"
)

// Exit codes the client mirrors to the shell, per spec §6.
const (
	ExitError           = 125
	ExitWorkerUnavail   = 124
	DefaultWaitWorker   = 3 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
)

// Options configures one invocation of Run.
type Options struct {
	Layout         layout.Layout
	ConfigPath     string
	Route          *string
	WaitWorker     time.Duration
	Verbose        bool
	Quiet          bool
	AcceptUntagged bool
	StaleSeconds   float64
	FsyncMode      applog.FsyncMode
	PollInterval   time.Duration

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Logger receives malformed-line and other diagnostic events; it
	// defaults to a logger enabled by Verbose, matching the worker's
	// own structured debug logging.
	Logger *debuglog.Logger
}

func (o *Options) fillDefaults() {
	if o.WaitWorker == 0 {
		o.WaitWorker = DefaultWaitWorker
	}
	if o.StaleSeconds == 0 {
		o.StaleSeconds = worker.DefaultHeartbeatStaleSeconds
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Logger == nil {
		o.Logger = debuglog.New("client", o.Verbose, o.Stderr)
	}
}

// Run executes one remote command end to end and returns the exit
// code the calling process should use.
func Run(ctx context.Context, argv []string, opts Options) (int, error) {
	opts.fillDefaults()

	if len(argv) == 0 {
		return 2, fmt.Errorf("client: usage: pigeon <cmd...>")
	}

	cfg, _, _, err := pgconfig.SyncEnvToFileConfig(opts.ConfigPath)
	if err != nil {
		return ExitError, fmt.Errorf("client: load config: %w", err)
	}

	if err := opts.Layout.EnsureDirs(); err != nil {
		return ExitError, fmt.Errorf("client: ensure dirs: %w", err)
	}

	stdoutIsTTY := isatty.IsTerminal(os.Stdout.Fd())
	sourceBashrc := argvnorm.SourceBashrcEnabled(nil)
	normalized, err := argvnorm.Normalize(argv, cfg.RemoteEnv, sourceBashrc, stdoutIsTTY)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "pigeon: %v\n", err)
		return 2, nil
	}

	workers := waitForWorker(opts, opts.Route)
	if len(workers) == 0 {
		routeLabel := "-"
		if opts.Route != nil {
			routeLabel = *opts.Route
		}
		fmt.Fprintf(opts.Stderr, "[pigeon] no active worker found within %.1fs (route=%s)\n", opts.WaitWorker.Seconds(), routeLabel)
		if opts.Route != nil {
			fmt.Fprintf(opts.Stderr, "[pigeon] start worker: pigeon worker --route %s\n", *opts.Route)
		} else {
			fmt.Fprintln(opts.Stderr, "[pigeon] start worker: pigeon worker")
		}
		return ExitWorkerUnavail, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ExitError, fmt.Errorf("client: getwd: %w", err)
	}

	sessionID := newSessionID()
	h := session.New(opts.Layout, sessionID)

	cols, rows := readTerminalSize()
	envOverrides := terminalEnvPatch()

	req := session.Request{
		SessionID:    sessionID,
		Cwd:          cwd,
		Argv:         normalized,
		UseShell:     true,
		EnvOverrides: envOverrides,
		Route:        opts.Route,
		Terminal:     session.Terminal{Cols: cols, Rows: rows},
		CreatedAt:    nowEpoch(),
		Client: session.ClientInfo{
			Host: hostname(),
			PID:  os.Getpid(),
			User: effectiveUser(cfg),
		},
	}
	if opts.Verbose {
		fmt.Fprint(opts.Stderr, renderPanel(sessionID, opts, cwd, normalized, cfg, workers))
	}

	if err := h.Create(req, opts.FsyncMode); err != nil {
		return ExitError, fmt.Errorf("client: create session: %w", err)
	}
	if err := h.TouchLogs(); err != nil {
		return ExitError, fmt.Errorf("client: touch logs: %w", err)
	}

	restore := enterRawMode(opts.Stdin)
	defer restore()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopStdin := make(chan struct{})
	go pumpStdin(opts, h, stopStdin)

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGWINCH)
	defer signal.Stop(sigCh)
	go pumpSignals(runCtx, h, sigCh, opts.FsyncMode)

	exitCode := pollUntilDone(runCtx, h, opts, req.Route)

	close(stopStdin)
	cancel()
	return exitCode, nil
}

func waitForWorker(opts Options, route *string) []session.Heartbeat {
	var sp *spinner.Spinner
	showSpinner := !opts.Quiet && isatty.IsTerminal(os.Stderr.Fd())
	if showSpinner {
		sp = spinner.New(spinner.CharSets[11], 100*time.Millisecond, spinner.WithWriter(opts.Stderr))
		sp.Prefix = "[pigeon] waiting for worker "
		sp.Start()
		defer sp.Stop()
	}

	deadline := time.Now().Add(opts.WaitWorker)
	for {
		workers, _ := worker.Discover(opts.Layout, route, opts.AcceptUntagged, opts.StaleSeconds)
		if len(workers) > 0 {
			return workers
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(opts.PollInterval)
	}
}

func pumpStdin(opts Options, h session.Handle, stop <-chan struct{}) {
	buf := make([]byte, 1024)
	type readResult struct {
		n   int
		err error
	}
	results := make(chan readResult, 1)

	read := func() {
		n, err := opts.Stdin.Read(buf)
		results <- readResult{n, err}
	}
	go read()

	for {
		select {
		case <-stop:
			return
		case r := <-results:
			if r.n > 0 {
				chunk := append([]byte(nil), buf[:r.n]...)
				_ = h.AppendStdin(session.StdinRecord{
					T:       nowEpoch(),
					DataB64: base64.StdEncoding.EncodeToString(chunk),
				}, opts.FsyncMode)
			}
			if r.err != nil {
				_ = h.AppendStdin(session.StdinRecord{T: nowEpoch(), EOF: true}, opts.FsyncMode)
				return
			}
			go read()
		}
	}
}

func pumpSignals(ctx context.Context, h session.Handle, sigCh <-chan os.Signal, mode applog.FsyncMode) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			switch sig {
			case os.Interrupt:
				_ = h.AppendControl(session.ControlRecord{
					T:      nowEpoch(),
					Kind:   session.ControlSignal,
					Signal: "SIGINT",
				}, mode)
			case syscall.SIGWINCH:
				cols, rows := readTerminalSize()
				_ = h.AppendControl(session.ControlRecord{
					T:    nowEpoch(),
					Kind: session.ControlResize,
					Cols: cols,
					Rows: rows,
				}, mode)
			}
		}
	}
}

// pollUntilDone tails stream.jsonl to the local terminal and polls
// status.json until a terminal state is reached, mirroring that
// state's exit code. While the session has no status yet (not
// claimed) it re-checks worker liveness and times out the same way
// the initial precheck does, matching the original's "still pending"
// re-check inside its main poll loop.
func pollUntilDone(ctx context.Context, h session.Handle, opts Options, route *string) int {
	cur := h.StreamCursor()
	lastState := ""
	pendingDeadline := time.Now().Add(opts.WaitWorker)
	onMalformed := func(line []byte, err error) {
		opts.Logger.Event(debuglog.KindError, "session=%s malformed stream line: %v", h.ID, err)
	}

	for {
		_ = applog.Tail(cur, onMalformed, func(rec session.StreamRecord) {
			data, err := base64.StdEncoding.DecodeString(rec.DataB64)
			if err != nil {
				return
			}
			if rec.FD == 2 {
				opts.Stderr.Write(data)
			} else {
				opts.Stdout.Write(data)
			}
		})

		st, err := h.ReadStatus()
		switch {
		case err != nil:
			if liveWorkers, _ := worker.Discover(h.Layout, route, opts.AcceptUntagged, opts.StaleSeconds); len(liveWorkers) > 0 {
				pendingDeadline = time.Now().Add(opts.WaitWorker)
			} else if time.Now().After(pendingDeadline) {
				fmt.Fprintf(opts.Stderr, "\n[pigeon] session=%s still pending, no active worker\n", h.ID)
				return ExitWorkerUnavail
			}
		case st.IsTerminal():
			if opts.Verbose && st.State != lastState {
				fmt.Fprintf(opts.Stderr, "\n[pigeon] session=%s state=%s\n", h.ID, st.State)
			}
			exitCode := terminalExitCode(st)
			drainStream(cur, opts)
			return exitCode
		default:
			if opts.Verbose && st.State != lastState {
				fmt.Fprintf(opts.Stderr, "\n[pigeon] session=%s state=%s\n", h.ID, st.State)
				lastState = st.State
			}
		}

		select {
		case <-ctx.Done():
			return ExitError
		case <-time.After(opts.PollInterval):
		}
	}
}

func drainStream(cur *applog.Cursor, opts Options) {
	onMalformed := func(line []byte, err error) {
		opts.Logger.Event(debuglog.KindError, "malformed stream line: %v", err)
	}
	_, _ = drain.UntilStable(func() (int64, error) {
		_ = applog.Tail(cur, onMalformed, func(rec session.StreamRecord) {
			data, err := base64.StdEncoding.DecodeString(rec.DataB64)
			if err != nil {
				return
			}
			if rec.FD == 2 {
				opts.Stderr.Write(data)
			} else {
				opts.Stdout.Write(data)
			}
		})
		return cur.Offset(), nil
	}, drain.Config{Timeout: 2 * time.Second})
}

func terminalExitCode(st session.Status) int {
	switch st.State {
	case session.StateExited:
		if st.Code != nil {
			return *st.Code
		}
		return 0
	case session.StateSignaled:
		return 128 + signalNumber(st.Signal)
	default:
		return ExitError
	}
}

func newSessionID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex[:12])
}

func nowEpoch() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func effectiveUser(cfg pgconfig.FileConfig) string {
	if cfg.User != nil && *cfg.User != "" {
		return *cfg.User
	}
	return os.Getenv("USER")
}

func readTerminalSize() (cols, rows int) {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return 0, 0
	}
	w, h, err := term.GetSize(int(os.Stdin.Fd()))
	if err != nil {
		return 0, 0
	}
	return w, h
}

// terminalEnvPatch copies a small set of terminal-identity env vars
// from the caller into the request's env_overrides, matching the
// original's _terminal_env_patch: the worker process environment
// should not otherwise leak the caller's full environment.
func terminalEnvPatch() map[string]string {
	copyKeys := []string{
		"TERM", "COLORTERM", "TERM_PROGRAM", "TERM_PROGRAM_VERSION",
		"LANG", "LC_ALL", "LC_CTYPE", "LS_COLORS", "NO_COLOR", "FORCE_COLOR",
	}
	overrides := map[string]string{}
	for _, key := range copyKeys {
		if v, ok := os.LookupEnv(key); ok {
			overrides[key] = v
		}
	}
	return overrides
}

func enterRawMode(in io.Reader) func() {
	f, ok := in.(*os.File)
	if !ok || !isatty.IsTerminal(f.Fd()) {
		return func() {}
	}
	oldState, err := term.MakeRaw(int(f.Fd()))
	if err != nil {
		return func() {}
	}
	return func() {
		_ = term.Restore(int(f.Fd()), oldState)
	}
}

var signalNumbers = map[string]int{
	"SIGHUP": 1, "SIGINT": 2, "SIGQUIT": 3, "SIGABRT": 6, "SIGKILL": 9, "SIGTERM": 15,
}

func signalNumber(name string) int {
	if n, ok := signalNumbers[name]; ok {
		return n
	}
	return 1
}
