// Package worker implements the long-lived job dispatcher: it scans
// sessions/, filters by route, arbitrates claims, runs each admitted
// session's PTY job, serializes same-cwd sessions via an advisory
// lock, and publishes a heartbeat. Grounded on the original
// implementation's worker.py run_worker/_run_session/_run_session_once.
package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/schovi/pigeon/internal/applog"
	"github.com/schovi/pigeon/internal/debuglog"
	"github.com/schovi/pigeon/internal/filelock"
	"github.com/schovi/pigeon/internal/layout"
	"github.com/schovi/pigeon/internal/pgconfig"
	"github.com/schovi/pigeon/internal/ptyrunner"
	"github.com/schovi/pigeon/internal/session"
)

// Options are the worker's configuration, some of which (Route,
// PollInterval, Debug) are reloadable and some of which (MaxJobs,
// ConfigPath) are pinned for the process lifetime, per spec §4.6.
type Options struct {
	Layout                layout.Layout
	ConfigPath            string
	Route                 *string
	MaxJobs               int
	PollInterval          time.Duration
	Debug                 bool
	AcceptUntagged        bool
	HeartbeatStaleSeconds float64
	FsyncMode             applog.FsyncMode
	ShutdownGrace         time.Duration
}

// Worker is one running worker process.
type Worker struct {
	opts   Options
	logger *debuglog.Logger
	host   string
	pid    int

	reloadMu sync.RWMutex
	route    *string
	poll     time.Duration
	debug    bool

	activeMu sync.Mutex
	active   int
	sem      chan struct{}

	startedAt float64
}

// New constructs a Worker. host is typically os.Hostname(); callers
// inject it for testability.
func New(opts Options, logger *debuglog.Logger, host string) *Worker {
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.HeartbeatStaleSeconds <= 0 {
		opts.HeartbeatStaleSeconds = DefaultHeartbeatStaleSeconds
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	return &Worker{
		opts:   opts,
		logger: logger,
		host:   host,
		pid:    os.Getpid(),
		route:  opts.Route,
		poll:   opts.PollInterval,
		debug:  opts.Debug,
		sem:    make(chan struct{}, opts.MaxJobs),
	}
}

// Run blocks, scanning for and executing sessions, until ctx is
// canceled. On cancellation it stops admitting new sessions, waits up
// to ShutdownGrace for in-flight jobs, and removes its heartbeat file.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.opts.Layout.EnsureDirs(); err != nil {
		return fmt.Errorf("worker: ensure dirs: %w", err)
	}
	w.startedAt = nowEpoch()
	w.logger.Event(debuglog.KindLifecycle, "worker start host=%s pid=%d max_jobs=%d", w.host, w.pid, w.opts.MaxJobs)

	var jobs sync.WaitGroup
	reloadCtx, stopReload := context.WithCancel(ctx)
	go w.reloadLoop(reloadCtx)

	ticker := time.NewTicker(w.currentPoll())
	defer ticker.Stop()

	w.publishHeartbeat()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			w.publishHeartbeat()
			w.scanOnce(ctx, &jobs)
			ticker.Reset(w.currentPoll())
		}
	}

	stopReload()
	w.logger.Event(debuglog.KindLifecycle, "worker stop: waiting for in-flight jobs")

	done := make(chan struct{})
	go func() {
		jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.opts.ShutdownGrace):
		w.logger.Event(debuglog.KindLifecycle, "shutdown grace period elapsed with jobs still running")
	}

	if err := removeHeartbeat(w.opts.Layout, w.host, w.pid); err != nil {
		w.logger.Event(debuglog.KindError, "remove heartbeat: %v", err)
	}
	return nil
}

func (w *Worker) currentPoll() time.Duration {
	w.reloadMu.RLock()
	defer w.reloadMu.RUnlock()
	return w.poll
}

func (w *Worker) currentRoute() *string {
	w.reloadMu.RLock()
	defer w.reloadMu.RUnlock()
	return w.route
}

func (w *Worker) currentDebug() bool {
	w.reloadMu.RLock()
	defer w.reloadMu.RUnlock()
	return w.debug
}

// reloadLoop watches the config file for writes via fsnotify and
// reloads route/poll_interval/debug on event, with a 1s poll fallback
// in case the filesystem doesn't deliver inotify events (expected on
// the network filesystems this tool targets). Values pinned on the
// command line (opts.Route set explicitly, MaxJobs) are never
// overwritten here — only the Options that started nil/zero adopt the
// reloaded value.
func (w *Worker) reloadLoop(ctx context.Context) {
	path := pgconfig.ConfigTargetPath(w.opts.ConfigPath)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		_ = watcher.Add(path)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var prev pgconfig.FileConfig
	if loaded, ok, lerr := pgconfig.LoadFileConfig(path); lerr == nil && ok {
		prev = loaded
	}

	reload := func() {
		next, changed, rerr := pgconfig.Reload(path, prev)
		if rerr != nil {
			w.logger.Event(debuglog.KindError, "config reload: %v", rerr)
			return
		}
		if !changed {
			return
		}
		prev = next
		w.applyReload(next)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reload()
		case ev, ok := <-watcherEvents(watcher):
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				reload()
			}
		}
	}
}

func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

func (w *Worker) applyReload(cfg pgconfig.FileConfig) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	if w.opts.Route == nil {
		w.route = cfg.WorkerRoute
	}
	if cfg.WorkerPollInterval != nil {
		w.poll = time.Duration(*cfg.WorkerPollInterval * float64(time.Second))
	}
	if cfg.WorkerDebug != nil {
		w.debug = *cfg.WorkerDebug
	}
	w.logger.Event(debuglog.KindLifecycle, "config reloaded")
}

func (w *Worker) publishHeartbeat() {
	w.activeMu.Lock()
	active := w.active
	w.activeMu.Unlock()

	if err := publishHeartbeat(w.opts.Layout, w.host, w.pid, w.currentRoute(), w.startedAt, nowEpoch(), w.opts.MaxJobs, active, w.opts.FsyncMode); err != nil {
		w.logger.Event(debuglog.KindError, "publish heartbeat: %v", err)
	}
}

// scanOnce lists sessions/ in lexicographic order and admits as many
// as fit under MaxJobs, per spec §4.6 step 2.
func (w *Worker) scanOnce(ctx context.Context, jobs *sync.WaitGroup) {
	ids, err := session.List(w.opts.Layout)
	if err != nil {
		w.logger.Event(debuglog.KindError, "list sessions: %v", err)
		return
	}

	for _, id := range ids {
		if w.activeCount() >= w.opts.MaxJobs {
			return
		}
		h := session.New(w.opts.Layout, id)
		if h.IsClaimed() {
			continue
		}
		if st, err := h.ReadStatus(); err == nil && (st.State == session.StateRunning || st.IsTerminal()) {
			continue
		}
		req, err := h.ReadRequest()
		if err != nil {
			_ = h.SetError(fmt.Sprintf("malformed request.json: %v", err), nowEpoch(), w.opts.FsyncMode)
			continue
		}
		if !RouteMatches(w.currentRoute(), req.Route, w.opts.AcceptUntagged) {
			continue
		}

		claim := session.Claim{Host: w.host, PID: w.pid, Epoch: nowEpoch()}
		if err := h.TryClaim(claim); err != nil {
			w.logger.Event(debuglog.KindQueue, "session=%s claim lost", id)
			continue
		}
		w.logger.Event(debuglog.KindQueue, "session=%s claimed", id)

		w.incActive()
		jobs.Add(1)
		go func(h session.Handle, req session.Request) {
			defer jobs.Done()
			defer w.decActive()
			w.runJob(ctx, h, req)
		}(h, req)
	}
}

func (w *Worker) activeCount() int {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	return w.active
}

func (w *Worker) incActive() {
	w.activeMu.Lock()
	w.active++
	w.activeMu.Unlock()
}

func (w *Worker) decActive() {
	w.activeMu.Lock()
	w.active--
	w.activeMu.Unlock()
}

// runJob executes one claimed session end to end: cwd lock, env
// build, status=running, stdin/control tailers, PtyRunner, terminal
// status, lock release. Matches spec §4.6's per-session job steps.
func (w *Worker) runJob(ctx context.Context, h session.Handle, req session.Request) {
	lock := filelock.New(w.opts.Layout.CwdLockPath(req.Cwd))
	w.logger.Event(debuglog.KindLock, "session=%s waiting cwd_lock", h.ID)
	if err := lock.Acquire(); err != nil {
		_ = h.SetError(fmt.Sprintf("cwd lock: %v", err), nowEpoch(), w.opts.FsyncMode)
		return
	}
	w.logger.Event(debuglog.KindLock, "session=%s acquired cwd_lock", h.ID)
	defer func() {
		_ = lock.Release()
		w.logger.Event(debuglog.KindLock, "session=%s released cwd_lock", h.ID)
	}()

	cfg, _, cerr := pgconfig.EnsureFileConfig(w.opts.ConfigPath)
	var remoteEnvMap map[string]string
	if cerr == nil {
		remoteEnvMap = cfg.RemoteEnv
	}
	env := BuildEnv(os.Environ(), req.EnvOverrides, remoteEnvMap)

	startedAt := nowEpoch()
	if err := h.TouchLogs(); err != nil {
		_ = h.SetError(fmt.Sprintf("touch logs: %v", err), nowEpoch(), w.opts.FsyncMode)
		return
	}
	if err := h.SetRunning(session.WorkerInfo{Host: w.host, PID: w.pid}, startedAt, w.opts.FsyncMode); err != nil {
		w.logger.Event(debuglog.KindError, "session=%s set running: %v", h.ID, err)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stdinCh := make(chan ptyrunner.StdinEvent, 8)
	controlCh := make(chan ptyrunner.ControlEvent, 8)

	group, _ := errgroup.WithContext(jobCtx)
	group.Go(func() error {
		tailStdin(jobCtx, h, stdinCh, w.currentPoll(), w.logger, h.ID)
		return nil
	})
	group.Go(func() error {
		tailControl(jobCtx, h, controlCh, w.currentPoll(), w.logger, h.ID)
		return nil
	})

	result, runErr := ptyrunner.Run(jobCtx, ptyrunner.Config{
		Argv:    req.Argv,
		Cwd:     req.Cwd,
		Env:     env,
		Cols:    req.Terminal.Cols,
		Rows:    req.Terminal.Rows,
		Stdin:   stdinCh,
		Control: controlCh,
		OutSink: func(fd int, data []byte) error {
			kind := debuglog.KindStdout
			if fd == 2 {
				kind = debuglog.KindStderr
			}
			w.logger.Event(kind, "session=%s fd=%d %s", h.ID, fd, debuglog.BytesPreview(data, 96))
			return h.AppendStream(session.StreamRecord{
				T:       nowEpoch() - startedAt,
				FD:      fd,
				DataB64: base64.StdEncoding.EncodeToString(data),
			}, w.opts.FsyncMode)
		},
	})
	cancel()
	_ = group.Wait()

	endedAt := nowEpoch()
	if runErr != nil {
		w.logger.Event(debuglog.KindFailure, "session=%s worker_error %v", h.ID, runErr)
		_ = h.SetError(runErr.Error(), endedAt, w.opts.FsyncMode)
		return
	}

	switch result.Kind {
	case ptyrunner.KindExited:
		w.logger.Event(debuglog.KindSuccess, "session=%s exited code=%d", h.ID, result.Code)
		_ = h.SetExited(result.Code, startedAt, endedAt, w.opts.FsyncMode)
	case ptyrunner.KindSignaled:
		w.logger.Event(debuglog.KindSignal, "session=%s signaled sig=%s", h.ID, result.Signal)
		_ = h.SetSignaled(result.Signal, startedAt, endedAt, w.opts.FsyncMode)
	}
}

func tailStdin(ctx context.Context, h session.Handle, out chan<- ptyrunner.StdinEvent, poll time.Duration, logger *debuglog.Logger, sessionID string) {
	cur := h.StdinCursor()
	defer close(out)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	onMalformed := func(line []byte, err error) {
		logger.Event(debuglog.KindError, "session=%s malformed stdin line: %v", sessionID, err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = applog.Tail(cur, onMalformed, func(rec session.StdinRecord) {
				if rec.EOF {
					out <- ptyrunner.StdinEvent{EOF: true}
					return
				}
				data, err := base64.StdEncoding.DecodeString(rec.DataB64)
				if err == nil {
					logger.Event(debuglog.KindStdin, "session=%s %s", sessionID, debuglog.BytesPreview(data, 96))
					out <- ptyrunner.StdinEvent{Data: data}
				}
			})
		}
	}
}

func tailControl(ctx context.Context, h session.Handle, out chan<- ptyrunner.ControlEvent, poll time.Duration, logger *debuglog.Logger, sessionID string) {
	cur := h.ControlCursor()
	defer close(out)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	onMalformed := func(line []byte, err error) {
		logger.Event(debuglog.KindError, "session=%s malformed control line: %v", sessionID, err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = applog.Tail(cur, onMalformed, func(rec session.ControlRecord) {
				switch rec.Kind {
				case session.ControlSignal:
					logger.Event(debuglog.KindSignal, "session=%s signal forwarded sig=%s", sessionID, rec.Signal)
					out <- ptyrunner.ControlEvent{Kind: ptyrunner.ControlSignal, Signal: rec.Signal}
				case session.ControlResize:
					out <- ptyrunner.ControlEvent{Kind: ptyrunner.ControlResize, Cols: rec.Cols, Rows: rec.Rows}
				}
			})
		}
	}
}
