// Package ptyrunner is the PTY execution engine: given an argv, a
// working directory, an environment, and streams of stdin/control
// events, it runs the child under a pseudo-terminal and hands output
// chunks to a sink until the child exits. Grounded on the teacher's
// internal/daemon/server.go handleCreate/captureOutput (pty.Start +
// buffered-read loop) and on the original implementation's
// worker.py _run_session_once.
package ptyrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sync/errgroup"
)

// ChunkCap bounds a single output record, per spec.
const ChunkCap = 64 * 1024

// StdinEvent is one entry from the stdin stream: either Data or EOF,
// never both.
type StdinEvent struct {
	Data []byte
	EOF  bool
}

// Control event kinds.
const (
	ControlSignal = "signal"
	ControlResize = "resize"
)

// ControlEvent is one entry from the control stream.
type ControlEvent struct {
	Kind   string
	Signal string // SIGINT | SIGTERM | SIGQUIT, when Kind == ControlSignal
	Cols   int
	Rows   int
}

// Config is everything needed to spawn and run one session.
type Config struct {
	Argv   []string
	Cwd    string
	Env    []string
	Cols   int
	Rows   int
	Stdin  <-chan StdinEvent
	Control <-chan ControlEvent
	// OutSink is called once per output chunk (fd is always 1: the PTY
	// merges stdout/stderr into a single stream). It must not block for
	// long — it is called on the hot read loop.
	OutSink func(fd int, data []byte) error
	// DrainTimeout bounds how long to wait, after the child exits, for
	// any trailing bytes still buffered in the PTY master.
	DrainTimeout time.Duration
}

// Kind of terminal result.
const (
	KindExited   = "exited"
	KindSignaled = "signaled"
)

// Result is what happened to the child.
type Result struct {
	Kind   string // exited | signaled
	Code   int    // valid when Kind == exited
	Signal string // valid when Kind == signaled, e.g. "SIGKILL"
}

var signalNames = map[syscall.Signal]string{
	syscall.SIGINT:  "SIGINT",
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGQUIT: "SIGQUIT",
	syscall.SIGKILL: "SIGKILL",
	syscall.SIGHUP:  "SIGHUP",
	syscall.SIGABRT: "SIGABRT",
}

var namedSignals = map[string]syscall.Signal{
	"SIGINT":  syscall.SIGINT,
	"SIGTERM": syscall.SIGTERM,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGKILL": syscall.SIGKILL,
	"SIGHUP":  syscall.SIGHUP,
	"SIGABRT": syscall.SIGABRT,
}

// Run spawns the child under a PTY and blocks until it exits,
// forwarding stdin/control events and output concurrently. If the
// child cannot even be spawned, it returns a non-nil error (the
// caller translates that into status=error); once spawned, all other
// failures are folded into the Result or logged, never returned as an
// error, per the engine's own contract.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if len(cfg.Argv) == 0 {
		return Result{}, errors.New("ptyrunner: empty argv")
	}

	cmd := exec.Command(cfg.Argv[0], cfg.Argv[1:]...)
	cmd.Dir = cfg.Cwd
	cmd.Env = cfg.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(cfg.Rows),
		Cols: uint16(cfg.Cols),
	})
	if err != nil {
		return Result{}, fmt.Errorf("ptyrunner: start: %w", err)
	}
	defer master.Close()

	// replayCtx is canceled once the child has exited so the stdin and
	// control replay goroutines stop even if their channels stay open.
	replayCtx, stopReplay := context.WithCancel(ctx)
	defer stopReplay()
	group, gctx := errgroup.WithContext(replayCtx)

	group.Go(func() error {
		return pumpOutput(master, cfg.OutSink)
	})
	group.Go(func() error {
		replayStdin(gctx, master, cfg.Stdin)
		return nil
	})
	group.Go(func() error {
		replayControl(gctx, master, cmd, cfg.Control)
		return nil
	})

	waitErr := cmd.Wait()

	drainTimeout := cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 200 * time.Millisecond
	}
	drainRemaining(master, cfg.OutSink, drainTimeout)
	master.Close()
	stopReplay()

	_ = group.Wait()

	return resultFromWaitErr(waitErr), nil
}

func pumpOutput(master *os.File, sink func(fd int, data []byte) error) error {
	buf := make([]byte, ChunkCap)
	for {
		n, err := master.Read(buf)
		if n > 0 && sink != nil {
			if serr := sink(1, append([]byte(nil), buf[:n]...)); serr != nil {
				return serr
			}
		}
		if err != nil {
			// A closed PTY master reads back EIO on Linux; that is the
			// normal signal the child has exited and the slave is gone,
			// not a transient error to retry.
			return nil
		}
	}
}

func drainRemaining(master *os.File, sink func(fd int, data []byte) error, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, ChunkCap)
	for time.Now().Before(deadline) {
		master.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		n, err := master.Read(buf)
		if n > 0 && sink != nil {
			sink(1, append([]byte(nil), buf[:n]...))
		}
		if err != nil && !isTimeout(err) {
			return
		}
	}
}

func replayStdin(ctx context.Context, master *os.File, events <-chan StdinEvent) {
	eof := false
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if eof {
				// later bytes after EOF are dropped per spec boundary behavior
				continue
			}
			if ev.EOF {
				eof = true
				master.Write([]byte{0x04}) // send Ctrl-D/EOT rather than closing the master
				continue
			}
			if len(ev.Data) > 0 {
				master.Write(ev.Data)
			}
		}
	}
}

func replayControl(ctx context.Context, master *os.File, cmd *exec.Cmd, events <-chan ControlEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case ControlResize:
				pty.Setsize(master, &pty.Winsize{Rows: uint16(ev.Rows), Cols: uint16(ev.Cols)})
			case ControlSignal:
				deliverSignal(cmd, ev.Signal)
			}
		}
	}
}

func deliverSignal(cmd *exec.Cmd, name string) {
	sig, ok := namedSignals[name]
	if !ok || cmd.Process == nil {
		return
	}
	// negative pid targets the whole process group (Setpgid: true above
	// makes the child its own group leader).
	syscall.Kill(-cmd.Process.Pid, sig)
}

func resultFromWaitErr(waitErr error) Result {
	if waitErr == nil {
		return Result{Kind: KindExited, Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				name := signalNames[ws.Signal()]
				if name == "" {
					name = ws.Signal().String()
				}
				return Result{Kind: KindSignaled, Signal: name}
			}
			return Result{Kind: KindExited, Code: ws.ExitStatus()}
		}
		return Result{Kind: KindExited, Code: exitErr.ExitCode()}
	}
	return Result{Kind: KindExited, Code: -1}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

