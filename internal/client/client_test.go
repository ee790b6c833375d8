package client

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/schovi/pigeon/internal/applog"
	"github.com/schovi/pigeon/internal/debuglog"
	"github.com/schovi/pigeon/internal/layout"
	"github.com/schovi/pigeon/internal/session"
	"github.com/schovi/pigeon/internal/worker"
)

func TestTerminalExitCode(t *testing.T) {
	code := 0
	cases := []struct {
		name string
		st   session.Status
		want int
	}{
		{"exited zero", session.Status{State: session.StateExited, Code: &code}, 0},
		{"signaled term", session.Status{State: session.StateSignaled, Signal: "SIGTERM"}, 128 + 15},
		{"signaled kill", session.Status{State: session.StateSignaled, Signal: "SIGKILL"}, 128 + 9},
		{"error", session.Status{State: session.StateError, Message: "boom"}, ExitError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := terminalExitCode(tc.st); got != tc.want {
				t.Fatalf("terminalExitCode() = %d, want %d", got, tc.want)
			}
		})
	}
}

var sessionIDRe = regexp.MustCompile(`^[0-9]+-[0-9a-f]{12}$`)

func TestNewSessionIDFormat(t *testing.T) {
	id := newSessionID()
	if !sessionIDRe.MatchString(id) {
		t.Fatalf("newSessionID() = %q, want <millis>-<12 hex chars>", id)
	}
}

func TestFormatRemoteEnv(t *testing.T) {
	if got := formatRemoteEnv(nil); got != "<none>" {
		t.Fatalf("formatRemoteEnv(nil) = %q, want <none>", got)
	}
	got := formatRemoteEnv(map[string]string{"B": "2", "A": "1"})
	if got != "A=1, B=2" {
		t.Fatalf("formatRemoteEnv() = %q, want sorted A=1, B=2", got)
	}
}

func TestFormatWorkersEmpty(t *testing.T) {
	got := formatWorkers(nil)
	if len(got) != 1 || got[0] != "<none>" {
		t.Fatalf("formatWorkers(nil) = %v, want [<none>]", got)
	}
}

// TestRunEndToEndWithWorker starts a real worker against a temp
// layout and drives Run against it, exercising the full
// request-create -> claim -> run -> status-poll -> exit-code path.
func TestRunEndToEndWithWorker(t *testing.T) {
	root := t.TempDir()
	l := layout.New(root, "default")
	if err := l.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}

	w := worker.New(worker.Options{
		Layout:        l,
		MaxJobs:       2,
		PollInterval:  10 * time.Millisecond,
		FsyncMode:     applog.FsyncNever,
		ShutdownGrace: 2 * time.Second,
	}, debuglog.New("test", false, io.Discard), "testhost")

	wctx, wcancel := context.WithCancel(context.Background())
	defer wcancel()
	workerDone := make(chan struct{})
	go func() {
		_ = w.Run(wctx)
		close(workerDone)
	}()

	// give the worker a moment to publish its first heartbeat
	deadline := time.Now().Add(2 * time.Second)
	for {
		workers, _ := worker.Discover(l, nil, false, worker.DefaultHeartbeatStaleSeconds)
		if len(workers) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker heartbeat never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var stdout, stderr bytes.Buffer
	opts := Options{
		Layout:       l,
		FsyncMode:    applog.FsyncNever,
		WaitWorker:   time.Second,
		PollInterval: 10 * time.Millisecond,
		Stdin:        bytes.NewReader(nil),
		Stdout:       &stdout,
		Stderr:       &stderr,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	code, err := Run(ctx, []string{"/bin/sh", "-c", "echo hello; exit 5"}, opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != 5 {
		t.Fatalf("Run() code = %d, want 5", code)
	}
	if !bytes.Contains(stdout.Bytes(), []byte("hello")) {
		t.Fatalf("stdout = %q, want it to contain hello", stdout.String())
	}

	wcancel()
	<-workerDone
}
