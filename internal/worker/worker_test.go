package worker

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/schovi/pigeon/internal/applog"
	"github.com/schovi/pigeon/internal/debuglog"
	"github.com/schovi/pigeon/internal/layout"
	"github.com/schovi/pigeon/internal/session"
)

func newTestLayout(t *testing.T) layout.Layout {
	t.Helper()
	root := t.TempDir()
	l := layout.New(root, "default")
	if err := l.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	return l
}

func TestWorkerRunsQueuedSessionToCompletion(t *testing.T) {
	l := newTestLayout(t)
	cwd := t.TempDir()

	id := "sess-1"
	h := session.New(l, id)
	if err := h.Create(session.Request{
		SessionID: id,
		Cwd:       cwd,
		Argv:      []string{"/bin/sh", "-c", "exit 7"},
		Terminal:  session.Terminal{Cols: 80, Rows: 24},
	}, applog.FsyncNever); err != nil {
		t.Fatalf("create session: %v", err)
	}

	opts := Options{
		Layout:        l,
		MaxJobs:       2,
		PollInterval:  10 * time.Millisecond,
		FsyncMode:     applog.FsyncNever,
		ShutdownGrace: 2 * time.Second,
	}
	w := New(opts, debuglog.New("test", false, io.Discard), "testhost")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	var st session.Status
	for time.Now().Before(deadline) {
		var err error
		st, err = h.ReadStatus()
		if err == nil && st.IsTerminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	<-done

	if st.State != session.StateExited {
		t.Fatalf("state = %q, want exited", st.State)
	}
	if st.Code == nil || *st.Code != 7 {
		t.Fatalf("code = %v, want 7", st.Code)
	}
	if !h.IsClaimed() {
		t.Fatalf("expected session to be claimed")
	}
	if _, err := os.Stat(l.WorkerHeartbeatPath("testhost", w.pid)); !os.IsNotExist(err) {
		t.Fatalf("expected heartbeat removed after clean shutdown, stat err = %v", err)
	}
}

func TestWorkerSkipsMismatchedRoute(t *testing.T) {
	l := newTestLayout(t)
	cwd := t.TempDir()
	route := "gpu"

	id := "sess-routed"
	h := session.New(l, id)
	if err := h.Create(session.Request{
		SessionID: id,
		Cwd:       cwd,
		Argv:      []string{"/bin/sh", "-c", "exit 0"},
		Route:     &route,
		Terminal:  session.Terminal{Cols: 80, Rows: 24},
	}, applog.FsyncNever); err != nil {
		t.Fatalf("create session: %v", err)
	}

	opts := Options{
		Layout:        l,
		MaxJobs:       1,
		PollInterval:  10 * time.Millisecond,
		FsyncMode:     applog.FsyncNever,
		ShutdownGrace: 500 * time.Millisecond,
	}
	w := New(opts, debuglog.New("test", false, io.Discard), "testhost")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	if h.IsClaimed() {
		t.Fatalf("unrouted worker must not claim a routed session")
	}
}

func TestRouteMatchesStrictEquality(t *testing.T) {
	gpu := "gpu"
	cpu := "cpu"

	cases := []struct {
		name           string
		workerRoute    *string
		reqRoute       *string
		acceptUntagged bool
		want           bool
	}{
		{"both nil", nil, nil, false, true},
		{"worker nil req set", nil, &gpu, false, false},
		{"worker set req nil no accept", &gpu, nil, false, false},
		{"worker set req nil accept", &gpu, nil, true, true},
		{"matching", &gpu, &gpu, false, true},
		{"mismatched", &gpu, &cpu, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RouteMatches(tc.workerRoute, tc.reqRoute, tc.acceptUntagged); got != tc.want {
				t.Fatalf("RouteMatches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBuildEnvLayering(t *testing.T) {
	base := []string{"PATH=/usr/bin", "FOO=base"}
	overrides := map[string]string{"FOO": "override", "BAR": "override"}
	remote := map[string]string{"BAR": "remote-wins"}

	out := BuildEnv(base, overrides, remote)

	got := map[string]string{}
	for _, kv := range out {
		k, v, _ := splitEnv(kv)
		got[k] = v
	}
	if got["FOO"] != "override" {
		t.Fatalf("FOO = %q, want override", got["FOO"])
	}
	if got["BAR"] != "remote-wins" {
		t.Fatalf("BAR = %q, want remote-wins", got["BAR"])
	}
	if got["PATH"] != "/usr/bin" {
		t.Fatalf("PATH = %q, want /usr/bin", got["PATH"])
	}
}

func TestIsLiveStaleness(t *testing.T) {
	hb := session.Heartbeat{UpdatedAt: 100.0}
	if !IsLive(hb, 102.0, 3.0) {
		t.Fatalf("expected live within window")
	}
	if IsLive(hb, 104.0, 3.0) {
		t.Fatalf("expected stale outside window")
	}
}
