package layout

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
)

func TestSessionPaths(t *testing.T) {
	l := New("/cache", "acme")
	sid := "1700000000000-abc123"

	cases := []struct {
		name string
		got  string
		want string
	}{
		{"sessions dir", l.SessionsDir(), "/cache/namespaces/acme/sessions"},
		{"locks dir", l.LocksDir(), "/cache/namespaces/acme/locks"},
		{"workers dir", l.WorkersDir(), "/cache/namespaces/acme/workers"},
		{"session dir", l.SessionDir(sid), filepath.Join("/cache/namespaces/acme/sessions", sid)},
		{"request", l.RequestPath(sid), filepath.Join("/cache/namespaces/acme/sessions", sid, "request.json")},
		{"status", l.StatusPath(sid), filepath.Join("/cache/namespaces/acme/sessions", sid, "status.json")},
		{"stream", l.StreamPath(sid), filepath.Join("/cache/namespaces/acme/sessions", sid, "stream.jsonl")},
		{"stdin", l.StdinPath(sid), filepath.Join("/cache/namespaces/acme/sessions", sid, "stdin.jsonl")},
		{"control", l.ControlPath(sid), filepath.Join("/cache/namespaces/acme/sessions", sid, "control.jsonl")},
		{"claim", l.ClaimPath(sid), filepath.Join("/cache/namespaces/acme/sessions", sid, "worker.claim")},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, tc.got, tc.want)
		}
	}
}

func TestWorkerHeartbeatPath(t *testing.T) {
	l := New("/cache", "acme")
	got := l.WorkerHeartbeatPath("worker-host.local", 4242)
	want := "/cache/namespaces/acme/workers/worker-host.local-4242.json"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCwdLockPath(t *testing.T) {
	l := New("/cache", "acme")
	cwd := "/home/user/project"
	got := l.CwdLockPath(cwd)

	sum := sha256.Sum256([]byte(cwd))
	want := filepath.Join("/cache/namespaces/acme/locks", hex.EncodeToString(sum[:])+".lock")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	// same cwd always maps to the same path
	if got2 := l.CwdLockPath(cwd); got2 != got {
		t.Errorf("not deterministic: %q != %q", got2, got)
	}

	// different cwd maps elsewhere
	if other := l.CwdLockPath("/home/user/other"); other == got {
		t.Errorf("distinct cwds collided on %q", other)
	}
}
