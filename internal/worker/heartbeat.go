package worker

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/schovi/pigeon/internal/applog"
	"github.com/schovi/pigeon/internal/layout"
	"github.com/schovi/pigeon/internal/session"
)

// DefaultHeartbeatStaleSeconds is the freshness window clients use to
// decide a worker is live, per the original implementation's
// WORKER_HEARTBEAT_STALE_SECONDS.
const DefaultHeartbeatStaleSeconds = 3.0

func heartbeatPath(l layout.Layout, host string, pid int) string {
	return l.WorkerHeartbeatPath(host, pid)
}

func publishHeartbeat(l layout.Layout, host string, pid int, route *string, startedAt, now float64, maxJobs, active int, mode applog.FsyncMode) error {
	hb := session.Heartbeat{
		Host:      host,
		PID:       pid,
		Route:     route,
		StartedAt: startedAt,
		UpdatedAt: now,
		MaxJobs:   maxJobs,
		Active:    active,
	}
	return session.AtomicWriteJSON(heartbeatPath(l, host, pid), hb, mode)
}

func removeHeartbeat(l layout.Layout, host string, pid int) error {
	err := os.Remove(heartbeatPath(l, host, pid))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsLive reports whether a heartbeat's UpdatedAt is within
// staleSeconds of now.
func IsLive(hb session.Heartbeat, now, staleSeconds float64) bool {
	return now-hb.UpdatedAt <= staleSeconds
}

// nowEpoch returns the current time as epoch seconds, matching the
// float timestamps used throughout the wire schema.
func nowEpoch() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Discover lists the workers/ directory and returns every heartbeat
// that both route-matches reqRoute and is still live, sorted by
// filename for deterministic output. Grounded on the original
// implementation's common.py discover_active_workers.
func Discover(l layout.Layout, reqRoute *string, acceptUntagged bool, staleSeconds float64) ([]session.Heartbeat, error) {
	entries, err := os.ReadDir(l.WorkersDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	now := nowEpoch()
	out := make([]session.Heartbeat, 0, len(names))
	for _, name := range names {
		var hb session.Heartbeat
		if err := readHeartbeatFile(l, name, &hb); err != nil {
			continue
		}
		if !RouteMatches(hb.Route, reqRoute, acceptUntagged) {
			continue
		}
		if !IsLive(hb, now, staleSeconds) {
			continue
		}
		out = append(out, hb)
	}
	return out, nil
}

func readHeartbeatFile(l layout.Layout, name string, hb *session.Heartbeat) error {
	return session.ReadJSONFile(filepath.Join(l.WorkersDir(), name), hb)
}
