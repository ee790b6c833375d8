package session

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/schovi/pigeon/internal/applog"
	"github.com/schovi/pigeon/internal/layout"
)

// ErrAlreadyClaimed is returned by TryClaim when another worker won
// the exclusive-create race first.
var ErrAlreadyClaimed = errors.New("session: already claimed")

// ErrTerminal is returned when a caller tries to overwrite a status
// that has already reached a terminal state.
var ErrTerminal = errors.New("session: status already terminal")

// Handle is one session directory, addressed by its layout and id.
type Handle struct {
	Layout layout.Layout
	ID     string
}

// New returns a Handle for an existing or about-to-be-created session.
func New(l layout.Layout, id string) Handle {
	return Handle{Layout: l, ID: id}
}

// Create writes request.json atomically. It is the CREATED -> QUEUED
// transition: once this call returns, the session is visible to
// worker scanners.
func (h Handle) Create(req Request, mode applog.FsyncMode) error {
	if err := os.MkdirAll(h.Layout.SessionDir(h.ID), 0o755); err != nil {
		return fmt.Errorf("session: mkdir session dir: %w", err)
	}
	return atomicWriteJSON(h.Layout.RequestPath(h.ID), req, mode)
}

// ReadRequest loads request.json.
func (h Handle) ReadRequest() (Request, error) {
	var req Request
	err := readJSON(h.Layout.RequestPath(h.ID), &req)
	return req, err
}

// ReadStatus loads status.json. A missing file means the session is
// still QUEUED (or CLAIMED with no running status written yet); the
// caller distinguishes that case by checking os.IsNotExist on err.
func (h Handle) ReadStatus() (Status, error) {
	var st Status
	err := readJSON(h.Layout.StatusPath(h.ID), &st)
	return st, err
}

// TryClaim attempts the QUEUED -> CLAIMED transition via
// O_CREATE|O_EXCL on worker.claim. Exactly one caller across all
// workers racing this session succeeds.
func (h Handle) TryClaim(claim Claim) error {
	path := h.Layout.ClaimPath(h.ID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrAlreadyClaimed
		}
		return fmt.Errorf("session: create claim %s: %w", path, err)
	}
	defer f.Close()

	data, err := marshalClaim(claim)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("session: write claim %s: %w", path, err)
	}
	return nil
}

// IsClaimed reports whether worker.claim already exists.
func (h Handle) IsClaimed() bool {
	_, err := os.Stat(h.Layout.ClaimPath(h.ID))
	return err == nil
}

// writeStatus enforces the monotonic transition rule: a terminal
// status is never overwritten.
func (h Handle) writeStatus(st Status, mode applog.FsyncMode) error {
	existing, err := h.ReadStatus()
	if err == nil && existing.IsTerminal() {
		return ErrTerminal
	}
	return atomicWriteJSON(h.Layout.StatusPath(h.ID), st, mode)
}

// SetRunning writes the CLAIMED -> RUNNING status.
func (h Handle) SetRunning(worker WorkerInfo, startedAt float64, mode applog.FsyncMode) error {
	return h.writeStatus(Status{
		State:     StateRunning,
		Worker:    &worker,
		StartedAt: startedAt,
	}, mode)
}

// SetExited writes the RUNNING -> DONE(exited) terminal status.
func (h Handle) SetExited(code int, startedAt, endedAt float64, mode applog.FsyncMode) error {
	c := code
	return h.writeStatus(Status{
		State:     StateExited,
		Code:      &c,
		StartedAt: startedAt,
		EndedAt:   endedAt,
	}, mode)
}

// SetSignaled writes the RUNNING -> DONE(signaled) terminal status.
func (h Handle) SetSignaled(signal string, startedAt, endedAt float64, mode applog.FsyncMode) error {
	return h.writeStatus(Status{
		State:     StateSignaled,
		Signal:    signal,
		StartedAt: startedAt,
		EndedAt:   endedAt,
	}, mode)
}

// SetError writes the terminal error status; this may be reached from
// QUEUED (malformed request), CLAIMED, or RUNNING.
func (h Handle) SetError(message string, endedAt float64, mode applog.FsyncMode) error {
	return h.writeStatus(Status{
		State:   StateError,
		Message: message,
		EndedAt: endedAt,
	}, mode)
}

// AppendStream appends one stream.jsonl record.
func (h Handle) AppendStream(rec StreamRecord, mode applog.FsyncMode) error {
	return applog.Append(h.Layout.StreamPath(h.ID), rec, mode)
}

// AppendStdin appends one stdin.jsonl record.
func (h Handle) AppendStdin(rec StdinRecord, mode applog.FsyncMode) error {
	return applog.Append(h.Layout.StdinPath(h.ID), rec, mode)
}

// AppendControl appends one control.jsonl record.
func (h Handle) AppendControl(rec ControlRecord, mode applog.FsyncMode) error {
	return applog.Append(h.Layout.ControlPath(h.ID), rec, mode)
}

// StreamCursor returns a fresh tail cursor over stream.jsonl.
func (h Handle) StreamCursor() *applog.Cursor {
	return applog.NewCursor(h.Layout.StreamPath(h.ID))
}

// StdinCursor returns a fresh tail cursor over stdin.jsonl.
func (h Handle) StdinCursor() *applog.Cursor {
	return applog.NewCursor(h.Layout.StdinPath(h.ID))
}

// ControlCursor returns a fresh tail cursor over control.jsonl.
func (h Handle) ControlCursor() *applog.Cursor {
	return applog.NewCursor(h.Layout.ControlPath(h.ID))
}

// TouchLogs creates empty stream/stdin/control files so tailers never
// have to special-case "doesn't exist yet".
func (h Handle) TouchLogs() error {
	for _, path := range []string{
		h.Layout.StreamPath(h.ID),
		h.Layout.StdinPath(h.ID),
		h.Layout.ControlPath(h.ID),
	} {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("session: touch %s: %w", path, err)
		}
		f.Close()
	}
	return nil
}

// List returns session ids under l.SessionsDir(), in lexicographic
// order — the order the worker scanner must honor.
func List(l layout.Layout) ([]string, error) {
	entries, err := os.ReadDir(l.SessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: list sessions dir: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
