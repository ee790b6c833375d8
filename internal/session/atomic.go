package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schovi/pigeon/internal/applog"
)

// AtomicWriteJSON is the exported form of atomicWriteJSON, for
// collaborators (like the worker's heartbeat writer) that need the
// same write-temp-then-rename guarantee outside a session directory.
func AtomicWriteJSON(path string, v any, mode applog.FsyncMode) error {
	return atomicWriteJSON(path, v, mode)
}

// atomicWriteJSON marshals v and writes it to path via a temp file in
// the same directory followed by rename, so any reader either sees the
// old complete contents or the new complete contents, never a partial
// write. Grounded on the original implementation's atomic_write_json
// (tempfile + fsync + os.replace).
func atomicWriteJSON(path string, v any, mode applog.FsyncMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("session: mkdir %s: %w", dir, err)
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("session: create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("session: write temp %s: %w", tmpName, err)
	}
	if mode == applog.FsyncAlways {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return fmt.Errorf("session: fsync temp %s: %w", tmpName, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: close temp %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("session: rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}

// readJSON reads and unmarshals path into v.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ReadJSONFile is the exported form of readJSON, for collaborators
// (like the worker's heartbeat scanner) that need to decode an
// arbitrary JSON file outside a session directory.
func ReadJSONFile(path string, v any) error {
	return readJSON(path, v)
}

// marshalClaim encodes a Claim for TryClaim. TryClaim creates
// worker.claim with O_CREATE|O_EXCL and writes these bytes in a
// separate call, so a reader that opens the file between the two sees
// it empty; the file's existence, not its contents, is the claim.
func marshalClaim(c Claim) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("session: marshal claim: %w", err)
	}
	return data, nil
}
