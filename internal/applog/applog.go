// Package applog implements the append-only JSONL record log used for a
// session's stream/stdin/control files: one writer, many tailers, no
// blocking reads.
package applog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// FsyncMode controls whether Append fsyncs after every write.
type FsyncMode int

const (
	FsyncNever FsyncMode = iota
	FsyncAlways
)

// FsyncModeFromEnv reads PIGEON_APPEND_FSYNC ("always"|"never", default
// "never").
func FsyncModeFromEnv() FsyncMode {
	switch os.Getenv("PIGEON_APPEND_FSYNC") {
	case "always":
		return FsyncAlways
	default:
		return FsyncNever
	}
}

// Append opens path in append mode (creating it if missing), marshals
// record as one JSON line, and writes it terminated by \n.
func Append(path string, record any, mode FsyncMode) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("applog: open %s: %w", path, err)
	}
	defer f.Close()

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("applog: marshal record: %w", err)
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("applog: write %s: %w", path, err)
	}
	if mode == FsyncAlways {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("applog: fsync %s: %w", path, err)
		}
	}
	return nil
}

// Cursor tracks a tailer's byte offset into one append log.
type Cursor struct {
	path   string
	offset int64
}

// NewCursor returns a cursor starting at offset 0 (the beginning of the
// log). Tailing from offset 0 after one Append yields that record
// exactly once.
func NewCursor(path string) *Cursor {
	return &Cursor{path: path}
}

// Offset reports the cursor's current byte position.
func (c *Cursor) Offset() int64 {
	return c.offset
}

// OnMalformed is called with the offending line and error for any line
// that fails to unmarshal; a nil handler silently skips it.
type OnMalformed func(line []byte, err error)

// Tail reads from the cursor's offset to EOF, decodes each complete
// line into a new T via json.Unmarshal, and calls emit for each decoded
// record in order. The offset advances only past complete (\n
// terminated) lines; a partial trailing line is left for the next
// call. Tail never blocks on missing data — it just returns early.
func Tail[T any](c *Cursor, onMalformed OnMalformed, emit func(T)) error {
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("applog: open %s: %w", c.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(c.offset, 0); err != nil {
		return fmt.Errorf("applog: seek %s: %w", c.path, err)
	}

	reader := bufio.NewReader(f)
	var consumed int64
	for {
		line, _ := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			consumed += int64(len(line))
			trimmed := bytes.TrimRight(line, "\n")
			var rec T
			if uerr := json.Unmarshal(trimmed, &rec); uerr != nil {
				if onMalformed != nil {
					onMalformed(trimmed, uerr)
				}
				continue
			}
			emit(rec)
			continue
		}
		// partial trailing line (or EOF with nothing pending): don't advance past it
		break
	}
	c.offset += consumed
	return nil
}
