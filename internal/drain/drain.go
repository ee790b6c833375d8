// Package drain implements the client's "wait for the stdout pump to
// settle" step: poll a growing byte length until it is unchanged
// across two consecutive polls, or give up after a timeout. Adapted
// from the teacher's internal/wait.ForOutput, which did the same
// settle-detection for a different source (poll a length, stop once
// stable) but also supported pattern matching that this use case does
// not need.
package drain

import (
	"fmt"
	"time"
)

// DefaultPollInterval matches the teacher's wait package default.
const DefaultPollInterval = 50 * time.Millisecond

// LenFunc reports the current length of the thing being drained (e.g.
// the byte size of stream.jsonl).
type LenFunc func() (int64, error)

// Config controls UntilStable.
type Config struct {
	// PollInterval between length checks; defaults to
	// DefaultPollInterval.
	PollInterval time.Duration
	// Timeout bounds the whole wait; zero means no timeout.
	Timeout time.Duration
	// StableReads is how many consecutive equal reads count as settled.
	// Per spec this is 2.
	StableReads int
}

// UntilStable polls lenFn until it returns the same value
// cfg.StableReads times in a row, or the timeout elapses. It returns
// the last observed length.
func UntilStable(lenFn LenFunc, cfg Config) (int64, error) {
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = DefaultPollInterval
	}
	stableReads := cfg.StableReads
	if stableReads == 0 {
		stableReads = 2
	}

	var deadline time.Time
	hasDeadline := cfg.Timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(cfg.Timeout)
	}

	var last int64 = -1
	consecutive := 0

	for {
		cur, err := lenFn()
		if err != nil {
			return 0, fmt.Errorf("drain: read length: %w", err)
		}
		if cur == last {
			consecutive++
			if consecutive >= stableReads {
				return cur, nil
			}
		} else {
			consecutive = 1
			last = cur
		}

		if hasDeadline && time.Now().After(deadline) {
			return last, nil
		}
		time.Sleep(pollInterval)
	}
}
