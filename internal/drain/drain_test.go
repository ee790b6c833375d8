package drain

import (
	"testing"
	"time"
)

func TestUntilStableWaitsForTwoEqualReads(t *testing.T) {
	lengths := []int64{0, 5, 5, 5}
	i := 0
	lenFn := func() (int64, error) {
		v := lengths[i]
		if i < len(lengths)-1 {
			i++
		}
		return v, nil
	}

	got, err := UntilStable(lenFn, Config{PollInterval: time.Millisecond, StableReads: 2})
	if err != nil {
		t.Fatalf("until stable: %v", err)
	}
	if got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
	if i < 3 {
		t.Fatalf("expected to have read at least 3 times, read %d", i)
	}
}

func TestUntilStableRespectsTimeout(t *testing.T) {
	n := int64(0)
	lenFn := func() (int64, error) {
		n++
		return n, nil // never stabilizes
	}

	start := time.Now()
	_, err := UntilStable(lenFn, Config{PollInterval: time.Millisecond, Timeout: 20 * time.Millisecond, StableReads: 2})
	if err != nil {
		t.Fatalf("until stable: %v", err)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("took too long to respect timeout")
	}
}
