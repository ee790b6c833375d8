package filelock

import (
	"path/filepath"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "cwd.lock")

	l := New(path)
	if err := l.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !l.Locked() {
		t.Fatalf("expected Locked() true after Acquire")
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestTryAcquireConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cwd.lock")

	first := New(path)
	if err := first.Acquire(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer first.Release()

	second := New(path)
	ok, err := second.TryAcquire()
	if err != nil {
		t.Fatalf("try-acquire: %v", err)
	}
	if ok {
		t.Fatalf("expected try-acquire to fail while first holder is locked")
	}
}

func TestTryAcquireSucceedsWhenFree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cwd.lock")

	l := New(path)
	ok, err := l.TryAcquire()
	if err != nil {
		t.Fatalf("try-acquire: %v", err)
	}
	if !ok {
		t.Fatalf("expected try-acquire to succeed on an unheld lock")
	}
	_ = l.Release()
}
