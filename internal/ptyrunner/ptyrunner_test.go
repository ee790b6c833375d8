package ptyrunner

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestRunExitCode(t *testing.T) {
	var out strings.Builder
	cfg := Config{
		Argv: []string{"/bin/sh", "-c", "exit 7"},
		Cwd:  t.TempDir(),
		Env:  os.Environ(),
		Cols: 80,
		Rows: 24,
		OutSink: func(fd int, data []byte) error {
			out.Write(data)
			return nil
		},
	}
	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Kind != KindExited || res.Code != 7 {
		t.Fatalf("expected exited/7, got %+v", res)
	}
}

func TestRunCapturesOutput(t *testing.T) {
	var out strings.Builder
	cfg := Config{
		Argv: []string{"/bin/sh", "-c", "echo hi"},
		Cwd:  t.TempDir(),
		Env:  os.Environ(),
		Cols: 80,
		Rows: 24,
		OutSink: func(fd int, data []byte) error {
			out.Write(data)
			return nil
		},
	}
	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Kind != KindExited || res.Code != 0 {
		t.Fatalf("expected exited/0, got %+v", res)
	}
	if !strings.Contains(out.String(), "hi") {
		t.Fatalf("expected output to contain %q, got %q", "hi", out.String())
	}
}

func TestRunStdinDelivery(t *testing.T) {
	var out strings.Builder
	stdin := make(chan StdinEvent, 2)
	stdin <- StdinEvent{Data: []byte("abc\n")}
	stdin <- StdinEvent{EOF: true}
	close(stdin)

	cfg := Config{
		Argv:  []string{"/bin/sh", "-c", "read x; echo got $x"},
		Cwd:   t.TempDir(),
		Env:   os.Environ(),
		Cols:  80,
		Rows:  24,
		Stdin: stdin,
		OutSink: func(fd int, data []byte) error {
			out.Write(data)
			return nil
		},
	}
	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Kind != KindExited || res.Code != 0 {
		t.Fatalf("expected exited/0, got %+v", res)
	}
	if !strings.Contains(out.String(), "got abc") {
		t.Fatalf("expected output to contain %q, got %q", "got abc", out.String())
	}
}

func TestRunEmptyArgv(t *testing.T) {
	_, err := Run(context.Background(), Config{})
	if err == nil {
		t.Fatalf("expected error for empty argv")
	}
}

func TestRunSignaled(t *testing.T) {
	var out strings.Builder
	control := make(chan ControlEvent, 1)

	cfg := Config{
		Argv:    []string{"/bin/sh", "-c", "sleep 30"},
		Cwd:     t.TempDir(),
		Env:     os.Environ(),
		Cols:    80,
		Rows:    24,
		Control: control,
		OutSink: func(fd int, data []byte) error {
			out.Write(data)
			return nil
		},
	}

	done := make(chan Result, 1)
	errc := make(chan error, 1)
	go func() {
		res, err := Run(context.Background(), cfg)
		done <- res
		errc <- err
	}()

	time.Sleep(200 * time.Millisecond)
	control <- ControlEvent{Kind: ControlSignal, Signal: "SIGKILL"}

	select {
	case res := <-done:
		if err := <-errc; err != nil {
			t.Fatalf("run: %v", err)
		}
		if res.Kind != KindSignaled || res.Signal != "SIGKILL" {
			t.Fatalf("expected signaled/SIGKILL, got %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for signaled child")
	}
}
