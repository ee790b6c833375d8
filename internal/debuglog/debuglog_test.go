package debuglog

import (
	"bytes"
	"strings"
	"testing"
)

func TestEventDisabledIsNoop(t *testing.T) {
	var buf bytes.Buffer
	l := New("worker", false, &buf)
	l.Event(KindLifecycle, "worker start")
	if buf.Len() != 0 {
		t.Fatalf("expected no output when disabled, got %q", buf.String())
	}
}

func TestEventEnabledRendersKindAndMessage(t *testing.T) {
	var buf bytes.Buffer
	l := New("worker", true, &buf)
	l.Event(KindQueue, "session=%s claimed", "abc123")

	out := buf.String()
	if !strings.Contains(out, "[QUEUE]") {
		t.Fatalf("expected kind tag [QUEUE], got %q", out)
	}
	if !strings.Contains(out, "session=abc123 claimed") {
		t.Fatalf("expected formatted message, got %q", out)
	}
	if !strings.Contains(out, "[pigeon-worker]") {
		t.Fatalf("expected process prefix, got %q", out)
	}
}

func TestBytesPreviewTruncates(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 200)
	out := BytesPreview(data, 96)
	if !strings.Contains(out, "len=200") {
		t.Fatalf("expected len=200, got %q", out)
	}
	if !strings.Contains(out, "+104b") {
		t.Fatalf("expected truncation suffix, got %q", out)
	}
}

func TestBytesPreviewEscapesControlChars(t *testing.T) {
	out := BytesPreview([]byte("a\nb\rc\td"), 96)
	if !strings.Contains(out, `a\nb\rc\td`) {
		t.Fatalf("expected escaped control chars, got %q", out)
	}
}
