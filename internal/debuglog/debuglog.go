// Package debuglog is the structured, color-coded debug logger the
// worker and client use for lifecycle/queue/lock/stdin/stdout/stderr/
// signal/success/failure/error/transport/info events. Grounded on the
// original implementation's worker.py _debug_log/_paint, rebuilt on
// github.com/sirupsen/logrus instead of hand-rolled ANSI escapes so
// the palette is a logrus.Formatter like the rest of the ecosystem
// does it.
package debuglog

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Kind is the event category; it picks the color and doubles as the
// bracketed tag in the rendered line.
type Kind string

const (
	KindLifecycle Kind = "lifecycle"
	KindQueue     Kind = "queue"
	KindLock      Kind = "lock"
	KindStdin     Kind = "stdin"
	KindStdout    Kind = "stdout"
	KindStderr    Kind = "stderr"
	KindSignal    Kind = "signal"
	KindSuccess   Kind = "success"
	KindFailure   Kind = "failure"
	KindError     Kind = "error"
	KindTransport Kind = "transport"
	KindInfo      Kind = "info"
)

var kindColors = map[Kind]color.Attribute{
	KindLifecycle: color.FgHiCyan,
	KindQueue:     color.FgHiMagenta,
	KindLock:      color.FgHiBlue,
	KindStdin:     color.FgHiGreen,
	KindStdout:    color.FgWhite,
	KindStderr:    color.FgHiYellow,
	KindSignal:    color.FgHiRed,
	KindSuccess:   color.FgHiGreen,
	KindFailure:   color.FgHiRed,
	KindError:     color.FgHiRed,
	KindTransport: color.FgCyan,
	KindInfo:      color.FgHiBlack,
}

const kindFieldKey = "kind"

// Logger wraps a *logrus.Logger scoped to one process name ("worker",
// "client") and exposes an Event(kind, message) entry point.
type Logger struct {
	entry *logrus.Entry
}

// New returns a Logger. enabled mirrors the original's --debug/
// worker.debug flag: when false, Event is a no-op regardless of
// logrus level, matching _debug_log's own early return.
func New(process string, enabled bool, out io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetFormatter(&paletteFormatter{supportsColor: supportsColor(out)})
	if enabled {
		base.SetLevel(logrus.DebugLevel)
	} else {
		base.SetLevel(logrus.PanicLevel + 1) // effectively silent
	}
	return &Logger{entry: base.WithField("process", process)}
}

// Event logs one structured debug line, formatted message+args like
// fmt.Sprintf.
func (l *Logger) Event(kind Kind, format string, args ...any) {
	l.entry.WithField(kindFieldKey, kind).Debug(fmt.Sprintf(format, args...))
}

func supportsColor(out io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	if strings.EqualFold(os.Getenv("TERM"), "dumb") {
		return false
	}
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd())
}

// paletteFormatter renders [pigeon-<process>][debug][<KIND>] HH:MM:SS
// message, colorizing the kind tag and message the way the original's
// _debug_log does.
type paletteFormatter struct {
	supportsColor bool
}

func (f *paletteFormatter) Format(e *logrus.Entry) ([]byte, error) {
	process, _ := e.Data["process"].(string)
	kind, _ := e.Data[kindFieldKey].(Kind)
	if kind == "" {
		kind = KindInfo
	}
	attr, ok := kindColors[kind]
	if !ok {
		attr = kindColors[KindInfo]
	}

	prefix := paint(fmt.Sprintf("[pigeon-%s]", process), color.FgHiBlack, f.supportsColor)
	debugTag := paint("[debug]", color.Faint, f.supportsColor)
	kindTag := paint(fmt.Sprintf("[%s]", strings.ToUpper(string(kind))), attr, f.supportsColor)
	ts := paint(e.Time.Format("15:04:05"), color.FgHiBlack, f.supportsColor)
	msg := paint(e.Message, attr, f.supportsColor)

	line := fmt.Sprintf("%s%s%s %s %s\n", prefix, debugTag, kindTag, ts, msg)
	return []byte(line), nil
}

// paint renders text through fatih/color, toggling per-call instead of
// relying on color.NoColor so concurrent loggers with different
// destinations (a TTY stderr, a piped log file) don't stomp each other.
func paint(text string, attr color.Attribute, enabled bool) string {
	c := color.New(attr)
	if enabled {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprint(text)
}

// BytesPreview renders a byte chunk as "len=N hex=[..] text='...'",
// truncating at limit bytes with a "...(+Nb)" suffix. Ported from
// _bytes_preview.
func BytesPreview(data []byte, limit int) string {
	if limit <= 0 {
		limit = 96
	}
	cut := data
	truncated := false
	if len(data) > limit {
		cut = data[:limit]
		truncated = true
	}

	hexParts := make([]string, len(cut))
	for i, b := range cut {
		hexParts[i] = fmt.Sprintf("%02x", b)
	}

	txt := strings.ToValidUTF8(string(cut), "�")
	txt = strings.ReplaceAll(txt, "\n", "\\n")
	txt = strings.ReplaceAll(txt, "\r", "\\r")
	txt = strings.ReplaceAll(txt, "\t", "\\t")

	extra := ""
	if truncated {
		extra = fmt.Sprintf(" ...(+%db)", len(data)-limit)
	}

	return fmt.Sprintf("len=%d hex=[%s] text='%s'%s", len(data), strings.Join(hexParts, " "), txt, extra)
}
