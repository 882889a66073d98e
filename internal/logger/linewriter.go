package logger

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"
)

// ANSI escape sequences used for service tags.
const (
	Reset   = "\033[0m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
)

var colorNames = map[string]string{
	"red":     Red,
	"green":   Green,
	"yellow":  Yellow,
	"blue":    Blue,
	"magenta": Magenta,
	"cyan":    Cyan,
}

// ColorCode resolves a color name ("cyan") or a raw escape sequence to an
// ANSI code. Unknown names yield Reset.
func ColorCode(c string) string {
	if strings.HasPrefix(c, "\033[") {
		return c
	}
	if code, ok := colorNames[strings.ToLower(strings.TrimSpace(c))]; ok {
		return code
	}
	return Reset
}

// MaxLine is the longest line buffered before it is emitted without a
// line break.
const MaxLine = 64 << 10

// Console serializes whole lines from many LineWriters onto one destination.
type Console struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w, now: time.Now}
}

func (c *Console) writeLine(line []byte) {
	c.mu.Lock()
	_, _ = c.w.Write(line)
	c.mu.Unlock()
}

// LineWriter splits a child's output stream into lines and re-emits each one
// as "<color>[timestamp] [service]<reset> <marker>line" on the console.
// Both '\n' and a bare '\r' (progress output) end a line; partial lines are
// buffered until a break, MaxLine bytes or Close. Blank lines are dropped. An optional tee receives the raw bytes (e.g. a rotated log file).
type LineWriter struct {
	console *Console
	name    string
	color   string
	marker  string
	tee     io.WriteCloser

	mu  sync.Mutex
	buf []byte
}

// NewLineWriter creates a writer tagging lines with name in the given color.
// marker is inserted before each line (stderr uses "ERROR: ").
func NewLineWriter(console *Console, name, color, marker string, tee io.WriteCloser) *LineWriter {
	return &LineWriter{console: console, name: name, color: ColorCode(color), marker: marker, tee: tee}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	if w.tee != nil {
		_, _ = w.tee.Write(p)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= MaxLine {
		w.emit(w.buf[:MaxLine])
		w.buf = w.buf[MaxLine:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

// Close flushes a trailing partial line and closes the tee.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
	w.mu.Unlock()
	if w.tee != nil {
		return w.tee.Close()
	}
	return nil
}

func (w *LineWriter) emit(line []byte) {
	text := string(line)
	if strings.TrimSpace(text) == "" {
		return
	}
	ts := w.console.now().UTC().Format(time.RFC3339Nano)
	var b strings.Builder
	b.Grow(len(text) + len(w.name) + 48)
	b.WriteString(w.color)
	b.WriteString("[")
	b.WriteString(ts)
	b.WriteString("] [")
	b.WriteString(w.name)
	b.WriteString("]")
	b.WriteString(Reset)
	b.WriteString(" ")
	b.WriteString(w.marker)
	b.WriteString(text)
	b.WriteString("\n")
	w.console.writeLine([]byte(b.String()))
}
