package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWriters_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	outW, errW, err := cfg.Writers("demo")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when Dir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	for _, p := range []string{"demo.stdout.log", "demo.stderr.log"} {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			t.Fatalf("log not created at %s: %v", p, err)
		}
	}
}

func TestWriters_DefaultsApplied(t *testing.T) {
	cfg := Config{StdoutPath: filepath.Join(t.TempDir(), "x.log")}
	outW, errW, err := cfg.Writers("x")
	require.NoError(t, err)
	assert.Nil(t, errW)
	l, ok := outW.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)
	assert.False(t, Config{}.Enabled())
}

func fixedConsole(buf *bytes.Buffer) *Console {
	c := NewConsole(buf)
	c.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return c
}

func TestLineWriter_PrefixesEachLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewLineWriter(fixedConsole(&buf), "checkin-chat", "cyan", "", nil)
	_, _ = w.Write([]byte("first\nsec"))
	_, _ = w.Write([]byte("ond\n\n   \nthird"))
	require.NoError(t, w.Close())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, Cyan+"[2024-01-02T03:04:05Z] [checkin-chat]"+Reset+" first", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], " second"))
	assert.True(t, strings.HasSuffix(lines[2], " third"))
}

func TestLineWriter_MarkerAndTee(t *testing.T) {
	var buf bytes.Buffer
	teePath := filepath.Join(t.TempDir(), "voice.stderr.log")
	tee := &lj.Logger{Filename: teePath}
	w := NewLineWriter(fixedConsole(&buf), "checkin-voice", "magenta", "ERROR: ", tee)
	_, _ = w.Write([]byte("boom\r\n"))
	require.NoError(t, w.Close())

	assert.Contains(t, buf.String(), Magenta+"[")
	assert.Contains(t, buf.String(), "ERROR: boom\n")
	raw, err := os.ReadFile(teePath)
	require.NoError(t, err)
	assert.Equal(t, "boom\r\n", string(raw))
}

func TestLineWriter_CarriageReturnEndsLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewLineWriter(fixedConsole(&buf), "frontend", "blue", "", nil)
	_, _ = w.Write([]byte("building 10%\rbuilding 55%\rbuilding 100%\r\nready\n"))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasSuffix(lines[0], " building 10%"))
	assert.True(t, strings.HasSuffix(lines[2], " building 100%"))
	assert.True(t, strings.HasSuffix(lines[3], " ready"))
	assert.Nil(t, w.buf)
}

func TestLineWriter_LongLineFlushedAtCap(t *testing.T) {
	var buf bytes.Buffer
	w := NewLineWriter(fixedConsole(&buf), "backend", "green", "", nil)
	chunk := bytes.Repeat([]byte("x"), 4096)
	for i := 0; i < MaxLine/len(chunk)+2; i++ {
		_, _ = w.Write(chunk)
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
	assert.Less(t, len(w.buf), MaxLine)

	require.NoError(t, w.Close())
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[1], " "+strings.Repeat("x", 2*4096)))
}

func TestColorCode(t *testing.T) {
	assert.Equal(t, Blue, ColorCode("Blue"))
	assert.Equal(t, "\033[95m", ColorCode("\033[95m"))
	assert.Equal(t, Reset, ColorCode("chartreuse"))
}

func TestNew_LevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "warn", Format: "json", Output: &buf})
	l.Info("hidden")
	l.Warn("shown", slog.String("service", "frontend"))
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"service":"frontend"`)

	buf.Reset()
	l = New(Options{Level: "debug", Color: true, Output: &buf})
	l.Debug("dbg")
	assert.Contains(t, buf.String(), "DEBUG")
	assert.Contains(t, buf.String(), "dbg")
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
