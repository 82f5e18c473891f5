package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
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
	outW, errW, err := cfg.Writers("echo")
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
	for _, name := range []string{"echo.stdout.log", "echo.stderr.log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("log not created at %s: %v", name, err)
		}
	}
}

func TestWriters_ExplicitPathsOverrideDir(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "custom.out")
	cfg := Config{Dir: dir, StdoutPath: out}
	outW, errW, err := cfg.Writers("echo")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	_, _ = outW.Write([]byte("x\n"))
	closeIf(outW)
	closeIf(errW)
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("explicit stdout path not used: %v", err)
	}
}

func TestWriters_EmptyConfigYieldsNil(t *testing.T) {
	cfg := Config{}
	outW, errW, err := cfg.Writers("echo")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers with empty config")
	}
}

func TestColorTextHandlerTagsLevel(t *testing.T) {
	var buf strings.Builder
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, true)
	log := slog.New(h)
	log.Warn("disk almost full")
	got := buf.String()
	if !strings.Contains(got, "\033[33mWARN\033[0m") {
		t.Fatalf("warn record missing yellow level tag: %q", got)
	}
	if !strings.Contains(got, "disk almost full") {
		t.Fatalf("message dropped: %q", got)
	}
}

func TestColorTextHandlerHidesTime(t *testing.T) {
	var buf strings.Builder
	log := slog.New(NewColorTextHandler(&buf, nil, false))
	log.Info("started")
	if strings.Contains(buf.String(), "time=") {
		t.Fatalf("time attribute should be omitted: %q", buf.String())
	}
}

func TestLevelColorBands(t *testing.T) {
	if levelColor(slog.LevelDebug) != ansiCyan {
		t.Fatal("debug should be cyan")
	}
	if levelColor(slog.LevelInfo) != ansiGreen {
		t.Fatal("info should be green")
	}
	// A custom level between warn and error still lands in the warn band.
	if levelColor(slog.LevelWarn+1) != ansiYellow {
		t.Fatal("warn+1 should be yellow")
	}
	if levelColor(slog.LevelError+4) != ansiRed {
		t.Fatal("error+4 should be red")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
