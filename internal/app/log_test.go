package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTabHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		label   string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			label:   "sync",
			level:   slog.LevelInfo,
			message: "sync cycle complete",
			want:    "2024-06-15T14:30:45Z\tINFO\tsync\tsync cycle complete\n",
		},
		{
			name:    "debug level",
			label:   "serve",
			level:   slog.LevelDebug,
			message: "http request",
			want:    "2024-06-15T14:30:45Z\tDEBUG\tserve\thttp request\n",
		},
		{
			name:    "with record attrs",
			label:   "sync",
			level:   slog.LevelInfo,
			message: "walking upstream catalog",
			attrs:   []slog.Attr{slog.String("run", "run-1"), slog.Int("pages", 3)},
			want:    "2024-06-15T14:30:45Z\tINFO\tsync\twalking upstream catalog\trun=run-1\tpages=3\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &tabHandler{w: &buf, label: tt.label, level: slog.LevelDebug}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestTabHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &tabHandler{w: &buf, label: "sync", level: slog.LevelInfo}

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "archive")}).(*tabHandler)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "upload", 0)
	r.AddAttrs(slog.String("name", "snapshots/x.json"))

	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "component=archive") {
		t.Errorf("expected pre-set attr component=archive, got: %q", got)
	}
	if !strings.Contains(got, "name=snapshots/x.json") {
		t.Errorf("expected record attr, got: %q", got)
	}
	if len(h.attrs) != 0 {
		t.Errorf("original handler attrs modified: got %d, want 0", len(h.attrs))
	}
}

func TestTabHandler_Enabled(t *testing.T) {
	tests := []struct {
		configured string
		level      slog.Level
		want       bool
	}{
		{configured: "debug", level: slog.LevelDebug, want: true},
		{configured: "info", level: slog.LevelDebug, want: false},
		{configured: "info", level: slog.LevelInfo, want: true},
		{configured: "warn", level: slog.LevelInfo, want: false},
		{configured: "warn", level: slog.LevelError, want: true},
		{configured: "error", level: slog.LevelWarn, want: false},
		{configured: "bogus", level: slog.LevelInfo, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.configured+"/"+tt.level.String(), func(t *testing.T) {
			h := &tabHandler{level: parseLevel(tt.configured)}
			if got := h.Enabled(context.Background(), tt.level); got != tt.want {
				t.Errorf("Enabled(%v) = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	var console bytes.Buffer

	logger, f, err := newLogger(dir, "sync", "info", &console)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Debug("hidden")
	logger.Info("shown", "run", "run-1")
	f.Close()

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	for name, out := range map[string]string{"file": string(data), "console": console.String()} {
		if !strings.Contains(out, "\tINFO\tsync\tshown\trun=run-1\n") {
			t.Errorf("%s output missing info line: %q", name, out)
		}
		if strings.Contains(out, "hidden") {
			t.Errorf("%s output contains filtered debug line: %q", name, out)
		}
	}
}
