package app_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tmlsync/internal/app"
	"tmlsync/internal/catalog"
	"tmlsync/internal/config"
	"tmlsync/internal/model"
	"tmlsync/internal/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig(t.TempDir())
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.Archive = config.ArchiveConfig{Type: "filesystem", Root: filepath.Join(cfg.BaseDir, "archive")}
	return cfg
}

func testUpstream() *testutil.FakeUpstream {
	up := testutil.NewFakeUpstream()
	up.SetPages([]model.RawRecord{testutil.RawMod(1, "Alpha"), testutil.RawMod(2, "Beta")})
	return up
}

func newTestApp(t *testing.T, cfg *config.Config, up catalog.Upstream) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, "test", app.WithUpstream(up), app.WithConsole(nil))
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestApp_Sync(t *testing.T) {
	ctx := context.Background()

	t.Run("commits and archives", func(t *testing.T) {
		cfg := testConfig(t)
		a := newTestApp(t, cfg, testUpstream())

		stats, err := a.Sync(ctx, true)
		if err != nil {
			t.Fatalf("Sync() error = %v", err)
		}
		if stats.Entities != 2 || !stats.HistoryAppended || !stats.Archived {
			t.Errorf("stats = %+v", stats)
		}

		name := catalog.SnapshotName(stats.Date, stats.RunID)
		if _, err := os.Stat(filepath.Join(cfg.Archive.Root, filepath.FromSlash(name))); err != nil {
			t.Errorf("snapshot not archived: %v", err)
		}
	})

	t.Run("history at most once per day", func(t *testing.T) {
		a := newTestApp(t, testConfig(t), testUpstream())

		first, err := a.Sync(ctx, true)
		if err != nil {
			t.Fatal(err)
		}
		second, err := a.Sync(ctx, true)
		if err != nil {
			t.Fatalf("second Sync() error = %v", err)
		}
		if !first.HistoryAppended || second.HistoryAppended {
			t.Errorf("history appended = %v, %v; want true, false", first.HistoryAppended, second.HistoryAppended)
		}
	})

	t.Run("upstream failure", func(t *testing.T) {
		up := testUpstream()
		up.Err = catalog.ErrUpstreamUnavailable
		a := newTestApp(t, testConfig(t), up)

		if _, err := a.Sync(ctx, false); !errors.Is(err, catalog.ErrUpstreamUnavailable) {
			t.Fatalf("Sync() error = %v, want ErrUpstreamUnavailable", err)
		}
		runs, err := a.Runs(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) != 1 || runs[0].Status != catalog.RunStatusError {
			t.Errorf("runs = %+v", runs)
		}
	})
}

func TestApp_BackupDatabase(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Database = config.DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(cfg.BaseDir, "db")}
	cfg.Archive.BackupDatabase = true

	if err := app.Migrate(ctx, cfg); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	a := newTestApp(t, cfg, testUpstream())

	stats, err := a.Sync(ctx, false)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	backup := filepath.Join(cfg.Archive.Root, filepath.FromSlash(app.BackupName(stats.Date, stats.RunID)))
	info, err := os.Stat(backup)
	if err != nil {
		t.Fatalf("database backup not archived: %v", err)
	}
	if info.Size() == 0 {
		t.Error("database backup is empty")
	}
}

func TestNew_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unmigrated sqlite", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Database = config.DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(cfg.BaseDir, "db")}
		if _, err := app.New(ctx, cfg, "test", app.WithUpstream(testUpstream()), app.WithConsole(nil)); err == nil {
			t.Error("New() error = nil on unmigrated database, want error")
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Schedule.Time = "25:00"
		if _, err := app.New(ctx, cfg, "test", app.WithUpstream(testUpstream()), app.WithConsole(nil)); err == nil {
			t.Error("New() error = nil on invalid config, want error")
		}
	})

	t.Run("bad archive", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Archive = config.ArchiveConfig{Type: "filesystem"}
		if _, err := app.New(ctx, cfg, "test", app.WithUpstream(testUpstream()), app.WithConsole(nil)); err == nil {
			t.Error("New() error = nil without archive root, want error")
		}
	})
}

func TestApp_Serve(t *testing.T) {
	cfg := testConfig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Server.Listen = ln.Addr().String()
	ln.Close()

	a := newTestApp(t, cfg, testUpstream())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, true) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
