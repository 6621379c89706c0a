package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tmlsync/internal/catalog"
	"tmlsync/internal/model"
	"tmlsync/internal/scheduler"
	"tmlsync/internal/testutil"
)

type fakeSyncer struct {
	mu       sync.Mutex
	due      bool
	dueErr   error
	syncErr  error
	requests []catalog.SyncOptions
}

func (f *fakeSyncer) HistoryDue(context.Context) (bool, error) {
	return f.due, f.dueErr
}

func (f *fakeSyncer) RunSyncCycle(_ context.Context, opts catalog.SyncOptions) (*catalog.SyncStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, opts)
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return &catalog.SyncStats{RunID: "run-1", HistoryAppended: opts.AppendHistory}, nil
}

func TestCronSpec(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "00:00", want: "0 0 * * *"},
		{in: "03:30", want: "30 3 * * *"},
		{in: "23:59", want: "59 23 * * *"},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "noon", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := scheduler.CronSpec(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CronSpec(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("CronSpec(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestScheduler_NextAfter(t *testing.T) {
	tokyo := time.FixedZone("UTC+9", 9*60*60)
	s, err := scheduler.New(&fakeSyncer{}, "00:00", tokyo, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// 12:00 UTC is 21:00 in UTC+9; the next local midnight is 15:00 UTC.
	from := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	want := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	if got := s.NextAfter(from).UTC(); !got.Equal(want) {
		t.Errorf("NextAfter() = %v, want %v", got, want)
	}
}

func TestScheduler_RunOnce(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		syncer      *fakeSyncer
		wantHistory bool
		wantErr     error
	}{
		{name: "first cycle of the day appends history", syncer: &fakeSyncer{due: true}, wantHistory: true},
		{name: "later cycles skip history", syncer: &fakeSyncer{due: false}},
		{name: "history check failure still syncs", syncer: &fakeSyncer{due: true, dueErr: errors.New("db down")}},
		{name: "sync failure is returned", syncer: &fakeSyncer{syncErr: catalog.ErrUpstreamUnavailable}, wantErr: catalog.ErrUpstreamUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := scheduler.New(tt.syncer, "00:00", time.UTC, nil)
			if err != nil {
				t.Fatal(err)
			}
			err = s.RunOnce(ctx)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("RunOnce() error = %v, want %v", err, tt.wantErr)
			}
			if len(tt.syncer.requests) != 1 {
				t.Fatalf("RunSyncCycle called %d times, want 1", len(tt.syncer.requests))
			}
			if got := tt.syncer.requests[0].AppendHistory; got != tt.wantHistory {
				t.Errorf("AppendHistory = %v, want %v", got, tt.wantHistory)
			}
		})
	}
}

func TestScheduler_RunOnce_OncePerDay(t *testing.T) {
	ctx := context.Background()
	up := testutil.NewFakeUpstream()
	up.SetPages([]model.RawRecord{testutil.RawMod(1, "A")})
	store := testutil.NewTestStore(t)
	clock := testutil.FixedClock()
	svc := catalog.NewSyncService(up, store, catalog.NewNopLogger(), clock, testutil.NewStubIDGenerator())

	s, err := scheduler.New(svc, "00:00", time.UTC, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := s.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce() #%d error = %v", i+1, err)
		}
	}
	clock.Advance(24 * time.Hour)
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() next day error = %v", err)
	}

	runs, err := store.ListSyncRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	appended := 0
	for _, r := range runs {
		if r.HistoryAppended {
			appended++
		}
	}
	if len(runs) != 3 || appended != 2 {
		t.Errorf("runs = %d, history appended = %d; want 3 and 2", len(runs), appended)
	}

	rows, err := store.EntityHistory(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Errorf("EntityHistory() rows = %d, want 2", len(rows))
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s, err := scheduler.New(&fakeSyncer{}, "03:00", time.UTC, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Start()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}
}

func TestNew_InvalidTime(t *testing.T) {
	if _, err := scheduler.New(&fakeSyncer{}, "25:00", time.UTC, nil); err == nil {
		t.Error("New() error = nil, want error")
	}
}
