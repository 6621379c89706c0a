package catalog_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"tmlsync/internal/archive"
	"tmlsync/internal/catalog"
	"tmlsync/internal/model"
	"tmlsync/internal/testutil"
)

type syncFixture struct {
	up    *testutil.FakeUpstream
	store catalog.Store
	clock *testutil.StubClock
	svc   *catalog.SyncService
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	f := &syncFixture{
		up:    testutil.NewFakeUpstream(),
		store: testutil.NewTestStore(t),
		clock: testutil.FixedClock(),
	}
	f.svc = catalog.NewSyncService(f.up, f.store, catalog.NewNopLogger(), f.clock, testutil.NewStubIDGenerator())
	return f
}

func ids(entities []*model.Entity) []uint64 {
	out := make([]uint64, len(entities))
	for i, e := range entities {
		out[i] = e.EntityID
	}
	return out
}

func TestSyncService_RunSyncCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("commits a reconciled snapshot", func(t *testing.T) {
		f := newSyncFixture(t)
		f.up.SetPages(
			[]model.RawRecord{testutil.RawMod(1, "A"), testutil.LookupFailure(2)},
			[]model.RawRecord{testutil.RawMod(3, "C")},
		)

		stats, err := f.svc.RunSyncCycle(ctx, catalog.SyncOptions{})
		if err != nil {
			t.Fatalf("RunSyncCycle() error = %v", err)
		}
		if stats.Pages != 2 || stats.RawRecords != 3 || stats.LookupFailures != 1 || stats.Entities != 2 {
			t.Errorf("stats = %+v", stats)
		}
		if stats.HistoryAppended {
			t.Error("HistoryAppended = true without the option")
		}
		if stats.RunID != "run-1" {
			t.Errorf("RunID = %q, want run-1", stats.RunID)
		}

		got, err := f.svc.CurrentCatalog(ctx)
		if err != nil {
			t.Fatalf("CurrentCatalog() error = %v", err)
		}
		if len(got) != 2 || got[0].EntityID != 1 || got[1].EntityID != 3 {
			t.Errorf("catalog ids = %v, want [1 3]", ids(got))
		}
		if f.svc.State() != catalog.StateIdle {
			t.Errorf("State() = %s, want idle", f.svc.State())
		}

		runs, err := f.store.ListSyncRuns(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) != 1 || runs[0].Status != "success" || runs[0].EntityCount != 2 {
			t.Errorf("sync runs = %+v", runs)
		}
	})

	t.Run("replaces the previous catalog entirely", func(t *testing.T) {
		f := newSyncFixture(t)
		f.up.SetPages([]model.RawRecord{testutil.RawMod(1, "A"), testutil.RawMod(2, "B")})
		if _, err := f.svc.RunSyncCycle(ctx, catalog.SyncOptions{}); err != nil {
			t.Fatal(err)
		}

		f.up.SetPages([]model.RawRecord{testutil.RawMod(5, "E")})
		if _, err := f.svc.RunSyncCycle(ctx, catalog.SyncOptions{}); err != nil {
			t.Fatal(err)
		}

		got, err := f.svc.CurrentCatalog(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].EntityID != 5 {
			t.Errorf("catalog ids = %v, want [5]", ids(got))
		}
	})

	t.Run("empty snapshot leaves catalog unchanged", func(t *testing.T) {
		f := newSyncFixture(t)
		f.up.SetPages([]model.RawRecord{testutil.RawMod(1, "A")})
		if _, err := f.svc.RunSyncCycle(ctx, catalog.SyncOptions{}); err != nil {
			t.Fatal(err)
		}

		f.up.SetPages([]model.RawRecord{testutil.LookupFailure(9)})
		_, err := f.svc.RunSyncCycle(ctx, catalog.SyncOptions{AppendHistory: true})
		if !errors.Is(err, catalog.ErrEmptySnapshot) {
			t.Fatalf("RunSyncCycle() error = %v, want ErrEmptySnapshot", err)
		}
		if !catalog.IsRetryable(err) {
			t.Error("IsRetryable(ErrEmptySnapshot) = false")
		}

		got, _ := f.svc.CurrentCatalog(ctx)
		if len(got) != 1 || got[0].EntityID != 1 {
			t.Errorf("catalog ids = %v, want [1]", ids(got))
		}
		if due, _ := f.svc.HistoryDue(ctx); !due {
			t.Error("history appended by a failed cycle")
		}
		if f.svc.State() != catalog.StateIdle {
			t.Errorf("State() = %s after failure, want idle", f.svc.State())
		}
	})

	t.Run("upstream failure leaves catalog unchanged", func(t *testing.T) {
		f := newSyncFixture(t)
		f.up.SetPages([]model.RawRecord{testutil.RawMod(1, "A")}, []model.RawRecord{testutil.RawMod(2, "B")})
		if _, err := f.svc.RunSyncCycle(ctx, catalog.SyncOptions{}); err != nil {
			t.Fatal(err)
		}

		f.up.SetPages([]model.RawRecord{testutil.RawMod(7, "G")}, []model.RawRecord{testutil.RawMod(8, "H")})
		f.up.PageErrors["cursor-1"] = catalog.ErrUpstreamUnavailable

		_, err := f.svc.RunSyncCycle(ctx, catalog.SyncOptions{})
		if !errors.Is(err, catalog.ErrUpstreamUnavailable) {
			t.Fatalf("RunSyncCycle() error = %v, want ErrUpstreamUnavailable", err)
		}

		got, _ := f.svc.CurrentCatalog(ctx)
		if len(got) != 2 || got[0].EntityID != 1 {
			t.Errorf("catalog ids = %v, want [1 2]", ids(got))
		}

		runs, _ := f.store.ListSyncRuns(ctx, 1)
		if len(runs) != 1 || runs[0].Status != "error" || runs[0].Error == "" {
			t.Errorf("latest run = %+v, want recorded error", runs)
		}
	})

	t.Run("drops records without a valid id", func(t *testing.T) {
		f := newSyncFixture(t)
		blank := testutil.RawMod(2, "B")
		blank.PublishedFileID = ""
		garbled := testutil.RawMod(3, "C")
		garbled.PublishedFileID = "not-a-number"
		f.up.SetPages([]model.RawRecord{testutil.RawMod(1, "A"), blank, garbled})

		stats, err := f.svc.RunSyncCycle(ctx, catalog.SyncOptions{})
		if err != nil {
			t.Fatalf("RunSyncCycle() error = %v", err)
		}
		if stats.InvalidIDs != 2 || stats.Entities != 1 {
			t.Errorf("stats = %+v, want 2 invalid ids and 1 entity", stats)
		}

		got, err := f.svc.CurrentCatalog(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].EntityID != 1 {
			t.Errorf("catalog ids = %v, want [1]", ids(got))
		}
	})

	t.Run("keeps the first of repeated ids", func(t *testing.T) {
		f := newSyncFixture(t)
		f.up.SetPages(
			[]model.RawRecord{testutil.RawMod(1, "A"), testutil.RawMod(1, "Again")},
			[]model.RawRecord{testutil.RawMod(2, "B"), testutil.RawMod(1, "Later")},
		)

		stats, err := f.svc.RunSyncCycle(ctx, catalog.SyncOptions{AppendHistory: true})
		if err != nil {
			t.Fatalf("RunSyncCycle() error = %v", err)
		}
		if stats.DuplicateIDs != 2 || stats.Entities != 2 {
			t.Errorf("stats = %+v, want 2 duplicate ids and 2 entities", stats)
		}

		got, err := f.svc.CurrentCatalog(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].EntityID != 1 || got[1].EntityID != 2 {
			t.Fatalf("catalog ids = %v, want [1 2]", ids(got))
		}
		if got[0].InternalName != "A" {
			t.Errorf("InternalName = %q, want the first occurrence A", got[0].InternalName)
		}
	})

	t.Run("persistence failure is reported", func(t *testing.T) {
		f := newSyncFixture(t)
		f.up.SetPages([]model.RawRecord{testutil.RawMod(1, "A")})
		store := &failingReplaceStore{Store: f.store, err: errors.New("disk full")}
		svc := catalog.NewSyncService(f.up, store, catalog.NewNopLogger(), f.clock, testutil.NewStubIDGenerator())

		_, err := svc.RunSyncCycle(ctx, catalog.SyncOptions{})
		if !errors.Is(err, catalog.ErrPersistenceFailure) {
			t.Fatalf("RunSyncCycle() error = %v, want ErrPersistenceFailure", err)
		}
	})

	t.Run("appends history when asked", func(t *testing.T) {
		f := newSyncFixture(t)
		f.up.SetPages([]model.RawRecord{testutil.RawMod(1, "A"), testutil.RawMod(2, "B")})

		due, err := f.svc.HistoryDue(ctx)
		if err != nil || !due {
			t.Fatalf("HistoryDue() = %v, %v; want true", due, err)
		}

		stats, err := f.svc.RunSyncCycle(ctx, catalog.SyncOptions{AppendHistory: true})
		if err != nil {
			t.Fatal(err)
		}
		if !stats.HistoryAppended {
			t.Error("HistoryAppended = false")
		}
		want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		if !stats.Date.Equal(want) {
			t.Errorf("Date = %v, want %v", stats.Date, want)
		}

		rows, err := f.store.EntityHistory(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 1 || !rows[0].Date.Equal(want) || rows[0].DownloadsTotal != 100 {
			t.Errorf("history = %+v", rows)
		}
		if due, _ := f.svc.HistoryDue(ctx); due {
			t.Error("HistoryDue() = true right after appending")
		}
	})

	t.Run("rejects a concurrent cycle", func(t *testing.T) {
		f := newSyncFixture(t)
		f.up.SetPages([]model.RawRecord{testutil.RawMod(1, "A")})

		entered := make(chan struct{})
		release := make(chan struct{})
		blocking := &blockingFetcher{next: f.up, entered: entered, release: release}
		svc := catalog.NewSyncService(blocking, f.store, catalog.NewNopLogger(), f.clock, testutil.NewStubIDGenerator())

		done := make(chan error, 1)
		go func() {
			_, err := svc.RunSyncCycle(ctx, catalog.SyncOptions{})
			done <- err
		}()

		<-entered
		if svc.State() != catalog.StateWalking {
			t.Errorf("State() = %s while fetching, want walking", svc.State())
		}
		_, err := svc.RunSyncCycle(ctx, catalog.SyncOptions{})
		if !catalog.IsInProgress(err) {
			t.Errorf("second RunSyncCycle() error = %v, want ErrSyncInProgress", err)
		}

		close(release)
		if err := <-done; err != nil {
			t.Errorf("first RunSyncCycle() error = %v", err)
		}
	})
}

func TestSyncService_Today(t *testing.T) {
	clock := testutil.NewStubClock(time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC))
	up := testutil.NewFakeUpstream()

	tokyo := time.FixedZone("UTC+9", 9*3600)
	svc := catalog.NewSyncService(up, nil, catalog.NewNopLogger(), clock, testutil.NewStubIDGenerator()).WithLocation(tokyo)

	want := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	if got := svc.Today(); !got.Equal(want) {
		t.Errorf("Today() = %v, want %v", got, want)
	}

	utc := catalog.NewSyncService(up, nil, catalog.NewNopLogger(), clock, testutil.NewStubIDGenerator())
	if got := utc.Today(); !got.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Today() in UTC = %v", got)
	}
}

func TestSyncService_Archive(t *testing.T) {
	ctx := context.Background()

	t.Run("exports the committed snapshot", func(t *testing.T) {
		f := newSyncFixture(t)
		f.up.SetPages([]model.RawRecord{testutil.RawMod(1, "A")})
		mem := archive.NewMemoryArchive()
		obs := &recordingObserver{}
		f.svc.WithArchive(mem).WithObserver(obs)

		stats, err := f.svc.RunSyncCycle(ctx, catalog.SyncOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if !stats.Archived {
			t.Error("Archived = false")
		}

		data, ok := mem.Get("snapshots/2024-03-01/run-1.json")
		if !ok {
			t.Fatalf("snapshot missing; archive has %v", mem.Names())
		}
		var entities []model.Entity
		if err := json.Unmarshal(data, &entities); err != nil {
			t.Fatalf("decoding snapshot: %v", err)
		}
		if len(entities) != 1 || entities[0].InternalName != "A" {
			t.Errorf("archived entities = %+v", entities)
		}
		if obs.statuses[0] != "success" || obs.archiveFailures != 0 {
			t.Errorf("observer = %+v", obs)
		}
	})

	t.Run("archive failure does not fail the cycle", func(t *testing.T) {
		f := newSyncFixture(t)
		f.up.SetPages([]model.RawRecord{testutil.RawMod(1, "A")})
		obs := &recordingObserver{}
		f.svc.WithArchive(failingArchive{}).WithObserver(obs)

		stats, err := f.svc.RunSyncCycle(ctx, catalog.SyncOptions{})
		if err != nil {
			t.Fatalf("RunSyncCycle() error = %v", err)
		}
		if stats.Archived {
			t.Error("Archived = true for a failing archive")
		}
		if obs.archiveFailures != 1 {
			t.Errorf("archiveFailures = %d, want 1", obs.archiveFailures)
		}
		if got, _ := f.svc.CurrentCatalog(ctx); len(got) != 1 {
			t.Errorf("catalog has %d entities, want 1", len(got))
		}
	})
}

func TestSnapshotName(t *testing.T) {
	got := catalog.SnapshotName(time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), "abc")
	if got != "snapshots/2024-12-31/abc.json" {
		t.Errorf("SnapshotName() = %q", got)
	}
}

type failingReplaceStore struct {
	catalog.Store
	err error
}

func (s *failingReplaceStore) ReplaceSnapshot(context.Context, []*model.Entity, time.Time, bool) error {
	return s.err
}

type blockingFetcher struct {
	next    catalog.PageFetcher
	entered chan struct{}
	release chan struct{}
	once    bool
}

func (b *blockingFetcher) FetchPage(ctx context.Context, cursor string) (*model.Page, error) {
	if !b.once {
		b.once = true
		close(b.entered)
		<-b.release
	}
	return b.next.FetchPage(ctx, cursor)
}

type failingArchive struct{}

func (failingArchive) PutSnapshot(context.Context, string, io.Reader, int64) error {
	return errors.New("bucket gone")
}

type recordingObserver struct {
	statuses        []string
	archiveFailures int
}

func (o *recordingObserver) CycleFinished(status string, _ time.Duration, _ int) {
	o.statuses = append(o.statuses, status)
}

func (o *recordingObserver) ArchiveFailed() { o.archiveFailures++ }
