package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tmlsync/internal/model"
)

// SyncState is the phase of the sync cycle state machine.
type SyncState string

const (
	StateIdle        SyncState = "idle"
	StateWalking     SyncState = "walking"
	StateReconciling SyncState = "reconciling"
	StateWriting     SyncState = "writing"
	StateFailed      SyncState = "failed"
)

// PageFetcher is the upstream capability the snapshot writer needs.
type PageFetcher interface {
	FetchPage(ctx context.Context, cursor string) (*model.Page, error)
}

// Sync run statuses.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusError   = "error"
)

// SyncObserver receives cycle outcomes, e.g. for metrics.
type SyncObserver interface {
	CycleFinished(status string, duration time.Duration, entities int)
	ArchiveFailed()
}

type nopSyncObserver struct{}

func (nopSyncObserver) CycleFinished(string, time.Duration, int) {}
func (nopSyncObserver) ArchiveFailed()                           {}

// SyncOptions tunes a single cycle.
type SyncOptions struct {
	// AppendHistory appends one history row per entity for the cycle's date.
	AppendHistory bool
}

// SyncStats summarizes a successful cycle.
type SyncStats struct {
	RunID           string
	Date            time.Time
	Pages           int
	RawRecords      int
	LookupFailures  int
	InvalidIDs      int // records dropped because their id did not parse
	DuplicateIDs    int // repeated ids dropped after the first occurrence
	Entities        int
	UnknownTagKeys  int // distinct unknown keys across the cycle
	IrregularItems  int // records with a non-clean reconcile report
	HistoryAppended bool
	Archived        bool
	Duration        time.Duration
}

// SyncService drives one full catalog synchronization:
// walk the upstream, reconcile every record, then replace the current
// catalog and append history in a single store transaction.
type SyncService struct {
	fetcher  PageFetcher
	store    Store
	archive  Archive
	observer SyncObserver
	logger   Logger
	clock    Clock
	idgen    IDGenerator
	location *time.Location

	running atomic.Bool
	mu      sync.Mutex
	state   SyncState
}

// NewSyncService creates a SyncService with the provided dependencies.
// Snapshot dates are computed in UTC unless WithLocation is used.
func NewSyncService(fetcher PageFetcher, store Store, logger Logger, clock Clock, idgen IDGenerator) *SyncService {
	return &SyncService{
		fetcher:  fetcher,
		store:    store,
		observer: nopSyncObserver{},
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
		location: time.UTC,
		state:    StateIdle,
	}
}

// WithArchive exports every committed snapshot to a.
func (s *SyncService) WithArchive(a Archive) *SyncService {
	s.archive = a
	return s
}

// WithObserver reports cycle outcomes to o.
func (s *SyncService) WithObserver(o SyncObserver) *SyncService {
	if o != nil {
		s.observer = o
	}
	return s
}

// WithLocation sets the reference timezone that defines "today".
func (s *SyncService) WithLocation(loc *time.Location) *SyncService {
	if loc != nil {
		s.location = loc
	}
	return s
}

// State returns the current phase of the state machine.
func (s *SyncService) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SyncService) setState(state SyncState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Today returns the snapshot date for the current instant: midnight UTC of
// the calendar day in the reference timezone.
func (s *SyncService) Today() time.Time {
	y, m, d := s.clock.Now().In(s.location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// RunSyncCycle performs one full cycle. On any error the stored catalog is
// left exactly as it was before the call.
func (s *SyncService) RunSyncCycle(ctx context.Context, opts SyncOptions) (*SyncStats, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer s.running.Store(false)

	started := s.clock.Now()
	run := &model.SyncRun{
		ID:        s.idgen.New(),
		StartedAt: started,
		Status:    RunStatusRunning,
	}
	if err := s.store.CreateSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("%w: recording sync run: %v", ErrPersistenceFailure, err)
	}

	stats, err := s.runCycle(ctx, run.ID, opts)
	duration := s.clock.Now().Sub(started)

	finished := s.clock.Now()
	run.FinishedAt = &finished
	if err != nil {
		s.setState(StateFailed)
		run.Status = RunStatusError
		run.Error = err.Error()
		s.logger.Error("sync cycle failed", "run", run.ID, "error", err, "retryable", IsRetryable(err))
		s.observer.CycleFinished(RunStatusError, duration, 0)
	} else {
		stats.Duration = duration
		run.Status = RunStatusSuccess
		run.EntityCount = stats.Entities
		run.HistoryAppended = stats.HistoryAppended
		s.logger.Info("sync cycle complete",
			"run", run.ID,
			"entities", stats.Entities,
			"pages", stats.Pages,
			"lookup_failures", stats.LookupFailures,
			"invalid_ids", stats.InvalidIDs,
			"duplicate_ids", stats.DuplicateIDs,
			"history", stats.HistoryAppended,
			"duration", duration.Truncate(time.Millisecond))
		s.observer.CycleFinished(RunStatusSuccess, duration, stats.Entities)
	}
	s.setState(StateIdle)

	// The catalog outcome is already decided; a bookkeeping failure is only logged.
	if ferr := s.store.FinishSyncRun(context.WithoutCancel(ctx), run); ferr != nil {
		s.logger.Error("recording sync run outcome failed", "run", run.ID, "error", ferr)
	}

	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *SyncService) runCycle(ctx context.Context, runID string, opts SyncOptions) (*SyncStats, error) {
	stats := &SyncStats{RunID: runID, Date: s.Today()}

	s.setState(StateWalking)
	s.logger.Info("walking upstream catalog", "run", runID)
	raw, err := FetchAll(ctx, func(ctx context.Context, cursor string) (*model.Page, error) {
		stats.Pages++
		s.logger.Debug("fetching page", "run", runID, "page", stats.Pages, "cursor", cursor)
		return s.fetcher.FetchPage(ctx, cursor)
	})
	if err != nil {
		return nil, fmt.Errorf("walking upstream: %w", err)
	}
	stats.RawRecords = len(raw)

	s.setState(StateReconciling)
	entities := s.reconcileAll(runID, raw, stats)
	stats.Entities = len(entities)

	if len(entities) == 0 {
		return nil, fmt.Errorf("%w: upstream returned %d records, none usable", ErrEmptySnapshot, len(raw))
	}

	s.setState(StateWriting)
	if err := s.store.ReplaceSnapshot(ctx, entities, stats.Date, opts.AppendHistory); err != nil {
		return nil, fmt.Errorf("%w: replacing snapshot: %v", ErrPersistenceFailure, err)
	}
	stats.HistoryAppended = opts.AppendHistory

	stats.Archived = s.archiveSnapshot(ctx, runID, stats.Date, entities)
	return stats, nil
}

// reconcileAll filters lookup-failure sentinels and reconciles the rest.
// Records without a usable id are dropped, and a repeated id keeps only its
// first occurrence, so the result is safe to write as one snapshot.
func (s *SyncService) reconcileAll(runID string, raw []model.RawRecord, stats *SyncStats) []*model.Entity {
	entities := make([]*model.Entity, 0, len(raw))
	unknown := make(map[string]struct{})
	seen := make(map[uint64]struct{}, len(raw))

	for i := range raw {
		if raw[i].IsLookupFailure() {
			stats.LookupFailures++
			s.logger.Debug("skipping failed lookup", "run", runID, "id", raw[i].PublishedFileID, "result", raw[i].Result)
			continue
		}

		entity, report := Reconcile(&raw[i])
		if report.Unidentified() {
			stats.InvalidIDs++
			s.logger.Warn("skipping record without a valid id", "run", runID, "id", raw[i].PublishedFileID)
			continue
		}
		if _, dup := seen[entity.EntityID]; dup {
			stats.DuplicateIDs++
			s.logger.Warn("skipping repeated record", "run", runID, "id", entity.EntityID)
			continue
		}
		seen[entity.EntityID] = struct{}{}

		if !report.Clean() {
			stats.IrregularItems++
			for _, k := range report.UnknownKeys {
				unknown[k] = struct{}{}
			}
			if len(report.MalformedVersions) > 0 || len(report.MalformedFields) > 0 {
				s.logger.Warn("malformed upstream record",
					"run", runID,
					"id", raw[i].PublishedFileID,
					"versions", report.MalformedVersions,
					"fields", report.MalformedFields)
			}
			if len(report.UnknownKeys) > 0 || len(report.DroppedChildren) > 0 {
				s.logger.Debug("irregular upstream record",
					"run", runID,
					"id", raw[i].PublishedFileID,
					"unknown_keys", report.UnknownKeys,
					"dropped_children", report.DroppedChildren)
			}
		}
		entities = append(entities, entity)
	}

	stats.UnknownTagKeys = len(unknown)
	if len(unknown) > 0 {
		s.logger.Info("unknown tag keys observed", "run", runID, "distinct", len(unknown))
	}
	return entities
}

// archiveSnapshot exports the committed snapshot. Failures never fail the cycle.
func (s *SyncService) archiveSnapshot(ctx context.Context, runID string, date time.Time, entities []*model.Entity) bool {
	if s.archive == nil {
		return false
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(entities); err != nil {
		s.logger.Warn("encoding snapshot for archive failed", "run", runID, "error", err)
		s.observer.ArchiveFailed()
		return false
	}

	name := SnapshotName(date, runID)
	if err := s.archive.PutSnapshot(ctx, name, &buf, int64(buf.Len())); err != nil {
		s.logger.Warn("archiving snapshot failed", "run", runID, "name", name, "error", err)
		s.observer.ArchiveFailed()
		return false
	}

	s.logger.Info("snapshot archived", "run", runID, "name", name)
	return true
}

// SnapshotName is the archive object name of a snapshot.
func SnapshotName(date time.Time, runID string) string {
	return fmt.Sprintf("snapshots/%s/%s.json", date.Format("2006-01-02"), runID)
}

// CurrentCatalog returns the catalog committed by the last successful cycle.
func (s *SyncService) CurrentCatalog(ctx context.Context) ([]*model.Entity, error) {
	entities, err := s.store.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing catalog: %w", err)
	}
	return entities, nil
}

// HistoryDue reports whether no history has been appended yet for today.
func (s *SyncService) HistoryDue(ctx context.Context) (bool, error) {
	exists, err := s.store.HasHistory(ctx, s.Today())
	if err != nil {
		return false, fmt.Errorf("checking history for today: %w", err)
	}
	return !exists, nil
}

// IsInProgress reports whether err means a concurrent cycle was running.
func IsInProgress(err error) bool {
	return errors.Is(err, ErrSyncInProgress)
}
