package catalog

import (
	"context"
	"time"

	"tmlsync/internal/model"
)

// Store is the persistence boundary of the catalog.
// Implementations must make ReplaceSnapshot a single atomic transaction.
type Store interface {
	// Snapshot operations

	// ReplaceSnapshot discards the current catalog, inserts entities as the
	// new catalog and, when appendHistory is set, appends one history row per
	// entity for date. Either everything commits or nothing does.
	// Duplicate history rows for the same date are not rejected; callers
	// must ensure at most one append per day.
	ReplaceSnapshot(ctx context.Context, entities []*model.Entity, date time.Time, appendHistory bool) error

	// ListEntities returns the current catalog ordered by entity id.
	ListEntities(ctx context.Context) ([]*model.Entity, error)

	// History operations

	// HasHistory reports whether any history row exists for date.
	HasHistory(ctx context.Context, date time.Time) (bool, error)

	// EntityHistory returns the history of one entity, newest first.
	EntityHistory(ctx context.Context, entityID uint64) ([]*model.HistoryRow, error)

	// AuthorHistory returns the history of all entities of an author, newest first.
	AuthorHistory(ctx context.Context, authorID uint64) ([]*model.HistoryRow, error)

	// GlobalHistory returns per-date sums over all entities, newest first.
	GlobalHistory(ctx context.Context) ([]*model.GlobalHistoryRow, error)

	// ListAuthors aggregates the current catalog per author, by total downloads.
	ListAuthors(ctx context.Context) ([]*model.AuthorSummary, error)

	// Sync run bookkeeping

	// CreateSyncRun records the start of a cycle.
	CreateSyncRun(ctx context.Context, run *model.SyncRun) error

	// FinishSyncRun records the outcome of a cycle.
	FinishSyncRun(ctx context.Context, run *model.SyncRun) error

	// ListSyncRuns returns the most recent runs, newest first.
	ListSyncRuns(ctx context.Context, limit int) ([]*model.SyncRun, error)

	// Close closes the underlying connection.
	Close() error
}
