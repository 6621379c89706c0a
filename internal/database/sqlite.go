package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"tmlsync/internal/catalog"
	"tmlsync/internal/database/migrations"
	"tmlsync/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements catalog.Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens a SQLite store.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// NewSQLiteStoreFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenConnection opens and configures a SQLite database connection.
// Connection options are passed in the DSN so that every pooled connection
// gets them, not just the first one.
func OpenConnection(path string) (*sql.DB, error) {
	memory := path == ":memory:"

	var dsn string
	if memory {
		dsn = "file::memory:?_foreign_keys=on"
	} else {
		dsn = "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if memory {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// Snapshot operations

func (s *SQLiteStore) ReplaceSnapshot(ctx context.Context, entities []*model.Entity, date time.Time, appendHistory bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"mod_socials", "mod_children", "mod_tags", "mod_versions", "mods"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	if err := insertCatalog(ctx, tx, entities); err != nil {
		return err
	}

	if appendHistory {
		if err := insertHistory(ctx, tx, entities, date); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func insertCatalog(ctx context.Context, tx *sql.Tx, entities []*model.Entity) error {
	modStmt, err := tx.PrepareContext(ctx, `INSERT INTO mods (`+selectModColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing mod insert: %w", err)
	}
	defer modStmt.Close()

	versionStmt, err := tx.PrepareContext(ctx, `INSERT INTO mod_versions (mod_id, position, mod_version, tmodloader_version) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing version insert: %w", err)
	}
	defer versionStmt.Close()

	tagStmt, err := tx.PrepareContext(ctx, `INSERT INTO mod_tags (mod_id, position, tag, display_name) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing tag insert: %w", err)
	}
	defer tagStmt.Close()

	childStmt, err := tx.PrepareContext(ctx, `INSERT INTO mod_children (parent_mod_id, position, child_mod_id) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing child insert: %w", err)
	}
	defer childStmt.Close()

	socialStmt, err := tx.PrepareContext(ctx, `INSERT INTO mod_socials (mod_id, youtube, twitter, reddit, facebook, sketchfab) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing socials insert: %w", err)
	}
	defer socialStmt.Close()

	for _, e := range entities {
		votesUp, votesDown, score := voteColumns(e.VoteData)
		if _, err := modStmt.ExecContext(ctx,
			int64(e.EntityID), e.DisplayName, e.InternalName, e.Author, int64(e.AuthorID),
			e.ModSide, e.Homepage, e.ModReferences, e.NumVersions, int64(e.TimeCreated), int64(e.TimeUpdated),
			e.WorkshopIconURL, e.Description, e.DownloadsTotal, e.Favorited, e.Followers, int64(e.Views),
			e.Playtime, e.NumComments, votesUp, votesDown, score,
		); err != nil {
			return fmt.Errorf("inserting mod %d: %w", e.EntityID, err)
		}

		for i, v := range e.Versions {
			if _, err := versionStmt.ExecContext(ctx, int64(e.EntityID), i, v.ModVersion, v.PlatformVersion); err != nil {
				return fmt.Errorf("inserting version of mod %d: %w", e.EntityID, err)
			}
		}
		for i, t := range e.Tags {
			if _, err := tagStmt.ExecContext(ctx, int64(e.EntityID), i, t.Tag, t.DisplayName); err != nil {
				return fmt.Errorf("inserting tag of mod %d: %w", e.EntityID, err)
			}
		}
		for i, c := range e.Children {
			if _, err := childStmt.ExecContext(ctx, int64(e.EntityID), i, int64(c)); err != nil {
				return fmt.Errorf("inserting child of mod %d: %w", e.EntityID, err)
			}
		}
		if sc := e.Socials; sc != nil {
			if _, err := socialStmt.ExecContext(ctx, int64(e.EntityID), sc.Youtube, sc.Twitter, sc.Reddit, sc.Facebook, sc.Sketchfab); err != nil {
				return fmt.Errorf("inserting socials of mod %d: %w", e.EntityID, err)
			}
		}
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, entities []*model.Entity, date time.Time) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO mod_history (`+selectHistoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing history insert: %w", err)
	}
	defer stmt.Close()

	day := formatDate(date)
	for _, e := range entities {
		h := historyFor(e)
		if _, err := stmt.ExecContext(ctx,
			int64(e.EntityID), int64(e.AuthorID), day, e.DownloadsTotal, int64(e.Views), e.Followers,
			e.Favorited, h.votesUp, h.votesDown, h.score, e.NumComments, h.playtime, int64(e.TimeUpdated), h.version,
		); err != nil {
			return fmt.Errorf("inserting history of mod %d: %w", e.EntityID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListEntities(ctx context.Context) ([]*model.Entity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting read transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+selectModColumns+` FROM mods ORDER BY mod_id`)
	if err != nil {
		return nil, fmt.Errorf("listing mods: %w", err)
	}
	entities, byID, err := scanMods(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	related := []struct {
		query string
		scan  func(rowScanner, map[uint64]*model.Entity) error
	}{
		{`SELECT mod_id, mod_version, tmodloader_version FROM mod_versions ORDER BY mod_id, position`, scanVersions},
		{`SELECT mod_id, tag, display_name FROM mod_tags ORDER BY mod_id, position`, scanTags},
		{`SELECT parent_mod_id, child_mod_id FROM mod_children ORDER BY parent_mod_id, position`, scanChildren},
		{`SELECT mod_id, youtube, twitter, reddit, facebook, sketchfab FROM mod_socials`, scanSocials},
	}
	for _, r := range related {
		rows, err := tx.QueryContext(ctx, r.query)
		if err != nil {
			return nil, fmt.Errorf("listing related rows: %w", err)
		}
		err = r.scan(rows, byID)
		rows.Close()
		if err != nil {
			return nil, err
		}
	}

	finishEntities(entities)
	return entities, nil
}

// History operations

func (s *SQLiteStore) HasHistory(ctx context.Context, date time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM mod_history WHERE date = ?)`, formatDate(date)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking history for %s: %w", formatDate(date), err)
	}
	return exists, nil
}

func (s *SQLiteStore) EntityHistory(ctx context.Context, entityID uint64) ([]*model.HistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectHistoryColumns+` FROM mod_history
		WHERE mod_id = ? ORDER BY date DESC, id DESC`, int64(entityID))
	if err != nil {
		return nil, fmt.Errorf("querying history of mod %d: %w", entityID, err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

func (s *SQLiteStore) AuthorHistory(ctx context.Context, authorID uint64) ([]*model.HistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectHistoryColumns+` FROM mod_history
		WHERE author_id = ? ORDER BY date DESC, mod_id, id DESC`, int64(authorID))
	if err != nil {
		return nil, fmt.Errorf("querying history of author %d: %w", authorID, err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

func (s *SQLiteStore) GlobalHistory(ctx context.Context) ([]*model.GlobalHistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT date,
			SUM(downloads_total), SUM(views), SUM(followers),
			SUM(favorited), SUM(playtime), SUM(num_comments)
		FROM mod_history GROUP BY date ORDER BY date DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying global history: %w", err)
	}
	defer rows.Close()
	return scanGlobalHistory(rows)
}

func (s *SQLiteStore) ListAuthors(ctx context.Context) ([]*model.AuthorSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT mod_id, display_name, internal_name, author,
			author_id, downloads_total, views, favorited
		FROM mods ORDER BY author_id, mod_id`)
	if err != nil {
		return nil, fmt.Errorf("listing authors: %w", err)
	}
	defer rows.Close()

	authorRows, err := scanAuthorRows(rows)
	if err != nil {
		return nil, err
	}
	return summarizeAuthors(authorRows), nil
}

// Sync run bookkeeping

func (s *SQLiteStore) CreateSyncRun(ctx context.Context, run *model.SyncRun) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_runs (id, started_at, status) VALUES (?, ?, ?)`,
		run.ID, formatTimestamp(run.StartedAt), run.Status)
	if err != nil {
		return fmt.Errorf("creating sync run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinishSyncRun(ctx context.Context, run *model.SyncRun) error {
	var finished *string
	if run.FinishedAt != nil {
		f := formatTimestamp(*run.FinishedAt)
		finished = &f
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sync_runs
		SET finished_at = ?, status = ?, entity_count = ?, history_appended = ?, error = ?
		WHERE id = ?`,
		finished, run.Status, run.EntityCount, run.HistoryAppended, run.Error, run.ID)
	if err != nil {
		return fmt.Errorf("finishing sync run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finishing sync run: no run with id %q", run.ID)
	}
	return nil
}

func (s *SQLiteStore) ListSyncRuns(ctx context.Context, limit int) ([]*model.SyncRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, started_at, finished_at, status, entity_count, history_appended, error
		FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.SyncRun
	for rows.Next() {
		var (
			run      model.SyncRun
			started  string
			finished *string
		)
		if err := rows.Scan(&run.ID, &started, &finished, &run.Status, &run.EntityCount, &run.HistoryAppended, &run.Error); err != nil {
			return nil, fmt.Errorf("scanning sync run: %w", err)
		}
		if run.StartedAt, err = parseTimestamp(started); err != nil {
			return nil, err
		}
		if finished != nil {
			t, err := parseTimestamp(*finished)
			if err != nil {
				return nil, err
			}
			run.FinishedAt = &t
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync runs: %w", err)
	}
	return runs, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteStore) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db, migrations.SQLite)
}

// Migrate applies all pending migrations.
func (s *SQLiteStore) Migrate() error {
	return migrations.MigrateUp(s.db, migrations.SQLite)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteStore) BackupTo(destPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var (
	_ catalog.Store = (*SQLiteStore)(nil)
	_ Store         = (*SQLiteStore)(nil)
	_ Backuper      = (*SQLiteStore)(nil)
)
