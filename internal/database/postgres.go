package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"tmlsync/internal/catalog"
	"tmlsync/internal/database/migrations"
	"tmlsync/internal/model"
)

// PostgresStore implements catalog.Store on PostgreSQL. Bulk writes use
// UNNEST over column arrays so a snapshot is a handful of statements.
type PostgresStore struct {
	pool  *pgxpool.Pool
	sqlDB *sql.DB // database/sql view of pool, for the migration driver
}

// NewPostgresStore connects to dsn with at most maxConns pooled connections.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return NewPostgresStoreFromPool(pool), nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, sqlDB: stdlib.OpenDBFromPool(pool)}
}

// Snapshot operations

func (s *PostgresStore) ReplaceSnapshot(ctx context.Context, entities []*model.Entity, date time.Time, appendHistory bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE mods CASCADE`); err != nil {
		return fmt.Errorf("truncating catalog: %w", err)
	}

	if err := pgInsertCatalog(ctx, tx, entities); err != nil {
		return err
	}

	if appendHistory {
		if err := pgInsertHistory(ctx, tx, entities, date); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func pgInsertCatalog(ctx context.Context, tx pgx.Tx, entities []*model.Entity) error {
	n := len(entities)
	var (
		ids, authorIDs, timeCreated, timeUpdated         = make([]int64, n), make([]int64, n), make([]int64, n), make([]int64, n)
		downloads, favorited, followers, views, comments = make([]int64, n), make([]int64, n), make([]int64, n), make([]int64, n), make([]int64, n)
		numVersions                                      = make([]int32, n)
		displayNames, internalNames, authors, modSides   = make([]string, n), make([]string, n), make([]string, n), make([]string, n)
		homepages, modRefs, icons, playtimes             = make([]string, n), make([]string, n), make([]string, n), make([]string, n)
		descriptions                                     = make([]*string, n)
		votesUp, votesDown                               = make([]*int64, n), make([]*int64, n)
		scores                                           = make([]*float64, n)

		vModIDs, vPositions        []int64
		vModVersions, vTMLVersions []string
		tModIDs, tPositions        []int64
		tTags, tDisplayNames       []string
		cParents, cPositions, cIDs []int64
		sModIDs                    []int64
		youtube, twitter, reddit   []*string
		facebook, sketchfab        []*string
	)

	for i, e := range entities {
		ids[i] = int64(e.EntityID)
		displayNames[i] = e.DisplayName
		internalNames[i] = e.InternalName
		authors[i] = e.Author
		authorIDs[i] = int64(e.AuthorID)
		modSides[i] = e.ModSide
		homepages[i] = e.Homepage
		modRefs[i] = e.ModReferences
		numVersions[i] = int32(e.NumVersions)
		timeCreated[i] = int64(e.TimeCreated)
		timeUpdated[i] = int64(e.TimeUpdated)
		icons[i] = e.WorkshopIconURL
		descriptions[i] = e.Description
		downloads[i] = int64(e.DownloadsTotal)
		favorited[i] = int64(e.Favorited)
		followers[i] = int64(e.Followers)
		views[i] = int64(e.Views)
		playtimes[i] = e.Playtime
		comments[i] = int64(e.NumComments)
		votesUp[i], votesDown[i], scores[i] = voteColumns(e.VoteData)

		for p, v := range e.Versions {
			vModIDs = append(vModIDs, ids[i])
			vPositions = append(vPositions, int64(p))
			vModVersions = append(vModVersions, v.ModVersion)
			vTMLVersions = append(vTMLVersions, v.PlatformVersion)
		}
		for p, t := range e.Tags {
			tModIDs = append(tModIDs, ids[i])
			tPositions = append(tPositions, int64(p))
			tTags = append(tTags, t.Tag)
			tDisplayNames = append(tDisplayNames, t.DisplayName)
		}
		for p, c := range e.Children {
			cParents = append(cParents, ids[i])
			cPositions = append(cPositions, int64(p))
			cIDs = append(cIDs, int64(c))
		}
		if sc := e.Socials; sc != nil {
			sModIDs = append(sModIDs, ids[i])
			youtube = append(youtube, sc.Youtube)
			twitter = append(twitter, sc.Twitter)
			reddit = append(reddit, sc.Reddit)
			facebook = append(facebook, sc.Facebook)
			sketchfab = append(sketchfab, sc.Sketchfab)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO mods (`+selectModColumns+`)
		SELECT * FROM UNNEST(
			$1::BIGINT[], $2::TEXT[], $3::TEXT[], $4::TEXT[], $5::BIGINT[],
			$6::TEXT[], $7::TEXT[], $8::TEXT[], $9::INT[], $10::BIGINT[], $11::BIGINT[],
			$12::TEXT[], $13::TEXT[], $14::BIGINT[], $15::BIGINT[], $16::BIGINT[], $17::BIGINT[],
			$18::TEXT[], $19::BIGINT[], $20::BIGINT[], $21::BIGINT[], $22::FLOAT8[]
		)`,
		ids, displayNames, internalNames, authors, authorIDs,
		modSides, homepages, modRefs, numVersions, timeCreated, timeUpdated,
		icons, descriptions, downloads, favorited, followers, views,
		playtimes, comments, votesUp, votesDown, scores,
	); err != nil {
		return fmt.Errorf("inserting mods: %w", err)
	}

	if len(vModIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO mod_versions (mod_id, position, mod_version, tmodloader_version)
			SELECT * FROM UNNEST($1::BIGINT[], $2::INT[], $3::TEXT[], $4::TEXT[])`,
			vModIDs, vPositions, vModVersions, vTMLVersions,
		); err != nil {
			return fmt.Errorf("inserting versions: %w", err)
		}
	}

	if len(tModIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO mod_tags (mod_id, position, tag, display_name)
			SELECT * FROM UNNEST($1::BIGINT[], $2::INT[], $3::TEXT[], $4::TEXT[])`,
			tModIDs, tPositions, tTags, tDisplayNames,
		); err != nil {
			return fmt.Errorf("inserting tags: %w", err)
		}
	}

	if len(cParents) > 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO mod_children (parent_mod_id, position, child_mod_id)
			SELECT * FROM UNNEST($1::BIGINT[], $2::INT[], $3::BIGINT[])`,
			cParents, cPositions, cIDs,
		); err != nil {
			return fmt.Errorf("inserting children: %w", err)
		}
	}

	if len(sModIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO mod_socials (mod_id, youtube, twitter, reddit, facebook, sketchfab)
			SELECT * FROM UNNEST($1::BIGINT[], $2::TEXT[], $3::TEXT[], $4::TEXT[], $5::TEXT[], $6::TEXT[])`,
			sModIDs, youtube, twitter, reddit, facebook, sketchfab,
		); err != nil {
			return fmt.Errorf("inserting socials: %w", err)
		}
	}

	return nil
}

func pgInsertHistory(ctx context.Context, tx pgx.Tx, entities []*model.Entity, date time.Time) error {
	n := len(entities)
	var (
		ids, authorIDs, downloads, views, followers = make([]int64, n), make([]int64, n), make([]int64, n), make([]int64, n), make([]int64, n)
		favorited, comments, playtimes, updated     = make([]int64, n), make([]int64, n), make([]int64, n), make([]int64, n)
		dates                                       = make([]time.Time, n)
		votesUp, votesDown                          = make([]*int64, n), make([]*int64, n)
		scores                                      = make([]*float64, n)
		versions                                    = make([]*string, n)
	)

	day := dayOf(date)
	for i, e := range entities {
		h := historyFor(e)
		ids[i] = int64(e.EntityID)
		authorIDs[i] = int64(e.AuthorID)
		dates[i] = day
		downloads[i] = int64(e.DownloadsTotal)
		views[i] = int64(e.Views)
		followers[i] = int64(e.Followers)
		favorited[i] = int64(e.Favorited)
		votesUp[i], votesDown[i], scores[i] = h.votesUp, h.votesDown, h.score
		comments[i] = int64(e.NumComments)
		playtimes[i] = h.playtime
		updated[i] = int64(e.TimeUpdated)
		versions[i] = h.version
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO mod_history (`+selectHistoryColumns+`)
		SELECT * FROM UNNEST(
			$1::BIGINT[], $2::BIGINT[], $3::DATE[], $4::BIGINT[], $5::BIGINT[], $6::BIGINT[],
			$7::BIGINT[], $8::BIGINT[], $9::BIGINT[], $10::FLOAT8[], $11::BIGINT[], $12::BIGINT[],
			$13::BIGINT[], $14::TEXT[]
		)`,
		ids, authorIDs, dates, downloads, views, followers,
		favorited, votesUp, votesDown, scores, comments, playtimes,
		updated, versions,
	); err != nil {
		return fmt.Errorf("inserting history: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEntities(ctx context.Context) ([]*model.Entity, error) {
	// Repeatable read so all five queries see the same snapshot.
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("starting read transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT `+selectModColumns+` FROM mods ORDER BY mod_id`)
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
		rows, err := tx.Query(ctx, r.query)
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

const pgHistoryColumns = `mod_id, author_id, to_char(date, 'YYYY-MM-DD'), downloads_total, views, followers,
	favorited, votes_up, votes_down, score, num_comments, playtime, time_updated, version`

func (s *PostgresStore) HasHistory(ctx context.Context, date time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM mod_history WHERE date = $1)`, dayOf(date)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking history for %s: %w", formatDate(date), err)
	}
	return exists, nil
}

func (s *PostgresStore) EntityHistory(ctx context.Context, entityID uint64) ([]*model.HistoryRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgHistoryColumns+` FROM mod_history
		WHERE mod_id = $1 ORDER BY date DESC, id DESC`, int64(entityID))
	if err != nil {
		return nil, fmt.Errorf("querying history of mod %d: %w", entityID, err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

func (s *PostgresStore) AuthorHistory(ctx context.Context, authorID uint64) ([]*model.HistoryRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgHistoryColumns+` FROM mod_history
		WHERE author_id = $1 ORDER BY date DESC, mod_id, id DESC`, int64(authorID))
	if err != nil {
		return nil, fmt.Errorf("querying history of author %d: %w", authorID, err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

func (s *PostgresStore) GlobalHistory(ctx context.Context) ([]*model.GlobalHistoryRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT to_char(date, 'YYYY-MM-DD'),
			SUM(downloads_total)::BIGINT, SUM(views)::BIGINT, SUM(followers)::BIGINT,
			SUM(favorited)::BIGINT, SUM(playtime)::BIGINT, SUM(num_comments)::BIGINT
		FROM mod_history GROUP BY date ORDER BY date DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying global history: %w", err)
	}
	defer rows.Close()
	return scanGlobalHistory(rows)
}

func (s *PostgresStore) ListAuthors(ctx context.Context) ([]*model.AuthorSummary, error) {
	rows, err := s.pool.Query(ctx, `SELECT mod_id, display_name, internal_name, author,
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

func (s *PostgresStore) CreateSyncRun(ctx context.Context, run *model.SyncRun) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO sync_runs (id, started_at, status) VALUES ($1, $2, $3)`,
		run.ID, run.StartedAt, run.Status)
	if err != nil {
		return fmt.Errorf("creating sync run: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishSyncRun(ctx context.Context, run *model.SyncRun) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sync_runs
		SET finished_at = $1, status = $2, entity_count = $3, history_appended = $4, error = $5
		WHERE id = $6`,
		run.FinishedAt, run.Status, run.EntityCount, run.HistoryAppended, run.Error, run.ID)
	if err != nil {
		return fmt.Errorf("finishing sync run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finishing sync run: no run with id %q", run.ID)
	}
	return nil
}

func (s *PostgresStore) ListSyncRuns(ctx context.Context, limit int) ([]*model.SyncRun, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, started_at, finished_at, status, entity_count, history_appended, error
		FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.SyncRun
	for rows.Next() {
		var run model.SyncRun
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Status, &run.EntityCount, &run.HistoryAppended, &run.Error); err != nil {
			return nil, fmt.Errorf("scanning sync run: %w", err)
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync runs: %w", err)
	}
	return runs, nil
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *PostgresStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.sqlDB, migrations.Postgres)
}

// Migrate applies all pending migrations.
func (s *PostgresStore) Migrate() error {
	return migrations.MigrateUp(s.sqlDB, migrations.Postgres)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

var (
	_ catalog.Store = (*PostgresStore)(nil)
	_ Store         = (*PostgresStore)(nil)
)
