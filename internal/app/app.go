package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"tmlsync/internal/archive"
	"tmlsync/internal/cache"
	"tmlsync/internal/catalog"
	"tmlsync/internal/config"
	"tmlsync/internal/database"
	"tmlsync/internal/metrics"
	"tmlsync/internal/model"
	"tmlsync/internal/scheduler"
	"tmlsync/internal/scrape"
	"tmlsync/internal/server"
	"tmlsync/internal/steam"
)

// App is the application layer between the CLI and the catalog services.
// It constructs all dependencies from config and closes them on Close.
type App struct {
	cfg      *config.Config
	store    database.Store
	upstream catalog.Upstream
	archive  catalog.Archive
	metrics  *metrics.Metrics
	lookup   *catalog.Lookup
	sync     *catalog.SyncService
	ranks    *scrape.Client
	location *time.Location
	logger   catalog.Logger
	logFile  *os.File
	version  string
}

type options struct {
	upstream catalog.Upstream
	console  io.Writer
	version  string
}

// Option customizes New.
type Option func(*options)

// WithUpstream replaces the Steam Web API client.
func WithUpstream(up catalog.Upstream) Option {
	return func(o *options) { o.upstream = up }
}

// WithConsole sets where log lines are mirrored besides the log file.
// Pass nil to log to the file only.
func WithConsole(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// WithVersion sets the version reported by the HTTP API.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New creates a fully wired App from the given config.
// command labels every log line of this process (e.g. "sync", "serve").
// The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, command string, opts ...Option) (*App, error) {
	o := options{console: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	loc, err := cfg.Schedule.Location()
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}

	slogger, logFile, err := newLogger(cfg.LogDir, command, cfg.LogLevel, o.console)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	store, err := database.NewStoreFromConfig(ctx, cfg.Database)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating store: %w", err)
	}
	if err := store.CheckMigrations(); err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("database schema out of date (run `tmlsync migrate`): %w", err)
	}

	up := o.upstream
	if up == nil {
		client, err := steam.NewClientFromConfig(cfg.Upstream)
		if err != nil {
			store.Close()
			logFile.Close()
			return nil, fmt.Errorf("creating upstream client: %w", err)
		}
		up = client
	}

	arch, err := archive.NewArchiveFromConfig(ctx, cfg.Archive)
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating archive: %w", err)
	}

	m := metrics.New()
	cacheOpts := []cache.Option{cache.WithObserver(m)}
	if cfg.Cache.Coalesce {
		cacheOpts = append(cacheOpts, cache.WithCoalescing())
	}

	lookup := catalog.NewLookup(up, logger, catalog.LookupTTLs{
		Entity: cfg.Cache.ModTTL.D(),
		Author: cfg.Cache.AuthorTTL.D(),
		Count:  cfg.Cache.CountTTL.D(),
	}, cacheOpts...)

	svc := catalog.NewSyncService(up, store, logger, catalog.RealClock{}, catalog.UUIDGenerator{}).
		WithArchive(arch).
		WithObserver(m).
		WithLocation(loc)

	ranks, err := scrape.NewClient(scrape.Options{
		BaseURL:      cfg.Scrape.BaseURL,
		Timeout:      cfg.Upstream.Timeout.D(),
		TTL:          cfg.Cache.ScrapeTTL.D(),
		Personas:     up,
		CacheOptions: cacheOpts,
	})
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating ranks scraper: %w", err)
	}

	return &App{
		cfg:      cfg,
		store:    store,
		upstream: up,
		archive:  arch,
		metrics:  m,
		lookup:   lookup,
		sync:     svc,
		ranks:    ranks,
		location: loc,
		logger:   logger,
		logFile:  logFile,
		version:  o.version,
	}, nil
}

// Sync runs one cycle now. History is appended when appendHistory is set and
// none exists yet for today.
func (a *App) Sync(ctx context.Context, appendHistory bool) (*catalog.SyncStats, error) {
	syncer := a.syncer()
	due := false
	if appendHistory {
		var err error
		due, err = syncer.HistoryDue(ctx)
		if err != nil {
			return nil, err
		}
		if !due {
			a.logger.Info("history already recorded today, syncing without it")
		}
	}
	return syncer.RunSyncCycle(ctx, catalog.SyncOptions{AppendHistory: due})
}

// Serve runs the HTTP API until ctx is cancelled. When withSchedule is set
// the daily sync cycle runs in the background.
func (a *App) Serve(ctx context.Context, withSchedule bool) error {
	if withSchedule {
		sched, err := scheduler.New(a.syncer(), a.cfg.Schedule.Time, a.location, a.logger)
		if err != nil {
			return fmt.Errorf("creating scheduler: %w", err)
		}
		sched.Start()
		defer sched.Stop()
		a.logger.Info("daily sync scheduled",
			"time", a.cfg.Schedule.Time,
			"timezone", a.location.String(),
			"next", sched.NextAfter(time.Now()).Format(time.RFC3339))
	}

	srv := server.New(server.Options{
		Live:    a.lookup,
		Store:   a.store,
		Ranks:   a.ranks,
		Metrics: a.metrics.Handler(),
		Logger:  a.logger,
		Version: a.version,
	})
	return srv.ListenAndServe(ctx, a.cfg.Server.Listen)
}

// Runs returns the most recent sync runs, newest first.
func (a *App) Runs(ctx context.Context, limit int) ([]*model.SyncRun, error) {
	return a.store.ListSyncRuns(ctx, limit)
}

// Close closes the store and the log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// Migrate applies all pending schema migrations for cfg's store.
func Migrate(ctx context.Context, cfg *config.Config) error {
	store, err := database.NewStoreFromConfig(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	return nil
}

func (a *App) syncer() *backupSyncer {
	return &backupSyncer{SyncService: a.sync, app: a}
}

// backupSyncer copies the database to the archive after every successful
// cycle when archive.backup_database is set.
type backupSyncer struct {
	*catalog.SyncService
	app *App
}

func (s *backupSyncer) RunSyncCycle(ctx context.Context, opts catalog.SyncOptions) (*catalog.SyncStats, error) {
	stats, err := s.SyncService.RunSyncCycle(ctx, opts)
	if err != nil {
		return nil, err
	}
	if s.app.cfg.Archive.BackupDatabase {
		if err := s.app.backupDatabase(ctx, stats); err != nil {
			s.app.metrics.ArchiveFailed()
			s.app.logger.Error("database backup failed", "run", stats.RunID, "error", err)
		}
	}
	return stats, nil
}

// BackupName is the archive name of a database copy taken after a cycle.
func BackupName(date time.Time, runID string) string {
	return path.Join("backups", date.Format("2006-01-02"), runID+".db")
}

func (a *App) backupDatabase(ctx context.Context, stats *catalog.SyncStats) error {
	if a.archive == nil {
		return fmt.Errorf("no archive configured")
	}
	b, ok := a.store.(database.Backuper)
	if !ok {
		return fmt.Errorf("store type %q does not support backups", a.cfg.Database.Type)
	}

	tmpDir, err := os.MkdirTemp("", "tmlsync-db-backup-*")
	if err != nil {
		return fmt.Errorf("creating temp dir for db backup: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	// VACUUM INTO refuses to overwrite an existing file.
	tmpPath := filepath.Join(tmpDir, database.DefaultFileName)

	if err := b.BackupTo(tmpPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("opening db backup for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat db backup: %w", err)
	}

	name := BackupName(stats.Date, stats.RunID)
	if err := a.archive.PutSnapshot(ctx, name, f, info.Size()); err != nil {
		return fmt.Errorf("uploading db backup: %w", err)
	}
	a.logger.Info("database backed up", "run", stats.RunID, "name", name, "bytes", info.Size())
	return nil
}

// Logger returns the slog-backed logger used by every component.
func (a *App) Logger() catalog.Logger { return a.logger }
