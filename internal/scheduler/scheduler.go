// Package scheduler triggers the daily sync cycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"tmlsync/internal/catalog"
)

// Syncer is the part of catalog.SyncService the scheduler drives.
type Syncer interface {
	RunSyncCycle(ctx context.Context, opts catalog.SyncOptions) (*catalog.SyncStats, error)
	HistoryDue(ctx context.Context) (bool, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler runs one sync cycle per day at a fixed wall-clock time in the
// reference timezone. The first cycle of each day also appends history.
type Scheduler struct {
	syncer   Syncer
	logger   catalog.Logger
	schedule cron.Schedule
	loc      *time.Location
	cron     *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

// CronSpec converts an "HH:MM" wall-clock time into a daily cron expression.
func CronSpec(hhmm string) (string, error) {
	h, m, ok := strings.Cut(hhmm, ":")
	if !ok {
		return "", fmt.Errorf("invalid schedule time %q: want HH:MM", hhmm)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("invalid schedule hour in %q", hhmm)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("invalid schedule minute in %q", hhmm)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// New creates a Scheduler firing daily at hhmm in loc. It does not start it.
func New(syncer Syncer, hhmm string, loc *time.Location, logger catalog.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = catalog.NewNopLogger()
	}
	spec, err := CronSpec(hhmm)
	if err != nil {
		return nil, err
	}
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing cron spec %q: %w", spec, err)
	}

	cl := cronLogger{logger}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		syncer:   syncer,
		logger:   logger,
		schedule: schedule,
		loc:      loc,
		cron:     c,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.Schedule(schedule, cron.FuncJob(s.fire))
	return s, nil
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels an in-flight cycle and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// NextAfter returns the first trigger time strictly after t, in the
// scheduler's location.
func (s *Scheduler) NextAfter(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.loc))
}

func (s *Scheduler) fire() {
	if err := s.RunOnce(s.ctx); err != nil {
		if errors.Is(err, catalog.ErrSyncInProgress) {
			s.logger.Warn("scheduled sync skipped", "reason", err)
			return
		}
		s.logger.Error("scheduled sync failed", "error", err, "retryable", catalog.IsRetryable(err))
	}
}

// RunOnce runs a cycle now, appending history when none exists for today.
// When the history check itself fails the cycle still runs, without history.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	due, err := s.syncer.HistoryDue(ctx)
	if err != nil {
		s.logger.Warn("history check failed, syncing without history", "error", err)
		due = false
	}
	stats, err := s.syncer.RunSyncCycle(ctx, catalog.SyncOptions{AppendHistory: due})
	if err != nil {
		return err
	}
	s.logger.Info("scheduled sync done", "run", stats.RunID, "entities", stats.Entities, "history", stats.HistoryAppended)
	return nil
}

// cronLogger adapts catalog.Logger to cron.Logger.
type cronLogger struct {
	l catalog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
