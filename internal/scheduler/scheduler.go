package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"duewatch/internal/engine"
)

// Sweeper runs one engine tick.
type Sweeper interface {
	Sweep(ctx context.Context) (engine.SweepReport, error)
}

// Scheduler runs sweeps on a cron schedule. A tick that is still running
// when the next one is due is skipped, so sweeps never overlap.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	last   *engine.SweepReport
}

// New parses schedule (standard five-field cron or a descriptor such as
// "@every 5m") in loc.
func New(schedule string, loc *time.Location, sweeper Sweeper, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	clog := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		sweeper: sweeper,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running sweeps in the background.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started", "next", s.Next().Format(time.RFC3339))
}

// Stop cancels a running sweep and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Next returns when the next sweep is due.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Last returns the report of the most recent completed sweep.
func (s *Scheduler) Last() (engine.SweepReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return engine.SweepReport{}, false
	}
	return *s.last, true
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	rep, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("scheduled sweep", "err", err)
	}
	s.mu.Lock()
	s.last = &rep
	s.mu.Unlock()
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
