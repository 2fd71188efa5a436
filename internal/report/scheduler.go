// Package report emits periodic trace report snapshots for long-running
// modes (stream, TCP server, file monitor).
package report

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bimmerbailey/phantom/internal/trace"
)

// Source produces the current report, typically pipeline.Engine.Report.
type Source func() *trace.Report

// Emitter publishes one snapshot.
type Emitter func(*trace.Report) error

// Scheduler runs snapshots on a cron schedule.
type Scheduler struct {
	schedule string
	source   Source
	emit     Emitter
	cron     *cron.Cron
	logger   *zap.Logger

	mu        sync.Mutex
	running   bool
	snapshots atomic.Int64
}

// NewScheduler creates a scheduler. schedule is a standard five-field cron
// expression or a descriptor such as "@every 5m" or "@hourly".
func NewScheduler(schedule string, source Source, emit Emitter, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		schedule: schedule,
		source:   source,
		emit:     emit,
		cron:     cron.New(),
		logger:   logger,
	}
}

// Validate checks a schedule expression without starting anything.
func Validate(schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid report schedule %q: %w", schedule, err)
	}
	return nil
}

// Start schedules snapshots until ctx is cancelled or Stop is called. An
// empty schedule does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Debug("report schedule not configured")
		return nil
	}
	if err := Validate(s.schedule); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Snapshot() }); err != nil {
		return fmt.Errorf("schedule report: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("report scheduler started", zap.String("schedule", s.schedule))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Snapshot emits one report immediately.
func (s *Scheduler) Snapshot() {
	r := s.source()
	if err := s.emit(r); err != nil {
		s.logger.Error("report snapshot failed", zap.Error(err))
		return
	}
	s.snapshots.Add(1)
	s.logger.Debug("report snapshot emitted",
		zap.String("run_id", r.RunID),
		zap.Int64("lines", r.LinesProcessed),
	)
}

// Snapshots returns how many snapshots were emitted successfully.
func (s *Scheduler) Snapshots() int64 { return s.snapshots.Load() }

// Stop stops the scheduler and waits for a running snapshot to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("report scheduler stopped")
	}
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled snapshot time, or nil.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
