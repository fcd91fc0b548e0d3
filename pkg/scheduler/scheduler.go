// Package scheduler fires recurring commands. A firing reserves the
// schedule row atomically, then feeds the stored command line through the
// normal intake path: scheduled commands are parsed, policy-checked and
// quorum-gated exactly like human-typed ones.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docwallet/dwagent/pkg/command"
	"github.com/docwallet/dwagent/pkg/contracts"
	"github.com/docwallet/dwagent/pkg/store"
)

// Intake is how a materialised command enters the pipeline. The engine's
// poll path provides it.
type Intake func(ctx context.Context, docID, cmdID, raw string) error

// Scheduler drives due schedules on every tick.
type Scheduler struct {
	repo   *store.Repository
	intake Intake
	log    *slog.Logger
	now    func() time.Time
}

// Option customises a scheduler.
type Option func(*Scheduler)

// WithClock injects the time source, shared with the engine that owns
// the scheduler so due-ness and intake agree on "now".
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a scheduler.
func New(repo *store.Repository, intake Intake, log *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{repo: repo, intake: intake, log: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create materialises a SCHEDULE command into a stored schedule. The inner
// command is stored as its canonical text so every firing re-parses it.
func (s *Scheduler) Create(ctx context.Context, docID string, p *contracts.ParsedCommand) (*contracts.Schedule, error) {
	if p.Kind != contracts.KindSchedule || p.Inner == nil {
		return nil, fmt.Errorf("not a schedule command: %s", p.Kind)
	}
	inner := command.Unparse(p.Inner)
	now := s.now().UnixMilli()
	sched := &contracts.Schedule{
		ScheduleID:    uuid.NewString(),
		DocID:         docID,
		InnerCommand:  inner,
		IntervalHours: p.IntervalHours,
		NextRunAt:     now + int64(p.IntervalHours)*3_600_000,
		Status:        contracts.ScheduleActive,
	}
	if err := s.repo.InsertSchedule(ctx, sched); err != nil {
		return nil, err
	}
	s.log.Info("schedule created",
		"docId", docID, "scheduleId", sched.ScheduleID,
		"intervalHours", sched.IntervalHours, "inner", inner)
	return sched, nil
}

// Cancel flips a schedule to CANCELLED. The bool reports whether it was
// still active.
func (s *Scheduler) Cancel(ctx context.Context, docID, scheduleID string) (bool, error) {
	return s.repo.CancelSchedule(ctx, docID, scheduleID)
}

// Tick fires every due schedule once. A reservation lost to a concurrent
// tick is skipped silently; an intake failure is logged and the firing is
// consumed (the schedule has already advanced, the next interval retries
// the command anew).
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now().UnixMilli()
	due, err := s.repo.ListDueSchedules(ctx, now)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	for _, sched := range due {
		ok, err := s.repo.ReserveScheduleRun(ctx, sched.ScheduleID, sched.NextRunAt, now)
		if err != nil {
			return fmt.Errorf("reserve %s: %w", sched.ScheduleID, err)
		}
		if !ok {
			continue
		}
		cmdID := uuid.NewString()
		if err := s.intake(ctx, sched.DocID, cmdID, sched.InnerCommand); err != nil {
			s.log.Error("scheduled intake failed",
				"docId", sched.DocID, "scheduleId", sched.ScheduleID, "error", err)
			continue
		}
		if err := s.repo.LinkScheduleRun(ctx, sched.ScheduleID, cmdID); err != nil {
			s.log.Warn("schedule run link failed",
				"scheduleId", sched.ScheduleID, "cmdId", cmdID, "error", err)
		}
		s.log.Info("schedule fired",
			"docId", sched.DocID, "scheduleId", sched.ScheduleID,
			"cmdId", cmdID, "runs", sched.TotalRuns+1)
	}
	return nil
}
