package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/docwallet/dwagent/pkg/contracts"
)

// InsertSchedule stores a new recurring command.
func (r *Repository) InsertSchedule(ctx context.Context, s *contracts.Schedule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schedules (schedule_id, doc_id, inner_command, interval_hours,
			next_run_at, last_run_at, total_runs, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ScheduleID, s.DocID, s.InnerCommand, s.IntervalHours,
		s.NextRunAt, s.LastRunAt, s.TotalRuns, string(s.Status))
	return err
}

// GetSchedule returns ErrNotFound for unknown ids.
func (r *Repository) GetSchedule(ctx context.Context, scheduleID string) (*contracts.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT schedule_id, doc_id, inner_command, interval_hours,
			next_run_at, last_run_at, total_runs, status
		FROM schedules WHERE schedule_id = ?`, scheduleID)
	return scanSchedule(row)
}

// ListDueSchedules returns ACTIVE schedules whose deadline has elapsed.
func (r *Repository) ListDueSchedules(ctx context.Context, now int64) ([]*contracts.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT schedule_id, doc_id, inner_command, interval_hours,
			next_run_at, last_run_at, total_runs, status
		FROM schedules WHERE status = ? AND next_run_at <= ?
		ORDER BY next_run_at, schedule_id`,
		string(contracts.ScheduleActive), now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var due []*contracts.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, s)
	}
	return due, rows.Err()
}

func scanSchedule(row rowScanner) (*contracts.Schedule, error) {
	var (
		s      contracts.Schedule
		status string
	)
	err := row.Scan(&s.ScheduleID, &s.DocID, &s.InnerCommand, &s.IntervalHours,
		&s.NextRunAt, &s.LastRunAt, &s.TotalRuns, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Status = contracts.ScheduleStatus(status)
	return &s, nil
}

// ReserveScheduleRun claims one firing: it advances nextRunAt by exactly one
// interval, bumps totalRuns and stamps lastRunAt, guarded on the observed
// nextRunAt so two scheduler ticks cannot both claim the same firing.
func (r *Repository) ReserveScheduleRun(ctx context.Context, scheduleID string, observedNextRunAt, now int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE schedules SET
			next_run_at = next_run_at + interval_hours * 3600000,
			total_runs  = total_runs + 1,
			last_run_at = ?
		WHERE schedule_id = ? AND status = ? AND next_run_at = ?`,
		now, scheduleID, string(contracts.ScheduleActive), observedNextRunAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CancelSchedule flips a schedule to CANCELLED. Cancelling an already
// cancelled schedule is a no-op.
func (r *Repository) CancelSchedule(ctx context.Context, docID, scheduleID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE schedules SET status = ?
		WHERE schedule_id = ? AND doc_id = ? AND status = ?`,
		string(contracts.ScheduleCancelled), scheduleID, docID,
		string(contracts.ScheduleActive))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// LinkScheduleRun records which command a firing materialised into.
func (r *Repository) LinkScheduleRun(ctx context.Context, scheduleID, cmdID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schedule_runs (schedule_id, cmd_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (schedule_id, cmd_id) DO NOTHING`,
		scheduleID, cmdID, nowMillis())
	return err
}

// ListScheduleRuns returns the command ids a schedule has materialised.
func (r *Repository) ListScheduleRuns(ctx context.Context, scheduleID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT cmd_id FROM schedule_runs WHERE schedule_id = ? ORDER BY created_at, cmd_id`,
		scheduleID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
