// Package pulse is the cron-driven dispatch subsystem: schedule definitions,
// run records and the scheduler that publishes dispatch messages onto the
// relay bus.
package pulse

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/relayio/relay/pkg/db"
)

// Schedule statuses.
const (
	ScheduleActive          = "active"
	SchedulePaused          = "paused"
	SchedulePendingApproval = "pending_approval"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Schedule is one recurring dispatch definition.
type Schedule struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Prompt         string `json:"prompt"`
	Cron           string `json:"cron"`
	Timezone       string `json:"timezone"`
	CWD            string `json:"cwd,omitempty"`
	Enabled        bool   `json:"enabled"`
	MaxRuntimeMs   int64  `json:"maxRuntimeMs"`
	PermissionMode string `json:"permissionMode"`
	Status         string `json:"status"`
	CreatedAt      string `json:"createdAt"`
}

// Run is one execution record of a schedule.
type Run struct {
	ID         string `json:"id"`
	ScheduleID string `json:"scheduleId"`
	Trigger    string `json:"trigger"`
	Status     string `json:"status"`
	StartedAt  int64  `json:"startedAt"`
	FinishedAt *int64 `json:"finishedAt,omitempty"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

var migrations = []db.Migration{
	{Version: 1, SQL: `
CREATE TABLE IF NOT EXISTS schedules (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    prompt          TEXT NOT NULL,
    cron            TEXT NOT NULL,
    timezone        TEXT NOT NULL DEFAULT '',
    cwd             TEXT NOT NULL DEFAULT '',
    enabled         INTEGER NOT NULL DEFAULT 1,
    max_runtime_ms  INTEGER NOT NULL DEFAULT 0,
    permission_mode TEXT NOT NULL DEFAULT 'default',
    status          TEXT NOT NULL DEFAULT 'active',
    created_at      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    schedule_id TEXT NOT NULL,
    trigger     TEXT NOT NULL,
    status      TEXT NOT NULL,
    started_at  INTEGER NOT NULL,
    finished_at INTEGER,
    output      TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_schedule_started ON runs(schedule_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`},
}

// Store persists schedules and runs.
type Store struct {
	sqlDB *sql.DB
}

// OpenStore opens the pulse database at path and migrates it forward.
func OpenStore(path string) (*Store, error) {
	sqlDB, err := db.Open(db.DefaultConfig(path))
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(sqlDB, migrations); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.sqlDB.Close() }

// CreateSchedule inserts a schedule; a blank id gets a fresh UUID.
func (s *Store) CreateSchedule(sc Schedule) (Schedule, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.Status == "" {
		sc.Status = ScheduleActive
	}
	if sc.PermissionMode == "" {
		sc.PermissionMode = "default"
	}
	sc.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.sqlDB.Exec(`
INSERT INTO schedules (id, name, prompt, cron, timezone, cwd, enabled, max_runtime_ms, permission_mode, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Name, sc.Prompt, sc.Cron, sc.Timezone, sc.CWD, sc.Enabled,
		sc.MaxRuntimeMs, sc.PermissionMode, sc.Status, sc.CreatedAt)
	return sc, err
}

// GetSchedule returns a schedule by id, or nil.
func (s *Store) GetSchedule(id string) (*Schedule, error) {
	row := s.sqlDB.QueryRow(`
SELECT id, name, prompt, cron, timezone, cwd, enabled, max_runtime_ms, permission_mode, status, created_at
FROM schedules WHERE id = ?`, id)
	var sc Schedule
	err := row.Scan(&sc.ID, &sc.Name, &sc.Prompt, &sc.Cron, &sc.Timezone, &sc.CWD,
		&sc.Enabled, &sc.MaxRuntimeMs, &sc.PermissionMode, &sc.Status, &sc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// ListSchedules returns every schedule, newest first.
func (s *Store) ListSchedules() ([]Schedule, error) {
	rows, err := s.sqlDB.Query(`
SELECT id, name, prompt, cron, timezone, cwd, enabled, max_runtime_ms, permission_mode, status, created_at
FROM schedules ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.Prompt, &sc.Cron, &sc.Timezone, &sc.CWD,
			&sc.Enabled, &sc.MaxRuntimeMs, &sc.PermissionMode, &sc.Status, &sc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// SetScheduleStatus updates a schedule's status.
func (s *Store) SetScheduleStatus(id, status string) error {
	_, err := s.sqlDB.Exec(`UPDATE schedules SET status = ? WHERE id = ?`, status, id)
	return err
}

// SetScheduleEnabled toggles a schedule.
func (s *Store) SetScheduleEnabled(id string, enabled bool) error {
	_, err := s.sqlDB.Exec(`UPDATE schedules SET enabled = ? WHERE id = ?`, enabled, id)
	return err
}

// DeleteSchedule removes a schedule and its runs.
func (s *Store) DeleteSchedule(id string) error {
	if _, err := s.sqlDB.Exec(`DELETE FROM runs WHERE schedule_id = ?`, id); err != nil {
		return err
	}
	_, err := s.sqlDB.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	return err
}

// CreateRun opens a run record in running status.
func (s *Store) CreateRun(scheduleID, trigger string) (Run, error) {
	run := Run{
		ID:         uuid.NewString(),
		ScheduleID: scheduleID,
		Trigger:    trigger,
		Status:     RunRunning,
		StartedAt:  time.Now().UnixMilli(),
	}
	_, err := s.sqlDB.Exec(`
INSERT INTO runs (id, schedule_id, trigger, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.ScheduleID, run.Trigger, run.Status, run.StartedAt)
	return run, err
}

// MarkRunning sets a run back to running (idempotent from the receiver).
func (s *Store) MarkRunning(runID string) error {
	_, err := s.sqlDB.Exec(`UPDATE runs SET status = ? WHERE id = ?`, RunRunning, runID)
	return err
}

// CompleteRun finishes a run with its output summary.
func (s *Store) CompleteRun(runID, output string) error {
	_, err := s.sqlDB.Exec(`
UPDATE runs SET status = ?, finished_at = ?, output = ? WHERE id = ?`,
		RunCompleted, time.Now().UnixMilli(), output, runID)
	return err
}

// FailRun finishes a run with an error reason.
func (s *Store) FailRun(runID, reason string) error {
	_, err := s.sqlDB.Exec(`
UPDATE runs SET status = ?, finished_at = ?, error = ? WHERE id = ?`,
		RunFailed, time.Now().UnixMilli(), reason, runID)
	return err
}

// GetRun returns a run by id, or nil.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.sqlDB.QueryRow(`
SELECT id, schedule_id, trigger, status, started_at, finished_at, output, error
FROM runs WHERE id = ?`, runID)
	var r Run
	err := row.Scan(&r.ID, &r.ScheduleID, &r.Trigger, &r.Status, &r.StartedAt,
		&r.FinishedAt, &r.Output, &r.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns a schedule's runs, newest first, bounded by limit
// (0 means unbounded).
func (s *Store) ListRuns(scheduleID string, limit int) ([]Run, error) {
	q := `
SELECT id, schedule_id, trigger, status, started_at, finished_at, output, error
FROM runs WHERE schedule_id = ? ORDER BY started_at DESC`
	args := []any{scheduleID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.sqlDB.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.ScheduleID, &r.Trigger, &r.Status, &r.StartedAt,
			&r.FinishedAt, &r.Output, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveRunCount counts runs still in running status.
func (s *Store) ActiveRunCount() (int, error) {
	var n int
	err := s.sqlDB.QueryRow(`SELECT COUNT(*) FROM runs WHERE status = ?`, RunRunning).Scan(&n)
	return n, err
}

// HasActiveRun reports whether a schedule has a run still in flight.
func (s *Store) HasActiveRun(scheduleID string) (bool, error) {
	var n int
	err := s.sqlDB.QueryRow(`
SELECT COUNT(*) FROM runs WHERE schedule_id = ? AND status = ?`,
		scheduleID, RunRunning).Scan(&n)
	return n > 0, err
}

// RecoverInterrupted marks every run left in running status as failed.
// Called once at startup. Returns the number of runs recovered.
func (s *Store) RecoverInterrupted() (int, error) {
	res, err := s.sqlDB.Exec(`
UPDATE runs SET status = ?, finished_at = ?, error = ? WHERE status = ?`,
		RunFailed, time.Now().UnixMilli(), "Interrupted by server restart", RunRunning)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Prune keeps the newest keep runs per schedule and deletes the rest.
func (s *Store) Prune(keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.sqlDB.Exec(`
DELETE FROM runs WHERE id NOT IN (
    SELECT id FROM runs r2
    WHERE r2.schedule_id = runs.schedule_id
    ORDER BY r2.started_at DESC LIMIT ?
)`, keep)
	return err
}
