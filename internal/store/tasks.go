package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/cifixer/internal/logfields"
	"git.home.luguber.info/inful/cifixer/internal/pipeline"
)

// ErrStaleLease signals a fenced-off status update from a worker whose lease
// expired and was granted to someone else.
var ErrStaleLease = errors.New("stale lease generation")

// Enqueue inserts a pending task with attempt 0 for the given build and kind.
func (s *Store) Enqueue(buildID int64, kind pipeline.Kind, payload pipeline.Payload, maxAttempts int) (*pipeline.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	now := s.now()
	res, err := s.db.Exec(
		`INSERT INTO tasks (build_id, kind, status, attempt, max_attempts, payload, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
		buildID, string(kind), string(pipeline.TaskPending), maxAttempts, raw,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("task id: %w", err)
	}
	return &pipeline.Task{
		ID: id, BuildID: buildID, Kind: kind, Status: pipeline.TaskPending,
		MaxAttempts: maxAttempts, Payload: payload, CreatedAt: now, UpdatedAt: now,
	}, nil
}

// LeaseNext atomically claims the oldest eligible task of the given kind and
// transitions it to in_progress. Eligible are pending tasks, retry tasks
// whose backoff has elapsed, and in_progress tasks whose lease has expired
// (crashed worker). Retries and expired re-leases increment the attempt
// counter; a fresh pending task runs as attempt 0. The lease generation is
// bumped on every grant so fenced updates from a prior holder are detectable.
// Returns nil when no task is eligible.
func (s *Store) LeaseNext(kind pipeline.Kind, leaseTimeout time.Duration) (*pipeline.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expiredBefore := now.Add(-leaseTimeout).UnixMilli()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin lease: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(
		`SELECT id, build_id, kind, status, attempt, max_attempts, payload, last_error, lease_generation, not_before, created_at, updated_at
		 FROM tasks
		 WHERE kind = ? AND (
		       (status = ? )
		    OR (status = ? AND not_before <= ?)
		    OR (status = ? AND updated_at <= ? AND attempt < max_attempts - 1)
		 )
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`,
		string(kind),
		string(pipeline.TaskPending),
		string(pipeline.TaskRetry), now.UnixMilli(),
		string(pipeline.TaskInProgress), expiredBefore,
	)
	task, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// A pending task (fresh or admin-reset) runs at its stored attempt;
	// retry and expired-lease grants count as a new attempt.
	attempt := task.Attempt
	if task.Status != pipeline.TaskPending {
		attempt++
	}

	if _, err := tx.Exec(
		`UPDATE tasks SET status = ?, attempt = ?, lease_generation = lease_generation + 1, updated_at = ?
		 WHERE id = ?`,
		string(pipeline.TaskInProgress), attempt, now.UnixMilli(), task.ID,
	); err != nil {
		return nil, fmt.Errorf("grant lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}

	task.Status = pipeline.TaskInProgress
	task.Attempt = attempt
	task.LeaseGeneration++
	task.UpdatedAt = now
	return task, nil
}

// UpdateStatus writes a task's terminal-or-intermediate status under the
// fencing token. An update carrying an outdated lease generation is the
// orphaned write of a timed-out worker: it is logged and discarded with
// ErrStaleLease so the caller can drop any side-channel work.
func (s *Store) UpdateStatus(taskID, leaseGeneration int64, status pipeline.TaskStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND lease_generation = ?`,
		string(status), errMsg, s.now().UnixMilli(), taskID, leaseGeneration,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE id = ?`, taskID).Scan(&exists); err == nil && exists == 0 {
			slog.Warn("status update for missing task ignored", logfields.TaskID(taskID))
			return nil
		}
		slog.Warn("orphan task update discarded",
			logfields.TaskID(taskID), slog.Int64("lease_generation", leaseGeneration))
		return ErrStaleLease
	}
	return nil
}

// ScheduleRetry moves a task to retry with a ready time of now+delay,
// honoring the fencing token.
func (s *Store) ScheduleRetry(taskID, leaseGeneration int64, delay time.Duration, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, last_error = ?, not_before = ?, updated_at = ?
		 WHERE id = ? AND lease_generation = ?`,
		string(pipeline.TaskRetry), errMsg, now.Add(delay).UnixMilli(), now.UnixMilli(),
		taskID, leaseGeneration,
	)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Warn("orphan retry schedule discarded", logfields.TaskID(taskID))
		return ErrStaleLease
	}
	return nil
}

// SetPayload replaces a task's payload (used to inject previous_failure_reason
// before a retry becomes leasable).
func (s *Store) SetPayload(taskID int64, payload pipeline.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.Exec(`UPDATE tasks SET payload = ?, updated_at = ? WHERE id = ?`,
		raw, s.now().UnixMilli(), taskID)
	if err != nil {
		return fmt.Errorf("set payload: %w", err)
	}
	return nil
}

// Find returns a task by id, or ErrNotFound.
func (s *Store) Find(taskID int64) (*pipeline.Task, error) {
	row := s.db.QueryRow(
		`SELECT id, build_id, kind, status, attempt, max_attempts, payload, last_error, lease_generation, not_before, created_at, updated_at
		 FROM tasks WHERE id = ?`, taskID)
	return scanTask(row)
}

// ResetTask is the manual override: a terminally failed task re-enters the
// queue as pending with attempt 0. Only failed tasks are eligible.
func (s *Store) ResetTask(taskID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, attempt = 0, last_error = '', not_before = 0,
		        lease_generation = lease_generation + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(pipeline.TaskPending), s.now().UnixMilli(), taskID, string(pipeline.TaskFailed),
	)
	if err != nil {
		return false, fmt.Errorf("reset task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// RequeueFailed resets every failed task of a build and reopens the build.
// Returns the number of requeued tasks.
func (s *Store) RequeueFailed(buildID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, attempt = 0, last_error = '', not_before = 0,
		        lease_generation = lease_generation + 1, updated_at = ?
		 WHERE build_id = ? AND status = ?`,
		string(pipeline.TaskPending), now, buildID, string(pipeline.TaskFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue failed tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		if _, err := s.db.Exec(`UPDATE builds SET status = ?, updated_at = ? WHERE id = ?`,
			string(pipeline.BuildProcessing), now, buildID); err != nil {
			return int(n), fmt.Errorf("reopen build: %w", err)
		}
	}
	return int(n), nil
}

// ReapExhaustedLeases marks expired in_progress tasks that have no attempts
// left as failed and returns them so the dispatcher can fail their builds.
// Expired tasks with attempts remaining are left for LeaseNext to recover.
func (s *Store) ReapExhaustedLeases(leaseTimeout time.Duration) ([]*pipeline.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expiredBefore := now.Add(-leaseTimeout).UnixMilli()

	rows, err := s.db.Query(
		`SELECT id, build_id, kind, status, attempt, max_attempts, payload, last_error, lease_generation, not_before, created_at, updated_at
		 FROM tasks
		 WHERE status = ? AND updated_at <= ? AND attempt >= max_attempts - 1`,
		string(pipeline.TaskInProgress), expiredBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("query exhausted leases: %w", err)
	}
	reaped, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	// Bumping the generation fences off the previous holder: a worker that is
	// merely slow, not dead, gets ErrStaleLease when it finally reports.
	for _, t := range reaped {
		if _, err := s.db.Exec(
			`UPDATE tasks SET status = ?, last_error = ?, lease_generation = lease_generation + 1, updated_at = ? WHERE id = ?`,
			string(pipeline.TaskFailed), "lease expired with no attempts remaining", now.UnixMilli(), t.ID,
		); err != nil {
			return nil, fmt.Errorf("fail exhausted task %d: %w", t.ID, err)
		}
		t.Status = pipeline.TaskFailed
		t.LeaseGeneration++
	}
	return reaped, nil
}

// TasksForBuild returns all tasks of a build, oldest first.
func (s *Store) TasksForBuild(buildID int64) ([]*pipeline.Task, error) {
	rows, err := s.db.Query(
		`SELECT id, build_id, kind, status, attempt, max_attempts, payload, last_error, lease_generation, not_before, created_at, updated_at
		 FROM tasks WHERE build_id = ? ORDER BY id ASC`, buildID)
	if err != nil {
		return nil, fmt.Errorf("query build tasks: %w", err)
	}
	return scanTasks(rows)
}

// ListTasks returns a page of tasks, newest first, optionally filtered by
// status.
func (s *Store) ListTasks(page, size int, status pipeline.TaskStatus) ([]*pipeline.Task, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 || size > 200 {
		size = 50
	}
	query := `SELECT id, build_id, kind, status, attempt, max_attempts, payload, last_error, lease_generation, not_before, created_at, updated_at FROM tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, size, page*size)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return scanTasks(rows)
}

// QueueCounts returns task counts grouped by status and kind.
func (s *Store) QueueCounts() (map[pipeline.TaskStatus]int, map[pipeline.Kind]int, error) {
	byStatus := make(map[pipeline.TaskStatus]int)
	byKind := make(map[pipeline.Kind]int)

	rows, err := s.db.Query(`SELECT status, kind, COUNT(*) FROM tasks GROUP BY status, kind`)
	if err != nil {
		return nil, nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status, kind string
		var n int
		if err := rows.Scan(&status, &kind, &n); err != nil {
			return nil, nil, fmt.Errorf("scan task count: %w", err)
		}
		byStatus[pipeline.TaskStatus(status)] += n
		byKind[pipeline.Kind(kind)] += n
	}
	return byStatus, byKind, rows.Err()
}

// PendingCount returns the number of pending tasks (health signal).
func (s *Store) PendingCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE status = ?`,
		string(pipeline.TaskPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func scanTask(row rowScanner) (*pipeline.Task, error) {
	var t pipeline.Task
	var kind, status string
	var payload sql.NullString
	var lastErr sql.NullString
	var notBefore, created, updated int64
	err := row.Scan(&t.ID, &t.BuildID, &kind, &status, &t.Attempt, &t.MaxAttempts,
		&payload, &lastErr, &t.LeaseGeneration, &notBefore, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Kind = pipeline.Kind(kind)
	t.Status = pipeline.TaskStatus(status)
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &t.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal task payload: %w", err)
		}
	}
	t.LastError = lastErr.String
	t.NotBefore = time.UnixMilli(notBefore)
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*pipeline.Task, error) {
	defer rows.Close()
	var out []*pipeline.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
