package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/enlighter/distributed-task-scheduler/internal/task"
)

// Sentinel lease-expiry messages written by the recovery sweep.
const (
	leaseExpiredRequeued  = "lease expired"
	leaseExpiredExhausted = "lease expired; max attempts reached"
)

// TaskRepo performs all SQL against the task and dependency tables.
//
// Invariants it maintains:
//   - Claiming is atomic: an immediate transaction plus a guarded UPDATE
//     means no task is ever RUNNING under two executors.
//   - remaining_deps is decremented in the same transaction that marks a
//     dependency COMPLETED, so a runnable successor is visible to the
//     claim query the instant the completion commits.
//   - Lease expiry requeues or terminally fails tasks; terminal failure
//     propagates BLOCKED to every still-QUEUED transitive dependent.
type TaskRepo struct {
	store *Store
	log   hclog.Logger
}

// NewTaskRepo creates a repo bound to the given store.
func NewTaskRepo(store *Store, log hclog.Logger) *TaskRepo {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &TaskRepo{store: store, log: log.Named("repo")}
}

// ClaimRunnable atomically claims up to limit runnable tasks (QUEUED with
// remaining_deps = 0), marks them RUNNING with a lease of leaseMS, and
// returns them for dispatch. Candidates are ordered by created_at, then
// id, so older submissions win when slots are scarce.
func (r *TaskRepo) ClaimRunnable(ctx context.Context, nowMS, leaseMS int64, limit int) ([]task.Claim, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []task.Claim
	err := r.store.withImmediateTx(ctx, "claim runnable", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, duration_ms
			FROM tasks
			WHERE status = ? AND remaining_deps = 0
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		`, task.StatusQueued, limit)
		if err != nil {
			return fmt.Errorf("failed to select runnable tasks: %w", err)
		}
		defer rows.Close()

		claimed = claimed[:0]
		for rows.Next() {
			var c task.Claim
			if err := rows.Scan(&c.ID, &c.DurationMS); err != nil {
				return fmt.Errorf("failed to scan runnable task: %w", err)
			}
			claimed = append(claimed, c)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating runnable tasks: %w", err)
		}
		if len(claimed) == 0 {
			return nil
		}

		args := make([]any, 0, len(claimed)+5)
		args = append(args, task.StatusRunning, nowMS, nowMS+leaseMS, nowMS)
		for _, c := range claimed {
			args = append(args, c.ID)
		}
		args = append(args, task.StatusQueued)

		// Guard the UPDATE on status and remaining_deps again; the write
		// lock makes this redundant but it keeps the statement safe if
		// the transaction discipline ever changes.
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE tasks
			SET status = ?,
			    attempts = attempts + 1,
			    started_at = ?,
			    lease_expires_at = ?,
			    updated_at = ?
			WHERE id IN (%s)
			  AND status = ?
			  AND remaining_deps = 0
		`, placeholders(len(claimed))), args...)
		if err != nil {
			return fmt.Errorf("failed to mark tasks running: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkCompleted transitions a RUNNING task to COMPLETED and, inside the
// same transaction, decrements remaining_deps for every task that depends
// on it. Returns ErrStateConflict if the task is no longer RUNNING (most
// likely its lease expired and recovery already acted).
func (r *TaskRepo) MarkCompleted(ctx context.Context, id string, nowMS int64) error {
	return r.store.withImmediateTx(ctx, "mark completed", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
			    finished_at = ?,
			    updated_at = ?,
			    lease_expires_at = NULL,
			    last_error = NULL
			WHERE id = ? AND status = ?
		`, task.StatusCompleted, nowMS, nowMS, id, task.StatusRunning)
		if err != nil {
			return fmt.Errorf("failed to mark task completed: %w", err)
		}
		if err := requireTransition(ctx, tx, res, id); err != nil {
			return err
		}

		// Unblock dependents in the same transaction so a runnable
		// successor is never invisible to the claim query.
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET remaining_deps = remaining_deps - 1,
			    updated_at = ?
			WHERE id IN (SELECT task_id FROM deps WHERE depends_on_id = ?)
			  AND status = ?
			  AND remaining_deps > 0
		`, nowMS, id, task.StatusQueued)
		if err != nil {
			return fmt.Errorf("failed to decrement dependents: %w", err)
		}
		return nil
	})
}

// MarkFailedOrRetry applies the retry policy to a RUNNING task: requeue
// if the row's attempts are below its max_attempts, otherwise terminally
// fail it and block every still-QUEUED transitive dependent. Returns the
// status the task ended up in (QUEUED or FAILED).
func (r *TaskRepo) MarkFailedOrRetry(ctx context.Context, id string, nowMS int64, taskErr string) (task.Status, error) {
	var outcome task.Status
	err := r.store.withImmediateTx(ctx, "mark failed or retry", func(tx *sql.Tx) error {
		var status task.Status
		var attempts, maxAttempts int
		err := tx.QueryRowContext(ctx, `
			SELECT status, attempts, max_attempts FROM tasks WHERE id = ?
		`, id).Scan(&status, &attempts, &maxAttempts)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", task.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read task for failure handling: %w", err)
		}
		if status != task.StatusRunning {
			return fmt.Errorf("%w: task %s is %s, expected RUNNING", task.ErrStateConflict, id, status)
		}

		if attempts < maxAttempts {
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?,
				    started_at = NULL,
				    lease_expires_at = NULL,
				    last_error = ?,
				    updated_at = ?
				WHERE id = ?
			`, task.StatusQueued, taskErr, nowMS, id)
			if err != nil {
				return fmt.Errorf("failed to requeue task: %w", err)
			}
			outcome = task.StatusQueued
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
			    finished_at = ?,
			    lease_expires_at = NULL,
			    last_error = ?,
			    updated_at = ?
			WHERE id = ?
		`, task.StatusFailed, nowMS, taskErr, nowMS, id)
		if err != nil {
			return fmt.Errorf("failed to mark task failed: %w", err)
		}
		outcome = task.StatusFailed
		return blockDependents(ctx, tx, id, nowMS)
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// SweepExpiredLeases requeues RUNNING tasks whose lease expired before
// now and still have attempts left, and terminally fails the rest.
// Returns the number of tasks transitioned.
func (r *TaskRepo) SweepExpiredLeases(ctx context.Context, nowMS int64) (int, error) {
	transitioned := 0
	err := r.store.withImmediateTx(ctx, "sweep expired leases", func(tx *sql.Tx) error {
		transitioned = 0

		// Terminal candidates first: BLOCKED propagation needs their ids.
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks
			WHERE status = ?
			  AND lease_expires_at IS NOT NULL
			  AND lease_expires_at < ?
			  AND attempts >= max_attempts
		`, task.StatusRunning, nowMS)
		if err != nil {
			return fmt.Errorf("failed to select exhausted tasks: %w", err)
		}
		var exhausted []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan exhausted task: %w", err)
			}
			exhausted = append(exhausted, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating exhausted tasks: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
			    started_at = NULL,
			    lease_expires_at = NULL,
			    last_error = ?,
			    updated_at = ?
			WHERE status = ?
			  AND lease_expires_at IS NOT NULL
			  AND lease_expires_at < ?
			  AND attempts < max_attempts
		`, task.StatusQueued, leaseExpiredRequeued, nowMS, task.StatusRunning, nowMS)
		if err != nil {
			return fmt.Errorf("failed to requeue stale tasks: %w", err)
		}
		requeued, _ := res.RowsAffected()
		transitioned += int(requeued)

		if len(exhausted) > 0 {
			args := []any{task.StatusFailed, nowMS, leaseExpiredExhausted, nowMS}
			for _, id := range exhausted {
				args = append(args, id)
			}
			args = append(args, task.StatusRunning)
			_, err = tx.ExecContext(ctx, fmt.Sprintf(`
				UPDATE tasks
				SET status = ?,
				    finished_at = ?,
				    lease_expires_at = NULL,
				    last_error = ?,
				    updated_at = ?
				WHERE id IN (%s) AND status = ?
			`, placeholders(len(exhausted))), args...)
			if err != nil {
				return fmt.Errorf("failed to fail exhausted tasks: %w", err)
			}
			transitioned += len(exhausted)

			for _, id := range exhausted {
				if err := blockDependents(ctx, tx, id, nowMS); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return transitioned, nil
}

// CountRunning counts RUNNING tasks whose lease has not expired. Expired
// leases deliberately do not count toward capacity: that is what lets the
// scheduler make forward progress when an executor has died.
func (r *TaskRepo) CountRunning(ctx context.Context, nowMS int64) (int, error) {
	var count int
	err := r.store.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE status = ?
		  AND (lease_expires_at IS NULL OR lease_expires_at >= ?)
	`, task.StatusRunning, nowMS).Scan(&count)
	if err != nil {
		return 0, r.store.classify("count running", err)
	}
	return count, nil
}

// Get retrieves one task with its dependency ids.
func (r *TaskRepo) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := scanTask(r.store.db.QueryRowContext(ctx, `
		SELECT id, type, duration_ms, status, remaining_deps, attempts, max_attempts,
		       created_at, updated_at, started_at, finished_at, lease_expires_at, last_error
		FROM tasks WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		return nil, r.store.classify("get task", err)
	}

	t.Dependencies, err = r.dependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// List returns tasks ordered by submission time, optionally filtered by
// status, plus the total matching count for pagination.
func (r *TaskRepo) List(ctx context.Context, status task.Status, limit, offset int) ([]*task.Task, int, error) {
	where := ""
	countArgs := []any{}
	if status != "" {
		where = "WHERE status = ?"
		countArgs = append(countArgs, status)
	}

	var total int
	err := r.store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks "+where, countArgs...).Scan(&total)
	if err != nil {
		return nil, 0, r.store.classify("count tasks", err)
	}

	args := append(append([]any{}, countArgs...), limit, offset)
	rows, err := r.store.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, type, duration_ms, status, remaining_deps, attempts, max_attempts,
		       created_at, updated_at, started_at, finished_at, lease_expires_at, last_error
		FROM tasks %s
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?
	`, where), args...)
	if err != nil {
		return nil, 0, r.store.classify("list tasks", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating tasks: %w", err)
	}

	for _, t := range tasks {
		t.Dependencies, err = r.dependencies(ctx, t.ID)
		if err != nil {
			return nil, 0, err
		}
	}
	return tasks, total, nil
}

func (r *TaskRepo) dependencies(ctx context.Context, id string) ([]string, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT depends_on_id FROM deps WHERE task_id = ? ORDER BY depends_on_id ASC
	`, id)
	if err != nil {
		return nil, r.store.classify("load dependencies", err)
	}
	defer rows.Close()

	deps := []string{}
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// blockDependents moves every still-QUEUED transitive dependent of a
// terminally failed task to BLOCKED. BLOCKED is terminal; the dependents'
// remaining_deps is irrelevant afterwards.
func blockDependents(ctx context.Context, tx *sql.Tx, failedID string, nowMS int64) error {
	_, err := tx.ExecContext(ctx, `
		WITH RECURSIVE downstream(id) AS (
			SELECT task_id FROM deps WHERE depends_on_id = ?
			UNION
			SELECT d.task_id FROM deps d JOIN downstream w ON d.depends_on_id = w.id
		)
		UPDATE tasks
		SET status = ?,
		    last_error = ?,
		    updated_at = ?
		WHERE id IN (SELECT id FROM downstream)
		  AND status = ?
	`, failedID, task.StatusBlocked, "blocked: dependency "+failedID+" failed", nowMS, task.StatusQueued)
	if err != nil {
		return fmt.Errorf("failed to block dependents of %s: %w", failedID, err)
	}
	return nil
}

// requireTransition turns a zero-row guarded UPDATE into the precise
// domain error: the row is either missing or in the wrong state.
func requireTransition(ctx context.Context, tx *sql.Tx, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status task.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read task status: %w", err)
	}
	return fmt.Errorf("%w: task %s is %s, expected RUNNING", task.ErrStateConflict, id, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var startedAt, finishedAt, leaseExpiresAt sql.NullInt64
	var lastError sql.NullString

	err := row.Scan(&t.ID, &t.Type, &t.DurationMS, &t.Status, &t.RemainingDeps,
		&t.Attempts, &t.MaxAttempts, &t.CreatedAt, &t.UpdatedAt,
		&startedAt, &finishedAt, &leaseExpiresAt, &lastError)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		t.StartedAt = &startedAt.Int64
	}
	if finishedAt.Valid {
		t.FinishedAt = &finishedAt.Int64
	}
	if leaseExpiresAt.Valid {
		t.LeaseExpiresAt = &leaseExpiresAt.Int64
	}
	if lastError.Valid {
		t.LastError = &lastError.String
	}
	return &t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
