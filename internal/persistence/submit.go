package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/enlighter/distributed-task-scheduler/internal/task"
)

// CreateTask inserts a single task and its dependency edges in one
// immediate transaction. The spec's MaxAttempts must already be resolved
// by the caller. remaining_deps counts the dependencies that are not yet
// COMPLETED at insert time.
func (r *TaskRepo) CreateTask(ctx context.Context, spec task.Spec, nowMS int64) error {
	return r.store.withImmediateTx(ctx, "create task", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, spec.ID).Scan(&exists)
		if err == nil {
			return fmt.Errorf("%w: %s", task.ErrDuplicateID, spec.ID)
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("failed to check task existence: %w", err)
		}

		missing, err := missingDependencyIDs(ctx, tx, spec.Dependencies)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %s", task.ErrUnknownDependency, strings.Join(missing, ", "))
		}

		remaining, err := countIncompleteDependencies(ctx, tx, spec.Dependencies)
		if err != nil {
			return err
		}

		if err := insertTask(ctx, tx, spec, remaining, nowMS); err != nil {
			return err
		}
		return insertEdges(ctx, tx, spec)
	})
}

// CreateTaskBatch atomically inserts a batch of tasks. Every dependency
// must exist in the store or inside the batch; batch-internal cycle
// detection is the submit service's job and happens before this call.
// A batch-internal dependency always contributes 1 to remaining_deps
// because batch tasks begin QUEUED.
func (r *TaskRepo) CreateTaskBatch(ctx context.Context, specs []task.Spec, nowMS int64) error {
	batchIDs := make(map[string]bool, len(specs))
	for _, spec := range specs {
		batchIDs[spec.ID] = true
	}

	externalSet := make(map[string]bool)
	for _, spec := range specs {
		for _, dep := range spec.Dependencies {
			if !batchIDs[dep] {
				externalSet[dep] = true
			}
		}
	}
	external := make([]string, 0, len(externalSet))
	for dep := range externalSet {
		external = append(external, dep)
	}
	sort.Strings(external)

	return r.store.withImmediateTx(ctx, "create task batch", func(tx *sql.Tx) error {
		existing, err := existingTaskIDs(ctx, tx, specs)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("%w: %s", task.ErrDuplicateID, strings.Join(existing, ", "))
		}

		missing, err := missingDependencyIDs(ctx, tx, external)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %s", task.ErrUnknownDependency, strings.Join(missing, ", "))
		}

		incomplete, err := incompleteDependencySet(ctx, tx, external)
		if err != nil {
			return err
		}

		for _, spec := range specs {
			remaining := 0
			for _, dep := range spec.Dependencies {
				if batchIDs[dep] || incomplete[dep] {
					remaining++
				}
			}
			if err := insertTask(ctx, tx, spec, remaining, nowMS); err != nil {
				return err
			}
		}
		for _, spec := range specs {
			if err := insertEdges(ctx, tx, spec); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertTask(ctx context.Context, tx *sql.Tx, spec task.Spec, remaining int, nowMS int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, type, duration_ms, status, remaining_deps,
		                   attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, spec.ID, spec.Type, spec.DurationMS, task.StatusQueued, remaining,
		spec.MaxAttempts, nowMS, nowMS)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", spec.ID, err)
	}
	return nil
}

func insertEdges(ctx context.Context, tx *sql.Tx, spec task.Spec) error {
	for _, dep := range spec.Dependencies {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deps (task_id, depends_on_id) VALUES (?, ?)
		`, spec.ID, dep)
		if err != nil {
			return fmt.Errorf("failed to insert edge %s -> %s: %w", spec.ID, dep, err)
		}
	}
	return nil
}

func existingTaskIDs(ctx context.Context, tx *sql.Tx, specs []task.Spec) ([]string, error) {
	ids := make([]any, 0, len(specs))
	for _, spec := range specs {
		ids = append(ids, spec.ID)
	}
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT id FROM tasks WHERE id IN (%s) ORDER BY id`, placeholders(len(ids))), ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing ids: %w", err)
	}
	defer rows.Close()

	var existing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan existing id: %w", err)
		}
		existing = append(existing, id)
	}
	return existing, rows.Err()
}

func missingDependencyIDs(ctx context.Context, tx *sql.Tx, deps []string) ([]string, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	args := make([]any, len(deps))
	for i, dep := range deps {
		args[i] = dep
	}
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT id FROM tasks WHERE id IN (%s)`, placeholders(len(deps))), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to check dependencies: %w", err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(deps))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan dependency id: %w", err)
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, dep := range deps {
		if !found[dep] {
			missing = append(missing, dep)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

func countIncompleteDependencies(ctx context.Context, tx *sql.Tx, deps []string) (int, error) {
	if len(deps) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(deps)+1)
	for _, dep := range deps {
		args = append(args, dep)
	}
	args = append(args, task.StatusCompleted)

	var count int
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM tasks WHERE id IN (%s) AND status != ?
	`, placeholders(len(deps))), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count incomplete dependencies: %w", err)
	}
	return count, nil
}

func incompleteDependencySet(ctx context.Context, tx *sql.Tx, deps []string) (map[string]bool, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(deps)+1)
	for _, dep := range deps {
		args = append(args, dep)
	}
	args = append(args, task.StatusCompleted)

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT id FROM tasks WHERE id IN (%s) AND status != ?
	`, placeholders(len(deps))), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load incomplete dependencies: %w", err)
	}
	defer rows.Close()

	incomplete := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan incomplete dependency: %w", err)
		}
		incomplete[id] = true
	}
	return incomplete, rows.Err()
}
