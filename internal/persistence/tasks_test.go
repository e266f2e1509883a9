package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/enlighter/distributed-task-scheduler/internal/task"
)

// mustCreate inserts a task spec or fails the test.
func mustCreate(t *testing.T, repo *TaskRepo, spec task.Spec, nowMS int64) {
	t.Helper()
	if spec.MaxAttempts == 0 {
		spec.MaxAttempts = 3
	}
	if err := repo.CreateTask(context.Background(), spec, nowMS); err != nil {
		t.Fatalf("failed to create task %s: %v", spec.ID, err)
	}
}

// mustGet fetches a task or fails the test.
func mustGet(t *testing.T, repo *TaskRepo, id string) *task.Task {
	t.Helper()
	got, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get task %s: %v", id, err)
	}
	return got
}

func TestClaimRunnableFIFOWithIDTiebreak(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	// b and c share created_at; a is older and must win first.
	mustCreate(t, repo, task.Spec{ID: "a", Type: "noop", DurationMS: 10}, 1000)
	mustCreate(t, repo, task.Spec{ID: "c", Type: "noop", DurationMS: 10}, 2000)
	mustCreate(t, repo, task.Spec{ID: "b", Type: "noop", DurationMS: 10}, 2000)

	claimed, err := repo.ClaimRunnable(ctx, 3000, 60_000, 2)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != "a" || claimed[1].ID != "b" {
		t.Fatalf("expected [a b], got %v", claimed)
	}

	// The remaining candidate is claimed next.
	claimed, err = repo.ClaimRunnable(ctx, 3000, 60_000, 2)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "c" {
		t.Fatalf("expected [c], got %v", claimed)
	}
}

func TestClaimSetsRunningStateAndLease(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	mustCreate(t, repo, task.Spec{ID: "a", Type: "noop", DurationMS: 25}, 1000)

	claimed, err := repo.ClaimRunnable(ctx, 2000, 500, 1)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].DurationMS != 25 {
		t.Fatalf("unexpected claims: %v", claimed)
	}

	got := mustGet(t, repo, "a")
	if got.Status != task.StatusRunning {
		t.Errorf("status = %s, want RUNNING", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.StartedAt == nil || *got.StartedAt != 2000 {
		t.Errorf("started_at = %v, want 2000", got.StartedAt)
	}
	if got.LeaseExpiresAt == nil || *got.LeaseExpiresAt != 2500 {
		t.Errorf("lease_expires_at = %v, want 2500", got.LeaseExpiresAt)
	}
}

func TestClaimSkipsWaitingAndClaimedTasks(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	mustCreate(t, repo, task.Spec{ID: "dep", Type: "noop", DurationMS: 10}, 1000)
	mustCreate(t, repo, task.Spec{ID: "waiting", Type: "noop", DurationMS: 10, Dependencies: []string{"dep"}}, 1000)

	claimed, err := repo.ClaimRunnable(ctx, 2000, 60_000, 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "dep" {
		t.Fatalf("expected only [dep], got %v", claimed)
	}

	// Nothing else is runnable: dep is RUNNING, waiting has remaining_deps=1.
	claimed, err = repo.ClaimRunnable(ctx, 2000, 60_000, 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected no claims, got %v", claimed)
	}
}

func TestMarkCompletedPropagatesToDependents(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	mustCreate(t, repo, task.Spec{ID: "a", Type: "noop", DurationMS: 10}, 1000)
	mustCreate(t, repo, task.Spec{ID: "b", Type: "noop", DurationMS: 10}, 1000)
	mustCreate(t, repo, task.Spec{ID: "c", Type: "noop", DurationMS: 10, Dependencies: []string{"a", "b"}}, 1000)

	if _, err := repo.ClaimRunnable(ctx, 2000, 60_000, 2); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if err := repo.MarkCompleted(ctx, "a", 3000); err != nil {
		t.Fatalf("complete a failed: %v", err)
	}
	if got := mustGet(t, repo, "c"); got.RemainingDeps != 1 {
		t.Fatalf("after a completes: remaining_deps = %d, want 1", got.RemainingDeps)
	}

	if err := repo.MarkCompleted(ctx, "b", 3100); err != nil {
		t.Fatalf("complete b failed: %v", err)
	}
	c := mustGet(t, repo, "c")
	if c.RemainingDeps != 0 {
		t.Fatalf("after both complete: remaining_deps = %d, want 0", c.RemainingDeps)
	}
	if c.Status != task.StatusQueued {
		t.Fatalf("c status = %s, want QUEUED", c.Status)
	}

	// c is now runnable.
	claimed, err := repo.ClaimRunnable(ctx, 4000, 60_000, 1)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "c" {
		t.Fatalf("expected [c], got %v", claimed)
	}

	a := mustGet(t, repo, "a")
	if a.Status != task.StatusCompleted {
		t.Errorf("a status = %s, want COMPLETED", a.Status)
	}
	if a.FinishedAt == nil || *a.FinishedAt != 3000 {
		t.Errorf("a finished_at = %v, want 3000", a.FinishedAt)
	}
	if a.LeaseExpiresAt != nil {
		t.Errorf("a lease_expires_at = %v, want nil", a.LeaseExpiresAt)
	}
}

func TestMarkCompletedStateConflict(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	mustCreate(t, repo, task.Spec{ID: "a", Type: "noop", DurationMS: 10}, 1000)

	err := repo.MarkCompleted(ctx, "a", 2000)
	if !errors.Is(err, task.ErrStateConflict) {
		t.Fatalf("completing a QUEUED task: err = %v, want ErrStateConflict", err)
	}

	err = repo.MarkCompleted(ctx, "ghost", 2000)
	if !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("completing a missing task: err = %v, want ErrNotFound", err)
	}
}

func TestMarkFailedOrRetryRequeuesThenFails(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	mustCreate(t, repo, task.Spec{ID: "a", Type: "noop", DurationMS: 10, MaxAttempts: 2}, 1000)

	// First attempt fails: attempts=1 < 2, so requeue.
	if _, err := repo.ClaimRunnable(ctx, 2000, 60_000, 1); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	outcome, err := repo.MarkFailedOrRetry(ctx, "a", 3000, "boom")
	if err != nil {
		t.Fatalf("fail-or-retry failed: %v", err)
	}
	if outcome != task.StatusQueued {
		t.Fatalf("outcome = %s, want QUEUED", outcome)
	}

	got := mustGet(t, repo, "a")
	if got.Status != task.StatusQueued || got.Attempts != 1 {
		t.Fatalf("after requeue: status=%s attempts=%d, want QUEUED/1", got.Status, got.Attempts)
	}
	if got.StartedAt != nil || got.LeaseExpiresAt != nil {
		t.Errorf("requeue must clear started_at and lease, got %v / %v", got.StartedAt, got.LeaseExpiresAt)
	}
	if got.LastError == nil || *got.LastError != "boom" {
		t.Errorf("last_error = %v, want boom", got.LastError)
	}

	// Second attempt fails: attempts=2 >= 2, so terminal FAILED.
	if _, err := repo.ClaimRunnable(ctx, 4000, 60_000, 1); err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	outcome, err = repo.MarkFailedOrRetry(ctx, "a", 5000, "boom again")
	if err != nil {
		t.Fatalf("second fail-or-retry failed: %v", err)
	}
	if outcome != task.StatusFailed {
		t.Fatalf("outcome = %s, want FAILED", outcome)
	}

	got = mustGet(t, repo, "a")
	if got.Status != task.StatusFailed || got.Attempts != 2 {
		t.Fatalf("after exhaustion: status=%s attempts=%d, want FAILED/2", got.Status, got.Attempts)
	}
	if got.FinishedAt == nil || *got.FinishedAt != 5000 {
		t.Errorf("finished_at = %v, want 5000", got.FinishedAt)
	}
}

func TestTerminalFailureBlocksTransitiveDependents(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	mustCreate(t, repo, task.Spec{ID: "a", Type: "noop", DurationMS: 10, MaxAttempts: 1}, 1000)
	mustCreate(t, repo, task.Spec{ID: "b", Type: "noop", DurationMS: 10, Dependencies: []string{"a"}}, 1000)
	mustCreate(t, repo, task.Spec{ID: "c", Type: "noop", DurationMS: 10, Dependencies: []string{"b"}}, 1000)
	mustCreate(t, repo, task.Spec{ID: "unrelated", Type: "noop", DurationMS: 10}, 1000)

	if _, err := repo.ClaimRunnable(ctx, 2000, 60_000, 1); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := repo.MarkFailedOrRetry(ctx, "a", 3000, "boom"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	for _, id := range []string{"b", "c"} {
		got := mustGet(t, repo, id)
		if got.Status != task.StatusBlocked {
			t.Errorf("%s status = %s, want BLOCKED", id, got.Status)
		}
		if got.LastError == nil {
			t.Errorf("%s last_error not set", id)
		}
	}
	if got := mustGet(t, repo, "unrelated"); got.Status != task.StatusQueued {
		t.Errorf("unrelated status = %s, want QUEUED", got.Status)
	}
}

func TestSweepExpiredLeases(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	mustCreate(t, repo, task.Spec{ID: "retryable", Type: "noop", DurationMS: 10, MaxAttempts: 3}, 1000)
	mustCreate(t, repo, task.Spec{ID: "exhausted", Type: "noop", DurationMS: 10, MaxAttempts: 1}, 1000)
	mustCreate(t, repo, task.Spec{ID: "alive", Type: "noop", DurationMS: 10}, 1000)
	mustCreate(t, repo, task.Spec{ID: "child", Type: "noop", DurationMS: 10, Dependencies: []string{"exhausted"}}, 1000)

	// Claim all three runnable tasks with a short lease.
	claimed, err := repo.ClaimRunnable(ctx, 2000, 100, 3)
	if err != nil || len(claimed) != 3 {
		t.Fatalf("claim failed: %v (claimed %v)", err, claimed)
	}

	// Keep "alive" leased by extending it directly.
	if _, err := repo.store.db.Exec(`UPDATE tasks SET lease_expires_at = 10000 WHERE id = 'alive'`); err != nil {
		t.Fatalf("failed to extend lease: %v", err)
	}

	transitioned, err := repo.SweepExpiredLeases(ctx, 5000)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if transitioned != 2 {
		t.Fatalf("transitioned = %d, want 2", transitioned)
	}

	retryable := mustGet(t, repo, "retryable")
	if retryable.Status != task.StatusQueued || retryable.Attempts != 1 {
		t.Errorf("retryable: status=%s attempts=%d, want QUEUED/1", retryable.Status, retryable.Attempts)
	}
	if retryable.LastError == nil || *retryable.LastError != "lease expired" {
		t.Errorf("retryable last_error = %v, want 'lease expired'", retryable.LastError)
	}

	exhausted := mustGet(t, repo, "exhausted")
	if exhausted.Status != task.StatusFailed {
		t.Errorf("exhausted status = %s, want FAILED", exhausted.Status)
	}

	// Terminal failure in the sweep blocks dependents too.
	if got := mustGet(t, repo, "child"); got.Status != task.StatusBlocked {
		t.Errorf("child status = %s, want BLOCKED", got.Status)
	}

	if got := mustGet(t, repo, "alive"); got.Status != task.StatusRunning {
		t.Errorf("alive status = %s, want RUNNING", got.Status)
	}
}

func TestSweepRequeueCostsAnAttemptOnNextClaim(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	mustCreate(t, repo, task.Spec{ID: "a", Type: "noop", DurationMS: 10, MaxAttempts: 2}, 1000)

	if _, err := repo.ClaimRunnable(ctx, 2000, 100, 1); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := repo.SweepExpiredLeases(ctx, 3000); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	// attempts stays at 1 through the requeue; the next claim makes it 2.
	if got := mustGet(t, repo, "a"); got.Attempts != 1 {
		t.Fatalf("attempts after requeue = %d, want 1", got.Attempts)
	}
	if _, err := repo.ClaimRunnable(ctx, 4000, 100, 1); err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if got := mustGet(t, repo, "a"); got.Attempts != 2 {
		t.Fatalf("attempts after reclaim = %d, want 2", got.Attempts)
	}

	// Lease expires again: attempts=2 >= max_attempts=2, terminal.
	if _, err := repo.SweepExpiredLeases(ctx, 5000); err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	got := mustGet(t, repo, "a")
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.LastError == nil || *got.LastError != "lease expired; max attempts reached" {
		t.Errorf("last_error = %v, want exhaustion sentinel", got.LastError)
	}
}

func TestCountRunningIgnoresExpiredLeases(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	mustCreate(t, repo, task.Spec{ID: "a", Type: "noop", DurationMS: 10}, 1000)
	mustCreate(t, repo, task.Spec{ID: "b", Type: "noop", DurationMS: 10}, 1000)

	if _, err := repo.ClaimRunnable(ctx, 2000, 1000, 2); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// Both leases live at t=2500.
	if n, err := repo.CountRunning(ctx, 2500); err != nil || n != 2 {
		t.Fatalf("count at 2500 = %d (%v), want 2", n, err)
	}
	// Lease boundary is inclusive at exactly now.
	if n, err := repo.CountRunning(ctx, 3000); err != nil || n != 2 {
		t.Fatalf("count at 3000 = %d (%v), want 2", n, err)
	}
	// Both expired: capacity is free again.
	if n, err := repo.CountRunning(ctx, 3001); err != nil || n != 0 {
		t.Fatalf("count at 3001 = %d (%v), want 0", n, err)
	}
}

func TestGetAndListWithStatusFilter(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	mustCreate(t, repo, task.Spec{ID: "a", Type: "build", DurationMS: 10}, 1000)
	mustCreate(t, repo, task.Spec{ID: "b", Type: "test", DurationMS: 20, Dependencies: []string{"a"}}, 2000)

	got := mustGet(t, repo, "b")
	if got.Type != "test" || got.RemainingDeps != 1 {
		t.Fatalf("b = %+v, want type=test remaining_deps=1", got)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != "a" {
		t.Fatalf("b dependencies = %v, want [a]", got.Dependencies)
	}

	if _, err := repo.Get(ctx, "ghost"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("get ghost: want ErrNotFound")
	}

	tasks, total, err := repo.List(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 || len(tasks) != 2 || tasks[0].ID != "a" {
		t.Fatalf("list = %d tasks total=%d first=%s, want 2/2/a", len(tasks), total, tasks[0].ID)
	}

	if _, err := repo.ClaimRunnable(ctx, 3000, 60_000, 1); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	running, total, err := repo.List(ctx, task.StatusRunning, 10, 0)
	if err != nil {
		t.Fatalf("filtered list failed: %v", err)
	}
	if total != 1 || len(running) != 1 || running[0].ID != "a" {
		t.Fatalf("filtered list = %v total=%d, want [a]/1", running, total)
	}

	// Pagination.
	page, total, err := repo.List(ctx, "", 1, 1)
	if err != nil {
		t.Fatalf("paginated list failed: %v", err)
	}
	if total != 2 || len(page) != 1 || page[0].ID != "b" {
		t.Fatalf("page = %v total=%d, want [b]/2", page, total)
	}
}
