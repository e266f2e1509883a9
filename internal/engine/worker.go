package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/enlighter/distributed-task-scheduler/internal/events"
	"github.com/enlighter/distributed-task-scheduler/internal/persistence"
	"github.com/enlighter/distributed-task-scheduler/internal/task"
)

// ExecuteFunc simulates the work for one claimed task. The default
// implementation sleeps for the declared duration; tests inject failures
// and panics through it.
type ExecuteFunc func(c task.Claim) error

func sleepExecute(c task.Claim) error {
	time.Sleep(time.Duration(c.DurationMS) * time.Millisecond)
	return nil
}

// Worker executes one claimed task and reports the outcome to the repo.
// The repo is authoritative: if the completion hits a state conflict
// (the lease expired and recovery already requeued or failed the task),
// the worker abandons the result silently.
type Worker struct {
	repo    *persistence.TaskRepo
	bus     *events.Bus
	execute ExecuteFunc
	log     hclog.Logger
}

// NewWorker creates a worker. A nil execute uses the sleeping default.
func NewWorker(repo *persistence.TaskRepo, bus *events.Bus, execute ExecuteFunc, log hclog.Logger) *Worker {
	if execute == nil {
		execute = sleepExecute
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Worker{repo: repo, bus: bus, execute: execute, log: log.Named("worker")}
}

// Run executes the claim to completion. Panics are caught and routed to
// the retry policy; Run itself never touches remaining_deps.
func (w *Worker) Run(c task.Claim) {
	defer func() {
		if p := recover(); p != nil {
			w.log.Error("task execution panicked", "id", c.ID, "panic", p)
			w.failOrRetry(c.ID, fmt.Sprintf("panic: %v", p))
		}
	}()

	w.log.Debug("running task", "id", c.ID, "duration_ms", c.DurationMS)

	if err := w.execute(c); err != nil {
		w.failOrRetry(c.ID, err.Error())
		return
	}

	now := task.NowMS()
	err := w.repo.MarkCompleted(context.Background(), c.ID, now)
	switch {
	case err == nil:
		w.bus.Publish(events.TaskCompleted{ID: c.ID, At: now})
		w.log.Debug("task completed", "id", c.ID)
	case errors.Is(err, task.ErrStateConflict):
		// Recovery already took authoritative action; drop the result.
		w.log.Debug("completion superseded by recovery", "id", c.ID)
	case errors.Is(err, task.ErrNotFound):
		w.log.Warn("completed task no longer exists", "id", c.ID)
	default:
		w.failOrRetry(c.ID, err.Error())
	}
}

func (w *Worker) failOrRetry(id, reason string) {
	now := task.NowMS()
	outcome, err := w.repo.MarkFailedOrRetry(context.Background(), id, now, reason)
	if err != nil {
		if errors.Is(err, task.ErrStateConflict) {
			w.log.Debug("failure superseded by recovery", "id", id)
			return
		}
		w.log.Error("failed to record task failure", "id", id, "error", err)
		return
	}

	switch outcome {
	case task.StatusQueued:
		w.bus.Publish(events.TaskRequeued{ID: id, Reason: reason, At: now})
		w.log.Info("task requeued after failure", "id", id, "reason", reason)
	case task.StatusFailed:
		w.bus.Publish(events.TaskFailed{ID: id, Reason: reason, At: now})
		w.log.Warn("task failed terminally", "id", id, "reason", reason)
	}
}
