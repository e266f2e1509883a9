// Package submit validates task submissions and hands them to the store.
// Single submits need no cycle check (all dependencies already exist, so
// the new task is an acyclic leaf); batches get a topological check over
// the induced sub-DAG before anything is inserted.
package submit

import (
	"context"
	"fmt"

	"github.com/gammazero/toposort"
	"github.com/hashicorp/go-hclog"

	"github.com/enlighter/distributed-task-scheduler/internal/events"
	"github.com/enlighter/distributed-task-scheduler/internal/persistence"
	"github.com/enlighter/distributed-task-scheduler/internal/task"
)

// Validation bounds carried over from the wire contract.
const (
	maxIDLen      = 256
	maxTypeLen    = 256
	maxDurationMS = 86_400_000 // 24h
)

// Service is the submit path: shape validation, batch cycle detection,
// then atomic insertion through the TaskRepo.
type Service struct {
	repo               *persistence.TaskRepo
	bus                *events.Bus
	defaultMaxAttempts int
	log                hclog.Logger
}

// NewService creates a submit service. defaultMaxAttempts applies to any
// spec that does not override it.
func NewService(repo *persistence.TaskRepo, bus *events.Bus, defaultMaxAttempts int, log hclog.Logger) *Service {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Service{
		repo:               repo,
		bus:                bus,
		defaultMaxAttempts: defaultMaxAttempts,
		log:                log.Named("submit"),
	}
}

// Submit validates and inserts a single task, returning the created row.
func (s *Service) Submit(ctx context.Context, spec task.Spec) (*task.Task, error) {
	if err := s.validateSpec(&spec); err != nil {
		return nil, err
	}

	now := task.NowMS()
	if err := s.repo.CreateTask(ctx, spec, now); err != nil {
		return nil, err
	}
	s.log.Debug("task submitted", "id", spec.ID, "deps", len(spec.Dependencies))
	s.bus.Publish(events.TaskSubmitted{ID: spec.ID, Type: spec.Type, At: now})

	return s.repo.Get(ctx, spec.ID)
}

// SubmitBatch validates and atomically inserts an ordered batch. Any
// failure leaves the store untouched.
func (s *Service) SubmitBatch(ctx context.Context, specs []task.Spec) ([]*task.Task, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: batch must not be empty", task.ErrValidation)
	}

	seen := make(map[string]bool, len(specs))
	for i := range specs {
		if err := s.validateSpec(&specs[i]); err != nil {
			return nil, err
		}
		if seen[specs[i].ID] {
			return nil, fmt.Errorf("%w: %s appears twice in batch", task.ErrDuplicateID, specs[i].ID)
		}
		seen[specs[i].ID] = true
	}

	if err := checkBatchAcyclic(specs); err != nil {
		return nil, err
	}

	now := task.NowMS()
	if err := s.repo.CreateTaskBatch(ctx, specs, now); err != nil {
		return nil, err
	}
	s.log.Debug("batch submitted", "count", len(specs))

	created := make([]*task.Task, 0, len(specs))
	for _, spec := range specs {
		s.bus.Publish(events.TaskSubmitted{ID: spec.ID, Type: spec.Type, At: now})
		t, err := s.repo.Get(ctx, spec.ID)
		if err != nil {
			return nil, err
		}
		created = append(created, t)
	}
	return created, nil
}

// validateSpec checks shape only; store-side rules (duplicate ids,
// unknown dependencies) belong to the repo transaction. Resolves the
// max-attempts default in place.
func (s *Service) validateSpec(spec *task.Spec) error {
	if spec.ID == "" || len(spec.ID) > maxIDLen {
		return fmt.Errorf("%w: id must be 1-%d characters", task.ErrValidation, maxIDLen)
	}
	if spec.Type == "" || len(spec.Type) > maxTypeLen {
		return fmt.Errorf("%w: type must be 1-%d characters", task.ErrValidation, maxTypeLen)
	}
	if spec.DurationMS <= 0 || spec.DurationMS > maxDurationMS {
		return fmt.Errorf("%w: duration_ms must be in 1..%d", task.ErrValidation, maxDurationMS)
	}
	if spec.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must be positive", task.ErrValidation)
	}
	if spec.MaxAttempts == 0 {
		spec.MaxAttempts = s.defaultMaxAttempts
	}

	depSeen := make(map[string]bool, len(spec.Dependencies))
	for _, dep := range spec.Dependencies {
		if dep == spec.ID {
			return fmt.Errorf("%w: task %s cannot depend on itself", task.ErrValidation, spec.ID)
		}
		if depSeen[dep] {
			return fmt.Errorf("%w: duplicate dependency %s", task.ErrValidation, dep)
		}
		depSeen[dep] = true
	}
	return nil
}

// checkBatchAcyclic runs a topological sort over the dependency edges
// restricted to batch ids. Edges into pre-existing store tasks cannot
// introduce a cycle, because stored tasks cannot depend on ids that do
// not exist yet.
func checkBatchAcyclic(specs []task.Spec) error {
	inBatch := make(map[string]bool, len(specs))
	for _, spec := range specs {
		inBatch[spec.ID] = true
	}

	var edges []toposort.Edge
	for _, spec := range specs {
		internal := false
		for _, dep := range spec.Dependencies {
			if inBatch[dep] {
				// dep must come before the task.
				edges = append(edges, toposort.Edge{dep, spec.ID})
				internal = true
			}
		}
		if !internal {
			edges = append(edges, toposort.Edge{nil, spec.ID})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: %v", task.ErrCycleInBatch, err)
	}
	return nil
}
