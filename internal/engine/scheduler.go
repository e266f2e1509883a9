// Package engine is the scheduling kernel's control side: the tick loop
// that runs recovery, counts live leases, claims runnable tasks, and
// dispatches them to a bounded worker pool. All coordination happens
// through the store's write lock; the engine holds no locks of its own
// beyond its lifecycle state.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/enlighter/distributed-task-scheduler/internal/events"
	"github.com/enlighter/distributed-task-scheduler/internal/persistence"
	"github.com/enlighter/distributed-task-scheduler/internal/task"
)

// Config is the scheduler's runtime configuration.
type Config struct {
	MaxConcurrent    int           // capacity ceiling for RUNNING tasks
	TickInterval     time.Duration // target loop period
	Lease            time.Duration // lease granted at claim time
	RecoveryInterval time.Duration // minimum spacing between recovery sweeps
	ClaimBatchSize   int           // upper bound on claims per tick
}

func (c *Config) validate() error {
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent tasks must be > 0, got %d", c.MaxConcurrent)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be > 0, got %v", c.TickInterval)
	}
	if c.Lease <= 0 {
		return fmt.Errorf("lease must be > 0, got %v", c.Lease)
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 5 * time.Second
	}
	if c.ClaimBatchSize <= 0 {
		c.ClaimBatchSize = 50
	}
	return nil
}

type schedulerState int

const (
	stateStopped schedulerState = iota
	stateRunning
	stateStopping
)

// Scheduler owns the dedicated control goroutine. Lifecycle:
// Stopped -> Running -> Stopping -> Stopped; Start after Stop works.
type Scheduler struct {
	repo    *persistence.TaskRepo
	worker  *Worker
	bus     *events.Bus
	cfg     Config
	log     hclog.Logger
	breaker *gobreaker.CircuitBreaker

	// pool caps concurrently executing workers at MaxConcurrent; the
	// store-derived slot count is the primary bound, this is the backstop
	// the dispatch path enforces locally.
	pool *semaphore.Weighted

	mu       sync.Mutex
	state    schedulerState
	stopCh   chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(repo *persistence.TaskRepo, worker *Worker, bus *events.Bus, cfg Config, log hclog.Logger) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log = log.Named("scheduler")

	return &Scheduler{
		repo:    repo,
		worker:  worker,
		bus:     bus,
		cfg:     cfg,
		log:     log,
		breaker: newStoreBreaker(log),
		pool:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}, nil
}

// Start launches the control loop. Calling Start on a running scheduler
// is a no-op; calling it again after Stop starts a fresh loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateStopped {
		return
	}

	s.log.Info("starting scheduler",
		"max_concurrent", s.cfg.MaxConcurrent,
		"tick", s.cfg.TickInterval,
		"lease", s.cfg.Lease)

	// Initial recovery pass before the first claim, so work orphaned by
	// a crash is requeued immediately.
	if _, err := s.sweep(task.NowMS()); err != nil {
		s.log.Error("initial recovery pass failed", "error", err)
	}

	s.state = stateRunning
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.loop(s.stopCh, s.loopDone)
}

// Stop signals the control loop, waits for it to exit, then drains
// in-flight workers up to timeout. Workers finish their current task;
// no new claims occur. Safe to call on a stopped scheduler.
func (s *Scheduler) Stop(timeout time.Duration) {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return
	}
	s.state = stateStopping
	close(s.stopCh)
	loopDone := s.loopDone
	s.mu.Unlock()

	<-loopDone

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.log.Info("scheduler stopped")
	case <-time.After(timeout):
		s.log.Warn("drain timeout exceeded; workers left running", "timeout", timeout)
	}

	s.mu.Lock()
	s.state = stateStopped
	s.mu.Unlock()
}

func (s *Scheduler) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// Start already ran an initial sweep.
	lastRecovery := task.NowMS()

	for {
		t0 := task.NowMS()

		if t0-lastRecovery >= s.cfg.RecoveryInterval.Milliseconds() {
			if n, err := s.sweep(t0); err != nil {
				s.log.Error("recovery sweep failed", "error", err)
			} else if n > 0 {
				s.log.Info("recovery sweep transitioned stale tasks", "count", n)
			}
			lastRecovery = t0
		}

		if err := s.tick(t0); err != nil {
			// Next tick retries from current truth.
			s.log.Error("scheduler tick failed", "error", err)
		}

		// Sleep out the remainder of the tick, waking immediately on stop.
		remaining := s.cfg.TickInterval - time.Duration(task.NowMS()-t0)*time.Millisecond
		if remaining < 0 {
			remaining = 0
		}
		select {
		case <-stopCh:
			return
		case <-time.After(remaining):
		}
	}
}

// tick claims up to the free capacity and dispatches. Capacity derives
// from store truth: RUNNING rows with live leases. Expired leases do not
// count, so a dead executor cannot wedge the system.
func (s *Scheduler) tick(nowMS int64) error {
	running, err := s.countRunning(nowMS)
	if err != nil {
		return err
	}

	slots := s.cfg.MaxConcurrent - running
	if slots <= 0 {
		return nil
	}
	if slots > s.cfg.ClaimBatchSize {
		slots = s.cfg.ClaimBatchSize
	}

	claimed, err := s.claim(nowMS, slots)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	s.log.Debug("claimed tasks", "count", len(claimed), "running", running, "slots", slots)

	for _, c := range claimed {
		s.bus.Publish(events.TaskClaimed{ID: c.ID, DurationMS: c.DurationMS, At: nowMS})
		s.dispatch(c)
	}
	return nil
}

func (s *Scheduler) dispatch(c task.Claim) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.pool.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer s.pool.Release(1)
		s.worker.Run(c)
	}()
}

func (s *Scheduler) countRunning(nowMS int64) (int, error) {
	n, err := s.breaker.Execute(func() (any, error) {
		return s.repo.CountRunning(context.Background(), nowMS)
	})
	if err != nil {
		return 0, err
	}
	return n.(int), nil
}

func (s *Scheduler) claim(nowMS int64, limit int) ([]task.Claim, error) {
	claimed, err := s.breaker.Execute(func() (any, error) {
		return s.repo.ClaimRunnable(context.Background(), nowMS, s.cfg.Lease.Milliseconds(), limit)
	})
	if err != nil {
		return nil, err
	}
	return claimed.([]task.Claim), nil
}

func (s *Scheduler) sweep(nowMS int64) (int, error) {
	n, err := s.breaker.Execute(func() (any, error) {
		return s.repo.SweepExpiredLeases(context.Background(), nowMS)
	})
	if err != nil {
		return 0, err
	}
	return n.(int), nil
}
