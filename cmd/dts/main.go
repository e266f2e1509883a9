// Command dts runs the task-orchestration engine: an embedded SQLite
// store, the scheduling kernel, and the HTTP submit/read surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/enlighter/distributed-task-scheduler/internal/api"
	"github.com/enlighter/distributed-task-scheduler/internal/config"
	"github.com/enlighter/distributed-task-scheduler/internal/engine"
	"github.com/enlighter/distributed-task-scheduler/internal/events"
	"github.com/enlighter/distributed-task-scheduler/internal/persistence"
	"github.com/enlighter/distributed-task-scheduler/internal/submit"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "dts",
		Level: hclog.LevelFromString(settings.LogLevel),
	})

	store, err := persistence.Open(ctx, settings.DBPath, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	repo := persistence.NewTaskRepo(store, log)

	bus := events.NewBus()
	defer bus.Close()
	go logEvents(bus.Subscribe(0), log.Named("events"))

	worker := engine.NewWorker(repo, bus, nil, log)
	scheduler, err := engine.NewScheduler(repo, worker, bus, engine.Config{
		MaxConcurrent:    settings.MaxConcurrent,
		TickInterval:     time.Duration(settings.SchedTickMS) * time.Millisecond,
		Lease:            time.Duration(settings.LeaseMS) * time.Millisecond,
		RecoveryInterval: time.Duration(settings.RecoveryIntervalMS) * time.Millisecond,
		ClaimBatchSize:   settings.ClaimBatchSize,
	}, log)
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}

	svc := submit.NewService(repo, bus, settings.MaxAttempts, log)
	server := api.NewServer(settings.Addr(), svc, repo, log)

	scheduler.Start()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		scheduler.Stop(shutdownTimeout)
		return err
	case <-ctx.Done():
		// Restore default signal handling so a second Ctrl+C force-exits.
		stop()
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}

	scheduler.Stop(shutdownTimeout)
	log.Info("shutdown complete")
	return nil
}

// logEvents drains the lifecycle bus into the log at debug level.
func logEvents(ch <-chan events.Event, log hclog.Logger) {
	for ev := range ch {
		log.Debug(ev.EventType(), "id", ev.TaskID())
	}
}
