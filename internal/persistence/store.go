// Package persistence owns every byte that touches SQLite: connection
// setup, schema migrations, and the TaskRepo that performs all reads and
// writes against the task and dependency tables.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	_ "modernc.org/sqlite"

	"github.com/enlighter/distributed-task-scheduler/internal/task"
)

// Store wraps the SQLite handle and the transaction discipline the
// scheduling kernel relies on: every write runs inside an immediate
// transaction, so the database write lock is the only coordination
// primitive in the system.
type Store struct {
	db  *sql.DB
	log hclog.Logger
}

// Open creates (or opens) the SQLite database at dbPath and applies any
// pending migrations. Creates parent directories if needed. Enables WAL
// mode, foreign keys, and a busy timeout.
func Open(ctx context.Context, dbPath string, log hclog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// Note: modernc.org/sqlite doesn't support _foreign_keys in the
	// connection string; it is enabled via PRAGMA below.
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr, log)
}

// OpenMemory creates an in-memory store for testing. Uses a shared cache
// so multiple connections see the same database.
func OpenMemory(ctx context.Context, log hclog.Logger) (*Store, error) {
	return open(ctx, "file::memory:?mode=memory&cache=shared", log)
}

func open(ctx context.Context, connStr string, log hclog.Logger) (*Store, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, log: log.Named("store")}

	if err := s.applyMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// withImmediateTx runs fn inside a write transaction that acquires the
// database write lock at BEGIN, not lazily. Two concurrent writers
// serialize at transaction start, which is what makes the claim protocol
// race-free. Transient busy/locked failures are retried once; everything
// else surfaces wrapped in a *task.StoreError unless fn already returned
// a domain error.
func (s *Store) withImmediateTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	attempt := func() error {
		// modernc.org/sqlite issues BEGIN IMMEDIATE for serializable
		// write transactions.
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return s.classify(op, err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return s.classify(op, err)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 100 * time.Millisecond

	return backoff.Retry(func() error {
		err := attempt()
		if err == nil {
			return nil
		}
		if task.IsTransientStore(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 1), ctx))
}

// classify wraps a driver failure, tagging the busy/locked category as
// transient so withImmediateTx knows it may retry once.
func (s *Store) classify(op string, err error) error {
	msg := err.Error()
	transient := strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
	return &task.StoreError{Op: op, Err: err, Transient: transient}
}
