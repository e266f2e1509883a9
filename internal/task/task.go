// Package task holds the domain types shared by the store, the engine,
// and the HTTP surface: the task record, its status lifecycle, and the
// error kinds the kernel produces.
package task

// Status is the durable state of a task.
//
// QUEUED covers both "waiting on dependencies" (RemainingDeps > 0) and
// "runnable" (RemainingDeps == 0); readiness is derived, never stored.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusBlocked   Status = "BLOCKED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// Terminal reports whether a task in this status will never transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusBlocked
}

// Task is the full durable record of a unit of work.
// All timestamps are wall-clock milliseconds since the Unix epoch;
// optional ones are nil until the corresponding transition happens.
type Task struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	DurationMS int64  `json:"duration_ms"`

	Status        Status `json:"status"`
	RemainingDeps int    `json:"remaining_deps"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
	StartedAt  *int64 `json:"started_at"`
	FinishedAt *int64 `json:"finished_at"`

	LeaseExpiresAt *int64  `json:"lease_expires_at"`
	LastError      *string `json:"last_error"`

	Dependencies []string `json:"dependencies"`
}

// Spec is a submission request for a single task. MaxAttempts of zero
// means "use the process-wide default".
type Spec struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	DurationMS   int64    `json:"duration_ms"`
	MaxAttempts  int      `json:"max_attempts,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Claim identifies a task handed to the worker pool: everything the
// worker needs to simulate the work and report back.
type Claim struct {
	ID         string
	DurationMS int64
}
