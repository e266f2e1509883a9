package events

// Event is the base interface for all lifecycle events.
type Event interface {
	EventType() string
	TaskID() string
}

// Event type constants
const (
	EventTypeTaskSubmitted = "task.submitted"
	EventTypeTaskClaimed   = "task.claimed"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskRequeued  = "task.requeued"
	EventTypeTaskFailed    = "task.failed"
)

// TaskSubmitted is published when a task is accepted into the store.
type TaskSubmitted struct {
	ID   string
	Type string
	At   int64
}

func (e TaskSubmitted) EventType() string { return EventTypeTaskSubmitted }
func (e TaskSubmitted) TaskID() string    { return e.ID }

// TaskClaimed is published when the scheduler claims a task for execution.
type TaskClaimed struct {
	ID         string
	DurationMS int64
	At         int64
}

func (e TaskClaimed) EventType() string { return EventTypeTaskClaimed }
func (e TaskClaimed) TaskID() string    { return e.ID }

// TaskCompleted is published when a worker finishes a task successfully.
type TaskCompleted struct {
	ID string
	At int64
}

func (e TaskCompleted) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompleted) TaskID() string    { return e.ID }

// TaskRequeued is published when a failure or lease expiry sends a task
// back to the queue for another attempt.
type TaskRequeued struct {
	ID     string
	Reason string
	At     int64
}

func (e TaskRequeued) EventType() string { return EventTypeTaskRequeued }
func (e TaskRequeued) TaskID() string    { return e.ID }

// TaskFailed is published when a task fails terminally.
type TaskFailed struct {
	ID     string
	Reason string
	At     int64
}

func (e TaskFailed) EventType() string { return EventTypeTaskFailed }
func (e TaskFailed) TaskID() string    { return e.ID }
