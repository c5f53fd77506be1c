package scheduler

import "github.com/taskmesh/taskmesh/model"

// EventName names the lifecycle notifications the scheduler emits.
// External observers depend on these exact strings.
type EventName string

const (
	EventTaskAdded     EventName = "task:added"
	EventTaskStarted   EventName = "task:started"
	EventTaskCompleted EventName = "task:completed"
	EventTaskRetry     EventName = "task:retry"
	EventTaskFailed    EventName = "task:failed"
	EventTaskCancelled EventName = "task:cancelled"
)

// Event is one lifecycle notification. Task is a snapshot taken at
// emission time.
type Event struct {
	Name EventName
	Task model.Task

	// ExecutionType is set on task:started events.
	ExecutionType model.ExecutionType

	// Error carries the failure reason on task:retry and task:failed
	// events.
	Error string
}
