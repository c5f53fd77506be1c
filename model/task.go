package model

import (
	"context"
	"time"
)

// TaskID uniquely identifies a task within one scheduler.
type TaskID string

// NodeID identifies a node in the cluster. The zero value means
// "this node" in contexts where a task runs locally.
type NodeID string

type TaskStatus int32

const (
	TaskPending TaskStatus = iota
	TaskRunning
	TaskCompleted
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	}
	return "unknown"
}

// IsTerminal tells whether a task in this status will never run again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// DistributionPref constrains where a task may execute.
type DistributionPref int32

const (
	// PrefAny lets the scheduler pick a remote peer first and fall
	// back to local execution.
	PrefAny DistributionPref = iota
	// PrefLocal forces local execution.
	PrefLocal
	// PrefRemote forces dispatch to a remote peer.
	PrefRemote
)

func (p DistributionPref) String() string {
	switch p {
	case PrefAny:
		return "any"
	case PrefLocal:
		return "local"
	case PrefRemote:
		return "remote"
	}
	return "unknown"
}

// ResourceRequirement describes the resources a task needs for the
// duration of one execution attempt.
type ResourceRequirement struct {
	MemoryMB int64   `json:"memory_mb" toml:"memory-mb"`
	CPUCores float64 `json:"cpu_cores" toml:"cpu-cores"`
	// Timeout overrides the scheduler's default task timeout when
	// positive.
	Timeout time.Duration `json:"timeout" toml:"timeout"`
}

// IsZero reports whether the requirement asks for nothing. Zero
// requirements are always admissible.
func (r ResourceRequirement) IsZero() bool {
	return r.MemoryMB == 0 && r.CPUCores == 0
}

// WorkFn is the caller-supplied unit of computation. The scheduler only
// observes success or failure; a task whose deadline expires is failed
// even if its WorkFn keeps running, and the late result is discarded.
type WorkFn func(ctx context.Context) error

// ExecutionType tells observers where an execution attempt is taking place.
type ExecutionType string

const (
	ExecutionLocal  ExecutionType = "local"
	ExecutionRemote ExecutionType = "remote"
)

// Task is one unit of work owned by the scheduler. All fields are
// mutated by the scheduler only; callers observe tasks through
// snapshots.
type Task struct {
	ID          TaskID
	Name        string
	Priority    int
	Requirement ResourceRequirement
	DependsOn   []TaskID
	Pref        DistributionPref

	// Fn is nil for remote-only tasks whose payload lives elsewhere;
	// local execution requires it.
	Fn WorkFn

	Status     TaskStatus
	RetryCount int
	MaxRetries int

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	LastError  string
	AssignedTo NodeID

	// Seq is the submission sequence number, used as the stable
	// tie-break when priorities are equal.
	Seq uint64
}

// Snapshot returns a copy safe for the caller to keep. DependsOn is
// copied so the caller cannot alias the scheduler-owned slice.
func (t *Task) Snapshot() Task {
	cp := *t
	if len(t.DependsOn) > 0 {
		cp.DependsOn = append([]TaskID(nil), t.DependsOn...)
	}
	return cp
}
