package scheduler

import "time"

const (
	defaultMaxConcurrentTasks = 4
	defaultMaxRetries         = 3
	defaultRetryDelay         = 5 * time.Second
	defaultTaskTimeout        = 2 * time.Minute
	defaultSchedulingInterval = 500 * time.Millisecond
)

// Config holds the scheduler's tunables.
type Config struct {
	// MaxConcurrentTasks caps the number of simultaneously running
	// tasks, local and remote combined.
	MaxConcurrentTasks int `toml:"max-concurrent-tasks" json:"max-concurrent-tasks"`

	// DefaultMaxRetries applies to tasks submitted without an explicit
	// retry budget.
	DefaultMaxRetries int `toml:"default-max-retries" json:"default-max-retries"`

	// RetryDelay is how long a failed task stays ineligible before its
	// next attempt.
	RetryDelay time.Duration `toml:"retry-delay" json:"retry-delay"`

	// DefaultTaskTimeout bounds one execution attempt of a task whose
	// requirement carries no timeout of its own.
	DefaultTaskTimeout time.Duration `toml:"default-task-timeout" json:"default-task-timeout"`

	// SchedulingInterval is the period of the scheduling pass.
	SchedulingInterval time.Duration `toml:"scheduling-interval" json:"scheduling-interval"`

	// TaskRetention is how long terminal tasks stay visible before
	// they are swept from the task set. Zero keeps them forever.
	TaskRetention time.Duration `toml:"task-retention" json:"task-retention"`
}

// Adjust validates the Config and fills in defaults.
func (c Config) Adjust() Config {
	adjusted := c
	if adjusted.MaxConcurrentTasks <= 0 {
		adjusted.MaxConcurrentTasks = defaultMaxConcurrentTasks
	}
	if adjusted.DefaultMaxRetries <= 0 {
		adjusted.DefaultMaxRetries = defaultMaxRetries
	}
	if adjusted.RetryDelay <= 0 {
		adjusted.RetryDelay = defaultRetryDelay
	}
	if adjusted.DefaultTaskTimeout <= 0 {
		adjusted.DefaultTaskTimeout = defaultTaskTimeout
	}
	if adjusted.SchedulingInterval <= 0 {
		adjusted.SchedulingInterval = defaultSchedulingInterval
	}
	if adjusted.TaskRetention < 0 {
		adjusted.TaskRetention = 0
	}
	return adjusted
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{}.Adjust()
}
