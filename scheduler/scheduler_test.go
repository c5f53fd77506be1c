package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/pkg/clock"
	derror "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/notifier"
	"github.com/taskmesh/taskmesh/resource"
)

const waitTimeout = 5 * time.Second

type mockAgentComm struct {
	mu        sync.Mutex
	bestNode  model.NodeID
	hasNode   bool
	assignErr error
	assigned  []model.Task
	messages  []model.Envelope

	updates *notifier.Notifier[model.TaskStatusUpdate]
}

func newMockAgentComm() *mockAgentComm {
	return &mockAgentComm{
		updates: notifier.NewNotifier[model.TaskStatusUpdate](),
	}
}

func (m *mockAgentComm) FindBestNodeForTask(req model.ResourceRequirement) (model.NodeID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bestNode, m.hasNode
}

func (m *mockAgentComm) AssignTask(ctx context.Context, task model.Task, node model.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assignErr != nil {
		return m.assignErr
	}
	m.assigned = append(m.assigned, task)
	return nil
}

func (m *mockAgentComm) SendMessage(ctx context.Context, env model.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, env)
	return nil
}

func (m *mockAgentComm) StatusUpdates() *notifier.Receiver[model.TaskStatusUpdate] {
	return m.updates.NewReceiver()
}

func (m *mockAgentComm) sentMessages() []model.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Envelope(nil), m.messages...)
}

func (m *mockAgentComm) assignedTasks() []model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Task(nil), m.assigned...)
}

type testEnv struct {
	sched *Scheduler
	res   *resource.Manager
	comm  *mockAgentComm
	clk   *clock.Mock
}

func newTestEnv(t *testing.T, cfg Config, resCfg resource.Config, comm *mockAgentComm) *testEnv {
	mgr := resource.NewManager(resCfg)
	t.Cleanup(mgr.Close)

	clk := clock.NewMock()
	var agentComm AgentComm
	if comm != nil {
		agentComm = comm
		t.Cleanup(comm.updates.Close)
	}
	sched := newWithClock("local-node", cfg, mgr, agentComm, clk)
	t.Cleanup(sched.Stop)

	return &testEnv{sched: sched, res: mgr, comm: comm, clk: clk}
}

func (e *testEnv) waitStatus(t *testing.T, id model.TaskID, status model.TaskStatus) model.Task {
	var last model.Task
	require.Eventually(t, func() bool {
		task, ok := e.sched.Task(id)
		if !ok {
			return false
		}
		last = task
		return task.Status == status
	}, waitTimeout, 5*time.Millisecond,
		"task %s did not reach status %s, last seen %s", id, status, last.Status)
	return last
}

func TestAddAndRunLocalTask(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), resource.DefaultConfig(), nil)
	receiver := env.sched.Events()
	defer receiver.Close()

	ran := make(chan struct{})
	id, err := env.sched.AddTask(TaskSpec{
		Name:        "noop",
		Requirement: model.ResourceRequirement{MemoryMB: 128, CPUCores: 1},
		Fn: func(ctx context.Context) error {
			close(ran)
			return nil
		},
	})
	require.NoError(t, err)

	env.sched.schedulePass()

	select {
	case <-ran:
	case <-time.After(waitTimeout):
		t.Fatal("task did not run")
	}

	task := env.waitStatus(t, id, model.TaskCompleted)
	require.Equal(t, model.NodeID("local-node"), task.AssignedTo)
	require.False(t, task.CompletedAt.Before(task.StartedAt))

	var names []EventName
	for len(names) < 3 {
		select {
		case ev := <-receiver.C:
			names = append(names, ev.Name)
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for events, got %v", names)
		}
	}
	require.Equal(t, []EventName{EventTaskAdded, EventTaskStarted, EventTaskCompleted}, names)

	// The reservation must be gone.
	require.Equal(t, 0, env.res.EnhancedMetrics().Reservations)
}

func TestPriorityOrdering(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentTasks: 1}, resource.DefaultConfig(), nil)

	var mu sync.Mutex
	var order []string

	record := func(name string) model.WorkFn {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	low, err := env.sched.AddTask(TaskSpec{Name: "low", Priority: 1, Fn: record("low")})
	require.NoError(t, err)
	high, err := env.sched.AddTask(TaskSpec{Name: "high", Priority: 10, Fn: record("high")})
	require.NoError(t, err)

	env.sched.schedulePass()
	env.waitStatus(t, high, model.TaskCompleted)
	env.sched.schedulePass()
	env.waitStatus(t, low, model.TaskCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "low"}, order)
}

func TestDependencyOrdering(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), resource.DefaultConfig(), nil)

	first, err := env.sched.AddTask(TaskSpec{
		Name: "first",
		Fn:   func(ctx context.Context) error { return nil },
	})
	require.NoError(t, err)

	second, err := env.sched.AddTask(TaskSpec{
		Name:      "second",
		Priority:  100, // priority must not override the dependency
		DependsOn: []model.TaskID{first},
		Fn:        func(ctx context.Context) error { return nil },
	})
	require.NoError(t, err)

	env.sched.schedulePass()
	env.waitStatus(t, first, model.TaskCompleted)

	// The dependent task must still be pending until the next pass.
	task, ok := env.sched.Task(second)
	require.True(t, ok)
	require.Equal(t, model.TaskPending, task.Status)

	env.sched.schedulePass()
	env.waitStatus(t, second, model.TaskCompleted)
}

func TestDependencyNeverRunsBeforeCompletion(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), resource.DefaultConfig(), nil)

	blocker := make(chan struct{})
	first, err := env.sched.AddTask(TaskSpec{
		Name: "blocked-dep",
		Fn: func(ctx context.Context) error {
			<-blocker
			return nil
		},
	})
	require.NoError(t, err)

	second, err := env.sched.AddTask(TaskSpec{
		Name:      "dependent",
		DependsOn: []model.TaskID{first},
		Fn:        func(ctx context.Context) error { return nil },
	})
	require.NoError(t, err)

	env.sched.schedulePass()
	env.waitStatus(t, first, model.TaskRunning)

	// While the dependency runs, the dependent task stays pending no
	// matter how many passes happen.
	env.sched.schedulePass()
	env.sched.schedulePass()
	task, ok := env.sched.Task(second)
	require.True(t, ok)
	require.Equal(t, model.TaskPending, task.Status)

	close(blocker)
	env.waitStatus(t, first, model.TaskCompleted)
	env.sched.schedulePass()
	env.waitStatus(t, second, model.TaskCompleted)
}

func TestConcurrencyLimit(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentTasks: 2}, resource.DefaultConfig(), nil)

	blocker := make(chan struct{})
	blockedFn := func(ctx context.Context) error {
		select {
		case <-blocker:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var ids []model.TaskID
	for _, name := range []string{"a", "b", "c"} {
		id, err := env.sched.AddTask(TaskSpec{Name: name, Fn: blockedFn})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, env.sched.ExecuteTask(ids[0]))
	require.NoError(t, env.sched.ExecuteTask(ids[1]))

	err := env.sched.ExecuteTask(ids[2])
	require.Error(t, err)
	require.True(t, derror.ErrSchedulerAtCapacity.Equal(err))
	require.Equal(t, 2, env.sched.RunningCount())

	close(blocker)
	env.waitStatus(t, ids[0], model.TaskCompleted)
	env.waitStatus(t, ids[1], model.TaskCompleted)
}

func TestExecuteTaskAdmissionErrors(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), resource.DefaultConfig(), nil)

	err := env.sched.ExecuteTask("no-such-task")
	require.True(t, derror.ErrTaskNotFound.Equal(err))

	blocker := make(chan struct{})
	defer close(blocker)
	id, err := env.sched.AddTask(TaskSpec{
		Name: "runner",
		Fn: func(ctx context.Context) error {
			select {
			case <-blocker:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	require.NoError(t, err)

	require.NoError(t, env.sched.ExecuteTask(id))
	err = env.sched.ExecuteTask(id)
	require.True(t, derror.ErrTaskAlreadyRunning.Equal(err))
}

func TestRetryUntilTerminalFailure(t *testing.T) {
	env := newTestEnv(t, Config{
		MaxConcurrentTasks: 2,
		RetryDelay:         time.Second,
	}, resource.DefaultConfig(), nil)

	var mu sync.Mutex
	attempts := 0
	id, err := env.sched.AddTask(TaskSpec{
		Name:       "flaky",
		MaxRetries: 2,
		Fn: func(ctx context.Context) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return errors.New("boom")
		},
	})
	require.NoError(t, err)

	env.sched.schedulePass()
	require.Eventually(t, func() bool {
		task, _ := env.sched.Task(id)
		return task.RetryCount == 1 && task.Status == model.TaskPending
	}, waitTimeout, 5*time.Millisecond)

	// The retry delay has not elapsed, so the task must not be
	// re-admitted yet.
	env.sched.schedulePass()
	task, _ := env.sched.Task(id)
	require.Equal(t, model.TaskPending, task.Status)
	require.Equal(t, 1, task.RetryCount)

	env.clk.Add(time.Second)
	env.sched.schedulePass()
	require.Eventually(t, func() bool {
		task, _ := env.sched.Task(id)
		return task.RetryCount == 2 && task.Status == model.TaskPending
	}, waitTimeout, 5*time.Millisecond)

	env.clk.Add(time.Second)
	env.sched.schedulePass()
	final := env.waitStatus(t, id, model.TaskFailed)
	require.Equal(t, 2, final.RetryCount)
	require.Equal(t, "boom", final.LastError)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, attempts)
}

func TestCancelPendingTask(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), resource.DefaultConfig(), nil)

	id, err := env.sched.AddTask(TaskSpec{Name: "never-runs"})
	require.NoError(t, err)

	require.NoError(t, env.sched.CancelTask(id))
	task, ok := env.sched.Task(id)
	require.True(t, ok)
	require.Equal(t, model.TaskFailed, task.Status)
	require.Equal(t, "cancelled", task.LastError)

	// Cancellation is idempotent in the sense that a second cancel
	// reports failure instead of mutating anything.
	err = env.sched.CancelTask(id)
	require.True(t, derror.ErrTaskFinished.Equal(err))
}

func TestCancelRunningLocalTask(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), resource.DefaultConfig(), nil)

	unblock := make(chan struct{})
	id, err := env.sched.AddTask(TaskSpec{
		Name:        "long",
		Requirement: model.ResourceRequirement{MemoryMB: 256, CPUCores: 1},
		Fn: func(ctx context.Context) error {
			select {
			case <-unblock:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	require.NoError(t, err)

	require.NoError(t, env.sched.ExecuteTask(id))
	require.Equal(t, 1, env.sched.RunningCount())

	require.NoError(t, env.sched.CancelTask(id))
	task, _ := env.sched.Task(id)
	require.Equal(t, model.TaskFailed, task.Status)
	require.Equal(t, "cancelled", task.LastError)
	require.Equal(t, 0, env.sched.RunningCount())
	require.Equal(t, 0, env.res.EnhancedMetrics().Reservations)

	// A late completion of the abandoned work must not resurrect the
	// task.
	close(unblock)
	require.Never(t, func() bool {
		task, _ := env.sched.Task(id)
		return task.Status != model.TaskFailed
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestLocalExecutionTimeout(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), resource.DefaultConfig(), nil)

	id, err := env.sched.AddTask(TaskSpec{
		Name:        "stuck",
		MaxRetries:  -1,
		Requirement: model.ResourceRequirement{Timeout: 100 * time.Millisecond},
		Fn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	require.NoError(t, env.sched.ExecuteTask(id))
	env.waitStatus(t, id, model.TaskRunning)

	// The attempt deadline is armed by the execution goroutine, so the
	// clock is advanced in steps until it has taken effect.
	require.Eventually(t, func() bool {
		env.clk.Add(100 * time.Millisecond)
		task, _ := env.sched.Task(id)
		return task.Status == model.TaskFailed
	}, waitTimeout, 10*time.Millisecond)

	final, _ := env.sched.Task(id)
	require.Contains(t, final.LastError, "timed out")
	require.Equal(t, 0, env.res.EnhancedMetrics().Reservations)
}

func TestRemoteDispatchAndCompletion(t *testing.T) {
	comm := newMockAgentComm()
	comm.bestNode, comm.hasNode = "peer-1", true

	env := newTestEnv(t, DefaultConfig(), resource.DefaultConfig(), comm)
	receiver := env.sched.Events()
	defer receiver.Close()

	id, err := env.sched.AddTask(TaskSpec{
		Name:        "remote",
		Pref:        model.PrefRemote,
		Requirement: model.ResourceRequirement{MemoryMB: 512, CPUCores: 2},
	})
	require.NoError(t, err)

	require.NoError(t, env.sched.ExecuteTask(id))
	task := env.waitStatus(t, id, model.TaskRunning)
	require.Equal(t, model.NodeID("peer-1"), task.AssignedTo)

	require.Eventually(t, func() bool {
		return len(comm.assignedTasks()) == 1
	}, waitTimeout, 5*time.Millisecond)

	comm.updates.Notify(model.TaskStatusUpdate{
		TaskID:   id,
		Status:   model.TaskCompleted,
		FromNode: "peer-1",
	})

	env.waitStatus(t, id, model.TaskCompleted)
	require.Equal(t, 0, env.res.EnhancedMetrics().Reservations)
}

func TestRemoteDispatchFailure(t *testing.T) {
	comm := newMockAgentComm()
	comm.bestNode, comm.hasNode = "peer-1", true
	comm.assignErr = errors.New("connection refused")

	env := newTestEnv(t, DefaultConfig(), resource.DefaultConfig(), comm)

	id, err := env.sched.AddTask(TaskSpec{
		Name:       "undeliverable",
		Pref:       model.PrefRemote,
		MaxRetries: -1,
	})
	require.NoError(t, err)

	require.NoError(t, env.sched.ExecuteTask(id))

	final := env.waitStatus(t, id, model.TaskFailed)
	require.Contains(t, final.LastError, "connection refused")
	require.Equal(t, 0, env.res.EnhancedMetrics().Reservations)
}

func TestRemoteFailureTriggersRetry(t *testing.T) {
	comm := newMockAgentComm()
	comm.bestNode, comm.hasNode = "peer-1", true

	env := newTestEnv(t, Config{RetryDelay: time.Second}, resource.DefaultConfig(), comm)

	id, err := env.sched.AddTask(TaskSpec{
		Name:       "remote-flaky",
		Pref:       model.PrefRemote,
		MaxRetries: 1,
	})
	require.NoError(t, err)

	require.NoError(t, env.sched.ExecuteTask(id))
	env.waitStatus(t, id, model.TaskRunning)

	comm.updates.Notify(model.TaskStatusUpdate{
		TaskID: id,
		Status: model.TaskFailed,
		Error:  "peer out of memory",
	})

	require.Eventually(t, func() bool {
		task, _ := env.sched.Task(id)
		return task.Status == model.TaskPending && task.RetryCount == 1
	}, waitTimeout, 5*time.Millisecond)
}

func TestCancelRemoteTaskNotifiesPeer(t *testing.T) {
	comm := newMockAgentComm()
	comm.bestNode, comm.hasNode = "peer-1", true

	env := newTestEnv(t, DefaultConfig(), resource.DefaultConfig(), comm)

	id, err := env.sched.AddTask(TaskSpec{Name: "remote-cancel", Pref: model.PrefRemote})
	require.NoError(t, err)

	require.NoError(t, env.sched.ExecuteTask(id))
	env.waitStatus(t, id, model.TaskRunning)

	require.NoError(t, env.sched.CancelTask(id))
	task, _ := env.sched.Task(id)
	require.Equal(t, model.TaskFailed, task.Status)
	require.Equal(t, "cancelled", task.LastError)

	require.Eventually(t, func() bool {
		msgs := comm.sentMessages()
		return len(msgs) == 1 &&
			msgs[0].Type == model.MessageTaskCancel &&
			msgs[0].To == model.NodeID("peer-1") &&
			msgs[0].TaskID == id
	}, waitTimeout, 5*time.Millisecond)
}

func TestClusterFallbackPlacesRemotely(t *testing.T) {
	comm := newMockAgentComm()
	comm.bestNode, comm.hasNode = "peer-1", true

	env := newTestEnv(t, DefaultConfig(), resource.Config{
		MemoryMaxMB: 1024,
		CPUMaxCores: 4,
	}, comm)

	env.res.UpdateClusterResources(model.ClusterUpdate{
		AvailableMemoryMB: int64Ptr(3 * 1024),
		AvailableCPUCores: float64Ptr(8),
	})

	id, err := env.sched.AddTask(TaskSpec{
		Name:        "oversized",
		Pref:        model.PrefAny,
		Requirement: model.ResourceRequirement{MemoryMB: 2048, CPUCores: 1},
	})
	require.NoError(t, err)

	require.NoError(t, env.sched.ExecuteTask(id))
	task := env.waitStatus(t, id, model.TaskRunning)
	require.Equal(t, model.NodeID("peer-1"), task.AssignedTo)

	// Cluster-backed reservation leaves the local ledger untouched.
	require.Equal(t, int64(1024), env.res.EnhancedMetrics().MemoryAvailableMB)
}

func TestLocalOnlyTaskSkippedWithoutCapacity(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), resource.Config{
		MemoryMaxMB: 100,
		CPUMaxCores: 1,
	}, nil)

	id, err := env.sched.AddTask(TaskSpec{
		Name:        "too-big",
		Pref:        model.PrefLocal,
		Requirement: model.ResourceRequirement{MemoryMB: 500},
		Fn:          func(ctx context.Context) error { return nil },
	})
	require.NoError(t, err)

	env.sched.schedulePass()
	task, _ := env.sched.Task(id)
	require.Equal(t, model.TaskPending, task.Status)

	err = env.sched.ExecuteTask(id)
	require.True(t, derror.ErrResourceUnavailable.Equal(err))
}

func TestCriticalAlertShedsLoad(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), resource.Config{
		MemoryMaxMB:           1000,
		CPUMaxCores:           4,
		MemoryCriticalPercent: 50,
	}, nil)

	id, err := env.sched.AddTask(TaskSpec{
		Name:        "light",
		Requirement: model.ResourceRequirement{MemoryMB: 100, CPUCores: 1},
		Fn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	require.NoError(t, env.sched.ExecuteTask(id))
	env.waitStatus(t, id, model.TaskRunning)

	// A ballast reservation pushes utilization to 600 of 1000 MB,
	// crossing the 50% critical threshold while the task is running.
	require.NoError(t, env.res.ReserveResources(
		"ballast", model.ResourceRequirement{MemoryMB: 500}, 0))
	defer env.res.ReleaseResources("ballast")

	final := env.waitStatus(t, id, model.TaskFailed)
	require.Equal(t, "cancelled", final.LastError)
	require.Equal(t, 1, env.res.EnhancedMetrics().Reservations)
}

func TestStopRejectsNewTasks(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), resource.DefaultConfig(), nil)

	env.sched.Stop()

	_, err := env.sched.AddTask(TaskSpec{Name: "late"})
	require.True(t, derror.ErrSchedulerClosed.Equal(err))
}

func TestRetentionSweep(t *testing.T) {
	env := newTestEnv(t, Config{TaskRetention: time.Hour}, resource.DefaultConfig(), nil)

	id, err := env.sched.AddTask(TaskSpec{
		Name: "ephemeral",
		Fn:   func(ctx context.Context) error { return nil },
	})
	require.NoError(t, err)

	env.sched.schedulePass()
	env.waitStatus(t, id, model.TaskCompleted)

	env.clk.Add(2 * time.Hour)
	env.sched.schedulePass()

	_, ok := env.sched.Task(id)
	require.False(t, ok)
}

func TestRetentionSweepKeepsLiveDependencies(t *testing.T) {
	env := newTestEnv(t, Config{
		MaxConcurrentTasks: 1,
		TaskRetention:      time.Hour,
	}, resource.DefaultConfig(), nil)

	dep, err := env.sched.AddTask(TaskSpec{
		Name: "producer",
		Fn:   func(ctx context.Context) error { return nil },
	})
	require.NoError(t, err)
	env.sched.schedulePass()
	env.waitStatus(t, dep, model.TaskCompleted)

	release := make(chan struct{})
	blocker, err := env.sched.AddTask(TaskSpec{
		Name:        "blocker",
		Requirement: model.ResourceRequirement{Timeout: 10 * time.Hour},
		Fn: func(ctx context.Context) error {
			<-release
			return nil
		},
	})
	require.NoError(t, err)
	env.sched.schedulePass()
	env.waitStatus(t, blocker, model.TaskRunning)

	consumer, err := env.sched.AddTask(TaskSpec{
		Name:      "consumer",
		DependsOn: []model.TaskID{dep},
		Fn:        func(ctx context.Context) error { return nil },
	})
	require.NoError(t, err)

	// The producer is past the retention window, but the pending
	// consumer still depends on it, so the sweep must keep it.
	env.clk.Add(2 * time.Hour)
	env.sched.schedulePass()
	_, ok := env.sched.Task(dep)
	require.True(t, ok)

	close(release)
	env.waitStatus(t, blocker, model.TaskCompleted)

	require.Eventually(t, func() bool {
		env.sched.schedulePass()
		task, ok := env.sched.Task(consumer)
		return ok && task.Status == model.TaskCompleted
	}, waitTimeout, 5*time.Millisecond)

	// With the consumer finished nothing pins the producer anymore.
	env.clk.Add(2 * time.Hour)
	env.sched.schedulePass()
	_, ok = env.sched.Task(dep)
	require.False(t, ok)
}

func int64Ptr(v int64) *int64       { return &v }
func float64Ptr(v float64) *float64 { return &v }
