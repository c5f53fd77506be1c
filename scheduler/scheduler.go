package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/pkg/clock"
	derror "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/notifier"
	"github.com/taskmesh/taskmesh/resource"
)

const cancelMessageTimeout = 5 * time.Second

// ResourceManager is the admission surface the scheduler consumes.
type ResourceManager interface {
	CanHandleTaskLocally(req model.ResourceRequirement) bool
	ReserveResources(taskID model.TaskID, req model.ResourceRequirement, ttl time.Duration) error
	ReleaseResources(taskID model.TaskID)
	Events() *notifier.Receiver[resource.Event]
}

// AgentComm is the remote-placement surface the scheduler consumes.
// A nil AgentComm confines the scheduler to local execution.
type AgentComm interface {
	// FindBestNodeForTask picks an active peer whose advertised free
	// capacity covers the requirement.
	FindBestNodeForTask(req model.ResourceRequirement) (model.NodeID, bool)
	// AssignTask dispatches the task to the peer and returns once the
	// peer accepts or rejects it. Completion arrives later through
	// StatusUpdates.
	AssignTask(ctx context.Context, task model.Task, node model.NodeID) error
	// SendMessage delivers an out-of-band message, e.g. a cancel
	// notification.
	SendMessage(ctx context.Context, env model.Envelope) error
	// StatusUpdates returns the receiver of asynchronous task status
	// updates reported by peers.
	StatusUpdates() *notifier.Receiver[model.TaskStatusUpdate]
}

// TaskSpec is the caller-facing description of a task to submit.
type TaskSpec struct {
	// ID is optional; a UUID is assigned when empty.
	ID          model.TaskID
	Name        string
	Priority    int
	Requirement model.ResourceRequirement
	DependsOn   []model.TaskID
	Pref        model.DistributionPref

	// MaxRetries zero means the scheduler default; a negative value
	// disables retries.
	MaxRetries int

	// Fn is the work executed on local placement. Remote-only tasks
	// may leave it nil.
	Fn model.WorkFn
}

type taskEntry struct {
	task *model.Task

	// nextEligibleAt holds back a retried task until the retry delay
	// has elapsed.
	nextEligibleAt time.Time

	// gen counts execution attempts. A completion carrying a stale
	// generation is discarded, which guards against a late local
	// result landing after a timeout or cancellation already settled
	// the attempt.
	gen uint64

	strategy ExecutionStrategy

	// cancel aborts the context of a local attempt. Nil unless the
	// task is running locally.
	cancel context.CancelFunc
}

// Scheduler owns the task set and drives each task through admission,
// placement, execution, and retry. One scheduling pass runs at a time;
// executions proceed concurrently up to the configured limit.
type Scheduler struct {
	nodeID model.NodeID
	cfg    Config

	res  ResourceManager
	comm AgentComm

	mu      sync.Mutex
	tasks   map[model.TaskID]*taskEntry
	running map[model.TaskID]struct{}
	nextSeq uint64
	closed  bool

	processing atomic.Bool

	clock  clock.Clock
	events *notifier.Notifier[Event]

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Scheduler and starts its scheduling loop.
func New(nodeID model.NodeID, cfg Config, res ResourceManager, comm AgentComm) *Scheduler {
	return newWithClock(nodeID, cfg, res, comm, clock.New())
}

func newWithClock(
	nodeID model.NodeID, cfg Config, res ResourceManager, comm AgentComm, clk clock.Clock,
) *Scheduler {
	s := &Scheduler{
		nodeID:  nodeID,
		cfg:     cfg.Adjust(),
		res:     res,
		comm:    comm,
		tasks:   make(map[model.TaskID]*taskEntry),
		running: make(map[model.TaskID]struct{}),
		clock:   clk,
		events:  notifier.NewNotifier[Event](),
		closeCh: make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runPassLoop()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runAlertLoop()
	}()

	if s.comm != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runStatusUpdateLoop()
		}()
	}

	return s
}

// Events returns a receiver of the scheduler's lifecycle
// notifications.
func (s *Scheduler) Events() *notifier.Receiver[Event] {
	return s.events.NewReceiver()
}

// AddTask submits a task. The task starts pending and becomes eligible
// once its dependencies complete.
func (s *Scheduler) AddTask(spec TaskSpec) (model.TaskID, error) {
	id := spec.ID
	if id == "" {
		id = model.TaskID(uuid.New().String())
	}

	maxRetries := spec.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = s.cfg.DefaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", derror.ErrSchedulerClosed.GenWithStackByArgs()
	}
	if _, exists := s.tasks[id]; exists {
		s.mu.Unlock()
		return "", derror.ErrTaskAlreadyExists.GenWithStackByArgs(id)
	}

	task := &model.Task{
		ID:          id,
		Name:        spec.Name,
		Priority:    spec.Priority,
		Requirement: spec.Requirement,
		DependsOn:   append([]model.TaskID(nil), spec.DependsOn...),
		Pref:        spec.Pref,
		Fn:          spec.Fn,
		Status:      model.TaskPending,
		MaxRetries:  maxRetries,
		CreatedAt:   s.clock.Now(),
		Seq:         s.nextSeq,
	}
	s.nextSeq++
	s.tasks[id] = &taskEntry{task: task}
	snapshot := task.Snapshot()
	s.mu.Unlock()

	log.L().Info("task added",
		zap.String("task-id", string(id)),
		zap.String("name", spec.Name),
		zap.Int("priority", spec.Priority))

	s.events.Notify(Event{Name: EventTaskAdded, Task: snapshot})
	return id, nil
}

// Task returns a snapshot of the task, or false if it is unknown.
func (s *Scheduler) Task(id model.TaskID) (model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return entry.task.Snapshot(), true
}

// Tasks returns snapshots of every task in the active set.
func (s *Scheduler) Tasks() []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := make([]model.Task, 0, len(s.tasks))
	for _, entry := range s.tasks {
		ret = append(ret, entry.task.Snapshot())
	}
	return ret
}

// RunningCount returns the number of currently running tasks.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.running)
}

// Stop halts the scheduling loop. In-flight tasks are not cancelled;
// their late completions are still recorded, but no new attempts are
// admitted.
func (s *Scheduler) Stop() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.closeCh)
		s.wg.Wait()
		s.events.Close()
	})
}

// OnRemoteStatusUpdate applies an asynchronously delivered status
// update for a remotely running task. Updates for unknown, stale, or
// locally running tasks are ignored.
func (s *Scheduler) OnRemoteStatusUpdate(upd model.TaskStatusUpdate) {
	s.mu.Lock()
	entry, ok := s.tasks[upd.TaskID]
	if !ok || entry.task.Status != model.TaskRunning || !entry.strategy.IsRemote() {
		s.mu.Unlock()
		log.L().Info("dropping remote status update for a task not running remotely",
			zap.String("task-id", string(upd.TaskID)),
			zap.String("status", upd.Status.String()))
		return
	}
	gen := entry.gen
	s.mu.Unlock()

	switch upd.Status {
	case model.TaskCompleted:
		s.finishAttempt(upd.TaskID, gen, nil)
	case model.TaskFailed:
		msg := upd.Error
		if msg == "" {
			msg = "remote execution failed"
		}
		s.finishAttempt(upd.TaskID, gen, errors.New(msg))
	default:
		log.L().Warn("unexpected remote status update",
			zap.String("task-id", string(upd.TaskID)),
			zap.String("status", upd.Status.String()))
	}
}

// CancelTask cancels a pending or running task, marking it failed with
// the error "cancelled". Cancelling a task that already finished
// returns ErrTaskFinished.
func (s *Scheduler) CancelTask(id model.TaskID) error {
	s.mu.Lock()
	entry, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return derror.ErrTaskNotFound.GenWithStackByArgs(id)
	}
	task := entry.task
	if task.Status.IsTerminal() {
		s.mu.Unlock()
		return derror.ErrTaskFinished.GenWithStackByArgs(id, task.Status.String())
	}

	wasRunning := task.Status == model.TaskRunning
	strategy := entry.strategy
	cancelFn := entry.cancel
	entry.cancel = nil
	entry.gen++ // invalidates the in-flight attempt, if any
	if wasRunning {
		delete(s.running, id)
	}
	task.Status = model.TaskFailed
	task.LastError = "cancelled"
	task.CompletedAt = s.clock.Now()
	snapshot := task.Snapshot()
	s.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
	}
	s.res.ReleaseResources(id)

	if wasRunning && strategy.IsRemote() && s.comm != nil {
		// Best effort: the peer may already be gone.
		go s.notifyPeerCancel(id, strategy.Node)
	}

	log.L().Info("task cancelled",
		zap.String("task-id", string(id)),
		zap.Bool("was-running", wasRunning))

	s.events.Notify(Event{
		Name:  EventTaskCancelled,
		Task:  snapshot,
		Error: snapshot.LastError,
	})
	return nil
}

func (s *Scheduler) notifyPeerCancel(id model.TaskID, node model.NodeID) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelMessageTimeout)
	defer cancel()

	err := s.comm.SendMessage(ctx, model.Envelope{
		From:   s.nodeID,
		To:     node,
		Type:   model.MessageTaskCancel,
		TaskID: id,
	})
	if err != nil {
		log.L().Warn("failed to notify peer about cancellation",
			zap.String("task-id", string(id)),
			zap.String("node-id", string(node)),
			zap.Error(err))
	}
}

// ExecuteTask admits and starts one task immediately, outside the
// periodic pass. It surfaces the admission failure as a distinct
// error: unknown task, already running, at capacity, unmet
// dependencies, or unavailable resources.
func (s *Scheduler) ExecuteTask(id model.TaskID) error {
	return s.tryLaunch(id)
}

// tryLaunch performs admission, placement, reservation, and the
// transition to running for one task.
func (s *Scheduler) tryLaunch(id model.TaskID) error {
	req, pref, err := s.admit(id)
	if err != nil {
		return err
	}

	strategy, err := s.decideStrategy(req, pref)
	if err != nil {
		return err
	}

	if err := s.res.ReserveResources(id, req, 0); err != nil {
		// Benign under concurrency: another task consumed the
		// capacity between check and reserve.
		return errors.Trace(err)
	}

	task, ok := s.commitRunning(id, strategy)
	if !ok {
		// The task was cancelled or raced into another attempt while
		// we were reserving.
		s.res.ReleaseResources(id)
		return derror.ErrTaskAlreadyRunning.GenWithStackByArgs(id)
	}

	log.L().Info("task started",
		zap.String("task-id", string(id)),
		zap.String("execution-type", string(strategy.Type)),
		zap.String("node-id", string(task.AssignedTo)))

	s.events.Notify(Event{
		Name:          EventTaskStarted,
		Task:          task,
		ExecutionType: strategy.Type,
	})

	if strategy.IsRemote() {
		go s.dispatchRemote(task, strategy.Node)
	} else {
		go s.runLocal(task)
	}
	return nil
}

// admit validates that the task can be started right now and returns
// its requirement and placement preference.
func (s *Scheduler) admit(id model.TaskID) (model.ResourceRequirement, model.DistributionPref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.ResourceRequirement{}, 0, derror.ErrSchedulerClosed.GenWithStackByArgs()
	}
	entry, ok := s.tasks[id]
	if !ok {
		return model.ResourceRequirement{}, 0, derror.ErrTaskNotFound.GenWithStackByArgs(id)
	}
	task := entry.task
	if task.Status == model.TaskRunning {
		return model.ResourceRequirement{}, 0, derror.ErrTaskAlreadyRunning.GenWithStackByArgs(id)
	}
	if task.Status.IsTerminal() {
		return model.ResourceRequirement{}, 0, derror.ErrTaskFinished.GenWithStackByArgs(id, task.Status.String())
	}
	if len(s.running) >= s.cfg.MaxConcurrentTasks {
		return model.ResourceRequirement{}, 0, derror.ErrSchedulerAtCapacity.GenWithStackByArgs(
			len(s.running), s.cfg.MaxConcurrentTasks)
	}
	if !s.depsMetLocked(task) {
		return model.ResourceRequirement{}, 0, derror.ErrTaskDepsUnmet.GenWithStackByArgs(id)
	}
	return task.Requirement, task.Pref, nil
}

// decideStrategy picks local or remote placement once per attempt.
func (s *Scheduler) decideStrategy(
	req model.ResourceRequirement, pref model.DistributionPref,
) (ExecutionStrategy, error) {
	switch pref {
	case model.PrefLocal:
		if s.res.CanHandleTaskLocally(req) {
			return LocalStrategy(), nil
		}
		return ExecutionStrategy{}, derror.ErrResourceUnavailable.GenWithStackByArgs(
			"local", req.MemoryMB, req.CPUCores)

	case model.PrefRemote:
		if s.comm != nil {
			if node, ok := s.comm.FindBestNodeForTask(req); ok {
				return RemoteStrategy(node), nil
			}
		}
		return ExecutionStrategy{}, derror.ErrNoSuitableAgent.GenWithStackByArgs(req.MemoryMB, req.CPUCores)

	default: // PrefAny
		if s.comm != nil {
			if node, ok := s.comm.FindBestNodeForTask(req); ok {
				return RemoteStrategy(node), nil
			}
		}
		if s.res.CanHandleTaskLocally(req) {
			return LocalStrategy(), nil
		}
		return ExecutionStrategy{}, derror.ErrResourceUnavailable.GenWithStackByArgs(
			"any", req.MemoryMB, req.CPUCores)
	}
}

// commitRunning transitions the task to running after a successful
// reservation. It returns false if the task state changed in between.
func (s *Scheduler) commitRunning(id model.TaskID, strategy ExecutionStrategy) (model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tasks[id]
	if !ok || entry.task.Status != model.TaskPending || len(s.running) >= s.cfg.MaxConcurrentTasks {
		return model.Task{}, false
	}

	task := entry.task
	entry.gen++
	entry.strategy = strategy
	task.Status = model.TaskRunning
	task.StartedAt = s.clock.Now()
	if strategy.IsRemote() {
		task.AssignedTo = strategy.Node
	} else {
		task.AssignedTo = s.nodeID
	}
	s.running[id] = struct{}{}
	return task.Snapshot(), true
}

// runLocal executes the task's work on this node, racing it against
// the attempt deadline.
func (s *Scheduler) runLocal(task model.Task) {
	id := task.ID

	s.mu.Lock()
	entry, ok := s.tasks[id]
	if !ok || entry.task.Status != model.TaskRunning || entry.strategy.IsRemote() {
		// The attempt was cancelled before it could start.
		s.mu.Unlock()
		return
	}
	gen := entry.gen
	ctx, cancel := context.WithCancel(context.Background())
	entry.cancel = cancel
	fn := entry.task.Fn
	s.mu.Unlock()

	if fn == nil {
		s.finishAttempt(id, gen, derror.ErrNoWorkFn.GenWithStackByArgs(id))
		return
	}

	timeout := task.Requirement.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTaskTimeout
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Errorf("task panicked: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		s.finishAttempt(id, gen, err)
	case <-s.clock.After(timeout):
		// The work may still be running; its eventual result is
		// discarded because the generation has been settled.
		cancel()
		s.finishAttempt(id, gen, derror.ErrTaskTimeout.GenWithStackByArgs(id, timeout))
	case <-ctx.Done():
		// Cancelled; the cancellation path already settled the task.
	}
}

// dispatchRemote hands the task to the assigned peer. A dispatch
// failure is an execution failure of this attempt; completion arrives
// later through the status update stream.
func (s *Scheduler) dispatchRemote(task model.Task, node model.NodeID) {
	s.mu.Lock()
	entry, ok := s.tasks[task.ID]
	if !ok || entry.task.Status != model.TaskRunning {
		s.mu.Unlock()
		return
	}
	gen := entry.gen
	s.mu.Unlock()

	timeout := task.Requirement.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTaskTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.comm.AssignTask(ctx, task, node); err != nil {
		log.L().Warn("remote dispatch failed",
			zap.String("task-id", string(task.ID)),
			zap.String("node-id", string(node)),
			zap.Error(err))
		s.finishAttempt(task.ID, gen, err)
	}
}

// finishAttempt settles one execution attempt. A nil err completes the
// task; otherwise the retry policy decides between requeue and
// terminal failure. Stale generations are discarded.
func (s *Scheduler) finishAttempt(id model.TaskID, gen uint64, err error) {
	s.mu.Lock()
	entry, ok := s.tasks[id]
	if !ok || entry.gen != gen || entry.task.Status != model.TaskRunning {
		s.mu.Unlock()
		return
	}

	task := entry.task
	delete(s.running, id)
	if entry.cancel != nil {
		entry.cancel()
		entry.cancel = nil
	}
	now := s.clock.Now()

	var (
		event    Event
		snapshot model.Task
	)
	if err == nil {
		task.Status = model.TaskCompleted
		task.CompletedAt = now
		task.LastError = ""
		snapshot = task.Snapshot()
		event = Event{Name: EventTaskCompleted, Task: snapshot}
	} else if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.Status = model.TaskPending
		task.LastError = err.Error()
		task.AssignedTo = ""
		entry.nextEligibleAt = now.Add(s.cfg.RetryDelay)
		snapshot = task.Snapshot()
		event = Event{Name: EventTaskRetry, Task: snapshot, Error: task.LastError}
	} else {
		task.Status = model.TaskFailed
		task.LastError = err.Error()
		task.CompletedAt = now
		snapshot = task.Snapshot()
		event = Event{Name: EventTaskFailed, Task: snapshot, Error: task.LastError}
	}
	s.mu.Unlock()

	s.res.ReleaseResources(id)

	switch event.Name {
	case EventTaskCompleted:
		log.L().Info("task completed", zap.String("task-id", string(id)))
	case EventTaskRetry:
		log.L().Warn("task attempt failed, will retry",
			zap.String("task-id", string(id)),
			zap.Int("retry-count", snapshot.RetryCount),
			zap.Int("max-retries", snapshot.MaxRetries),
			zap.String("error", snapshot.LastError))
	case EventTaskFailed:
		log.L().Error("task failed terminally",
			zap.String("task-id", string(id)),
			zap.String("error", snapshot.LastError))
	}

	s.events.Notify(event)
}

// runPassLoop triggers a scheduling pass on every tick until Stop.
func (s *Scheduler) runPassLoop() {
	ticker := s.clock.Ticker(s.cfg.SchedulingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.schedulePass()
		}
	}
}

// schedulePass selects eligible tasks in priority order and launches
// them while capacity lasts. Re-entrancy is guarded so at most one
// pass runs at a time.
func (s *Scheduler) schedulePass() {
	if !s.processing.CAS(false, true) {
		return
	}
	defer s.processing.Store(false)

	now := s.clock.Now()
	s.sweepRetention(now)

	for _, id := range s.eligibleTasks(now) {
		err := s.tryLaunch(id)
		if err == nil {
			continue
		}
		if derror.ErrSchedulerAtCapacity.Equal(err) || derror.ErrSchedulerClosed.Equal(err) {
			return
		}
		// Everything else is benign for the pass: unavailable
		// resources or a reservation race leave the task pending for
		// the next interval.
		log.L().Debug("task not launched this pass",
			zap.String("task-id", string(id)),
			zap.Error(err))
	}
}

// eligibleTasks returns the IDs of pending tasks whose dependencies
// are completed and retry delay elapsed, ordered by priority
// descending with submission order as the tie-break.
func (s *Scheduler) eligibleTasks(now time.Time) []model.TaskID {
	type candidate struct {
		id       model.TaskID
		priority int
		seq      uint64
	}

	s.mu.Lock()
	candidates := make([]candidate, 0, len(s.tasks))
	for id, entry := range s.tasks {
		task := entry.task
		if task.Status != model.TaskPending {
			continue
		}
		if entry.nextEligibleAt.After(now) {
			continue
		}
		if !s.depsMetLocked(task) {
			continue
		}
		candidates = append(candidates, candidate{id: id, priority: task.Priority, seq: task.Seq})
	}
	s.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].seq < candidates[j].seq
	})

	ids := make([]model.TaskID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids
}

func (s *Scheduler) depsMetLocked(task *model.Task) bool {
	for _, dep := range task.DependsOn {
		depEntry, ok := s.tasks[dep]
		if !ok || depEntry.task.Status != model.TaskCompleted {
			return false
		}
	}
	return true
}

// sweepRetention drops terminal tasks older than the retention window.
func (s *Scheduler) sweepRetention(now time.Time) {
	if s.cfg.TaskRetention <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Completed tasks that live tasks still depend on must stay
	// visible; a missing dependency keeps the dependent ineligible
	// forever.
	pinned := make(map[model.TaskID]struct{})
	for _, entry := range s.tasks {
		if entry.task.Status.IsTerminal() {
			continue
		}
		for _, dep := range entry.task.DependsOn {
			pinned[dep] = struct{}{}
		}
	}

	for id, entry := range s.tasks {
		task := entry.task
		if !task.Status.IsTerminal() {
			continue
		}
		if _, ok := pinned[id]; ok {
			continue
		}
		if now.Sub(task.CompletedAt) >= s.cfg.TaskRetention {
			delete(s.tasks, id)
		}
	}
}

// runAlertLoop watches the resource manager's alerts and sheds load on
// critical pressure.
func (s *Scheduler) runAlertLoop() {
	receiver := s.res.Events()
	defer receiver.Close()

	for {
		select {
		case <-s.closeCh:
			return
		case ev, ok := <-receiver.C:
			if !ok {
				return
			}
			if ev.Name == resource.EventAlert && ev.Alert.Level == resource.AlertCritical {
				s.shedLoad(ev.Alert)
			}
		}
	}
}

// shedLoad cancels every running task. Blunt, but it reliably frees
// resources when the node is critically loaded.
func (s *Scheduler) shedLoad(alert resource.Alert) {
	s.mu.Lock()
	ids := make([]model.TaskID, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	log.L().Warn("critical resource alert, cancelling all running tasks",
		zap.String("type", string(alert.Type)),
		zap.Float64("value", alert.Value),
		zap.Int("running", len(ids)))

	for _, id := range ids {
		if err := s.CancelTask(id); err != nil {
			log.L().Warn("failed to cancel task while shedding load",
				zap.String("task-id", string(id)),
				zap.Error(err))
		}
	}
}

// runStatusUpdateLoop consumes remote completion reports.
func (s *Scheduler) runStatusUpdateLoop() {
	receiver := s.comm.StatusUpdates()
	defer receiver.Close()

	for {
		select {
		case <-s.closeCh:
			return
		case upd, ok := <-receiver.C:
			if !ok {
				return
			}
			s.OnRemoteStatusUpdate(upd)
		}
	}
}
