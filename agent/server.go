package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/pkg/notifier"
	"github.com/taskmesh/taskmesh/resource"
	"github.com/taskmesh/taskmesh/scheduler"
)

const reportStatusTimeout = 5 * time.Second

// WorkHandler turns an assigned task's payload into the actual work
// performed on this node.
type WorkHandler func(ctx context.Context, task IncomingTask) error

type taskOrigin struct {
	node     model.NodeID
	endpoint string
}

// Server is the inbound side of agent communication: it advertises
// this node's agent card and accepts JSON-RPC requests from peers. A
// node running a Server can be discovered and used as an executor by
// other taskmesh nodes.
type Server struct {
	nodeID       model.NodeID
	capabilities []string

	sched   *scheduler.Scheduler
	res     *resource.Manager
	comm    *Comm
	handler WorkHandler

	mux *http.ServeMux

	mu      sync.Mutex
	origins map[model.TaskID]taskOrigin

	events    *notifier.Receiver[scheduler.Event]
	wg        sync.WaitGroup
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewServer creates a Server and starts watching the scheduler's
// lifecycle events so terminal statuses of assigned tasks are reported
// back to their origins.
func NewServer(
	nodeID model.NodeID,
	capabilities []string,
	sched *scheduler.Scheduler,
	res *resource.Manager,
	comm *Comm,
	handler WorkHandler,
) *Server {
	s := &Server{
		nodeID:       nodeID,
		capabilities: capabilities,
		sched:        sched,
		res:          res,
		comm:         comm,
		handler:      handler,
		origins:      make(map[model.TaskID]taskOrigin),
		events:       sched.Events(),
		closeCh:      make(chan struct{}),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc(agentCardPath, s.handleAgentCard)
	s.mux.HandleFunc(rpcPath, s.handleRPC)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchLifecycle()
	}()

	return s
}

// Handler returns the HTTP handler serving the agent endpoints.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Close stops the lifecycle watcher.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	s.wg.Wait()
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	metrics := s.res.EnhancedMetrics()
	card := Card{
		ID:            s.nodeID,
		Capabilities:  s.capabilities,
		TotalMemoryMB: metrics.MemoryMaxMB,
		TotalCPUCores: metrics.CPUMaxCores,
		FreeMemoryMB:  metrics.MemoryAvailableMB,
		FreeCPUCores:  metrics.CPUAvailableCores,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&card); err != nil {
		log.L().Warn("failed to write agent card", zap.Error(err))
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	var (
		result interface{}
		rpcErr *rpcError
	)
	switch req.Method {
	case methodAssignTask:
		result, rpcErr = s.onAssignTask(req.Params)
	case methodCancelTask:
		result, rpcErr = s.onCancelTask(req.Params)
	case methodUpdateTaskStatus:
		result, rpcErr = s.onUpdateTaskStatus(req.Params)
	case methodReportAlert:
		result, rpcErr = s.onReportAlert(req.Params)
	default:
		rpcErr = &rpcError{Code: rpcCodeMethodNotFound, Message: "method not found: " + req.Method}
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	if rpcErr == nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			resp.Error = &rpcError{Code: rpcCodeRejected, Message: err.Error()}
		} else {
			resp.Result = encoded
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		log.L().Warn("failed to write rpc response", zap.Error(err))
	}
}

func (s *Server) onAssignTask(params json.RawMessage) (interface{}, *rpcError) {
	var task IncomingTask
	if err := json.Unmarshal(params, &task); err != nil {
		return nil, &rpcError{Code: rpcCodeInvalidParams, Message: err.Error()}
	}

	log.L().Info("task assigned by peer",
		zap.String("task-id", string(task.TaskID)),
		zap.String("origin", string(task.OriginNode)))

	incoming := task
	_, err := s.sched.AddTask(scheduler.TaskSpec{
		ID:          task.TaskID,
		Name:        task.Name,
		Priority:    task.Priority,
		Requirement: task.Requirement,
		Pref:        model.PrefLocal,
		// The origin owns the retry policy; one attempt here.
		MaxRetries: -1,
		Fn: func(ctx context.Context) error {
			return s.handler(ctx, incoming)
		},
	})
	if err != nil {
		log.L().Warn("rejecting assigned task",
			zap.String("task-id", string(task.TaskID)),
			zap.Error(err))
		return false, nil
	}

	s.mu.Lock()
	s.origins[task.TaskID] = taskOrigin{node: task.OriginNode, endpoint: task.OriginEndpoint}
	s.mu.Unlock()

	return true, nil
}

func (s *Server) onCancelTask(params json.RawMessage) (interface{}, *rpcError) {
	var env model.Envelope
	if err := json.Unmarshal(params, &env); err != nil {
		return nil, &rpcError{Code: rpcCodeInvalidParams, Message: err.Error()}
	}

	log.L().Info("cancel requested by peer",
		zap.String("task-id", string(env.TaskID)),
		zap.String("from", string(env.From)))

	if err := s.sched.CancelTask(env.TaskID); err != nil {
		return false, nil
	}

	// The origin is aware of the cancellation; do not echo it back.
	s.mu.Lock()
	delete(s.origins, env.TaskID)
	s.mu.Unlock()

	return true, nil
}

func (s *Server) onUpdateTaskStatus(params json.RawMessage) (interface{}, *rpcError) {
	var upd model.TaskStatusUpdate
	if err := json.Unmarshal(params, &upd); err != nil {
		return nil, &rpcError{Code: rpcCodeInvalidParams, Message: err.Error()}
	}

	s.comm.HandleStatusUpdate(upd)
	return true, nil
}

func (s *Server) onReportAlert(params json.RawMessage) (interface{}, *rpcError) {
	var report reportAlertParams
	if err := json.Unmarshal(params, &report); err != nil {
		return nil, &rpcError{Code: rpcCodeInvalidParams, Message: err.Error()}
	}
	var alert resource.Alert
	if err := json.Unmarshal(report.Alert, &alert); err != nil {
		return nil, &rpcError{Code: rpcCodeInvalidParams, Message: err.Error()}
	}

	s.res.HandleRemoteAlert(report.NodeID, alert)
	return true, nil
}

// watchLifecycle reports terminal statuses of assigned tasks back to
// their origin nodes.
func (s *Server) watchLifecycle() {
	defer s.events.Close()

	for {
		select {
		case <-s.closeCh:
			return
		case ev, ok := <-s.events.C:
			if !ok {
				return
			}
			s.maybeReportStatus(ev)
		}
	}
}

func (s *Server) maybeReportStatus(ev scheduler.Event) {
	var status model.TaskStatus
	switch ev.Name {
	case scheduler.EventTaskCompleted:
		status = model.TaskCompleted
	case scheduler.EventTaskFailed, scheduler.EventTaskCancelled:
		status = model.TaskFailed
	default:
		return
	}

	s.mu.Lock()
	origin, ok := s.origins[ev.Task.ID]
	if ok {
		delete(s.origins, ev.Task.ID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	upd := model.TaskStatusUpdate{
		TaskID: ev.Task.ID,
		Status: status,
		Error:  ev.Task.LastError,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), reportStatusTimeout)
		defer cancel()

		if err := s.comm.ReportStatus(ctx, origin.endpoint, upd); err != nil {
			log.L().Warn("failed to report task status to origin",
				zap.String("task-id", string(ev.Task.ID)),
				zap.String("origin", string(origin.node)),
				zap.Error(err))
		}
	}()
}
