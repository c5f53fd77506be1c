package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taskmesh/taskmesh/model"
	derror "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/notifier"
)

const assignTaskRetryInterval = 1 * time.Second

// Comm is the communication endpoint the scheduler consumes: peer
// lookup through the registry, task dispatch and messaging through
// JSON-RPC, and asynchronous status updates fed back by the local
// server.
type Comm struct {
	nodeID   model.NodeID
	endpoint string

	registry *Registry
	cli      *http.Client

	updates *notifier.Notifier[model.TaskStatusUpdate]
}

// NewComm creates a Comm for this node. endpoint is the address peers
// use to report statuses back to us.
func NewComm(nodeID model.NodeID, endpoint string, registry *Registry, requestTimeout time.Duration) *Comm {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Comm{
		nodeID:   nodeID,
		endpoint: endpoint,
		registry: registry,
		cli:      &http.Client{Timeout: requestTimeout},
		updates:  notifier.NewNotifier[model.TaskStatusUpdate](),
	}
}

// Close releases the Comm's background resources.
func (c *Comm) Close() {
	c.updates.Close()
}

// FindBestNodeForTask delegates to the registry.
func (c *Comm) FindBestNodeForTask(req model.ResourceRequirement) (model.NodeID, bool) {
	return c.registry.FindBestNodeForTask(req)
}

// StatusUpdates returns a receiver of asynchronous task status updates
// reported by peers.
func (c *Comm) StatusUpdates() *notifier.Receiver[model.TaskStatusUpdate] {
	return c.updates.NewReceiver()
}

// HandleStatusUpdate feeds one status update reported by a peer into
// the update stream. Called by the local RPC server.
func (c *Comm) HandleStatusUpdate(upd model.TaskStatusUpdate) {
	log.L().Info("peer reported task status",
		zap.String("event", model.EventTaskStatusUpdated),
		zap.String("task-id", string(upd.TaskID)),
		zap.String("status", upd.Status.String()),
		zap.String("from", string(upd.FromNode)))
	c.updates.Notify(upd)
}

// AssignTask dispatches the task to the given peer and returns once
// the peer accepts or rejects it. Transient transport errors are
// retried until ctx expires; an explicit rejection is not retried.
func (c *Comm) AssignTask(ctx context.Context, task model.Task, node model.NodeID) error {
	peer, ok := c.registry.Peer(node)
	if !ok {
		return derror.ErrPeerNotFound.GenWithStackByArgs(node)
	}

	params, err := json.Marshal(&IncomingTask{
		TaskID:         task.ID,
		Name:           task.Name,
		Priority:       task.Priority,
		Requirement:    task.Requirement,
		OriginNode:     c.nodeID,
		OriginEndpoint: c.endpoint,
	})
	if err != nil {
		return errors.Trace(err)
	}

	rl := rate.NewLimiter(rate.Every(assignTaskRetryInterval), 1)
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		default:
		}

		// The request ID is regenerated each attempt for tracing.
		req := &rpcRequest{
			JSONRPC: "2.0",
			Method:  methodAssignTask,
			Params:  params,
			ID:      uuid.New().String(),
		}

		var accepted bool
		err := postRPC(ctx, c.cli, peer.Endpoint, req, &accepted)
		if err == nil {
			if !accepted {
				return derror.ErrDispatchRejected.GenWithStackByArgs(node, task.ID)
			}
			return nil
		}
		if derror.ErrMalformedAgentResponse.Equal(err) {
			return err
		}

		log.L().Warn("assignTask encountered error, retrying",
			zap.String("task-id", string(task.ID)),
			zap.String("node-id", string(node)),
			zap.Error(err))

		if rlErr := rl.Wait(ctx); rlErr != nil {
			// The rate limiter only returns an error when ctx is
			// timing out; report the last transport error instead.
			return derror.ErrAgentUnreachable.Wrap(err).GenWithStackByArgs(node)
		}
	}
}

// SendMessage delivers one out-of-band message, e.g. a cancel
// notification. Best effort: no retries.
func (c *Comm) SendMessage(ctx context.Context, env model.Envelope) error {
	peer, ok := c.registry.Peer(env.To)
	if !ok {
		return derror.ErrPeerNotFound.GenWithStackByArgs(env.To)
	}

	env.From = c.nodeID
	params, err := json.Marshal(&env)
	if err != nil {
		return errors.Trace(err)
	}

	return postRPC(ctx, c.cli, peer.Endpoint, &rpcRequest{
		JSONRPC: "2.0",
		Method:  methodCancelTask,
		Params:  params,
		ID:      uuid.New().String(),
	}, nil)
}

// ReportStatus posts a task status update to the origin endpoint of an
// assigned task.
func (c *Comm) ReportStatus(ctx context.Context, originEndpoint string, upd model.TaskStatusUpdate) error {
	upd.FromNode = c.nodeID
	params, err := json.Marshal(&upd)
	if err != nil {
		return errors.Trace(err)
	}

	return postRPC(ctx, c.cli, originEndpoint, &rpcRequest{
		JSONRPC: "2.0",
		Method:  methodUpdateTaskStatus,
		Params:  params,
		ID:      uuid.New().String(),
	}, nil)
}

// ReportAlert relays a local resource alert to every active peer so
// they can adjust their cluster accounting.
func (c *Comm) ReportAlert(ctx context.Context, alert json.RawMessage) {
	params, err := json.Marshal(&reportAlertParams{
		NodeID: c.nodeID,
		Alert:  alert,
	})
	if err != nil {
		log.L().Warn("failed to encode alert", zap.Error(err))
		return
	}

	for _, peer := range c.registry.ActivePeers() {
		err := postRPC(ctx, c.cli, peer.Endpoint, &rpcRequest{
			JSONRPC: "2.0",
			Method:  methodReportAlert,
			Params:  params,
			ID:      uuid.New().String(),
		}, nil)
		if err != nil {
			log.L().Warn("failed to report alert to peer",
				zap.String("node-id", string(peer.ID)),
				zap.Error(err))
		}
	}
}
