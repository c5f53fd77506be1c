package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pingcap/errors"

	"github.com/taskmesh/taskmesh/model"
	derror "github.com/taskmesh/taskmesh/pkg/errors"
)

// JSON-RPC 2.0 method names understood by taskmesh agents.
const (
	methodAssignTask       = "agent.assignTask"
	methodCancelTask       = "agent.cancelTask"
	methodUpdateTaskStatus = "agent.updateTaskStatus"
	methodReportAlert      = "agent.reportAlert"
)

// agentCardPath is the well-known location a peer advertises itself at.
const agentCardPath = "/.well-known/agent.json"

// rpcPath is where a peer accepts JSON-RPC requests.
const rpcPath = "/rpc"

const (
	rpcCodeMethodNotFound = -32601
	rpcCodeInvalidParams  = -32602
	rpcCodeRejected       = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      string          `json:"id"`
}

// IncomingTask is the payload of agent.assignTask. Origin tells the
// peer where to report the task's terminal status.
type IncomingTask struct {
	TaskID         model.TaskID              `json:"task_id"`
	Name           string                    `json:"name"`
	Priority       int                       `json:"priority"`
	Requirement    model.ResourceRequirement `json:"requirement"`
	OriginNode     model.NodeID              `json:"origin_node"`
	OriginEndpoint string                    `json:"origin_endpoint"`
	Payload        string                    `json:"payload,omitempty"`
}

// reportAlertParams is the payload of agent.reportAlert.
type reportAlertParams struct {
	NodeID model.NodeID    `json:"node_id"`
	Alert  json.RawMessage `json:"alert"`
}

// postRPC performs one JSON-RPC call against endpoint and decodes the
// result into out (when out is non-nil).
func postRPC(
	ctx context.Context, cli *http.Client, endpoint string, req *rpcRequest, out interface{},
) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Trace(err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint+rpcPath, bytes.NewReader(body))
	if err != nil {
		return errors.Trace(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := cli.Do(httpReq)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		_ = httpResp.Body.Close()
	}()

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return derror.ErrMalformedAgentResponse.GenWithStackByArgs(endpoint, err.Error())
	}
	if resp.Error != nil {
		return errors.Errorf("rpc error %d from %s: %s", resp.Error.Code, endpoint, resp.Error.Message)
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return derror.ErrMalformedAgentResponse.GenWithStackByArgs(endpoint, err.Error())
		}
	}
	return nil
}
