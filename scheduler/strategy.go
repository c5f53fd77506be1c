package scheduler

import "github.com/taskmesh/taskmesh/model"

// ExecutionStrategy is the placement decision for one execution
// attempt, made once at admission and carried through to completion
// handling.
type ExecutionStrategy struct {
	Type model.ExecutionType
	// Node is the assigned peer for remote execution.
	Node model.NodeID
}

// LocalStrategy places the attempt on this node.
func LocalStrategy() ExecutionStrategy {
	return ExecutionStrategy{Type: model.ExecutionLocal}
}

// RemoteStrategy places the attempt on the given peer.
func RemoteStrategy(node model.NodeID) ExecutionStrategy {
	return ExecutionStrategy{Type: model.ExecutionRemote, Node: node}
}

// IsRemote reports whether the attempt runs on a peer.
func (s ExecutionStrategy) IsRemote() bool {
	return s.Type == model.ExecutionRemote
}
