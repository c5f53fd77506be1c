package model

// EventTaskStatusUpdated names the notification category the agent
// communication layer emits when a peer reports a task's status.
// External observers depend on this exact string.
const EventTaskStatusUpdated = "task:status:updated"

// TaskStatusUpdate is delivered asynchronously by the agent
// communication layer when a remotely dispatched task finishes.
type TaskStatusUpdate struct {
	TaskID   TaskID     `json:"task_id"`
	Status   TaskStatus `json:"status"`
	Error    string     `json:"error,omitempty"`
	FromNode NodeID     `json:"from_node,omitempty"`
}

// MessageType names the out-of-band messages exchanged between peers.
type MessageType string

const (
	// MessageTaskCancel asks the assigned peer to abort a task.
	MessageTaskCancel MessageType = "task:cancel"
)

// Envelope is one out-of-band message addressed to a peer.
type Envelope struct {
	From    NodeID      `json:"from,omitempty"`
	To      NodeID      `json:"to"`
	Type    MessageType `json:"type"`
	TaskID  TaskID      `json:"task_id,omitempty"`
	Payload string      `json:"payload,omitempty"`
}
