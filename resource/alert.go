package resource

import (
	"time"

	"github.com/taskmesh/taskmesh/model"
)

// AlertType names the resource dimension an alert refers to.
type AlertType string

const (
	AlertMemory AlertType = "memory"
	AlertCPU    AlertType = "cpu"
)

// AlertLevel grades the severity of an alert.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert reports a threshold crossing, either on this node or relayed
// from a peer.
type Alert struct {
	Type      AlertType  `json:"type"`
	Level     AlertLevel `json:"level"`
	Message   string     `json:"message"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Timestamp time.Time  `json:"timestamp"`
}

// EventName distinguishes the notification categories the manager emits.
type EventName string

const (
	// EventAlert reports a local threshold crossing.
	EventAlert EventName = "alert"
	// EventRemoteAlert relays a critical alert reported by a peer.
	EventRemoteAlert EventName = "remote:alert"
)

// Event is one notification emitted by the Manager.
type Event struct {
	Name  EventName
	Alert Alert
	// Node is set on remote alerts to the reporting peer.
	Node model.NodeID
}
