package resource

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/pkg/clock"
	derror "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/notifier"
)

// Metrics is a point-in-time snapshot of the local ledger plus the
// cluster aggregate.
type Metrics struct {
	MemoryMaxMB       int64   `json:"memory_max_mb"`
	MemoryReservedMB  int64   `json:"memory_reserved_mb"`
	MemoryAvailableMB int64   `json:"memory_available_mb"`
	MemoryPercent     float64 `json:"memory_percent"`

	CPUMaxCores       float64 `json:"cpu_max_cores"`
	CPUReservedCores  float64 `json:"cpu_reserved_cores"`
	CPUAvailableCores float64 `json:"cpu_available_cores"`
	CPUPercent        float64 `json:"cpu_percent"`

	Reservations int `json:"reservations"`

	Cluster model.ClusterMetrics `json:"cluster"`
}

// Utilization carries the local utilization percentages, clamped to
// [0, 100].
type Utilization struct {
	MemoryPercent float64 `json:"memory_percent"`
	CPUPercent    float64 `json:"cpu_percent"`
}

// Manager is the single source of truth for whether this node can take
// on more work, both locally and cluster-wide. It owns the reservation
// ledger and reclaims expired grants automatically.
type Manager struct {
	cfg Config

	mu           sync.Mutex
	reservedMem  int64
	reservedCPU  float64
	reservations map[model.TaskID]*reservation
	cluster      model.ClusterMetrics

	clock  clock.Clock
	events *notifier.Notifier[Event]
}

// NewManager creates a Manager enforcing the limits in cfg.
func NewManager(cfg Config) *Manager {
	return newManagerWithClock(cfg, clock.New())
}

func newManagerWithClock(cfg Config, clk clock.Clock) *Manager {
	return &Manager{
		cfg:          cfg.Adjust(),
		reservations: make(map[model.TaskID]*reservation),
		clock:        clk,
		events:       notifier.NewNotifier[Event](),
	}
}

// Events returns a receiver of the manager's alert notifications.
func (m *Manager) Events() *notifier.Receiver[Event] {
	return m.events.NewReceiver()
}

// Close releases the manager's background resources. Active
// reservation timers are stopped; the ledger is not drained.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, res := range m.reservations {
		res.timer.Stop()
	}
	m.mu.Unlock()

	m.events.Close()
}

// CanHandleTask reports whether the requirement fits within the
// locally available resources, or failing that, within cluster-wide
// availability. The result is advisory: ReserveResources re-checks
// admissibility under the ledger lock.
func (m *Manager) CanHandleTask(req model.ResourceRequirement) bool {
	if req.IsZero() {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.fitsLocallyLocked(req) || m.fitsClusterLocked(req)
}

// CanHandleTaskLocally reports whether the requirement fits within the
// locally available resources alone. Used for the local/remote
// placement decision.
func (m *Manager) CanHandleTaskLocally(req model.ResourceRequirement) bool {
	if req.IsZero() {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.fitsLocallyLocked(req)
}

func (m *Manager) fitsLocallyLocked(req model.ResourceRequirement) bool {
	return req.MemoryMB <= m.cfg.MemoryMaxMB-m.reservedMem &&
		req.CPUCores <= m.cfg.CPUMaxCores-m.reservedCPU
}

func (m *Manager) fitsClusterLocked(req model.ResourceRequirement) bool {
	return req.MemoryMB <= m.cluster.AvailableMemoryMB &&
		req.CPUCores <= m.cluster.AvailableCPUCores
}

// ReserveResources atomically re-checks admissibility and records a
// reservation for taskID expiring after ttl (the configured default
// when ttl is zero). The expiry timer reclaims the grant exactly once
// even if ReleaseResources races with it.
func (m *Manager) ReserveResources(
	taskID model.TaskID, req model.ResourceRequirement, ttl time.Duration,
) error {
	if ttl <= 0 {
		ttl = m.cfg.ReservationTimeout
	}

	m.mu.Lock()

	if _, exists := m.reservations[taskID]; exists {
		m.mu.Unlock()
		return derror.ErrReservationExists.GenWithStackByArgs(taskID)
	}

	localBacked := req.IsZero() || m.fitsLocallyLocked(req)
	if !localBacked && !m.fitsClusterLocked(req) {
		m.mu.Unlock()
		return derror.ErrResourceUnavailable.GenWithStackByArgs(taskID, req.MemoryMB, req.CPUCores)
	}

	res := &reservation{
		taskID:      taskID,
		memoryMB:    req.MemoryMB,
		cpuCores:    req.CPUCores,
		expireAt:    m.clock.Now().Add(ttl),
		localBacked: localBacked,
	}
	if localBacked {
		m.reservedMem += req.MemoryMB
		m.reservedCPU += req.CPUCores
	}
	m.reservations[taskID] = res
	res.timer = m.clock.AfterFunc(ttl, func() {
		m.expireReservation(res)
	})
	util := m.utilizationLocked()
	m.mu.Unlock()

	m.checkThresholds(util)
	return nil
}

// ReleaseResources removes the reservation for taskID if one exists.
// It is idempotent: releasing an absent or already-expired reservation
// is a no-op.
func (m *Manager) ReleaseResources(taskID model.TaskID) {
	m.mu.Lock()
	res, ok := m.reservations[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	res.timer.Stop()
	m.removeLocked(res)
	m.mu.Unlock()
}

// expireReservation is the timer callback reclaiming a grant whose ttl
// elapsed without release. The identity check under the lock makes the
// expiry and an explicit release mutually exclusive.
func (m *Manager) expireReservation(res *reservation) {
	m.mu.Lock()
	current, ok := m.reservations[res.taskID]
	if !ok || current != res {
		// Already released, possibly re-reserved by a newer attempt.
		m.mu.Unlock()
		return
	}
	m.removeLocked(res)
	m.mu.Unlock()

	log.L().Warn("resource reservation expired without release",
		zap.String("task-id", string(res.taskID)),
		zap.Int64("memory-mb", res.memoryMB),
		zap.Float64("cpu-cores", res.cpuCores))
}

func (m *Manager) removeLocked(res *reservation) {
	delete(m.reservations, res.taskID)
	if res.localBacked {
		m.reservedMem -= res.memoryMB
		m.reservedCPU -= res.cpuCores
	}
}

// UpdateClusterResources merges the non-nil fields of u into the
// cluster metrics.
func (m *Manager) UpdateClusterResources(u model.ClusterUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cluster.Merge(u)
}

// ClusterMetrics returns a snapshot of the cluster aggregate.
func (m *Manager) ClusterMetrics() model.ClusterMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cluster
}

// HandleRemoteAlert ingests an alert reported by a peer node. A
// critical alert marks one fewer node as active and is relayed on the
// event stream; it does not change this node's view of cluster
// memory/CPU availability.
func (m *Manager) HandleRemoteAlert(nodeID model.NodeID, alert Alert) {
	if alert.Level != AlertCritical {
		log.L().Info("ignoring non-critical remote alert",
			zap.String("node-id", string(nodeID)),
			zap.String("type", string(alert.Type)),
			zap.String("level", string(alert.Level)))
		return
	}

	m.mu.Lock()
	if m.cluster.ActiveNodes > 0 {
		m.cluster.ActiveNodes--
	}
	m.mu.Unlock()

	log.L().Warn("peer reported critical resource pressure",
		zap.String("node-id", string(nodeID)),
		zap.String("type", string(alert.Type)),
		zap.Float64("value", alert.Value))

	m.events.Notify(Event{
		Name:  EventRemoteAlert,
		Alert: alert,
		Node:  nodeID,
	})
}

// EnhancedMetrics returns a snapshot of the local ledger, utilization
// percentages, and the cluster aggregate. Side-effect free.
func (m *Manager) EnhancedMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	util := m.utilizationLocked()
	return Metrics{
		MemoryMaxMB:       m.cfg.MemoryMaxMB,
		MemoryReservedMB:  m.reservedMem,
		MemoryAvailableMB: m.cfg.MemoryMaxMB - m.reservedMem,
		MemoryPercent:     util.MemoryPercent,
		CPUMaxCores:       m.cfg.CPUMaxCores,
		CPUReservedCores:  m.reservedCPU,
		CPUAvailableCores: m.cfg.CPUMaxCores - m.reservedCPU,
		CPUPercent:        util.CPUPercent,
		Reservations:      len(m.reservations),
		Cluster:           m.cluster,
	}
}

// ResourceUtilization returns the local utilization percentages.
func (m *Manager) ResourceUtilization() Utilization {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.utilizationLocked()
}

func (m *Manager) utilizationLocked() Utilization {
	return Utilization{
		MemoryPercent: clampPercent(float64(m.reservedMem) / float64(m.cfg.MemoryMaxMB) * 100),
		CPUPercent:    clampPercent(m.reservedCPU / m.cfg.CPUMaxCores * 100),
	}
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// checkThresholds emits threshold-crossing alerts for the supplied
// utilization snapshot.
func (m *Manager) checkThresholds(util Utilization) {
	m.checkDimension(AlertMemory, util.MemoryPercent,
		m.cfg.MemoryWarningPercent, m.cfg.MemoryCriticalPercent)
	m.checkDimension(AlertCPU, util.CPUPercent,
		m.cfg.CPUWarningPercent, m.cfg.CPUCriticalPercent)
}

func (m *Manager) checkDimension(typ AlertType, value, warning, critical float64) {
	var level AlertLevel
	var threshold float64
	switch {
	case value >= critical:
		level, threshold = AlertCritical, critical
	case value >= warning:
		level, threshold = AlertWarning, warning
	default:
		return
	}

	log.L().Warn("resource utilization crossed threshold",
		zap.String("type", string(typ)),
		zap.String("level", string(level)),
		zap.Float64("value", value),
		zap.Float64("threshold", threshold))

	m.events.Notify(Event{
		Name: EventAlert,
		Alert: Alert{
			Type:      typ,
			Level:     level,
			Message:   string(typ) + " utilization crossed the " + string(level) + " threshold",
			Value:     value,
			Threshold: threshold,
			Timestamp: m.clock.Now(),
		},
	})
}
