package resource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/pkg/clock"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *clock.Mock) {
	clk := clock.NewMock()
	mgr := newManagerWithClock(cfg, clk)
	t.Cleanup(mgr.Close)
	return mgr, clk
}

func int64Ptr(v int64) *int64       { return &v }
func float64Ptr(v float64) *float64 { return &v }
func intPtr(v int) *int             { return &v }

func TestCanHandleTaskZeroRequirement(t *testing.T) {
	mgr, _ := newTestManager(t, Config{MemoryMaxMB: 1, CPUMaxCores: 0.1})

	require.True(t, mgr.CanHandleTask(model.ResourceRequirement{}))
}

func TestCanHandleTaskLocalFit(t *testing.T) {
	mgr, _ := newTestManager(t, Config{MemoryMaxMB: 1024, CPUMaxCores: 4})

	require.True(t, mgr.CanHandleTask(model.ResourceRequirement{MemoryMB: 1024, CPUCores: 4}))
	require.False(t, mgr.CanHandleTask(model.ResourceRequirement{MemoryMB: 1025, CPUCores: 1}))
	require.False(t, mgr.CanHandleTask(model.ResourceRequirement{MemoryMB: 1, CPUCores: 4.5}))
}

func TestCanHandleTaskClusterFallback(t *testing.T) {
	mgr, _ := newTestManager(t, Config{MemoryMaxMB: 1024, CPUMaxCores: 4})

	req := model.ResourceRequirement{MemoryMB: 2048, CPUCores: 1}
	require.False(t, mgr.CanHandleTask(req))

	mgr.UpdateClusterResources(model.ClusterUpdate{
		AvailableMemoryMB: int64Ptr(3 * 1024),
		AvailableCPUCores: float64Ptr(8),
	})
	require.True(t, mgr.CanHandleTask(req))

	mgr.UpdateClusterResources(model.ClusterUpdate{
		AvailableMemoryMB: int64Ptr(1024),
	})
	require.False(t, mgr.CanHandleTask(req))
}

func TestReserveAndRelease(t *testing.T) {
	mgr, _ := newTestManager(t, Config{MemoryMaxMB: 1024, CPUMaxCores: 4})

	req := model.ResourceRequirement{MemoryMB: 600, CPUCores: 2}
	require.NoError(t, mgr.ReserveResources("task-1", req, 0))

	metrics := mgr.EnhancedMetrics()
	require.Equal(t, int64(424), metrics.MemoryAvailableMB)
	require.Equal(t, 1, metrics.Reservations)

	// A second reservation that does not fit fails without side effects.
	err := mgr.ReserveResources("task-2", model.ResourceRequirement{MemoryMB: 600}, 0)
	require.Error(t, err)
	require.Equal(t, 1, mgr.EnhancedMetrics().Reservations)

	// Duplicate reservation for the same task is rejected.
	err = mgr.ReserveResources("task-1", model.ResourceRequirement{MemoryMB: 1}, 0)
	require.Error(t, err)

	mgr.ReleaseResources("task-1")
	metrics = mgr.EnhancedMetrics()
	require.Equal(t, int64(1024), metrics.MemoryAvailableMB)
	require.Equal(t, float64(4), metrics.CPUAvailableCores)
	require.Equal(t, 0, metrics.Reservations)

	// Releasing twice is a no-op and must not under-count.
	mgr.ReleaseResources("task-1")
	metrics = mgr.EnhancedMetrics()
	require.Equal(t, int64(1024), metrics.MemoryAvailableMB)
	require.Equal(t, float64(4), metrics.CPUAvailableCores)
}

func TestReservationExpiry(t *testing.T) {
	mgr, clk := newTestManager(t, Config{MemoryMaxMB: 1024, CPUMaxCores: 4})

	req := model.ResourceRequirement{MemoryMB: 512, CPUCores: 1}
	require.NoError(t, mgr.ReserveResources("task-1", req, 100*time.Millisecond))
	require.Equal(t, int64(512), mgr.EnhancedMetrics().MemoryAvailableMB)

	clk.Add(200 * time.Millisecond)

	metrics := mgr.EnhancedMetrics()
	require.Equal(t, int64(1024), metrics.MemoryAvailableMB)
	require.Equal(t, 0, metrics.Reservations)

	// The explicit release after expiry must not double-decrement.
	mgr.ReleaseResources("task-1")
	require.Equal(t, int64(1024), mgr.EnhancedMetrics().MemoryAvailableMB)
}

func TestReservationReleaseBeatsExpiry(t *testing.T) {
	mgr, clk := newTestManager(t, Config{MemoryMaxMB: 1024, CPUMaxCores: 4})

	req := model.ResourceRequirement{MemoryMB: 512, CPUCores: 1}
	require.NoError(t, mgr.ReserveResources("task-1", req, time.Second))
	mgr.ReleaseResources("task-1")

	// A newer reservation under the same task ID must survive the
	// stale expiry timer.
	require.NoError(t, mgr.ReserveResources("task-1", req, time.Hour))
	clk.Add(2 * time.Second)

	metrics := mgr.EnhancedMetrics()
	require.Equal(t, 1, metrics.Reservations)
	require.Equal(t, int64(512), metrics.MemoryAvailableMB)
}

func TestClusterBackedReservation(t *testing.T) {
	mgr, _ := newTestManager(t, Config{MemoryMaxMB: 1024, CPUMaxCores: 4})
	mgr.UpdateClusterResources(model.ClusterUpdate{
		AvailableMemoryMB: int64Ptr(8 * 1024),
		AvailableCPUCores: float64Ptr(16),
	})

	// Admitted through the cluster fallback; the local ledger stays
	// untouched.
	req := model.ResourceRequirement{MemoryMB: 2048, CPUCores: 1}
	require.NoError(t, mgr.ReserveResources("task-1", req, 0))
	require.Equal(t, int64(1024), mgr.EnhancedMetrics().MemoryAvailableMB)

	mgr.ReleaseResources("task-1")
	require.Equal(t, int64(1024), mgr.EnhancedMetrics().MemoryAvailableMB)
}

func TestClusterUpdatePartialMerge(t *testing.T) {
	mgr, _ := newTestManager(t, DefaultConfig())

	mgr.UpdateClusterResources(model.ClusterUpdate{
		TotalMemoryMB: int64Ptr(4096),
		NodeCount:     intPtr(3),
		ActiveNodes:   intPtr(3),
	})
	mgr.UpdateClusterResources(model.ClusterUpdate{
		AvailableMemoryMB: int64Ptr(2048),
	})

	cluster := mgr.ClusterMetrics()
	require.Equal(t, int64(4096), cluster.TotalMemoryMB)
	require.Equal(t, int64(2048), cluster.AvailableMemoryMB)
	require.Equal(t, 3, cluster.NodeCount)
	require.Equal(t, 3, cluster.ActiveNodes)
}

func TestHandleRemoteAlert(t *testing.T) {
	mgr, _ := newTestManager(t, DefaultConfig())
	mgr.UpdateClusterResources(model.ClusterUpdate{
		NodeCount:   intPtr(2),
		ActiveNodes: intPtr(2),
	})

	receiver := mgr.Events()
	defer receiver.Close()

	alert := Alert{Type: AlertMemory, Level: AlertCritical, Value: 97}
	mgr.HandleRemoteAlert("peer-1", alert)

	require.Equal(t, 1, mgr.ClusterMetrics().ActiveNodes)

	select {
	case ev := <-receiver.C:
		require.Equal(t, EventRemoteAlert, ev.Name)
		require.Equal(t, model.NodeID("peer-1"), ev.Node)
		require.Equal(t, AlertCritical, ev.Alert.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the remote alert event")
	}

	// Non-critical alerts do not touch the active node count.
	mgr.HandleRemoteAlert("peer-2", Alert{Type: AlertCPU, Level: AlertWarning})
	require.Equal(t, 1, mgr.ClusterMetrics().ActiveNodes)

	// The count is floored at zero.
	mgr.HandleRemoteAlert("peer-1", alert)
	mgr.HandleRemoteAlert("peer-1", alert)
	require.Equal(t, 0, mgr.ClusterMetrics().ActiveNodes)
}

func TestUtilizationClamped(t *testing.T) {
	mgr, _ := newTestManager(t, Config{MemoryMaxMB: 1000, CPUMaxCores: 4})

	util := mgr.ResourceUtilization()
	require.Equal(t, float64(0), util.MemoryPercent)
	require.Equal(t, float64(0), util.CPUPercent)

	require.NoError(t, mgr.ReserveResources("task-1",
		model.ResourceRequirement{MemoryMB: 1000, CPUCores: 4}, 0))

	util = mgr.ResourceUtilization()
	require.Equal(t, float64(100), util.MemoryPercent)
	require.Equal(t, float64(100), util.CPUPercent)
}

func TestThresholdAlerts(t *testing.T) {
	mgr, _ := newTestManager(t, Config{
		MemoryMaxMB:           1000,
		CPUMaxCores:           4,
		MemoryWarningPercent:  50,
		MemoryCriticalPercent: 90,
	})

	receiver := mgr.Events()
	defer receiver.Close()

	require.NoError(t, mgr.ReserveResources("task-1",
		model.ResourceRequirement{MemoryMB: 600, CPUCores: 0.1}, 0))

	select {
	case ev := <-receiver.C:
		require.Equal(t, EventAlert, ev.Name)
		require.Equal(t, AlertMemory, ev.Alert.Type)
		require.Equal(t, AlertWarning, ev.Alert.Level)
		require.Equal(t, float64(50), ev.Alert.Threshold)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the warning alert")
	}

	require.NoError(t, mgr.ReserveResources("task-2",
		model.ResourceRequirement{MemoryMB: 350, CPUCores: 0.1}, 0))

	select {
	case ev := <-receiver.C:
		require.Equal(t, EventAlert, ev.Name)
		require.Equal(t, AlertCritical, ev.Alert.Level)
		require.Equal(t, float64(90), ev.Alert.Threshold)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the critical alert")
	}
}
