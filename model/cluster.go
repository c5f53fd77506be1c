package model

// ClusterMetrics is the aggregate resource view across all known
// nodes. It is updated by explicit merges and by remote critical
// alerts; it is never reset automatically.
type ClusterMetrics struct {
	TotalMemoryMB     int64   `json:"total_memory_mb"`
	TotalCPUCores     float64 `json:"total_cpu_cores"`
	AvailableMemoryMB int64   `json:"available_memory_mb"`
	AvailableCPUCores float64 `json:"available_cpu_cores"`
	NodeCount         int     `json:"node_count"`
	ActiveNodes       int     `json:"active_nodes"`
}

// ClusterUpdate carries a partial update to ClusterMetrics. Nil fields
// leave the corresponding metric unchanged.
type ClusterUpdate struct {
	TotalMemoryMB     *int64   `json:"total_memory_mb,omitempty"`
	TotalCPUCores     *float64 `json:"total_cpu_cores,omitempty"`
	AvailableMemoryMB *int64   `json:"available_memory_mb,omitempty"`
	AvailableCPUCores *float64 `json:"available_cpu_cores,omitempty"`
	NodeCount         *int     `json:"node_count,omitempty"`
	ActiveNodes       *int     `json:"active_nodes,omitempty"`
}

// Merge applies the non-nil fields of u on top of m.
func (m *ClusterMetrics) Merge(u ClusterUpdate) {
	if u.TotalMemoryMB != nil {
		m.TotalMemoryMB = *u.TotalMemoryMB
	}
	if u.TotalCPUCores != nil {
		m.TotalCPUCores = *u.TotalCPUCores
	}
	if u.AvailableMemoryMB != nil {
		m.AvailableMemoryMB = *u.AvailableMemoryMB
	}
	if u.AvailableCPUCores != nil {
		m.AvailableCPUCores = *u.AvailableCPUCores
	}
	if u.NodeCount != nil {
		m.NodeCount = *u.NodeCount
	}
	if u.ActiveNodes != nil {
		m.ActiveNodes = *u.ActiveNodes
	}
}

// PeerInfo describes a remote agent as advertised by its agent card.
type PeerInfo struct {
	ID           NodeID   `json:"id"`
	Endpoint     string   `json:"endpoint"`
	Capabilities []string `json:"capabilities"`

	// Advertised free capacity, refreshed on every successful poll.
	FreeMemoryMB int64   `json:"free_memory_mb"`
	FreeCPUCores float64 `json:"free_cpu_cores"`
}

// CanFit reports whether the peer's advertised free capacity covers
// the requirement.
func (p *PeerInfo) CanFit(req ResourceRequirement) bool {
	return p.FreeMemoryMB >= req.MemoryMB && p.FreeCPUCores >= req.CPUCores
}
