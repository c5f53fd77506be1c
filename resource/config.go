package resource

import "time"

const (
	defaultMemoryMaxMB        = 8 * 1024
	defaultCPUMaxCores        = 8.0
	defaultWarningPercent     = 80.0
	defaultCriticalPercent    = 95.0
	defaultReservationTimeout = 5 * time.Minute
)

// Config holds the local resource limits and alerting thresholds of
// one node.
type Config struct {
	MemoryMaxMB int64   `toml:"memory-max-mb" json:"memory-max-mb"`
	CPUMaxCores float64 `toml:"cpu-max-cores" json:"cpu-max-cores"`

	// Utilization percentages at which warning and critical alerts
	// are emitted.
	MemoryWarningPercent  float64 `toml:"memory-warning-percent" json:"memory-warning-percent"`
	MemoryCriticalPercent float64 `toml:"memory-critical-percent" json:"memory-critical-percent"`
	CPUWarningPercent     float64 `toml:"cpu-warning-percent" json:"cpu-warning-percent"`
	CPUCriticalPercent    float64 `toml:"cpu-critical-percent" json:"cpu-critical-percent"`

	// ReservationTimeout bounds how long a reservation may be held
	// before it is reclaimed automatically. Callers may override it
	// per reservation.
	ReservationTimeout time.Duration `toml:"reservation-timeout" json:"reservation-timeout"`
}

// Adjust validates the Config and fills in defaults.
func (c Config) Adjust() Config {
	adjusted := c
	if adjusted.MemoryMaxMB <= 0 {
		adjusted.MemoryMaxMB = defaultMemoryMaxMB
	}
	if adjusted.CPUMaxCores <= 0 {
		adjusted.CPUMaxCores = defaultCPUMaxCores
	}
	if adjusted.MemoryWarningPercent <= 0 {
		adjusted.MemoryWarningPercent = defaultWarningPercent
	}
	if adjusted.MemoryCriticalPercent <= 0 {
		adjusted.MemoryCriticalPercent = defaultCriticalPercent
	}
	if adjusted.CPUWarningPercent <= 0 {
		adjusted.CPUWarningPercent = defaultWarningPercent
	}
	if adjusted.CPUCriticalPercent <= 0 {
		adjusted.CPUCriticalPercent = defaultCriticalPercent
	}
	// A warning threshold above the critical threshold would suppress
	// warnings entirely.
	if adjusted.MemoryWarningPercent > adjusted.MemoryCriticalPercent {
		adjusted.MemoryWarningPercent = adjusted.MemoryCriticalPercent
	}
	if adjusted.CPUWarningPercent > adjusted.CPUCriticalPercent {
		adjusted.CPUWarningPercent = adjusted.CPUCriticalPercent
	}
	if adjusted.ReservationTimeout <= 0 {
		adjusted.ReservationTimeout = defaultReservationTimeout
	}
	return adjusted
}

// DefaultConfig returns the default resource configuration.
func DefaultConfig() Config {
	return Config{}.Adjust()
}
