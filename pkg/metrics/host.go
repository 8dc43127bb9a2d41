package metrics

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/cuemby/colony/pkg/log"
)

// HostStats is one sample of host utilisation
type HostStats struct {
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	MemoryTotal   uint64    `json:"memoryTotal"`
	SampledAt     time.Time `json:"sampledAt"`
}

// SampleHost reads CPU and memory utilisation. CPU usage is measured over
// window, so the call blocks for that long.
func SampleHost(window time.Duration) (HostStats, error) {
	stats := HostStats{SampledAt: time.Now()}

	percents, err := cpu.Percent(window, false)
	if err != nil {
		return stats, err
	}
	if len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return stats, err
	}
	stats.MemoryPercent = vm.UsedPercent
	stats.MemoryTotal = vm.Total
	return stats, nil
}

// HostCollector publishes host utilisation gauges for a node agent. The
// caller owns the ticker and calls Sample on each tick.
type HostCollector struct {
	window time.Duration
	logger zerolog.Logger

	mu   sync.RWMutex
	last HostStats
}

// NewHostCollector creates a collector measuring CPU over window
func NewHostCollector(window time.Duration) *HostCollector {
	if window <= 0 {
		window = 200 * time.Millisecond
	}
	return &HostCollector{
		window: window,
		logger: log.WithComponent("host-metrics"),
	}
}

// Sample takes one measurement and updates the gauges
func (h *HostCollector) Sample() {
	stats, err := SampleHost(h.window)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to sample host utilisation")
		return
	}
	h.mu.Lock()
	h.last = stats
	h.mu.Unlock()

	HostCPUPercent.Set(stats.CPUPercent)
	HostMemoryPercent.Set(stats.MemoryPercent)
}

// Last returns the most recent successful sample
func (h *HostCollector) Last() HostStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}
