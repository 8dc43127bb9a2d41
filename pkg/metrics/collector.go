package metrics

import (
	"time"

	"github.com/cuemby/colony/pkg/types"
)

// ClusterSource is what the collector samples. The controller implements it.
type ClusterSource interface {
	DescriptorCounts() (byState map[types.State]int, fatal int)
	ConfiguredManagerHosts() map[string]bool
	CurrentView() types.ClusterView
}

// Collector periodically copies cluster state into gauges
type Collector struct {
	source   ClusterSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source ClusterSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples the source once
func (c *Collector) Collect() {
	c.collectDescriptorMetrics()
	c.collectNodeMetrics()
	c.collectViewMetrics()
}

func (c *Collector) collectDescriptorMetrics() {
	counts, fatal := c.source.DescriptorCounts()
	for _, state := range types.AllStates() {
		DescriptorsTotal.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
	FatalDescriptors.Set(float64(fatal))
}

func (c *Collector) collectNodeMetrics() {
	online, offline := 0, 0
	for _, up := range c.source.ConfiguredManagerHosts() {
		if up {
			online++
		} else {
			offline++
		}
	}
	NodesTotal.WithLabelValues("online").Set(float64(online))
	NodesTotal.WithLabelValues("offline").Set(float64(offline))
}

func (c *Collector) collectViewMetrics() {
	view := c.source.CurrentView()
	ViewVersion.Set(float64(view.Version))

	kinds := map[types.NodeKind]int{
		types.NodeKindMaster:   0,
		types.NodeKindAgent:    0,
		types.NodeKindObserver: 0,
	}
	for _, m := range view.Members {
		kinds[m.Kind]++
	}
	for kind, n := range kinds {
		ViewMembers.WithLabelValues(string(kind)).Set(float64(n))
	}
}
