package controller

import (
	"github.com/cuemby/colony/pkg/types"
)

// Status is the query and control surface used by the HTTP API
type Status interface {
	ServiceDescriptorMap() map[string]types.ServiceDescriptor
	ConfiguredManagerHosts() map[string]bool
	AvailableNodes() []string
	StartService(id string) error
	ShutdownService(id string) error
	ReloadConfig() error
	DesiredEntries() []types.NodeEntry
	Reconfigure(entries []types.NodeEntry) error
}

var _ Status = (*Controller)(nil)

// ServiceDescriptorMap returns every descriptor keyed by id, leaving out
// those being deleted
func (c *Controller) ServiceDescriptorMap() map[string]types.ServiceDescriptor {
	out := make(map[string]types.ServiceDescriptor)
	for id, desc := range c.registry.Snapshot() {
		if desc.State == types.StateDelete || desc.State == types.StateDeleteInactive {
			continue
		}
		out[id] = desc
	}
	return out
}

// ConfiguredManagerHosts maps each configured host to whether its agent is
// online
func (c *Controller) ConfiguredManagerHosts() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	hosts := make(map[string]bool, len(c.desired))
	for _, e := range c.desired {
		hosts[e.Host] = c.online[e.Host]
	}
	return hosts
}

// AvailableNodes returns the hosts of all agents in view, configured or not
func (c *Controller) AvailableNodes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.online)
}

func (c *Controller) StartService(id string) error {
	return c.RequestStart(id)
}

func (c *Controller) ShutdownService(id string) error {
	return c.RequestShutdown(id)
}

// DesiredEntries returns a copy of the desired state with online flags set
func (c *Controller) DesiredEntries() []types.NodeEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := types.CloneEntries(c.desired)
	for i := range entries {
		entries[i].Online = c.online[entries[i].Host]
	}
	return entries
}

// DescriptorCounts returns descriptor counts by state and the number of
// fatal descriptors
func (c *Controller) DescriptorCounts() (map[types.State]int, int) {
	fatal := 0
	for _, desc := range c.registry.List() {
		if desc.Fatal {
			fatal++
		}
	}
	return c.registry.CountByState(), fatal
}

// CurrentView returns the last view the controller applied
func (c *Controller) CurrentView() types.ClusterView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Initialized reports whether the cluster has had its first launch pass
func (c *Controller) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Descriptor returns one descriptor by id
func (c *Controller) Descriptor(id string) (types.ServiceDescriptor, bool) {
	desc, ok := c.registry.Get(id)
	return desc, ok
}
