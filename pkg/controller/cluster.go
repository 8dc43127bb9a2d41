package controller

import (
	"sort"

	"github.com/cuemby/colony/pkg/codec"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/types"
)

func (c *Controller) handleView(view types.ClusterView) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}
	c.applyViewLocked(view)
}

// applyViewLocked brings the online set in line with view. Views older than
// the last one applied are ignored.
func (c *Controller) applyViewLocked(view types.ClusterView) {
	if view.Version != 0 && view.Version < c.view.Version {
		return
	}
	c.view = view

	agents := view.AgentHosts()
	var joined, left []string
	for host, addr := range agents {
		if !c.online[host] {
			joined = append(joined, host)
		}
		c.agents[host] = addr
	}
	for host := range c.online {
		if _, ok := agents[host]; !ok {
			left = append(left, host)
		}
	}
	sort.Strings(joined)
	sort.Strings(left)

	for _, host := range left {
		c.nodeDownLocked(host)
	}
	for _, host := range joined {
		c.nodeUpLocked(host)
	}
}

func (c *Controller) nodeUpLocked(host string) {
	c.online[host] = true
	c.logger.Info().Str("host", host).Msg("Node manager is up")
	c.publish(events.NewEvent(events.EventNodeUp, "node manager started", map[string]string{
		events.MetaHost: host,
	}))

	if c.indexOfLocked(host) >= 0 {
		if c.initialized {
			c.launchAllLocked()
		}
		return
	}

	if c.policy == nil {
		return
	}
	entry, ok := c.policy.ManagerUp(host, c.desired)
	if !ok {
		return
	}

	next := append(types.CloneEntries(c.desired), entry)
	if err := c.applyDesiredLocked(next); err != nil {
		metrics.ReconfigurationsTotal.WithLabelValues("autoconfig", "failure").Inc()
		c.logger.Error().Err(err).Str("host", host).Msg("Failed to auto-configure node")
		return
	}
	metrics.ReconfigurationsTotal.WithLabelValues("autoconfig", "success").Inc()

	c.configureNodesLocked()
	launched := c.launchAllLocked()
	c.initialized = true
	c.initCount++

	c.logger.Info().
		Str("host", host).
		Int("launched", launched).
		Msg("Auto-configured node")
}

// nodeDownLocked marks every running service of host down and lets the
// policy drop the host from the desired state. Descriptors stay in the
// registry.
func (c *Controller) nodeDownLocked(host string) {
	delete(c.online, host)
	delete(c.agents, host)

	for _, desc := range c.registry.ListByHost(host) {
		switch {
		case desc.State == types.StateDelete:
			desc.State = types.StateDeleteInactive
			c.registry.Remove(desc.ID())
			c.publishService(events.EventServiceReadyToRemove, desc, "node lost while deleting service")
		case desc.IsAlive() || desc.State == types.StateLaunching:
			updated, _ := c.registry.Update(desc.ID(), func(d *types.ServiceDescriptor) {
				d.State = types.StateInactive
			})
			c.publishService(events.EventServiceDown, updated, "node manager lost")
		}
	}

	c.logger.Warn().Str("host", host).Msg("Node manager is down")
	c.publish(events.NewEvent(events.EventNodeDown, "node manager lost", map[string]string{
		events.MetaHost: host,
	}))

	if c.policy == nil {
		return
	}
	next, ok := c.policy.ManagerDown(host, c.desired)
	if !ok {
		return
	}
	if err := c.applyDesiredLocked(next); err != nil {
		metrics.ReconfigurationsTotal.WithLabelValues("autoconfig", "failure").Inc()
		c.logger.Error().Err(err).Str("host", host).Msg("Failed to unconfigure node")
		return
	}
	metrics.ReconfigurationsTotal.WithLabelValues("autoconfig", "success").Inc()
}

func (c *Controller) handleMessage(from types.Address, payload []byte) {
	msg, err := codec.DecodeMessage(payload)
	if err != nil {
		c.logger.Warn().Err(err).Str("from", from.String()).Msg("Dropping undecodable message")
		return
	}
	if msg.Kind != types.MessageStatus {
		c.logger.Debug().Str("from", from.String()).Str("kind", string(msg.Kind)).Msg("Ignoring message")
		return
	}
	c.handleStatus(msg.Status.Descriptor)
}

// handleStatus applies an agent's report to the registry
func (c *Controller) handleStatus(reported types.ServiceDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := reported.ID()
	logger := c.logger.With().
		Str("host", reported.Host).
		Str("service_id", id).
		Str("state", reported.State.String()).
		Logger()

	current, ok := c.registry.Get(id)
	if !ok {
		metrics.StatusUpdatesTotal.WithLabelValues("unknown").Inc()
		logger.Debug().Msg("Status for unknown service")
		return
	}
	if types.IsStale(current.State, reported.State) {
		metrics.StatusUpdatesTotal.WithLabelValues("stale").Inc()
		logger.Debug().Str("current", current.State.String()).Msg("Ignoring stale status")
		return
	}
	metrics.StatusUpdatesTotal.WithLabelValues("applied").Inc()

	updated, _ := c.registry.Update(id, func(d *types.ServiceDescriptor) {
		d.State = reported.State
		d.Restarts = reported.Restarts
		d.Fatal = reported.Fatal
	})
	if updated.Fatal && !current.Fatal {
		logger.Warn().Int("restarts", updated.Restarts).Msg("Service marked fatal")
	}

	switch reported.State {
	case types.StateRunning:
		logger.Info().Int("restarts", updated.Restarts).Msg("Service running")
		c.publishService(events.EventServiceAdded, updated, "service running")
	case types.StateInactive, types.StateInactiveNoStart:
		logger.Info().Msg("Service down")
		c.publishService(events.EventServiceDown, updated, "service down")
	case types.StateDeleteInactive:
		if c.wantedLocked()[id] {
			// configured again while the delete was in flight
			readded, _ := c.registry.Update(id, func(d *types.ServiceDescriptor) {
				d.State = types.StateInactive
			})
			c.publishService(events.EventServiceDown, readded, "service re-added")
			if c.initialized {
				c.launchAllLocked()
			}
			return
		}
		c.registry.Remove(id)
		logger.Info().Msg("Service ready to remove")
		c.publishService(events.EventServiceReadyToRemove, updated, "service ready to remove")
	default:
		c.publishService(events.EventServiceChanged, updated, "service changed")
	}
}
