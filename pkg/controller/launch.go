package controller

import (
	"fmt"

	"github.com/cuemby/colony/pkg/codec"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/membership"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/types"
)

// LaunchAll sends a launch command for every descriptor that is on an
// online node, is launchable and is not fatal. It returns the number of
// commands sent.
func (c *Controller) LaunchAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.launchAllLocked()
}

func (c *Controller) launchAllLocked() int {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LaunchAllDuration)

	sent := 0
	for _, desc := range c.registry.List() {
		if !c.online[desc.Host] || !desc.State.Launchable() || desc.Fatal {
			continue
		}

		prev := desc.State
		desc.State = types.StateLaunching
		c.setStateLocked(desc.ID(), types.StateLaunching)
		if err := c.sendCommandLocked(desc, types.StateLaunching); err != nil {
			c.setStateLocked(desc.ID(), prev)
			c.logger.Warn().
				Err(err).
				Str("host", desc.Host).
				Str("service_id", desc.ID()).
				Msg("Failed to send launch command")
			continue
		}
		sent++
	}

	if sent > 0 {
		metrics.LaunchCommandsTotal.Add(float64(sent))
		c.logger.Info().Int("launched", sent).Msg("Launch pass complete")
	}
	return sent
}

// RequestStart launches one descriptor, clearing its fatal flag
func (c *Controller) RequestStart(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	desc, ok := c.registry.Get(id)
	if !ok || desc.State == types.StateDelete || desc.State == types.StateDeleteInactive {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, id)
	}
	logger := c.logger.With().Str("service_id", id).Str("state", desc.State.String()).Logger()

	if desc.IsAlive() || desc.State == types.StateLaunching {
		logger.Info().Msg("Service is already running, ignoring start request")
		return nil
	}
	if !c.online[desc.Host] {
		return fmt.Errorf("%w: %s", ErrNodeOffline, desc.Host)
	}

	launch, _ := c.registry.Update(id, func(d *types.ServiceDescriptor) {
		d.Fatal = false
		d.State = types.StateLaunching
	})
	if err := c.sendCommandLocked(launch, types.StateLaunching); err != nil {
		c.registry.Put(desc)
		logger.Warn().Err(err).Msg("Failed to send launch command")
		return nil
	}

	metrics.LaunchCommandsTotal.Inc()
	logger.Info().Msg("Service is starting")
	return nil
}

// RequestShutdown stops one descriptor without restarting it
func (c *Controller) RequestShutdown(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	desc, ok := c.registry.Get(id)
	if !ok || desc.State == types.StateDeleteInactive {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, id)
	}
	logger := c.logger.With().Str("service_id", id).Str("state", desc.State.String()).Logger()

	// A Launching replica already has its launch command out, so the
	// shutdown must follow it.
	inFlight := desc.IsAlive() || desc.State == types.StateLaunching
	if !inFlight || desc.State == types.StateShuttingDownNoRestart {
		logger.Info().Msg("Service is not running, ignoring shutdown request")
		return nil
	}

	c.setStateLocked(id, types.StateShuttingDownNoRestart)
	if err := c.sendCommandLocked(desc, types.StateShuttingDownNoRestart); err != nil {
		c.setStateLocked(id, desc.State)
		logger.Warn().Err(err).Msg("Failed to send shutdown command")
		return nil
	}

	metrics.ShutdownCommandsTotal.Inc()
	logger.Info().Msg("Service is shutting down")
	return nil
}

// configureNodesLocked makes the registry hold exactly one descriptor per
// configured replica. Replicas no longer configured are deleted: live ones
// through their agent, idle ones directly.
func (c *Controller) configureNodesLocked() {
	wanted := c.wantedLocked()

	created := 0
	for _, entry := range c.desired {
		for _, spec := range entry.Services {
			for i := 1; i <= spec.Count; i++ {
				id := types.DescriptorID(entry.Host, spec.Name, i)
				if existing, ok := c.registry.Get(id); ok {
					if !existing.IsAlive() && existing.State != types.StateLaunching {
						spec := spec.Clone()
						c.registry.Update(id, func(d *types.ServiceDescriptor) { d.Spec = spec })
					}
					continue
				}
				c.registry.Put(types.ServiceDescriptor{
					Host:     entry.Host,
					Instance: i,
					Rank:     i,
					State:    types.StateConfigured,
					Spec:     spec.Clone(),
				})
				created++
			}
		}
	}

	retired := 0
	for _, desc := range c.registry.List() {
		if wanted[desc.ID()] {
			continue
		}
		c.retireLocked(desc)
		retired++
	}

	if created > 0 || retired > 0 {
		c.logger.Info().
			Int("created", created).
			Int("retired", retired).
			Int("descriptors", c.registry.Len()).
			Msg("Configured nodes")
	}
}

// retireLocked removes a descriptor that is no longer configured
func (c *Controller) retireLocked(desc types.ServiceDescriptor) {
	if desc.State == types.StateDelete {
		return
	}

	if desc.IsAlive() || desc.State == types.StateLaunching {
		c.setStateLocked(desc.ID(), types.StateDelete)
		err := c.sendCommandLocked(desc, types.StateDelete)
		if err == nil {
			metrics.ShutdownCommandsTotal.Inc()
			return
		}
		c.logger.Warn().
			Err(err).
			Str("service_id", desc.ID()).
			Msg("Failed to send delete command, removing descriptor")
	}

	desc.State = types.StateDeleteInactive
	c.registry.Remove(desc.ID())
	c.publishService(events.EventServiceReadyToRemove, desc, "service removed from configuration")
}

// wantedLocked returns the ids of every configured replica
func (c *Controller) wantedLocked() map[string]bool {
	wanted := make(map[string]bool)
	for _, entry := range c.desired {
		for _, spec := range entry.Services {
			for i := 1; i <= spec.Count; i++ {
				wanted[types.DescriptorID(entry.Host, spec.Name, i)] = true
			}
		}
	}
	return wanted
}

// sendCommandLocked delivers a command to the agent owning desc
func (c *Controller) sendCommandLocked(desc types.ServiceDescriptor, state types.State) error {
	addr, ok := c.agents[desc.Host]
	if !ok {
		return fmt.Errorf("failed to send %s for %s: %w", state, desc.ID(), membership.ErrNotInView)
	}

	data, err := codec.EncodeMessage(types.NewCommandMessage(desc, state))
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	if err := c.transport.Send(addr, data); err != nil {
		return fmt.Errorf("failed to send %s for %s: %w", state, desc.ID(), err)
	}

	c.logger.Debug().
		Str("host", desc.Host).
		Str("service_id", desc.ID()).
		Str("state", state.String()).
		Msg("Command sent")
	return nil
}

func (c *Controller) setStateLocked(id string, state types.State) {
	c.registry.Update(id, func(d *types.ServiceDescriptor) { d.State = state })
}
