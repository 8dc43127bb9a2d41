package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/membership"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/registry"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

var (
	// ErrServiceNotFound is returned for an unknown descriptor id
	ErrServiceNotFound = errors.New("service not found")
	// ErrNodeOffline is returned when the descriptor's node is not in view
	ErrNodeOffline = errors.New("node is offline")
)

const (
	defaultViewPollInterval = time.Second
	defaultViewMaxWait      = 30 * time.Second
)

// AutoConfigurer decides how membership changes alter the desired state.
// Implementations return new values and never mutate desired.
type AutoConfigurer interface {
	ManagerUp(host string, desired []types.NodeEntry) (types.NodeEntry, bool)
	ManagerDown(host string, desired []types.NodeEntry) ([]types.NodeEntry, bool)
	PurgeAutoConfigured(desired []types.NodeEntry) ([]types.NodeEntry, bool)
}

// Config holds the collaborators and tunables of a Controller
type Config struct {
	Transport membership.Transport
	Store     storage.ConfigStore
	// Policy is optional; without it membership never changes desired state
	Policy AutoConfigurer
	// Events is optional
	Events events.Publisher

	// UnconfigureOnStartup drops auto-configured entries before the first
	// launch pass
	UnconfigureOnStartup bool

	ViewPollInterval time.Duration
	ViewMaxWait      time.Duration
}

// Controller reconciles the desired configuration with the service
// descriptors reported by node agents.
type Controller struct {
	transport membership.Transport
	store     storage.ConfigStore
	policy    AutoConfigurer
	events    events.Publisher
	registry  *registry.Registry
	logger    zerolog.Logger

	unconfigureOnStartup bool
	viewPollInterval     time.Duration
	viewMaxWait          time.Duration

	// mu serializes every mutation of controller state and registry writes
	mu          sync.Mutex
	desired     []types.NodeEntry
	online      map[string]bool
	agents      map[string]types.Address
	view        types.ClusterView
	started     bool
	everStarted bool
	hooked      bool
	initialized bool
	initCount   int
}

// New creates a controller. Start must be called before it does anything.
func New(cfg Config) (*Controller, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("controller requires a membership transport")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("controller requires a config store")
	}

	c := &Controller{
		transport:            cfg.Transport,
		store:                cfg.Store,
		policy:               cfg.Policy,
		events:               cfg.Events,
		registry:             registry.New(),
		logger:               log.WithComponent("controller"),
		unconfigureOnStartup: cfg.UnconfigureOnStartup,
		viewPollInterval:     cfg.ViewPollInterval,
		viewMaxWait:          cfg.ViewMaxWait,
		online:               make(map[string]bool),
		agents:               make(map[string]types.Address),
	}
	if c.viewPollInterval <= 0 {
		c.viewPollInterval = defaultViewPollInterval
	}
	if c.viewMaxWait <= 0 {
		c.viewMaxWait = defaultViewMaxWait
	}
	return c, nil
}

// Registry exposes the descriptor registry for read access
func (c *Controller) Registry() *registry.Registry {
	return c.registry
}

// Start loads the configuration, joins the group and launches every
// configured service. Calling it on a started controller does nothing.
//
// On the very first start it waits, without holding the controller lock,
// for the agents of all configured hosts to appear in the view. If the
// auto-configuration path initializes the cluster during that wait, Start
// returns without launching anything itself.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}

	entries, err := c.store.Load()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := types.ValidateEntries(entries); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if c.unconfigureOnStartup && c.policy != nil {
		if purged, ok := c.policy.PurgeAutoConfigured(entries); ok {
			if err := c.store.Save(purged); err != nil {
				c.mu.Unlock()
				return fmt.Errorf("failed to persist purged configuration: %w", err)
			}
			entries = purged
		}
	}

	c.desired = entries
	firstStart := !c.everStarted
	c.started = true
	if !c.hooked {
		c.transport.OnViewChange(c.handleView)
		c.transport.OnMessage(c.handleMessage)
		c.hooked = true
	}
	c.mu.Unlock()

	c.logger.Info().
		Int("nodes", len(entries)).
		Str("self", c.transport.Self().String()).
		Msg("Starting controller")

	if err := c.transport.Join(ctx); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return fmt.Errorf("failed to join group: %w", err)
	}

	c.mu.Lock()
	c.everStarted = true
	c.mu.Unlock()

	if firstStart {
		if err := c.waitForView(ctx); err != nil {
			return fmt.Errorf("startup interrupted: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		c.logger.Info().Msg("Cluster already initialized by auto-configuration, skipping startup launch")
		return nil
	}

	c.applyViewLocked(c.transport.CurrentView())
	c.configureNodesLocked()
	launched := c.launchAllLocked()
	c.initialized = true
	c.initCount++

	c.logger.Info().Int("launched", launched).Msg("Controller started")
	return nil
}

// waitForView polls until every configured host has an agent in view, the
// cluster gets initialized elsewhere, or the maximum wait elapses.
func (c *Controller) waitForView(ctx context.Context) error {
	deadline := time.Now().Add(c.viewMaxWait)
	ticker := time.NewTicker(c.viewPollInterval)
	defer ticker.Stop()

	for {
		missing, initialized := c.missingHosts()
		if initialized {
			return nil
		}
		if len(missing) == 0 {
			c.logger.Debug().Msg("All configured hosts are in view")
			return nil
		}
		if !time.Now().Before(deadline) {
			c.logger.Warn().
				Strs("missing", missing).
				Dur("waited", c.viewMaxWait).
				Msg("Configured hosts not in view, launching anyway")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Controller) missingHosts() ([]string, bool) {
	agents := c.transport.CurrentView().AgentHosts()

	c.mu.Lock()
	defer c.mu.Unlock()

	var missing []string
	for _, e := range c.desired {
		if _, ok := agents[e.Host]; !ok {
			missing = append(missing, e.Host)
		}
	}
	return missing, c.initialized
}

// Stop asks agents to shut down every live service and leaves the group.
// Delivery is best effort.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}

	stopped := 0
	for _, desc := range c.registry.List() {
		switch {
		case desc.IsAlive() || desc.State == types.StateLaunching:
			if err := c.sendCommandLocked(desc, types.StateShuttingDown); err != nil {
				c.logger.Warn().Err(err).Str("service_id", desc.ID()).Msg("Failed to send shutdown")
			} else {
				stopped++
				metrics.ShutdownCommandsTotal.Inc()
			}
			c.setStateLocked(desc.ID(), types.StateShuttingDown)
		case desc.State != types.StateInactiveNoStart && desc.State != types.StateDeleteInactive:
			c.setStateLocked(desc.ID(), types.StateInactive)
		}
	}

	c.started = false
	c.initialized = false
	c.online = make(map[string]bool)
	c.agents = make(map[string]types.Address)
	c.mu.Unlock()

	c.logger.Info().Int("shutdown_sent", stopped).Msg("Stopping controller")

	if err := c.transport.Leave(); err != nil {
		return fmt.Errorf("failed to leave group: %w", err)
	}
	return nil
}

// Reconfigure replaces the desired state, persists it and reconciles. When
// persisting fails the previous desired state is kept and the error is
// returned.
func (c *Controller) Reconfigure(entries []types.NodeEntry) error {
	if err := types.ValidateEntries(entries); err != nil {
		metrics.ReconfigurationsTotal.WithLabelValues("manual", "invalid").Inc()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.applyDesiredLocked(entries); err != nil {
		metrics.ReconfigurationsTotal.WithLabelValues("manual", "failure").Inc()
		return err
	}
	metrics.ReconfigurationsTotal.WithLabelValues("manual", "success").Inc()

	c.logger.Info().Int("nodes", len(entries)).Msg("Configuration replaced")
	c.publish(events.NewEvent(events.EventConfigurationReloaded, "configuration replaced", nil))

	if c.started {
		c.configureNodesLocked()
		c.launchAllLocked()
	}
	return nil
}

// ReloadConfig rereads the desired state from the store and reconciles
func (c *Controller) ReloadConfig() error {
	entries, err := c.store.Load()
	if err == nil {
		err = types.ValidateEntries(entries)
	}
	if err != nil {
		metrics.ReconfigurationsTotal.WithLabelValues("reload", "failure").Inc()
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.desired = entries
	metrics.ReconfigurationsTotal.WithLabelValues("reload", "success").Inc()
	c.logger.Info().Int("nodes", len(entries)).Msg("Configuration reloaded")
	c.publish(events.NewEvent(events.EventConfigurationReloaded, "configuration reloaded", nil))

	if c.started {
		c.configureNodesLocked()
		c.launchAllLocked()
	}
	return nil
}

// applyDesiredLocked swaps in entries and persists them, restoring the
// previous desired state if the store rejects the write.
func (c *Controller) applyDesiredLocked(entries []types.NodeEntry) error {
	prev := c.desired
	c.desired = types.CloneEntries(entries)
	if err := c.store.Save(c.desired); err != nil {
		c.desired = prev
		return fmt.Errorf("failed to persist configuration: %w", err)
	}
	return nil
}

func (c *Controller) indexOfLocked(host string) int {
	for i, e := range c.desired {
		if e.Host == host {
			return i
		}
	}
	return -1
}

func (c *Controller) publish(event *events.Event) {
	if c.events == nil {
		return
	}
	c.events.Publish(event)
}

func (c *Controller) publishService(t events.EventType, desc types.ServiceDescriptor, message string) {
	if c.events == nil {
		return
	}
	c.events.Publish(events.NewEvent(t, message, map[string]string{
		events.MetaHost:      desc.Host,
		events.MetaServiceID: desc.ID(),
		events.MetaService:   desc.Spec.Name,
		events.MetaState:     desc.State.String(),
		events.MetaRestarts:  fmt.Sprint(desc.Restarts),
		events.MetaFatal:     fmt.Sprint(desc.Fatal),
	}))
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
