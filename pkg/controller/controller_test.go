package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/colony/pkg/autoconfig"
	"github.com/cuemby/colony/pkg/codec"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/membership"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

var masterAddr = types.Address{Host: "master", Kind: types.NodeKindMaster}

type eventLog struct {
	mu     sync.Mutex
	events []*events.Event
}

func (l *eventLog) Publish(e *events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) has(t events.EventType, serviceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == t && (serviceID == "" || e.Metadata[events.MetaServiceID] == serviceID) {
			return true
		}
	}
	return false
}

// failingStore rejects saves while fail is set
type failingStore struct {
	*storage.MemoryStore
	mu   sync.Mutex
	fail bool
}

func (s *failingStore) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *failingStore) Save(entries []types.NodeEntry) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(entries)
}

type fakeAgent struct {
	host string
	tr   *membership.LocalTransport

	mu       sync.Mutex
	commands []types.ServiceCommand
}

func newFakeAgent(t *testing.T, hub *membership.Hub, host string) *fakeAgent {
	t.Helper()
	a := &fakeAgent{
		host: host,
		tr:   hub.Transport(types.Address{Host: host, Kind: types.NodeKindAgent}),
	}
	a.tr.OnMessage(func(_ types.Address, payload []byte) {
		msg, err := codec.DecodeMessage(payload)
		if err != nil || msg.Kind != types.MessageCommand {
			return
		}
		a.mu.Lock()
		a.commands = append(a.commands, *msg.Command)
		a.mu.Unlock()
	})
	require.NoError(t, a.tr.Join(context.Background()))
	t.Cleanup(func() { _ = a.tr.Leave() })
	return a
}

func (a *fakeAgent) Commands() []types.ServiceCommand {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.ServiceCommand(nil), a.commands...)
}

func (a *fakeAgent) countFor(id string, state types.State) int {
	n := 0
	for _, cmd := range a.Commands() {
		if cmd.Descriptor.ID() == id && cmd.State == state {
			n++
		}
	}
	return n
}

func (a *fakeAgent) report(t *testing.T, desc types.ServiceDescriptor, state types.State) {
	t.Helper()
	desc.State = state
	data, err := codec.EncodeMessage(types.NewStatusMessage(desc))
	require.NoError(t, err)
	require.NoError(t, a.tr.Send(masterAddr, data))
}

type harness struct {
	hub    *membership.Hub
	store  *failingStore
	events *eventLog
	ctrl   *Controller
}

func newHarness(t *testing.T, entries []types.NodeEntry, policy AutoConfigurer, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		hub:    membership.NewHub(),
		store:  &failingStore{MemoryStore: storage.NewMemoryStore(entries)},
		events: &eventLog{},
	}
	cfg := Config{
		Transport:        h.hub.Transport(masterAddr),
		Store:            h.store,
		Policy:           policy,
		Events:           h.events,
		ViewPollInterval: 5 * time.Millisecond,
		ViewMaxWait:      100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctrl, err := New(cfg)
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ctrl.Start(context.Background()))
	t.Cleanup(func() { _ = h.ctrl.Stop() })
}

func (h *harness) state(id string) types.State {
	desc, _ := h.ctrl.Descriptor(id)
	return desc.State
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func entry(host string, services ...types.ServiceSpec) types.NodeEntry {
	return types.NodeEntry{Host: host, Core: true, Services: services}
}

func svc(name string, count int) types.ServiceSpec {
	return types.ServiceSpec{Name: name, Command: "/opt/bin/" + name, Count: count}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{Store: storage.NewMemoryStore(nil)})
	assert.Error(t, err)
	_, err = New(Config{Transport: membership.NewHub().Transport(masterAddr)})
	assert.Error(t, err)
}

func TestStartLaunchesConfiguredServices(t *testing.T) {
	h := newHarness(t, []types.NodeEntry{entry("node-1", svc("detector", 2), svc("reader", 1))}, nil)
	agent := newFakeAgent(t, h.hub, "node-1")
	h.start(t)

	eventually(t, func() bool { return len(agent.Commands()) == 3 }, "three launch commands")
	for _, cmd := range agent.Commands() {
		assert.Equal(t, types.StateLaunching, cmd.State)
		assert.Equal(t, "node-1", cmd.Descriptor.Host)
	}

	descs := h.ctrl.ServiceDescriptorMap()
	require.Len(t, descs, 3)
	for _, id := range []string{"node-1:detector:1", "node-1:detector:2", "node-1:reader:1"} {
		require.Contains(t, descs, id)
		assert.Equal(t, types.StateLaunching, descs[id].State)
	}
	assert.Equal(t, 2, descs["node-1:detector:2"].Rank)
	assert.True(t, h.ctrl.Initialized())
	assert.Equal(t, map[string]bool{"node-1": true}, h.ctrl.ConfiguredManagerHosts())
	assert.Equal(t, []string{"node-1"}, h.ctrl.AvailableNodes())

	// a second Start is a no-op
	require.NoError(t, h.ctrl.Start(context.Background()))
	assert.Equal(t, 1, h.ctrl.initCount)
}

func TestStartWithoutAgentsWaitsAndProceeds(t *testing.T) {
	h := newHarness(t, []types.NodeEntry{entry("node-1", svc("detector", 1))}, nil)

	begin := time.Now()
	h.start(t)
	assert.GreaterOrEqual(t, time.Since(begin), 100*time.Millisecond)
	assert.Equal(t, types.StateConfigured, h.state("node-1:detector:1"))

	// the node shows up later and its services are launched
	agent := newFakeAgent(t, h.hub, "node-1")
	eventually(t, func() bool { return agent.countFor("node-1:detector:1", types.StateLaunching) == 1 }, "launch after node up")
	eventually(t, func() bool { return h.events.has(events.EventNodeUp, "") }, "node up event")
}

// flakyTransport fails the first joins
type flakyTransport struct {
	membership.Transport
	mu       sync.Mutex
	failures int
}

func (f *flakyTransport) Join(ctx context.Context) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("seed unreachable")
	}
	f.mu.Unlock()
	return f.Transport.Join(ctx)
}

func TestFailedJoinKeepsStartupViewWait(t *testing.T) {
	h := newHarness(t, []types.NodeEntry{entry("node-1", svc("detector", 1))}, nil, func(cfg *Config) {
		cfg.Transport = &flakyTransport{Transport: cfg.Transport, failures: 1}
	})

	require.Error(t, h.ctrl.Start(context.Background()))

	begin := time.Now()
	h.start(t)
	assert.GreaterOrEqual(t, time.Since(begin), 100*time.Millisecond)
	assert.Equal(t, types.StateConfigured, h.state("node-1:detector:1"))
}

func TestLaunchAllIsIdempotent(t *testing.T) {
	h := newHarness(t, []types.NodeEntry{entry("node-1", svc("detector", 2))}, nil)
	agent := newFakeAgent(t, h.hub, "node-1")
	h.start(t)
	eventually(t, func() bool { return len(agent.Commands()) == 2 }, "initial launches")

	assert.Equal(t, 0, h.ctrl.LaunchAll())
	assert.Equal(t, 0, h.ctrl.LaunchAll())

	desc, _ := h.ctrl.Descriptor("node-1:detector:1")
	agent.report(t, desc, types.StateRunning)
	eventually(t, func() bool { return h.state("node-1:detector:1") == types.StateRunning }, "running")

	assert.Equal(t, 0, h.ctrl.LaunchAll())
	assert.Equal(t, 1, agent.countFor("node-1:detector:1", types.StateLaunching))
	assert.Equal(t, 1, agent.countFor("node-1:detector:2", types.StateLaunching))
}

func TestFatalDescriptorsAreNeverLaunched(t *testing.T) {
	h := newHarness(t, []types.NodeEntry{entry("node-1", svc("detector", 1))}, nil)
	agent := newFakeAgent(t, h.hub, "node-1")
	h.start(t)

	id := "node-1:detector:1"
	eventually(t, func() bool { return agent.countFor(id, types.StateLaunching) == 1 }, "initial launch")

	desc, _ := h.ctrl.Descriptor(id)
	desc.Fatal = true
	agent.report(t, desc, types.StateInactive)
	eventually(t, func() bool {
		d, _ := h.ctrl.Descriptor(id)
		return d.State == types.StateInactive && d.Fatal
	}, "fatal inactive")

	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, h.ctrl.LaunchAll())
	}
	assert.Equal(t, 1, agent.countFor(id, types.StateLaunching))

	// a manual start clears the flag
	require.NoError(t, h.ctrl.StartService(id))
	d, _ := h.ctrl.Descriptor(id)
	assert.False(t, d.Fatal)
	assert.Equal(t, types.StateLaunching, d.State)
	eventually(t, func() bool { return agent.countFor(id, types.StateLaunching) == 2 }, "manual launch")
}

func TestAutoConfigRoundTrip(t *testing.T) {
	policy := autoconfig.New(autoconfig.Config{
		Enabled:            true,
		UnconfigureEnabled: true,
		Catalog:            storage.NewCatalog(svc("detector", 3)),
	})
	h := newHarness(t, []types.NodeEntry{entry("core-1", svc("writer", 1))}, policy)
	newFakeAgent(t, h.hub, "core-1")
	h.start(t)

	before := len(h.ctrl.DesiredEntries())

	spare := newFakeAgent(t, h.hub, "host-A")
	eventually(t, func() bool { return len(h.ctrl.DesiredEntries()) == before+1 }, "host-A configured")
	eventually(t, func() bool { return spare.countFor("host-A:detector:1", types.StateLaunching) == 1 }, "spare launched")

	saved, err := h.store.Load()
	require.NoError(t, err)
	require.Len(t, saved, before+1)
	assert.True(t, saved[before].AutoConfigured)

	require.NoError(t, spare.tr.Leave())
	eventually(t, func() bool { return len(h.ctrl.DesiredEntries()) == before }, "host-A unconfigured")

	saved, err = h.store.Load()
	require.NoError(t, err)
	assert.Len(t, saved, before)

	// descriptors stay, marked down
	assert.Equal(t, types.StateInactive, h.state("host-A:detector:1"))
	assert.Equal(t, map[string]bool{"core-1": true}, h.ctrl.ConfiguredManagerHosts())
}

func TestStartAbortsWhenAutoConfigInitialized(t *testing.T) {
	policy := autoconfig.New(autoconfig.Config{
		Enabled: true,
		Catalog: storage.NewCatalog(svc("detector", 1)),
	})
	// core-1 never joins, so Start waits the full view timeout
	h := newHarness(t, []types.NodeEntry{entry("core-1", svc("writer", 1))}, policy, func(cfg *Config) {
		cfg.ViewMaxWait = 5 * time.Second
	})

	var spare *fakeAgent
	joined := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		spare = newFakeAgent(t, h.hub, "spare-1")
		close(joined)
	}()

	h.start(t)
	<-joined

	assert.True(t, h.ctrl.Initialized())
	assert.Equal(t, 1, h.ctrl.initCount, "startup must not initialize a second time")
	eventually(t, func() bool { return spare.countFor("spare-1:detector:1", types.StateLaunching) == 1 }, "spare launched")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, spare.countFor("spare-1:detector:1", types.StateLaunching))
}

func TestReconfigureRollsBackOnPersistenceFailure(t *testing.T) {
	original := []types.NodeEntry{entry("node-1", svc("detector", 1))}
	h := newHarness(t, original, nil)
	newFakeAgent(t, h.hub, "node-1")
	h.start(t)

	h.store.setFail(true)
	err := h.ctrl.Reconfigure([]types.NodeEntry{entry("node-1", svc("detector", 4))})
	require.Error(t, err)

	desired := h.ctrl.DesiredEntries()
	require.Len(t, desired, 1)
	assert.Equal(t, 1, desired[0].Services[0].Count)
	assert.Len(t, h.ctrl.ServiceDescriptorMap(), 1)
}

func TestReconfigureRejectsInvalidEntries(t *testing.T) {
	h := newHarness(t, nil, nil)
	err := h.ctrl.Reconfigure([]types.NodeEntry{entry("a"), entry("a")})
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestReconfigureAddsAndRemovesReplicas(t *testing.T) {
	h := newHarness(t, []types.NodeEntry{entry("node-1", svc("detector", 2), svc("reader", 1))}, nil)
	agent := newFakeAgent(t, h.hub, "node-1")
	h.start(t)
	eventually(t, func() bool { return len(agent.Commands()) == 3 }, "initial launches")

	running, _ := h.ctrl.Descriptor("node-1:detector:2")
	agent.report(t, running, types.StateRunning)
	eventually(t, func() bool { return h.state("node-1:detector:2") == types.StateRunning }, "running")

	idle, _ := h.ctrl.Descriptor("node-1:reader:1")
	agent.report(t, idle, types.StateInactive)
	eventually(t, func() bool { return h.state("node-1:reader:1") == types.StateInactive }, "inactive")

	// drop detector:2 and the reader, add a writer
	require.NoError(t, h.ctrl.Reconfigure([]types.NodeEntry{entry("node-1", svc("detector", 1), svc("writer", 1))}))

	_, ok := h.ctrl.Descriptor("node-1:reader:1")
	assert.False(t, ok, "idle replica removed at once")
	assert.True(t, h.events.has(events.EventServiceReadyToRemove, "node-1:reader:1"))

	assert.Equal(t, types.StateDelete, h.state("node-1:detector:2"))
	assert.NotContains(t, h.ctrl.ServiceDescriptorMap(), "node-1:detector:2")
	eventually(t, func() bool { return agent.countFor("node-1:detector:2", types.StateDelete) == 1 }, "delete sent")
	eventually(t, func() bool { return agent.countFor("node-1:writer:1", types.StateLaunching) == 1 }, "writer launched")

	agent.report(t, running, types.StateDeleteInactive)
	eventually(t, func() bool {
		_, ok := h.ctrl.Descriptor("node-1:detector:2")
		return !ok
	}, "deleted replica removed")
	eventually(t, func() bool { return h.events.has(events.EventServiceReadyToRemove, "node-1:detector:2") }, "ready to remove event")
	assert.True(t, h.events.has(events.EventConfigurationReloaded, ""))
}

func TestStaleStatusIsIgnored(t *testing.T) {
	h := newHarness(t, []types.NodeEntry{entry("node-1", svc("detector", 1))}, nil)
	agent := newFakeAgent(t, h.hub, "node-1")
	h.start(t)

	id := "node-1:detector:1"
	desc, _ := h.ctrl.Descriptor(id)
	agent.report(t, desc, types.StateRunning)
	eventually(t, func() bool { return h.state(id) == types.StateRunning }, "running")
	eventually(t, func() bool { return h.events.has(events.EventServiceAdded, id) }, "service added event")

	// a late Launching report is one step behind Running
	agent.report(t, desc, types.StateLaunching)
	desc.Restarts = 2
	agent.report(t, desc, types.StateRunning)
	eventually(t, func() bool {
		d, _ := h.ctrl.Descriptor(id)
		return d.Restarts == 2
	}, "restart count applied")
	assert.Equal(t, types.StateRunning, h.state(id))
}

func TestNodeDownMarksServicesInactive(t *testing.T) {
	h := newHarness(t, []types.NodeEntry{entry("node-1", svc("detector", 1))}, nil)
	agent := newFakeAgent(t, h.hub, "node-1")
	h.start(t)

	id := "node-1:detector:1"
	desc, _ := h.ctrl.Descriptor(id)
	agent.report(t, desc, types.StateRunning)
	eventually(t, func() bool { return h.state(id) == types.StateRunning }, "running")

	require.NoError(t, agent.tr.Leave())
	eventually(t, func() bool { return h.state(id) == types.StateInactive }, "inactive after node loss")
	eventually(t, func() bool {
		return h.events.has(events.EventServiceDown, id) && h.events.has(events.EventNodeDown, "")
	}, "down events")
	assert.Equal(t, map[string]bool{"node-1": false}, h.ctrl.ConfiguredManagerHosts())
	assert.Empty(t, h.ctrl.AvailableNodes())

	err := h.ctrl.RequestStart(id)
	assert.ErrorIs(t, err, ErrNodeOffline)
}

func TestRequestStartAndShutdown(t *testing.T) {
	h := newHarness(t, []types.NodeEntry{entry("node-1", svc("detector", 1))}, nil)
	agent := newFakeAgent(t, h.hub, "node-1")
	h.start(t)

	id := "node-1:detector:1"
	assert.ErrorIs(t, h.ctrl.RequestStart("node-1:nope:1"), ErrServiceNotFound)
	assert.ErrorIs(t, h.ctrl.RequestShutdown("node-1:nope:1"), ErrServiceNotFound)

	// Launching: start is a no-op
	require.NoError(t, h.ctrl.RequestStart(id))
	assert.Equal(t, types.StateLaunching, h.state(id))

	desc, _ := h.ctrl.Descriptor(id)
	agent.report(t, desc, types.StateRunning)
	eventually(t, func() bool { return h.state(id) == types.StateRunning }, "running")

	require.NoError(t, h.ctrl.ShutdownService(id))
	assert.Equal(t, types.StateShuttingDownNoRestart, h.state(id))
	eventually(t, func() bool { return agent.countFor(id, types.StateShuttingDownNoRestart) == 1 }, "shutdown sent")

	agent.report(t, desc, types.StateInactiveNoStart)
	eventually(t, func() bool { return h.state(id) == types.StateInactiveNoStart }, "stopped")

	// InactiveNoStart is skipped by launch passes but a manual start works
	assert.Equal(t, 0, h.ctrl.LaunchAll())
	require.NoError(t, h.ctrl.RequestStart(id))
	eventually(t, func() bool { return agent.countFor(id, types.StateLaunching) == 2 }, "relaunched")
}

func TestShutdownOfLaunchingServiceIsNotLost(t *testing.T) {
	h := newHarness(t, []types.NodeEntry{entry("node-1", svc("detector", 1))}, nil)
	agent := newFakeAgent(t, h.hub, "node-1")
	h.start(t)

	id := "node-1:detector:1"
	eventually(t, func() bool { return agent.countFor(id, types.StateLaunching) == 1 }, "launch sent")
	require.Equal(t, types.StateLaunching, h.state(id))

	require.NoError(t, h.ctrl.ShutdownService(id))
	assert.Equal(t, types.StateShuttingDownNoRestart, h.state(id))
	eventually(t, func() bool { return agent.countFor(id, types.StateShuttingDownNoRestart) == 1 }, "shutdown sent")

	// The agent finishes the launch and then the shutdown
	desc, _ := h.ctrl.Descriptor(id)
	agent.report(t, desc, types.StateInactiveNoStart)
	eventually(t, func() bool { return h.state(id) == types.StateInactiveNoStart }, "stopped")
	assert.Equal(t, 0, h.ctrl.LaunchAll())
}

func TestRequestsByDescriptorState(t *testing.T) {
	tests := []struct {
		name  string
		state types.State

		startErr      error
		startState    types.State
		startSent     bool
		shutdownErr   error
		shutdownState types.State
		shutdownSent  bool
	}{
		{name: "configured", state: types.StateConfigured,
			startState: types.StateLaunching, startSent: true,
			shutdownState: types.StateConfigured},
		{name: "launching", state: types.StateLaunching,
			startState:    types.StateLaunching,
			shutdownState: types.StateShuttingDownNoRestart, shutdownSent: true},
		{name: "running", state: types.StateRunning,
			startState:    types.StateRunning,
			shutdownState: types.StateShuttingDownNoRestart, shutdownSent: true},
		{name: "shutting down", state: types.StateShuttingDown,
			startState:    types.StateShuttingDown,
			shutdownState: types.StateShuttingDownNoRestart, shutdownSent: true},
		{name: "shutting down no restart", state: types.StateShuttingDownNoRestart,
			startState:    types.StateShuttingDownNoRestart,
			shutdownState: types.StateShuttingDownNoRestart},
		{name: "inactive", state: types.StateInactive,
			startState: types.StateLaunching, startSent: true,
			shutdownState: types.StateInactive},
		{name: "inactive no start", state: types.StateInactiveNoStart,
			startState: types.StateLaunching, startSent: true,
			shutdownState: types.StateInactiveNoStart},
		{name: "delete", state: types.StateDelete,
			startErr: ErrServiceNotFound, startState: types.StateDelete,
			shutdownState: types.StateDelete},
		{name: "delete inactive", state: types.StateDeleteInactive,
			startErr: ErrServiceNotFound, startState: types.StateDeleteInactive,
			shutdownErr: ErrServiceNotFound, shutdownState: types.StateDeleteInactive},
	}

	const id = "node-1:detector:1"
	prepare := func(t *testing.T, state types.State) (*harness, *fakeAgent) {
		h := newHarness(t, []types.NodeEntry{entry("node-1", svc("detector", 1))}, nil)
		agent := newFakeAgent(t, h.hub, "node-1")
		h.start(t)
		eventually(t, func() bool { return agent.countFor(id, types.StateLaunching) == 1 }, "initial launch")

		h.ctrl.mu.Lock()
		h.ctrl.setStateLocked(id, state)
		h.ctrl.mu.Unlock()
		return h, agent
	}
	checkSent := func(t *testing.T, agent *fakeAgent, state types.State, want int) {
		if want > 0 {
			eventually(t, func() bool { return agent.countFor(id, state) == want }, "command sent")
			return
		}
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, want, agent.countFor(id, state))
	}

	for _, tt := range tests {
		t.Run(tt.name+"/start", func(t *testing.T) {
			h, agent := prepare(t, tt.state)

			err := h.ctrl.RequestStart(id)
			if tt.startErr != nil {
				assert.ErrorIs(t, err, tt.startErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.startState, h.state(id))

			launches := 1
			if tt.startSent {
				launches = 2
			}
			checkSent(t, agent, types.StateLaunching, launches)
		})

		t.Run(tt.name+"/shutdown", func(t *testing.T) {
			h, agent := prepare(t, tt.state)

			err := h.ctrl.RequestShutdown(id)
			if tt.shutdownErr != nil {
				assert.ErrorIs(t, err, tt.shutdownErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.shutdownState, h.state(id))

			shutdowns := 0
			if tt.shutdownSent {
				shutdowns = 1
			}
			checkSent(t, agent, types.StateShuttingDownNoRestart, shutdowns)
		})
	}
}

func TestStopShutsDownLiveServices(t *testing.T) {
	h := newHarness(t, []types.NodeEntry{entry("node-1", svc("detector", 2))}, nil)
	agent := newFakeAgent(t, h.hub, "node-1")
	require.NoError(t, h.ctrl.Start(context.Background()))

	desc, _ := h.ctrl.Descriptor("node-1:detector:1")
	agent.report(t, desc, types.StateRunning)
	eventually(t, func() bool { return h.state("node-1:detector:1") == types.StateRunning }, "running")

	other, _ := h.ctrl.Descriptor("node-1:detector:2")
	agent.report(t, other, types.StateInactive)
	eventually(t, func() bool { return h.state("node-1:detector:2") == types.StateInactive }, "inactive")

	require.NoError(t, h.ctrl.Stop())
	eventually(t, func() bool { return agent.countFor("node-1:detector:1", types.StateShuttingDown) == 1 }, "shutdown sent")
	assert.Equal(t, 0, agent.countFor("node-1:detector:2", types.StateShuttingDown))
	assert.Equal(t, types.StateShuttingDown, h.state("node-1:detector:1"))
	assert.Equal(t, types.StateInactive, h.state("node-1:detector:2"))
	assert.False(t, h.ctrl.Initialized())
	require.NoError(t, h.ctrl.Stop())
}

func TestUnconfigureOnStartupPurgesAutoConfiguredEntries(t *testing.T) {
	entries := []types.NodeEntry{
		entry("core-1", svc("writer", 1)),
		{Host: "spare-1", AutoConfigured: true, Services: []types.ServiceSpec{svc("detector", 1)}},
	}
	policy := autoconfig.New(autoconfig.Config{UnconfigureEnabled: true})
	h := newHarness(t, entries, policy, func(cfg *Config) {
		cfg.UnconfigureOnStartup = true
		cfg.ViewMaxWait = 10 * time.Millisecond
	})
	h.start(t)

	desired := h.ctrl.DesiredEntries()
	require.Len(t, desired, 1)
	assert.Equal(t, "core-1", desired[0].Host)

	saved, err := h.store.Load()
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestDescriptorIdentityIsUnique(t *testing.T) {
	h := newHarness(t, []types.NodeEntry{entry("h", svc("svc", 3))}, nil, func(cfg *Config) {
		cfg.ViewMaxWait = 10 * time.Millisecond
	})
	h.start(t)

	require.NoError(t, h.ctrl.ReloadConfig())
	require.NoError(t, h.ctrl.ReloadConfig())

	descs := h.ctrl.ServiceDescriptorMap()
	require.Len(t, descs, 3)
	d, ok := descs["h:svc:3"]
	require.True(t, ok)
	assert.Equal(t, "h:svc:3", d.ID())
	assert.Equal(t, 3, d.Instance)
	assert.Equal(t, 3, h.ctrl.Registry().Len())
}

func TestDescriptorCounts(t *testing.T) {
	h := newHarness(t, []types.NodeEntry{entry("node-1", svc("detector", 2))}, nil, func(cfg *Config) {
		cfg.ViewMaxWait = 10 * time.Millisecond
	})
	h.start(t)

	counts, fatal := h.ctrl.DescriptorCounts()
	assert.Equal(t, 2, counts[types.StateConfigured])
	assert.Equal(t, 0, fatal)
}
