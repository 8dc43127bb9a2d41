package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/colony/pkg/api"
	"github.com/cuemby/colony/pkg/controller"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStatus struct {
	mu      sync.Mutex
	entries []types.NodeEntry
	started []string
	reloads int
}

func (s *stubStatus) ServiceDescriptorMap() map[string]types.ServiceDescriptor {
	return map[string]types.ServiceDescriptor{
		"node-1:web:1": {Host: "node-1", Instance: 1, State: types.StateRunning, Spec: types.ServiceSpec{Name: "web"}},
		"node-2:db:1":  {Host: "node-2", Instance: 1, State: types.StateInactive, Spec: types.ServiceSpec{Name: "db"}},
	}
}

func (s *stubStatus) ConfiguredManagerHosts() map[string]bool {
	return map[string]bool{"node-1": true, "node-2": false}
}

func (s *stubStatus) AvailableNodes() []string { return []string{"node-1"} }

func (s *stubStatus) StartService(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch id {
	case "node-1:web:1":
		s.started = append(s.started, id)
		return nil
	case "node-2:db:1":
		return controller.ErrNodeOffline
	}
	return controller.ErrServiceNotFound
}

func (s *stubStatus) ShutdownService(id string) error {
	if id != "node-1:web:1" {
		return controller.ErrServiceNotFound
	}
	return nil
}

func (s *stubStatus) ReloadConfig() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads++
	return nil
}

func (s *stubStatus) DesiredEntries() []types.NodeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.CloneEntries(s.entries)
}

func (s *stubStatus) Reconfigure(entries []types.NodeEntry) error {
	if err := types.ValidateEntries(entries); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = types.CloneEntries(entries)
	return nil
}

func newTestClient(t *testing.T, broker *events.Broker) (*Client, *stubStatus) {
	t.Helper()
	status := &stubStatus{}
	srv, err := api.NewServer(api.Config{Status: status, Broker: broker})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := NewClient(ts.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, status
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		addr    string
		want    string
		wantErr bool
	}{
		{addr: "localhost:7070", want: "http://localhost:7070"},
		{addr: "https://master.example:7070/", want: "https://master.example:7070"},
		{addr: "", wantErr: true},
	}
	for _, tt := range tests {
		c, err := NewClient(tt.addr)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, c.baseURL)
	}
}

func TestListServices(t *testing.T) {
	c, _ := newTestClient(t, nil)

	all, err := c.ListServices("", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, types.StateRunning, all["node-1:web:1"].State)

	filtered, err := c.ListServices("node-2", "")
	require.NoError(t, err)
	assert.Len(t, filtered, 1)
	assert.Contains(t, filtered, "node-2:db:1")

	_, err = c.ListServices("", "nope")
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestStartServiceErrors(t *testing.T) {
	c, status := newTestClient(t, nil)

	require.NoError(t, c.StartService("node-1:web:1"))
	assert.Equal(t, []string{"node-1:web:1"}, status.started)

	err := c.StartService("node-2:db:1")
	assert.ErrorIs(t, err, controller.ErrNodeOffline)

	err = c.StartService("node-9:none:1")
	assert.ErrorIs(t, err, controller.ErrServiceNotFound)
	assert.True(t, IsNotFound(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "service not found")
}

func TestShutdownService(t *testing.T) {
	c, _ := newTestClient(t, nil)

	assert.NoError(t, c.ShutdownService("node-1:web:1"))
	assert.True(t, IsNotFound(c.ShutdownService("missing:x:1")))
}

func TestNodes(t *testing.T) {
	c, _ := newTestClient(t, nil)

	configured, err := c.ConfiguredNodes()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"node-1": true, "node-2": false}, configured)

	available, err := c.AvailableNodes()
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1"}, available)
}

func TestConfigRoundTrip(t *testing.T) {
	c, status := newTestClient(t, nil)

	entries := []types.NodeEntry{
		{Host: "node-1", Core: true, Services: []types.ServiceSpec{{Name: "web", Command: "web", Count: 2}}},
	}
	require.NoError(t, c.ApplyConfig(entries))

	got, err := c.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	err = c.ApplyConfig([]types.NodeEntry{{Host: "a"}, {Host: "a"}})
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
	assert.Equal(t, entries, status.DesiredEntries())

	require.NoError(t, c.ApplyConfigYAML([]byte("nodes:\n  - host: node-7\n    services: []\n")))
	got, err = c.GetConfig()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "node-7", got[0].Host)
}

func TestReloadConfig(t *testing.T) {
	c, status := newTestClient(t, nil)

	require.NoError(t, c.ReloadConfig())
	assert.Equal(t, 1, status.reloads)
}

func TestWatchEvents(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	c, _ := newTestClient(t, broker)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		for broker.SubscriberCount() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		broker.Publish(events.NewEvent(events.EventConfigurationReloaded, "reloaded", nil))
		broker.Publish(events.NewEvent(events.EventNodeDown, "node down", map[string]string{events.MetaHost: "node-2"}))
	}()

	stop := errors.New("done")
	var got *events.Event
	err := c.WatchEvents(ctx, "node.", func(e *events.Event) error {
		got = e
		return stop
	})

	require.ErrorIs(t, err, stop)
	require.NotNil(t, got)
	assert.Equal(t, events.EventNodeDown, got.Type)
	assert.Equal(t, "node-2", got.Metadata[events.MetaHost])
}

func TestWatchEventsWithoutBroker(t *testing.T) {
	c, _ := newTestClient(t, nil)

	err := c.WatchEvents(context.Background(), "", func(*events.Event) error { return nil })
	assert.True(t, IsNotFound(err))
}

func TestAgentPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /services", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"host":"node-1","instance":1,"state":"Running","spec":{"name":"web"}}]`))
	})
	mux.HandleFunc("POST /services/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "node-1:web:1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"service not supervised"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c, err := NewClient(ts.URL)
	require.NoError(t, err)

	services, err := c.AgentServices()
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "node-1:web:1", services[0].ID())

	assert.NoError(t, c.StopLocal("node-1:web:1"))
	assert.True(t, IsNotFound(c.StopLocal("node-1:db:1")))
}
