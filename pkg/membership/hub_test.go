package membership

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/colony/pkg/types"
)

type recorder struct {
	mu       sync.Mutex
	views    []types.ClusterView
	payloads []string
	senders  []types.Address
}

func (r *recorder) onView(v types.ClusterView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

func (r *recorder) onMessage(from types.Address, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders = append(r.senders, from)
	r.payloads = append(r.payloads, string(payload))
}

func (r *recorder) lastView() types.ClusterView {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.views) == 0 {
		return types.ClusterView{}
	}
	return r.views[len(r.views)-1]
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func join(t *testing.T, hub *Hub, addr types.Address) (*LocalTransport, *recorder) {
	t.Helper()
	tr := hub.Transport(addr)
	rec := &recorder{}
	tr.OnViewChange(rec.onView)
	tr.OnMessage(rec.onMessage)
	require.NoError(t, tr.Join(context.Background()))
	return tr, rec
}

func TestHubViews(t *testing.T) {
	hub := NewHub()
	master := types.Address{Host: "m1", Kind: types.NodeKindMaster}
	agent := types.Address{Host: "a1", Kind: types.NodeKindAgent}

	mt, mrec := join(t, hub, master)
	defer mt.Leave()

	at, _ := join(t, hub, agent)

	require.Eventually(t, func() bool {
		return mrec.lastView().Contains(agent)
	}, time.Second, 5*time.Millisecond)
	joinedVersion := mrec.lastView().Version

	require.NoError(t, at.Leave())
	require.Eventually(t, func() bool {
		v := mrec.lastView()
		return !v.Contains(agent) && v.Version > joinedVersion
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, hub.View(), mt.CurrentView())
}

func TestHubSendPreservesOrder(t *testing.T) {
	hub := NewHub()
	master := types.Address{Host: "m1", Kind: types.NodeKindMaster}
	agent := types.Address{Host: "a1", Kind: types.NodeKindAgent}

	mt, _ := join(t, hub, master)
	defer mt.Leave()
	at, arec := join(t, hub, agent)
	defer at.Leave()

	want := []string{"one", "two", "three", "four"}
	for _, p := range want {
		require.NoError(t, mt.Send(agent, []byte(p)))
	}

	require.Eventually(t, func() bool {
		return len(arec.received()) == len(want)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, arec.received())
	assert.Equal(t, master, arec.senders[0])
}

func TestHubSendErrors(t *testing.T) {
	hub := NewHub()
	master := types.Address{Host: "m1", Kind: types.NodeKindMaster}
	ghost := types.Address{Host: "ghost", Kind: types.NodeKindAgent}

	idle := hub.Transport(master)
	assert.ErrorIs(t, idle.Send(ghost, []byte("x")), ErrNotJoined)

	mt, _ := join(t, hub, master)
	defer mt.Leave()
	assert.ErrorIs(t, mt.Send(ghost, []byte("x")), ErrNotInView)
}

func TestLeaveIsIdempotent(t *testing.T) {
	hub := NewHub()
	tr, _ := join(t, hub, types.Address{Host: "m1", Kind: types.NodeKindMaster})
	require.NoError(t, tr.Leave())
	require.NoError(t, tr.Leave())
	assert.Empty(t, hub.View().Members)
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	var mu sync.Mutex
	var got []int
	d := newDispatcher(func(i int) {
		mu.Lock()
		got = append(got, i)
		mu.Unlock()
	})
	for i := 0; i < 100; i++ {
		require.True(t, d.push(i))
	}
	d.close()
	assert.False(t, d.push(100))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}
