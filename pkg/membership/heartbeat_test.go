package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/colony/pkg/types"
)

func newTestHeartbeat(t *testing.T, self types.Address, seeds ...string) (*HeartbeatTransport, *recorder) {
	t.Helper()
	tr := NewHeartbeatTransport(HeartbeatConfig{
		Self:              self,
		ListenAddr:        "127.0.0.1:0",
		Seeds:             seeds,
		HeartbeatInterval: 20 * time.Millisecond,
		FailureTimeout:    200 * time.Millisecond,
		DialTimeout:       time.Second,
	})
	rec := &recorder{}
	tr.OnViewChange(rec.onView)
	tr.OnMessage(rec.onMessage)
	require.NoError(t, tr.Join(context.Background()))
	return tr, rec
}

func TestHeartbeatDiscoveryAndDelivery(t *testing.T) {
	master, mrec := newTestHeartbeat(t, types.Address{Host: "m1", Kind: types.NodeKindMaster})
	defer master.Leave()
	require.NotEmpty(t, master.Self().Endpoint)

	agent, arec := newTestHeartbeat(t, types.Address{Host: "a1", Kind: types.NodeKindAgent}, master.Self().Endpoint)
	defer agent.Leave()

	require.Eventually(t, func() bool {
		return mrec.lastView().Contains(agent.Self()) && arec.lastView().Contains(master.Self())
	}, 5*time.Second, 10*time.Millisecond)

	for _, p := range []string{"launch", "shutdown"} {
		require.NoError(t, master.Send(agent.Self(), []byte(p)))
	}
	require.Eventually(t, func() bool {
		return len(arec.received()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"launch", "shutdown"}, arec.received())
}

func TestHeartbeatGossipDiscovery(t *testing.T) {
	master, _ := newTestHeartbeat(t, types.Address{Host: "m1", Kind: types.NodeKindMaster})
	defer master.Leave()
	a1, _ := newTestHeartbeat(t, types.Address{Host: "a1", Kind: types.NodeKindAgent}, master.Self().Endpoint)
	defer a1.Leave()
	// a2 only knows a1 and must learn the master through it
	a2, rec := newTestHeartbeat(t, types.Address{Host: "a2", Kind: types.NodeKindAgent}, a1.Self().Endpoint)
	defer a2.Leave()

	require.Eventually(t, func() bool {
		return rec.lastView().Contains(master.Self())
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHeartbeatLeaveAndFailure(t *testing.T) {
	master, mrec := newTestHeartbeat(t, types.Address{Host: "m1", Kind: types.NodeKindMaster})
	defer master.Leave()
	agent, _ := newTestHeartbeat(t, types.Address{Host: "a1", Kind: types.NodeKindAgent}, master.Self().Endpoint)
	agentAddr := agent.Self()

	require.Eventually(t, func() bool {
		return mrec.lastView().Contains(agentAddr)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, agent.Leave())
	require.Eventually(t, func() bool {
		return !mrec.lastView().Contains(agentAddr)
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, master.Send(agentAddr, []byte("late")), ErrNotInView)
}

func TestHeartbeatSendBeforeJoin(t *testing.T) {
	tr := NewHeartbeatTransport(HeartbeatConfig{
		Self:       types.Address{Host: "m1", Kind: types.NodeKindMaster},
		ListenAddr: "127.0.0.1:0",
	})
	assert.ErrorIs(t, tr.Send(types.Address{Host: "a1", Kind: types.NodeKindAgent}, nil), ErrNotJoined)
	assert.NoError(t, tr.Leave())
}
