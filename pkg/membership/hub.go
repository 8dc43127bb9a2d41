package membership

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/types"
)

// Hub is an in-process group. Every LocalTransport created from the same hub
// sees the same views. It backs tests and single-binary deployments where
// the controller and agents share a process.
type Hub struct {
	mu      sync.Mutex
	members map[types.Address]*LocalTransport
	version uint64
	logger  zerolog.Logger
}

// NewHub creates an empty group
func NewHub() *Hub {
	return &Hub{
		members: make(map[types.Address]*LocalTransport),
		logger:  log.WithComponent("membership-hub"),
	}
}

// Transport creates a member of the hub. It does not join until Join.
func (h *Hub) Transport(self types.Address) *LocalTransport {
	return &LocalTransport{hub: h, self: self}
}

// View returns the current view of the hub
func (h *Hub) View() types.ClusterView {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.viewLocked()
}

func (h *Hub) viewLocked() types.ClusterView {
	members := make([]types.Address, 0, len(h.members))
	for addr := range h.members {
		members = append(members, addr)
	}
	sortMembers(members)
	return types.ClusterView{Version: h.version, Members: members}
}

func (h *Hub) join(t *LocalTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.members[t.self] = t
	h.version++
	h.broadcastLocked()
	h.logger.Debug().Str("member", t.self.String()).Uint64("version", h.version).Msg("Member joined")
}

func (h *Hub) leave(t *LocalTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.members[t.self] != t {
		return
	}
	delete(h.members, t.self)
	h.version++
	h.broadcastLocked()
	h.logger.Debug().Str("member", t.self.String()).Uint64("version", h.version).Msg("Member left")
}

// broadcastLocked queues the current view on every member. Queuing under the
// hub lock keeps view order identical on every member.
func (h *Hub) broadcastLocked() {
	view := h.viewLocked()
	for _, m := range h.members {
		m.views.push(view)
	}
}

func (h *Hub) deliver(from, to types.Address, payload []byte) error {
	h.mu.Lock()
	target, ok := h.members[to]
	h.mu.Unlock()
	if !ok {
		return ErrNotInView
	}

	data := append([]byte(nil), payload...)
	target.inbox.push(inbound{from: from, payload: data})
	return nil
}

// LocalTransport is a Transport backed by a Hub
type LocalTransport struct {
	hub  *Hub
	self types.Address

	mu     sync.Mutex
	joined bool
	view   types.ClusterView
	views  *dispatcher[types.ClusterView]
	inbox  *dispatcher[inbound]

	callbacks callbacks
}

var _ Transport = (*LocalTransport)(nil)

func (t *LocalTransport) Self() types.Address {
	return t.self
}

func (t *LocalTransport) Join(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.joined {
		t.mu.Unlock()
		return nil
	}
	t.joined = true
	t.views = newDispatcher(func(v types.ClusterView) {
		t.mu.Lock()
		t.view = v
		t.mu.Unlock()
		t.callbacks.fireView(v)
	})
	t.inbox = newDispatcher(t.callbacks.fireMessage)
	t.mu.Unlock()

	t.hub.join(t)
	return nil
}

func (t *LocalTransport) Leave() error {
	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return nil
	}
	t.joined = false
	views, inbox := t.views, t.inbox
	t.mu.Unlock()

	t.hub.leave(t)
	views.close()
	inbox.close()
	return nil
}

func (t *LocalTransport) CurrentView() types.ClusterView {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view
}

func (t *LocalTransport) OnViewChange(fn func(types.ClusterView)) {
	t.callbacks.addView(fn)
}

func (t *LocalTransport) OnMessage(fn func(from types.Address, payload []byte)) {
	t.callbacks.addMessage(fn)
}

func (t *LocalTransport) Send(to types.Address, payload []byte) error {
	t.mu.Lock()
	joined := t.joined
	t.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}
	return t.hub.deliver(t.self, to, payload)
}
