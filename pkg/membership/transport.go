package membership

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/cuemby/colony/pkg/types"
)

// ErrNotInView is returned by Send when the target is not a current member.
// Callers treat it the same as an unreachable member.
var ErrNotInView = errors.New("address not in current view")

// ErrNotJoined is returned when a transport is used before Join or after Leave
var ErrNotJoined = errors.New("transport has not joined the group")

// Transport is the group-communication layer between the controller and the
// node agents.
type Transport interface {
	// Self returns this member's address
	Self() types.Address
	// Join connects to the group; the first view change follows
	Join(ctx context.Context) error
	// Leave disconnects; no callbacks run after it returns
	Leave() error
	// CurrentView returns the latest known view
	CurrentView() types.ClusterView
	// OnViewChange registers a callback run for every new view
	OnViewChange(fn func(types.ClusterView))
	// OnMessage registers a callback run for every payload received
	OnMessage(fn func(from types.Address, payload []byte))
	// Send delivers payload to one member, fire-and-forget
	Send(to types.Address, payload []byte) error
}

type inbound struct {
	from    types.Address
	payload []byte
}

// dispatcher runs handle for queued items on a single goroutine, in push
// order. Pushes never block.
type dispatcher[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
	done   chan struct{}
	handle func(T)
}

func newDispatcher[T any](handle func(T)) *dispatcher[T] {
	d := &dispatcher[T]{
		handle: handle,
		done:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher[T]) push(item T) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.items = append(d.items, item)
	d.cond.Signal()
	return true
}

// close stops the dispatcher once queued items have been handled
func (d *dispatcher[T]) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
}

func (d *dispatcher[T]) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.items) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.items) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		item := d.items[0]
		d.items = d.items[1:]
		d.mu.Unlock()

		d.handle(item)
	}
}

// callbacks holds the registered view and message handlers of a transport
type callbacks struct {
	mu       sync.RWMutex
	views    []func(types.ClusterView)
	messages []func(types.Address, []byte)
}

func (c *callbacks) addView(fn func(types.ClusterView)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views = append(c.views, fn)
}

func (c *callbacks) addMessage(fn func(types.Address, []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, fn)
}

func (c *callbacks) fireView(view types.ClusterView) {
	c.mu.RLock()
	fns := slices.Clone(c.views)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(view)
	}
}

func (c *callbacks) fireMessage(msg inbound) {
	c.mu.RLock()
	fns := slices.Clone(c.messages)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(msg.from, msg.payload)
	}
}

// sortMembers orders addresses by kind, host and endpoint so that views are
// stable across members.
func sortMembers(members []types.Address) {
	sort.Slice(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		return a.Endpoint < b.Endpoint
	})
}
