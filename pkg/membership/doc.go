/*
Package membership provides the group-communication layer that connects the
colony controller to its node agents.

A Transport gives each member three things: a view of the currently
reachable members, ordered view-change notifications, and point-to-point
delivery of opaque payloads. Payloads are fire-and-forget; a failed send is
reported to the caller but never retried.

# Implementations

Hub and LocalTransport keep the whole group in one process. They are used by
tests and by single-binary setups.

HeartbeatTransport runs over gRPC. Every member serves two unary methods on
colony.membership.v1.Membership:

	Heartbeat(BytesValue) BytesValue   CBOR heartbeatFrame in both directions
	Deliver(BytesValue)   Empty        CBOR deliverFrame carrying a payload

Each interval a member pings every endpoint it knows, sending its member
list. Replies carry the peer's list, so starting from one seed a member
learns the rest of the group within a few intervals. A member silent for
longer than FailureTimeout leaves the view; a member that calls Leave tells
its peers so they drop it at once.

# Ordering

View changes and received payloads are each handed to callbacks from a
single goroutine per transport, in arrival order. Payloads sent to the same
member are delivered in send order. Callbacks may call Send without
deadlocking the transport.

# Usage

	hub := membership.NewHub()
	master := hub.Transport(types.Address{Host: "m1", Kind: types.NodeKindMaster})
	master.OnViewChange(func(v types.ClusterView) { ... })
	if err := master.Join(ctx); err != nil {
	    return err
	}
	defer master.Leave()
*/
package membership
