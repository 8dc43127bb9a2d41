/*
Package controller implements the colony master: the single coordinator that
turns the desired cluster configuration into running service replicas.

The controller reconciles three inputs that change independently:

  - the desired state, a list of NodeEntry loaded from a storage.ConfigStore
  - membership views from a membership.Transport
  - status reports sent by node agents

# Descriptors

Every configured replica gets a ServiceDescriptor with identity
host:service:instance, created in state Configured. Descriptors live in a
registry.Registry; readers may query it at any time while all writes go
through the controller lock.

# Launching

LaunchAll picks every descriptor whose node is online, whose state is
launchable (Configured or Inactive) and which is not fatal, moves it to
Launching and sends a command to the owning agent. Running and Launching
descriptors are never picked, so repeated passes send no duplicates.

RequestStart and RequestShutdown act on one descriptor. A manual start is the
only way to clear the fatal flag.

# Startup

Start loads the configuration, joins the group and, on the first start only,
waits for the agents of every configured host to show up in the view:

	┌────────┐   ┌──────┐   ┌──────────────┐   ┌──────────────┐
	│  load  │──>│ join │──>│ wait for view│──>│ lock, launch │
	└────────┘   └──────┘   └──────────────┘   └──────────────┘
	                               │                   ▲
	                      new host seen by the         │ initialized?
	                      auto-configuration path ─────┘ then abort

The wait runs without the lock. When an unknown host joins during the wait
and the auto-configuration policy adds it, that path configures and launches
the whole cluster and marks the controller initialized. Start sees the flag
once it takes the lock and returns without a second launch pass.

# Membership

A host whose agent enters the view is marked online. Hosts without an entry
are offered to the AutoConfigurer. A host that leaves the view goes offline:
its live descriptors become Inactive and a service.down event is published
for each. The policy may then drop an auto-configured host from the desired
state; its descriptors stay in the registry until it returns or the
configuration changes.

# Status reports

Agents report the full descriptor. A report exactly one state behind the
recorded state is stale and ignored. A DeleteInactive report removes the
descriptor from the registry.

# Failure handling

Send failures never surface from the public methods; they are logged and the
descriptor keeps its previous state. Persistence failures roll the desired
state back and are returned to the caller.
*/
package controller
