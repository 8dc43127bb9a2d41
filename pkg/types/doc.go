/*
Package types defines the data model shared by every Colony component.

Colony keeps a desired configuration (which services run on which hosts)
and a live view of the cluster (which replicas actually run). This package
holds the structures for both sides, plus the messages exchanged between the
controller and node agents.

# Desired State

The desired configuration is an ordered list of NodeEntry values. Each entry
names a host, whether it is a core (statically configured) or spare node,
whether it was added by auto-configuration, and its ordered ServiceSpec list:

	- host: worker-1
	  core: true
	  services:
	    - name: detector
	      command: ${APP_HOME}/bin/detector
	      args: ["--queue frames"]
	      count: 2
	      env:
	        - key: LD_LIBRARY_PATH
	          value: ${APP_HOME}/lib
	          sep: ":"

ValidateEntries rejects duplicate hosts and duplicate service names on one
host. Online is maintained at runtime by the controller and never persisted.

# Live State

A ServiceDescriptor exists for every replica. Its identity is composed by
DescriptorID as host:service:instance, with instances numbered from 1:

	id := types.DescriptorID("worker-1", "detector", 2) // "worker-1:detector:2"

# State Machine

Replicas move through the states below. The numeric order matters:
a report one step behind the recorded state is stale (see IsStale).

	Configured ─▶ Launching ─▶ Running ─▶ ShuttingDown ──────────▶ Inactive
	                  ▲                 └▶ ShuttingDownNoRestart ─▶ InactiveNoStart
	                  │                 └▶ Delete ────────────────▶ DeleteInactive
	                  └──── Inactive / Configured / Delete (re-add)

DeleteInactive means the replica is ready to be removed from the registry.
A replica with Fatal set is never launched automatically.

# Membership

Address is the typed identity of a cluster member (host, kind, endpoint) and
ClusterView the versioned set of reachable members.

# Messages

Message carries either a ServiceCommand (controller to agent) or a
ServiceStatus (agent to controller). Each message has a unique id.
*/
package types
