/*
Package autoconfig decides how membership changes edit the desired state.

An agent host that joins the view without a configured entry becomes a spare
node: ManagerUp returns a new NodeEntry flagged AutoConfigured whose services
come from the catalogue defaults. When such a host leaves, ManagerDown drops
its entry again. Entries written by an operator are never removed.

The policy only computes new entry lists. The controller persists them and
reconciles the registry.

	policy := autoconfig.New(autoconfig.Config{
		Enabled:            true,
		UnconfigureEnabled: true,
		Catalog:            catalog,
	})
*/
package autoconfig
