/*
Package registry holds the live ServiceDescriptor of every replica.

The registry is readable from any goroutine. The controller is its only
writer and serializes writes through its own lock; the registry lock only
protects the map itself. Values are copied in and out so callers never
share a descriptor with the registry.

# Usage

	reg := registry.New()
	reg.Put(desc)
	reg.Update(id, func(d *types.ServiceDescriptor) { d.State = types.StateRunning })
	running := reg.CountByState()[types.StateRunning]
*/
package registry
