/*
Package storage persists Colony's desired cluster configuration.

The controller only depends on the ConfigStore interface:

	type ConfigStore interface {
		Load() ([]types.NodeEntry, error)
		Save(entries []types.NodeEntry) error
	}

Every implementation validates entries before writing (unique hosts, unique
service names per host) and leaves the stored state untouched when a save
fails, which lets the controller roll its in-memory state back to the last
value that was actually persisted.

# Implementations

FileStore keeps the configuration in a YAML document that operators can edit
by hand:

	nodes:
	  - host: worker-1
	    core: true
	    services:
	      - name: detector
	        command: /opt/app/bin/detector
	        count: 2

Writes go to a temporary file that is renamed over the original, so readers
never see a partial document.

BoltStore keeps the same data in a bbolt database (<dataDir>/colony.db):

	nodes     position (uint64, big endian) -> NodeEntry JSON
	catalog   service name -> ServiceSpec JSON
	meta      saved_at -> RFC 3339 timestamp

Keys in the nodes bucket are positions, so iteration returns entries in save
order. Save replaces the whole bucket in one transaction.

MemoryStore holds the configuration in process memory. It backs tests and
single-process demos.

# Catalogue

Catalog is the palette of services an operator can place on hosts. When
auto-configuration adds a spare node, the node receives Catalog.Defaults():
one replica of every catalogue service. The catalogue is loaded from YAML
(LoadCatalog) or from the BoltStore catalog bucket.
*/
package storage
