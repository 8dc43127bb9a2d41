package autoconfig

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

// Config controls which membership events may change the desired state
type Config struct {
	// Enabled lets hosts that appear in the view be added as spare nodes
	Enabled bool
	// UnconfigureEnabled lets auto-configured hosts that leave the view be
	// removed again
	UnconfigureEnabled bool
	// Catalog supplies the services of a new spare node. A nil catalogue
	// gives spare nodes no services.
	Catalog *storage.Catalog
}

// Policy decides how membership changes alter the desired configuration. It
// never mutates its input; callers persist whatever it returns.
type Policy struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a policy
func New(cfg Config) *Policy {
	return &Policy{
		cfg:    cfg,
		logger: log.WithComponent("autoconfig"),
	}
}

// Enabled reports whether new hosts are auto-configured
func (p *Policy) Enabled() bool {
	return p.cfg.Enabled
}

// ManagerUp returns the entry to add for a host that joined the view. It
// returns false when auto-configuration is off or the host is already
// configured.
func (p *Policy) ManagerUp(host string, desired []types.NodeEntry) (types.NodeEntry, bool) {
	if !p.cfg.Enabled {
		return types.NodeEntry{}, false
	}
	if indexOf(host, desired) >= 0 {
		return types.NodeEntry{}, false
	}

	var services []types.ServiceSpec
	if p.cfg.Catalog != nil {
		services = p.cfg.Catalog.Defaults()
	}
	entry := types.NodeEntry{
		Host:           host,
		Core:           false,
		AutoConfigured: true,
		Services:       services,
	}

	p.logger.Info().
		Str("host", host).
		Int("services", len(services)).
		Msg("Auto-configuring spare node")
	return entry, true
}

// ManagerDown returns the desired state without host when host was
// auto-configured and auto-unconfiguration is on.
func (p *Policy) ManagerDown(host string, desired []types.NodeEntry) ([]types.NodeEntry, bool) {
	if !p.cfg.UnconfigureEnabled {
		return nil, false
	}
	i := indexOf(host, desired)
	if i < 0 || !desired[i].AutoConfigured {
		return nil, false
	}

	out := make([]types.NodeEntry, 0, len(desired)-1)
	out = append(out, types.CloneEntries(desired[:i])...)
	out = append(out, types.CloneEntries(desired[i+1:])...)

	p.logger.Info().Str("host", host).Msg("Unconfiguring auto-configured node")
	return out, true
}

// PurgeAutoConfigured drops every auto-configured entry. It returns false
// when there was nothing to drop.
func (p *Policy) PurgeAutoConfigured(desired []types.NodeEntry) ([]types.NodeEntry, bool) {
	var out []types.NodeEntry
	var purged []string
	for _, e := range desired {
		if e.AutoConfigured {
			purged = append(purged, e.Host)
			continue
		}
		out = append(out, types.CloneEntries([]types.NodeEntry{e})...)
	}
	if len(purged) == 0 {
		return nil, false
	}

	p.logger.Info().Strs("hosts", purged).Msg("Purged auto-configured nodes")
	return out, true
}

func indexOf(host string, entries []types.NodeEntry) int {
	for i, e := range entries {
		if e.Host == host {
			return i
		}
	}
	return -1
}
