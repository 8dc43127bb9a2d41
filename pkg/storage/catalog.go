package storage

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/colony/pkg/types"
)

// Catalog is the palette of known services, keyed by name. Auto-configured
// spare nodes receive one replica of every catalogue service.
type Catalog struct {
	mu    sync.RWMutex
	specs map[string]types.ServiceSpec
}

// NewCatalog creates an empty catalogue
func NewCatalog(specs ...types.ServiceSpec) *Catalog {
	c := &Catalog{specs: make(map[string]types.ServiceSpec)}
	for _, s := range specs {
		c.Add(s)
	}
	return c
}

// LoadCatalog reads a YAML map of service name to spec. A missing file
// yields an empty catalogue.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewCatalog(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}

	var raw map[string]types.ServiceSpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	c := NewCatalog()
	for name, spec := range raw {
		spec.Name = name
		c.Add(spec)
	}
	return c, nil
}

// Save writes the catalogue as YAML
func (c *Catalog) Save(path string) error {
	c.mu.RLock()
	raw := make(map[string]types.ServiceSpec, len(c.specs))
	for name, spec := range c.specs {
		raw[name] = spec
	}
	c.mu.RUnlock()

	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to save catalog %s: %w", path, err)
	}
	return nil
}

// Add registers or replaces a service
func (c *Catalog) Add(spec types.ServiceSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.specs[spec.Name] = spec.Clone()
}

// Remove drops a service, reporting whether it was present
func (c *Catalog) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.specs[name]; !ok {
		return false
	}
	delete(c.specs, name)
	return true
}

// Get returns one service by name
func (c *Catalog) Get(name string) (types.ServiceSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.specs[name]
	return spec.Clone(), ok
}

// Specs returns every service sorted by name
func (c *Catalog) Specs() []types.ServiceSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.ServiceSpec, 0, len(c.specs))
	for _, spec := range c.specs {
		out = append(out, spec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Defaults returns the service set given to a new spare node: every
// catalogue service with a single replica.
func (c *Catalog) Defaults() []types.ServiceSpec {
	specs := c.Specs()
	for i := range specs {
		specs[i].Count = 1
	}
	return specs
}
