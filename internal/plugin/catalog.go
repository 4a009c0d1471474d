// Package plugin manages plugin instances: registration by name and type,
// install ordering, configuration and installation into a DCE/RPC
// registry.
package plugin

import (
	"fmt"
	"sort"
	"sync"

	"firestige.xyz/dissect/internal/core"
	plugin "firestige.xyz/dissect/pkg/plugin"
)

// typeRank orders plugin kinds. Security providers install before the
// interface tables so an interface plugin may look up its auth handler.
var typeRank = map[string]int{
	plugin.TypeAuth:      0,
	plugin.TypeInterface: 1,
}

// Catalog holds one instance per plugin name.
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]plugin.Plugin
}

func NewCatalog() *Catalog {
	return &Catalog{byName: make(map[string]plugin.Plugin)}
}

// NewCatalogFromFactories instantiates every registered factory.
func NewCatalogFromFactories() (*Catalog, error) {
	c := NewCatalog()
	if _, err := c.fill(); err != nil {
		return nil, err
	}
	return c, nil
}

// fill instantiates factories that have no instance yet and returns the
// names it added.
func (c *Catalog) fill() ([]string, error) {
	var added []string
	for _, name := range plugin.Names() {
		if c.has(name) {
			continue
		}
		f, err := plugin.GetFactory(name)
		if err != nil {
			return added, err
		}
		if err := c.Add(f()); err != nil {
			return added, err
		}
		added = append(added, name)
	}
	return added, nil
}

func (c *Catalog) has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byName[name]
	return ok
}

// Add stores p under its metadata name.
func (c *Catalog) Add(p plugin.Plugin) error {
	meta := p.Metadata()
	if _, ok := typeRank[meta.Type]; !ok {
		return fmt.Errorf("plugin '%s' has unsupported type '%s'", meta.Name, meta.Type)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.byName[meta.Name]; dup {
		return fmt.Errorf("plugin '%s' already registered", meta.Name)
	}
	c.byName[meta.Name] = p
	return nil
}

func (c *Catalog) Lookup(name string) (plugin.Plugin, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.byName[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", core.ErrPluginNotFound, name)
}

// ByType returns the plugins of one kind ordered by name, or nil when
// there are none.
func (c *Catalog) ByType(kind string) []plugin.Plugin {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []plugin.Plugin
	for _, name := range c.sortedLocked() {
		if p := c.byName[name]; p.Metadata().Type == kind {
			out = append(out, p)
		}
	}
	return out
}

// sortedLocked lists names by type rank, then name.
func (c *Catalog) sortedLocked() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri := typeRank[c.byName[names[i]].Metadata().Type]
		rj := typeRank[c.byName[names[j]].Metadata().Type]
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
	return names
}

// InstallOrder walks the catalog depth first so every plugin follows its
// dependencies. Independent plugins keep the type-then-name order.
func (c *Catalog) InstallOrder() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	const (
		unvisited = iota
		onPath
		done
	)
	mark := make(map[string]int, len(c.byName))
	order := make([]string, 0, len(c.byName))

	var visit func(name string, from string) error
	visit = func(name, from string) error {
		p, ok := c.byName[name]
		if !ok {
			return fmt.Errorf("plugin '%s' has unknown dependency '%s'", from, name)
		}
		switch mark[name] {
		case done:
			return nil
		case onPath:
			return fmt.Errorf("circular dependency detected at plugin '%s'", name)
		}
		mark[name] = onPath
		deps := append([]string(nil), p.Metadata().Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep, name); err != nil {
				return err
			}
		}
		mark[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range c.sortedLocked() {
		if err := visit(name, ""); err != nil {
			return nil, err
		}
	}
	return order, nil
}
