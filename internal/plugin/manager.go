package plugin

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dcerpc"
)

// State is the lifecycle position of one plugin.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialized State = "initialized"
	StateInstalled   State = "installed"
	StateDisabled    State = "disabled"
	StateFailed      State = "failed"
)

// Status reports one plugin's lifecycle state.
type Status struct {
	Name   string
	Type   string
	State  State
	Error  string
	Module string // shared object the plugin came from; empty when linked in
}

// Manager drives plugins through Init and Install in dependency order.
type Manager struct {
	catalog *Catalog
	origin  func(name string) (string, bool)

	mu       sync.RWMutex
	order    []string
	statuses map[string]*Status
}

func NewManager(c *Catalog) *Manager {
	return &Manager{
		catalog:  c,
		statuses: make(map[string]*Status),
	}
}

// Initialize calls Init on every plugin with its settings. A plugin whose
// settings carry "enabled: false" is skipped; the key is removed before
// Init sees the map.
func (m *Manager) Initialize(settings map[string]map[string]any) error {
	order, err := m.catalog.InstallOrder()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = order

	for _, name := range order {
		p, err := m.catalog.Lookup(name)
		if err != nil {
			return err
		}
		meta := p.Metadata()
		st := &Status{Name: name, Type: meta.Type, State: StateRegistered}
		if m.origin != nil {
			st.Module, _ = m.origin(name)
		}
		m.statuses[name] = st

		cfg := make(map[string]any, len(settings[name]))
		for k, v := range settings[name] {
			cfg[k] = v
		}
		if enabled, ok := cfg["enabled"]; ok {
			delete(cfg, "enabled")
			if b, isBool := enabled.(bool); isBool && !b {
				st.State = StateDisabled
				slog.Info("plugin disabled", "plugin", name)
				continue
			}
		}
		for _, dep := range meta.Dependencies {
			if s := m.statuses[dep]; s == nil || s.State != StateInitialized {
				st.State = StateFailed
				st.Error = fmt.Sprintf("dependency '%s' is not available", dep)
				return fmt.Errorf("%w: plugin '%s': %s", core.ErrPluginInitFailed, name, st.Error)
			}
		}

		if err := p.Init(cfg); err != nil {
			st.State = StateFailed
			st.Error = err.Error()
			return fmt.Errorf("%w: plugin '%s': %w", core.ErrPluginInitFailed, name, err)
		}
		st.State = StateInitialized
		slog.Debug("plugin initialized", "plugin", name, "type", meta.Type)
	}
	return nil
}

// Install registers every initialized plugin with reg.
func (m *Manager) Install(reg *dcerpc.Registry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range m.order {
		st := m.statuses[name]
		if st == nil || st.State != StateInitialized {
			continue
		}
		p, err := m.catalog.Lookup(name)
		if err != nil {
			return err
		}
		if err := p.Install(reg); err != nil {
			st.State = StateFailed
			st.Error = err.Error()
			return fmt.Errorf("plugin '%s' install failed: %w", name, err)
		}
		st.State = StateInstalled
	}
	return nil
}

func (m *Manager) GetStatus(name string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.statuses[name]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", core.ErrPluginNotFound, name)
	}
	return *st, nil
}

// GetAllStatuses returns every plugin's status ordered by name.
func (m *Manager) GetAllStatuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Setup loads, initializes and installs every plugin known to the
// factory registry into reg.
func Setup(loader LoaderConfig, settings map[string]map[string]any, reg *dcerpc.Registry) (*Manager, error) {
	c, err := NewCatalogFromFactories()
	if err != nil {
		return nil, err
	}
	l := NewLoader(loader, c)
	if err := l.Load(); err != nil {
		return nil, err
	}
	for name := range settings {
		if _, err := c.Lookup(name); err != nil {
			return nil, fmt.Errorf("configured plugin: %w", err)
		}
	}
	m := NewManager(c)
	m.origin = l.Origin
	if err := m.Initialize(settings); err != nil {
		return nil, err
	}
	if err := m.Install(reg); err != nil {
		return nil, err
	}
	return m, nil
}
