package plugin

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"firestige.xyz/dissect/internal/core"
)

// Factory creates a fresh plugin instance.
type Factory func() Plugin

type factoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func (r *factoryRegistry) register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = make(map[string]Factory)
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("plugin factory '%s' already registered", name)
	}
	r.factories[name] = f
	return nil
}

func (r *factoryRegistry) get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

func (r *factoryRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Reset clears all registrations. For tests.
func (r *factoryRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Factory)
}

var factories factoryRegistry

// Register adds a plugin factory. Built-in plugins call it from init;
// dynamically loaded plugins call it from their exported Register.
func Register(name string, f Factory) {
	if err := factories.register(name, f); err != nil {
		slog.Error("plugin register failed", "plugin", name, "error", err)
		return
	}
	slog.Debug("registered plugin factory", "plugin", name)
}

// GetFactory returns the factory registered under name.
func GetFactory(name string) (Factory, error) {
	f, ok := factories.get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrPluginNotFound, name)
	}
	return f, nil
}

// Names lists registered factories in name order.
func Names() []string {
	return factories.names()
}
