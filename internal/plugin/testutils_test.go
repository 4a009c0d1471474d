package plugin

import (
	"fmt"

	"firestige.xyz/dissect/internal/dcerpc"
	"firestige.xyz/dissect/internal/ndr"
	plugin "firestige.xyz/dissect/pkg/plugin"
)

// MockPlugin records its lifecycle calls.
type MockPlugin struct {
	meta       plugin.Metadata
	initConfig map[string]any
	initCalls  int
	installs   int
	initError  error
	uuid       ndr.UUID
}

func NewMockPlugin(name, pluginType string, deps []string) *MockPlugin {
	return &MockPlugin{
		meta: plugin.Metadata{
			Name:         name,
			Type:         pluginType,
			Version:      "1.0.0",
			Description:  fmt.Sprintf("Mock %s plugin", name),
			Dependencies: deps,
		},
	}
}

func (m *MockPlugin) Metadata() plugin.Metadata { return m.meta }

func (m *MockPlugin) Init(cfg map[string]any) error {
	m.initCalls++
	m.initConfig = cfg
	return m.initError
}

func (m *MockPlugin) Install(reg *dcerpc.Registry) error {
	m.installs++
	if m.uuid.IsZero() {
		return nil
	}
	return reg.RegisterInterface(m.uuid, 1, m.meta.Name, nil)
}
