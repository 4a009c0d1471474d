// Package plugin defines the plugin surface: metadata, lifecycle and the
// static factory registry that the plugins tree fills at init time.
package plugin

import "firestige.xyz/dissect/internal/dcerpc"

// Plugin types.
const (
	TypeInterface = "interface" // DCE/RPC operation tables
	TypeAuth      = "auth"      // DCE/RPC security providers
)

type Metadata struct {
	Name         string   `mapstructure:"plugin_name"`
	Type         string   `mapstructure:"plugin_type"`
	Version      string   `mapstructure:"plugin_version"`
	Description  string   `mapstructure:"plugin_description"`
	Dependencies []string `mapstructure:"plugin_dependencies"`
}

// Plugin is the base interface for all plugins. Init receives the
// plugin's settings from the configuration, Install registers the
// plugin's operation tables or auth handlers.
type Plugin interface {
	Metadata() Metadata
	Init(cfg map[string]any) error
	Install(reg *dcerpc.Registry) error
}
