package plugin

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"plugin"
	"sort"
)

type LoadMode string

const (
	StaticMode  LoadMode = "static"  // dissectors linked in through the plugins package
	DynamicMode LoadMode = "dynamic" // dissectors built with -buildmode=plugin
)

type LoaderConfig struct {
	Mode     LoadMode
	Path     string
	Patterns []string // glob patterns under Path, "*.so" when empty
}

// Loader brings shared-object dissector modules into a Catalog. Each
// module exports `Register func() error`, which adds its factories through
// pkg/plugin.Register.
type Loader struct {
	config  LoaderConfig
	catalog *Catalog
	origins map[string]string // plugin name -> module file
}

func NewLoader(config LoaderConfig, catalog *Catalog) *Loader {
	if len(config.Patterns) == 0 {
		config.Patterns = []string{"*.so"}
	}
	return &Loader{
		config:  config,
		catalog: catalog,
		origins: make(map[string]string),
	}
}

// Load opens the modules in dynamic mode and then checks that an install
// order exists.
func (l *Loader) Load() error {
	if l.config.Mode == DynamicMode {
		if err := l.openModules(); err != nil {
			return err
		}
	}
	if _, err := l.catalog.InstallOrder(); err != nil {
		return fmt.Errorf("plugin dependency validation failed: %w", err)
	}
	return nil
}

// Origin reports the module file a plugin came from. Linked-in plugins
// have none.
func (l *Loader) Origin(name string) (string, bool) {
	f, ok := l.origins[name]
	return f, ok
}

func (l *Loader) openModules() error {
	files, err := l.moduleFiles()
	if err != nil {
		return fmt.Errorf("failed to discover plugin files: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no plugin files found in path: %s", l.config.Path)
	}
	for _, file := range files {
		if err := l.open(file); err != nil {
			return fmt.Errorf("failed to load plugin %s: %w", file, err)
		}
	}
	return nil
}

func (l *Loader) moduleFiles() ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range l.config.Patterns {
		glob := filepath.Join(l.config.Path, pattern)
		matches, err := filepath.Glob(glob)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %s: %w", glob, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// open runs one module's Register and instantiates the factories it added.
func (l *Loader) open(file string) error {
	so, err := plugin.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open plugin file %s: %w", file, err)
	}
	sym, err := so.Lookup("Register")
	if err != nil {
		return fmt.Errorf("%s does not export Register: %w", file, err)
	}
	register, ok := sym.(func() error)
	if !ok {
		return fmt.Errorf("%s: Register has type %T, want func() error", file, sym)
	}
	if err := register(); err != nil {
		return fmt.Errorf("%s: register: %w", file, err)
	}

	added, err := l.catalog.fill()
	if err != nil {
		return err
	}
	for _, name := range added {
		l.origins[name] = file
		slog.Info("loaded dissector module", "plugin", name, "file", file)
	}
	return nil
}
