package script

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
)

// Bundle is the symbol a handler plugin exports: the callback set of one
// script version, compiled as a Go plugin.
type Bundle interface {
	ScriptID() string
	Handlers() Handlers
}

// LoadPlugins opens every .so under pluginsPath, looks up its exported
// Bundle symbol and registers the callbacks on the registry.
func (r *Registry) LoadPlugins(pluginsPath string) error {
	root := os.DirFS(pluginsPath)

	pluginPathList, err := fs.Glob(root, "**/*.so")
	if err != nil {
		return fmt.Errorf("failed to scan plugins path %s: %w", pluginsPath, err)
	}

	logger := r.logger.With(slog.String("path", pluginsPath))
	logger.Info("Loading handler plugins", "count", len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(pluginsPath + "/" + p)
		if err != nil {
			return fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		symbol, err := plg.Lookup("Bundle")
		if err != nil {
			return fmt.Errorf("plugin %s exports no Bundle symbol: %w", p, err)
		}

		bundle, ok := symbol.(Bundle)
		if !ok {
			return fmt.Errorf("plugin %s Bundle symbol has the wrong type", p)
		}

		r.Register(bundle.ScriptID(), bundle.Handlers())

		logger.Info("Loaded handler plugin", slog.String("plugin", p), slog.String("script_id", bundle.ScriptID()))
	}

	return nil
}
