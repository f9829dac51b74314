// Package pluginhost discovers and loads in-process plugins from a
// configured directory (§4.3 item 1): the one place this
// repository falls back to the standard library outright, since no
// third-party Go dynamic-plugin-loading library improves on the standard
// library's own `plugin` package.
package pluginhost

import (
	"fmt"
	"log/slog"
	"path/filepath"
	goplugin "plugin"
	"sort"

	domainplugin "github.com/policyd/policyd/internal/domain/plugin"
)

// NewSymbol is the exported symbol every .so plugin must provide: a
// zero-argument constructor returning a ready-to-register Plugin. This
// is the Go-idiomatic analog of the source's dlopen create/destroy pair
// (§4.3).
const NewSymbol = "New"

// constructor is the function signature NewSymbol must satisfy.
type constructor func() (domainplugin.Plugin, error)

// Host discovers .so files in a directory and loads them into a
// plugin.Registry.
type Host struct {
	dir    string
	logger *slog.Logger
}

// New returns a Host scanning dir for plugins.
func New(dir string, logger *slog.Logger) *Host {
	return &Host{dir: dir, logger: logger}
}

// Discover returns the sorted paths of every *.so file directly inside
// the host's directory. A nonexistent directory is reported as an empty
// result, not an error: a deployment with no dynamic plugins configured
// is the common case, not a misconfiguration.
func (h *Host) Discover() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(h.dir, "*.so"))
	if err != nil {
		return nil, fmt.Errorf("pluginhost: glob %s: %w", h.dir, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Load opens one .so file and resolves its NewSymbol constructor.
func (h *Host) Load(path string) (domainplugin.Plugin, error) {
	p, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pluginhost: open %s: %w", path, err)
	}
	sym, err := p.Lookup(NewSymbol)
	if err != nil {
		return nil, fmt.Errorf("pluginhost: %s: lookup %s: %w", path, NewSymbol, err)
	}
	ctor, ok := sym.(constructor)
	if !ok {
		// A func() domainplugin.Plugin with no error return is also a
		// common, reasonable signature; accept it too.
		ctor2, ok2 := sym.(func() domainplugin.Plugin)
		if !ok2 {
			return nil, fmt.Errorf("pluginhost: %s: %s has unexpected signature", path, NewSymbol)
		}
		ctor = func() (domainplugin.Plugin, error) { return ctor2(), nil }
	}
	instance, err := ctor()
	if err != nil {
		return nil, fmt.Errorf("pluginhost: %s: construct plugin: %w", path, err)
	}
	if instance == nil {
		return nil, fmt.Errorf("pluginhost: %s: %s returned a nil plugin", path, NewSymbol)
	}
	return instance, nil
}

// LoadAll discovers every .so file and registers each successfully
// loaded plugin into reg. A single file failing to load (bad symbol,
// unexpected constructor signature, constructor error, incompatible ABI) is logged and
// skipped rather than aborting the scan — one broken plugin should not
// prevent every other plugin from loading.
func (h *Host) LoadAll(reg *domainplugin.Registry) error {
	paths, err := h.Discover()
	if err != nil {
		return err
	}
	for _, path := range paths {
		p, err := h.Load(path)
		if err != nil {
			h.logger.Error("failed to load plugin, skipping", "path", path, "error", err)
			continue
		}
		reg.Register(p)
		h.logger.Info("loaded plugin", "path", path)
	}
	return nil
}
