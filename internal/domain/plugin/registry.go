package plugin

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/policyd/policyd/internal/domain/policy"
)

// Registry owns every loaded Plugin, indexed by the policy types it
// answers for. It implements policy.TypeValidator so the storage engine
// can validate plugin-typed results without importing this package.
//
// Registry is safe for concurrent use: a mutex-guarded map-of-structs
// directory with Register/Lookup/Descriptions/InvalidateAll, rather than
// any plugin-host-specific machinery.
type Registry struct {
	mu      sync.RWMutex
	byType  map[policy.Type]Plugin
	names   map[policy.Type]string
	logger  *slog.Logger
	ordered []Plugin // registration order, for InvalidateAll
}

// NewRegistry returns an empty Registry. logger must not be nil; pass
// slog.Default() if the caller has no specific logger configured.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		byType: make(map[policy.Type]Plugin),
		names:  make(map[policy.Type]string),
		logger: logger,
	}
}

// Register adds p for every type in its SupportedDescriptions. Per §4.3
// "collisions are logged and the later registration loses": if a type is
// already claimed by a previously registered plugin, that claim is kept,
// this plugin's claim on that single type is dropped, and the collision is
// logged — the rest of p's descriptions still register normally.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()

	registeredAny := false
	for _, d := range p.SupportedDescriptions() {
		if _, ok := r.byType[d.Type]; ok {
			r.logger.Warn("plugin type collision, later registration loses",
				slog.String("type", d.Type.String()),
				slog.String("incoming_name", d.Name),
				slog.String("kept_name", r.names[d.Type]))
			continue
		}
		r.byType[d.Type] = p
		r.names[d.Type] = d.Name
		registeredAny = true
	}
	if registeredAny {
		r.ordered = append(r.ordered, p)
	}
}

// IsRegisteredType implements policy.TypeValidator.
func (r *Registry) IsRegisteredType(t policy.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byType[t]
	return ok
}

// Lookup returns the plugin answering for t, or nil if none is
// registered; per §4.3 "policy types not covered by any plugin are
// treated as DENY when encountered by the resolver fallback", so callers
// encountering a nil here should fall back to DENY rather than error.
func (r *Registry) Lookup(t policy.Type) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[t]
}

// Descriptions returns every registered (type, name) pair across all
// plugins, sorted by type, for admin introspection.
func (r *Registry) Descriptions() []Description {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Description, 0, len(r.names))
	for t, name := range r.names {
		out = append(out, Description{Type: t, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// InvalidateAll calls Invalidate on every distinct registered plugin,
// exactly once each, in registration order. The plugin directory is
// scanned once at startup and never rescanned, and no non-test code calls
// InvalidateAll.
func (r *Registry) InvalidateAll() {
	r.mu.RLock()
	plugins := append([]Plugin(nil), r.ordered...)
	r.mu.RUnlock()

	for _, p := range plugins {
		p.Invalidate()
	}
}
