package plugin

import (
	"context"
	"errors"

	"github.com/policyd/policyd/internal/domain/policy"
)

// ErrRouterUpdateUnsupported is returned by Router.Update, which should
// never be called: the agent-delegated check lifecycle resumes through
// the concrete Plugin recorded in the CheckContext, not through the
// Router.
var ErrRouterUpdateUnsupported = errors.New("plugin: Router.Update is unsupported; resume via the owning plugin")

// Router adapts a Registry into a single Plugin, dispatching every method
// to the plugin actually owning a given policy.Result's Type. This is what
// lets domain/cache.Cache accept a single Plugin value per call without
// the caller first having to resolve which concrete plugin owns a cached
// entry — the whole reason the cache can skip bucket resolution on a hit.
// DENY and ALLOW, which no plugin registers for, are handled directly.
type Router struct {
	Registry *Registry
}

// NewRouter wraps reg as a Plugin.
func NewRouter(reg *Registry) *Router {
	return &Router{Registry: reg}
}

func (r *Router) owner(t policy.Type) Plugin {
	if t == policy.Allow || t == policy.Deny {
		return nil
	}
	return r.Registry.Lookup(t)
}

// SupportedDescriptions is not meaningful for a Router; it is never
// registered into a Registry itself.
func (r *Router) SupportedDescriptions() []Description { return nil }

func (r *Router) Check(ctx context.Context, key policy.Key, matched policy.Result) (CheckOutcome, error) {
	if owner := r.owner(matched.Type); owner != nil {
		return owner.Check(ctx, key, matched)
	}
	return CheckOutcome{Status: AnswerReady, Result: matched}, nil
}

func (r *Router) Update(ctx context.Context, key policy.Key, agentReply []byte) (policy.Result, error) {
	// Update is always invoked through the owning plugin directly by the
	// agent-delegated check lifecycle (the dispatcher already holds the
	// concrete Plugin from the CheckContext's PluginType), never through
	// the Router.
	return policy.Result{}, ErrRouterUpdateUnsupported
}

// IsCacheable delegates to fresh.Type's owner; DENY/ALLOW are always
// cacheable, matching the predefined types' lack of session state.
func (r *Router) IsCacheable(session Session, fresh policy.Result) bool {
	if owner := r.owner(fresh.Type); owner != nil {
		return owner.IsCacheable(session, fresh)
	}
	return true
}

// IsUsable delegates to storedResult.Type's owner; DENY/ALLOW never go
// stale on their own.
func (r *Router) IsUsable(session, storedSession Session, storedResult policy.Result) (bool, Session, policy.Result) {
	if owner := r.owner(storedResult.Type); owner != nil {
		return owner.IsUsable(session, storedSession, storedResult)
	}
	return true, storedSession, storedResult
}

// ToResult delegates to result.Type's owner; DENY/ALLOW translate
// directly.
func (r *Router) ToResult(result policy.Result) Code {
	if owner := r.owner(result.Type); owner != nil {
		return owner.ToResult(result)
	}
	if result.Type == policy.Allow {
		return CodeAllow
	}
	return CodeDeny
}

// Invalidate is a no-op: InvalidateAll already visits every real plugin
// directly, and the Router holds no state of its own.
func (r *Router) Invalidate() {}
