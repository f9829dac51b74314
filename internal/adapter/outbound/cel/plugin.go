package cel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/policyd/policyd/internal/domain/plugin"
	"github.com/policyd/policyd/internal/domain/policy"
)

// PluginType is the policy type this plugin answers for, drawn from the
// reserved high plugin-type range §4.3 sets aside for bundled
// (as opposed to dynamically discovered) plugins: 0xF000-0xF0FF, well
// below BUCKET (0xFFFE) and DELETE (0xFFFF) and above any dynamically
// loaded plugin's expected tag range.
const PluginType policy.Type = 0xF000

// evalTimeout bounds a single evaluation so a pathological expression
// can't hang the dispatcher goroutine.
const evalTimeout = 5 * time.Second

// decisionAllow and decisionDeny are the only two values stored in a
// CheckOutcome's Result.Metadata / in a cached entry's opaque metadata;
// ToResult's whole job is translating between this and plugin.Code.
const (
	decisionAllow = "ALLOW"
	decisionDeny  = "DENY"
)

// ErrUnsupported is returned by Update: this plugin never returns
// AnswerNotReady from Check, so the core never has a reason to call
// Update on it.
var ErrUnsupported = errors.New("cel: plugin never delegates to an agent")

// Plugin evaluates a CEL boolean expression, stored as a policy's
// metadata, against the checked key's attributes. It is always
// synchronous: Check never returns AnswerNotReady.
type Plugin struct {
	env *cel.Env

	mu    sync.Mutex
	cache map[string]cel.Program
}

// New returns a ready-to-register CEL Plugin.
func New() (*Plugin, error) {
	env, err := newPolicyEnvironment()
	if err != nil {
		return nil, fmt.Errorf("cel: build policy environment: %w", err)
	}
	return &Plugin{env: env, cache: make(map[string]cel.Program)}, nil
}

// SupportedDescriptions implements plugin.Plugin.
func (p *Plugin) SupportedDescriptions() []plugin.Description {
	return []plugin.Description{{Type: PluginType, Name: "cel"}}
}

// Check compiles (or reuses a cached compilation of) matched.Metadata as
// a CEL boolean expression and evaluates it against key, always
// returning an immediate (AnswerReady) outcome. The decision is encoded
// into the outcome's metadata, not collapsed to ALLOW/DENY directly, so
// that a later cache hit still routes back to this plugin's ToResult
// (§3 "for plugin types it is opaque plugin data").
func (p *Plugin) Check(ctx context.Context, key policy.Key, matched policy.Result) (plugin.CheckOutcome, error) {
	prg, err := p.compile(matched.Metadata)
	if err != nil {
		return plugin.CheckOutcome{}, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	out, _, err := prg.ContextEval(evalCtx, activation(key))
	if err != nil {
		return plugin.CheckOutcome{}, fmt.Errorf("cel: evaluate %q: %w", matched.Metadata, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return plugin.CheckOutcome{}, fmt.Errorf("cel: expression %q did not return a bool", matched.Metadata)
	}

	decision := decisionDeny
	if allowed {
		decision = decisionAllow
	}
	return plugin.CheckOutcome{
		Status: plugin.AnswerReady,
		Result: policy.Result{Type: PluginType, Metadata: decision},
	}, nil
}

// Update implements plugin.Plugin; always an error, see ErrUnsupported.
func (p *Plugin) Update(ctx context.Context, key policy.Key, agentReply []byte) (policy.Result, error) {
	return policy.Result{}, ErrUnsupported
}

// IsCacheable implements plugin.Plugin: CEL evaluation is a pure
// function of (client, user, privilege), so every fresh decision is
// cacheable regardless of session.
func (p *Plugin) IsCacheable(session plugin.Session, fresh policy.Result) bool {
	return true
}

// IsUsable implements plugin.Plugin: with no session-dependent state, a
// cached entry never goes stale on its own.
func (p *Plugin) IsUsable(session, storedSession plugin.Session, storedResult policy.Result) (bool, plugin.Session, policy.Result) {
	return true, storedSession, storedResult
}

// ToResult implements plugin.Plugin, decoding the decision stashed in
// result.Metadata by Check. An unrecognized metadata value (which should
// never occur for a result this plugin itself produced) fails closed.
func (p *Plugin) ToResult(result policy.Result) plugin.Code {
	if result.Metadata == decisionAllow {
		return plugin.CodeAllow
	}
	return plugin.CodeDeny
}

// Invalidate implements plugin.Plugin, dropping every compiled program
// so a subsequent Check recompiles from the (possibly updated) stored
// expression.
func (p *Plugin) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]cel.Program)
}

func (p *Plugin) compile(expr string) (cel.Program, error) {
	if len(expr) == 0 {
		return nil, fmt.Errorf("cel: empty expression")
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("cel: expression too long: %d bytes (max %d)", len(expr), maxExpressionLength)
	}

	p.mu.Lock()
	if prg, ok := p.cache[expr]; ok {
		p.mu.Unlock()
		return prg, nil
	}
	p.mu.Unlock()

	ast, issues := p.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel: compile %q: %w", expr, issues.Err())
	}
	prg, err := p.env.Program(ast, cel.EvalOptions(cel.OptOptimize), cel.CostLimit(maxCostBudget))
	if err != nil {
		return nil, fmt.Errorf("cel: build program for %q: %w", expr, err)
	}

	p.mu.Lock()
	p.cache[expr] = prg
	p.mu.Unlock()
	return prg, nil
}
