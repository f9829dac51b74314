// Package plugin defines the ABI policy-type handlers implement and the
// registry that owns them (§4.3).
package plugin

import (
	"context"

	"github.com/policyd/policyd/internal/domain/policy"
)

// AnswerStatus reports whether a service-side check produced an immediate
// result or requires agent delegation.
type AnswerStatus uint8

const (
	// AnswerReady means CheckOutcome.Result is the final answer.
	AnswerReady AnswerStatus = iota
	// AnswerNotReady means the caller must delegate to an agent of
	// RequiredAgentType, passing AgentData, and later call Update with the
	// agent's reply.
	AnswerNotReady
)

// CheckOutcome is the result of a service-side Check call.
type CheckOutcome struct {
	Status            AnswerStatus
	Result            policy.Result
	RequiredAgentType string
	AgentData         []byte
}

// Code is the public ALLOW/DENY answer a plugin translates a stored result
// into for a connected client (§4.3 client side, §4.4).
type Code uint8

const (
	CodeDeny Code = iota
	CodeAllow
)

// Session is an opaque per-connection fingerprint a plugin may attach to a
// cached decision and later re-validate or refresh. The core never
// interprets its contents.
type Session []byte

// Description names one policy type a plugin answers for, paired with a
// human-readable name used in logs and admin listings.
type Description struct {
	Type policy.Type
	Name string
}

// Plugin is the ABI a dynamically discovered or bundled policy-type
// handler implements (§4.3). It replaces the source's two-symbol
// (create/destroy) dlopen ABI with a single Go interface: in-process
// registered plugins resolve it via the standard library's plugin
// package, bundled plugins (e.g. the CEL plugin) implement it directly.
type Plugin interface {
	// SupportedDescriptions lists the policy types this plugin answers
	// for, plus a display name for each.
	SupportedDescriptions() []Description

	// Check evaluates (client, user, privilege) service-side against the
	// matched policy (whose metadata carries whatever this plugin type
	// needs — e.g. a CEL expression source), returning either a ready
	// result or a request to delegate to an agent.
	Check(ctx context.Context, key policy.Key, matched policy.Result) (CheckOutcome, error)

	// Update resumes a previously not-ready check with the agent's reply,
	// producing the final result.
	Update(ctx context.Context, key policy.Key, agentReply []byte) (policy.Result, error)

	// IsCacheable reports whether fresh should be stored in the
	// client-side decision cache at all (§4.4 update).
	IsCacheable(session Session, fresh policy.Result) bool

	// IsUsable re-validates a cached entry against the current session,
	// optionally refreshing the session fingerprint (§4.4 get). usable
	// reports whether the cached entry still applies; when it does,
	// updatedSession and updatedResult replace the cache entry's stored
	// values (a no-op refresh returns the inputs unchanged).
	IsUsable(session, storedSession Session, storedResult policy.Result) (usable bool, updatedSession Session, updatedResult policy.Result)

	// ToResult translates a stored policy.Result into the public
	// ALLOW/DENY code returned to the client.
	ToResult(result policy.Result) Code

	// Invalidate is called by Registry.InvalidateAll; a
	// plugin should drop any cached state it privately keeps.
	Invalidate()
}
