// Package cel implements the bundled CEL policy-expression plugin
// (§4.3 item 2): a statically linked Plugin whose per-policy
// metadata is a CEL boolean expression evaluated against the checked
// key's (client, user, privilege) attributes.
package cel

import (
	"github.com/google/cel-go/cel"

	"github.com/policyd/policyd/internal/domain/policy"
)

// maxExpressionLength bounds a stored expression's length, mirroring the
// teacher's own CEL evaluator safety limit.
const maxExpressionLength = 1024

// maxCostBudget bounds CEL evaluation cost, preventing a pathological
// expression from burning CPU on every check.
const maxCostBudget = 100_000

// newPolicyEnvironment builds the CEL environment policy expressions
// evaluate against: the three PolicyKey attributes, rendered the same
// way the wire codec and on-disk records render them (literal value,
// "*" for wildcard, "**" for any — see policy.Feature.String).
func newPolicyEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("client", cel.StringType),
		cel.Variable("user", cel.StringType),
		cel.Variable("privilege", cel.StringType),
	)
}

// activation builds the CEL variable bindings for one check.
func activation(key policy.Key) map[string]any {
	return map[string]any{
		"client":    key.Client.String(),
		"user":      key.User.String(),
		"privilege": key.Privilege.String(),
	}
}
