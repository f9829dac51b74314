// Package policy contains the domain model for bucketed policy storage and
// recursive resolution: the heart of policyd's access-decision engine.
package policy

import "fmt"

// Type is a 16-bit policy type tag. Values outside the predefined set
// are plugin-defined; their meaning is owned by whichever
// plugin registers for that tag.
type Type uint16

// Predefined policy types. Their relative order is load-bearing: it is the
// comparison law used by resolve's propose() step. Plugin-defined types
// compare above ALLOW, ordered by their numeric tag.
const (
	Deny  Type = 0
	None  Type = 1
	Allow Type = 2

	// Bucket redirects evaluation to another bucket; never itself a result
	// the caller observes (resolve always substitutes the sub-bucket's
	// outcome in its place).
	Bucket Type = 0xFFFE
	// Delete is an admin-only marker requesting removal of a policy; it is
	// never stored in a bucket.
	Delete Type = 0xFFFF
)

// Less implements the comparison law DENY < NONE < ALLOW < plugin-types,
// with plugin types ordered by their numeric tag.
func (t Type) Less(other Type) bool {
	return rank(t) < rank(other)
}

// rank maps a Type to its position in the total order. DENY, NONE and
// ALLOW occupy fixed low ranks so that any plugin-defined type (even one
// numerically smaller than them, e.g. tag 50) still sorts after ALLOW,
// per spec: "plugin-types" is its own ordering band above the three
// predefined outcomes.
func rank(t Type) uint32 {
	switch t {
	case Deny:
		return 0
	case None:
		return 1
	case Allow:
		return 2
	default:
		return 3<<16 | uint32(t)
	}
}

// String returns a human-readable name for predefined types and a hex tag
// for everything else, matching the on-disk "0xTYPE" rendering in §6.
func (t Type) String() string {
	switch t {
	case Deny:
		return "DENY"
	case None:
		return "NONE"
	case Allow:
		return "ALLOW"
	case Bucket:
		return "BUCKET"
	case Delete:
		return "DELETE"
	default:
		return fmt.Sprintf("0x%04X", uint16(t))
	}
}

// FeatureKind distinguishes the three ways a PolicyKey feature can be
// stored or queried.
type FeatureKind uint8

const (
	// Literal matches only the identical literal value.
	Literal FeatureKind = iota
	// Wildcard matches any literal value at this position.
	Wildcard
	// Any matches a literal or a wildcard, including an absent feature.
	Any
)

// Feature is one of the three key positions (client, user, privilege). A
// Literal feature carries Value; Wildcard and Any ignore it.
type Feature struct {
	Kind  FeatureKind
	Value string
}

// NewLiteral builds a literal feature.
func NewLiteral(value string) Feature { return Feature{Kind: Literal, Value: value} }

// NewWildcard builds the wildcard feature.
func NewWildcard() Feature { return Feature{Kind: Wildcard} }

// NewAny builds the "any" feature.
func NewAny() Feature { return Feature{Kind: Any} }

// String renders the feature the way policy records are stored on disk
// and on the wire: literal value verbatim, "*" for wildcard, "**" for
// any. ParseFeature is its inverse.
func (f Feature) String() string {
	switch f.Kind {
	case Wildcard:
		return "*"
	case Any:
		return "**"
	default:
		return f.Value
	}
}

// ParseFeature is the inverse of Feature.String, used by the wire codec
// and the on-disk record format to decode a feature from its string
// token.
func ParseFeature(s string) Feature {
	switch s {
	case "*":
		return NewWildcard()
	case "**":
		return NewAny()
	default:
		return NewLiteral(s)
	}
}

// matchesQueryLiteral reports whether a stored feature matches a literal
// query value, per §4.2.1: literal matches literal only, wildcard matches
// any literal, any matches literal or wildcard (queries from real clients
// are always literals, so "or wildcard" never triggers against a query,
// but it governs admin listing/filters which may themselves contain
// wildcards).
func (f Feature) matchesQueryLiteral(query string) bool {
	switch f.Kind {
	case Literal:
		return f.Value == query
	case Wildcard, Any:
		return true
	default:
		return false
	}
}

// matchesQueryFeature reports whether a stored feature matches a query
// feature that may itself be a literal or a wildcard (used by list/erase
// filters, §4.2 CRUD).
func (f Feature) matchesQueryFeature(query Feature) bool {
	if query.Kind == Literal {
		return f.matchesQueryLiteral(query.Value)
	}
	// A wildcard filter position means "match all at that position".
	return true
}

// Key is the PolicyKey triple (client, user, privilege).
type Key struct {
	Client    Feature
	User      Feature
	Privilege Feature
}

// NewLiteralKey builds a key of three literal features, the shape every
// real client query takes.
func NewLiteralKey(client, user, privilege string) Key {
	return Key{
		Client:    NewLiteral(client),
		User:      NewLiteral(user),
		Privilege: NewLiteral(privilege),
	}
}

// Matches reports whether this stored key matches a literal query key.
func (k Key) Matches(query Key) bool {
	return k.Client.matchesQueryLiteral(query.Client.Value) &&
		k.User.matchesQueryLiteral(query.User.Value) &&
		k.Privilege.matchesQueryLiteral(query.Privilege.Value)
}

// MatchesFilter reports whether this stored key matches an admin filter
// key whose positions may themselves be literal or wildcard.
func (k Key) MatchesFilter(filter Key) bool {
	return k.Client.matchesQueryFeature(filter.Client) &&
		k.User.matchesQueryFeature(filter.User) &&
		k.Privilege.matchesQueryFeature(filter.Privilege)
}

// String renders the key as "client;user;privilege" using the feature
// tokens, matching the record layout described in §6.
func (k Key) String() string {
	return k.Client.String() + ";" + k.User.String() + ";" + k.Privilege.String()
}

// Result is the pair (Type, metadata). Metadata is opaque except for
// BUCKET (names the target bucket) and must be empty for DENY/ALLOW.
type Result struct {
	Type     Type
	Metadata string
}

// Policy is a single (Key, Result) pair stored in a bucket, unique by Key
// within that bucket.
type Policy struct {
	Key    Key
	Result Result
}
