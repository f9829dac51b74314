package policy

import "testing"

func TestType_Less_PredefinedOrder(t *testing.T) {
	t.Parallel()

	if !Deny.Less(None) {
		t.Error("DENY should be less than NONE")
	}
	if !None.Less(Allow) {
		t.Error("NONE should be less than ALLOW")
	}
	if Allow.Less(None) {
		t.Error("ALLOW should not be less than NONE")
	}
}

func TestType_Less_PluginTypeAlwaysAboveAllow(t *testing.T) {
	t.Parallel()

	// A plugin type with a small numeric tag must still sort above ALLOW.
	plugin := Type(50)
	if !Allow.Less(plugin) {
		t.Errorf("ALLOW should be less than plugin type %v regardless of numeric tag", plugin)
	}
	if plugin.Less(Allow) {
		t.Errorf("plugin type %v should not be less than ALLOW", plugin)
	}
}

func TestType_Less_PluginTypesOrderedByTag(t *testing.T) {
	t.Parallel()

	low, high := Type(10), Type(20)
	if !low.Less(high) {
		t.Error("lower-tagged plugin type should sort before higher-tagged one")
	}
}

func TestType_String(t *testing.T) {
	t.Parallel()

	cases := []struct {
		t    Type
		want string
	}{
		{Deny, "DENY"},
		{None, "NONE"},
		{Allow, "ALLOW"},
		{Bucket, "BUCKET"},
		{Delete, "DELETE"},
		{Type(0x1234), "0x1234"},
	}
	for _, tc := range cases {
		if got := tc.t.String(); got != tc.want {
			t.Errorf("Type(%d).String() = %q, want %q", tc.t, got, tc.want)
		}
	}
}

func TestFeature_MatchesQueryLiteral(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		f     Feature
		query string
		want  bool
	}{
		{"literal matches identical", NewLiteral("alice"), "alice", true},
		{"literal rejects different", NewLiteral("alice"), "bob", false},
		{"wildcard matches anything", NewWildcard(), "anything", true},
		{"any matches anything", NewAny(), "anything", true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.f.matchesQueryLiteral(tc.query); got != tc.want {
				t.Errorf("matchesQueryLiteral(%q) = %v, want %v", tc.query, got, tc.want)
			}
		})
	}
}

func TestKey_Matches(t *testing.T) {
	t.Parallel()

	stored := Key{Client: NewWildcard(), User: NewLiteral("u"), Privilege: NewLiteral("p")}
	if !stored.Matches(NewLiteralKey("anyclient", "u", "p")) {
		t.Error("wildcard client should match any literal query client")
	}
	if stored.Matches(NewLiteralKey("anyclient", "u", "other")) {
		t.Error("literal privilege mismatch should not match")
	}
}

func TestKey_MatchesFilter_WildcardFilterMatchesLiteralStored(t *testing.T) {
	t.Parallel()

	stored := NewLiteralKey("c", "u", "p")
	filter := Key{Client: NewWildcard(), User: NewWildcard(), Privilege: NewWildcard()}
	if !stored.MatchesFilter(filter) {
		t.Error("all-wildcard filter should match every stored key")
	}

	narrow := Key{Client: NewLiteral("other"), User: NewWildcard(), Privilege: NewWildcard()}
	if stored.MatchesFilter(narrow) {
		t.Error("filter naming a different literal client should not match")
	}
}

func TestParseFeature_RoundTripsWithString(t *testing.T) {
	t.Parallel()

	for _, f := range []Feature{NewLiteral("alice"), NewWildcard(), NewAny()} {
		if got := ParseFeature(f.String()); got != f {
			t.Errorf("ParseFeature(%q) = %+v, want %+v", f.String(), got, f)
		}
	}
}

func TestKey_String(t *testing.T) {
	t.Parallel()

	k := Key{Client: NewLiteral("c"), User: NewWildcard(), Privilege: NewAny()}
	if got, want := k.String(), "c;*;**"; got != want {
		t.Errorf("Key.String() = %q, want %q", got, want)
	}
}

func TestInterner_RefcountEvictsOnLastRelease(t *testing.T) {
	t.Parallel()

	i := newInterner()
	a := i.intern("x")
	b := i.intern("x")
	if a != b {
		t.Fatalf("intern should return the same canonical string")
	}
	if got := i.size(); got != 1 {
		t.Fatalf("interner size = %d, want 1", got)
	}
	i.release("x")
	if got := i.size(); got != 1 {
		t.Fatalf("interner size after first release = %d, want 1 (one ref remains)", got)
	}
	i.release("x")
	if got := i.size(); got != 0 {
		t.Fatalf("interner size after second release = %d, want 0", got)
	}
}
