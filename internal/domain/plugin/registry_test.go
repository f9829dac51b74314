package plugin

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/policyd/policyd/internal/domain/policy"
)

type stubPlugin struct {
	descs []Description
}

func (s *stubPlugin) SupportedDescriptions() []Description { return s.descs }

func (s *stubPlugin) Check(ctx context.Context, key policy.Key, matched policy.Result) (CheckOutcome, error) {
	return CheckOutcome{Status: AnswerReady, Result: policy.Result{Type: policy.Allow}}, nil
}

func (s *stubPlugin) Update(ctx context.Context, key policy.Key, reply []byte) (policy.Result, error) {
	return policy.Result{Type: policy.Allow}, nil
}

func (s *stubPlugin) IsCacheable(session Session, fresh policy.Result) bool { return true }

func (s *stubPlugin) IsUsable(session, stored Session, result policy.Result) (bool, Session, policy.Result) {
	return true, stored, result
}

func (s *stubPlugin) ToResult(result policy.Result) Code {
	if result.Type == policy.Allow {
		return CodeAllow
	}
	return CodeDeny
}

func (s *stubPlugin) Invalidate() {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	p := &stubPlugin{descs: []Description{{Type: policy.Type(100), Name: "test-plugin"}}}
	r.Register(p)

	if !r.IsRegisteredType(policy.Type(100)) {
		t.Error("type 100 should be registered")
	}
	if r.IsRegisteredType(policy.Type(101)) {
		t.Error("type 101 should not be registered")
	}
	if got := r.Lookup(policy.Type(100)); got != p {
		t.Errorf("Lookup(100) = %v, want %v", got, p)
	}
	if got := r.Lookup(policy.Type(999)); got != nil {
		t.Errorf("Lookup(999) = %v, want nil", got)
	}
}

func TestRegistry_CollisionLaterRegistrationLoses(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	first := &stubPlugin{descs: []Description{{Type: policy.Type(50), Name: "first"}}}
	second := &stubPlugin{descs: []Description{{Type: policy.Type(50), Name: "second"}}}

	r.Register(first)
	r.Register(second)

	if got := r.Lookup(policy.Type(50)); got != first {
		t.Errorf("Lookup(50) after collision = %v, want first-registered plugin", got)
	}
}

func TestRegistry_PartialCollisionStillRegistersDisjointTypes(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	first := &stubPlugin{descs: []Description{{Type: policy.Type(1), Name: "a"}}}
	second := &stubPlugin{descs: []Description{
		{Type: policy.Type(1), Name: "b-collides"},
		{Type: policy.Type(2), Name: "b-unique"},
	}}

	r.Register(first)
	r.Register(second)

	if got := r.Lookup(policy.Type(1)); got != first {
		t.Errorf("Lookup(1) = %v, want first", got)
	}
	if got := r.Lookup(policy.Type(2)); got != second {
		t.Errorf("Lookup(2) = %v, want second (disjoint type should still register)", got)
	}
}

func TestRegistry_Descriptions_SortedByType(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	r.Register(&stubPlugin{descs: []Description{{Type: policy.Type(30), Name: "c"}}})
	r.Register(&stubPlugin{descs: []Description{{Type: policy.Type(10), Name: "a"}, {Type: policy.Type(20), Name: "b"}}})

	got := r.Descriptions()
	if len(got) != 3 {
		t.Fatalf("Descriptions() returned %d entries, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Type > got[i].Type {
			t.Errorf("Descriptions() not sorted by type: %v", got)
		}
	}
}

func TestRegistry_InvalidateAll_CallsEachPluginOnce(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	counts := map[string]int{}
	p1 := &countingPlugin{name: "p1", descs: []Description{{Type: 1, Name: "p1"}}, counts: counts}
	p2 := &countingPlugin{name: "p2", descs: []Description{{Type: 2, Name: "p2"}}, counts: counts}
	r.Register(p1)
	r.Register(p2)

	r.InvalidateAll()

	if counts["p1"] != 1 || counts["p2"] != 1 {
		t.Errorf("InvalidateAll() counts = %v, want each plugin invalidated exactly once", counts)
	}
}

type countingPlugin struct {
	stubPlugin
	name   string
	descs  []Description
	counts map[string]int
}

func (c *countingPlugin) SupportedDescriptions() []Description { return c.descs }
func (c *countingPlugin) Invalidate()                          { c.counts[c.name]++ }
