package checkctx

import (
	"testing"

	"github.com/policyd/policyd/internal/domain/link"
	"github.com/policyd/policyd/internal/domain/policy"
)

func TestTable_CreateThenCompleteHappyPath(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	requester := link.NewID()
	agent := link.NewID()
	key := policy.NewLiteralKey("c", "u", "p")

	ctx := tbl.Create(requester, 42, key, policy.Type(100), agent, []byte("opaque"))
	if ctx.State != Waiting {
		t.Fatalf("Create() state = %v, want Waiting", ctx.State)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}

	updating, err := tbl.BeginUpdate(agent, ctx.CheckID)
	if err != nil {
		t.Fatalf("BeginUpdate() error: %v", err)
	}
	if updating.State != Updating {
		t.Errorf("BeginUpdate() state = %v, want Updating", updating.State)
	}

	final, err := tbl.Complete(ctx.CheckID)
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if final.RequesterLink != requester || final.RequesterSeq != 42 {
		t.Errorf("Complete() lost requester identity: got link=%v seq=%d", final.RequesterLink, final.RequesterSeq)
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() after Complete() = %d, want 0", tbl.Len())
	}
}

func TestTable_BeginUpdate_WrongAgentLinkFails(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	requester, agent, impostor := link.NewID(), link.NewID(), link.NewID()
	ctx := tbl.Create(requester, 1, policy.NewLiteralKey("c", "u", "p"), policy.Type(1), agent, nil)

	if _, err := tbl.BeginUpdate(impostor, ctx.CheckID); err != ErrNotFound {
		t.Errorf("BeginUpdate() with wrong agent link error = %v, want ErrNotFound", err)
	}
}

func TestTable_Complete_BeforeUpdateFails(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	ctx := tbl.Create(link.NewID(), 1, policy.NewLiteralKey("c", "u", "p"), policy.Type(1), link.NewID(), nil)

	if _, err := tbl.Complete(ctx.CheckID); err != ErrWrongState {
		t.Errorf("Complete() from Waiting error = %v, want ErrWrongState", err)
	}
}

func TestTable_Complete_ExactlyOnce(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	agent := link.NewID()
	ctx := tbl.Create(link.NewID(), 1, policy.NewLiteralKey("c", "u", "p"), policy.Type(1), agent, nil)
	if _, err := tbl.BeginUpdate(agent, ctx.CheckID); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Complete(ctx.CheckID); err != nil {
		t.Fatalf("first Complete() error: %v", err)
	}
	if _, err := tbl.Complete(ctx.CheckID); err != ErrNotFound {
		t.Errorf("second Complete() error = %v, want ErrNotFound (exactly-one-reply)", err)
	}
}

func TestTable_CancelOne(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	requester, agent := link.NewID(), link.NewID()
	tbl.Create(requester, 7, policy.NewLiteralKey("c", "u", "p"), policy.Type(1), agent, nil)

	cancelled, err := tbl.CancelOne(requester, 7)
	if err != nil {
		t.Fatalf("CancelOne() error: %v", err)
	}
	if cancelled.State != Cancelled {
		t.Errorf("CancelOne() state = %v, want Cancelled", cancelled.State)
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() after CancelOne() = %d, want 0", tbl.Len())
	}
	if _, err := tbl.CancelOne(requester, 7); err != ErrNotFound {
		t.Errorf("CancelOne() on already-cancelled seq error = %v, want ErrNotFound", err)
	}
}

func TestTable_CancelByRequester_CancelsAllInFlight(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	requester, agent := link.NewID(), link.NewID()
	tbl.Create(requester, 1, policy.NewLiteralKey("c1", "u", "p"), policy.Type(1), agent, nil)
	tbl.Create(requester, 2, policy.NewLiteralKey("c2", "u", "p"), policy.Type(1), agent, nil)
	tbl.Create(link.NewID(), 3, policy.NewLiteralKey("c3", "u", "p"), policy.Type(1), agent, nil)

	cancelled := tbl.CancelByRequester(requester)
	if len(cancelled) != 2 {
		t.Fatalf("CancelByRequester() cancelled %d contexts, want 2", len(cancelled))
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() after CancelByRequester() = %d, want 1 (unrelated requester's context survives)", tbl.Len())
	}
}

func TestTable_CancelByAgentDisconnect(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	agentA, agentB := link.NewID(), link.NewID()
	tbl.Create(link.NewID(), 1, policy.NewLiteralKey("c1", "u", "p"), policy.Type(1), agentA, nil)
	tbl.Create(link.NewID(), 2, policy.NewLiteralKey("c2", "u", "p"), policy.Type(1), agentA, nil)
	tbl.Create(link.NewID(), 3, policy.NewLiteralKey("c3", "u", "p"), policy.Type(1), agentB, nil)

	cancelled := tbl.CancelByAgentDisconnect(agentA)
	if len(cancelled) != 2 {
		t.Fatalf("CancelByAgentDisconnect() cancelled %d contexts, want 2", len(cancelled))
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() after CancelByAgentDisconnect() = %d, want 1 (agentB's context survives)", tbl.Len())
	}
}
