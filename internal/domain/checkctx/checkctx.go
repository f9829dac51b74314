// Package checkctx implements the agent-delegated check lifecycle state
// machine of §4.6: resolving → waiting → updating → replied, plus
// cancellation.
package checkctx

import (
	"errors"
	"sync"

	"github.com/policyd/policyd/internal/domain/link"
	"github.com/policyd/policyd/internal/domain/policy"
)

// State is a CheckContext's position in the §4.6 state machine. Resolving
// is not itself represented in the Table: a context is only allocated at
// the resolving→waiting transition, once a plugin has returned
// ANSWER_NOTREADY.
type State uint8

const (
	Waiting State = iota
	Updating
	Replied
	Cancelled
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Updating:
		return "updating"
	case Replied:
		return "replied"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	// ErrNotFound is returned when a check id, or an (agent link, check
	// id) pair, names no in-flight context — including the case where it
	// already received its one reply and was removed.
	ErrNotFound = errors.New("checkctx: context not found")
	// ErrWrongState is returned when a transition is attempted from a
	// state that does not permit it (e.g. completing a context still in
	// Waiting, or beginning an update on one already Updating).
	ErrWrongState = errors.New("checkctx: invalid state transition")
)

// CheckContext is the bookkeeping record for one in-flight delegated
// check (§4.6). Fields are set at creation and never mutated except
// State, which Table guards under its own lock.
type CheckContext struct {
	CheckID uint64

	RequesterLink link.ID
	RequesterSeq  uint16
	Key           policy.Key
	PluginType    policy.Type

	AgentLink link.ID
	AgentData []byte

	State State
}

// Table owns every in-flight CheckContext, indexed for the three lookups
// the dispatcher needs: by check id alone (waiting→updating lookup is
// scoped to (agent_link, check_id), so this index also checks AgentLink),
// by requester link (cancellation on requester disconnect), and by agent
// link (cancellation on agent disconnect).
type Table struct {
	mu      sync.Mutex
	byID    map[uint64]*CheckContext
	nextID  uint64
	byReq   map[link.ID]map[uint64]struct{}
	byAgent map[link.ID]map[uint64]struct{}
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{
		byID:    make(map[uint64]*CheckContext),
		byReq:   make(map[link.ID]map[uint64]struct{}),
		byAgent: make(map[link.ID]map[uint64]struct{}),
	}
}

// Create implements the resolving→waiting transition: it allocates a
// fresh check id from the table-local sequence generator and stores the
// new context in Waiting state.
func (t *Table) Create(requesterLink link.ID, requesterSeq uint16, key policy.Key, pluginType policy.Type, agentLink link.ID, agentData []byte) *CheckContext {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	ctx := &CheckContext{
		CheckID:       t.nextID,
		RequesterLink: requesterLink,
		RequesterSeq:  requesterSeq,
		Key:           key,
		PluginType:    pluginType,
		AgentLink:     agentLink,
		AgentData:     agentData,
		State:         Waiting,
	}
	t.byID[ctx.CheckID] = ctx
	t.index(t.byReq, requesterLink, ctx.CheckID)
	t.index(t.byAgent, agentLink, ctx.CheckID)
	return ctx
}

// BeginUpdate implements waiting→updating: the agent has replied for
// (agentLink, checkID). Returns the context (now in Updating) so the
// caller can invoke the owning plugin's Update.
func (t *Table) BeginUpdate(agentLink link.ID, checkID uint64) (*CheckContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, ok := t.byID[checkID]
	if !ok || ctx.AgentLink != agentLink {
		return nil, ErrNotFound
	}
	if ctx.State != Waiting {
		return nil, ErrWrongState
	}
	ctx.State = Updating
	return ctx, nil
}

// Complete implements updating→replied: the plugin has produced a final
// PolicyResult. The context is removed from the table; the caller is
// responsible for emitting CheckResponse to ctx.RequesterLink with
// ctx.RequesterSeq, satisfying "exactly one reply per accepted request."
func (t *Table) Complete(checkID uint64) (*CheckContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, ok := t.byID[checkID]
	if !ok {
		return nil, ErrNotFound
	}
	if ctx.State != Updating {
		return nil, ErrWrongState
	}
	ctx.State = Replied
	t.remove(ctx)
	return ctx, nil
}

// CancelByRequester cancels every context whose requester is
// requesterLink — used both for an explicit Cancel(seq) (pass the
// specific check id via CancelOne instead) and for a requester
// disconnect, which cancels all of that requester's in-flight checks at
// once. The caller must send AgentAction{CANCEL} to each returned
// context's AgentLink.
func (t *Table) CancelByRequester(requesterLink link.ID) []*CheckContext {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.byReq[requesterLink]
	out := make([]*CheckContext, 0, len(ids))
	for id := range ids {
		ctx := t.byID[id]
		ctx.State = Cancelled
		out = append(out, ctx)
	}
	for _, ctx := range out {
		t.remove(ctx)
	}
	return out
}

// CancelOne cancels the single in-flight context matching requesterLink
// and requesterSeq (an explicit Cancel(seq) request). Returns ErrNotFound
// if no such context exists — including the common race where the reply
// already went out before the cancel arrived, which is not an error
// condition for the dispatcher, merely a no-op.
func (t *Table) CancelOne(requesterLink link.ID, requesterSeq uint16) (*CheckContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range t.byReq[requesterLink] {
		ctx := t.byID[id]
		if ctx.RequesterSeq == requesterSeq {
			ctx.State = Cancelled
			t.remove(ctx)
			return ctx, nil
		}
	}
	return nil, ErrNotFound
}

// CancelByAgentDisconnect cancels every context routed to agentLink —
// used when the agent connection drops during Waiting or Updating. Per
// §4.6, "each originator gets a DENY-equivalent reply"; the caller maps
// each returned context to that reply rather than forwarding a CANCEL
// (there is no agent left to receive one).
func (t *Table) CancelByAgentDisconnect(agentLink link.ID) []*CheckContext {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.byAgent[agentLink]
	out := make([]*CheckContext, 0, len(ids))
	for id := range ids {
		ctx := t.byID[id]
		ctx.State = Cancelled
		out = append(out, ctx)
	}
	for _, ctx := range out {
		t.remove(ctx)
	}
	return out
}

// Len reports the number of in-flight contexts, for tests and metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

func (t *Table) index(idx map[link.ID]map[uint64]struct{}, l link.ID, checkID uint64) {
	set, ok := idx[l]
	if !ok {
		set = make(map[uint64]struct{})
		idx[l] = set
	}
	set[checkID] = struct{}{}
}

// remove deletes ctx from every index. Caller must hold t.mu.
func (t *Table) remove(ctx *CheckContext) {
	delete(t.byID, ctx.CheckID)
	if set, ok := t.byReq[ctx.RequesterLink]; ok {
		delete(set, ctx.CheckID)
		if len(set) == 0 {
			delete(t.byReq, ctx.RequesterLink)
		}
	}
	if set, ok := t.byAgent[ctx.AgentLink]; ok {
		delete(set, ctx.CheckID)
		if len(set) == 0 {
			delete(t.byAgent, ctx.AgentLink)
		}
	}
}
