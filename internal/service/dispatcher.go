// Package service implements the request router/dispatcher (§4.5), the
// agent-delegated check lifecycle (§4.6), and the service-side half of
// the monitor pipeline (§4.7), wiring together the domain packages behind
// the listener.Handler interface.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/policyd/policyd/internal/adapter/inbound/listener"
	"github.com/policyd/policyd/internal/domain/checkctx"
	"github.com/policyd/policyd/internal/domain/link"
	"github.com/policyd/policyd/internal/domain/monitor"
	"github.com/policyd/policyd/internal/domain/plugin"
	"github.com/policyd/policyd/internal/domain/policy"
	"github.com/policyd/policyd/pkg/wire"
)

// dispatchTracer emits one span per routed request, named
// policyd.dispatch.<dialect>. A no-op provider (internal/telemetry.InitTracer
// with tracing disabled) makes every span here free.
var dispatchTracer = otel.Tracer("policyd/service")

// dispatchJob is the single kind of value ever sent on Dispatcher.jobs: a
// decoded request, or a connection-closed notification. Folding both into
// one channel is what lets the dispatcher goroutine serialize every
// mutation of Database, checks and the agent/monitor-subscriber tables
// under a single-threaded-cooperative realization.
type dispatchJob struct {
	request      *listener.Job
	disconnected *listener.Conn
}

// Dispatcher is the single actor that owns every piece of server-side
// mutable state: the policy database, the plugin registry, the
// agent-delegated check table, and the connection/agent/monitor-subscriber
// bookkeeping. Exactly one goroutine (Run) ever touches them: at most one
// goroutine ever mutates the Database, a CheckContext table, or the
// monitor ring.
type Dispatcher struct {
	db       *policy.Database
	registry *plugin.Registry
	router   *plugin.Router
	checks   *checkctx.Table
	monitor  *MonitorService
	metrics  *Metrics
	audit    AuditLevel
	logger   *slog.Logger

	jobs chan dispatchJob

	// conns tracks every live connection by link id, populated lazily as
	// requests arrive, so a CheckContext (which only stores link.ID, to
	// keep the domain layer free of the listener package) can be resolved
	// back to the *listener.Conn that must receive its reply.
	conns        map[link.ID]*listener.Conn
	agentsByType map[string]*listener.Conn
	monitorSubs  map[link.ID]<-chan []monitor.Entry

	nextAgentSeq uint16
}

// NewDispatcher wires the dispatcher against an already-loaded database
// and plugin registry. monitorSvc must already have Start called. audit
// selects which decisions reach the monitor pipeline (AuditAll records
// every decision).
func NewDispatcher(db *policy.Database, registry *plugin.Registry, monitorSvc *MonitorService, metrics *Metrics, audit AuditLevel, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		db:           db,
		registry:     registry,
		router:       plugin.NewRouter(registry),
		checks:       checkctx.NewTable(),
		monitor:      monitorSvc,
		metrics:      metrics,
		audit:        audit,
		logger:       logger,
		jobs:         make(chan dispatchJob),
		conns:        make(map[link.ID]*listener.Conn),
		agentsByType: make(map[string]*listener.Conn),
		monitorSubs:  make(map[link.ID]<-chan []monitor.Entry),
	}
}

// Submit implements listener.Handler. The send blocks until the single
// Run goroutine is ready for it, which is the point: the dispatcher never
// gets ahead of its own serialization guarantee.
func (d *Dispatcher) Submit(job listener.Job) {
	d.jobs <- dispatchJob{request: &job}
}

// Disconnected implements listener.Handler.
func (d *Dispatcher) Disconnected(c *listener.Conn) {
	d.jobs <- dispatchJob{disconnected: c}
}

// Run drains jobs until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-d.jobs:
			d.handle(ctx, j)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, j dispatchJob) {
	if j.disconnected != nil {
		d.handleDisconnect(j.disconnected)
		return
	}
	conn := j.request.Conn
	d.conns[conn.Link.ID] = conn
	d.route(ctx, conn, j.request.Request)
}

func (d *Dispatcher) route(ctx context.Context, conn *listener.Conn, req *wire.Request) {
	ctx, span := dispatchTracer.Start(ctx, "policyd.dispatch."+req.Dialect.String())
	defer span.End()
	ctx = withRequestLogger(ctx, d.logger, string(conn.Link.ID), req.Dialect.String())

	switch req.Dialect {
	case wire.DialectClient:
		d.handleClient(ctx, conn, req)
	case wire.DialectAdmin:
		d.handleAdmin(ctx, conn, req)
	case wire.DialectAgent:
		d.handleAgent(conn, req)
	case wire.DialectMonitorGet:
		d.handleMonitorGet(conn, req)
	}
}

func (d *Dispatcher) observe(dialect, opcode, result string) {
	if d.metrics != nil {
		d.metrics.DispatchTotal.WithLabelValues(dialect, opcode, result).Inc()
	}
}

// handleDisconnect implements the cleanup half of §4.8: a dropped
// requester connection cancels its in-flight checks (sending CANCEL to
// whichever agent was asked to answer each), a dropped agent connection
// cancels every check routed to it and unregisters its agent types, and a
// dropped monitor-get connection stops its subscription.
func (d *Dispatcher) handleDisconnect(c *listener.Conn) {
	delete(d.conns, c.Link.ID)

	for _, cctx := range d.checks.CancelByRequester(c.Link.ID) {
		if agentConn, ok := d.conns[cctx.AgentLink]; ok {
			agentConn.Send(wire.EncodeAgentCancel(d.nextSeq(), cctx.CheckID))
		}
	}
	for _, cctx := range d.checks.CancelByAgentDisconnect(c.Link.ID) {
		d.replyDenyEquivalent(cctx)
	}

	for t, conn := range d.agentsByType {
		if conn.Link.ID == c.Link.ID {
			delete(d.agentsByType, t)
		}
	}

	if _, subscribed := d.monitorSubs[c.Link.ID]; subscribed {
		delete(d.monitorSubs, c.Link.ID)
		d.monitor.Unsubscribe(c.Link.ID)
	}
}

// replyDenyEquivalent implements §4.6's agent-disconnect cancellation:
// "each originator gets a DENY-equivalent reply."
func (d *Dispatcher) replyDenyEquivalent(cctx *checkctx.CheckContext) {
	requesterConn, ok := d.conns[cctx.RequesterLink]
	if !ok {
		return
	}
	requesterConn.Send(wire.EncodeCheckResponse(cctx.RequesterSeq, wire.OpCheck, wire.AccessDenied))
}

func (d *Dispatcher) nextSeq() uint16 {
	d.nextAgentSeq++
	return d.nextAgentSeq
}

// ---- client dialect -------------------------------------------------

func (d *Dispatcher) handleClient(ctx context.Context, conn *listener.Conn, req *wire.Request) {
	switch req.Opcode {
	case wire.OpCheck:
		d.handleCheck(ctx, conn, req.Seq, req.Check.Key, wire.OpCheck)
	case wire.OpCancel:
		d.handleCancel(conn, req.Cancel.RequesterSeq)
	}
}

// handleCheck implements §4.5 item 1. When conn.Cache is non-nil (client
// dialect only, per §4.4), the cache is consulted first: on a hit this
// skips both Database.Resolve and any plugin.Check call entirely, which
// is the whole point of a decision cache. On a miss, Resolve always runs
// before any plugin is consulted, and the cache is updated with whatever
// the resolve-then-check pipeline produced. opcode distinguishes a plain
// client Check (§4.4 cache applies) from an admin-side Check (§4.5 item
// 2, "bypassing the cache" — admin connections never get a Cache, so the
// cache branch below is naturally skipped for them).
func (d *Dispatcher) handleCheck(ctx context.Context, conn *listener.Conn, seq uint16, key policy.Key, opcode byte) {
	dialect := dialectLabel(conn)
	keyStr := key.String()
	// session is the connection's own identity: a fresh link.ID is
	// allocated per connection (link.New, called on every accept) and
	// never reused, so a plugin's IsUsable sees a changed fingerprint
	// exactly when the client has reconnected, even though it stays
	// constant across every check made on one connection (the wire
	// protocol carries no finer-grained, per-request session of its own).
	session := plugin.Session([]byte(conn.Link.ID))

	if conn.Cache != nil {
		if code, ok := conn.Cache.Get(d.router, session, keyStr); ok {
			conn.Send(wire.EncodeCheckResponse(seq, opcode, toWireCode(code)))
			d.recordMonitor(key, code)
			d.observe(dialect, opcodeLabel(conn.Dialect, opcode), "cache_hit")
			return
		}
	}

	resolveStart := time.Now()
	matched, err := d.db.Resolve(key, policy.RootBucketID, true)
	if d.metrics != nil {
		d.metrics.StorageResolveDuration.WithLabelValues(dialect).Observe(time.Since(resolveStart).Seconds())
	}
	if err != nil {
		conn.Send(wire.EncodeCodeResponse(seq, opcode, wire.BucketNotFound))
		d.observe(dialect, opcodeLabel(conn.Dialect, opcode), "error")
		return
	}

	outcome, err := d.router.Check(ctx, key, matched)
	if err != nil {
		loggerFromContext(ctx, d.logger).Error("plugin check failed, replying deny", slog.String("type", matched.Type.String()), slog.Any("error", err))
		conn.Send(wire.EncodeCheckResponse(seq, opcode, wire.AccessDenied))
		d.recordMonitor(key, plugin.CodeDeny)
		d.observe(dialect, opcodeLabel(conn.Dialect, opcode), "plugin_error")
		return
	}

	switch outcome.Status {
	case plugin.AnswerReady:
		code := d.cacheUpdate(conn, session, keyStr, outcome.Result)
		conn.Send(wire.EncodeCheckResponse(seq, opcode, toWireCode(code)))
		d.recordMonitor(key, code)
		d.observe(dialect, opcodeLabel(conn.Dialect, opcode), "ready")

	case plugin.AnswerNotReady:
		d.delegateToAgent(conn, seq, key, matched.Type, outcome)
		d.observe(dialect, opcodeLabel(conn.Dialect, opcode), "delegated")
	}
}

func (d *Dispatcher) cacheUpdate(conn *listener.Conn, session plugin.Session, keyStr string, result policy.Result) plugin.Code {
	if conn.Cache == nil {
		return d.router.ToResult(result)
	}
	return conn.Cache.Update(d.router, session, keyStr, result)
}

// ---- admin dialect ----------------------------------------------------

// handleAdmin implements §4.5 item 2: storage CRUD operations, each
// replying with the dialect's code or list response, plus an admin-side
// Check that bypasses the decision cache (admin connections are never
// given a Cache in the first place, per §4.4 "cache is per-connection"
// scoped to client-dialect links).
func (d *Dispatcher) handleAdmin(ctx context.Context, conn *listener.Conn, req *wire.Request) {
	dialect := dialectLabel(conn)
	label := opcodeLabel(conn.Dialect, req.Opcode)

	switch req.Opcode {
	case wire.OpAdminInsertOrUpdateBucket:
		r := req.AdminInsertOrUpdateBucket
		err := d.db.InsertOrUpdateBucket(r.BucketID, r.Default, d.registry)
		code := adminErrCode(err)
		conn.Send(wire.EncodeCodeResponse(req.Seq, req.Opcode, code))
		d.observe(dialect, label, resultLabel(code))

	case wire.OpAdminRemoveBucket:
		err := d.db.RemoveBucket(req.AdminRemoveBucket.BucketID)
		code := adminErrCode(err)
		conn.Send(wire.EncodeCodeResponse(req.Seq, req.Opcode, code))
		d.observe(dialect, label, resultLabel(code))

	case wire.OpAdminSetPolicies:
		sp := req.AdminSetPolicies
		setReq := policy.SetPoliciesRequest{
			Upsert: make(map[string][]policy.Policy, len(sp.Upserts)),
			Remove: make(map[string][]policy.Key, len(sp.Removals)),
		}
		for _, u := range sp.Upserts {
			setReq.Upsert[u.BucketID] = u.Policies
		}
		for _, rm := range sp.Removals {
			setReq.Remove[rm.BucketID] = rm.Keys
		}
		err := d.db.SetPolicies(setReq, d.registry)
		code := adminErrCode(err)
		conn.Send(wire.EncodeCodeResponse(req.Seq, req.Opcode, code))
		d.observe(dialect, label, resultLabel(code))

	case wire.OpAdminList:
		policies, err := d.db.List(req.AdminList.BucketID, req.AdminList.Filter)
		code := adminErrCode(err)
		conn.Send(wire.EncodeListResponse(req.Seq, req.Opcode, code, policies))
		d.observe(dialect, label, resultLabel(code))

	case wire.OpAdminErase:
		e := req.AdminErase
		err := d.db.Erase(e.BucketID, e.Recursive, e.Filter)
		code := adminErrCode(err)
		conn.Send(wire.EncodeCodeResponse(req.Seq, req.Opcode, code))
		d.observe(dialect, label, resultLabel(code))

	case wire.OpAdminCheck:
		d.handleCheck(ctx, conn, req.Seq, req.AdminCheck.Key, wire.OpAdminCheck)
	}

	if d.metrics != nil {
		d.metrics.StorageBucketCount.Set(float64(len(d.db.BucketIDs())))
	}
}

func adminErrCode(err error) wire.Code {
	switch {
	case err == nil:
		return wire.Success
	case errors.Is(err, policy.ErrBucketNotFound):
		return wire.BucketNotFound
	case errors.Is(err, policy.ErrCannotRemoveRoot),
		errors.Is(err, policy.ErrRootBucketInvalidDefault),
		errors.Is(err, policy.ErrDeleteNotStorable),
		errors.Is(err, policy.ErrResultMetadataNotEmpty),
		errors.Is(err, policy.ErrDanglingBucketLink):
		return wire.InvalidParam
	case errors.Is(err, policy.ErrPluginNotRegistered):
		return wire.OperationNotAllowed
	default:
		return wire.OperationFailed
	}
}

func resultLabel(code wire.Code) string {
	if code == wire.Success || code == wire.AccessAllowed {
		return "ok"
	}
	return "error"
}

// ---- agent dialect ------------------------------------------------------

// handleAgent implements §4.5 items 3-4.
func (d *Dispatcher) handleAgent(conn *listener.Conn, req *wire.Request) {
	dialect := dialectLabel(conn)
	label := opcodeLabel(conn.Dialect, req.Opcode)

	switch req.Opcode {
	case wire.OpAgentRegister:
		agentType := req.AgentRegister.AgentType
		if _, taken := d.agentsByType[agentType]; taken {
			conn.Send(wire.EncodeCodeResponse(req.Seq, req.Opcode, wire.OperationNotAllowed))
			d.observe(dialect, label, "rejected")
			return
		}
		d.agentsByType[agentType] = conn
		conn.Send(wire.EncodeCodeResponse(req.Seq, req.Opcode, wire.Success))
		d.observe(dialect, label, "ok")

	case wire.OpAgentAction:
		d.handleAgentAction(conn, req.AgentAction)
		d.observe(dialect, label, "ok")

	case wire.OpAgentCancel:
		// Service->agent is the only direction CANCEL flows in practice
		// (§4.6); decoded symmetrically for forward compatibility, but an
		// agent rejecting a delegated check outright has no table entry
		// to resolve here today.
		d.observe(dialect, label, "ignored")
	}
}

// handleAgentAction implements the waiting->updating->replied transition
// of §4.6: the agent has replied to a previously delegated check.
func (d *Dispatcher) handleAgentAction(conn *listener.Conn, action *wire.AgentActionRequest) {
	cctx, err := d.checks.BeginUpdate(conn.Link.ID, action.CheckID)
	if err != nil {
		d.logger.Warn("agent action for unknown or already-settled check",
			slog.Uint64("check_id", action.CheckID), slog.Any("error", err))
		return
	}

	owner := d.registry.Lookup(cctx.PluginType)
	if owner == nil {
		d.logger.Error("agent action for a check whose plugin type is no longer registered",
			slog.String("type", cctx.PluginType.String()))
		d.completeAndReply(cctx, policy.Result{Type: policy.Deny})
		return
	}

	result, err := owner.Update(context.Background(), cctx.Key, action.Reply)
	if err != nil {
		d.logger.Error("plugin update failed, replying deny", slog.Any("error", err))
		result = policy.Result{Type: policy.Deny}
	}
	d.completeAndReply(cctx, result)
}

func (d *Dispatcher) completeAndReply(cctx *checkctx.CheckContext, result policy.Result) {
	finished, err := d.checks.Complete(cctx.CheckID)
	if err != nil {
		d.logger.Warn("check already settled before completion", slog.Any("error", err))
		return
	}

	code := d.router.ToResult(result)
	if requesterConn, ok := d.conns[finished.RequesterLink]; ok {
		requesterConn.Send(wire.EncodeCheckResponse(finished.RequesterSeq, wire.OpCheck, toWireCode(code)))
		if requesterConn.Cache != nil {
			requesterConn.Cache.Update(d.router, nil, finished.Key.String(), result)
		}
	}
	d.recordMonitor(finished.Key, code)
}

// ---- monitor-get dialect ------------------------------------------------

// handleMonitorGet implements §4.5 item 5 / §4.7: a per-connection
// subscription to the server-side monitor buffer, with each GetEntries
// request answered by a one-shot goroutine that waits up to the caller's
// timeout for the next flushed batch, mirroring the blocking-fetch-with-
// timeout semantics of the source's client API.
func (d *Dispatcher) handleMonitorGet(conn *listener.Conn, req *wire.Request) {
	dialect := dialectLabel(conn)
	label := opcodeLabel(conn.Dialect, req.Opcode)

	switch req.Opcode {
	case wire.OpMonitorGetEntries:
		ch, ok := d.monitorSubs[conn.Link.ID]
		if !ok {
			ch = d.monitor.Subscribe(conn.Link.ID)
			d.monitorSubs[conn.Link.ID] = ch
		}
		timeout := time.Duration(req.MonitorGetEntries.TimeoutMillis) * time.Millisecond
		go deliverMonitorBatch(conn, req.Seq, ch, timeout)
		d.observe(dialect, label, "ok")

	case wire.OpMonitorFlush:
		d.monitor.Flush()
		conn.Send(wire.EncodeCodeResponse(req.Seq, req.Opcode, wire.Success))
		d.observe(dialect, label, "ok")
	}
}

// deliverMonitorBatch runs off the dispatcher goroutine: it only ever
// touches the connection's own (concurrency-safe) Send queue and a
// channel captured at subscribe time, never the dispatcher's shared
// state, so it cannot violate the single-writer guarantee of §5.
func deliverMonitorBatch(conn *listener.Conn, seq uint16, ch <-chan []monitor.Entry, timeout time.Duration) {
	var batch []monitor.Entry
	if timeout <= 0 {
		select {
		case batch = <-ch:
		default:
		}
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case batch = <-ch:
		case <-timer.C:
		}
	}

	wireEntries := make([]wire.MonitorEntryWire, len(batch))
	for i, e := range batch {
		wireEntries[i] = wire.MonitorEntryWire{
			Key:           e.Key,
			Decision:      uint16(toWireCode(e.Decision)),
			TimestampUnix: uint32(e.At.Unix()),
		}
	}
	conn.Send(wire.EncodeMonitorGetEntriesResponse(seq, wireEntries))
}

// delegateToAgent implements the resolving->waiting transition of §4.6.
// If no agent of the required type is currently registered, the check is
// answered DENY immediately rather than left to hang forever.
func (d *Dispatcher) delegateToAgent(conn *listener.Conn, seq uint16, key policy.Key, pluginType policy.Type, outcome plugin.CheckOutcome) {
	agentConn, ok := d.agentsByType[outcome.RequiredAgentType]
	if !ok {
		d.logger.Warn("no agent registered for required type, denying",
			slog.String("agent_type", outcome.RequiredAgentType))
		conn.Send(wire.EncodeCheckResponse(seq, wire.OpCheck, wire.AccessDenied))
		d.recordMonitor(key, plugin.CodeDeny)
		return
	}

	cctx := d.checks.Create(conn.Link.ID, seq, key, pluginType, agentConn.Link.ID, outcome.AgentData)
	agentConn.Send(wire.EncodeAgentAction(d.nextSeq(), cctx.CheckID, outcome.AgentData))
}

func (d *Dispatcher) handleCancel(conn *listener.Conn, requesterSeq uint16) {
	cctx, err := d.checks.CancelOne(conn.Link.ID, requesterSeq)
	if err != nil {
		// Already replied, or never existed: a harmless race (§4.6
		// "Ordering"), not an error condition for the dispatcher.
		return
	}
	if agentConn, ok := d.conns[cctx.AgentLink]; ok {
		agentConn.Send(wire.EncodeAgentCancel(d.nextSeq(), cctx.CheckID))
	}
}

func (d *Dispatcher) recordMonitor(key policy.Key, code plugin.Code) {
	if !d.audit.shouldRecord(code) {
		return
	}
	d.monitor.Record(monitor.Entry{Key: key, Decision: code, At: time.Now()})
}

func toWireCode(code plugin.Code) wire.Code {
	if code == plugin.CodeAllow {
		return wire.AccessAllowed
	}
	return wire.AccessDenied
}

func dialectLabel(conn *listener.Conn) string {
	switch conn.Dialect {
	case wire.DialectClient:
		return "client"
	case wire.DialectAdmin:
		return "admin"
	case wire.DialectAgent:
		return "agent"
	case wire.DialectMonitorGet:
		return "monitor-get"
	default:
		return "unknown"
	}
}

// opcodeLabel names an opcode for metrics. Each dialect's opcode space
// restarts at 0 (§4.1 "disjoint opcode spaces"), so the byte value alone
// is ambiguous; dialect disambiguates which table to consult.
func opcodeLabel(dialect wire.Dialect, opcode byte) string {
	switch dialect {
	case wire.DialectClient:
		switch opcode {
		case wire.OpCheck:
			return "check"
		case wire.OpCancel:
			return "cancel"
		}
	case wire.DialectAdmin:
		switch opcode {
		case wire.OpAdminInsertOrUpdateBucket:
			return "admin_insert_or_update_bucket"
		case wire.OpAdminRemoveBucket:
			return "admin_remove_bucket"
		case wire.OpAdminSetPolicies:
			return "admin_set_policies"
		case wire.OpAdminList:
			return "admin_list"
		case wire.OpAdminErase:
			return "admin_erase"
		case wire.OpAdminCheck:
			return "admin_check"
		}
	case wire.DialectAgent:
		switch opcode {
		case wire.OpAgentRegister:
			return "agent_register"
		case wire.OpAgentAction:
			return "agent_action"
		case wire.OpAgentCancel:
			return "agent_cancel"
		}
	case wire.DialectMonitorGet:
		switch opcode {
		case wire.OpMonitorGetEntries:
			return "monitor_get_entries"
		case wire.OpMonitorFlush:
			return "monitor_flush"
		}
	}
	return "unknown"
}
