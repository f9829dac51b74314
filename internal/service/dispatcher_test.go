package service

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/policyd/policyd/internal/adapter/inbound/listener"
	"github.com/policyd/policyd/internal/domain/plugin"
	"github.com/policyd/policyd/internal/domain/policy"
	"github.com/policyd/policyd/pkg/wire"
)

// dispatcherHarness wires a real Dispatcher behind a real listener.Server
// over Unix sockets in a temp directory, the same shape
// internal/adapter/inbound/listener's own tests use for the listener side,
// applied here end-to-end through the dispatcher.
type dispatcherHarness struct {
	t            *testing.T
	paths        listener.SocketPaths
	monitor      *MonitorService
	cancel       context.CancelFunc
	serveDone    chan struct{}
	dispatchDone chan struct{}
}

func newDispatcherHarness(t *testing.T, audit AuditLevel, plugins ...plugin.Plugin) *dispatcherHarness {
	t.Helper()

	dir := t.TempDir()
	paths := listener.SocketPaths{
		Client:     filepath.Join(dir, "client.sock"),
		Admin:      filepath.Join(dir, "admin.sock"),
		Agent:      filepath.Join(dir, "agent.sock"),
		MonitorGet: filepath.Join(dir, "monitor.sock"),
	}

	db := policy.NewDatabase(policy.Result{Type: policy.Deny})
	registry := plugin.NewRegistry(testLogger())
	for _, p := range plugins {
		registry.Register(p)
	}
	monitorSvc := NewMonitorService(testLogger(), 100, WithSizeLimit(1000), WithTickInterval(5*time.Millisecond))
	monitorSvc.Start()

	dispatcher := NewDispatcher(db, registry, monitorSvc, nil, audit, testLogger())
	srv := listener.NewServer(paths, dispatcher, nil, testLogger(), 100)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	dispatchDone := make(chan struct{})
	go func() {
		_ = dispatcher.Run(ctx)
		close(dispatchDone)
	}()
	go func() {
		_ = srv.Serve(ctx)
		close(serveDone)
	}()

	waitForSocket(t, paths.Client)

	h := &dispatcherHarness{t: t, paths: paths, monitor: monitorSvc, cancel: cancel, serveDone: serveDone, dispatchDone: dispatchDone}
	t.Cleanup(h.close)
	return h
}

func (h *dispatcherHarness) close() {
	h.cancel()
	<-h.serveDone
	<-h.dispatchDone
	h.monitor.Stop()
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("socket %s never became available", path)
}

func dial(t *testing.T, path string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readCodeResponse(t *testing.T, conn net.Conn) wire.Code {
	t.Helper()
	buf := make([]byte, 256)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	frame, _, err := wire.DecodeFrame(buf[:n])
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	r := wire.NewReader(frame.Payload)
	if _, err := r.ReadOpcode(); err != nil {
		t.Fatalf("ReadOpcode: %v", err)
	}
	code, err := r.ReadU16()
	if err != nil {
		t.Fatalf("ReadU16: %v", err)
	}
	return wire.Code(code)
}

func TestDispatcher_ClientCheck_DefaultDenyThenAdminAllow(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newDispatcherHarness(t, AuditAll)

	key := policy.NewLiteralKey("app", "alice", "read")

	client := dial(t, h.paths.Client)
	client.Write(wire.EncodeCheckRequest(1, key))
	if code := readCodeResponse(t, client); code != wire.AccessDenied {
		t.Fatalf("first check = %v, want AccessDenied (default-deny root bucket)", code)
	}

	admin := dial(t, h.paths.Admin)
	admin.Write(wire.EncodeAdminSetPoliciesRequest(1, []wire.PolicyUpsert{
		{BucketID: policy.RootBucketID, Policies: []policy.Policy{{Key: key, Result: policy.Result{Type: policy.Allow}}}},
	}, nil))
	if code := readCodeResponse(t, admin); code != wire.Success {
		t.Fatalf("SetPolicies = %v, want Success", code)
	}

	client.Write(wire.EncodeCheckRequest(2, key))
	if code := readCodeResponse(t, client); code != wire.AccessAllowed {
		t.Fatalf("second check = %v, want AccessAllowed", code)
	}

	// Third check should hit the per-connection cache, same result.
	client.Write(wire.EncodeCheckRequest(3, key))
	if code := readCodeResponse(t, client); code != wire.AccessAllowed {
		t.Fatalf("cached check = %v, want AccessAllowed", code)
	}
}

func TestDispatcher_AdminCRUD_InsertListErase(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newDispatcherHarness(t, AuditAll)
	admin := dial(t, h.paths.Admin)

	admin.Write(wire.EncodeAdminInsertOrUpdateBucketRequest(1, "sub", policy.Result{Type: policy.Deny}))
	if code := readCodeResponse(t, admin); code != wire.Success {
		t.Fatalf("InsertOrUpdateBucket = %v, want Success", code)
	}

	admin.Write(wire.EncodeAdminRemoveBucketRequest(2, "sub"))
	if code := readCodeResponse(t, admin); code != wire.Success {
		t.Fatalf("RemoveBucket = %v, want Success", code)
	}

	admin.Write(wire.EncodeAdminRemoveBucketRequest(3, "nonexistent"))
	if code := readCodeResponse(t, admin); code != wire.BucketNotFound {
		t.Fatalf("RemoveBucket(missing) = %v, want BucketNotFound", code)
	}
}

func TestDispatcher_AuditLevel_GatesMonitorRecording(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newDispatcherHarness(t, AuditDeny)

	key := policy.NewLiteralKey("app", "bob", "read")
	monitorConn := dial(t, h.paths.MonitorGet)
	client := dial(t, h.paths.Client)

	// Establish the monitor subscription before anything is recorded:
	// Flush delivers into a buffered-but-unread channel fine, but the
	// subscription itself must exist first or the batch has nowhere to
	// go (§4.7 "discarded if no subscriber is present").
	monitorConn.Write(wire.EncodeMonitorGetEntriesRequest(1, 50))
	_ = readMonitorEntryCount(t, monitorConn)

	// Root bucket defaults to DENY: this check should be recorded under
	// AuditDeny.
	client.Write(wire.EncodeCheckRequest(1, key))
	if code := readCodeResponse(t, client); code != wire.AccessDenied {
		t.Fatalf("check = %v, want AccessDenied", code)
	}

	monitorConn.Write(wire.EncodeMonitorFlushRequest(2))
	if code := readCodeResponse(t, monitorConn); code != wire.Success {
		t.Fatalf("Flush = %v, want Success", code)
	}

	monitorConn.Write(wire.EncodeMonitorGetEntriesRequest(3, 500))
	if count := readMonitorEntryCount(t, monitorConn); count != 1 {
		t.Fatalf("monitor entries = %d, want 1 (AuditDeny records the DENY decision)", count)
	}
}

func readMonitorEntryCount(t *testing.T, conn net.Conn) int {
	t.Helper()
	buf := make([]byte, 512)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	frame, _, err := wire.DecodeFrame(buf[:n])
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	r := wire.NewReader(frame.Payload)
	if _, err := r.ReadOpcode(); err != nil {
		t.Fatalf("ReadOpcode: %v", err)
	}
	count, err := r.ReadVectorHeader()
	if err != nil {
		t.Fatalf("ReadVectorHeader: %v", err)
	}
	return count
}

// stubAgentPluginType is a plugin-defined policy type (above ALLOW in the
// §4.2 comparison order) used only by stubAgentPlugin below.
const stubAgentPluginType policy.Type = 0x10

const stubAgentType = "stub-agent"

// stubAgentPlugin always delegates to an agent of type stubAgentType,
// translating the agent's raw reply bytes "ALLOW"/anything else into the
// final result, so dispatcher tests can drive the resolving->waiting->
// updating->replied state machine without a real dynamically loaded
// plugin.
type stubAgentPlugin struct{}

func (stubAgentPlugin) SupportedDescriptions() []plugin.Description {
	return []plugin.Description{{Type: stubAgentPluginType, Name: "stub-agent-plugin"}}
}

func (stubAgentPlugin) Check(ctx context.Context, key policy.Key, matched policy.Result) (plugin.CheckOutcome, error) {
	return plugin.CheckOutcome{Status: plugin.AnswerNotReady, RequiredAgentType: stubAgentType, AgentData: []byte("prompt")}, nil
}

func (stubAgentPlugin) Update(ctx context.Context, key policy.Key, agentReply []byte) (policy.Result, error) {
	if string(agentReply) == "ALLOW" {
		return policy.Result{Type: policy.Allow}, nil
	}
	return policy.Result{Type: policy.Deny}, nil
}

func (stubAgentPlugin) IsCacheable(session plugin.Session, fresh policy.Result) bool { return true }

func (stubAgentPlugin) IsUsable(session, storedSession plugin.Session, storedResult policy.Result) (bool, plugin.Session, policy.Result) {
	return true, storedSession, storedResult
}

func (stubAgentPlugin) ToResult(result policy.Result) plugin.Code {
	if result.Type == policy.Allow {
		return plugin.CodeAllow
	}
	return plugin.CodeDeny
}

func (stubAgentPlugin) Invalidate() {}

// readAgentActionDelivery decodes an AgentAction message sent to a
// registered agent connection (either the original delegation or, were it
// ever reused for a reply, the same wire shape), returning the check id
// and opaque data/reply bytes.
func readAgentActionDelivery(t *testing.T, conn net.Conn) (checkID uint64, data []byte) {
	t.Helper()
	buf := make([]byte, 512)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	frame, _, err := wire.DecodeFrame(buf[:n])
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	r := wire.NewReader(frame.Payload)
	opcode, err := r.ReadOpcode()
	if err != nil {
		t.Fatalf("ReadOpcode: %v", err)
	}
	if opcode != wire.OpAgentAction {
		t.Fatalf("opcode = %v, want OpAgentAction", opcode)
	}
	id, err := r.ReadU32()
	if err != nil {
		t.Fatalf("ReadU32: %v", err)
	}
	n2, err := r.ReadVectorHeader()
	if err != nil {
		t.Fatalf("ReadVectorHeader: %v", err)
	}
	data = make([]byte, n2)
	for i := range data {
		b, err := r.ReadU8()
		if err != nil {
			t.Fatalf("ReadU8: %v", err)
		}
		data[i] = b
	}
	return uint64(id), data
}

// readAgentCancelDelivery decodes an AgentCancel message sent to a
// registered agent connection (§4.6 cancellation), returning the check id.
func readAgentCancelDelivery(t *testing.T, conn net.Conn) uint64 {
	t.Helper()
	buf := make([]byte, 512)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	frame, _, err := wire.DecodeFrame(buf[:n])
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	r := wire.NewReader(frame.Payload)
	opcode, err := r.ReadOpcode()
	if err != nil {
		t.Fatalf("ReadOpcode: %v", err)
	}
	if opcode != wire.OpAgentCancel {
		t.Fatalf("opcode = %v, want OpAgentCancel", opcode)
	}
	id, err := r.ReadU32()
	if err != nil {
		t.Fatalf("ReadU32: %v", err)
	}
	return uint64(id)
}

// TestDispatcher_AgentDelegation_ReplyRoutingAndDisconnectCancellation
// drives agent delegation end to end through a real dispatcher: an agent
// registers, a client's check is delegated to it, the agent's reply is
// routed back to the original requester under its original seq, and a
// second delegated check is cancelled toward the agent when its requester
// disconnects before replying.
func TestDispatcher_AgentDelegation_ReplyRoutingAndDisconnectCancellation(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newDispatcherHarness(t, AuditAll, stubAgentPlugin{})

	key := policy.NewLiteralKey("app", "carol", "publish")

	admin := dial(t, h.paths.Admin)
	admin.Write(wire.EncodeAdminSetPoliciesRequest(1, []wire.PolicyUpsert{
		{BucketID: policy.RootBucketID, Policies: []policy.Policy{{Key: key, Result: policy.Result{Type: stubAgentPluginType}}}},
	}, nil))
	if code := readCodeResponse(t, admin); code != wire.Success {
		t.Fatalf("SetPolicies = %v, want Success", code)
	}

	agent := dial(t, h.paths.Agent)
	agent.Write(wire.EncodeAgentRegisterRequest(1, stubAgentType))
	if code := readCodeResponse(t, agent); code != wire.Success {
		t.Fatalf("AgentRegister = %v, want Success", code)
	}

	// Reply routing: client1's check is delegated, the agent answers
	// ALLOW, and the response must reach client1 (not the agent, and
	// under client1's original seq).
	client1 := dial(t, h.paths.Client)
	client1.Write(wire.EncodeCheckRequest(7, key))

	checkID1, data1 := readAgentActionDelivery(t, agent)
	if string(data1) != "prompt" {
		t.Fatalf("agent data = %q, want %q", data1, "prompt")
	}

	agent.Write(wire.EncodeAgentActionRequest(2, checkID1, []byte("ALLOW")))
	if code := readCodeResponse(t, client1); code != wire.AccessAllowed {
		t.Fatalf("client1 check = %v, want AccessAllowed", code)
	}

	// Disconnect cancellation: client2's check is delegated too, but
	// client2 disconnects before the agent replies; the agent must
	// receive an explicit AgentCancel naming that same check id.
	client2 := dial(t, h.paths.Client)
	client2.Write(wire.EncodeCheckRequest(9, key))

	checkID2, _ := readAgentActionDelivery(t, agent)
	client2.Close()

	cancelledID := readAgentCancelDelivery(t, agent)
	if cancelledID != checkID2 {
		t.Fatalf("cancelled check id = %d, want %d", cancelledID, checkID2)
	}
}
