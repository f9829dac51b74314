package wire

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/policyd/policyd/internal/domain/policy"
)

// framesDecoded and framesRejected are package-level promauto vars,
// self-registered against the default registerer at package init: codec
// registers no separate collector per instance, since ExtractRequest is
// called from the listener package rather than constructed with a handle
// to a specific prometheus.Registerer.
var (
	framesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policyd_codec_frames_decoded_total",
		Help: "Frames successfully decoded by ExtractRequest, by dialect.",
	}, []string{"dialect"})
	framesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policyd_codec_frames_rejected_total",
		Help: "Frames rejected by ExtractRequest as malformed, by dialect.",
	}, []string{"dialect"})
)

var tracer = otel.Tracer("policyd/wire")

// Request is one decoded frame, dialect-qualified. Exactly one of the
// typed payload fields is non-nil, selected by Opcode; which field that
// is depends on Dialect, since the four dialects reuse the same opcode
// byte values for unrelated requests (§4.1 "each dialect owns a disjoint
// opcode space").
type Request struct {
	Dialect Dialect
	Seq     uint16
	Opcode  byte

	Check  *CheckRequest
	Cancel *CancelRequest

	AdminInsertOrUpdateBucket *AdminInsertOrUpdateBucketRequest
	AdminRemoveBucket         *AdminRemoveBucketRequest
	AdminSetPolicies          *AdminSetPoliciesRequest
	AdminList                 *AdminListRequest
	AdminErase                *AdminEraseRequest
	AdminCheck                *CheckRequest

	AgentRegister *AgentRegisterRequest
	AgentAction   *AgentActionRequest
	AgentCancel   *AgentCancelRequest

	MonitorFlush       bool
	MonitorGetEntries  *MonitorGetEntriesRequest
}

// CheckRequest is the client dialect's Check(client,user,privilege).
type CheckRequest struct {
	Key policy.Key
}

// CancelRequest cancels a previously issued Check by its original
// sequence number (§5 "client-async cancel_request(check_id)").
type CancelRequest struct {
	RequesterSeq uint16
}

type AdminInsertOrUpdateBucketRequest struct {
	BucketID string
	Default  policy.Result
}

type AdminRemoveBucketRequest struct {
	BucketID string
}

type PolicyUpsert struct {
	BucketID string
	Policies []policy.Policy
}

type PolicyRemoval struct {
	BucketID string
	Keys     []policy.Key
}

type AdminSetPoliciesRequest struct {
	Upserts  []PolicyUpsert
	Removals []PolicyRemoval
}

type AdminListRequest struct {
	BucketID string
	Filter   policy.Key
}

type AdminEraseRequest struct {
	BucketID  string
	Recursive bool
	Filter    policy.Key
}

// AgentRegisterRequest claims exclusive handling of an agent type
// (§4.5 item 3: "duplicate type -> REJECTED").
type AgentRegisterRequest struct {
	AgentType string
}

// AgentActionRequest is the agent's reply to a delegated check,
// correlated by CheckID (§4.6 waiting->updating).
type AgentActionRequest struct {
	CheckID uint64
	Reply   []byte
}

// AgentCancelRequest is unused on the wire today (CANCEL only flows
// service->agent, §4.6), but decoded symmetrically for forward
// compatibility with an agent that wants to reject a delegated check
// outright instead of replying.
type AgentCancelRequest struct {
	CheckID uint64
}

// MonitorGetEntriesRequest carries the subscriber's blocking-fetch
// timeout in milliseconds (0 = non-blocking poll), per §4.7.
type MonitorGetEntriesRequest struct {
	TimeoutMillis uint32
}

// ExtractRequest consumes one frame from the front of buf if complete,
// decoding it per dialect. It returns (nil, 0, nil) if buf holds no
// complete frame yet (§4.1 "Incomplete... is not an error; the decoder
// retains partial state") — callers should retain buf and wait for more
// bytes. A non-nil error is always ErrInvalidProtocol and is fatal to
// the connection (§4.1, §7 band 3).
func ExtractRequest(buf []byte, dialect Dialect) (*Request, int, error) {
	frame, consumed, err := DecodeFrame(buf)
	if err == ErrIncomplete {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	_, span := tracer.Start(context.Background(), "policyd.codec.decode",
		trace.WithAttributes(attribute.String("dialect", dialect.String())))
	defer span.End()

	req, n, err := decodeFrame(frame, consumed, dialect)
	if err != nil {
		framesRejected.WithLabelValues(dialect.String()).Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, 0, err
	}
	framesDecoded.WithLabelValues(dialect.String()).Inc()
	return req, n, nil
}

func decodeFrame(frame Frame, consumed int, dialect Dialect) (*Request, int, error) {
	r := NewReader(frame.Payload)
	opcode, err := r.ReadOpcode()
	if err != nil {
		return nil, 0, ErrInvalidProtocol
	}

	req := &Request{Dialect: dialect, Seq: frame.Seq, Opcode: opcode}
	if err := decodePayload(req, dialect, opcode, r); err != nil {
		return nil, 0, err
	}
	if r.Remaining() != 0 {
		return nil, 0, ErrInvalidProtocol
	}
	return req, consumed, nil
}

func decodePayload(req *Request, dialect Dialect, opcode byte, r *Reader) error {
	switch dialect {
	case DialectClient:
		return decodeClientPayload(req, opcode, r)
	case DialectAdmin:
		return decodeAdminPayload(req, opcode, r)
	case DialectAgent:
		return decodeAgentPayload(req, opcode, r)
	case DialectMonitorGet:
		return decodeMonitorGetPayload(req, opcode, r)
	default:
		return ErrInvalidProtocol
	}
}

func decodeClientPayload(req *Request, opcode byte, r *Reader) error {
	switch opcode {
	case OpCheck:
		key, err := r.ReadKey()
		if err != nil {
			return err
		}
		req.Check = &CheckRequest{Key: key}
		return nil
	case OpCancel:
		seq, err := r.ReadU16()
		if err != nil {
			return err
		}
		req.Cancel = &CancelRequest{RequesterSeq: seq}
		return nil
	default:
		return ErrInvalidProtocol
	}
}

func decodeAdminPayload(req *Request, opcode byte, r *Reader) error {
	switch opcode {
	case OpAdminInsertOrUpdateBucket:
		id, err := r.ReadString()
		if err != nil {
			return err
		}
		def, err := r.ReadResult()
		if err != nil {
			return err
		}
		req.AdminInsertOrUpdateBucket = &AdminInsertOrUpdateBucketRequest{BucketID: id, Default: def}
		return nil

	case OpAdminRemoveBucket:
		id, err := r.ReadString()
		if err != nil {
			return err
		}
		req.AdminRemoveBucket = &AdminRemoveBucketRequest{BucketID: id}
		return nil

	case OpAdminSetPolicies:
		upserts, err := readPolicyUpserts(r)
		if err != nil {
			return err
		}
		removals, err := readPolicyRemovals(r)
		if err != nil {
			return err
		}
		req.AdminSetPolicies = &AdminSetPoliciesRequest{Upserts: upserts, Removals: removals}
		return nil

	case OpAdminList:
		id, err := r.ReadString()
		if err != nil {
			return err
		}
		filter, err := r.ReadKey()
		if err != nil {
			return err
		}
		req.AdminList = &AdminListRequest{BucketID: id, Filter: filter}
		return nil

	case OpAdminErase:
		id, err := r.ReadString()
		if err != nil {
			return err
		}
		recursive, err := r.ReadBool()
		if err != nil {
			return err
		}
		filter, err := r.ReadKey()
		if err != nil {
			return err
		}
		req.AdminErase = &AdminEraseRequest{BucketID: id, Recursive: recursive, Filter: filter}
		return nil

	case OpAdminCheck:
		key, err := r.ReadKey()
		if err != nil {
			return err
		}
		req.AdminCheck = &CheckRequest{Key: key}
		return nil

	default:
		return ErrInvalidProtocol
	}
}

func readPolicyUpserts(r *Reader) ([]PolicyUpsert, error) {
	n, err := r.ReadVectorHeader()
	if err != nil {
		return nil, err
	}
	out := make([]PolicyUpsert, 0, n)
	for i := 0; i < n; i++ {
		bucketID, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		count, err := r.ReadVectorHeader()
		if err != nil {
			return nil, err
		}
		policies := make([]policy.Policy, 0, count)
		for j := 0; j < count; j++ {
			key, err := r.ReadKey()
			if err != nil {
				return nil, err
			}
			result, err := r.ReadResult()
			if err != nil {
				return nil, err
			}
			policies = append(policies, policy.Policy{Key: key, Result: result})
		}
		out = append(out, PolicyUpsert{BucketID: bucketID, Policies: policies})
	}
	return out, nil
}

func readPolicyRemovals(r *Reader) ([]PolicyRemoval, error) {
	n, err := r.ReadVectorHeader()
	if err != nil {
		return nil, err
	}
	out := make([]PolicyRemoval, 0, n)
	for i := 0; i < n; i++ {
		bucketID, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		count, err := r.ReadVectorHeader()
		if err != nil {
			return nil, err
		}
		keys := make([]policy.Key, 0, count)
		for j := 0; j < count; j++ {
			key, err := r.ReadKey()
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
		out = append(out, PolicyRemoval{BucketID: bucketID, Keys: keys})
	}
	return out, nil
}

func decodeAgentPayload(req *Request, opcode byte, r *Reader) error {
	switch opcode {
	case OpAgentRegister:
		agentType, err := r.ReadString()
		if err != nil {
			return err
		}
		req.AgentRegister = &AgentRegisterRequest{AgentType: agentType}
		return nil

	case OpAgentAction:
		checkID, err := r.ReadU32()
		if err != nil {
			return err
		}
		n, err := r.ReadVectorHeader()
		if err != nil {
			return err
		}
		reply := make([]byte, n)
		for i := range reply {
			b, err := r.readU8()
			if err != nil {
				return err
			}
			reply[i] = b
		}
		req.AgentAction = &AgentActionRequest{CheckID: uint64(checkID), Reply: reply}
		return nil

	case OpAgentCancel:
		checkID, err := r.ReadU32()
		if err != nil {
			return err
		}
		req.AgentCancel = &AgentCancelRequest{CheckID: uint64(checkID)}
		return nil

	default:
		return ErrInvalidProtocol
	}
}

func decodeMonitorGetPayload(req *Request, opcode byte, r *Reader) error {
	switch opcode {
	case OpMonitorGetEntries:
		timeout, err := r.ReadU32()
		if err != nil {
			return err
		}
		req.MonitorGetEntries = &MonitorGetEntriesRequest{TimeoutMillis: timeout}
		return nil

	case OpMonitorFlush:
		req.MonitorFlush = true
		return nil

	default:
		return ErrInvalidProtocol
	}
}

// EncodeCheckRequest encodes a client dialect Check request.
func EncodeCheckRequest(seq uint16, key policy.Key) []byte {
	w := NewWriter(OpCheck)
	w.WriteKey(key)
	return EncodeFrame(seq, w.Bytes())
}

// EncodeCancelRequest encodes a client dialect Cancel request, naming the
// sequence number of the Check being cancelled.
func EncodeCancelRequest(seq uint16, requesterSeq uint16) []byte {
	w := NewWriter(OpCancel)
	w.WriteU16(requesterSeq)
	return EncodeFrame(seq, w.Bytes())
}

// EncodeAdminInsertOrUpdateBucketRequest encodes an admin dialect request.
func EncodeAdminInsertOrUpdateBucketRequest(seq uint16, bucketID string, def policy.Result) []byte {
	w := NewWriter(OpAdminInsertOrUpdateBucket)
	w.WriteString(bucketID)
	w.WriteResult(def)
	return EncodeFrame(seq, w.Bytes())
}

// EncodeAdminRemoveBucketRequest encodes an admin dialect request.
func EncodeAdminRemoveBucketRequest(seq uint16, bucketID string) []byte {
	w := NewWriter(OpAdminRemoveBucket)
	w.WriteString(bucketID)
	return EncodeFrame(seq, w.Bytes())
}

// EncodeAdminSetPoliciesRequest encodes an admin dialect request.
func EncodeAdminSetPoliciesRequest(seq uint16, upserts []PolicyUpsert, removals []PolicyRemoval) []byte {
	w := NewWriter(OpAdminSetPolicies)
	w.WriteVectorHeader(len(upserts))
	for _, u := range upserts {
		w.WriteString(u.BucketID)
		w.WriteVectorHeader(len(u.Policies))
		for _, p := range u.Policies {
			w.WriteKey(p.Key)
			w.WriteResult(p.Result)
		}
	}
	w.WriteVectorHeader(len(removals))
	for _, rm := range removals {
		w.WriteString(rm.BucketID)
		w.WriteVectorHeader(len(rm.Keys))
		for _, k := range rm.Keys {
			w.WriteKey(k)
		}
	}
	return EncodeFrame(seq, w.Bytes())
}

// EncodeAdminListRequest encodes an admin dialect request.
func EncodeAdminListRequest(seq uint16, bucketID string, filter policy.Key) []byte {
	w := NewWriter(OpAdminList)
	w.WriteString(bucketID)
	w.WriteKey(filter)
	return EncodeFrame(seq, w.Bytes())
}

// EncodeAdminEraseRequest encodes an admin dialect request.
func EncodeAdminEraseRequest(seq uint16, bucketID string, recursive bool, filter policy.Key) []byte {
	w := NewWriter(OpAdminErase)
	w.WriteString(bucketID)
	w.WriteBool(recursive)
	w.WriteKey(filter)
	return EncodeFrame(seq, w.Bytes())
}

// EncodeAdminCheckRequest encodes an admin dialect Check-bypassing-cache
// request.
func EncodeAdminCheckRequest(seq uint16, key policy.Key) []byte {
	w := NewWriter(OpAdminCheck)
	w.WriteKey(key)
	return EncodeFrame(seq, w.Bytes())
}

// EncodeAgentRegisterRequest encodes an agent dialect registration request.
func EncodeAgentRegisterRequest(seq uint16, agentType string) []byte {
	w := NewWriter(OpAgentRegister)
	w.WriteString(agentType)
	return EncodeFrame(seq, w.Bytes())
}

// EncodeAgentActionRequest encodes an agent's reply to a delegated check.
func EncodeAgentActionRequest(seq uint16, checkID uint64, reply []byte) []byte {
	return EncodeAgentAction(seq, checkID, reply)
}

// EncodeMonitorGetEntriesRequest encodes a monitor-get dialect fetch request.
func EncodeMonitorGetEntriesRequest(seq uint16, timeoutMillis uint32) []byte {
	w := NewWriter(OpMonitorGetEntries)
	w.WriteU32(timeoutMillis)
	return EncodeFrame(seq, w.Bytes())
}

// EncodeMonitorFlushRequest encodes a monitor-get dialect explicit flush
// request.
func EncodeMonitorFlushRequest(seq uint16) []byte {
	w := NewWriter(OpMonitorFlush)
	return EncodeFrame(seq, w.Bytes())
}

// EncodeCodeResponse encodes a bare CodeResponse(code), the shape used
// by every dialect for simple acknowledgements (§6 "CodeResponse
// codes").
func EncodeCodeResponse(seq uint16, opcode byte, code Code) []byte {
	w := NewWriter(opcode)
	w.WriteU16(uint16(code))
	return EncodeFrame(seq, w.Bytes())
}

// EncodeCheckResponse encodes a CheckResponse carrying the resolved
// code, reusing the requester's original sequence number (§4.5
// "Responses always reuse the requester's original sequence number").
func EncodeCheckResponse(seq uint16, opcode byte, code Code) []byte {
	return EncodeCodeResponse(seq, opcode, code)
}

// EncodeListResponse encodes an admin List response: a code followed by
// the matched policies.
func EncodeListResponse(seq uint16, opcode byte, code Code, policies []policy.Policy) []byte {
	w := NewWriter(opcode)
	w.WriteU16(uint16(code))
	w.WriteVectorHeader(len(policies))
	for _, p := range policies {
		w.WriteKey(p.Key)
		w.WriteResult(p.Result)
	}
	return EncodeFrame(seq, w.Bytes())
}

// EncodeAgentAction encodes an AgentAction delivery to an agent
// connection (§4.6 resolving->waiting); cancellation uses EncodeAgentCancel.
func EncodeAgentAction(seq uint16, checkID uint64, data []byte) []byte {
	w := NewWriter(OpAgentAction)
	w.WriteU32(uint32(checkID))
	w.WriteVectorHeader(len(data))
	for _, b := range data {
		w.WriteU8(b)
	}
	return EncodeFrame(seq, w.Bytes())
}

// EncodeAgentCancel encodes a cancellation delivery to an agent (§4.6
// cancellation): opcode OpAgentCancel followed by the check id, with no
// data field.
func EncodeAgentCancel(seq uint16, checkID uint64) []byte {
	w := NewWriter(OpAgentCancel)
	w.WriteU32(uint32(checkID))
	return EncodeFrame(seq, w.Bytes())
}

// EncodeMonitorGetEntriesResponse encodes a batch of monitor entries
// delivered to a subscriber on flush (§4.7).
func EncodeMonitorGetEntriesResponse(seq uint16, entries []MonitorEntryWire) []byte {
	w := NewWriter(OpMonitorGetEntries)
	w.WriteVectorHeader(len(entries))
	for _, e := range entries {
		w.WriteKey(e.Key)
		w.WriteU16(uint16(e.Decision))
		w.WriteU32(e.TimestampUnix)
	}
	return EncodeFrame(seq, w.Bytes())
}

// MonitorEntryWire is the wire-level shape of a monitor entry: a
// coarse (second-resolution) timestamp rather than the domain's
// time.Time, matching §3 "CLOCK_REALTIME_COARSE timestamp".
type MonitorEntryWire struct {
	Key           policy.Key
	Decision      uint16
	TimestampUnix uint32
}
