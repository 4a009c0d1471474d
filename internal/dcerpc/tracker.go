package dcerpc

import (
	"sync"
	"time"

	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/ndr"
)

// BindRecord is one presentation context negotiated on a flow.
type BindRecord struct {
	Flow      core.FlowKey
	ContextID uint16
	Interface ndr.UUID
	Version   Version
	Frame     uint32
}

// CallRecord follows one call from its request to its response. It carries
// the pointer id watermark shared by both stubs.
type CallRecord struct {
	Flow          core.FlowKey
	CallID        uint32
	ContextID     uint16
	Interface     ndr.UUID
	Version       Version
	Opnum         uint16
	RequestFrame  uint32
	RequestTime   time.Time
	ResponseFrame uint32
	ResponseTime  time.Time
	// Private is free for operation dissectors to carry state from the
	// request to the response.
	Private any

	mu     sync.Mutex
	maxPtr uint32
}

// MaxPointerID returns the highest pointer id seen in the request.
func (r *CallRecord) MaxPointerID() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxPtr
}

// ObservePointerID raises the watermark.
func (r *CallRecord) ObservePointerID(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id > r.maxPtr {
		r.maxPtr = id
	}
}

// ResponseDelay is the time between request and response, or zero.
func (r *CallRecord) ResponseDelay() time.Duration {
	if r.ResponseFrame == 0 || r.RequestTime.IsZero() {
		return 0
	}
	return r.ResponseTime.Sub(r.RequestTime)
}

// callState hides a nil record behind a nil interface.
func callState(r *CallRecord) ndr.CallState {
	if r == nil {
		return nil
	}
	return r
}

type flowCalls struct {
	binds map[uint16]*BindRecord
	calls map[uint32]*CallRecord
}

type memoKey struct {
	frame  uint32
	callID uint32
}

// clCallKey identifies a connectionless call.
type clCallKey struct {
	activity ndr.UUID
	seq      uint32
}

// Tracker matches binds to contexts and requests to responses.
type Tracker struct {
	flows *conversation.Table[*flowCalls]

	mu      sync.Mutex
	memo    map[memoKey]*CallRecord
	clCalls map[clCallKey]*CallRecord
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		flows:   conversation.NewTable[*flowCalls](),
		memo:    make(map[memoKey]*CallRecord),
		clCalls: make(map[clCallKey]*CallRecord),
	}
}

func (t *Tracker) flow(key core.FlowKey) *flowCalls {
	return t.flows.GetOrCreate(key, func() *flowCalls {
		metrics.ConversationsActive.WithLabelValues("dcerpc").Inc()
		return &flowCalls{
			binds: make(map[uint16]*BindRecord),
			calls: make(map[uint32]*CallRecord),
		}
	})
}

// RecordBind binds a context id, replacing any earlier binding of it.
func (t *Tracker) RecordBind(flow core.FlowKey, ctxID uint16, uuid ndr.UUID, v Version, frame uint32) *BindRecord {
	fc := t.flow(flow)
	b := &BindRecord{Flow: flow, ContextID: ctxID, Interface: uuid, Version: v, Frame: frame}

	t.mu.Lock()
	fc.binds[ctxID] = b
	t.mu.Unlock()
	return b
}

// ResolveInterface returns the binding of a context id.
func (t *Tracker) ResolveInterface(flow core.FlowKey, ctxID uint16) (*BindRecord, bool) {
	fc, ok := t.flows.Get(flow)
	if !ok {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := fc.binds[ctxID]
	return b, ok
}

// StartCall creates the record of a call whose first request fragment is in
// frame. It returns the existing record when the same frame starts it again,
// and nil when the context was never bound.
func (t *Tracker) StartCall(flow core.FlowKey, callID uint32, ctxID uint16, opnum uint16, frame uint32, ts time.Time) *CallRecord {
	b, ok := t.ResolveInterface(flow, ctxID)
	if !ok {
		return nil
	}
	fc := t.flow(flow)

	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := fc.calls[callID]; ok && r.RequestFrame == frame {
		return r
	}
	r := &CallRecord{
		Flow:         flow,
		CallID:       callID,
		ContextID:    ctxID,
		Interface:    b.Interface,
		Version:      b.Version,
		Opnum:        opnum,
		RequestFrame: frame,
		RequestTime:  ts,
	}
	fc.calls[callID] = r
	return r
}

// MatchCall returns the current record of (flow, call id).
func (t *Tracker) MatchCall(flow core.FlowKey, callID uint32) *CallRecord {
	fc, ok := t.flows.Get(flow)
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return fc.calls[callID]
}

// Memoize remembers the record resolved for a PDU of frame.
func (t *Tracker) Memoize(frame, callID uint32, r *CallRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.memo[memoKey{frame, callID}] = r
}

// LookupMemo returns the record memoized for a PDU of frame.
func (t *Tracker) LookupMemo(frame, callID uint32) *CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.memo[memoKey{frame, callID}]
}

// ObserveResponse stamps the first response frame of a call.
func (t *Tracker) ObserveResponse(r *CallRecord, frame uint32, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.ResponseFrame == 0 {
		r.ResponseFrame = frame
		r.ResponseTime = ts
	}
}

// StartCLCall creates or returns the record of a connectionless call. The
// binding comes from the header itself.
func (t *Tracker) StartCLCall(h *CLHeader, frame uint32, ts time.Time) *CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := clCallKey{h.Activity, h.Seq}
	if r, ok := t.clCalls[key]; ok {
		return r
	}
	r := &CallRecord{
		CallID:       h.Seq,
		Interface:    h.Interface,
		Version:      h.IfVersion,
		Opnum:        h.Opnum,
		RequestFrame: frame,
		RequestTime:  ts,
	}
	t.clCalls[key] = r
	return r
}

// MatchCLCall returns the record of (activity, sequence number).
func (t *Tracker) MatchCLCall(activity ndr.UUID, seq uint32) *CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clCalls[clCallKey{activity, seq}]
}

// Stats returns the number of flows, calls and memoized PDUs.
func (t *Tracker) Stats() (flows, calls, memo int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flows.Range(func(_ core.FlowKey, fc *flowCalls) bool {
		calls += len(fc.calls)
		return true
	})
	return t.flows.Count(), calls + len(t.clCalls), len(t.memo)
}

// Reset forgets every binding and call.
func (t *Tracker) Reset() {
	metrics.ConversationsActive.WithLabelValues("dcerpc").Sub(float64(t.flows.Count()))
	t.flows.Reset()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.memo = make(map[memoKey]*CallRecord)
	t.clCalls = make(map[clCallKey]*CallRecord)
}
