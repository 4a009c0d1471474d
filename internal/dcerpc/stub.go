package dcerpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/ndr"
	"firestige.xyz/dissect/internal/wire"
)

// stubCall is everything needed to hand one stub to its operation.
type stubCall struct {
	data    *wire.Buffer
	base    int // Offset of data within the PDU, for display
	order   binary.ByteOrder
	request bool
	iface   *Interface
	opnum   uint16
	call    *CallRecord
	object  ndr.UUID
	auth    *AuthInfo
	ptype   PacketType
	callID  uint32
}

func (s *stubCall) context(pinfo *core.PacketInfo) CallContext {
	if s.request {
		return &RequestContext{Call: s.call, Interface: s.iface, Opnum: s.opnum, Object: s.object, Pinfo: pinfo}
	}
	return &ResponseContext{Call: s.call, Interface: s.iface, Opnum: s.opnum, Pinfo: pinfo}
}

// decrypt returns the plaintext of a privacy protected stub, or nil when no
// handler can decrypt it.
func (d *Dissector) decrypt(s *stubCall, pinfo *core.PacketInfo) []byte {
	h := d.registry.AuthHandler(s.auth.Level, s.auth.Type)
	if h == nil {
		return nil
	}
	fn := h.DecryptResponse
	if s.request {
		fn = h.DecryptRequest
	}
	if fn == nil {
		return nil
	}
	raw := s.data.Tail(0)
	if len(raw) < s.data.Reported() {
		return nil
	}
	ac := &AuthContext{
		PacketType: s.ptype,
		CallID:     s.callID,
		Type:       s.auth.Type,
		Level:      s.auth.Level,
		ContextID:  s.auth.ContextID,
		Pinfo:      pinfo,
	}
	plain, err := fn(raw, ac)
	if err != nil {
		slog.Debug("stub decryption failed", "frame", pinfo.Frame, "call_id", s.callID, "error", err)
		return nil
	}
	return plain
}

// encrypted reports whether the stub is privacy protected.
func (s *stubCall) encrypted() bool {
	return s.auth != nil && s.auth.Level == LevelPrivacy
}

// dissectStub hands the stub to the registered operation. Unknown
// interfaces and operations, missing requests and undecryptable data only
// annotate the output.
func (d *Dissector) dissectStub(s *stubCall, pinfo *core.PacketInfo, tree *core.Node) error {
	n := s.data.Reported()
	if s.encrypted() {
		plain := d.decrypt(s, pinfo)
		if plain == nil {
			tree.Add("Encrypted stub data", n, s.base, n).Annotate(core.NoteEncryptedStub)
			return nil
		}
		s.data = wire.FromBytes(plain)
		n = len(plain)
		tree.Add("Decrypted stub data", n, s.base, n).Annotate(core.NoteDecryptedStub)
	}

	if !s.request && s.call == nil {
		tree.Add("Stub data", n, s.base, n).Annotate(core.NoteNoRequest)
		return nil
	}
	op := s.iface.Operation(s.opnum)
	var stub StubFunc
	if op != nil {
		stub = op.Response
		if s.request {
			stub = op.Request
		}
	}
	if stub == nil {
		note := tree.Add("Stub data", n, s.base, n).Annotate(core.NoteUnknownStub)
		if s.iface != nil {
			note.Add("Operation", fmt.Sprintf("Unknown operation %d", s.opnum), s.base, 0)
		}
		return nil
	}

	node := tree.Add(s.iface.Name, op.Name, s.base, n)
	c := ndr.NewContext(s.data, s.order, s.request, callState(s.call))
	c.Visited = pinfo.Visited
	off, err := stub(c, 0, node, s.context(pinfo))
	if err != nil {
		if errors.Is(err, core.ErrContractViolation) {
			slog.Error("stub dissector broke the conformance contract",
				"frame", pinfo.Frame, "call_id", s.callID, "interface", s.iface.Name, "opnum", s.opnum, "error", err)
		}
		return section(node, pinfo, "stub", err)
	}
	if off < n {
		node.Add("Long frame", n-off, s.base+off, n-off).Annotate(core.NoteLongFrame)
		metrics.MalformedTotal.WithLabelValues("dcerpc_stub").Inc()
		slog.Debug("stub not fully consumed", "frame", pinfo.Frame, "call_id", s.callID, "left", n-off)
	}
	return nil
}

// dissectVerifier dispatches the verifier of a PDU to the auth handler hook
// chosen by pick. A broken verifier never stops the rest of the PDU.
func (d *Dissector) dissectVerifier(buf *wire.Buffer, a *AuthInfo, ptype PacketType, callID uint32,
	pick func(*AuthHandler) AuthFunc, pinfo *core.PacketInfo, tree *core.Node) error {
	node := tree.Add("Auth Info", a.Type.String(), a.Offset, AuthTrailerLen+a.Length)
	a.describe(node)
	pinfo.SetLabel(core.LabelDCERPCAuthType, a.Type.String())

	vnode := node.Add("Auth Verifier", a.Length, a.Verifier, a.Length)
	h := d.registry.AuthHandler(a.Level, a.Type)
	if h == nil || pick(h) == nil {
		return nil
	}
	vbuf, err := buf.Sub(a.Verifier, a.Length)
	if err != nil {
		return section(vnode, pinfo, "verifier", err)
	}
	ac := &AuthContext{
		PacketType: ptype,
		CallID:     callID,
		Type:       a.Type,
		Level:      a.Level,
		ContextID:  a.ContextID,
		Pinfo:      pinfo,
	}
	if _, err := pick(h)(vbuf, 0, vnode, ac); err != nil {
		if errors.Is(err, core.ErrContractViolation) {
			return section(vnode, pinfo, "verifier", err)
		}
		// The verifier is a self-contained view: even reading past its end
		// only spoils the verifier.
		metrics.MalformedTotal.WithLabelValues("dcerpc_auth").Inc()
		vnode.Annotate(core.NoteMalformed)
		slog.Debug("malformed verifier", "frame", pinfo.Frame, "auth_type", a.Type.String(), "error", err)
	}
	return nil
}

func bindVerifier(h *AuthHandler) AuthFunc     { return h.Bind }
func bindAckVerifier(h *AuthHandler) AuthFunc  { return h.BindAck }
func auth3Verifier(h *AuthHandler) AuthFunc    { return h.Auth3 }
func requestVerifier(h *AuthHandler) AuthFunc  { return h.RequestVerifier }
func responseVerifier(h *AuthHandler) AuthFunc { return h.ResponseVerifier }
