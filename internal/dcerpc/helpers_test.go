package dcerpc

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/ndr"
	"firestige.xyz/dissect/internal/wire"
)

var (
	testIface = ndr.MustParseUUID("12345678-1234-abcd-ef00-0123456789ab")
	client    = core.Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 49152}
	server    = core.Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 135}
	epoch     = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
)

type builder struct{ b []byte }

func (w *builder) u8(v uint8) *builder {
	w.b = append(w.b, v)
	return w
}

func (w *builder) u16(v uint16) *builder {
	w.b = binary.LittleEndian.AppendUint16(w.b, v)
	return w
}

func (w *builder) u32(v uint32) *builder {
	w.b = binary.LittleEndian.AppendUint32(w.b, v)
	return w
}

func (w *builder) uuid(u ndr.UUID) *builder {
	w.b = ndr.AppendUUID(w.b, u, binary.LittleEndian)
	return w
}

func (w *builder) raw(p []byte) *builder {
	w.b = append(w.b, p...)
	return w
}

type trailer struct {
	typ      AuthType
	level    AuthLevel
	pad      int
	ctx      uint32
	verifier []byte
}

// coPDU builds a little endian connection-oriented PDU.
func coPDU(ptype PacketType, flags uint8, callID uint32, body []byte, tr *trailer) []byte {
	w := &builder{}
	w.u8(5).u8(0).u8(uint8(ptype)).u8(flags).raw([]byte{0x10, 0, 0, 0}).u16(0).u16(0).u32(callID)
	w.raw(body)
	authLen := 0
	if tr != nil {
		w.raw(make([]byte, tr.pad))
		w.u8(uint8(tr.typ)).u8(uint8(tr.level)).u8(uint8(tr.pad)).u8(0).u32(tr.ctx).raw(tr.verifier)
		authLen = len(tr.verifier)
	}
	binary.LittleEndian.PutUint16(w.b[8:], uint16(len(w.b)))
	binary.LittleEndian.PutUint16(w.b[10:], uint16(authLen))
	return w.b
}

func bindBody(ctxID uint16, u ndr.UUID, major, minor uint16) []byte {
	w := &builder{}
	w.u16(4280).u16(4280).u32(0).u8(1).raw([]byte{0, 0, 0})
	w.u16(ctxID).u8(1).u8(0).uuid(u).u16(major).u16(minor)
	w.uuid(NDRSyntax).u32(2)
	return w.b
}

func requestBody(allocHint uint32, ctxID, opnum uint16, stub []byte) []byte {
	return (&builder{}).u32(allocHint).u16(ctxID).u16(opnum).raw(stub).b
}

func responseBody(allocHint uint32, ctxID uint16, stub []byte) []byte {
	return (&builder{}).u32(allocHint).u16(ctxID).u8(0).u8(0).raw(stub).b
}

// clPDU builds a little endian connectionless PDU for interface v1.
func clPDU(ptype PacketType, flags1 uint8, act ndr.UUID, seq uint32, opnum, fragnum uint16, body []byte) []byte {
	b := make([]byte, CLHeaderLen)
	b[0] = 4
	b[1] = uint8(ptype)
	b[2] = flags1
	b[4] = 0x10
	copy(b[24:], ndr.AppendUUID(nil, testIface, binary.LittleEndian))
	copy(b[40:], ndr.AppendUUID(nil, act, binary.LittleEndian))
	binary.LittleEndian.PutUint32(b[60:], 1)
	binary.LittleEndian.PutUint32(b[64:], seq)
	binary.LittleEndian.PutUint16(b[68:], opnum)
	binary.LittleEndian.PutUint16(b[70:], 0xffff)
	binary.LittleEndian.PutUint16(b[72:], 0xffff)
	binary.LittleEndian.PutUint16(b[74:], uint16(len(body)))
	binary.LittleEndian.PutUint16(b[76:], fragnum)
	return append(b, body...)
}

func pkt(frame uint32, fromClient bool, proto uint8) *core.PacketInfo {
	p := &core.PacketInfo{
		Frame:     frame,
		Timestamp: epoch.Add(time.Duration(frame) * time.Millisecond),
		Proto:     proto,
	}
	if fromClient {
		p.Src, p.Dst = client, server
	} else {
		p.Src, p.Dst = server, client
	}
	return p
}

// stubCapture records every stub handed to an operation.
type stubCapture struct {
	calls []capturedStub
}

type capturedStub struct {
	data []byte
	off  int
	cc   CallContext
}

func (s *stubCapture) fn(c *ndr.Context, off int, _ *core.Node, cc CallContext) (int, error) {
	s.calls = append(s.calls, capturedStub{data: append([]byte(nil), c.Buf.Tail(0)...), off: off, cc: cc})
	return c.Buf.Reported(), nil
}

func hasNote(n *core.Node, note string) bool {
	if n == nil {
		return false
	}
	if n.HasNote(note) {
		return true
	}
	for _, c := range n.Children {
		if hasNote(c, note) {
			return true
		}
	}
	return false
}

func dissectCO(t testing.TB, d *Dissector, data []byte, p *core.PacketInfo) (*core.Node, error) {
	t.Helper()
	tree := core.NewTree("frame")
	return tree, d.DissectCO(wire.FromBytes(data), p, tree)
}
