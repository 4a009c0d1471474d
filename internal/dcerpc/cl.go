package dcerpc

import (
	"fmt"
	"log/slog"
	"strconv"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/reassembly"
	"firestige.xyz/dissect/internal/wire"
)

// DissectCL dissects one connectionless PDU (one UDP datagram).
func (d *Dissector) DissectCL(buf *wire.Buffer, pinfo *core.PacketInfo, tree *core.Node) error {
	h, err := ParseCLHeader(buf)
	if err != nil {
		return err
	}
	node := tree.Add("DCE/RPC", h.Type.String(), 0, buf.Reported())
	h.describe(node)
	metrics.PDUsTotal.WithLabelValues("cl", h.Type.String()).Inc()
	pinfo.SetLabel(core.LabelDCERPCPacketType, h.Type.String())
	pinfo.SetLabel(core.LabelDCERPCCallID, strconv.FormatUint(uint64(h.Seq), 10))
	pinfo.AddInfo(fmt.Sprintf("%s: seq: %d", h.Type, h.Seq))

	if h.Version != 4 {
		node.Annotate(core.NoteMalformed)
		return nil
	}

	bodyLen := int(h.Len)
	body, err := buf.Sub(CLHeaderLen, bodyLen)
	if err != nil {
		return section(node, pinfo, "body", err)
	}

	switch h.Type {
	case PTRequest, PTResponse:
		if err := d.clCall(buf, body, h, pinfo, node); err != nil {
			return err
		}
	case PTFault, PTReject:
		err = clStatus(body, h, pinfo, node)
	case PTFack:
		err = clFack(body, h, node)
	case PTNocall:
		if bodyLen > 0 {
			err = clFack(body, h, node)
		}
	case PTCLCancel:
		err = clCancel(body, h, node, false)
	case PTCancelAck:
		err = clCancel(body, h, node, true)
	case PTPing, PTWorking, PTAck:
	default:
		node.Add("Unhandled packet type", h.Type.String(), 1, 1)
	}
	if err = section(node, pinfo, h.Type.String(), err); err != nil {
		return err
	}

	if h.AuthProto != 0 {
		if n := buf.Reported() - CLHeaderLen - bodyLen; n > 0 {
			pinfo.SetLabel(core.LabelDCERPCAuthType, AuthType(h.AuthProto).String())
			node.Add("Authentication verifier", n, CLHeaderLen+bodyLen, n)
		}
	}
	return nil
}

func (d *Dissector) clCall(buf, body *wire.Buffer, h *CLHeader, pinfo *core.PacketInfo, node *core.Node) error {
	request := h.Type == PTRequest
	var call *CallRecord
	switch {
	case request && !pinfo.Visited:
		call = d.tracker.StartCLCall(h, pinfo.Frame, pinfo.Timestamp)
	default:
		call = d.tracker.MatchCLCall(h.Activity, h.Seq)
		if call != nil && !request && !pinfo.Visited {
			d.tracker.ObserveResponse(call, pinfo.Frame, pinfo.Timestamp)
		}
	}

	iface := d.registry.Lookup(h.Interface, h.IfVersion.Major)
	name := d.registry.interfaceName(h.Interface, h.IfVersion)
	pinfo.SetLabel(core.LabelDCERPCInterface, name)
	pinfo.SetLabel(core.LabelDCERPCOpnum, strconv.Itoa(int(h.Opnum)))
	if op := iface.Operation(h.Opnum); op != nil {
		pinfo.AddInfo(op.Name)
	}
	if call != nil {
		if request && call.ResponseFrame != 0 {
			node.Add("Response in frame", call.ResponseFrame, 0, 0)
		}
		if !request {
			node.Add("Request in frame", call.RequestFrame, 0, 0)
			if !call.RequestTime.IsZero() {
				node.Add("Time from request", pinfo.Timestamp.Sub(call.RequestTime).String(), 0, 0)
			}
		}
	}

	s := &stubCall{
		order:   h.Order,
		request: request,
		iface:   iface,
		opnum:   h.Opnum,
		call:    call,
		object:  h.Object,
		ptype:   h.Type,
		callID:  h.Seq,
	}
	if h.Flags1&CLFlagFrag == 0 {
		s.data, s.base = body, CLHeaderLen
		return d.dissectStub(s, pinfo, node)
	}

	pinfo.SetLabel(core.LabelDCERPCFragment, strconv.Itoa(int(h.FragNum)))
	frag := node.Add("Fragment data", body.Reported(), CLHeaderLen, body.Reported()).Annotate(core.NoteFragment)
	if !d.opts.ReassembleCL {
		return nil
	}

	key := clFragKey{activity: h.Activity, seq: h.Seq, typ: h.Type}
	var g *reassembly.Group[clFragKey]
	if !pinfo.Visited {
		data, err := buf.Bytes(CLHeaderLen, body.Reported())
		if err != nil {
			return section(frag, pinfo, "fragment", err)
		}
		g, err = d.clFrags.Add(key, int(h.FragNum), data, h.Flags1&CLFlagLastFrag != 0, pinfo.Frame, pinfo.Timestamp)
		if err != nil {
			frag.Annotate(core.NoteMalformed)
			slog.Debug("fragment dropped", "frame", pinfo.Frame, "seq", h.Seq, "error", err)
			return nil
		}
	} else {
		g, _ = d.clFrags.Get(key)
	}

	if g == nil || !g.Complete() {
		return nil
	}
	if g.ReassembledIn() != pinfo.Frame {
		frag.Add("Reassembled in frame", g.ReassembledIn(), CLHeaderLen, 0)
		return nil
	}
	data := g.Data()
	rnode := node.Add("Reassembled stub", len(data), CLHeaderLen, body.Reported()).Annotate(core.NoteReassembled)
	rnode.Add("Fragments", fmt.Sprint(g.Frames()), CLHeaderLen, 0)
	s.data, s.base = wire.FromBytes(data), 0
	return d.dissectStub(s, pinfo, rnode)
}

func clStatus(body *wire.Buffer, h *CLHeader, pinfo *core.PacketInfo, node *core.Node) error {
	st, err := body.Uint32(0, h.Order)
	if err != nil {
		return err
	}
	node.Add("Status", StatusName(st), CLHeaderLen, 4)
	pinfo.AddInfo(StatusName(st))
	return nil
}

// clFack shows a fragment acknowledgement body.
func clFack(body *wire.Buffer, h *CLHeader, node *core.Node) error {
	c := wire.NewCursor(body, 0, h.Order)
	vers := c.U8()
	c.Skip(1)
	window := c.U16()
	maxTSDU := c.U32()
	maxFrag := c.U32()
	serial := c.U16()
	n := int(c.U16())
	if err := c.Err(); err != nil {
		return err
	}
	f := node.Add("Fack", nil, CLHeaderLen, body.Reported())
	f.Add("Version", vers, CLHeaderLen, 1)
	f.Add("Window Size", window, CLHeaderLen+2, 2)
	f.Add("Max TSDU", maxTSDU, CLHeaderLen+4, 4)
	f.Add("Max Frag Size", maxFrag, CLHeaderLen+8, 4)
	f.Add("Serial Num", serial, CLHeaderLen+12, 2)
	f.Add("Selective ACK len", n, CLHeaderLen+14, 2)
	for i := 0; i < n; i++ {
		off := c.Offset
		mask := c.U32()
		if err := c.Err(); err != nil {
			return err
		}
		f.Add("Selective ACK", fmt.Sprintf("0x%08x", mask), CLHeaderLen+off, 4)
	}
	return nil
}

func clCancel(body *wire.Buffer, h *CLHeader, node *core.Node, ack bool) error {
	c := wire.NewCursor(body, 0, h.Order)
	vers := c.U32()
	id := c.U32()
	var accepting uint32
	if ack {
		accepting = c.U32()
	}
	if err := c.Err(); err != nil {
		return err
	}
	node.Add("Cancel Version", vers, CLHeaderLen, 4)
	node.Add("Cancel ID", id, CLHeaderLen+4, 4)
	if ack {
		node.Add("Server accepting cancels", accepting != 0, CLHeaderLen+8, 4)
	}
	return nil
}
