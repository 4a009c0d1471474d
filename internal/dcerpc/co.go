package dcerpc

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/ndr"
	"firestige.xyz/dissect/internal/reassembly"
	"firestige.xyz/dissect/internal/wire"
)

// DissectCO dissects one connection-oriented PDU. The reported length of
// buf is the PDU's frag_length.
func (d *Dissector) DissectCO(buf *wire.Buffer, pinfo *core.PacketInfo, tree *core.Node) error {
	h, err := ParseCOHeader(buf)
	if err != nil {
		return err
	}
	node := tree.Add("DCE/RPC", h.Type.String(), 0, buf.Reported())
	h.describe(node)
	metrics.PDUsTotal.WithLabelValues("co", h.Type.String()).Inc()
	pinfo.SetLabel(core.LabelDCERPCPacketType, h.Type.String())
	pinfo.SetLabel(core.LabelDCERPCCallID, strconv.FormatUint(uint64(h.CallID), 10))
	pinfo.AddInfo(fmt.Sprintf("%s: call_id: %d", h.Type, h.CallID))

	if h.Version != 5 {
		node.Annotate(core.NoteMalformed)
		return nil
	}

	auth, err := parseAuthTrailer(buf, h)
	if err != nil {
		// A bad trailer spoils the verifier, not the PDU.
		node.Add("Auth Info", nil, 0, 0).Annotate(core.NoteMalformed)
		metrics.MalformedTotal.WithLabelValues("dcerpc_auth").Inc()
		slog.Debug("bad auth trailer", "frame", pinfo.Frame, "call_id", h.CallID, "error", err)
		auth = nil
	}

	switch h.Type {
	case PTBind, PTAlterContext:
		return d.coBind(buf, h, auth, pinfo, node)
	case PTBindAck, PTAlterContextResp:
		return d.coBindAck(buf, h, auth, pinfo, node)
	case PTBindNak:
		return d.coBindNak(buf, h, pinfo, node)
	case PTRequest:
		return d.coRequest(buf, h, auth, pinfo, node)
	case PTResponse, PTFault:
		return d.coResponse(buf, h, auth, pinfo, node)
	case PTAuth3:
		node.Add("Pad", 4, COHeaderLen, 4)
		if auth != nil {
			return d.dissectVerifier(buf, auth, h.Type, h.CallID, auth3Verifier, pinfo, node)
		}
	case PTCOCancel, PTOrphaned:
		if auth != nil {
			return d.dissectVerifier(buf, auth, h.Type, h.CallID, noVerifier, pinfo, node)
		}
	case PTShutdown:
	default:
		node.Add("Unhandled packet type", h.Type.String(), 2, 1)
	}
	return nil
}

func noVerifier(*AuthHandler) AuthFunc { return nil }

func cursorUUID(c *wire.Cursor) ndr.UUID {
	u, _ := ndr.ReadUUID(c.Buf, c.Offset, c.Order)
	c.Skip(16)
	return u
}

// coBind handles Bind and Alter-Context: every proposed presentation context
// is shown, the first one (or all, if configured) is recorded.
func (d *Dissector) coBind(buf *wire.Buffer, h *COHeader, auth *AuthInfo, pinfo *core.PacketInfo, node *core.Node) error {
	c := wire.NewCursor(buf, COHeaderLen, h.Order)
	maxXmit := c.U16()
	maxRecv := c.U16()
	assoc := c.U32()
	n := int(c.U8())
	c.Skip(3)
	if err := c.Err(); err != nil {
		return section(node, pinfo, "bind", err)
	}
	node.Add("Max Xmit Frag", maxXmit, 16, 2)
	node.Add("Max Recv Frag", maxRecv, 18, 2)
	node.Add("Assoc Group", fmt.Sprintf("0x%08x", assoc), 20, 4)
	node.Add("Num Ctx Items", n, 24, 1)

	flow := pinfo.Flow(0)
	for i := 0; i < n; i++ {
		start := c.Offset
		ctxID := c.U16()
		nTrans := int(c.U8())
		c.Skip(1)
		abstract := cursorUUID(c)
		v := Version{Major: c.U16(), Minor: c.U16()}
		item := node.Add("Ctx Item", ctxID, start, 0)
		if err := c.Err(); err != nil {
			return section(item, pinfo, "bind context", err)
		}
		name := d.registry.interfaceName(abstract, v)
		item.Add("Context ID", ctxID, start, 2)
		item.Add("Num Trans Items", nTrans, start+2, 1)
		item.Add("Abstract Syntax", fmt.Sprintf("%s V%s", name, v), start+4, 20)
		for j := 0; j < nTrans; j++ {
			toff := c.Offset
			ts := cursorUUID(c)
			tv := c.U32()
			if err := c.Err(); err != nil {
				return section(item, pinfo, "bind context", err)
			}
			item.Add("Transfer Syntax", fmt.Sprintf("%s V%d", syntaxName(ts), tv), toff, 20)
		}
		item.SetLength(c.Offset - start)

		if i == 0 {
			pinfo.SetLabel(core.LabelDCERPCInterface, name)
			pinfo.AddInfo(name)
		}
		if !pinfo.Visited && (i == 0 || d.opts.RecordAllContexts) {
			d.tracker.RecordBind(flow, ctxID, abstract, v, pinfo.Frame)
			slog.Debug("context bound", "frame", pinfo.Frame, "flow", flow.String(), "ctx", ctxID, "interface", name)
		}
	}

	if auth != nil {
		return d.dissectVerifier(buf, auth, h.Type, h.CallID, bindVerifier, pinfo, node)
	}
	return nil
}

// coBindAck shows the per-context results. Binding is established by the
// Bind, so nothing is recorded here.
func (d *Dissector) coBindAck(buf *wire.Buffer, h *COHeader, auth *AuthInfo, pinfo *core.PacketInfo, node *core.Node) error {
	c := wire.NewCursor(buf, COHeaderLen, h.Order)
	maxXmit := c.U16()
	maxRecv := c.U16()
	assoc := c.U32()
	secLen := int(c.U16())
	sec := c.Bytes(secLen)
	c.Align(4)
	n := int(c.U8())
	c.Skip(3)
	if err := c.Err(); err != nil {
		return section(node, pinfo, "bind ack", err)
	}
	node.Add("Max Xmit Frag", maxXmit, 16, 2)
	node.Add("Max Recv Frag", maxRecv, 18, 2)
	node.Add("Assoc Group", fmt.Sprintf("0x%08x", assoc), 20, 4)
	node.Add("Scndry Addr len", secLen, 24, 2)
	if secLen > 0 {
		node.Add("Scndry Addr", strings.TrimRight(string(sec), "\x00"), 26, secLen)
	}
	node.Add("Num results", n, c.Offset-4, 1)

	for i := 0; i < n; i++ {
		start := c.Offset
		result := int(c.U16())
		reason := int(c.U16())
		ts := cursorUUID(c)
		tv := c.U32()
		item := node.Add("Ctx Item", lookup(ackResultNames[:], result), start, 24)
		if err := c.Err(); err != nil {
			return section(item, pinfo, "bind ack result", err)
		}
		if result == 0 {
			item.Add("Transfer Syntax", fmt.Sprintf("%s V%d", syntaxName(ts), tv), start+4, 20)
		} else {
			item.Add("Reason", lookup(ackReasonNames[:], reason), start+2, 2)
		}
		if i == 0 {
			pinfo.AddInfo(lookup(ackResultNames[:], result))
		}
	}

	if auth != nil {
		return d.dissectVerifier(buf, auth, h.Type, h.CallID, bindAckVerifier, pinfo, node)
	}
	return nil
}

func (d *Dissector) coBindNak(buf *wire.Buffer, h *COHeader, pinfo *core.PacketInfo, node *core.Node) error {
	c := wire.NewCursor(buf, COHeaderLen, h.Order)
	reason := c.U16()
	if err := c.Err(); err != nil {
		return section(node, pinfo, "bind nak", err)
	}
	node.Add("Reject reason", lookup(nakReasonNames[:], int(reason)), 16, 2)
	pinfo.AddInfo(lookup(nakReasonNames[:], int(reason)))
	if reason != NakProtocolVersionNotSupported {
		return nil
	}

	n := int(c.U8())
	protos := node.Add("Protocols", n, 18, 1)
	for i := 0; i < n; i++ {
		off := c.Offset
		major := c.U8()
		minor := c.U8()
		if err := c.Err(); err != nil {
			return section(protos, pinfo, "bind nak protocols", err)
		}
		protos.Add("Protocol", fmt.Sprintf("%d.%d", major, minor), off, 2)
	}
	return nil
}

// resolveRequest finds the call of a request PDU, creating it on the first
// pass over its first fragment.
func (d *Dissector) resolveRequest(flow core.FlowKey, h *COHeader, ctxID, opnum uint16, pinfo *core.PacketInfo) *CallRecord {
	if r := d.tracker.LookupMemo(pinfo.Frame, h.CallID); r != nil {
		return r
	}
	var r *CallRecord
	if !pinfo.Visited && h.Flags&FlagFirstFrag != 0 {
		r = d.tracker.StartCall(flow, h.CallID, ctxID, opnum, pinfo.Frame, pinfo.Timestamp)
	} else {
		r = d.tracker.MatchCall(flow, h.CallID)
	}
	if r != nil && !pinfo.Visited {
		d.tracker.Memoize(pinfo.Frame, h.CallID, r)
	}
	return r
}

func (d *Dissector) coRequest(buf *wire.Buffer, h *COHeader, auth *AuthInfo, pinfo *core.PacketInfo, node *core.Node) error {
	c := wire.NewCursor(buf, COHeaderLen, h.Order)
	allocHint := c.U32()
	ctxID := c.U16()
	opnum := c.U16()
	var object ndr.UUID
	if h.Flags&FlagObjectUUID != 0 {
		object = cursorUUID(c)
	}
	if err := c.Err(); err != nil {
		return section(node, pinfo, "request", err)
	}
	node.Add("Alloc hint", allocHint, 16, 4)
	node.Add("Context ID", ctxID, 20, 2)
	node.Add("Opnum", opnum, 22, 2)
	if h.Flags&FlagObjectUUID != 0 {
		node.Add("Object UUID", object.String(), 24, 16)
	}
	pinfo.SetLabel(core.LabelDCERPCOpnum, strconv.Itoa(int(opnum)))

	flow := pinfo.Flow(0)
	call := d.resolveRequest(flow, h, ctxID, opnum, pinfo)
	var iface *Interface
	if call != nil {
		iface = d.registry.Lookup(call.Interface, call.Version.Major)
		name := d.registry.interfaceName(call.Interface, call.Version)
		node.Add("Interface", fmt.Sprintf("%s V%s", name, call.Version), 20, 2)
		pinfo.SetLabel(core.LabelDCERPCInterface, name)
		if call.ResponseFrame != 0 {
			node.Add("Response in frame", call.ResponseFrame, 0, 0)
		}
	}
	if op := iface.Operation(opnum); op != nil {
		pinfo.AddInfo(op.Name)
	} else {
		pinfo.AddInfo(fmt.Sprintf("opnum: %d", opnum))
	}

	if auth != nil {
		if err := d.dissectVerifier(buf, auth, h.Type, h.CallID, requestVerifier, pinfo, node); err != nil {
			return err
		}
	}

	s := &stubCall{
		order:   h.Order,
		request: true,
		iface:   iface,
		opnum:   opnum,
		call:    call,
		object:  object,
		auth:    auth,
		ptype:   h.Type,
		callID:  h.CallID,
	}
	return d.coStub(buf, h, s, c.Offset, allocHint, pinfo, node)
}

func (d *Dissector) coResponse(buf *wire.Buffer, h *COHeader, auth *AuthInfo, pinfo *core.PacketInfo, node *core.Node) error {
	c := wire.NewCursor(buf, COHeaderLen, h.Order)
	allocHint := c.U32()
	ctxID := c.U16()
	cancels := c.U8()
	c.Skip(1)
	var status uint32
	if h.Type == PTFault {
		status = c.U32()
		c.Skip(4)
	}
	if err := c.Err(); err != nil {
		return section(node, pinfo, "response", err)
	}
	node.Add("Alloc hint", allocHint, 16, 4)
	node.Add("Context ID", ctxID, 20, 2)
	node.Add("Cancel count", cancels, 22, 1)
	if h.Type == PTFault {
		node.Add("Status", StatusName(status), 24, 4)
		pinfo.AddInfo(StatusName(status))
	}

	call := d.tracker.LookupMemo(pinfo.Frame, h.CallID)
	if call == nil {
		call = d.tracker.MatchCall(pinfo.Flow(0), h.CallID)
		if call != nil && !pinfo.Visited {
			d.tracker.Memoize(pinfo.Frame, h.CallID, call)
			if h.Flags&FlagFirstFrag != 0 {
				d.tracker.ObserveResponse(call, pinfo.Frame, pinfo.Timestamp)
			}
		}
	}

	var iface *Interface
	var opnum uint16
	if call != nil {
		opnum = call.Opnum
		iface = d.registry.Lookup(call.Interface, call.Version.Major)
		name := d.registry.interfaceName(call.Interface, call.Version)
		node.Add("Interface", fmt.Sprintf("%s V%s", name, call.Version), 20, 2)
		node.Add("Opnum", opnum, 0, 0)
		node.Add("Request in frame", call.RequestFrame, 0, 0)
		if !call.RequestTime.IsZero() {
			node.Add("Time from request", pinfo.Timestamp.Sub(call.RequestTime).String(), 0, 0)
		}
		pinfo.SetLabel(core.LabelDCERPCInterface, name)
		pinfo.SetLabel(core.LabelDCERPCOpnum, strconv.Itoa(int(opnum)))
		if op := iface.Operation(opnum); op != nil {
			pinfo.AddInfo(op.Name)
		}
	}

	if auth != nil {
		if err := d.dissectVerifier(buf, auth, h.Type, h.CallID, responseVerifier, pinfo, node); err != nil {
			return err
		}
	}

	if h.Type == PTFault {
		start, end := c.Offset, stubEnd(h, auth)
		if end > start {
			node.Add("Fault stub data", end-start, start, end-start)
		}
		return nil
	}

	s := &stubCall{
		order:  h.Order,
		iface:  iface,
		opnum:  opnum,
		call:   call,
		auth:   auth,
		ptype:  h.Type,
		callID: h.CallID,
	}
	return d.coStub(buf, h, s, c.Offset, allocHint, pinfo, node)
}

func fragPosition(flags uint8) string {
	switch {
	case flags&FlagFirstFrag != 0:
		return "first"
	case flags&FlagLastFrag != 0:
		return "last"
	}
	return "middle"
}

// coStub dissects the stub at start, directly for a complete PDU, or after
// reassembling it from fragments keyed by (flow, call id, first frame).
func (d *Dissector) coStub(buf *wire.Buffer, h *COHeader, s *stubCall, start int, allocHint uint32, pinfo *core.PacketInfo, node *core.Node) error {
	end := stubEnd(h, s.auth)
	if end < start {
		node.Add("Stub data", nil, start, 0).Annotate(core.NoteMalformed)
		metrics.MalformedTotal.WithLabelValues("dcerpc").Inc()
		return nil
	}
	length := end - start

	if !h.Fragmented() {
		data, err := buf.Sub(start, length)
		if err != nil {
			return section(node, pinfo, "stub", err)
		}
		s.data, s.base = data, start
		return d.dissectStub(s, pinfo, node)
	}

	pinfo.SetLabel(core.LabelDCERPCFragment, fragPosition(h.Flags))
	frag := node.Add("Fragment data", length, start, length).Annotate(core.NoteFragment)
	if s.encrypted() {
		frag.Annotate(core.NoteEncryptedStub)
		return nil
	}
	if !d.opts.ReassembleCO || s.call == nil {
		return nil
	}

	first := s.call.RequestFrame
	if !s.request {
		first = s.call.ResponseFrame
	}
	key := coFragKey{flow: s.call.Flow, callID: h.CallID, firstFrame: first, request: s.request}

	var g *reassembly.Group[coFragKey]
	if !pinfo.Visited {
		if h.Flags&FlagFirstFrag == 0 {
			if _, ok := d.coFrags.Get(key); !ok {
				// The first fragment was missed or has been aged out.
				return nil
			}
		}
		data, err := buf.Bytes(start, length)
		if err != nil {
			return section(frag, pinfo, "fragment", err)
		}
		g, err = d.coFrags.AddNext(key, data, h.Flags&FlagLastFrag != 0, pinfo.Frame, pinfo.Timestamp)
		if err != nil {
			frag.Annotate(core.NoteMalformed)
			slog.Debug("fragment dropped", "frame", pinfo.Frame, "call_id", h.CallID, "error", err)
			return nil
		}
		if h.Flags&FlagFirstFrag != 0 && int(allocHint) > length {
			d.coFrags.SetTotalLength(key, int(allocHint))
		}
	} else {
		g, _ = d.coFrags.Get(key)
	}

	if g == nil || !g.Complete() {
		return nil
	}
	if g.ReassembledIn() != pinfo.Frame {
		frag.Add("Reassembled in frame", g.ReassembledIn(), start, 0)
		return nil
	}
	data := g.Data()
	rnode := node.Add("Reassembled stub", len(data), start, length).Annotate(core.NoteReassembled)
	rnode.Add("Fragments", fmt.Sprint(g.Frames()), start, 0)
	s.data, s.base = wire.FromBytes(data), 0
	return d.dissectStub(s, pinfo, rnode)
}
