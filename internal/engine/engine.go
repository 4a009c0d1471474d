// Package engine drives captured frames through the decoders: L2-L4 headers,
// TCP analysis and desegmentation, then connection-oriented or connectionless
// DCE/RPC.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dcerpc"
	"firestige.xyz/dissect/internal/decoder"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/reassembly"
	"firestige.xyz/dissect/internal/tcp"
	"firestige.xyz/dissect/internal/wire"
)

// Fragment tables are swept for stale groups once per this many frames.
const expireEvery = 256

// Engine holds the state of one capture. It is not safe for concurrent use.
type Engine struct {
	cfg       *config.Config
	rpc       *dcerpc.Dissector
	decoder   *decoder.Decoder
	linkType  layers.LinkType
	analyzer  *tcp.Analyzer
	deseg     *tcp.Desegmenter
	assembler *tcp.Assembler
	selector  *selector

	frame   uint32
	first   time.Time
	visited bool
}

// New creates an engine dispatching DCE/RPC stubs through reg.
func New(cfg *config.Config, reg *dcerpc.Registry) (*Engine, error) {
	lt, err := decoder.ParseLinkType(cfg.Engine.LinkType)
	if err != nil {
		return nil, err
	}

	rc := reassembly.Config{
		MaxFragments: cfg.Reassembly.MaxFragments,
		MaxSize:      cfg.Reassembly.MaxSize,
		Timeout:      cfg.Reassembly.Timeout,
	}
	e := &Engine{
		cfg:      cfg,
		analyzer: tcp.NewAnalyzer(cfg.TCP.OutOfOrderThreshold),
		rpc: dcerpc.New(reg, dcerpc.Options{
			ReassembleCO:      cfg.DCERPC.ReassembleCO,
			ReassembleCL:      cfg.DCERPC.ReassembleCL,
			RecordAllContexts: cfg.DCERPC.RecordAllContexts,
			Reassembly:        rc,
		}),
	}
	e.selector = newSelector(cfg.DCERPC, e.rpc.Framer())
	e.deseg = tcp.NewDesegmenter(e.selector, cfg.TCP.Desegment, rc)
	e.assembler = tcp.NewAssembler(e.selector)
	e.assembler.SetMaxBuffered(cfg.TCP.AssemblerMaxBuffered)

	if err := e.SetLinkType(lt); err != nil {
		return nil, err
	}
	return e, nil
}

// SetLinkType selects the link layer of the frames that follow.
func (e *Engine) SetLinkType(lt layers.LinkType) error {
	if e.decoder != nil && lt == e.linkType {
		return nil
	}
	d, err := decoder.New(lt, reassembly.Config{
		MaxFragments: e.cfg.Reassembly.MaxFragments,
		MaxSize:      e.cfg.Reassembly.MaxSize,
		Timeout:      e.cfg.Reassembly.Timeout,
	})
	if err != nil {
		return err
	}
	d.SetFragmentLimit(e.cfg.Reassembly.MaxFragmentsPerSource, e.cfg.Reassembly.FragmentRateWindow)
	e.decoder, e.linkType = d, lt
	return nil
}

// Dissector returns the DCE/RPC dissector holding bind and call state.
func (e *Engine) Dissector() *dcerpc.Dissector { return e.rpc }

// Decoder returns the frame decoder.
func (e *Engine) Decoder() *decoder.Decoder { return e.decoder }

// Process dissects the next frame. The returned error is non-nil only when a
// dissector failed in a way that is not confined to one section; the
// dissection is still returned with what was decoded.
func (e *Engine) Process(raw core.RawPacket) (*core.Dissection, error) {
	e.frame++
	if e.frame == 1 {
		e.first = raw.Timestamp
	}
	pinfo := &core.PacketInfo{
		Frame:     e.frame,
		Timestamp: raw.Timestamp,
		Delta:     raw.Timestamp.Sub(e.first),
		Visited:   e.visited,
	}
	root := core.NewTree(fmt.Sprintf("Frame %d", e.frame))
	fn := root.Add("Frame", fmt.Sprintf("%d bytes on wire, %d bytes captured", raw.OrigLen, raw.CaptureLen), 0, len(raw.Data))
	fn.Add("Arrival Time", raw.Timestamp.UTC().Format(time.RFC3339Nano), 0, 0)
	fn.Add("Time since first frame", pinfo.Delta.String(), 0, 0)
	out := &core.Dissection{Frame: e.frame, Timestamp: raw.Timestamp, Tree: root}

	if e.frame%expireEvery == 0 && !e.visited {
		e.expire(raw.Timestamp)
	}

	f, err := e.decoder.Decode(raw, e.frame)
	if err != nil {
		if decoder.IsUnsupported(err) {
			metrics.FramesTotal.WithLabelValues("skipped").Inc()
			out.Summary = "Not TCP or UDP over IP"
			return out, nil
		}
		fn.Annotate(core.NoteMalformed)
		metrics.FramesTotal.WithLabelValues("error").Inc()
		metrics.MalformedTotal.WithLabelValues("frame").Inc()
		slog.Debug("frame decode failed", "frame", e.frame, "error", err)
		out.Summary = err.Error()
		return out, nil
	}

	pinfo.Src = core.Endpoint{Addr: f.IP.SrcIP, Port: f.Transport.SrcPort}
	pinfo.Dst = core.Endpoint{Addr: f.IP.DstIP, Port: f.Transport.DstPort}
	pinfo.Proto = f.Transport.Protocol
	e.describeIP(root, f)

	var perr error
	switch {
	case f.Fragment:
		root.Add("Data", fmt.Sprintf("Fragmented IP protocol (proto=%d, id=0x%04x)", f.IP.Protocol, f.IP.ID), 0, 0)
		pinfo.AddInfo("Fragmented IP protocol")
	case f.Transport.Protocol == core.ProtoTCP:
		perr = e.processTCP(f, pinfo, root)
	case f.Transport.Protocol == core.ProtoUDP:
		perr = e.processUDP(f, pinfo, root)
	}

	out.Labels = pinfo.Labels
	out.Summary = summary(f, pinfo)
	if perr != nil {
		root.Annotate(core.NoteMalformed)
		if errors.Is(perr, core.ErrContractViolation) {
			root.Annotate(core.NoteDissectorBug)
		}
		metrics.FramesTotal.WithLabelValues("error").Inc()
		if errors.Is(perr, core.ErrContractViolation) {
			slog.Error("dissection failed", "frame", e.frame, "flow", pinfo.Flow(0).String(), "error", perr)
		} else {
			// Malformed traffic is routine; the tree already carries the note.
			slog.Debug("dissection failed", "frame", e.frame, "flow", pinfo.Flow(0).String(), "error", perr)
		}
		return out, perr
	}
	metrics.FramesTotal.WithLabelValues("decoded").Inc()
	return out, nil
}

// expire ages out partial reassemblies of every layer.
func (e *Engine) expire(now time.Time) {
	if n := e.decoder.Expire(now); n > 0 {
		slog.Debug("expired ip fragments", "frame", e.frame, "groups", n)
	}
	if n := e.deseg.Expire(now); n > 0 {
		slog.Debug("expired tcp segments", "frame", e.frame, "groups", n)
	}
	if n := e.rpc.Expire(now); n > 0 {
		slog.Debug("expired dcerpc fragments", "frame", e.frame, "groups", n)
	}
}

func (e *Engine) describeIP(root *core.Node, f *decoder.Frame) {
	if f.Ethernet.EtherType != 0 {
		eth := root.Add("Ethernet II", fmt.Sprintf("%x -> %x", f.Ethernet.SrcMAC, f.Ethernet.DstMAC), 0, 14)
		for _, v := range f.Ethernet.VLANs {
			eth.Add("VLAN", v, 0, 0)
		}
	}
	name := "Internet Protocol Version 4"
	if f.IP.Version == 6 {
		name = "Internet Protocol Version 6"
	}
	ip := root.Add(name, fmt.Sprintf("%s -> %s", f.IP.SrcIP, f.IP.DstIP), 0, 0)
	ip.Add("Protocol", f.IP.Protocol, 0, 0)
	ip.Add("TTL", f.IP.TTL, 0, 0)
	if f.IP.Version == 4 {
		ip.Addf("Identification", 0, 0, "0x%04x", f.IP.ID)
	}
	if f.Reassembled {
		ip.Annotate(core.NoteReassembled)
	}
}

func (e *Engine) processTCP(f *decoder.Frame, pinfo *core.PacketInfo, root *core.Node) error {
	th := f.Transport
	node := root.Add("Transmission Control Protocol", fmt.Sprintf("%d -> %d", th.SrcPort, th.DstPort), 0, th.HeaderLen)
	node.Add("Source Port", th.SrcPort, 0, 0)
	node.Add("Destination Port", th.DstPort, 0, 0)

	var res tcp.Result
	if e.cfg.TCP.AnalyzeSequence {
		res = e.analyzer.Analyze(pinfo, th, f.PayloadLen)
		node.Add("Stream index", res.Stream, 0, 0)
		node.Add("Sequence Number (relative)", res.RelSeq, 0, 0)
		node.Add("Acknowledgment Number (relative)", res.RelAck, 0, 0)
		pinfo.SetLabel(core.LabelTCPStream, strconv.FormatUint(uint64(res.Stream), 10))
		if res.Flags != 0 {
			for _, n := range res.Flags.Notes() {
				node.Annotate(n)
			}
			pinfo.SetLabel(core.LabelTCPAnalysis, res.Flags.String())
		}
	} else {
		node.Add("Sequence Number", th.SeqNum, 0, 0)
		node.Add("Acknowledgment Number", th.AckNum, 0, 0)
	}
	node.Add("Flags", tcpFlagString(th.TCPFlags), 0, 0)
	node.Add("Window", th.Window, 0, 0)
	node.Add("TCP Segment Len", f.PayloadLen, 0, 0)

	if e.cfg.TCP.Mode == config.TCPModeAssembler {
		if err := e.assembler.Assemble(f.NetFlow, f.TCP, pinfo, root); err != nil {
			return err
		}
		if age := e.cfg.TCP.AssemblerFlushOlderThan; age > 0 && pinfo.Frame%expireEvery == 0 {
			return e.assembler.FlushOlderThan(pinfo.Timestamp.Add(-age), pinfo, root)
		}
		return nil
	}

	if f.PayloadLen == 0 {
		return nil
	}
	if res.Flags.Has(tcp.FlagRetransmission) && !e.cfg.TCP.DissectRetransmissions {
		root.Add("Retransmitted TCP segment data", fmt.Sprintf("%d bytes", f.PayloadLen), 0, f.PayloadLen)
		return nil
	}
	buf := wire.NewBuffer(f.Payload, f.PayloadLen)
	return e.deseg.Process(buf, th.SeqNum, pinfo, root)
}

func (e *Engine) processUDP(f *decoder.Frame, pinfo *core.PacketInfo, root *core.Node) error {
	th := f.Transport
	node := root.Add("User Datagram Protocol", fmt.Sprintf("%d -> %d", th.SrcPort, th.DstPort), 0, 8)
	node.Add("Source Port", th.SrcPort, 0, 0)
	node.Add("Destination Port", th.DstPort, 0, 0)
	node.Add("Length", f.PayloadLen+8, 0, 0)

	buf := wire.NewBuffer(f.Payload, f.PayloadLen)
	if !e.selector.selectCL(pinfo, buf) {
		if f.PayloadLen > 0 {
			root.Add("Data", fmt.Sprintf("%d bytes", f.PayloadLen), 0, f.PayloadLen)
		}
		return nil
	}
	err := e.rpc.DissectCL(buf, pinfo, root)
	if err != nil && core.IsRecoverable(err) {
		root.Add("dcerpc", err.Error(), 0, buf.Len()).Annotate(core.NoteMalformed)
		metrics.MalformedTotal.WithLabelValues("dcerpc").Inc()
		return nil
	}
	return err
}

// Flush delivers stream data the assembler still holds. It returns nil when
// nothing was pending.
func (e *Engine) Flush() (*core.Dissection, error) {
	if e.cfg.TCP.Mode != config.TCPModeAssembler {
		return nil, nil
	}
	pinfo := &core.PacketInfo{Frame: e.frame, Visited: e.visited}
	root := core.NewTree("Stream flush")
	err := e.assembler.Flush(pinfo, root)
	if len(root.Children) == 0 && err == nil {
		return nil, nil
	}
	return &core.Dissection{Frame: e.frame, Summary: "[Flushed stream data] " + pinfo.Info(), Labels: pinfo.Labels, Tree: root}, err
}

// Rewind restarts frame numbering for a revisit of the same frames. Tables
// are kept; every dissector sees Visited set.
func (e *Engine) Rewind() {
	e.frame = 0
	e.visited = true
}

// Reset forgets every table and restarts numbering, as when a new capture
// is opened.
func (e *Engine) Reset() {
	e.frame = 0
	e.first = time.Time{}
	e.visited = false
	e.decoder.Reset()
	e.analyzer.Reset()
	e.deseg.Reset()
	e.assembler.Reset()
	e.selector.reset()
	e.rpc.Reset()
}

func summary(f *decoder.Frame, pinfo *core.PacketInfo) string {
	proto := "IP"
	switch {
	case f.Fragment:
	case pinfo.Labels[core.LabelDCERPCPacketType] != "":
		proto = "DCERPC"
	case f.Transport.Protocol == core.ProtoTCP:
		proto = "TCP"
	case f.Transport.Protocol == core.ProtoUDP:
		proto = "UDP"
	}
	s := fmt.Sprintf("%s -> %s %s", pinfo.Src, pinfo.Dst, proto)
	if f.Fragment {
		s = fmt.Sprintf("%s -> %s %s", f.IP.SrcIP, f.IP.DstIP, proto)
	}
	if a := pinfo.Labels[core.LabelTCPAnalysis]; a != "" {
		s += " [" + a + "]"
	}
	if info := pinfo.Info(); info != "" {
		s += " " + info
	}
	return s
}

func tcpFlagString(flags uint8) string {
	var names []string
	for _, fl := range []struct {
		bit  uint8
		name string
	}{
		{core.TCPFlagSYN, "SYN"},
		{core.TCPFlagFIN, "FIN"},
		{core.TCPFlagRST, "RST"},
		{core.TCPFlagPSH, "PSH"},
		{core.TCPFlagACK, "ACK"},
		{core.TCPFlagURG, "URG"},
	} {
		if flags&fl.bit != 0 {
			names = append(names, fl.name)
		}
	}
	return fmt.Sprintf("0x%03x (%s)", flags, strings.Join(names, ", "))
}

// flowChoice remembers that a conversation carries DCE/RPC.
type flowChoice struct {
	since uint32
}

// selector decides which conversations are DCE/RPC: configured ports first,
// then the header heuristics. A positive heuristic sticks to the flow so
// segments continuing a PDU are not tested again.
type selector struct {
	co, cl     map[uint16]bool
	heuristics bool
	next       tcp.StreamDissector
	flows      *conversation.Table[*flowChoice]
}

func newSelector(cfg config.DCERPCConfig, next tcp.StreamDissector) *selector {
	s := &selector{
		co:         make(map[uint16]bool),
		cl:         make(map[uint16]bool),
		heuristics: cfg.Heuristics,
		next:       next,
		flows:      conversation.NewTable[*flowChoice](),
	}
	for _, p := range cfg.COPorts {
		s.co[uint16(p)] = true
	}
	for _, p := range cfg.CLPorts {
		s.cl[uint16(p)] = true
	}
	return s
}

func (s *selector) chosen(pinfo *core.PacketInfo, ports map[uint16]bool, heuristic func(*wire.Buffer) bool, buf *wire.Buffer) bool {
	if ports[pinfo.Src.Port] || ports[pinfo.Dst.Port] {
		return true
	}
	flow := pinfo.Flow(0)
	if _, ok := s.flows.Get(flow); ok {
		return true
	}
	if !s.heuristics || !heuristic(buf) {
		return false
	}
	if !pinfo.Visited {
		s.flows.Set(flow, &flowChoice{since: pinfo.Frame})
		slog.Debug("dcerpc heuristic matched", "frame", pinfo.Frame, "flow", flow.String())
	}
	return true
}

func (s *selector) selectCL(pinfo *core.PacketInfo, buf *wire.Buffer) bool {
	return s.chosen(pinfo, s.cl, dcerpc.IsCL, buf)
}

// DissectStream passes DCE/RPC streams to the PDU framer and shows anything
// else as opaque data.
func (s *selector) DissectStream(buf *wire.Buffer, pinfo *core.PacketInfo, tree *core.Node, canDesegment bool) (*tcp.DesegmentRequest, error) {
	if !s.chosen(pinfo, s.co, dcerpc.IsCO, buf) {
		tree.Add("Data", fmt.Sprintf("%d bytes", buf.Reported()), 0, buf.Reported())
		return nil, nil
	}
	return s.next.DissectStream(buf, pinfo, tree, canDesegment)
}

func (s *selector) reset() {
	s.flows.Reset()
}
