package tcp

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/reassembly"
	"firestige.xyz/dissect/internal/wire"
)

// mspKey identifies the reassembly group of one multi-segment PDU.
type mspKey struct {
	Flow core.FlowKey
	Dir  uint8
	Seq  uint32
}

// msp is a multi-segment PDU: stream bytes [seq, nxtpdu) that must be
// collected before the stream dissector sees them.
type msp struct {
	seq        uint32
	nxtpdu     uint32
	firstFrame uint32
}

func (m *msp) contains(seq uint32) bool {
	return !seqLT(seq, m.seq) && seqLT(seq, m.nxtpdu)
}

// streamState keeps the MSPs of each direction ordered by starting sequence
// number. Records stay for the life of the flow so revisits find them.
type streamState struct {
	msps [2][]*msp
}

// find returns the MSP with the highest start not after seq if it contains
// seq.
func (s *streamState) find(dir uint8, seq uint32) *msp {
	list := s.msps[dir]
	i := sort.Search(len(list), func(i int) bool { return seqLT(seq, list[i].seq) })
	if i == 0 {
		return nil
	}
	if m := list[i-1]; m.contains(seq) {
		return m
	}
	return nil
}

// insert places m after every MSP starting at or before it.
func (s *streamState) insert(dir uint8, m *msp) {
	list := s.msps[dir]
	i := sort.Search(len(list), func(i int) bool { return seqLT(m.seq, list[i].seq) })
	if i == len(list) {
		s.msps[dir] = append(list, m)
		return
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = m
	s.msps[dir] = list
}

// Desegmenter collects PDUs that span segments and hands complete runs of
// bytes to a StreamDissector. It expects segments in sequence order; the
// analyzer flags anything else.
type Desegmenter struct {
	dissector StreamDissector
	streams   *conversation.Table[*streamState]
	frags     *reassembly.Table[mspKey]
	enabled   bool
}

// NewDesegmenter creates a desegmenter. With enabled false every segment is
// dissected on its own and PDUs crossing a boundary are shown truncated.
func NewDesegmenter(d StreamDissector, enabled bool, cfg reassembly.Config) *Desegmenter {
	cfg.Mode = reassembly.ByOffset
	if cfg.Name == "" {
		cfg.Name = "tcp"
	}
	return &Desegmenter{
		dissector: d,
		streams:   conversation.NewTable[*streamState](),
		frags:     reassembly.New[mspKey](cfg),
		enabled:   enabled,
	}
}

// Process dissects the payload of one segment whose first byte has sequence
// number seq.
func (s *Desegmenter) Process(buf *wire.Buffer, seq uint32, pinfo *core.PacketInfo, tree *core.Node) error {
	flow := pinfo.Flow(0)
	dir := flow.Direction(pinfo.Src)
	st := s.streams.GetOrCreate(flow, func() *streamState { return &streamState{} })

	// A truncated capture cannot feed reassembly.
	canDesegment := s.enabled && !buf.Truncated()

	off := 0
	for buf.Remaining(off) > 0 {
		cur := seq + uint32(off)
		if m := st.find(dir, cur); m != nil && canDesegment && !(m.seq == cur && m.firstFrame == pinfo.Frame) {
			n, err := s.continueMSP(st, flow, dir, m, buf, off, cur, pinfo, tree)
			if err != nil {
				return err
			}
			off += n
			continue
		}

		rest, err := buf.Rest(off)
		if err != nil {
			return err
		}
		req, err := s.dissector.DissectStream(rest, pinfo, tree, canDesegment)
		if err != nil {
			return err
		}
		if req == nil || !canDesegment {
			return nil
		}

		start := off + req.Offset
		tree.Add("tcp.segment_data", fmt.Sprintf("%d bytes", buf.Len()-start), start, buf.Len()-start).
			Annotate(core.NoteSegmentOfPDU)
		if !pinfo.Visited {
			m := &msp{
				seq:        seq + uint32(start),
				nxtpdu:     seq + uint32(buf.Len()) + uint32(req.More),
				firstFrame: pinfo.Frame,
			}
			st.insert(dir, m)
			key := mspKey{Flow: flow, Dir: dir, Seq: m.seq}
			s.frags.SetTotalLength(key, int(m.nxtpdu-m.seq))
			if _, err := s.frags.Add(key, 0, buf.Tail(start), false, pinfo.Frame, pinfo.Timestamp); err != nil {
				slog.Debug("tcp desegmentation dropped", "frame", pinfo.Frame, "error", err)
			}
		}
		return nil
	}
	return nil
}

// continueMSP feeds the part of the segment at off that belongs to m and
// returns the number of bytes it consumed.
func (s *Desegmenter) continueMSP(st *streamState, flow core.FlowKey, dir uint8, m *msp, buf *wire.Buffer, off int, cur uint32, pinfo *core.PacketInfo, tree *core.Node) (int, error) {
	take := int(m.nxtpdu - cur)
	if avail := buf.Remaining(off); take > avail {
		take = avail
	}
	key := mspKey{Flow: flow, Dir: dir, Seq: m.seq}

	var g *reassembly.Group[mspKey]
	if pinfo.Visited {
		g, _ = s.frags.Get(key)
	} else {
		var err error
		g, err = s.frags.Add(key, int(cur-m.seq), buf.Tail(off)[:take], false, pinfo.Frame, pinfo.Timestamp)
		if err != nil {
			slog.Debug("tcp desegmentation dropped", "frame", pinfo.Frame, "error", err)
			tree.Add("tcp.segment_data", fmt.Sprintf("%d bytes", take), off, take).Annotate(core.NoteMalformed)
			return take, nil
		}
	}

	if g == nil || !g.Complete() || g.ReassembledIn() != pinfo.Frame {
		tree.Add("tcp.segment_data", fmt.Sprintf("%d bytes", take), off, take).Annotate(core.NoteSegmentOfPDU)
		return take, nil
	}

	data := g.Data()
	req, err := s.dissector.DissectStream(wire.FromBytes(data), pinfo, tree, true)
	if err != nil {
		return take, err
	}
	if req == nil {
		tree.Add("tcp.reassembled", fmt.Sprintf("%d bytes in frames %v", len(data), g.Frames()), off, take).
			Annotate(core.NoteReassembled)
		return take, nil
	}
	if pinfo.Visited {
		return take, nil
	}

	if req.Offset == 0 {
		// The PDU is longer than announced: extend and keep collecting.
		m.nxtpdu = m.seq + uint32(len(data)+req.More)
		s.frags.SetTotalLength(key, int(m.nxtpdu-m.seq))
		return take, nil
	}

	// Complete PDUs precede req.Offset; the tail starts a new MSP.
	nm := &msp{
		seq:        m.seq + uint32(req.Offset),
		nxtpdu:     m.seq + uint32(len(data)+req.More),
		firstFrame: pinfo.Frame,
	}
	m.nxtpdu = nm.seq
	st.insert(dir, nm)
	nkey := mspKey{Flow: flow, Dir: dir, Seq: nm.seq}
	s.frags.SetTotalLength(nkey, int(nm.nxtpdu-nm.seq))
	if _, err := s.frags.Add(nkey, 0, data[req.Offset:], false, pinfo.Frame, pinfo.Timestamp); err != nil {
		slog.Debug("tcp desegmentation dropped", "frame", pinfo.Frame, "error", err)
	}
	return take, nil
}

// Expire drops partial PDUs idle longer than the reassembly timeout and
// returns how many were dropped.
func (s *Desegmenter) Expire(now time.Time) int {
	return s.frags.Expire(now)
}

// Reset forgets every partial PDU.
func (s *Desegmenter) Reset() {
	s.streams.Reset()
	s.frags.Reset()
}
