package tcp

import (
	"log/slog"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/tcpassembly"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/wire"
)

// Assembler feeds a StreamDissector from gopacket's stream reassembly instead
// of the desegmenter. Ordered bytes are delivered synchronously while the
// frame that completed them is being processed, so PDUs land in that frame's
// tree. It keeps no per-frame history and cannot replay a revisit.
type Assembler struct {
	factory     *streamFactory
	assembler   *tcpassembly.Assembler
	maxBuffered int
}

// NewAssembler creates an assembler driving d.
func NewAssembler(d StreamDissector) *Assembler {
	a := &Assembler{factory: &streamFactory{dissector: d}}
	a.Reset()
	return a
}

// Assemble adds one segment. Any PDU completed by it is dissected into tree.
func (a *Assembler) Assemble(netFlow gopacket.Flow, seg *layers.TCP, pinfo *core.PacketInfo, tree *core.Node) error {
	a.factory.pinfo, a.factory.tree, a.factory.err = pinfo, tree, nil
	a.assembler.AssembleWithTimestamp(netFlow, seg, pinfo.Timestamp)
	return a.factory.err
}

// SetMaxBuffered caps the out-of-order pages held per connection. Zero means
// unlimited.
func (a *Assembler) SetMaxBuffered(pages int) {
	a.maxBuffered = pages
	a.assembler.MaxBufferedPagesPerConnection = pages
}

// FlushOlderThan delivers data held for streams idle since before t, giving
// up on missing segments.
func (a *Assembler) FlushOlderThan(t time.Time, pinfo *core.PacketInfo, tree *core.Node) error {
	a.factory.pinfo, a.factory.tree, a.factory.err = pinfo, tree, nil
	a.assembler.FlushOlderThan(t)
	return a.factory.err
}

// Flush delivers everything still buffered, closing every stream.
func (a *Assembler) Flush(pinfo *core.PacketInfo, tree *core.Node) error {
	a.factory.pinfo, a.factory.tree, a.factory.err = pinfo, tree, nil
	a.assembler.FlushAll()
	return a.factory.err
}

// Reset drops all stream state.
func (a *Assembler) Reset() {
	pool := tcpassembly.NewStreamPool(a.factory)
	a.assembler = tcpassembly.NewAssembler(pool)
	a.assembler.MaxBufferedPagesPerConnection = a.maxBuffered
}

// streamFactory implements tcpassembly.StreamFactory.
type streamFactory struct {
	dissector StreamDissector
	pinfo     *core.PacketInfo
	tree      *core.Node
	err       error
}

func (f *streamFactory) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	slog.Debug("tcp stream opened", "net", netFlow.String(), "transport", tcpFlow.String())
	return &stream{factory: f}
}

// stream buffers bytes until the dissector has whole PDUs.
type stream struct {
	factory *streamFactory
	pending []byte
}

func (s *stream) Reassembled(rs []tcpassembly.Reassembly) {
	for _, r := range rs {
		if r.Skip != 0 {
			// Bytes were lost; a partial PDU can never complete.
			s.pending = s.pending[:0]
			if s.factory.tree != nil {
				s.factory.tree.Annotate(core.NotePrevSegmentLost)
			}
		}
		s.pending = append(s.pending, r.Bytes...)
	}
	s.flush(true)
}

func (s *stream) ReassemblyComplete() {
	s.flush(false)
	s.pending = nil
}

func (s *stream) flush(canDesegment bool) {
	if len(s.pending) == 0 || s.factory.pinfo == nil {
		return
	}
	f := s.factory
	req, err := f.dissector.DissectStream(wire.FromBytes(s.pending), f.pinfo, f.tree, canDesegment)
	if err != nil {
		if f.err == nil {
			f.err = err
		}
		s.pending = s.pending[:0]
		return
	}
	if req == nil {
		s.pending = s.pending[:0]
		return
	}
	n := copy(s.pending, s.pending[req.Offset:])
	s.pending = s.pending[:n]
}
