// Package tcp implements TCP sequence analysis, segment desegmentation and
// PDU framing for protocols carried over TCP.
package tcp

import (
	"fmt"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/wire"
)

// DesegmentRequest asks the transport for more bytes before the PDU that
// starts at Offset can be dissected.
type DesegmentRequest struct {
	Offset int // Start of the incomplete PDU in the offered buffer
	More   int // Bytes needed beyond the end of the offered buffer
}

// StreamDissector consumes a contiguous run of stream bytes. It returns a
// DesegmentRequest when canDesegment is set and the run ends inside a PDU.
type StreamDissector interface {
	DissectStream(buf *wire.Buffer, pinfo *core.PacketInfo, tree *core.Node, canDesegment bool) (*DesegmentRequest, error)
}

// PDULenFunc returns the total length of the PDU whose header starts at off.
// It may read only the fixed header.
type PDULenFunc func(buf *wire.Buffer, off int) (int, error)

// PDUFunc dissects exactly one PDU. The buffer's reported length is the PDU length.
type PDUFunc func(pdu *wire.Buffer, pinfo *core.PacketInfo, tree *core.Node) error

// Framer splits a stream into length-prefixed PDUs.
type Framer struct {
	Protocol       string // Label for malformed metrics
	FixedHeaderLen int
	PDULen         PDULenFunc
	Dissect        PDUFunc
}

// DissectStream walks buf PDU by PDU. A truncation inside one PDU marks that
// PDU malformed and moves on; a PDU length shorter than the fixed header is
// a framing error returned to the caller.
func (f *Framer) DissectStream(buf *wire.Buffer, pinfo *core.PacketInfo, tree *core.Node, canDesegment bool) (*DesegmentRequest, error) {
	off := 0
	for buf.Remaining(off) > 0 {
		avail := buf.Remaining(off)
		if canDesegment && avail < f.FixedHeaderLen {
			return &DesegmentRequest{Offset: off, More: f.FixedHeaderLen - avail}, nil
		}

		plen, err := f.PDULen(buf, off)
		if err != nil {
			if core.IsRecoverable(err) {
				f.malformed(tree, err, off, avail)
				return nil, nil
			}
			return nil, err
		}
		if plen < f.FixedHeaderLen {
			return nil, fmt.Errorf("%w: %s PDU length %d, header %d", core.ErrFraming, f.Protocol, plen, f.FixedHeaderLen)
		}
		if canDesegment && avail < plen {
			return &DesegmentRequest{Offset: off, More: plen - avail}, nil
		}

		pdu, err := buf.Sub(off, plen)
		if err != nil {
			return nil, err
		}
		if err := f.Dissect(pdu, pinfo, tree); err != nil {
			if !core.IsRecoverable(err) {
				return nil, err
			}
			f.malformed(tree, err, off, plen)
		}

		next := off + plen
		if next <= off {
			break
		}
		off = next
	}
	return nil, nil
}

func (f *Framer) malformed(tree *core.Node, err error, off, length int) {
	tree.Add(f.Protocol, err.Error(), off, length).Annotate(core.NoteMalformed)
	metrics.MalformedTotal.WithLabelValues(f.Protocol).Inc()
}
