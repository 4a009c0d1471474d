package tcp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"firestige.xyz/dissect/internal/core"
)

var (
	client = core.Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 50123}
	server = core.Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 135}
	start  = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type segment struct {
	frame   uint32
	at      time.Duration
	fromCli bool
	seq     uint32
	ack     uint32
	flags   uint8
	window  uint16
	length  int
}

func (s segment) run(a *Analyzer, visited bool) Result {
	src, dst := client, server
	if !s.fromCli {
		src, dst = server, client
	}
	window := s.window
	if window == 0 {
		window = 8192
	}
	pinfo := &core.PacketInfo{
		Frame: s.frame, Timestamp: start.Add(s.at), Src: src, Dst: dst,
		Proto: core.ProtoTCP, Visited: visited,
	}
	hdr := core.TransportHeader{
		SrcPort: src.Port, DstPort: dst.Port, Protocol: core.ProtoTCP,
		TCPFlags: s.flags, SeqNum: s.seq, AckNum: s.ack, Window: window,
	}
	return a.Analyze(pinfo, hdr, s.length)
}

const ack = core.TCPFlagACK

func TestAnalyzerInOrderStream(t *testing.T) {
	a := NewAnalyzer(0)
	segs := []segment{
		{frame: 1, fromCli: true, seq: 1000, flags: core.TCPFlagSYN},
		{frame: 2, seq: 5000, ack: 1001, flags: core.TCPFlagSYN | ack},
		{frame: 3, fromCli: true, seq: 1001, ack: 5001, flags: ack, length: 100},
		{frame: 4, seq: 5001, ack: 1101, flags: ack, length: 50},
	}
	var last Result
	for _, s := range segs {
		last = s.run(a, false)
		assert.Zero(t, last.Flags, "frame %d: %s", s.frame, last.Flags)
	}
	assert.Equal(t, uint32(1), last.RelSeq)
	assert.Equal(t, uint32(101), last.RelAck)
}

func TestAnalyzerLossRetransmissionOutOfOrder(t *testing.T) {
	a := NewAnalyzer(5 * time.Millisecond)
	segment{frame: 1, fromCli: true, seq: 1, flags: ack, length: 100}.run(a, false)

	lost := segment{frame: 2, at: 10 * time.Millisecond, fromCli: true, seq: 201, flags: ack, length: 100}.run(a, false)
	assert.True(t, lost.Flags.Has(FlagPrevSegmentLost))

	// Arrives 1ms later: the gap is filled out of order.
	ooo := segment{frame: 3, at: 11 * time.Millisecond, fromCli: true, seq: 101, flags: ack, length: 100}.run(a, false)
	assert.True(t, ooo.Flags.Has(FlagOutOfOrder), "got %s", ooo.Flags)

	// Much later the same bytes again: retransmission.
	rtx := segment{frame: 4, at: 500 * time.Millisecond, fromCli: true, seq: 101, flags: ack, length: 100}.run(a, false)
	assert.True(t, rtx.Flags.Has(FlagRetransmission), "got %s", rtx.Flags)
}

func TestAnalyzerDupAckKeepAliveZeroWindow(t *testing.T) {
	a := NewAnalyzer(0)
	segment{frame: 1, fromCli: true, seq: 1, flags: ack, length: 10}.run(a, false)
	segment{frame: 2, seq: 1, ack: 11, flags: ack}.run(a, false)
	dup := segment{frame: 3, seq: 1, ack: 11, flags: ack}.run(a, false)
	assert.True(t, dup.Flags.Has(FlagDuplicateAck))

	ka := segment{frame: 4, at: time.Second, fromCli: true, seq: 10, flags: ack, length: 1}.run(a, false)
	assert.True(t, ka.Flags.Has(FlagKeepAlive), "got %s", ka.Flags)

	zero := a.Analyze(&core.PacketInfo{Frame: 6, Src: server, Dst: client, Proto: core.ProtoTCP},
		core.TransportHeader{SeqNum: 1, AckNum: 11, TCPFlags: ack, Window: 0}, 0)
	assert.True(t, zero.Flags.Has(FlagZeroWindow))
	assert.Contains(t, zero.Flags.Notes(), core.NoteZeroWindow)
}

func TestAnalyzerRevisitReturnsFirstPassResult(t *testing.T) {
	a := NewAnalyzer(0)
	segs := []segment{
		{frame: 1, fromCli: true, seq: 1, flags: ack, length: 100},
		{frame: 2, at: time.Second, fromCli: true, seq: 1, flags: ack, length: 100},
	}
	first := []Result{segs[0].run(a, false), segs[1].run(a, false)}
	second := []Result{segs[0].run(a, true), segs[1].run(a, true)}
	assert.Equal(t, first, second)
	assert.True(t, second[1].Flags.Has(FlagRetransmission))

	a.Reset()
	assert.Zero(t, segs[1].run(a, false).Flags)
}
