package tcp

import (
	"strings"
	"time"

	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/metrics"
)

// Flags are the sequence analysis findings for one segment.
type Flags uint16

const (
	FlagRetransmission Flags = 1 << iota
	FlagOutOfOrder
	FlagPrevSegmentLost
	FlagDuplicateAck
	FlagKeepAlive
	FlagZeroWindow
)

var flagInfo = []struct {
	flag Flags
	name string
	note string
}{
	{FlagRetransmission, "retransmission", core.NoteRetransmission},
	{FlagOutOfOrder, "out_of_order", core.NoteOutOfOrder},
	{FlagPrevSegmentLost, "previous_segment_lost", core.NotePrevSegmentLost},
	{FlagDuplicateAck, "duplicate_ack", core.NoteDuplicateAck},
	{FlagKeepAlive, "keep_alive", core.NoteKeepAlive},
	{FlagZeroWindow, "zero_window", core.NoteZeroWindow},
}

// Has reports whether every bit of o is set.
func (f Flags) Has(o Flags) bool { return f&o == o }

// Notes returns the advisory notes for the set flags.
func (f Flags) Notes() []string {
	var out []string
	for _, fi := range flagInfo {
		if f.Has(fi.flag) {
			out = append(out, fi.note)
		}
	}
	return out
}

func (f Flags) String() string {
	var names []string
	for _, fi := range flagInfo {
		if f.Has(fi.flag) {
			names = append(names, fi.name)
		}
	}
	return strings.Join(names, ",")
}

// Result is the analysis of one segment.
type Result struct {
	Stream uint32 // Conversation index, in order of first appearance
	Dir    uint8
	Flags  Flags
	RelSeq uint32
	RelAck uint32
	Len    int
}

type direction struct {
	init       bool
	base       uint32
	nextSeq    uint32
	lastAck    uint32
	lastWindow uint16
	sawAck     bool
	lastData   time.Time
}

type flowState struct {
	stream uint32
	dirs   [2]direction
}

// Analyzer tracks both directions of every TCP conversation. Results are
// memoized per frame so a revisit returns what the first pass computed.
type Analyzer struct {
	flows        *conversation.Table[*flowState]
	frames       map[uint32]Result
	oooThreshold time.Duration
	streams      uint32
}

// NewAnalyzer creates an analyzer. Segments arriving below the next expected
// sequence number within oooThreshold of the previous data segment are
// classified out-of-order rather than retransmitted.
func NewAnalyzer(oooThreshold time.Duration) *Analyzer {
	if oooThreshold <= 0 {
		oooThreshold = 3 * time.Millisecond
	}
	return &Analyzer{
		flows:        conversation.NewTable[*flowState](),
		frames:       make(map[uint32]Result),
		oooThreshold: oooThreshold,
	}
}

func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }

// Analyze classifies one segment.
func (a *Analyzer) Analyze(pinfo *core.PacketInfo, hdr core.TransportHeader, payloadLen int) Result {
	if r, ok := a.frames[pinfo.Frame]; ok && pinfo.Visited {
		return r
	}

	flow := pinfo.Flow(0)
	st := a.flows.GetOrCreate(flow, func() *flowState {
		s := &flowState{stream: a.streams}
		a.streams++
		metrics.ConversationsActive.WithLabelValues("tcp").Inc()
		return s
	})
	dir := flow.Direction(pinfo.Src)
	d, rev := &st.dirs[dir], &st.dirs[1-dir]

	flags := hdr.TCPFlags
	control := flags&(core.TCPFlagSYN|core.TCPFlagFIN|core.TCPFlagRST) != 0
	seglen := uint32(payloadLen)
	if flags&(core.TCPFlagSYN|core.TCPFlagFIN) != 0 {
		seglen++
	}

	var f Flags
	seq := hdr.SeqNum
	if !d.init {
		d.init = true
		d.base = seq
		d.nextSeq = seq
	} else {
		switch {
		case payloadLen <= 1 && !control && seq == d.nextSeq-1:
			f |= FlagKeepAlive
		case seglen > 0 && seqGT(seq, d.nextSeq):
			f |= FlagPrevSegmentLost
		case seglen > 0 && seqLT(seq, d.nextSeq):
			if !d.lastData.IsZero() && pinfo.Timestamp.Sub(d.lastData) < a.oooThreshold {
				f |= FlagOutOfOrder
			} else {
				f |= FlagRetransmission
			}
		}
		if payloadLen == 0 && !control && flags&core.TCPFlagACK != 0 && d.sawAck &&
			hdr.AckNum == d.lastAck && hdr.Window == d.lastWindow && !f.Has(FlagKeepAlive) {
			f |= FlagDuplicateAck
		}
	}
	if hdr.Window == 0 && !control {
		f |= FlagZeroWindow
	}

	if end := seq + seglen; !f.Has(FlagKeepAlive) && seqGT(end, d.nextSeq) {
		d.nextSeq = end
	}
	if payloadLen > 0 {
		d.lastData = pinfo.Timestamp
	}
	if flags&core.TCPFlagACK != 0 {
		d.lastAck = hdr.AckNum
		d.lastWindow = hdr.Window
		d.sawAck = true
	}

	r := Result{
		Stream: st.stream,
		Dir:    dir,
		Flags:  f,
		RelSeq: seq - d.base,
		Len:    payloadLen,
	}
	if rev.init && flags&core.TCPFlagACK != 0 {
		r.RelAck = hdr.AckNum - rev.base
	}
	if !pinfo.Visited {
		for _, fi := range flagInfo {
			if f.Has(fi.flag) {
				metrics.TCPAnalysisTotal.WithLabelValues(fi.name).Inc()
			}
		}
	}
	a.frames[pinfo.Frame] = r
	return r
}

// Reset forgets every conversation.
func (a *Analyzer) Reset() {
	metrics.ConversationsActive.WithLabelValues("tcp").Sub(float64(a.flows.Count()))
	a.flows.Reset()
	a.frames = make(map[uint32]Result)
	a.streams = 0
}
