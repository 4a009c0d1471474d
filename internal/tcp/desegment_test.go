package tcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/reassembly"
	"firestige.xyz/dissect/internal/wire"
)

func clientSegment(frame uint32, visited bool) *core.PacketInfo {
	return &core.PacketInfo{
		Frame: frame, Timestamp: start, Src: client, Dst: server,
		Proto: core.ProtoTCP, Visited: visited,
	}
}

func TestDesegmentPDUAcrossTwoSegments(t *testing.T) {
	p := &toyProto{}
	d := NewDesegmenter(p.framer(), true, reassembly.Config{})

	a := toyPDU(1, "0123456789")
	b := toyPDU(2, "x")
	seg1 := a[:9]
	seg2 := append(append([]byte{}, a[9:]...), b...)

	for pass, visited := range []bool{false, true} {
		p.dissected = nil

		t1 := core.NewTree("frame1")
		require.NoError(t, d.Process(wire.FromBytes(seg1), 1000, clientSegment(1, visited), t1))
		assert.Empty(t, p.dissected, "pass %d: nothing complete in frame 1", pass)
		assert.True(t, t1.HasNote(core.NoteSegmentOfPDU))

		t2 := core.NewTree("frame2")
		require.NoError(t, d.Process(wire.FromBytes(seg2), 1009, clientSegment(2, visited), t2))
		require.Len(t, p.dissected, 2, "pass %d", pass)
		assert.Equal(t, "0123456789", string(p.dissected[0]))
		assert.Equal(t, "x", string(p.dissected[1]))
		assert.True(t, t2.HasNote(core.NoteReassembled))
	}
}

func TestDesegmentExtendsWhenHeaderWasSplit(t *testing.T) {
	p := &toyProto{}
	d := NewDesegmenter(p.framer(), true, reassembly.Config{})
	pdu := toyPDU(9, "abcdefghij")

	require.NoError(t, d.Process(wire.FromBytes(pdu[:2]), 1, clientSegment(1, false), core.NewTree("f1")))
	assert.Empty(t, p.dissected)

	require.NoError(t, d.Process(wire.FromBytes(pdu[2:]), 3, clientSegment(2, false), core.NewTree("f2")))
	require.Len(t, p.dissected, 1)
	assert.Equal(t, "abcdefghij", string(p.dissected[0]))
}

func TestDesegmentThreeSegments(t *testing.T) {
	p := &toyProto{}
	d := NewDesegmenter(p.framer(), true, reassembly.Config{})
	pdu := toyPDU(3, "the quick brown fox")

	seq := uint32(4000)
	for i, cut := range [][2]int{{0, 6}, {6, 15}, {15, len(pdu)}} {
		chunk := pdu[cut[0]:cut[1]]
		require.NoError(t, d.Process(wire.FromBytes(chunk), seq, clientSegment(uint32(i+1), false), core.NewTree("f")))
		seq += uint32(len(chunk))
	}
	require.Len(t, p.dissected, 1)
	assert.Equal(t, "the quick brown fox", string(p.dissected[0]))
}

func TestDesegmentDisabledShowsTruncatedPDU(t *testing.T) {
	p := &toyProto{}
	d := NewDesegmenter(p.framer(), false, reassembly.Config{})
	pdu := toyPDU(1, "0123456789")

	tree := core.NewTree("f")
	require.NoError(t, d.Process(wire.FromBytes(pdu[:9]), 1, clientSegment(1, false), tree))
	assert.Empty(t, p.dissected)
	assert.True(t, tree.HasNote(core.NoteMalformed))

	d.Reset()
}

func TestDesegmentLongStreamOfSpanningPDUs(t *testing.T) {
	p := &toyProto{}
	d := NewDesegmenter(p.framer(), true, reassembly.Config{})

	// Every segment carries the tail of one PDU and the head of the next.
	const n = 2000
	var stream []byte
	for i := 0; i <= n; i++ {
		stream = append(stream, toyPDU(uint16(i), "0123456789")...)
	}
	const pduLen, cut = 14, 9
	base := uint32(0xfffff000) // crosses the sequence wrap
	pos := 0
	for frame := uint32(1); pos < len(stream); frame++ {
		end := int(frame-1)*pduLen + cut
		if end > len(stream) {
			end = len(stream)
		}
		require.NoError(t, d.Process(wire.FromBytes(stream[pos:end]), base+uint32(pos), clientSegment(frame, false), core.NewTree("f")))
		pos = end
	}
	require.Len(t, p.dissected, n+1)
	assert.Equal(t, "0123456789", string(p.dissected[n]))

	flow := clientSegment(1, false).Flow(0)
	st, ok := d.streams.Get(flow)
	require.True(t, ok)
	dir := flow.Direction(client)
	list := st.msps[dir]
	require.Len(t, list, n+1)
	for i := 1; i < len(list); i++ {
		require.True(t, seqLT(list[i-1].seq, list[i].seq))
	}

	// MSP i covers PDU i.
	for _, i := range []int{0, 1, n / 2, n} {
		m := st.find(dir, base+uint32(i*pduLen+cut))
		require.NotNil(t, m, "pdu %d", i)
		assert.Equal(t, base+uint32(i*pduLen), m.seq)
		assert.Equal(t, base+uint32((i+1)*pduLen), m.nxtpdu)
		assert.Same(t, m, st.find(dir, base+uint32(i*pduLen)))
		assert.Same(t, m, st.find(dir, base+uint32((i+1)*pduLen-1)))
	}
	assert.Nil(t, st.find(dir, base+uint32((n+1)*pduLen)))
	assert.Nil(t, st.find(dir, base-1))
}

func TestDesegmentExpireDropsIdlePDUs(t *testing.T) {
	p := &toyProto{}
	d := NewDesegmenter(p.framer(), true, reassembly.Config{Timeout: time.Second})
	pdu := toyPDU(1, "0123456789")

	require.NoError(t, d.Process(wire.FromBytes(pdu[:9]), 1, clientSegment(1, false), core.NewTree("f")))
	assert.Equal(t, 1, d.frags.Len())
	assert.Zero(t, d.Expire(start.Add(500*time.Millisecond)))
	assert.Equal(t, 1, d.Expire(start.Add(2*time.Second)))
	assert.Zero(t, d.frags.Len())
}
