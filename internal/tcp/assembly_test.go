package tcp

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/core"
)

func TestAssemblerFeedsFramer(t *testing.T) {
	p := &toyProto{}
	a := NewAssembler(p.framer())
	netFlow := gopacket.NewFlow(layers.EndpointIPv4, net.IP{10, 0, 0, 1}, net.IP{10, 0, 0, 2})

	seg := func(seq uint32, syn bool, data []byte) *layers.TCP {
		return &layers.TCP{
			SrcPort: 50123, DstPort: 135, Seq: seq, SYN: syn, ACK: !syn,
			BaseLayer: layers.BaseLayer{Payload: data},
		}
	}

	pdu := toyPDU(5, "fragmented body")
	steps := []*layers.TCP{
		seg(99, true, nil),
		seg(100, false, pdu[:7]),
		seg(107, false, pdu[7:]),
	}
	for i, s := range steps {
		require.NoError(t, a.Assemble(netFlow, s, &core.PacketInfo{Frame: uint32(i + 1)}, core.NewTree("f")))
	}
	require.Len(t, p.dissected, 1)
	assert.Equal(t, "fragmented body", string(p.dissected[0]))

	a.Reset()
}

func TestAssemblerFlushWithoutSYN(t *testing.T) {
	p := &toyProto{}
	a := NewAssembler(p.framer())
	a.SetMaxBuffered(16)
	netFlow := gopacket.NewFlow(layers.EndpointIPv4, net.IP{10, 0, 0, 1}, net.IP{10, 0, 0, 2})

	pdu := toyPDU(1, "late start")
	seg := &layers.TCP{SrcPort: 50123, DstPort: 135, Seq: 5000, ACK: true, BaseLayer: layers.BaseLayer{Payload: pdu}}
	now := time.Unix(1700000000, 0)
	require.NoError(t, a.Assemble(netFlow, seg, &core.PacketInfo{Frame: 1, Timestamp: now}, core.NewTree("f")))
	// No SYN was seen, so the bytes wait for a flush.
	assert.Empty(t, p.dissected)

	require.NoError(t, a.FlushOlderThan(now.Add(time.Second), &core.PacketInfo{Frame: 2}, core.NewTree("f")))
	require.Len(t, p.dissected, 1)
	assert.Equal(t, "late start", string(p.dissected[0]))
}
