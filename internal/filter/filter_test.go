package filter

import (
	"io"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/core"
)

// tcpdump -dd ip
const ipOnly = `{ 0x28, 0, 0, 0x0000000c },
{ 0x15, 0, 1, 0x00000800 },
{ 0x6, 0, 0, 0x00040000 },
{ 0x6, 0, 0, 0x00000000 },
`

// tcpdump -ddd ip
const ipOnlyDecimal = `4
40 0 0 12
21 0 1 2048
6 0 0 262144
6 0 0 0
`

func frame(etherType uint16) core.RawPacket {
	b := make([]byte, 60)
	b[12], b[13] = byte(etherType>>8), byte(etherType)
	return core.RawPacket{Data: b, CaptureLen: 60, OrigLen: 60}
}

func TestBPF(t *testing.T) {
	for name, prog := range map[string]string{"dd": ipOnly, "ddd": ipOnlyDecimal} {
		t.Run(name, func(t *testing.T) {
			f, err := NewBPF(prog)
			require.NoError(t, err)
			assert.Equal(t, 4, f.insns)
			assert.True(t, f.Match(frame(0x0800)))
			assert.False(t, f.Match(frame(0x0806)))
			assert.False(t, f.Match(core.RawPacket{Data: []byte{1, 2}}))
		})
	}
}

func TestParseProgramErrors(t *testing.T) {
	tests := map[string]string{
		"empty":       "\n\n",
		"fields":      "{ 0x28, 0, 0 },",
		"number":      "{ 0x28, 0, 0, zz },",
		"jump range":  "{ 0x15, 300, 1, 0x800 },",
		"stray count": "{ 0x28, 0, 0, 0xc },\n7\n",
	}
	for name, prog := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProgram(prog)
			assert.ErrorIs(t, err, core.ErrConfigInvalid)
		})
	}
}

type sliceSource struct {
	frames []core.RawPacket
}

func (s *sliceSource) ReadPacket() (core.RawPacket, error) {
	if len(s.frames) == 0 {
		return core.RawPacket{}, io.EOF
	}
	p := s.frames[0]
	s.frames = s.frames[1:]
	return p, nil
}

func (s *sliceSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

func TestSource(t *testing.T) {
	f, err := NewBPF(ipOnly)
	require.NoError(t, err)
	src := NewSource(&sliceSource{frames: []core.RawPacket{frame(0x0806), frame(0x0800), frame(0x86dd)}}, Chain{f})

	p, err := src.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, byte(0x08), p.Data[12])
	assert.Equal(t, byte(0x00), p.Data[13])

	_, err = src.ReadPacket()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, uint64(2), src.Dropped())
	assert.Equal(t, layers.LinkTypeEthernet, src.LinkType())
}
