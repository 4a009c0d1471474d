package filter

import (
	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/core"
)

type packetSource interface {
	ReadPacket() (core.RawPacket, error)
	LinkType() layers.LinkType
}

// Source yields the frames of an inner source that f keeps.
type Source struct {
	inner   packetSource
	f       Filter
	dropped uint64
}

func NewSource(inner packetSource, f Filter) *Source {
	return &Source{inner: inner, f: f}
}

func (s *Source) ReadPacket() (core.RawPacket, error) {
	for {
		p, err := s.inner.ReadPacket()
		if err != nil {
			return p, err
		}
		if s.f.Match(p) {
			return p, nil
		}
		s.dropped++
	}
}

func (s *Source) LinkType() layers.LinkType { return s.inner.LinkType() }

// Dropped returns the number of frames the filter rejected.
func (s *Source) Dropped() uint64 { return s.dropped }
