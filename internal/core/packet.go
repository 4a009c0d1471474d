// Package core defines core data structures with zero external dependencies.
package core

import (
	"strings"
	"time"
)

// RawPacket is one captured frame as handed over by a source.
type RawPacket struct {
	Data       []byte    // Raw frame data
	Timestamp  time.Time // Capture timestamp
	CaptureLen uint32    // Actual captured length
	OrigLen    uint32    // Original frame length
}

// DecodedPacket is the result of L2-L4 protocol stack decoding.
type DecodedPacket struct {
	Timestamp time.Time
	Ethernet  EthernetHeader
	IP        IPHeader
	Transport TransportHeader
	Payload   []byte // Application layer payload as captured
	// PayloadLen is the payload length the headers claim. It exceeds
	// len(Payload) when the capture was truncated by the snap length.
	PayloadLen  int
	CaptureLen  uint32
	OrigLen     uint32
	Fragment    bool // IPv4 fragment still waiting for its siblings
	Reassembled bool // Whether packet went through IP fragment reassembly
}

// PacketInfo carries per-frame context through every dissector.
type PacketInfo struct {
	Frame     uint32
	Timestamp time.Time
	Delta     time.Duration // Time since the first frame
	Src, Dst  Endpoint
	Proto     uint8
	// Visited is set when the frame is dissected again after a complete pass.
	// Stateful dissectors must not mutate their tables on revisits.
	Visited bool
	Labels  Labels
	info    []string
}

// Flow returns the canonical conversation key of this frame.
func (p *PacketInfo) Flow(sub uint64) FlowKey {
	return NewFlowKey(p.Src, p.Dst, p.Proto, sub)
}

// SetLabel records a label, allocating the map on first use.
func (p *PacketInfo) SetLabel(key, value string) {
	if p.Labels == nil {
		p.Labels = make(Labels)
	}
	p.Labels[key] = value
}

// AddInfo appends to the one-line summary of the frame.
func (p *PacketInfo) AddInfo(s string) {
	p.info = append(p.info, s)
}

// Info returns the one-line summary.
func (p *PacketInfo) Info() string {
	return strings.Join(p.info, ", ")
}

// Dissection is the complete output for one frame.
type Dissection struct {
	Frame     uint32    `json:"frame" yaml:"frame"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Summary   string    `json:"summary" yaml:"summary"`
	Labels    Labels    `json:"labels,omitempty" yaml:"labels,omitempty"`
	Tree      *Node     `json:"tree" yaml:"tree"`
}
