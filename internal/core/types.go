// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
)

// IP protocol numbers used by the driver.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// EthernetHeader represents L2 Ethernet frame header.
type EthernetHeader struct {
	SrcMAC    [6]byte
	DstMAC    [6]byte
	EtherType uint16   // 0x0800=IPv4, 0x86DD=IPv6
	VLANs     []uint16 // 0~2 VLAN IDs
}

// IPHeader represents L3 IP header (IPv4/IPv6).
type IPHeader struct {
	Version  uint8
	SrcIP    netip.Addr
	DstIP    netip.Addr
	Protocol uint8 // TCP=6, UDP=17
	TTL      uint8
	TotalLen uint16
	ID       uint16 // IPv4 identification, used for defragmentation
}

// TransportHeader represents L4 transport layer header (TCP/UDP).
type TransportHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	// TCP-specific fields (only populated for TCP)
	TCPFlags  uint8
	SeqNum    uint32
	AckNum    uint32
	Window    uint16
	HeaderLen int
}

// TCP flag bits as carried in TransportHeader.TCPFlags.
const (
	TCPFlagFIN uint8 = 0x01
	TCPFlagSYN uint8 = 0x02
	TCPFlagRST uint8 = 0x04
	TCPFlagPSH uint8 = 0x08
	TCPFlagACK uint8 = 0x10
	TCPFlagURG uint8 = 0x20
)

// Endpoint is one side of a flow.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

func (e Endpoint) less(o Endpoint) bool {
	if c := e.Addr.Compare(o.Addr); c != 0 {
		return c < 0
	}
	return e.Port < o.Port
}

// FlowKey identifies a conversation: an endpoint pair, the transport protocol
// and an optional sub-channel (for protocols multiplexed over one transport).
// Build it with NewFlowKey so both directions map to the same key.
type FlowKey struct {
	A, B       Endpoint
	Proto      uint8
	SubChannel uint64
}

// NewFlowKey returns the canonical key for src/dst. The lower endpoint is always A.
func NewFlowKey(src, dst Endpoint, proto uint8, sub uint64) FlowKey {
	if dst.less(src) {
		src, dst = dst, src
	}
	return FlowKey{A: src, B: dst, Proto: proto, SubChannel: sub}
}

// Direction returns 0 when src is the canonical A side, 1 otherwise.
func (k FlowKey) Direction(src Endpoint) uint8 {
	if src == k.A {
		return 0
	}
	return 1
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s<->%s/%d#%d", k.A, k.B, k.Proto, k.SubChannel)
}
