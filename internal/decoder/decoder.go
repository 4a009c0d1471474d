// Package decoder turns captured frames into L2-L4 headers and a transport
// payload using gopacket's DecodingLayerParser.
package decoder

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/reassembly"
)

// Frame is one decoded frame. TCP and NetFlow feed gopacket's stream
// assembler; TCP is only valid until the next Decode.
type Frame struct {
	core.DecodedPacket
	NetFlow gopacket.Flow
	TCP     *layers.TCP
}

type fragKey struct {
	src, dst netip.Addr
	id       uint16
	proto    layers.IPProtocol
}

// Decoder decodes frames of one link type. It is not safe for concurrent use.
type Decoder struct {
	parser *gopacket.DecodingLayerParser

	eth     layers.Ethernet
	sll     layers.LinuxSLL
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload

	decoded []gopacket.LayerType
	frags   *reassembly.Table[fragKey]
	limiter *fragmentLimiter
	// Highest frame number decoded; lower or equal numbers are revisits.
	lastFrame uint32

	statistics
}

type statistics struct {
	ipv4Count  uint64
	ipv6Count  uint64
	tcpCount   uint64
	udpCount   uint64
	fragCount  uint64
	otherCount uint64
}

// Stats reports per-protocol frame counts.
type Stats struct {
	IPv4, IPv6, TCP, UDP, Fragments, Other uint64
	// Fragments refused by the per-source limit.
	RateLimited uint64
}

// FirstLayer maps a capture link type to the layer decoding starts at.
func FirstLayer(lt layers.LinkType) (gopacket.LayerType, error) {
	switch lt {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet, nil
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		return layers.LayerTypeIPv4, nil
	case layers.LinkTypeIPv6:
		return layers.LayerTypeIPv6, nil
	}
	return gopacket.LayerTypeZero, fmt.Errorf("%w: link type %s", core.ErrUnsupportedProto, lt)
}

// ParseLinkType resolves a configured link type name.
func ParseLinkType(name string) (layers.LinkType, error) {
	switch name {
	case "", "ethernet", "en10mb":
		return layers.LinkTypeEthernet, nil
	case "linux_sll", "sll":
		return layers.LinkTypeLinuxSLL, nil
	case "raw", "ipv4":
		return layers.LinkTypeRaw, nil
	case "ipv6":
		return layers.LinkTypeIPv6, nil
	}
	return 0, fmt.Errorf("%w: unknown link type %q", core.ErrConfigInvalid, name)
}

// New creates a decoder for lt. cfg bounds the IPv4 fragment table.
func New(lt layers.LinkType, cfg reassembly.Config) (*Decoder, error) {
	first, err := FirstLayer(lt)
	if err != nil {
		return nil, err
	}
	cfg.Name = "ipv4"
	cfg.Mode = reassembly.ByOffset

	d := &Decoder{frags: reassembly.New[fragKey](cfg)}
	d.parser = gopacket.NewDecodingLayerParser(
		first,
		&d.eth,
		&d.sll,
		&d.dot1q,
		&d.ip4,
		&d.ip6,
		&d.tcp,
		&d.udp,
		&d.payload,
	)
	d.parser.IgnoreUnsupported = true
	return d, nil
}

// SetFragmentLimit caps the IPv4 fragments accepted from one source address
// per window of capture time. A non-positive max disables the limit.
func (d *Decoder) SetFragmentLimit(max int, window time.Duration) {
	d.limiter = newFragmentLimiter(max, window)
}

// Decode decodes one frame. A frame that is not TCP or UDP over IP returns
// core.ErrUnsupportedProto. An IPv4 fragment that does not complete its
// datagram returns a Frame with Fragment set and no transport header.
func (d *Decoder) Decode(raw core.RawPacket, frame uint32) (*Frame, error) {
	d.decoded = d.decoded[:0]
	derr := d.parser.DecodeLayers(raw.Data, &d.decoded)

	f := &Frame{DecodedPacket: core.DecodedPacket{
		Timestamp:  raw.Timestamp,
		CaptureLen: raw.CaptureLen,
		OrigLen:    raw.OrigLen,
	}}

	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			copy(f.Ethernet.SrcMAC[:], d.eth.SrcMAC)
			copy(f.Ethernet.DstMAC[:], d.eth.DstMAC)
			f.Ethernet.EtherType = uint16(d.eth.EthernetType)
		case layers.LayerTypeDot1Q:
			f.Ethernet.VLANs = append(f.Ethernet.VLANs, d.dot1q.VLANIdentifier)
		case layers.LayerTypeIPv4:
			d.ipv4Count++
			src, _ := netip.AddrFromSlice(d.ip4.SrcIP.To4())
			dst, _ := netip.AddrFromSlice(d.ip4.DstIP.To4())
			f.IP = core.IPHeader{
				Version:  4,
				SrcIP:    src,
				DstIP:    dst,
				Protocol: uint8(d.ip4.Protocol),
				TTL:      d.ip4.TTL,
				TotalLen: d.ip4.Length,
				ID:       d.ip4.Id,
			}
			f.NetFlow = d.ip4.NetworkFlow()
			if isFragmented(&d.ip4) {
				d.fragCount++
				return d.reassemble(f, frame)
			}
		case layers.LayerTypeIPv6:
			d.ipv6Count++
			src, _ := netip.AddrFromSlice(d.ip6.SrcIP)
			dst, _ := netip.AddrFromSlice(d.ip6.DstIP)
			f.IP = core.IPHeader{
				Version:  6,
				SrcIP:    src,
				DstIP:    dst,
				Protocol: uint8(d.ip6.NextHeader),
				TTL:      d.ip6.HopLimit,
				TotalLen: d.ip6.Length,
			}
			f.NetFlow = d.ip6.NetworkFlow()
		case layers.LayerTypeTCP:
			d.tcpCount++
			d.fillTCP(f, d.transportLen(f)-len(d.tcp.Contents))
			return f, nil
		case layers.LayerTypeUDP:
			d.udpCount++
			d.fillUDP(f)
			return f, nil
		}
	}

	d.otherCount++
	if derr != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrPacketTooShort, derr)
	}
	return nil, core.ErrUnsupportedProto
}

// transportLen is the L4 length the IP header claims.
func (d *Decoder) transportLen(f *Frame) int {
	if f.IP.Version == 4 {
		return int(d.ip4.Length) - int(d.ip4.IHL)*4
	}
	return int(d.ip6.Length)
}

func (d *Decoder) fillTCP(f *Frame, payloadLen int) {
	f.Transport = core.TransportHeader{
		SrcPort:   uint16(d.tcp.SrcPort),
		DstPort:   uint16(d.tcp.DstPort),
		Protocol:  core.ProtoTCP,
		TCPFlags:  tcpFlags(&d.tcp),
		SeqNum:    d.tcp.Seq,
		AckNum:    d.tcp.Ack,
		Window:    d.tcp.Window,
		HeaderLen: int(d.tcp.DataOffset) * 4,
	}
	f.Payload = d.tcp.Payload
	f.PayloadLen = max(payloadLen, len(f.Payload))
	f.TCP = &d.tcp
}

func (d *Decoder) fillUDP(f *Frame) {
	f.Transport = core.TransportHeader{
		SrcPort:   uint16(d.udp.SrcPort),
		DstPort:   uint16(d.udp.DstPort),
		Protocol:  core.ProtoUDP,
		HeaderLen: 8,
	}
	f.Payload = d.udp.Payload
	f.PayloadLen = max(int(d.udp.Length)-8, len(f.Payload))
}

func tcpFlags(t *layers.TCP) uint8 {
	var f uint8
	for _, b := range []struct {
		set  bool
		flag uint8
	}{
		{t.FIN, core.TCPFlagFIN},
		{t.SYN, core.TCPFlagSYN},
		{t.RST, core.TCPFlagRST},
		{t.PSH, core.TCPFlagPSH},
		{t.ACK, core.TCPFlagACK},
		{t.URG, core.TCPFlagURG},
	} {
		if b.set {
			f |= b.flag
		}
	}
	return f
}

func isFragmented(ip *layers.IPv4) bool {
	return ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0
}

// reassemble stores one IPv4 fragment. The frame completing the datagram
// gets the transport header; revisits replay the same outcome.
func (d *Decoder) reassemble(f *Frame, frame uint32) (*Frame, error) {
	key := fragKey{src: f.IP.SrcIP, dst: f.IP.DstIP, id: d.ip4.Id, proto: d.ip4.Protocol}

	firstSight := frame > d.lastFrame
	if firstSight {
		d.lastFrame = frame
	}
	if d.limiter != nil && !d.limiter.allow(f.IP.SrcIP, frame, f.Timestamp, firstSight) {
		return nil, fmt.Errorf("%w: fragment rate limit exceeded for %s", core.ErrReassemblyLimit, f.IP.SrcIP)
	}

	// A completed group that this frame never fed belongs to an earlier
	// datagram reusing the identification.
	if g, ok := d.frags.Get(key); ok && g.Complete() && !slices.Contains(g.Frames(), frame) {
		d.frags.Delete(key)
	}

	last := d.ip4.Flags&layers.IPv4MoreFragments == 0
	g, err := d.frags.Add(key, int(d.ip4.FragOffset)*8, d.ip4.Payload, last, frame, f.Timestamp)
	if err != nil {
		return nil, err
	}
	f.Fragment = true
	if !g.Complete() || g.ReassembledIn() != frame {
		return f, nil
	}

	f.Fragment = false
	f.Reassembled = true
	data := g.Data()
	switch d.ip4.Protocol {
	case layers.IPProtocolTCP:
		if err := d.tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, fmt.Errorf("%w: reassembled tcp: %v", core.ErrPacketTooShort, err)
		}
		d.tcpCount++
		d.fillTCP(f, len(data)-len(d.tcp.Contents))
	case layers.IPProtocolUDP:
		if err := d.udp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, fmt.Errorf("%w: reassembled udp: %v", core.ErrPacketTooShort, err)
		}
		d.udpCount++
		d.fillUDP(f)
	default:
		return nil, core.ErrUnsupportedProto
	}
	return f, nil
}

// Expire drops fragment groups idle since before now minus the table timeout.
func (d *Decoder) Expire(now time.Time) int {
	return d.frags.Expire(now)
}

// Stats returns the frame counters.
func (d *Decoder) Stats() Stats {
	st := Stats{
		IPv4:      d.ipv4Count,
		IPv6:      d.ipv6Count,
		TCP:       d.tcpCount,
		UDP:       d.udpCount,
		Fragments: d.fragCount,
		Other:     d.otherCount,
	}
	if d.limiter != nil {
		st.RateLimited = d.limiter.rejected
	}
	return st
}

// Reset forgets pending fragments and counters.
func (d *Decoder) Reset() {
	d.frags.Reset()
	d.statistics = statistics{}
	d.lastFrame = 0
	if d.limiter != nil {
		d.limiter.reset()
	}
}

// IsUnsupported reports whether err only means the frame carries nothing
// the engine dissects.
func IsUnsupported(err error) bool {
	return errors.Is(err, core.ErrUnsupportedProto)
}
