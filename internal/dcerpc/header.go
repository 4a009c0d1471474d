package dcerpc

import (
	"encoding/binary"
	"fmt"
	"time"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/ndr"
	"firestige.xyz/dissect/internal/wire"
)

const (
	// COHeaderLen is the size of the connection-oriented common header.
	COHeaderLen = 16
	// CLHeaderLen is the size of the connectionless header.
	CLHeaderLen = 80
	// AuthTrailerLen is the size of the auth trailer before the verifier.
	AuthTrailerLen = 8
)

// byteOrder decodes the integer representation nibble of drep[0].
func byteOrder(drep0 uint8) binary.ByteOrder {
	if drep0&0x10 != 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func drepString(drep []byte) string {
	order := "Big-endian"
	if drep[0]&0x10 != 0 {
		order = "Little-endian"
	}
	chars := "ASCII"
	if drep[0]&0x0f != 0 {
		chars = "EBCDIC"
	}
	float := "IEEE"
	switch drep[1] {
	case 1:
		float = "VAX"
	case 2:
		float = "Cray"
	case 3:
		float = "IBM"
	}
	return fmt.Sprintf("%02x%02x%02x (%s, %s, %s)", drep[0], drep[1], drep[2], order, chars, float)
}

// COHeader is the connection-oriented common header.
type COHeader struct {
	Version uint8
	Minor   uint8
	Type    PacketType
	Flags   uint8
	DRep    [4]byte
	FragLen uint16
	AuthLen uint16
	CallID  uint32
	Order   binary.ByteOrder
}

// ParseCOHeader reads the 16 byte header at the start of buf.
func ParseCOHeader(buf *wire.Buffer) (*COHeader, error) {
	b, err := buf.Bytes(0, COHeaderLen)
	if err != nil {
		return nil, err
	}
	h := &COHeader{
		Version: b[0],
		Minor:   b[1],
		Type:    PacketType(b[2]),
		Flags:   b[3],
		Order:   byteOrder(b[4]),
	}
	copy(h.DRep[:], b[4:8])
	h.FragLen = h.Order.Uint16(b[8:])
	h.AuthLen = h.Order.Uint16(b[10:])
	h.CallID = h.Order.Uint32(b[12:])
	return h, nil
}

// Fragmented reports whether the PDU is not a complete request or response.
func (h *COHeader) Fragmented() bool {
	return h.Flags&(FlagFirstFrag|FlagLastFrag) != FlagFirstFrag|FlagLastFrag
}

func (h *COHeader) describe(n *core.Node) {
	n.Add("Version", h.Version, 0, 1)
	n.Add("Version (minor)", h.Minor, 1, 1)
	n.Add("Packet type", h.Type.String(), 2, 1)
	n.Add("Packet Flags", describeFlags(h.Flags, coFlagNames), 3, 1)
	n.Add("Data Representation", drepString(h.DRep[:]), 4, 4)
	n.Add("Frag Length", h.FragLen, 8, 2)
	n.Add("Auth Length", h.AuthLen, 10, 2)
	n.Add("Call ID", h.CallID, 12, 4)
}

// coPDULen returns frag_length of the PDU at off. It rejects anything that
// is not a version 5 header so the framer never trusts a garbage length.
func coPDULen(buf *wire.Buffer, off int) (int, error) {
	b, err := buf.Bytes(off, COHeaderLen)
	if err != nil {
		return 0, err
	}
	if b[0] != 5 {
		return 0, fmt.Errorf("%w: connection-oriented version %d", core.ErrFraming, b[0])
	}
	return int(byteOrder(b[4]).Uint16(b[8:])), nil
}

// IsCO reports whether buf starts with a plausible connection-oriented header.
func IsCO(buf *wire.Buffer) bool {
	b, err := buf.Bytes(0, COHeaderLen)
	if err != nil {
		return false
	}
	if b[0] != 5 || b[1] > 1 || b[2] > uint8(PTOrphaned) {
		return false
	}
	return byteOrder(b[4]).Uint16(b[8:]) >= COHeaderLen
}

// CLHeader is the connectionless header.
type CLHeader struct {
	Version    uint8
	Type       PacketType
	Flags1     uint8
	Flags2     uint8
	DRep       [3]byte
	Serial     uint16
	Object     ndr.UUID
	Interface  ndr.UUID
	Activity   ndr.UUID
	ServerBoot uint32
	IfVersion  Version
	Seq        uint32
	Opnum      uint16
	IHint      uint16
	AHint      uint16
	Len        uint16
	FragNum    uint16
	AuthProto  uint8
	Order      binary.ByteOrder
}

// ParseCLHeader reads the 80 byte header at the start of buf.
func ParseCLHeader(buf *wire.Buffer) (*CLHeader, error) {
	b, err := buf.Bytes(0, CLHeaderLen)
	if err != nil {
		return nil, err
	}
	h := &CLHeader{
		Version: b[0],
		Type:    PacketType(b[1]),
		Flags1:  b[2],
		Flags2:  b[3],
		Order:   byteOrder(b[4]),
	}
	copy(h.DRep[:], b[4:7])
	h.Serial = uint16(b[7])<<8 | uint16(b[79])
	if h.Object, err = ndr.ReadUUID(buf, 8, h.Order); err != nil {
		return nil, err
	}
	if h.Interface, err = ndr.ReadUUID(buf, 24, h.Order); err != nil {
		return nil, err
	}
	if h.Activity, err = ndr.ReadUUID(buf, 40, h.Order); err != nil {
		return nil, err
	}
	h.ServerBoot = h.Order.Uint32(b[56:])
	v := h.Order.Uint32(b[60:])
	h.IfVersion = Version{Major: uint16(v), Minor: uint16(v >> 16)}
	h.Seq = h.Order.Uint32(b[64:])
	h.Opnum = h.Order.Uint16(b[68:])
	h.IHint = h.Order.Uint16(b[70:])
	h.AHint = h.Order.Uint16(b[72:])
	h.Len = h.Order.Uint16(b[74:])
	h.FragNum = h.Order.Uint16(b[76:])
	h.AuthProto = b[78]
	return h, nil
}

func (h *CLHeader) describe(n *core.Node) {
	n.Add("Version", h.Version, 0, 1)
	n.Add("Packet type", h.Type.String(), 1, 1)
	n.Add("Flags1", describeFlags(h.Flags1, clFlagNames), 2, 1)
	f2 := n.Addf("Flags2", 3, 1, "0x%02x", h.Flags2)
	if h.Flags2&CLFlagCancelPending != 0 {
		f2.SetValue(fmt.Sprintf("0x%02x (Cancel Pending)", h.Flags2))
	}
	n.Add("Data Representation", drepString(h.DRep[:]), 4, 3)
	n.Add("Serial Number", h.Serial, 7, 1)
	n.Add("Object UUID", h.Object.String(), 8, 16)
	n.Add("Interface", h.Interface.String(), 24, 16)
	n.Add("Activity", h.Activity.String(), 40, 16)
	if h.ServerBoot == 0 {
		n.Add("Server boot time", "Unknown", 56, 4)
	} else {
		n.Add("Server boot time", time.Unix(int64(h.ServerBoot), 0).UTC().Format(time.RFC3339), 56, 4)
	}
	n.Add("Interface Ver", h.IfVersion.String(), 60, 4)
	n.Add("Sequence num", h.Seq, 64, 4)
	n.Add("Opnum", h.Opnum, 68, 2)
	n.Add("Interface Hint", h.IHint, 70, 2)
	n.Add("Activity Hint", h.AHint, 72, 2)
	n.Add("Fragment len", h.Len, 74, 2)
	n.Add("Fragment num", h.FragNum, 76, 2)
	n.Add("Auth proto", AuthType(h.AuthProto).String(), 78, 1)
}

// IsCL reports whether buf starts with a plausible connectionless header.
func IsCL(buf *wire.Buffer) bool {
	b, err := buf.Bytes(0, CLHeaderLen)
	if err != nil {
		return false
	}
	return b[0] == 4 && b[1] <= uint8(PTCancelAck)
}

// AuthInfo is a parsed auth trailer.
type AuthInfo struct {
	Type      AuthType
	Level     AuthLevel
	PadLen    int
	ContextID uint32
	Offset    int // Start of the trailer
	Verifier  int // Start of the verifier
	Length    int // Verifier length
}

// parseAuthTrailer locates the trailer from the end of the PDU. It returns
// nil when the PDU carries none.
func parseAuthTrailer(buf *wire.Buffer, h *COHeader) (*AuthInfo, error) {
	if h.AuthLen == 0 {
		return nil, nil
	}
	off := int(h.FragLen) - int(h.AuthLen) - AuthTrailerLen
	if off < COHeaderLen {
		return nil, fmt.Errorf("%w: auth length %d in a %d byte PDU", core.ErrBounds, h.AuthLen, h.FragLen)
	}
	c := wire.NewCursor(buf, off, h.Order)
	a := &AuthInfo{
		Type:   AuthType(c.U8()),
		Level:  AuthLevel(c.U8()),
		PadLen: int(c.U8()),
		Offset: off,
	}
	c.Skip(1)
	a.ContextID = c.U32()
	if err := c.Err(); err != nil {
		return nil, err
	}
	a.Verifier = off + AuthTrailerLen
	a.Length = int(h.AuthLen)
	return a, nil
}

func (a *AuthInfo) describe(n *core.Node) {
	n.Add("Auth type", a.Type.String(), a.Offset, 1)
	n.Add("Auth level", a.Level.String(), a.Offset+1, 1)
	n.Add("Auth pad len", a.PadLen, a.Offset+2, 1)
	n.Add("Auth Rsrvd", 0, a.Offset+3, 1)
	n.Add("Auth Context ID", a.ContextID, a.Offset+4, 4)
}

// stubEnd is the end of the stub: the trailer and its padding are excluded.
func stubEnd(h *COHeader, a *AuthInfo) int {
	if a == nil {
		return int(h.FragLen)
	}
	return a.Offset - a.PadLen
}
