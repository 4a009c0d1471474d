// Package ntlmssp decodes NTLMSSP tokens carried in DCE/RPC auth trailers.
package ntlmssp

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dcerpc"
	"firestige.xyz/dissect/internal/ndr"
	"firestige.xyz/dissect/internal/wire"
	"firestige.xyz/dissect/pkg/plugin"
)

const Name = "ntlmssp"

// Message types.
const (
	Negotiate    = 1
	Challenge    = 2
	Authenticate = 3
)

// Negotiate flags referenced by the decoder.
const (
	FlagUnicode     = 0x00000001
	FlagVersion     = 0x02000000
	FlagExtendedSec = 0x00080000
)

// ErrSignature is returned when a token does not start with "NTLMSSP\0".
var ErrSignature = errors.New("ntlmssp: bad signature")

var signature = []byte("NTLMSSP\x00")

var flagNames = []struct {
	bit  uint32
	name string
}{
	{0x00000001, "NEGOTIATE_UNICODE"},
	{0x00000002, "NEGOTIATE_OEM"},
	{0x00000004, "REQUEST_TARGET"},
	{0x00000010, "NEGOTIATE_SIGN"},
	{0x00000020, "NEGOTIATE_SEAL"},
	{0x00000040, "NEGOTIATE_DATAGRAM"},
	{0x00000080, "NEGOTIATE_LM_KEY"},
	{0x00000200, "NEGOTIATE_NTLM"},
	{0x00000800, "ANONYMOUS"},
	{0x00001000, "OEM_DOMAIN_SUPPLIED"},
	{0x00002000, "OEM_WORKSTATION_SUPPLIED"},
	{0x00008000, "NEGOTIATE_ALWAYS_SIGN"},
	{0x00010000, "TARGET_TYPE_DOMAIN"},
	{0x00020000, "TARGET_TYPE_SERVER"},
	{0x00080000, "NEGOTIATE_EXTENDED_SESSIONSECURITY"},
	{0x00100000, "NEGOTIATE_IDENTIFY"},
	{0x00400000, "REQUEST_NON_NT_SESSION_KEY"},
	{0x00800000, "NEGOTIATE_TARGET_INFO"},
	{0x02000000, "NEGOTIATE_VERSION"},
	{0x20000000, "NEGOTIATE_128"},
	{0x40000000, "NEGOTIATE_KEY_EXCH"},
	{0x80000000, "NEGOTIATE_56"},
}

// FlagString lists the names of the bits set in f.
func FlagString(f uint32) string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.bit != 0 {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("0x%08x", f)
	}
	return fmt.Sprintf("0x%08x (%s)", f, strings.Join(names, ", "))
}

// MessageName names an NTLMSSP message type.
func MessageName(t uint32) string {
	switch t {
	case Negotiate:
		return "NTLMSSP_NEGOTIATE"
	case Challenge:
		return "NTLMSSP_CHALLENGE"
	case Authenticate:
		return "NTLMSSP_AUTH"
	}
	return fmt.Sprintf("Unknown (%d)", t)
}

// Message is the summary of a decoded token.
type Message struct {
	Type        uint32
	Flags       uint32
	Domain      string
	User        string
	Workstation string
	TargetName  string
	Challenge   []byte
}

// Summary is a one-line description of the message for the frame info.
func (m *Message) Summary() string {
	switch m.Type {
	case Authenticate:
		if m.Domain == "" {
			return fmt.Sprintf("%s, User: %s", MessageName(m.Type), m.User)
		}
		return fmt.Sprintf("%s, User: %s\\%s", MessageName(m.Type), m.Domain, m.User)
	case Challenge:
		return fmt.Sprintf("%s, Target: %s", MessageName(m.Type), m.TargetName)
	}
	return MessageName(m.Type)
}

// Dissect decodes the token at off in buf under tree. Security buffer
// offsets are relative to off.
func Dissect(buf *wire.Buffer, off int, tree *core.Node) (*Message, int, error) {
	c := wire.NewCursor(buf, off, binary.LittleEndian)
	sig := c.Bytes(8)
	typ := c.U32()
	if err := c.Err(); err != nil {
		return nil, off, err
	}
	if !bytes.Equal(sig, signature) {
		return nil, off, ErrSignature
	}
	node := tree.Add("NTLMSSP", MessageName(typ), off, buf.Reported()-off)
	node.Add("NTLMSSP identifier", "NTLMSSP", off, 8)
	node.Add("NTLM Message Type", MessageName(typ), off+8, 4)

	d := &decoder{buf: buf, base: off, node: node, c: c, msg: &Message{Type: typ}}
	switch typ {
	case Negotiate:
		d.negotiate()
	case Challenge:
		d.challenge()
	case Authenticate:
		d.authenticate()
	}
	if err := c.Err(); err != nil {
		return d.msg, c.Offset, err
	}
	if d.err != nil {
		return d.msg, c.Offset, d.err
	}
	end := max(c.Offset, d.end)
	node.SetLength(end - off)
	return d.msg, end, nil
}

type decoder struct {
	buf  *wire.Buffer
	base int
	node *core.Node
	c    *wire.Cursor
	msg  *Message
	end  int // Highest payload byte consumed
	err  error
}

type secBuf struct {
	at     int
	length int
	offset int
}

func (d *decoder) secBuf() secBuf {
	at := d.c.Offset
	l := d.c.U16()
	d.c.U16()
	o := d.c.U32()
	return secBuf{at: at, length: int(l), offset: int(o)}
}

func (d *decoder) payload(s secBuf) []byte {
	if d.err != nil || s.length == 0 {
		return nil
	}
	b, err := d.buf.Bytes(d.base+s.offset, s.length)
	if err != nil {
		d.err = err
		return nil
	}
	d.end = max(d.end, d.base+s.offset+s.length)
	return b
}

func (d *decoder) str(s secBuf, name string) string {
	b := d.payload(s)
	if d.err != nil {
		return ""
	}
	var v string
	if d.msg.Flags&FlagUnicode != 0 {
		v = utf16String(b)
	} else {
		v = string(b)
	}
	n := d.node.Add(name, v, d.base+s.offset, s.length)
	n.Add("Length", s.length, s.at, 2)
	n.Add("Offset", s.offset, s.at+4, 4)
	return v
}

func (d *decoder) flags() {
	at := d.c.Offset
	d.msg.Flags = d.c.U32()
	if d.c.Err() == nil {
		d.node.Add("Negotiate Flags", FlagString(d.msg.Flags), at, 4)
	}
}

func (d *decoder) version() {
	if d.msg.Flags&FlagVersion == 0 {
		return
	}
	at := d.c.Offset
	b := d.c.Bytes(8)
	if d.c.Err() != nil {
		return
	}
	v := d.node.Add("Version", fmt.Sprintf("%d.%d (Build %d); NTLM Current Revision %d",
		b[0], b[1], binary.LittleEndian.Uint16(b[2:4]), b[7]), at, 8)
	v.Add("Major Version", b[0], at, 1)
	v.Add("Minor Version", b[1], at+1, 1)
	v.Add("Build Number", binary.LittleEndian.Uint16(b[2:4]), at+2, 2)
	v.Add("NTLM Current Revision", b[7], at+7, 1)
}

func (d *decoder) negotiate() {
	d.flags()
	domain := d.secBuf()
	ws := d.secBuf()
	if d.c.Err() != nil {
		return
	}
	// Negotiate strings are OEM unless the supplied bits say otherwise.
	saved := d.msg.Flags
	d.msg.Flags &^= FlagUnicode
	d.version()
	d.msg.Domain = d.str(domain, "Calling workstation domain")
	d.msg.Workstation = d.str(ws, "Calling workstation name")
	d.msg.Flags = saved
}

func (d *decoder) challenge() {
	target := d.secBuf()
	d.flags()
	at := d.c.Offset
	ch := d.c.Bytes(8)
	d.c.Skip(8)
	info := d.secBuf()
	if d.c.Err() != nil {
		return
	}
	d.msg.Challenge = append([]byte(nil), ch...)
	d.node.Add("NTLM Server Challenge", hex.EncodeToString(ch), at, 8)
	d.version()
	d.msg.TargetName = d.str(target, "Target Name")
	if b := d.payload(info); b != nil {
		n := d.node.Add("Target Info", len(b), d.base+info.offset, info.length)
		avPairs(n, b, d.base+info.offset)
	}
}

func (d *decoder) authenticate() {
	lm := d.secBuf()
	nt := d.secBuf()
	domain := d.secBuf()
	user := d.secBuf()
	ws := d.secBuf()
	key := d.secBuf()
	d.flags()
	if d.c.Err() != nil {
		return
	}
	d.version()
	// The MIC is present when the payload starts past it.
	if lowest := minOffset(lm, nt, domain, user, ws, key); lowest >= 88 && d.msg.Flags&FlagVersion != 0 {
		at := d.c.Offset
		if mic := d.c.Bytes(16); d.c.Err() == nil {
			d.node.Add("MIC", hex.EncodeToString(mic), at, 16)
		}
	}
	if b := d.payload(lm); b != nil {
		d.node.Add("Lan Manager Response", hex.EncodeToString(b), d.base+lm.offset, lm.length)
	}
	if b := d.payload(nt); b != nil {
		ntResponse(d.node, b, d.base+nt.offset)
	}
	d.msg.Domain = d.str(domain, "Domain name")
	d.msg.User = d.str(user, "User name")
	d.msg.Workstation = d.str(ws, "Host name")
	if b := d.payload(key); b != nil {
		d.node.Add("Session Key", hex.EncodeToString(b), d.base+key.offset, key.length)
	}
}

func minOffset(bufs ...secBuf) int {
	lowest := -1
	for _, b := range bufs {
		if b.length == 0 {
			continue
		}
		if lowest < 0 || b.offset < lowest {
			lowest = b.offset
		}
	}
	return lowest
}

// ntResponse splits an NTLMv2 response into its proof and client blob.
func ntResponse(tree *core.Node, b []byte, at int) {
	if len(b) <= 24 {
		tree.Add("NTLM Response", hex.EncodeToString(b), at, len(b))
		return
	}
	n := tree.Add("NTLMv2 Response", len(b), at, len(b))
	n.Add("NTProofStr", hex.EncodeToString(b[:16]), at, 16)
	blob := b[16:]
	if len(blob) < 28 {
		n.Annotate(core.NoteMalformed)
		return
	}
	n.Add("Time", ndr.FileTime(binary.LittleEndian.Uint64(blob[8:16])), at+24, 8)
	n.Add("NTLMv2 Client Challenge", hex.EncodeToString(blob[16:24]), at+32, 8)
	avPairs(n, blob[28:], at+44)
}

// AV pair identifiers.
const (
	avEOL             = 0
	avNbComputerName  = 1
	avNbDomainName    = 2
	avDNSComputerName = 3
	avDNSDomainName   = 4
	avDNSTreeName     = 5
	avFlags           = 6
	avTimestamp       = 7
	avSingleHost      = 8
	avTargetName      = 9
	avChannelBindings = 10
)

var avNames = map[uint16]string{
	avEOL:             "MsvAvEOL",
	avNbComputerName:  "NetBIOS Computer Name",
	avNbDomainName:    "NetBIOS Domain Name",
	avDNSComputerName: "DNS Computer Name",
	avDNSDomainName:   "DNS Domain Name",
	avDNSTreeName:     "DNS Tree Name",
	avFlags:           "Flags",
	avTimestamp:       "Timestamp",
	avSingleHost:      "Restrictions",
	avTargetName:      "Target Name",
	avChannelBindings: "Channel Bindings",
}

func avPairs(tree *core.Node, b []byte, at int) {
	for pos := 0; pos+4 <= len(b); {
		id := binary.LittleEndian.Uint16(b[pos:])
		l := int(binary.LittleEndian.Uint16(b[pos+2:]))
		if pos+4+l > len(b) {
			tree.Annotate(core.NoteMalformed)
			return
		}
		v := b[pos+4 : pos+4+l]
		name, ok := avNames[id]
		if !ok {
			name = fmt.Sprintf("Unknown AV (%d)", id)
		}
		var value any
		switch id {
		case avEOL:
			tree.Add(name, "", at+pos, 4)
			return
		case avNbComputerName, avNbDomainName, avDNSComputerName, avDNSDomainName, avDNSTreeName, avTargetName:
			value = utf16String(v)
		case avFlags:
			if l == 4 {
				value = fmt.Sprintf("0x%08x", binary.LittleEndian.Uint32(v))
			}
		case avTimestamp:
			if l == 8 {
				value = ndr.FileTime(binary.LittleEndian.Uint64(v))
			}
		}
		if value == nil {
			value = hex.EncodeToString(v)
		}
		tree.Add(name, value, at+pos, 4+l)
		pos += 4 + l
	}
}

func utf16String(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(u))
}

// Verifier decodes the 16 byte NTLMSSP message signature.
func Verifier(buf *wire.Buffer, off int, tree *core.Node) (int, error) {
	c := wire.NewCursor(buf, off, binary.LittleEndian)
	version := c.U32()
	sum := c.Bytes(8)
	seq := c.U32()
	if err := c.Err(); err != nil {
		return c.Offset, err
	}
	n := tree.Add("NTLMSSP Verifier", "", off, 16)
	n.Add("Version Number", version, off, 4)
	n.Add("Verifier Body", hex.EncodeToString(sum), off+4, 8)
	n.Add("Sequence Number", seq, off+12, 4)
	if version != 1 {
		n.Annotate(core.NoteMalformed)
	}
	return c.Offset, nil
}

// Config holds the plugin settings.
type Config struct {
	Levels []string `mapstructure:"levels"`
}

type Plugin struct {
	levels []dcerpc.AuthLevel
}

func New() plugin.Plugin {
	return &Plugin{}
}

func (p *Plugin) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:        Name,
		Type:        plugin.TypeAuth,
		Version:     "1.0",
		Description: "NTLM Secure Service Provider",
	}
}

func (p *Plugin) Init(cfg map[string]any) error {
	var c Config
	if err := plugin.DecodeConfig(cfg, &c); err != nil {
		return err
	}
	levels, err := plugin.ParseAuthLevels(c.Levels)
	if err != nil {
		return err
	}
	p.levels = levels
	return nil
}

func (p *Plugin) Install(reg *dcerpc.Registry) error {
	levels := p.levels
	if levels == nil {
		levels = dcerpc.AuthLevels
	}
	h := Handler()
	for _, l := range levels {
		reg.RegisterAuthHandler(l, dcerpc.AuthNTLMSSP, h)
	}
	return nil
}

// Handler returns the NTLMSSP auth hooks.
func Handler() *dcerpc.AuthHandler {
	return &dcerpc.AuthHandler{
		Name:             "NTLMSSP",
		Bind:             token,
		BindAck:          token,
		Auth3:            token,
		RequestVerifier:  verifier,
		ResponseVerifier: verifier,
	}
}

func token(buf *wire.Buffer, off int, tree *core.Node, ac *dcerpc.AuthContext) (int, error) {
	msg, next, err := Dissect(buf, off, tree)
	if msg != nil && ac.Pinfo != nil {
		ac.Pinfo.AddInfo(msg.Summary())
	}
	return next, err
}

func verifier(buf *wire.Buffer, off int, tree *core.Node, _ *dcerpc.AuthContext) (int, error) {
	return Verifier(buf, off, tree)
}
