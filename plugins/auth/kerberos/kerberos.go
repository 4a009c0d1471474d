// Package kerberos decodes Kerberos GSS-API tokens carried in DCE/RPC auth
// trailers. Parsing is delegated to gokrb5.
package kerberos

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/spnego"
	"github.com/jcmturner/gokrb5/v8/types"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dcerpc"
	"firestige.xyz/dissect/internal/wire"
	"firestige.xyz/dissect/pkg/plugin"
)

const Name = "kerberos"

// ErrUnknownToken is returned for tokens that are none of the recognised
// Kerberos encodings.
var ErrUnknownToken = errors.New("kerberos: unrecognised token")

// ASN.1 application tags of bare messages.
const (
	tagGSSAPI   = 0x60
	tagAPReq    = 0x6e
	tagAPRep    = 0x6f
	tagKRBError = 0x7e
)

var etypeNames = map[int32]string{
	etypeID.DES_CBC_CRC:                "des-cbc-crc",
	etypeID.DES_CBC_MD5:                "des-cbc-md5",
	etypeID.DES3_CBC_SHA1_KD:           "des3-cbc-sha1-kd",
	etypeID.AES128_CTS_HMAC_SHA1_96:    "aes128-cts-hmac-sha1-96",
	etypeID.AES256_CTS_HMAC_SHA1_96:    "aes256-cts-hmac-sha1-96",
	etypeID.AES128_CTS_HMAC_SHA256_128: "aes128-cts-hmac-sha256-128",
	etypeID.AES256_CTS_HMAC_SHA384_192: "aes256-cts-hmac-sha384-192",
	etypeID.RC4_HMAC:                   "rc4-hmac",
	etypeID.RC4_HMAC_EXP:               "rc4-hmac-exp",
}

// EtypeName names an encryption type.
func EtypeName(e int32) string {
	if s, ok := etypeNames[e]; ok {
		return s
	}
	return fmt.Sprintf("Unknown (%d)", e)
}

// Message summarises a decoded context token.
type Message struct {
	Kind      string // AP-REQ, AP-REP or KRB-ERROR
	Realm     string
	SName     string
	ErrorCode int32
}

func (m *Message) Summary() string {
	switch m.Kind {
	case "AP-REQ":
		return fmt.Sprintf("KRB5 AP-REQ %s@%s", m.SName, m.Realm)
	case "KRB-ERROR":
		return "KRB5 KRB-ERROR " + errorcode.Lookup(m.ErrorCode)
	}
	return "KRB5 " + m.Kind
}

// DissectToken decodes a context token: a GSS-API framed AP-REQ, AP-REP or
// KRB-ERROR, or one of those messages bare as DCE style exchanges send them.
// at is the token's offset for the nodes it adds.
func DissectToken(b []byte, at int, tree *core.Node) (*Message, error) {
	if len(b) == 0 {
		return nil, ErrUnknownToken
	}
	switch b[0] {
	case tagGSSAPI:
		var tok spnego.KRB5Token
		if err := tok.Unmarshal(b); err != nil {
			return nil, fmt.Errorf("kerberos: %w", err)
		}
		node := tree.Add("Kerberos", "", at, len(b))
		node.Add("OID", tok.OID.String(), at, len(b))
		switch {
		case tok.IsAPReq():
			return apReq(node, &tok.APReq, at, len(b)), nil
		case tok.IsAPRep():
			return apRep(node, &tok.APRep, at, len(b)), nil
		case tok.IsKRBError():
			return krbError(node, &tok.KRBError, at, len(b)), nil
		}
		return nil, ErrUnknownToken
	case tagAPReq:
		var m messages.APReq
		if err := m.Unmarshal(b); err != nil {
			return nil, fmt.Errorf("kerberos: %w", err)
		}
		return apReq(tree.Add("Kerberos", "", at, len(b)), &m, at, len(b)), nil
	case tagAPRep:
		var m messages.APRep
		if err := m.Unmarshal(b); err != nil {
			return nil, fmt.Errorf("kerberos: %w", err)
		}
		return apRep(tree.Add("Kerberos", "", at, len(b)), &m, at, len(b)), nil
	case tagKRBError:
		var m messages.KRBError
		if err := m.Unmarshal(b); err != nil {
			return nil, fmt.Errorf("kerberos: %w", err)
		}
		return krbError(tree.Add("Kerberos", "", at, len(b)), &m, at, len(b)), nil
	}
	return nil, ErrUnknownToken
}

func encPart(tree *core.Node, name string, ed types.EncryptedData, at, n int) {
	e := tree.Add(name, EtypeName(ed.EType), at, n)
	e.Add("etype", ed.EType, at, n)
	if ed.KVNO != 0 {
		e.Add("kvno", ed.KVNO, at, n)
	}
	e.Add("cipher", len(ed.Cipher), at, n)
}

func apReq(node *core.Node, m *messages.APReq, at, n int) *Message {
	node.SetValue("AP-REQ")
	node.Add("pvno", m.PVNO, at, n)
	node.Add("msg-type", "krb-ap-req", at, n)
	opts := node.Add("ap-options", hex.EncodeToString(m.APOptions.Bytes), at, n)
	if len(m.APOptions.Bytes) > 0 {
		if types.IsFlagSet(&m.APOptions, flags.APOptionUseSessionKey) {
			opts.Add("use-session-key", true, at, n)
		}
		if types.IsFlagSet(&m.APOptions, flags.APOptionMutualRequired) {
			opts.Add("mutual-required", true, at, n)
		}
	}
	sname := m.Ticket.SName.PrincipalNameString()
	t := node.Add("ticket", sname, at, n)
	t.Add("tkt-vno", m.Ticket.TktVNO, at, n)
	t.Add("realm", m.Ticket.Realm, at, n)
	t.Add("sname", sname, at, n)
	encPart(t, "enc-part", m.Ticket.EncPart, at, n)
	encPart(node, "authenticator", m.EncryptedAuthenticator, at, n)
	return &Message{Kind: "AP-REQ", Realm: m.Ticket.Realm, SName: sname}
}

func apRep(node *core.Node, m *messages.APRep, at, n int) *Message {
	node.SetValue("AP-REP")
	node.Add("pvno", m.PVNO, at, n)
	node.Add("msg-type", "krb-ap-rep", at, n)
	encPart(node, "enc-part", m.EncPart, at, n)
	return &Message{Kind: "AP-REP"}
}

func krbError(node *core.Node, m *messages.KRBError, at, n int) *Message {
	node.SetValue("KRB-ERROR")
	node.Add("pvno", m.PVNO, at, n)
	node.Add("msg-type", "krb-error", at, n)
	if !m.STime.IsZero() {
		node.Add("stime", m.STime, at, n)
	}
	node.Add("error-code", errorcode.Lookup(m.ErrorCode), at, n)
	node.Add("realm", m.Realm, at, n)
	sname := m.SName.PrincipalNameString()
	node.Add("sname", sname, at, n)
	if m.EText != "" {
		node.Add("e-text", m.EText, at, n)
	}
	return &Message{Kind: "KRB-ERROR", Realm: m.Realm, SName: sname, ErrorCode: m.ErrorCode}
}

// Per-message token identifiers.
var (
	tokWrap    = [2]byte{0x05, 0x04}
	tokMIC     = [2]byte{0x04, 0x04}
	tokRFC1964 = map[[2]byte]string{
		{0x01, 0x01}: "GSS_GetMIC",
		{0x02, 0x01}: "GSS_Wrap",
	}
)

var sgnAlgNames = map[uint16]string{
	0x0000: "DES MAC MD5",
	0x0002: "DES MAC",
	0x0004: "HMAC SHA1 DES3 KD",
	0x0011: "HMAC",
}

var sealAlgNames = map[uint16]string{
	0x0000: "DES",
	0x0002: "DES3 KD",
	0x0010: "RC4",
	0xffff: "None",
}

// Verifier decodes a per-message token. fromAcceptor is true for
// tokens the server sent.
func Verifier(buf *wire.Buffer, off int, tree *core.Node, fromAcceptor bool) (int, error) {
	b, err := buf.Bytes(off, buf.Reported()-off)
	if err != nil {
		return off, err
	}
	if len(b) < 2 {
		return off, ErrUnknownToken
	}
	end := off + len(b)
	switch [2]byte{b[0], b[1]} {
	case tokWrap:
		var wt gssapi.WrapToken
		if err := wt.Unmarshal(b, fromAcceptor); err != nil {
			return off, fmt.Errorf("kerberos: %w", err)
		}
		n := tree.Add("krb5_blob", "GSS_Wrap (RFC 4121)", off, len(b))
		cfxFlags(n, wt.Flags, off+2)
		n.Add("EC", wt.EC, off+4, 2)
		n.Add("RRC", wt.RRC, off+6, 2)
		n.Add("SND_SEQ", wt.SndSeqNum, off+8, 8)
		if len(wt.Payload) > 0 {
			n.Add("Data", len(wt.Payload), off+16, len(wt.Payload))
		}
		if len(wt.CheckSum) > 0 {
			n.Add("SGN_CKSUM", hex.EncodeToString(wt.CheckSum), end-len(wt.CheckSum), len(wt.CheckSum))
		}
		return end, nil
	case tokMIC:
		var mt gssapi.MICToken
		if err := mt.Unmarshal(b, fromAcceptor); err != nil {
			return off, fmt.Errorf("kerberos: %w", err)
		}
		n := tree.Add("krb5_blob", "GSS_GetMIC (RFC 4121)", off, len(b))
		cfxFlags(n, mt.Flags, off+2)
		n.Add("SND_SEQ", mt.SndSeqNum, off+8, 8)
		n.Add("SGN_CKSUM", hex.EncodeToString(mt.Checksum), off+16, len(mt.Checksum))
		return end, nil
	}
	if b[0] == tagGSSAPI {
		return rfc1964(b, off, tree)
	}
	return off, ErrUnknownToken
}

func cfxFlags(tree *core.Node, f byte, at int) {
	n := tree.Add("Flags", fmt.Sprintf("0x%02x", f), at, 1)
	n.Add("SentByAcceptor", f&0x01 != 0, at, 1)
	n.Add("Sealed", f&0x02 != 0, at, 1)
	n.Add("AcceptorSubkey", f&0x04 != 0, at, 1)
}

// rfc1964 decodes the GSS-API framed tokens of the RC4 and DES mechanisms.
func rfc1964(b []byte, off int, tree *core.Node) (int, error) {
	var oid asn1.ObjectIdentifier
	r, err := asn1.UnmarshalWithParams(b, &oid, "application,explicit,tag:0")
	if err != nil {
		return off, fmt.Errorf("kerberos: %w", err)
	}
	if !oid.Equal(gssapi.OIDKRB5.OID()) && !oid.Equal(gssapi.OIDMSLegacyKRB5.OID()) {
		return off, ErrUnknownToken
	}
	at := off + len(b) - len(r)
	if len(r) < 24 {
		return off, fmt.Errorf("%w: RFC 1964 token of %d bytes", core.ErrBounds, len(r))
	}
	kind, ok := tokRFC1964[[2]byte{r[0], r[1]}]
	if !ok {
		return off, ErrUnknownToken
	}
	n := tree.Add("krb5_blob", kind+" (RFC 1964)", off, len(b))
	n.Add("OID", oid.String(), off, at-off)
	sgn := binary.LittleEndian.Uint16(r[2:])
	seal := binary.LittleEndian.Uint16(r[4:])
	n.Add("SGN_ALG", nameOr(sgnAlgNames, sgn), at+2, 2)
	n.Add("SEAL_ALG", nameOr(sealAlgNames, seal), at+4, 2)
	n.Add("SND_SEQ", hex.EncodeToString(r[8:16]), at+8, 8)
	n.Add("SGN_CKSUM", hex.EncodeToString(r[16:24]), at+16, 8)
	if len(r) >= 32 && kind == "GSS_Wrap" {
		n.Add("Confounder", hex.EncodeToString(r[24:32]), at+24, 8)
	}
	return off + len(b), nil
}

func nameOr(names map[uint16]string, v uint16) string {
	if s, ok := names[v]; ok {
		return s
	}
	return fmt.Sprintf("0x%04x", v)
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
		Description: "Kerberos 5 GSS-API",
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
		reg.RegisterAuthHandler(l, dcerpc.AuthKerberos, h)
	}
	return nil
}

// Handler returns the Kerberos auth hooks.
func Handler() *dcerpc.AuthHandler {
	return &dcerpc.AuthHandler{
		Name:             "Kerberos",
		Bind:             token,
		BindAck:          token,
		Auth3:            token,
		RequestVerifier:  requestVerifier,
		ResponseVerifier: responseVerifier,
	}
}

func token(buf *wire.Buffer, off int, tree *core.Node, ac *dcerpc.AuthContext) (int, error) {
	b, err := buf.Bytes(off, buf.Reported()-off)
	if err != nil {
		return off, err
	}
	msg, err := DissectToken(b, off, tree)
	if err != nil {
		return off, err
	}
	if ac.Pinfo != nil {
		ac.Pinfo.AddInfo(msg.Summary())
	}
	return off + len(b), nil
}

func requestVerifier(buf *wire.Buffer, off int, tree *core.Node, _ *dcerpc.AuthContext) (int, error) {
	return Verifier(buf, off, tree, false)
}

func responseVerifier(buf *wire.Buffer, off int, tree *core.Node, _ *dcerpc.AuthContext) (int, error) {
	return Verifier(buf, off, tree, true)
}
