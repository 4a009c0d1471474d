// Package spnego decodes SPNEGO negotiation tokens and hands the embedded
// mechanism tokens to the NTLMSSP and Kerberos decoders.
package spnego

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	krbspnego "github.com/jcmturner/gokrb5/v8/spnego"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dcerpc"
	"firestige.xyz/dissect/internal/wire"
	"firestige.xyz/dissect/pkg/plugin"
	"firestige.xyz/dissect/plugins/auth/kerberos"
	"firestige.xyz/dissect/plugins/auth/ntlmssp"
)

const Name = "spnego"

// OIDNTLMSSP is the NTLM security mechanism.
var OIDNTLMSSP = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 2, 10}

var mechNames = map[string]string{
	OIDNTLMSSP.String():                   "NTLMSSP - Microsoft NTLM Security Support Provider",
	gssapi.OIDKRB5.OID().String():         "KRB5 - Kerberos 5",
	gssapi.OIDMSLegacyKRB5.OID().String(): "MS KRB5 - Microsoft Kerberos 5",
	gssapi.OIDGSSIAKerb.OID().String():    "IAKERB - Initial and Pass Through Authentication Using Kerberos",
	"1.3.6.1.4.1.311.2.2.30":              "NEGOEX - SPNEGO Extended Negotiation Security Mechanism",
}

// MechName names a mechanism OID.
func MechName(oid asn1.ObjectIdentifier) string {
	if s, ok := mechNames[oid.String()]; ok {
		return s
	}
	return oid.String()
}

var negStates = map[int]string{
	int(krbspnego.NegStateAcceptCompleted):  "accept-completed",
	int(krbspnego.NegStateAcceptIncomplete): "accept-incomplete",
	int(krbspnego.NegStateReject):           "reject",
	int(krbspnego.NegStateRequestMIC):       "request-mic",
}

type mech int

const (
	mechUnknown mech = iota
	mechNTLMSSP
	mechKerberos
)

func mechOf(oid asn1.ObjectIdentifier) mech {
	switch {
	case oid.Equal(OIDNTLMSSP):
		return mechNTLMSSP
	case oid.Equal(gssapi.OIDKRB5.OID()), oid.Equal(gssapi.OIDMSLegacyKRB5.OID()):
		return mechKerberos
	}
	return mechUnknown
}

// sniff guesses the mechanism of a token that arrives without an OID.
func sniff(b []byte) mech {
	switch {
	case bytes.HasPrefix(b, []byte("NTLMSSP\x00")):
		return mechNTLMSSP
	case len(b) > 0 && (b[0] == 0x60 || b[0] == 0x6e || b[0] == 0x6f || b[0] == 0x7e):
		return mechKerberos
	}
	return mechUnknown
}

// DissectToken decodes the SPNEGO token at off in buf. Embedded mechanism
// tokens are decoded in place.
func DissectToken(buf *wire.Buffer, off int, tree *core.Node, pinfo *core.PacketInfo) (int, error) {
	b, err := buf.Bytes(off, buf.Reported()-off)
	if err != nil {
		return off, err
	}
	end := off + len(b)

	// Some stacks drop the negotiation wrapper after the first leg.
	if sniff(b) == mechNTLMSSP {
		return inner(buf, off, b, mechNTLMSSP, tree, pinfo), nil
	}

	var tok krbspnego.SPNEGOToken
	if err := tok.Unmarshal(b); err != nil {
		return off, fmt.Errorf("spnego: %w", err)
	}
	node := tree.Add("SPNEGO", "", off, len(b))
	switch {
	case tok.Init:
		node.SetValue("negTokenInit")
		ni := &tok.NegTokenInit
		mechs := node.Add("mechTypes", len(ni.MechTypes), off, len(b))
		for _, m := range ni.MechTypes {
			mechs.Add("MechType", MechName(m), off, len(b))
		}
		if len(ni.ReqFlags.Bytes) > 0 {
			node.Add("reqFlags", hex.EncodeToString(ni.ReqFlags.Bytes), off, len(b))
		}
		if len(ni.MechTokenBytes) > 0 {
			m := mechUnknown
			if len(ni.MechTypes) > 0 {
				m = mechOf(ni.MechTypes[0])
			}
			if m == mechUnknown {
				m = sniff(ni.MechTokenBytes)
			}
			at := locate(b, ni.MechTokenBytes, off)
			inner(buf, at, ni.MechTokenBytes, m, node.Add("mechToken", len(ni.MechTokenBytes), at, len(ni.MechTokenBytes)), pinfo)
		}
		mic(node, b, ni.MechListMIC, off)
	case tok.Resp:
		node.SetValue("negTokenTarg")
		resp := &tok.NegTokenResp
		state := int(resp.NegState)
		name, ok := negStates[state]
		if !ok {
			name = fmt.Sprintf("Unknown (%d)", state)
		}
		node.Add("negResult", name, off, len(b))
		m := mechUnknown
		if len(resp.SupportedMech) > 0 {
			node.Add("supportedMech", MechName(resp.SupportedMech), off, len(b))
			m = mechOf(resp.SupportedMech)
		}
		if len(resp.ResponseToken) > 0 {
			if m == mechUnknown {
				m = sniff(resp.ResponseToken)
			}
			at := locate(b, resp.ResponseToken, off)
			inner(buf, at, resp.ResponseToken, m, node.Add("responseToken", len(resp.ResponseToken), at, len(resp.ResponseToken)), pinfo)
		}
		mic(node, b, resp.MechListMIC, off)
		if pinfo != nil {
			pinfo.AddInfo("SPNEGO " + name)
		}
	}
	return end, nil
}

// locate returns the offset of an embedded token within b, based at off.
func locate(b, token []byte, off int) int {
	if i := bytes.Index(b, token); i >= 0 {
		return off + i
	}
	return off
}

func mic(node *core.Node, b, m []byte, off int) {
	if len(m) == 0 {
		return
	}
	at := locate(b, m, off)
	node.Add("mechListMIC", hex.EncodeToString(m), at, len(m))
}

// inner decodes a mechanism token and returns the offset after it. A token
// the mechanism decoder rejects is marked malformed without failing the
// SPNEGO layer.
func inner(buf *wire.Buffer, at int, token []byte, m mech, tree *core.Node, pinfo *core.PacketInfo) int {
	end := at + len(token)
	var err error
	switch m {
	case mechNTLMSSP:
		// Bound the token without rebasing its offsets.
		lim, serr := buf.Sub(0, end)
		if serr != nil {
			err = serr
			break
		}
		var msg *ntlmssp.Message
		msg, _, err = ntlmssp.Dissect(lim, at, tree)
		if msg != nil && pinfo != nil {
			pinfo.AddInfo(msg.Summary())
		}
	case mechKerberos:
		var msg *kerberos.Message
		msg, err = kerberos.DissectToken(token, at, tree)
		if msg != nil && pinfo != nil {
			pinfo.AddInfo(msg.Summary())
		}
	default:
		tree.Add("Data", hex.EncodeToString(token), at, len(token))
	}
	if err != nil {
		tree.Annotate(core.NoteMalformed)
	}
	return end
}

// Verifier decodes the per-message token of the negotiated mechanism.
func Verifier(buf *wire.Buffer, off int, tree *core.Node, fromAcceptor bool) (int, error) {
	if v, err := buf.Uint32(off, binary.LittleEndian); err == nil && v == 1 && buf.Reported()-off == 16 {
		return ntlmssp.Verifier(buf, off, tree)
	}
	return kerberos.Verifier(buf, off, tree, fromAcceptor)
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
		Description: "SPNEGO negotiation over NTLMSSP and Kerberos",
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
		reg.RegisterAuthHandler(l, dcerpc.AuthSPNEGO, h)
	}
	return nil
}

// Handler returns the SPNEGO auth hooks.
func Handler() *dcerpc.AuthHandler {
	return &dcerpc.AuthHandler{
		Name:             "SPNEGO",
		Bind:             token,
		BindAck:          token,
		Auth3:            token,
		RequestVerifier:  requestVerifier,
		ResponseVerifier: responseVerifier,
	}
}

func token(buf *wire.Buffer, off int, tree *core.Node, ac *dcerpc.AuthContext) (int, error) {
	return DissectToken(buf, off, tree, ac.Pinfo)
}

func requestVerifier(buf *wire.Buffer, off int, tree *core.Node, _ *dcerpc.AuthContext) (int, error) {
	return Verifier(buf, off, tree, false)
}

func responseVerifier(buf *wire.Buffer, off int, tree *core.Node, _ *dcerpc.AuthContext) (int, error) {
	return Verifier(buf, off, tree, true)
}
