package kerberos

import (
	"testing"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dcerpc"
	"firestige.xyz/dissect/internal/wire"
)

func apReqMessage(t *testing.T) []byte {
	t.Helper()
	opts := types.NewKrbFlags()
	types.SetFlag(&opts, flags.APOptionMutualRequired)
	req := messages.APReq{
		PVNO:      5,
		MsgType:   msgtype.KRB_AP_REQ,
		APOptions: opts,
		Ticket: messages.Ticket{
			TktVNO:  5,
			Realm:   "EXAMPLE.COM",
			SName:   types.NewPrincipalName(nametype.KRB_NT_SRV_INST, "host/srv.example.com"),
			EncPart: types.EncryptedData{EType: etypeID.AES256_CTS_HMAC_SHA1_96, KVNO: 2, Cipher: []byte{1, 2, 3, 4}},
		},
		EncryptedAuthenticator: types.EncryptedData{EType: etypeID.AES256_CTS_HMAC_SHA1_96, Cipher: []byte{5, 6, 7}},
	}
	b, err := req.Marshal()
	require.NoError(t, err)
	return b
}

// gssToken frames an AP-REQ the way KRB5Token.Marshal does.
func gssToken(t *testing.T, inner []byte) []byte {
	t.Helper()
	oid, err := asn1.Marshal(gssapi.OIDKRB5.OID())
	require.NoError(t, err)
	b := append(oid, 0x01, 0x00)
	return asn1tools.AddASNAppTag(append(b, inner...), 0)
}

func TestDissectTokenAPReq(t *testing.T) {
	tok := gssToken(t, apReqMessage(t))
	tree := core.NewTree("v")
	msg, err := DissectToken(tok, 0, tree)
	require.NoError(t, err)
	assert.Equal(t, "AP-REQ", msg.Kind)
	assert.Equal(t, "EXAMPLE.COM", msg.Realm)
	assert.Equal(t, "host/srv.example.com", msg.SName)
	assert.Equal(t, "KRB5 AP-REQ host/srv.example.com@EXAMPLE.COM", msg.Summary())

	assert.Equal(t, "1.2.840.113554.1.2.2", tree.Find("OID").Value)
	assert.NotNil(t, tree.Find("mutual-required"))
	assert.Nil(t, tree.Find("use-session-key"))
	assert.Equal(t, "aes256-cts-hmac-sha1-96", tree.Find("enc-part").Value)
	assert.Equal(t, 2, tree.Find("kvno").Value)
}

func TestDissectTokenBare(t *testing.T) {
	tree := core.NewTree("v")
	msg, err := DissectToken(apReqMessage(t), 4, tree)
	require.NoError(t, err)
	assert.Equal(t, "AP-REQ", msg.Kind)
	assert.Equal(t, 4, tree.Find("Kerberos").Offset)

	e := messages.NewKRBError(types.NewPrincipalName(nametype.KRB_NT_SRV_INST, "host/srv"), "EXAMPLE.COM",
		errorcode.KRB_AP_ERR_SKEW, "clock")
	b, err := e.Marshal()
	require.NoError(t, err)
	tree = core.NewTree("v")
	msg, err = DissectToken(b, 0, tree)
	require.NoError(t, err)
	assert.Equal(t, "KRB-ERROR", msg.Kind)
	assert.Equal(t, errorcode.KRB_AP_ERR_SKEW, msg.ErrorCode)
	assert.Contains(t, msg.Summary(), "KRB_AP_ERR_SKEW")
	assert.Equal(t, "clock", tree.Find("e-text").Value)
}

func TestDissectTokenErrors(t *testing.T) {
	_, err := DissectToken(nil, 0, core.NewTree("v"))
	assert.ErrorIs(t, err, ErrUnknownToken)
	_, err = DissectToken([]byte{0x30, 0x00}, 0, core.NewTree("v"))
	assert.ErrorIs(t, err, ErrUnknownToken)
	_, err = DissectToken([]byte{0x60, 0x03, 0x06, 0x01, 0x00}, 0, core.NewTree("v"))
	assert.Error(t, err)
}

func wrapToken(flags byte, ec uint16, body int) []byte {
	b := []byte{0x05, 0x04, flags, 0xff, byte(ec >> 8), byte(ec), 0, 28, 0, 0, 0, 0, 0, 0, 0, 9}
	return append(b, make([]byte, body)...)
}

func TestVerifierWrap(t *testing.T) {
	tok := wrapToken(0x03, 12, 28)
	tree := core.NewTree("v")
	off, err := Verifier(wire.FromBytes(tok), 0, tree, true)
	require.NoError(t, err)
	assert.Equal(t, len(tok), off)
	assert.Equal(t, uint64(9), tree.Find("SND_SEQ").Value)
	assert.Equal(t, uint16(28), tree.Find("RRC").Value)
	assert.Equal(t, true, tree.Find("Sealed").Value)
	assert.Equal(t, 12, tree.Find("SGN_CKSUM").Length)

	// A request token must not carry the acceptor flag.
	_, err = Verifier(wire.FromBytes(tok), 0, core.NewTree("v"), false)
	assert.Error(t, err)
	// Checksum longer than the token.
	_, err = Verifier(wire.FromBytes(wrapToken(0x01, 200, 4)), 0, core.NewTree("v"), true)
	assert.Error(t, err)
}

func TestVerifierMIC(t *testing.T) {
	tok := []byte{0x04, 0x04, 0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0, 0, 0, 0, 1}
	tok = append(tok, make([]byte, 12)...)
	tree := core.NewTree("v")
	off, err := Verifier(wire.FromBytes(tok), 0, tree, false)
	require.NoError(t, err)
	assert.Equal(t, len(tok), off)
	assert.Equal(t, "GSS_GetMIC (RFC 4121)", tree.Find("krb5_blob").Value)
}

func TestVerifierRFC1964(t *testing.T) {
	oid, err := asn1.Marshal(gssapi.OIDKRB5.OID())
	require.NoError(t, err)
	body := []byte{0x02, 0x01, 0x11, 0x00, 0x10, 0x00, 0xff, 0xff}
	body = append(body, make([]byte, 24)...)
	tok := asn1tools.AddASNAppTag(append(oid, body...), 0)

	tree := core.NewTree("v")
	off, err := Verifier(wire.FromBytes(tok), 0, tree, false)
	require.NoError(t, err)
	assert.Equal(t, len(tok), off)
	assert.Equal(t, "HMAC", tree.Find("SGN_ALG").Value)
	assert.Equal(t, "RC4", tree.Find("SEAL_ALG").Value)
	assert.NotNil(t, tree.Find("Confounder"))
}

func TestInstallAndToken(t *testing.T) {
	p := New()
	require.NoError(t, p.Init(map[string]any{"levels": []string{"privacy"}}))
	reg := dcerpc.NewRegistry()
	require.NoError(t, p.Install(reg))
	h := reg.AuthHandler(dcerpc.LevelPrivacy, dcerpc.AuthKerberos)
	require.NotNil(t, h)
	assert.Nil(t, reg.AuthHandler(dcerpc.LevelConnect, dcerpc.AuthKerberos))

	pinfo := &core.PacketInfo{}
	tok := gssToken(t, apReqMessage(t))
	off, err := h.Bind(wire.FromBytes(tok), 0, core.NewTree("v"), &dcerpc.AuthContext{Pinfo: pinfo})
	require.NoError(t, err)
	assert.Equal(t, len(tok), off)
	assert.Contains(t, pinfo.Info(), "AP-REQ")
}
