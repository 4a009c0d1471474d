package ntlmssp

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dcerpc"
	"firestige.xyz/dissect/internal/wire"
)

func u16s(s string) []byte {
	var b []byte
	for _, r := range s {
		b = binary.LittleEndian.AppendUint16(b, uint16(r))
	}
	return b
}

func secbuf(data []byte, offset int) []byte {
	b := binary.LittleEndian.AppendUint16(nil, uint16(len(data)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(data)))
	return binary.LittleEndian.AppendUint32(b, uint32(offset))
}

func header(typ uint32) []byte {
	return binary.LittleEndian.AppendUint32([]byte("NTLMSSP\x00"), typ)
}

var version = []byte{10, 0, 0x61, 0x4a, 0, 0, 0, 15}

func challengeMessage() []byte {
	target := u16s("DOM")
	info := binary.LittleEndian.AppendUint16(nil, avNbDomainName)
	info = binary.LittleEndian.AppendUint16(info, 6)
	info = append(info, u16s("DOM")...)
	info = append(info, 0, 0, 0, 0)

	b := header(Challenge)
	b = append(b, secbuf(target, 56)...)
	b = binary.LittleEndian.AppendUint32(b, FlagUnicode|FlagVersion|0x00800000)
	b = append(b, 1, 2, 3, 4, 5, 6, 7, 8)
	b = append(b, make([]byte, 8)...)
	b = append(b, secbuf(info, 56+len(target))...)
	b = append(b, version...)
	b = append(b, target...)
	return append(b, info...)
}

func authenticateMessage() []byte {
	nt := make([]byte, 16)
	for i := range nt {
		nt[i] = 0xaa
	}
	blob := []byte{1, 1, 0, 0, 0, 0, 0, 0}
	blob = binary.LittleEndian.AppendUint64(blob, 132000000000000000)
	blob = append(blob, 9, 9, 9, 9, 9, 9, 9, 9)
	blob = append(blob, 0, 0, 0, 0)
	blob = append(blob, 0, 0, 0, 0) // MsvAvEOL
	nt = append(nt, blob...)
	domain, user, ws := u16s("DOM"), u16s("alice"), u16s("WS")
	key := make([]byte, 16)

	off := 88
	b := header(Authenticate)
	b = append(b, secbuf(nil, off)...)
	b = append(b, secbuf(nt, off)...)
	off += len(nt)
	b = append(b, secbuf(domain, off)...)
	off += len(domain)
	b = append(b, secbuf(user, off)...)
	off += len(user)
	b = append(b, secbuf(ws, off)...)
	off += len(ws)
	b = append(b, secbuf(key, off)...)
	b = binary.LittleEndian.AppendUint32(b, FlagUnicode|FlagVersion|FlagExtendedSec)
	b = append(b, version...)
	b = append(b, make([]byte, 16)...) // MIC
	for _, p := range [][]byte{nt, domain, user, ws, key} {
		b = append(b, p...)
	}
	return b
}

func TestDissectChallenge(t *testing.T) {
	data := challengeMessage()
	tree := core.NewTree("verifier")
	msg, off, err := Dissect(wire.FromBytes(data), 0, tree)
	require.NoError(t, err)
	assert.Equal(t, len(data), off)
	assert.Equal(t, uint32(Challenge), msg.Type)
	assert.Equal(t, "DOM", msg.TargetName)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, msg.Challenge)
	assert.Equal(t, "0102030405060708", tree.Find("NTLM Server Challenge").Value)
	assert.Equal(t, "DOM", tree.Find("NetBIOS Domain Name").Value)
	assert.NotNil(t, tree.Find("MsvAvEOL"))
	assert.Equal(t, uint16(19041), tree.Find("Build Number").Value)
	assert.Contains(t, tree.Find("Negotiate Flags").Value, "NEGOTIATE_TARGET_INFO")
}

func TestDissectAuthenticate(t *testing.T) {
	data := authenticateMessage()
	tree := core.NewTree("verifier")
	msg, off, err := Dissect(wire.FromBytes(data), 0, tree)
	require.NoError(t, err)
	assert.Equal(t, len(data), off)
	assert.Equal(t, "alice", msg.User)
	assert.Equal(t, "DOM", msg.Domain)
	assert.Equal(t, "WS", msg.Workstation)
	assert.Equal(t, "NTLMSSP_AUTH, User: DOM\\alice", msg.Summary())
	assert.NotNil(t, tree.Find("MIC"))
	assert.NotNil(t, tree.Find("NTLMv2 Response"))
	assert.Equal(t, "0909090909090909", tree.Find("NTLMv2 Client Challenge").Value)
	assert.Nil(t, tree.Find("Lan Manager Response"))
}

func TestDissectNegotiateOEM(t *testing.T) {
	b := header(Negotiate)
	b = binary.LittleEndian.AppendUint32(b, FlagUnicode|0x00001000)
	b = append(b, secbuf([]byte("CORP"), 32)...)
	b = append(b, secbuf(nil, 36)...)
	b = append(b, "CORP"...)

	tree := core.NewTree("verifier")
	msg, _, err := Dissect(wire.FromBytes(b), 0, tree)
	require.NoError(t, err)
	assert.Equal(t, "CORP", msg.Domain)
	assert.Contains(t, FlagString(msg.Flags), "OEM_DOMAIN_SUPPLIED")
}

func TestDissectErrors(t *testing.T) {
	_, _, err := Dissect(wire.FromBytes([]byte("NTLMSSX\x00\x01\x00\x00\x00")), 0, core.NewTree("v"))
	assert.ErrorIs(t, err, ErrSignature)

	data := challengeMessage()
	_, _, err = Dissect(wire.FromBytes(data[:60]), 0, core.NewTree("v"))
	assert.ErrorIs(t, err, core.ErrBounds)
}

func TestVerifier(t *testing.T) {
	b := binary.LittleEndian.AppendUint32(nil, 1)
	b = append(b, 0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 1)
	b = binary.LittleEndian.AppendUint32(b, 3)

	tree := core.NewTree("v")
	off, err := Verifier(wire.FromBytes(b), 0, tree)
	require.NoError(t, err)
	assert.Equal(t, 16, off)
	assert.Equal(t, uint32(3), tree.Find("Sequence Number").Value)
	assert.False(t, tree.HasNote(core.NoteMalformed))

	_, err = Verifier(wire.FromBytes(b[:10]), 0, tree)
	assert.Error(t, err)
}

func TestInstall(t *testing.T) {
	p := New()
	require.NoError(t, p.Init(map[string]any{"levels": "connect,integrity"}))
	reg := dcerpc.NewRegistry()
	require.NoError(t, p.Install(reg))
	assert.NotNil(t, reg.AuthHandler(dcerpc.LevelConnect, dcerpc.AuthNTLMSSP))
	assert.NotNil(t, reg.AuthHandler(dcerpc.LevelIntegrity, dcerpc.AuthNTLMSSP))
	assert.Nil(t, reg.AuthHandler(dcerpc.LevelPrivacy, dcerpc.AuthNTLMSSP))

	assert.Error(t, New().Init(map[string]any{"levels": []string{"bogus"}}))
}

func TestTokenAddsInfo(t *testing.T) {
	pinfo := &core.PacketInfo{Frame: 3}
	ac := &dcerpc.AuthContext{Pinfo: pinfo}
	_, err := Handler().Auth3(wire.FromBytes(authenticateMessage()), 0, core.NewTree("v"), ac)
	require.NoError(t, err)
	assert.Equal(t, "NTLMSSP_AUTH, User: DOM\\alice", pinfo.Info())
}
