package ndr

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/core"
)

func TestUUIDWireOrder(t *testing.T) {
	u := MustParseUUID("8a885d04-1ceb-11c9-9fe8-08002b104860")
	assert.Equal(t, "8a885d04-1ceb-11c9-9fe8-08002b104860", u.String())

	w := AppendUUID(nil, u, binary.LittleEndian)
	assert.Equal(t, []byte{0x04, 0x5d, 0x88, 0x8a, 0xeb, 0x1c, 0xc9, 0x11}, w[:8])

	c := newCtx(w, true, nil)
	got, off, err := c.UUID(0, nil, ModeData, "uuid")
	require.NoError(t, err)
	assert.Equal(t, u, got)
	assert.Equal(t, 16, off)

	_, err = ParseUUID("not-a-uuid")
	assert.Error(t, err)
}

func TestFileTime(t *testing.T) {
	assert.True(t, FileTime(0).IsZero())
	assert.Equal(t, time.Unix(0, 0).UTC(), FileTime(116444736000000000))
}

func TestSIDReferent(t *testing.T) {
	data := le(
		uint32(0x20000), uint32(2),
		uint8(1), uint8(2), []byte{0, 0, 0, 0, 0, 5},
		uint32(21), uint32(500),
	)
	c := newCtx(data, true, nil)
	tree := core.NewTree("stub")
	off, err := c.Pointer(0, tree, ModeData, Pointer{Kind: Unique, Name: "sid_ptr", Fn: SIDFunc("sid")})
	require.NoError(t, err)
	assert.Equal(t, len(data), off)
	assert.Equal(t, "S-1-5-21-500", tree.Find("sid").Value)
}

func TestUnicodeStringTopLevel(t *testing.T) {
	data := le(uint16(6), uint16(8), uint32(0x20000), uint32(4), uint32(0), uint32(3), utf16le("abc"))
	c := newCtx(data, true, nil)
	tree := core.NewTree("stub")
	off, err := c.UnicodeString(0, tree, ModeData, "Name")
	require.NoError(t, err)
	assert.Equal(t, len(data), off)
	assert.Equal(t, "abc", tree.Find("Name").Value)
}

func TestUnicodeStringNullBuffer(t *testing.T) {
	data := le(uint16(0), uint16(0), uint32(0))
	c := newCtx(data, true, nil)
	tree := core.NewTree("stub")
	off, err := c.UnicodeString(0, tree, ModeData, "Name")
	require.NoError(t, err)
	assert.Equal(t, 8, off)
	assert.Nil(t, tree.Find("Name").Value)
	assert.True(t, tree.Find("Buffer").HasNote(core.NoteNullPointer))
}

func TestContextHandleAndStatus(t *testing.T) {
	data := make([]byte, 20)
	data = append(data, le(uint32(0xC0000022), uint32(5))...)
	c := newCtx(data, false, nil)
	tree := core.NewTree("stub")

	h, off, err := c.ContextHandle(0, tree, ModeData, "handle")
	require.NoError(t, err)
	assert.True(t, h.IsNull())
	assert.Equal(t, 20, off)

	st, off, err := c.NTStatus(off, tree, ModeData, "status")
	require.NoError(t, err)
	assert.Equal(t, uint32(0xC0000022), st)
	assert.Equal(t, "STATUS_ACCESS_DENIED", tree.Find("status").Value)

	_, _, err = c.WERROR(off, tree, ModeData, "werr")
	require.NoError(t, err)
	assert.Equal(t, "WERR_ACCESS_DENIED", tree.Find("werr").Value)
	assert.Equal(t, "Unknown WERROR 0x00000fff", WERRORName(0xfff))
}

func TestWStringPointer(t *testing.T) {
	data := le(uint32(3), uint32(0), uint32(3), utf16le("a:b"))
	c := newCtx(data, true, nil)
	tree := core.NewTree("stub")

	off, err := c.Pointer(0, tree, ModeData, WStringPointer(Ref, "File Name"))
	require.NoError(t, err)
	assert.Equal(t, len(data), off)
	ptr := tree.Children[0]
	assert.Equal(t, "File Name", ptr.Name)
	assert.Equal(t, "a:b", ptr.Value)
}
