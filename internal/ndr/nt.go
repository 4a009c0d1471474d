package ndr

import (
	"encoding/binary"
	"fmt"
	"strings"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/wire"
)

// UnicodeString decodes a counted UTF-16 string: Length, MaximumLength and a
// unique pointer to the characters. The string becomes the value of the
// item once its referent has been decoded.
func (c *Context) UnicodeString(off int, tree *core.Node, mode Mode, name string) (int, error) {
	return c.Struct(off, tree, mode, name, 4, func(c *Context, off int, node *core.Node, mode Mode) (int, error) {
		_, off, err := c.Uint16(off, node, mode, "Length")
		if err != nil {
			return off, err
		}
		_, off, err = c.Uint16(off, node, mode, "Maximum Length")
		if err != nil {
			return off, err
		}
		return c.Pointer(off, node, mode, Pointer{
			Kind: Unique,
			Name: "Buffer",
			Fn:   CVStringFunc("String", 2),
			After: func(_ *Context, ptr *core.Node, _, _ int) {
				if s := ptr.Find("String"); s != nil {
					node.SetValue(s.Value)
				}
			},
		})
	})
}

// UnicodeStringFunc wraps UnicodeString as a Func.
func UnicodeStringFunc(name string) Func {
	return func(c *Context, off int, tree *core.Node, mode Mode) (int, error) {
		return c.UnicodeString(off, tree, mode, name)
	}
}

// WStringPointer is a pointer to a conformant varying UTF-16 string, the
// IDL [string] wchar_t*. The pointer item takes the string as its value.
func WStringPointer(kind PointerKind, name string) Pointer {
	return Pointer{
		Kind: kind,
		Name: name,
		Fn:   CVStringFunc(name, 2),
		After: func(_ *Context, ptr *core.Node, _, _ int) {
			if ptr != nil && len(ptr.Children) > 0 {
				ptr.SetValue(ptr.Children[len(ptr.Children)-1].Value)
			}
		},
	}
}

// SID decodes an RPC_SID and renders it as S-R-A-S1-S2...
// The sub-authority array is conformant, so its count is read in the
// conformance pass.
func (c *Context) SID(off int, tree *core.Node, mode Mode, name string) (string, int, error) {
	if mode == ModeConformant {
		next, err := c.readMaxCount(off)
		return "", next, err
	}
	off = wire.Align(off, 4)
	node := tree.Add(name, nil, off, 0)
	start := off
	count, off, err := c.takeMaxCount(off, node)
	if err != nil {
		return "", off, err
	}
	if count > 15 {
		return "", off, fmt.Errorf("%w: SID with %d sub-authorities", core.ErrBounds, count)
	}
	rev, off, err := c.Uint8(off, node, ModeData, "Revision")
	if err != nil {
		return "", off, err
	}
	if _, off, err = c.Uint8(off, node, ModeData, "Num Auth"); err != nil {
		return "", off, err
	}
	ab, err := c.Buf.Bytes(off, 6)
	if err != nil {
		return "", off, err
	}
	var auth uint64
	for _, b := range ab {
		auth = auth<<8 | uint64(b)
	}
	node.Add("Authority", auth, off, 6)
	off += 6

	var sb strings.Builder
	fmt.Fprintf(&sb, "S-%d-%d", rev, auth)
	for i := uint32(0); i < count; i++ {
		v, next, err := c.Uint32(off, node, ModeData, "Subauthority")
		if err != nil {
			return "", next, err
		}
		fmt.Fprintf(&sb, "-%d", v)
		off = next
	}
	s := sb.String()
	node.SetValue(s)
	node.SetLength(off - start)
	return s, off, nil
}

// SIDFunc wraps SID as a Func, typically the referent of a pointer.
func SIDFunc(name string) Func {
	return func(c *Context, off int, tree *core.Node, mode Mode) (int, error) {
		_, next, err := c.SID(off, tree, mode, name)
		return next, err
	}
}

// ContextHandle is an opaque 20 byte policy handle.
type ContextHandle struct {
	Attributes uint32
	UUID       UUID
}

// IsNull reports whether the handle is all zero.
func (h ContextHandle) IsNull() bool { return h == ContextHandle{} }

func (h ContextHandle) String() string {
	var b [20]byte
	binary.BigEndian.PutUint32(b[:], h.Attributes)
	copy(b[4:], h.UUID[:])
	return fmt.Sprintf("%x", b[:])
}

// ContextHandle reads a policy handle.
func (c *Context) ContextHandle(off int, tree *core.Node, mode Mode, name string) (ContextHandle, int, error) {
	if mode == ModeConformant {
		return ContextHandle{}, off, nil
	}
	off = wire.Align(off, 4)
	attr, err := c.Buf.Uint32(off, c.Order)
	if err != nil {
		return ContextHandle{}, off, err
	}
	u, err := ReadUUID(c.Buf, off+4, c.Order)
	if err != nil {
		return ContextHandle{}, off, err
	}
	h := ContextHandle{Attributes: attr, UUID: u}
	n := tree.Add(name, h.String(), off, 20)
	if h.IsNull() {
		n.Annotate("NULL handle")
	}
	return h, off + 20, nil
}

var ntStatusNames = map[uint32]string{
	0x00000000: "STATUS_SUCCESS",
	0x00000103: "STATUS_PENDING",
	0x80000005: "STATUS_BUFFER_OVERFLOW",
	0x8000001A: "STATUS_NO_MORE_ENTRIES",
	0xC0000001: "STATUS_UNSUCCESSFUL",
	0xC0000002: "STATUS_NOT_IMPLEMENTED",
	0xC0000005: "STATUS_ACCESS_VIOLATION",
	0xC0000008: "STATUS_INVALID_HANDLE",
	0xC000000D: "STATUS_INVALID_PARAMETER",
	0xC0000022: "STATUS_ACCESS_DENIED",
	0xC0000023: "STATUS_BUFFER_TOO_SMALL",
	0xC0000034: "STATUS_OBJECT_NAME_NOT_FOUND",
	0xC000005E: "STATUS_NO_LOGON_SERVERS",
	0xC0000064: "STATUS_NO_SUCH_USER",
	0xC000006A: "STATUS_WRONG_PASSWORD",
	0xC000006D: "STATUS_LOGON_FAILURE",
	0xC0000073: "STATUS_NONE_MAPPED",
	0xC00000BB: "STATUS_NOT_SUPPORTED",
	0xC0000225: "STATUS_NOT_FOUND",
}

// NTStatusName returns the symbolic name of an NTSTATUS value.
func NTStatusName(v uint32) string {
	if s, ok := ntStatusNames[v]; ok {
		return s
	}
	return fmt.Sprintf("Unknown NT status 0x%08x", v)
}

var werrorNames = map[uint32]string{
	0:    "WERR_OK",
	2:    "WERR_FILE_NOT_FOUND",
	5:    "WERR_ACCESS_DENIED",
	6:    "WERR_INVALID_HANDLE",
	8:    "WERR_NOT_ENOUGH_MEMORY",
	50:   "WERR_NOT_SUPPORTED",
	87:   "WERR_INVALID_PARAMETER",
	122:  "WERR_INSUFFICIENT_BUFFER",
	234:  "WERR_MORE_DATA",
	259:  "WERR_NO_MORE_ITEMS",
	1722: "WERR_RPC_S_SERVER_UNAVAILABLE",
}

// WERRORName returns the symbolic name of a Win32 error code.
func WERRORName(v uint32) string {
	if s, ok := werrorNames[v]; ok {
		return s
	}
	return fmt.Sprintf("Unknown WERROR 0x%08x", v)
}

// NTStatus reads an NTSTATUS and labels it.
func (c *Context) NTStatus(off int, tree *core.Node, mode Mode, name string) (uint32, int, error) {
	if mode == ModeConformant {
		return 0, off, nil
	}
	off = wire.Align(off, 4)
	v, err := c.Buf.Uint32(off, c.Order)
	if err != nil {
		return 0, off, err
	}
	tree.Add(name, NTStatusName(v), off, 4)
	return v, off + 4, nil
}

// WERROR reads a Win32 error code and labels it.
func (c *Context) WERROR(off int, tree *core.Node, mode Mode, name string) (uint32, int, error) {
	if mode == ModeConformant {
		return 0, off, nil
	}
	off = wire.Align(off, 4)
	v, err := c.Buf.Uint32(off, c.Order)
	if err != nil {
		return 0, off, err
	}
	tree.Add(name, WERRORName(v), off, 4)
	return v, off + 4, nil
}
