package ndr

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/wire"
)

// Scalars are data-pass items. In the conformance pass they consume nothing.

func (c *Context) Uint8(off int, tree *core.Node, mode Mode, name string) (uint8, int, error) {
	if mode == ModeConformant {
		return 0, off, nil
	}
	v, err := c.Buf.Uint8(off)
	if err != nil {
		return 0, off, err
	}
	tree.Add(name, v, off, 1)
	return v, off + 1, nil
}

func (c *Context) Uint16(off int, tree *core.Node, mode Mode, name string) (uint16, int, error) {
	if mode == ModeConformant {
		return 0, off, nil
	}
	off = wire.Align(off, 2)
	v, err := c.Buf.Uint16(off, c.Order)
	if err != nil {
		return 0, off, err
	}
	tree.Add(name, v, off, 2)
	return v, off + 2, nil
}

func (c *Context) Uint32(off int, tree *core.Node, mode Mode, name string) (uint32, int, error) {
	if mode == ModeConformant {
		return 0, off, nil
	}
	off = wire.Align(off, 4)
	v, err := c.Buf.Uint32(off, c.Order)
	if err != nil {
		return 0, off, err
	}
	tree.Add(name, v, off, 4)
	return v, off + 4, nil
}

func (c *Context) Int32(off int, tree *core.Node, mode Mode, name string) (int32, int, error) {
	if mode == ModeConformant {
		return 0, off, nil
	}
	off = wire.Align(off, 4)
	v, err := c.Buf.Uint32(off, c.Order)
	if err != nil {
		return 0, off, err
	}
	tree.Add(name, int32(v), off, 4)
	return int32(v), off + 4, nil
}

func (c *Context) Uint64(off int, tree *core.Node, mode Mode, name string) (uint64, int, error) {
	if mode == ModeConformant {
		return 0, off, nil
	}
	off = wire.Align(off, 8)
	v, err := c.Buf.Uint64(off, c.Order)
	if err != nil {
		return 0, off, err
	}
	tree.Add(name, v, off, 8)
	return v, off + 8, nil
}

func (c *Context) Float32(off int, tree *core.Node, mode Mode, name string) (float32, int, error) {
	if mode == ModeConformant {
		return 0, off, nil
	}
	off = wire.Align(off, 4)
	v, err := c.Buf.Float32(off, c.Order)
	if err != nil {
		return 0, off, err
	}
	tree.Add(name, v, off, 4)
	return v, off + 4, nil
}

func (c *Context) Float64(off int, tree *core.Node, mode Mode, name string) (float64, int, error) {
	if mode == ModeConformant {
		return 0, off, nil
	}
	off = wire.Align(off, 8)
	v, err := c.Buf.Float64(off, c.Order)
	if err != nil {
		return 0, off, err
	}
	tree.Add(name, v, off, 8)
	return v, off + 8, nil
}

// UUID reads a 16 byte UUID aligned to 4.
func (c *Context) UUID(off int, tree *core.Node, mode Mode, name string) (UUID, int, error) {
	if mode == ModeConformant {
		return UUID{}, off, nil
	}
	off = wire.Align(off, 4)
	u, err := ReadUUID(c.Buf, off, c.Order)
	if err != nil {
		return UUID{}, off, err
	}
	tree.Add(name, u.String(), off, 16)
	return u, off + 16, nil
}

// ntEpoch is 1601-01-01 in Unix seconds.
const ntEpoch = 11644473600

// FileTime converts a FILETIME (100ns ticks since 1601) to time.Time.
// Zero maps to the zero time.
func FileTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	secs := int64(v/10000000) - ntEpoch
	nsec := int64(v%10000000) * 100
	return time.Unix(secs, nsec).UTC()
}

// NTTime reads a FILETIME.
func (c *Context) NTTime(off int, tree *core.Node, mode Mode, name string) (time.Time, int, error) {
	if mode == ModeConformant {
		return time.Time{}, off, nil
	}
	off = wire.Align(off, 4)
	v, err := c.Buf.Uint64(off, c.Order)
	if err != nil {
		return time.Time{}, off, err
	}
	t := FileTime(v)
	if t.IsZero() {
		tree.Add(name, "No time specified", off, 8)
	} else {
		tree.Add(name, t.Format(time.RFC3339Nano), off, 8)
	}
	return t, off + 8, nil
}

// CVString reads a conformant varying string of size-byte characters
// (1 for ASCII, 2 for UTF-16). The terminating NUL, if any, is dropped.
func (c *Context) CVString(off int, tree *core.Node, mode Mode, name string, size int) (string, int, error) {
	if mode == ModeConformant {
		return "", off, nil
	}
	start := wire.Align(off, 4)
	max, err := c.Buf.Uint32(start, c.Order)
	if err != nil {
		return "", start, err
	}
	node := tree.Add(name, nil, start, 0)
	node.Add("Max Count", max, start, 4)
	s, next, err := c.varying(start+4, node, size)
	node.SetLength(next - start)
	return s, next, err
}

// VString reads a varying string: offset, actual count, characters.
func (c *Context) VString(off int, tree *core.Node, mode Mode, name string, size int) (string, int, error) {
	if mode == ModeConformant {
		return "", off, nil
	}
	start := wire.Align(off, 4)
	node := tree.Add(name, nil, start, 0)
	s, next, err := c.varying(start, node, size)
	node.SetLength(next - start)
	return s, next, err
}

func (c *Context) varying(off int, node *core.Node, size int) (string, int, error) {
	_, actual, off, err := c.readVariance(off, node)
	if err != nil {
		return "", off, err
	}
	if uint64(actual)*uint64(size) > uint64(c.Buf.Reported()) {
		return "", off, fmt.Errorf("%w: string of %d characters", core.ErrBounds, actual)
	}
	n := int(actual) * size
	b, err := c.Buf.Bytes(off, n)
	if err != nil {
		return "", off, err
	}
	s := decodeChars(b, size, c)
	node.SetValue(s)
	return s, off + n, nil
}

func decodeChars(b []byte, size int, c *Context) string {
	if size == 2 {
		u := make([]uint16, len(b)/2)
		for i := range u {
			u[i] = c.Order.Uint16(b[2*i:])
		}
		for len(u) > 0 && u[len(u)-1] == 0 {
			u = u[:len(u)-1]
		}
		return string(utf16.Decode(u))
	}
	return strings.TrimRight(string(b), "\x00")
}

// Func adapters for array elements.

func Uint8Func(name string) Func {
	return func(c *Context, off int, tree *core.Node, mode Mode) (int, error) {
		_, next, err := c.Uint8(off, tree, mode, name)
		return next, err
	}
}

func Uint16Func(name string) Func {
	return func(c *Context, off int, tree *core.Node, mode Mode) (int, error) {
		_, next, err := c.Uint16(off, tree, mode, name)
		return next, err
	}
}

func Uint32Func(name string) Func {
	return func(c *Context, off int, tree *core.Node, mode Mode) (int, error) {
		_, next, err := c.Uint32(off, tree, mode, name)
		return next, err
	}
}

// CVStringFunc decodes a conformant varying string as a pointer referent.
func CVStringFunc(name string, size int) Func {
	return func(c *Context, off int, tree *core.Node, mode Mode) (int, error) {
		_, next, err := c.CVString(off, tree, mode, name, size)
		return next, err
	}
}
