package wire

import "encoding/binary"

// Cursor is an advancing reader over a Buffer with a fixed byte order.
// The first failing read sticks; later reads return zero values and the
// same error.
type Cursor struct {
	Buf    *Buffer
	Offset int
	Order  binary.ByteOrder
	err    error
}

// NewCursor starts reading buf at off.
func NewCursor(buf *Buffer, off int, order binary.ByteOrder) *Cursor {
	return &Cursor{Buf: buf, Offset: off, Order: order}
}

// Err returns the first read error.
func (c *Cursor) Err() error { return c.err }

// Skip advances n bytes after checking they exist.
func (c *Cursor) Skip(n int) {
	if c.err != nil {
		return
	}
	if c.err = c.Buf.Check(c.Offset, n); c.err == nil {
		c.Offset += n
	}
}

// Align advances to the next multiple of n.
func (c *Cursor) Align(n int) {
	c.Offset = Align(c.Offset, n)
}

// U8 reads one byte.
func (c *Cursor) U8() uint8 {
	if c.err != nil {
		return 0
	}
	v, err := c.Buf.Uint8(c.Offset)
	if c.err = err; err == nil {
		c.Offset++
	}
	return v
}

// U16 reads a uint16 in the cursor's byte order.
func (c *Cursor) U16() uint16 {
	if c.err != nil {
		return 0
	}
	v, err := c.Buf.Uint16(c.Offset, c.Order)
	if c.err = err; err == nil {
		c.Offset += 2
	}
	return v
}

// U32 reads a uint32 in the cursor's byte order.
func (c *Cursor) U32() uint32 {
	if c.err != nil {
		return 0
	}
	v, err := c.Buf.Uint32(c.Offset, c.Order)
	if c.err = err; err == nil {
		c.Offset += 4
	}
	return v
}

// U64 reads a uint64 in the cursor's byte order.
func (c *Cursor) U64() uint64 {
	if c.err != nil {
		return 0
	}
	v, err := c.Buf.Uint64(c.Offset, c.Order)
	if c.err = err; err == nil {
		c.Offset += 8
	}
	return v
}

// Bytes returns the next n bytes without copying.
func (c *Cursor) Bytes(n int) []byte {
	if c.err != nil {
		return nil
	}
	v, err := c.Buf.Bytes(c.Offset, n)
	if c.err = err; err == nil {
		c.Offset += n
	}
	return v
}
