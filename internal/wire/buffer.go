// Package wire provides bounded, byte-order aware access to captured bytes.
//
// A Buffer knows two lengths: the captured length (bytes actually present) and
// the reported length (bytes the packet claims to have). Reads past the
// reported length fail with core.ErrBounds; reads that stay within the reported
// length but run past the captured bytes fail with core.ErrReportedBounds,
// which callers treat as a recoverable truncation.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"firestige.xyz/dissect/internal/core"
)

// Buffer is an immutable view over captured bytes. Offsets are relative to the
// start of the view.
type Buffer struct {
	data     []byte
	reported int
}

// NewBuffer creates a view whose reported length is at least len(data).
func NewBuffer(data []byte, reported int) *Buffer {
	if reported < len(data) {
		reported = len(data)
	}
	return &Buffer{data: data, reported: reported}
}

// FromBytes creates a fully captured view.
func FromBytes(data []byte) *Buffer {
	return &Buffer{data: data, reported: len(data)}
}

// Len returns the captured length.
func (b *Buffer) Len() int { return len(b.data) }

// Reported returns the reported length.
func (b *Buffer) Reported() int { return b.reported }

// Truncated reports whether some reported bytes were not captured.
func (b *Buffer) Truncated() bool { return len(b.data) < b.reported }

// Remaining returns the captured bytes left at off, never negative.
func (b *Buffer) Remaining(off int) int {
	if off >= len(b.data) {
		return 0
	}
	return len(b.data) - off
}

// ReportedRemaining returns the reported bytes left at off, never negative.
func (b *Buffer) ReportedRemaining(off int) int {
	if off >= b.reported {
		return 0
	}
	return b.reported - off
}

// Check verifies that n bytes at off can be read.
func (b *Buffer) Check(off, n int) error {
	if off < 0 || n < 0 || off+n > b.reported {
		return fmt.Errorf("%w: offset %d length %d reported %d", core.ErrBounds, off, n, b.reported)
	}
	if off+n > len(b.data) {
		return fmt.Errorf("%w: offset %d length %d captured %d", core.ErrReportedBounds, off, n, len(b.data))
	}
	return nil
}

// Bytes returns n bytes at off without copying.
func (b *Buffer) Bytes(off, n int) ([]byte, error) {
	if err := b.Check(off, n); err != nil {
		return nil, err
	}
	return b.data[off : off+n], nil
}

// Tail returns the captured bytes from off to the end.
func (b *Buffer) Tail(off int) []byte {
	if off >= len(b.data) {
		return nil
	}
	return b.data[off:]
}

// Sub returns a view of length bytes at off. The view's reported length is
// length; its captured length is whatever part of it was captured. A view
// that begins past the reported end is an error.
func (b *Buffer) Sub(off, length int) (*Buffer, error) {
	if off < 0 || length < 0 || off > b.reported {
		return nil, fmt.Errorf("%w: sub-view at %d reported %d", core.ErrBounds, off, b.reported)
	}
	end := off + length
	capEnd := end
	if capEnd > len(b.data) {
		capEnd = len(b.data)
	}
	if off > capEnd {
		return &Buffer{reported: length}, nil
	}
	return &Buffer{data: b.data[off:capEnd], reported: length}, nil
}

// Rest returns the view from off to the reported end.
func (b *Buffer) Rest(off int) (*Buffer, error) {
	return b.Sub(off, b.ReportedRemaining(off))
}

// Uint8 reads one byte.
func (b *Buffer) Uint8(off int) (uint8, error) {
	if err := b.Check(off, 1); err != nil {
		return 0, err
	}
	return b.data[off], nil
}

// Uint16 reads two bytes in order.
func (b *Buffer) Uint16(off int, order binary.ByteOrder) (uint16, error) {
	if err := b.Check(off, 2); err != nil {
		return 0, err
	}
	return order.Uint16(b.data[off:]), nil
}

// Uint32 reads four bytes in order.
func (b *Buffer) Uint32(off int, order binary.ByteOrder) (uint32, error) {
	if err := b.Check(off, 4); err != nil {
		return 0, err
	}
	return order.Uint32(b.data[off:]), nil
}

// Uint64 reads eight bytes in order.
func (b *Buffer) Uint64(off int, order binary.ByteOrder) (uint64, error) {
	if err := b.Check(off, 8); err != nil {
		return 0, err
	}
	return order.Uint64(b.data[off:]), nil
}

// Float32 reads an IEEE-754 single in order.
func (b *Buffer) Float32(off int, order binary.ByteOrder) (float32, error) {
	v, err := b.Uint32(off, order)
	return math.Float32frombits(v), err
}

// Float64 reads an IEEE-754 double in order.
func (b *Buffer) Float64(off int, order binary.ByteOrder) (float64, error) {
	v, err := b.Uint64(off, order)
	return math.Float64frombits(v), err
}

// Align rounds off up to the next multiple of n.
func Align(off, n int) int {
	if n <= 1 {
		return off
	}
	if r := off % n; r != 0 {
		return off + n - r
	}
	return off
}
