package ndr

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"firestige.xyz/dissect/internal/wire"
)

// UUID is a DCE UUID held in canonical (textual) byte order. On the wire the
// first three fields follow the data representation's integer byte order.
type UUID [16]byte

// String formats the UUID as xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx.
func (u UUID) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}

// IsZero reports whether u is the nil UUID.
func (u UUID) IsZero() bool { return u == UUID{} }

// ParseUUID parses a UUID string (with or without dashes).
func ParseUUID(s string) (UUID, error) {
	s = strings.ReplaceAll(s, "-", "")
	if len(s) != 32 {
		return UUID{}, fmt.Errorf("invalid UUID length: %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return UUID{}, err
	}
	var u UUID
	copy(u[:], b)
	return u, nil
}

// MustParseUUID parses a UUID and panics on error.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ReadUUID reads 16 wire bytes at off.
func ReadUUID(buf *wire.Buffer, off int, order binary.ByteOrder) (UUID, error) {
	b, err := buf.Bytes(off, 16)
	if err != nil {
		return UUID{}, err
	}
	var u UUID
	binary.BigEndian.PutUint32(u[0:], order.Uint32(b[0:]))
	binary.BigEndian.PutUint16(u[4:], order.Uint16(b[4:]))
	binary.BigEndian.PutUint16(u[6:], order.Uint16(b[6:]))
	copy(u[8:], b[8:])
	return u, nil
}

// AppendUUID appends the wire form of u. Used to build test fixtures and
// by encoders.
func AppendUUID(dst []byte, u UUID, order binary.ByteOrder) []byte {
	var b [16]byte
	order.PutUint32(b[0:], binary.BigEndian.Uint32(u[0:]))
	order.PutUint16(b[4:], binary.BigEndian.Uint16(u[4:]))
	order.PutUint16(b[6:], binary.BigEndian.Uint16(u[6:]))
	copy(b[8:], u[8:])
	return append(dst, b[:]...)
}
