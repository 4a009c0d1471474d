// Package file reads frames from pcap and pcapng capture files.
package file

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/dissect/internal/core"
)

// pcapngMagic opens every pcapng section header block.
var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Source reads one capture file.
type Source struct {
	path   string
	f      io.Closer
	reader packetReader
	ng     bool
}

// Open opens path and reads its file header. The format is told apart by
// the leading magic, not by the file name.
func Open(path string) (*Source, error) {
	if path == "" {
		return nil, fmt.Errorf("capture file path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}
	s, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture file %s: %w", path, err)
	}
	s.path, s.f = path, f
	return s, nil
}

// NewReader reads a capture from r.
func NewReader(r io.Reader) (*Source, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("capture header: %w", err)
	}

	s := &Source{}
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, err
		}
		s.reader, s.ng = ng, true
		return s, nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, err
	}
	s.reader = pr
	return s, nil
}

// ReadPacket returns the next frame, or io.EOF at the end of the capture.
func (s *Source) ReadPacket() (core.RawPacket, error) {
	data, ci, err := s.reader.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return core.RawPacket{}, io.EOF
		}
		// A capture cut short mid-record ends like a clean one.
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return core.RawPacket{}, io.EOF
		}
		return core.RawPacket{}, fmt.Errorf("failed to read packet: %w", err)
	}
	orig := ci.Length
	if orig < len(data) {
		orig = len(data)
	}
	return core.RawPacket{
		Data:       data,
		Timestamp:  ci.Timestamp,
		CaptureLen: uint32(len(data)),
		OrigLen:    uint32(orig),
	}, nil
}

// LinkType returns the link layer named in the file header.
func (s *Source) LinkType() layers.LinkType {
	return s.reader.LinkType()
}

// Format names the capture file format.
func (s *Source) Format() string {
	if s.ng {
		return "pcapng"
	}
	return "pcap"
}

// Close closes the underlying file when the source opened it.
func (s *Source) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
