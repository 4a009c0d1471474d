// Package filter drops captured frames before the engine numbers them.
package filter

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/bpf"

	"firestige.xyz/dissect/internal/core"
)

// Filter decides whether a frame is kept.
type Filter interface {
	Match(p core.RawPacket) bool
}

// BPF runs a classic BPF program over the frame bytes. A frame is kept when
// the program returns a non-zero length.
type BPF struct {
	vm    *bpf.VM
	insns int
}

// NewBPF compiles program, given in the `tcpdump -dd` form
// ("{ 0x28, 0, 0, 0x0000000c },", one instruction per line) or the
// `tcpdump -ddd` form (a count line, then "op jt jf k" in decimal).
func NewBPF(program string) (*BPF, error) {
	raw, err := ParseProgram(program)
	if err != nil {
		return nil, err
	}
	insns, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("%w: bpf program has undecodable instructions", core.ErrConfigInvalid)
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("%w: bpf program: %v", core.ErrConfigInvalid, err)
	}
	return &BPF{vm: vm, insns: len(insns)}, nil
}

// ParseProgram reads the raw instructions of a tcpdump-style dump.
func ParseProgram(program string) ([]bpf.RawInstruction, error) {
	var out []bpf.RawInstruction
	for n, line := range strings.Split(program, "\n") {
		line = strings.NewReplacer("{", " ", "}", " ", ",", " ").Replace(line)
		fields := strings.Fields(line)
		switch len(fields) {
		case 0:
			continue
		case 1:
			// The -ddd instruction count.
			if n == 0 || len(out) == 0 {
				continue
			}
		case 4:
			var v [4]uint64
			for i, f := range fields {
				x, err := strconv.ParseUint(f, 0, 32)
				if err != nil {
					return nil, fmt.Errorf("%w: bpf line %d: %v", core.ErrConfigInvalid, n+1, err)
				}
				v[i] = x
			}
			if v[1] > 0xff || v[2] > 0xff || v[0] > 0xffff {
				return nil, fmt.Errorf("%w: bpf line %d: field out of range", core.ErrConfigInvalid, n+1)
			}
			out = append(out, bpf.RawInstruction{Op: uint16(v[0]), Jt: uint8(v[1]), Jf: uint8(v[2]), K: uint32(v[3])})
			continue
		}
		return nil, fmt.Errorf("%w: bpf line %d: want 4 fields, got %d", core.ErrConfigInvalid, n+1, len(fields))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty bpf program", core.ErrConfigInvalid)
	}
	return out, nil
}

// Match runs the program. A runtime fault drops the frame.
func (f *BPF) Match(p core.RawPacket) bool {
	n, err := f.vm.Run(p.Data)
	return err == nil && n > 0
}

// Chain keeps a frame only when every filter keeps it.
type Chain []Filter

func (c Chain) Match(p core.RawPacket) bool {
	for _, f := range c {
		if !f.Match(p) {
			return false
		}
	}
	return true
}
