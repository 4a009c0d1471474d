package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/core"
)

// Source yields captured frames in capture order. ReadPacket returns io.EOF
// once the capture is exhausted.
type Source interface {
	ReadPacket() (core.RawPacket, error)
	LinkType() layers.LinkType
}

// Sink receives one dissection per frame.
type Sink interface {
	Write(d *core.Dissection) error
}

// Stats summarizes a run.
type Stats struct {
	Frames int
	Errors int
}

// Run dissects every frame of src and writes the result to sink. With
// engine.two_pass the frames are dissected twice: the first pass builds the
// conversation, call and reassembly tables without output, the second pass
// revisits every frame and writes it.
func (e *Engine) Run(ctx context.Context, src Source, sink Sink) (Stats, error) {
	if lt := src.LinkType(); lt != layers.LinkTypeNull {
		if err := e.SetLinkType(lt); err != nil {
			return Stats{}, err
		}
	} else {
		slog.Warn("source has no link type, using configured one", "link_type", e.linkType.String())
	}

	if !e.cfg.Engine.TwoPass {
		return e.pass(ctx, src.ReadPacket, sink)
	}

	var frames []core.RawPacket
	read := func() (core.RawPacket, error) {
		raw, err := src.ReadPacket()
		if err == nil {
			frames = append(frames, raw)
		}
		return raw, err
	}
	first, err := e.pass(ctx, read, nil)
	if err != nil {
		return first, err
	}
	slog.Debug("first pass complete", "frames", first.Frames, "errors", first.Errors)

	e.Rewind()
	i := 0
	replay := func() (core.RawPacket, error) {
		if i == len(frames) {
			return core.RawPacket{}, io.EOF
		}
		i++
		return frames[i-1], nil
	}
	return e.pass(ctx, replay, sink)
}

func (e *Engine) pass(ctx context.Context, read func() (core.RawPacket, error), sink Sink) (Stats, error) {
	var st Stats
	for {
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		default:
		}

		raw, err := read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return st, fmt.Errorf("failed to read packet: %w", err)
		}

		d, perr := e.Process(raw)
		st.Frames++
		if perr != nil {
			st.Errors++
		}
		if sink != nil {
			if err := sink.Write(d); err != nil {
				return st, fmt.Errorf("failed to write frame %d: %w", d.Frame, err)
			}
		}
	}

	d, err := e.Flush()
	if err != nil {
		st.Errors++
		slog.Error("stream flush failed", "error", err)
	}
	if d != nil && sink != nil {
		if err := sink.Write(d); err != nil {
			return st, fmt.Errorf("failed to write flush: %w", err)
		}
	}
	return st, nil
}
