// Package console writes dissections to a terminal or file.
package console

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"firestige.xyz/dissect/internal/core"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Sink renders one dissection per Write.
type Sink struct {
	w       *bufio.Writer
	format  string
	verbose bool
	json    *json.Encoder
	yaml    *yaml.Encoder
}

// NewSink creates a sink writing format to w. In text format verbose adds
// the protocol tree under each summary line.
func NewSink(w io.Writer, format string, verbose bool) (*Sink, error) {
	s := &Sink{w: bufio.NewWriter(w), format: format, verbose: verbose}
	switch format {
	case FormatText:
	case FormatJSON:
		s.json = json.NewEncoder(s.w)
	case FormatYAML:
		s.yaml = yaml.NewEncoder(s.w)
		s.yaml.SetIndent(2)
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
	return s, nil
}

func (s *Sink) Write(d *core.Dissection) error {
	switch s.format {
	case FormatJSON:
		return s.json.Encode(d)
	case FormatYAML:
		return s.yaml.Encode(d)
	}

	fmt.Fprintf(s.w, "%5d %s %s\n", d.Frame, d.Timestamp.UTC().Format("15:04:05.000000"), d.Summary)
	if s.verbose && d.Tree != nil {
		for _, c := range d.Tree.Children {
			writeNode(s.w, c, 1)
		}
		s.w.WriteByte('\n')
	}
	return nil
}

func writeNode(w *bufio.Writer, n *core.Node, depth int) {
	w.WriteString(strings.Repeat("    ", depth))
	w.WriteString(n.Name)
	if n.Value != nil && n.Value != "" {
		fmt.Fprintf(w, ": %v", n.Value)
	}
	for _, note := range n.Notes {
		fmt.Fprintf(w, " [%s]", note)
	}
	w.WriteByte('\n')
	for _, c := range n.Children {
		writeNode(w, c, depth+1)
	}
}

// Close flushes buffered output. It does not close the underlying writer.
func (s *Sink) Close() error {
	if s.yaml != nil {
		if err := s.yaml.Close(); err != nil {
			return err
		}
	}
	return s.w.Flush()
}
