package core

import "fmt"

// Node is one item of the decoded output tree. Offset and Length refer to the
// buffer the owning dissector was handed.
//
// All methods accept a nil receiver and do nothing, so callers may decode
// without building output.
type Node struct {
	Name     string   `json:"name" yaml:"name"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
	Offset   int      `json:"offset" yaml:"offset"`
	Length   int      `json:"length" yaml:"length"`
	Notes    []string `json:"notes,omitempty" yaml:"notes,omitempty"`
	Children []*Node  `json:"children,omitempty" yaml:"children,omitempty"`
}

// NewTree creates a root node.
func NewTree(name string) *Node {
	return &Node{Name: name}
}

// Add appends a child and returns it.
func (n *Node) Add(name string, value any, offset, length int) *Node {
	if n == nil {
		return nil
	}
	c := &Node{Name: name, Value: value, Offset: offset, Length: length}
	n.Children = append(n.Children, c)
	return c
}

// Addf appends a child whose value is a formatted string.
func (n *Node) Addf(name string, offset, length int, format string, args ...any) *Node {
	return n.Add(name, fmt.Sprintf(format, args...), offset, length)
}

// Annotate attaches an advisory note.
func (n *Node) Annotate(note string) *Node {
	if n == nil {
		return nil
	}
	n.Notes = append(n.Notes, note)
	return n
}

// SetLength fixes the span of an item once its end is known.
func (n *Node) SetLength(length int) {
	if n != nil {
		n.Length = length
	}
}

// SetValue replaces the value of an item.
func (n *Node) SetValue(v any) {
	if n != nil {
		n.Value = v
	}
}

// Find returns the first node named name in depth-first order.
func (n *Node) Find(name string) *Node {
	if n == nil {
		return nil
	}
	if n.Name == name {
		return n
	}
	for _, c := range n.Children {
		if f := c.Find(name); f != nil {
			return f
		}
	}
	return nil
}

// FindAll returns every node named name in depth-first order.
func (n *Node) FindAll(name string) []*Node {
	var out []*Node
	n.walk(func(x *Node) {
		if x.Name == name {
			out = append(out, x)
		}
	})
	return out
}

// HasNote reports whether note is attached anywhere in the subtree.
func (n *Node) HasNote(note string) bool {
	found := false
	n.walk(func(x *Node) {
		for _, s := range x.Notes {
			if s == note {
				found = true
			}
		}
	})
	return found
}

func (n *Node) walk(fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		c.walk(fn)
	}
}
