// Package ndr decodes Network Data Representation stub data.
//
// Every construct is decoded by a Func. Referents of pointers are deferred:
// a pointer only records its referent in a backlog, and the backlog is
// drained after each top-level argument. A deferred referent is decoded in two
// passes. The conformance pass may read nothing but conformant array headers
// (max counts), which NDR serializes ahead of the structure holding the array;
// the data pass reads the rest. A Func that consumes other bytes during the
// conformance pass is a bug and is reported as core.ErrContractViolation.
package ndr

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/wire"
)

// Mode tells a Func which pass it runs in.
type Mode int

const (
	// ModeConformant reads conformant array headers only.
	ModeConformant Mode = iota
	// ModeData reads everything else.
	ModeData
)

func (m Mode) String() string {
	if m == ModeConformant {
		return "conformant"
	}
	return "data"
}

// PointerKind is the NDR pointer attribute.
type PointerKind int

const (
	// Ref pointers are never null. At top level they have no wire id.
	Ref PointerKind = iota
	// Unique pointers may be null and are never aliased.
	Unique
	// Full pointers may be null and may alias; repeated ids are decoded once.
	Full
)

func (k PointerKind) String() string {
	switch k {
	case Ref:
		return "ref"
	case Unique:
		return "unique"
	default:
		return "full"
	}
}

// Func decodes one construct at off and returns the offset after it.
type Func func(c *Context, off int, tree *core.Node, mode Mode) (int, error)

// AfterFunc runs once a referent has been decoded, with the span it covered.
type AfterFunc func(c *Context, node *core.Node, start, end int)

// CallState is the pointer id watermark of one call, shared by its request
// and response. Ids at or below the watermark in a response refer to
// referents the request already carried.
type CallState interface {
	MaxPointerID() uint32
	ObservePointerID(id uint32)
}

// Pointer describes one pointer field.
type Pointer struct {
	Kind  PointerKind
	Name  string
	Fn    Func
	After AfterFunc
}

type deferred struct {
	name  string
	fn    Func
	after AfterFunc
	node  *core.Node
}

type conformance struct {
	valid    bool
	maxCount uint32
	maxOff   int
}

// Context is the decoding state of one stub.
type Context struct {
	Buf     *wire.Buffer
	Order   binary.ByteOrder
	Request bool
	Visited bool
	// Call is nil when the call's request was never seen; nothing is
	// suppressed then.
	Call CallState

	topLevel bool
	queue    []*deferred // drained front to back
	pending  []*deferred // discovered while decoding the current referent
	seen     map[uint32]struct{}
	queued   int
	conf     conformance
	eaten    int
}

// NewContext prepares decoding of buf.
func NewContext(buf *wire.Buffer, order binary.ByteOrder, request bool, call CallState) *Context {
	return &Context{
		Buf:      buf,
		Order:    order,
		Request:  request,
		Call:     call,
		topLevel: true,
		seen:     make(map[uint32]struct{}),
	}
}

// TopLevel reports whether pointers decoded now are operation arguments.
func (c *Context) TopLevel() bool { return c.topLevel }

// Queued returns the number of referents ever queued.
func (c *Context) Queued() int { return c.queued }

// Pending returns the number of referents waiting in the backlog.
func (c *Context) Pending() int { return len(c.queue) + len(c.pending) }

func (c *Context) enqueue(d *deferred) {
	c.pending = append(c.pending, d)
	c.queued++
}

// Pointer decodes a pointer field. The referent is queued; a top-level
// pointer drains the backlog right after its id.
func (c *Context) Pointer(off int, tree *core.Node, mode Mode, p Pointer) (int, error) {
	if mode == ModeConformant {
		return off, nil
	}

	if c.topLevel && p.Kind == Ref {
		node := tree.Add(p.Name, nil, off, 0)
		c.enqueue(&deferred{name: p.Name, fn: p.Fn, after: p.After, node: node})
		return c.Drain(off)
	}

	off = wire.Align(off, 4)
	id, err := c.Buf.Uint32(off, c.Order)
	if err != nil {
		return off, err
	}
	node := tree.Addf(p.Name, off, 4, "Referent ID: 0x%08x", id)
	off += 4

	switch {
	case id == 0 && p.Kind != Ref:
		node.Annotate(core.NoteNullPointer)
	case p.Kind == Full:
		c.observe(id)
		if _, dup := c.seen[id]; dup {
			node.Annotate(core.NoteDuplicatePtr)
			break
		}
		c.seen[id] = struct{}{}
		if !c.Request && c.Call != nil && id <= c.Call.MaxPointerID() {
			// Carried by the request.
			break
		}
		c.enqueue(&deferred{name: p.Name, fn: p.Fn, after: p.After, node: node})
	default:
		// Unique ids only mark the pointer non-null; they never enter the
		// watermark.
		c.enqueue(&deferred{name: p.Name, fn: p.Fn, after: p.After, node: node})
	}

	if c.topLevel {
		return c.Drain(off)
	}
	return off, nil
}

// observe raises the call's watermark with a full pointer id, on the first
// pass over a request only.
func (c *Context) observe(id uint32) {
	if c.Request && !c.Visited && c.Call != nil && id > c.Call.MaxPointerID() {
		c.Call.ObservePointerID(id)
	}
}

// Drain decodes every queued referent, including referents discovered along
// the way, and returns the offset after the last one. Referents found inside
// a referent are decoded before the older backlog.
func (c *Context) Drain(off int) (int, error) {
	saved := c.topLevel
	c.topLevel = false
	defer func() { c.topLevel = saved }()

	for {
		if len(c.pending) > 0 {
			c.queue = append(c.pending, c.queue...)
			c.pending = nil
		}
		if len(c.queue) == 0 {
			return off, nil
		}
		d := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]

		start := off
		c.conf = conformance{}
		c.eaten = 0
		next, err := d.fn(c, off, d.node, ModeConformant)
		if err != nil {
			return next, err
		}
		if next-off != c.eaten {
			return next, fmt.Errorf("%w: %s consumed %d bytes in the conformance pass, array headers account for %d",
				core.ErrContractViolation, d.name, next-off, c.eaten)
		}
		off, err = d.fn(c, next, d.node, ModeData)
		if err != nil {
			return off, err
		}
		if d.after != nil {
			d.after(c, d.node, start, off)
		}
	}
}

// Struct decodes an aggregate. Pointers inside it are embedded; when the
// aggregate itself is a top-level argument its referents follow it.
func (c *Context) Struct(off int, tree *core.Node, mode Mode, name string, align int, body Func) (int, error) {
	if mode == ModeData {
		off = wire.Align(off, align)
	}
	node := tree
	if mode == ModeData && name != "" {
		node = tree.Add(name, nil, off, 0)
	}
	start := off

	top := c.topLevel
	c.topLevel = false
	next, err := body(c, off, node, mode)
	c.topLevel = top
	if err != nil {
		return next, err
	}
	if node != tree {
		node.SetLength(next - start)
	}
	if top && mode == ModeData {
		return c.Drain(next)
	}
	return next, nil
}

// readMaxCount reads a conformant array header in the conformance pass.
func (c *Context) readMaxCount(off int) (int, error) {
	next := wire.Align(off, 4)
	v, err := c.Buf.Uint32(next, c.Order)
	if err != nil {
		return off, err
	}
	c.conf = conformance{valid: true, maxCount: v, maxOff: next}
	next += 4
	c.eaten += next - off
	return next, nil
}

// takeMaxCount returns the max count for the data pass: the one read in the
// conformance pass if any, otherwise read inline.
func (c *Context) takeMaxCount(off int, tree *core.Node) (uint32, int, error) {
	if c.conf.valid {
		conf := c.conf
		c.conf.valid = false
		tree.Add("Max Count", conf.maxCount, conf.maxOff, 4)
		return conf.maxCount, off, nil
	}
	off = wire.Align(off, 4)
	v, err := c.Buf.Uint32(off, c.Order)
	if err != nil {
		return 0, off, err
	}
	tree.Add("Max Count", v, off, 4)
	return v, off + 4, nil
}

func (c *Context) readVariance(off int, tree *core.Node) (uint32, uint32, int, error) {
	off = wire.Align(off, 4)
	o, err := c.Buf.Uint32(off, c.Order)
	if err != nil {
		return 0, 0, off, err
	}
	tree.Add("Offset", o, off, 4)
	n, err := c.Buf.Uint32(off+4, c.Order)
	if err != nil {
		return 0, 0, off + 4, err
	}
	tree.Add("Actual Count", n, off+4, 4)
	return o, n, off + 8, nil
}

func (c *Context) elements(off int, node *core.Node, name string, count uint32, elem Func) (int, error) {
	for i := uint32(0); i < count; i++ {
		next, err := elem(c, off, node, ModeData)
		if err != nil {
			return next, err
		}
		if next == off {
			break
		}
		off = next
	}
	return off, nil
}

// UCArray decodes a conformant array: u32 max count, then that many elements.
func (c *Context) UCArray(off int, tree *core.Node, mode Mode, name string, elem Func) (int, error) {
	if mode == ModeConformant {
		return c.readMaxCount(off)
	}
	node := tree.Add(name, nil, off, 0)
	count, off, err := c.takeMaxCount(off, node)
	if err != nil {
		return off, err
	}
	start := off
	off, err = c.elements(off, node, name, count, elem)
	node.SetLength(off - start)
	return off, err
}

// UCVArray decodes a conformant varying array: max count, offset, actual
// count, then actual count elements.
func (c *Context) UCVArray(off int, tree *core.Node, mode Mode, name string, elem Func) (int, error) {
	if mode == ModeConformant {
		return c.readMaxCount(off)
	}
	node := tree.Add(name, nil, off, 0)
	_, off, err := c.takeMaxCount(off, node)
	if err != nil {
		return off, err
	}
	_, actual, off, err := c.readVariance(off, node)
	if err != nil {
		return off, err
	}
	start := off
	off, err = c.elements(off, node, name, actual, elem)
	node.SetLength(off - start)
	return off, err
}

// UVArray decodes a varying array: offset, actual count, then elements.
func (c *Context) UVArray(off int, tree *core.Node, mode Mode, name string, elem Func) (int, error) {
	if mode == ModeConformant {
		return off, nil
	}
	node := tree.Add(name, nil, off, 0)
	_, actual, off, err := c.readVariance(off, node)
	if err != nil {
		return off, err
	}
	start := off
	off, err = c.elements(off, node, name, actual, elem)
	node.SetLength(off - start)
	return off, err
}

// FixedArray decodes count elements with no header.
func (c *Context) FixedArray(off int, tree *core.Node, mode Mode, name string, count int, elem Func) (int, error) {
	if mode == ModeConformant {
		return off, nil
	}
	node := tree.Add(name, nil, off, 0)
	start := off
	off, err := c.elements(off, node, name, uint32(count), elem)
	node.SetLength(off - start)
	return off, err
}
