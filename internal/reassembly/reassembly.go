// Package reassembly rebuilds logical messages from fragments.
//
// Fragments are kept per group in a list sorted by position. When a new
// fragment overlaps stored ones, the earlier-arrived bytes win and the new
// fragment is trimmed (BSD-Right policy). A group is complete once its
// fragments cover [0, total) without gaps; the reassembled result is a fresh
// contiguous copy.
package reassembly

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/metrics"
)

// Mode selects how fragment positions are expressed.
type Mode int

const (
	// ByOffset places fragments by byte offset; totals are byte counts.
	ByOffset Mode = iota
	// BySequence places fragments by sequence number; totals are fragment counts.
	BySequence
)

func (m Mode) String() string {
	if m == BySequence {
		return "sequence"
	}
	return "offset"
}

// Config contains configuration for a reassembly table.
type Config struct {
	Name         string        // Metric label
	Mode         Mode          // Addressing mode
	MaxFragments int           // Maximum fragments per group (default 1024)
	MaxSize      int           // Maximum reassembled size in bytes (default 16 MiB)
	Timeout      time.Duration // Idle age after which Expire drops a group (default 60s)
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MaxFragments <= 0 {
		c.MaxFragments = 1024
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 16 << 20
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
}

// fragment is one stored piece. pos is a byte offset or a sequence number.
type fragment struct {
	pos   int
	data  []byte
	frame uint32
}

func (f *fragment) end() int { return f.pos + len(f.data) }

// Group is one logical message under reconstruction.
type Group[K comparable] struct {
	key           K
	mode          Mode
	frags         list.List // of *fragment, sorted by pos
	total         int       // -1 while unknown
	count         int
	complete      bool
	data          []byte
	frames        []uint32
	firstFrame    uint32
	reassembledIn uint32
	lastSeen      time.Time
	seen          map[fragmentID]struct{}
}

// fragmentID identifies one Add call so revisits can be recognized.
type fragmentID struct {
	pos   int
	frame uint32
}

// Key returns the group key.
func (g *Group[K]) Key() K { return g.key }

// Complete reports whether [0, total) is covered.
func (g *Group[K]) Complete() bool { return g.complete }

// Data returns the reassembled bytes, nil until complete.
func (g *Group[K]) Data() []byte { return g.data }

// Total returns the expected total length or fragment count, -1 if unknown.
func (g *Group[K]) Total() int { return g.total }

// Fragments returns the number of stored fragments.
func (g *Group[K]) Fragments() int { return g.count }

// Frames lists the frames that contributed, in arrival order.
func (g *Group[K]) Frames() []uint32 { return g.frames }

// FirstFrame is the frame that created the group.
func (g *Group[K]) FirstFrame() uint32 { return g.firstFrame }

// ReassembledIn is the frame whose fragment completed the group, 0 if incomplete.
func (g *Group[K]) ReassembledIn() uint32 { return g.reassembledIn }

// End returns the position just past the highest stored fragment.
func (g *Group[K]) End() int {
	if b := g.frags.Back(); b != nil {
		f := b.Value.(*fragment)
		if g.mode == BySequence {
			return f.pos + 1
		}
		return f.end()
	}
	return 0
}

// Size returns the number of payload bytes stored.
func (g *Group[K]) Size() int {
	n := 0
	for e := g.frags.Front(); e != nil; e = e.Next() {
		n += len(e.Value.(*fragment).data)
	}
	return n
}

func (g *Group[K]) contributed(frame uint32) bool {
	for _, f := range g.frames {
		if f == frame {
			return true
		}
	}
	return false
}

// lastFrame returns the frame of the highest stored fragment.
func (g *Group[K]) lastFrame() uint32 {
	if b := g.frags.Back(); b != nil {
		return b.Value.(*fragment).frame
	}
	return 0
}

// Table holds the groups of one reassembly domain.
type Table[K comparable] struct {
	mu     sync.Mutex
	groups map[K]*Group[K]
	config Config
}

// New creates a reassembly table.
func New[K comparable](cfg Config) *Table[K] {
	cfg.applyDefaults()
	return &Table[K]{
		groups: make(map[K]*Group[K]),
		config: cfg,
	}
}

// Mode returns the addressing mode of the table.
func (t *Table[K]) Mode() Mode { return t.config.Mode }

func (t *Table[K]) group(key K, frame uint32, ts time.Time) *Group[K] {
	g, ok := t.groups[key]
	if !ok {
		g = &Group[K]{
			key:        key,
			mode:       t.config.Mode,
			total:      -1,
			firstFrame: frame,
			seen:       make(map[fragmentID]struct{}),
		}
		t.groups[key] = g
		metrics.ReassemblyActiveGroups.WithLabelValues(t.config.Name).Inc()
	}
	if ts.After(g.lastSeen) {
		g.lastSeen = ts
	}
	return g
}

// Add stores a fragment at pos. last marks the final fragment, which fixes the
// total. Adding the same fragment from the same frame again is a no-op, so a
// revisited frame never duplicates data.
func (t *Table[K]) Add(key K, pos int, data []byte, last bool, frame uint32, ts time.Time) (*Group[K], error) {
	if pos < 0 {
		return nil, fmt.Errorf("%w: negative fragment position %d", core.ErrReassemblyLimit, pos)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	g := t.group(key, frame, ts)
	if _, dup := g.seen[fragmentID{pos, frame}]; dup {
		return g, nil
	}
	return g, t.add(g, pos, data, last, frame)
}

// AddNext appends a fragment right after the highest stored one. It is meant
// for transports that deliver fragments in order without carrying a position,
// where one frame may carry several fragments of the same group.
//
// A frame that already contributed is treated as replayed, and its fragment
// ignored, once a later frame has appended after it or once the group is
// complete. A replay of the most recent frame of an incomplete group cannot be
// told apart from another fragment in that frame, so callers must not feed
// revisited frames.
func (t *Table[K]) AddNext(key K, data []byte, last bool, frame uint32, ts time.Time) (*Group[K], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g := t.group(key, frame, ts)
	if g.contributed(frame) && (g.complete || g.lastFrame() != frame) {
		return g, nil
	}
	pos := g.End()
	if _, dup := g.seen[fragmentID{pos, frame}]; dup {
		return g, nil
	}
	return g, t.add(g, pos, data, last, frame)
}

func (t *Table[K]) add(g *Group[K], pos int, data []byte, last bool, frame uint32) error {
	if g.count >= t.config.MaxFragments {
		return fmt.Errorf("%w: %d fragments", core.ErrReassemblyLimit, g.count)
	}
	if t.config.Mode == ByOffset && pos+len(data) > t.config.MaxSize {
		return fmt.Errorf("%w: fragment ends at %d, limit %d", core.ErrReassemblyLimit, pos+len(data), t.config.MaxSize)
	}

	// Copy: the caller's buffer belongs to the frame.
	g.seen[fragmentID{pos, frame}] = struct{}{}
	payload := make([]byte, len(data))
	copy(payload, data)
	f := &fragment{pos: pos, data: payload, frame: frame}

	if t.config.Mode == BySequence {
		t.insertSequence(g, f)
	} else {
		t.insertBSDRight(g, f)
	}
	if !g.contributed(frame) {
		g.frames = append(g.frames, frame)
	}

	if last {
		if t.config.Mode == BySequence {
			g.total = pos + 1
		} else {
			g.total = pos + len(data)
		}
	}
	t.evaluate(g, frame)
	return nil
}

// insertBSDRight keeps earlier data on overlap and trims the new fragment.
func (t *Table[K]) insertBSDRight(g *Group[K], f *fragment) {
	var insertBefore *list.Element
	for e := g.frags.Front(); e != nil; e = e.Next() {
		if e.Value.(*fragment).pos >= f.pos {
			insertBefore = e
			break
		}
	}

	start, end := f.pos, f.end()
	var prev *list.Element
	if insertBefore != nil {
		prev = insertBefore.Prev()
	} else {
		prev = g.frags.Back()
	}
	if prev != nil {
		if pe := prev.Value.(*fragment).end(); pe > start {
			start = pe
		}
	}
	if insertBefore != nil {
		next := insertBefore.Value.(*fragment)
		if next.pos < end {
			// Bytes beyond the next stored fragment are kept as a separate
			// piece so a long segment can still fill later gaps.
			if ne := next.end(); ne < f.end() {
				tail := &fragment{pos: ne, data: f.data[ne-f.pos:], frame: f.frame}
				defer t.insertBSDRight(g, tail)
			}
			end = next.pos
		}
	}
	if start >= end {
		return
	}

	trimmed := &fragment{pos: start, data: f.data[start-f.pos : end-f.pos], frame: f.frame}
	if insertBefore != nil {
		g.frags.InsertBefore(trimmed, insertBefore)
	} else {
		g.frags.PushBack(trimmed)
	}
	g.count++
}

// insertSequence stores f unless its sequence number is already present.
func (t *Table[K]) insertSequence(g *Group[K], f *fragment) {
	for e := g.frags.Front(); e != nil; e = e.Next() {
		cur := e.Value.(*fragment)
		if cur.pos == f.pos {
			return
		}
		if cur.pos > f.pos {
			g.frags.InsertBefore(f, e)
			g.count++
			return
		}
	}
	g.frags.PushBack(f)
	g.count++
}

// covered reports whether fragments tile [0, total) without a gap.
func (g *Group[K]) covered() bool {
	if g.total < 0 {
		return false
	}
	next := 0
	for e := g.frags.Front(); e != nil && next < g.total; e = e.Next() {
		f := e.Value.(*fragment)
		if f.pos > next {
			return false
		}
		if g.mode == BySequence {
			next = f.pos + 1
		} else if f.end() > next {
			next = f.end()
		}
	}
	return next >= g.total
}

func (t *Table[K]) evaluate(g *Group[K], frame uint32) {
	if g.complete || !g.covered() {
		return
	}
	g.data = g.build()
	g.complete = true
	g.reassembledIn = frame
	slog.Debug("reassembly complete",
		"table", t.config.Name, "frame", frame, "fragments", g.count, "bytes", len(g.data))
}

func (g *Group[K]) build() []byte {
	var out []byte
	if g.mode == BySequence {
		for e := g.frags.Front(); e != nil; e = e.Next() {
			f := e.Value.(*fragment)
			if f.pos >= g.total {
				break
			}
			out = append(out, f.data...)
		}
		return out
	}
	out = make([]byte, g.total)
	for e := g.frags.Front(); e != nil; e = e.Next() {
		f := e.Value.(*fragment)
		if f.pos >= g.total {
			break
		}
		copy(out[f.pos:], f.data)
	}
	return out
}

// SetTotalLength declares the expected total. Raising the total of a
// complete group reopens it; fragments already stored beyond the old total
// count toward the new one.
func (t *Table[K]) SetTotalLength(key K, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.groups[key]
	if !ok {
		g = t.group(key, 0, time.Time{})
	}
	if total == g.total {
		return
	}
	if g.complete && total < g.total {
		return
	}
	g.total = total
	if g.complete {
		g.complete = false
		g.data = nil
		g.reassembledIn = 0
	}
	if g.covered() {
		g.data = g.build()
		g.complete = true
		if n := len(g.frames); n > 0 {
			g.reassembledIn = g.frames[n-1]
		}
	}
}

// Get returns the group for key.
func (t *Table[K]) Get(key K) (*Group[K], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[key]
	return g, ok
}

// Delete drops a group.
func (t *Table[K]) Delete(key K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.groups[key]; ok {
		delete(t.groups, key)
		metrics.ReassemblyActiveGroups.WithLabelValues(t.config.Name).Dec()
	}
}

// Expire drops incomplete groups idle since before now minus the timeout.
// It returns the number of groups dropped.
func (t *Table[K]) Expire(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for k, g := range t.groups {
		if !g.complete && now.Sub(g.lastSeen) > t.config.Timeout {
			delete(t.groups, k)
			n++
		}
	}
	if n > 0 {
		metrics.ReassemblyActiveGroups.WithLabelValues(t.config.Name).Sub(float64(n))
	}
	return n
}

// Len returns the number of groups held.
func (t *Table[K]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.groups)
}

// Reset drops every group.
func (t *Table[K]) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	metrics.ReassemblyActiveGroups.WithLabelValues(t.config.Name).Sub(float64(len(t.groups)))
	t.groups = make(map[K]*Group[K])
}
