package decoder

import (
	"net/netip"
	"time"
)

// fragmentLimiter caps the IPv4 fragments one source may feed the fragment
// table per window of capture time. Windows are fixed and rotate when a
// fragment arrives past the end of the current one.
type fragmentLimiter struct {
	current      map[netip.Addr]int
	windowStart  time.Time
	windowSize   time.Duration
	maxPerWindow int

	rejected uint64
	// Frames refused on first sight, so a revisit refuses them again.
	refused map[uint32]bool
}

func newFragmentLimiter(maxPerSource int, window time.Duration) *fragmentLimiter {
	if maxPerSource <= 0 {
		return nil
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &fragmentLimiter{
		current:      make(map[netip.Addr]int),
		windowSize:   window,
		maxPerWindow: maxPerSource,
		refused:      make(map[uint32]bool),
	}
}

// allow counts one fragment from src seen in frame at ts. firstSight is
// false when the frame is being revisited; the earlier verdict is replayed.
func (l *fragmentLimiter) allow(src netip.Addr, frame uint32, ts time.Time, firstSight bool) bool {
	if !firstSight {
		return !l.refused[frame]
	}
	if l.windowStart.IsZero() || ts.Sub(l.windowStart) >= l.windowSize {
		clear(l.current)
		l.windowStart = ts
	}
	l.current[src]++
	if l.current[src] > l.maxPerWindow {
		l.rejected++
		l.refused[frame] = true
		return false
	}
	return true
}

func (l *fragmentLimiter) reset() {
	clear(l.current)
	clear(l.refused)
	l.windowStart = time.Time{}
	l.rejected = 0
}
