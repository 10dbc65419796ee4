package delay

import (
	"math"
	"sync/atomic"
)

// maxSamples caps the per-cell sample count. Confidence is flat well before it.
const maxSamples = 1 << 20

// cellState is one immutable snapshot of a cell. Writers never mutate a
// published state; they build the next one and swap it in.
type cellState struct {
	Avg        float64 // smoothed delay in seconds, positive is late
	Samples    uint32  // saturating observation count
	LastUpdate int64   // epoch seconds of the newest contributing observation
}

// next blends v into the state with the given smoothing factor.
func (s *cellState) next(v float64, at int64, alpha float64) *cellState {
	if s == nil {
		return &cellState{Avg: v, Samples: 1, LastUpdate: at}
	}
	n := &cellState{
		Avg:        alpha*v + (1-alpha)*s.Avg,
		Samples:    s.Samples,
		LastUpdate: max(s.LastUpdate, at),
	}
	if n.Samples < maxSamples {
		n.Samples++
	}
	return n
}

func (s *cellState) validAt(now, ttl int64) bool {
	return s != nil && now-s.LastUpdate <= ttl
}

type cell struct {
	state atomic.Pointer[cellState]
}

func (c *cell) observe(v float64, at int64, alpha float64) {
	for {
		old := c.state.Load()
		if c.state.CompareAndSwap(old, old.next(v, at, alpha)) {
			return
		}
	}
}

// confidence maps a sample count to [0, weight): n/(n+k) scaled by the
// level weight.
func confidence(samples uint32, weight float64) float64 {
	if samples == 0 {
		return 0
	}
	n := float64(samples)
	return weight * n / (n + confidenceK)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
