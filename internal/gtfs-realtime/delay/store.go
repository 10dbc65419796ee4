// Package delay keeps a hierarchical, exponentially smoothed estimate of the
// delay observed per (route, direction, stop).
//
// Every observation updates up to three cells: the stop cell, its
// route+direction parent and the route-all-directions grandparent. Queries
// answer from the most specific cell that is still within the TTL and fall
// back towards the route otherwise. Expired cells are never evicted; they
// simply stop answering.
package delay

import (
	"math"
	"strings"
	"sync"
	"time"
)

const (
	DefaultAlpha      = 0.3
	DefaultTTLSeconds = 1800

	confidenceK = 3.0
)

// Level identifies which cell answered an estimate.
type Level int

const (
	LevelNone Level = iota
	LevelRoute
	LevelDirection
	LevelStop
)

func (l Level) String() string {
	switch l {
	case LevelStop:
		return "stop"
	case LevelDirection:
		return "direction"
	case LevelRoute:
		return "route"
	default:
		return "none"
	}
}

// weight bounds the confidence a level can report. A stop cell always
// reports at least as much as an equally sampled coarser cell.
func (l Level) weight() float64 {
	switch l {
	case LevelStop:
		return 1.0
	case LevelDirection:
		return 0.85
	case LevelRoute:
		return 0.7
	default:
		return 0
	}
}

// Observation is one delay measurement. A blank StopID attributes it to the
// route and direction as a whole.
type Observation struct {
	RouteID      string
	DirectionID  uint32
	StopID       string
	DelaySeconds float64
	ObservedAt   int64
}

// Estimate is the answer to a point query. DelaySeconds is nil when no level
// holds a valid cell, in which case Confidence is 0.
type Estimate struct {
	DelaySeconds *float64
	Confidence   float64
	Level        Level
}

// Present reports whether the estimate carries a delay.
func (e Estimate) Present() bool { return e.DelaySeconds != nil }

type key struct {
	level     Level
	routeID   string
	direction uint32
	stopID    string
}

type Store struct {
	alpha float64
	ttl   int64
	cells sync.Map // key -> *cell
	now   func() time.Time
}

// NewStore returns a store with the default TTL.
func NewStore(alpha float64) *Store {
	return NewStoreWithTTL(alpha, DefaultTTLSeconds)
}

// NewStoreWithTTL returns a store with the given smoothing factor and TTL.
// An alpha outside (0, 1] and a non-positive TTL fall back to the defaults.
func NewStoreWithTTL(alpha float64, ttlSeconds int64) *Store {
	if math.IsNaN(alpha) || alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	if ttlSeconds <= 0 {
		ttlSeconds = DefaultTTLSeconds
	}
	return &Store{alpha: alpha, ttl: ttlSeconds, now: time.Now}
}

func (s *Store) Alpha() float64    { return s.alpha }
func (s *Store) TTLSeconds() int64 { return s.ttl }

// Observe records one observation at every applicable level. Blank routes and
// non-finite delays are ignored.
func (s *Store) Observe(routeID string, directionID uint32, stopID string, delaySeconds float64, atEpochSec int64) {
	routeID = strings.TrimSpace(routeID)
	if routeID == "" || !finite(delaySeconds) {
		return
	}
	if stopID = strings.TrimSpace(stopID); stopID != "" {
		s.update(key{level: LevelStop, routeID: routeID, direction: directionID, stopID: stopID}, delaySeconds, atEpochSec)
	}
	s.update(key{level: LevelDirection, routeID: routeID, direction: directionID}, delaySeconds, atEpochSec)
	s.update(key{level: LevelRoute, routeID: routeID}, delaySeconds, atEpochSec)
}

// ObserveRoute records an observation that carries no direction. Only the
// route-all-directions cell is updated.
func (s *Store) ObserveRoute(routeID string, delaySeconds float64, atEpochSec int64) {
	routeID = strings.TrimSpace(routeID)
	if routeID == "" || !finite(delaySeconds) {
		return
	}
	s.update(key{level: LevelRoute, routeID: routeID}, delaySeconds, atEpochSec)
}

func (s *Store) Record(o Observation) {
	s.Observe(o.RouteID, o.DirectionID, o.StopID, o.DelaySeconds, o.ObservedAt)
}

func (s *Store) update(k key, v float64, at int64) {
	c, ok := s.cells.Load(k)
	if !ok {
		c, _ = s.cells.LoadOrStore(k, &cell{})
	}
	c.(*cell).observe(v, at, s.alpha)
}

// Estimate answers from the most specific valid cell at the current time.
func (s *Store) Estimate(routeID string, directionID uint32, stopID string) Estimate {
	return s.EstimateAt(routeID, directionID, stopID, s.now().Unix())
}

// EstimateAt answers as of nowEpochSec: stop, then route+direction, then
// route-all-directions.
func (s *Store) EstimateAt(routeID string, directionID uint32, stopID string, nowEpochSec int64) Estimate {
	routeID = strings.TrimSpace(routeID)
	if routeID == "" {
		return Estimate{}
	}

	keys := make([]key, 0, 3)
	if stopID = strings.TrimSpace(stopID); stopID != "" {
		keys = append(keys, key{level: LevelStop, routeID: routeID, direction: directionID, stopID: stopID})
	}
	keys = append(keys,
		key{level: LevelDirection, routeID: routeID, direction: directionID},
		key{level: LevelRoute, routeID: routeID},
	)

	for _, k := range keys {
		c, ok := s.cells.Load(k)
		if !ok {
			continue
		}
		st := c.(*cell).state.Load()
		if !st.validAt(nowEpochSec, s.ttl) {
			continue
		}
		avg := st.Avg
		return Estimate{
			DelaySeconds: &avg,
			Confidence:   confidence(st.Samples, k.level.weight()),
			Level:        k.level,
		}
	}
	return Estimate{}
}

// EstimateDelaySec returns the estimate rounded to whole seconds.
func (s *Store) EstimateDelaySec(routeID string, directionID uint32, stopID string) (int, bool) {
	e := s.Estimate(routeID, directionID, stopID)
	if e.DelaySeconds == nil {
		return 0, false
	}
	return int(math.Round(*e.DelaySeconds)), true
}

// Clear drops every cell.
func (s *Store) Clear() {
	s.cells.Clear()
}

// Len returns the number of cells, expired ones included.
func (s *Store) Len() int {
	n := 0
	s.cells.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
