package service

import (
	"strings"
	"time"

	"github.com/ptvtracker-eta/internal/gtfs-realtime/delay"
	"github.com/ptvtracker-eta/internal/gtfs-realtime/fetcher"
	"github.com/ptvtracker-eta/pkg/gtfs-realtime/models"
)

const (
	skippedStop  = "SKIPPED"
	canceledTrip = "CANCELED"
)

// TripUpdatesService keeps the latest trip updates and feeds every reported
// delay into the delay store.
type TripUpdatesService struct {
	*feedService[models.TripUpdateInfo]
	store *delay.Store
}

func NewTripUpdatesService(f fetcher.TripUpdatesFetcher, store *delay.Store, cfg Config, opts ...Option) *TripUpdatesService {
	s := &TripUpdatesService{
		feedService: newFeedService(models.TripUpdates, f.FetchTripUpdates, cfg, buildOptions(opts)),
		store:       store,
	}
	s.onRefresh = s.observe
	return s
}

// TripUpdates returns a copy of the latest snapshot. It is never nil.
func (s *TripUpdatesService) TripUpdates() []models.TripUpdateInfo {
	return s.items()
}

func (s *TripUpdatesService) Store() *delay.Store { return s.store }

// observe records stop-level delays (arrival preferred) and the trip-level
// delay. Observations are timed by the trip update timestamp, or by the
// refresh time when the feed omits it.
func (s *TripUpdatesService) observe(updates []models.TripUpdateInfo, refreshedAt time.Time) {
	if s.store == nil {
		return
	}

	observed := 0
	for _, tu := range updates {
		if tu.RouteID == nil || strings.TrimSpace(*tu.RouteID) == "" {
			continue
		}
		if tu.ScheduleRelationship != nil && *tu.ScheduleRelationship == canceledTrip {
			continue
		}

		at := refreshedAt.Unix()
		if tu.Timestamp != nil {
			at = tu.Timestamp.Unix()
		}

		for _, stu := range tu.StopTimeUpdates {
			if stu.ScheduleRelationship != nil && *stu.ScheduleRelationship == skippedStop {
				continue
			}
			d, ok := stu.EffectiveDelay()
			if !ok {
				continue
			}
			s.observeOne(*tu.RouteID, tu.DirectionID, deref(stu.StopID), float64(d), at)
			observed++
		}

		if tu.Delay != nil {
			s.observeOne(*tu.RouteID, tu.DirectionID, "", float64(*tu.Delay), at)
			observed++
		}
	}

	if m := s.opts.metrics; m != nil {
		m.AddObservations(observed)
		m.SetEstimatorCells(s.store.Len())
	}
	s.logger.Debug("Fed delay observations", "observations", observed)
}

// observeOne falls back to the route-wide cell when the trip has no direction.
func (s *TripUpdatesService) observeOne(routeID string, directionID *uint32, stopID string, delaySeconds float64, at int64) {
	if directionID == nil {
		s.store.ObserveRoute(routeID, delaySeconds, at)
		return
	}
	s.store.Observe(routeID, *directionID, stopID, delaySeconds, at)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
