package models

import "time"

// VehicleInfo is one vehicle position decoded from a GTFS-Realtime feed.
// Records are rebuilt on every fetch and never mutated afterwards.
type VehicleInfo struct {
	EntityID            string
	VehicleID           *string
	VehicleLabel        *string
	LicensePlate        *string
	TripID              *string
	RouteID             *string
	DirectionID         *uint32
	StartDate           *string
	Latitude            *float64 // nil when the vehicle reports no position
	Longitude           *float64
	Bearing             *float64
	Speed               *float64
	StopID              *string
	CurrentStopSequence *uint32
	CurrentStatus       *string
	Timestamp           *time.Time
}

// TripUpdateInfo is one trip update decoded from a GTFS-Realtime feed.
type TripUpdateInfo struct {
	EntityID             string
	TripID               *string
	RouteID              *string
	DirectionID          *uint32
	StartDate            *string
	StartTime            *string
	ScheduleRelationship *string
	VehicleID            *string
	Delay                *int32 // trip-level delay in seconds
	Timestamp            *time.Time
	StopTimeUpdates      []StopTimeUpdateInfo
}

// StopTimeUpdateInfo is a prediction for one stop of a trip.
type StopTimeUpdateInfo struct {
	StopSequence         *uint32
	StopID               *string
	ArrivalDelay         *int32
	ArrivalTime          *time.Time
	DepartureDelay       *int32
	DepartureTime        *time.Time
	ScheduleRelationship *string
}

// EffectiveDelay returns the arrival delay when present, otherwise the
// departure delay.
func (s StopTimeUpdateInfo) EffectiveDelay() (int32, bool) {
	if s.ArrivalDelay != nil {
		return *s.ArrivalDelay, true
	}
	if s.DepartureDelay != nil {
		return *s.DepartureDelay, true
	}
	return 0, false
}

// FeedKind names the entity kind a fetcher produces
type FeedKind string

const (
	VehiclePositions FeedKind = "vehicle_positions"
	TripUpdates      FeedKind = "trip_updates"
)

// FetchOutcome describes one refresh cycle of a feed.
type FetchOutcome struct {
	Feed      FeedKind
	StartedAt time.Time
	Duration  time.Duration
	Entities  int
	Err       error
}

// Succeeded reports whether the cycle produced a snapshot.
func (o FetchOutcome) Succeeded() bool { return o.Err == nil }
