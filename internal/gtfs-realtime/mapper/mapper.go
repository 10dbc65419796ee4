package mapper

import (
	"fmt"
	"math"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/ptvtracker-eta/internal/common/logger"
	"github.com/ptvtracker-eta/pkg/gtfs-realtime/models"
)

// MappingError marks a single entity that carried the requested payload but
// could not be converted. It never fails the whole feed.
type MappingError struct {
	EntityID string
	Reason   string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("entity %q: %s", e.EntityID, e.Reason)
}

// StatusMap maps GTFS-RT VehicleStopStatus enum to string
var StatusMap = map[int32]string{
	0: "INCOMING_AT",
	1: "STOPPED_AT",
	2: "IN_TRANSIT_TO",
}

// MapVehicles converts every vehicle position entity in feed order. Entities
// without a vehicle payload are skipped; invalid ones are logged and dropped.
func MapVehicles(msg *gtfs.FeedMessage, log logger.Logger) []models.VehicleInfo {
	if log == nil {
		log = logger.Nop()
	}

	vehicles := make([]models.VehicleInfo, 0, len(msg.GetEntity()))
	for _, entity := range msg.GetEntity() {
		if entity.GetVehicle() == nil || entity.GetIsDeleted() {
			continue
		}
		v, err := mapVehicle(entity)
		if err != nil {
			log.Warn("Dropping vehicle entity", "error", err)
			continue
		}
		vehicles = append(vehicles, v)
	}
	return vehicles
}

// MapTripUpdates converts every trip update entity in feed order.
func MapTripUpdates(msg *gtfs.FeedMessage, log logger.Logger) []models.TripUpdateInfo {
	if log == nil {
		log = logger.Nop()
	}

	updates := make([]models.TripUpdateInfo, 0, len(msg.GetEntity()))
	for _, entity := range msg.GetEntity() {
		if entity.GetTripUpdate() == nil || entity.GetIsDeleted() {
			continue
		}
		tu, err := mapTripUpdate(entity)
		if err != nil {
			log.Warn("Dropping trip update entity", "error", err)
			continue
		}
		updates = append(updates, tu)
	}
	return updates
}

func mapVehicle(entity *gtfs.FeedEntity) (info models.VehicleInfo, err error) {
	defer recoverMapping(entity, &err)

	vehicle := entity.GetVehicle()
	info.EntityID = entity.GetId()

	if pos := vehicle.Position; pos != nil {
		if pos.Latitude == nil || pos.Longitude == nil {
			return info, &MappingError{EntityID: info.EntityID, Reason: "position without latitude or longitude"}
		}
		lat := float64(*pos.Latitude)
		lon := float64(*pos.Longitude)
		if !validCoordinate(lat, 90) || !validCoordinate(lon, 180) {
			return info, &MappingError{
				EntityID: info.EntityID,
				Reason:   fmt.Sprintf("invalid coordinates (%v, %v)", lat, lon),
			}
		}
		info.Latitude = &lat
		info.Longitude = &lon

		if pos.Bearing != nil {
			b := float64(*pos.Bearing)
			info.Bearing = &b
		}
		if pos.Speed != nil {
			s := float64(*pos.Speed)
			info.Speed = &s
		}
	}

	if vehicle.Vehicle != nil {
		info.VehicleID = vehicle.Vehicle.Id
		info.VehicleLabel = vehicle.Vehicle.Label
		info.LicensePlate = vehicle.Vehicle.LicensePlate
	}

	if vehicle.Trip != nil {
		info.TripID = vehicle.Trip.TripId
		info.RouteID = vehicle.Trip.RouteId
		info.DirectionID = vehicle.Trip.DirectionId
		info.StartDate = vehicle.Trip.StartDate
	}

	info.StopID = vehicle.StopId
	info.CurrentStopSequence = vehicle.CurrentStopSequence

	if vehicle.CurrentStatus != nil {
		if status, ok := StatusMap[int32(*vehicle.CurrentStatus)]; ok {
			info.CurrentStatus = &status
		}
	}

	info.Timestamp = unixTime(vehicle.Timestamp)
	return info, nil
}

func mapTripUpdate(entity *gtfs.FeedEntity) (info models.TripUpdateInfo, err error) {
	defer recoverMapping(entity, &err)

	tu := entity.GetTripUpdate()
	info.EntityID = entity.GetId()

	if tu.Trip == nil {
		return info, &MappingError{EntityID: info.EntityID, Reason: "trip update has no trip descriptor"}
	}
	info.TripID = tu.Trip.TripId
	info.RouteID = tu.Trip.RouteId
	info.DirectionID = tu.Trip.DirectionId
	info.StartDate = tu.Trip.StartDate
	info.StartTime = tu.Trip.StartTime
	if tu.Trip.ScheduleRelationship != nil {
		sr := tu.Trip.ScheduleRelationship.String()
		info.ScheduleRelationship = &sr
	}

	if tu.Vehicle != nil {
		info.VehicleID = tu.Vehicle.Id
	}
	info.Delay = tu.Delay
	info.Timestamp = unixTime(tu.Timestamp)

	if len(tu.StopTimeUpdate) > 0 {
		info.StopTimeUpdates = make([]models.StopTimeUpdateInfo, 0, len(tu.StopTimeUpdate))
	}
	for _, stu := range tu.StopTimeUpdate {
		if stu == nil {
			continue
		}
		s := models.StopTimeUpdateInfo{
			StopSequence: stu.StopSequence,
			StopID:       stu.StopId,
		}
		if stu.Arrival != nil {
			s.ArrivalDelay = stu.Arrival.Delay
			s.ArrivalTime = unixTimeSigned(stu.Arrival.Time)
		}
		if stu.Departure != nil {
			s.DepartureDelay = stu.Departure.Delay
			s.DepartureTime = unixTimeSigned(stu.Departure.Time)
		}
		if stu.ScheduleRelationship != nil {
			sr := stu.ScheduleRelationship.String()
			s.ScheduleRelationship = &sr
		}
		info.StopTimeUpdates = append(info.StopTimeUpdates, s)
	}

	return info, nil
}

// recoverMapping turns a panic inside a single entity conversion into a
// MappingError so the remaining entities are still processed.
func recoverMapping(entity *gtfs.FeedEntity, err *error) {
	if r := recover(); r != nil {
		*err = &MappingError{EntityID: entity.GetId(), Reason: fmt.Sprintf("panic: %v", r)}
	}
}

func validCoordinate(v, limit float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= -limit && v <= limit
}

func unixTime(ts *uint64) *time.Time {
	if ts == nil {
		return nil
	}
	t := time.Unix(int64(*ts), 0).UTC()
	return &t
}

func unixTimeSigned(ts *int64) *time.Time {
	if ts == nil {
		return nil
	}
	t := time.Unix(*ts, 0).UTC()
	return &t
}
