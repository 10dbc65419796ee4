// Package feedtest builds GTFS-Realtime payloads and serves them over
// httptest for package tests.
package feedtest

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

// StopDelay describes one stop time update.
type StopDelay struct {
	StopID         string
	Sequence       uint32
	ArrivalDelay   *int32
	DepartureDelay *int32
}

func Delay(seconds int32) *int32 { return &seconds }

func Header(ts time.Time) *gtfs.FeedHeader {
	incrementality := gtfs.FeedHeader_FULL_DATASET
	return &gtfs.FeedHeader{
		GtfsRealtimeVersion: proto.String("2.0"),
		Incrementality:      &incrementality,
		Timestamp:           proto.Uint64(uint64(ts.Unix())),
	}
}

func Message(ts time.Time, entities ...*gtfs.FeedEntity) *gtfs.FeedMessage {
	return &gtfs.FeedMessage{
		Header: Header(ts),
		Entity: entities,
	}
}

func VehicleEntity(id, vehicleID, tripID, routeID string, lat, lon float32, ts time.Time) *gtfs.FeedEntity {
	status := gtfs.VehiclePosition_IN_TRANSIT_TO
	return &gtfs.FeedEntity{
		Id: proto.String(id),
		Vehicle: &gtfs.VehiclePosition{
			Trip: &gtfs.TripDescriptor{
				TripId:  proto.String(tripID),
				RouteId: proto.String(routeID),
			},
			Vehicle: &gtfs.VehicleDescriptor{
				Id:    proto.String(vehicleID),
				Label: proto.String(vehicleID),
			},
			Position: &gtfs.Position{
				Latitude:  proto.Float32(lat),
				Longitude: proto.Float32(lon),
			},
			CurrentStatus: &status,
			Timestamp:     proto.Uint64(uint64(ts.Unix())),
		},
	}
}

func TripUpdateEntity(id, tripID, routeID string, directionID uint32, ts time.Time, stops ...StopDelay) *gtfs.FeedEntity {
	updates := make([]*gtfs.TripUpdate_StopTimeUpdate, 0, len(stops))
	for _, s := range stops {
		stu := &gtfs.TripUpdate_StopTimeUpdate{
			StopSequence: proto.Uint32(s.Sequence),
		}
		if s.StopID != "" {
			stu.StopId = proto.String(s.StopID)
		}
		if s.ArrivalDelay != nil {
			stu.Arrival = &gtfs.TripUpdate_StopTimeEvent{Delay: s.ArrivalDelay}
		}
		if s.DepartureDelay != nil {
			stu.Departure = &gtfs.TripUpdate_StopTimeEvent{Delay: s.DepartureDelay}
		}
		updates = append(updates, stu)
	}
	return &gtfs.FeedEntity{
		Id: proto.String(id),
		TripUpdate: &gtfs.TripUpdate{
			Trip: &gtfs.TripDescriptor{
				TripId:      proto.String(tripID),
				RouteId:     proto.String(routeID),
				DirectionId: proto.Uint32(directionID),
			},
			StopTimeUpdate: updates,
			Timestamp:      proto.Uint64(uint64(ts.Unix())),
		},
	}
}

func Marshal(t testing.TB, msg *gtfs.FeedMessage) []byte {
	t.Helper()
	b, err := proto.Marshal(msg)
	if err != nil {
		t.Fatalf("Failed to marshal feed message: %v", err)
	}
	return b
}

// MarshalPartial encodes msg without checking required fields, for payloads
// carrying malformed entities.
func MarshalPartial(t testing.TB, msg *gtfs.FeedMessage) []byte {
	t.Helper()
	b, err := proto.MarshalOptions{AllowPartial: true}.Marshal(msg)
	if err != nil {
		t.Fatalf("Failed to marshal feed message: %v", err)
	}
	return b
}

// Server serves a swappable payload and status code.
type Server struct {
	*httptest.Server

	mu      sync.RWMutex
	payload []byte
	status  int
	hits    atomic.Int64
}

func NewServer(t testing.TB, payload []byte) *Server {
	t.Helper()
	s := &Server{payload: payload, status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	s.mu.RLock()
	status, payload := s.status, s.payload
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(status)
	if status == http.StatusOK {
		_, _ = w.Write(payload)
	}
}

func (s *Server) SetPayload(payload []byte) {
	s.mu.Lock()
	s.payload = payload
	s.mu.Unlock()
}

func (s *Server) SetStatus(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Hits returns the number of requests served so far.
func (s *Server) Hits() int64 { return s.hits.Load() }
