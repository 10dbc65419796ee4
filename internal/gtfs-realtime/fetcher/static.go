package fetcher

import (
	"context"
	"sync"

	"github.com/ptvtracker-eta/pkg/gtfs-realtime/models"
)

// StaticVehicles is an in-memory VehiclePositionsFetcher. Set swaps the
// result returned by subsequent fetches.
type StaticVehicles struct {
	mu       sync.Mutex
	vehicles []models.VehicleInfo
	err      error
	calls    int
}

func NewStaticVehicles(vehicles ...models.VehicleInfo) *StaticVehicles {
	return &StaticVehicles{vehicles: vehicles}
}

func (s *StaticVehicles) Set(vehicles []models.VehicleInfo, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vehicles = vehicles
	s.err = err
}

func (s *StaticVehicles) FetchVehicles(ctx context.Context) ([]models.VehicleInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]models.VehicleInfo(nil), s.vehicles...), nil
}

func (s *StaticVehicles) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// StaticTripUpdates is an in-memory TripUpdatesFetcher.
type StaticTripUpdates struct {
	mu      sync.Mutex
	updates []models.TripUpdateInfo
	err     error
	calls   int
}

func NewStaticTripUpdates(updates ...models.TripUpdateInfo) *StaticTripUpdates {
	return &StaticTripUpdates{updates: updates}
}

func (s *StaticTripUpdates) Set(updates []models.TripUpdateInfo, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = updates
	s.err = err
}

func (s *StaticTripUpdates) FetchTripUpdates(ctx context.Context) ([]models.TripUpdateInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]models.TripUpdateInfo(nil), s.updates...), nil
}

func (s *StaticTripUpdates) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
