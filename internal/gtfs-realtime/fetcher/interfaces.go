package fetcher

import (
	"context"

	"github.com/ptvtracker-eta/pkg/gtfs-realtime/models"
)

// VehiclePositionsFetcher runs one "fetch all vehicle positions" cycle.
type VehiclePositionsFetcher interface {
	FetchVehicles(ctx context.Context) ([]models.VehicleInfo, error)
}

// TripUpdatesFetcher runs one "fetch all trip updates" cycle.
type TripUpdatesFetcher interface {
	FetchTripUpdates(ctx context.Context) ([]models.TripUpdateInfo, error)
}
