package service

import (
	"github.com/ptvtracker-eta/internal/gtfs-realtime/fetcher"
	"github.com/ptvtracker-eta/pkg/gtfs-realtime/models"
)

type VehiclePositionsService struct {
	*feedService[models.VehicleInfo]
}

func NewVehiclePositionsService(f fetcher.VehiclePositionsFetcher, cfg Config, opts ...Option) *VehiclePositionsService {
	return &VehiclePositionsService{
		feedService: newFeedService(models.VehiclePositions, f.FetchVehicles, cfg, buildOptions(opts)),
	}
}

// Vehicles returns a copy of the latest snapshot. It is never nil.
func (s *VehiclePositionsService) Vehicles() []models.VehicleInfo {
	return s.items()
}
