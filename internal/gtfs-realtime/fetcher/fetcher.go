package fetcher

import (
	"context"
	"fmt"

	"github.com/ptvtracker-eta/internal/common/logger"
	"github.com/ptvtracker-eta/internal/gtfs-realtime/feed"
	"github.com/ptvtracker-eta/internal/gtfs-realtime/mapper"
	"github.com/ptvtracker-eta/pkg/gtfs-realtime/models"
)

type VehiclePositions struct {
	client feed.Client
	url    string
	logger logger.Logger
}

func NewVehiclePositions(client feed.Client, url string, log logger.Logger) *VehiclePositions {
	if log == nil {
		log = logger.Nop()
	}
	return &VehiclePositions{client: client, url: url, logger: log}
}

func (f *VehiclePositions) FetchVehicles(ctx context.Context) ([]models.VehicleInfo, error) {
	msg, err := f.client.Fetch(ctx, f.url)
	if err != nil {
		return nil, fmt.Errorf("vehicle positions: %w", err)
	}

	vehicles := mapper.MapVehicles(msg, f.logger)
	f.logger.Debug("Mapped vehicle positions",
		"entities", len(msg.GetEntity()),
		"vehicles", len(vehicles))
	return vehicles, nil
}

type TripUpdates struct {
	client feed.Client
	url    string
	logger logger.Logger
}

func NewTripUpdates(client feed.Client, url string, log logger.Logger) *TripUpdates {
	if log == nil {
		log = logger.Nop()
	}
	return &TripUpdates{client: client, url: url, logger: log}
}

func (f *TripUpdates) FetchTripUpdates(ctx context.Context) ([]models.TripUpdateInfo, error) {
	msg, err := f.client.Fetch(ctx, f.url)
	if err != nil {
		return nil, fmt.Errorf("trip updates: %w", err)
	}

	updates := mapper.MapTripUpdates(msg, f.logger)
	f.logger.Debug("Mapped trip updates",
		"entities", len(msg.GetEntity()),
		"trip_updates", len(updates))
	return updates, nil
}
