package gtfs_realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/ptvtracker-eta/internal/common/config"
	"github.com/ptvtracker-eta/internal/common/logger"
	"github.com/ptvtracker-eta/internal/gtfs-realtime/connection"
	"github.com/ptvtracker-eta/internal/gtfs-realtime/delay"
	"github.com/ptvtracker-eta/internal/gtfs-realtime/feed"
	"github.com/ptvtracker-eta/internal/gtfs-realtime/fetcher"
	"github.com/ptvtracker-eta/internal/gtfs-realtime/service"
	"github.com/ptvtracker-eta/pkg/gtfs-realtime/models"
)

// FeedListener is told about reachability changes of either feed.
type FeedListener func(feed models.FeedKind, from, to connection.State)

type Option func(*Manager)

// WithVehicleFetcher replaces the HTTP vehicle positions fetcher.
func WithVehicleFetcher(f fetcher.VehiclePositionsFetcher) Option {
	return func(m *Manager) { m.vehicleFetcher = f }
}

// WithTripUpdatesFetcher replaces the HTTP trip updates fetcher.
func WithTripUpdatesFetcher(f fetcher.TripUpdatesFetcher) Option {
	return func(m *Manager) { m.tripFetcher = f }
}

func WithRecorder(r service.Recorder) Option {
	return func(m *Manager) { m.serviceOpts = append(m.serviceOpts, service.WithRecorder(r)) }
}

func WithMetrics(mt service.Metrics) Option {
	return func(m *Manager) { m.serviceOpts = append(m.serviceOpts, service.WithMetrics(mt)) }
}

// Manager owns the delay store and one service per configured feed, and is
// the read surface for the rest of the application.
type Manager struct {
	config    config.GTFSRealtimeConfig
	logger    logger.Logger
	store     *delay.Store
	vehicles  *service.VehiclePositionsService
	trips     *service.TripUpdatesService
	mu        sync.RWMutex
	isRunning bool
	stopCtx   func() bool

	vehicleFetcher fetcher.VehiclePositionsFetcher
	tripFetcher    fetcher.TripUpdatesFetcher
	serviceOpts    []service.Option
}

func NewManager(cfg config.GTFSRealtimeConfig, est config.EstimatorConfig, log logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	m := &Manager{
		config: cfg,
		logger: log,
		store:  delay.NewStoreWithTTL(est.Alpha, int64(est.TTL.Seconds())),
	}
	for _, opt := range opts {
		opt(m)
	}

	client := feed.NewHTTPClient(
		feed.WithTimeout(cfg.FetchTimeout),
		feed.WithAPIKey(cfg.APIKey),
		feed.WithRateLimit(cfg.RateLimitPerMin),
		feed.WithLogger(log),
	)
	if m.vehicleFetcher == nil && cfg.VehiclePositionsURL != "" {
		m.vehicleFetcher = fetcher.NewVehiclePositions(client, cfg.VehiclePositionsURL, log)
	}
	if m.tripFetcher == nil && cfg.TripUpdatesURL != "" {
		m.tripFetcher = fetcher.NewTripUpdates(client, cfg.TripUpdatesURL, log)
	}

	svcCfg := service.Config{
		Interval:       cfg.PollingInterval,
		HealthURL:      cfg.HealthURL,
		HealthInterval: cfg.HealthInterval,
		ProbeTimeout:   cfg.ProbeTimeout,
	}
	svcOpts := append([]service.Option{service.WithLogger(log)}, m.serviceOpts...)

	if m.vehicleFetcher != nil {
		m.vehicles = service.NewVehiclePositionsService(m.vehicleFetcher, svcCfg, svcOpts...)
	}
	if m.tripFetcher != nil {
		m.trips = service.NewTripUpdatesService(m.tripFetcher, m.store, svcCfg, svcOpts...)
	}
	return m
}

// Start launches every configured feed. Cancelling ctx stops the manager.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("GTFS-realtime manager is already running")
	}

	if err := m.validateConfig(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if m.vehicles != nil {
		m.vehicles.Start()
	}
	if m.trips != nil {
		m.trips.Start()
	}
	m.stopCtx = context.AfterFunc(ctx, m.Stop)

	m.isRunning = true
	m.logger.Info("GTFS-realtime manager started successfully",
		"vehicle_positions", m.vehicles != nil,
		"trip_updates", m.trips != nil,
		"health_check", m.config.HealthURL != "")

	return nil
}

// Stop halts both feeds and waits for their in-flight cycles to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunning {
		return
	}

	m.logger.Info("Stopping GTFS-realtime manager")

	if m.stopCtx != nil {
		m.stopCtx()
	}

	var done []<-chan struct{}
	if m.vehicles != nil {
		m.vehicles.Stop()
		done = append(done, m.vehicles.Done())
	}
	if m.trips != nil {
		m.trips.Stop()
		done = append(done, m.trips.Done())
	}
	for _, d := range done {
		<-d
	}

	m.isRunning = false
	m.logger.Info("GTFS-realtime manager stopped")
}

func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

func (m *Manager) validateConfig() error {
	if m.vehicles == nil && m.trips == nil {
		return fmt.Errorf("at least one feed URL must be configured")
	}

	if m.config.PollingInterval <= 0 {
		return fmt.Errorf("polling interval must be positive")
	}

	return nil
}

// Vehicles returns the latest vehicle positions, empty if the feed is not
// configured.
func (m *Manager) Vehicles() []models.VehicleInfo {
	if m.vehicles == nil {
		return []models.VehicleInfo{}
	}
	return m.vehicles.Vehicles()
}

// TripUpdates returns the latest trip updates, empty if the feed is not
// configured.
func (m *Manager) TripUpdates() []models.TripUpdateInfo {
	if m.trips == nil {
		return []models.TripUpdateInfo{}
	}
	return m.trips.TripUpdates()
}

// ConnectionState is ONLINE while any configured feed is ONLINE.
func (m *Manager) ConnectionState() connection.State {
	for _, kind := range []models.FeedKind{models.VehiclePositions, models.TripUpdates} {
		if s, ok := m.FeedState(kind); ok && s == connection.Online {
			return connection.Online
		}
	}
	return connection.Offline
}

// FeedState reports the state of one feed and whether it is configured.
func (m *Manager) FeedState(kind models.FeedKind) (connection.State, bool) {
	switch kind {
	case models.VehiclePositions:
		if m.vehicles != nil {
			return m.vehicles.ConnectionState(), true
		}
	case models.TripUpdates:
		if m.trips != nil {
			return m.trips.ConnectionState(), true
		}
	}
	return connection.Offline, false
}

func (m *Manager) EstimateDelaySec(routeID string, directionID uint32, stopID string) (int, bool) {
	return m.store.EstimateDelaySec(routeID, directionID, stopID)
}

func (m *Manager) Estimate(routeID string, directionID uint32, stopID string) delay.Estimate {
	return m.store.Estimate(routeID, directionID, stopID)
}

func (m *Manager) Store() *delay.Store { return m.store }

// AddListener subscribes l to both feeds. The returned func unsubscribes.
func (m *Manager) AddListener(l FeedListener) func() {
	var removers []func()
	if m.vehicles != nil {
		id := m.vehicles.AddListener(connection.ListenerFunc(func(from, to connection.State) {
			l(models.VehiclePositions, from, to)
		}))
		removers = append(removers, func() { m.vehicles.RemoveListener(id) })
	}
	if m.trips != nil {
		id := m.trips.AddListener(connection.ListenerFunc(func(from, to connection.State) {
			l(models.TripUpdates, from, to)
		}))
		removers = append(removers, func() { m.trips.RemoveListener(id) })
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, remove := range removers {
				remove()
			}
		})
	}
}
