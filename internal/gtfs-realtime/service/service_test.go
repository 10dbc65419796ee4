package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ptvtracker-eta/internal/gtfs-realtime/connection"
	"github.com/ptvtracker-eta/internal/gtfs-realtime/delay"
	"github.com/ptvtracker-eta/internal/gtfs-realtime/feed"
	"github.com/ptvtracker-eta/internal/gtfs-realtime/feedtest"
	"github.com/ptvtracker-eta/internal/gtfs-realtime/fetcher"
	"github.com/ptvtracker-eta/pkg/gtfs-realtime/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func strPtr(s string) *string        { return &s }
func u32Ptr(v uint32) *uint32        { return &v }
func i32Ptr(v int32) *int32          { return &v }
func timePtr(t time.Time) *time.Time { return &t }

func vehicle(id string) models.VehicleInfo {
	return models.VehicleInfo{EntityID: id, VehicleID: strPtr(id)}
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []models.FetchOutcome
	err      error
}

func (r *fakeRecorder) RecordFetch(ctx context.Context, o models.FetchOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return r.err
}

func (r *fakeRecorder) all() []models.FetchOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.FetchOutcome(nil), r.outcomes...)
}

type fakeMetrics struct {
	mu           sync.Mutex
	sizes        map[models.FeedKind]int
	observations int
	cells        int
	cycles       int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{sizes: make(map[models.FeedKind]int)}
}

func (m *fakeMetrics) CycleCompleted(name string, err error, d time.Duration) {
	m.mu.Lock()
	m.cycles++
	m.mu.Unlock()
}
func (m *fakeMetrics) StateChanged(name string, s connection.State) {}
func (m *fakeMetrics) SetSnapshotSize(feed models.FeedKind, n int) {
	m.mu.Lock()
	m.sizes[feed] = n
	m.mu.Unlock()
}
func (m *fakeMetrics) AddObservations(n int) {
	m.mu.Lock()
	m.observations += n
	m.mu.Unlock()
}
func (m *fakeMetrics) SetEstimatorCells(n int) {
	m.mu.Lock()
	m.cells = n
	m.mu.Unlock()
}

func TestVehiclePositionsService_InitialSnapshotIsEmpty(t *testing.T) {
	s := NewVehiclePositionsService(fetcher.NewStaticVehicles(), Config{Interval: time.Hour})

	got := s.Vehicles()
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.True(t, s.LastRefresh().IsZero())
	assert.Equal(t, connection.Offline, s.ConnectionState())
	assert.Equal(t, models.VehiclePositions, s.Kind())
}

func TestVehiclePositionsService_RefreshOnce(t *testing.T) {
	f := fetcher.NewStaticVehicles(vehicle("a"), vehicle("b"))
	rec := &fakeRecorder{}
	metrics := newFakeMetrics()
	s := NewVehiclePositionsService(f, Config{Interval: time.Hour}, WithRecorder(rec), WithMetrics(metrics))

	require.NoError(t, s.RefreshOnce(context.Background()))
	got := s.Vehicles()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].EntityID)
	assert.False(t, s.LastRefresh().IsZero())
	assert.Equal(t, 2, metrics.sizes[models.VehiclePositions])

	// callers get their own copy
	got[0].EntityID = "mutated"
	assert.Equal(t, "a", s.Vehicles()[0].EntityID)

	boom := errors.New("boom")
	f.Set(nil, boom)
	err := s.RefreshOnce(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, s.Vehicles(), 2, "failed refresh keeps the previous snapshot")

	outcomes := rec.all()
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].Succeeded())
	assert.Equal(t, 2, outcomes[0].Entities)
	assert.ErrorIs(t, outcomes[1].Err, boom)
	assert.Equal(t, models.VehiclePositions, outcomes[1].Feed)
}

func TestVehiclePositionsService_RecorderErrorDoesNotFailRefresh(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("db down")}
	s := NewVehiclePositionsService(fetcher.NewStaticVehicles(vehicle("a")), Config{}, WithRecorder(rec))

	assert.NoError(t, s.RefreshOnce(context.Background()))
	assert.Len(t, s.Vehicles(), 1)
}

func TestVehiclePositionsService_FetchOnlyState(t *testing.T) {
	f := fetcher.NewStaticVehicles(vehicle("a"))
	s := NewVehiclePositionsService(f, Config{Interval: 5 * time.Millisecond})

	var mu sync.Mutex
	var seen []connection.State
	s.AddListener(connection.ListenerFunc(func(from, to connection.State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	}))

	s.Start()
	defer func() {
		s.Stop()
		<-s.Done()
	}()
	assert.True(t, s.IsRunning())

	require.Eventually(t, func() bool { return s.ConnectionState() == connection.Online }, waitFor, tick)
	assert.Len(t, s.Vehicles(), 1)

	f.Set(nil, errors.New("offline"))
	require.Eventually(t, func() bool { return s.ConnectionState() == connection.Offline }, waitFor, tick)
	assert.Len(t, s.Vehicles(), 1)

	mu.Lock()
	assert.Equal(t, []connection.State{connection.Online, connection.Offline}, seen)
	mu.Unlock()
}

func TestVehiclePositionsService_HealthCheckMode(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer health.Close()

	f := fetcher.NewStaticVehicles()
	f.Set(nil, errors.New("feed failing"))
	s := NewVehiclePositionsService(f, Config{
		Interval:       5 * time.Millisecond,
		HealthURL:      health.URL,
		HealthInterval: 5 * time.Millisecond,
	})

	s.Start()
	defer func() {
		s.Stop()
		<-s.Done()
	}()

	require.Eventually(t, func() bool { return f.Calls() >= 3 }, waitFor, tick)
	assert.Equal(t, connection.Online, s.ConnectionState())
	assert.Empty(t, s.Vehicles())
}

func TestVehiclePositionsService_ReadersSeeWholeSnapshots(t *testing.T) {
	small := []models.VehicleInfo{vehicle("s1"), vehicle("s2")}
	large := []models.VehicleInfo{vehicle("l1"), vehicle("l2"), vehicle("l3")}
	f := fetcher.NewStaticVehicles()
	s := NewVehiclePositionsService(f, Config{})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			got := s.Vehicles()
			switch len(got) {
			case 0:
			case 2:
				assert.Equal(t, "s1", got[0].EntityID)
				assert.Equal(t, "s2", got[1].EntityID)
			case 3:
				assert.Equal(t, "l1", got[0].EntityID)
				assert.Equal(t, "l3", got[2].EntityID)
			default:
				t.Errorf("torn snapshot of length %d", len(got))
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			f.Set(small, nil)
		} else {
			f.Set(large, nil)
		}
		require.NoError(t, s.RefreshOnce(context.Background()))
	}
	close(stop)
	wg.Wait()
}

func TestTripUpdatesService_FeedsDelayStore(t *testing.T) {
	now := time.Now()
	store := delay.NewStore(0.25)
	metrics := newFakeMetrics()
	f := fetcher.NewStaticTripUpdates(
		models.TripUpdateInfo{
			EntityID:    "tu1",
			TripID:      strPtr("T1"),
			RouteID:     strPtr("R1"),
			DirectionID: u32Ptr(1),
			Timestamp:   timePtr(now),
			StopTimeUpdates: []models.StopTimeUpdateInfo{
				{StopID: strPtr("S1"), ArrivalDelay: i32Ptr(120), DepartureDelay: i32Ptr(150)},
				{StopID: strPtr("S2"), DepartureDelay: i32Ptr(-30)},
				{StopID: strPtr("S3")},
				{StopID: strPtr("S4"), ArrivalDelay: i32Ptr(999), ScheduleRelationship: strPtr("SKIPPED")},
			},
		},
		models.TripUpdateInfo{
			EntityID: "tu2",
			TripID:   strPtr("T2"),
			RouteID:  strPtr("R2"),
			Delay:    i32Ptr(60),
		},
		models.TripUpdateInfo{EntityID: "tu3", TripID: strPtr("T3")},
	)
	s := NewTripUpdatesService(f, store, Config{}, WithMetrics(metrics))

	require.NoError(t, s.RefreshOnce(context.Background()))
	assert.Len(t, s.TripUpdates(), 3)
	assert.Same(t, store, s.Store())

	got, ok := store.EstimateDelaySec("R1", 1, "S1")
	require.True(t, ok)
	assert.Equal(t, 120, got, "arrival delay is preferred")

	got, ok = store.EstimateDelaySec("R1", 1, "S2")
	require.True(t, ok)
	assert.Equal(t, -30, got)

	e := store.Estimate("R1", 1, "S4")
	assert.Equal(t, delay.LevelDirection, e.Level, "skipped stops are not observed")

	e = store.Estimate("R2", 0, "ANY")
	require.True(t, e.Present())
	assert.Equal(t, delay.LevelRoute, e.Level)
	assert.Equal(t, 60.0, *e.DelaySeconds)

	assert.Equal(t, 3, metrics.observations)
	assert.Equal(t, store.Len(), metrics.cells)
}

func TestTripUpdatesService_UsesTripTimestampForTTL(t *testing.T) {
	store := delay.NewStoreWithTTL(0.25, 60)
	stale := time.Now().Add(-10 * time.Minute)
	f := fetcher.NewStaticTripUpdates(
		models.TripUpdateInfo{
			RouteID:     strPtr("R1"),
			DirectionID: u32Ptr(0),
			Timestamp:   timePtr(stale),
			StopTimeUpdates: []models.StopTimeUpdateInfo{
				{StopID: strPtr("S1"), ArrivalDelay: i32Ptr(100)},
			},
		},
		models.TripUpdateInfo{
			RouteID:     strPtr("R2"),
			DirectionID: u32Ptr(0),
			StopTimeUpdates: []models.StopTimeUpdateInfo{
				{StopID: strPtr("S1"), ArrivalDelay: i32Ptr(40)},
			},
		},
	)
	s := NewTripUpdatesService(f, store, Config{})

	require.NoError(t, s.RefreshOnce(context.Background()))

	_, ok := store.EstimateDelaySec("R1", 0, "S1")
	assert.False(t, ok, "observation timed by the stale trip timestamp")

	got, ok := store.EstimateDelaySec("R2", 0, "S1")
	require.True(t, ok, "observation timed by the refresh")
	assert.Equal(t, 40, got)
}

func TestTripUpdatesService_OverHTTP(t *testing.T) {
	now := time.Now()
	srv := feedtest.NewServer(t, feedtest.Marshal(t, feedtest.Message(now,
		feedtest.TripUpdateEntity("tu1", "T1", "R1", 0, now,
			feedtest.StopDelay{StopID: "S1", Sequence: 1, ArrivalDelay: feedtest.Delay(200)}),
	)))

	store := delay.NewStore(0.25)
	f := fetcher.NewTripUpdates(feed.NewHTTPClient(), srv.URL, nil)
	s := NewTripUpdatesService(f, store, Config{Interval: 5 * time.Millisecond})

	s.Start()
	require.Eventually(t, func() bool { return s.ConnectionState() == connection.Online }, waitFor, tick)

	got, ok := store.EstimateDelaySec("R1", 1, "S1")
	require.True(t, ok)
	assert.Equal(t, 200, got)

	srv.SetStatus(http.StatusServiceUnavailable)
	require.Eventually(t, func() bool { return s.ConnectionState() == connection.Offline }, waitFor, tick)
	assert.Len(t, s.TripUpdates(), 1)

	s.Stop()
	<-s.Done()
}
