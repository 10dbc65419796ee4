package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// transitions records every notification a listener receives.
type transitions struct {
	mu   sync.Mutex
	seen [][2]State
}

func (r *transitions) StateChanged(from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, [2]State{from, to})
}

func (r *transitions) all() [][2]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]State(nil), r.seen...)
}

// switchTask succeeds or fails depending on a flag and counts its calls.
type switchTask struct {
	fail  atomic.Bool
	calls atomic.Int64
}

func (s *switchTask) run(ctx context.Context) error {
	s.calls.Add(1)
	if s.fail.Load() {
		return errors.New("feed unreachable")
	}
	return nil
}

func waitDone(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(waitFor):
		t.Fatal("worker did not exit")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ONLINE", Online.String())
	assert.Equal(t, "OFFLINE", Offline.String())
}

func TestManager_InitialStateOffline(t *testing.T) {
	m := NewManager(func(ctx context.Context) error { return nil }, time.Hour)
	assert.Equal(t, Offline, m.State())
	assert.False(t, m.IsRunning())

	select {
	case <-m.Done():
	default:
		t.Fatal("Done should be closed before Start")
	}
	m.Stop()
}

func TestManager_FetchOnlyTransitionsOncePerChange(t *testing.T) {
	task := &switchTask{}
	rec := &transitions{}
	m := NewManager(task.run, 10*time.Millisecond)
	m.AddListener(rec)

	m.Start()
	defer func() {
		m.Stop()
		waitDone(t, m)
	}()

	require.Eventually(t, func() bool { return task.calls.Load() >= 5 }, waitFor, tick)
	assert.Equal(t, Online, m.State())
	assert.Equal(t, [][2]State{{Offline, Online}}, rec.all())

	task.fail.Store(true)
	before := task.calls.Load()
	require.Eventually(t, func() bool { return task.calls.Load() >= before+5 }, waitFor, tick)
	assert.Equal(t, Offline, m.State())
	assert.Equal(t, [][2]State{{Offline, Online}, {Online, Offline}}, rec.all())
}

func TestManager_FailingTaskFromStartDoesNotNotify(t *testing.T) {
	task := &switchTask{}
	task.fail.Store(true)
	rec := &transitions{}
	m := NewManager(task.run, 5*time.Millisecond)
	m.AddListener(rec)

	m.Start()
	require.Eventually(t, func() bool { return task.calls.Load() >= 3 }, waitFor, tick)
	m.Stop()
	waitDone(t, m)

	assert.Equal(t, Offline, m.State())
	assert.Empty(t, rec.all())
}

func TestManager_PanickingTaskIsFailedCycle(t *testing.T) {
	var calls atomic.Int64
	var lastErr atomic.Value
	obs := observerFunc(func(err error) {
		if err != nil {
			lastErr.Store(err)
		}
	})

	m := NewManager(func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return nil
		}
		panic("bad payload")
	}, 5*time.Millisecond, WithObserver(obs))

	m.Start()
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, waitFor, tick)
	m.Stop()
	waitDone(t, m)

	assert.Equal(t, Offline, m.State())
	var pe *PanicError
	require.True(t, errors.As(lastErr.Load().(error), &pe))
	assert.Equal(t, "bad payload", pe.Value)
}

func TestManager_StartIsIdempotent(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64
	var calls atomic.Int64

	m := NewManager(func(ctx context.Context) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		calls.Add(1)
		time.Sleep(2 * time.Millisecond)
		return nil
	}, time.Millisecond)

	for i := 0; i < 5; i++ {
		m.Start()
	}
	assert.True(t, m.IsRunning())

	require.Eventually(t, func() bool { return calls.Load() >= 10 }, waitFor, tick)
	m.Stop()
	m.Stop()
	waitDone(t, m)

	assert.False(t, m.IsRunning())
	assert.Equal(t, int64(1), maxInFlight.Load())
}

func TestManager_StopWakesWorkerFromWait(t *testing.T) {
	var calls atomic.Int64
	m := NewManager(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, time.Hour)

	m.Start()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

	start := time.Now()
	m.Stop()
	waitDone(t, m)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), calls.Load())
}

func TestManager_StopLetsInFlightCycleFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var cancelled atomic.Bool

	m := NewManager(func(ctx context.Context) error {
		close(started)
		<-release
		cancelled.Store(ctx.Err() != nil)
		return nil
	}, time.Hour)

	m.Start()
	<-started
	m.Stop()

	select {
	case <-m.Done():
		t.Fatal("worker exited before the in-flight cycle finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	waitDone(t, m)

	assert.Equal(t, Online, m.State())
	assert.False(t, cancelled.Load())
}

func TestManager_RestartAfterStop(t *testing.T) {
	var calls atomic.Int64
	m := NewManager(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, time.Hour)

	m.Start()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)
	m.Stop()
	waitDone(t, m)

	m.Start()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)
	m.Stop()
	waitDone(t, m)
}

func TestManager_RemoveListener(t *testing.T) {
	task := &switchTask{}
	kept := &transitions{}
	removed := &transitions{}
	m := NewManager(task.run, 5*time.Millisecond)

	m.AddListener(kept)
	id := m.AddListener(removed)
	assert.True(t, m.RemoveListener(id))
	assert.False(t, m.RemoveListener(id))
	assert.False(t, m.RemoveListener(ListenerID(999)))

	m.Start()
	require.Eventually(t, func() bool { return m.State() == Online }, waitFor, tick)
	m.Stop()
	waitDone(t, m)

	assert.Len(t, kept.all(), 1)
	assert.Empty(t, removed.all())
}

func TestManager_ListenerPanicDoesNotStopDelivery(t *testing.T) {
	task := &switchTask{}
	rec := &transitions{}
	m := NewManager(task.run, 5*time.Millisecond)

	m.AddListener(ListenerFunc(func(from, to State) { panic("listener bug") }))
	m.AddListener(rec)

	m.Start()
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, waitFor, tick)

	task.fail.Store(true)
	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, waitFor, tick)
	m.Stop()
	waitDone(t, m)
}

func TestHealthCheckManager_ProbeDrivesState(t *testing.T) {
	var status atomic.Int64
	status.Store(http.StatusNoContent)
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer health.Close()

	var calls atomic.Int64
	rec := &transitions{}
	m := NewHealthCheckManager(health.URL, func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("task failures do not gate reachability")
	}, 5*time.Millisecond, WithHealthInterval(5*time.Millisecond), WithName("health"))
	m.AddListener(rec)

	m.Start()
	defer func() {
		m.Stop()
		waitDone(t, m)
	}()

	require.Eventually(t, func() bool { return m.State() == Online }, waitFor, tick)
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, waitFor, tick)
	assert.Equal(t, Online, m.State())

	status.Store(http.StatusServiceUnavailable)
	require.Eventually(t, func() bool { return m.State() == Offline }, waitFor, tick)

	status.Store(http.StatusOK)
	require.Eventually(t, func() bool { return m.State() == Online }, waitFor, tick)

	assert.Equal(t, [][2]State{{Offline, Online}, {Online, Offline}, {Offline, Online}}, rec.all())
}

func TestHealthCheckManager_ProbeRunsDuringSlowTask(t *testing.T) {
	var status atomic.Int64
	status.Store(http.StatusOK)
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer health.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	m := NewHealthCheckManager(health.URL, func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}, time.Hour, WithHealthInterval(5*time.Millisecond))

	m.Start()
	<-started
	require.Eventually(t, func() bool { return m.State() == Online }, waitFor, tick)

	// the task is still blocked; only the probe can notice the outage
	status.Store(http.StatusServiceUnavailable)
	require.Eventually(t, func() bool { return m.State() == Offline }, waitFor, tick)

	status.Store(http.StatusOK)
	require.Eventually(t, func() bool { return m.State() == Online }, waitFor, tick)

	m.Stop()
	select {
	case <-m.Done():
		t.Fatal("worker exited before the in-flight cycle finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	waitDone(t, m)
}

func TestHealthCheckManager_UnreachableIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var calls atomic.Int64
	m := NewHealthCheckManager(url, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, 5*time.Millisecond, WithProbeTimeout(100*time.Millisecond))

	m.Start()
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, waitFor, tick)
	m.Stop()
	waitDone(t, m)

	assert.Equal(t, Offline, m.State())
}

func TestNewManager_NilTaskPanics(t *testing.T) {
	assert.Panics(t, func() { NewManager(nil, time.Second) })
}

type observerFunc func(err error)

func (f observerFunc) CycleCompleted(name string, err error, d time.Duration) { f(err) }
func (f observerFunc) StateChanged(name string, s State)                      {}
