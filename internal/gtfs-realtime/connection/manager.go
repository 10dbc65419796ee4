// Package connection runs a periodic task on a dedicated goroutine and derives
// an ONLINE/OFFLINE reachability state from it.
//
// In fetch-only mode the state follows the task result. In health-check mode
// a separate probe against a health URL decides the state and the task result
// is only logged.
package connection

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ptvtracker-eta/internal/common/logger"
)

const (
	DefaultInterval       = 30 * time.Second
	DefaultHealthInterval = 5 * time.Second
	DefaultProbeTimeout   = 3 * time.Second
)

type State int32

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "ONLINE"
	}
	return "OFFLINE"
}

// Task is one refresh cycle. The context is never cancelled by Stop, so an
// in-flight cycle always runs to completion.
type Task func(ctx context.Context) error

// Observer receives cycle outcomes and transitions, typically for metrics.
type Observer interface {
	CycleCompleted(name string, err error, duration time.Duration)
	StateChanged(name string, state State)
}

// PanicError is reported for a task that panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

type Manager struct {
	name           string
	task           Task
	interval       time.Duration
	healthURL      string
	healthInterval time.Duration
	probeTimeout   time.Duration
	httpClient     *http.Client
	logger         logger.Logger
	observer       Observer

	state   atomic.Int32
	stateMu sync.Mutex // serialises transitions and their notifications

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	listenerMu sync.Mutex
	listeners  atomic.Pointer[[]registration]
	nextID     ListenerID
}

type Option func(*Manager)

func WithLogger(log logger.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.logger = log
		}
	}
}

// WithName labels log lines and observer calls.
func WithName(name string) Option {
	return func(m *Manager) { m.name = name }
}

func WithHealthInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.healthInterval = d
		}
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.httpClient = c
		}
	}
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// NewManager returns a fetch-only manager: a nil task error is ONLINE, any
// error or panic is OFFLINE. A non-positive interval uses DefaultInterval.
func NewManager(task Task, interval time.Duration, opts ...Option) *Manager {
	if task == nil {
		panic("connection: nil task")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	m := &Manager{
		name:           "connection",
		task:           task,
		interval:       interval,
		healthInterval: DefaultHealthInterval,
		probeTimeout:   DefaultProbeTimeout,
		httpClient:     &http.Client{},
		logger:         logger.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewHealthCheckManager returns a manager whose state is driven by probing
// healthURL; any 2xx response is ONLINE.
func NewHealthCheckManager(healthURL string, task Task, interval time.Duration, opts ...Option) *Manager {
	m := NewManager(task, interval, opts...)
	m.healthURL = healthURL
	return m
}

func (m *Manager) Name() string { return m.name }

func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start launches the worker. Calling it while running is a no-op. After a
// Stop, the new worker waits for the previous one to finish its cycle.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	prev := m.done
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true

	m.logger.Info("Starting connection manager",
		"manager", m.name,
		"interval", m.interval,
		"health_check", m.healthURL != "")

	go m.run(prev, m.stopCh, m.done)
}

// Stop wakes the worker and lets it exit once any in-flight cycle has
// finished. It does not wait; use Done for that.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	close(m.stopCh)
	m.running = false
	m.logger.Info("Stopping connection manager", "manager", m.name)
}

// Done is closed when the most recently started worker has exited. It is
// already closed if the manager was never started.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.done
}

func (m *Manager) run(prev <-chan struct{}, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if prev != nil {
		select {
		case <-prev:
		case <-stop:
			return
		}
	}

	// The probe runs beside the task so a slow cycle never delays it. The
	// deferred Wait joins it before done is closed.
	var probes sync.WaitGroup
	defer probes.Wait()
	if m.healthURL != "" {
		probes.Add(1)
		go func() {
			defer probes.Done()
			m.probeLoop(stop)
		}()
	}

	ctx := context.Background()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			m.runCycle(ctx)
			timer.Reset(m.interval)
		}

		select {
		case <-stop:
			return
		default:
		}
	}
}

func (m *Manager) probeLoop(stop <-chan struct{}) {
	ctx := context.Background()
	m.probe(ctx)

	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Manager) runCycle(ctx context.Context) {
	start := time.Now()
	err := m.safeRun(ctx)
	elapsed := time.Since(start)

	if err != nil {
		m.logger.Warn("Refresh cycle failed",
			"manager", m.name,
			"duration", elapsed,
			"error", err)
	} else {
		m.logger.Debug("Refresh cycle completed",
			"manager", m.name,
			"duration", elapsed)
	}

	if m.observer != nil {
		m.observer.CycleCompleted(m.name, err, elapsed)
	}

	if m.healthURL == "" {
		m.setState(stateFor(err == nil))
	}
}

func (m *Manager) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return m.task(ctx)
}

func (m *Manager) probe(ctx context.Context) {
	ok := m.checkHealth(ctx)
	m.setState(stateFor(ok))
}

func (m *Manager) checkHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.healthURL, nil)
	if err != nil {
		m.logger.Error("Failed to build health request", "manager", m.name, "error", err)
		return false
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Debug("Health probe failed", "manager", m.name, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func stateFor(ok bool) State {
	if ok {
		return Online
	}
	return Offline
}

func (m *Manager) setState(next State) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	prev := State(m.state.Swap(int32(next)))
	if prev == next {
		return
	}

	m.logger.Info("Connection state changed",
		"manager", m.name,
		"from", prev.String(),
		"to", next.String())

	if m.observer != nil {
		m.observer.StateChanged(m.name, next)
	}
	m.notify(prev, next)
}
