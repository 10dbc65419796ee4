// Package service binds a feed fetcher to a connection manager and keeps the
// latest successful snapshot for synchronous reads.
package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ptvtracker-eta/internal/common/logger"
	"github.com/ptvtracker-eta/internal/gtfs-realtime/connection"
	"github.com/ptvtracker-eta/pkg/gtfs-realtime/models"
)

const recordTimeout = 5 * time.Second

// Config selects the scheduling mode. A non-empty HealthURL selects
// health-check mode, otherwise the refresh result drives the state.
type Config struct {
	Interval       time.Duration
	HealthURL      string
	HealthInterval time.Duration
	ProbeTimeout   time.Duration
}

// Recorder receives every refresh outcome, failed ones included.
type Recorder interface {
	RecordFetch(ctx context.Context, outcome models.FetchOutcome) error
}

// Metrics is the sink for refresh and estimator gauges.
type Metrics interface {
	connection.Observer
	SetSnapshotSize(feed models.FeedKind, n int)
	AddObservations(n int)
	SetEstimatorCells(n int)
}

type Option func(*options)

type options struct {
	logger   logger.Logger
	recorder Recorder
	metrics  Metrics
}

func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.logger = log
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{logger: logger.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type snapshot[T any] struct {
	items       []T
	refreshedAt time.Time
}

// feedService holds the scheduling and snapshot plumbing shared by both
// feeds.
type feedService[T any] struct {
	kind      models.FeedKind
	fetch     func(ctx context.Context) ([]T, error)
	onRefresh func(items []T, refreshedAt time.Time)

	opts    options
	logger  logger.Logger
	conn    *connection.Manager
	current atomic.Pointer[snapshot[T]]
}

func newFeedService[T any](kind models.FeedKind, fetch func(ctx context.Context) ([]T, error), cfg Config, o options) *feedService[T] {
	s := &feedService[T]{
		kind:   kind,
		fetch:  fetch,
		opts:   o,
		logger: o.logger.With("feed", string(kind)),
	}
	s.current.Store(&snapshot[T]{items: []T{}})

	connOpts := []connection.Option{
		connection.WithLogger(s.logger),
		connection.WithName(string(kind)),
		connection.WithHealthInterval(cfg.HealthInterval),
		connection.WithProbeTimeout(cfg.ProbeTimeout),
	}
	if o.metrics != nil {
		connOpts = append(connOpts, connection.WithObserver(o.metrics))
	}

	if cfg.HealthURL != "" {
		s.conn = connection.NewHealthCheckManager(cfg.HealthURL, s.RefreshOnce, cfg.Interval, connOpts...)
	} else {
		s.conn = connection.NewManager(s.RefreshOnce, cfg.Interval, connOpts...)
	}
	return s
}

func (s *feedService[T]) Start() { s.conn.Start() }
func (s *feedService[T]) Stop() { s.conn.Stop() }
func (s *feedService[T]) Done() <-chan struct{} { return s.conn.Done() }
func (s *feedService[T]) IsRunning() bool { return s.conn.IsRunning() }
func (s *feedService[T]) Kind() models.FeedKind { return s.kind }
func (s *feedService[T]) ConnectionState() connection.State { return s.conn.State() }

func (s *feedService[T]) AddListener(l connection.Listener) connection.ListenerID {
	return s.conn.AddListener(l)
}

func (s *feedService[T]) RemoveListener(id connection.ListenerID) bool {
	return s.conn.RemoveListener(id)
}

// LastRefresh is the start time of the last successful refresh, zero if
// there has been none.
func (s *feedService[T]) LastRefresh() time.Time {
	return s.current.Load().refreshedAt
}

func (s *feedService[T]) items() []T {
	items := s.current.Load().items
	out := make([]T, len(items))
	copy(out, items)
	return out
}

// RefreshOnce runs one fetch and, on success, replaces the snapshot as a
// whole. On failure the previous snapshot is kept and the error returned.
func (s *feedService[T]) RefreshOnce(ctx context.Context) error {
	start := time.Now()
	items, err := s.fetch(ctx)
	outcome := models.FetchOutcome{
		Feed:      s.kind,
		StartedAt: start,
		Duration:  time.Since(start),
		Entities:  len(items),
		Err:       err,
	}

	if err == nil {
		if items == nil {
			items = []T{}
		}
		s.current.Store(&snapshot[T]{items: items, refreshedAt: start})
		if s.onRefresh != nil {
			s.onRefresh(items, start)
		}
		if s.opts.metrics != nil {
			s.opts.metrics.SetSnapshotSize(s.kind, len(items))
		}
		s.logger.Debug("Snapshot replaced", "entities", len(items))
	}

	s.record(ctx, outcome)
	return err
}

func (s *feedService[T]) record(ctx context.Context, outcome models.FetchOutcome) {
	if s.opts.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	if err := s.opts.recorder.RecordFetch(ctx, outcome); err != nil {
		s.logger.Warn("Failed to record fetch outcome", "error", err)
	}
}
