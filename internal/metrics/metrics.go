package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ptvtracker-eta/internal/common/logger"
	"github.com/ptvtracker-eta/internal/gtfs-realtime/connection"
	"github.com/ptvtracker-eta/pkg/gtfs-realtime/models"
)

type Collector struct {
	reg *prometheus.Registry

	FeedOnline    *prometheus.GaugeVec   // feed label
	Cycles        *prometheus.CounterVec // feed, result (success|failure)
	Transitions   *prometheus.CounterVec // feed, state
	CycleDuration *prometheus.HistogramVec

	SnapshotSize   *prometheus.GaugeVec
	Observations   prometheus.Counter
	EstimatorCells prometheus.Gauge

	ArchivePruned prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		FeedOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eta_feed_online",
			Help: "1 if the feed is ONLINE, 0 if OFFLINE.",
		}, []string{"feed"}),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eta_refresh_cycles_total",
			Help: "Refresh cycles by outcome.",
		}, []string{"feed", "result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eta_state_transitions_total",
			Help: "Reachability transitions by target state.",
		}, []string{"feed", "state"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eta_refresh_duration_seconds",
			Help:    "Duration of a refresh cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"feed"}),
		SnapshotSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eta_snapshot_entities",
			Help: "Entities in the latest snapshot.",
		}, []string{"feed"}),
		Observations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eta_delay_observations_total",
			Help: "Delay observations fed to the estimator.",
		}),
		EstimatorCells: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eta_estimator_cells",
			Help: "Cells held by the delay estimator, expired ones included.",
		}),
		ArchivePruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eta_archive_pruned_rows_total",
			Help: "Fetch log rows removed by retention pruning.",
		}),
	}

	reg.MustRegister(
		c.FeedOnline, c.Cycles, c.Transitions, c.CycleDuration,
		c.SnapshotSize, c.Observations, c.EstimatorCells,
		c.ArchivePruned,
	)

	return c
}

func (c *Collector) CycleCompleted(name string, err error, d time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.Cycles.WithLabelValues(name, result).Inc()
	c.CycleDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (c *Collector) StateChanged(name string, state connection.State) {
	online := 0.0
	if state == connection.Online {
		online = 1
	}
	c.FeedOnline.WithLabelValues(name).Set(online)
	c.Transitions.WithLabelValues(name, state.String()).Inc()
}

func (c *Collector) SetSnapshotSize(feed models.FeedKind, n int) {
	c.SnapshotSize.WithLabelValues(string(feed)).Set(float64(n))
}

func (c *Collector) AddObservations(n int) {
	if n > 0 {
		c.Observations.Add(float64(n))
	}
}

func (c *Collector) SetEstimatorCells(n int) { c.EstimatorCells.Set(float64(n)) }

func (c *Collector) AddPruned(n int64) {
	if n > 0 {
		c.ArchivePruned.Add(float64(n))
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, log logger.Logger) *http.Server {
	if log == nil {
		log = logger.Nop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server error", "error", err)
		}
	}()
	log.Info("Metrics listening", "addr", addr)
	return srv
}
