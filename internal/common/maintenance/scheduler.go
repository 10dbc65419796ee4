package maintenance

import (
	"context"
	"time"

	"github.com/ptvtracker-eta/internal/common/logger"
	"github.com/ptvtracker-eta/internal/gtfs-realtime/connection"
)

// PruneMetrics counts removed rows.
type PruneMetrics interface {
	AddPruned(n int64)
}

// CleanupScheduler runs retention passes on a fetch-only connection manager,
// so a database outage shows up as an OFFLINE archive.
type CleanupScheduler struct {
	maintenance *Maintenance
	logger      logger.Logger
	config      SchedulerConfig
	metrics     PruneMetrics
	conn        *connection.Manager
}

// SchedulerConfig contains configuration for the cleanup scheduler
type SchedulerConfig struct {
	CleanupInterval time.Duration // How often to prune the fetch log
	Retention       time.Duration // How long fetch records are kept
}

// DefaultSchedulerConfig returns sensible defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CleanupInterval: time.Hour,
		Retention:       24 * time.Hour,
	}
}

// NewCleanupScheduler creates a new cleanup scheduler
func NewCleanupScheduler(store Store, log logger.Logger, config SchedulerConfig, metrics PruneMetrics) *CleanupScheduler {
	if log == nil {
		log = logger.Nop()
	}
	defaults := DefaultSchedulerConfig()
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}

	s := &CleanupScheduler{
		maintenance: New(store, log),
		logger:      log,
		config:      config,
		metrics:     metrics,
	}
	s.conn = connection.NewManager(s.TriggerCleanup, config.CleanupInterval,
		connection.WithLogger(log),
		connection.WithName("archive_cleanup"))
	return s
}

// Start begins the cleanup scheduling. The first pass runs immediately.
func (s *CleanupScheduler) Start() {
	s.logger.Info("Starting cleanup scheduler",
		"interval", s.config.CleanupInterval,
		"retention", s.config.Retention)
	s.conn.Start()
}

func (s *CleanupScheduler) Stop() { s.conn.Stop() }
func (s *CleanupScheduler) Done() <-chan struct{} { return s.conn.Done() }
func (s *CleanupScheduler) IsRunning() bool { return s.conn.IsRunning() }
func (s *CleanupScheduler) State() connection.State { return s.conn.State() }

// TriggerCleanup runs one retention pass. The scheduler uses it as its task;
// it can also be called directly.
func (s *CleanupScheduler) TriggerCleanup(ctx context.Context) error {
	result, err := s.maintenance.CleanupOldFetches(ctx, s.config.Retention)
	if err != nil {
		s.logger.Error("Fetch log cleanup failed", "error", err)
		return err
	}
	if s.metrics != nil {
		s.metrics.AddPruned(result.RecordsDeleted)
	}
	return nil
}

// GetStatus returns the current status of the cleanup scheduler
func (s *CleanupScheduler) GetStatus() map[string]interface{} {
	return map[string]interface{}{
		"is_running": s.conn.IsRunning(),
		"state":      s.conn.State().String(),
		"interval":   s.config.CleanupInterval.String(),
		"retention":  s.config.Retention.String(),
	}
}
