package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/ptvtracker-eta/internal/common/logger"
)

// Store is the retention surface of the fetch audit log.
type Store interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Vacuum(ctx context.Context) error
}

// CleanupResult describes one retention pass
type CleanupResult struct {
	Cutoff         time.Time
	RecordsDeleted int64
	Duration       time.Duration
	Vacuumed       bool
}

// Maintenance handles retention of the fetch audit log
type Maintenance struct {
	store  Store
	logger logger.Logger
	now    func() time.Time
}

// New creates a new Maintenance instance
func New(store Store, log logger.Logger) *Maintenance {
	if log == nil {
		log = logger.Nop()
	}
	return &Maintenance{
		store:  store,
		logger: log,
		now:    time.Now,
	}
}

// CleanupOldFetches removes audit rows older than retention and vacuums the
// table when anything was removed. A failed vacuum is logged, not returned.
func (m *Maintenance) CleanupOldFetches(ctx context.Context, retention time.Duration) (CleanupResult, error) {
	if retention <= 0 {
		return CleanupResult{}, fmt.Errorf("retention must be positive, got %s", retention)
	}

	start := m.now()
	result := CleanupResult{Cutoff: start.Add(-retention)}

	m.logger.Info("Starting cleanup of old fetch records", "retention", retention, "cutoff", result.Cutoff)

	deleted, err := m.store.Prune(ctx, result.Cutoff)
	if err != nil {
		return result, fmt.Errorf("cleaning fetch log: %w", err)
	}
	result.RecordsDeleted = deleted

	if deleted > 0 {
		if err := m.store.Vacuum(ctx); err != nil {
			m.logger.Warn("Failed to vacuum fetch log after cleanup", "error", err)
		} else {
			result.Vacuumed = true
		}
	}

	result.Duration = m.now().Sub(start)
	m.logger.Info("Fetch log cleanup completed",
		"records_deleted", result.RecordsDeleted,
		"vacuumed", result.Vacuumed,
		"duration", result.Duration)

	return result, nil
}
