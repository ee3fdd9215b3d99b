package cache

import (
	"context"
	"log/slog"
	"time"
)

// Manager runs the cache maintenance loop: a periodic sweep that returns
// expired and deleted segments to the free pools.
type Manager struct {
	cache    *Cache
	interval time.Duration
	log      *slog.Logger
}

// NewManager creates a maintenance manager sweeping at the cache's
// configured interval.
func NewManager(c *Cache, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cache:    c,
		interval: c.cfg.MaintenanceInterval,
		log:      logger.With("component", "cache-maintenance"),
	}
}

// Run executes the maintenance loop until ctx is cancelled. It satisfies
// the worker supervisor's run contract; a clean ctx cancellation returns
// nil.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("maintenance loop started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("maintenance loop stopped")
			return nil
		case <-ticker.C:
			if freed := m.cache.Sweep(); freed > 0 {
				m.log.Debug("sweep reclaimed segments", "freed", freed)
			}
		}
	}
}
