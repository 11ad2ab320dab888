package idempotency

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// DefaultRetention is how long processed-event records are kept. It must
// comfortably exceed the provider's webhook retry window (Stripe retries for
// up to 3 days) so a late redelivery is still recognized as a duplicate.
const DefaultRetention = 30 * 24 * time.Hour

// DefaultCleanupInterval is how often the cleanup job runs.
const DefaultCleanupInterval = 1 * time.Hour

// CleanupService periodically deletes old processed-event records to prevent
// unbounded growth of the processed_events table.
type CleanupService struct {
	db        *sql.DB
	logger    *slog.Logger
	retention time.Duration
	interval  time.Duration
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// CleanupConfig contains configuration for the cleanup service.
type CleanupConfig struct {
	// Retention is how long to keep processed-event records.
	Retention time.Duration

	// Interval is how often to run the cleanup job.
	Interval time.Duration
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(database *sql.DB, logger *slog.Logger, config CleanupConfig) *CleanupService {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Retention == 0 {
		config.Retention = DefaultRetention
	}
	if config.Interval == 0 {
		config.Interval = DefaultCleanupInterval
	}

	return &CleanupService{
		db:        database,
		logger:    logger,
		retention: config.Retention,
		interval:  config.Interval,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (s *CleanupService) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop gracefully stops the cleanup service.
func (s *CleanupService) Stop() {
	close(s.stopChan)
	<-s.doneChan
}

func (s *CleanupService) run(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.cleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("processed-event cleanup stopping", slog.String("reason", "context canceled"))
			return
		case <-s.stopChan:
			s.logger.Info("processed-event cleanup stopping")
			return
		case <-ticker.C:
			s.cleanup(ctx)
		}
	}
}

func (s *CleanupService) cleanup(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	deleted, err := DeleteOlderThanTx(ctx, s.db, cutoff)
	if err != nil {
		s.logger.Error("failed to clean up processed events", slog.String("error", err.Error()))
		return
	}

	if deleted > 0 {
		s.logger.Info("cleaned up processed events",
			slog.Int64("deleted", deleted),
			slog.Duration("retention", s.retention))
	}
}
