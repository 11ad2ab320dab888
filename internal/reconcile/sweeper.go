// Package reconcile provides the sweeper that repairs payments stuck in
// non-settled states by polling the provider's source of truth.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/creditledger/internal/credit"
	"github.com/onnwee/creditledger/internal/jobs"
	"github.com/onnwee/creditledger/internal/payment"
	"github.com/onnwee/creditledger/internal/provider"
)

// Defaults for sweeper configuration.
const (
	DefaultInterval        = 5 * time.Minute
	DefaultGrace           = 15 * time.Minute
	DefaultBatchSize       = 100
	DefaultProviderTimeout = 10 * time.Second
)

// Stats summarizes one sweep.
type Stats struct {
	Scanned  int `json:"scanned"`
	Repaired int `json:"repaired"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Config contains sweeper configuration.
type Config struct {
	// Interval is how often a sweep runs.
	Interval time.Duration

	// Grace is how old a non-settled payment must be before it is
	// considered stuck. It must exceed the normal webhook delivery delay
	// or the sweeper races deliveries that are merely in flight.
	Grace time.Duration

	// BatchSize caps how many payments one sweep examines.
	BatchSize int

	// ProviderTimeout bounds each status fetch.
	ProviderTimeout time.Duration
}

// Sweeper periodically walks stuck payments, asks the provider what really
// happened, and feeds the answer through the same event path webhooks use.
type Sweeper struct {
	svc      credit.Service
	provider provider.Provider
	logger   *slog.Logger
	metrics  jobs.Reporter
	cfg      Config
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewSweeper creates a sweeper. metrics may be nil.
func NewSweeper(svc credit.Service, prov provider.Provider, logger *slog.Logger, metrics jobs.Reporter, cfg Config) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Grace == 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ProviderTimeout == 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}

	return &Sweeper{
		svc:      svc,
		provider: prov,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop gracefully stops the sweeper, waiting for an in-flight sweep.
func (s *Sweeper) Stop() {
	close(s.stopChan)
	<-s.doneChan
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation sweeper stopping", slog.String("reason", "context canceled"))
			return
		case <-s.stopChan:
			s.logger.Info("reconciliation sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	start := time.Now()
	stats, err := s.Sweep(ctx, s.cfg.BatchSize)

	if s.metrics != nil {
		s.metrics.ObserveJobDuration(jobs.JobTypeReconcileSweep, time.Since(start).Seconds())
		if err != nil {
			s.metrics.IncJobsTotal(jobs.JobTypeReconcileSweep, jobs.StatusFailure)
		} else {
			s.metrics.IncJobsTotal(jobs.JobTypeReconcileSweep, jobs.StatusSuccess)
		}
	}

	if err != nil {
		s.logger.Error("reconciliation sweep failed", slog.String("error", err.Error()))
		return
	}
	if stats.Scanned > 0 {
		s.logger.Info("reconciliation sweep complete",
			slog.Int("scanned", stats.Scanned),
			slog.Int("repaired", stats.Repaired),
			slog.Int("skipped", stats.Skipped),
			slog.Int("failed", stats.Failed),
			slog.Duration("took", time.Since(start)))
	}
}

// Sweep examines up to limit stuck payments once and returns what happened.
// Each payment is fetched from the provider before any local lock is taken,
// so a slow provider call never holds a database lock. A failure on one
// payment never aborts the rest of the batch.
func (s *Sweeper) Sweep(ctx context.Context, limit int) (Stats, error) {
	var stats Stats

	cutoff := time.Now().Add(-s.cfg.Grace)
	stale, err := s.svc.StalePayments(ctx, cutoff, limit)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(stale)

	for _, pay := range stale {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-s.stopChan:
			return stats, nil
		default:
		}

		repaired, err := s.sweepPayment(ctx, pay)
		switch {
		case err != nil:
			stats.Failed++
			if s.metrics != nil {
				s.metrics.IncJobErrors(jobs.JobTypeReconcileSweep, errorType(err))
			}
			s.logger.Warn("failed to reconcile payment",
				slog.String("payment_id", pay.ID),
				slog.String("error", err.Error()))
		case repaired:
			stats.Repaired++
		default:
			stats.Skipped++
		}
	}

	return stats, nil
}

// sweepPayment fetches the provider's view of one payment and, when it
// implies a change, replays it through the normal event path. The
// idempotency guard and the state machine make a repair indistinguishable
// from a late webhook.
func (s *Sweeper) sweepPayment(ctx context.Context, pay *payment.Payment) (bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	event, err := s.provider.FetchStatus(fetchCtx, pay)
	cancel()
	if err != nil {
		return false, err
	}
	if event == nil {
		// Still pending on the provider's side.
		return false, nil
	}

	outcome, err := s.svc.ProcessEvent(ctx, event)
	if err != nil {
		return false, err
	}
	if outcome.Duplicate || outcome.Ignored {
		return false, nil
	}
	// Claimed but still unsettled: the observation could not credit (no
	// account or price yet). Not a repair.
	if outcome.Status != payment.StatusCredited && !outcome.Status.Terminal() {
		return false, nil
	}

	s.logger.Info("repaired stuck payment",
		slog.String("payment_id", pay.ID),
		slog.String("status", string(outcome.Status)),
		slog.Int64("credited", outcome.CreditedDelta))
	return true, nil
}

func errorType(err error) string {
	if errors.Is(err, provider.ErrUnavailable) {
		return "provider_unavailable"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "internal"
}
