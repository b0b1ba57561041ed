// Package clearing runs the background sweep that moves time forward:
// overdue sessions auto-confirm, cleared payouts release, stale approvals
// expire. Every pass is idempotent, so overlapping or restarted sweeps are
// harmless.
package clearing

import (
	"context"
	"log/slog"
	"time"

	"github.com/creatorpay/creatorpay/internal/metrics"
)

// Batch size per sweep pass. Anything left over is picked up next tick.
const sweepBatch = 500

// SessionConfirmer auto-confirms sessions whose confirmation window elapsed.
type SessionConfirmer interface {
	AutoConfirmDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// PayoutReleaser releases held entries whose clearing window elapsed.
type PayoutReleaser interface {
	ReleaseDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// ApprovalExpirer expires pending approvals past their deadline.
type ApprovalExpirer interface {
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// Sweeper ticks on a fixed interval and runs the three clearing passes.
// Deadlines are honored within one tick interval at most.
type Sweeper struct {
	sessions  SessionConfirmer
	payouts   PayoutReleaser
	approvals ApprovalExpirer
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	done      chan struct{}
}

// NewSweeper creates a sweeper over the three clearing concerns.
func NewSweeper(sessions SessionConfirmer, payouts PayoutReleaser, approvals ApprovalExpirer, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		sessions:  sessions,
		payouts:   payouts,
		approvals: approvals,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is canceled.
// Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("clearing sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop terminates the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// safeSweep runs one pass, recovering from panics so a bad item cannot kill
// the loop.
func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panicked", "panic", r)
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one clearing pass. Exported for tests and manual triggering.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()
	now := start.UTC()

	confirmed, err := s.sessions.AutoConfirmDue(ctx, now, sweepBatch)
	if err != nil {
		s.logger.Error("session auto-confirm pass failed", "error", err)
	}
	released, err := s.payouts.ReleaseDue(ctx, now, sweepBatch)
	if err != nil {
		s.logger.Error("payout release pass failed", "error", err)
	}
	expired, err := s.approvals.ExpireDue(ctx, now, sweepBatch)
	if err != nil {
		s.logger.Error("approval expiry pass failed", "error", err)
	}

	elapsed := time.Since(start)
	metrics.SweepDuration.Observe(elapsed.Seconds())
	if confirmed > 0 || released > 0 || expired > 0 {
		s.logger.Info("clearing sweep",
			"confirmed", confirmed,
			"released", released,
			"expired", expired,
			"elapsed", elapsed,
		)
	}
}
