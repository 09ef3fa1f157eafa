package worker

import (
	"context"
	"time"

	"checkout-service/internal/util"

	"go.uber.org/zap"
)

const (
	defaultSweepInterval = 5 * time.Minute
	reconcileMinAge      = time.Minute
	sweepBatchSize       = 100
)

// PaymentReconciler is satisfied by service.PaymentService.
type PaymentReconciler interface {
	ReconcilePending(ctx context.Context, minAge time.Duration, limit int) (int, error)
	ExpireStale(ctx context.Context, limit int) (int, error)
}

// PaymentSweeper settles PENDING payments the gateway never sent an IPN for
// and expires those past their expiry.
type PaymentSweeper struct {
	payments PaymentReconciler
	interval time.Duration
	logger   *zap.Logger
}

// NewPaymentSweeper creates a new payment sweeper
func NewPaymentSweeper(payments PaymentReconciler, interval time.Duration) *PaymentSweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &PaymentSweeper{payments: payments, interval: interval, logger: util.GetLogger()}
}

// Start runs a sweep every interval until ctx is cancelled
func (s *PaymentSweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting payment sweeper", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Payment sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass followed by one expiry pass.
func (s *PaymentSweeper) Sweep(ctx context.Context) {
	ctx, span := util.StartSpan(ctx, "PaymentSweeper.Sweep")
	defer span.End()

	settled, err := s.payments.ReconcilePending(ctx, reconcileMinAge, sweepBatchSize)
	if err != nil {
		s.logger.Warn("Pending payment reconciliation had errors", zap.Error(err))
	}
	expired, err := s.payments.ExpireStale(ctx, sweepBatchSize)
	if err != nil {
		s.logger.Warn("Payment expiry had errors", zap.Error(err))
	}
	if settled > 0 || expired > 0 {
		s.logger.Info("Payment sweep finished", zap.Int("settled", settled), zap.Int("expired", expired))
	}
}
