package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/cartpilot/cartpilot/internal/db"
	"github.com/cartpilot/cartpilot/internal/logging"
	"github.com/cartpilot/cartpilot/internal/observability"
)

const sweepBatchSize = 100

// Sweeper cancels orders stuck pending payment past the configured timeout
// and restores their stock. One order's failure never aborts the rest of a
// sweep, and interval/timeout can be reconfigured without a restart.
type Sweeper struct {
	orders OrderStore
	audit  *logging.AuditLogger
	logger *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	timeout  time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSweeper(orders OrderStore, audit *logging.AuditLogger, logger *slog.Logger, interval, timeout time.Duration) (*Sweeper, error) {
	if orders == nil {
		return nil, fmt.Errorf("order store is required")
	}
	if interval <= 0 || timeout <= 0 {
		return nil, fmt.Errorf("sweep interval and pending timeout must be positive")
	}
	return &Sweeper{
		orders:   orders,
		audit:    audit,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}, nil
}

// Start launches the background loop. Idempotent while running.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
	s.logger.Info("sweeper started", "interval", s.interval, "pending_timeout", s.timeout)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Reconfigure updates interval and timeout; the new interval takes effect
// on the next cycle.
func (s *Sweeper) Reconfigure(interval, timeout time.Duration) error {
	if interval <= 0 || timeout <= 0 {
		return fmt.Errorf("sweep interval and pending timeout must be positive")
	}
	s.mu.Lock()
	s.interval = interval
	s.timeout = timeout
	s.mu.Unlock()
	s.logger.Info("sweeper reconfigured", "interval", interval, "pending_timeout", timeout)
	return nil
}

func (s *Sweeper) Config() (interval, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval, s.timeout
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		interval, _ := s.Config()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			if _, err := s.RunNow(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// RunNow sweeps once and returns how many orders were canceled.
func (s *Sweeper) RunNow(ctx context.Context) (int, error) {
	span := sentry.StartSpan(
		ctx,
		"service.sweeper.run",
		sentry.WithOpName("service.sweeper"),
		sentry.WithDescription("RunNow"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)

	_, timeout := s.Config()
	cutoff := time.Now().UTC().Add(-timeout)

	stale, err := s.orders.ListStalePending(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale pending orders: %w", err)
	}

	canceled := 0
	for _, order := range stale {
		err := s.orders.CancelPendingAndRestock(ctx, order.ID, "auto-canceled: payment not completed in time")
		switch {
		case err == nil:
			canceled++
			s.audit.Event(ctx, logging.AuditPayment, "stale order auto-canceled",
				"order_number", order.OrderNumber, "payment_method", string(order.PaymentMethod),
				"age", time.Since(order.CreatedAt).String())
		case errors.Is(err, db.ErrInvalidStatusTransition):
			// A confirmation path finalized it between the scan and the
			// cancel. Its stock stays deducted; nothing to do.
			s.audit.Event(ctx, logging.AuditInfo, "stale order finalized before sweep",
				"order_number", order.OrderNumber)
		default:
			s.audit.Event(ctx, logging.AuditError, "failed to auto-cancel stale order",
				"order_number", order.OrderNumber, "error", err.Error())
		}
	}

	meter.Count("sweeper.orders.canceled", int64(canceled))
	if len(stale) > 0 {
		s.logger.Info("sweep completed", "scanned", len(stale), "canceled", canceled)
	}
	return canceled, nil
}
