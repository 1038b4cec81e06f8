package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"

	"github.com/cartpilot/cartpilot/internal/db"
	"github.com/cartpilot/cartpilot/internal/gateway"
	"github.com/cartpilot/cartpilot/internal/logging"
	"github.com/cartpilot/cartpilot/internal/observability"
)

// RefundEngine issues full and partial refunds against paid orders. The
// provider call happens before the database transaction, never inside it;
// a local write failure after a successful provider refund is audited as an
// error for manual reconciliation.
type RefundEngine struct {
	orders   OrderStore
	adapters map[db.PaymentMethod]gateway.Adapter
	audit    *logging.AuditLogger
	logger   *slog.Logger
}

func NewRefundEngine(orders OrderStore, adapters []gateway.Adapter, audit *logging.AuditLogger, logger *slog.Logger) (*RefundEngine, error) {
	if orders == nil {
		return nil, fmt.Errorf("order store is required")
	}

	byMethod := make(map[db.PaymentMethod]gateway.Adapter, len(adapters))
	for _, adapter := range adapters {
		byMethod[adapter.Method()] = adapter
	}
	return &RefundEngine{orders: orders, adapters: byMethod, audit: audit, logger: logger}, nil
}

func (e *RefundEngine) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, e.logger)
}

// FullRefund refunds the order's remaining refundable amount at the
// provider, then flips it to Refunded/Canceled and restores stock.
func (e *RefundEngine) FullRefund(ctx context.Context, orderID uuid.UUID, reason string) (*db.Order, error) {
	span := sentry.StartSpan(
		ctx,
		"service.refund.full",
		sentry.WithOpName("service.refund"),
		sentry.WithDescription("FullRefund"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	meter.Count("refund.full.received", 1)

	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := refundable(order); err != nil {
		meter.Count("refund.rejected", 1, sentry.WithAttributes(
			attribute.String("reason", "precondition"),
		))
		return nil, err
	}

	amount := order.FinalTotal - order.TotalRefunded
	record, err := e.issueProviderRefund(ctx, order, amount, reason)
	if err != nil {
		meter.Count("refund.failed", 1, sentry.WithAttributes(
			attribute.String("reason", "provider"),
		))
		return nil, err
	}

	err = e.orders.ApplyFullRefund(ctx, order.ID, *record)
	if errors.Is(err, db.ErrInvalidStatusTransition) {
		return nil, fmt.Errorf("%w: order is no longer paid", ErrRefundIneligible)
	}
	if err != nil {
		// Provider refund went through but the local write did not.
		e.audit.Event(ctx, logging.AuditError, "refund recorded at provider but not locally",
			"order_number", order.OrderNumber, "refund_id", record.RefundID, "amount", amount)
		return nil, err
	}

	meter.Count("refund.full.processed", 1)
	e.audit.Event(ctx, logging.AuditPayment, "order fully refunded",
		"order_number", order.OrderNumber, "refund_id", record.RefundID, "amount", amount, "reason", reason)

	return e.orders.GetByID(ctx, order.ID)
}

// PartialRefund refunds part of the order total. Reaching the full total
// auto-promotes the order to Refunded/Canceled; stock is only restored on a
// full refund, never here.
func (e *RefundEngine) PartialRefund(ctx context.Context, orderID uuid.UUID, amount int64, reason string) (*db.Order, error) {
	span := sentry.StartSpan(
		ctx,
		"service.refund.partial",
		sentry.WithOpName("service.refund"),
		sentry.WithDescription("PartialRefund"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	meter.Count("refund.partial.received", 1)

	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := refundable(order); err != nil {
		meter.Count("refund.rejected", 1, sentry.WithAttributes(
			attribute.String("reason", "precondition"),
		))
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: refund amount must be positive", ErrRefundIneligible)
	}
	// Pre-check before the provider call; the store re-checks under a row
	// lock, but a refund issued at the provider and rejected locally is the
	// worst outcome.
	if order.TotalRefunded+amount > order.FinalTotal {
		meter.Count("refund.rejected", 1, sentry.WithAttributes(
			attribute.String("reason", "exceeds_total"),
		))
		return nil, fmt.Errorf("%w: %d refunded + %d requested > %d total",
			db.ErrRefundExceedsTotal, order.TotalRefunded, amount, order.FinalTotal)
	}

	record, err := e.issueProviderRefund(ctx, order, amount, reason)
	if err != nil {
		meter.Count("refund.failed", 1, sentry.WithAttributes(
			attribute.String("reason", "provider"),
		))
		return nil, err
	}

	promoted, err := e.orders.ApplyPartialRefund(ctx, order.ID, *record)
	if errors.Is(err, db.ErrInvalidStatusTransition) {
		return nil, fmt.Errorf("%w: order is no longer paid", ErrRefundIneligible)
	}
	if err != nil {
		if !errors.Is(err, db.ErrRefundExceedsTotal) {
			e.audit.Event(ctx, logging.AuditError, "refund recorded at provider but not locally",
				"order_number", order.OrderNumber, "refund_id", record.RefundID, "amount", amount)
		}
		return nil, err
	}

	meter.Count("refund.partial.processed", 1, sentry.WithAttributes(
		attribute.Bool("promoted", promoted),
	))
	e.audit.Event(ctx, logging.AuditPayment, "order partially refunded",
		"order_number", order.OrderNumber, "refund_id", record.RefundID,
		"amount", amount, "promoted_to_full", promoted, "reason", reason)

	return e.orders.GetByID(ctx, order.ID)
}

// issueProviderRefund calls the gateway for gateway-mediated orders;
// deferred-settlement refunds are record-only.
func (e *RefundEngine) issueProviderRefund(ctx context.Context, order *db.Order, amount int64, reason string) (*db.RefundRecord, error) {
	record := &db.RefundRecord{
		RefundID:  uuid.NewString(),
		Amount:    amount,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}

	if !order.PaymentMethod.GatewayMediated() {
		return record, nil
	}

	transactionID := order.TransactionID
	if transactionID == "" {
		transactionID = order.GatewayOrderID
	}
	if transactionID == "" {
		return nil, fmt.Errorf("%w: order has no provider transaction", ErrRefundIneligible)
	}
	adapter, ok := e.adapters[order.PaymentMethod]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for %s", ErrUnsupportedPaymentMethod, order.PaymentMethod)
	}

	result, err := adapter.Refund(ctx, gateway.RefundRequest{
		ProviderTransactionID: transactionID,
		Amount:                amount,
		RefundID:              record.RefundID,
		Metadata:              map[string]string{"order_number": order.OrderNumber},
	})
	if err != nil {
		e.loggerFromContext(ctx).Error("provider refund failed",
			"error", err, "order_number", order.OrderNumber, "amount", amount)
		return nil, err
	}
	record.ProviderRefundID = result.ProviderRefundID
	return record, nil
}

func refundable(order *db.Order) error {
	switch order.PaymentStatus {
	case db.PaymentPaid:
		return nil
	case db.PaymentRefunded:
		return fmt.Errorf("%w: already refunded", ErrRefundIneligible)
	default:
		return fmt.Errorf("%w: payment status is %s", ErrRefundIneligible, order.PaymentStatus)
	}
}
