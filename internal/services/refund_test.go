package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/cartpilot/cartpilot/internal/db"
	"github.com/cartpilot/cartpilot/internal/gateway"
	"github.com/cartpilot/cartpilot/internal/logging"
)

type refundEnv struct {
	orders   *fakeOrderStore
	products *fakeProductStore
	cardpay  *fakeAdapter
	engine   *RefundEngine

	productID uuid.UUID
}

func newRefundEnv(t *testing.T) *refundEnv {
	t.Helper()

	productID := uuid.New()
	products := newFakeProductStore(&db.Product{ID: productID, Name: "Widget", Price: 1299, Stock: 10, Active: true})
	orders := newFakeOrderStore(products)
	cardpay := &fakeAdapter{method: db.MethodCardpay}

	engine, err := NewRefundEngine(orders, []gateway.Adapter{cardpay},
		logging.NewAuditLogger(nil), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewRefundEngine: %v", err)
	}

	return &refundEnv{orders: orders, products: products, cardpay: cardpay, engine: engine, productID: productID}
}

func (e *refundEnv) paidOrder(t *testing.T, method db.PaymentMethod, transactionID string) *db.Order {
	t.Helper()

	order := &db.Order{
		OrderNumber:    "ORD-20260829-000100",
		IdempotencyKey: db.CompositeKey(method, uuid.NewString()),
		CallerKey:      "refund-test",
		Items:          []db.OrderItem{{ProductID: e.productID, Name: "Widget", Price: 1299, Quantity: 1, Subtotal: 1299}},
		TotalPrice:     1299,
		DiscountAmount: 100,
		ShippingCharges: 50,
		FinalTotal:     1249,
		PaymentMethod:  method,
		TransactionID:  transactionID,
	}
	if err := e.orders.InsertPaidWithStock(context.Background(), order); err != nil {
		t.Fatalf("InsertPaidWithStock: %v", err)
	}
	return order
}

func TestRefundEngine_FullRefund(t *testing.T) {
	t.Parallel()
	env := newRefundEnv(t)
	ctx := context.Background()

	order := env.paidOrder(t, db.MethodCardpay, "pay_100")
	if got := env.products.stock(env.productID); got != 9 {
		t.Fatalf("stock = %d, want 9", got)
	}

	refunded, err := env.engine.FullRefund(ctx, order.ID, "customer request")
	if err != nil {
		t.Fatalf("FullRefund: %v", err)
	}
	if refunded.PaymentStatus != db.PaymentRefunded || refunded.OrderStatus != db.OrderCanceled {
		t.Errorf("order = %s/%s, want refunded/canceled", refunded.PaymentStatus, refunded.OrderStatus)
	}
	if refunded.TotalRefunded != 1249 || refunded.FullRefund == nil {
		t.Errorf("refund fields = total %d, record %+v", refunded.TotalRefunded, refunded.FullRefund)
	}
	if got := env.products.stock(env.productID); got != 10 {
		t.Errorf("stock = %d, want 10 (restored)", got)
	}
	if env.cardpay.refundCalls() != 1 {
		t.Fatalf("provider refund calls = %d, want 1", env.cardpay.refundCalls())
	}
	if req := env.cardpay.refundReqs[0]; req.Amount != 1249 || req.ProviderTransactionID != "pay_100" {
		t.Errorf("provider refund request = %+v", req)
	}

	// A second full refund is ineligible.
	if _, err := env.engine.FullRefund(ctx, order.ID, "again"); !errors.Is(err, ErrRefundIneligible) {
		t.Fatalf("expected ErrRefundIneligible, got %v", err)
	}
}

func TestRefundEngine_FullRefund_AfterPartials(t *testing.T) {
	t.Parallel()
	env := newRefundEnv(t)
	ctx := context.Background()

	order := env.paidOrder(t, db.MethodCardpay, "pay_101")
	if _, err := env.engine.PartialRefund(ctx, order.ID, 500, "damaged item"); err != nil {
		t.Fatalf("PartialRefund: %v", err)
	}

	refunded, err := env.engine.FullRefund(ctx, order.ID, "cancel the rest")
	if err != nil {
		t.Fatalf("FullRefund: %v", err)
	}
	if refunded.TotalRefunded != 1249 {
		t.Errorf("total refunded = %d, want 1249", refunded.TotalRefunded)
	}
	// The provider is asked only for the remainder.
	if req := env.cardpay.refundReqs[len(env.cardpay.refundReqs)-1]; req.Amount != 749 {
		t.Errorf("provider refund amount = %d, want 749", req.Amount)
	}
}

func TestRefundEngine_PartialRefund(t *testing.T) {
	t.Parallel()
	env := newRefundEnv(t)
	ctx := context.Background()

	order := env.paidOrder(t, db.MethodCardpay, "pay_102")

	first, err := env.engine.PartialRefund(ctx, order.ID, 500, "one item returned")
	if err != nil {
		t.Fatalf("first PartialRefund: %v", err)
	}
	if first.PaymentStatus != db.PaymentPaid || first.TotalRefunded != 500 {
		t.Errorf("after first partial: %s, refunded %d", first.PaymentStatus, first.TotalRefunded)
	}
	if got := env.products.stock(env.productID); got != 9 {
		t.Errorf("stock = %d, want 9 (partials never restock)", got)
	}

	// Reaching the full total promotes to a full refund.
	second, err := env.engine.PartialRefund(ctx, order.ID, 749, "remainder")
	if err != nil {
		t.Fatalf("second PartialRefund: %v", err)
	}
	if second.PaymentStatus != db.PaymentRefunded || second.OrderStatus != db.OrderCanceled {
		t.Errorf("after promotion: %s/%s", second.PaymentStatus, second.OrderStatus)
	}
	if len(second.PartialRefunds) != 2 || second.TotalRefunded != 1249 {
		t.Errorf("refund history = %+v, total %d", second.PartialRefunds, second.TotalRefunded)
	}

	// Nothing left to refund.
	if _, err := env.engine.PartialRefund(ctx, order.ID, 1, "extra"); !errors.Is(err, ErrRefundIneligible) {
		t.Fatalf("expected ErrRefundIneligible, got %v", err)
	}
}

func TestRefundEngine_PartialRefund_Rejections(t *testing.T) {
	t.Parallel()
	env := newRefundEnv(t)
	ctx := context.Background()

	order := env.paidOrder(t, db.MethodCardpay, "pay_103")

	t.Run("exceeds total before any provider call", func(t *testing.T) {
		_, err := env.engine.PartialRefund(ctx, order.ID, 1250, "too much")
		if !errors.Is(err, db.ErrRefundExceedsTotal) {
			t.Fatalf("expected ErrRefundExceedsTotal, got %v", err)
		}
		if env.cardpay.refundCalls() != 0 {
			t.Errorf("provider refund calls = %d, want 0", env.cardpay.refundCalls())
		}
	})

	t.Run("non-positive amount", func(t *testing.T) {
		if _, err := env.engine.PartialRefund(ctx, order.ID, 0, "zero"); !errors.Is(err, ErrRefundIneligible) {
			t.Fatalf("expected ErrRefundIneligible, got %v", err)
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		if _, err := env.engine.PartialRefund(ctx, uuid.New(), 100, "missing"); !errors.Is(err, db.ErrOrderNotFound) {
			t.Fatalf("expected ErrOrderNotFound, got %v", err)
		}
	})
}

func TestRefundEngine_UnpaidOrderIsIneligible(t *testing.T) {
	t.Parallel()
	env := newRefundEnv(t)
	ctx := context.Background()

	pending := &db.Order{
		OrderNumber:    "ORD-20260829-000110",
		IdempotencyKey: db.CompositeKey(db.MethodCOD, "pending-refund"),
		CallerKey:      "pending-refund",
		Items:          []db.OrderItem{{ProductID: env.productID, Quantity: 1, Subtotal: 1299}},
		FinalTotal:     1349,
		PaymentMethod:  db.MethodCOD,
	}
	if err := env.orders.CreatePendingWithStock(ctx, pending); err != nil {
		t.Fatalf("CreatePendingWithStock: %v", err)
	}

	if _, err := env.engine.FullRefund(ctx, pending.ID, "not paid yet"); !errors.Is(err, ErrRefundIneligible) {
		t.Fatalf("expected ErrRefundIneligible, got %v", err)
	}
}

func TestRefundEngine_CODRefundIsRecordOnly(t *testing.T) {
	t.Parallel()
	env := newRefundEnv(t)
	ctx := context.Background()

	order := env.paidOrder(t, db.MethodCOD, "")

	refunded, err := env.engine.FullRefund(ctx, order.ID, "returned at doorstep")
	if err != nil {
		t.Fatalf("FullRefund: %v", err)
	}
	if refunded.PaymentStatus != db.PaymentRefunded {
		t.Errorf("payment status = %s, want refunded", refunded.PaymentStatus)
	}
	if env.cardpay.refundCalls() != 0 {
		t.Errorf("provider refund calls = %d, want 0 for cod", env.cardpay.refundCalls())
	}
}

func TestRefundEngine_GatewayOrderWithoutTransaction(t *testing.T) {
	t.Parallel()
	env := newRefundEnv(t)
	ctx := context.Background()

	order := env.paidOrder(t, db.MethodCardpay, "")

	_, err := env.engine.FullRefund(ctx, order.ID, "no transaction on record")
	if !errors.Is(err, ErrRefundIneligible) {
		t.Fatalf("expected ErrRefundIneligible, got %v", err)
	}
}
