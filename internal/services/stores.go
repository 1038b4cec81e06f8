package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cartpilot/cartpilot/internal/db"
)

// OrderStore is the slice of order persistence the services consume,
// satisfied by *db.OrderStore and by fakes in tests.
type OrderStore interface {
	NextOrderNumber(ctx context.Context) (string, error)
	CreatePendingWithStock(ctx context.Context, order *db.Order) error
	InsertPaidWithStock(ctx context.Context, order *db.Order) error
	InsertFailed(ctx context.Context, order *db.Order) error

	GetByID(ctx context.Context, id uuid.UUID) (*db.Order, error)
	GetByOrderNumber(ctx context.Context, orderNumber string) (*db.Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*db.Order, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*db.Order, error)
	FindSupersedableAttempts(ctx context.Context, callerKey string, exclude db.PaymentMethod) ([]*db.Order, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*db.Order, error)

	MarkPaid(ctx context.Context, orderID uuid.UUID, transactionID string, gatewayResponse map[string]any) error
	MarkFailed(ctx context.Context, orderID uuid.UUID, reason string, gatewayResponse map[string]any) error
	CancelPendingAndRestock(ctx context.Context, orderID uuid.UUID, reason string) error

	ApplyFullRefund(ctx context.Context, orderID uuid.UUID, record db.RefundRecord) error
	ApplyPartialRefund(ctx context.Context, orderID uuid.UUID, record db.RefundRecord) (bool, error)
	UpdateFulfillment(ctx context.Context, orderID uuid.UUID, from, to db.OrderStatus) error
}

// ProductStore is the stock-ledger view the reconciliation engine needs.
type ProductStore interface {
	GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*db.Product, error)
	CheckAvailability(ctx context.Context, items []db.OrderItem) error
}
