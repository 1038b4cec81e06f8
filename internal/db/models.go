package db

import (
	"time"

	"github.com/google/uuid"
)

type PaymentMethod string

const (
	MethodCardpay   PaymentMethod = "cardpay"
	MethodWalletpay PaymentMethod = "walletpay"
	MethodCOD       PaymentMethod = "cod"
)

// GatewayMediated reports whether settlement requires a provider round trip
// before the order is known to be paid.
func (m PaymentMethod) GatewayMediated() bool {
	return m == MethodCardpay || m == MethodWalletpay
}

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCardpay, MethodWalletpay, MethodCOD:
		return true
	default:
		return false
	}
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCanceled   OrderStatus = "canceled"
)

// OrderItem is an immutable snapshot of a purchased product line, decoupled
// from live product state after creation.
type OrderItem struct {
	ProductID uuid.UUID `json:"product_id"`
	Name      string    `json:"name"`
	Price     int64     `json:"price"`
	Quantity  int       `json:"quantity"`
	Subtotal  int64     `json:"subtotal"`
}

// RefundRecord captures one refund issued against an order, full or partial.
type RefundRecord struct {
	RefundID         string    `json:"refund_id"`
	ProviderRefundID string    `json:"provider_refund_id"`
	Amount           int64     `json:"amount"`
	Reason           string    `json:"reason"`
	CreatedAt        time.Time `json:"created_at"`
}

// Order is the central aggregate. Rows are never deleted; terminal payment
// failures and cancellations stay on record for audit.
type Order struct {
	ID          uuid.UUID
	OrderNumber string

	// IdempotencyKey is the composite <method>:<callerKey>, unique across all
	// orders. CallerKey is stored separately so attempts under a different
	// method can be found and superseded.
	IdempotencyKey string
	CallerKey      string

	IsRegisteredUser bool
	UserID           *uuid.UUID
	CustomerName     string
	CustomerEmail    string
	CustomerPhone    string

	Items []OrderItem

	TotalPrice      int64
	DiscountAmount  int64
	ShippingCharges int64
	FinalTotal      int64
	AppliedCoupons  []string

	PaymentMethod PaymentMethod
	PaymentStatus PaymentStatus
	OrderStatus   OrderStatus

	TransactionID   string
	GatewayOrderID  string
	GatewayResponse map[string]any

	FullRefund     *RefundRecord
	PartialRefunds []RefundRecord
	TotalRefunded  int64

	FailureReason string

	CreatedAt  time.Time
	PaidAt     time.Time
	CanceledAt time.Time
}

// CompositeKey builds the idempotency key scoped per payment method: the same
// caller key under a different method is a distinct attempt.
func CompositeKey(method PaymentMethod, callerKey string) string {
	return string(method) + ":" + callerKey
}

// Product is collaborator-owned; only the fields the stock ledger and pricing
// engine consume are modeled here.
type Product struct {
	ID     uuid.UUID
	Name   string
	Price  int64
	Stock  int
	Active bool
}
