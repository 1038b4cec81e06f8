package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
	ErrDuplicateOrder          = errors.New("order already exists for idempotency key")
	ErrRefundExceedsTotal      = errors.New("refund amount exceeds refundable total")
	ErrOrderNotFound           = errors.New("order not found")
)

const pgUniqueViolation = "23505"

type OrderStore struct {
	pool *pgxpool.Pool
}

func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderColumns = `
	id, order_number, idempotency_key, caller_key,
	is_registered_user, user_id, customer_name, customer_email, customer_phone,
	items, total_price, discount_amount, shipping_charges, final_total, applied_coupons,
	payment_method, payment_status, order_status,
	transaction_id, gateway_order_id, gateway_response,
	full_refund, partial_refunds, total_refunded, failure_reason,
	created_at, paid_at, canceled_at
`

// NextOrderNumber returns a date-prefixed human-readable order identifier
// backed by a dedicated sequence, safe under concurrent creation.
func (s *OrderStore) NextOrderNumber(ctx context.Context) (string, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('order_number_seq')`).Scan(&seq); err != nil {
		return "", fmt.Errorf("failed to advance order number sequence: %w", err)
	}
	return fmt.Sprintf("ORD-%s-%06d", time.Now().UTC().Format("20060102"), seq), nil
}

// CreatePendingWithStock deducts stock for every item and inserts the order in
// Pending/Pending within one transaction: the deferred-settlement creation
// path. A unique violation on the composite idempotency key rolls everything
// back and surfaces as ErrDuplicateOrder.
func (s *OrderStore) CreatePendingWithStock(ctx context.Context, order *Order) error {
	order.PaymentStatus = PaymentPending
	order.OrderStatus = OrderPending
	return s.insertWithStock(ctx, order)
}

// InsertPaidWithStock deducts stock and inserts the order already
// Paid/Processing in one transaction: the finalization step of the
// gateway-mediated paths. Idempotent against replays via ErrDuplicateOrder.
func (s *OrderStore) InsertPaidWithStock(ctx context.Context, order *Order) error {
	order.PaymentStatus = PaymentPaid
	order.OrderStatus = OrderProcessing
	if order.PaidAt.IsZero() {
		order.PaidAt = time.Now().UTC()
	}
	return s.insertWithStock(ctx, order)
}

// InsertFailed records a synthesized Canceled/Failed order without touching
// stock, so a timed-out intent creation leaves a definitive audit trail.
func (s *OrderStore) InsertFailed(ctx context.Context, order *Order) error {
	order.PaymentStatus = PaymentFailed
	order.OrderStatus = OrderCanceled
	if err := s.insertOrder(ctx, s.pool, order); err != nil {
		return err
	}
	return nil
}

func (s *OrderStore) insertWithStock(ctx context.Context, order *Order) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := reserveStock(ctx, tx, order.Items); err != nil {
		return err
	}
	if err := s.insertOrder(ctx, tx, order); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *OrderStore) insertOrder(ctx context.Context, q querier, order *Order) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to encode order items: %w", err)
	}
	couponsJSON, err := json.Marshal(order.AppliedCoupons)
	if err != nil {
		return fmt.Errorf("failed to encode applied coupons: %w", err)
	}
	var gatewayResponseJSON []byte
	if order.GatewayResponse != nil {
		gatewayResponseJSON, err = json.Marshal(order.GatewayResponse)
		if err != nil {
			return fmt.Errorf("failed to encode gateway response: %w", err)
		}
	}
	partialsJSON, err := json.Marshal(order.PartialRefunds)
	if err != nil {
		return fmt.Errorf("failed to encode partial refunds: %w", err)
	}

	var userID any
	if order.UserID != nil {
		userID = *order.UserID
	}
	var paidAt any
	if !order.PaidAt.IsZero() {
		paidAt = order.PaidAt
	}

	_, err = q.Exec(ctx, `
		INSERT INTO orders (
			id, order_number, idempotency_key, caller_key,
			is_registered_user, user_id, customer_name, customer_email, customer_phone,
			items, total_price, discount_amount, shipping_charges, final_total, applied_coupons,
			payment_method, payment_status, order_status,
			transaction_id, gateway_order_id, gateway_response,
			partial_refunds, total_refunded, failure_reason,
			created_at, paid_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26
		)
	`,
		order.ID, order.OrderNumber, order.IdempotencyKey, order.CallerKey,
		order.IsRegisteredUser, userID, order.CustomerName, order.CustomerEmail, order.CustomerPhone,
		itemsJSON, order.TotalPrice, order.DiscountAmount, order.ShippingCharges, order.FinalTotal, couponsJSON,
		string(order.PaymentMethod), string(order.PaymentStatus), string(order.OrderStatus),
		order.TransactionID, order.GatewayOrderID, gatewayResponseJSON,
		partialsJSON, order.TotalRefunded, order.FailureReason,
		order.CreatedAt, paidAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, order.IdempotencyKey)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (s *OrderStore) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (s *OrderStore) GetByOrderNumber(ctx context.Context, orderNumber string) (*Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, orderNumber)
	return scanOrder(row)
}

func (s *OrderStore) GetByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key)
	return scanOrder(row)
}

func (s *OrderStore) GetByTransactionID(ctx context.Context, transactionID string) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE transaction_id = $1 OR gateway_order_id = $1
	`, transactionID)
	return scanOrder(row)
}

// FindSupersedableAttempts returns still-pending orders created under the same
// caller key but a different payment method: in-flight attempts the caller
// abandoned by switching gateways.
func (s *OrderStore) FindSupersedableAttempts(ctx context.Context, callerKey string, exclude PaymentMethod) ([]*Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE caller_key = $1
		  AND payment_method <> $2
		  AND payment_status = 'pending'
		  AND order_status = 'pending'
	`, callerKey, string(exclude))
	if err != nil {
		return nil, fmt.Errorf("failed to find supersedable attempts: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListStalePending returns orders still Pending/Pending (or Processing)
// created before the cutoff, for the auto-cancel sweeper.
func (s *OrderStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE payment_status = 'pending'
		  AND order_status IN ('pending', 'processing')
		  AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// MarkPaid finalizes payment with a conditional update: the order's current
// payment status is the lock, so of the three confirmation paths only one can
// win. Zero rows affected means another path already finalized (or failed)
// this order.
func (s *OrderStore) MarkPaid(ctx context.Context, orderID uuid.UUID, transactionID string, gatewayResponse map[string]any) error {
	responseJSON, err := marshalGatewayResponse(gatewayResponse)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET payment_status = 'paid', order_status = 'processing',
		    transaction_id = COALESCE(NULLIF($2, ''), transaction_id),
		    gateway_response = COALESCE($3, gateway_response),
		    paid_at = NOW(), failure_reason = ''
		WHERE id = $1 AND payment_status = 'pending'
	`, orderID, transactionID, responseJSON)
	if err != nil {
		return fmt.Errorf("failed to mark order paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected pending payment", ErrInvalidStatusTransition)
	}
	return nil
}

// MarkFailed terminates a pending order as Canceled/Failed without touching
// stock; for gateway-mediated orders stock was never deducted.
func (s *OrderStore) MarkFailed(ctx context.Context, orderID uuid.UUID, reason string, gatewayResponse map[string]any) error {
	responseJSON, err := marshalGatewayResponse(gatewayResponse)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET payment_status = 'failed', order_status = 'canceled',
		    gateway_response = COALESCE($3, gateway_response),
		    failure_reason = $2, canceled_at = NOW()
		WHERE id = $1 AND payment_status = 'pending'
	`, orderID, reason, responseJSON)
	if err != nil {
		return fmt.Errorf("failed to mark order failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected pending payment", ErrInvalidStatusTransition)
	}
	return nil
}

// CancelPendingAndRestock terminates a stale or superseded pending order and
// restores its stock in one transaction. The conditional update doubles as
// the restock-once guard: if a late webhook (or a concurrent sweep) got there
// first, zero rows are updated and no stock moves.
func (s *OrderStore) CancelPendingAndRestock(ctx context.Context, orderID uuid.UUID, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var itemsJSON []byte
	err = tx.QueryRow(ctx, `
		UPDATE orders
		SET payment_status = 'failed', order_status = 'canceled',
		    failure_reason = $2, canceled_at = NOW()
		WHERE id = $1 AND payment_status = 'pending'
		RETURNING items
	`, orderID, reason).Scan(&itemsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: expected pending payment", ErrInvalidStatusTransition)
	}
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}

	var items []OrderItem
	if err := json.Unmarshal(itemsJSON, &items); err != nil {
		return fmt.Errorf("failed to decode order items: %w", err)
	}
	if err := restoreStock(ctx, tx, items); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ApplyFullRefund flips a paid order to Refunded/Canceled, records the refund,
// and restores all item stock in one transaction.
func (s *OrderStore) ApplyFullRefund(ctx context.Context, orderID uuid.UUID, record RefundRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode refund record: %w", err)
	}

	var itemsJSON []byte
	err = tx.QueryRow(ctx, `
		UPDATE orders
		SET payment_status = 'refunded', order_status = 'canceled',
		    full_refund = $2, total_refunded = final_total, canceled_at = NOW()
		WHERE id = $1 AND payment_status = 'paid'
		RETURNING items
	`, orderID, recordJSON).Scan(&itemsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: expected paid", ErrInvalidStatusTransition)
	}
	if err != nil {
		return fmt.Errorf("failed to apply full refund: %w", err)
	}

	var items []OrderItem
	if err := json.Unmarshal(itemsJSON, &items); err != nil {
		return fmt.Errorf("failed to decode order items: %w", err)
	}
	if err := restoreStock(ctx, tx, items); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ApplyPartialRefund appends a partial-refund record under a row lock,
// enforcing totalRefunded <= finalTotal, and auto-promotes to
// Refunded/Canceled when the running total reaches finalTotal. Stock is not
// restored here; only the full-refund operation restores stock.
func (s *OrderStore) ApplyPartialRefund(ctx context.Context, orderID uuid.UUID, record RefundRecord) (promoted bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		paymentStatus string
		finalTotal    int64
		totalRefunded int64
		partialsJSON  []byte
	)
	err = tx.QueryRow(ctx, `
		SELECT payment_status, final_total, total_refunded, partial_refunds
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, orderID).Scan(&paymentStatus, &finalTotal, &totalRefunded, &partialsJSON)
	if err != nil {
		return false, fmt.Errorf("failed to lock order for refund: %w", err)
	}

	if paymentStatus != string(PaymentPaid) {
		return false, fmt.Errorf("%w: expected paid", ErrInvalidStatusTransition)
	}
	newTotal := totalRefunded + record.Amount
	if record.Amount <= 0 || newTotal > finalTotal {
		return false, fmt.Errorf("%w: %d refunded + %d requested > %d total", ErrRefundExceedsTotal, totalRefunded, record.Amount, finalTotal)
	}

	var partials []RefundRecord
	if len(partialsJSON) > 0 {
		if err := json.Unmarshal(partialsJSON, &partials); err != nil {
			return false, fmt.Errorf("failed to decode partial refunds: %w", err)
		}
	}
	partials = append(partials, record)
	updatedJSON, err := json.Marshal(partials)
	if err != nil {
		return false, fmt.Errorf("failed to encode partial refunds: %w", err)
	}

	promoted = newTotal == finalTotal
	if promoted {
		_, err = tx.Exec(ctx, `
			UPDATE orders
			SET partial_refunds = $2, total_refunded = $3,
			    payment_status = 'refunded', order_status = 'canceled', canceled_at = NOW()
			WHERE id = $1
		`, orderID, updatedJSON, newTotal)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE orders
			SET partial_refunds = $2, total_refunded = $3
			WHERE id = $1
		`, orderID, updatedJSON, newTotal)
	}
	if err != nil {
		return false, fmt.Errorf("failed to apply partial refund: %w", err)
	}
	return promoted, tx.Commit(ctx)
}

// UpdateFulfillment advances order_status along the fulfillment chain with
// the same conditional-transition discipline as the payment states.
func (s *OrderStore) UpdateFulfillment(ctx context.Context, orderID uuid.UUID, from, to OrderStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET order_status = $3
		WHERE id = $1 AND order_status = $2 AND payment_status IN ('pending', 'paid')
	`, orderID, string(from), string(to))
	if err != nil {
		return fmt.Errorf("failed to update fulfillment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected %s", ErrInvalidStatusTransition, from)
	}
	return nil
}

func marshalGatewayResponse(response map[string]any) ([]byte, error) {
	if response == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("failed to encode gateway response: %w", err)
	}
	return encoded, nil
}

func scanOrders(rows pgx.Rows) ([]*Order, error) {
	var orders []*Order
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	order, err := scanOrderRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return order, err
}

func scanOrderRow(row pgx.Row) (*Order, error) {
	var (
		order               Order
		userID              pgtype.UUID
		itemsJSON           []byte
		couponsJSON         []byte
		gatewayResponseJSON []byte
		fullRefundJSON      []byte
		partialsJSON        []byte
		paymentMethod       string
		paymentStatus       string
		orderStatus         string
		paidAt              pgtype.Timestamptz
		canceledAt          pgtype.Timestamptz
	)

	err := row.Scan(
		&order.ID, &order.OrderNumber, &order.IdempotencyKey, &order.CallerKey,
		&order.IsRegisteredUser, &userID, &order.CustomerName, &order.CustomerEmail, &order.CustomerPhone,
		&itemsJSON, &order.TotalPrice, &order.DiscountAmount, &order.ShippingCharges, &order.FinalTotal, &couponsJSON,
		&paymentMethod, &paymentStatus, &orderStatus,
		&order.TransactionID, &order.GatewayOrderID, &gatewayResponseJSON,
		&fullRefundJSON, &partialsJSON, &order.TotalRefunded, &order.FailureReason,
		&order.CreatedAt, &paidAt, &canceledAt,
	)
	if err != nil {
		return nil, err
	}

	order.PaymentMethod = PaymentMethod(paymentMethod)
	order.PaymentStatus = PaymentStatus(paymentStatus)
	order.OrderStatus = OrderStatus(orderStatus)

	if userID.Valid {
		id := uuid.UUID(userID.Bytes)
		order.UserID = &id
	}
	if paidAt.Valid {
		order.PaidAt = paidAt.Time
	}
	if canceledAt.Valid {
		order.CanceledAt = canceledAt.Time
	}

	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &order.Items); err != nil {
			return nil, fmt.Errorf("failed to decode order items: %w", err)
		}
	}
	if len(couponsJSON) > 0 {
		if err := json.Unmarshal(couponsJSON, &order.AppliedCoupons); err != nil {
			return nil, fmt.Errorf("failed to decode applied coupons: %w", err)
		}
	}
	if len(gatewayResponseJSON) > 0 {
		if err := json.Unmarshal(gatewayResponseJSON, &order.GatewayResponse); err != nil {
			return nil, fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	if len(fullRefundJSON) > 0 {
		var record RefundRecord
		if err := json.Unmarshal(fullRefundJSON, &record); err != nil {
			return nil, fmt.Errorf("failed to decode full refund: %w", err)
		}
		order.FullRefund = &record
	}
	if len(partialsJSON) > 0 {
		if err := json.Unmarshal(partialsJSON, &order.PartialRefunds); err != nil {
			return nil, fmt.Errorf("failed to decode partial refunds: %w", err)
		}
	}

	return &order, nil
}
