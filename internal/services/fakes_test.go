package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cartpilot/cartpilot/internal/db"
	"github.com/cartpilot/cartpilot/internal/gateway"
)

// fakeProductStore keeps a mutable stock ledger in memory.
type fakeProductStore struct {
	mu       sync.Mutex
	products map[uuid.UUID]*db.Product
}

func newFakeProductStore(products ...*db.Product) *fakeProductStore {
	s := &fakeProductStore{products: make(map[uuid.UUID]*db.Product)}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

func (s *fakeProductStore) GetByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*db.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[uuid.UUID]*db.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			copied := *p
			out[id] = &copied
		}
	}
	return out, nil
}

func (s *fakeProductStore) CheckAvailability(_ context.Context, items []db.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked(items)
}

func (s *fakeProductStore) checkLocked(items []db.OrderItem) error {
	for _, item := range items {
		p, ok := s.products[item.ProductID]
		if !ok || !p.Active {
			return fmt.Errorf("%w: product %s not found", db.ErrInsufficientStock, item.ProductID)
		}
		if p.Stock < item.Quantity {
			return fmt.Errorf("%w: product %s has %d, need %d", db.ErrInsufficientStock, item.ProductID, p.Stock, item.Quantity)
		}
	}
	return nil
}

func (s *fakeProductStore) deduct(items []db.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(items); err != nil {
		return err
	}
	for _, item := range items {
		s.products[item.ProductID].Stock -= item.Quantity
	}
	return nil
}

func (s *fakeProductStore) restore(items []db.OrderItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		if p, ok := s.products[item.ProductID]; ok {
			p.Stock += item.Quantity
		}
	}
}

func (s *fakeProductStore) stock(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[id].Stock
}

// fakeOrderStore mimics the conditional-update semantics of the real store:
// unique idempotency keys, pending-only transitions, restock coupled to
// cancellation.
type fakeOrderStore struct {
	mu       sync.Mutex
	orders   map[uuid.UUID]*db.Order
	byKey    map[string]uuid.UUID
	seq      int
	products *fakeProductStore

	insertPaidCalls   int
	insertFailedCalls int
	cancelErr         map[uuid.UUID]error
}

func newFakeOrderStore(products *fakeProductStore) *fakeOrderStore {
	return &fakeOrderStore{
		orders:    make(map[uuid.UUID]*db.Order),
		byKey:     make(map[string]uuid.UUID),
		products:  products,
		cancelErr: make(map[uuid.UUID]error),
	}
}

func (s *fakeOrderStore) NextOrderNumber(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("ORD-20260829-%06d", s.seq), nil
}

func (s *fakeOrderStore) CreatePendingWithStock(_ context.Context, order *db.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[order.IdempotencyKey]; exists {
		return db.ErrDuplicateOrder
	}
	if s.products != nil {
		if err := s.products.deduct(order.Items); err != nil {
			return err
		}
	}
	order.ID = uuid.New()
	order.PaymentStatus = db.PaymentPending
	order.OrderStatus = db.OrderPending
	order.CreatedAt = time.Now().UTC()
	s.store(order)
	return nil
}

func (s *fakeOrderStore) InsertPaidWithStock(_ context.Context, order *db.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertPaidCalls++
	if _, exists := s.byKey[order.IdempotencyKey]; exists {
		return db.ErrDuplicateOrder
	}
	if s.products != nil {
		if err := s.products.deduct(order.Items); err != nil {
			return err
		}
	}
	order.ID = uuid.New()
	order.PaymentStatus = db.PaymentPaid
	order.OrderStatus = db.OrderProcessing
	order.CreatedAt = time.Now().UTC()
	order.PaidAt = order.CreatedAt
	s.store(order)
	return nil
}

func (s *fakeOrderStore) InsertFailed(_ context.Context, order *db.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertFailedCalls++
	if _, exists := s.byKey[order.IdempotencyKey]; exists {
		return db.ErrDuplicateOrder
	}
	order.ID = uuid.New()
	order.PaymentStatus = db.PaymentFailed
	order.OrderStatus = db.OrderCanceled
	order.CreatedAt = time.Now().UTC()
	s.store(order)
	return nil
}

func (s *fakeOrderStore) store(order *db.Order) {
	copied := *order
	s.orders[order.ID] = &copied
	s.byKey[order.IdempotencyKey] = order.ID
}

func (s *fakeOrderStore) GetByID(_ context.Context, id uuid.UUID) (*db.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, db.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (s *fakeOrderStore) GetByOrderNumber(_ context.Context, orderNumber string) (*db.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.OrderNumber == orderNumber {
			copied := *order
			return &copied, nil
		}
	}
	return nil, db.ErrOrderNotFound
}

func (s *fakeOrderStore) GetByIdempotencyKey(_ context.Context, key string) (*db.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, db.ErrOrderNotFound
	}
	copied := *s.orders[id]
	return &copied, nil
}

func (s *fakeOrderStore) GetByTransactionID(_ context.Context, transactionID string) (*db.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.TransactionID == transactionID || order.GatewayOrderID == transactionID {
			copied := *order
			return &copied, nil
		}
	}
	return nil, db.ErrOrderNotFound
}

func (s *fakeOrderStore) FindSupersedableAttempts(_ context.Context, callerKey string, exclude db.PaymentMethod) ([]*db.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Order
	for _, order := range s.orders {
		if order.CallerKey == callerKey && order.PaymentMethod != exclude && order.PaymentStatus == db.PaymentPending {
			copied := *order
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeOrderStore) ListStalePending(_ context.Context, cutoff time.Time, limit int) ([]*db.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Order
	for _, order := range s.orders {
		if len(out) >= limit {
			break
		}
		if order.PaymentStatus != db.PaymentPending {
			continue
		}
		if order.OrderStatus != db.OrderPending && order.OrderStatus != db.OrderProcessing {
			continue
		}
		if order.CreatedAt.After(cutoff) {
			continue
		}
		copied := *order
		out = append(out, &copied)
	}
	return out, nil
}

func (s *fakeOrderStore) MarkPaid(_ context.Context, orderID uuid.UUID, transactionID string, gatewayResponse map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return db.ErrOrderNotFound
	}
	if order.PaymentStatus != db.PaymentPending {
		return db.ErrInvalidStatusTransition
	}
	order.PaymentStatus = db.PaymentPaid
	order.OrderStatus = db.OrderProcessing
	order.TransactionID = transactionID
	order.GatewayResponse = gatewayResponse
	order.PaidAt = time.Now().UTC()
	return nil
}

func (s *fakeOrderStore) MarkFailed(_ context.Context, orderID uuid.UUID, reason string, gatewayResponse map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return db.ErrOrderNotFound
	}
	if order.PaymentStatus != db.PaymentPending {
		return db.ErrInvalidStatusTransition
	}
	order.PaymentStatus = db.PaymentFailed
	order.OrderStatus = db.OrderCanceled
	order.FailureReason = reason
	order.GatewayResponse = gatewayResponse
	return nil
}

func (s *fakeOrderStore) CancelPendingAndRestock(_ context.Context, orderID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.cancelErr[orderID]; ok {
		return err
	}
	order, ok := s.orders[orderID]
	if !ok {
		return db.ErrOrderNotFound
	}
	if order.PaymentStatus != db.PaymentPending {
		return db.ErrInvalidStatusTransition
	}
	if order.OrderStatus != db.OrderPending && order.OrderStatus != db.OrderProcessing {
		return db.ErrInvalidStatusTransition
	}
	order.PaymentStatus = db.PaymentFailed
	order.OrderStatus = db.OrderCanceled
	order.FailureReason = reason
	order.CanceledAt = time.Now().UTC()
	if s.products != nil {
		s.products.restore(order.Items)
	}
	return nil
}

func (s *fakeOrderStore) ApplyFullRefund(_ context.Context, orderID uuid.UUID, record db.RefundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return db.ErrOrderNotFound
	}
	if order.PaymentStatus != db.PaymentPaid {
		return db.ErrInvalidStatusTransition
	}
	order.PaymentStatus = db.PaymentRefunded
	order.OrderStatus = db.OrderCanceled
	order.FullRefund = &record
	order.TotalRefunded = order.FinalTotal
	order.CanceledAt = time.Now().UTC()
	if s.products != nil {
		s.products.restore(order.Items)
	}
	return nil
}

func (s *fakeOrderStore) ApplyPartialRefund(_ context.Context, orderID uuid.UUID, record db.RefundRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return false, db.ErrOrderNotFound
	}
	if order.PaymentStatus != db.PaymentPaid {
		return false, db.ErrInvalidStatusTransition
	}
	if order.TotalRefunded+record.Amount > order.FinalTotal {
		return false, db.ErrRefundExceedsTotal
	}
	order.PartialRefunds = append(order.PartialRefunds, record)
	order.TotalRefunded += record.Amount
	if order.TotalRefunded == order.FinalTotal {
		order.PaymentStatus = db.PaymentRefunded
		order.OrderStatus = db.OrderCanceled
		order.CanceledAt = time.Now().UTC()
		return true, nil
	}
	return false, nil
}

func (s *fakeOrderStore) UpdateFulfillment(_ context.Context, orderID uuid.UUID, from, to db.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return db.ErrOrderNotFound
	}
	if order.OrderStatus != from {
		return db.ErrInvalidStatusTransition
	}
	order.OrderStatus = to
	return nil
}

func (s *fakeOrderStore) paidInserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertPaidCalls
}

func (s *fakeOrderStore) failedInserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertFailedCalls
}

// fakeAdapter is a scriptable gateway adapter.
type fakeAdapter struct {
	method db.PaymentMethod

	mu          sync.Mutex
	intent      *gateway.Intent
	intentErr   error
	status      *gateway.Status
	statusErr   error
	verifyOK    bool
	event       *gateway.WebhookEvent
	parseErr    error
	refund      *gateway.RefundResult
	refundErr   error
	intentReqs  []gateway.IntentRequest
	statusCalls int
	refundReqs  []gateway.RefundRequest
}

func (a *fakeAdapter) Method() db.PaymentMethod { return a.method }

func (a *fakeAdapter) CreateIntent(_ context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.intentReqs = append(a.intentReqs, req)
	if a.intentErr != nil {
		return nil, a.intentErr
	}
	return a.intent, nil
}

func (a *fakeAdapter) CheckStatus(_ context.Context, _ string, _ gateway.StatusOptions) (*gateway.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusCalls++
	if a.statusErr != nil {
		return nil, a.statusErr
	}
	return a.status, nil
}

func (a *fakeAdapter) VerifySignature([]byte, string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.verifyOK
}

func (a *fakeAdapter) ParseWebhook([]byte) (*gateway.WebhookEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.parseErr != nil {
		return nil, a.parseErr
	}
	return a.event, nil
}

func (a *fakeAdapter) Refund(_ context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refundReqs = append(a.refundReqs, req)
	if a.refundErr != nil {
		return nil, a.refundErr
	}
	if a.refund != nil {
		return a.refund, nil
	}
	return &gateway.RefundResult{RefundID: req.RefundID, ProviderRefundID: "prov_" + req.RefundID}, nil
}

func (a *fakeAdapter) refundCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.refundReqs)
}
