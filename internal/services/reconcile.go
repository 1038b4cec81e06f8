package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"

	"github.com/cartpilot/cartpilot/internal/bundle"
	"github.com/cartpilot/cartpilot/internal/cache"
	"github.com/cartpilot/cartpilot/internal/db"
	"github.com/cartpilot/cartpilot/internal/email"
	"github.com/cartpilot/cartpilot/internal/gateway"
	"github.com/cartpilot/cartpilot/internal/invoice"
	"github.com/cartpilot/cartpilot/internal/logging"
	"github.com/cartpilot/cartpilot/internal/notify"
	"github.com/cartpilot/cartpilot/internal/observability"
	"github.com/cartpilot/cartpilot/internal/pricing"
)

const webhookDedupTTL = 24 * time.Hour

// Reconciler is the order state machine: it creates orders under the
// idempotency guard and advances them through payment confirmation from
// any of the three inbound channels. Every collaborator is injected so
// tests can substitute fakes.
type Reconciler struct {
	orders   OrderStore
	products ProductStore
	adapters map[db.PaymentMethod]gateway.Adapter
	pricer   *pricing.Pricer
	signer   *bundle.Signer
	cache    cache.Provider
	audit    *logging.AuditLogger
	email    email.Provider
	notifier notify.Notifier
	invoices invoice.Generator
	baseURL  string
	currency string
	logger   *slog.Logger
}

type ReconcilerDeps struct {
	Orders   OrderStore
	Products ProductStore
	Adapters []gateway.Adapter
	Pricer   *pricing.Pricer
	Signer   *bundle.Signer
	Cache    cache.Provider
	Audit    *logging.AuditLogger
	Email    email.Provider
	Notifier notify.Notifier
	Invoices invoice.Generator
	BaseURL  string
	Currency string
	Logger   *slog.Logger
}

func NewReconciler(deps ReconcilerDeps) (*Reconciler, error) {
	if deps.Orders == nil {
		return nil, fmt.Errorf("order store is required")
	}
	if deps.Products == nil {
		return nil, fmt.Errorf("product store is required")
	}
	if deps.Pricer == nil {
		return nil, fmt.Errorf("pricer is required")
	}
	if deps.Signer == nil {
		return nil, fmt.Errorf("bundle signer is required")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("cache provider is required")
	}
	if deps.Email == nil {
		deps.Email = email.NoopProvider{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NoopNotifier{}
	}
	if deps.Currency == "" {
		deps.Currency = "INR"
	}

	adapters := make(map[db.PaymentMethod]gateway.Adapter, len(deps.Adapters))
	for _, adapter := range deps.Adapters {
		adapters[adapter.Method()] = adapter
	}

	return &Reconciler{
		orders:   deps.Orders,
		products: deps.Products,
		adapters: adapters,
		pricer:   deps.Pricer,
		signer:   deps.Signer,
		cache:    deps.Cache,
		audit:    deps.Audit,
		email:    deps.Email,
		notifier: deps.Notifier,
		invoices: deps.Invoices,
		baseURL:  deps.BaseURL,
		currency: deps.Currency,
		logger:   deps.Logger,
	}, nil
}

func (r *Reconciler) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, r.logger)
}

type CreateOrderInput struct {
	IdempotencyKey string
	PaymentMethod  db.PaymentMethod

	IsRegisteredUser bool
	UserID           *uuid.UUID
	CustomerName     string
	CustomerEmail    string
	CustomerPhone    string

	Items   []pricing.ItemRequest
	Coupons []string
}

type CreateOrderResult struct {
	// Order is set for deferred-settlement creation and for idempotent
	// replays; gateway-mediated creation has no order row yet.
	Order    *db.Order
	Replayed bool

	OrderNumber string
	RedirectURL string
	// Bundle is the signed checkout state the client must echo back on
	// every confirmation path.
	Bundle string
}

// CreateOrder runs the creation half of the state machine. The idempotency
// check comes before any stock mutation or gateway call, then in-flight
// attempts under the same caller key on another method are superseded.
func (r *Reconciler) CreateOrder(ctx context.Context, input CreateOrderInput) (*CreateOrderResult, error) {
	span := sentry.StartSpan(
		ctx,
		"service.reconcile.create_order",
		sentry.WithOpName("service.reconcile"),
		sentry.WithDescription("CreateOrder"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	meter.SetAttributes(attribute.String("payment_method", string(input.PaymentMethod)))
	meter.Count("order.create.received", 1)

	if input.IdempotencyKey == "" {
		return nil, ErrMissingIdempotencyKey
	}
	if !input.PaymentMethod.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPaymentMethod, input.PaymentMethod)
	}

	compositeKey := db.CompositeKey(input.PaymentMethod, input.IdempotencyKey)
	existing, err := r.orders.GetByIdempotencyKey(ctx, compositeKey)
	if err == nil {
		meter.Count("order.create.replayed", 1)
		r.audit.Event(ctx, logging.AuditInfo, "order creation replayed",
			"order_number", existing.OrderNumber, "idempotency_key", compositeKey)
		return &CreateOrderResult{Order: existing, Replayed: true, OrderNumber: existing.OrderNumber}, nil
	}
	if !errors.Is(err, db.ErrOrderNotFound) {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	r.supersedeOtherAttempts(ctx, input.IdempotencyKey, input.PaymentMethod)

	items, totals, err := r.priceCart(ctx, input.Items, input.Coupons)
	if err != nil {
		meter.Count("order.create.rejected", 1, sentry.WithAttributes(
			attribute.String("reason", "pricing"),
		))
		return nil, err
	}

	if input.PaymentMethod.GatewayMediated() {
		return r.createGatewayOrder(ctx, input, compositeKey, items, totals)
	}
	return r.createDeferredOrder(ctx, input, compositeKey, items, totals)
}

// supersedeOtherAttempts cancels still-pending orders created under the same
// caller key but a different payment method, so two gateways never race to
// fulfill one cart. Failures are logged, not fatal: the conditional cancel
// means a lost race here is a finalized order, which is fine.
func (r *Reconciler) supersedeOtherAttempts(ctx context.Context, callerKey string, method db.PaymentMethod) {
	logger := r.loggerFromContext(ctx)

	attempts, err := r.orders.FindSupersedableAttempts(ctx, callerKey, method)
	if err != nil {
		logger.Warn("failed to look up supersedable attempts", "error", err, "caller_key", callerKey)
		return
	}
	for _, attempt := range attempts {
		reason := fmt.Sprintf("superseded by %s attempt", method)
		err := r.orders.CancelPendingAndRestock(ctx, attempt.ID, reason)
		if errors.Is(err, db.ErrInvalidStatusTransition) {
			continue
		}
		if err != nil {
			logger.Warn("failed to supersede pending attempt", "error", err, "order_number", attempt.OrderNumber)
			continue
		}
		r.audit.Event(ctx, logging.AuditPayment, "pending attempt superseded",
			"order_number", attempt.OrderNumber, "old_method", string(attempt.PaymentMethod), "new_method", string(method))
	}
}

func (r *Reconciler) priceCart(ctx context.Context, requests []pricing.ItemRequest, coupons []string) ([]db.OrderItem, pricing.Totals, error) {
	ids := make([]uuid.UUID, 0, len(requests))
	for _, req := range requests {
		ids = append(ids, req.ProductID)
	}
	products, err := r.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, pricing.Totals{}, fmt.Errorf("failed to load products: %w", err)
	}

	items, err := r.pricer.SnapshotItems(requests, products)
	if err != nil {
		return nil, pricing.Totals{}, err
	}
	totals, err := r.pricer.ComputeTotals(items, coupons)
	if err != nil {
		return nil, pricing.Totals{}, err
	}
	return items, totals, nil
}

func (r *Reconciler) buildOrder(input CreateOrderInput, compositeKey string, items []db.OrderItem, totals pricing.Totals) *db.Order {
	return &db.Order{
		IdempotencyKey:   compositeKey,
		CallerKey:        input.IdempotencyKey,
		IsRegisteredUser: input.IsRegisteredUser,
		UserID:           input.UserID,
		CustomerName:     input.CustomerName,
		CustomerEmail:    input.CustomerEmail,
		CustomerPhone:    input.CustomerPhone,
		Items:            items,
		TotalPrice:       totals.TotalPrice,
		DiscountAmount:   totals.DiscountAmount,
		ShippingCharges:  totals.ShippingCharges,
		FinalTotal:       totals.FinalTotal,
		AppliedCoupons:   input.Coupons,
		PaymentMethod:    input.PaymentMethod,
	}
}

// createDeferredOrder is the deferred-settlement branch: stock is deducted
// and the row inserted Pending/Pending in one transaction, response
// returned synchronously.
func (r *Reconciler) createDeferredOrder(ctx context.Context, input CreateOrderInput, compositeKey string, items []db.OrderItem, totals pricing.Totals) (*CreateOrderResult, error) {
	meter := observability.MeterFromContext(ctx)

	orderNumber, err := r.orders.NextOrderNumber(ctx)
	if err != nil {
		return nil, err
	}

	order := r.buildOrder(input, compositeKey, items, totals)
	order.OrderNumber = orderNumber

	err = r.orders.CreatePendingWithStock(ctx, order)
	if errors.Is(err, db.ErrDuplicateOrder) {
		// Lost a concurrent race on the same key; the winner's row is the
		// answer.
		existing, lookupErr := r.orders.GetByIdempotencyKey(ctx, compositeKey)
		if lookupErr != nil {
			return nil, fmt.Errorf("failed to load order after duplicate key: %w", lookupErr)
		}
		meter.Count("order.create.replayed", 1)
		return &CreateOrderResult{Order: existing, Replayed: true, OrderNumber: existing.OrderNumber}, nil
	}
	if err != nil {
		meter.Count("order.create.failed", 1, sentry.WithAttributes(
			attribute.String("reason", "insert"),
		))
		return nil, err
	}

	meter.Count("order.created", 1)
	r.audit.Event(ctx, logging.AuditPayment, "order created",
		"order_number", order.OrderNumber, "payment_method", string(order.PaymentMethod),
		"final_total", order.FinalTotal, "settlement", "deferred")

	return &CreateOrderResult{Order: order, OrderNumber: order.OrderNumber}, nil
}

// createGatewayOrder is the gateway-mediated branch: stock is validated but
// not deducted, no row is inserted, and the client gets a provider redirect
// plus a signed bundle standing in for server-side session state. A failed
// or timed-out intent synthesizes a Canceled/Failed row so the attempt has
// a definitive outcome.
func (r *Reconciler) createGatewayOrder(ctx context.Context, input CreateOrderInput, compositeKey string, items []db.OrderItem, totals pricing.Totals) (*CreateOrderResult, error) {
	logger := r.loggerFromContext(ctx)
	meter := observability.MeterFromContext(ctx)

	adapter, ok := r.adapters[input.PaymentMethod]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for %s", ErrUnsupportedPaymentMethod, input.PaymentMethod)
	}

	if err := r.products.CheckAvailability(ctx, items); err != nil {
		meter.Count("order.create.rejected", 1, sentry.WithAttributes(
			attribute.String("reason", "stock"),
		))
		return nil, err
	}

	orderNumber, err := r.orders.NextOrderNumber(ctx)
	if err != nil {
		return nil, err
	}

	checkout := bundle.Checkout{
		OrderNumber:      orderNumber,
		CallerKey:        input.IdempotencyKey,
		PaymentMethod:    input.PaymentMethod,
		IsRegisteredUser: input.IsRegisteredUser,
		UserID:           input.UserID,
		CustomerName:     input.CustomerName,
		CustomerEmail:    input.CustomerEmail,
		CustomerPhone:    input.CustomerPhone,
		Items:            input.Items,
		AppliedCoupons:   input.Coupons,
		EchoedTotal:      totals.FinalTotal,
	}

	// The intent carries a bundle signed before the provider assigns its
	// transaction id, so the webhook and the redirect can finalize even when
	// the client never comes back.
	intentBundle, err := r.signer.Sign(checkout)
	if err != nil {
		return nil, err
	}

	intent, err := adapter.CreateIntent(ctx, gateway.IntentRequest{
		OrderNumber: orderNumber,
		Amount:      totals.FinalTotal,
		Currency:    r.currency,
		CallbackURL: r.baseURL + "/webhooks/" + string(input.PaymentMethod),
		RedirectURL: r.baseURL + "/payments/" + string(input.PaymentMethod) + "/return/" + orderNumber +
			"?bundle=" + url.QueryEscape(intentBundle),
		Metadata: map[string]string{
			"order_number": orderNumber,
			"bundle":       intentBundle,
		},
	})
	if err != nil {
		meter.Count("order.create.failed", 1, sentry.WithAttributes(
			attribute.String("reason", "intent"),
		))
		r.recordFailedAttempt(ctx, input, compositeKey, orderNumber, items, totals, err)
		if errors.Is(err, gateway.ErrTimeout) {
			return nil, fmt.Errorf("payment intent creation timed out: %w", err)
		}
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	checkout.GatewayOrderID = intent.ProviderTransactionID
	signedBundle, err := r.signer.Sign(checkout)
	if err != nil {
		return nil, err
	}

	meter.Count("order.intent.created", 1)
	r.audit.Event(ctx, logging.AuditPayment, "payment intent created",
		"order_number", orderNumber, "payment_method", string(input.PaymentMethod),
		"gateway_order_id", intent.ProviderTransactionID, "final_total", totals.FinalTotal)
	logger.Info("payment intent created", "order_number", orderNumber, "gateway_order_id", intent.ProviderTransactionID)

	return &CreateOrderResult{
		OrderNumber: orderNumber,
		RedirectURL: intent.RedirectURL,
		Bundle:      signedBundle,
	}, nil
}

// recordFailedAttempt synthesizes a Canceled/Failed row after a failed
// intent so the user sees a definitive outcome instead of a silent hang.
func (r *Reconciler) recordFailedAttempt(ctx context.Context, input CreateOrderInput, compositeKey, orderNumber string, items []db.OrderItem, totals pricing.Totals, cause error) {
	logger := r.loggerFromContext(ctx)

	order := r.buildOrder(input, compositeKey, items, totals)
	order.OrderNumber = orderNumber
	order.FailureReason = cause.Error()

	err := r.orders.InsertFailed(ctx, order)
	if err != nil && !errors.Is(err, db.ErrDuplicateOrder) {
		logger.Error("failed to record failed payment attempt", "error", err, "order_number", orderNumber)
		return
	}
	r.audit.Event(ctx, logging.AuditPayment, "payment intent failed",
		"order_number", orderNumber, "payment_method", string(input.PaymentMethod), "reason", cause.Error())
}

// VerifyPayment is confirmation path 1: the client polls right after the
// provider flow completes in-page, echoing the signed bundle.
func (r *Reconciler) VerifyPayment(ctx context.Context, bundleToken string) (*db.Order, error) {
	span := sentry.StartSpan(
		ctx,
		"service.reconcile.verify_payment",
		sentry.WithOpName("service.reconcile"),
		sentry.WithDescription("VerifyPayment"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	meter.Count("payment.verify.received", 1)

	checkout, err := r.verifyBundle(ctx, bundleToken, "verify")
	if err != nil {
		return nil, err
	}

	adapter, ok := r.adapters[checkout.PaymentMethod]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for %s", ErrUnsupportedPaymentMethod, checkout.PaymentMethod)
	}

	// Replay guard before any provider call.
	compositeKey := db.CompositeKey(checkout.PaymentMethod, checkout.CallerKey)
	existing, err := r.orders.GetByIdempotencyKey(ctx, compositeKey)
	if err == nil && existing.PaymentStatus == db.PaymentPaid {
		meter.Count("payment.verify.replayed", 1)
		return existing, nil
	}
	if err != nil && !errors.Is(err, db.ErrOrderNotFound) {
		return nil, fmt.Errorf("failed to check for existing order: %w", err)
	}

	status, err := adapter.CheckStatus(ctx, checkout.GatewayOrderID, gateway.StatusOptions{})
	if err != nil {
		meter.Count("payment.verify.failed", 1, sentry.WithAttributes(
			attribute.String("reason", "status_check"),
		))
		return nil, err
	}
	if !status.Succeeded {
		meter.Count("payment.verify.failed", 1, sentry.WithAttributes(
			attribute.String("reason", "provider_state"),
		))
		r.audit.Event(ctx, logging.AuditSecurity, "payment verification rejected",
			"order_number", checkout.OrderNumber, "provider_state", status.State)
		return nil, fmt.Errorf("%w: provider state %s", ErrPaymentVerificationFailed, status.State)
	}

	order, err := r.finalize(ctx, checkout, status, "verify")
	if err != nil {
		return nil, err
	}
	meter.Count("payment.verify.confirmed", 1)
	return order, nil
}

type ReturnResult struct {
	Order     *db.Order
	Succeeded bool
	Presumed  bool
}

// HandleReturn is confirmation path 2: the provider redirects the browser
// back. Idempotent against refresh/back replays; the status check runs in
// return-flow mode, where one provider's timeout can count as presumptive
// success.
func (r *Reconciler) HandleReturn(ctx context.Context, orderNumber, bundleToken string) (*ReturnResult, error) {
	span := sentry.StartSpan(
		ctx,
		"service.reconcile.handle_return",
		sentry.WithOpName("service.reconcile"),
		sentry.WithDescription("HandleReturn"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	meter.Count("payment.return.received", 1)

	checkout, err := r.verifyBundle(ctx, bundleToken, "return")
	if err != nil {
		return nil, err
	}
	if checkout.OrderNumber != orderNumber {
		r.audit.Event(ctx, logging.AuditSecurity, "return bundle order mismatch",
			"path_order_number", orderNumber, "bundle_order_number", checkout.OrderNumber)
		return nil, fmt.Errorf("%w: bundle does not match order", ErrPaymentVerificationFailed)
	}

	adapter, ok := r.adapters[checkout.PaymentMethod]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for %s", ErrUnsupportedPaymentMethod, checkout.PaymentMethod)
	}

	compositeKey := db.CompositeKey(checkout.PaymentMethod, checkout.CallerKey)
	existing, err := r.orders.GetByIdempotencyKey(ctx, compositeKey)
	if err == nil && existing.PaymentStatus != db.PaymentPending {
		meter.Count("payment.return.replayed", 1)
		return &ReturnResult{Order: existing, Succeeded: existing.PaymentStatus == db.PaymentPaid}, nil
	}
	if err != nil && !errors.Is(err, db.ErrOrderNotFound) {
		return nil, fmt.Errorf("failed to check for existing order: %w", err)
	}

	status, err := adapter.CheckStatus(ctx, checkout.GatewayOrderID, gateway.StatusOptions{AfterRedirect: true})
	if err != nil {
		meter.Count("payment.return.failed", 1, sentry.WithAttributes(
			attribute.String("reason", "status_check"),
		))
		return nil, err
	}

	if !status.Succeeded {
		meter.Count("payment.return.failed", 1, sentry.WithAttributes(
			attribute.String("reason", "provider_state"),
		))
		order := r.recordReturnFailure(ctx, checkout, compositeKey, status)
		return &ReturnResult{Order: order, Succeeded: false}, nil
	}

	order, err := r.finalize(ctx, checkout, status, "return")
	if err != nil {
		return nil, err
	}
	meter.Count("payment.return.confirmed", 1, sentry.WithAttributes(
		attribute.Bool("presumed", status.Presumed),
	))
	return &ReturnResult{Order: order, Succeeded: true, Presumed: status.Presumed}, nil
}

// recordReturnFailure gives a definitively failed return flow a terminal row.
func (r *Reconciler) recordReturnFailure(ctx context.Context, checkout *bundle.Checkout, compositeKey string, status *gateway.Status) *db.Order {
	logger := r.loggerFromContext(ctx)

	items, totals, err := r.priceCart(ctx, checkout.Items, checkout.AppliedCoupons)
	if err != nil {
		logger.Warn("failed to price cart for failed return", "error", err, "order_number", checkout.OrderNumber)
		return nil
	}

	order := r.buildOrder(checkoutToInput(checkout), compositeKey, items, totals)
	order.OrderNumber = checkout.OrderNumber
	order.GatewayOrderID = checkout.GatewayOrderID
	order.GatewayResponse = status.RawResponse
	order.FailureReason = "provider reported " + status.State

	err = r.orders.InsertFailed(ctx, order)
	if errors.Is(err, db.ErrDuplicateOrder) {
		existing, lookupErr := r.orders.GetByIdempotencyKey(ctx, compositeKey)
		if lookupErr == nil {
			return existing
		}
		return nil
	}
	if err != nil {
		logger.Error("failed to record failed return", "error", err, "order_number", checkout.OrderNumber)
		return nil
	}
	r.audit.Event(ctx, logging.AuditPayment, "payment failed on return",
		"order_number", order.OrderNumber, "provider_state", status.State)
	return order
}

// HandleWebhook is confirmation path 3: server-to-server push. The
// signature covers the raw body; replays are dropped via the shared cache,
// with the conditional status update as the backstop when the cache misses.
func (r *Reconciler) HandleWebhook(ctx context.Context, method db.PaymentMethod, payload []byte, signatureHeader string) error {
	span := sentry.StartSpan(
		ctx,
		"service.reconcile.handle_webhook",
		sentry.WithOpName("service.reconcile"),
		sentry.WithDescription("HandleWebhook"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	logger := r.loggerFromContext(ctx)
	meter := observability.MeterFromContext(ctx)
	meter.SetAttributes(attribute.String("payment_method", string(method)))
	meter.Count("webhook.received", 1)

	adapter, ok := r.adapters[method]
	if !ok {
		return fmt.Errorf("%w: no adapter for %s", ErrUnsupportedPaymentMethod, method)
	}

	if !adapter.VerifySignature(payload, signatureHeader) {
		meter.Count("webhook.rejected", 1, sentry.WithAttributes(
			attribute.String("reason", "signature"),
		))
		r.audit.Event(ctx, logging.AuditSecurity, "webhook signature rejected", "gateway", string(method))
		return ErrInvalidWebhookSignature
	}

	event, err := adapter.ParseWebhook(payload)
	if err != nil {
		meter.Count("webhook.rejected", 1, sentry.WithAttributes(
			attribute.String("reason", "payload"),
		))
		return err
	}

	dedupKey := cache.WebhookKey(string(method), event.EventID)
	if _, err := r.cache.Get(ctx, dedupKey); err == nil {
		meter.Count("webhook.replayed", 1)
		logger.Info("webhook replay dropped", "gateway", string(method), "event_id", event.EventID)
		return nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		// Cache trouble is not a reason to drop a webhook; finalization is
		// idempotent on its own.
		logger.Warn("webhook dedup lookup failed", "error", err, "event_id", event.EventID)
	}

	switch {
	case event.Succeeded:
		err = r.applyWebhookSuccess(ctx, event)
	case event.Failed:
		err = r.applyWebhookFailure(ctx, event)
	default:
		logger.Info("ignoring webhook event", "gateway", string(method), "state", event.State)
	}
	if err != nil {
		meter.Count("webhook.failed", 1)
		return err
	}

	if err := r.cache.Set(ctx, dedupKey, "processed", webhookDedupTTL); err != nil {
		logger.Warn("failed to record webhook dedup key", "error", err, "event_id", event.EventID)
	}
	meter.Count("webhook.processed", 1)
	return nil
}

func (r *Reconciler) applyWebhookSuccess(ctx context.Context, event *gateway.WebhookEvent) error {
	if event.Bundle != "" {
		checkout, err := r.verifyBundle(ctx, event.Bundle, "webhook")
		if err != nil {
			return err
		}
		status := &gateway.Status{Succeeded: true, State: event.State, RawResponse: event.RawResponse}
		_, err = r.finalize(ctx, checkout, status, "webhook")
		return err
	}

	// No bundle in the provider metadata; fall back to the persisted row.
	order, err := r.orders.GetByTransactionID(ctx, event.TransactionID)
	if errors.Is(err, db.ErrOrderNotFound) {
		r.audit.Event(ctx, logging.AuditWarn, "webhook for unknown transaction",
			"transaction_id", event.TransactionID, "state", event.State)
		return nil
	}
	if err != nil {
		return err
	}
	if order.PaymentStatus == db.PaymentPaid {
		return nil
	}

	err = r.orders.MarkPaid(ctx, order.ID, event.TransactionID, event.RawResponse)
	if errors.Is(err, db.ErrInvalidStatusTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	r.audit.Event(ctx, logging.AuditPayment, "payment confirmed",
		"order_number", order.OrderNumber, "channel", "webhook", "transaction_id", event.TransactionID)
	r.fireConfirmationSideEffects(ctx, order.ID)
	return nil
}

func (r *Reconciler) applyWebhookFailure(ctx context.Context, event *gateway.WebhookEvent) error {
	order, err := r.orders.GetByTransactionID(ctx, event.TransactionID)
	if errors.Is(err, db.ErrOrderNotFound) {
		// Gateway-mediated attempts without a row simply never materialize;
		// the stock was never deducted.
		r.audit.Event(ctx, logging.AuditPayment, "payment failed before order creation",
			"transaction_id", event.TransactionID, "state", event.State)
		return nil
	}
	if err != nil {
		return err
	}

	err = r.orders.MarkFailed(ctx, order.ID, "provider reported "+event.State, event.RawResponse)
	if errors.Is(err, db.ErrInvalidStatusTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	r.audit.Event(ctx, logging.AuditPayment, "payment failed",
		"order_number", order.OrderNumber, "channel", "webhook", "provider_state", event.State)
	return nil
}

func (r *Reconciler) verifyBundle(ctx context.Context, token, channel string) (*bundle.Checkout, error) {
	checkout, err := r.signer.Verify(token)
	if err != nil {
		r.audit.Event(ctx, logging.AuditSecurity, "checkout bundle rejected", "channel", channel, "error", err.Error())
		return nil, fmt.Errorf("%w: %v", ErrPaymentVerificationFailed, err)
	}
	return checkout, nil
}

// finalize is the shared tail of all three confirmation paths. The bundle is
// untrusted: products, stock, and totals are re-derived from authoritative
// state, and the insert (or conditional update) is the single winner-picking
// step under concurrent delivery.
func (r *Reconciler) finalize(ctx context.Context, checkout *bundle.Checkout, status *gateway.Status, channel string) (*db.Order, error) {
	logger := r.loggerFromContext(ctx)
	compositeKey := db.CompositeKey(checkout.PaymentMethod, checkout.CallerKey)

	existing, err := r.orders.GetByIdempotencyKey(ctx, compositeKey)
	if err == nil {
		return r.finalizeExisting(ctx, existing, checkout, status, channel)
	}
	if !errors.Is(err, db.ErrOrderNotFound) {
		return nil, fmt.Errorf("failed to check for existing order: %w", err)
	}

	items, totals, err := r.priceCart(ctx, checkout.Items, checkout.AppliedCoupons)
	if err != nil {
		return nil, fmt.Errorf("failed to revalidate checkout: %w", err)
	}
	if totals.FinalTotal != checkout.EchoedTotal {
		// The provider charged the intent amount; a drift here means prices
		// or coupons changed mid-checkout. Authoritative totals win.
		r.audit.Event(ctx, logging.AuditWarn, "echoed total differs from recomputed total",
			"order_number", checkout.OrderNumber, "echoed", checkout.EchoedTotal, "recomputed", totals.FinalTotal)
	}

	order := r.buildOrder(checkoutToInput(checkout), compositeKey, items, totals)
	order.OrderNumber = checkout.OrderNumber
	order.GatewayOrderID = checkout.GatewayOrderID
	order.TransactionID = transactionIDFromStatus(checkout, status)
	order.GatewayResponse = status.RawResponse

	err = r.orders.InsertPaidWithStock(ctx, order)
	if errors.Is(err, db.ErrDuplicateOrder) {
		// Another channel won the race between our lookup and insert.
		winner, lookupErr := r.orders.GetByIdempotencyKey(ctx, compositeKey)
		if lookupErr != nil {
			return nil, fmt.Errorf("failed to load order after duplicate key: %w", lookupErr)
		}
		return winner, nil
	}
	if errors.Is(err, db.ErrInsufficientStock) {
		// Payment is captured but the cart can no longer be fulfilled.
		// Record the attempt for manual reconciliation and refund.
		r.audit.Event(ctx, logging.AuditError, "payment captured but stock unavailable",
			"order_number", checkout.OrderNumber, "channel", channel)
		order.FailureReason = "payment captured but stock unavailable"
		if insertErr := r.orders.InsertFailed(ctx, order); insertErr != nil && !errors.Is(insertErr, db.ErrDuplicateOrder) {
			logger.Error("failed to record unfulfillable paid order", "error", insertErr, "order_number", checkout.OrderNumber)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	r.audit.Event(ctx, logging.AuditPayment, "payment confirmed",
		"order_number", order.OrderNumber, "channel", channel,
		"transaction_id", order.TransactionID, "presumed", status.Presumed)
	if status.Presumed {
		r.audit.Event(ctx, logging.AuditWarn, "payment presumed successful, needs re-verification",
			"order_number", order.OrderNumber, "gateway_order_id", order.GatewayOrderID)
	}
	r.fireConfirmationSideEffects(ctx, order.ID)
	return order, nil
}

func (r *Reconciler) finalizeExisting(ctx context.Context, existing *db.Order, checkout *bundle.Checkout, status *gateway.Status, channel string) (*db.Order, error) {
	switch existing.PaymentStatus {
	case db.PaymentPaid, db.PaymentRefunded:
		return existing, nil
	case db.PaymentPending:
		err := r.orders.MarkPaid(ctx, existing.ID, transactionIDFromStatus(checkout, status), status.RawResponse)
		if errors.Is(err, db.ErrInvalidStatusTransition) {
			return r.orders.GetByID(ctx, existing.ID)
		}
		if err != nil {
			return nil, err
		}
		r.audit.Event(ctx, logging.AuditPayment, "payment confirmed",
			"order_number", existing.OrderNumber, "channel", channel, "presumed", status.Presumed)
		r.fireConfirmationSideEffects(ctx, existing.ID)
		return r.orders.GetByID(ctx, existing.ID)
	default:
		// A previously failed attempt now reports success: money moved but
		// the row is terminal. Surface for manual reconciliation.
		r.audit.Event(ctx, logging.AuditError, "payment succeeded for terminally failed order",
			"order_number", existing.OrderNumber, "channel", channel, "payment_status", string(existing.PaymentStatus))
		return existing, nil
	}
}

func transactionIDFromStatus(checkout *bundle.Checkout, status *gateway.Status) string {
	if id, ok := status.RawResponse["transactionId"].(string); ok && id != "" {
		return id
	}
	if id, ok := status.RawResponse["id"].(string); ok && id != "" {
		return id
	}
	return checkout.GatewayOrderID
}

func checkoutToInput(checkout *bundle.Checkout) CreateOrderInput {
	return CreateOrderInput{
		IdempotencyKey:   checkout.CallerKey,
		PaymentMethod:    checkout.PaymentMethod,
		IsRegisteredUser: checkout.IsRegisteredUser,
		UserID:           checkout.UserID,
		CustomerName:     checkout.CustomerName,
		CustomerEmail:    checkout.CustomerEmail,
		CustomerPhone:    checkout.CustomerPhone,
		Items:            checkout.Items,
		Coupons:          checkout.AppliedCoupons,
	}
}

// GetOrder serves the client poller.
func (r *Reconciler) GetOrder(ctx context.Context, orderNumber string) (*db.Order, error) {
	return r.orders.GetByOrderNumber(ctx, orderNumber)
}

// UpdateFulfillment advances the fulfillment chain one step.
func (r *Reconciler) UpdateFulfillment(ctx context.Context, orderID uuid.UUID, from, to db.OrderStatus) error {
	if !validFulfillmentStep(from, to) {
		return fmt.Errorf("%w: %s -> %s", db.ErrInvalidStatusTransition, from, to)
	}
	if err := r.orders.UpdateFulfillment(ctx, orderID, from, to); err != nil {
		return err
	}
	r.audit.Event(ctx, logging.AuditInfo, "fulfillment updated",
		"order_id", orderID.String(), "from", string(from), "to", string(to))
	return nil
}

func validFulfillmentStep(from, to db.OrderStatus) bool {
	switch {
	case from == db.OrderPending && to == db.OrderProcessing:
		return true
	case from == db.OrderProcessing && to == db.OrderShipped:
		return true
	case from == db.OrderShipped && to == db.OrderDelivered:
		return true
	default:
		return false
	}
}

// fireConfirmationSideEffects renders the invoice, sends the confirmation
// email with it, and pushes the notification. All fire-and-forget: failures
// are logged and never abort the confirmation that triggered them.
func (r *Reconciler) fireConfirmationSideEffects(ctx context.Context, orderID uuid.UUID) {
	logger := r.loggerFromContext(ctx)
	ctx = context.WithoutCancel(ctx)

	go func() {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		order, err := r.orders.GetByID(ctx, orderID)
		if err != nil {
			logger.Warn("failed to load order for confirmation side effects", "error", err, "order_id", orderID.String())
			return
		}

		var invoiceText string
		if r.invoices != nil {
			doc, err := r.invoices.Generate(ctx, order)
			if err != nil {
				logger.Warn("failed to generate invoice", "error", err, "order_number", order.OrderNumber)
			} else {
				invoiceText = string(doc)
			}
		}

		if order.CustomerEmail != "" {
			body := fmt.Sprintf("Thanks %s! Your order %s for %d is confirmed and being processed.",
				order.CustomerName, order.OrderNumber, order.FinalTotal)
			if invoiceText != "" {
				body += "\n\n" + invoiceText
			}
			err := r.email.SendEmail(ctx, &email.Email{
				To:      order.CustomerEmail,
				Subject: fmt.Sprintf("Order %s confirmed", order.OrderNumber),
				Text:    body,
			})
			if err != nil {
				logger.Warn("failed to send confirmation email", "error", err, "order_number", order.OrderNumber)
			}
		}

		recipientID := ""
		if order.UserID != nil {
			recipientID = order.UserID.String()
		}
		err = r.notifier.Send(ctx, recipientID, order.CustomerEmail, notify.Payload{
			Title:   "Payment received",
			Message: fmt.Sprintf("Order %s is confirmed.", order.OrderNumber),
			Data:    map[string]any{"order_number": order.OrderNumber},
		})
		if err != nil {
			logger.Warn("failed to send confirmation notification", "error", err, "order_number", order.OrderNumber)
		}
	}()
}
