package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/cartpilot/cartpilot/internal/db"
	"github.com/cartpilot/cartpilot/internal/pricing"
	"github.com/cartpilot/cartpilot/internal/services"
)

type createOrderRequest struct {
	PaymentMethod string                `json:"payment_method" validate:"required,oneof=cardpay walletpay cod"`
	CustomerName  string                `json:"customer_name" validate:"required,max=200"`
	CustomerEmail string                `json:"customer_email" validate:"required,email"`
	CustomerPhone string                `json:"customer_phone" validate:"omitempty,max=20"`
	Items         []pricing.ItemRequest `json:"items" validate:"required,min=1,dive"`
	Coupons       []string              `json:"coupons" validate:"omitempty,dive,max=50"`
}

type orderResponse struct {
	OrderNumber     string    `json:"order_number"`
	PaymentMethod   string    `json:"payment_method"`
	PaymentStatus   string    `json:"payment_status"`
	OrderStatus     string    `json:"order_status"`
	TotalPrice      int64     `json:"total_price"`
	DiscountAmount  int64     `json:"discount_amount"`
	ShippingCharges int64     `json:"shipping_charges"`
	FinalTotal      int64     `json:"final_total"`
	TotalRefunded   int64     `json:"total_refunded,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type createOrderResponse struct {
	Replayed    bool           `json:"replayed,omitempty"`
	OrderNumber string         `json:"order_number"`
	RedirectURL string         `json:"redirect_url,omitempty"`
	Bundle      string         `json:"bundle,omitempty"`
	Order       *orderResponse `json:"order,omitempty"`
}

// CreateOrder handles POST /api/orders. The idempotency key arrives via a
// header; its absence is a hard 400 before any processing.
func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if idempotencyKey == "" {
		h.writeServiceError(w, r, services.ErrMissingIdempotencyKey)
		return
	}

	var req createOrderRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation_error"})
		return
	}

	input := services.CreateOrderInput{
		IdempotencyKey: idempotencyKey,
		PaymentMethod:  db.PaymentMethod(req.PaymentMethod),
		CustomerName:   req.CustomerName,
		CustomerEmail:  req.CustomerEmail,
		CustomerPhone:  req.CustomerPhone,
		Items:          req.Items,
		Coupons:        req.Coupons,
	}
	if identity := identityFromContext(ctx); identity != nil {
		input.IsRegisteredUser = true
		userID := identity.UserID
		input.UserID = &userID
		if input.CustomerName == "" {
			input.CustomerName = identity.Name
		}
	}

	result, err := h.reconciler.CreateOrder(ctx, input)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := createOrderResponse{
		Replayed:    result.Replayed,
		OrderNumber: result.OrderNumber,
		RedirectURL: result.RedirectURL,
		Bundle:      result.Bundle,
	}
	if result.Order != nil {
		resp.Order = toOrderResponse(result.Order)
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// GetOrder handles GET /api/orders/{orderNumber} for the client poller.
func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderNumber := mux.Vars(r)["orderNumber"]

	order, err := h.reconciler.GetOrder(r.Context(), orderNumber)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func toOrderResponse(order *db.Order) *orderResponse {
	return &orderResponse{
		OrderNumber:     order.OrderNumber,
		PaymentMethod:   string(order.PaymentMethod),
		PaymentStatus:   string(order.PaymentStatus),
		OrderStatus:     string(order.OrderStatus),
		TotalPrice:      order.TotalPrice,
		DiscountAmount:  order.DiscountAmount,
		ShippingCharges: order.ShippingCharges,
		FinalTotal:      order.FinalTotal,
		TotalRefunded:   order.TotalRefunded,
		FailureReason:   order.FailureReason,
		CreatedAt:       order.CreatedAt,
	}
}
