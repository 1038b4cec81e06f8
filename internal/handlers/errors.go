package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/cartpilot/cartpilot/internal/db"
	"github.com/cartpilot/cartpilot/internal/gateway"
	"github.com/cartpilot/cartpilot/internal/pricing"
	"github.com/cartpilot/cartpilot/internal/services"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeServiceError translates the error taxonomy into structured JSON.
// Gateway errors keep the original cause in the logs only; the response
// carries a user-safe message.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := h.loggerFromContext(r.Context())

	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, services.ErrMissingIdempotencyKey):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "X-Idempotency-Key header is required", Code: "validation_error"})
	case errors.As(err, &validationErrs),
		errors.Is(err, pricing.ErrUnknownProduct),
		errors.Is(err, pricing.ErrInvalidQuantity),
		errors.Is(err, pricing.ErrUnknownCoupon),
		errors.Is(err, services.ErrUnsupportedPaymentMethod):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation_error"})
	case errors.Is(err, db.ErrInsufficientStock):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "insufficient_stock"})
	case errors.Is(err, db.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "order not found", Code: "not_found"})
	case errors.Is(err, services.ErrPaymentVerificationFailed),
		errors.Is(err, services.ErrInvalidWebhookSignature):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "payment verification failed", Code: "payment_verification_failed"})
	case errors.Is(err, services.ErrRefundIneligible),
		errors.Is(err, db.ErrRefundExceedsTotal):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "refund_ineligible"})
	case errors.Is(err, db.ErrInvalidStatusTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "invalid_transition"})
	case errors.Is(err, gateway.ErrTimeout):
		logger.Error("gateway timeout", "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "payment provider did not respond in time", Code: "gateway_timeout"})
	case errors.Is(err, gateway.ErrProvider), errors.Is(err, gateway.ErrAuth):
		logger.Error("gateway error", "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "payment provider is unavailable", Code: "gateway_error"})
	default:
		logger.Error("unhandled error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error", Code: "internal_error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
