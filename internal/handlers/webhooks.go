package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cartpilot/cartpilot/internal/db"
	"github.com/cartpilot/cartpilot/internal/services"
)

// gatewaySignatureHeaders maps each gateway to the header carrying its
// webhook signature.
var gatewaySignatureHeaders = map[db.PaymentMethod]string{
	db.MethodCardpay:   "X-Cardpay-Signature",
	db.MethodWalletpay: "X-VERIFY",
}

// GatewayWebhook handles POST /webhooks/{gateway}. The signature is
// verified over the raw body, so the body is read before any decoding.
func (h *Handlers) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	method := db.PaymentMethod(mux.Vars(r)["gateway"])
	signatureHeader, ok := gatewaySignatureHeaders[method]
	if !ok {
		http.Error(w, "Unknown gateway", http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("failed to read webhook body", "error", err, "gateway", string(method))
		http.Error(w, "Invalid webhook", http.StatusBadRequest)
		return
	}

	err = h.reconciler.HandleWebhook(ctx, method, payload, r.Header.Get(signatureHeader))
	if errors.Is(err, services.ErrInvalidWebhookSignature) {
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}
	if err != nil {
		// Non-2xx makes the provider redeliver; dedup and the conditional
		// update keep the retry safe.
		logger.Error("failed to process webhook", "error", err, "gateway", string(method))
		http.Error(w, "Processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
