package handlers

import (
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
)

type verifyPaymentRequest struct {
	Bundle string `json:"bundle" validate:"required"`
}

// VerifyPayment handles POST /api/payments/verify: the synchronous
// confirmation path the client calls right after the provider flow
// completes in-page.
func (h *Handlers) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyPaymentRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation_error"})
		return
	}

	order, err := h.reconciler.VerifyPayment(r.Context(), req.Bundle)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// PaymentReturn handles GET /payments/{gateway}/return/{orderNumber}: the
// provider redirects the browser here. Replays (back button, refresh) land
// on the same terminal answer. The browser ends up on a success or failure
// page rather than a JSON body.
func (h *Handlers) PaymentReturn(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	orderNumber := vars["orderNumber"]
	bundleToken := r.URL.Query().Get("bundle")

	result, err := h.reconciler.HandleReturn(r.Context(), orderNumber, bundleToken)
	if err != nil {
		h.loggerFromContext(r.Context()).Warn("payment return failed", "error", err, "order_number", orderNumber)
		http.Redirect(w, r, h.returnRedirect(orderNumber, "error"), http.StatusSeeOther)
		return
	}

	outcome := "failed"
	if result.Succeeded {
		outcome = "success"
	}
	http.Redirect(w, r, h.returnRedirect(orderNumber, outcome), http.StatusSeeOther)
}

func (h *Handlers) returnRedirect(orderNumber, outcome string) string {
	return h.config.BaseURL + "/orders/" + url.PathEscape(orderNumber) + "?payment=" + outcome
}
