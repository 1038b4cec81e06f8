package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cartpilot/cartpilot/internal/db"
)

type refundRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type partialRefundRequest struct {
	Amount int64  `json:"amount" validate:"required,gt=0"`
	Reason string `json:"reason" validate:"required,max=500"`
}

// AdminFullRefund handles POST /api/admin/orders/{id}/refund.
func (h *Handlers) AdminFullRefund(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid order id", Code: "validation_error"})
		return
	}
	var req refundRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation_error"})
		return
	}

	order, err := h.refunds.FullRefund(r.Context(), orderID, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// AdminPartialRefund handles POST /api/admin/orders/{id}/refund/partial.
func (h *Handlers) AdminPartialRefund(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid order id", Code: "validation_error"})
		return
	}
	var req partialRefundRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation_error"})
		return
	}

	order, err := h.refunds.PartialRefund(r.Context(), orderID, req.Amount, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type fulfillmentRequest struct {
	From string `json:"from" validate:"required,oneof=pending processing shipped"`
	To   string `json:"to" validate:"required,oneof=processing shipped delivered"`
}

// AdminUpdateFulfillment handles POST /api/admin/orders/{id}/status.
func (h *Handlers) AdminUpdateFulfillment(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid order id", Code: "validation_error"})
		return
	}
	var req fulfillmentRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation_error"})
		return
	}

	err = h.reconciler.UpdateFulfillment(r.Context(), orderID, db.OrderStatus(req.From), db.OrderStatus(req.To))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.To})
}

type sweeperStatusResponse struct {
	Running        bool   `json:"running"`
	Interval       string `json:"interval"`
	PendingTimeout string `json:"pending_timeout"`
}

func (h *Handlers) sweeperStatus() sweeperStatusResponse {
	interval, timeout := h.sweeper.Config()
	return sweeperStatusResponse{
		Running:        h.sweeper.Running(),
		Interval:       interval.String(),
		PendingTimeout: timeout.String(),
	}
}

// AdminSweeperStatus handles GET /api/admin/sweeper.
func (h *Handlers) AdminSweeperStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sweeperStatus())
}

// AdminSweeperStart handles POST /api/admin/sweeper/start.
func (h *Handlers) AdminSweeperStart(w http.ResponseWriter, r *http.Request) {
	h.sweeper.Start()
	writeJSON(w, http.StatusOK, h.sweeperStatus())
}

// AdminSweeperStop handles POST /api/admin/sweeper/stop.
func (h *Handlers) AdminSweeperStop(w http.ResponseWriter, r *http.Request) {
	h.sweeper.Stop()
	writeJSON(w, http.StatusOK, h.sweeperStatus())
}

// AdminSweeperRun handles POST /api/admin/sweeper/run: force one sweep now.
func (h *Handlers) AdminSweeperRun(w http.ResponseWriter, r *http.Request) {
	canceled, err := h.sweeper.RunNow(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"canceled": canceled})
}

type sweeperConfigRequest struct {
	Interval       string `json:"interval" validate:"required"`
	PendingTimeout string `json:"pending_timeout" validate:"required"`
}

// AdminSweeperConfigure handles PUT /api/admin/sweeper/config.
func (h *Handlers) AdminSweeperConfigure(w http.ResponseWriter, r *http.Request) {
	var req sweeperConfigRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation_error"})
		return
	}

	interval, err := time.ParseDuration(req.Interval)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid interval duration", Code: "validation_error"})
		return
	}
	timeout, err := time.ParseDuration(req.PendingTimeout)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid pending_timeout duration", Code: "validation_error"})
		return
	}

	if err := h.sweeper.Reconfigure(interval, timeout); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation_error"})
		return
	}
	writeJSON(w, http.StatusOK, h.sweeperStatus())
}
