package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cartpilot/cartpilot/internal/config"
	"github.com/cartpilot/cartpilot/internal/handlers"
)

type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	handlers   *handlers.Handlers
	httpServer *http.Server
}

func New(cfg *config.Config, logger *slog.Logger, h *handlers.Handlers) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if h == nil {
		return nil, fmt.Errorf("handlers are required")
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		handlers: h,
	}

	router := s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s, nil
}

func (s *Server) Run() error {
	s.logger.Info("server starting", "port", s.cfg.Port)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}

	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) buildRouter() *mux.Router {
	h := s.handlers

	r := mux.NewRouter()
	r.Use(h.RequestLogger)
	r.Use(h.SecurityHeaders)
	r.Use(h.AttachIdentity)
	r.Use(h.MetricsContext)

	r.HandleFunc("/health", h.Health).Methods("GET").Name("health")

	// Server-to-server inbound.
	r.HandleFunc("/webhooks/{gateway}", h.GatewayWebhook).Methods("POST").Name("webhooks.gateway")

	// Browser return from the provider's checkout flow.
	r.HandleFunc("/payments/{gateway}/return/{orderNumber}", h.PaymentReturn).Methods("GET").Name("payments.return")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/orders", h.CreateOrder).Methods("POST").Name("orders.create")
	api.HandleFunc("/orders/{orderNumber}", h.GetOrder).Methods("GET").Name("orders.get")
	api.HandleFunc("/payments/verify", h.VerifyPayment).Methods("POST").Name("payments.verify")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(h.RequireAdmin)
	admin.HandleFunc("/orders/{id}/refund", h.AdminFullRefund).Methods("POST").Name("admin.orders.refund")
	admin.HandleFunc("/orders/{id}/refund/partial", h.AdminPartialRefund).Methods("POST").Name("admin.orders.refund.partial")
	admin.HandleFunc("/orders/{id}/status", h.AdminUpdateFulfillment).Methods("POST").Name("admin.orders.status")
	admin.HandleFunc("/sweeper", h.AdminSweeperStatus).Methods("GET").Name("admin.sweeper.status")
	admin.HandleFunc("/sweeper/start", h.AdminSweeperStart).Methods("POST").Name("admin.sweeper.start")
	admin.HandleFunc("/sweeper/stop", h.AdminSweeperStop).Methods("POST").Name("admin.sweeper.stop")
	admin.HandleFunc("/sweeper/run", h.AdminSweeperRun).Methods("POST").Name("admin.sweeper.run")
	admin.HandleFunc("/sweeper/config", h.AdminSweeperConfigure).Methods("PUT").Name("admin.sweeper.config")

	return r
}
