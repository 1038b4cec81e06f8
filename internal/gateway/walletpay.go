package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cartpilot/cartpilot/internal/db"
	"github.com/cartpilot/cartpilot/internal/observability"
)

// WalletpayConfig configures the wallet aggregator adapter.
type WalletpayConfig struct {
	BaseURL            string
	MerchantID         string
	SaltKey            string
	SaltIndex          string
	IntentTimeout      time.Duration
	StatusCheckTimeout time.Duration
	// PresumeSuccessOnReturnTimeout treats a status-check timeout during a
	// return flow as success: the redirect back is taken as evidence the
	// provider completed its flow. Presumed orders carry a marker in the raw
	// response so a reconciliation job can re-verify them later.
	PresumeSuccessOnReturnTimeout bool
}

// Walletpay talks to the wallet aggregator. Requests and webhooks are signed
// with a salted HMAC in the X-VERIFY format <hex-signature>###<key-index>.
type Walletpay struct {
	cfg    WalletpayConfig
	client *http.Client
	logger *slog.Logger
}

func NewWalletpay(cfg WalletpayConfig, logger *slog.Logger) *Walletpay {
	if cfg.IntentTimeout <= 0 {
		cfg.IntentTimeout = 15 * time.Second
	}
	if cfg.StatusCheckTimeout <= 0 {
		cfg.StatusCheckTimeout = 30 * time.Second
	}
	if cfg.SaltIndex == "" {
		cfg.SaltIndex = "1"
	}
	return &Walletpay{
		cfg:    cfg,
		client: observability.NewHTTPClient(0, cfg.BaseURL),
		logger: logger,
	}
}

func (w *Walletpay) Method() db.PaymentMethod {
	return db.MethodWalletpay
}

func (w *Walletpay) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.IntentTimeout)
	defer cancel()

	merchantTxnID := w.cfg.MerchantID + "-" + req.OrderNumber
	payload := map[string]any{
		"merchantId":            w.cfg.MerchantID,
		"merchantTransactionId": merchantTxnID,
		"amount":                req.Amount,
		"redirectUrl":           req.RedirectURL,
		"callbackUrl":           req.CallbackURL,
		"metadata":              req.Metadata,
	}

	var raw map[string]any
	err := doWithRetry(ctx, func() error {
		return w.post(ctx, "/pg/v1/pay", payload, &raw)
	})
	if err != nil {
		return nil, err
	}

	redirectURL := digString(raw, "instrumentResponse", "redirectInfo", "url")
	if redirectURL == "" {
		return nil, fmt.Errorf("%w: pay response missing redirect url", ErrProvider)
	}

	return &Intent{
		ProviderTransactionID: merchantTxnID,
		RedirectURL:           redirectURL,
		RawResponse:           raw,
	}, nil
}

func (w *Walletpay) CheckStatus(ctx context.Context, providerTransactionID string, opts StatusOptions) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.StatusCheckTimeout)
	defer cancel()

	path := "/pg/v1/status/" + w.cfg.MerchantID + "/" + providerTransactionID

	var raw map[string]any
	err := doWithRetry(ctx, func() error {
		return w.get(ctx, path, &raw)
	})
	if err != nil {
		if errors.Is(err, ErrTimeout) && opts.AfterRedirect && w.cfg.PresumeSuccessOnReturnTimeout {
			w.logger.Warn("walletpay status check timed out after redirect, presuming success",
				"transaction_id", providerTransactionID)
			return &Status{
				Succeeded: true,
				State:     "PRESUMED_SUCCESS",
				Presumed:  true,
				RawResponse: map[string]any{
					"presumed": true,
					"reason":   "status check timeout during return flow",
				},
			}, nil
		}
		return nil, err
	}

	state, _ := raw["code"].(string)
	return &Status{
		Succeeded:   state == "PAYMENT_SUCCESS",
		State:       state,
		RawResponse: raw,
	}, nil
}

// VerifySignature checks the <hex-signature>###<key-index> header against an
// HMAC-SHA256 of the raw request body. The key index must match ours and the
// signature comparison is constant time.
func (w *Walletpay) VerifySignature(payload []byte, signatureHeader string) bool {
	parts := strings.Split(strings.TrimSpace(signatureHeader), "###")
	if len(parts) != 2 {
		return false
	}
	if parts[1] != w.cfg.SaltIndex {
		return false
	}

	return hmac.Equal([]byte(w.sign(payload)), []byte(parts[0]))
}

// ParseWebhook decodes a walletpay callback: the body wraps a base64 JSON
// document in a "response" field. The X-VERIFY signature covers the raw
// outer body, so verification happens before this is called.
func (w *Walletpay) ParseWebhook(payload []byte) (*WebhookEvent, error) {
	var outer struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(payload, &outer); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook payload: %v", ErrProvider, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(outer.Response)
	if err != nil {
		return nil, fmt.Errorf("%w: webhook response is not base64: %v", ErrProvider, err)
	}

	var inner struct {
		EventID               string            `json:"eventId"`
		Code                  string            `json:"code"`
		MerchantTransactionID string            `json:"merchantTransactionId"`
		Metadata              map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(decoded, &inner); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook response: %v", ErrProvider, err)
	}
	if inner.MerchantTransactionID == "" {
		return nil, fmt.Errorf("%w: webhook missing merchant transaction id", ErrProvider)
	}

	eventID := inner.EventID
	if eventID == "" {
		// Walletpay callbacks carry no event id; the transaction plus the
		// outcome is the replay identity.
		eventID = inner.MerchantTransactionID + ":" + inner.Code
	}

	var raw map[string]any
	_ = json.Unmarshal(decoded, &raw)

	return &WebhookEvent{
		EventID:       eventID,
		State:         inner.Code,
		Succeeded:     inner.Code == "PAYMENT_SUCCESS",
		Failed:        inner.Code == "PAYMENT_ERROR" || inner.Code == "PAYMENT_DECLINED",
		TransactionID: inner.MerchantTransactionID,
		Bundle:        inner.Metadata["bundle"],
		RawResponse:   raw,
	}, nil
}

func (w *Walletpay) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.StatusCheckTimeout)
	defer cancel()

	payload := map[string]any{
		"merchantId":            w.cfg.MerchantID,
		"originalTransactionId": req.ProviderTransactionID,
		"merchantRefundId":      req.RefundID,
		"amount":                req.Amount,
		"metadata":              req.Metadata,
	}

	var raw map[string]any
	err := doWithRetry(ctx, func() error {
		return w.post(ctx, "/pg/v1/refund", payload, &raw)
	})
	if err != nil {
		return nil, err
	}

	providerRefundID, _ := raw["transactionId"].(string)
	state, _ := raw["code"].(string)
	return &RefundResult{
		RefundID:         req.RefundID,
		ProviderRefundID: providerRefundID,
		State:            state,
	}, nil
}

func (w *Walletpay) post(ctx context.Context, path string, payload any, out *map[string]any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	wrapped, err := json.Marshal(map[string]string{
		"request": base64.StdEncoding.EncodeToString(encoded),
	})
	if err != nil {
		return fmt.Errorf("failed to wrap request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.BaseURL+path, bytes.NewReader(wrapped))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-VERIFY", w.sign(append(encoded, []byte(path)...))+"###"+w.cfg.SaltIndex)

	return w.do(req, out)
}

func (w *Walletpay) get(ctx context.Context, path string, out *map[string]any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-VERIFY", w.sign([]byte(path))+"###"+w.cfg.SaltIndex)
	req.Header.Set("X-MERCHANT-ID", w.cfg.MerchantID)

	return w.do(req, out)
}

func (w *Walletpay) do(req *http.Request, out *map[string]any) error {
	resp, err := w.client.Do(req)
	if err != nil {
		return classifyHTTPErr(err, 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := classifyHTTPErr(nil, resp.StatusCode); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: failed to decode response: %v", ErrProvider, err)
		}
	}
	return nil
}

func (w *Walletpay) sign(data []byte) string {
	mac := hmac.New(sha256.New, []byte(w.cfg.SaltKey))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func digString(m map[string]any, keys ...string) string {
	current := m
	for i, key := range keys {
		if i == len(keys)-1 {
			value, _ := current[key].(string)
			return value
		}
		next, ok := current[key].(map[string]any)
		if !ok {
			return ""
		}
		current = next
	}
	return ""
}
