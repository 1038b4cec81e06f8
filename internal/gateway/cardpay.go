package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cartpilot/cartpilot/internal/cache"
	"github.com/cartpilot/cartpilot/internal/crypto"
	"github.com/cartpilot/cartpilot/internal/db"
	"github.com/cartpilot/cartpilot/internal/observability"
)

// CardpayConfig configures the card/UPI aggregator adapter.
type CardpayConfig struct {
	BaseURL            string
	KeyID              string
	KeySecret          string
	WebhookSecret      string
	IntentTimeout      time.Duration
	StatusCheckTimeout time.Duration
}

// Cardpay talks to the card/UPI aggregator. Auth is a short-lived bearer
// token kept in the shared cache (encrypted at rest) so every instance sees
// the same token; an expired token triggers exactly one forced refresh and
// retry outside the generic retry budget.
type Cardpay struct {
	cfg       CardpayConfig
	client    *http.Client
	cache     cache.Provider
	encryptor crypto.Encryptor
	logger    *slog.Logger
}

func NewCardpay(cfg CardpayConfig, cacheProvider cache.Provider, encryptor crypto.Encryptor, logger *slog.Logger) *Cardpay {
	if cfg.IntentTimeout <= 0 {
		cfg.IntentTimeout = 15 * time.Second
	}
	if cfg.StatusCheckTimeout <= 0 {
		cfg.StatusCheckTimeout = 30 * time.Second
	}
	return &Cardpay{
		cfg:       cfg,
		client:    observability.NewHTTPClient(0, cfg.BaseURL),
		cache:     cacheProvider,
		encryptor: encryptor,
		logger:    logger,
	}
}

func (c *Cardpay) Method() db.PaymentMethod {
	return db.MethodCardpay
}

func (c *Cardpay) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.IntentTimeout)
	defer cancel()

	payload := map[string]any{
		"amount":       req.Amount,
		"currency":     req.Currency,
		"reference":    req.OrderNumber,
		"callback_url": req.CallbackURL,
		"redirect_url": req.RedirectURL,
		"notes":        req.Metadata,
	}

	var raw map[string]any
	err := doWithRetry(ctx, func() error {
		return c.callAuthed(ctx, http.MethodPost, "/v1/payments", payload, &raw)
	})
	if err != nil {
		return nil, err
	}

	id, _ := raw["id"].(string)
	checkoutURL, _ := raw["checkout_url"].(string)
	if id == "" || checkoutURL == "" {
		return nil, fmt.Errorf("%w: payment intent response missing id or checkout_url", ErrProvider)
	}

	return &Intent{
		ProviderTransactionID: id,
		RedirectURL:           checkoutURL,
		RawResponse:           raw,
	}, nil
}

func (c *Cardpay) CheckStatus(ctx context.Context, providerTransactionID string, opts StatusOptions) (*Status, error) {
	_ = opts // cardpay has no presumptive-success rule
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StatusCheckTimeout)
	defer cancel()

	var raw map[string]any
	err := doWithRetry(ctx, func() error {
		return c.callAuthed(ctx, http.MethodGet, "/v1/payments/"+providerTransactionID, nil, &raw)
	})
	if err != nil {
		return nil, err
	}

	state, _ := raw["status"].(string)
	return &Status{
		Succeeded:   state == "captured" || state == "paid",
		State:       state,
		RawResponse: raw,
	}, nil
}

// VerifySignature recomputes HMAC-SHA256 over the raw request body with the
// webhook secret and compares in constant time.
func (c *Cardpay) VerifySignature(payload []byte, signatureHeader string) bool {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.WebhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}

// ParseWebhook decodes a cardpay event envelope. The signed intent bundle
// comes back through the payment's notes, where CreateIntent put it.
func (c *Cardpay) ParseWebhook(payload []byte) (*WebhookEvent, error) {
	var envelope struct {
		ID      string `json:"id"`
		Event   string `json:"event"`
		Payload struct {
			Payment struct {
				ID     string            `json:"id"`
				Status string            `json:"status"`
				Notes  map[string]string `json:"notes"`
			} `json:"payment"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook payload: %v", ErrProvider, err)
	}
	if envelope.ID == "" || envelope.Payload.Payment.ID == "" {
		return nil, fmt.Errorf("%w: webhook payload missing event or payment id", ErrProvider)
	}

	var raw map[string]any
	_ = json.Unmarshal(payload, &raw)

	return &WebhookEvent{
		EventID:       envelope.ID,
		State:         envelope.Payload.Payment.Status,
		Succeeded:     envelope.Event == "payment.captured",
		Failed:        envelope.Event == "payment.failed",
		TransactionID: envelope.Payload.Payment.ID,
		Bundle:        envelope.Payload.Payment.Notes["bundle"],
		RawResponse:   raw,
	}, nil
}

func (c *Cardpay) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StatusCheckTimeout)
	defer cancel()

	payload := map[string]any{
		"amount":    req.Amount,
		"refund_id": req.RefundID,
		"notes":     req.Metadata,
	}

	var raw map[string]any
	err := doWithRetry(ctx, func() error {
		return c.callAuthed(ctx, http.MethodPost, "/v1/payments/"+req.ProviderTransactionID+"/refunds", payload, &raw)
	})
	if err != nil {
		return nil, err
	}

	providerRefundID, _ := raw["id"].(string)
	state, _ := raw["status"].(string)
	return &RefundResult{
		RefundID:         req.RefundID,
		ProviderRefundID: providerRefundID,
		State:            state,
	}, nil
}

// callAuthed performs one authenticated call. On an auth failure it discards
// the cached token, refreshes, and retries exactly once.
func (c *Cardpay) callAuthed(ctx context.Context, method, path string, payload any, out *map[string]any) error {
	token, err := c.getToken(ctx)
	if err != nil {
		return err
	}

	err = c.doJSON(ctx, method, path, token, payload, out)
	if !errors.Is(err, ErrAuth) {
		return err
	}

	c.logger.Warn("cardpay token rejected, forcing refresh", "path", path)
	if delErr := c.cache.Delete(ctx, cache.GatewayTokenKey("cardpay")); delErr != nil {
		c.logger.Warn("failed to drop cached cardpay token", "error", delErr)
	}
	token, err = c.getToken(ctx)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, method, path, token, payload, out)
}

func (c *Cardpay) doJSON(ctx context.Context, method, path, token string, payload any, out *map[string]any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
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

func (c *Cardpay) getToken(ctx context.Context) (string, error) {
	cached, err := c.cache.Get(ctx, cache.GatewayTokenKey("cardpay"))
	if err == nil {
		token, decryptErr := c.encryptor.Decrypt(cached)
		if decryptErr == nil {
			return token, nil
		}
		c.logger.Warn("failed to decrypt cached cardpay token, refreshing", "error", decryptErr)
	}

	return c.fetchToken(ctx)
}

func (c *Cardpay) fetchToken(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"key_id":     c.cfg.KeyID,
		"key_secret": c.cfg.KeySecret,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/auth/tokens", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyHTTPErr(err, 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrAuth, resp.StatusCode)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: failed to decode token response: %v", ErrAuth, err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrAuth)
	}

	ttl := time.Duration(result.ExpiresIn) * time.Second
	if ttl > 5*time.Minute {
		ttl -= 5 * time.Minute // refresh before the provider-side expiry
	}
	encrypted, err := c.encryptor.Encrypt(result.AccessToken)
	if err != nil {
		c.logger.Warn("failed to encrypt cardpay token for cache", "error", err)
		return result.AccessToken, nil
	}
	if err := c.cache.Set(ctx, cache.GatewayTokenKey("cardpay"), encrypted, ttl); err != nil {
		c.logger.Warn("failed to cache cardpay token", "error", err)
	}

	return result.AccessToken, nil
}
