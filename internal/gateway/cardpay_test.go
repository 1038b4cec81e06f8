package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cartpilot/cartpilot/internal/cache"
	"github.com/cartpilot/cartpilot/internal/crypto"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef"

func newTestCardpay(t *testing.T, baseURL string) *Cardpay {
	t.Helper()

	cacheProvider, err := cache.NewMemoryProvider()
	if err != nil {
		t.Fatalf("NewMemoryProvider: %v", err)
	}
	t.Cleanup(func() { cacheProvider.Close() })

	encryptor, err := crypto.NewEncryptor(testEncryptionKey)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	return NewCardpay(CardpayConfig{
		BaseURL:            baseURL,
		KeyID:              "key_test",
		KeySecret:          "secret_test",
		WebhookSecret:      "whsec_test",
		IntentTimeout:      5 * time.Second,
		StatusCheckTimeout: 5 * time.Second,
	}, cacheProvider, encryptor, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCardpay_CreateIntent(t *testing.T) {
	t.Parallel()

	var tokenCalls, paymentCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/tokens":
			tokenCalls.Add(1)
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok_1", "expires_in": 3600})
		case "/v1/payments":
			paymentCalls.Add(1)
			if r.Header.Get("Authorization") != "Bearer tok_1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["reference"] != "ORD-20260829-000001" {
				t.Errorf("unexpected reference: %v", body["reference"])
			}
			notes, _ := body["notes"].(map[string]any)
			if notes["bundle"] != "signed-bundle" {
				t.Errorf("metadata not forwarded as notes: %v", body["notes"])
			}
			json.NewEncoder(w).Encode(map[string]any{"id": "pay_1", "checkout_url": "https://cardpay.test/checkout/pay_1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	adapter := newTestCardpay(t, srv.URL)
	intent, err := adapter.CreateIntent(context.Background(), IntentRequest{
		OrderNumber: "ORD-20260829-000001",
		Amount:      1249,
		Currency:    "INR",
		Metadata:    map[string]string{"bundle": "signed-bundle"},
	})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if intent.ProviderTransactionID != "pay_1" {
		t.Errorf("transaction id = %q, want pay_1", intent.ProviderTransactionID)
	}
	if intent.RedirectURL != "https://cardpay.test/checkout/pay_1" {
		t.Errorf("redirect url = %q", intent.RedirectURL)
	}
	if tokenCalls.Load() != 1 {
		t.Errorf("token calls = %d, want 1", tokenCalls.Load())
	}
}

func TestCardpay_TokenRefreshOnRejection(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/tokens":
			n := tokenCalls.Add(1)
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "tok_" + string(rune('0'+n)),
				"expires_in":   3600,
			})
		case "/v1/payments/pay_1":
			// The first token is always rejected to force a refresh.
			if r.Header.Get("Authorization") == "Bearer tok_1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"status": "captured"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	adapter := newTestCardpay(t, srv.URL)
	status, err := adapter.CheckStatus(context.Background(), "pay_1", StatusOptions{})
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if !status.Succeeded || status.State != "captured" {
		t.Errorf("status = %+v, want captured", status)
	}
	if tokenCalls.Load() != 2 {
		t.Errorf("token calls = %d, want 2 (initial fetch plus forced refresh)", tokenCalls.Load())
	}
}

func TestCardpay_VerifySignature(t *testing.T) {
	t.Parallel()

	adapter := newTestCardpay(t, "http://unused")
	payload := []byte(`{"id":"evt_1"}`)

	mac := hmac.New(sha256.New, []byte("whsec_test"))
	mac.Write(payload)
	valid := hex.EncodeToString(mac.Sum(nil))

	tests := []struct {
		name      string
		payload   []byte
		signature string
		want      bool
	}{
		{name: "valid signature", payload: payload, signature: valid, want: true},
		{name: "valid signature with whitespace", payload: payload, signature: "  " + valid + "\n", want: true},
		{name: "wrong signature", payload: payload, signature: "deadbeef", want: false},
		{name: "signature over different body", payload: []byte(`{"id":"evt_2"}`), signature: valid, want: false},
		{name: "empty header", payload: payload, signature: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := adapter.VerifySignature(tt.payload, tt.signature); got != tt.want {
				t.Errorf("VerifySignature = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCardpay_ParseWebhook(t *testing.T) {
	t.Parallel()

	adapter := newTestCardpay(t, "http://unused")

	t.Run("captured event", func(t *testing.T) {
		t.Parallel()

		event, err := adapter.ParseWebhook([]byte(`{
			"id": "evt_1",
			"event": "payment.captured",
			"payload": {"payment": {"id": "pay_1", "status": "captured", "notes": {"bundle": "signed-bundle"}}}
		}`))
		if err != nil {
			t.Fatalf("ParseWebhook: %v", err)
		}
		if event.EventID != "evt_1" || !event.Succeeded || event.Failed {
			t.Errorf("unexpected event: %+v", event)
		}
		if event.TransactionID != "pay_1" || event.Bundle != "signed-bundle" {
			t.Errorf("unexpected payment fields: %+v", event)
		}
	})

	t.Run("failed event", func(t *testing.T) {
		t.Parallel()

		event, err := adapter.ParseWebhook([]byte(`{
			"id": "evt_2",
			"event": "payment.failed",
			"payload": {"payment": {"id": "pay_2", "status": "failed"}}
		}`))
		if err != nil {
			t.Fatalf("ParseWebhook: %v", err)
		}
		if event.Succeeded || !event.Failed {
			t.Errorf("unexpected event: %+v", event)
		}
	})

	t.Run("unrelated event is neither succeeded nor failed", func(t *testing.T) {
		t.Parallel()

		event, err := adapter.ParseWebhook([]byte(`{
			"id": "evt_3",
			"event": "payment.authorized",
			"payload": {"payment": {"id": "pay_3", "status": "authorized"}}
		}`))
		if err != nil {
			t.Fatalf("ParseWebhook: %v", err)
		}
		if event.Succeeded || event.Failed {
			t.Errorf("unexpected event: %+v", event)
		}
	})

	t.Run("missing ids", func(t *testing.T) {
		t.Parallel()

		if _, err := adapter.ParseWebhook([]byte(`{"event": "payment.captured"}`)); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		t.Parallel()

		if _, err := adapter.ParseWebhook([]byte("not json")); err == nil {
			t.Fatal("expected error")
		}
	})
}
