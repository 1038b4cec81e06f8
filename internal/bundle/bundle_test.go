package bundle

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cartpilot/cartpilot/internal/db"
	"github.com/cartpilot/cartpilot/internal/pricing"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testCheckout() Checkout {
	userID := uuid.New()
	return Checkout{
		OrderNumber:      "ORD-20260829-000042",
		CallerKey:        "idem-key-1",
		PaymentMethod:    db.MethodCardpay,
		GatewayOrderID:   "pay_abc123",
		IsRegisteredUser: true,
		UserID:           &userID,
		CustomerName:     "Asha",
		CustomerEmail:    "asha@example.com",
		Items:            []pricing.ItemRequest{{ProductID: uuid.New(), Quantity: 2}},
		AppliedCoupons:   []string{"SAVE100"},
		EchoedTotal:      1249,
	}
}

func TestSigner_RoundTrip(t *testing.T) {
	t.Parallel()

	signer, err := NewSigner(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	want := testCheckout()
	token, err := signer.Sign(want)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	got, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.OrderNumber != want.OrderNumber || got.CallerKey != want.CallerKey {
		t.Errorf("checkout identity mismatch: %+v", got)
	}
	if got.PaymentMethod != want.PaymentMethod || got.GatewayOrderID != want.GatewayOrderID {
		t.Errorf("payment fields mismatch: %+v", got)
	}
	if got.EchoedTotal != want.EchoedTotal || len(got.Items) != 1 || got.Items[0].Quantity != 2 {
		t.Errorf("cart fields mismatch: %+v", got)
	}
	if got.UserID == nil || *got.UserID != *want.UserID {
		t.Errorf("user id mismatch: %v", got.UserID)
	}
}

func TestSigner_Verify(t *testing.T) {
	t.Parallel()

	signer, err := NewSigner(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	t.Run("tampered token", func(t *testing.T) {
		t.Parallel()

		token, err := signer.Sign(testCheckout())
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		parts := strings.Split(token, ".")
		parts[1] += "xx"
		if _, err := signer.Verify(strings.Join(parts, ".")); !errors.Is(err, ErrInvalidBundle) {
			t.Fatalf("expected ErrInvalidBundle, got %v", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()

		other, err := NewSigner("ffffffffffffffffffffffffffffffff", time.Hour)
		if err != nil {
			t.Fatalf("NewSigner: %v", err)
		}
		token, err := other.Sign(testCheckout())
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if _, err := signer.Verify(token); !errors.Is(err, ErrInvalidBundle) {
			t.Fatalf("expected ErrInvalidBundle, got %v", err)
		}
	})

	t.Run("garbage input", func(t *testing.T) {
		t.Parallel()

		if _, err := signer.Verify("not-a-token"); !errors.Is(err, ErrInvalidBundle) {
			t.Fatalf("expected ErrInvalidBundle, got %v", err)
		}
	})

	t.Run("missing required fields", func(t *testing.T) {
		t.Parallel()

		checkout := testCheckout()
		checkout.CallerKey = ""
		token, err := signer.Sign(checkout)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if _, err := signer.Verify(token); !errors.Is(err, ErrInvalidBundle) {
			t.Fatalf("expected ErrInvalidBundle, got %v", err)
		}
	})

	t.Run("invalid payment method", func(t *testing.T) {
		t.Parallel()

		checkout := testCheckout()
		checkout.PaymentMethod = "bankdraft"
		token, err := signer.Sign(checkout)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if _, err := signer.Verify(token); !errors.Is(err, ErrInvalidBundle) {
			t.Fatalf("expected ErrInvalidBundle, got %v", err)
		}
	})
}

func TestSigner_Expiry(t *testing.T) {
	t.Parallel()

	signer, err := NewSigner(testSecret, time.Millisecond)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	token, err := signer.Sign(testCheckout())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if _, err := signer.Verify(token); !errors.Is(err, ErrExpiredBundle) {
		t.Fatalf("expected ErrExpiredBundle, got %v", err)
	}
}

func TestNewSigner_ShortSecret(t *testing.T) {
	t.Parallel()

	if _, err := NewSigner("too-short", time.Hour); err == nil {
		t.Fatal("expected error for short secret")
	}
}
