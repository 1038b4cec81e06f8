// Package bundle signs and verifies the pending-checkout bundle that stands
// in for server-side session state on gateway-mediated orders. The client
// echoes the bundle back on every confirmation path; it is untrusted input
// and everything inside it is re-validated before an order row is written.
package bundle

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/cartpilot/cartpilot/internal/db"
	"github.com/cartpilot/cartpilot/internal/pricing"
)

var (
	ErrInvalidBundle = errors.New("invalid checkout bundle")
	ErrExpiredBundle = errors.New("checkout bundle expired")
)

// Checkout carries everything needed to finalize a gateway-mediated order
// after the provider confirms payment. Totals are echoed for display only;
// the charge amount is recomputed server-side at finalization.
type Checkout struct {
	OrderNumber    string                `json:"order_number"`
	CallerKey      string                `json:"caller_key"`
	PaymentMethod  db.PaymentMethod      `json:"payment_method"`
	GatewayOrderID string                `json:"gateway_order_id"`

	IsRegisteredUser bool       `json:"is_registered_user"`
	UserID           *uuid.UUID `json:"user_id,omitempty"`
	CustomerName     string     `json:"customer_name"`
	CustomerEmail    string     `json:"customer_email"`
	CustomerPhone    string     `json:"customer_phone"`

	Items          []pricing.ItemRequest `json:"items"`
	AppliedCoupons []string              `json:"applied_coupons"`
	EchoedTotal    int64                 `json:"echoed_total"`
}

type claims struct {
	Checkout Checkout `json:"checkout"`
	jwt.RegisteredClaims
}

type Signer struct {
	secret []byte
	ttl    time.Duration
}

func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("bundle signing secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{secret: []byte(secret), ttl: ttl}, nil
}

func (s *Signer) Sign(checkout Checkout) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Checkout: checkout,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Subject:   checkout.OrderNumber,
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign checkout bundle: %w", err)
	}
	return signed, nil
}

func (s *Signer) Verify(tokenString string) (*Checkout, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredBundle
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidBundle
	}
	if c.Checkout.OrderNumber == "" || c.Checkout.CallerKey == "" || !c.Checkout.PaymentMethod.Valid() {
		return nil, fmt.Errorf("%w: missing required fields", ErrInvalidBundle)
	}
	return &c.Checkout, nil
}
