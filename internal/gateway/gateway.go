// Package gateway provides a uniform adapter interface over the two external
// payment providers: the card/UPI aggregator (cardpay) and the wallet
// aggregator (walletpay).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cartpilot/cartpilot/internal/db"
)

var (
	// ErrTimeout marks a provider call cut off by the client-side timeout.
	// Creation treats it as failure; a post-redirect status check may treat
	// it as presumptive success.
	ErrTimeout = errors.New("gateway timeout")
	// ErrProvider marks a definitive provider-side rejection.
	ErrProvider = errors.New("gateway error")
	// ErrAuth marks an authentication failure after the one forced refresh.
	ErrAuth = errors.New("gateway authentication failed")
)

type IntentRequest struct {
	OrderNumber string
	Amount      int64
	Currency    string
	CallbackURL string
	RedirectURL string
	Metadata    map[string]string
}

type Intent struct {
	ProviderTransactionID string
	RedirectURL           string
	RawResponse           map[string]any
}

type StatusOptions struct {
	// AfterRedirect marks the call as part of a return flow: the provider
	// already redirected the user back, which some providers treat as
	// evidence of completion when the status check itself times out.
	AfterRedirect bool
}

type Status struct {
	Succeeded   bool
	State       string
	Presumed    bool
	RawResponse map[string]any
}

// WebhookEvent is a provider webhook normalized to the fields the
// reconciliation engine acts on. Events that are neither Succeeded nor
// Failed are acknowledged and ignored.
type WebhookEvent struct {
	EventID       string
	State         string
	Succeeded     bool
	Failed        bool
	TransactionID string
	// Bundle is the signed checkout bundle echoed back through provider
	// metadata, when the intent carried one.
	Bundle      string
	RawResponse map[string]any
}

type RefundRequest struct {
	ProviderTransactionID string
	Amount                int64
	RefundID              string
	Metadata              map[string]string
}

type RefundResult struct {
	RefundID         string
	ProviderRefundID string
	State            string
}

// Adapter is the uniform contract both providers satisfy.
type Adapter interface {
	Method() db.PaymentMethod
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	CheckStatus(ctx context.Context, providerTransactionID string, opts StatusOptions) (*Status, error)
	VerifySignature(payload []byte, signatureHeader string) bool
	ParseWebhook(payload []byte) (*WebhookEvent, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// maxRetries bounds transient-error retries to a single attempt: a duplicate
// provider-side charge is worse than a failed request surfaced to the user.
const maxRetries = 1

const retryBackoffBase = 500 * time.Millisecond

// doWithRetry runs fn up to maxRetries+1 times with bounded exponential
// backoff, retrying only transient failures.
func doWithRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) || attempt >= maxRetries {
			return err
		}

		backoff := retryBackoffBase << attempt
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return classifyContextErr(ctx.Err())
		}
	}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func markTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

func classifyContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// classifyHTTPErr maps transport failures onto the gateway taxonomy. Network
// errors and 5xx responses are transient; a timeout is terminal because the
// retry could double-charge.
func classifyHTTPErr(err error, status int) error {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return markTransient(fmt.Errorf("%w: %v", ErrProvider, err))
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuth, status)
	case status >= 500:
		return markTransient(fmt.Errorf("%w: status %d", ErrProvider, status))
	case status >= 400:
		return fmt.Errorf("%w: status %d", ErrProvider, status)
	default:
		return nil
	}
}
