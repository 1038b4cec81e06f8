package services

import "errors"

var (
	// ErrMissingIdempotencyKey rejects creation requests without a caller key;
	// the handler turns this into a hard 400 before any processing.
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")

	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")

	// ErrPaymentVerificationFailed covers signature mismatches and provider
	// states that contradict the claimed success. Always audited as a
	// security event.
	ErrPaymentVerificationFailed = errors.New("payment verification failed")

	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrRefundIneligible marks business-rule refund rejections: unpaid,
	// already refunded, or missing provider transaction.
	ErrRefundIneligible = errors.New("order is not eligible for refund")
)
