package logging

import (
	"context"
	"log/slog"
)

// AuditCategory classifies audit events emitted on order state transitions.
type AuditCategory string

const (
	AuditInfo     AuditCategory = "info"
	AuditWarn     AuditCategory = "warn"
	AuditError    AuditCategory = "error"
	AuditSecurity AuditCategory = "security"
	AuditPayment  AuditCategory = "payment"
)

// AuditLogger records categorized audit events. Every payment state
// transition, refund, and sweep outcome goes through it.
type AuditLogger struct {
	logger *slog.Logger
}

func NewAuditLogger(handler slog.Handler) *AuditLogger {
	if handler == nil {
		return &AuditLogger{logger: discard}
	}
	return &AuditLogger{logger: slog.New(handler)}
}

func (a *AuditLogger) Event(ctx context.Context, category AuditCategory, event string, args ...any) {
	if a == nil || a.logger == nil {
		return
	}

	attrs := append([]any{"category", string(category), "event", event}, args...)
	switch category {
	case AuditError:
		a.logger.ErrorContext(ctx, event, attrs...)
	case AuditWarn, AuditSecurity:
		a.logger.WarnContext(ctx, event, attrs...)
	default:
		a.logger.InfoContext(ctx, event, attrs...)
	}
}
