package logging

import (
	"context"
	"log/slog"
)

// AuditEvent describes a security-sensitive operation for the audit trail.
// Token and secret values must never be placed in an AuditEvent; only keys,
// actors, and outcomes are recorded.
type AuditEvent struct {
	// Action is the operation performed, e.g. "storage_set", "token_refresh".
	Action string

	// Key is the logical resource the action touched (storage key, provider
	// name, server URL). Never a credential value.
	Key string

	// Outcome is "success" or "failure".
	Outcome string

	// Actor identifies who performed the action (user ID or "system").
	Actor string

	// Detail is an optional human-readable note, e.g. an error summary.
	Detail string
}

// Audit logs an audit event at INFO level with an [AUDIT] prefix so log
// aggregation systems can filter the audit trail. Audit logging is
// best-effort: it never returns an error and must never block the operation
// being audited.
func Audit(event AuditEvent) {
	l := logger()

	attrs := []slog.Attr{
		slog.String("action", event.Action),
		slog.String("outcome", event.Outcome),
	}
	if event.Key != "" {
		attrs = append(attrs, slog.String("key", event.Key))
	}
	if event.Actor != "" {
		attrs = append(attrs, slog.String("actor", event.Actor))
	}
	if event.Detail != "" {
		attrs = append(attrs, slog.String("detail", event.Detail))
	}

	l.LogAttrs(context.Background(), slog.LevelInfo, "[AUDIT] "+event.Action, attrs...)
}
