package engine

import "context"

// =============================================================================
// AUDIT SINK - Side-effecting log of every mutating operation
// =============================================================================

// AuditEvent describes one mutation. The engine emits these; persisting
// them is the sink's business.
type AuditEvent struct {
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Meta       map[string]any
}

// AuditSink receives one event per mutating engine operation. Sink
// failures must not fail the operation, so Record returns nothing.
type AuditSink interface {
	Record(ctx context.Context, e AuditEvent)
}

// NopAuditSink discards events. Used when no sink is wired.
type NopAuditSink struct{}

func (NopAuditSink) Record(ctx context.Context, e AuditEvent) {}
