/*
audit.go - SQLite-backed audit trail

PURPOSE:
  Records who did what to which entity, best-effort: audit writes never
  fail the operation they describe. The sink satisfies engine.AuditSink
  and shares the store's database and writer lock.
*/
package sqlite

import (
	"context"
	"time"

	"github.com/fleetpay/settlement-engine/engine"
)

// AuditSink writes audit events to the store's audit_log table.
type AuditSink struct {
	store *Store
}

// NewAuditSink returns a sink recording into the given store.
func NewAuditSink(store *Store) *AuditSink {
	return &AuditSink{store: store}
}

// Record inserts one audit row. Errors are swallowed: an audit failure
// must not fail the audited operation.
func (a *AuditSink) Record(ctx context.Context, e engine.AuditEvent) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	a.store.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, entity_type, entity_id, meta_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Actor, e.Action, e.EntityType, e.EntityID, metaJSON(e.Meta),
		time.Now().UTC().Format(time.RFC3339))
}
