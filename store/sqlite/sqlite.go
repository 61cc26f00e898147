/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements engine.Store and engine.TxStore using SQLite. In production,
  the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

UNIQUENESS IS ENFORCED HERE:
  The row-granularity invariants live in the schema, not in service-layer
  checks:
  - imports:           UNIQUE(source, file_hash)
  - rides (SAIPOS):    UNIQUE(source, external_id)
  - rides (YOOGA):     UNIQUE(import_id, source_row_number)
  - aliases:           UNIQUE(courier_id, alias_norm)
  - review_groups:     UNIQUE(week_id, signature_key)
  - loan_applications: UNIQUE(installment_id, week_id)
  - week_payouts:      PRIMARY KEY(week_id, courier_id)
  Violations map to engine.ErrDuplicateRow. Week range overlap cannot be a
  constraint, so it is checked under the writer lock before insert/update.

DATA ENCODING:
  Money is stored as decimal text, never floating point. Calendar dates
  are "2006-01-02" text, timestamps RFC3339 UTC text. Norm columns
  (courier_name_norm, alias_norm) are precomputed so name matching is a
  plain equality lookup.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for
  the whole transaction; the tx-scoped store runs lock-free against the
  open *sql.Tx.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency
  and crash recovery.

USAGE:
  store, err := sqlite.New("./data/fleetpay.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - engine/store.go: interface definitions and invariant contracts
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fleetpay/settlement-engine/engine"
	_ "github.com/mattn/go-sqlite3"
)

// Store implements engine.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// dbtx is the part of *sql.DB and *sql.Tx the query functions need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The in-process mutex is the writer gate; a second connection would
	// bypass it.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Accounting calendar. Ranges are inclusive; overlap is checked in Go
	-- under the writer lock because SQLite cannot express it as a constraint.
	CREATE TABLE IF NOT EXISTS weeks (
		id TEXT PRIMARY KEY,
		closing_seq INTEGER NOT NULL UNIQUE,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		status TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_weeks_range ON weeks(start_date, end_date);
	CREATE INDEX IF NOT EXISTS idx_weeks_status ON weeks(status, end_date);

	-- Courier roster. Norm columns are precomputed at write time so vendor
	-- name matching is an indexed equality lookup.
	CREATE TABLE IF NOT EXISTS couriers (
		id TEXT PRIMARY KEY,
		short_name TEXT NOT NULL,
		full_name TEXT NOT NULL DEFAULT '',
		short_name_norm TEXT NOT NULL,
		full_name_norm TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_couriers_short_norm ON couriers(short_name_norm);
	CREATE INDEX IF NOT EXISTS idx_couriers_full_norm ON couriers(full_name_norm);

	CREATE TABLE IF NOT EXISTS aliases (
		id TEXT PRIMARY KEY,
		courier_id TEXT NOT NULL,
		alias_raw TEXT NOT NULL,
		alias_norm TEXT NOT NULL,
		UNIQUE(courier_id, alias_norm)
	);

	CREATE INDEX IF NOT EXISTS idx_aliases_norm ON aliases(alias_norm);

	CREATE TABLE IF NOT EXISTS payment_info (
		courier_id TEXT PRIMARY KEY,
		key_type TEXT NOT NULL,
		key_value TEXT NOT NULL,
		bank TEXT NOT NULL DEFAULT ''
	);

	-- Import batches. The (source, file_hash) key is what makes whole-file
	-- re-submission a detectable no-op.
	CREATE TABLE IF NOT EXISTS imports (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		filename TEXT NOT NULL DEFAULT '',
		file_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		meta_json TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(source, file_hash)
	);

	-- Rides: the central fact table. Two partial unique indexes carry the
	-- per-source row identity: SAIPOS rows by partner order id, YOOGA rows
	-- by position within their import.
	CREATE TABLE IF NOT EXISTS rides (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		import_id TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		source_row_number INTEGER NOT NULL DEFAULT 0,
		signature_key TEXT NOT NULL DEFAULT '',
		order_dt TEXT NOT NULL,
		delivery_dt TEXT,
		order_date TEXT NOT NULL,
		week_id TEXT NOT NULL,
		courier_id TEXT NOT NULL DEFAULT '',
		courier_name_raw TEXT NOT NULL DEFAULT '',
		courier_name_norm TEXT NOT NULL DEFAULT '',
		value TEXT NOT NULL,
		fee_type INTEGER NOT NULL,
		status TEXT NOT NULL,
		pending_reason TEXT NOT NULL DEFAULT '',
		paid_in_week_id TEXT NOT NULL DEFAULT '',
		meta_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_rides_source_external
		ON rides(source, external_id) WHERE external_id <> '';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_rides_import_row
		ON rides(import_id, source_row_number) WHERE source_row_number > 0;
	CREATE INDEX IF NOT EXISTS idx_rides_week ON rides(week_id);
	CREATE INDEX IF NOT EXISTS idx_rides_paid_in_week
		ON rides(paid_in_week_id) WHERE paid_in_week_id <> '';
	CREATE INDEX IF NOT EXISTS idx_rides_signature
		ON rides(source, week_id, signature_key) WHERE signature_key <> '';
	CREATE INDEX IF NOT EXISTS idx_rides_status ON rides(status);

	-- YOOGA same-signature collisions awaiting a human decision.
	CREATE TABLE IF NOT EXISTS review_groups (
		id TEXT PRIMARY KEY,
		week_id TEXT NOT NULL,
		signature_key TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(week_id, signature_key)
	);

	CREATE INDEX IF NOT EXISTS idx_review_groups_status ON review_groups(status);

	CREATE TABLE IF NOT EXISTS review_items (
		group_id TEXT NOT NULL,
		ride_id TEXT NOT NULL,
		PRIMARY KEY(group_id, ride_id)
	);

	-- Manual credits and debits. Append-only: no UPDATE or DELETE is ever
	-- issued against this table, corrections are offsetting entries.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		courier_id TEXT NOT NULL,
		week_id TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		related_ride_id TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_week_courier
		ON ledger_entries(week_id, courier_id);

	CREATE TABLE IF NOT EXISTS loan_plans (
		id TEXT PRIMARY KEY,
		courier_id TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		n_installments INTEGER NOT NULL,
		rounding TEXT NOT NULL,
		status TEXT NOT NULL,
		start_closing_seq INTEGER NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loan_plans_courier ON loan_plans(courier_id, status);

	CREATE TABLE IF NOT EXISTS loan_installments (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		installment_no INTEGER NOT NULL,
		due_closing_seq INTEGER NOT NULL,
		amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		UNIQUE(plan_id, installment_no)
	);

	CREATE INDEX IF NOT EXISTS idx_installments_due
		ON loan_installments(plan_id, due_closing_seq, installment_no);

	-- One application per (installment, week): the constraint is what makes
	-- week-close recomputation idempotent. Append-only.
	CREATE TABLE IF NOT EXISTS loan_applications (
		id TEXT PRIMARY KEY,
		installment_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		courier_id TEXT NOT NULL,
		week_id TEXT NOT NULL,
		applied_amount TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(installment_id, week_id)
	);

	CREATE INDEX IF NOT EXISTS idx_loan_apps_week
		ON loan_applications(week_id, courier_id);

	-- Settlement snapshots. Replaceable until paid_at is set.
	CREATE TABLE IF NOT EXISTS week_payouts (
		week_id TEXT NOT NULL,
		courier_id TEXT NOT NULL,
		rides_count INTEGER NOT NULL,
		rides_amount TEXT NOT NULL,
		extras_amount TEXT NOT NULL,
		vales_amount TEXT NOT NULL,
		installments_amount TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		pending_count INTEGER NOT NULL,
		is_flag_red INTEGER NOT NULL,
		computed_at TEXT NOT NULL,
		paid_at TEXT,
		PRIMARY KEY(week_id, courier_id)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		meta_json TEXT,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS (engine.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction. The write lock is held
// for the duration, so the tx-scoped store runs lock-free.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore is the tx-scoped engine.Store handed to WithTx callbacks. It
// must never take the parent mutex: the caller already holds it.
type txStore struct {
	tx *sql.Tx
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func scanNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func mustDate(s string) engine.Date {
	d, _ := engine.ParseDate(s)
	return d
}

func mustTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func metaJSON(m map[string]any) sql.NullString {
	if len(m) == 0 {
		return sql.NullString{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func scanMeta(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil
	}
	return m
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
