/*
courier.go - Roster management

The matcher and the pending queues are only as good as the roster. This
service owns couriers, their vendor-name aliases (the matcher's second
lookup table) and their PIX payment info.
*/
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Couriers manages the roster.
type Couriers struct {
	store Store
	audit AuditSink
}

func NewCouriers(store Store, audit AuditSink) *Couriers {
	if audit == nil {
		audit = NopAuditSink{}
	}
	return &Couriers{store: store, audit: audit}
}

// Create registers a courier. ShortName is the operator-facing handle and
// must survive normalization (a courier nobody can type a name for is
// unmatched by construction).
func (s *Couriers) Create(ctx context.Context, shortName, fullName string, category CourierCategory) (Courier, error) {
	if Normalize(shortName) == "" {
		return Courier{}, Validationf("short_name", "must not be empty")
	}
	if category != CategorySemanal && category != CategoryDiarista {
		return Courier{}, Validationf("category", "unknown category %q", category)
	}

	c := Courier{
		ID:        CourierID(uuid.NewString()),
		ShortName: shortName,
		FullName:  fullName,
		Category:  category,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveCourier(ctx, c); err != nil {
		return Courier{}, err
	}

	s.audit.Record(ctx, AuditEvent{
		Action:     "courier_created",
		EntityType: "courier",
		EntityID:   string(c.ID),
		Meta:       map[string]any{"short_name": shortName, "category": string(category)},
	})
	return c, nil
}

// Update rewrites the mutable courier fields.
func (s *Couriers) Update(ctx context.Context, c Courier) error {
	existing, err := s.store.GetCourier(ctx, c.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrCourierNotFound
	}
	if Normalize(c.ShortName) == "" {
		return Validationf("short_name", "must not be empty")
	}
	c.CreatedAt = existing.CreatedAt
	if err := s.store.SaveCourier(ctx, c); err != nil {
		return err
	}
	s.audit.Record(ctx, AuditEvent{
		Action:     "courier_updated",
		EntityType: "courier",
		EntityID:   string(c.ID),
	})
	return nil
}

// AddAlias teaches the matcher a vendor spelling. Duplicate normalized
// aliases for the same courier are conflicts.
func (s *Couriers) AddAlias(ctx context.Context, courierID CourierID, aliasRaw string) (Alias, error) {
	normAlias := Normalize(aliasRaw)
	if normAlias == "" {
		return Alias{}, Validationf("alias", "must not be empty")
	}

	c, err := s.store.GetCourier(ctx, courierID)
	if err != nil {
		return Alias{}, err
	}
	if c == nil {
		return Alias{}, ErrCourierNotFound
	}

	a := Alias{
		ID:        uuid.NewString(),
		CourierID: courierID,
		AliasRaw:  aliasRaw,
		AliasNorm: normAlias,
	}
	if err := s.store.AddAlias(ctx, a); err != nil {
		return Alias{}, err
	}

	s.audit.Record(ctx, AuditEvent{
		Action:     "alias_added",
		EntityType: "courier",
		EntityID:   string(courierID),
		Meta:       map[string]any{"alias": aliasRaw},
	})
	return a, nil
}

// SetPaymentInfo stores the courier's PIX destination (zero or one).
func (s *Couriers) SetPaymentInfo(ctx context.Context, p PaymentInfo) error {
	c, err := s.store.GetCourier(ctx, p.CourierID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrCourierNotFound
	}
	switch p.KeyType {
	case KeyCPF, KeyCNPJ, KeyTelefone, KeyEmail, KeyAleatory, KeyOther:
	default:
		return Validationf("key_type", "unknown key type %q", p.KeyType)
	}
	if p.KeyValue == "" {
		return Validationf("key_value", "must not be empty")
	}

	if err := s.store.SetPaymentInfo(ctx, p); err != nil {
		return err
	}
	s.audit.Record(ctx, AuditEvent{
		Action:     "payment_info_set",
		EntityType: "courier",
		EntityID:   string(p.CourierID),
		Meta:       map[string]any{"key_type": string(p.KeyType)},
	})
	return nil
}

// Get returns a courier or ErrCourierNotFound.
func (s *Couriers) Get(ctx context.Context, id CourierID) (Courier, error) {
	c, err := s.store.GetCourier(ctx, id)
	if err != nil {
		return Courier{}, err
	}
	if c == nil {
		return Courier{}, ErrCourierNotFound
	}
	return *c, nil
}

// List returns the roster.
func (s *Couriers) List(ctx context.Context, activeOnly bool) ([]Courier, error) {
	return s.store.ListCouriers(ctx, activeOnly)
}

// Aliases lists a courier's known spellings.
func (s *Couriers) Aliases(ctx context.Context, id CourierID) ([]Alias, error) {
	return s.store.ListAliases(ctx, id)
}
