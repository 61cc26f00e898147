/*
dedup.go - Per-source duplicate and collision handling

Each platform has its own notion of "same row seen twice":

  SAIPOS carries a partner order id, so a row whose (source, external_id)
  already exists is a reprocessing duplicate and is skipped silently -
  this is what makes a crashed half-import safe to re-run.

  YOOGA carries nothing stable per row. A signature key is derived from
  the fields that identify the delivery event (timestamps, normalized
  courier name, value); rows sharing a signature within a week collide
  and go to human review instead of being guessed at.

The shared pipeline (fee tier, week assignment, identity match) lives in
ingest.go; only this branching differs, behind a small strategy interface.
*/
package engine

import (
	"context"
	"fmt"
	"time"
)

// sourceStrategy is the per-platform branch of the ingestion pipeline.
type sourceStrategy interface {
	source() Source

	// signature derives the collision key for a row; empty when the
	// source has no signature concept.
	signature(row RawRow) string

	// prepare runs batch-level lookups before any row is inserted.
	prepare(ctx context.Context, st Store, rows []RawRow) error

	// isReprocessedDuplicate reports whether the row was already
	// persisted by an earlier import of the same source.
	isReprocessedDuplicate(ctx context.Context, st Store, row RawRow) (bool, error)

	// afterInsert runs the post-insertion grouping step. Returns the
	// number of rides put into review.
	afterInsert(ctx context.Context, st Store, inserted []Ride) (int, error)
}

func strategyFor(source Source) (sourceStrategy, error) {
	switch source {
	case SourceSaipos:
		return saiposStrategy{}, nil
	case SourceYooga:
		return &yoogaStrategy{}, nil
	default:
		return nil, Validationf("source", "unknown source %q", source)
	}
}

// =============================================================================
// SAIPOS - external-id dedup, no grouping
// =============================================================================

type saiposStrategy struct{}

func (saiposStrategy) source() Source          { return SourceSaipos }
func (saiposStrategy) signature(RawRow) string { return "" }

func (saiposStrategy) prepare(ctx context.Context, st Store, rows []RawRow) error {
	return nil
}

func (saiposStrategy) isReprocessedDuplicate(ctx context.Context, st Store, row RawRow) (bool, error) {
	if row.ExternalID == "" {
		return false, nil
	}
	return st.ExternalIDExists(ctx, SourceSaipos, row.ExternalID)
}

func (saiposStrategy) afterInsert(ctx context.Context, st Store, inserted []Ride) (int, error) {
	return 0, nil
}

// =============================================================================
// YOOGA - signature grouping into review groups
// =============================================================================

type yoogaStrategy struct {
	// signatures already persisted by earlier imports, looked up once per
	// batch in prepare.
	preexisting map[string]bool
}

func (*yoogaStrategy) source() Source { return SourceYooga }

// signature identifies a logically-same delivery event independent of row
// position: order timestamp, delivery timestamp, normalized courier name
// and cent-exact value.
func (*yoogaStrategy) signature(row RawRow) string {
	delivery := ""
	if row.DeliveryDT != nil {
		delivery = row.DeliveryDT.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("YOOGA|%s|%s|%s|%s",
		row.OrderDT.UTC().Format(time.RFC3339),
		delivery,
		Normalize(row.CourierNameRaw),
		Cents(row.Value).StringFixed(2),
	)
}

// prepare batch-checks which of the file's signatures already exist on
// persisted rides. One query instead of one per row; within-batch
// duplicates are counted during grouping.
func (y *yoogaStrategy) prepare(ctx context.Context, st Store, rows []RawRow) error {
	seen := make(map[string]bool, len(rows))
	sigs := make([]string, 0, len(rows))
	for _, row := range rows {
		sig := y.signature(row)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		sigs = append(sigs, sig)
	}

	existing, err := st.ExistingSignatures(ctx, SourceYooga, sigs)
	if err != nil {
		return err
	}
	y.preexisting = existing
	return nil
}

func (*yoogaStrategy) isReprocessedDuplicate(ctx context.Context, st Store, row RawRow) (bool, error) {
	// Row numbers are only unique within one import; a colliding event
	// from a re-exported file is a review case, not a silent skip.
	return false, nil
}

// afterInsert groups this batch's rides by (week, signature) together with
// any previously persisted rides sharing the key. Every group with more
// than one live member goes (back) to review: signature collision takes
// precedence over identity match, otherwise the same delivery could be
// double-counted.
func (y *yoogaStrategy) afterInsert(ctx context.Context, st Store, inserted []Ride) (int, error) {
	type key struct {
		week WeekID
		sig  string
	}
	batch := make(map[key]int)
	for _, r := range inserted {
		batch[key{week: r.WeekID, sig: r.SignatureKey}]++
	}

	seen := make(map[key]bool)
	review := 0

	for _, r := range inserted {
		k := key{week: r.WeekID, sig: r.SignatureKey}
		if seen[k] {
			continue
		}
		seen[k] = true

		// A signature seen once in this batch and never persisted before
		// cannot collide; only the rest need their members expanded.
		if batch[k] < 2 && !y.preexisting[r.SignatureKey] {
			continue
		}

		members, err := st.RidesBySignature(ctx, SourceYooga, r.WeekID, r.SignatureKey)
		if err != nil {
			return 0, err
		}

		live := members[:0:0]
		for _, m := range members {
			if m.Status != RideDiscarded {
				live = append(live, m)
			}
		}
		if len(live) < 2 {
			continue
		}

		group, err := st.GetGroupByKey(ctx, r.WeekID, r.SignatureKey)
		if err != nil {
			return 0, err
		}
		if group == nil {
			g := ReviewGroup{
				ID:           GroupID(newID()),
				WeekID:       r.WeekID,
				SignatureKey: r.SignatureKey,
				Status:       ReviewPending,
				CreatedAt:    time.Now().UTC(),
			}
			if err := st.CreateGroup(ctx, g); err != nil {
				return 0, err
			}
			group = &g
		} else if group.Status == ReviewResolved {
			// New member after resolution: the decision no longer covers
			// the whole set.
			if err := st.ReopenGroup(ctx, group.ID); err != nil {
				return 0, err
			}
		}

		for _, m := range live {
			if err := st.AddGroupItem(ctx, group.ID, m.ID); err != nil {
				return 0, err
			}
			if m.Status == RidePendingReview {
				continue
			}
			m.Status = RidePendingReview
			m.PendingReason = ReasonSignatureCollision
			if err := st.UpdateRideResolution(ctx, m); err != nil {
				return 0, err
			}
			review++
		}
	}
	return review, nil
}
