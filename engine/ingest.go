/*
ingest.go - Batch ingestion of raw ride rows

PURPOSE:
  One call ingests one closed, finite batch of already-tokenized vendor
  rows. The pipeline per row: fee tier classification, week assignment,
  identity resolution, per-source dedup/grouping (dedup.go).

CONTRACTS (the order matters):
  1. (source, file_hash) idempotency is checked before any row work.
     A duplicate file is a successful no-op with AlreadyProcessed set,
     not an error.
  2. A row whose order date falls in no week fails the WHOLE import with
     NoWeekForDateError. The operator creates the week and re-runs;
     partial imports are never visible.
  3. The batch runs inside one store transaction: all rides, groups and
     status overrides commit together or not at all.
  4. Row-granularity uniqueness (SAIPOS external id) makes re-running a
     crashed import safe: already-persisted rows are skipped, the rest
     land.

FEE RULE:
  value == 10.00 exactly (cent precision) -> tier 10, else tier 6. There
  is no tolerance band; 9.99 and 10.01 are tier 6.
*/
package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

func newID() string { return uuid.NewString() }

// Ingestor runs import batches.
type Ingestor struct {
	store   TxStore
	matcher *IdentityMatcher
	audit   AuditSink
}

func NewIngestor(store TxStore, matcher *IdentityMatcher, audit AuditSink) *Ingestor {
	if audit == nil {
		audit = NopAuditSink{}
	}
	return &Ingestor{store: store, matcher: matcher, audit: audit}
}

// Ingest processes one batch. See the file header for the contracts.
func (ing *Ingestor) Ingest(ctx context.Context, source Source, filename, fileHash string, rows []RawRow) (ImportResult, error) {
	strategy, err := strategyFor(source)
	if err != nil {
		return ImportResult{}, err
	}
	if fileHash == "" {
		return ImportResult{}, Validationf("file_hash", "must not be empty")
	}

	// Fast path: the file was already processed. Checked again inside the
	// transaction via the uniqueness constraint; this read just avoids
	// pointless row work.
	if prior, err := ing.store.GetImportByHash(ctx, source, fileHash); err != nil {
		return ImportResult{}, err
	} else if prior != nil {
		return priorResult(*prior), nil
	}

	var result ImportResult
	err = ing.store.WithTx(ctx, func(st Store) error {
		imp := Import{
			ID:        ImportID(newID()),
			Source:    source,
			Filename:  filename,
			FileHash:  fileHash,
			Status:    ImportDone,
			Meta:      map[string]any{},
			CreatedAt: time.Now().UTC(),
		}
		if err := st.CreateImport(ctx, imp); err != nil {
			if errors.Is(err, ErrDuplicateRow) {
				// Lost a race with an identical concurrent import. The
				// constraint is authoritative; treat as the no-op path.
				prior, gerr := st.GetImportByHash(ctx, source, fileHash)
				if gerr != nil {
					return gerr
				}
				result = priorResult(*prior)
				return nil
			}
			return err
		}

		r, err := ing.ingestRows(ctx, st, strategy, imp, rows)
		if err != nil {
			return err
		}
		result = r

		meta := map[string]any{
			"inserted":           r.Inserted,
			"skipped_duplicates": r.SkippedDuplicates,
			"weeks_touched":      weekIDStrings(r.WeeksTouched),
		}
		return st.UpdateImportMeta(ctx, imp.ID, meta)
	})
	if err != nil {
		return ImportResult{}, err
	}

	if !result.AlreadyProcessed {
		ing.audit.Record(ctx, AuditEvent{
			Action:     "import_ingested",
			EntityType: "import",
			EntityID:   string(result.ImportID),
			Meta: map[string]any{
				"source":   string(source),
				"filename": filename,
				"inserted": result.Inserted,
			},
		})
	}
	return result, nil
}

// ingestRows runs the shared row pipeline inside the import transaction.
func (ing *Ingestor) ingestRows(ctx context.Context, st Store, strategy sourceStrategy, imp Import, rows []RawRow) (ImportResult, error) {
	result := ImportResult{ImportID: imp.ID}
	if err := strategy.prepare(ctx, st, rows); err != nil {
		return ImportResult{}, err
	}

	weeksTouched := make(map[WeekID]bool)
	weekByDate := make(map[Date]Week)
	var inserted []Ride

	for i, row := range rows {
		if row.OrderDT.IsZero() {
			return ImportResult{}, Validationf("order_dt", "row %d has no order timestamp", i+1)
		}
		if row.Value.IsNegative() {
			return ImportResult{}, Validationf("value_raw", "row %d has negative value", i+1)
		}

		dup, err := strategy.isReprocessedDuplicate(ctx, st, row)
		if err != nil {
			return ImportResult{}, err
		}
		if dup {
			result.SkippedDuplicates++
			continue
		}

		orderDate := DateOf(row.OrderDT)
		week, ok := weekByDate[orderDate]
		if !ok {
			w, err := st.WeekForDate(ctx, orderDate)
			if err != nil {
				return ImportResult{}, err
			}
			if w == nil {
				// Atomicity over convenience: the operator creates the
				// week, then re-runs the import.
				return ImportResult{}, &NoWeekForDateError{Date: orderDate}
			}
			week = *w
			weekByDate[orderDate] = week
		}
		weeksTouched[week.ID] = true

		match, err := ing.matcher.resolve(ctx, st, row.CourierNameRaw)
		if err != nil {
			return ImportResult{}, err
		}

		ride := Ride{
			ID:              RideID(newID()),
			Source:          strategy.source(),
			ImportID:        imp.ID,
			ExternalID:      row.ExternalID,
			SourceRowNumber: row.SourceRowNumber,
			SignatureKey:    strategy.signature(row),
			OrderDT:         row.OrderDT.UTC(),
			DeliveryDT:      row.DeliveryDT,
			OrderDate:       orderDate,
			WeekID:          week.ID,
			CourierNameRaw:  row.CourierNameRaw,
			CourierNameNorm: Normalize(row.CourierNameRaw),
			Value:           Cents(row.Value),
			FeeType:         FeeTypeFor(row.Value),
			Meta:            map[string]any{"row": i + 1},
			CreatedAt:       time.Now().UTC(),
		}
		if match.Matched() {
			ride.CourierID = match.CourierID
			ride.Status = RideOK
		} else {
			ride.Status = RidePendingAssignment
			ride.PendingReason = match.PendingReason()
			result.PendingAssignment++
		}

		if err := st.InsertRide(ctx, ride); err != nil {
			if errors.Is(err, ErrDuplicateRow) {
				// Raced with a concurrent import of an overlapping file.
				result.SkippedDuplicates++
				if ride.Status != RideOK {
					result.PendingAssignment--
				}
				continue
			}
			return ImportResult{}, err
		}
		inserted = append(inserted, ride)
		result.Inserted++
	}

	review, err := strategy.afterInsert(ctx, st, inserted)
	if err != nil {
		return ImportResult{}, err
	}
	result.PendingReview = review

	// A ride flipped to review was counted as assignment-pending if its
	// name had not matched; review supersedes that count.
	if review > 0 {
		result.PendingAssignment = recountAssignmentPending(ctx, st, inserted)
	}

	for id := range weeksTouched {
		result.WeeksTouched = append(result.WeeksTouched, id)
	}
	sortWeekIDs(result.WeeksTouched)
	return result, nil
}

func recountAssignmentPending(ctx context.Context, st Store, inserted []Ride) int {
	n := 0
	for _, r := range inserted {
		current, err := st.GetRide(ctx, r.ID)
		if err != nil || current == nil {
			continue
		}
		if current.Status == RidePendingAssignment {
			n++
		}
	}
	return n
}

func priorResult(imp Import) ImportResult {
	return ImportResult{ImportID: imp.ID, AlreadyProcessed: true}
}

func weekIDStrings(ids []WeekID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func sortWeekIDs(ids []WeekID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
