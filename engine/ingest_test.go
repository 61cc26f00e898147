package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetpay/settlement-engine/engine"
)

var (
	monday    = time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)
	tuesday   = time.Date(2025, time.March, 4, 18, 30, 0, 0, time.UTC)
	wednesday = time.Date(2025, time.March, 5, 20, 0, 0, 0, time.UTC)
)

// =============================================================================
// SAIPOS INGESTION
// =============================================================================

func TestIngest_Saipos_HappyPath(t *testing.T) {
	// GIVEN: A registered courier and a week covering the order dates
	// WHEN: Ingesting two matched SAIPOS rows
	// THEN: Both land as OK with fee tier and week assigned

	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	joao := f.courier(t, "João", "João da Silva")

	result, err := f.ingestor.Ingest(ctx, engine.SourceSaipos, "saipos.xlsx", "hash-1", []engine.RawRow{
		saiposRow("ord-1", "joao", "10.00", monday),
		saiposRow("ord-2", "JOÃO", "7.50", tuesday),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 0, result.SkippedDuplicates)
	assert.Equal(t, 0, result.PendingAssignment)
	assert.Equal(t, []engine.WeekID{w.ID}, result.WeeksTouched)

	rides := f.ridesOf(t, w.ID)
	require.Len(t, rides, 2)
	for _, r := range rides {
		assert.Equal(t, engine.RideOK, r.Status)
		assert.Equal(t, joao.ID, r.CourierID)
		assert.Equal(t, w.ID, r.WeekID)
	}
	assert.Equal(t, engine.Fee10, rides[0].FeeType, "10.00 is tier 10")
	assert.Equal(t, engine.Fee6, rides[1].FeeType, "7.50 is tier 6")
}

func TestIngest_UnmatchedNames_GoToAssignmentQueue(t *testing.T) {
	// Empty and unregistered names both land in the assignment queue, with
	// distinct reasons.
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))

	result, err := f.ingestor.Ingest(ctx, engine.SourceSaipos, "saipos.xlsx", "hash-1", []engine.RawRow{
		saiposRow("ord-1", "   ", "6.00", monday),
		saiposRow("ord-2", "Ghost Rider", "6.00", tuesday),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.PendingAssignment)

	byExternalID := map[string]engine.Ride{}
	for _, r := range f.ridesOf(t, w.ID) {
		byExternalID[r.ExternalID] = r
	}
	assert.Equal(t, engine.ReasonEmptyName, byExternalID["ord-1"].PendingReason)
	assert.Equal(t, engine.ReasonNameNotRegistered, byExternalID["ord-2"].PendingReason)
	assert.Equal(t, engine.RidePendingAssignment, byExternalID["ord-1"].Status)
}

func TestIngest_SameFileTwice_IsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	f.courier(t, "João", "")

	rows := []engine.RawRow{saiposRow("ord-1", "joão", "6.00", monday)}
	first, err := f.ingestor.Ingest(ctx, engine.SourceSaipos, "saipos.xlsx", "hash-1", rows)
	require.NoError(t, err)
	require.False(t, first.AlreadyProcessed)

	second, err := f.ingestor.Ingest(ctx, engine.SourceSaipos, "saipos.xlsx", "hash-1", rows)
	require.NoError(t, err, "resubmitting the same file is not an error")
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, first.ImportID, second.ImportID)
	assert.Len(t, f.ridesOf(t, w.ID), 1, "no rides were duplicated")
}

func TestIngest_Saipos_ExternalIDDedupAcrossFiles(t *testing.T) {
	// GIVEN: ord-1 was already ingested from an earlier export
	// WHEN: A later export (different hash) repeats ord-1 and adds ord-2
	// THEN: ord-1 is skipped silently, ord-2 lands

	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	f.courier(t, "João", "")

	_, err := f.ingestor.Ingest(ctx, engine.SourceSaipos, "monday.xlsx", "hash-1", []engine.RawRow{
		saiposRow("ord-1", "joão", "6.00", monday),
	})
	require.NoError(t, err)

	result, err := f.ingestor.Ingest(ctx, engine.SourceSaipos, "tuesday.xlsx", "hash-2", []engine.RawRow{
		saiposRow("ord-1", "joão", "6.00", monday),
		saiposRow("ord-2", "joão", "8.00", tuesday),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.SkippedDuplicates)
	assert.Len(t, f.ridesOf(t, w.ID), 2)
}

func TestIngest_NoWeekForDate_FailsWholeImport(t *testing.T) {
	// One uncovered date poisons the whole batch: partial imports are never
	// visible.
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	f.courier(t, "João", "")

	outside := time.Date(2025, time.April, 1, 12, 0, 0, 0, time.UTC)
	_, err := f.ingestor.Ingest(ctx, engine.SourceSaipos, "saipos.xlsx", "hash-1", []engine.RawRow{
		saiposRow("ord-1", "joão", "6.00", monday),
		saiposRow("ord-2", "joão", "6.00", outside),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrNoWeekForDate)
	assert.Empty(t, f.ridesOf(t, w.ID), "nothing committed")

	// The failed hash is not burned: fixing the calendar and re-running works.
	f.week(t, date(2025, time.March, 31), date(2025, time.April, 6))
	result, err := f.ingestor.Ingest(ctx, engine.SourceSaipos, "saipos.xlsx", "hash-1", []engine.RawRow{
		saiposRow("ord-1", "joão", "6.00", monday),
		saiposRow("ord-2", "joão", "6.00", outside),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
}

func TestIngest_InputValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))

	_, err := f.ingestor.Ingest(ctx, "IFOOD", "x.xlsx", "hash-1", nil)
	assert.True(t, engine.IsValidation(err), "unknown source: %v", err)

	_, err = f.ingestor.Ingest(ctx, engine.SourceSaipos, "x.xlsx", "", nil)
	assert.True(t, engine.IsValidation(err), "empty file hash: %v", err)

	_, err = f.ingestor.Ingest(ctx, engine.SourceSaipos, "x.xlsx", "hash-1", []engine.RawRow{
		saiposRow("ord-1", "joão", "-1.00", monday),
	})
	assert.True(t, engine.IsValidation(err), "negative value: %v", err)
}

// =============================================================================
// YOOGA INGESTION AND SIGNATURE COLLISIONS
// =============================================================================

func TestIngest_Yooga_NoCollision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	f.courier(t, "Maria", "")

	result, err := f.ingestor.Ingest(ctx, engine.SourceYooga, "yooga.xlsx", "hash-1", []engine.RawRow{
		yoogaRow(1, "maria", "6.00", monday, nil),
		yoogaRow(2, "maria", "6.00", tuesday, nil), // different timestamp, different signature
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 0, result.PendingReview)

	for _, r := range f.ridesOf(t, w.ID) {
		assert.Equal(t, engine.RideOK, r.Status)
	}
}

func TestIngest_Yooga_SignatureCollision_GoesToReview(t *testing.T) {
	// GIVEN: Two rows with identical (order, delivery, name, value)
	// WHEN: Ingested in one batch
	// THEN: Both go to review even though the name matched a courier

	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	f.courier(t, "Maria", "")

	result, err := f.ingestor.Ingest(ctx, engine.SourceYooga, "yooga.xlsx", "hash-1", []engine.RawRow{
		yoogaRow(1, "maria", "6.00", monday, nil),
		yoogaRow(2, "MARIA", "6.00", monday, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 2, result.PendingReview)
	assert.Equal(t, 0, result.PendingAssignment)

	for _, r := range f.ridesOf(t, w.ID) {
		assert.Equal(t, engine.RidePendingReview, r.Status)
		assert.Equal(t, engine.ReasonSignatureCollision, r.PendingReason)
	}

	groups, err := f.pending.ListReviewGroups(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 2, groups[0].Items)
	assert.Equal(t, engine.ReviewPending, groups[0].Group.Status)
}

func TestIngest_Yooga_CollisionAcrossImports(t *testing.T) {
	// A re-exported file with a new hash repeats an event: the old ride and
	// the new one collide and go to review together.
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	f.courier(t, "Maria", "")

	_, err := f.ingestor.Ingest(ctx, engine.SourceYooga, "v1.xlsx", "hash-1", []engine.RawRow{
		yoogaRow(1, "maria", "6.00", monday, nil),
	})
	require.NoError(t, err)

	result, err := f.ingestor.Ingest(ctx, engine.SourceYooga, "v2.xlsx", "hash-2", []engine.RawRow{
		yoogaRow(1, "maria", "6.00", monday, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted, "yooga rows are never skipped silently")
	assert.Equal(t, 2, result.PendingReview, "both members flipped to review")

	groups, err := f.pending.ListReviewGroups(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 2, groups[0].Items)
}

func TestIngest_Yooga_DeliveryTimestampSplitsSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.courier(t, "Maria", "")
	f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))

	d1 := monday.Add(30 * time.Minute)
	d2 := monday.Add(45 * time.Minute)
	result, err := f.ingestor.Ingest(ctx, engine.SourceYooga, "yooga.xlsx", "hash-1", []engine.RawRow{
		yoogaRow(1, "maria", "6.00", monday, &d1),
		yoogaRow(2, "maria", "6.00", monday, &d2),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.PendingReview, "different delivery times are different events")
}
