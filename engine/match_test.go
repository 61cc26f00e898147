package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetpay/settlement-engine/engine"
)

// =============================================================================
// NORMALIZATION
// =============================================================================

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"joão da silva", "JOAO DA SILVA"},
		{"  JOÃO   DA\tSILVA  ", "JOAO DA SILVA"},
		{"José-María", "JOSE-MARIA"},
		{"ÀÉÎÕÜ ç", "AEIOU C"},
		{"already upper", "ALREADY UPPER"},
		{"", ""},
		{"   \t  ", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, engine.Normalize(tc.in), "input %q", tc.in)
	}
}

// =============================================================================
// IDENTITY RESOLUTION PIPELINE
// =============================================================================

func TestMatcher_ExactNameMatch_CaseAndAccentInsensitive(t *testing.T) {
	// GIVEN: A courier registered as "João"
	// WHEN: Resolving "joao", "JOÃO", " joão "
	// THEN: All resolve to the same courier

	f := newFixture(t)
	ctx := context.Background()
	c := f.courier(t, "João", "João da Silva")

	for _, raw := range []string{"joao", "JOÃO", " joão ", "joão da silva"} {
		res, err := f.matcher.Resolve(ctx, raw)
		require.NoError(t, err)
		assert.True(t, res.Matched(), "raw %q should match", raw)
		assert.Equal(t, c.ID, res.CourierID, "raw %q", raw)
	}
}

func TestMatcher_AliasMatch(t *testing.T) {
	// GIVEN: A courier with a taught alias "Pedrinho Motoboy"
	// WHEN: Resolving the alias spelling
	// THEN: Matches via the alias table

	f := newFixture(t)
	ctx := context.Background()
	c := f.courier(t, "Pedro", "Pedro Santos")

	_, err := f.couriers.AddAlias(ctx, c.ID, "Pedrinho Motoboy")
	require.NoError(t, err)

	res, err := f.matcher.Resolve(ctx, "pedrinho MOTOBOY")
	require.NoError(t, err)
	assert.Equal(t, engine.MatchAlias, res.Kind)
	assert.Equal(t, c.ID, res.CourierID)
}

func TestMatcher_ExactWinsOverAlias(t *testing.T) {
	// A name that is both a roster name and another courier's alias resolves
	// to the roster entry: exact match is checked first.
	f := newFixture(t)
	ctx := context.Background()
	ana := f.courier(t, "Ana", "Ana Costa")
	beto := f.courier(t, "Beto", "Roberto Lima")

	_, err := f.couriers.AddAlias(ctx, beto.ID, "Ana")
	require.NoError(t, err)

	res, err := f.matcher.Resolve(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, engine.MatchExact, res.Kind)
	assert.Equal(t, ana.ID, res.CourierID)
}

func TestMatcher_UnmatchedOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.matcher.Resolve(ctx, "   ")
	require.NoError(t, err)
	assert.Equal(t, engine.MatchEmpty, res.Kind)
	assert.False(t, res.Matched())
	assert.Equal(t, engine.ReasonEmptyName, res.PendingReason())

	res, err = f.matcher.Resolve(ctx, "Nobody Registered")
	require.NoError(t, err)
	assert.Equal(t, engine.MatchNotFound, res.Kind)
	assert.False(t, res.Matched())
	assert.Equal(t, engine.ReasonNameNotRegistered, res.PendingReason())
}

func TestMatcher_InactiveCourierDoesNotMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.courier(t, "Carlos", "Carlos Souza")

	c.Active = false
	require.NoError(t, f.couriers.Update(ctx, c))

	res, err := f.matcher.Resolve(ctx, "carlos")
	require.NoError(t, err)
	assert.False(t, res.Matched(), "inactive couriers never match")
}

func TestAddAlias_DuplicateNormalizedAlias_Conflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.courier(t, "Duda", "Eduarda Rocha")

	_, err := f.couriers.AddAlias(ctx, c.ID, "Dudinha")
	require.NoError(t, err)

	_, err = f.couriers.AddAlias(ctx, c.ID, "  DUDINHA ")
	assert.True(t, engine.IsConflict(err), "same normalized alias twice: %v", err)
}
