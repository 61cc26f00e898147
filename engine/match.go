/*
match.go - Courier identity resolution

PURPOSE:
  Vendor exports carry courier names typed by humans: inconsistent case,
  stray whitespace, missing accents. The matcher folds all of that away
  and resolves a raw name in three steps:

    normalize -> exact match on roster names -> alias table -> not found

  Empty-after-normalization and not-found both route to the assignment
  queue, but with distinct pending reasons so the operator sees why.

NORMALIZATION:
  trim, upper-case, NFD-decompose and drop combining marks (diacritics),
  collapse runs of whitespace to single spaces. "  joão  Da\tSilva " and
  "JOAO DA SILVA" normalize identically.
*/
package engine

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// NORMALIZATION
// =============================================================================

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize folds a raw courier name into its canonical matching form.
func Normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if folded, _, err := transform.String(stripMarks, s); err == nil {
		s = folded
	}
	return strings.Join(strings.Fields(s), " ")
}

// =============================================================================
// MATCH RESULT
// =============================================================================

// MatchKind is the outcome of one resolution attempt.
type MatchKind int

const (
	MatchEmpty    MatchKind = iota // nothing left after normalization
	MatchExact                     // normalized roster name matched
	MatchAlias                     // alias table matched
	MatchNotFound                  // no roster entry or alias
)

// MatchResult carries the outcome and, when matched, the courier.
type MatchResult struct {
	Kind      MatchKind
	CourierID CourierID
}

// Matched reports whether a courier was identified.
func (r MatchResult) Matched() bool {
	return r.Kind == MatchExact || r.Kind == MatchAlias
}

// PendingReason maps an unmatched outcome to its queue reason.
func (r MatchResult) PendingReason() PendingReason {
	if r.Kind == MatchEmpty {
		return ReasonEmptyName
	}
	return ReasonNameNotRegistered
}

// =============================================================================
// IDENTITY MATCHER
// =============================================================================

// IdentityMatcher resolves raw courier names against the roster.
type IdentityMatcher struct {
	store Store
}

func NewIdentityMatcher(store Store) *IdentityMatcher {
	return &IdentityMatcher{store: store}
}

// Resolve runs the normalize/exact/alias pipeline. Matching is case- and
// accent-insensitive; only active couriers participate.
func (m *IdentityMatcher) Resolve(ctx context.Context, rawName string) (MatchResult, error) {
	return m.resolve(ctx, m.store, rawName)
}

// resolve is the store-parametrized form used inside ingestion
// transactions.
func (m *IdentityMatcher) resolve(ctx context.Context, st Store, rawName string) (MatchResult, error) {
	normName := Normalize(rawName)
	if normName == "" {
		return MatchResult{Kind: MatchEmpty}, nil
	}

	c, err := st.FindCourierByNorm(ctx, normName)
	if err != nil {
		return MatchResult{}, err
	}
	if c != nil {
		return MatchResult{Kind: MatchExact, CourierID: c.ID}, nil
	}

	a, err := st.FindAliasByNorm(ctx, normName)
	if err != nil {
		return MatchResult{}, err
	}
	if a != nil {
		return MatchResult{Kind: MatchAlias, CourierID: a.CourierID}, nil
	}

	return MatchResult{Kind: MatchNotFound}, nil
}
