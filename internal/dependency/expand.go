package dependency

import (
	"context"
	"fmt"

	"github.com/r3e-network/formula-engine/internal/ports"
)

// ExpandCollectionQuery expands one parsed collection pattern into the set
// of matching entity ids (spec §4.5). Per-term matching (device_class,
// area, label, state value comparisons, attribute operators, regex) is the
// state provider's enumeration contract to fulfil (spec §1 "Explicitly out
// of scope": entity registry/state store internals) — the dependency
// manager's job is purely the OR/exclusion/dedup algebra over whatever
// term-level sets Enumerate returns, plus deterministic ordering.
func ExpandCollectionQuery(ctx context.Context, state ports.StateProvider, pattern *Pattern) ([]string, error) {
	if state == nil {
		return nil, fmt.Errorf("collection pattern expansion requires a state provider")
	}
	included := make(map[string]bool)
	order := []string{}
	for _, t := range pattern.Include {
		ids, err := state.Enumerate(ctx, t.Raw)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !included[id] {
				included[id] = true
				order = append(order, id)
			}
		}
	}
	if len(pattern.Exclude) == 0 {
		return order, nil
	}

	// Post-filter: union all exclusion terms' matches, then subtract (spec
	// §9 Open Question: "treat exclusion as a post-filter — first union,
	// then remove").
	excluded := make(map[string]bool)
	for _, t := range pattern.Exclude {
		ids, err := state.Enumerate(ctx, t.Raw)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			excluded[id] = true
		}
	}
	out := make([]string, 0, len(order))
	for _, id := range order {
		if !excluded[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// ExplainCollection is a supplemental diagnostic (not part of the original
// distillation) that reports, per inclusion/exclusion term, which entity
// ids it contributed — useful for troubleshooting why a collection
// aggregate produced an unexpected membership without re-deriving the
// algebra by hand.
type TermExplanation struct {
	Term    Term
	Matches []string
}

type CollectionExplanation struct {
	Pattern    string
	Included   []TermExplanation
	Excluded   []TermExplanation
	FinalSet   []string
}

func ExplainCollection(ctx context.Context, state ports.StateProvider, raw string) (*CollectionExplanation, error) {
	pattern, err := ParsePattern(raw)
	if err != nil {
		return nil, err
	}
	exp := &CollectionExplanation{Pattern: raw}
	finalSet, err := ExpandCollectionQuery(ctx, state, pattern)
	if err != nil {
		return nil, err
	}
	exp.FinalSet = finalSet

	for _, t := range pattern.Include {
		ids, err := state.Enumerate(ctx, t.Raw)
		if err != nil {
			return nil, err
		}
		exp.Included = append(exp.Included, TermExplanation{Term: t, Matches: ids})
	}
	for _, t := range pattern.Exclude {
		ids, err := state.Enumerate(ctx, t.Raw)
		if err != nil {
			return nil, err
		}
		exp.Excluded = append(exp.Excluded, TermExplanation{Term: t, Matches: ids})
	}
	return exp, nil
}
