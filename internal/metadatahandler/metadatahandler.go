// Package metadatahandler implements C7 (spec §4.7): it finds
// metadata(<ref>, '<key>') call sites in a formula's source text, resolves
// each one through the metadata provider, injects the results into the
// context under synthesized _metadata_<n> sentinel names, and rewrites the
// formula so the Expression Engine evaluates metadata_result(_metadata_<n>)
// in their place. Grounded on the rewrite-then-evaluate shape of the
// teacher's script engine (compile a transformed source, then run it with
// an augmented builtin set) adapted from "inject host bindings into a JS
// runtime" to "inject metadata sentinels into the formula's name
// environment".
package metadatahandler

import (
	"context"
	"fmt"
	"strings"

	"github.com/r3e-network/formula-engine/internal/analysis"
	"github.com/r3e-network/formula-engine/internal/expr"
	"github.com/r3e-network/formula-engine/internal/ports"
)

// allowedKeys is the fixed metadata key set (spec §6). last_valid_state and
// last_valid_changed are engine-managed but readable the same way.
var allowedKeys = map[string]bool{
	"last_changed": true, "last_updated": true, "domain": true,
	"object_id": true, "friendly_name": true, "entity_id": true,
	"last_valid_state": true, "last_valid_changed": true,
}

// InvalidMetadataKeyError is a fatal configuration error (spec §7).
type InvalidMetadataKeyError struct{ Key string }

func (e *InvalidMetadataKeyError) Error() string { return "invalid metadata key: " + e.Key }

// Result is the outcome of rewriting one formula: the transformed text
// (AST-cacheable on its own, per spec §4.7) plus the sentinel->value
// bindings to inject via the context's unified setter before evaluation.
type Result struct {
	TransformedFormula string
	Injected           map[string]expr.Value
}

// InjectFunc installs the binding a sentinel resolves to; the caller
// (phase orchestrator) performs the actual unified_set against its
// HierarchicalContext — this package only computes what to inject.
type InjectFunc func(sentinel string, v expr.Value)

// currentSensorRef is the literal token that stands for "the current
// sensor's backing entity" when used as metadata(state, 'key') (spec
// §4.7).
const currentSensorRef = "state"

// Handle resolves every metadata(...) call recorded in calls (produced by
// C2's FormulaAnalysis, in source order) against provider, for the given
// backing entity id (used when the ref argument is the literal "state"
// token), and returns the rewritten formula text plus the sentinel
// bindings.
func Handle(ctx context.Context, provider ports.MetadataProvider, backingEntityID string, formula string, calls []analysis.MetadataCall) (*Result, error) {
	injected := make(map[string]expr.Value, len(calls))
	transformed := formula

	for i, call := range calls {
		if !allowedKeys[call.Key] {
			return nil, &InvalidMetadataKeyError{Key: call.Key}
		}
		ref := call.Ref
		entityID := ref
		if ref == currentSensorRef {
			entityID = backingEntityID
		}
		var value any
		var err error
		if provider != nil {
			value, err = provider.GetMetadata(ctx, entityID, call.Key)
			if err != nil {
				return nil, err
			}
		}
		sentinel := fmt.Sprintf("_metadata_%d", i)
		injected[sentinel] = expr.FromInterface(value)
		transformed = rewriteCall(transformed, ref, call.Key, sentinel)
	}

	return &Result{TransformedFormula: transformed, Injected: injected}, nil
}

// rewriteCall replaces the first remaining occurrence of
// metadata(<ref>, '<key>') (allowing either quote style and incidental
// whitespace) with metadata_result(<sentinel>). Call sites are rewritten
// in the same source order C2 discovered them, so repeated calls with
// identical (ref, key) pairs are each replaced exactly once, left to
// right.
func rewriteCall(formula, ref, key, sentinel string) string {
	const needle = "metadata("
	lower := strings.ToLower(formula)
	idx := strings.Index(lower, needle)
	for idx != -1 {
		openParen := idx + len(needle) - 1
		end := findMatchingParen(formula, openParen)
		if end == -1 {
			break
		}
		inner := formula[openParen+1 : end]
		if callMatches(inner, ref, key) {
			return formula[:idx] + "metadata_result(" + sentinel + ")" + formula[end+1:]
		}
		next := strings.Index(lower[end:], needle)
		if next == -1 {
			break
		}
		idx = end + next
	}
	return formula
}

// findMatchingParen returns the index of the ')' matching the '(' at
// openParen, or -1 if unbalanced.
func findMatchingParen(s string, openParen int) int {
	depth := 0
	for i := openParen; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// callMatches reports whether inner (the text between metadata( and its
// matching )) is, modulo whitespace and quote style, "<ref>, '<key>'".
func callMatches(inner, ref, key string) bool {
	parts := strings.SplitN(inner, ",", 2)
	if len(parts) != 2 {
		return false
	}
	gotRef := strings.TrimSpace(parts[0])
	gotKey := strings.TrimSpace(parts[1])
	gotKeyUnquoted, err := unquote(gotKey)
	if err != nil {
		return false
	}
	return gotRef == ref && gotKeyUnquoted == key
}

func unquote(s string) (string, error) {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], nil
	}
	return "", fmt.Errorf("not a quoted string: %s", s)
}

// MetadataResultFn is the identity function the Expression Engine must
// register per cycle so rewritten formulas can resolve
// metadata_result(_metadata_<n>) — it returns its single argument, which
// the evaluator has already resolved from the environment, since sentinels
// are injected as ordinary context entries via unified_set. The lookup
// parameter is not used.
func MetadataResultFn(lookup func(name string) (expr.Value, bool)) expr.Func {
	return func(args []expr.Value) (expr.Value, error) {
		if len(args) != 1 {
			return expr.Value{}, fmt.Errorf("metadata_result expects exactly one argument")
		}
		// args[0] has already been evaluated as an identifier lookup by the
		// time it reaches here (the rewritten call is
		// metadata_result(_metadata_3), and _metadata_3 is itself an
		// identifier the evaluator resolves through the environment before
		// calling this function) — so by the time we're invoked, args[0]
		// already IS the injected value. This function is therefore a pure
		// pass-through, registered so the rewritten call shape remains a
		// normal function call the parser accepts.
		return args[0], nil
	}
}
