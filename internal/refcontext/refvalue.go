// Package refcontext implements the hierarchical layered context and the
// ReferenceValue record that underpins every context entry (spec §4.3).
// ReferenceValue sharing within a cycle is modeled as an interning table
// (EntityCache) plus ordered layers, per spec §9's design note — there are
// no back-pointers; layers own map entries, and ReferenceValues are
// value-semantic records shared only by identity through the EntityCache.
package refcontext

import (
	"sync"

	"github.com/r3e-network/formula-engine/internal/expr"
)

// ReferenceValue is the immutable-by-contract (reference, value) record
// underlying every context entry. Only Value may be refreshed in place
// (lazy resolution); Reference never changes after construction.
type ReferenceValue struct {
	mu        sync.RWMutex
	reference string
	value     expr.Value
	resolved  bool
}

// NewReferenceValue constructs an already-resolved ReferenceValue.
func NewReferenceValue(reference string, value expr.Value) *ReferenceValue {
	return &ReferenceValue{reference: reference, value: value, resolved: true}
}

// NewLazyShell constructs an unresolved ReferenceValue (spec §4.6 Phase 1:
// "Lazy ReferenceValue shells are created with value=None").
func NewLazyShell(reference string) *ReferenceValue {
	return &ReferenceValue{reference: reference, value: expr.None(), resolved: false}
}

func (r *ReferenceValue) Reference() string { return r.reference }

func (r *ReferenceValue) Resolved() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolved
}

func (r *ReferenceValue) Value() expr.Value {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value
}

// SetValue refreshes value in place — the only mutation a ReferenceValue
// permits after construction (spec §4.3 invariant 1).
func (r *ReferenceValue) SetValue(v expr.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = v
	r.resolved = true
}

// EntityCache is the process-wide-per-cycle reference -> ReferenceValue
// interning table that enforces entity deduplication (spec §3: "for a given
// unique entity reference within one evaluation cycle there is one
// ReferenceValue instance"). One EntityCache instance is created per cycle
// and discarded at the end of it — it is never shared across sensor sets or
// across cycles (spec §5).
type EntityCache struct {
	mu      sync.Mutex
	entries map[string]*ReferenceValue
}

func NewEntityCache() *EntityCache {
	return &EntityCache{entries: make(map[string]*ReferenceValue)}
}

// Intern returns the single ReferenceValue instance for reference within
// this cycle, creating a lazy shell on first touch. Every subsequent call
// for the same reference, from any layer, returns the identical pointer.
func (c *EntityCache) Intern(reference string) *ReferenceValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rv, ok := c.entries[reference]; ok {
		return rv
	}
	rv := NewLazyShell(reference)
	c.entries[reference] = rv
	return rv
}

// InternResolved interns reference with an already-known value, overwriting
// a prior lazy shell's value if one existed (but never its identity).
func (c *EntityCache) InternResolved(reference string, value expr.Value) *ReferenceValue {
	rv := c.Intern(reference)
	rv.SetValue(value)
	return rv
}

func (c *EntityCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
