package refcontext

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/r3e-network/formula-engine/internal/expr"
)

// Entry is one name's binding within a layer: either a resolved/lazy
// ReferenceValue, or a callable installed through SetFunc.
type Entry struct {
	Ref  *ReferenceValue
	Func expr.Func
}

// layer is one named level of a HierarchicalContext (spec §3: "ordered
// stack of named layers L0..Ln"). Writes target only the layer that is
// current at the time of unified_set.
type layer struct {
	name    string
	entries map[string]Entry
}

// Integrity is a point-in-time snapshot any caller can use to detect
// corruption: item_count and generation must never regress within a cycle
// (spec §4.3).
type Integrity struct {
	InstanceID string
	ItemCount  int
	Generation int64
	Checksum   uint64
	LayerCount int
}

// HierarchicalContext is the ordered stack of layers described in spec §3
// and §4.3. InstanceID is fixed at construction; ItemCount and Generation
// only ever increase; Checksum is computed over the full set of bound
// names each time Integrity is called.
type HierarchicalContext struct {
	mu         sync.RWMutex
	instanceID string
	layers     []*layer
	generation int64
	itemCount  int
	globals    map[string]bool // names bound in the globals (L0) layer — cannot be redefined with a different value elsewhere
	globalVals map[string]expr.Value
}

// New creates a context with a single L0 "globals" layer.
func New() *HierarchicalContext {
	return &HierarchicalContext{
		instanceID: uuid.NewString(),
		layers:     []*layer{{name: "globals", entries: make(map[string]Entry)}},
		globals:    make(map[string]bool),
		globalVals: make(map[string]expr.Value),
	}
}

// PushLayer appends a new named layer on top of the stack. Layers are never
// removed mid-cycle (spec §3).
func (c *HierarchicalContext) PushLayer(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layers = append(c.layers, &layer{name: name, entries: make(map[string]Entry)})
}

// CurrentLayer returns the name of the topmost layer.
func (c *HierarchicalContext) CurrentLayer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.layers[len(c.layers)-1].name
}

// Get traverses layers top -> bottom, returning the first binding found
// (spec §4.3 invariant 2: inner layers shadow outer layers).
func (c *HierarchicalContext) Get(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.layers) - 1; i >= 0; i-- {
		if e, ok := c.layers[i].entries[name]; ok {
			return e, true
		}
	}
	return Entry{}, false
}

// UnifiedSet is the sole write path (spec §4.3): it wraps a raw value into
// a ReferenceValue if needed, enforces the dedup invariant through cache,
// rejects a conflicting redefinition of a global, and advances the
// generation/checksum/item-count counters.
func (c *HierarchicalContext) UnifiedSet(cache *EntityCache, name string, v expr.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.layers[len(c.layers)-1]
	if cur.name == "globals" {
		if existing, ok := c.globalVals[name]; ok && !expr.Equal(existing, v) {
			return &GlobalRedefinitionError{Name: name}
		}
		c.globals[name] = true
		c.globalVals[name] = v
	}

	rv := cache.InternResolved(name, v)
	if _, existed := cur.entries[name]; !existed {
		c.itemCount++
	}
	cur.entries[name] = Entry{Ref: rv}
	c.generation++
	return nil
}

// SetLazy installs a lazy ReferenceValue shell for name in the current
// layer without resolving it (spec §4.6 Phase 1), also bumping the
// generation counter since the context's observable shape changed.
func (c *HierarchicalContext) SetLazy(cache *EntityCache, name string) *ReferenceValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.layers[len(c.layers)-1]
	rv := cache.Intern(name)
	if _, existed := cur.entries[name]; !existed {
		c.itemCount++
	}
	cur.entries[name] = Entry{Ref: rv}
	c.generation++
	return rv
}

// SetFunc installs a callable binding in the current layer. The phase and
// sensor orchestrators do not use it: computed variables are bound as
// values through UnifiedSet, and metadata_result is passed to the engine
// as a per-call function.
func (c *HierarchicalContext) SetFunc(name string, fn expr.Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.layers[len(c.layers)-1]
	if _, existed := cur.entries[name]; !existed {
		c.itemCount++
	}
	cur.entries[name] = Entry{Func: fn}
	c.generation++
}

// Lookup implements expr.Environment directly against the layer stack, so a
// *HierarchicalContext can be handed to Engine.Evaluate without building an
// intermediate flat map. Functions bound via SetFunc are not identifiers and
// are not resolved here — the expression evaluator looks those up through
// its separate Functions table.
func (c *HierarchicalContext) Lookup(name string) (expr.Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.layers) - 1; i >= 0; i-- {
		if e, ok := c.layers[i].entries[name]; ok && e.Ref != nil {
			return e.Ref.Value(), true
		}
	}
	return expr.Value{}, false
}

// Flatten returns every bound name -> ReferenceValue visible from the
// topmost layer (later/inner layers win), for building the evaluator's
// Environment.
func (c *HierarchicalContext) Flatten() map[string]expr.Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]expr.Value)
	for _, l := range c.layers {
		for name, e := range l.entries {
			if e.Ref != nil {
				out[name] = e.Ref.Value()
			}
		}
	}
	return out
}

// Integrity returns a snapshot of the context's health counters.
func (c *HierarchicalContext) Integrity() Integrity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Integrity{
		InstanceID: c.instanceID,
		ItemCount:  c.itemCount,
		Generation: c.generation,
		Checksum:   c.checksumLocked(),
		LayerCount: len(c.layers),
	}
}

// checksumLocked computes an order-independent FNV-1a checksum over every
// bound name, caller must hold c.mu.
func (c *HierarchicalContext) checksumLocked() uint64 {
	names := make([]string, 0, c.itemCount)
	for _, l := range c.layers {
		for name := range l.entries {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	h := fnv.New64a()
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// GlobalRedefinitionError is raised when a sensor or attribute scope
// attempts to rebind a global name to a different value (spec §4.3
// invariant 4).
type GlobalRedefinitionError struct{ Name string }

func (e *GlobalRedefinitionError) Error() string {
	return "global variable redefined with a different value: " + e.Name
}
