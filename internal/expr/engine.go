package expr

import (
	"sync"
	"time"

	"github.com/r3e-network/formula-engine/internal/expr/ast"
)

// astCache is a permanent, process-wide cache keyed by exact formula text.
// Unlike infrastructure/cache.Cache (which this mirrors the locking shape
// of), entries never expire: a formula's parse tree is a pure function of
// its text, so there is nothing to invalidate.
type astCache struct {
	mu      sync.RWMutex
	entries map[string]ast.Node
}

func newASTCache() *astCache {
	return &astCache{entries: make(map[string]ast.Node)}
}

func (c *astCache) get(formula string) (ast.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.entries[formula]
	return n, ok
}

func (c *astCache) put(formula string, n ast.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[formula] = n
}

func (c *astCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Engine is the public entry point for compiling and evaluating formulas. It
// owns the permanent compiled-AST cache and the builtin function
// environment; callers never touch the parser or lexer directly.
type Engine struct {
	cache *astCache
	fns   Functions
	now   func() time.Time
}

// NewEngine builds an Engine with the full builtin environment (spec §4.1).
// now defaults to time.Now when nil, and is overridable so tests can pin a
// clock.
func NewEngine(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	fns := Functions{}
	for name, fn := range mathFunctions() {
		fns[name] = fn
	}
	for name, fn := range datetimeFunctions(now) {
		fns[name] = fn
	}
	return &Engine{cache: newASTCache(), fns: fns, now: now}
}

// Compile parses formula, consulting and populating the permanent AST cache.
// A syntactically invalid formula returns a *SyntaxError and is NOT cached —
// callers may fix and retry without restarting the process.
func (e *Engine) Compile(formula string) (ast.Node, error) {
	if n, ok := e.cache.get(formula); ok {
		return n, nil
	}
	n, err := Parse(formula)
	if err != nil {
		return nil, err
	}
	e.cache.put(formula, n)
	return n, nil
}

// CacheSize reports the number of distinct formula texts currently compiled,
// for diagnostics and metrics.
func (e *Engine) CacheSize() int { return e.cache.size() }

// Evaluate compiles (or fetches from cache) formula and evaluates it against
// vars, with extraFns merged on top of the builtin environment — this is how
// C7's metadata_result sentinel function and C9's per-cycle computed-variable
// callables are injected without mutating the engine's shared builtins.
func (e *Engine) Evaluate(formula string, vars Environment, extraFns Functions) (Value, error) {
	node, err := e.Compile(formula)
	if err != nil {
		return Value{}, err
	}
	fns := e.fns
	if len(extraFns) > 0 {
		merged := make(Functions, len(e.fns)+len(extraFns))
		for k, v := range e.fns {
			merged[k] = v
		}
		for k, v := range extraFns {
			merged[k] = v
		}
		fns = merged
	}
	return Eval(node, vars, fns)
}
