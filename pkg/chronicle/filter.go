package chronicle

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Filter is a compiled CEL predicate over the variable `event`, the flattened
// JSON object of a chronicle line, e.g.
//
//	event.stage == "S1" && has(event.passed) && !event.passed
type Filter struct {
	expr string
	prg  cel.Program
}

// String returns the source expression.
func (f *Filter) String() string {
	return f.expr
}

// Match evaluates the filter. Evaluation errors (a missing key, a type
// mismatch) count as no match.
func (f *Filter) Match(e Event) bool {
	if f == nil {
		return true
	}
	out, _, err := f.prg.Eval(map[string]any{"event": e.Flatten()})
	if err != nil {
		return false
	}
	ok, isBool := out.Value().(bool)
	return isBool && ok
}

// FilterCompiler compiles and caches filter programs.
type FilterCompiler struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]*Filter
}

// NewFilterCompiler creates a compiler with the chronicle environment.
func NewFilterCompiler() (*FilterCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("chronicle: create CEL environment: %w", err)
	}
	return &FilterCompiler{env: env, cache: make(map[string]*Filter)}, nil
}

// Compile returns the filter for expr, compiling it on first use.
func (c *FilterCompiler) Compile(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("chronicle: empty filter expression")
	}

	c.mu.RLock()
	f, hit := c.cache[expr]
	c.mu.RUnlock()
	if hit {
		return f, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if f, hit = c.cache[expr]; hit {
		return f, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("chronicle: compile filter: %w", issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("chronicle: build filter program: %w", err)
	}
	f = &Filter{expr: expr, prg: prg}
	c.cache[expr] = f
	return f, nil
}
