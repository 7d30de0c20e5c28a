package engine

import (
	"container/list"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/alphred/engine/pkg/models"
)

// GuardCache is a thread-safe LRU cache for compiled guard-expression
// programs, keyed by the expression's canonical source text.
type GuardCache struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
	mu       sync.RWMutex
}

type guardCacheEntry struct {
	key     string
	program *vm.Program
}

// NewGuardCache creates a guard cache with the given capacity (<=0 defaults to 256).
func NewGuardCache(capacity int) *GuardCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &GuardCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

func (c *GuardCache) get(source string) (*vm.Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.cache[source]; ok {
		c.lruList.MoveToFront(el)
		return el.Value.(*guardCacheEntry).program, true
	}
	return nil, false
}

func (c *GuardCache) put(source string, program *vm.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.cache[source]; ok {
		c.lruList.MoveToFront(el)
		el.Value.(*guardCacheEntry).program = program
		return
	}
	el := c.lruList.PushFront(&guardCacheEntry{key: source, program: program})
	c.cache[source] = el
	if c.lruList.Len() > c.capacity {
		oldest := c.lruList.Back()
		if oldest != nil {
			c.lruList.Remove(oldest)
			delete(c.cache, oldest.Value.(*guardCacheEntry).key)
		}
	}
}

// Len returns the number of cached programs.
func (c *GuardCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lruList.Len()
}

// GuardEvaluator compiles GuardExpression trees into expr-lang programs and
// evaluates them against a routing context, caching compiled programs by
// their canonical source text (the teacher's condition-cache idiom, applied
// to a structured rather than raw-string expression).
type GuardEvaluator struct {
	cache *GuardCache
}

// NewGuardEvaluator creates a GuardEvaluator with a default-sized cache.
func NewGuardEvaluator() *GuardEvaluator {
	return &GuardEvaluator{cache: NewGuardCache(256)}
}

// Evaluate compiles (or retrieves from cache) and runs guard against ctx. A
// nil guard is vacuously true (matches an `auto=true` edge's lack of guard).
// Any malformed expression -- an unknown operator/logic, an empty boolean
// conditions list, or a non-boolean result -- is fatal, wrapping
// models.ErrGuardExpressionInvalid (Open Question 2: resolved as fatal).
func (e *GuardEvaluator) Evaluate(guard *models.GuardExpression, ctx map[string]any) (bool, error) {
	if guard == nil {
		return true, nil
	}

	source, err := guardSource(guard)
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrGuardExpressionInvalid, err)
	}

	program, ok := e.cache.get(source)
	if !ok {
		program, err = expr.Compile(source, expr.Env(map[string]any{"ctx": ctx}), expr.AsBool())
		if err != nil {
			return false, fmt.Errorf("%w: compiling %q: %v", models.ErrGuardExpressionInvalid, source, err)
		}
		e.cache.put(source, program)
	}

	result, err := expr.Run(program, map[string]any{"ctx": ctx})
	if err != nil {
		return false, fmt.Errorf("%w: evaluating %q: %v", models.ErrGuardExpressionInvalid, source, err)
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("%w: guard %q did not evaluate to a boolean", models.ErrGuardExpressionInvalid, source)
	}
	return boolResult, nil
}

// guardSource renders a GuardExpression tree into expr-lang source text,
// deterministically, so that structurally identical guards share one cache
// entry.
func guardSource(g *models.GuardExpression) (string, error) {
	if g == nil {
		return "true", nil
	}

	if g.IsLeaf() {
		return leafSource(g)
	}

	if len(g.Conditions) == 0 {
		return "", fmt.Errorf("boolean guard %q has no conditions", g.Logic)
	}

	var joiner string
	switch g.Logic {
	case models.GuardLogicAnd:
		joiner = " && "
	case models.GuardLogicOr:
		joiner = " || "
	default:
		return "", fmt.Errorf("unknown guard logic %q", g.Logic)
	}

	parts := make([]string, 0, len(g.Conditions))
	for _, child := range g.Conditions {
		part, err := guardSource(child)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+part+")")
	}
	return strings.Join(parts, joiner), nil
}

func leafSource(g *models.GuardExpression) (string, error) {
	if g.Field == "" {
		return "", fmt.Errorf("leaf guard has no field")
	}

	var op string
	switch g.Op {
	case models.GuardOpEq:
		op = "=="
	case models.GuardOpNeq:
		op = "!="
	case models.GuardOpLt:
		op = "<"
	case models.GuardOpLte:
		op = "<="
	case models.GuardOpGt:
		op = ">"
	case models.GuardOpGte:
		op = ">="
	default:
		return "", fmt.Errorf("unknown guard operator %q", g.Op)
	}

	valueLiteral, err := json.Marshal(g.Value)
	if err != nil {
		return "", fmt.Errorf("guard value for field %q is not serializable: %w", g.Field, err)
	}

	return fmt.Sprintf("ctx.%s %s %s", g.Field, op, valueLiteral), nil
}
