package ivm

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/zerocache/viewsyncer/internal/ast"
)

// SourceFactory builds the TableSource for a table name. Pipelines obtain
// all their TableSources through one factory so sources can be shared
// (arena-allocated) across queries touching the same table, per spec.md
// Design Notes §9.
type SourceFactory interface {
	TableSource(table string) (TableSource, error)
}

// Compile builds the operator tree for q against sources, returning the
// root Operator a PipelineDriver can Fetch/Push against.
func Compile(q *ast.Query, sources SourceFactory) (Operator, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("ivm: compile: %w", err)
	}
	src, err := sources.TableSource(q.Table)
	if err != nil {
		return nil, fmt.Errorf("ivm: compile table %q: %w", q.Table, err)
	}
	var op Operator = &sourceOperator{TableSource: src}

	if q.Where != nil {
		op, err = applyCondition(op, q.Where, sources)
		if err != nil {
			return nil, err
		}
	}

	for _, rel := range q.Related {
		childOp, err := Compile(rel.Subquery, sources)
		if err != nil {
			return nil, err
		}
		kind := JoinInner
		if rel.Hidden {
			kind = JoinJunction
		}
		op = NewJoin(op, childOp, rel.Correlation, rel.Alias, kind)
	}

	if len(q.OrderBy) > 0 {
		op = NewOrderBy(op, q.OrderBy)
	}
	if q.Limit != nil {
		op = NewTake(op, *q.Limit, q.Start)
	}
	return op, nil
}

func applyCondition(op Operator, c *ast.Condition, sources SourceFactory) (Operator, error) {
	switch c.Op {
	case ast.OpExists, ast.OpNotExists:
		childOp, err := Compile(c.Related.Subquery, sources)
		if err != nil {
			return nil, err
		}
		return NewExists(op, childOp, c.Related.Correlation, c.Op == ast.OpNotExists), nil
	case ast.OpAnd:
		var err error
		for _, sub := range c.Conditions {
			sub := sub
			op, err = applyCondition(op, &sub, sources)
			if err != nil {
				return nil, err
			}
		}
		return op, nil
	case ast.OpOr:
		pred, err := compileOrPredicate(c, sources)
		if err != nil {
			return nil, err
		}
		return NewFilter(op, pred), nil
	default:
		return NewFilter(op, compileComparison(c)), nil
	}
}

func compileOrPredicate(c *ast.Condition, sources SourceFactory) (FilterFunc, error) {
	preds := make([]FilterFunc, 0, len(c.Conditions))
	for _, sub := range c.Conditions {
		sub := sub
		switch sub.Op {
		case ast.OpAnd, ast.OpOr:
			p, err := compileOrPredicate(&sub, sources)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		default:
			preds = append(preds, compileComparison(&sub))
		}
	}
	and := c.Op == ast.OpAnd
	return func(r Row) bool {
		for _, p := range preds {
			if p(r) != and {
				return !and
			}
		}
		return and
	}, nil
}

func compileComparison(c *ast.Condition) FilterFunc {
	switch c.Op {
	case ast.OpEq:
		return func(r Row) bool { return compare(r.Get(c.Column), c.Value) == 0 }
	case ast.OpNeq:
		return func(r Row) bool { return compare(r.Get(c.Column), c.Value) != 0 }
	case ast.OpLt:
		return func(r Row) bool { return compare(r.Get(c.Column), c.Value) < 0 }
	case ast.OpLte:
		return func(r Row) bool { return compare(r.Get(c.Column), c.Value) <= 0 }
	case ast.OpGt:
		return func(r Row) bool { return compare(r.Get(c.Column), c.Value) > 0 }
	case ast.OpGte:
		return func(r Row) bool { return compare(r.Get(c.Column), c.Value) >= 0 }
	case ast.OpIs:
		return func(r Row) bool { return r.Get(c.Column) == c.Value }
	case ast.OpIsNot:
		return func(r Row) bool { return r.Get(c.Column) != c.Value }
	case ast.OpIn:
		return func(r Row) bool {
			v := r.Get(c.Column)
			for _, cand := range c.Values {
				if compare(v, cand) == 0 {
					return true
				}
			}
			return false
		}
	default:
		return func(Row) bool { return false }
	}
}

// sourceOperator adapts a bare TableSource into the Operator interface so
// it can sit at the root of a compiled tree. Push/SetOutput/Fetch/Schema/
// Destroy are all promoted straight from the embedded TableSource — a
// plain query with no where/join/orderBy/limit compiles to nothing but
// this wrapper, so its Push must reach whatever output was registered,
// not swallow the change.
type sourceOperator struct {
	TableSource
}

// Cache is an LRU cache of compiled operator trees keyed by transformation
// hash, generalized from the teacher's internal/engine/compile.go
// QueryCache (container/list-backed LRU over parsed statements).
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[uint64]*list.Element
}

type cacheEntry struct {
	key  uint64
	root Operator
}

func NewCache(capacity int) *Cache {
	return &Cache{capacity: capacity, ll: list.New(), items: map[uint64]*list.Element{}}
}

func (c *Cache) Get(key uint64) (Operator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).root, true
}

func (c *Cache) Put(key uint64, root Operator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).root = root
		return
	}
	el := c.ll.PushFront(&cacheEntry{key: key, root: root})
	c.items[key] = el
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		entry := oldest.Value.(*cacheEntry)
		entry.root.Destroy()
		delete(c.items, entry.key)
		c.ll.Remove(oldest)
	}
}
