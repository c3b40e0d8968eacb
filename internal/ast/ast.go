// Package ast defines the canonical declarative query tree (spec.md §3).
// Unlike the teacher's SQL text parser (internal/engine/*.go in tinySQL),
// queries here never arrive as SQL text — they arrive as data (already
// permission-transformed elsewhere) — so this package holds plain,
// JSON-serializable structs rather than a lexer/parser pair. Condition,
// OrderColumn and Query below take their shape from the teacher's own
// Expr/OrderItem/FromItem types (internal/engine sql.go), generalized from
// a SQL-derived tree to a wire-transmitted one.
package ast

import "fmt"

// System tags a related subquery as serving the client directly or as an
// internal permission-evaluation helper (spec.md §3).
type System string

const (
	SystemClient      System = "client"
	SystemPermissions System = "permissions"
)

// Ordering direction for OrderBy columns.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// OrderColumn is one (column, direction) pair in an ORDER BY list.
type OrderColumn struct {
	Column    string    `json:"column"`
	Direction Direction `json:"direction"`
}

// Correlation ties a parent's column list to a child's column list,
// position for position, for a related subquery (spec.md §3's
// "{parentField[], childField[]}").
type Correlation struct {
	ParentField []string `json:"parentField"`
	ChildField  []string `json:"childField"`
}

func (c Correlation) Validate() error {
	if len(c.ParentField) == 0 || len(c.ChildField) == 0 {
		return fmt.Errorf("ast: correlation must have at least one field")
	}
	if len(c.ParentField) != len(c.ChildField) {
		return fmt.Errorf("ast: correlation arity mismatch: %d parent fields, %d child fields",
			len(c.ParentField), len(c.ChildField))
	}
	return nil
}

// ConditionOp enumerates the supported boolean/comparison operators for the
// where-condition tree.
type ConditionOp string

const (
	OpAnd     ConditionOp = "and"
	OpOr      ConditionOp = "or"
	OpEq      ConditionOp = "="
	OpNeq     ConditionOp = "!="
	OpLt      ConditionOp = "<"
	OpLte     ConditionOp = "<="
	OpGt      ConditionOp = ">"
	OpGte     ConditionOp = ">="
	OpIn      ConditionOp = "IN"
	OpIs      ConditionOp = "IS"
	OpIsNot   ConditionOp = "IS NOT"
	OpExists  ConditionOp = "EXISTS"
	OpNotExists ConditionOp = "NOT EXISTS"
)

// Condition is a node in the where-condition tree: and/or, a simple
// comparison, or a correlated-subquery-exists check (spec.md §3).
type Condition struct {
	Op ConditionOp `json:"op"`

	// Conjunction/disjunction operands (Op == And/Or).
	Conditions []Condition `json:"conditions,omitempty"`

	// Simple comparison operands (Op is a comparison op).
	Column   string `json:"column,omitempty"`
	Value    any    `json:"value,omitempty"`
	Values   []any  `json:"values,omitempty"` // for IN

	// Correlated-subquery-exists operands (Op == Exists/NotExists).
	Related *CorrelatedSubquery `json:"related,omitempty"`
}

// CorrelatedSubquery is the correlated-exists form of a where condition:
// a correlation plus the subquery it must be non-empty (or empty) against.
type CorrelatedSubquery struct {
	Correlation
	Subquery *Query `json:"subquery"`
}

// RelatedQuery is one `related` child of a Query: a correlation, the child
// AST, an alias under which results are nested, and flags for junction
// edges / system tagging (spec.md §3).
type RelatedQuery struct {
	Correlation
	Subquery *Query `json:"subquery"`
	Alias    string `json:"alias"`

	// Hidden marks a junction-edge intermediate: its rows are never
	// delivered to the client directly (spec.md §3, §4.2).
	Hidden bool `json:"hidden,omitempty"`

	// System tags this subquery in {client, permissions}; permissions
	// subqueries never contribute rows to the client output (spec.md §3).
	System System `json:"system,omitempty"`
}

// Query is the canonical AST (spec.md §3): a table reference plus optional
// where/orderBy/limit/start/related.
type Query struct {
	Table string `json:"table"`

	Where *Condition `json:"where,omitempty"`

	OrderBy []OrderColumn `json:"orderBy,omitempty"`

	// Limit must be a non-negative integer (spec.md §3 invariant). A nil
	// Limit means unlimited.
	Limit *int `json:"limit,omitempty"`

	// Start is the exclusive cursor row: a set of column values
	// identifying the row after which results resume (take/limit
	// pagination, spec.md §4.2's Take operator).
	Start map[string]any `json:"start,omitempty"`

	Related []RelatedQuery `json:"related,omitempty"`
}

// Validate enforces the AST invariants from spec.md §3:
//   - limit >= 0
//   - junction edges (Hidden == true) may not carry limit or orderBy
//
// It does not check where system=permissions subqueries appear.
func (q *Query) Validate() error {
	if q.Table == "" {
		return fmt.Errorf("ast: query has no table")
	}
	if q.Limit != nil && *q.Limit < 0 {
		return fmt.Errorf("ast: limit must be >= 0, got %d", *q.Limit)
	}
	if err := validateCondition(q.Where); err != nil {
		return err
	}
	for i := range q.Related {
		r := &q.Related[i]
		if err := r.Correlation.Validate(); err != nil {
			return fmt.Errorf("ast: related[%d] (%s): %w", i, r.Alias, err)
		}
		if r.Subquery == nil {
			return fmt.Errorf("ast: related[%d] (%s): missing subquery", i, r.Alias)
		}
		if r.Hidden && (r.Subquery.Limit != nil || len(r.Subquery.OrderBy) > 0) {
			return fmt.Errorf("ast: related[%d] (%s): junction edges may not carry limit or orderBy", i, r.Alias)
		}
		if err := r.Subquery.Validate(); err != nil {
			return fmt.Errorf("ast: related[%d] (%s): %w", i, r.Alias, err)
		}
	}
	return nil
}

func validateCondition(c *Condition) error {
	if c == nil {
		return nil
	}
	switch c.Op {
	case OpAnd, OpOr:
		for i := range c.Conditions {
			if err := validateCondition(&c.Conditions[i]); err != nil {
				return err
			}
		}
	case OpExists, OpNotExists:
		if c.Related == nil || c.Related.Subquery == nil {
			return fmt.Errorf("ast: %s condition missing correlated subquery", c.Op)
		}
		if err := c.Related.Correlation.Validate(); err != nil {
			return err
		}
		if err := c.Related.Subquery.Validate(); err != nil {
			return err
		}
	case OpIn:
		if c.Column == "" {
			return fmt.Errorf("ast: IN condition missing column")
		}
	default:
		if c.Column == "" {
			return fmt.Errorf("ast: comparison condition missing column")
		}
	}
	return nil
}

// ProducesClientRows reports whether a related subquery's rows are ever
// delivered to the client: junction intermediates and permission-only
// subqueries are excluded (spec.md §3).
func (r RelatedQuery) ProducesClientRows() bool {
	return !r.Hidden && r.System != SystemPermissions
}
