package ast

import "testing"

func TestQueryValidate_NegativeLimit(t *testing.T) {
	lim := -1
	q := &Query{Table: "issue", Limit: &lim}
	if err := q.Validate(); err == nil {
		t.Fatal("expected error for negative limit")
	}
}

func TestQueryValidate_ZeroLimitAllowed(t *testing.T) {
	lim := 0
	q := &Query{Table: "issue", Limit: &lim}
	if err := q.Validate(); err != nil {
		t.Fatalf("zero limit should be valid: %v", err)
	}
}

func TestQueryValidate_HiddenJunctionRejectsLimitAndOrderBy(t *testing.T) {
	lim := 10
	q := &Query{
		Table: "issue",
		Related: []RelatedQuery{
			{
				Correlation: Correlation{ParentField: []string{"id"}, ChildField: []string{"issueID"}},
				Subquery:    &Query{Table: "issueLabel", Limit: &lim},
				Alias:       "issueLabel",
				Hidden:      true,
			},
		},
	}
	if err := q.Validate(); err == nil {
		t.Fatal("expected error: hidden junction edge with limit")
	}

	q.Related[0].Subquery.Limit = nil
	q.Related[0].Subquery.OrderBy = []OrderColumn{{Column: "id", Direction: Asc}}
	if err := q.Validate(); err == nil {
		t.Fatal("expected error: hidden junction edge with orderBy")
	}
}

func TestQueryValidate_CorrelationArityMismatch(t *testing.T) {
	q := &Query{
		Table: "issue",
		Related: []RelatedQuery{
			{
				Correlation: Correlation{ParentField: []string{"id"}, ChildField: []string{"a", "b"}},
				Subquery:    &Query{Table: "comment"},
				Alias:       "comments",
			},
		},
	}
	if err := q.Validate(); err == nil {
		t.Fatal("expected error for correlation arity mismatch")
	}
}

func TestQueryValidate_ExistsConditionRequiresSubquery(t *testing.T) {
	q := &Query{
		Table: "issue",
		Where: &Condition{Op: OpExists},
	}
	if err := q.Validate(); err == nil {
		t.Fatal("expected error: exists condition with no subquery")
	}
}

func TestProducesClientRows(t *testing.T) {
	cases := []struct {
		name string
		r    RelatedQuery
		want bool
	}{
		{"plain client related", RelatedQuery{System: SystemClient}, true},
		{"hidden junction", RelatedQuery{Hidden: true}, false},
		{"permissions subquery", RelatedQuery{System: SystemPermissions}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.r.ProducesClientRows(); got != c.want {
				t.Errorf("ProducesClientRows() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestValidQueryWithNestedRelated(t *testing.T) {
	lim := 20
	q := &Query{
		Table: "issue",
		Where: &Condition{
			Op: OpAnd,
			Conditions: []Condition{
				{Op: OpEq, Column: "ownerID", Value: "u1"},
				{
					Op: OpExists,
					Related: &CorrelatedSubquery{
						Correlation: Correlation{ParentField: []string{"id"}, ChildField: []string{"issueID"}},
						Subquery:    &Query{Table: "label", Where: &Condition{Op: OpEq, Column: "system", Value: true}},
					},
				},
			},
		},
		OrderBy: []OrderColumn{{Column: "modified", Direction: Desc}},
		Limit:   &lim,
		Related: []RelatedQuery{
			{
				Correlation: Correlation{ParentField: []string{"id"}, ChildField: []string{"issueID"}},
				Subquery:    &Query{Table: "comment"},
				Alias:       "comments",
				System:      SystemClient,
			},
		},
	}
	if err := q.Validate(); err != nil {
		t.Fatalf("expected valid query, got %v", err)
	}
}
