package authz

import "testing"
import "github.com/zerocache/viewsyncer/internal/ast"

func TestTransformationHash_StableAcrossEqualTrees(t *testing.T) {
	lim := 10
	build := func() *ast.Query {
		return &ast.Query{
			Table: "issue",
			Where: &ast.Condition{Op: ast.OpEq, Column: "ownerID", Value: "u1"},
			Limit: &lim,
			Related: []ast.RelatedQuery{
				{
					Correlation: ast.Correlation{ParentField: []string{"id"}, ChildField: []string{"issueID"}},
					Subquery:    &ast.Query{Table: "comment"},
					Alias:       "comments",
				},
			},
		}
	}
	h1 := TransformationHash(build())
	h2 := TransformationHash(build())
	if h1 != h2 {
		t.Fatalf("expected equal hashes for equivalent trees, got %d and %d", h1, h2)
	}
}

func TestTransformationHash_DiffersOnOwnerFilter(t *testing.T) {
	a := &ast.Query{Table: "issue", Where: &ast.Condition{Op: ast.OpEq, Column: "ownerID", Value: "u1"}}
	b := &ast.Query{Table: "issue", Where: &ast.Condition{Op: ast.OpEq, Column: "ownerID", Value: "u2"}}
	if TransformationHash(a) == TransformationHash(b) {
		t.Fatal("expected different hashes for different permission-bound values")
	}
}

func TestPassThrough_ReturnsInputUnchanged(t *testing.T) {
	q := &ast.Query{Table: "issue"}
	out, err := PassThrough{}.Transform(q, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != q {
		t.Fatal("expected PassThrough to return the same query pointer")
	}
}
