// Package authz applies permission rules to a query before it reaches the
// ivm compiler, and computes the transformation hash used to dedup
// pipelines across clients that resolve to the identical permission-bound
// query (spec.md §4.8, Data Model).
//
// The hashing approach — building a canonical textual key from the
// condition tree and hashing it with FNV-1a — mirrors the teacher's own
// canonical-key idiom for identifying equivalent rows/values (tinySQL's
// distinctRows/fmtKeyPart helpers in internal/engine), generalized from
// hashing row values to hashing an entire query tree.
package authz

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/zerocache/viewsyncer/internal/ast"
)

// Transformer rewrites a query to add permission constraints for one
// authentication context. The default Transformer is a pass-through; real
// deployments supply one grounded in their authorization model.
type Transformer interface {
	Transform(q *ast.Query, authData map[string]any) (*ast.Query, error)
}

// AuthToken identifies the principal behind a connection. A client group is
// pinned to one Sub for its lifetime: a connect bearing a different Sub is
// rejected Unauthorized, and among tokens sharing a Sub the one with the
// greatest IAT is treated as authoritative (spec.md §4.6, invariant §8.7).
type AuthToken struct {
	Sub string
	IAT int64
}

// PassThrough returns q unchanged; it is the zero-value default used when
// a deployment has no permission system configured.
type PassThrough struct{}

func (PassThrough) Transform(q *ast.Query, _ map[string]any) (*ast.Query, error) { return q, nil }

// TransformationHash returns a 64-bit hash of the permission-transformed
// query tree, stable across equivalent ASTs regardless of map iteration
// order, used to dedup identical compiled pipelines within one client
// group's pipeline.Driver (spec.md Data Model).
func TransformationHash(q *ast.Query) uint64 {
	h := fnv.New64a()
	writeQuery(h, q)
	return h.Sum64()
}

func writeQuery(h interface{ Write([]byte) (int, error) }, q *ast.Query) {
	if q == nil {
		h.Write([]byte("\x00nil"))
		return
	}
	fmt.Fprintf(h, "table:%s;", q.Table)
	writeCondition(h, q.Where)

	order := make([]string, len(q.OrderBy))
	for i, o := range q.OrderBy {
		order[i] = fmt.Sprintf("%s:%s", o.Column, o.Direction)
	}
	fmt.Fprintf(h, "order:%v;", order)

	if q.Limit != nil {
		fmt.Fprintf(h, "limit:%d;", *q.Limit)
	}
	if len(q.Start) > 0 {
		fmt.Fprintf(h, "start:%s;", canonicalMap(q.Start))
	}

	related := make([]string, len(q.Related))
	for i, r := range q.Related {
		related[i] = fmt.Sprintf("%s|%v->%v|hidden=%v|system=%s", r.Alias, r.ParentField, r.ChildField, r.Hidden, r.System)
	}
	sort.Strings(related)
	fmt.Fprintf(h, "related:%v;", related)
	for _, r := range q.Related {
		writeQuery(h, r.Subquery)
	}
}

func writeCondition(h interface{ Write([]byte) (int, error) }, c *ast.Condition) {
	if c == nil {
		h.Write([]byte("\x00nocond"))
		return
	}
	fmt.Fprintf(h, "op:%s;col:%s;val:%v;vals:%v;", c.Op, c.Column, c.Value, c.Values)
	for _, sub := range c.Conditions {
		writeCondition(h, &sub)
	}
	if c.Related != nil {
		fmt.Fprintf(h, "corr:%v->%v;", c.Related.ParentField, c.Related.ChildField)
		writeQuery(h, c.Related.Subquery)
	}
}

func canonicalMap(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for _, k := range keys {
		s += fmt.Sprintf("%s=%v;", k, m[k])
	}
	return s
}
