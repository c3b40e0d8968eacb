package ivm

// memSource is a minimal in-memory TableSource used only by this
// package's tests, analogous to the teacher's in-memory table fixtures
// used across internal/storage's _test.go files.
type memSource struct {
	schema Schema
	rows   []Row
	out    Output
}

func newMemSource(schema Schema, rows []Row) *memSource {
	return &memSource{schema: schema, rows: rows}
}

func (m *memSource) Schema() Schema { return m.schema }

func (m *memSource) Fetch(c Constraint) (RowIterator, error) {
	if c.Column == "" {
		cp := append([]Row(nil), m.rows...)
		return newSliceIterator(cp), nil
	}
	var out []Row
	for _, r := range m.rows {
		if compare(r.Get(c.Column), c.Value) == 0 {
			out = append(out, r)
		}
	}
	return newSliceIterator(out), nil
}

func (m *memSource) Push(c Change) error {
	switch c.Type {
	case Add:
		m.rows = append(m.rows, c.Row)
	case Remove:
		m.rows = removeRow(m.rows, c.Row, m.schema.PrimaryKey)
	case Edit:
		m.rows = removeRow(m.rows, c.OldRow, m.schema.PrimaryKey)
		m.rows = append(m.rows, c.Row)
	}
	if m.out != nil {
		return m.out.Push(c)
	}
	return nil
}

func removeRow(rows []Row, target Row, pk []string) []Row {
	out := rows[:0:0]
	for _, r := range rows {
		if rowMatches(r, pkValues(target, pk)) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func pkValues(r Row, pk []string) map[string]any {
	m := map[string]any{}
	for _, k := range pk {
		m[k] = r.Get(k)
	}
	return m
}

func (m *memSource) SetOutput(out Output) { m.out = out }
func (m *memSource) Destroy()             {}
