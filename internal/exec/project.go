package exec

import "github.com/zhukovaskychina/coredb/internal/catalog"

// Project narrows its child's output to the named columns, in order —
// the SELECT column list.
type Project struct {
	Child   Operator
	Columns []ColumnRef

	indices []int
	schema  []ColumnDesc
}

// NewProject builds a projection; an empty column list passes the
// child through unchanged (SELECT *).
func NewProject(child Operator, cols []ColumnRef) *Project {
	return &Project{Child: child, Columns: cols}
}

func (p *Project) Open(ctx *Context) error {
	if err := p.Child.Open(ctx); err != nil {
		return err
	}
	childSchema := p.Child.Schema()
	if len(p.Columns) == 0 {
		p.schema = childSchema
		p.indices = nil
		return nil
	}
	p.indices = make([]int, len(p.Columns))
	p.schema = make([]ColumnDesc, len(p.Columns))
	for i, ref := range p.Columns {
		idx, err := resolveColumn(childSchema, ref)
		if err != nil {
			return err
		}
		p.indices[i] = idx
		p.schema[i] = childSchema[idx]
	}
	return nil
}

func (p *Project) Next(ctx *Context) (*Tuple, error) {
	t, err := p.Child.Next(ctx)
	if err != nil || t == nil {
		return nil, err
	}
	if p.indices == nil {
		return t, nil
	}
	vals := make([]catalog.Value, len(p.indices))
	for i, idx := range p.indices {
		vals[i] = t.Values[idx]
	}
	return &Tuple{Values: vals, RID: t.RID}, nil
}

func (p *Project) Close(ctx *Context) error { return p.Child.Close(ctx) }

func (p *Project) Schema() []ColumnDesc { return p.schema }
