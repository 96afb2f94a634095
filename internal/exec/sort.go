package exec

import "sort"

// SortKey is one ORDER BY term.
type SortKey struct {
	Column ColumnRef
	Desc   bool
}

// Sort materializes its child and emits tuples ordered by a composite
// comparator over the sort keys; Limit (when > 0) caps the emitted
// count — the ORDER BY ... LIMIT n operator of spec §4.8.
type Sort struct {
	Child Operator
	Keys  []SortKey
	Limit int // <= 0 means unlimited

	tuples []*Tuple
	pos    int
	schema []ColumnDesc
}

// NewSort builds a sort (with optional limit) over child.
func NewSort(child Operator, keys []SortKey, limit int) *Sort {
	return &Sort{Child: child, Keys: keys, Limit: limit}
}

func (s *Sort) Open(ctx *Context) error {
	if err := s.Child.Open(ctx); err != nil {
		return err
	}
	s.schema = s.Child.Schema()

	cols := make([]int, len(s.Keys))
	for i, k := range s.Keys {
		idx, err := resolveColumn(s.schema, k.Column)
		if err != nil {
			return err
		}
		cols[i] = idx
	}

	s.tuples = s.tuples[:0]
	for {
		t, err := s.Child.Next(ctx)
		if err != nil {
			return err
		}
		if t == nil {
			break
		}
		s.tuples = append(s.tuples, t)
	}

	var sortErr error
	sort.SliceStable(s.tuples, func(a, b int) bool {
		for i, col := range cols {
			cmp, err := s.tuples[a].Values[col].Compare(s.tuples[b].Values[col])
			if err != nil {
				if sortErr == nil {
					sortErr = err
				}
				return false
			}
			if cmp == 0 {
				continue
			}
			if s.Keys[i].Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	if sortErr != nil {
		return sortErr
	}
	if s.Limit > 0 && len(s.tuples) > s.Limit {
		s.tuples = s.tuples[:s.Limit]
	}
	s.pos = 0
	return nil
}

func (s *Sort) Next(*Context) (*Tuple, error) {
	if s.pos >= len(s.tuples) {
		return nil, nil
	}
	t := s.tuples[s.pos]
	s.pos++
	return t, nil
}

func (s *Sort) Close(ctx *Context) error {
	s.tuples = nil
	return s.Child.Close(ctx)
}

func (s *Sort) Schema() []ColumnDesc { return s.schema }
