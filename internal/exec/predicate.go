package exec

import (
	"github.com/zhukovaskychina/coredb/internal/catalog"
)

// CompareOp is a comparison operator in a WHERE predicate.
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

func (op CompareOp) String() string {
	switch op {
	case OpEq:
		return "="
	case OpNe:
		return "<>"
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	default:
		return "?"
	}
}

// holds reports whether cmp (a three-way comparison result) satisfies op.
func (op CompareOp) holds(cmp int) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	default:
		return false
	}
}

// ColumnRef names a column, optionally qualified by table.
type ColumnRef struct {
	Table  string
	Column string
}

// Predicate is one conjunct of a WHERE clause: column op (value |
// column). Column-vs-column form drives joins.
type Predicate struct {
	Left     ColumnRef
	Op       CompareOp
	Value    catalog.Value // used when RightCol is nil
	RightCol *ColumnRef
}

// eval checks one predicate against a tuple under the given schema.
func (p Predicate) eval(schema []ColumnDesc, t *Tuple) (bool, error) {
	li, err := resolveColumn(schema, p.Left)
	if err != nil {
		return false, err
	}
	rhs := p.Value
	if p.RightCol != nil {
		ri, err := resolveColumn(schema, *p.RightCol)
		if err != nil {
			return false, err
		}
		rhs = t.Values[ri]
	}
	cmp, err := t.Values[li].Compare(rhs)
	if err != nil {
		return false, err
	}
	return p.Op.holds(cmp), nil
}

// EvalPredicates checks the conjunction of predicates against a tuple
// under a schema — exported for plan nodes composed outside this
// package (the CLI's residual join filter).
func EvalPredicates(preds []Predicate, schema []ColumnDesc, t *Tuple) (bool, error) {
	return evalAll(preds, schema, t)
}

// evalAll checks the conjunction of predicates.
func evalAll(preds []Predicate, schema []ColumnDesc, t *Tuple) (bool, error) {
	for _, p := range preds {
		ok, err := p.eval(schema, t)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
