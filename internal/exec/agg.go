package exec

import (
	"math"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/coredb/internal/catalog"
)

// AggKind is the aggregate function: exactly one output tuple, no
// GROUP BY (spec §4.8).
type AggKind int

const (
	AggCount AggKind = iota
	AggSum
	AggMax
	AggMin
)

func (k AggKind) String() string {
	switch k {
	case AggCount:
		return "COUNT"
	case AggSum:
		return "SUM"
	case AggMax:
		return "MAX"
	case AggMin:
		return "MIN"
	default:
		return "?"
	}
}

// Aggregate folds its child into a single value. COUNT works on any
// column (or none, for COUNT(*)); SUM on the numeric types; MAX/MIN on
// numerics, CHAR, and DATETIME by its encoded word.
type Aggregate struct {
	Child  Operator
	Kind   AggKind
	Column ColumnRef // ignored for COUNT(*)
	Star   bool

	result *Tuple
	done   bool
	schema []ColumnDesc
}

// NewAggregate builds an aggregation over child.
func NewAggregate(child Operator, kind AggKind, col ColumnRef, star bool) *Aggregate {
	return &Aggregate{Child: child, Kind: kind, Column: col, Star: star}
}

func (a *Aggregate) Open(ctx *Context) error {
	if err := a.Child.Open(ctx); err != nil {
		return err
	}
	childSchema := a.Child.Schema()
	colIdx := -1
	var col catalog.Column
	if !a.Star {
		idx, err := resolveColumn(childSchema, a.Column)
		if err != nil {
			return err
		}
		colIdx = idx
		col = childSchema[idx].Col
		if err := a.checkType(col); err != nil {
			return err
		}
	}

	count := 0
	var sumI int64
	var sumF float64
	var best catalog.Value
	haveBest := false

	for {
		t, err := a.Child.Next(ctx)
		if err != nil {
			return err
		}
		if t == nil {
			break
		}
		count++
		if colIdx < 0 {
			continue
		}
		v := t.Values[colIdx]
		switch a.Kind {
		case AggSum:
			switch v.Type {
			case catalog.INT32:
				sumI += int64(v.AsInt32())
			case catalog.BIGINT64:
				sumI += v.AsBigInt64()
			case catalog.FLOAT32:
				sumF += float64(v.AsFloat32())
			}
		case AggMax, AggMin:
			if !haveBest {
				best = v
				haveBest = true
				break
			}
			cmp, err := v.Compare(best)
			if err != nil {
				return err
			}
			if (a.Kind == AggMax && cmp > 0) || (a.Kind == AggMin && cmp < 0) {
				best = v
			}
		}
	}

	switch a.Kind {
	case AggCount:
		a.result = &Tuple{Values: []catalog.Value{catalog.NewInt32(int32(count))}}
		a.schema = []ColumnDesc{{Col: catalog.Column{Name: "COUNT", Type: catalog.INT32}}}
	case AggSum:
		out, err := sumValue(col, sumI, sumF)
		if err != nil {
			return err
		}
		a.result = &Tuple{Values: []catalog.Value{out}}
		a.schema = []ColumnDesc{{Col: catalog.Column{Name: "SUM(" + col.Name + ")", Type: out.Type, Length: col.Length}}}
	case AggMax, AggMin:
		if !haveBest {
			// empty input: zero value of the column type
			best = zeroValue(col)
		}
		a.result = &Tuple{Values: []catalog.Value{best}}
		a.schema = []ColumnDesc{{Col: catalog.Column{Name: a.Kind.String() + "(" + col.Name + ")", Type: col.Type, Length: col.Length}}}
	}
	a.done = false
	return nil
}

func (a *Aggregate) checkType(col catalog.Column) error {
	switch a.Kind {
	case AggCount:
		return nil
	case AggSum:
		switch col.Type {
		case catalog.INT32, catalog.FLOAT32, catalog.BIGINT64:
			return nil
		}
		return errors.Wrapf(catalog.ErrIncompatibleType, "SUM over %s column %q", col.Type, col.Name)
	case AggMax, AggMin:
		return nil
	}
	return errors.Errorf("exec: unknown aggregate %d", a.Kind)
}

func sumValue(col catalog.Column, sumI int64, sumF float64) (catalog.Value, error) {
	switch col.Type {
	case catalog.INT32:
		if sumI < math.MinInt32 || sumI > math.MaxInt32 {
			return catalog.NewBigInt64(sumI), nil
		}
		return catalog.NewInt32(int32(sumI)), nil
	case catalog.BIGINT64:
		return catalog.NewBigInt64(sumI), nil
	case catalog.FLOAT32:
		return catalog.NewFloat32(float32(sumF)), nil
	default:
		return catalog.Value{}, errors.Wrapf(catalog.ErrIncompatibleType, "SUM over %s", col.Type)
	}
}

func zeroValue(col catalog.Column) catalog.Value {
	switch col.Type {
	case catalog.INT32:
		return catalog.NewInt32(0)
	case catalog.FLOAT32:
		return catalog.NewFloat32(0)
	case catalog.BIGINT64:
		return catalog.NewBigInt64(0)
	case catalog.CHAR:
		return catalog.NewChar("", col.Width())
	default:
		return catalog.Value{Type: col.Type, Raw: make([]byte, col.Width())}
	}
}

func (a *Aggregate) Next(*Context) (*Tuple, error) {
	if a.done || a.result == nil {
		return nil, nil
	}
	a.done = true
	return a.result, nil
}

func (a *Aggregate) Close(ctx *Context) error {
	a.result = nil
	return a.Child.Close(ctx)
}

func (a *Aggregate) Schema() []ColumnDesc { return a.schema }
