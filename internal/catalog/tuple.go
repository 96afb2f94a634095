package catalog

import (
	"math"

	"github.com/pkg/errors"
)

// ErrInvalidValueCount is raised when an insert's value arity does not
// match the table's column arity.
var ErrInvalidValueCount = errors.New("invalid-value-count")

// ValueAt extracts column i of a fixed-width record as a Value. The
// returned value aliases the record bytes.
func (t *Table) ValueAt(rec []byte, i int) Value {
	c := t.Columns[i]
	return Value{Type: c.Type, Raw: rec[c.Offset : c.Offset+c.Width()]}
}

// CoerceTo converts v for assignment into column col, applying the
// INT↔BIGINT and INT→FLOAT promotions of spec §3 and raising
// type-overflow for a narrowing that loses the value.
func CoerceTo(v Value, col Column) (Value, error) {
	if v.Type == col.Type {
		if col.Type == CHAR && len(v.Raw) != col.Width() {
			return NewChar(v.AsString(), col.Width()), nil
		}
		return v, nil
	}
	switch {
	case v.Type == INT32 && col.Type == BIGINT64:
		return NewBigInt64(int64(v.AsInt32())), nil
	case v.Type == BIGINT64 && col.Type == INT32:
		return CoerceBigIntToInt32(v)
	case v.Type == INT32 && col.Type == FLOAT32:
		return NewFloat32(float32(v.AsInt32())), nil
	case v.Type == BIGINT64 && col.Type == FLOAT32:
		return NewFloat32(float32(v.AsBigInt64())), nil
	default:
		return Value{}, errors.Wrapf(ErrIncompatibleType, "cannot assign %s to %s column %q",
			v.Type, col.Type, col.Name)
	}
}

// EncodeRecord lays out one value per column into a fresh record
// buffer, coercing each value to its column type. Arity mismatch is
// invalid-value-count.
func (t *Table) EncodeRecord(values []Value) ([]byte, error) {
	if len(values) != len(t.Columns) {
		return nil, errors.Wrapf(ErrInvalidValueCount, "table %q wants %d values, got %d",
			t.Name, len(t.Columns), len(values))
	}
	rec := make([]byte, t.RecordSize)
	for i, v := range values {
		coerced, err := CoerceTo(v, t.Columns[i])
		if err != nil {
			return nil, err
		}
		copy(rec[t.Columns[i].Offset:], coerced.Raw)
	}
	return rec, nil
}

// IndexKey concatenates the raw bytes of an index's columns out of a
// record, in the index's declared column order — the composite key.
func (t *Table) IndexKey(idx *IndexDef, rec []byte) []byte {
	key := make([]byte, 0, idx.KeyLength)
	for _, name := range idx.Columns {
		c, _ := t.Column(name)
		key = append(key, rec[c.Offset:c.Offset+c.Width()]...)
	}
	return key
}

// AddValues sums a column value and a delta for UPDATE's
// column-plus-value assignments; defined on INT32, FLOAT32 and
// BIGINT64 (spec §4.8 "sums on INT/FLOAT" plus the BIGINT extension).
func AddValues(cur, delta Value) (Value, error) {
	switch cur.Type {
	case INT32:
		d, err := deltaAsInt64(delta)
		if err != nil {
			return Value{}, err
		}
		sum := int64(cur.AsInt32()) + d
		if sum < math.MinInt32 || sum > math.MaxInt32 {
			return Value{}, errors.Wrapf(ErrTypeOverflow, "INT32 sum %d", sum)
		}
		return NewInt32(int32(sum)), nil
	case BIGINT64:
		d, err := deltaAsInt64(delta)
		if err != nil {
			return Value{}, err
		}
		return NewBigInt64(cur.AsBigInt64() + d), nil
	case FLOAT32:
		switch delta.Type {
		case FLOAT32:
			return NewFloat32(cur.AsFloat32() + delta.AsFloat32()), nil
		case INT32:
			return NewFloat32(cur.AsFloat32() + float32(delta.AsInt32())), nil
		case BIGINT64:
			return NewFloat32(cur.AsFloat32() + float32(delta.AsBigInt64())), nil
		}
	}
	return Value{}, errors.Wrapf(ErrIncompatibleType, "cannot add %s to %s", delta.Type, cur.Type)
}

func deltaAsInt64(v Value) (int64, error) {
	switch v.Type {
	case INT32:
		return int64(v.AsInt32()), nil
	case BIGINT64:
		return v.AsBigInt64(), nil
	default:
		return 0, errors.Wrapf(ErrIncompatibleType, "non-integer addend %s", v.Type)
	}
}
