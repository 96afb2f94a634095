// Package catalog holds table/index metadata and the tagged Value union
// used to compare and serialize column data: INT32, FLOAT32, CHAR(n),
// BIGINT64 and DATETIME64.
package catalog

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Type is a column's storage type.
type Type int

const (
	INT32 Type = iota
	FLOAT32
	CHAR
	BIGINT64
	DATETIME64
)

func (t Type) String() string {
	switch t {
	case INT32:
		return "INT32"
	case FLOAT32:
		return "FLOAT32"
	case CHAR:
		return "CHAR"
	case BIGINT64:
		return "BIGINT64"
	case DATETIME64:
		return "DATETIME64"
	default:
		return "UNKNOWN"
	}
}

// FixedLength reports the on-disk width for types whose length does not
// come from a declared CHAR(n); CHAR returns the supplied declared length.
func (t Type) FixedLength(declared int) int {
	switch t {
	case INT32, FLOAT32:
		return 4
	case BIGINT64, DATETIME64:
		return 8
	case CHAR:
		return declared
	default:
		return declared
	}
}

var byteOrder = binary.LittleEndian

// Errors surfaced to callers per spec §7.
var (
	ErrIncompatibleType = errors.New("incompatible-type")
	ErrTypeOverflow     = errors.New("type-overflow")
)

// Value is a tagged union over the five column types plus its serialized
// raw bytes — the wire form stored in a heap record slot.
type Value struct {
	Type Type
	Raw  []byte
}

// NewInt32 builds an INT32 value.
func NewInt32(v int32) Value {
	b := make([]byte, 4)
	byteOrder.PutUint32(b, uint32(v))
	return Value{Type: INT32, Raw: b}
}

// NewFloat32 builds a FLOAT32 value.
func NewFloat32(v float32) Value {
	b := make([]byte, 4)
	byteOrder.PutUint32(b, math.Float32bits(v))
	return Value{Type: FLOAT32, Raw: b}
}

// NewBigInt64 builds a BIGINT64 value.
func NewBigInt64(v int64) Value {
	b := make([]byte, 8)
	byteOrder.PutUint64(b, uint64(v))
	return Value{Type: BIGINT64, Raw: b}
}

// NewChar builds a fixed-width CHAR(n) value, zero-padded or truncated
// to n bytes.
func NewChar(s string, n int) Value {
	b := make([]byte, n)
	copy(b, s)
	return Value{Type: CHAR, Raw: b}
}

// NewDateTime builds a DATETIME64 value from its calendar fields,
// validating range per spec §3 ("invalid DATETIMEs fail with an
// overflow error").
func NewDateTime(year, month, day, hour, min, sec int) (Value, error) {
	word, err := EncodeDateTime(year, month, day, hour, min, sec)
	if err != nil {
		return Value{}, err
	}
	b := make([]byte, 8)
	byteOrder.PutUint64(b, word)
	return Value{Type: DATETIME64, Raw: b}, nil
}

func (v Value) AsInt32() int32 {
	return int32(byteOrder.Uint32(v.Raw))
}

func (v Value) AsFloat32() float32 {
	return math.Float32frombits(byteOrder.Uint32(v.Raw))
}

func (v Value) AsBigInt64() int64 {
	return int64(byteOrder.Uint64(v.Raw))
}

func (v Value) AsDateTime() uint64 {
	return byteOrder.Uint64(v.Raw)
}

func (v Value) AsString() string {
	// trailing NULs from fixed-width CHAR padding are not part of the
	// logical string value.
	n := len(v.Raw)
	for n > 0 && v.Raw[n-1] == 0 {
		n--
	}
	return string(v.Raw[:n])
}

// asFloat64 promotes any numeric value to float64 for cross-type
// comparison between INT and FLOAT/BIGINT.
func (v Value) asFloat64() (float64, bool) {
	switch v.Type {
	case INT32:
		return float64(v.AsInt32()), true
	case FLOAT32:
		return float64(v.AsFloat32()), true
	case BIGINT64:
		return float64(v.AsBigInt64()), true
	default:
		return 0, false
	}
}

// Compare orders two values, promoting across INT/FLOAT and INT/BIGINT
// per spec §3. STRING compares lexicographically (memcmp); DATETIME
// compares by its encoded 64-bit word. Returns -1/0/1, or
// ErrIncompatibleType if the two types cannot be compared.
func (v Value) Compare(other Value) (int, error) {
	if v.Type == CHAR || other.Type == CHAR {
		if v.Type != other.Type {
			return 0, errors.Wrapf(ErrIncompatibleType, "%s vs %s", v.Type, other.Type)
		}
		return compareBytes(v.Raw, other.Raw), nil
	}
	if v.Type == DATETIME64 || other.Type == DATETIME64 {
		if v.Type != other.Type {
			return 0, errors.Wrapf(ErrIncompatibleType, "%s vs %s", v.Type, other.Type)
		}
		a, b := v.AsDateTime(), other.AsDateTime()
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		default:
			return 0, nil
		}
	}
	af, aok := v.asFloat64()
	bf, bok := other.asFloat64()
	if !aok || !bok {
		return 0, errors.Wrapf(ErrIncompatibleType, "%s vs %s", v.Type, other.Type)
	}
	switch {
	case af < bf:
		return -1, nil
	case af > bf:
		return 1, nil
	default:
		return 0, nil
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// CoerceBigIntToInt32 narrows a BIGINT64 value into an INT32 column
// assignment, raising type-overflow when the value doesn't fit — spec
// §7's "BIGINT→INT" overflow case.
func CoerceBigIntToInt32(v Value) (Value, error) {
	if v.Type != BIGINT64 {
		return v, nil
	}
	n := v.AsBigInt64()
	if n < math.MinInt32 || n > math.MaxInt32 {
		return Value{}, errors.Wrapf(ErrTypeOverflow, "bigint %d does not fit in INT32", n)
	}
	return NewInt32(int32(n)), nil
}
