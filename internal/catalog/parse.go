package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseValue converts a textual literal (CSV field or CLI token) into a
// Value of the column's type. DATETIME accepts "YYYY-MM-DD HH:MM:SS"
// or the date-only prefix.
func ParseValue(s string, col Column) (Value, error) {
	switch col.Type {
	case INT32:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return Value{}, errors.Wrapf(ErrIncompatibleType, "%q is not an integer", s)
		}
		return CoerceBigIntToInt32(NewBigInt64(n))
	case BIGINT64:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return Value{}, errors.Wrapf(ErrIncompatibleType, "%q is not an integer", s)
		}
		return NewBigInt64(n), nil
	case FLOAT32:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
		if err != nil {
			return Value{}, errors.Wrapf(ErrIncompatibleType, "%q is not a float", s)
		}
		return NewFloat32(float32(f)), nil
	case CHAR:
		return NewChar(strings.Trim(s, "'"), col.Width()), nil
	case DATETIME64:
		return ParseDateTime(strings.Trim(strings.TrimSpace(s), "'"))
	default:
		return Value{}, errors.Wrapf(ErrIncompatibleType, "unknown column type %d", col.Type)
	}
}

// ParseDateTime parses "YYYY-MM-DD[ HH:MM:SS]" into a DATETIME64 value,
// validating calendar ranges.
func ParseDateTime(s string) (Value, error) {
	var year, month, day, hour, min, sec int
	switch {
	case len(s) >= 19:
		if _, err := fmt.Sscanf(s, "%d-%d-%d %d:%d:%d", &year, &month, &day, &hour, &min, &sec); err != nil {
			return Value{}, errors.Wrapf(ErrIncompatibleType, "%q is not a datetime", s)
		}
	case len(s) >= 8:
		if _, err := fmt.Sscanf(s, "%d-%d-%d", &year, &month, &day); err != nil {
			return Value{}, errors.Wrapf(ErrIncompatibleType, "%q is not a date", s)
		}
	default:
		return Value{}, errors.Wrapf(ErrIncompatibleType, "%q is not a datetime", s)
	}
	return NewDateTime(year, month, day, hour, min, sec)
}

// Format renders a value for result output.
func (v Value) Format() string {
	switch v.Type {
	case INT32:
		return strconv.FormatInt(int64(v.AsInt32()), 10)
	case BIGINT64:
		return strconv.FormatInt(v.AsBigInt64(), 10)
	case FLOAT32:
		return strconv.FormatFloat(float64(v.AsFloat32()), 'g', -1, 32)
	case CHAR:
		return v.AsString()
	case DATETIME64:
		y, mo, d, h, mi, s := DecodeDateTime(v.AsDateTime())
		return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", y, mo, d, h, mi, s)
	default:
		return "?"
	}
}
