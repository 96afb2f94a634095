package catalog

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// EncodeTable serializes a table's metadata — the CREATE_TABLE log
// record payload and the on-disk catalog entry share this format.
// Layout: name, column count, per column {name, type i32, length i32,
// indexed u8}, index count, per index {name, column count, column
// names}. Strings are u16-length-prefixed; integers little-endian.
func EncodeTable(t *Table) []byte {
	var b []byte
	b = appendString(b, t.Name)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(t.Columns)))
	for _, c := range t.Columns {
		b = appendString(b, c.Name)
		b = binary.LittleEndian.AppendUint32(b, uint32(c.Type))
		b = binary.LittleEndian.AppendUint32(b, uint32(c.Length))
		if c.Indexed {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(len(t.Indexes)))
	for _, idx := range t.Indexes {
		b = appendString(b, idx.Name)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(idx.Columns)))
		for _, col := range idx.Columns {
			b = appendString(b, col)
		}
	}
	return b
}

// DecodeTable parses an EncodeTable payload back into table metadata,
// recomputing column offsets and the record size.
func DecodeTable(b []byte) (*Table, error) {
	r := &metaReader{b: b}
	name := r.str()
	colCount := int(r.u32())
	cols := make([]Column, 0, colCount)
	for i := 0; i < colCount; i++ {
		c := Column{Name: r.str(), Type: Type(r.u32()), Length: int(r.u32())}
		c.Indexed = r.u8() != 0
		cols = append(cols, c)
	}
	idxCount := int(r.u32())
	indexes := make([]IndexDef, 0, idxCount)
	for i := 0; i < idxCount; i++ {
		idx := IndexDef{Name: r.str()}
		n := int(r.u32())
		for j := 0; j < n; j++ {
			idx.Columns = append(idx.Columns, r.str())
		}
		indexes = append(indexes, idx)
	}
	if r.err != nil {
		return nil, errors.Wrap(r.err, "decode table meta")
	}
	t := NewTable(name, cols)
	for _, idx := range indexes {
		keyLen := 0
		for _, col := range idx.Columns {
			if c, ok := t.Column(col); ok {
				keyLen += c.Width()
			}
		}
		idx.KeyLength = keyLen
		t.Indexes = append(t.Indexes, idx)
	}
	return t, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

type metaReader struct {
	b   []byte
	off int
	err error
}

func (r *metaReader) u8() byte {
	if r.err != nil || r.off+1 > len(r.b) {
		r.fail()
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *metaReader) u32() uint32 {
	if r.err != nil || r.off+4 > len(r.b) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *metaReader) str() string {
	if r.err != nil || r.off+2 > len(r.b) {
		r.fail()
		return ""
	}
	n := int(binary.LittleEndian.Uint16(r.b[r.off:]))
	r.off += 2
	if r.off+n > len(r.b) {
		r.fail()
		return ""
	}
	s := string(r.b[r.off : r.off+n])
	r.off += n
	return s
}

func (r *metaReader) fail() {
	if r.err == nil {
		r.err = errors.New("truncated table metadata")
	}
}
