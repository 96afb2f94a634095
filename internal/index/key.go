// Package index implements the concurrent B+-tree (spec §4.3): an
// ordered map from a composite byte key to a rid, with latch-crabbing
// descents for lookup, insert and delete.
package index

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/coredb/internal/catalog"
)

// ErrDuplicateKey is raised when an insert or update would create a
// second entry for a key already present in a (unique) index.
var ErrDuplicateKey = errors.New("duplicate-key")

// ErrNotFound is raised by Get/Delete when the key is absent.
var ErrNotFound = errors.New("not-found")

// Key is the raw byte concatenation of one or more indexed columns, in
// declared order — spec's "composite key".
type Key []byte

// Layout describes how to compare composite keys column-by-column,
// using the types and byte-lengths recorded in the index file header.
type Layout struct {
	ColTypes []catalog.Type
	ColLens  []int // per-column declared width (meaningful for CHAR)
	TotalLen int
}

// NewLayout builds a Layout from a table's columns restricted to the
// index's column list, in the index's declared order.
func NewLayout(table *catalog.Table, columns []string) (Layout, error) {
	var l Layout
	for _, name := range columns {
		col, ok := table.Column(name)
		if !ok {
			return Layout{}, errors.Errorf("index: unknown column %q", name)
		}
		l.ColTypes = append(l.ColTypes, col.Type)
		l.ColLens = append(l.ColLens, col.Width())
		l.TotalLen += col.Width()
	}
	return l, nil
}

// Compare orders two composite keys column-wise, per the types/lengths
// recorded in the index header (spec §4.3 "Equality test for keys").
func (l Layout) Compare(a, b Key) int {
	off := 0
	for i, t := range l.ColTypes {
		w := l.ColLens[i]
		av := catalog.Value{Type: t, Raw: a[off : off+w]}
		bv := catalog.Value{Type: t, Raw: b[off : off+w]}
		c, err := av.Compare(bv)
		if err != nil {
			// Columns of an index share a declared type by construction;
			// a comparison error here means corrupted key bytes.
			c = compareRaw(av.Raw, bv.Raw)
		}
		if c != 0 {
			return c
		}
		off += w
	}
	return 0
}

func compareRaw(a, b []byte) int {
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
	return 0
}

// MinSentinel returns the all-zero key of the layout's total length,
// used as a lower sentinel for unbounded range scans.
func (l Layout) MinSentinel() Key {
	return make(Key, l.TotalLen)
}

// MaxSentinel returns the all-0xFF key of the layout's total length —
// spec §9 Open Question (a): 0xFF is the fill byte, documented as a
// byte-value maximum, not a multibyte-locale claim.
func (l Layout) MaxSentinel() Key {
	k := make(Key, l.TotalLen)
	for i := range k {
		k[i] = 0xFF
	}
	return k
}
