// Package exec implements the operator iterator protocol (spec §4.8):
// open/next/close operators for scans, joins, sort, aggregation and
// the mutating statements, bound to the lock, log and transaction
// managers through a request-scoped Context.
package exec

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/zhukovaskychina/coredb/internal/catalog"
	"github.com/zhukovaskychina/coredb/internal/heap"
	"github.com/zhukovaskychina/coredb/internal/lockmgr"
	"github.com/zhukovaskychina/coredb/internal/txn"
)

// Context bundles everything a statement's operators need: the running
// transaction, the managers, the catalog, the storage resolver and the
// filesystem LOAD reads CSV files from. One Context lives for one
// statement.
type Context struct {
	Txn     *txn.Transaction
	Txns    *txn.Manager
	Locks   *lockmgr.Manager
	Catalog *catalog.Catalog
	Store   txn.Storage
	FS      afero.Fs
}

// ColumnDesc describes one output column of an operator, qualified by
// the table it came from so join outputs stay unambiguous.
type ColumnDesc struct {
	Table string
	Col   catalog.Column
}

// Tuple is one row flowing through the operator tree. RID is set by
// scans so mutators above them can address the row; it is zero for
// derived tuples (joins, aggregates).
type Tuple struct {
	Values []catalog.Value
	RID    heap.RID
}

// Operator is the uniform iterator interface every plan node exposes.
// Next returns nil when exhausted.
type Operator interface {
	Open(ctx *Context) error
	Next(ctx *Context) (*Tuple, error)
	Close(ctx *Context) error
	Schema() []ColumnDesc
}

// tableSchema derives an operator schema from a table's column list.
func tableSchema(t *catalog.Table) []ColumnDesc {
	out := make([]ColumnDesc, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = ColumnDesc{Table: t.Name, Col: c}
	}
	return out
}

// resolveColumn finds a column reference in a schema. An unqualified
// name matching more than one column is ambiguous-column; a name
// matching none is not-found.
func resolveColumn(schema []ColumnDesc, ref ColumnRef) (int, error) {
	found := -1
	for i, d := range schema {
		if d.Col.Name != ref.Column {
			continue
		}
		if ref.Table != "" && d.Table != ref.Table {
			continue
		}
		if found >= 0 {
			return 0, errors.Wrapf(catalog.ErrAmbiguousColumn, "column %q", ref.Column)
		}
		found = i
	}
	if found < 0 {
		return 0, errors.Wrapf(catalog.ErrNotFound, "column %q", ref.Column)
	}
	return found, nil
}

// decodeTuple turns raw record bytes into a Tuple against the table's
// schema, copying the values out of the record buffer.
func decodeTuple(t *catalog.Table, rec []byte, rid heap.RID) *Tuple {
	vals := make([]catalog.Value, len(t.Columns))
	for i := range t.Columns {
		v := t.ValueAt(rec, i)
		raw := make([]byte, len(v.Raw))
		copy(raw, v.Raw)
		vals[i] = catalog.Value{Type: v.Type, Raw: raw}
	}
	return &Tuple{Values: vals, RID: rid}
}
