package exec

import (
	"encoding/csv"
	"io"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/coredb/internal/catalog"
	"github.com/zhukovaskychina/coredb/internal/index"
	"github.com/zhukovaskychina/coredb/internal/lockmgr"
	"github.com/zhukovaskychina/coredb/internal/txn"
	"github.com/zhukovaskychina/coredb/internal/walog"
)

// Load bulk-inserts a CSV file into a table. The first CSV row names
// the columns; the heap's packed bulk-insert path is used for the
// records, then each row is logged and indexed like a normal insert.
type Load struct {
	TableName string
	Path      string

	affected int
	done     bool
}

// NewLoad builds a CSV load.
func NewLoad(table, path string) *Load {
	return &Load{TableName: table, Path: path}
}

func (e *Load) Open(*Context) error {
	e.affected = 0
	e.done = false
	return nil
}

func (e *Load) Next(ctx *Context) (*Tuple, error) {
	if e.done {
		return nil, nil
	}
	e.done = true

	t, err := ctx.Catalog.Table(e.TableName)
	if err != nil {
		return nil, err
	}
	f, err := ctx.FS.Open(e.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", e.Path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "read csv header of %s", e.Path)
	}
	perm := make([]int, len(t.Columns))
	for i, col := range t.Columns {
		perm[i] = -1
		for j, name := range header {
			if name == col.Name {
				perm[i] = j
				break
			}
		}
		if perm[i] < 0 {
			return nil, errors.Wrapf(catalog.ErrNotFound, "csv column %q", col.Name)
		}
	}

	var records [][]byte
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read csv row of %s", e.Path)
		}
		rec := make([]byte, t.RecordSize)
		for i, col := range t.Columns {
			if perm[i] >= len(row) {
				return nil, errors.Wrapf(catalog.ErrInvalidValueCount, "csv row %d short", e.affected+1)
			}
			v, err := catalog.ParseValue(row[perm[i]], col)
			if err != nil {
				return nil, err
			}
			copy(rec[col.Offset:col.Offset+col.Width()], v.Raw)
		}
		records = append(records, rec)
	}

	if err := ctx.Locks.Lock(ctx.Txn.ID(), lockmgr.TableKey(t.FileID), lockmgr.IX); err != nil {
		return nil, err
	}
	h, err := ctx.Store.HeapOf(t.Name)
	if err != nil {
		return nil, err
	}
	rids, err := h.BulkInsert(records)
	if err != nil {
		return nil, err
	}

	for i, rid := range rids {
		rec := records[i]
		if err := ctx.Locks.Lock(ctx.Txn.ID(), lockmgr.RecordKey(t.FileID, rid.PageNo, rid.SlotNo), lockmgr.X); err != nil {
			return nil, err
		}
		lsn, err := ctx.Txns.Log(ctx.Txn, &walog.Record{
			Kind: walog.KindInsert, Table: t.Name,
			PageNo: rid.PageNo, SlotNo: rid.SlotNo, After: rec,
		})
		if err != nil {
			return nil, err
		}
		if err := h.SetPageLSN(rid.PageNo, lsn); err != nil {
			return nil, err
		}
		ctx.Txn.RecordTableWrite(txn.TableWrite{Kind: txn.WriteInsert, Table: t.Name, RID: rid, After: rec})

		for j := range t.Indexes {
			idx := &t.Indexes[j]
			tree, err := ctx.Store.IndexOf(t.Name, idx.Name)
			if err != nil {
				return nil, err
			}
			key := index.Key(t.IndexKey(idx, rec))
			irid := index.RID{PageNo: rid.PageNo, SlotNo: rid.SlotNo}
			if err := tree.Insert(key, irid); err != nil {
				return nil, err
			}
			ctx.Txn.RecordIndexWrite(txn.IndexWrite{Kind: txn.IndexInsert, Table: t.Name, Index: idx.Name, Key: key, RID: irid})
		}
		e.affected++
	}
	return nil, nil
}

func (e *Load) Close(*Context) error { return nil }

func (e *Load) Schema() []ColumnDesc { return nil }

// Affected reports the number of rows loaded.
func (e *Load) Affected() int { return e.affected }
