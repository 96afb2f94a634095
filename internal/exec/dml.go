package exec

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/coredb/internal/catalog"
	"github.com/zhukovaskychina/coredb/internal/heap"
	"github.com/zhukovaskychina/coredb/internal/index"
	"github.com/zhukovaskychina/coredb/internal/lockmgr"
	"github.com/zhukovaskychina/coredb/internal/txn"
	"github.com/zhukovaskychina/coredb/internal/walog"
)

// insertRow runs the full mutation protocol of spec §4.5 for one new
// record: IX table lock, unique probes on every index, heap write,
// X record lock, INSERT log record, page-LSN stamp, inverse ops into
// the write sets, then the index entries.
func insertRow(ctx *Context, t *catalog.Table, rec []byte) (heap.RID, error) {
	if err := ctx.Locks.Lock(ctx.Txn.ID(), lockmgr.TableKey(t.FileID), lockmgr.IX); err != nil {
		return heap.RID{}, err
	}

	// every declared index is unique: probe before touching storage so
	// a duplicate leaves everything unchanged
	for i := range t.Indexes {
		idx := &t.Indexes[i]
		tree, err := ctx.Store.IndexOf(t.Name, idx.Name)
		if err != nil {
			return heap.RID{}, err
		}
		if _, err := tree.Get(index.Key(t.IndexKey(idx, rec))); err == nil {
			return heap.RID{}, errors.Wrapf(index.ErrDuplicateKey, "index %s", idx.Name)
		} else if errors.Cause(err) != index.ErrNotFound {
			return heap.RID{}, err
		}
	}

	h, err := ctx.Store.HeapOf(t.Name)
	if err != nil {
		return heap.RID{}, err
	}
	rid, err := h.Insert(rec)
	if err != nil {
		return heap.RID{}, err
	}
	if err := ctx.Locks.Lock(ctx.Txn.ID(), lockmgr.RecordKey(t.FileID, rid.PageNo, rid.SlotNo), lockmgr.X); err != nil {
		return heap.RID{}, err
	}

	lsn, err := ctx.Txns.Log(ctx.Txn, &walog.Record{
		Kind: walog.KindInsert, Table: t.Name,
		PageNo: rid.PageNo, SlotNo: rid.SlotNo, After: rec,
	})
	if err != nil {
		return heap.RID{}, err
	}
	if err := h.SetPageLSN(rid.PageNo, lsn); err != nil {
		return heap.RID{}, err
	}
	ctx.Txn.RecordTableWrite(txn.TableWrite{Kind: txn.WriteInsert, Table: t.Name, RID: rid, After: rec})

	for i := range t.Indexes {
		idx := &t.Indexes[i]
		tree, err := ctx.Store.IndexOf(t.Name, idx.Name)
		if err != nil {
			return heap.RID{}, err
		}
		key := index.Key(t.IndexKey(idx, rec))
		irid := index.RID{PageNo: rid.PageNo, SlotNo: rid.SlotNo}
		if err := tree.Insert(key, irid); err != nil {
			return heap.RID{}, err
		}
		ctx.Txn.RecordIndexWrite(txn.IndexWrite{Kind: txn.IndexInsert, Table: t.Name, Index: idx.Name, Key: key, RID: irid})
	}
	return rid, nil
}

// deleteRow removes one record under an X record lock, logging the
// before-image and unhooking every index entry.
func deleteRow(ctx *Context, t *catalog.Table, rid heap.RID) error {
	if err := ctx.Locks.Lock(ctx.Txn.ID(), lockmgr.RecordKey(t.FileID, rid.PageNo, rid.SlotNo), lockmgr.X); err != nil {
		return err
	}
	h, err := ctx.Store.HeapOf(t.Name)
	if err != nil {
		return err
	}
	rec, err := h.Get(rid)
	if err != nil {
		return err
	}
	if err := h.Delete(rid); err != nil {
		return err
	}
	lsn, err := ctx.Txns.Log(ctx.Txn, &walog.Record{
		Kind: walog.KindDelete, Table: t.Name,
		PageNo: rid.PageNo, SlotNo: rid.SlotNo, Before: rec,
	})
	if err != nil {
		return err
	}
	if err := h.SetPageLSN(rid.PageNo, lsn); err != nil {
		return err
	}
	ctx.Txn.RecordTableWrite(txn.TableWrite{Kind: txn.WriteDelete, Table: t.Name, RID: rid, Before: rec})

	for i := range t.Indexes {
		idx := &t.Indexes[i]
		tree, err := ctx.Store.IndexOf(t.Name, idx.Name)
		if err != nil {
			return err
		}
		key := index.Key(t.IndexKey(idx, rec))
		if err := tree.Delete(key); err != nil {
			return err
		}
		ctx.Txn.RecordIndexWrite(txn.IndexWrite{
			Kind: txn.IndexDelete, Table: t.Name, Index: idx.Name,
			Key: key, RID: index.RID{PageNo: rid.PageNo, SlotNo: rid.SlotNo},
		})
	}
	return nil
}

// Insert is the single-row INSERT INTO ... VALUES executor.
type Insert struct {
	TableName string
	Values    []catalog.Value

	affected int
	done     bool
}

// NewInsert builds an insert of one values row.
func NewInsert(table string, values []catalog.Value) *Insert {
	return &Insert{TableName: table, Values: values}
}

func (e *Insert) Open(ctx *Context) error {
	e.affected = 0
	e.done = false
	return nil
}

func (e *Insert) Next(ctx *Context) (*Tuple, error) {
	if e.done {
		return nil, nil
	}
	e.done = true
	t, err := ctx.Catalog.Table(e.TableName)
	if err != nil {
		return nil, err
	}
	rec, err := t.EncodeRecord(e.Values)
	if err != nil {
		return nil, err
	}
	if _, err := insertRow(ctx, t, rec); err != nil {
		return nil, err
	}
	e.affected = 1
	return nil, nil
}

func (e *Insert) Close(*Context) error { return nil }

func (e *Insert) Schema() []ColumnDesc { return nil }

// Affected reports the number of rows written.
func (e *Insert) Affected() int { return e.affected }

// Delete removes every row its child produces. The child's rids are
// materialized first so deletions do not disturb the scan.
type Delete struct {
	TableName string
	Child     Operator

	affected int
	done     bool
}

// NewDelete builds a delete fed by a scan.
func NewDelete(table string, child Operator) *Delete {
	return &Delete{TableName: table, Child: child}
}

func (e *Delete) Open(ctx *Context) error {
	t, err := ctx.Catalog.Table(e.TableName)
	if err != nil {
		return err
	}
	if err := ctx.Locks.Lock(ctx.Txn.ID(), lockmgr.TableKey(t.FileID), lockmgr.IX); err != nil {
		return err
	}
	e.affected = 0
	e.done = false
	return e.Child.Open(ctx)
}

func (e *Delete) Next(ctx *Context) (*Tuple, error) {
	if e.done {
		return nil, nil
	}
	e.done = true
	t, err := ctx.Catalog.Table(e.TableName)
	if err != nil {
		return nil, err
	}
	var rids []heap.RID
	for {
		tup, err := e.Child.Next(ctx)
		if err != nil {
			return nil, err
		}
		if tup == nil {
			break
		}
		rids = append(rids, tup.RID)
	}
	for _, rid := range rids {
		if err := deleteRow(ctx, t, rid); err != nil {
			return nil, err
		}
		e.affected++
	}
	return nil, nil
}

func (e *Delete) Close(ctx *Context) error { return e.Child.Close(ctx) }

func (e *Delete) Schema() []ColumnDesc { return nil }

// Affected reports the number of rows removed.
func (e *Delete) Affected() int { return e.affected }

// Assignment is one SET term of an UPDATE: column = value, or
// column = column + value when Add is set.
type Assignment struct {
	Column string
	Value  catalog.Value
	Add    bool
}

// Update rewrites every row its child produces by applying the SET
// list, maintaining every index whose key actually changes.
type Update struct {
	TableName   string
	Assignments []Assignment
	Child       Operator

	affected int
	done     bool
}

// NewUpdate builds an update fed by a scan.
func NewUpdate(table string, assigns []Assignment, child Operator) *Update {
	return &Update{TableName: table, Assignments: assigns, Child: child}
}

func (e *Update) Open(ctx *Context) error {
	t, err := ctx.Catalog.Table(e.TableName)
	if err != nil {
		return err
	}
	if err := ctx.Locks.Lock(ctx.Txn.ID(), lockmgr.TableKey(t.FileID), lockmgr.IX); err != nil {
		return err
	}
	e.affected = 0
	e.done = false
	return e.Child.Open(ctx)
}

func (e *Update) Next(ctx *Context) (*Tuple, error) {
	if e.done {
		return nil, nil
	}
	e.done = true
	t, err := ctx.Catalog.Table(e.TableName)
	if err != nil {
		return nil, err
	}
	var rids []heap.RID
	for {
		tup, err := e.Child.Next(ctx)
		if err != nil {
			return nil, err
		}
		if tup == nil {
			break
		}
		rids = append(rids, tup.RID)
	}
	for _, rid := range rids {
		if err := e.updateRow(ctx, t, rid); err != nil {
			return nil, err
		}
		e.affected++
	}
	return nil, nil
}

func (e *Update) updateRow(ctx *Context, t *catalog.Table, rid heap.RID) error {
	if err := ctx.Locks.Lock(ctx.Txn.ID(), lockmgr.RecordKey(t.FileID, rid.PageNo, rid.SlotNo), lockmgr.X); err != nil {
		return err
	}
	h, err := ctx.Store.HeapOf(t.Name)
	if err != nil {
		return err
	}
	oldRec, err := h.Get(rid)
	if err != nil {
		return err
	}

	newRec := make([]byte, len(oldRec))
	copy(newRec, oldRec)
	for _, as := range e.Assignments {
		ci := t.ColumnIndex(as.Column)
		if ci < 0 {
			return errors.Wrapf(catalog.ErrNotFound, "column %q", as.Column)
		}
		col := t.Columns[ci]
		val := as.Value
		if as.Add {
			val, err = catalog.AddValues(t.ValueAt(oldRec, ci), as.Value)
			if err != nil {
				return err
			}
		}
		coerced, err := catalog.CoerceTo(val, col)
		if err != nil {
			return err
		}
		copy(newRec[col.Offset:col.Offset+col.Width()], coerced.Raw)
	}

	// validate the new keys of every affected index before mutating
	// anything, so duplicate-key leaves storage untouched
	type idxChange struct {
		name   string
		tree   *index.BTree
		oldKey index.Key
		newKey index.Key
	}
	var changes []idxChange
	for i := range t.Indexes {
		idx := &t.Indexes[i]
		oldKey := index.Key(t.IndexKey(idx, oldRec))
		newKey := index.Key(t.IndexKey(idx, newRec))
		if string(oldKey) == string(newKey) {
			continue
		}
		tree, err := ctx.Store.IndexOf(t.Name, idx.Name)
		if err != nil {
			return err
		}
		if _, err := tree.Get(newKey); err == nil {
			return errors.Wrapf(index.ErrDuplicateKey, "index %s", idx.Name)
		} else if errors.Cause(err) != index.ErrNotFound {
			return err
		}
		changes = append(changes, idxChange{name: idx.Name, tree: tree, oldKey: oldKey, newKey: newKey})
	}

	if err := h.Update(rid, newRec); err != nil {
		return err
	}
	lsn, err := ctx.Txns.Log(ctx.Txn, &walog.Record{
		Kind: walog.KindUpdate, Table: t.Name,
		PageNo: rid.PageNo, SlotNo: rid.SlotNo, Before: oldRec, After: newRec,
	})
	if err != nil {
		return err
	}
	if err := h.SetPageLSN(rid.PageNo, lsn); err != nil {
		return err
	}
	ctx.Txn.RecordTableWrite(txn.TableWrite{Kind: txn.WriteUpdate, Table: t.Name, RID: rid, Before: oldRec, After: newRec})

	irid := index.RID{PageNo: rid.PageNo, SlotNo: rid.SlotNo}
	for _, ch := range changes {
		if err := ch.tree.Delete(ch.oldKey); err != nil {
			return err
		}
		ctx.Txn.RecordIndexWrite(txn.IndexWrite{Kind: txn.IndexDelete, Table: t.Name, Index: ch.name, Key: ch.oldKey, RID: irid})
		if err := ch.tree.Insert(ch.newKey, irid); err != nil {
			return err
		}
		ctx.Txn.RecordIndexWrite(txn.IndexWrite{Kind: txn.IndexInsert, Table: t.Name, Index: ch.name, Key: ch.newKey, RID: irid})
	}
	return nil
}

func (e *Update) Close(ctx *Context) error { return e.Child.Close(ctx) }

func (e *Update) Schema() []ColumnDesc { return nil }

// Affected reports the number of rows rewritten.
func (e *Update) Affected() int { return e.affected }
