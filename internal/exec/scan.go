package exec

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/coredb/internal/catalog"
	"github.com/zhukovaskychina/coredb/internal/heap"
	"github.com/zhukovaskychina/coredb/internal/index"
	"github.com/zhukovaskychina/coredb/internal/lockmgr"
)

// SeqScan iterates a table's heap in physical order, emitting tuples
// that satisfy every predicate. Opening takes S on the table.
type SeqScan struct {
	TableName  string
	Predicates []Predicate

	table  *catalog.Table
	hfile  *heap.HeapFile
	scan   *heap.Scan
	schema []ColumnDesc
}

// NewSeqScan builds a sequential scan over table with a conjunction of
// predicates.
func NewSeqScan(table string, preds []Predicate) *SeqScan {
	return &SeqScan{TableName: table, Predicates: preds}
}

func (s *SeqScan) Open(ctx *Context) error {
	t, err := ctx.Catalog.Table(s.TableName)
	if err != nil {
		return err
	}
	s.table = t
	s.schema = tableSchema(t)
	if err := ctx.Locks.Lock(ctx.Txn.ID(), lockmgr.TableKey(t.FileID), lockmgr.S); err != nil {
		return err
	}
	s.hfile, err = ctx.Store.HeapOf(s.TableName)
	if err != nil {
		return err
	}
	s.scan, err = s.hfile.NewScan()
	return err
}

func (s *SeqScan) Next(ctx *Context) (*Tuple, error) {
	for {
		rid, rec, ok, err := s.scan.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		tup := decodeTuple(s.table, rec, rid)
		match, err := evalAll(s.Predicates, s.schema, tup)
		if err != nil {
			return nil, err
		}
		if match {
			return tup, nil
		}
	}
}

func (s *SeqScan) Close(*Context) error { return nil }

func (s *SeqScan) Schema() []ColumnDesc { return s.schema }

// IndexScan descends once to lower_bound(lower-key) and walks the leaf
// chain until upper-key, re-checking the residual predicates on every
// fetched record. Opening takes S on the table.
type IndexScan struct {
	TableName  string
	IndexName  string
	Lower      index.Key // inclusive; nil means the index minimum
	Upper      index.Key // inclusive; nil means the index maximum
	Predicates []Predicate

	table  *catalog.Table
	hfile  *heap.HeapFile
	tree   *index.BTree
	cursor *index.Cursor
	schema []ColumnDesc
}

// NewIndexScan builds an index range scan. Lower/Upper are full
// composite keys built by the planner from the leading-prefix equality
// and range predicates.
func NewIndexScan(table, idx string, lower, upper index.Key, preds []Predicate) *IndexScan {
	return &IndexScan{TableName: table, IndexName: idx, Lower: lower, Upper: upper, Predicates: preds}
}

func (s *IndexScan) Open(ctx *Context) error {
	t, err := ctx.Catalog.Table(s.TableName)
	if err != nil {
		return err
	}
	s.table = t
	s.schema = tableSchema(t)
	if err := ctx.Locks.Lock(ctx.Txn.ID(), lockmgr.TableKey(t.FileID), lockmgr.S); err != nil {
		return err
	}
	if s.hfile, err = ctx.Store.HeapOf(s.TableName); err != nil {
		return err
	}
	if s.tree, err = ctx.Store.IndexOf(s.TableName, s.IndexName); err != nil {
		return err
	}
	lo := s.Lower
	if lo == nil {
		lo = s.tree.Layout().MinSentinel()
	}
	hi := s.Upper
	if hi == nil {
		hi = s.tree.Layout().MaxSentinel()
	}
	s.cursor, err = s.tree.Scan(lo, hi)
	return err
}

func (s *IndexScan) Next(ctx *Context) (*Tuple, error) {
	for {
		_, irid, ok, err := s.cursor.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		rid := heap.RID{PageNo: irid.PageNo, SlotNo: irid.SlotNo}
		rec, err := s.hfile.Get(rid)
		if err != nil {
			return nil, errors.Wrapf(err, "index entry points at dead rid %+v", rid)
		}
		tup := decodeTuple(s.table, rec, rid)
		match, err := evalAll(s.Predicates, s.schema, tup)
		if err != nil {
			return nil, err
		}
		if match {
			return tup, nil
		}
	}
}

func (s *IndexScan) Close(*Context) error {
	if s.cursor != nil {
		s.cursor.Close()
		s.cursor = nil
	}
	return nil
}

func (s *IndexScan) Schema() []ColumnDesc { return s.schema }

// NewModeOneIndexScan handles the case where only a non-prefix subset
// of the index columns carries equality predicates: the scan bounds
// are stretched to the index's observed minimum and maximum keys on
// the leading columns (never a synthetic INT_MIN/INT_MAX) and the
// equality predicates are re-checked per tuple.
func NewModeOneIndexScan(ctx *Context, table, idxName string, preds []Predicate) (*IndexScan, error) {
	tree, err := ctx.Store.IndexOf(table, idxName)
	if err != nil {
		return nil, err
	}
	lo, okLo, err := tree.MinKey()
	if err != nil {
		return nil, err
	}
	hi, okHi, err := tree.MaxKey()
	if err != nil {
		return nil, err
	}
	s := NewIndexScan(table, idxName, lo, hi, preds)
	if !okLo || !okHi {
		// empty index: collapse to an empty range over the sentinels
		s.Lower = tree.Layout().MaxSentinel()
		s.Upper = tree.Layout().MinSentinel()
	}
	return s, nil
}
