package txn

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/coredb/internal/buffer"
	"github.com/zhukovaskychina/coredb/internal/catalog"
	"github.com/zhukovaskychina/coredb/internal/disk"
	"github.com/zhukovaskychina/coredb/internal/heap"
	"github.com/zhukovaskychina/coredb/internal/index"
	"github.com/zhukovaskychina/coredb/internal/lockmgr"
	"github.com/zhukovaskychina/coredb/internal/walog"
)

const testPageSize = 256

type testStorage struct {
	heaps map[string]*heap.HeapFile
	trees map[string]*index.BTree
}

func (s *testStorage) HeapOf(table string) (*heap.HeapFile, error) {
	h, ok := s.heaps[table]
	if !ok {
		return nil, errors.Errorf("no heap for %s", table)
	}
	return h, nil
}

func (s *testStorage) IndexOf(table, name string) (*index.BTree, error) {
	tr, ok := s.trees[table+"."+name]
	if !ok {
		return nil, errors.Errorf("no index %s on %s", name, table)
	}
	return tr, nil
}

func newTestEnv(t *testing.T) (*Manager, *testStorage, *heap.HeapFile, *index.BTree) {
	t.Helper()
	dm, err := disk.NewManager(afero.NewMemMapFs(), "/data", testPageSize)
	require.NoError(t, err)
	pool := buffer.NewPool(dm, 64, testPageSize)

	heapFile, err := dm.OpenFile("t")
	require.NoError(t, err)
	h, err := heap.Create(pool, heapFile, 4, testPageSize)
	require.NoError(t, err)

	idxFile, err := dm.OpenFile("t_a_idx")
	require.NoError(t, err)
	layout := index.Layout{ColTypes: []catalog.Type{catalog.INT32}, ColLens: []int{4}, TotalLen: 4}
	tree, err := index.Create(pool, idxFile, layout, testPageSize)
	require.NoError(t, err)

	storage := &testStorage{
		heaps: map[string]*heap.HeapFile{"t": h},
		trees: map[string]*index.BTree{"t.t_a_idx": tree},
	}
	m := NewManager(lockmgr.NewManager(time.Second), walog.NewManager(dm, 1024), storage)
	return m, storage, h, tree
}

// doInsert mimics the executor's insert protocol: heap write, log
// record, page-LSN stamp, inverse ops into the write sets.
func doInsert(t *testing.T, m *Manager, tr *Transaction, h *heap.HeapFile, tree *index.BTree, v int32) heap.RID {
	t.Helper()
	data := catalog.NewInt32(v).Raw
	rid, err := h.Insert(data)
	require.NoError(t, err)
	lsn, err := m.Log(tr, &walog.Record{Kind: walog.KindInsert, Table: "t",
		PageNo: rid.PageNo, SlotNo: rid.SlotNo, After: data})
	require.NoError(t, err)
	require.NoError(t, h.SetPageLSN(rid.PageNo, lsn))
	tr.RecordTableWrite(TableWrite{Kind: WriteInsert, Table: "t", RID: rid, After: data})

	key := index.Key(data)
	require.NoError(t, tree.Insert(key, index.RID{PageNo: rid.PageNo, SlotNo: rid.SlotNo}))
	tr.RecordIndexWrite(IndexWrite{Kind: IndexInsert, Table: "t", Index: "t_a_idx",
		Key: key, RID: index.RID{PageNo: rid.PageNo, SlotNo: rid.SlotNo}})
	return rid
}

func TestBeginAssignsIncreasingIDs(t *testing.T) {
	m, _, _, _ := newTestEnv(t)
	t1, err := m.Begin()
	require.NoError(t, err)
	t2, err := m.Begin()
	require.NoError(t, err)
	assert.Greater(t, t2.ID(), t1.ID())
	assert.Equal(t, Growing, t1.State())
	assert.Len(t, m.Active(), 2)
}

func TestCommitReleasesLocksAndClearsState(t *testing.T) {
	m, _, h, tree := newTestEnv(t)
	tr, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Locks().Lock(tr.ID(), lockmgr.TableKey(1), lockmgr.IX))
	rid := doInsert(t, m, tr, h, tree, 42)

	require.NoError(t, m.Commit(tr))
	assert.Equal(t, Committed, tr.State())
	assert.Empty(t, m.Active())

	// locks are gone: another transaction takes X immediately
	require.NoError(t, m.Locks().Lock(999, lockmgr.TableKey(1), lockmgr.X))

	// the committed insert survives
	got, err := h.Get(rid)
	require.NoError(t, err)
	assert.Equal(t, catalog.NewInt32(42).Raw, got)
}

func TestAbortUndoesInsert(t *testing.T) {
	m, _, h, tree := newTestEnv(t)
	tr, err := m.Begin()
	require.NoError(t, err)
	rid := doInsert(t, m, tr, h, tree, 42)

	require.NoError(t, m.Abort(tr))
	assert.Equal(t, Aborted, tr.State())

	// heap record removed, index entry removed (spec §8 scenario 3)
	_, err = h.Get(rid)
	assert.ErrorIs(t, errors.Cause(err), heap.ErrRecordNotFound)
	_, err = tree.Get(index.Key(catalog.NewInt32(42).Raw))
	assert.ErrorIs(t, errors.Cause(err), index.ErrNotFound)
}

func TestAbortUndoesUpdateAndDelete(t *testing.T) {
	m, _, h, tree := newTestEnv(t)

	setup, err := m.Begin()
	require.NoError(t, err)
	ridKeep := doInsert(t, m, setup, h, tree, 1)
	ridGone := doInsert(t, m, setup, h, tree, 2)
	require.NoError(t, m.Commit(setup))

	tr, err := m.Begin()
	require.NoError(t, err)

	// update ridKeep: 1 → 10
	before, err := h.Get(ridKeep)
	require.NoError(t, err)
	after := catalog.NewInt32(10).Raw
	require.NoError(t, h.Update(ridKeep, after))
	lsn, err := m.Log(tr, &walog.Record{Kind: walog.KindUpdate, Table: "t",
		PageNo: ridKeep.PageNo, SlotNo: ridKeep.SlotNo, Before: before, After: after})
	require.NoError(t, err)
	require.NoError(t, h.SetPageLSN(ridKeep.PageNo, lsn))
	tr.RecordTableWrite(TableWrite{Kind: WriteUpdate, Table: "t", RID: ridKeep, Before: before, After: after})
	require.NoError(t, tree.Delete(index.Key(before)))
	tr.RecordIndexWrite(IndexWrite{Kind: IndexDelete, Table: "t", Index: "t_a_idx",
		Key: index.Key(before), RID: index.RID{PageNo: ridKeep.PageNo, SlotNo: ridKeep.SlotNo}})
	require.NoError(t, tree.Insert(index.Key(after), index.RID{PageNo: ridKeep.PageNo, SlotNo: ridKeep.SlotNo}))
	tr.RecordIndexWrite(IndexWrite{Kind: IndexInsert, Table: "t", Index: "t_a_idx",
		Key: index.Key(after), RID: index.RID{PageNo: ridKeep.PageNo, SlotNo: ridKeep.SlotNo}})

	// delete ridGone
	goneImage, err := h.Get(ridGone)
	require.NoError(t, err)
	require.NoError(t, h.Delete(ridGone))
	lsn, err = m.Log(tr, &walog.Record{Kind: walog.KindDelete, Table: "t",
		PageNo: ridGone.PageNo, SlotNo: ridGone.SlotNo, Before: goneImage})
	require.NoError(t, err)
	require.NoError(t, h.SetPageLSN(ridGone.PageNo, lsn))
	tr.RecordTableWrite(TableWrite{Kind: WriteDelete, Table: "t", RID: ridGone, Before: goneImage})
	require.NoError(t, tree.Delete(index.Key(goneImage)))
	tr.RecordIndexWrite(IndexWrite{Kind: IndexDelete, Table: "t", Index: "t_a_idx",
		Key: index.Key(goneImage), RID: index.RID{PageNo: ridGone.PageNo, SlotNo: ridGone.SlotNo}})

	require.NoError(t, m.Abort(tr))

	// both records back to their pre-transaction images
	got, err := h.Get(ridKeep)
	require.NoError(t, err)
	assert.Equal(t, catalog.NewInt32(1).Raw, got)
	got, err = h.Get(ridGone)
	require.NoError(t, err)
	assert.Equal(t, catalog.NewInt32(2).Raw, got)

	// index matches: keys 1 and 2 present, 10 gone
	_, err = tree.Get(index.Key(catalog.NewInt32(1).Raw))
	require.NoError(t, err)
	_, err = tree.Get(index.Key(catalog.NewInt32(2).Raw))
	require.NoError(t, err)
	_, err = tree.Get(index.Key(catalog.NewInt32(10).Raw))
	assert.ErrorIs(t, errors.Cause(err), index.ErrNotFound)
}

func TestCommitTwiceFails(t *testing.T) {
	m, _, _, _ := newTestEnv(t)
	tr, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Commit(tr))
	assert.Error(t, m.Commit(tr))
	assert.Error(t, m.Abort(tr))
}
