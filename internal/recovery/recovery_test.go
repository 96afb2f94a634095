package recovery

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/coredb/internal/buffer"
	"github.com/zhukovaskychina/coredb/internal/catalog"
	"github.com/zhukovaskychina/coredb/internal/disk"
	"github.com/zhukovaskychina/coredb/internal/heap"
	"github.com/zhukovaskychina/coredb/internal/walog"
)

const testPageSize = 256

// testStore is a minimal engine stand-in: catalog plus heap files over
// an in-memory filesystem.
type testStore struct {
	t     *testing.T
	dm    *disk.Manager
	pool  *buffer.Pool
	cat   *catalog.Catalog
	heaps map[string]*heap.HeapFile
}

func newTestStore(t *testing.T) (*testStore, *walog.Manager) {
	t.Helper()
	dm, err := disk.NewManager(afero.NewMemMapFs(), "/data", testPageSize)
	require.NoError(t, err)
	return &testStore{
		t:     t,
		dm:    dm,
		pool:  buffer.NewPool(dm, 64, testPageSize),
		cat:   catalog.New(),
		heaps: make(map[string]*heap.HeapFile),
	}, walog.NewManager(dm, 1024)
}

func (s *testStore) HeapOf(table string) (*heap.HeapFile, error) {
	h, ok := s.heaps[table]
	if !ok {
		return nil, errors.Errorf("no heap for %s", table)
	}
	return h, nil
}

func (s *testStore) HasTable(name string) bool {
	_, err := s.cat.Table(name)
	return err == nil
}

func (s *testStore) CreateTable(t *catalog.Table) error {
	if err := s.cat.CreateTable(t); err != nil {
		return err
	}
	fileID, err := s.dm.OpenFile(t.Name)
	if err != nil {
		return err
	}
	t.FileID = fileID
	h, err := heap.Create(s.pool, fileID, t.RecordSize, testPageSize)
	if err != nil {
		return err
	}
	s.heaps[t.Name] = h
	return nil
}

func (s *testStore) DropTable(name string) error {
	delete(s.heaps, name)
	return s.cat.DropTable(name)
}

func (s *testStore) recover() *Result {
	s.t.Helper()
	m := NewManager(func() (*walog.Reader, error) { return walog.NewReader(s.dm) }, s)
	res, err := m.Run()
	require.NoError(s.t, err)
	return res
}

func (s *testStore) countRecords(table string) int {
	s.t.Helper()
	h, err := s.HeapOf(table)
	require.NoError(s.t, err)
	scan, err := h.NewScan()
	require.NoError(s.t, err)
	n := 0
	for {
		_, _, ok, err := scan.Next()
		require.NoError(s.t, err)
		if !ok {
			return n
		}
		n++
	}
}

func testSchema() *catalog.Table {
	return catalog.NewTable("t", []catalog.Column{
		{Name: "a", Type: catalog.INT32},
		{Name: "b", Type: catalog.CHAR, Length: 8},
	})
}

// writeCrashScenario appends CREATE TABLE t, then txn 1 inserting rec at
// (1,0) and committing, then txn 2 inserting at (1,1) without commit —
// the crash scenario of spec §8 item 5.
func writeCrashScenario(t *testing.T, log *walog.Manager, v1, v2 []byte) {
	t.Helper()
	schema := testSchema()
	_, err := log.Append(&walog.Record{Kind: walog.KindCreateTable, TxnID: 1, Schema: catalog.EncodeTable(schema)})
	require.NoError(t, err)

	begin1, err := log.Append(&walog.Record{Kind: walog.KindBegin, TxnID: 1})
	require.NoError(t, err)
	ins1, err := log.Append(&walog.Record{Kind: walog.KindInsert, TxnID: 1, PrevLSN: begin1,
		Table: "t", PageNo: 1, SlotNo: 0, After: v1})
	require.NoError(t, err)
	_, err = log.Force(&walog.Record{Kind: walog.KindCommit, TxnID: 1, PrevLSN: ins1})
	require.NoError(t, err)

	begin2, err := log.Append(&walog.Record{Kind: walog.KindBegin, TxnID: 2})
	require.NoError(t, err)
	_, err = log.Append(&walog.Record{Kind: walog.KindInsert, TxnID: 2, PrevLSN: begin2,
		Table: "t", PageNo: 1, SlotNo: 1, After: v2})
	require.NoError(t, err)
	// no commit for txn 2: the crash happens here
	require.NoError(t, log.Flush())
}

func TestRecoveryCrashScenario(t *testing.T) {
	store, log := newTestStore(t)
	v1 := append(catalog.NewInt32(1).Raw, catalog.NewChar("x", 8).Raw...)
	v2 := append(catalog.NewInt32(2).Raw, catalog.NewChar("y", 8).Raw...)
	writeCrashScenario(t, log, v1, v2)

	res := store.recover()
	assert.Equal(t, []uint64{2}, res.Losers)
	require.True(t, store.HasTable("t"))

	h, err := store.HeapOf("t")
	require.NoError(t, err)
	got, err := h.Get(heap.RID{PageNo: 1, SlotNo: 0})
	require.NoError(t, err)
	assert.Equal(t, v1, got, "committed insert must survive")

	_, err = h.Get(heap.RID{PageNo: 1, SlotNo: 1})
	assert.ErrorIs(t, errors.Cause(err), heap.ErrRecordNotFound, "loser insert must be undone")
	assert.Equal(t, 1, store.countRecords("t"))
}

func TestRecoveryIdempotence(t *testing.T) {
	store, log := newTestStore(t)
	v1 := append(catalog.NewInt32(1).Raw, catalog.NewChar("x", 8).Raw...)
	v2 := append(catalog.NewInt32(2).Raw, catalog.NewChar("y", 8).Raw...)
	writeCrashScenario(t, log, v1, v2)

	store.recover()
	firstCount := store.countRecords("t")

	// spec §8: analyze+redo+undo twice produces identical state
	res := store.recover()
	assert.Equal(t, firstCount, store.countRecords("t"))
	assert.Zero(t, res.RedoCount, "second run must skip every already-applied record")

	h, err := store.HeapOf("t")
	require.NoError(t, err)
	got, err := h.Get(heap.RID{PageNo: 1, SlotNo: 0})
	require.NoError(t, err)
	assert.Equal(t, v1, got)
}

func TestRecoveryUpdateAndDeleteRedo(t *testing.T) {
	store, log := newTestStore(t)
	schema := testSchema()
	old := append(catalog.NewInt32(1).Raw, catalog.NewChar("old", 8).Raw...)
	new_ := append(catalog.NewInt32(1).Raw, catalog.NewChar("new", 8).Raw...)
	gone := append(catalog.NewInt32(2).Raw, catalog.NewChar("gone", 8).Raw...)

	_, err := log.Append(&walog.Record{Kind: walog.KindCreateTable, TxnID: 1, Schema: catalog.EncodeTable(schema)})
	require.NoError(t, err)
	begin, err := log.Append(&walog.Record{Kind: walog.KindBegin, TxnID: 1})
	require.NoError(t, err)
	l1, err := log.Append(&walog.Record{Kind: walog.KindInsert, TxnID: 1, PrevLSN: begin,
		Table: "t", PageNo: 1, SlotNo: 0, After: old})
	require.NoError(t, err)
	l2, err := log.Append(&walog.Record{Kind: walog.KindInsert, TxnID: 1, PrevLSN: l1,
		Table: "t", PageNo: 1, SlotNo: 1, After: gone})
	require.NoError(t, err)
	l3, err := log.Append(&walog.Record{Kind: walog.KindUpdate, TxnID: 1, PrevLSN: l2,
		Table: "t", PageNo: 1, SlotNo: 0, Before: old, After: new_})
	require.NoError(t, err)
	l4, err := log.Append(&walog.Record{Kind: walog.KindDelete, TxnID: 1, PrevLSN: l3,
		Table: "t", PageNo: 1, SlotNo: 1, Before: gone})
	require.NoError(t, err)
	_, err = log.Force(&walog.Record{Kind: walog.KindCommit, TxnID: 1, PrevLSN: l4})
	require.NoError(t, err)

	store.recover()
	h, err := store.HeapOf("t")
	require.NoError(t, err)
	got, err := h.Get(heap.RID{PageNo: 1, SlotNo: 0})
	require.NoError(t, err)
	assert.Equal(t, new_, got, "redo must leave the after-image")
	_, err = h.Get(heap.RID{PageNo: 1, SlotNo: 1})
	assert.ErrorIs(t, errors.Cause(err), heap.ErrRecordNotFound)
}

func TestRecoveryUndoCreateTable(t *testing.T) {
	store, log := newTestStore(t)
	schema := testSchema()
	begin, err := log.Append(&walog.Record{Kind: walog.KindBegin, TxnID: 1})
	require.NoError(t, err)
	_, err = log.Append(&walog.Record{Kind: walog.KindCreateTable, TxnID: 1, PrevLSN: begin,
		Schema: catalog.EncodeTable(schema)})
	require.NoError(t, err)
	require.NoError(t, log.Flush())

	res := store.recover()
	assert.Equal(t, []uint64{1}, res.Losers)
	assert.False(t, store.HasTable("t"), "uncommitted CREATE TABLE must be undone")
}
