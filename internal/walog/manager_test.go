package walog

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/coredb/internal/catalog"
	"github.com/zhukovaskychina/coredb/internal/disk"
)

func newTestLog(t *testing.T) (*Manager, *disk.Manager) {
	t.Helper()
	dm, err := disk.NewManager(afero.NewMemMapFs(), "/data", 4096)
	require.NoError(t, err)
	return NewManager(dm, 512), dm
}

func TestAppendAssignsMonotonicLSNs(t *testing.T) {
	m, _ := newTestLog(t)
	var last uint64
	for i := 0; i < 10; i++ {
		lsn, err := m.Append(&Record{Kind: KindBegin, TxnID: uint64(i)})
		require.NoError(t, err)
		assert.Greater(t, lsn, last)
		last = lsn
	}
}

func TestRoundTripThroughDisk(t *testing.T) {
	m, dm := newTestLog(t)

	recs := []*Record{
		{Kind: KindBegin, TxnID: 1},
		{Kind: KindInsert, TxnID: 1, PrevLSN: 1, Table: "t", PageNo: 3, SlotNo: 4, After: []byte("hello-rec")},
		{Kind: KindUpdate, TxnID: 1, PrevLSN: 2, Table: "t", PageNo: 3, SlotNo: 4,
			Before: []byte("hello-rec"), After: []byte("world-rec")},
		{Kind: KindDelete, TxnID: 1, PrevLSN: 3, Table: "t", PageNo: 3, SlotNo: 4, Before: []byte("world-rec")},
		{Kind: KindCommit, TxnID: 1, PrevLSN: 4},
	}
	for _, r := range recs {
		_, err := m.Append(r)
		require.NoError(t, err)
	}
	require.NoError(t, m.Flush())

	rd, err := NewReader(dm)
	require.NoError(t, err)
	for i, want := range recs {
		got, _, ok, err := rd.Next()
		require.NoError(t, err)
		require.True(t, ok, "record %d missing", i)
		assert.Equal(t, want.Kind, got.Kind)
		assert.Equal(t, want.TxnID, got.TxnID)
		assert.Equal(t, want.PrevLSN, got.PrevLSN)
		assert.Equal(t, want.Table, got.Table)
		assert.Equal(t, want.Before, got.Before)
		assert.Equal(t, want.After, got.After)
		assert.Equal(t, uint64(i+1), got.LSN)
	}
	_, _, ok, err := rd.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateTableSchemaPayload(t *testing.T) {
	m, dm := newTestLog(t)
	table := catalog.NewTable("users", []catalog.Column{
		{Name: "id", Type: catalog.INT32},
		{Name: "name", Type: catalog.CHAR, Length: 16},
	})
	table.Indexes = append(table.Indexes, catalog.IndexDef{Name: "users_id", Columns: []string{"id"}, KeyLength: 4})

	_, err := m.Force(&Record{Kind: KindCreateTable, TxnID: 1, Schema: catalog.EncodeTable(table)})
	require.NoError(t, err)

	rd, err := NewReader(dm)
	require.NoError(t, err)
	rec, _, ok, err := rd.Next()
	require.NoError(t, err)
	require.True(t, ok)
	got, err := catalog.DecodeTable(rec.Schema)
	require.NoError(t, err)
	assert.Equal(t, "users", got.Name)
	require.Len(t, got.Columns, 2)
	assert.Equal(t, 20, got.RecordSize)
	require.Len(t, got.Indexes, 1)
	assert.Equal(t, []string{"id"}, got.Indexes[0].Columns)
}

func TestBufferOverflowFlushes(t *testing.T) {
	m, dm := newTestLog(t)
	// capacity 512: big records force intermediate flushes
	payload := make([]byte, 200)
	for i := 0; i < 5; i++ {
		_, err := m.Append(&Record{Kind: KindInsert, TxnID: 1, Table: "t", After: payload})
		require.NoError(t, err)
	}
	require.NoError(t, m.Flush())

	rd, err := NewReader(dm)
	require.NoError(t, err)
	count := 0
	for {
		_, _, ok, err := rd.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	assert.Equal(t, 5, count)
}

func TestFlushUntilIsIdempotent(t *testing.T) {
	m, _ := newTestLog(t)
	lsn, err := m.Append(&Record{Kind: KindBegin, TxnID: 1})
	require.NoError(t, err)
	require.NoError(t, m.FlushUntil(lsn))
	assert.Equal(t, lsn, m.FlushedLSN())
	// a second call with an already-durable lsn is a no-op
	require.NoError(t, m.FlushUntil(lsn))
}

func TestTornTailIsIgnored(t *testing.T) {
	m, dm := newTestLog(t)
	_, err := m.Force(&Record{Kind: KindBegin, TxnID: 1})
	require.NoError(t, err)
	// simulate a crash mid-append: half a header
	_, err = dm.AppendLog([]byte{0xAA, 0xBB})
	require.NoError(t, err)

	rd, err := NewReader(dm)
	require.NoError(t, err)
	rec, _, ok, err := rd.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindBegin, rec.Kind)
	_, _, ok, err = rd.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}
