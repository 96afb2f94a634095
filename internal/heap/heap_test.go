package heap

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/coredb/internal/buffer"
	"github.com/zhukovaskychina/coredb/internal/disk"
	"github.com/zhukovaskychina/coredb/internal/page"
)

const testPageSize = 256

func newTestHeap(t *testing.T, recordSize int) *HeapFile {
	t.Helper()
	dm, err := disk.NewManager(afero.NewMemMapFs(), "/data", testPageSize)
	require.NoError(t, err)
	pool := buffer.NewPool(dm, 64, testPageSize)
	fileID, err := dm.OpenFile("heap_test")
	require.NoError(t, err)
	h, err := Create(pool, fileID, recordSize, testPageSize)
	require.NoError(t, err)
	return h
}

func record(fill byte, size int) []byte {
	return bytes.Repeat([]byte{fill}, size)
}

// checkInvariants asserts record_count == popcount(bitmap) on every
// data page, and that the free-list contains exactly the under-full
// pages (spec §8 "heap page bitmap agreement").
func checkInvariants(t *testing.T, h *HeapFile) {
	t.Helper()
	freeSet := make(map[uint32]bool)
	for pn := h.firstFreePage; pn != NoPage; {
		require.False(t, freeSet[pn], "free-list cycle at page %d", pn)
		freeSet[pn] = true
		frame, err := h.pool.Fetch(page.ID{FileID: h.fileID, PageNo: pn})
		require.NoError(t, err)
		next := pageNextFree(frame.Page().Body())
		require.NoError(t, h.pool.Unpin(page.ID{FileID: h.fileID, PageNo: pn}, false))
		pn = next
	}
	for pn := uint32(1); pn <= h.pageCount; pn++ {
		frame, err := h.pool.Fetch(page.ID{FileID: h.fileID, PageNo: pn})
		require.NoError(t, err)
		body := frame.Page().Body()
		count := int(pageRecordCount(body))
		assert.Equal(t, bitmapPopCount(h.bitmap(body), h.recordsPerPage), count,
			"page %d count disagrees with bitmap", pn)
		assert.Equal(t, count < h.recordsPerPage, freeSet[pn],
			"page %d free-list membership wrong (count %d of %d)", pn, count, h.recordsPerPage)
		require.NoError(t, h.pool.Unpin(page.ID{FileID: h.fileID, PageNo: pn}, false))
	}
}

func TestHeapInsertGetRoundTrip(t *testing.T) {
	h := newTestHeap(t, 16)
	rids := make([]RID, 0, 100)
	for i := 0; i < 100; i++ {
		rid, err := h.Insert(record(byte(i), 16))
		require.NoError(t, err)
		rids = append(rids, rid)
	}
	checkInvariants(t, h)
	for i, rid := range rids {
		got, err := h.Get(rid)
		require.NoError(t, err)
		assert.Equal(t, record(byte(i), 16), got)
	}
}

func TestHeapGetMissing(t *testing.T) {
	h := newTestHeap(t, 16)
	rid, err := h.Insert(record(1, 16))
	require.NoError(t, err)

	_, err = h.Get(RID{PageNo: rid.PageNo, SlotNo: rid.SlotNo + 1})
	assert.ErrorIs(t, errors.Cause(err), ErrRecordNotFound)
	_, err = h.Get(RID{PageNo: 99, SlotNo: 0})
	assert.ErrorIs(t, errors.Cause(err), ErrPageNotExist)
}

func TestHeapUpdate(t *testing.T) {
	h := newTestHeap(t, 16)
	rid, err := h.Insert(record(1, 16))
	require.NoError(t, err)
	require.NoError(t, h.Update(rid, record(2, 16)))
	got, err := h.Get(rid)
	require.NoError(t, err)
	assert.Equal(t, record(2, 16), got)

	err = h.Update(RID{PageNo: rid.PageNo, SlotNo: rid.SlotNo + 3}, record(3, 16))
	assert.ErrorIs(t, errors.Cause(err), ErrRecordNotFound)
}

func TestHeapDeleteAndFreeList(t *testing.T) {
	h := newTestHeap(t, 16)
	var rids []RID
	// fill at least two pages completely
	for i := 0; i < 2*h.RecordsPerPage(); i++ {
		rid, err := h.Insert(record(byte(i), 16))
		require.NoError(t, err)
		rids = append(rids, rid)
	}
	checkInvariants(t, h)

	// delete one record from a full page: it must rejoin the free-list
	require.NoError(t, h.Delete(rids[0]))
	checkInvariants(t, h)
	_, err := h.Get(rids[0])
	assert.ErrorIs(t, errors.Cause(err), ErrRecordNotFound)

	// the freed slot is reused before any new page is allocated
	pages := h.PageCount()
	rid, err := h.Insert(record(0xAA, 16))
	require.NoError(t, err)
	assert.Equal(t, rids[0], rid)
	assert.Equal(t, pages, h.PageCount())
	checkInvariants(t, h)

	require.NoError(t, h.Delete(rid))
	err = h.Delete(rid)
	assert.ErrorIs(t, errors.Cause(err), ErrRecordNotFound)
}

func TestHeapBulkInsert(t *testing.T) {
	h := newTestHeap(t, 16)
	records := make([][]byte, 3*h.RecordsPerPage()+5)
	for i := range records {
		records[i] = record(byte(i), 16)
	}
	rids, err := h.BulkInsert(records)
	require.NoError(t, err)
	require.Len(t, rids, len(records))
	checkInvariants(t, h)
	for i, rid := range rids {
		got, err := h.Get(rid)
		require.NoError(t, err)
		assert.Equal(t, records[i], got)
	}
}

func TestHeapScan(t *testing.T) {
	h := newTestHeap(t, 16)
	var rids []RID
	for i := 0; i < 50; i++ {
		rid, err := h.Insert(record(byte(i), 16))
		require.NoError(t, err)
		rids = append(rids, rid)
	}
	// punch holes so the scan has to skip dead slots
	for i := 0; i < 50; i += 3 {
		require.NoError(t, h.Delete(rids[i]))
	}

	want := make(map[RID]byte)
	for i, rid := range rids {
		if i%3 != 0 {
			want[rid] = byte(i)
		}
	}

	scan, err := h.NewScan()
	require.NoError(t, err)
	seen := 0
	for {
		rid, rec, ok, err := scan.Next()
		require.NoError(t, err)
		if !ok {
			assert.Equal(t, NoPage, rid.PageNo)
			assert.Equal(t, int32(-1), rid.SlotNo)
			break
		}
		fill, present := want[rid]
		require.True(t, present, "scan returned unexpected rid %+v", rid)
		assert.Equal(t, record(fill, 16), rec)
		seen++
	}
	assert.Equal(t, len(want), seen)
}

func TestHeapReopen(t *testing.T) {
	dm, err := disk.NewManager(afero.NewMemMapFs(), "/data", testPageSize)
	require.NoError(t, err)
	pool := buffer.NewPool(dm, 64, testPageSize)
	fileID, err := dm.OpenFile("heap_reopen")
	require.NoError(t, err)
	h, err := Create(pool, fileID, 16, testPageSize)
	require.NoError(t, err)
	rid, err := h.Insert(record(7, 16))
	require.NoError(t, err)
	require.NoError(t, pool.FlushAll())

	again, err := Open(pool, fileID, testPageSize)
	require.NoError(t, err)
	assert.Equal(t, h.RecordsPerPage(), again.RecordsPerPage())
	got, err := again.Get(rid)
	require.NoError(t, err)
	assert.Equal(t, record(7, 16), got)
}
