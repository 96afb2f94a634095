// Package heap implements the slotted-bitmap heap file (spec §4.2):
// fixed-width records behind a per-page bitmap, a free-list chain
// through under-full pages, insert/get/update/delete and a forward
// scan iterator.
package heap

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/coredb/internal/buffer"
	"github.com/zhukovaskychina/coredb/internal/page"
)

var byteOrder = binary.LittleEndian

// Errors surfaced per spec §7.
var (
	ErrRecordNotFound = errors.New("record-not-found")
	ErrInvalidSlot    = errors.New("invalid-slot")
	ErrPageNotExist   = errors.New("page-not-exist")
)

// NoPage is the free-list/next-page sentinel.
const NoPage = page.Invalid

// RID identifies a record by its page number and slot index within
// that page's bitmap.
type RID struct {
	PageNo uint32
	SlotNo int32
}

// dataPageHeaderSize is the heap page's own sub-header, living in
// Body() after the common page-LSN header: record-count + next-free.
const dataPageHeaderSize = 8

// fileHeaderSize covers spec §6's heap file header, stored in page 0's
// Body(): record-size, records-per-page, bitmap-size, page-count,
// first-free-page, each i32.
const fileHeaderSize = 20

// HeapFile is one table's backing store: a sequence of fixed-size pages
// on a single disk-manager file, fronted by the shared buffer pool.
type HeapFile struct {
	// mu serializes free-list and header mutations; concurrent writers
	// hold compatible IX table locks, so page latches alone are not
	// enough for the chain invariants.
	mu       sync.Mutex
	pool     *buffer.Pool
	fileID   uint32
	pageSize int

	recordSize     int
	recordsPerPage int
	bitmapSize     int // bytes

	// cached file header fields; page 0 is the durable copy.
	pageCount     uint32
	firstFreePage uint32
}

// Create lays out a brand new heap file: allocates the header page and
// computes the record-per-page capacity for the given fixed record size.
func Create(pool *buffer.Pool, fileID uint32, recordSize, pageSize int) (*HeapFile, error) {
	if recordSize <= 0 {
		return nil, errors.New("heap: record size must be positive")
	}
	available := pageSize - page.HeaderSize - dataPageHeaderSize
	recordsPerPage := 0
	for n := available * 8 / (8*recordSize + 1); n >= 0; n-- {
		if bitmapBytes(n)+n*recordSize <= available {
			recordsPerPage = n
			break
		}
	}
	if recordsPerPage <= 0 {
		return nil, errors.Errorf("heap: record size %d too large for page size %d", recordSize, pageSize)
	}

	h := &HeapFile{
		pool:           pool,
		fileID:         fileID,
		pageSize:       pageSize,
		recordSize:     recordSize,
		recordsPerPage: recordsPerPage,
		bitmapSize:     bitmapBytes(recordsPerPage),
		pageCount:      0,
		firstFreePage:  NoPage,
	}

	id, frame, err := pool.NewPage(fileID) // page 0: header
	if err != nil {
		return nil, err
	}
	if id.PageNo != 0 {
		return nil, errors.Errorf("heap: expected header page 0, got %d", id.PageNo)
	}
	h.writeFileHeader(frame)
	if err := pool.Unpin(id, true); err != nil {
		return nil, err
	}
	return h, nil
}

// Open reads an existing heap file's page-0 header back into memory.
func Open(pool *buffer.Pool, fileID uint32, pageSize int) (*HeapFile, error) {
	h := &HeapFile{pool: pool, fileID: fileID, pageSize: pageSize}
	frame, err := pool.Fetch(page.ID{FileID: fileID, PageNo: 0})
	if err != nil {
		return nil, err
	}
	h.readFileHeader(frame)
	return h, pool.Unpin(page.ID{FileID: fileID, PageNo: 0}, false)
}

func (h *HeapFile) writeFileHeader(frame *buffer.Frame) {
	b := frame.Page().Body()
	byteOrder.PutUint32(b[0:4], uint32(h.recordSize))
	byteOrder.PutUint32(b[4:8], uint32(h.recordsPerPage))
	byteOrder.PutUint32(b[8:12], uint32(h.bitmapSize))
	byteOrder.PutUint32(b[12:16], h.pageCount)
	byteOrder.PutUint32(b[16:20], h.firstFreePage)
}

func (h *HeapFile) readFileHeader(frame *buffer.Frame) {
	b := frame.Page().Body()
	h.recordSize = int(byteOrder.Uint32(b[0:4]))
	h.recordsPerPage = int(byteOrder.Uint32(b[4:8]))
	h.bitmapSize = int(byteOrder.Uint32(b[8:12]))
	h.pageCount = byteOrder.Uint32(b[12:16])
	h.firstFreePage = byteOrder.Uint32(b[16:20])
}

func (h *HeapFile) syncHeader() error {
	frame, err := h.pool.Fetch(page.ID{FileID: h.fileID, PageNo: 0})
	if err != nil {
		return err
	}
	h.writeFileHeader(frame)
	return h.pool.Unpin(page.ID{FileID: h.fileID, PageNo: 0}, true)
}

// RecordSize returns the fixed width of every record in this file.
func (h *HeapFile) RecordSize() int { return h.recordSize }

// RecordsPerPage returns the page capacity.
func (h *HeapFile) RecordsPerPage() int { return h.recordsPerPage }

func (h *HeapFile) id(pageNo uint32) page.ID {
	return page.ID{FileID: h.fileID, PageNo: pageNo}
}

func (h *HeapFile) bitmap(body []byte) []byte {
	return body[dataPageHeaderSize : dataPageHeaderSize+h.bitmapSize]
}

func (h *HeapFile) slot(body []byte, s int) []byte {
	off := dataPageHeaderSize + h.bitmapSize + s*h.recordSize
	return body[off : off+h.recordSize]
}

func pageRecordCount(body []byte) uint32    { return byteOrder.Uint32(body[0:4]) }
func setPageRecordCount(body []byte, n uint32) { byteOrder.PutUint32(body[0:4], n) }
func pageNextFree(body []byte) uint32       { return byteOrder.Uint32(body[4:8]) }
func setPageNextFree(body []byte, n uint32) { byteOrder.PutUint32(body[4:8], n) }

// newDataPage allocates and zero-initializes a fresh data page, pushing
// it onto the head of the free-list.
func (h *HeapFile) newDataPage() (uint32, error) {
	id, frame, err := h.pool.NewPage(h.fileID)
	if err != nil {
		return 0, err
	}
	body := frame.Page().Body()
	setPageRecordCount(body, 0)
	setPageNextFree(body, h.firstFreePage)
	h.pageCount++
	h.firstFreePage = id.PageNo
	if err := h.syncHeader(); err != nil {
		return 0, err
	}
	if err := h.pool.Unpin(id, true); err != nil {
		return 0, err
	}
	return id.PageNo, nil
}

// pageForInsert returns a page guaranteed to have a free slot: the head
// of the free-list, or a freshly allocated page if the list is empty.
func (h *HeapFile) pageForInsert() (uint32, error) {
	if h.firstFreePage != NoPage {
		return h.firstFreePage, nil
	}
	return h.newDataPage()
}

// Insert writes a new record and returns its rid.
func (h *HeapFile) Insert(data []byte) (RID, error) {
	if len(data) != h.recordSize {
		return RID{}, errors.Errorf("heap: record size mismatch: got %d want %d", len(data), h.recordSize)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	pageNo, err := h.pageForInsert()
	if err != nil {
		return RID{}, err
	}
	id := h.id(pageNo)
	frame, err := h.pool.Fetch(id)
	if err != nil {
		return RID{}, err
	}
	frame.Latch().Lock()
	body := frame.Page().Body()
	bm := h.bitmap(body)
	slot := firstUnsetBit(bm, h.recordsPerPage)
	if slot == h.recordsPerPage {
		frame.Latch().Unlock()
		_ = h.pool.Unpin(id, false)
		return RID{}, errors.Errorf("heap: page %d has no free slot despite free-list membership", pageNo)
	}
	copy(h.slot(body, slot), data)
	bitmapSet(bm, slot)
	count := pageRecordCount(body) + 1
	setPageRecordCount(body, count)
	becameFull := int(count) == h.recordsPerPage
	next := pageNextFree(body)
	frame.Latch().Unlock()

	if err := h.pool.Unpin(id, true); err != nil {
		return RID{}, err
	}
	if becameFull {
		h.firstFreePage = next
		if err := h.syncHeader(); err != nil {
			return RID{}, err
		}
	}
	return RID{PageNo: pageNo, SlotNo: int32(slot)}, nil
}

// BulkInsert packs records sequentially into fresh pages, releasing each
// page's writer latch only at page boundaries — the CSV `LOAD` path.
func (h *HeapFile) BulkInsert(records [][]byte) ([]RID, error) {
	rids := make([]RID, 0, len(records))
	if len(records) == 0 {
		return rids, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	pageNo, err := h.newDataPage()
	if err != nil {
		return nil, err
	}
	id := h.id(pageNo)
	frame, err := h.pool.Fetch(id)
	if err != nil {
		return nil, err
	}
	frame.Latch().Lock()

	flushPage := func() error {
		body := frame.Page().Body()
		count := pageRecordCount(body)
		becameFull := int(count) == h.recordsPerPage
		next := pageNextFree(body)
		frame.Latch().Unlock()
		if err := h.pool.Unpin(id, true); err != nil {
			return err
		}
		if becameFull {
			h.firstFreePage = next
			return h.syncHeader()
		}
		return nil
	}

	for _, data := range records {
		if len(data) != h.recordSize {
			frame.Latch().Unlock()
			_ = h.pool.Unpin(id, true)
			return nil, errors.Errorf("heap: record size mismatch: got %d want %d", len(data), h.recordSize)
		}
		body := frame.Page().Body()
		bm := h.bitmap(body)
		slot := firstUnsetBit(bm, h.recordsPerPage)
		if slot == h.recordsPerPage {
			if err := flushPage(); err != nil {
				return nil, err
			}
			pageNo, err = h.newDataPage()
			if err != nil {
				return nil, err
			}
			id = h.id(pageNo)
			frame, err = h.pool.Fetch(id)
			if err != nil {
				return nil, err
			}
			frame.Latch().Lock()
			body = frame.Page().Body()
			bm = h.bitmap(body)
			slot = firstUnsetBit(bm, h.recordsPerPage)
		}
		copy(h.slot(body, slot), data)
		bitmapSet(bm, slot)
		setPageRecordCount(body, pageRecordCount(body)+1)
		rids = append(rids, RID{PageNo: pageNo, SlotNo: int32(slot)})
	}
	if err := flushPage(); err != nil {
		return nil, err
	}
	return rids, nil
}

// InsertAt writes a record into one specific slot — the restore path
// used by transaction abort and recovery, where index entries already
// reference the rid. Fails if the slot is live.
func (h *HeapFile) InsertAt(rid RID, data []byte) error {
	if len(data) != h.recordSize {
		return errors.Errorf("heap: record size mismatch: got %d want %d", len(data), h.recordSize)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkPageRange(rid.PageNo); err != nil {
		return err
	}
	if rid.SlotNo < 0 || int(rid.SlotNo) >= h.recordsPerPage {
		return errors.Wrapf(ErrInvalidSlot, "rid %+v", rid)
	}
	id := h.id(rid.PageNo)
	frame, err := h.pool.Fetch(id)
	if err != nil {
		return err
	}
	frame.Latch().Lock()
	body := frame.Page().Body()
	bm := h.bitmap(body)
	if bitmapIsSet(bm, int(rid.SlotNo)) {
		frame.Latch().Unlock()
		_ = h.pool.Unpin(id, false)
		return errors.Errorf("heap: slot %+v already live", rid)
	}
	copy(h.slot(body, int(rid.SlotNo)), data)
	bitmapSet(bm, int(rid.SlotNo))
	count := pageRecordCount(body) + 1
	setPageRecordCount(body, count)
	becameFull := int(count) == h.recordsPerPage
	next := pageNextFree(body)
	frame.Latch().Unlock()
	if err := h.pool.Unpin(id, true); err != nil {
		return err
	}
	if becameFull {
		return h.unlinkFree(rid.PageNo, next)
	}
	return nil
}

// unlinkFree removes a now-full page from wherever it sits in the
// free-list chain.
func (h *HeapFile) unlinkFree(pageNo, next uint32) error {
	if h.firstFreePage == pageNo {
		h.firstFreePage = next
		return h.syncHeader()
	}
	cur := h.firstFreePage
	for cur != NoPage {
		id := h.id(cur)
		frame, err := h.pool.Fetch(id)
		if err != nil {
			return err
		}
		frame.Latch().Lock()
		body := frame.Page().Body()
		curNext := pageNextFree(body)
		if curNext == pageNo {
			setPageNextFree(body, next)
			frame.Latch().Unlock()
			return h.pool.Unpin(id, true)
		}
		frame.Latch().Unlock()
		if err := h.pool.Unpin(id, false); err != nil {
			return err
		}
		cur = curNext
	}
	return nil
}

func (h *HeapFile) checkPageRange(pageNo uint32) error {
	if pageNo == 0 || pageNo > h.pageCount {
		return errors.Wrapf(ErrPageNotExist, "page %d", pageNo)
	}
	return nil
}

// Get returns a copy of the record at rid, ErrRecordNotFound if the
// slot is empty or out of range, or ErrPageNotExist if the page is.
func (h *HeapFile) Get(rid RID) ([]byte, error) {
	if err := h.checkPageRange(rid.PageNo); err != nil {
		return nil, err
	}
	id := h.id(rid.PageNo)
	frame, err := h.pool.Fetch(id)
	if err != nil {
		return nil, err
	}
	defer h.pool.Unpin(id, false)

	frame.Latch().RLock()
	defer frame.Latch().RUnlock()
	body := frame.Page().Body()
	if rid.SlotNo < 0 || int(rid.SlotNo) >= h.recordsPerPage || !bitmapIsSet(h.bitmap(body), int(rid.SlotNo)) {
		return nil, errors.Wrapf(ErrRecordNotFound, "rid %+v", rid)
	}
	out := make([]byte, h.recordSize)
	copy(out, h.slot(body, int(rid.SlotNo)))
	return out, nil
}

// Update overwrites the record at rid in place. Fails if the slot is
// not currently live.
func (h *HeapFile) Update(rid RID, data []byte) error {
	if len(data) != h.recordSize {
		return errors.Errorf("heap: record size mismatch: got %d want %d", len(data), h.recordSize)
	}
	if err := h.checkPageRange(rid.PageNo); err != nil {
		return err
	}
	id := h.id(rid.PageNo)
	frame, err := h.pool.Fetch(id)
	if err != nil {
		return err
	}
	frame.Latch().Lock()
	defer frame.Latch().Unlock()
	body := frame.Page().Body()
	if rid.SlotNo < 0 || int(rid.SlotNo) >= h.recordsPerPage || !bitmapIsSet(h.bitmap(body), int(rid.SlotNo)) {
		_ = h.pool.Unpin(id, false)
		return errors.Wrapf(ErrRecordNotFound, "rid %+v", rid)
	}
	copy(h.slot(body, int(rid.SlotNo)), data)
	return h.pool.Unpin(id, true)
}

// Delete clears the slot at rid, linking the page onto the free-list if
// it transitions from full to non-full.
func (h *HeapFile) Delete(rid RID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkPageRange(rid.PageNo); err != nil {
		return err
	}
	id := h.id(rid.PageNo)
	frame, err := h.pool.Fetch(id)
	if err != nil {
		return err
	}
	frame.Latch().Lock()
	body := frame.Page().Body()
	if rid.SlotNo < 0 || int(rid.SlotNo) >= h.recordsPerPage || !bitmapIsSet(h.bitmap(body), int(rid.SlotNo)) {
		frame.Latch().Unlock()
		_ = h.pool.Unpin(id, false)
		return errors.Wrapf(ErrRecordNotFound, "rid %+v", rid)
	}
	wasFull := int(pageRecordCount(body)) == h.recordsPerPage
	bitmapClear(h.bitmap(body), int(rid.SlotNo))
	setPageRecordCount(body, pageRecordCount(body)-1)
	if wasFull {
		setPageNextFree(body, h.firstFreePage)
	}
	frame.Latch().Unlock()
	if err := h.pool.Unpin(id, true); err != nil {
		return err
	}
	if wasFull {
		h.firstFreePage = rid.PageNo
		return h.syncHeader()
	}
	return nil
}

// SetPageLSN stamps the page holding rid with a new page-LSN, used by
// mutators right after appending the describing log record (spec §4.5).
func (h *HeapFile) SetPageLSN(pageNo uint32, lsn uint64) error {
	id := h.id(pageNo)
	frame, err := h.pool.Fetch(id)
	if err != nil {
		return err
	}
	frame.Latch().Lock()
	frame.Page().SetLSN(lsn)
	frame.Latch().Unlock()
	return h.pool.Unpin(id, true)
}

// PageLSN returns the current page-LSN of the page holding rid.
func (h *HeapFile) PageLSN(pageNo uint32) (uint64, error) {
	id := h.id(pageNo)
	frame, err := h.pool.Fetch(id)
	if err != nil {
		return 0, err
	}
	defer h.pool.Unpin(id, false)
	frame.Latch().RLock()
	defer frame.Latch().RUnlock()
	return frame.Page().LSN(), nil
}

// PageCount returns the number of data pages (excluding the header).
func (h *HeapFile) PageCount() uint32 { return h.pageCount }

// EnsurePage grows the logical page count so rid.PageNo is addressable,
// used by recovery's redo pass when replaying an op against a page a
// crash left un-flushed.
func (h *HeapFile) EnsurePage(pageNo uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.pageCount < pageNo {
		if _, err := h.newDataPage(); err != nil {
			return err
		}
	}
	return nil
}
