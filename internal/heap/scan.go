package heap

import "github.com/zhukovaskychina/coredb/internal/page"

// Scan is the sequential record iterator: it advances bit-by-bit
// through each page's bitmap and crosses to the next page when the
// current one is exhausted. The end position is (NoPage, -1).
type Scan struct {
	h      *HeapFile
	pageNo uint32
	slotNo int32
	done   bool
}

// NewScan positions an iterator before the first live record.
func (h *HeapFile) NewScan() (*Scan, error) {
	s := &Scan{h: h, pageNo: 1, slotNo: -1}
	if h.pageCount == 0 {
		s.done = true
		s.pageNo = NoPage
	}
	return s, nil
}

// Next returns the next live rid and its record bytes, or ok=false at
// the end of the file.
func (s *Scan) Next() (RID, []byte, bool, error) {
	if s.done {
		return RID{PageNo: NoPage, SlotNo: -1}, nil, false, nil
	}
	for s.pageNo <= s.h.pageCount {
		id := page.ID{FileID: s.h.fileID, PageNo: s.pageNo}
		frame, err := s.h.pool.Fetch(id)
		if err != nil {
			s.done = true
			return RID{}, nil, false, err
		}
		frame.Latch().RLock()
		body := frame.Page().Body()
		slot := nextSetBit(s.h.bitmap(body), int(s.slotNo)+1, s.h.recordsPerPage)
		if slot < s.h.recordsPerPage {
			rec := make([]byte, s.h.recordSize)
			copy(rec, s.h.slot(body, slot))
			frame.Latch().RUnlock()
			if err := s.h.pool.Unpin(id, false); err != nil {
				s.done = true
				return RID{}, nil, false, err
			}
			s.slotNo = int32(slot)
			return RID{PageNo: s.pageNo, SlotNo: s.slotNo}, rec, true, nil
		}
		frame.Latch().RUnlock()
		if err := s.h.pool.Unpin(id, false); err != nil {
			s.done = true
			return RID{}, nil, false, err
		}
		s.pageNo++
		s.slotNo = -1
	}
	s.done = true
	s.pageNo = NoPage
	s.slotNo = -1
	return RID{PageNo: NoPage, SlotNo: -1}, nil, false, nil
}
