package index

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/coredb/internal/buffer"
	"github.com/zhukovaskychina/coredb/internal/catalog"
	"github.com/zhukovaskychina/coredb/internal/page"
)

// Mode selects the latch-crabbing discipline used for a descent
// (spec §4.3 "Latch-crabbing protocol").
type Mode int

const (
	ModeFind Mode = iota
	ModeInsert
	ModeDelete
)

// fileHeaderFixedSize is the fixed prefix of the index file header (page 0);
// the per-column type/length pairs follow it.
const fileHeaderFixedSize = 24 // root,first-leaf,last-leaf,num-pages,column-count,total-key-len

// BTree is a concurrent B+-tree over one index file: composite byte
// keys ordered per Layout, rids in the leaves, latch-crabbed descents
// for lookup/insert/delete.
type BTree struct {
	pool     *buffer.Pool
	fileID   uint32
	pageSize int
	layout   Layout
	maxSize  int
	minSize  int

	rootMu sync.RWMutex // spec's "global root-latch"

	hmu       sync.Mutex // protects header fields + their disk sync
	root      uint32
	firstLeaf uint32
	lastLeaf  uint32
	numPages  uint32
}

// Create lays out a brand new, empty index file for the given layout.
func Create(pool *buffer.Pool, fileID uint32, layout Layout, pageSize int) (*BTree, error) {
	maxSize := nodeCapacity(layout.TotalLen, pageSize)
	if maxSize < 4 {
		return nil, errors.Errorf("index: key length %d leaves no room for node capacity at page size %d", layout.TotalLen, pageSize)
	}
	t := &BTree{
		pool:     pool,
		fileID:   fileID,
		pageSize: pageSize,
		layout:   layout,
		maxSize:  maxSize,
		minSize:  (maxSize + 1) / 2,
		root:     Invalid,
		firstLeaf: Invalid,
		lastLeaf:  Invalid,
	}

	id, frame, err := pool.NewPage(fileID) // page 0: header
	if err != nil {
		return nil, err
	}
	if id.PageNo != 0 {
		return nil, errors.Errorf("index: expected header page 0, got %d", id.PageNo)
	}
	t.writeFileHeader(frame.Page())
	if err := pool.Unpin(id, true); err != nil {
		return nil, err
	}

	rootID, rootFrame, err := pool.NewPage(fileID)
	if err != nil {
		return nil, err
	}
	root := &node{pageNo: rootID.PageNo, isLeaf: true, parent: Invalid, prevLeaf: Invalid, nextLeaf: Invalid}
	encodeNode(root, rootFrame.Page(), layout.TotalLen)
	if err := pool.Unpin(rootID, true); err != nil {
		return nil, err
	}
	t.root = rootID.PageNo
	t.firstLeaf = rootID.PageNo
	t.lastLeaf = rootID.PageNo
	t.numPages = 2
	if err := t.syncHeaderLocked(); err != nil {
		return nil, err
	}
	return t, nil
}

// nodeCapacity computes max_size from the page size budget available
// for key+value entries, after the common page header and the node's
// own sub-header.
func nodeCapacity(keyLen, pageSize int) int {
	available := pageSize - page.HeaderSize - nodeHeaderSize
	return available / (keyLen + entryValueSize)
}

// Open reattaches to an existing index file, reading its header.
func Open(pool *buffer.Pool, fileID uint32, pageSize int) (*BTree, error) {
	t := &BTree{pool: pool, fileID: fileID, pageSize: pageSize}
	frame, err := pool.Fetch(page.ID{FileID: fileID, PageNo: 0})
	if err != nil {
		return nil, err
	}
	t.readFileHeader(frame.Page())
	if err := pool.Unpin(page.ID{FileID: fileID, PageNo: 0}, false); err != nil {
		return nil, err
	}
	t.maxSize = nodeCapacity(t.layout.TotalLen, pageSize)
	t.minSize = (t.maxSize + 1) / 2
	return t, nil
}

func (t *BTree) writeFileHeader(pg *page.Page) {
	b := pg.Body()
	byteOrder.PutUint32(b[0:4], t.root)
	byteOrder.PutUint32(b[4:8], t.firstLeaf)
	byteOrder.PutUint32(b[8:12], t.lastLeaf)
	byteOrder.PutUint32(b[12:16], t.numPages)
	byteOrder.PutUint32(b[16:20], uint32(len(t.layout.ColTypes)))
	byteOrder.PutUint32(b[20:24], uint32(t.layout.TotalLen))
	off := fileHeaderFixedSize
	for i, ct := range t.layout.ColTypes {
		byteOrder.PutUint32(b[off:off+4], uint32(ct))
		byteOrder.PutUint32(b[off+4:off+8], uint32(t.layout.ColLens[i]))
		off += 8
	}
}

func (t *BTree) readFileHeader(pg *page.Page) {
	b := pg.Body()
	t.root = byteOrder.Uint32(b[0:4])
	t.firstLeaf = byteOrder.Uint32(b[4:8])
	t.lastLeaf = byteOrder.Uint32(b[8:12])
	t.numPages = byteOrder.Uint32(b[12:16])
	colCount := int(byteOrder.Uint32(b[16:20]))
	t.layout.TotalLen = int(byteOrder.Uint32(b[20:24]))
	off := fileHeaderFixedSize
	t.layout.ColTypes = make([]catalog.Type, colCount)
	t.layout.ColLens = make([]int, colCount)
	for i := 0; i < colCount; i++ {
		t.layout.ColTypes[i] = catalog.Type(byteOrder.Uint32(b[off : off+4]))
		t.layout.ColLens[i] = int(byteOrder.Uint32(b[off+4 : off+8]))
		off += 8
	}
}

func (t *BTree) syncHeaderLocked() error {
	frame, err := t.pool.Fetch(page.ID{FileID: t.fileID, PageNo: 0})
	if err != nil {
		return err
	}
	t.writeFileHeader(frame.Page())
	return t.pool.Unpin(page.ID{FileID: t.fileID, PageNo: 0}, true)
}

func (t *BTree) syncHeader() error {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	return t.syncHeaderLocked()
}

// MaxSize exposes the node capacity, for tests asserting balance.
func (t *BTree) MaxSize() int { return t.maxSize }

// MinSize exposes the minimum non-root node size.
func (t *BTree) MinSize() int { return t.minSize }

// Layout exposes the key layout used for comparisons.
func (t *BTree) Layout() Layout { return t.layout }

// nodeHandle bundles a fetched node with the pinned frame and held
// latch backing it, released together via release/free. A handle
// created by allocNode is pinned but never latched: the page is
// invisible to other descents until it is linked into the tree.
type nodeHandle struct {
	id      page.ID
	frame   *buffer.Frame
	n       *node
	latched bool
	dirty   bool
}

func (t *BTree) id(pageNo uint32) page.ID {
	return page.ID{FileID: t.fileID, PageNo: pageNo}
}

func (t *BTree) fetchRead(pageNo uint32) (*nodeHandle, error) {
	id := t.id(pageNo)
	frame, err := t.pool.Fetch(id)
	if err != nil {
		return nil, err
	}
	frame.Latch().RLock()
	return &nodeHandle{id: id, frame: frame, n: decodeNode(frame.Page(), t.layout.TotalLen)}, nil
}

func (t *BTree) fetchWrite(pageNo uint32) (*nodeHandle, error) {
	id := t.id(pageNo)
	frame, err := t.pool.Fetch(id)
	if err != nil {
		return nil, err
	}
	frame.Latch().Lock()
	return &nodeHandle{id: id, frame: frame, n: decodeNode(frame.Page(), t.layout.TotalLen), latched: true}, nil
}

// allocNode creates a brand new node page, pinned but unlatched — the
// page cannot be reached by any other descent until it is linked in.
func (t *BTree) allocNode(isLeaf bool) (*nodeHandle, error) {
	id, frame, err := t.pool.NewPage(t.fileID)
	if err != nil {
		return nil, err
	}
	n := &node{pageNo: id.PageNo, isLeaf: isLeaf, parent: Invalid, prevLeaf: Invalid, nextLeaf: Invalid}
	return &nodeHandle{id: id, frame: frame, n: n, dirty: true}, nil
}

func (nh *nodeHandle) pageNo() uint32 { return nh.id.PageNo }

func (t *BTree) releaseRead(nh *nodeHandle) {
	nh.frame.Latch().RUnlock()
	_ = t.pool.Unpin(nh.id, false)
}

func (t *BTree) releaseWrite(nh *nodeHandle) {
	if nh.dirty {
		encodeNode(nh.n, nh.frame.Page(), t.layout.TotalLen)
	}
	if nh.latched {
		nh.frame.Latch().Unlock()
	}
	_ = t.pool.Unpin(nh.id, nh.dirty)
}
