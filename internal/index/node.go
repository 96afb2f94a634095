package index

import (
	"encoding/binary"

	"github.com/zhukovaskychina/coredb/internal/page"
)

var byteOrder = binary.LittleEndian

// RID mirrors heap.RID (page number + slot). Index leaves store values
// of this shape; kept as its own type so internal/index has no import
// dependency on internal/heap, matching spec §2's "B+-tree depends on
// (2) buffer pool" only.
type RID struct {
	PageNo uint32
	SlotNo int32
}

// Invalid is the "no page" sentinel for parent/sibling/child links.
const Invalid = page.Invalid

// nodeHeaderSize is the index page's own sub-header living in Body()
// after the common page-LSN header: key-count, is-leaf, parent,
// prev-leaf, next-leaf, all i32/u8-padded-to-i32 (spec §6).
const nodeHeaderSize = 20

// entryValueSize is the fixed width of a node's value slot: 8 bytes for
// every entry (a leaf's rid, or an internal node's child page-number
// with its second word unused), keeping leaf and internal layouts
// uniform.
const entryValueSize = 8

// node is the decoded, in-memory form of one B+-tree page: mutated as a
// Go slice, then re-serialized into the page body before the frame is
// unpinned dirty.
type node struct {
	pageNo   uint32
	isLeaf   bool
	parent   uint32
	prevLeaf uint32
	nextLeaf uint32

	keys   []Key      // len == keyCount
	rids   []RID      // leaf values, len == keyCount when isLeaf
	childs []uint32   // internal children, len == keyCount when !isLeaf
}

func (n *node) size() int { return len(n.keys) }

func decodeNode(pg *page.Page, keyLen int) *node {
	body := pg.Body()
	n := &node{pageNo: pg.ID().PageNo}
	keyCount := int(byteOrder.Uint32(body[0:4]))
	n.isLeaf = body[4] != 0
	n.parent = byteOrder.Uint32(body[8:12])
	n.prevLeaf = byteOrder.Uint32(body[12:16])
	n.nextLeaf = byteOrder.Uint32(body[16:20])

	keysOff := nodeHeaderSize
	valsOff := keysOff + keyCount*keyLen

	n.keys = make([]Key, keyCount)
	for i := 0; i < keyCount; i++ {
		k := make(Key, keyLen)
		copy(k, body[keysOff+i*keyLen:keysOff+(i+1)*keyLen])
		n.keys[i] = k
	}
	if n.isLeaf {
		n.rids = make([]RID, keyCount)
		for i := 0; i < keyCount; i++ {
			off := valsOff + i*entryValueSize
			n.rids[i] = RID{
				PageNo: byteOrder.Uint32(body[off : off+4]),
				SlotNo: int32(byteOrder.Uint32(body[off+4 : off+8])),
			}
		}
	} else {
		n.childs = make([]uint32, keyCount)
		for i := 0; i < keyCount; i++ {
			off := valsOff + i*entryValueSize
			n.childs[i] = byteOrder.Uint32(body[off : off+4])
		}
	}
	return n
}

func encodeNode(n *node, pg *page.Page, keyLen int) {
	body := pg.Body()
	keyCount := len(n.keys)
	byteOrder.PutUint32(body[0:4], uint32(keyCount))
	if n.isLeaf {
		body[4] = 1
	} else {
		body[4] = 0
	}
	byteOrder.PutUint32(body[8:12], n.parent)
	byteOrder.PutUint32(body[12:16], n.prevLeaf)
	byteOrder.PutUint32(body[16:20], n.nextLeaf)

	keysOff := nodeHeaderSize
	valsOff := keysOff + keyCount*keyLen
	for i, k := range n.keys {
		copy(body[keysOff+i*keyLen:keysOff+(i+1)*keyLen], k)
	}
	if n.isLeaf {
		for i, r := range n.rids {
			off := valsOff + i*entryValueSize
			byteOrder.PutUint32(body[off:off+4], r.PageNo)
			byteOrder.PutUint32(body[off+4:off+8], uint32(r.SlotNo))
		}
	} else {
		for i, c := range n.childs {
			off := valsOff + i*entryValueSize
			byteOrder.PutUint32(body[off:off+4], c)
			byteOrder.PutUint32(body[off+4:off+8], 0)
		}
	}
}

// leftmostKey returns the separator key this node contributes to its
// parent: the first key of a leaf, or the first key of an internal
// node (which is itself the leftmost key of its own leftmost subtree,
// by the leftmost-key-of-subtree invariant).
func (n *node) leftmostKey() Key {
	return n.keys[0]
}

// lowerBound returns the smallest index i in [0,size] with keys[i] >= target.
func (n *node) lowerBound(layout Layout, target Key) int {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if layout.Compare(n.keys[mid], target) >= 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// upperBound returns the smallest index i in [0,size] with keys[i] > target.
func (n *node) upperBound(layout Layout, target Key) int {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if layout.Compare(n.keys[mid], target) > 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// childFor selects the child subtree index for target: upper_bound - 1.
func (n *node) childFor(layout Layout, target Key) int {
	idx := n.upperBound(layout, target) - 1
	if idx < 0 {
		idx = 0
	}
	return idx
}

func (n *node) insertLeafAt(pos int, k Key, r RID) {
	n.keys = append(n.keys, nil)
	copy(n.keys[pos+1:], n.keys[pos:])
	n.keys[pos] = k
	n.rids = append(n.rids, RID{})
	copy(n.rids[pos+1:], n.rids[pos:])
	n.rids[pos] = r
}

func (n *node) insertInternalAt(pos int, k Key, child uint32) {
	n.keys = append(n.keys, nil)
	copy(n.keys[pos+1:], n.keys[pos:])
	n.keys[pos] = k
	n.childs = append(n.childs, 0)
	copy(n.childs[pos+1:], n.childs[pos:])
	n.childs[pos] = child
}

func (n *node) removeAt(pos int) {
	n.keys = append(n.keys[:pos], n.keys[pos+1:]...)
	if n.isLeaf {
		n.rids = append(n.rids[:pos], n.rids[pos+1:]...)
	} else {
		n.childs = append(n.childs[:pos], n.childs[pos+1:]...)
	}
}
