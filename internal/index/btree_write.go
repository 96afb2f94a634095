package index

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/coredb/internal/page"
)

// crab tracks the state of one write descent: every write-latched node
// handle (ancestor stack plus siblings picked up during rebalancing),
// whether the global root-latch is still held, pages merged away and
// awaiting deletion, and whether the file header needs a rewrite.
type crab struct {
	t           *BTree
	held        []*nodeHandle
	byPage      map[uint32]*nodeHandle
	rootHeld    bool
	freed       []page.ID
	headerDirty bool
}

func (t *BTree) newCrab() *crab {
	t.rootMu.Lock()
	return &crab{t: t, byPage: make(map[uint32]*nodeHandle), rootHeld: true}
}

func (c *crab) add(nh *nodeHandle) {
	c.held = append(c.held, nh)
	c.byPage[nh.pageNo()] = nh
}

func (c *crab) get(pageNo uint32) (*nodeHandle, bool) {
	nh, ok := c.byPage[pageNo]
	return nh, ok
}

// releaseAncestors drops the root-latch and every held node except keep
// — called the moment the current child is known to be safe.
func (c *crab) releaseAncestors(keep *nodeHandle) {
	if c.rootHeld {
		c.t.rootMu.Unlock()
		c.rootHeld = false
	}
	remaining := c.held[:0]
	for _, nh := range c.held {
		if nh == keep {
			remaining = append(remaining, nh)
			continue
		}
		delete(c.byPage, nh.pageNo())
		c.t.releaseWrite(nh)
	}
	c.held = remaining
}

// finish releases everything still held, deletes merged-away pages and
// rewrites the header if any of root/last-leaf/page-count changed.
func (c *crab) finish() {
	for _, nh := range c.held {
		c.t.releaseWrite(nh)
	}
	c.held = nil
	c.byPage = nil
	for _, id := range c.freed {
		_ = c.t.pool.DeletePage(id)
	}
	if c.headerDirty {
		_ = c.t.syncHeader()
	}
	if c.rootHeld {
		c.t.rootMu.Unlock()
		c.rootHeld = false
	}
}

// insertSafe reports whether one more entry fits without a split.
func (t *BTree) insertSafe(n *node) bool {
	return n.size()+1 < t.maxSize
}

// deleteSafe reports whether one removal leaves the node at or above
// its minimum. The root is relaxed: a non-leaf root is safe while it
// keeps at least 3 children, a leaf root while it keeps at least 2 keys.
func (t *BTree) deleteSafe(n *node, isRoot bool) bool {
	if isRoot {
		if n.isLeaf {
			return n.size()-1 >= 1
		}
		return n.size()-1 >= 2
	}
	return n.size()-1 >= t.minSize
}

// descendForWrite crabs root-to-leaf under the given mode's safety
// rule, leaving the leaf plus every unsafe ancestor write-latched in c.
func (t *BTree) descendForWrite(c *crab, key Key, mode Mode) (*nodeHandle, error) {
	cur, err := t.fetchWrite(t.root)
	if err != nil {
		return nil, err
	}
	c.add(cur)
	if t.writeSafe(cur.n, mode, true) {
		c.releaseAncestors(cur)
	}
	for !cur.n.isLeaf {
		childNo := cur.n.childs[cur.n.childFor(t.layout, key)]
		child, err := t.fetchWrite(childNo)
		if err != nil {
			return nil, err
		}
		c.add(child)
		if t.writeSafe(child.n, mode, false) {
			c.releaseAncestors(child)
		}
		cur = child
	}
	return cur, nil
}

func (t *BTree) writeSafe(n *node, mode Mode, isRoot bool) bool {
	if mode == ModeInsert {
		return t.insertSafe(n)
	}
	return t.deleteSafe(n, isRoot)
}

// Insert adds key→rid, failing with ErrDuplicateKey if the key exists.
// Every declared index is unique.
func (t *BTree) Insert(key Key, rid RID) error {
	if len(key) != t.layout.TotalLen {
		return errors.Errorf("index: key length %d, layout wants %d", len(key), t.layout.TotalLen)
	}
	c := t.newCrab()
	defer c.finish()

	leaf, err := t.descendForWrite(c, key, ModeInsert)
	if err != nil {
		return err
	}
	pos := leaf.n.lowerBound(t.layout, key)
	if pos < leaf.n.size() && t.layout.Compare(leaf.n.keys[pos], key) == 0 {
		return errors.Wrapf(ErrDuplicateKey, "key already indexed")
	}
	k := make(Key, len(key))
	copy(k, key)
	leaf.n.insertLeafAt(pos, k, rid)
	leaf.dirty = true
	if pos == 0 {
		t.maintainParent(c, leaf)
	}

	if leaf.n.size() == t.maxSize {
		right, err := t.splitNode(c, leaf)
		if err != nil {
			return err
		}
		if err := t.insertIntoParent(c, leaf, right.n.leftmostKey(), right); err != nil {
			return err
		}
	}
	return nil
}

// splitNode moves the upper half of nh's entries into a freshly
// allocated right sibling and fixes leaf chain links. The caller still
// owns both handles through the crab.
func (t *BTree) splitNode(c *crab, nh *nodeHandle) (*nodeHandle, error) {
	right, err := t.allocNode(nh.n.isLeaf)
	if err != nil {
		return nil, err
	}
	c.add(right)
	t.numPagesAdd(c, 1)

	mid := nh.n.size() / 2
	right.n.parent = nh.n.parent
	right.n.keys = append(right.n.keys, nh.n.keys[mid:]...)
	nh.n.keys = nh.n.keys[:mid]
	if nh.n.isLeaf {
		right.n.rids = append(right.n.rids, nh.n.rids[mid:]...)
		nh.n.rids = nh.n.rids[:mid]

		right.n.prevLeaf = nh.pageNo()
		right.n.nextLeaf = nh.n.nextLeaf
		nh.n.nextLeaf = right.pageNo()
		if right.n.nextLeaf != Invalid {
			if err := t.pokeLeafPrev(c, right.n.nextLeaf, right.pageNo()); err != nil {
				return nil, err
			}
		}
		t.hmu.Lock()
		if t.lastLeaf == nh.pageNo() {
			t.lastLeaf = right.pageNo()
			c.headerDirty = true
		}
		t.hmu.Unlock()
	} else {
		right.n.childs = append(right.n.childs, nh.n.childs[mid:]...)
		nh.n.childs = nh.n.childs[:mid]
		for i := range right.n.childs {
			if err := t.maintainChild(c, right, i); err != nil {
				return nil, err
			}
		}
	}
	nh.dirty = true
	right.dirty = true
	return right, nil
}

// insertIntoParent publishes a split: the new right node's first key
// becomes a separator next to the old node's slot, recursing when the
// parent fills up in turn. Splitting the root allocates a new root and
// publishes it in the file header.
func (t *BTree) insertIntoParent(c *crab, old *nodeHandle, sep Key, right *nodeHandle) error {
	if old.pageNo() == t.root {
		newRoot, err := t.allocNode(false)
		if err != nil {
			return err
		}
		c.add(newRoot)
		t.numPagesAdd(c, 1)
		newRoot.n.keys = []Key{old.n.leftmostKey(), sep}
		newRoot.n.childs = []uint32{old.pageNo(), right.pageNo()}
		old.n.parent = newRoot.pageNo()
		right.n.parent = newRoot.pageNo()
		old.dirty = true
		right.dirty = true
		t.root = newRoot.pageNo()
		c.headerDirty = true
		return nil
	}

	parent, err := t.writeHandle(c, old.n.parent)
	if err != nil {
		return err
	}
	pos := parent.n.findChild(old.pageNo())
	if pos < 0 {
		return errors.Errorf("index: page %d missing from parent %d", old.pageNo(), parent.pageNo())
	}
	parent.n.insertInternalAt(pos+1, sep, right.pageNo())
	right.n.parent = parent.pageNo()
	parent.dirty = true
	right.dirty = true

	if parent.n.size() == t.maxSize {
		newRight, err := t.splitNode(c, parent)
		if err != nil {
			return err
		}
		return t.insertIntoParent(c, parent, newRight.n.leftmostKey(), newRight)
	}
	return nil
}

// Delete removes key, rebalancing by redistribution or coalesce when a
// node underflows. Returns ErrNotFound if the key is absent.
func (t *BTree) Delete(key Key) error {
	c := t.newCrab()
	defer c.finish()

	leaf, err := t.descendForWrite(c, key, ModeDelete)
	if err != nil {
		return err
	}
	pos := leaf.n.lowerBound(t.layout, key)
	if pos >= leaf.n.size() || t.layout.Compare(leaf.n.keys[pos], key) != 0 {
		return errors.Wrapf(ErrNotFound, "key not indexed")
	}
	leaf.n.removeAt(pos)
	leaf.dirty = true
	if pos == 0 && leaf.n.size() > 0 {
		t.maintainParent(c, leaf)
	}
	return t.coalesceOrRedistribute(c, leaf)
}

// coalesceOrRedistribute restores the minimum-size invariant after a
// removal from nh, recursing up when a coalesce shrinks the parent.
func (t *BTree) coalesceOrRedistribute(c *crab, nh *nodeHandle) error {
	if nh.pageNo() == t.root {
		return t.adjustRoot(c, nh)
	}
	if nh.n.size() >= t.minSize {
		t.maintainParent(c, nh)
		return nil
	}

	parent, err := t.writeHandle(c, nh.n.parent)
	if err != nil {
		return err
	}
	idx := parent.n.findChild(nh.pageNo())
	if idx < 0 {
		return errors.Errorf("index: page %d missing from parent %d", nh.pageNo(), parent.pageNo())
	}
	var sibNo uint32
	if idx == 0 {
		sibNo = parent.n.childs[1]
	} else {
		sibNo = parent.n.childs[idx-1]
	}
	sib, err := t.writeHandle(c, sibNo)
	if err != nil {
		return err
	}

	if sib.n.size()+nh.n.size() >= 2*t.minSize {
		t.redistribute(c, sib, nh, idx)
		return nil
	}
	return t.coalesce(c, sib, nh, parent, idx)
}

// redistribute moves one entry from the sibling into nh: the sibling's
// last entry when the sibling is the left neighbor (idx > 0), its first
// when it is the right neighbor (idx == 0). Separators in the ancestors
// are repaired afterwards.
func (t *BTree) redistribute(c *crab, sib, nh *nodeHandle, idx int) {
	if idx > 0 {
		last := sib.n.size() - 1
		if nh.n.isLeaf {
			nh.n.insertLeafAt(0, sib.n.keys[last], sib.n.rids[last])
		} else {
			nh.n.insertInternalAt(0, sib.n.keys[last], sib.n.childs[last])
			_ = t.maintainChild(c, nh, 0)
		}
		sib.n.removeAt(last)
		t.maintainParent(c, nh)
	} else {
		end := nh.n.size()
		if nh.n.isLeaf {
			nh.n.insertLeafAt(end, sib.n.keys[0], sib.n.rids[0])
		} else {
			nh.n.insertInternalAt(end, sib.n.keys[0], sib.n.childs[0])
			_ = t.maintainChild(c, nh, end)
		}
		sib.n.removeAt(0)
		t.maintainParent(c, sib)
	}
	sib.dirty = true
	nh.dirty = true
}

// coalesce merges right-into-left. If the underflowing node is the
// leftmost child, roles swap so its right sibling is the one absorbed.
// The parent loses the right node's separator and may underflow in turn.
func (t *BTree) coalesce(c *crab, sib, nh, parent *nodeHandle, idx int) error {
	left, right := sib, nh
	eraseIdx := idx
	if idx == 0 {
		left, right = nh, sib
		eraseIdx = 1
	}

	moveFrom := left.n.size()
	left.n.keys = append(left.n.keys, right.n.keys...)
	if left.n.isLeaf {
		left.n.rids = append(left.n.rids, right.n.rids...)
	} else {
		left.n.childs = append(left.n.childs, right.n.childs...)
		for i := moveFrom; i < left.n.size(); i++ {
			if err := t.maintainChild(c, left, i); err != nil {
				return err
			}
		}
	}
	left.dirty = true

	if left.n.isLeaf {
		left.n.nextLeaf = right.n.nextLeaf
		if right.n.nextLeaf != Invalid {
			if err := t.pokeLeafPrev(c, right.n.nextLeaf, left.pageNo()); err != nil {
				return err
			}
		}
		t.hmu.Lock()
		if t.lastLeaf == right.pageNo() {
			t.lastLeaf = left.pageNo()
			c.headerDirty = true
		}
		t.hmu.Unlock()
	}

	right.n.keys = nil
	right.n.rids = nil
	right.n.childs = nil
	right.dirty = false
	c.freed = append(c.freed, right.id)
	t.numPagesAdd(c, -1)

	parent.n.removeAt(eraseIdx)
	parent.dirty = true
	return t.coalesceOrRedistribute(c, parent)
}

// adjustRoot handles the two root-collapse cases: an internal root left
// with a single child promotes that child; an empty leaf root simply
// stays as the (empty) tree.
func (t *BTree) adjustRoot(c *crab, root *nodeHandle) error {
	if !root.n.isLeaf && root.n.size() == 1 {
		childNo := root.n.childs[0]
		if err := t.pokeParent(c, childNo, Invalid); err != nil {
			return err
		}
		t.root = childNo
		c.headerDirty = true
		root.n.keys = nil
		root.n.childs = nil
		root.dirty = false
		c.freed = append(c.freed, root.id)
		t.numPagesAdd(c, -1)
	}
	return nil
}

// maintainParent rewrites ancestor separators after a node's leftmost
// key changed, walking parent links until a separator already matches.
// Ancestors this descent latched are patched through their held
// handles; anything above the crabbing release point is patched in
// place without latching — an ancestor released as safe cannot be
// splitting or merging underneath us, and its separator slot is the
// only byte range touched.
func (t *BTree) maintainParent(c *crab, nh *nodeHandle) {
	curPage := nh.pageNo()
	curFirst := nh.n.leftmostKey()
	curParent := nh.n.parent
	for curParent != Invalid {
		if pnh, ok := c.get(curParent); ok {
			rank := pnh.n.findChild(curPage)
			if rank < 0 || t.layout.Compare(pnh.n.keys[rank], curFirst) == 0 {
				return
			}
			k := make(Key, len(curFirst))
			copy(k, curFirst)
			pnh.n.keys[rank] = k
			pnh.dirty = true
			curPage, curFirst, curParent = pnh.pageNo(), pnh.n.leftmostKey(), pnh.n.parent
			continue
		}
		id := t.id(curParent)
		frame, err := t.pool.Fetch(id)
		if err != nil {
			return
		}
		pn := decodeNode(frame.Page(), t.layout.TotalLen)
		rank := pn.findChild(curPage)
		if rank < 0 || t.layout.Compare(pn.keys[rank], curFirst) == 0 {
			_ = t.pool.Unpin(id, false)
			return
		}
		off := page.HeaderSize + nodeHeaderSize + rank*t.layout.TotalLen
		copy(frame.Page().Data()[off:off+t.layout.TotalLen], curFirst)
		_ = t.pool.Unpin(id, true)
		pn.keys[rank] = curFirst
		curPage, curFirst, curParent = pn.pageNo, pn.keys[0], pn.parent
	}
}

// maintainChild points the parent link of nh's i-th child back at nh —
// needed after entries move between internal nodes.
func (t *BTree) maintainChild(c *crab, nh *nodeHandle, i int) error {
	if nh.n.isLeaf {
		return nil
	}
	return t.pokeParent(c, nh.n.childs[i], nh.pageNo())
}

// writeHandle returns the already-held handle for pageNo if this
// descent latched it, otherwise write-latches it now and registers it
// with the crab.
func (t *BTree) writeHandle(c *crab, pageNo uint32) (*nodeHandle, error) {
	if nh, ok := c.get(pageNo); ok {
		return nh, nil
	}
	nh, err := t.fetchWrite(pageNo)
	if err != nil {
		return nil, err
	}
	c.add(nh)
	return nh, nil
}

// pokeParent updates a node's stored parent pointer. When the node is
// held by this descent the in-memory copy is patched (it wins at
// encode time); otherwise the header field is written straight into
// the page body.
func (t *BTree) pokeParent(c *crab, pageNo, parentNo uint32) error {
	if nh, ok := c.get(pageNo); ok {
		nh.n.parent = parentNo
		nh.dirty = true
		return nil
	}
	id := t.id(pageNo)
	frame, err := t.pool.Fetch(id)
	if err != nil {
		return err
	}
	byteOrder.PutUint32(frame.Page().Body()[8:12], parentNo)
	return t.pool.Unpin(id, true)
}

// pokeLeafPrev updates a leaf's prev-leaf pointer, held-aware the same
// way as pokeParent.
func (t *BTree) pokeLeafPrev(c *crab, pageNo, prevNo uint32) error {
	if nh, ok := c.get(pageNo); ok {
		nh.n.prevLeaf = prevNo
		nh.dirty = true
		return nil
	}
	id := t.id(pageNo)
	frame, err := t.pool.Fetch(id)
	if err != nil {
		return err
	}
	byteOrder.PutUint32(frame.Page().Body()[12:16], prevNo)
	return t.pool.Unpin(id, true)
}

func (t *BTree) numPagesAdd(c *crab, d int) {
	t.hmu.Lock()
	t.numPages = uint32(int(t.numPages) + d)
	t.hmu.Unlock()
	c.headerDirty = true
}

// findChild returns the slot of child pageNo among an internal node's
// children, or -1.
func (n *node) findChild(pageNo uint32) int {
	for i, ch := range n.childs {
		if ch == pageNo {
			return i
		}
	}
	return -1
}
