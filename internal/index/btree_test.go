package index

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/coredb/internal/buffer"
	"github.com/zhukovaskychina/coredb/internal/catalog"
	"github.com/zhukovaskychina/coredb/internal/disk"
)

// testPageSize keeps node capacity small (8 entries for an INT32 key)
// so splits and merges happen after a handful of inserts.
const testPageSize = 128

func newTestTree(t *testing.T) *BTree {
	t.Helper()
	dm, err := disk.NewManager(afero.NewMemMapFs(), "/data", testPageSize)
	require.NoError(t, err)
	pool := buffer.NewPool(dm, 64, testPageSize)
	fileID, err := dm.OpenFile("idx_test")
	require.NoError(t, err)
	layout := Layout{ColTypes: []catalog.Type{catalog.INT32}, ColLens: []int{4}, TotalLen: 4}
	tree, err := Create(pool, fileID, layout, testPageSize)
	require.NoError(t, err)
	return tree
}

func intKey(v int32) Key {
	return Key(catalog.NewInt32(v).Raw)
}

// validate walks the whole tree checking sortedness, balance, the
// parent-subtree separator invariant and the leaf chain (spec §8).
func validate(t *testing.T, tr *BTree) {
	t.Helper()
	depth := -1
	var walk func(pageNo uint32, level int, isRoot bool) Key
	walk = func(pageNo uint32, level int, isRoot bool) Key {
		nh, err := tr.fetchRead(pageNo)
		require.NoError(t, err)
		defer tr.releaseRead(nh)
		n := nh.n

		for i := 1; i < n.size(); i++ {
			require.Negative(t, tr.layout.Compare(n.keys[i-1], n.keys[i]),
				"keys not strictly increasing in page %d", pageNo)
		}
		if !isRoot {
			require.GreaterOrEqual(t, n.size(), tr.minSize, "page %d under-full", pageNo)
		}
		if n.isLeaf {
			if depth == -1 {
				depth = level
			}
			require.Equal(t, depth, level, "leaves at unequal depth")
			if n.size() == 0 {
				return nil
			}
			return n.keys[0]
		}
		for i, child := range n.childs {
			childFirst := walk(child, level+1, false)
			require.Zero(t, tr.layout.Compare(n.keys[i], childFirst),
				"separator %d of page %d disagrees with child subtree", i, pageNo)
		}
		return n.keys[0]
	}
	walk(tr.root, 0, true)

	// leaf chain enumerates all keys ascending
	var prev Key
	for leafNo := tr.firstLeaf; leafNo != Invalid; {
		nh, err := tr.fetchRead(leafNo)
		require.NoError(t, err)
		for _, k := range nh.n.keys {
			if prev != nil {
				require.Negative(t, tr.layout.Compare(prev, k), "leaf chain out of order")
			}
			prev = k
		}
		leafNo = nh.n.nextLeaf
		tr.releaseRead(nh)
	}
}

func TestBTreeInsertGet(t *testing.T) {
	tr := newTestTree(t)
	for i := int32(0); i < 200; i++ {
		require.NoError(t, tr.Insert(intKey(i), RID{PageNo: uint32(i) + 1, SlotNo: i % 7}))
	}
	validate(t, tr)
	for i := int32(0); i < 200; i++ {
		rid, err := tr.Get(intKey(i))
		require.NoError(t, err)
		assert.Equal(t, uint32(i)+1, rid.PageNo)
	}
	_, err := tr.Get(intKey(1000))
	assert.ErrorIs(t, errors.Cause(err), ErrNotFound)
}

func TestBTreeDuplicateKey(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, tr.Insert(intKey(7), RID{PageNo: 1}))
	err := tr.Insert(intKey(7), RID{PageNo: 2})
	require.Error(t, err)
	assert.ErrorIs(t, errors.Cause(err), ErrDuplicateKey)

	// storage unchanged: the original rid survives
	rid, err := tr.Get(intKey(7))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rid.PageNo)
}

func TestBTreeInsertDescending(t *testing.T) {
	tr := newTestTree(t)
	for i := int32(199); i >= 0; i-- {
		require.NoError(t, tr.Insert(intKey(i), RID{PageNo: uint32(i) + 1}))
	}
	validate(t, tr)
	min, ok, err := tr.MinKey()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, tr.layout.Compare(min, intKey(0)))
	max, ok, err := tr.MaxKey()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, tr.layout.Compare(max, intKey(199)))
}

func TestBTreeDelete(t *testing.T) {
	tr := newTestTree(t)
	const n = 300
	perm := rand.New(rand.NewSource(42)).Perm(n)
	for _, v := range perm {
		require.NoError(t, tr.Insert(intKey(int32(v)), RID{PageNo: uint32(v) + 1}))
	}
	validate(t, tr)

	for _, v := range perm[:n/2] {
		require.NoError(t, tr.Delete(intKey(int32(v))))
	}
	validate(t, tr)

	for _, v := range perm[:n/2] {
		_, err := tr.Get(intKey(int32(v)))
		assert.ErrorIs(t, errors.Cause(err), ErrNotFound)
	}
	for _, v := range perm[n/2:] {
		rid, err := tr.Get(intKey(int32(v)))
		require.NoError(t, err)
		assert.Equal(t, uint32(v)+1, rid.PageNo)
	}

	err := tr.Delete(intKey(10_000))
	assert.ErrorIs(t, errors.Cause(err), ErrNotFound)
}

func TestBTreeDeleteAll(t *testing.T) {
	tr := newTestTree(t)
	for i := int32(0); i < 100; i++ {
		require.NoError(t, tr.Insert(intKey(i), RID{PageNo: uint32(i) + 1}))
	}
	for i := int32(0); i < 100; i++ {
		require.NoError(t, tr.Delete(intKey(i)))
	}
	_, ok, err := tr.MinKey()
	require.NoError(t, err)
	assert.False(t, ok, "tree should be empty")

	// an emptied tree accepts inserts again
	require.NoError(t, tr.Insert(intKey(5), RID{PageNo: 6}))
	rid, err := tr.Get(intKey(5))
	require.NoError(t, err)
	assert.Equal(t, uint32(6), rid.PageNo)
}

func TestBTreeRangeScan(t *testing.T) {
	tr := newTestTree(t)
	for i := int32(1); i <= 1000; i++ {
		require.NoError(t, tr.Insert(intKey(i), RID{PageNo: uint32(i)}))
	}
	// a >= 500 and a < 510, spec §8 scenario 6
	cur, err := tr.Scan(intKey(500), intKey(509))
	require.NoError(t, err)
	defer cur.Close()
	var got []int32
	for {
		k, _, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, catalog.Value{Type: catalog.INT32, Raw: k}.AsInt32())
	}
	require.Len(t, got, 10)
	for i, v := range got {
		assert.Equal(t, int32(500+i), v)
	}
}

func TestBTreeCompositeKey(t *testing.T) {
	dm, err := disk.NewManager(afero.NewMemMapFs(), "/data", 256)
	require.NoError(t, err)
	pool := buffer.NewPool(dm, 64, 256)
	fileID, err := dm.OpenFile("idx_comp")
	require.NoError(t, err)
	layout := Layout{
		ColTypes: []catalog.Type{catalog.INT32, catalog.CHAR},
		ColLens:  []int{4, 8},
		TotalLen: 12,
	}
	tr, err := Create(pool, fileID, layout, 256)
	require.NoError(t, err)

	mk := func(a int32, s string) Key {
		k := make(Key, 0, 12)
		k = append(k, catalog.NewInt32(a).Raw...)
		k = append(k, catalog.NewChar(s, 8).Raw...)
		return k
	}
	require.NoError(t, tr.Insert(mk(1, "bb"), RID{PageNo: 1}))
	require.NoError(t, tr.Insert(mk(1, "aa"), RID{PageNo: 2}))
	require.NoError(t, tr.Insert(mk(2, "aa"), RID{PageNo: 3}))

	// ordering: (1,aa) < (1,bb) < (2,aa)
	cur, err := tr.Scan(layout.MinSentinel(), layout.MaxSentinel())
	require.NoError(t, err)
	defer cur.Close()
	want := []uint32{2, 1, 3}
	for _, w := range want {
		_, rid, ok, err := cur.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, w, rid.PageNo)
	}
}

func TestBTreeConcurrentInsert(t *testing.T) {
	tr := newTestTree(t)
	const workers, each = 4, 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				v := int32(w*each + i)
				if err := tr.Insert(intKey(v), RID{PageNo: uint32(v) + 1}); err != nil {
					t.Errorf("insert %d: %v", v, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	validate(t, tr)
	for v := int32(0); v < workers*each; v++ {
		rid, err := tr.Get(intKey(v))
		require.NoError(t, err, fmt.Sprintf("key %d", v))
		assert.Equal(t, uint32(v)+1, rid.PageNo)
	}
}

func TestBTreeReopen(t *testing.T) {
	dm, err := disk.NewManager(afero.NewMemMapFs(), "/data", testPageSize)
	require.NoError(t, err)
	pool := buffer.NewPool(dm, 64, testPageSize)
	fileID, err := dm.OpenFile("idx_reopen")
	require.NoError(t, err)
	layout := Layout{ColTypes: []catalog.Type{catalog.INT32}, ColLens: []int{4}, TotalLen: 4}
	tr, err := Create(pool, fileID, layout, testPageSize)
	require.NoError(t, err)
	for i := int32(0); i < 50; i++ {
		require.NoError(t, tr.Insert(intKey(i), RID{PageNo: uint32(i) + 1}))
	}
	require.NoError(t, pool.FlushAll())

	again, err := Open(pool, fileID, testPageSize)
	require.NoError(t, err)
	assert.Equal(t, tr.root, again.root)
	rid, err := again.Get(intKey(25))
	require.NoError(t, err)
	assert.Equal(t, uint32(26), rid.PageNo)
}
