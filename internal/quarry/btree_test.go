package quarry

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, stack *testStack, maxKeys int, unique bool) *Index[int64] {
	t.Helper()

	fileID, err := stack.disk.CreateFile(filepath.Join(stack.dir, "keys"+IndexFileSuffix), fileKindIndex, nil)
	require.NoError(t, err)

	// Root persistence is exercised through IndexManager, not here.
	return newIndex[int64](testLogger, stack.disk, stack.pool, fileID, "keys", unique, maxKeys, 0, func(PageNo) error {
		return nil
	})
}

func ridForKey(key int64) RecordID {
	return RecordID{
		PageID: PageID{FileID: 1, PageNo: PageNo(key/100 + 1)},
		Slot:   uint16(key % 100),
	}
}

func TestIndex_InsertLookup(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)
	idx := newTestIndex(t, stack, 3, false)

	for key := int64(1); key <= 100; key++ {
		require.NoError(t, idx.Insert(ctx, key, ridForKey(key)))
	}
	require.NoError(t, idx.Validate(ctx))

	for key := int64(1); key <= 100; key++ {
		rids, err := idx.Lookup(ctx, key)
		require.NoError(t, err)
		require.Len(t, rids, 1)
		assert.Equal(t, ridForKey(key), rids[0])
	}

	rids, err := idx.Lookup(ctx, 101)
	require.NoError(t, err)
	assert.Empty(t, rids)
}

func TestIndex_RootDurableBeforeLink(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)
	idx := newTestIndex(t, stack, 3, false)

	// The first insert creates the root leaf. Its page must be readable
	// from disk without a pool flush, as the meta page already points
	// at it.
	require.NoError(t, idx.Insert(ctx, 1, ridForKey(1)))
	rootNo := idx.Root()
	buf := make([]byte, PageSize)
	require.NoError(t, stack.disk.ReadPage(PageID{FileID: idx.fileID, PageNo: rootNo}, buf))
	leaf, err := unmarshalTreeNode[int64](rootNo, buf)
	require.NoError(t, err)
	require.True(t, leaf.isLeaf)
	assert.Equal(t, []int64{1}, leaf.keys)

	// Grow the tree a level and check the new root the same way.
	for key := int64(2); key <= 5; key++ {
		require.NoError(t, idx.Insert(ctx, key, ridForKey(key)))
	}
	grownNo := idx.Root()
	require.NotEqual(t, rootNo, grownNo)
	require.NoError(t, stack.disk.ReadPage(PageID{FileID: idx.fileID, PageNo: grownNo}, buf))
	grown, err := unmarshalTreeNode[int64](grownNo, buf)
	require.NoError(t, err)
	require.False(t, grown.isLeaf)
	require.NotEmpty(t, grown.keys)
	assert.NotZero(t, grown.rightChild)
}

func TestIndex_SmallestOrderBulk(t *testing.T) {
	if testing.Short() {
		t.Skip("bulk index test skipped in short mode")
	}

	ctx := context.Background()
	stack := newTestStack(t, 256)
	// maxKeys 3 keeps the branching factor at its minimum, so the tree
	// grows deep and every split and rebalance path runs.
	idx := newTestIndex(t, stack, 3, false)

	const total = 10_000
	keys := rand.New(rand.NewSource(1)).Perm(total)
	for _, k := range keys {
		key := int64(k + 1)
		require.NoError(t, idx.Insert(ctx, key, ridForKey(key)))
	}
	require.NoError(t, idx.Validate(ctx))

	for key := int64(1); key <= total; key += 2 {
		require.NoError(t, idx.Delete(ctx, key, ridForKey(key)))
	}
	require.NoError(t, idx.Validate(ctx))

	var want int64 = 2
	err := idx.ScanAll(ctx, func(key int64, rid RecordID) error {
		require.Equal(t, want, key)
		require.Equal(t, ridForKey(key), rid)
		want += 2
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(total+2), want, "every even key must survive in order")
}

func TestIndex_DuplicateKeys(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)
	idx := newTestIndex(t, stack, 3, false)

	// Enough duplicates of one key to span several leaves.
	rids := make([]RecordID, 0, 20)
	for i := 0; i < 20; i++ {
		rid := RecordID{PageID: PageID{FileID: 1, PageNo: 1}, Slot: uint16(i)}
		rids = append(rids, rid)
		require.NoError(t, idx.Insert(ctx, 42, rid))
	}
	for key := int64(1); key <= 10; key++ {
		require.NoError(t, idx.Insert(ctx, key, ridForKey(key)))
	}
	require.NoError(t, idx.Validate(ctx))

	got, err := idx.Lookup(ctx, 42)
	require.NoError(t, err)
	assert.ElementsMatch(t, rids, got)

	// Deleting one entry removes only that record id.
	require.NoError(t, idx.Delete(ctx, 42, rids[7]))
	got, err = idx.Lookup(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, got, 19)
	assert.NotContains(t, got, rids[7])
}

func TestIndex_UniqueRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)
	idx := newTestIndex(t, stack, 3, true)

	require.NoError(t, idx.Insert(ctx, 7, ridForKey(7)))
	err := idx.Insert(ctx, 7, ridForKey(8))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestIndex_DeleteMissingKey(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)
	idx := newTestIndex(t, stack, 3, false)

	require.NoError(t, idx.Insert(ctx, 1, ridForKey(1)))

	assert.ErrorIs(t, idx.Delete(ctx, 2, ridForKey(2)), ErrNotFound)
	assert.ErrorIs(t, idx.Delete(ctx, 1, ridForKey(99)), ErrNotFound)
}

func TestIndex_ScanRangeBounds(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)
	idx := newTestIndex(t, stack, 3, false)

	for key := int64(1); key <= 50; key++ {
		require.NoError(t, idx.Insert(ctx, key, ridForKey(key)))
	}

	collect := func(low, high *int64) []int64 {
		var keys []int64
		require.NoError(t, idx.ScanRange(ctx, low, high, func(key int64, _ RecordID) error {
			keys = append(keys, key)
			return nil
		}))
		return keys
	}

	low, high := int64(10), int64(20)
	keys := collect(&low, &high)
	require.Len(t, keys, 11, "range bounds are inclusive")
	assert.Equal(t, int64(10), keys[0])
	assert.Equal(t, int64(20), keys[len(keys)-1])

	assert.Len(t, collect(nil, &high), 20)
	assert.Len(t, collect(&low, nil), 41)
	assert.Len(t, collect(nil, nil), 50)

	empty := collect(&high, &low)
	assert.Empty(t, empty)
}

func TestIndex_EmptyTree(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)
	idx := newTestIndex(t, stack, 3, false)

	rids, err := idx.Lookup(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, rids)

	require.NoError(t, idx.ScanAll(ctx, func(int64, RecordID) error {
		t.Fatal("empty tree must yield nothing")
		return nil
	}))
	require.NoError(t, idx.Validate(ctx))
	assert.ErrorIs(t, idx.Delete(ctx, 1, ridForKey(1)), ErrNotFound)
}

func TestIndex_DeleteDownToEmpty(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)
	idx := newTestIndex(t, stack, 3, false)

	for key := int64(1); key <= 200; key++ {
		require.NoError(t, idx.Insert(ctx, key, ridForKey(key)))
	}
	for key := int64(1); key <= 200; key++ {
		require.NoError(t, idx.Delete(ctx, key, ridForKey(key)))
		require.NoError(t, idx.Validate(ctx))
	}

	require.NoError(t, idx.ScanAll(ctx, func(int64, RecordID) error {
		t.Fatal("tree must be empty")
		return nil
	}))
}

func TestIndexOrderToMaxKeys(t *testing.T) {
	// Small keys fit the requested order outright.
	maxKeys, err := indexOrderToMaxKeys(DefaultIndexOrder, 8)
	require.NoError(t, err)
	assert.Equal(t, DefaultIndexOrder-1, maxKeys)

	// Wide varchar keys get capped by what a page can hold.
	capped, err := indexOrderToMaxKeys(DefaultIndexOrder, 2+256)
	require.NoError(t, err)
	assert.Less(t, capped, DefaultIndexOrder-1)
	assert.GreaterOrEqual(t, capped, minIndexOrder-1)

	// Keys so wide that fewer than four fit a page are rejected.
	_, err = indexOrderToMaxKeys(DefaultIndexOrder, 2+MaxVarcharSize)
	require.Error(t, err)
}
