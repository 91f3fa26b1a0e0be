package quarry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultIndexOrder is the maximum number of children per node when no
	// explicit order is configured and the key type allows it.
	DefaultIndexOrder = 128

	minIndexOrder = 4
)

// Index is a single-column B+tree keyed by T. Internal nodes route
// lookups, leaves hold (key, record id) entries and are chained
// left-to-right so range scans never climb back up the tree. Duplicate
// keys are allowed unless the index was created unique, duplicates are
// ordered by record id within their run.
type Index[T IndexKey] struct {
	logger *zap.Logger
	disk   *DiskManager
	pool   *BufferPool

	fileID  FileID
	name    string
	unique  bool
	maxKeys int

	// persistRoot records a root change in the file's meta page so the
	// tree survives reopen.
	persistRoot func(root PageNo) error

	mu   sync.RWMutex
	root PageNo
}

func newIndex[T IndexKey](logger *zap.Logger, disk *DiskManager, pool *BufferPool, fileID FileID, name string, unique bool, maxKeys int, root PageNo, persistRoot func(PageNo) error) *Index[T] {
	return &Index[T]{
		logger:      logger,
		disk:        disk,
		pool:        pool,
		fileID:      fileID,
		name:        name,
		unique:      unique,
		maxKeys:     maxKeys,
		persistRoot: persistRoot,
		root:        root,
	}
}

// indexOrderToMaxKeys caps the configured order by what worst-case keys
// of this type actually fit on a page.
func indexOrderToMaxKeys(order int, maxKeySize int) (int, error) {
	cellSize := maxKeySize + recordIDSize
	fit := (PageSize-nodeOffCells)/cellSize - 1
	if fit < minIndexOrder-1 {
		return 0, fmt.Errorf("index keys of up to %d bytes do not fit a %d byte page", maxKeySize, PageSize)
	}
	maxKeys := order - 1
	if order == 0 || maxKeys > fit {
		maxKeys = fit
	}
	if maxKeys < minIndexOrder-1 {
		maxKeys = minIndexOrder - 1
	}
	return maxKeys, nil
}

func (idx *Index[T]) minKeys() int { return idx.maxKeys / 2 }

// Root returns the current root page number.
func (idx *Index[T]) Root() PageNo {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.root
}

func (idx *Index[T]) readNode(ctx context.Context, pageNo PageNo) (*treeNode[T], error) {
	frame, err := idx.pool.Pin(ctx, PageID{FileID: idx.fileID, PageNo: pageNo})
	if err != nil {
		return nil, err
	}
	frame.RLock()
	node, err := unmarshalTreeNode[T](pageNo, frame.Data())
	frame.RUnlock()
	idx.pool.Unpin(frame, false)
	return node, err
}

func (idx *Index[T]) writeNode(ctx context.Context, node *treeNode[T]) error {
	frame, err := idx.pool.Pin(ctx, PageID{FileID: idx.fileID, PageNo: node.pageNo})
	if err != nil {
		return err
	}
	frame.Lock()
	err = node.marshal(frame.Data())
	frame.Unlock()
	idx.pool.Unpin(frame, err == nil)
	return err
}

func (idx *Index[T]) allocNode(ctx context.Context, isLeaf bool) (*treeNode[T], error) {
	id, err := idx.disk.AllocatePage(idx.fileID, pageTypeNode)
	if err != nil {
		return nil, err
	}
	return &treeNode[T]{pageNo: id.PageNo, isLeaf: isLeaf}, nil
}

func (idx *Index[T]) freeNode(pageNo PageNo) error {
	id := PageID{FileID: idx.fileID, PageNo: pageNo}
	if err := idx.pool.Invalidate(id); err != nil {
		return err
	}
	return idx.disk.FreePage(id)
}

func (idx *Index[T]) setRoot(root PageNo) error {
	idx.root = root
	return idx.persistRoot(root)
}

// upperChildIndex picks the child for inserts, equal keys route right.
func upperChildIndex[T IndexKey](node *treeNode[T], key T) int {
	return sort.Search(len(node.keys), func(i int) bool {
		return compareKeys(key, node.keys[i]) < 0
	})
}

// lowerChildIndex picks the leftmost child whose subtree may hold key,
// used by lookups and scans so duplicate runs left of a separator are
// not skipped.
func lowerChildIndex[T IndexKey](node *treeNode[T], key T) int {
	return sort.Search(len(node.keys), func(i int) bool {
		return compareKeys(key, node.keys[i]) <= 0
	})
}

// Insert adds one (key, record id) entry. A unique index rejects a key
// that is already present with ErrDuplicateKey.
func (idx *Index[T]) Insert(ctx context.Context, key T, rid RecordID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.root == 0 {
		root, err := idx.allocNode(ctx, true)
		if err != nil {
			return err
		}
		if err := idx.writeNode(ctx, root); err != nil {
			return err
		}
		// The root page must be on disk before the meta page points at it.
		if err := idx.pool.Flush(ctx, PageID{FileID: idx.fileID, PageNo: root.pageNo}); err != nil {
			return err
		}
		if err := idx.setRoot(root.pageNo); err != nil {
			return err
		}
	}

	if idx.unique {
		found, err := idx.contains(ctx, key)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: index %q already holds key %v", ErrDuplicateKey, idx.name, key)
		}
	}

	promoted, err := idx.insertInto(ctx, idx.root, key, rid)
	if err != nil {
		return err
	}
	if promoted == nil {
		return nil
	}

	// The root split, grow the tree by one level.
	oldRoot := idx.root
	newRoot, err := idx.allocNode(ctx, false)
	if err != nil {
		return err
	}
	newRoot.keys = []T{promoted.key}
	newRoot.children = []PageNo{oldRoot}
	newRoot.rightChild = promoted.right
	if err := idx.writeNode(ctx, newRoot); err != nil {
		return err
	}
	// Same ordering as split: the new root page must be on disk before
	// the meta page points at it.
	if err := idx.pool.Flush(ctx, PageID{FileID: idx.fileID, PageNo: newRoot.pageNo}); err != nil {
		return err
	}
	idx.logger.Debug("index grew a level",
		zap.String("index", idx.name),
		zap.Uint32("root", uint32(newRoot.pageNo)))
	return idx.setRoot(newRoot.pageNo)
}

// promotion carries a separator and its new right sibling up one level
// after a split.
type promotion[T IndexKey] struct {
	key   T
	right PageNo
}

func (idx *Index[T]) insertInto(ctx context.Context, pageNo PageNo, key T, rid RecordID) (*promotion[T], error) {
	node, err := idx.readNode(ctx, pageNo)
	if err != nil {
		return nil, err
	}

	if node.isLeaf {
		at := sort.Search(len(node.keys), func(i int) bool {
			c := compareKeys(key, node.keys[i])
			return c < 0 || (c == 0 && compareRecordIDs(rid, node.rids[i]) < 0)
		})
		node.keys = append(node.keys, key)
		copy(node.keys[at+1:], node.keys[at:])
		node.keys[at] = key
		node.rids = append(node.rids, rid)
		copy(node.rids[at+1:], node.rids[at:])
		node.rids[at] = rid
	} else {
		childIdx := upperChildIndex(node, key)
		promoted, err := idx.insertInto(ctx, node.childAt(childIdx), key, rid)
		if err != nil {
			return nil, err
		}
		if promoted == nil {
			return nil, nil
		}
		node.keys = append(node.keys, promoted.key)
		copy(node.keys[childIdx+1:], node.keys[childIdx:])
		node.keys[childIdx] = promoted.key
		if childIdx == len(node.keys)-1 {
			// Split child was the rightmost one.
			node.children = append(node.children, 0)
			copy(node.children[childIdx+1:], node.children[childIdx:])
			node.children[childIdx] = node.rightChild
			node.rightChild = promoted.right
		} else {
			node.children = append(node.children, 0)
			copy(node.children[childIdx+2:], node.children[childIdx+1:])
			node.children[childIdx+1] = promoted.right
		}
	}

	if len(node.keys) <= idx.maxKeys {
		return nil, idx.writeNode(ctx, node)
	}
	return idx.split(ctx, node)
}

// split halves an overfull node. The new right sibling is written and
// flushed before the left half or the parent link, a crash in between
// leaves an unreachable page instead of a broken tree.
func (idx *Index[T]) split(ctx context.Context, node *treeNode[T]) (*promotion[T], error) {
	right, err := idx.allocNode(ctx, node.isLeaf)
	if err != nil {
		return nil, err
	}
	mid := len(node.keys) / 2

	var sep T
	if node.isLeaf {
		right.keys = append(right.keys, node.keys[mid:]...)
		right.rids = append(right.rids, node.rids[mid:]...)
		right.rightSib = node.rightSib
		node.keys = node.keys[:mid]
		node.rids = node.rids[:mid]
		node.rightSib = right.pageNo
		sep = right.keys[0]
	} else {
		sep = node.keys[mid]
		right.keys = append(right.keys, node.keys[mid+1:]...)
		right.children = append(right.children, node.children[mid+1:]...)
		right.rightChild = node.rightChild
		node.keys = node.keys[:mid]
		node.rightChild = node.children[mid]
		node.children = node.children[:mid]
	}

	if err := idx.writeNode(ctx, right); err != nil {
		return nil, err
	}
	if err := idx.pool.Flush(ctx, PageID{FileID: idx.fileID, PageNo: right.pageNo}); err != nil {
		return nil, err
	}
	if err := idx.writeNode(ctx, node); err != nil {
		return nil, err
	}
	return &promotion[T]{key: sep, right: right.pageNo}, nil
}

// Lookup returns the record ids of every entry with the given key.
func (idx *Index[T]) Lookup(ctx context.Context, key T) ([]RecordID, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var rids []RecordID
	err := idx.scan(ctx, &key, func(k T, rid RecordID) error {
		if compareKeys(k, key) > 0 {
			return errScanDone
		}
		rids = append(rids, rid)
		return nil
	})
	return rids, err
}

func (idx *Index[T]) contains(ctx context.Context, key T) (bool, error) {
	found := false
	err := idx.scan(ctx, &key, func(k T, _ RecordID) error {
		found = compareKeys(k, key) == 0
		return errScanDone
	})
	return found, err
}

// Delete removes the entry matching both key and record id. Missing
// entries return ErrNotFound.
func (idx *Index[T]) Delete(ctx context.Context, key T, rid RecordID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.root == 0 {
		return fmt.Errorf("%w: index %q has no entry for key %v", ErrNotFound, idx.name, key)
	}
	deleted, _, err := idx.deleteFrom(ctx, idx.root, key, rid)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: index %q has no entry for key %v at %s", ErrNotFound, idx.name, key, rid)
	}
	return idx.collapseRoot(ctx)
}

// collapseRoot shrinks the tree when the root is an internal node left
// with a single child.
func (idx *Index[T]) collapseRoot(ctx context.Context) error {
	root, err := idx.readNode(ctx, idx.root)
	if err != nil {
		return err
	}
	if root.isLeaf || len(root.keys) > 0 {
		return nil
	}
	old := root.pageNo
	if err := idx.setRoot(root.rightChild); err != nil {
		return err
	}
	idx.logger.Debug("index shrank a level",
		zap.String("index", idx.name),
		zap.Uint32("root", uint32(idx.root)))
	return idx.freeNode(old)
}

// deleteFrom removes (key, rid) from the subtree rooted at pageNo.
// It reports whether an entry was removed and whether the node is now
// below its minimum occupancy, the caller rebalances underfull children.
func (idx *Index[T]) deleteFrom(ctx context.Context, pageNo PageNo, key T, rid RecordID) (deleted, underflow bool, err error) {
	node, err := idx.readNode(ctx, pageNo)
	if err != nil {
		return false, false, err
	}

	if node.isLeaf {
		for i, k := range node.keys {
			if compareKeys(k, key) != 0 {
				continue
			}
			if node.rids[i] != rid {
				continue
			}
			node.keys = append(node.keys[:i], node.keys[i+1:]...)
			node.rids = append(node.rids[:i], node.rids[i+1:]...)
			if err := idx.writeNode(ctx, node); err != nil {
				return false, false, err
			}
			return true, len(node.keys) < idx.minKeys(), nil
		}
		return false, false, nil
	}

	// Duplicate runs can span several children, try each candidate
	// subtree from the leftmost that may hold the key.
	for childIdx := lowerChildIndex(node, key); childIdx <= len(node.keys); childIdx++ {
		if childIdx > 0 && compareKeys(key, node.keys[childIdx-1]) < 0 {
			break
		}
		childDeleted, childUnderflow, err := idx.deleteFrom(ctx, node.childAt(childIdx), key, rid)
		if err != nil {
			return false, false, err
		}
		if !childDeleted {
			continue
		}
		if childUnderflow {
			if err := idx.rebalanceChild(ctx, node, childIdx); err != nil {
				return false, false, err
			}
			if err := idx.writeNode(ctx, node); err != nil {
				return false, false, err
			}
		}
		return true, len(node.keys) < idx.minKeys(), nil
	}
	return false, false, nil
}

// rebalanceChild restores minimum occupancy of the child at childIdx by
// borrowing from an adjacent sibling or merging into one. The parent
// node is mutated in memory, the caller writes it.
func (idx *Index[T]) rebalanceChild(ctx context.Context, parent *treeNode[T], childIdx int) error {
	child, err := idx.readNode(ctx, parent.childAt(childIdx))
	if err != nil {
		return err
	}

	if childIdx > 0 {
		left, err := idx.readNode(ctx, parent.childAt(childIdx-1))
		if err != nil {
			return err
		}
		if len(left.keys) > idx.minKeys() {
			return idx.borrowFromLeft(ctx, parent, childIdx, left, child)
		}
		return idx.mergeChildren(ctx, parent, childIdx-1, left, child)
	}

	right, err := idx.readNode(ctx, parent.childAt(childIdx+1))
	if err != nil {
		return err
	}
	if len(right.keys) > idx.minKeys() {
		return idx.borrowFromRight(ctx, parent, childIdx, child, right)
	}
	return idx.mergeChildren(ctx, parent, childIdx, child, right)
}

func (idx *Index[T]) borrowFromLeft(ctx context.Context, parent *treeNode[T], childIdx int, left, child *treeNode[T]) error {
	sepIdx := childIdx - 1
	last := len(left.keys) - 1

	if child.isLeaf {
		child.keys = append([]T{left.keys[last]}, child.keys...)
		child.rids = append([]RecordID{left.rids[last]}, child.rids...)
		left.keys = left.keys[:last]
		left.rids = left.rids[:last]
		parent.keys[sepIdx] = child.keys[0]
	} else {
		child.keys = append([]T{parent.keys[sepIdx]}, child.keys...)
		child.children = append([]PageNo{left.rightChild}, child.children...)
		parent.keys[sepIdx] = left.keys[last]
		left.rightChild = left.children[last]
		left.keys = left.keys[:last]
		left.children = left.children[:last]
	}

	if err := idx.writeNode(ctx, left); err != nil {
		return err
	}
	return idx.writeNode(ctx, child)
}

func (idx *Index[T]) borrowFromRight(ctx context.Context, parent *treeNode[T], childIdx int, child, right *treeNode[T]) error {
	sepIdx := childIdx

	if child.isLeaf {
		child.keys = append(child.keys, right.keys[0])
		child.rids = append(child.rids, right.rids[0])
		right.keys = right.keys[1:]
		right.rids = right.rids[1:]
		parent.keys[sepIdx] = right.keys[0]
	} else {
		child.keys = append(child.keys, parent.keys[sepIdx])
		child.children = append(child.children, child.rightChild)
		child.rightChild = right.children[0]
		parent.keys[sepIdx] = right.keys[0]
		right.keys = right.keys[1:]
		right.children = right.children[1:]
	}

	if err := idx.writeNode(ctx, right); err != nil {
		return err
	}
	return idx.writeNode(ctx, child)
}

// mergeChildren folds the right sibling into the left one, drops the
// separator between them from the parent and frees the right page.
func (idx *Index[T]) mergeChildren(ctx context.Context, parent *treeNode[T], leftIdx int, left, right *treeNode[T]) error {
	if left.isLeaf {
		left.keys = append(left.keys, right.keys...)
		left.rids = append(left.rids, right.rids...)
		left.rightSib = right.rightSib
	} else {
		left.keys = append(left.keys, parent.keys[leftIdx])
		left.children = append(left.children, left.rightChild)
		left.keys = append(left.keys, right.keys...)
		left.children = append(left.children, right.children...)
		left.rightChild = right.rightChild
	}

	// The merged left child now covers the dropped separator's range.
	if leftIdx == len(parent.keys)-1 {
		parent.rightChild = left.pageNo
	} else {
		parent.children[leftIdx+1] = left.pageNo
	}
	parent.keys = append(parent.keys[:leftIdx], parent.keys[leftIdx+1:]...)
	parent.children = append(parent.children[:leftIdx], parent.children[leftIdx+1:]...)

	if err := idx.writeNode(ctx, left); err != nil {
		return err
	}
	return idx.freeNode(right.pageNo)
}
