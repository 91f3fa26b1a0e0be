package quarry

import (
	"context"
	"errors"
	"fmt"
)

// errScanDone stops a scan early without surfacing an error.
var errScanDone = errors.New("scan done")

// ScanRange visits entries with low <= key <= high in ascending key
// order. A nil bound is open. The callback may stop the scan by
// returning an error, which is passed through to the caller.
func (idx *Index[T]) ScanRange(ctx context.Context, low, high *T, fn func(key T, rid RecordID) error) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return idx.scan(ctx, low, func(key T, rid RecordID) error {
		if high != nil && compareKeys(key, *high) > 0 {
			return errScanDone
		}
		return fn(key, rid)
	})
}

// ScanAll visits every entry in ascending key order.
func (idx *Index[T]) ScanAll(ctx context.Context, fn func(key T, rid RecordID) error) error {
	return idx.ScanRange(ctx, nil, nil, fn)
}

// scan walks the leaf chain starting at the leftmost leaf that may hold
// from, skipping entries below it. Callers hold the tree lock.
func (idx *Index[T]) scan(ctx context.Context, from *T, fn func(key T, rid RecordID) error) error {
	if idx.root == 0 {
		return nil
	}
	leaf, err := idx.descendToLeaf(ctx, idx.root, from)
	if err != nil {
		return err
	}
	for {
		for i, key := range leaf.keys {
			if from != nil && compareKeys(key, *from) < 0 {
				continue
			}
			if err := fn(key, leaf.rids[i]); err != nil {
				if errors.Is(err, errScanDone) {
					return nil
				}
				return err
			}
		}
		if leaf.rightSib == 0 {
			return nil
		}
		leaf, err = idx.readNode(ctx, leaf.rightSib)
		if err != nil {
			return err
		}
	}
}

func (idx *Index[T]) descendToLeaf(ctx context.Context, pageNo PageNo, from *T) (*treeNode[T], error) {
	node, err := idx.readNode(ctx, pageNo)
	if err != nil {
		return nil, err
	}
	for !node.isLeaf {
		childIdx := 0
		if from != nil {
			childIdx = lowerChildIndex(node, *from)
		}
		node, err = idx.readNode(ctx, node.childAt(childIdx))
		if err != nil {
			return nil, err
		}
	}
	return node, nil
}

// Validate walks the whole tree and checks its structural invariants:
// key ordering within and across nodes, occupancy bounds everywhere but
// the root, uniform leaf depth and an intact leaf chain.
func (idx *Index[T]) Validate(ctx context.Context) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.root == 0 {
		return nil
	}
	v := &treeValidator[T]{idx: idx}
	if err := v.checkSubtree(ctx, idx.root, nil, nil, 0); err != nil {
		return err
	}
	if v.lastLeaf != 0 {
		leaf, err := idx.readNode(ctx, v.lastLeaf)
		if err != nil {
			return err
		}
		if leaf.rightSib != 0 {
			return fmt.Errorf("%w: rightmost leaf %d has a sibling link", ErrStructuralInconsistency, v.lastLeaf)
		}
	}
	return nil
}

type treeValidator[T IndexKey] struct {
	idx       *Index[T]
	leafDepth int
	sawLeaf   bool
	lastLeaf  PageNo
	prevKey   *T
}

func (v *treeValidator[T]) checkSubtree(ctx context.Context, pageNo PageNo, low, high *T, depth int) error {
	node, err := v.idx.readNode(ctx, pageNo)
	if err != nil {
		return err
	}

	for i, key := range node.keys {
		if i > 0 && compareKeys(node.keys[i-1], key) > 0 {
			return fmt.Errorf("%w: node %d keys out of order", ErrStructuralInconsistency, pageNo)
		}
		if low != nil && compareKeys(key, *low) < 0 {
			return fmt.Errorf("%w: node %d key %v below subtree bound %v", ErrStructuralInconsistency, pageNo, key, *low)
		}
		if high != nil && compareKeys(key, *high) > 0 {
			return fmt.Errorf("%w: node %d key %v above subtree bound %v", ErrStructuralInconsistency, pageNo, key, *high)
		}
	}
	if pageNo != v.idx.root && len(node.keys) < v.idx.minKeys() {
		return fmt.Errorf("%w: node %d underfull with %d keys", ErrStructuralInconsistency, pageNo, len(node.keys))
	}
	if len(node.keys) > v.idx.maxKeys {
		return fmt.Errorf("%w: node %d overfull with %d keys", ErrStructuralInconsistency, pageNo, len(node.keys))
	}

	if node.isLeaf {
		if !v.sawLeaf {
			v.leafDepth = depth
			v.sawLeaf = true
		} else if depth != v.leafDepth {
			return fmt.Errorf("%w: leaf %d at depth %d, expected %d", ErrStructuralInconsistency, pageNo, depth, v.leafDepth)
		}
		if v.lastLeaf != 0 {
			prev, err := v.idx.readNode(ctx, v.lastLeaf)
			if err != nil {
				return err
			}
			if prev.rightSib != pageNo {
				return fmt.Errorf("%w: leaf chain skips from %d to %d, expected %d", ErrStructuralInconsistency, v.lastLeaf, prev.rightSib, pageNo)
			}
		}
		for _, key := range node.keys {
			if v.prevKey != nil && compareKeys(*v.prevKey, key) > 0 {
				return fmt.Errorf("%w: leaf %d breaks global key order", ErrStructuralInconsistency, pageNo)
			}
			v.prevKey = &key
		}
		v.lastLeaf = pageNo
		return nil
	}

	if node.rightChild == 0 {
		return fmt.Errorf("%w: internal node %d has no rightmost child", ErrStructuralInconsistency, pageNo)
	}
	for i := 0; i <= len(node.keys); i++ {
		childLow, childHigh := low, high
		if i > 0 {
			childLow = &node.keys[i-1]
		}
		if i < len(node.keys) {
			childHigh = &node.keys[i]
		}
		if err := v.checkSubtree(ctx, node.childAt(i), childLow, childHigh, depth+1); err != nil {
			return err
		}
	}
	return nil
}
