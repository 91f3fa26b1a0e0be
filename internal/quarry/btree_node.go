package quarry

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// IndexKey is the set of key types an index can be built over. Real
// columns are indexed as float64, ordering is preserved by widening.
type IndexKey interface {
	int32 | int64 | float64 | string
}

// Tree node page layout:
//
//	offset size field
//	9      1    is leaf
//	10     2    key count
//	12     4    right sibling page number (leaf chain, 0 = none)
//	16     4    rightmost child page number (internal nodes)
//	20     ...  cells
//
// A leaf cell is key bytes followed by a 10-byte record id, an internal
// cell is key bytes followed by a 4-byte child page number. The child at
// cell i covers keys strictly below the cell's key, the rightmost child
// covers the rest, so equal keys always route right of their separator.
const (
	nodeOffIsLeaf     = pageHeaderSize
	nodeOffKeyCount   = 10
	nodeOffRightSib   = 12
	nodeOffRightChild = 16
	nodeOffCells      = 20

	recordIDSize = 10
	childPtrSize = 4
)

// treeNode is the decoded image of one node page. Children are page
// numbers, never in-memory pointers, the page store is the source of
// truth and decoded nodes are transient.
type treeNode[T IndexKey] struct {
	pageNo     PageNo
	isLeaf     bool
	rightSib   PageNo
	rightChild PageNo
	keys       []T
	rids       []RecordID // leaf, parallel to keys
	children   []PageNo   // internal, parallel to keys
}

// childAt returns the i-th child of an internal node, i may equal
// len(keys) for the rightmost child.
func (n *treeNode[T]) childAt(i int) PageNo {
	if i == len(n.keys) {
		return n.rightChild
	}
	return n.children[i]
}

func (n *treeNode[T]) marshal(buf []byte) error {
	clear(buf)
	buf[pageOffType] = byte(pageTypeNode)
	if n.isLeaf {
		buf[nodeOffIsLeaf] = 1
	}
	binary.LittleEndian.PutUint16(buf[nodeOffKeyCount:], uint16(len(n.keys)))
	binary.LittleEndian.PutUint32(buf[nodeOffRightSib:], uint32(n.rightSib))
	binary.LittleEndian.PutUint32(buf[nodeOffRightChild:], uint32(n.rightChild))

	offset := nodeOffCells
	for i, key := range n.keys {
		size := keySize(key)
		var tail int
		if n.isLeaf {
			tail = recordIDSize
		} else {
			tail = childPtrSize
		}
		if offset+size+tail > PageSize {
			return fmt.Errorf("%w: node %d overflows its page with %d keys", ErrStructuralInconsistency, n.pageNo, len(n.keys))
		}
		marshalKey(buf[offset:], key)
		offset += size
		if n.isLeaf {
			marshalRecordID(buf[offset:], n.rids[i])
			offset += recordIDSize
		} else {
			binary.LittleEndian.PutUint32(buf[offset:], uint32(n.children[i]))
			offset += childPtrSize
		}
	}
	return nil
}

func unmarshalTreeNode[T IndexKey](pageNo PageNo, buf []byte) (*treeNode[T], error) {
	if typeOfPage(buf) != pageTypeNode {
		return nil, fmt.Errorf("%w: page %d is not a tree node", ErrStructuralInconsistency, pageNo)
	}
	n := &treeNode[T]{
		pageNo:     pageNo,
		isLeaf:     buf[nodeOffIsLeaf] == 1,
		rightSib:   PageNo(binary.LittleEndian.Uint32(buf[nodeOffRightSib:])),
		rightChild: PageNo(binary.LittleEndian.Uint32(buf[nodeOffRightChild:])),
	}
	count := int(binary.LittleEndian.Uint16(buf[nodeOffKeyCount:]))
	n.keys = make([]T, 0, count)
	if n.isLeaf {
		n.rids = make([]RecordID, 0, count)
	} else {
		n.children = make([]PageNo, 0, count)
	}

	offset := nodeOffCells
	for i := 0; i < count; i++ {
		key, size, err := unmarshalKey[T](buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("%w: node %d cell %d: %v", ErrStructuralInconsistency, pageNo, i, err)
		}
		n.keys = append(n.keys, key)
		offset += size
		if n.isLeaf {
			n.rids = append(n.rids, unmarshalRecordID(buf[offset:]))
			offset += recordIDSize
		} else {
			n.children = append(n.children, PageNo(binary.LittleEndian.Uint32(buf[offset:])))
			offset += childPtrSize
		}
	}
	return n, nil
}

func marshalRecordID(buf []byte, rid RecordID) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(rid.PageID.FileID))
	binary.LittleEndian.PutUint32(buf[4:], uint32(rid.PageID.PageNo))
	binary.LittleEndian.PutUint16(buf[8:], rid.Slot)
}

func unmarshalRecordID(buf []byte) RecordID {
	return RecordID{
		PageID: PageID{
			FileID: FileID(binary.LittleEndian.Uint32(buf[0:])),
			PageNo: PageNo(binary.LittleEndian.Uint32(buf[4:])),
		},
		Slot: binary.LittleEndian.Uint16(buf[8:]),
	}
}

func keySize[T IndexKey](key T) int {
	switch k := any(key).(type) {
	case int32:
		return 4
	case int64, float64:
		return 8
	case string:
		return 2 + len(k)
	}
	return 0
}

func marshalKey[T IndexKey](buf []byte, key T) {
	switch k := any(key).(type) {
	case int32:
		binary.LittleEndian.PutUint32(buf, uint32(k))
	case int64:
		binary.LittleEndian.PutUint64(buf, uint64(k))
	case float64:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(k))
	case string:
		binary.LittleEndian.PutUint16(buf, uint16(len(k)))
		copy(buf[2:], k)
	}
}

func unmarshalKey[T IndexKey](buf []byte) (T, int, error) {
	var key T
	switch any(key).(type) {
	case int32:
		if len(buf) < 4 {
			return key, 0, fmt.Errorf("truncated int32 key")
		}
		return any(int32(binary.LittleEndian.Uint32(buf))).(T), 4, nil
	case int64:
		if len(buf) < 8 {
			return key, 0, fmt.Errorf("truncated int64 key")
		}
		return any(int64(binary.LittleEndian.Uint64(buf))).(T), 8, nil
	case float64:
		if len(buf) < 8 {
			return key, 0, fmt.Errorf("truncated float64 key")
		}
		return any(math.Float64frombits(binary.LittleEndian.Uint64(buf))).(T), 8, nil
	case string:
		if len(buf) < 2 {
			return key, 0, fmt.Errorf("truncated string key prefix")
		}
		length := int(binary.LittleEndian.Uint16(buf))
		if len(buf) < 2+length {
			return key, 0, fmt.Errorf("truncated string key of %d bytes", length)
		}
		return any(string(buf[2 : 2+length])).(T), 2 + length, nil
	}
	return key, 0, fmt.Errorf("unsupported key type %T", key)
}

func compareKeys[T IndexKey](a, b T) int {
	switch av := any(a).(type) {
	case int32:
		bv := any(b).(int32)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case int64:
		bv := any(b).(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case float64:
		bv := any(b).(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		return strings.Compare(av, any(b).(string))
	}
	return 0
}

// compareRecordIDs orders duplicate keys within a leaf.
func compareRecordIDs(a, b RecordID) int {
	switch {
	case a.PageID.FileID != b.PageID.FileID:
		if a.PageID.FileID < b.PageID.FileID {
			return -1
		}
		return 1
	case a.PageID.PageNo != b.PageID.PageNo:
		if a.PageID.PageNo < b.PageID.PageNo {
			return -1
		}
		return 1
	case a.Slot != b.Slot:
		if a.Slot < b.Slot {
			return -1
		}
		return 1
	}
	return 0
}
