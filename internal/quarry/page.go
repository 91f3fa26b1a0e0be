package quarry

import (
	"encoding/binary"
	"hash/crc32"
)

// Every page, regardless of type, starts with the same header:
//
//	offset size field
//	0      4    checksum  crc32c over bytes [4:PageSize]
//	4      1    page type
//	5      4    page number (self check against the requested address)
//
// Payload layouts per page type are defined where the type is owned:
// meta pages in disk.go, slotted data pages in record_page.go, tree
// nodes in btree_node.go. Free pages hold only the next free page
// number right after the header.
const (
	pageOffChecksum = 0
	pageOffType     = 4
	pageOffPageNo   = 5

	pageHeaderSize = 9
)

type pageType uint8

const (
	pageTypeMeta pageType = iota + 1
	pageTypeData
	pageTypeNode
	pageTypeFree
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func pageChecksum(buf []byte) uint32 {
	return crc32.Checksum(buf[pageOffType:PageSize], castagnoli)
}

// stampPage finalizes the shared header before the page goes to disk.
func stampPage(buf []byte, typ pageType, pageNo PageNo) {
	buf[pageOffType] = byte(typ)
	binary.LittleEndian.PutUint32(buf[pageOffPageNo:], uint32(pageNo))
	binary.LittleEndian.PutUint32(buf[pageOffChecksum:], pageChecksum(buf))
}

func verifyPage(buf []byte, pageNo PageNo) error {
	stored := binary.LittleEndian.Uint32(buf[pageOffChecksum:])
	if stored != pageChecksum(buf) {
		return ErrCorruptPage
	}
	if PageNo(binary.LittleEndian.Uint32(buf[pageOffPageNo:])) != pageNo {
		return ErrCorruptPage
	}
	return nil
}

func typeOfPage(buf []byte) pageType {
	return pageType(buf[pageOffType])
}

// free page payload

const freeOffNext = pageHeaderSize // uint32, 0 terminates the list

func freePageNext(buf []byte) PageNo {
	return PageNo(binary.LittleEndian.Uint32(buf[freeOffNext:]))
}

func setFreePageNext(buf []byte, next PageNo) {
	binary.LittleEndian.PutUint32(buf[freeOffNext:], uint32(next))
}
