package quarry

import (
	"encoding/binary"
	"fmt"
)

// Slotted data page. The slot directory grows forward from the header,
// record bodies grow backward from the page end, free space is the gap
// in between:
//
//	offset size field
//	9      2    slot count (live + tombstoned + reusable)
//	11     2    live count
//	13     2    body start, lowest byte offset used by record bodies
//	15     ...  slot directory
//
// A slot entry is 6 bytes: body offset (2), body length (2), flags (2).
// The length is the capacity of the body region, in-place updates may
// leave trailing slack which the row codec ignores.
const (
	dataOffSlotCount = pageHeaderSize
	dataOffLiveCount = 11
	dataOffBodyStart = 13

	dataPageHeaderSize = 15

	slotSize      = 6
	slotOffOffset = 0
	slotOffLength = 2
	slotOffFlags  = 4

	// slotFlagTombstone marks a deleted record whose space is reclaimed
	// only by compaction. slotFlagFree marks a compacted slot whose
	// index may be reused by a later insert.
	slotFlagTombstone uint16 = 1 << 0
	slotFlagFree      uint16 = 1 << 1
)

func initDataPage(buf []byte) {
	clear(buf)
	buf[pageOffType] = byte(pageTypeData)
	binary.LittleEndian.PutUint16(buf[dataOffSlotCount:], 0)
	binary.LittleEndian.PutUint16(buf[dataOffLiveCount:], 0)
	binary.LittleEndian.PutUint16(buf[dataOffBodyStart:], PageSize)
}

func dataSlotCount(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf[dataOffSlotCount:])
}

func dataLiveCount(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf[dataOffLiveCount:])
}

func dataBodyStart(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf[dataOffBodyStart:])
}

func slotBase(slot uint16) int {
	return dataPageHeaderSize + int(slot)*slotSize
}

func slotEntry(buf []byte, slot uint16) (offset, length, flags uint16) {
	base := slotBase(slot)
	offset = binary.LittleEndian.Uint16(buf[base+slotOffOffset:])
	length = binary.LittleEndian.Uint16(buf[base+slotOffLength:])
	flags = binary.LittleEndian.Uint16(buf[base+slotOffFlags:])
	return offset, length, flags
}

func setSlotEntry(buf []byte, slot uint16, offset, length, flags uint16) {
	base := slotBase(slot)
	binary.LittleEndian.PutUint16(buf[base+slotOffOffset:], offset)
	binary.LittleEndian.PutUint16(buf[base+slotOffLength:], length)
	binary.LittleEndian.PutUint16(buf[base+slotOffFlags:], flags)
}

// dataFreeSpace returns the bytes available for a new record body,
// assuming it also needs a fresh slot entry.
func dataFreeSpace(buf []byte) int {
	free := int(dataBodyStart(buf)) - slotBase(dataSlotCount(buf))
	free -= slotSize
	if free < 0 {
		return 0
	}
	return free
}

// dataInsert places the record body and returns its slot index, reusing
// a compacted slot entry when one exists.
func dataInsert(buf []byte, record []byte) (uint16, error) {
	slotCount := dataSlotCount(buf)

	reuse := slotCount
	for slot := uint16(0); slot < slotCount; slot++ {
		if _, _, flags := slotEntry(buf, slot); flags&slotFlagFree != 0 {
			reuse = slot
			break
		}
	}

	need := len(record)
	dirEnd := slotBase(slotCount)
	if reuse == slotCount {
		dirEnd += slotSize // appending a new directory entry
	}
	bodyStart := int(dataBodyStart(buf))
	if bodyStart-need < dirEnd {
		return 0, fmt.Errorf("page full: %d bytes needed, %d free", need, bodyStart-dirEnd)
	}

	offset := uint16(bodyStart - need)
	copy(buf[offset:int(offset)+need], record)
	binary.LittleEndian.PutUint16(buf[dataOffBodyStart:], offset)

	setSlotEntry(buf, reuse, offset, uint16(need), 0)
	if reuse == slotCount {
		binary.LittleEndian.PutUint16(buf[dataOffSlotCount:], slotCount+1)
	}
	binary.LittleEndian.PutUint16(buf[dataOffLiveCount:], dataLiveCount(buf)+1)
	return reuse, nil
}

// dataRead returns the body bytes of a live slot.
func dataRead(buf []byte, slot uint16) ([]byte, error) {
	if slot >= dataSlotCount(buf) {
		return nil, fmt.Errorf("%w: slot %d out of range", ErrNotFound, slot)
	}
	offset, length, flags := slotEntry(buf, slot)
	if flags&(slotFlagTombstone|slotFlagFree) != 0 {
		return nil, fmt.Errorf("%w: slot %d is deleted", ErrNotFound, slot)
	}
	return buf[offset : offset+length], nil
}

// dataDelete tombstones a live slot. The body bytes stay in place until
// compaction.
func dataDelete(buf []byte, slot uint16) error {
	if slot >= dataSlotCount(buf) {
		return fmt.Errorf("%w: slot %d out of range", ErrNotFound, slot)
	}
	offset, length, flags := slotEntry(buf, slot)
	if flags&(slotFlagTombstone|slotFlagFree) != 0 {
		return fmt.Errorf("%w: slot %d is deleted", ErrNotFound, slot)
	}
	setSlotEntry(buf, slot, offset, length, slotFlagTombstone)
	binary.LittleEndian.PutUint16(buf[dataOffLiveCount:], dataLiveCount(buf)-1)
	return nil
}

// dataUpdateInPlace overwrites the body when the new record fits the
// slot's capacity, reporting false otherwise.
func dataUpdateInPlace(buf []byte, slot uint16, record []byte) (bool, error) {
	if slot >= dataSlotCount(buf) {
		return false, fmt.Errorf("%w: slot %d out of range", ErrNotFound, slot)
	}
	offset, length, flags := slotEntry(buf, slot)
	if flags&(slotFlagTombstone|slotFlagFree) != 0 {
		return false, fmt.Errorf("%w: slot %d is deleted", ErrNotFound, slot)
	}
	if len(record) > int(length) {
		return false, nil
	}
	copy(buf[offset:int(offset)+len(record)], record)
	return true, nil
}

// dataDeadBytes returns the body bytes held by tombstoned slots.
// In-place update slack is not counted, only whole tombstones.
func dataDeadBytes(buf []byte) int {
	dead := 0
	for slot := uint16(0); slot < dataSlotCount(buf); slot++ {
		if _, length, flags := slotEntry(buf, slot); flags&slotFlagTombstone != 0 {
			dead += int(length)
		}
	}
	return dead
}

// dataCompact reclaims tombstoned space: live bodies are shifted toward
// the page end, the slot directory is rewritten in place so live slot
// indexes (and thus RecordIDs) stay stable, tombstoned slots become
// reusable and their RecordIDs are invalidated.
func dataCompact(buf []byte) {
	slotCount := dataSlotCount(buf)

	var scratch [PageSize]byte
	bodyStart := PageSize
	for slot := uint16(0); slot < slotCount; slot++ {
		offset, length, flags := slotEntry(buf, slot)
		if flags&(slotFlagTombstone|slotFlagFree) != 0 {
			setSlotEntry(buf, slot, 0, 0, slotFlagFree)
			continue
		}
		bodyStart -= int(length)
		copy(scratch[bodyStart:], buf[offset:offset+length])
		setSlotEntry(buf, slot, uint16(bodyStart), length, 0)
	}

	copy(buf[bodyStart:], scratch[bodyStart:])
	binary.LittleEndian.PutUint16(buf[dataOffBodyStart:], uint16(bodyStart))
}
