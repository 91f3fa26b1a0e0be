package quarry

import (
	"context"
	"errors"
	"fmt"
)

// ScanPosition is a resumable table scan position: the next page and
// slot to visit. Positions survive engine restarts but not compaction,
// a compacted page may reuse slot indexes.
type ScanPosition struct {
	PageNo PageNo
	Slot   uint16
}

// TableScanner walks a table's pages in physical order and yields live
// records lazily. Abandoning a scanner at any point needs no cleanup,
// pages are only pinned for the duration of a single Next call.
type TableScanner struct {
	rm        *RecordManager
	table     *Table
	pageCount PageNo
	pos       ScanPosition
}

// Scan starts a full-table scan.
func (rm *RecordManager) Scan(ctx context.Context, tableID TableID) (*TableScanner, error) {
	return rm.ScanFrom(ctx, tableID, ScanPosition{PageNo: MetaPageNo + 1})
}

// ScanFrom resumes a scan at a previously saved position.
func (rm *RecordManager) ScanFrom(ctx context.Context, tableID TableID, pos ScanPosition) (*TableScanner, error) {
	aTable, ok := rm.TableByID(tableID)
	if !ok {
		return nil, fmt.Errorf("%w: table %d", ErrNotFound, tableID)
	}
	pageCount, err := rm.disk.PageCount(tableID)
	if err != nil {
		return nil, err
	}
	if pos.PageNo <= MetaPageNo {
		pos = ScanPosition{PageNo: MetaPageNo + 1}
	}
	return &TableScanner{rm: rm, table: aTable, pageCount: pageCount, pos: pos}, nil
}

// Position returns the position the next call to Next would visit.
func (s *TableScanner) Position() ScanPosition {
	return s.pos
}

// Next returns the next live record, or ErrNoMoreRows when the scan is
// exhausted.
func (s *TableScanner) Next(ctx context.Context) (RecordID, Row, error) {
	for s.pos.PageNo < s.pageCount {
		if err := ctx.Err(); err != nil {
			return RecordID{}, Row{}, err
		}

		id := PageID{FileID: s.table.ID, PageNo: s.pos.PageNo}
		rid, aRow, err := s.nextOnPage(ctx, id)
		if err == nil {
			return rid, aRow, nil
		}
		if !errors.Is(err, ErrNoMoreRows) {
			return RecordID{}, Row{}, err
		}
		s.pos = ScanPosition{PageNo: s.pos.PageNo + 1}
	}
	return RecordID{}, Row{}, ErrNoMoreRows
}

// nextOnPage scans the remaining slots of one page.
func (s *TableScanner) nextOnPage(ctx context.Context, id PageID) (RecordID, Row, error) {
	f, err := s.rm.pool.Pin(ctx, id)
	if errors.Is(err, ErrInvalidPage) {
		return RecordID{}, Row{}, ErrNoMoreRows // free-listed page
	}
	if err != nil {
		return RecordID{}, Row{}, err
	}
	defer s.rm.pool.Unpin(f, false)

	f.RLock()
	defer f.RUnlock()
	buf := f.Data()
	if typeOfPage(buf) != pageTypeData || dataBodyStart(buf) == 0 {
		return RecordID{}, Row{}, ErrNoMoreRows
	}

	for slot := s.pos.Slot; slot < dataSlotCount(buf); slot++ {
		body, err := dataRead(buf, slot)
		if errors.Is(err, ErrNotFound) {
			continue // tombstoned or reusable slot
		}
		if err != nil {
			return RecordID{}, Row{}, err
		}
		aRow, err := UnmarshalRow(s.table.Columns, body)
		if err != nil {
			return RecordID{}, Row{}, fmt.Errorf("page %s slot %d: %w", id, slot, err)
		}
		s.pos.Slot = slot + 1
		return RecordID{PageID: id, Slot: slot}, aRow, nil
	}
	return RecordID{}, Row{}, ErrNoMoreRows
}
