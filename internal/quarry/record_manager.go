package quarry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const (
	// TableFileSuffix is appended to a table's name to form its file name.
	TableFileSuffix = ".qt"

	// DefaultCompactionThreshold is the tombstoned-space ratio above
	// which a page is compacted on the next delete touching it.
	DefaultCompactionThreshold = 0.25

	// maxRecordSize is the largest body a single page can hold.
	maxRecordSize = PageSize - dataPageHeaderSize - slotSize
)

// RecordManager maps logical tuples to page slots: insert, fetch,
// update, delete and scan, plus the table catalog. All page access goes
// through the buffer pool, the pin plus page latch is the only exclusion
// used here, row-level locking belongs to the caller.
type RecordManager struct {
	logger  *zap.Logger
	disk    *DiskManager
	pool    *BufferPool
	stats   *StatsManager
	dir     string
	compact float64

	mu     sync.RWMutex
	tables map[TableID]*Table
	byName map[string]TableID
}

func NewRecordManager(logger *zap.Logger, disk *DiskManager, pool *BufferPool, stats *StatsManager, dir string, compactionThreshold float64) *RecordManager {
	if compactionThreshold <= 0 || compactionThreshold >= 1 {
		compactionThreshold = DefaultCompactionThreshold
	}
	rm := &RecordManager{
		logger:  logger,
		disk:    disk,
		pool:    pool,
		stats:   stats,
		dir:     dir,
		compact: compactionThreshold,
		tables:  make(map[TableID]*Table),
		byName:  make(map[string]TableID),
	}
	if stats != nil {
		stats.bind(rm)
	}
	return rm
}

// CreateTable creates the table file with the schema persisted in its
// meta page and registers the table.
func (rm *RecordManager) CreateTable(ctx context.Context, name string, columns []Column) (*Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, exists := rm.byName[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTableExists, name)
	}

	blob, err := marshalTableSchema(name, columns)
	if err != nil {
		return nil, err
	}
	fileID, err := rm.disk.CreateFile(filepath.Join(rm.dir, name+TableFileSuffix), fileKindTable, blob)
	if err != nil {
		return nil, err
	}

	// Keep the in-memory schema identical to what a reopen would read
	// back from the meta page.
	cols := append([]Column(nil), columns...)
	for i := range cols {
		if cols[i].Kind != Varchar {
			cols[i].Size = cols[i].Kind.fixedSize()
		}
	}
	aTable := &Table{ID: fileID, Name: name, Columns: cols}
	rm.tables[fileID] = aTable
	rm.byName[name] = fileID

	rm.logger.Info("created table",
		zap.String("table", name),
		zap.Uint32("file_id", uint32(fileID)),
		zap.Int("columns", len(columns)))

	return aTable, nil
}

// OpenTable registers an existing table file, reading the schema back
// from its meta page. Called for every table file found on engine open.
func (rm *RecordManager) OpenTable(path string) (*Table, error) {
	fileID, err := rm.disk.OpenFile(path)
	if err != nil {
		return nil, err
	}
	blob, err := rm.disk.Extra(fileID)
	if err != nil {
		return nil, err
	}
	name, columns, err := unmarshalTableSchema(blob)
	if err != nil {
		return nil, fmt.Errorf("table file %s: %w", path, err)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	aTable := &Table{ID: fileID, Name: name, Columns: columns}
	rm.tables[fileID] = aTable
	rm.byName[name] = fileID
	return aTable, nil
}

// DropTable removes the table and its file. The caller drops dependent
// indexes first.
func (rm *RecordManager) DropTable(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	tableID, ok := rm.byName[name]
	if !ok {
		return fmt.Errorf("%w: table %s", ErrNotFound, name)
	}
	if err := rm.pool.InvalidateFile(tableID); err != nil {
		return err
	}
	if err := rm.disk.RemoveFile(tableID); err != nil {
		return err
	}
	delete(rm.tables, tableID)
	delete(rm.byName, name)
	if rm.stats != nil {
		rm.stats.forget(tableID)
	}
	rm.logger.Info("dropped table", zap.String("table", name))
	return nil
}

func (rm *RecordManager) Table(name string) (*Table, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	tableID, ok := rm.byName[name]
	if !ok {
		return nil, false
	}
	return rm.tables[tableID], true
}

func (rm *RecordManager) TableByID(tableID TableID) (*Table, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	aTable, ok := rm.tables[tableID]
	return aTable, ok
}

func (rm *RecordManager) ListTables() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	names := make([]string, 0, len(rm.byName))
	for name := range rm.byName {
		names = append(names, name)
	}
	return names
}

// Insert places the row on a page with sufficient free space, trying the
// free-space hints first and allocating a new page when none fits.
func (rm *RecordManager) Insert(ctx context.Context, tableID TableID, aRow Row) (RecordID, error) {
	aTable, ok := rm.TableByID(tableID)
	if !ok {
		return RecordID{}, fmt.Errorf("%w: table %d", ErrNotFound, tableID)
	}

	record, err := aRow.Marshal()
	if err != nil {
		return RecordID{}, err
	}
	if len(record) > maxRecordSize {
		return RecordID{}, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(record))
	}

	for _, hint := range aTable.hintPages() {
		id := PageID{FileID: tableID, PageNo: hint}
		slot, ok, err := rm.tryInsert(ctx, id, record)
		if err != nil {
			return RecordID{}, err
		}
		if ok {
			rid := RecordID{PageID: id, Slot: slot}
			if rm.stats != nil {
				rm.stats.RecordWrite(tableID, nil, &aRow)
			}
			return rid, nil
		}
		aTable.dropHint(hint)
	}

	id, err := rm.disk.AllocatePage(tableID, pageTypeData)
	if err != nil {
		return RecordID{}, err
	}
	slot, ok, err := rm.tryInsert(ctx, id, record)
	if err != nil {
		return RecordID{}, err
	}
	if !ok {
		return RecordID{}, fmt.Errorf("%w: fresh page cannot hold %d bytes", ErrRecordTooLarge, len(record))
	}
	aTable.addHint(id.PageNo)

	rid := RecordID{PageID: id, Slot: slot}
	if rm.stats != nil {
		rm.stats.RecordWrite(tableID, nil, &aRow)
	}
	return rid, nil
}

// tryInsert pins the page and inserts the record if it fits.
func (rm *RecordManager) tryInsert(ctx context.Context, id PageID, record []byte) (uint16, bool, error) {
	f, err := rm.pool.Pin(ctx, id)
	if err != nil {
		return 0, false, err
	}

	f.Lock()
	buf := f.Data()
	if dataBodyStart(buf) == 0 {
		// Freshly allocated page, not yet formatted.
		initDataPage(buf)
	}
	if dataFreeSpace(buf) < len(record) {
		f.Unlock()
		rm.pool.Unpin(f, false)
		return 0, false, nil
	}
	slot, err := dataInsert(buf, record)
	f.Unlock()
	if err != nil {
		rm.pool.Unpin(f, false)
		return 0, false, err
	}
	rm.pool.Unpin(f, true)
	return slot, true, nil
}

// Fetch returns the row stored under the record id.
func (rm *RecordManager) Fetch(ctx context.Context, rid RecordID) (Row, error) {
	aTable, ok := rm.TableByID(rid.Table())
	if !ok {
		return Row{}, fmt.Errorf("%w: table %d", ErrNotFound, rid.Table())
	}

	f, err := rm.pool.Pin(ctx, rid.PageID)
	if err != nil {
		return Row{}, err
	}
	defer rm.pool.Unpin(f, false)

	f.RLock()
	defer f.RUnlock()
	body, err := dataRead(f.Data(), rid.Slot)
	if err != nil {
		return Row{}, fmt.Errorf("record %s: %w", rid, err)
	}
	return UnmarshalRow(aTable.Columns, body)
}

// Update rewrites the row in place when the new image fits the slot,
// otherwise it tombstones the old slot and reinserts, returning the new
// record id. Callers holding index entries must re-key on relocation.
func (rm *RecordManager) Update(ctx context.Context, rid RecordID, aRow Row) (RecordID, error) {
	aTable, ok := rm.TableByID(rid.Table())
	if !ok {
		return RecordID{}, fmt.Errorf("%w: table %d", ErrNotFound, rid.Table())
	}

	record, err := aRow.Marshal()
	if err != nil {
		return RecordID{}, err
	}
	if len(record) > maxRecordSize {
		return RecordID{}, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(record))
	}

	f, err := rm.pool.Pin(ctx, rid.PageID)
	if err != nil {
		return RecordID{}, err
	}

	f.Lock()
	buf := f.Data()
	body, err := dataRead(buf, rid.Slot)
	if err != nil {
		f.Unlock()
		rm.pool.Unpin(f, false)
		return RecordID{}, fmt.Errorf("record %s: %w", rid, err)
	}
	oldRow, err := UnmarshalRow(aTable.Columns, body)
	if err != nil {
		f.Unlock()
		rm.pool.Unpin(f, false)
		return RecordID{}, err
	}

	fits, err := dataUpdateInPlace(buf, rid.Slot, record)
	if err != nil {
		f.Unlock()
		rm.pool.Unpin(f, false)
		return RecordID{}, err
	}
	if fits {
		f.Unlock()
		rm.pool.Unpin(f, true)
		if rm.stats != nil {
			rm.stats.RecordWrite(rid.Table(), &oldRow, &aRow)
		}
		return rid, nil
	}

	// Oversized update: tombstone and relocate.
	if err := dataDelete(buf, rid.Slot); err != nil {
		f.Unlock()
		rm.pool.Unpin(f, false)
		return RecordID{}, err
	}
	f.Unlock()
	rm.pool.Unpin(f, true)
	aTable.addHint(rid.PageID.PageNo)

	newRID, err := rm.Insert(ctx, rid.Table(), aRow)
	if err != nil {
		return RecordID{}, fmt.Errorf("relocate record %s: %w", rid, err)
	}
	if rm.stats != nil {
		// Insert already counted the new image, account the removal.
		rm.stats.RecordWrite(rid.Table(), &oldRow, nil)
	}
	rm.logger.Debug("relocated record",
		zap.String("old", rid.String()),
		zap.String("new", newRID.String()))
	return newRID, nil
}

// Delete tombstones the record. The page is compacted right away when
// its tombstoned-space ratio passes the threshold.
func (rm *RecordManager) Delete(ctx context.Context, rid RecordID) error {
	aTable, ok := rm.TableByID(rid.Table())
	if !ok {
		return fmt.Errorf("%w: table %d", ErrNotFound, rid.Table())
	}

	f, err := rm.pool.Pin(ctx, rid.PageID)
	if err != nil {
		return err
	}

	f.Lock()
	buf := f.Data()
	body, err := dataRead(buf, rid.Slot)
	if err != nil {
		f.Unlock()
		rm.pool.Unpin(f, false)
		return fmt.Errorf("record %s: %w", rid, err)
	}
	oldRow, err := UnmarshalRow(aTable.Columns, body)
	if err != nil {
		f.Unlock()
		rm.pool.Unpin(f, false)
		return err
	}
	if err := dataDelete(buf, rid.Slot); err != nil {
		f.Unlock()
		rm.pool.Unpin(f, false)
		return err
	}
	if float64(dataDeadBytes(buf))/float64(PageSize-dataPageHeaderSize) >= rm.compact {
		dataCompact(buf)
	}
	f.Unlock()
	rm.pool.Unpin(f, true)

	aTable.addHint(rid.PageID.PageNo)
	if rm.stats != nil {
		rm.stats.RecordWrite(rid.Table(), &oldRow, nil)
	}
	return nil
}

// CompactTable compacts every page of the table holding tombstoned
// space, invalidating the record ids of all tombstoned slots.
func (rm *RecordManager) CompactTable(ctx context.Context, tableID TableID) error {
	aTable, ok := rm.TableByID(tableID)
	if !ok {
		return fmt.Errorf("%w: table %d", ErrNotFound, tableID)
	}

	pageCount, err := rm.disk.PageCount(tableID)
	if err != nil {
		return err
	}
	for pageNo := MetaPageNo + 1; pageNo < pageCount; pageNo++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := PageID{FileID: tableID, PageNo: pageNo}
		f, err := rm.pool.Pin(ctx, id)
		if errors.Is(err, ErrInvalidPage) {
			continue // free-listed page
		}
		if err != nil {
			return err
		}
		f.Lock()
		buf := f.Data()
		dirty := false
		if typeOfPage(buf) == pageTypeData && dataDeadBytes(buf) > 0 {
			dataCompact(buf)
			dirty = true
		}
		if dirty && dataFreeSpace(buf) > 0 {
			aTable.addHint(pageNo)
		}
		f.Unlock()
		rm.pool.Unpin(f, dirty)
	}
	return nil
}
