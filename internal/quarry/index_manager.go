package quarry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// IndexFileSuffix is the extension of index files inside the data
// directory.
const IndexFileSuffix = ".qi"

// IndexInfo describes one single-column index.
type IndexInfo struct {
	Name    string
	Table   string
	Column  string
	Unique  bool
	KeyKind ColumnKind

	fileID  FileID
	colIdx  int
	maxKeys int
	tree    indexTree
}

// indexTree erases the key type of a B+tree so the manager can hold
// indexes over different column kinds in one map.
type indexTree interface {
	insertKey(ctx context.Context, value any, rid RecordID) error
	deleteKey(ctx context.Context, value any, rid RecordID) error
	lookupKey(ctx context.Context, value any) ([]RecordID, error)
	scanKeyRange(ctx context.Context, lower, upper any, fn func(rid RecordID) error) error
	validate(ctx context.Context) error
	rootPage() PageNo
}

// IndexManager creates, opens and maintains the B+tree indexes of a
// database. Every index covers exactly one column, NULL values are not
// indexed.
type IndexManager struct {
	logger *zap.Logger
	disk   *DiskManager
	pool   *BufferPool
	rm     *RecordManager
	dir    string
	order  int

	mu      sync.RWMutex
	indexes map[string]*IndexInfo
	byTable map[string][]*IndexInfo
}

func NewIndexManager(logger *zap.Logger, disk *DiskManager, pool *BufferPool, rm *RecordManager, dir string, order int) *IndexManager {
	if order == 0 {
		order = DefaultIndexOrder
	}
	return &IndexManager{
		logger:  logger,
		disk:    disk,
		pool:    pool,
		rm:      rm,
		dir:     dir,
		order:   order,
		indexes: make(map[string]*IndexInfo),
		byTable: make(map[string][]*IndexInfo),
	}
}

// CreateIndex creates the index file, registers the index and backfills
// it from the table's current rows. A unique index over a column with
// duplicates fails with ErrDuplicateKey and the index file is removed
// again.
func (im *IndexManager) CreateIndex(ctx context.Context, name, tableName, columnName string, unique bool) (*IndexInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	aTable, ok := im.rm.Table(tableName)
	if !ok {
		return nil, fmt.Errorf("%w: table %q", ErrNotFound, tableName)
	}
	colIdx := columnIndex(aTable.Columns, columnName)
	if colIdx < 0 {
		return nil, fmt.Errorf("%w: column %q of table %q", ErrNotFound, columnName, tableName)
	}
	aColumn := aTable.Columns[colIdx]

	im.mu.Lock()
	defer im.mu.Unlock()
	if _, exists := im.indexes[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrIndexExists, name)
	}

	maxKeys, err := indexOrderToMaxKeys(im.order, maxKeySizeFor(aColumn))
	if err != nil {
		return nil, fmt.Errorf("create index %q: %w", name, err)
	}

	info := &IndexInfo{
		Name:    name,
		Table:   tableName,
		Column:  columnName,
		Unique:  unique,
		KeyKind: aColumn.Kind,
		colIdx:  colIdx,
		maxKeys: maxKeys,
	}
	extra := marshalIndexDescriptor(info, 0)
	path := filepath.Join(im.dir, name+IndexFileSuffix)
	fileID, err := im.disk.CreateFile(path, fileKindIndex, extra)
	if err != nil {
		return nil, fmt.Errorf("create index %q: %w", name, err)
	}
	info.fileID = fileID
	info.tree = im.newTree(info, 0)

	if err := im.backfill(ctx, info); err != nil {
		im.pool.InvalidateFile(fileID)
		if removeErr := im.disk.RemoveFile(fileID); removeErr != nil {
			im.logger.Error("failed to remove half-built index file",
				zap.String("index", name), zap.Error(removeErr))
		}
		return nil, err
	}

	im.indexes[name] = info
	im.byTable[tableName] = append(im.byTable[tableName], info)
	im.logger.Info("created index",
		zap.String("index", name),
		zap.String("table", tableName),
		zap.String("column", columnName),
		zap.Bool("unique", unique),
		zap.Uint32("root", uint32(info.tree.rootPage())))
	return info, nil
}

// OpenIndex loads an existing index file and registers it.
func (im *IndexManager) OpenIndex(ctx context.Context, path string) (*IndexInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fileID, err := im.disk.OpenFile(path)
	if err != nil {
		return nil, err
	}
	extra, err := im.disk.Extra(fileID)
	if err != nil {
		return nil, err
	}
	info, root, err := unmarshalIndexDescriptor(extra)
	if err != nil {
		return nil, fmt.Errorf("open index file %s: %w", path, err)
	}
	info.fileID = fileID

	aTable, ok := im.rm.Table(info.Table)
	if !ok {
		return nil, fmt.Errorf("index %q references unknown table %q: %w", info.Name, info.Table, ErrNotFound)
	}
	colIdx := columnIndex(aTable.Columns, info.Column)
	if colIdx < 0 {
		return nil, fmt.Errorf("index %q: %w: column %q", info.Name, ErrNotFound, info.Column)
	}
	info.colIdx = colIdx
	info.tree = im.newTree(info, root)

	im.mu.Lock()
	defer im.mu.Unlock()
	if _, exists := im.indexes[info.Name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrIndexExists, info.Name)
	}
	im.indexes[info.Name] = info
	im.byTable[info.Table] = append(im.byTable[info.Table], info)
	im.logger.Info("opened index",
		zap.String("index", info.Name),
		zap.String("table", info.Table),
		zap.Uint32("root", uint32(info.tree.rootPage())))
	return info, nil
}

// DropIndex removes the index and deletes its file.
func (im *IndexManager) DropIndex(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	im.mu.Lock()
	defer im.mu.Unlock()
	info, ok := im.indexes[name]
	if !ok {
		return fmt.Errorf("%w: index %q", ErrNotFound, name)
	}
	if err := im.pool.InvalidateFile(info.fileID); err != nil {
		return err
	}
	if err := im.disk.RemoveFile(info.fileID); err != nil {
		return err
	}
	delete(im.indexes, name)
	siblings := im.byTable[info.Table]
	for i, sibling := range siblings {
		if sibling == info {
			im.byTable[info.Table] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	im.logger.Info("dropped index", zap.String("index", name))
	return nil
}

// Index returns a registered index by name.
func (im *IndexManager) Index(name string) (*IndexInfo, bool) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	info, ok := im.indexes[name]
	return info, ok
}

// TableIndexes returns the indexes covering a table.
func (im *IndexManager) TableIndexes(tableName string) []*IndexInfo {
	im.mu.RLock()
	defer im.mu.RUnlock()
	out := make([]*IndexInfo, len(im.byTable[tableName]))
	copy(out, im.byTable[tableName])
	return out
}

// Lookup returns the record ids of rows whose indexed column equals
// value.
func (im *IndexManager) Lookup(ctx context.Context, name string, value any) ([]RecordID, error) {
	info, ok := im.Index(name)
	if !ok {
		return nil, fmt.Errorf("%w: index %q", ErrNotFound, name)
	}
	return info.tree.lookupKey(ctx, value)
}

// RangeScan visits record ids with lower <= column <= upper in
// ascending key order. A nil bound leaves that side open.
func (im *IndexManager) RangeScan(ctx context.Context, name string, lower, upper any, fn func(rid RecordID) error) error {
	info, ok := im.Index(name)
	if !ok {
		return fmt.Errorf("%w: index %q", ErrNotFound, name)
	}
	return info.tree.scanKeyRange(ctx, lower, upper, fn)
}

// InsertEntry adds the row to every index on its table. NULL column
// values are skipped. Rolls back already-applied entries when a unique
// index rejects the row, so a failed insert leaves no stray entries.
func (im *IndexManager) InsertEntry(ctx context.Context, tableName string, aRow Row, rid RecordID) error {
	for i, info := range im.TableIndexes(tableName) {
		value, ok := indexedValue(aRow, info.colIdx)
		if !ok {
			continue
		}
		if err := info.tree.insertKey(ctx, value, rid); err != nil {
			im.rollbackEntries(ctx, tableName, aRow, rid, i)
			return fmt.Errorf("index %q: %w", info.Name, err)
		}
	}
	return nil
}

func (im *IndexManager) rollbackEntries(ctx context.Context, tableName string, aRow Row, rid RecordID, applied int) {
	for _, info := range im.TableIndexes(tableName)[:applied] {
		value, ok := indexedValue(aRow, info.colIdx)
		if !ok {
			continue
		}
		if err := info.tree.deleteKey(ctx, value, rid); err != nil {
			im.logger.Error("failed to roll back index entry",
				zap.String("index", info.Name),
				zap.String("record", rid.String()),
				zap.Error(err))
		}
	}
}

// DeleteEntry removes the row from every index on its table. Restores
// already-removed entries when a later index fails, so a failed delete
// leaves no index missing the row.
func (im *IndexManager) DeleteEntry(ctx context.Context, tableName string, aRow Row, rid RecordID) error {
	for i, info := range im.TableIndexes(tableName) {
		value, ok := indexedValue(aRow, info.colIdx)
		if !ok {
			continue
		}
		if err := info.tree.deleteKey(ctx, value, rid); err != nil {
			im.restoreEntries(ctx, tableName, aRow, rid, i)
			return fmt.Errorf("index %q: %w", info.Name, err)
		}
	}
	return nil
}

func (im *IndexManager) restoreEntries(ctx context.Context, tableName string, aRow Row, rid RecordID, applied int) {
	for _, info := range im.TableIndexes(tableName)[:applied] {
		value, ok := indexedValue(aRow, info.colIdx)
		if !ok {
			continue
		}
		if err := info.tree.insertKey(ctx, value, rid); err != nil {
			im.logger.Error("failed to restore index entry",
				zap.String("index", info.Name),
				zap.String("record", rid.String()),
				zap.Error(err))
		}
	}
}

// Validate checks the structural invariants of one index, tests and the
// inspection tool use it.
func (im *IndexManager) Validate(ctx context.Context, name string) error {
	info, ok := im.Index(name)
	if !ok {
		return fmt.Errorf("%w: index %q", ErrNotFound, name)
	}
	return info.tree.validate(ctx)
}

// backfill feeds every existing row of the table into a fresh index.
func (im *IndexManager) backfill(ctx context.Context, info *IndexInfo) error {
	aTable, ok := im.rm.Table(info.Table)
	if !ok {
		return fmt.Errorf("%w: table %q", ErrNotFound, info.Table)
	}
	scanner, err := im.rm.Scan(ctx, aTable.ID)
	if err != nil {
		return err
	}
	var entries int64
	for {
		rid, aRow, err := scanner.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrNoMoreRows) {
				break
			}
			return fmt.Errorf("backfill index %q: %w", info.Name, err)
		}
		value, ok := indexedValue(aRow, info.colIdx)
		if !ok {
			continue
		}
		if err := info.tree.insertKey(ctx, value, rid); err != nil {
			return fmt.Errorf("backfill index %q: %w", info.Name, err)
		}
		entries++
	}
	im.logger.Debug("backfilled index",
		zap.String("index", info.Name),
		zap.Int64("entries", entries))
	return nil
}

func indexedValue(aRow Row, colIdx int) (any, bool) {
	if colIdx >= len(aRow.Values) {
		return nil, false
	}
	value := aRow.Values[colIdx]
	if !value.Valid {
		return nil, false
	}
	return value.Value, true
}

func columnIndex(columns []Column, name string) int {
	for i, aColumn := range columns {
		if aColumn.Name == name {
			return i
		}
	}
	return -1
}

// maxKeySizeFor sizes the worst-case encoded key. Real keys are stored
// widened to float64, so they take 8 bytes despite the 4-byte column.
func maxKeySizeFor(aColumn Column) int {
	switch aColumn.Kind {
	case Varchar:
		return 2 + int(aColumn.Size)
	case Int4:
		return 4
	default:
		return 8
	}
}

// newTree instantiates the typed B+tree behind an index. Real columns
// are widened to float64 keys, the ordering is unchanged.
func (im *IndexManager) newTree(info *IndexInfo, root PageNo) indexTree {
	persist := func(newRoot PageNo) error {
		return im.disk.UpdateExtra(info.fileID, marshalIndexDescriptor(info, newRoot))
	}
	switch info.KeyKind {
	case Int4:
		return &typedTree[int32]{
			idx: newIndex[int32](im.logger, im.disk, im.pool, info.fileID, info.Name, info.Unique, info.maxKeys, root, persist),
			key: int32Key,
		}
	case Int8:
		return &typedTree[int64]{
			idx: newIndex[int64](im.logger, im.disk, im.pool, info.fileID, info.Name, info.Unique, info.maxKeys, root, persist),
			key: int64Key,
		}
	case Real, Double:
		return &typedTree[float64]{
			idx: newIndex[float64](im.logger, im.disk, im.pool, info.fileID, info.Name, info.Unique, info.maxKeys, root, persist),
			key: float64Key,
		}
	default:
		return &typedTree[string]{
			idx: newIndex[string](im.logger, im.disk, im.pool, info.fileID, info.Name, info.Unique, info.maxKeys, root, persist),
			key: stringKey,
		}
	}
}

// typedTree adapts a typed Index to the untyped indexTree interface.
type typedTree[T IndexKey] struct {
	idx *Index[T]
	key func(any) (T, error)
}

func (t *typedTree[T]) insertKey(ctx context.Context, value any, rid RecordID) error {
	key, err := t.key(value)
	if err != nil {
		return err
	}
	return t.idx.Insert(ctx, key, rid)
}

func (t *typedTree[T]) deleteKey(ctx context.Context, value any, rid RecordID) error {
	key, err := t.key(value)
	if err != nil {
		return err
	}
	return t.idx.Delete(ctx, key, rid)
}

func (t *typedTree[T]) lookupKey(ctx context.Context, value any) ([]RecordID, error) {
	key, err := t.key(value)
	if err != nil {
		return nil, err
	}
	return t.idx.Lookup(ctx, key)
}

func (t *typedTree[T]) scanKeyRange(ctx context.Context, lower, upper any, fn func(rid RecordID) error) error {
	var low, high *T
	if lower != nil {
		key, err := t.key(lower)
		if err != nil {
			return err
		}
		low = &key
	}
	if upper != nil {
		key, err := t.key(upper)
		if err != nil {
			return err
		}
		high = &key
	}
	return t.idx.ScanRange(ctx, low, high, func(_ T, rid RecordID) error {
		return fn(rid)
	})
}

func (t *typedTree[T]) validate(ctx context.Context) error {
	return t.idx.Validate(ctx)
}

func (t *typedTree[T]) rootPage() PageNo {
	return t.idx.Root()
}

func int32Key(value any) (int32, error) {
	switch v := value.(type) {
	case int32:
		return v, nil
	case int64:
		return int32(v), nil
	case int:
		return int32(v), nil
	}
	return 0, fmt.Errorf("cannot use %T as an int4 index key", value)
}

func int64Key(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	}
	return 0, fmt.Errorf("cannot use %T as an int8 index key", value)
}

func float64Key(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	}
	return 0, fmt.Errorf("cannot use %T as a floating point index key", value)
}

func stringKey(value any) (string, error) {
	if v, ok := value.(string); ok {
		return v, nil
	}
	return "", fmt.Errorf("cannot use %T as a varchar index key", value)
}

// Index descriptor blob stored in the index file's meta page:
// name, table, column as length-prefixed strings, then key kind,
// unique flag, max keys per node and the root page number.
func marshalIndexDescriptor(info *IndexInfo, root PageNo) []byte {
	buf := make([]byte, 0, 64)
	buf = appendString(buf, info.Name)
	buf = appendString(buf, info.Table)
	buf = appendString(buf, info.Column)
	buf = append(buf, byte(info.KeyKind))
	if info.Unique {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(info.maxKeys))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(root))
	return buf
}

func unmarshalIndexDescriptor(buf []byte) (*IndexInfo, PageNo, error) {
	info := &IndexInfo{}
	var err error
	if info.Name, buf, err = consumeString(buf); err != nil {
		return nil, 0, fmt.Errorf("index name: %w", err)
	}
	if info.Table, buf, err = consumeString(buf); err != nil {
		return nil, 0, fmt.Errorf("table name: %w", err)
	}
	if info.Column, buf, err = consumeString(buf); err != nil {
		return nil, 0, fmt.Errorf("column name: %w", err)
	}
	if len(buf) < 8 {
		return nil, 0, fmt.Errorf("index descriptor truncated")
	}
	info.KeyKind = ColumnKind(buf[0])
	info.Unique = buf[1] == 1
	info.maxKeys = int(binary.LittleEndian.Uint16(buf[2:]))
	root := PageNo(binary.LittleEndian.Uint32(buf[4:]))
	return info, root, nil
}
