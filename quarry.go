// Package quarry is an embeddable storage engine core: slotted record
// pages behind a pinning buffer pool, single-column B+tree indexes and
// table statistics for selectivity estimation. It stores each table and
// index in its own file inside a data directory.
package quarry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/quarrydb/quarry/internal/pkg/logging"
	storage "github.com/quarrydb/quarry/internal/quarry"
)

// Re-exported storage types, callers build rows and schemas from these.
type (
	Column        = storage.Column
	ColumnKind    = storage.ColumnKind
	OptionalValue = storage.OptionalValue
	Row           = storage.Row
	Table         = storage.Table
	TableID       = storage.TableID
	RecordID      = storage.RecordID
	ScanPosition  = storage.ScanPosition
	TableScanner  = storage.TableScanner
	IndexInfo     = storage.IndexInfo
	ColumnStats   = storage.ColumnStats
	PredicateOp   = storage.PredicateOp
)

const (
	Int4    = storage.Int4
	Int8    = storage.Int8
	Real    = storage.Real
	Double  = storage.Double
	Varchar = storage.Varchar

	OpEquals         = storage.OpEquals
	OpNotEquals      = storage.OpNotEquals
	OpLess           = storage.OpLess
	OpLessOrEqual    = storage.OpLessOrEqual
	OpGreater        = storage.OpGreater
	OpGreaterOrEqual = storage.OpGreaterOrEqual

	PageSize = storage.PageSize
)

var (
	ErrIOFault                 = storage.ErrIOFault
	ErrCorruptPage             = storage.ErrCorruptPage
	ErrInvalidPage             = storage.ErrInvalidPage
	ErrNotFound                = storage.ErrNotFound
	ErrBufferPoolExhausted     = storage.ErrBufferPoolExhausted
	ErrDuplicateKey            = storage.ErrDuplicateKey
	ErrNoMoreRows              = storage.ErrNoMoreRows
	ErrTableExists             = storage.ErrTableExists
	ErrIndexExists             = storage.ErrIndexExists
	ErrRecordTooLarge          = storage.ErrRecordTooLarge
	ErrStructuralInconsistency = storage.ErrStructuralInconsistency
)

// NewRow builds an empty row over a table's schema.
func NewRow(columns []Column) Row {
	return storage.NewRow(columns)
}

// NewValue wraps a non-NULL column value.
func NewValue(value any) OptionalValue { return storage.NewValue(value) }

// NullValue is a NULL column value.
func NullValue() OptionalValue { return storage.NullValue() }

type engineConfig struct {
	logger           *zap.Logger
	poolSize         int
	compactThreshold float64
	histogramBuckets int
	refreshThreshold float64
	indexOrder       int
	registry         prometheus.Registerer
}

type Option func(*engineConfig)

// WithLogger replaces the default production logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *engineConfig) { c.logger = logger }
}

// WithBufferPoolSize sets the number of page frames kept in memory.
func WithBufferPoolSize(frames int) Option {
	return func(c *engineConfig) { c.poolSize = frames }
}

// WithCompactionThreshold sets the dead-byte fraction past which a
// record page is compacted in place.
func WithCompactionThreshold(threshold float64) Option {
	return func(c *engineConfig) { c.compactThreshold = threshold }
}

// WithHistogramBuckets sets the equal-depth bucket count statistics
// refreshes build.
func WithHistogramBuckets(buckets int) Option {
	return func(c *engineConfig) { c.histogramBuckets = buckets }
}

// WithStatsRefreshThreshold sets the modified-row fraction past which
// table statistics are reported stale.
func WithStatsRefreshThreshold(threshold float64) Option {
	return func(c *engineConfig) { c.refreshThreshold = threshold }
}

// WithIndexOrder sets the maximum number of children per B+tree node
// for newly created indexes.
func WithIndexOrder(order int) Option {
	return func(c *engineConfig) { c.indexOrder = order }
}

// WithMetricsRegistry registers the engine's counters with a Prometheus
// registry.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(c *engineConfig) { c.registry = reg }
}

// Engine ties the storage layers together over one data directory and
// keeps indexes in step with record writes.
type Engine struct {
	logger *zap.Logger

	disk    *storage.DiskManager
	pool    *storage.BufferPool
	records *storage.RecordManager
	indexes *storage.IndexManager
	stats   *storage.StatsManager

	mu     sync.Mutex
	closed bool
}

// Open opens the engine over a data directory, creating it when
// missing. Existing table and index files in the directory are loaded.
func Open(ctx context.Context, dir string, opts ...Option) (*Engine, error) {
	cfg := engineConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		logger, err := logging.NewLogger("")
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		cfg.logger = logger
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	metrics := storage.NewMetrics()
	if cfg.registry != nil {
		if err := metrics.Register(cfg.registry); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	disk := storage.NewDiskManager(cfg.logger, metrics)
	pool := storage.NewBufferPool(cfg.logger, metrics, disk, cfg.poolSize)
	stats := storage.NewStatsManager(cfg.logger, cfg.histogramBuckets, cfg.refreshThreshold)
	records := storage.NewRecordManager(cfg.logger, disk, pool, stats, dir, cfg.compactThreshold)
	indexes := storage.NewIndexManager(cfg.logger, disk, pool, records, dir, cfg.indexOrder)

	e := &Engine{
		logger:  cfg.logger,
		disk:    disk,
		pool:    pool,
		records: records,
		indexes: indexes,
		stats:   stats,
	}
	if err := e.loadDirectory(ctx, dir); err != nil {
		return nil, multierr.Append(err, disk.Close())
	}
	cfg.logger.Info("opened storage engine",
		zap.String("dir", dir),
		zap.Int("buffer_pool_frames", pool.Size()))
	return e, nil
}

// loadDirectory opens table files before index files so every index
// finds the table it covers.
func (e *Engine) loadDirectory(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read data directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), storage.TableFileSuffix) {
			continue
		}
		if _, err := e.records.OpenTable(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), storage.IndexFileSuffix) {
			continue
		}
		if _, err := e.indexes.OpenIndex(ctx, filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes every dirty page and closes the underlying files.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.pool.FlushAll(ctx)
	return multierr.Append(err, e.disk.Close())
}

// CreateTable creates a table with the given schema.
func (e *Engine) CreateTable(ctx context.Context, name string, columns []Column) (*Table, error) {
	return e.records.CreateTable(ctx, name, columns)
}

// DropTable drops a table, the indexes covering it are dropped first.
func (e *Engine) DropTable(ctx context.Context, name string) error {
	for _, info := range e.indexes.TableIndexes(name) {
		if err := e.indexes.DropIndex(ctx, info.Name); err != nil {
			return err
		}
	}
	return e.records.DropTable(ctx, name)
}

// Table returns an open table by name.
func (e *Engine) Table(name string) (*Table, bool) {
	return e.records.Table(name)
}

// ListTables returns the names of all open tables.
func (e *Engine) ListTables() []string {
	return e.records.ListTables()
}

// TableSchema returns the column definitions of an open table.
func (e *Engine) TableSchema(tableName string) ([]Column, bool) {
	aTable, ok := e.records.Table(tableName)
	if !ok {
		return nil, false
	}
	return aTable.Columns, true
}

// Insert stores the row and adds it to the table's indexes. When a
// unique index rejects the row the record is removed again and no
// change remains visible.
func (e *Engine) Insert(ctx context.Context, tableName string, aRow Row) (RecordID, error) {
	aTable, ok := e.records.Table(tableName)
	if !ok {
		return RecordID{}, fmt.Errorf("%w: table %q", ErrNotFound, tableName)
	}
	rid, err := e.records.Insert(ctx, aTable.ID, aRow)
	if err != nil {
		return RecordID{}, err
	}
	if err := e.indexes.InsertEntry(ctx, tableName, aRow, rid); err != nil {
		if undoErr := e.records.Delete(ctx, rid); undoErr != nil {
			e.logger.Error("failed to undo insert after index rejection",
				zap.String("record", rid.String()),
				zap.Error(undoErr))
		}
		return RecordID{}, err
	}
	return rid, nil
}

// Fetch reads one row by record id.
func (e *Engine) Fetch(ctx context.Context, rid RecordID) (Row, error) {
	return e.records.Fetch(ctx, rid)
}

// Update replaces the row at rid and returns its possibly new record
// id, updates that no longer fit their page relocate the record. When a
// unique index rejects the new row the old row is put back and stays
// indexed.
func (e *Engine) Update(ctx context.Context, rid RecordID, aRow Row) (RecordID, error) {
	aTable, ok := e.records.TableByID(rid.Table())
	if !ok {
		return RecordID{}, fmt.Errorf("%w: table %d", ErrNotFound, rid.Table())
	}
	oldRow, err := e.records.Fetch(ctx, rid)
	if err != nil {
		return RecordID{}, err
	}
	if err := e.indexes.DeleteEntry(ctx, aTable.Name, oldRow, rid); err != nil {
		return RecordID{}, err
	}
	newRid, err := e.records.Update(ctx, rid, aRow)
	if err != nil {
		e.reindexRow(ctx, aTable.Name, oldRow, rid)
		return RecordID{}, err
	}
	if err := e.indexes.InsertEntry(ctx, aTable.Name, aRow, newRid); err != nil {
		restoredRid, undoErr := e.records.Update(ctx, newRid, oldRow)
		if undoErr != nil {
			e.logger.Error("failed to undo update after index rejection",
				zap.String("record", newRid.String()),
				zap.Error(undoErr))
			return RecordID{}, err
		}
		e.reindexRow(ctx, aTable.Name, oldRow, restoredRid)
		return RecordID{}, err
	}
	return newRid, nil
}

// reindexRow puts a row's index entries back while undoing a failed
// update. Failures here cannot be recovered from, only reported.
func (e *Engine) reindexRow(ctx context.Context, tableName string, aRow Row, rid RecordID) {
	if err := e.indexes.InsertEntry(ctx, tableName, aRow, rid); err != nil {
		e.logger.Error("failed to restore index entries after failed update",
			zap.String("record", rid.String()),
			zap.Error(err))
	}
}

// Delete removes the row at rid and its index entries.
func (e *Engine) Delete(ctx context.Context, rid RecordID) error {
	aTable, ok := e.records.TableByID(rid.Table())
	if !ok {
		return fmt.Errorf("%w: table %d", ErrNotFound, rid.Table())
	}
	oldRow, err := e.records.Fetch(ctx, rid)
	if err != nil {
		return err
	}
	if err := e.records.Delete(ctx, rid); err != nil {
		return err
	}
	return e.indexes.DeleteEntry(ctx, aTable.Name, oldRow, rid)
}

// Scan returns a scanner over all live rows of a table.
func (e *Engine) Scan(ctx context.Context, tableName string) (*TableScanner, error) {
	aTable, ok := e.records.Table(tableName)
	if !ok {
		return nil, fmt.Errorf("%w: table %q", ErrNotFound, tableName)
	}
	return e.records.Scan(ctx, aTable.ID)
}

// ScanFrom resumes a scan at a previously saved position.
func (e *Engine) ScanFrom(ctx context.Context, tableName string, pos ScanPosition) (*TableScanner, error) {
	aTable, ok := e.records.Table(tableName)
	if !ok {
		return nil, fmt.Errorf("%w: table %q", ErrNotFound, tableName)
	}
	return e.records.ScanFrom(ctx, aTable.ID, pos)
}

// CompactTable rewrites pages with tombstoned records to reclaim space.
func (e *Engine) CompactTable(ctx context.Context, tableName string) error {
	aTable, ok := e.records.Table(tableName)
	if !ok {
		return fmt.Errorf("%w: table %q", ErrNotFound, tableName)
	}
	return e.records.CompactTable(ctx, aTable.ID)
}

// CreateIndex builds an index over one column of a table, backfilling
// it from existing rows.
func (e *Engine) CreateIndex(ctx context.Context, name, tableName, columnName string, unique bool) (*IndexInfo, error) {
	return e.indexes.CreateIndex(ctx, name, tableName, columnName, unique)
}

// DropIndex removes an index and its file.
func (e *Engine) DropIndex(ctx context.Context, name string) error {
	return e.indexes.DropIndex(ctx, name)
}

// IndexLookup returns the record ids of rows whose indexed column
// equals value.
func (e *Engine) IndexLookup(ctx context.Context, indexName string, value any) ([]RecordID, error) {
	return e.indexes.Lookup(ctx, indexName, value)
}

// IndexRangeScan visits record ids with lower <= column <= upper in
// ascending key order, either bound may be nil.
func (e *Engine) IndexRangeScan(ctx context.Context, indexName string, lower, upper any, fn func(rid RecordID) error) error {
	return e.indexes.RangeScan(ctx, indexName, lower, upper, fn)
}

// RefreshStats rescans the table and rebuilds its statistics.
func (e *Engine) RefreshStats(ctx context.Context, tableName string) error {
	aTable, ok := e.records.Table(tableName)
	if !ok {
		return fmt.Errorf("%w: table %q", ErrNotFound, tableName)
	}
	return e.stats.Refresh(ctx, aTable.ID)
}

// StatsNeedRefresh reports whether enough rows changed since the last
// refresh to make the table's statistics stale.
func (e *Engine) StatsNeedRefresh(tableName string) bool {
	aTable, ok := e.records.Table(tableName)
	if !ok {
		return false
	}
	return e.stats.NeedsRefresh(aTable.ID)
}

// EstimateSelectivity returns the estimated fraction of the table's
// rows matching a single-column comparison.
func (e *Engine) EstimateSelectivity(tableName, columnName string, op PredicateOp, value any) float64 {
	aTable, ok := e.records.Table(tableName)
	if !ok {
		return 1
	}
	return e.stats.Estimate(aTable.ID, columnName, op, value)
}

// ColumnStatistics returns the column's summary from the last refresh.
func (e *Engine) ColumnStatistics(tableName, columnName string) (ColumnStats, bool) {
	aTable, ok := e.records.Table(tableName)
	if !ok {
		return ColumnStats{}, false
	}
	return e.stats.ColumnStats(aTable.ID, columnName)
}

// RowCount returns the incrementally maintained live row count.
func (e *Engine) RowCount(tableName string) int64 {
	aTable, ok := e.records.Table(tableName)
	if !ok {
		return 0
	}
	return e.stats.RowCount(aTable.ID)
}

// ValidateIndex checks the structural invariants of one index.
func (e *Engine) ValidateIndex(ctx context.Context, name string) error {
	return e.indexes.Validate(ctx, name)
}

// FlushAll writes every dirty buffered page back to disk.
func (e *Engine) FlushAll(ctx context.Context) error {
	return e.pool.FlushAll(ctx)
}
