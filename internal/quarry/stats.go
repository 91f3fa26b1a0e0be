package quarry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultHistogramBuckets is the equal-depth bucket count used by
	// Refresh unless configured otherwise.
	DefaultHistogramBuckets = 16

	// DefaultStatsRefreshThreshold is the fraction of a table's rows
	// that may be modified before NeedsRefresh starts reporting true.
	DefaultStatsRefreshThreshold = 0.2

	// Uniform selectivity guesses for predicates we have no statistics
	// for. Both bounds present is assumed fairly selective, a single
	// bound covers about half the data, no bounds is a full scan.
	selectivityBothBounds = 0.3
	selectivityOneBound   = 0.5
	selectivityFullScan   = 1.0
)

// PredicateOp is a comparison against a single column value.
type PredicateOp uint8

const (
	OpEquals PredicateOp = iota + 1
	OpNotEquals
	OpLess
	OpLessOrEqual
	OpGreater
	OpGreaterOrEqual
)

// ColumnStats is the per-column summary Refresh produces.
type ColumnStats struct {
	RowCount  int64
	NullCount int64
	Distinct  int64
	Min, Max  any
	Histogram *Histogram // nil for varchar columns
}

// NullFraction returns the fraction of NULL values in the column.
func (s *ColumnStats) NullFraction() float64 {
	if s.RowCount == 0 {
		return 0
	}
	return float64(s.NullCount) / float64(s.RowCount)
}

type tableStats struct {
	rowCount     int64 // maintained incrementally
	modCount     int64 // writes since the last refresh
	snapshotRows int64 // row count at the last refresh
	refreshedAt  time.Time
	columns      map[string]*ColumnStats
}

// StatsManager keeps per-table statistics for selectivity estimation.
// Writes bump cheap in-memory counters, Refresh rescans a table to
// rebuild distinct counts, null fractions, min/max and histograms.
// Statistics are advisory and rebuilt on demand, they are not persisted.
type StatsManager struct {
	logger    *zap.Logger
	buckets   int
	threshold float64

	rm *RecordManager

	mu     sync.RWMutex
	tables map[TableID]*tableStats
}

func NewStatsManager(logger *zap.Logger, buckets int, refreshThreshold float64) *StatsManager {
	if buckets < 1 {
		buckets = DefaultHistogramBuckets
	}
	if refreshThreshold <= 0 {
		refreshThreshold = DefaultStatsRefreshThreshold
	}
	return &StatsManager{
		logger:    logger,
		buckets:   buckets,
		threshold: refreshThreshold,
		tables:    make(map[TableID]*tableStats),
	}
}

// bind wires the record manager the full rescans read from.
func (s *StatsManager) bind(rm *RecordManager) {
	s.rm = rm
}

func (s *StatsManager) ensureLocked(tableID TableID) *tableStats {
	ts, ok := s.tables[tableID]
	if !ok {
		ts = &tableStats{columns: make(map[string]*ColumnStats)}
		s.tables[tableID] = ts
	}
	return ts
}

// RecordWrite is the cheap write hook. An insert passes old nil, a
// delete passes new nil, an in-place update passes both.
func (s *StatsManager) RecordWrite(tableID TableID, old, new *Row) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.ensureLocked(tableID)
	ts.modCount++
	switch {
	case old == nil && new != nil:
		ts.rowCount++
	case old != nil && new == nil:
		if ts.rowCount > 0 {
			ts.rowCount--
		}
	}
}

// RowCount returns the incrementally maintained live row count.
func (s *StatsManager) RowCount(tableID TableID) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tables[tableID]
	if !ok {
		return 0
	}
	return ts.rowCount
}

// ColumnStats returns a copy of the column's summary from the last
// refresh, or false when the column has never been analyzed.
func (s *StatsManager) ColumnStats(tableID TableID, column string) (ColumnStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tables[tableID]
	if !ok {
		return ColumnStats{}, false
	}
	cs, ok := ts.columns[column]
	if !ok {
		return ColumnStats{}, false
	}
	return *cs, true
}

// NeedsRefresh reports whether enough of the table changed since the
// last refresh to make its statistics stale.
func (s *StatsManager) NeedsRefresh(tableID TableID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tables[tableID]
	if !ok {
		return false
	}
	if ts.refreshedAt.IsZero() {
		return ts.rowCount > 0
	}
	base := ts.snapshotRows
	if base < 1 {
		base = 1
	}
	return float64(ts.modCount)/float64(base) >= s.threshold
}

// forget drops all statistics for a table, used when it is dropped.
func (s *StatsManager) forget(tableID TableID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, tableID)
}

// Refresh rescans the table and rebuilds its per-column statistics.
// Refreshing the same unchanged table twice yields the same summaries.
func (s *StatsManager) Refresh(ctx context.Context, tableID TableID) error {
	if s.rm == nil {
		return fmt.Errorf("statistics manager is not bound to a record manager")
	}
	aTable, ok := s.rm.TableByID(tableID)
	if !ok {
		return fmt.Errorf("%w: table %d", ErrNotFound, tableID)
	}

	type columnAccum struct {
		nulls    int64
		distinct map[any]struct{}
		min, max any
		numeric  []float64
		isNumber bool
	}
	accums := make([]*columnAccum, len(aTable.Columns))
	for i, col := range aTable.Columns {
		accums[i] = &columnAccum{
			distinct: make(map[any]struct{}),
			isNumber: col.Kind != Varchar,
		}
	}

	scanner, err := s.rm.Scan(ctx, tableID)
	if err != nil {
		return err
	}
	var rows int64
	for {
		_, aRow, err := scanner.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrNoMoreRows) {
				break
			}
			return fmt.Errorf("analyze table %q: %w", aTable.Name, err)
		}
		rows++
		for i := range aTable.Columns {
			acc := accums[i]
			value := aRow.Values[i]
			if !value.Valid {
				acc.nulls++
				continue
			}
			acc.distinct[value.Value] = struct{}{}
			if acc.min == nil || compareColumnValues(value.Value, acc.min) < 0 {
				acc.min = value.Value
			}
			if acc.max == nil || compareColumnValues(value.Value, acc.max) > 0 {
				acc.max = value.Value
			}
			if acc.isNumber {
				if rank, ok := numericRank(value.Value); ok {
					acc.numeric = append(acc.numeric, rank)
				}
			}
		}
	}

	columns := make(map[string]*ColumnStats, len(aTable.Columns))
	for i, col := range aTable.Columns {
		acc := accums[i]
		columns[col.Name] = &ColumnStats{
			RowCount:  rows,
			NullCount: acc.nulls,
			Distinct:  int64(len(acc.distinct)),
			Min:       acc.min,
			Max:       acc.max,
			Histogram: buildHistogram(acc.numeric, s.buckets),
		}
	}

	s.mu.Lock()
	ts := s.ensureLocked(tableID)
	ts.rowCount = rows
	ts.modCount = 0
	ts.snapshotRows = rows
	ts.refreshedAt = time.Now()
	ts.columns = columns
	s.mu.Unlock()

	s.logger.Info("refreshed table statistics",
		zap.String("table", aTable.Name),
		zap.Int64("rows", rows))
	return nil
}

// Estimate returns the estimated fraction of rows matching a single
// comparison predicate, between 0 and 1. Without usable statistics it
// falls back to uniform guesses.
func (s *StatsManager) Estimate(tableID TableID, column string, op PredicateOp, value any) float64 {
	cs, ok := s.ColumnStats(tableID, column)
	if !ok || cs.RowCount == 0 {
		switch op {
		case OpEquals:
			return selectivityBothBounds
		case OpNotEquals:
			return 1 - selectivityBothBounds
		}
		return selectivityOneBound
	}

	notNull := 1 - cs.NullFraction()
	switch op {
	case OpEquals:
		if cs.Distinct == 0 {
			return 0
		}
		return clampSelectivity(notNull / float64(cs.Distinct))
	case OpNotEquals:
		if cs.Distinct == 0 {
			return 0
		}
		return clampSelectivity(notNull * (1 - 1/float64(cs.Distinct)))
	}

	rank, numeric := numericRank(value)
	if cs.Histogram == nil || !numeric {
		return selectivityOneBound
	}

	below := cs.Histogram.FractionBelow(rank)
	var equals float64
	if cs.Distinct > 0 {
		equals = 1 / float64(cs.Distinct)
	}
	switch op {
	case OpLess:
		return clampSelectivity(notNull * below)
	case OpLessOrEqual:
		return clampSelectivity(notNull * (below + equals))
	case OpGreater:
		return clampSelectivity(notNull * (1 - below - equals))
	case OpGreaterOrEqual:
		return clampSelectivity(notNull * (1 - below))
	}
	return selectivityFullScan
}

// EstimateRange estimates the fraction of rows inside [lower, upper],
// either bound may be nil for a half-open range.
func (s *StatsManager) EstimateRange(tableID TableID, column string, lower, upper any) float64 {
	switch {
	case lower == nil && upper == nil:
		return selectivityFullScan
	case lower == nil:
		return s.Estimate(tableID, column, OpLessOrEqual, upper)
	case upper == nil:
		return s.Estimate(tableID, column, OpGreaterOrEqual, lower)
	}

	cs, ok := s.ColumnStats(tableID, column)
	if !ok || cs.RowCount == 0 || cs.Histogram == nil {
		return selectivityBothBounds
	}
	lo, okLo := numericRank(lower)
	hi, okHi := numericRank(upper)
	if !okLo || !okHi {
		return selectivityBothBounds
	}
	below := s.Estimate(tableID, column, OpLess, lo)
	atOrBelow := s.Estimate(tableID, column, OpLessOrEqual, hi)
	return clampSelectivity(atOrBelow - below)
}

func clampSelectivity(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// numericRank maps a numeric column value onto the histogram axis.
func numericRank(value any) (float64, bool) {
	switch v := value.(type) {
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// compareColumnValues orders two non-NULL values of the same column.
func compareColumnValues(a, b any) int {
	if as, ok := a.(string); ok {
		bs, _ := b.(string)
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		}
		return 0
	}
	ar, _ := numericRank(a)
	br, _ := numericRank(b)
	switch {
	case ar < br:
		return -1
	case ar > br:
		return 1
	}
	return 0
}
