package quarry

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordManager_InsertAndFetch(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 16)

	aTable, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	aRow := gen.Row()
	rid, err := stack.records.Insert(ctx, aTable.ID, aRow)
	require.NoError(t, err)

	got, err := stack.records.Fetch(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, aRow.Values, got.Values)
}

func TestRecordManager_CreateTableTwice(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 16)

	_, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	_, err = stack.records.CreateTable(ctx, "users", testColumns)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTableExists)
}

func TestRecordManager_InsertRejectsOversizedRecord(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 16)

	wideColumns := []Column{
		{Kind: Varchar, Size: MaxVarcharSize, Name: "a"},
		{Kind: Varchar, Size: MaxVarcharSize, Name: "b"},
		{Kind: Varchar, Size: MaxVarcharSize, Name: "c"},
		{Kind: Varchar, Size: MaxVarcharSize, Name: "d"},
	}
	aTable, err := stack.records.CreateTable(ctx, "wide", wideColumns)
	require.NoError(t, err)

	filler := strings.Repeat("x", MaxVarcharSize)
	aRow := NewRow(wideColumns)
	for i := range wideColumns {
		aRow.Values[i] = NewValue(filler)
	}

	_, err = stack.records.Insert(ctx, aTable.ID, aRow)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestRecordManager_DeleteThenFetch(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 16)

	aTable, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	rid, err := stack.records.Insert(ctx, aTable.ID, gen.Row())
	require.NoError(t, err)

	require.NoError(t, stack.records.Delete(ctx, rid))

	_, err = stack.records.Fetch(ctx, rid)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	err = stack.records.Delete(ctx, rid)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordManager_DeleteKeepsOtherRecordIDsStable(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 16)

	aTable, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	rows := gen.Rows(50)
	rids := make([]RecordID, len(rows))
	for i, aRow := range rows {
		rids[i], err = stack.records.Insert(ctx, aTable.ID, aRow)
		require.NoError(t, err)
	}

	// Delete every other row, enough to trigger in-page compaction.
	for i := 0; i < len(rows); i += 2 {
		require.NoError(t, stack.records.Delete(ctx, rids[i]))
	}

	for i := 1; i < len(rows); i += 2 {
		got, err := stack.records.Fetch(ctx, rids[i])
		require.NoError(t, err, "surviving record %d must keep its id", i)
		assert.Equal(t, rows[i].Values, got.Values)
	}
}

func TestRecordManager_UpdateInPlaceKeepsRecordID(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 16)

	aTable, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	aRow := gen.Row()
	rid, err := stack.records.Insert(ctx, aTable.ID, aRow)
	require.NoError(t, err)

	// Same serialized size, must stay in place.
	updated := aRow.Clone()
	updated.Values[2] = NewValue(int32(99))
	newRID, err := stack.records.Update(ctx, rid, updated)
	require.NoError(t, err)
	assert.Equal(t, rid, newRID)

	got, err := stack.records.Fetch(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, updated.Values, got.Values)
}

func TestRecordManager_UpdateRelocatesGrownRecord(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 16)

	aTable, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	aRow := gen.Row()
	aRow.Values[1] = NewValue("a@b.c")
	rid, err := stack.records.Insert(ctx, aTable.ID, aRow)
	require.NoError(t, err)

	grown := aRow.Clone()
	grown.Values[1] = NewValue(strings.Repeat("long-", 9) + "@example.com")
	newRID, err := stack.records.Update(ctx, rid, grown)
	require.NoError(t, err)
	assert.NotEqual(t, rid, newRID, "grown record must relocate")

	got, err := stack.records.Fetch(ctx, newRID)
	require.NoError(t, err)
	assert.Equal(t, grown.Values, got.Values)

	_, err = stack.records.Fetch(ctx, rid)
	assert.ErrorIs(t, err, ErrNotFound, "old record id must be dead after relocation")
}

func TestRecordManager_ScanVisitsEveryLiveRow(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 16)

	aTable, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	rows := gen.Rows(500)
	rids := make([]RecordID, len(rows))
	for i, aRow := range rows {
		rids[i], err = stack.records.Insert(ctx, aTable.ID, aRow)
		require.NoError(t, err)
	}
	// Tombstone a couple of rows, the scan must skip them.
	require.NoError(t, stack.records.Delete(ctx, rids[10]))
	require.NoError(t, stack.records.Delete(ctx, rids[200]))

	seen := make(map[int64]struct{})
	scanner, err := stack.records.Scan(ctx, aTable.ID)
	require.NoError(t, err)
	for {
		_, aRow, err := scanner.Next(ctx)
		if errors.Is(err, ErrNoMoreRows) {
			break
		}
		require.NoError(t, err)
		id := aRow.Values[0].Value.(int64)
		_, dup := seen[id]
		require.False(t, dup, "row %d visited twice", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, len(rows)-2)
}

func TestRecordManager_ScanResumesFromSavedPosition(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 16)

	aTable, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	rows := gen.Rows(200)
	for _, aRow := range rows {
		_, err := stack.records.Insert(ctx, aTable.ID, aRow)
		require.NoError(t, err)
	}

	seen := make(map[int64]struct{})
	scanner, err := stack.records.Scan(ctx, aTable.ID)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, aRow, err := scanner.Next(ctx)
		require.NoError(t, err)
		seen[aRow.Values[0].Value.(int64)] = struct{}{}
	}

	resumed, err := stack.records.ScanFrom(ctx, aTable.ID, scanner.Position())
	require.NoError(t, err)
	for {
		_, aRow, err := resumed.Next(ctx)
		if errors.Is(err, ErrNoMoreRows) {
			break
		}
		require.NoError(t, err)
		id := aRow.Values[0].Value.(int64)
		_, dup := seen[id]
		require.False(t, dup, "resumed scan must not revisit row %d", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, len(rows))
}

func TestRecordManager_CompactTableKeepsLiveRows(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 16)

	aTable, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	rows := gen.Rows(100)
	rids := make([]RecordID, len(rows))
	for i, aRow := range rows {
		rids[i], err = stack.records.Insert(ctx, aTable.ID, aRow)
		require.NoError(t, err)
	}
	for i := 0; i < len(rows); i += 3 {
		require.NoError(t, stack.records.Delete(ctx, rids[i]))
	}

	require.NoError(t, stack.records.CompactTable(ctx, aTable.ID))

	for i := range rows {
		got, err := stack.records.Fetch(ctx, rids[i])
		if i%3 == 0 {
			assert.ErrorIs(t, err, ErrNotFound)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, rows[i].Values, got.Values)
	}
}

func TestRecordManager_DropTable(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 16)

	aTable, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)
	_, err = stack.records.Insert(ctx, aTable.ID, gen.Row())
	require.NoError(t, err)

	require.NoError(t, stack.records.DropTable(ctx, "users"))

	_, ok := stack.records.Table("users")
	assert.False(t, ok)
	assert.ErrorIs(t, stack.records.DropTable(ctx, "users"), ErrNotFound)
}

func TestRecordManager_TableSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	disk := NewDiskManager(testLogger, nil)
	pool := NewBufferPool(testLogger, nil, disk, 16)
	records := NewRecordManager(testLogger, disk, pool, nil, dir, 0)

	aTable, err := records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)
	aRow := gen.Row()
	rid, err := records.Insert(ctx, aTable.ID, aRow)
	require.NoError(t, err)

	require.NoError(t, pool.FlushAll(ctx))
	require.NoError(t, disk.Close())

	disk = NewDiskManager(testLogger, nil)
	pool = NewBufferPool(testLogger, nil, disk, 16)
	records = NewRecordManager(testLogger, disk, pool, nil, dir, 0)
	defer func() {
		require.NoError(t, disk.Close())
	}()

	reopened, err := records.OpenTable(filepath.Join(dir, "users"+TableFileSuffix))
	require.NoError(t, err)
	assert.Equal(t, aTable.ID, reopened.ID)
	assert.Equal(t, testColumns, reopened.Columns)

	got, err := records.Fetch(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, aRow.Values, got.Values)
}
