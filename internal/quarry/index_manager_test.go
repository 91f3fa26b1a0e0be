package quarry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexManager_CreateIndexBackfills(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)

	aTable, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	rows := gen.Rows(300)
	rids := make(map[int64]RecordID, len(rows))
	for _, aRow := range rows {
		rid, err := stack.records.Insert(ctx, aTable.ID, aRow)
		require.NoError(t, err)
		rids[aRow.Values[0].Value.(int64)] = rid
	}

	info, err := stack.indexes.CreateIndex(ctx, "users_id", "users", "id", true)
	require.NoError(t, err)
	assert.True(t, info.Unique)
	assert.Equal(t, Int8, info.KeyKind)
	require.NoError(t, stack.indexes.Validate(ctx, "users_id"))

	for id, rid := range rids {
		got, err := stack.indexes.Lookup(ctx, "users_id", id)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, rid, got[0])
	}
}

func TestIndexManager_CreateIndexSkipsNulls(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)

	aTable, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	withEmail := gen.Row()
	_, err = stack.records.Insert(ctx, aTable.ID, withEmail)
	require.NoError(t, err)

	noEmail := gen.Row()
	noEmail.Values[1] = NullValue()
	_, err = stack.records.Insert(ctx, aTable.ID, noEmail)
	require.NoError(t, err)

	_, err = stack.indexes.CreateIndex(ctx, "users_email", "users", "email", false)
	require.NoError(t, err)

	var entries int
	err = stack.indexes.RangeScan(ctx, "users_email", nil, nil, func(RecordID) error {
		entries++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, entries, "NULL values are not indexed")
}

func TestIndexManager_UniqueBackfillFailureRemovesFile(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)

	aTable, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	aRow := gen.Row()
	duplicate := gen.Row()
	duplicate.Values[2] = aRow.Values[2]
	_, err = stack.records.Insert(ctx, aTable.ID, aRow)
	require.NoError(t, err)
	_, err = stack.records.Insert(ctx, aTable.ID, duplicate)
	require.NoError(t, err)

	_, err = stack.indexes.CreateIndex(ctx, "users_age", "users", "age", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateKey)

	_, ok := stack.indexes.Index("users_age")
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(stack.dir, "users_age"+IndexFileSuffix))
}

func TestIndexManager_InsertEntryRollsBackOnUniqueViolation(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)

	aTable, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	_, err = stack.indexes.CreateIndex(ctx, "users_email", "users", "email", false)
	require.NoError(t, err)
	_, err = stack.indexes.CreateIndex(ctx, "users_id", "users", "id", true)
	require.NoError(t, err)

	aRow := gen.Row()
	rid, err := stack.records.Insert(ctx, aTable.ID, aRow)
	require.NoError(t, err)
	require.NoError(t, stack.indexes.InsertEntry(ctx, "users", aRow, rid))

	// Same id, different email. The unique index rejects the row and
	// the email entry applied before it must be rolled back.
	clash := gen.Row()
	clash.Values[0] = aRow.Values[0]
	clashRID, err := stack.records.Insert(ctx, aTable.ID, clash)
	require.NoError(t, err)
	err = stack.indexes.InsertEntry(ctx, "users", clash, clashRID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateKey)

	got, err := stack.indexes.Lookup(ctx, "users_email", clash.Values[1].Value)
	require.NoError(t, err)
	assert.Empty(t, got, "rolled back entry must not be visible")
}

func TestIndexManager_DeleteEntryRestoresOnFailure(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)

	aTable, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	_, err = stack.indexes.CreateIndex(ctx, "users_email", "users", "email", false)
	require.NoError(t, err)
	_, err = stack.indexes.CreateIndex(ctx, "users_id", "users", "id", true)
	require.NoError(t, err)

	aRow := gen.Row()
	rid, err := stack.records.Insert(ctx, aTable.ID, aRow)
	require.NoError(t, err)
	require.NoError(t, stack.indexes.InsertEntry(ctx, "users", aRow, rid))

	// Take the id entry out from under the manager so the second index
	// fails mid delete.
	idInfo, ok := stack.indexes.Index("users_id")
	require.True(t, ok)
	require.NoError(t, idInfo.tree.deleteKey(ctx, aRow.Values[0].Value, rid))

	err = stack.indexes.DeleteEntry(ctx, "users", aRow, rid)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	// The email entry removed before the failure is back in place.
	got, err := stack.indexes.Lookup(ctx, "users_email", aRow.Values[1].Value)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rid, got[0])
}

func TestIndexManager_DeleteEntry(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)

	aTable, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)
	_, err = stack.indexes.CreateIndex(ctx, "users_id", "users", "id", true)
	require.NoError(t, err)

	aRow := gen.Row()
	rid, err := stack.records.Insert(ctx, aTable.ID, aRow)
	require.NoError(t, err)
	require.NoError(t, stack.indexes.InsertEntry(ctx, "users", aRow, rid))

	require.NoError(t, stack.indexes.DeleteEntry(ctx, "users", aRow, rid))

	got, err := stack.indexes.Lookup(ctx, "users_id", aRow.Values[0].Value)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIndexManager_RangeScanOrdersByKey(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)

	aTable, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	byRID := make(map[RecordID]float64)
	for _, aRow := range gen.Rows(200) {
		rid, err := stack.records.Insert(ctx, aTable.ID, aRow)
		require.NoError(t, err)
		byRID[rid] = aRow.Values[3].Value.(float64)
	}
	_, err = stack.indexes.CreateIndex(ctx, "users_score", "users", "score", false)
	require.NoError(t, err)

	prev := 25.0
	err = stack.indexes.RangeScan(ctx, "users_score", 25.0, 75.0, func(rid RecordID) error {
		score := byRID[rid]
		require.GreaterOrEqual(t, score, prev, "scan must be ascending")
		require.LessOrEqual(t, score, 75.0)
		prev = score
		return nil
	})
	require.NoError(t, err)
}

func TestIndexManager_VarcharIndex(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)

	aTable, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	aRow := gen.Row()
	rid, err := stack.records.Insert(ctx, aTable.ID, aRow)
	require.NoError(t, err)

	_, err = stack.indexes.CreateIndex(ctx, "users_email", "users", "email", false)
	require.NoError(t, err)

	got, err := stack.indexes.Lookup(ctx, "users_email", aRow.Values[1].Value)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rid, got[0])
}

func TestIndexManager_CreateIndexValidations(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)

	_, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	_, err = stack.indexes.CreateIndex(ctx, "x", "missing", "id", false)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = stack.indexes.CreateIndex(ctx, "x", "users", "missing", false)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = stack.indexes.CreateIndex(ctx, "users_id", "users", "id", true)
	require.NoError(t, err)
	_, err = stack.indexes.CreateIndex(ctx, "users_id", "users", "age", false)
	assert.ErrorIs(t, err, ErrIndexExists)
}

func TestIndexManager_DropIndex(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, 64)

	_, err := stack.records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)
	_, err = stack.indexes.CreateIndex(ctx, "users_id", "users", "id", true)
	require.NoError(t, err)

	require.NoError(t, stack.indexes.DropIndex(ctx, "users_id"))

	_, ok := stack.indexes.Index("users_id")
	assert.False(t, ok)
	assert.Empty(t, stack.indexes.TableIndexes("users"))
	assert.NoFileExists(t, filepath.Join(stack.dir, "users_id"+IndexFileSuffix))
	assert.ErrorIs(t, stack.indexes.DropIndex(ctx, "users_id"), ErrNotFound)
}

func TestIndexManager_IndexSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	disk := NewDiskManager(testLogger, nil)
	pool := NewBufferPool(testLogger, nil, disk, 64)
	records := NewRecordManager(testLogger, disk, pool, nil, dir, 0)
	indexes := NewIndexManager(testLogger, disk, pool, records, dir, 0)

	aTable, err := records.CreateTable(ctx, "users", testColumns)
	require.NoError(t, err)

	rows := gen.Rows(500)
	rids := make(map[int64]RecordID, len(rows))
	for _, aRow := range rows {
		rid, err := records.Insert(ctx, aTable.ID, aRow)
		require.NoError(t, err)
		rids[aRow.Values[0].Value.(int64)] = rid
	}
	_, err = indexes.CreateIndex(ctx, "users_id", "users", "id", true)
	require.NoError(t, err)

	require.NoError(t, pool.FlushAll(ctx))
	require.NoError(t, disk.Close())

	disk = NewDiskManager(testLogger, nil)
	pool = NewBufferPool(testLogger, nil, disk, 64)
	records = NewRecordManager(testLogger, disk, pool, nil, dir, 0)
	indexes = NewIndexManager(testLogger, disk, pool, records, dir, 0)
	defer func() {
		require.NoError(t, disk.Close())
	}()

	_, err = records.OpenTable(filepath.Join(dir, "users"+TableFileSuffix))
	require.NoError(t, err)
	info, err := indexes.OpenIndex(ctx, filepath.Join(dir, "users_id"+IndexFileSuffix))
	require.NoError(t, err)
	assert.True(t, info.Unique)
	assert.Equal(t, "users", info.Table)
	assert.Equal(t, "id", info.Column)

	require.NoError(t, indexes.Validate(ctx, "users_id"))
	for id, rid := range rids {
		got, err := indexes.Lookup(ctx, "users_id", id)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, rid, got[0])
	}
}
