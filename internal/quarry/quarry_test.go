package quarry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrydb/quarry/internal/pkg/logging"
)

var (
	gen = newDataGen(time.Now().Unix())

	testColumns = []Column{
		{
			Kind: Int8,
			Size: 8,
			Name: "id",
		},
		{
			Kind:     Varchar,
			Size:     64,
			Name:     "email",
			Nullable: true,
		},
		{
			Kind:     Int4,
			Size:     4,
			Name:     "age",
			Nullable: true,
		},
		{
			Kind:     Double,
			Size:     8,
			Name:     "score",
			Nullable: true,
		},
	}

	testLogger *zap.Logger
)

func init() {
	logConf := logging.DefaultConfig()

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "error"
	}

	l, err := logging.ParseLevel(level)
	if err != nil {
		panic(err)
	}
	logConf.Level = zap.NewAtomicLevelAt(l)

	testLogger, err = logConf.Build()
	if err != nil {
		panic(err)
	}
}

type dataGen struct {
	*gofakeit.Faker
	nextID int64
}

func newDataGen(seed int64) *dataGen {
	return &dataGen{Faker: gofakeit.New(seed)}
}

func (g *dataGen) Row() Row {
	g.nextID++
	return Row{
		Columns: testColumns,
		Values: []OptionalValue{
			{Value: g.nextID, Valid: true},
			{Value: g.Email(), Valid: true},
			{Value: int32(g.IntRange(18, 100)), Valid: true},
			{Value: g.Float64Range(0, 100), Valid: true},
		},
	}
}

func (g *dataGen) Rows(number int) []Row {
	rows := make([]Row, 0, number)
	for i := 0; i < number; i++ {
		rows = append(rows, g.Row())
	}
	return rows
}

// testStack is the storage layer stack most tests run against, backed
// by files in a per-test temp directory.
type testStack struct {
	dir     string
	disk    *DiskManager
	pool    *BufferPool
	stats   *StatsManager
	records *RecordManager
	indexes *IndexManager
}

func newTestStack(t *testing.T, poolSize int) *testStack {
	t.Helper()

	dir := t.TempDir()
	disk := NewDiskManager(testLogger, NewMetrics())
	pool := NewBufferPool(testLogger, nil, disk, poolSize)
	stats := NewStatsManager(testLogger, 0, 0)
	records := NewRecordManager(testLogger, disk, pool, stats, dir, 0)
	indexes := NewIndexManager(testLogger, disk, pool, records, dir, 0)

	t.Cleanup(func() {
		require.NoError(t, disk.Close())
	})

	return &testStack{
		dir:     dir,
		disk:    disk,
		pool:    pool,
		stats:   stats,
		records: records,
		indexes: indexes,
	}
}

func (s *testStack) tablePath(name string) string {
	return filepath.Join(s.dir, name+TableFileSuffix)
}
