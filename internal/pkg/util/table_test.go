package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_TextTable(t *testing.T) {
	t.Parallel()

	table := NewTextTable("page", "type", "status")
	table.AddRow("0", "meta", "ok")
	table.AddRow("1", "data")

	var buf bytes.Buffer
	table.Render(&buf)

	expected := `+------+------+--------+
| page | type | status |
+------+------+--------+
| 0    | meta | ok     |
| 1    | data |        |
+------+------+--------+
`
	assert.Equal(t, expected, buf.String())
}

func Test_TextTable_TruncatesLongCells(t *testing.T) {
	t.Parallel()

	table := NewTextTable("detail")
	table.AddRow(strings.Repeat("x", 100))

	var buf bytes.Buffer
	table.Render(&buf)

	assert.Contains(t, buf.String(), " ...")
	for _, line := range strings.Split(buf.String(), "\n") {
		assert.LessOrEqual(t, len(line), maxCellLength+4)
	}
}
