package quarry

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// maxFreeHints caps the per-table list of pages worth trying on insert.
const maxFreeHints = 64

// Table is the in-memory handle of one table: its schema plus the
// free-space hint list guiding insert page choice. The schema itself is
// persisted in the meta page of the table's file.
type Table struct {
	ID      TableID
	Name    string
	Columns []Column

	mu        sync.Mutex
	freeHints []PageNo
}

func (t *Table) hintPages() []PageNo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]PageNo(nil), t.freeHints...)
}

func (t *Table) addHint(pageNo PageNo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, hint := range t.freeHints {
		if hint == pageNo {
			return
		}
	}
	if len(t.freeHints) >= maxFreeHints {
		t.freeHints = t.freeHints[1:]
	}
	t.freeHints = append(t.freeHints, pageNo)
}

func (t *Table) dropHint(pageNo PageNo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, hint := range t.freeHints {
		if hint == pageNo {
			t.freeHints = append(t.freeHints[:i], t.freeHints[i+1:]...)
			return
		}
	}
}

// Schema blob stored in the table file's meta page:
//
//	table name (2-byte length prefix), column count (2 bytes), then per
//	column: kind (1), nullable (1), size (2), name (2-byte length prefix).
func marshalTableSchema(name string, columns []Column) ([]byte, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s has no columns", name)
	}
	if len(columns) > MaxColumns {
		return nil, fmt.Errorf("table %s has %d columns, maximum is %d", name, len(columns), MaxColumns)
	}

	size := 2 + len(name) + 2
	for _, aColumn := range columns {
		size += 1 + 1 + 2 + 2 + len(aColumn.Name)
	}
	if size > MaxMetaExtra {
		return nil, fmt.Errorf("schema of table %s does not fit the meta page", name)
	}

	buf := make([]byte, 0, size)
	buf = appendString(buf, name)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(columns)))
	for _, aColumn := range columns {
		if aColumn.Kind == Varchar && aColumn.Size > MaxVarcharSize {
			return nil, fmt.Errorf("column %s: varchar size %d exceeds %d", aColumn.Name, aColumn.Size, MaxVarcharSize)
		}
		buf = append(buf, byte(aColumn.Kind))
		if aColumn.Nullable {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		colSize := aColumn.Size
		if aColumn.Kind != Varchar {
			colSize = aColumn.Kind.fixedSize()
		}
		buf = binary.LittleEndian.AppendUint16(buf, colSize)
		buf = appendString(buf, aColumn.Name)
	}
	return buf, nil
}

func unmarshalTableSchema(buf []byte) (string, []Column, error) {
	name, buf, err := consumeString(buf)
	if err != nil {
		return "", nil, fmt.Errorf("table name: %w", err)
	}
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("schema blob truncated")
	}
	count := int(binary.LittleEndian.Uint16(buf))
	buf = buf[2:]

	columns := make([]Column, 0, count)
	for i := 0; i < count; i++ {
		if len(buf) < 4 {
			return "", nil, fmt.Errorf("schema blob truncated at column %d", i)
		}
		aColumn := Column{
			Kind:     ColumnKind(buf[0]),
			Nullable: buf[1] == 1,
			Size:     binary.LittleEndian.Uint16(buf[2:]),
		}
		buf = buf[4:]
		aColumn.Name, buf, err = consumeString(buf)
		if err != nil {
			return "", nil, fmt.Errorf("column %d name: %w", i, err)
		}
		columns = append(columns, aColumn)
	}
	return name, columns, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func consumeString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("missing length prefix")
	}
	length := int(binary.LittleEndian.Uint16(buf))
	if len(buf) < 2+length {
		return "", nil, fmt.Errorf("string of %d bytes truncated", length)
	}
	return string(buf[2 : 2+length]), buf[2+length:], nil
}
