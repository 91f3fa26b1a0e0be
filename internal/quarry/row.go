package quarry

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/quarrydb/quarry/pkg/bitwise"
)

const (
	// MaxColumns keeps the null bitmask within a single uint64.
	MaxColumns = 64

	// MaxVarcharSize caps the declared size of a varchar column.
	MaxVarcharSize = 1024

	varcharLengthPrefixSize = 2
	nullMaskSize            = 8
)

type ColumnKind int

const (
	Int4 ColumnKind = iota + 1
	Int8
	Real
	Double
	Varchar
)

func (k ColumnKind) String() string {
	switch k {
	case Int4:
		return "int4"
	case Int8:
		return "int8"
	case Real:
		return "real"
	case Double:
		return "double"
	case Varchar:
		return "varchar"
	}
	return "unknown"
}

// fixedSize returns the serialized size of the kind, 0 for varchar.
func (k ColumnKind) fixedSize() uint16 {
	switch k {
	case Int4, Real:
		return 4
	case Int8, Double:
		return 8
	}
	return 0
}

type Column struct {
	Name     string
	Kind     ColumnKind
	Size     uint16 // varchar capacity, fixed width otherwise
	Nullable bool
}

// OptionalValue is a possibly-NULL field value.
type OptionalValue struct {
	Value any
	Valid bool
}

func NewValue(v any) OptionalValue { return OptionalValue{Value: v, Valid: true} }

func NullValue() OptionalValue { return OptionalValue{} }

// Row is one tuple: schema columns plus field values in column order.
type Row struct {
	Columns []Column
	Values  []OptionalValue
}

func NewRow(columns []Column) Row {
	return Row{Columns: columns, Values: make([]OptionalValue, len(columns))}
}

func (r *Row) GetColumn(name string) (Column, int) {
	for i, aColumn := range r.Columns {
		if aColumn.Name == name {
			return aColumn, i
		}
	}
	return Column{}, -1
}

func (r *Row) GetValue(name string) (OptionalValue, bool) {
	_, idx := r.GetColumn(name)
	if idx < 0 {
		return OptionalValue{}, false
	}
	return r.Values[idx], true
}

func (r *Row) SetValue(name string, value OptionalValue) bool {
	_, idx := r.GetColumn(name)
	if idx < 0 {
		return false
	}
	r.Values[idx] = value
	return true
}

func (r *Row) Clone() Row {
	aClone := Row{
		Columns: append([]Column(nil), r.Columns...),
		Values:  append([]OptionalValue(nil), r.Values...),
	}
	return aClone
}

// Size returns the serialized size of the row including the null bitmask.
func (r *Row) Size() (int, error) {
	size := nullMaskSize
	for i, aColumn := range r.Columns {
		if !r.Values[i].Valid {
			continue // NULL values take no space, tracked in the bitmask
		}
		if aColumn.Kind != Varchar {
			size += int(aColumn.Kind.fixedSize())
			continue
		}
		s, ok := r.Values[i].Value.(string)
		if !ok {
			return 0, fmt.Errorf("column %s: expected string, got %T", aColumn.Name, r.Values[i].Value)
		}
		size += varcharLengthPrefixSize + len(s)
	}
	return size, nil
}

// Marshal serializes the row: a uint64 null bitmask followed by non-NULL
// values in column order, little-endian, varchars length-prefixed.
func (r *Row) Marshal() ([]byte, error) {
	if len(r.Columns) > MaxColumns {
		return nil, fmt.Errorf("row has %d columns, maximum is %d", len(r.Columns), MaxColumns)
	}
	size, err := r.Size()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)

	var nullMask bitwise.Mask
	offset := nullMaskSize
	for i, aColumn := range r.Columns {
		if !r.Values[i].Valid {
			if !aColumn.Nullable {
				return nil, fmt.Errorf("column %s is not nullable", aColumn.Name)
			}
			nullMask = nullMask.Set(i)
			continue
		}
		n, err := marshalValue(buf[offset:], aColumn, r.Values[i].Value)
		if err != nil {
			return nil, err
		}
		offset += n
	}
	binary.LittleEndian.PutUint64(buf[0:], uint64(nullMask))
	return buf, nil
}

// UnmarshalRow decodes a row with the given schema from buf. The buffer
// may carry trailing slack from an in-place update, decoding consumes
// exactly the bytes the schema dictates.
func UnmarshalRow(columns []Column, buf []byte) (Row, error) {
	if len(buf) < nullMaskSize {
		return Row{}, fmt.Errorf("row buffer too short: %d bytes", len(buf))
	}
	aRow := NewRow(columns)
	nullMask := bitwise.Mask(binary.LittleEndian.Uint64(buf[0:]))
	offset := nullMaskSize
	for i, aColumn := range columns {
		if nullMask.IsSet(i) {
			aRow.Values[i] = NullValue()
			continue
		}
		value, n, err := unmarshalValue(buf[offset:], aColumn)
		if err != nil {
			return Row{}, fmt.Errorf("column %s: %w", aColumn.Name, err)
		}
		aRow.Values[i] = NewValue(value)
		offset += n
	}
	return aRow, nil
}

func marshalValue(buf []byte, aColumn Column, value any) (int, error) {
	switch aColumn.Kind {
	case Int4:
		v, ok := value.(int32)
		if !ok {
			v64, ok64 := value.(int64)
			if !ok64 {
				return 0, fmt.Errorf("column %s: expected int32, got %T", aColumn.Name, value)
			}
			v = int32(v64)
		}
		binary.LittleEndian.PutUint32(buf, uint32(v))
		return 4, nil
	case Int8:
		v, ok := value.(int64)
		if !ok {
			return 0, fmt.Errorf("column %s: expected int64, got %T", aColumn.Name, value)
		}
		binary.LittleEndian.PutUint64(buf, uint64(v))
		return 8, nil
	case Real:
		v, ok := value.(float32)
		if !ok {
			return 0, fmt.Errorf("column %s: expected float32, got %T", aColumn.Name, value)
		}
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		return 4, nil
	case Double:
		v, ok := value.(float64)
		if !ok {
			return 0, fmt.Errorf("column %s: expected float64, got %T", aColumn.Name, value)
		}
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		return 8, nil
	case Varchar:
		v, ok := value.(string)
		if !ok {
			return 0, fmt.Errorf("column %s: expected string, got %T", aColumn.Name, value)
		}
		if len(v) > int(aColumn.Size) {
			return 0, fmt.Errorf("column %s: string length %d exceeds size %d", aColumn.Name, len(v), aColumn.Size)
		}
		binary.LittleEndian.PutUint16(buf, uint16(len(v)))
		copy(buf[varcharLengthPrefixSize:], v)
		return varcharLengthPrefixSize + len(v), nil
	}
	return 0, fmt.Errorf("column %s: unknown kind %d", aColumn.Name, aColumn.Kind)
}

func unmarshalValue(buf []byte, aColumn Column) (any, int, error) {
	fixed := int(aColumn.Kind.fixedSize())
	if fixed > 0 && len(buf) < fixed {
		return nil, 0, fmt.Errorf("buffer too short for %s", aColumn.Kind)
	}
	switch aColumn.Kind {
	case Int4:
		return int32(binary.LittleEndian.Uint32(buf)), 4, nil
	case Int8:
		return int64(binary.LittleEndian.Uint64(buf)), 8, nil
	case Real:
		return math.Float32frombits(binary.LittleEndian.Uint32(buf)), 4, nil
	case Double:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf)), 8, nil
	case Varchar:
		if len(buf) < varcharLengthPrefixSize {
			return nil, 0, fmt.Errorf("buffer too short for varchar prefix")
		}
		length := int(binary.LittleEndian.Uint16(buf))
		if len(buf) < varcharLengthPrefixSize+length {
			return nil, 0, fmt.Errorf("buffer too short for varchar of length %d", length)
		}
		return string(buf[varcharLengthPrefixSize : varcharLengthPrefixSize+length]), varcharLengthPrefixSize + length, nil
	}
	return nil, 0, fmt.Errorf("unknown kind %d", aColumn.Kind)
}
