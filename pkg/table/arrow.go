package table

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// timestampType is the Arrow type used when exporting timestamp columns.
var timestampType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

// FromArrowRecord copies an Arrow record batch into a Table.
// Integer types widen to int64, float32 widens to float64, date32 and
// timestamps become timestamp columns.
func FromArrowRecord(rec arrow.Record) (*Table, error) {
	schema := rec.Schema()
	named := make([]Named, 0, rec.NumCols())
	for i := 0; i < int(rec.NumCols()); i++ {
		field := schema.Field(i)
		col, err := fromArrowArray(rec.Column(i))
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", field.Name, err)
		}
		named = append(named, Col(field.Name, col))
	}
	return New(named...)
}

func fromArrowArray(arr arrow.Array) (*Column, error) {
	n := arr.Len()
	var nulls []bool
	if arr.NullN() > 0 {
		nulls = make([]bool, n)
		for i := 0; i < n; i++ {
			nulls[i] = arr.IsNull(i)
		}
	}

	switch arr.DataType().ID() {
	case arrow.STRING:
		a := arr.(*array.String)
		values := make([]string, n)
		for i := 0; i < n; i++ {
			if !a.IsNull(i) {
				values[i] = a.Value(i)
			}
		}
		return NewStringColumn(values, nulls), nil
	case arrow.INT32:
		a := arr.(*array.Int32)
		values := make([]int64, n)
		for i := 0; i < n; i++ {
			values[i] = int64(a.Value(i))
		}
		return NewInt64Column(values, nulls), nil
	case arrow.INT64:
		a := arr.(*array.Int64)
		values := make([]int64, n)
		copy(values, a.Int64Values())
		return NewInt64Column(values, nulls), nil
	case arrow.FLOAT32:
		a := arr.(*array.Float32)
		values := make([]float64, n)
		for i := 0; i < n; i++ {
			values[i] = float64(a.Value(i))
		}
		return NewFloat64Column(values, nulls), nil
	case arrow.FLOAT64:
		a := arr.(*array.Float64)
		values := make([]float64, n)
		copy(values, a.Float64Values())
		return NewFloat64Column(values, nulls), nil
	case arrow.TIMESTAMP:
		a := arr.(*array.Timestamp)
		unit := a.DataType().(*arrow.TimestampType).Unit
		values := make([]time.Time, n)
		for i := 0; i < n; i++ {
			if !a.IsNull(i) {
				values[i] = a.Value(i).ToTime(unit).UTC()
			}
		}
		return NewTimestampColumn(values, nulls), nil
	case arrow.DATE32:
		a := arr.(*array.Date32)
		values := make([]time.Time, n)
		for i := 0; i < n; i++ {
			if !a.IsNull(i) {
				values[i] = a.Value(i).ToTime().UTC()
			}
		}
		return NewTimestampColumn(values, nulls), nil
	}
	return nil, fmt.Errorf("unsupported arrow type %s", arr.DataType())
}

// ToArrowRecord exports the table as an Arrow record batch. The caller owns
// the returned record and must Release it.
func (t *Table) ToArrowRecord(mem memory.Allocator) (arrow.Record, error) {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}

	fields := make([]arrow.Field, 0, len(t.names))
	arrays := make([]arrow.Array, 0, len(t.names))
	defer func() {
		for _, a := range arrays {
			a.Release()
		}
	}()

	for _, name := range t.names {
		col := t.cols[name]
		arr, dtype, err := toArrowArray(mem, col)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		fields = append(fields, arrow.Field{Name: name, Type: dtype, Nullable: true})
		arrays = append(arrays, arr)
	}

	schema := arrow.NewSchema(fields, nil)
	return array.NewRecord(schema, arrays, int64(t.rows)), nil
}

func toArrowArray(mem memory.Allocator, col *Column) (arrow.Array, arrow.DataType, error) {
	n := col.Len()
	switch col.Type() {
	case TypeString:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		for i := 0; i < n; i++ {
			if col.IsNull(i) {
				b.AppendNull()
				continue
			}
			b.Append(col.strs[i])
		}
		return b.NewArray(), arrow.BinaryTypes.String, nil
	case TypeInt64:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		for i := 0; i < n; i++ {
			if col.IsNull(i) {
				b.AppendNull()
				continue
			}
			b.Append(col.ints[i])
		}
		return b.NewArray(), arrow.PrimitiveTypes.Int64, nil
	case TypeFloat64:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		for i := 0; i < n; i++ {
			if col.IsNull(i) {
				b.AppendNull()
				continue
			}
			b.Append(col.floats[i])
		}
		return b.NewArray(), arrow.PrimitiveTypes.Float64, nil
	case TypeTimestamp:
		b := array.NewTimestampBuilder(mem, timestampType)
		defer b.Release()
		for i := 0; i < n; i++ {
			if col.IsNull(i) {
				b.AppendNull()
				continue
			}
			b.Append(arrow.Timestamp(col.times[i].UnixMicro()))
		}
		return b.NewArray(), timestampType, nil
	}
	return nil, nil, fmt.Errorf("unsupported column type %s", col.Type())
}
