package table

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// DataType identifies the physical type of a column buffer.
type DataType string

const (
	TypeString    DataType = "string"
	TypeInt64     DataType = "int64"
	TypeFloat64   DataType = "float64"
	TypeTimestamp DataType = "timestamp"
)

// IsNumeric returns true for int64 and float64 columns.
func (d DataType) IsNumeric() bool {
	return d == TypeInt64 || d == TypeFloat64
}

// Column is an immutable typed buffer with an optional null mask.
// Exactly one of the value slices is populated, matching the column type.
type Column struct {
	dtype  DataType
	strs   []string
	ints   []int64
	floats []float64
	times  []time.Time
	nulls  []bool // nil when the column has no nulls
}

// NewStringColumn creates a string column. nulls may be nil.
func NewStringColumn(values []string, nulls []bool) *Column {
	return &Column{dtype: TypeString, strs: values, nulls: normalizeNulls(nulls, len(values))}
}

// NewInt64Column creates an int64 column. nulls may be nil.
func NewInt64Column(values []int64, nulls []bool) *Column {
	return &Column{dtype: TypeInt64, ints: values, nulls: normalizeNulls(nulls, len(values))}
}

// NewFloat64Column creates a float64 column. nulls may be nil.
// NaN values are stored as-is; use IsNull for missing values.
func NewFloat64Column(values []float64, nulls []bool) *Column {
	return &Column{dtype: TypeFloat64, floats: values, nulls: normalizeNulls(nulls, len(values))}
}

// NewTimestampColumn creates a timestamp column. nulls may be nil.
func NewTimestampColumn(values []time.Time, nulls []bool) *Column {
	return &Column{dtype: TypeTimestamp, times: values, nulls: normalizeNulls(nulls, len(values))}
}

// normalizeNulls drops all-false masks so that "no nulls" has a single representation.
func normalizeNulls(nulls []bool, n int) []bool {
	if nulls == nil {
		return nil
	}
	if len(nulls) != n {
		panic(fmt.Sprintf("table: null mask length %d does not match %d values", len(nulls), n))
	}
	for _, isNull := range nulls {
		if isNull {
			return nulls
		}
	}
	return nil
}

// Type returns the column's data type.
func (c *Column) Type() DataType {
	return c.dtype
}

// Len returns the number of rows.
func (c *Column) Len() int {
	switch c.dtype {
	case TypeString:
		return len(c.strs)
	case TypeInt64:
		return len(c.ints)
	case TypeFloat64:
		return len(c.floats)
	case TypeTimestamp:
		return len(c.times)
	}
	return 0
}

// IsNull reports whether row i is missing.
func (c *Column) IsNull(i int) bool {
	return c.nulls != nil && c.nulls[i]
}

// NullCount returns the number of missing rows.
func (c *Column) NullCount() int {
	n := 0
	for _, isNull := range c.nulls {
		if isNull {
			n++
		}
	}
	return n
}

// Strings returns the backing string slice. Callers must not modify it.
func (c *Column) Strings() []string { return c.strs }

// Int64s returns the backing int64 slice. Callers must not modify it.
func (c *Column) Int64s() []int64 { return c.ints }

// Float64s returns the backing float64 slice. Callers must not modify it.
func (c *Column) Float64s() []float64 { return c.floats }

// Times returns the backing timestamp slice. Callers must not modify it.
func (c *Column) Times() []time.Time { return c.times }

// Key returns a canonical string form of row i, used for hashing categorical values.
// Null rows return the empty string; check IsNull to tell them apart.
func (c *Column) Key(i int) string {
	if c.IsNull(i) {
		return ""
	}
	switch c.dtype {
	case TypeString:
		return c.strs[i]
	case TypeInt64:
		return strconv.FormatInt(c.ints[i], 10)
	case TypeFloat64:
		f := c.floats[i]
		if f == 0 {
			f = 0 // -0 and +0 share a key
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	case TypeTimestamp:
		return c.times[i].UTC().Format(time.RFC3339Nano)
	}
	return ""
}

// Float returns row i as a float64. ok is false for null rows, non-numeric
// columns and NaN values.
func (c *Column) Float(i int) (float64, bool) {
	if c.IsNull(i) {
		return 0, false
	}
	switch c.dtype {
	case TypeInt64:
		return float64(c.ints[i]), true
	case TypeFloat64:
		v := c.floats[i]
		if math.IsNaN(v) {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// Slice returns rows [start, end) sharing the underlying buffers.
func (c *Column) Slice(start, end int) *Column {
	out := &Column{dtype: c.dtype}
	switch c.dtype {
	case TypeString:
		out.strs = c.strs[start:end:end]
	case TypeInt64:
		out.ints = c.ints[start:end:end]
	case TypeFloat64:
		out.floats = c.floats[start:end:end]
	case TypeTimestamp:
		out.times = c.times[start:end:end]
	}
	if c.nulls != nil {
		out.nulls = normalizeNulls(c.nulls[start:end:end], end-start)
	}
	return out
}

// Equal reports whether both columns have the same type, values and null mask.
// Null rows compare equal regardless of their stored value.
func (c *Column) Equal(other *Column) bool {
	if c.dtype != other.dtype || c.Len() != other.Len() {
		return false
	}
	for i := 0; i < c.Len(); i++ {
		if c.IsNull(i) != other.IsNull(i) {
			return false
		}
		if c.IsNull(i) {
			continue
		}
		switch c.dtype {
		case TypeString:
			if c.strs[i] != other.strs[i] {
				return false
			}
		case TypeInt64:
			if c.ints[i] != other.ints[i] {
				return false
			}
		case TypeFloat64:
			a, b := c.floats[i], other.floats[i]
			if math.Float64bits(a) != math.Float64bits(b) {
				return false
			}
		case TypeTimestamp:
			if !c.times[i].Equal(other.times[i]) {
				return false
			}
		}
	}
	return true
}

// ConcatColumns appends columns of the same type into one column.
func ConcatColumns(cols ...*Column) (*Column, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("no columns to concatenate")
	}
	dtype := cols[0].dtype
	total := 0
	hasNulls := false
	for _, c := range cols {
		if c.dtype != dtype {
			return nil, fmt.Errorf("cannot concatenate %s column with %s column", dtype, c.dtype)
		}
		total += c.Len()
		hasNulls = hasNulls || c.nulls != nil
	}

	out := &Column{dtype: dtype}
	if hasNulls {
		out.nulls = make([]bool, 0, total)
	}
	for _, c := range cols {
		switch dtype {
		case TypeString:
			out.strs = append(out.strs, c.strs...)
		case TypeInt64:
			out.ints = append(out.ints, c.ints...)
		case TypeFloat64:
			out.floats = append(out.floats, c.floats...)
		case TypeTimestamp:
			out.times = append(out.times, c.times...)
		}
		if hasNulls {
			if c.nulls != nil {
				out.nulls = append(out.nulls, c.nulls...)
			} else {
				out.nulls = append(out.nulls, make([]bool, c.Len())...)
			}
		}
	}
	return out, nil
}
