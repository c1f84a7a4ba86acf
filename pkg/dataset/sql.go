package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-features/pkg/table"
)

// SQL is a dataset reading the result of a query through database/sql. Each
// call to Partitions re-runs the query, so the query must return rows in a
// stable order (use ORDER BY) for fold assignment to be reproducible.
type SQL struct {
	db    *sql.DB
	query string
	args  []any
	rows  int
}

// FromQuery creates a dataset over query. A non-positive rowsPerPartition
// yields the whole result as one partition.
func FromQuery(db *sql.DB, rowsPerPartition int, query string, args ...any) *SQL {
	return &SQL{db: db, query: query, args: args, rows: rowsPerPartition}
}

// Partitions implements Dataset.
func (d *SQL) Partitions(ctx context.Context) iter.Seq2[*table.Table, error] {
	return func(yield func(*table.Table, error) bool) {
		rows, err := d.db.QueryContext(ctx, d.query, d.args...)
		if err != nil {
			yield(nil, fmt.Errorf("failed to run source query: %w", err))
			return
		}
		defer rows.Close()

		colTypes, err := rows.ColumnTypes()
		if err != nil {
			yield(nil, fmt.Errorf("failed to read source column types: %w", err))
			return
		}
		buf := newRowBuffer(colTypes)

		for rows.Next() {
			if err := buf.scan(rows); err != nil {
				yield(nil, err)
				return
			}
			if d.rows > 0 && buf.len() == d.rows {
				part, err := buf.flush()
				if !yield(part, err) || err != nil {
					return
				}
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("failed to read source rows: %w", err))
			return
		}
		if buf.len() > 0 {
			yield(buf.flush())
		}
	}
}

// TypeForDatabaseType maps a driver's database type name to a column type.
// Unknown types are read as strings.
func TypeForDatabaseType(name string) table.DataType {
	switch strings.ToUpper(name) {
	case "INT2", "INT4", "INT8", "SMALLINT", "INT", "INTEGER", "BIGINT", "TINYINT", "BOOL", "BOOLEAN", "BIT":
		return table.TypeInt64
	case "FLOAT4", "FLOAT8", "REAL", "FLOAT", "DOUBLE", "NUMERIC", "DECIMAL", "MONEY", "SMALLMONEY":
		return table.TypeFloat64
	case "DATE", "TIMESTAMP", "TIMESTAMPTZ", "DATETIME", "DATETIME2", "SMALLDATETIME", "DATETIMEOFFSET":
		return table.TypeTimestamp
	}
	return table.TypeString
}

// rowBuffer accumulates scanned rows column by column.
type rowBuffer struct {
	names  []string
	types  []table.DataType
	values [][]any
}

func newRowBuffer(colTypes []*sql.ColumnType) *rowBuffer {
	b := &rowBuffer{
		names:  make([]string, len(colTypes)),
		types:  make([]table.DataType, len(colTypes)),
		values: make([][]any, len(colTypes)),
	}
	for i, ct := range colTypes {
		b.names[i] = ct.Name()
		b.types[i] = TypeForDatabaseType(ct.DatabaseTypeName())
	}
	return b
}

func (b *rowBuffer) len() int {
	if len(b.values) == 0 {
		return 0
	}
	return len(b.values[0])
}

func (b *rowBuffer) scan(rows *sql.Rows) error {
	dest := make([]any, len(b.names))
	ptrs := make([]any, len(b.names))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return fmt.Errorf("failed to scan source row: %w", err)
	}
	for i, v := range dest {
		b.values[i] = append(b.values[i], v)
	}
	return nil
}

func (b *rowBuffer) flush() (*table.Table, error) {
	named := make([]table.Named, len(b.names))
	for i, name := range b.names {
		col, err := ColumnFromValues(b.types[i], b.values[i])
		if err != nil {
			return nil, fmt.Errorf("source column %q: %w", name, err)
		}
		named[i] = table.Col(name, col)
		b.values[i] = nil
	}
	return table.New(named...)
}

// ColumnFromValues converts scanned driver values to a column of type dtype.
// nil values become nulls.
func ColumnFromValues(dtype table.DataType, values []any) (*table.Column, error) {
	nulls := make([]bool, len(values))
	switch dtype {
	case table.TypeInt64:
		out := make([]int64, len(values))
		for i, v := range values {
			if v == nil {
				nulls[i] = true
				continue
			}
			n, err := toInt64(v)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			out[i] = n
		}
		return table.NewInt64Column(out, nulls), nil
	case table.TypeFloat64:
		out := make([]float64, len(values))
		for i, v := range values {
			if v == nil {
				nulls[i] = true
				continue
			}
			f, err := toFloat64(v)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			out[i] = f
		}
		return table.NewFloat64Column(out, nulls), nil
	case table.TypeTimestamp:
		out := make([]time.Time, len(values))
		for i, v := range values {
			if v == nil {
				nulls[i] = true
				continue
			}
			t, ok := v.(time.Time)
			if !ok {
				return nil, fmt.Errorf("row %d: cannot read %T as timestamp", i, v)
			}
			out[i] = t.UTC()
		}
		return table.NewTimestampColumn(out, nulls), nil
	default:
		out := make([]string, len(values))
		for i, v := range values {
			switch s := v.(type) {
			case nil:
				nulls[i] = true
			case string:
				out[i] = s
			case []byte:
				out[i] = string(s)
			default:
				out[i] = fmt.Sprint(s)
			}
		}
		return table.NewStringColumn(out, nulls), nil
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("cannot read %T as int64", v)
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case []byte:
		return strconv.ParseFloat(string(n), 64)
	case string:
		return strconv.ParseFloat(n, 64)
	}
	if i, err := toInt64(v); err == nil {
		return float64(i), nil
	}
	return 0, fmt.Errorf("cannot read %T as float64", v)
}
