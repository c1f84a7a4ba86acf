// Package table implements the in-memory columnar batch the pipeline operates on.
//
// A Table is immutable: WithColumn, DropColumns, Select and Slice return new
// tables that share column buffers with the receiver.
package table

import (
	"fmt"

	"github.com/ekaya-inc/ekaya-features/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-features/pkg/columns"
)

// Named pairs a column with its name for table construction.
type Named struct {
	Name   string
	Column *Column
}

// Col is shorthand for building a Named column.
func Col(name string, column *Column) Named {
	return Named{Name: name, Column: column}
}

// Table is a set of row-aligned named columns.
type Table struct {
	names []string
	cols  map[string]*Column
	rows  int
}

// New creates a table from named columns. All columns must have the same length
// and names must be unique.
func New(cols ...Named) (*Table, error) {
	t := &Table{
		names: make([]string, 0, len(cols)),
		cols:  make(map[string]*Column, len(cols)),
	}
	for i, c := range cols {
		if c.Column == nil {
			return nil, fmt.Errorf("column %q is nil", c.Name)
		}
		if _, ok := t.cols[c.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate column %q", apperrors.ErrColumnNameCollision, c.Name)
		}
		if i == 0 {
			t.rows = c.Column.Len()
		} else if c.Column.Len() != t.rows {
			return nil, fmt.Errorf("column %q has %d rows, expected %d", c.Name, c.Column.Len(), t.rows)
		}
		t.names = append(t.names, c.Name)
		t.cols[c.Name] = c.Column
	}
	return t, nil
}

// MustNew is like New but panics on error. Intended for tests and literals.
func MustNew(cols ...Named) *Table {
	t, err := New(cols...)
	if err != nil {
		panic(err)
	}
	return t
}

// NumRows returns the row count.
func (t *Table) NumRows() int {
	return t.rows
}

// NumCols returns the column count.
func (t *Table) NumCols() int {
	return len(t.names)
}

// ColumnNames returns the ordered column names.
func (t *Table) ColumnNames() columns.Selector {
	return columns.New(t.names...)
}

// HasColumn reports whether the table contains name.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.cols[name]
	return ok
}

// Column looks up a column by name.
func (t *Table) Column(name string) (*Column, error) {
	c, ok := t.cols[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownColumn, name)
	}
	return c, nil
}

// WithColumn returns a table with name added, or replaced in place if it exists.
func (t *Table) WithColumn(name string, col *Column) (*Table, error) {
	if len(t.names) > 0 && col.Len() != t.rows {
		return nil, fmt.Errorf("column %q has %d rows, expected %d", name, col.Len(), t.rows)
	}
	out := t.clone()
	if _, ok := out.cols[name]; !ok {
		out.names = append(out.names, name)
	}
	out.cols[name] = col
	out.rows = col.Len()
	return out, nil
}

// DropColumns returns a table without the given names. Unknown names are ignored.
func (t *Table) DropColumns(names ...string) *Table {
	drop := columns.New(names...)
	out := &Table{
		names: make([]string, 0, len(t.names)),
		cols:  make(map[string]*Column, len(t.cols)),
		rows:  t.rows,
	}
	for _, n := range t.names {
		if drop.Contains(n) {
			continue
		}
		out.names = append(out.names, n)
		out.cols[n] = t.cols[n]
	}
	return out
}

// Select returns a table with exactly the selected columns, in selector order.
func (t *Table) Select(sel columns.Selector) (*Table, error) {
	out := &Table{
		names: make([]string, 0, sel.Len()),
		cols:  make(map[string]*Column, sel.Len()),
		rows:  t.rows,
	}
	for _, n := range sel.Names() {
		c, err := t.Column(n)
		if err != nil {
			return nil, err
		}
		out.names = append(out.names, n)
		out.cols[n] = c
	}
	return out, nil
}

// Slice returns rows [start, end).
func (t *Table) Slice(start, end int) (*Table, error) {
	if start < 0 || end > t.rows || start > end {
		return nil, fmt.Errorf("slice [%d, %d) out of range for %d rows", start, end, t.rows)
	}
	out := &Table{
		names: append([]string(nil), t.names...),
		cols:  make(map[string]*Column, len(t.cols)),
		rows:  end - start,
	}
	for n, c := range t.cols {
		out.cols[n] = c.Slice(start, end)
	}
	return out, nil
}

// Equal reports whether both tables have the same column order and contents.
func (t *Table) Equal(other *Table) bool {
	if t.rows != other.rows || len(t.names) != len(other.names) {
		return false
	}
	for i, n := range t.names {
		if other.names[i] != n {
			return false
		}
		if !t.cols[n].Equal(other.cols[n]) {
			return false
		}
	}
	return true
}

// Concat stacks tables with identical column names (in the same order) vertically.
func Concat(tables ...*Table) (*Table, error) {
	if len(tables) == 0 {
		return New()
	}
	first := tables[0]
	for i, t := range tables {
		if len(t.names) != len(first.names) {
			return nil, fmt.Errorf("table %d has %d columns, expected %d", i, len(t.names), len(first.names))
		}
	}
	named := make([]Named, 0, len(first.names))
	for _, n := range first.names {
		parts := make([]*Column, 0, len(tables))
		for i, t := range tables {
			c, ok := t.cols[n]
			if !ok {
				return nil, fmt.Errorf("table %d: %w: %q", i, apperrors.ErrUnknownColumn, n)
			}
			parts = append(parts, c)
		}
		merged, err := ConcatColumns(parts...)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", n, err)
		}
		named = append(named, Col(n, merged))
	}
	return New(named...)
}

func (t *Table) clone() *Table {
	out := &Table{
		names: append([]string(nil), t.names...),
		cols:  make(map[string]*Column, len(t.cols)+1),
		rows:  t.rows,
	}
	for n, c := range t.cols {
		out.cols[n] = c
	}
	return out
}
