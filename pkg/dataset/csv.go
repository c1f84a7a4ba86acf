package dataset

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"slices"

	"github.com/ekaya-inc/ekaya-features/pkg/table"
)

// WriteCSV streams every partition of ds to out as CSV with a header row
// and returns the number of data rows written. Null cells are empty and
// timestamps are RFC 3339 in UTC.
func WriteCSV(ctx context.Context, ds Dataset, out io.Writer) (int64, error) {
	w := csv.NewWriter(out)
	var header []string
	var rows int64

	for part, err := range ds.Partitions(ctx) {
		if err != nil {
			return rows, err
		}
		names := part.ColumnNames().Names()
		if header == nil {
			header = names
			if err := w.Write(header); err != nil {
				return rows, err
			}
		} else if !slices.Equal(header, names) {
			return rows, fmt.Errorf("partition columns %v differ from %v", names, header)
		}

		cols := make([]*table.Column, len(names))
		for i, name := range names {
			cols[i], _ = part.Column(name)
		}
		record := make([]string, len(cols))
		for r := range part.NumRows() {
			for i, col := range cols {
				record[i] = col.Key(r)
			}
			if err := w.Write(record); err != nil {
				return rows, err
			}
			rows++
		}
	}
	w.Flush()
	return rows, w.Error()
}
