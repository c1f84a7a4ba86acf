package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/ekaya-inc/ekaya-features/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-features/pkg/columns"
	"github.com/ekaya-inc/ekaya-features/pkg/table"
)

const (
	DefaultDeltaSuffix = "_delta_days"

	// MaxDeltaDays is the largest delta kept; anything beyond collapses to 0.
	MaxDeltaDays = 3650
)

// EpochUnit is the unit of int64 epoch timestamps.
type EpochUnit string

const (
	EpochSeconds      EpochUnit = "s"
	EpochMilliseconds EpochUnit = "ms"
	EpochMicroseconds EpochUnit = "us"
	EpochNanoseconds  EpochUnit = "ns"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (u EpochUnit) toTime(v int64) (time.Time, bool) {
	switch u {
	case EpochSeconds:
		return time.Unix(v, 0).UTC(), true
	case EpochMilliseconds, "":
		return time.UnixMilli(v).UTC(), true
	case EpochMicroseconds:
		return time.UnixMicro(v).UTC(), true
	case EpochNanoseconds:
		return time.Unix(0, v).UTC(), true
	}
	return time.Time{}, false
}

// TimeDeltaOptions configures TimeDelta.
type TimeDeltaOptions struct {
	// Reference is the column the source columns are measured against.
	Reference string `json:"reference"`
	// Suffix is appended to each source column name. Defaults to DefaultDeltaSuffix.
	Suffix string `json:"suffix,omitempty"`
	// Unit interprets int64 columns as epoch timestamps. Defaults to milliseconds.
	Unit EpochUnit `json:"unit,omitempty"`
}

// TimeDelta computes whole days elapsed between each source column and a
// reference column. Null or unparseable values on either side produce 0, as
// do deltas outside [0, MaxDeltaDays]. Presence follows the null mask, so a
// non-null zero time.Time is an ordinary timestamp.
type TimeDelta struct {
	opts TimeDeltaOptions
}

var (
	_ Dependent      = (*TimeDelta)(nil)
	_ InputValidator = (*TimeDelta)(nil)
	_ Encoder        = (*TimeDelta)(nil)
)

// NewTimeDelta creates a TimeDelta operator.
func NewTimeDelta(opts TimeDeltaOptions) (*TimeDelta, error) {
	if opts.Reference == "" {
		return nil, invalidConfig(KindTimeDelta, "reference column is required")
	}
	if opts.Suffix == "" {
		opts.Suffix = DefaultDeltaSuffix
	}
	if opts.Unit == "" {
		opts.Unit = EpochMilliseconds
	}
	if _, ok := opts.Unit.toTime(0); !ok {
		return nil, invalidConfig(KindTimeDelta, "unknown epoch unit %q", opts.Unit)
	}
	return &TimeDelta{opts: opts}, nil
}

func decodeTimeDelta(config json.RawMessage, _ DecodeEnv) (Operator, error) {
	var opts TimeDeltaOptions
	if err := json.Unmarshal(config, &opts); err != nil {
		return nil, err
	}
	return NewTimeDelta(opts)
}

// Kind implements Operator.
func (td *TimeDelta) Kind() Kind { return KindTimeDelta }

// Config implements Encoder.
func (td *TimeDelta) Config() any { return td.opts }

// Dependencies implements Dependent: the reference column.
func (td *TimeDelta) Dependencies() columns.Selector {
	return columns.New(td.opts.Reference)
}

// ValidateInput implements InputValidator.
func (td *TimeDelta) ValidateInput(input columns.Selector) error {
	if input.IsEmpty() {
		return invalidConfig(KindTimeDelta, "at least one source column is required")
	}
	return nil
}

// OutputColumns implements Operator.
func (td *TimeDelta) OutputColumns(input columns.Selector) columns.Selector {
	return input.Map(func(name string) string { return name + td.opts.Suffix })
}

// Transform implements Operator.
func (td *TimeDelta) Transform(ctx context.Context, in Input) (*table.Table, error) {
	ref, err := inputColumn(in, td.opts.Reference)
	if err != nil {
		return nil, err
	}
	refTimes, refOK, err := td.times(td.opts.Reference, ref)
	if err != nil {
		return nil, err
	}

	inputs := in.Columns.Names()
	out := make([]*table.Column, len(inputs))
	for i, name := range inputs {
		col, err := inputColumn(in, name)
		if err != nil {
			return nil, err
		}
		src, srcOK, err := td.times(name, col)
		if err != nil {
			return nil, err
		}
		deltas := make([]int64, col.Len())
		for row := range deltas {
			if refOK[row] && srcOK[row] {
				deltas[row] = deltaDays(refTimes[row], src[row])
			}
		}
		out[i] = table.NewInt64Column(deltas, nil)
	}
	return buildOutput(td.OutputColumns(in.Columns).Names(), out)
}

// times converts a column to timestamps. ok[i] is false for null rows and
// for values that cannot be read as a time.
func (td *TimeDelta) times(name string, col *table.Column) (out []time.Time, ok []bool, err error) {
	out = make([]time.Time, col.Len())
	ok = make([]bool, col.Len())
	switch col.Type() {
	case table.TypeTimestamp:
		for i, t := range col.Times() {
			if !col.IsNull(i) {
				out[i], ok[i] = t, true
			}
		}
	case table.TypeInt64:
		for i, v := range col.Int64s() {
			if !col.IsNull(i) {
				out[i], ok[i] = td.opts.Unit.toTime(v)
			}
		}
	case table.TypeString:
		for i, s := range col.Strings() {
			if !col.IsNull(i) {
				out[i], ok[i] = parseTime(s)
			}
		}
	default:
		return nil, nil, apperrors.NewColumnError(name, fmt.Errorf("cannot interpret %s as time", col.Type()))
	}
	return out, ok, nil
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func deltaDays(ref, src time.Time) int64 {
	days := math.Floor(ref.Sub(src).Hours() / 24)
	if days < 0 || days > MaxDeltaDays {
		return 0
	}
	return int64(days)
}
