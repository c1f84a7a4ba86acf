// Package sparse holds the sparse profile matrices used by similarity features:
// a mapping from a row key (for example a document id) to a sparse vector of
// (feature id, weight) pairs.
package sparse

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Metric selects how raw weights are transformed before cosine similarity.
type Metric string

const (
	MetricTFIDF Metric = "tfidf"
	MetricInner Metric = "inner"
)

// IsValid reports whether m is a known metric.
func (m Metric) IsValid() bool {
	return m == MetricTFIDF || m == MetricInner
}

// Vector is a sparse vector with features sorted ascending and no duplicates.
type Vector struct {
	Features []int64   `json:"features"`
	Weights  []float64 `json:"weights"`
}

// Len returns the number of stored entries.
func (v Vector) Len() int {
	return len(v.Features)
}

// Dot returns the inner product of two vectors.
func Dot(a, b Vector) float64 {
	var sum float64
	i, j := 0, 0
	for i < len(a.Features) && j < len(b.Features) {
		switch {
		case a.Features[i] == b.Features[j]:
			sum += a.Weights[i] * b.Weights[j]
			i++
			j++
		case a.Features[i] < b.Features[j]:
			i++
		default:
			j++
		}
	}
	return sum
}

// Cosine returns the cosine similarity of a and b, or 0 when either norm is 0.
func Cosine(a, b Vector) float64 {
	return cosineWithNorms(a, b, Dot(a, a), Dot(b, b))
}

// cosineWithNorms takes squared norms so that identical vectors yield exactly 1:
// sqrt(x*x) == x in IEEE arithmetic, while sqrt(x)*sqrt(x) may not.
func cosineWithNorms(a, b Vector, aa, bb float64) float64 {
	if aa == 0 || bb == 0 {
		return 0
	}
	sim := Dot(a, b) / math.Sqrt(aa*bb)
	return math.Max(-1, math.Min(1, sim))
}

// Matrix is an immutable sparse profile matrix. It is safe for concurrent use.
type Matrix struct {
	name string
	rows map[string]Vector
	df   map[int64]int

	weightedOnce sync.Once
	tfidf        map[string]Vector
	tfidfNorms   map[string]float64
	rawNorms     map[string]float64
}

// Name returns the matrix name used to reference it from persisted workflows.
func (m *Matrix) Name() string {
	return m.name
}

// NumRows returns the number of row keys (documents).
func (m *Matrix) NumRows() int {
	return len(m.rows)
}

// Row returns the raw vector for key.
func (m *Matrix) Row(key string) (Vector, bool) {
	v, ok := m.rows[key]
	return v, ok
}

// Keys returns the row keys in sorted order.
func (m *Matrix) Keys() []string {
	keys := make([]string, 0, len(m.rows))
	for k := range m.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DocumentFrequency returns the number of rows with a non-zero weight for feature.
func (m *Matrix) DocumentFrequency(feature int64) int {
	return m.df[feature]
}

// IDF returns log(rows / df) for feature, or 0 when the feature never occurs.
func (m *Matrix) IDF(feature int64) float64 {
	df := m.df[feature]
	if df == 0 || len(m.rows) == 0 {
		return 0
	}
	return math.Log(float64(len(m.rows)) / float64(df))
}

// Weighted returns the row vector for key under metric. A missing key yields
// an empty vector.
func (m *Matrix) Weighted(key string, metric Metric) Vector {
	if metric == MetricTFIDF {
		m.prepare()
		return m.tfidf[key]
	}
	return m.rows[key]
}

func (m *Matrix) squaredNorm(key string, metric Metric) float64 {
	m.prepare()
	if metric == MetricTFIDF {
		return m.tfidfNorms[key]
	}
	return m.rawNorms[key]
}

// prepare derives TF-IDF weighted rows and squared norms once.
func (m *Matrix) prepare() {
	m.weightedOnce.Do(func() {
		m.tfidf = make(map[string]Vector, len(m.rows))
		m.tfidfNorms = make(map[string]float64, len(m.rows))
		m.rawNorms = make(map[string]float64, len(m.rows))
		for key, v := range m.rows {
			w := Vector{
				Features: v.Features,
				Weights:  make([]float64, len(v.Weights)),
			}
			for i, f := range v.Features {
				w.Weights[i] = v.Weights[i] * m.IDF(f)
			}
			m.tfidf[key] = w
			m.tfidfNorms[key] = Dot(w, w)
			m.rawNorms[key] = Dot(v, v)
		}
	})
}

// Similarity computes the cosine similarity between row leftKey of left and
// row rightKey of right under metric. Absent keys yield 0.
func Similarity(left *Matrix, leftKey string, right *Matrix, rightKey string, metric Metric) float64 {
	a := left.Weighted(leftKey, metric)
	b := right.Weighted(rightKey, metric)
	if a.Len() == 0 || b.Len() == 0 {
		return 0
	}
	return cosineWithNorms(a, b, left.squaredNorm(leftKey, metric), right.squaredNorm(rightKey, metric))
}

type matrixJSON struct {
	Name string            `json:"name"`
	Rows map[string]Vector `json:"rows"`
}

// MarshalJSON encodes the raw rows. Derived weights are recomputed on load.
func (m *Matrix) MarshalJSON() ([]byte, error) {
	return json.Marshal(matrixJSON{Name: m.name, Rows: m.rows})
}

// UnmarshalJSON decodes a matrix written by MarshalJSON.
func (m *Matrix) UnmarshalJSON(data []byte) error {
	var raw matrixJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b := NewBuilder(raw.Name)
	for key, v := range raw.Rows {
		if len(v.Features) != len(v.Weights) {
			return fmt.Errorf("row %q: %d features but %d weights", key, len(v.Features), len(v.Weights))
		}
		for i, f := range v.Features {
			b.Add(key, f, v.Weights[i])
		}
	}
	built := b.Build()
	m.name = built.name
	m.rows = built.rows
	m.df = built.df
	return nil
}
