package dataset

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Inferred column types.
const (
	DTypeInt    = "int64"
	DTypeFloat  = "float64"
	DTypeBool   = "bool"
	DTypeString = "string"
)

const defaultTopN = 20

// ValueCount is one entry of a column's value histogram.
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// NumericStats summarizes the parseable values of a numeric column.
type NumericStats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

// ColumnProfile describes one column of a dataset.
type ColumnProfile struct {
	Name          string        `json:"name"`
	DType         string        `json:"dtype"`
	NullCount     int           `json:"null_count"`
	NullRate      float64       `json:"null_rate"`
	DistinctCount int           `json:"distinct_count"`
	PrimaryKey    bool          `json:"primary_key_candidate,omitempty"`
	Role          Role          `json:"role,omitempty"`
	TopValues     []ValueCount  `json:"top_values,omitempty"`
	Numeric       *NumericStats `json:"numeric,omitempty"`
}

// IsNumeric reports whether the column holds integers or floats.
func (c ColumnProfile) IsNumeric() bool {
	return c.DType == DTypeInt || c.DType == DTypeFloat
}

// IsCategorical reports whether the column holds discrete labels.
func (c ColumnProfile) IsCategorical() bool {
	return c.DType == DTypeString || c.DType == DTypeBool
}

// Profile is the column-level summary of a dataset.
type Profile struct {
	RowCount    int             `json:"row_count"`
	ColumnCount int             `json:"column_count"`
	Columns     []ColumnProfile `json:"columns"`
}

// Column returns the profile of the named column. Matching is exact.
func (p Profile) Column(name string) (ColumnProfile, int, bool) {
	for i, c := range p.Columns {
		if c.Name == name {
			return c, i, true
		}
	}
	return ColumnProfile{}, -1, false
}

// Summarizer produces a Profile for a materialized dataset.
type Summarizer interface {
	Summarize(ctx context.Context, ds *Dataset) (Profile, error)
}

// Profiler is the built-in Summarizer. It infers column types, null rates,
// cardinality, value histograms, and relationship hints locally.
type Profiler struct {
	TopN int
}

// NewProfiler creates a Profiler keeping at most topN values per column
// histogram. If topN <= 0, it defaults to 20.
func NewProfiler(topN int) *Profiler {
	if topN <= 0 {
		topN = defaultTopN
	}
	return &Profiler{TopN: topN}
}

func (p *Profiler) Summarize(ctx context.Context, ds *Dataset) (Profile, error) {
	prof := Profile{
		RowCount:    ds.RowCount(),
		ColumnCount: len(ds.Columns),
		Columns:     make([]ColumnProfile, 0, len(ds.Columns)),
	}
	for i, name := range ds.Columns {
		if err := ctx.Err(); err != nil {
			return Profile{}, err
		}
		prof.Columns = append(prof.Columns, p.profileColumn(ds, i, name))
	}
	return prof, nil
}

func (p *Profiler) profileColumn(ds *Dataset, idx int, name string) ColumnProfile {
	col := ColumnProfile{Name: name}
	counts := make(map[string]int)
	var values []string
	for _, row := range ds.Rows {
		v := row[idx]
		if IsNull(v) {
			col.NullCount++
			continue
		}
		counts[v]++
		values = append(values, v)
	}
	if n := ds.RowCount(); n > 0 {
		col.NullRate = roundTo(float64(col.NullCount)/float64(n), 4)
	}
	col.DistinctCount = len(counts)
	col.PrimaryKey = ds.RowCount() > 0 && col.NullCount == 0 && col.DistinctCount == ds.RowCount()
	col.DType = inferDType(values)
	col.Role = InferRole(name, col.IsNumeric())

	if col.IsNumeric() {
		col.Numeric = numericStats(values)
		return col
	}

	top := make([]ValueCount, 0, len(counts))
	for v, c := range counts {
		top = append(top, ValueCount{Value: v, Count: c})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Value < top[j].Value
	})
	if len(top) > p.TopN {
		top = top[:p.TopN]
	}
	col.TopValues = top
	return col
}

func inferDType(values []string) string {
	if len(values) == 0 {
		return DTypeString
	}
	allInt, allFloat, allBool := true, true, true
	for _, v := range values {
		if allInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				allInt = false
			}
		}
		if allFloat {
			if _, ok := ParseNumber(v); !ok {
				allFloat = false
			}
		}
		if allBool {
			l := strings.ToLower(v)
			if l != "true" && l != "false" {
				allBool = false
			}
		}
		if !allInt && !allFloat && !allBool {
			return DTypeString
		}
	}
	switch {
	case allInt:
		return DTypeInt
	case allFloat:
		return DTypeFloat
	case allBool:
		return DTypeBool
	}
	return DTypeString
}

// ParseNumber parses a finite decimal cell. Spellings of infinity and NaN
// are not numbers.
func ParseNumber(v string) (float64, bool) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func numericStats(values []string) *NumericStats {
	var sum float64
	st := &NumericStats{Min: math.Inf(1), Max: math.Inf(-1)}
	n := 0
	for _, v := range values {
		f, ok := ParseNumber(v)
		if !ok {
			continue
		}
		sum += f
		st.Min = math.Min(st.Min, f)
		st.Max = math.Max(st.Max, f)
		n++
	}
	if n == 0 {
		return nil
	}
	st.Mean = roundTo(sum/float64(n), 4)
	return st
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
