// Package executor runs analysis plans against materialized datasets and
// produces verified metric results. Execution is deterministic: the same
// plan, data and clock yield identical results.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/dataset"
)

// Executor evaluates plan steps.
type Executor struct {
	now    func() time.Time
	logger *slog.Logger
}

// New creates an Executor stamping results with now(). If now is nil,
// time.Now is used.
func New(now func() time.Time) *Executor {
	if now == nil {
		now = time.Now
	}
	return &Executor{now: now, logger: slog.Default()}
}

// Execute runs every step of plan in order. Steps that reference missing or
// entirely null columns are skipped and reported as warnings; they never
// abort the run.
func (e *Executor) Execute(ctx context.Context, plan analysis.Plan, ds *dataset.Dataset) ([]analysis.MetricResult, []analysis.Warning, error) {
	computedAt := e.now().UTC().Truncate(time.Second)
	var (
		results  []analysis.MetricResult
		warnings []analysis.Warning
	)
	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		res, err := e.runStep(step, ds)
		if err != nil {
			e.logger.Debug("plan step skipped", "step", step.ID, "error", err)
			warnings = append(warnings, analysis.Warnf(analysis.WarnTaskExecution, "step %s skipped: %v", step.ID, err))
			continue
		}
		res.StepID = step.ID
		res.Task = step.Task
		res.Column = step.Column
		res.GroupBy = step.GroupBy
		res.Description = step.Description()
		res.ComputedAt = computedAt
		results = append(results, res)
	}
	return results, warnings, nil
}

func (e *Executor) runStep(step analysis.PlanStep, ds *dataset.Dataset) (analysis.MetricResult, error) {
	switch step.Task {
	case analysis.TaskCount:
		return countBy(ds, step.Column)
	case analysis.TaskAggregate:
		return aggregate(ds, step.Column, step.GroupBy)
	case analysis.TaskDescribe:
		return describe(ds)
	}
	return analysis.MetricResult{}, fmt.Errorf("unsupported task %v", step.Task)
}

func column(ds *dataset.Dataset, name string) ([]string, error) {
	vals, ok := ds.Column(name)
	if !ok {
		return nil, fmt.Errorf("column %q not found", name)
	}
	for _, v := range vals {
		if !dataset.IsNull(v) {
			return vals, nil
		}
	}
	return nil, fmt.Errorf("column %q has no values", name)
}

func countBy(ds *dataset.Dataset, col string) (analysis.MetricResult, error) {
	vals, err := column(ds, col)
	if err != nil {
		return analysis.MetricResult{}, err
	}
	counts := make(map[string]int)
	for _, v := range vals {
		if dataset.IsNull(v) {
			v = analysis.UnknownLabel
		}
		counts[v]++
	}
	res := analysis.MetricResult{Values: make([]analysis.LabelValue, 0, len(counts))}
	for label, n := range counts {
		res.Values = append(res.Values, analysis.LabelValue{Label: label, Value: float64(n)})
	}
	sort.Slice(res.Values, func(i, j int) bool {
		return labelLess(res.Values[i].Label, res.Values[j].Label, res.Values[i].Value > res.Values[j].Value, res.Values[i].Value == res.Values[j].Value)
	})
	return res, nil
}

// labelLess orders by the primary comparison with the unknown bucket last
// and ascending label as the tie-break.
func labelLess(a, b string, before, tie bool) bool {
	if (a == analysis.UnknownLabel) != (b == analysis.UnknownLabel) {
		return b == analysis.UnknownLabel
	}
	if !tie {
		return before
	}
	return a < b
}

func aggregate(ds *dataset.Dataset, col, groupBy string) (analysis.MetricResult, error) {
	raw, err := column(ds, col)
	if err != nil {
		return analysis.MetricResult{}, err
	}
	var groups []string
	if groupBy != "" {
		if groups, err = column(ds, groupBy); err != nil {
			return analysis.MetricResult{}, fmt.Errorf("group by: %w", err)
		}
	}

	var all []float64
	byGroup := make(map[string][]float64)
	for i, v := range raw {
		if dataset.IsNull(v) {
			continue
		}
		f, ok := dataset.ParseNumber(v)
		if !ok {
			continue
		}
		all = append(all, f)
		if groups != nil {
			g := groups[i]
			if dataset.IsNull(g) {
				g = analysis.UnknownLabel
			}
			byGroup[g] = append(byGroup[g], f)
		}
	}
	if len(all) == 0 {
		return analysis.MetricResult{}, fmt.Errorf("column %q has no numeric values", col)
	}

	s := summarize(all)
	res := analysis.MetricResult{Stats: []analysis.Stat{
		{Name: "count", Value: float64(len(all))},
		{Name: "min", Value: s.Min},
		{Name: "max", Value: s.Max},
		{Name: "mean", Value: s.Mean},
		{Name: "median", Value: s.Median},
	}}
	for label, vals := range byGroup {
		gs := summarize(vals)
		gs.Label = label
		res.Groups = append(res.Groups, gs)
	}
	sort.Slice(res.Groups, func(i, j int) bool {
		a, b := res.Groups[i], res.Groups[j]
		return labelLess(a.Label, b.Label, a.Mean < b.Mean, a.Mean == b.Mean)
	})
	return res, nil
}

func summarize(vals []float64) analysis.GroupStats {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return analysis.GroupStats{
		Count:  n,
		Min:    round2(sorted[0]),
		Max:    round2(sorted[n-1]),
		Mean:   round2(sum / float64(n)),
		Median: round2(median),
	}
}

func describe(ds *dataset.Dataset) (analysis.MetricResult, error) {
	if ds.RowCount() == 0 {
		return analysis.MetricResult{}, fmt.Errorf("dataset has no rows")
	}
	res := analysis.MetricResult{Values: make([]analysis.LabelValue, len(ds.Columns))}
	total := 0
	for i, name := range ds.Columns {
		nulls := 0
		for _, row := range ds.Rows {
			if dataset.IsNull(row[i]) {
				nulls++
			}
		}
		total += nulls
		res.Values[i] = analysis.LabelValue{Label: name, Value: float64(nulls)}
	}
	res.Stats = []analysis.Stat{
		{Name: "rows", Value: float64(ds.RowCount())},
		{Name: "columns", Value: float64(len(ds.Columns))},
		{Name: "null_cells", Value: float64(total)},
	}
	return res, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
