// Package analysis holds the plan and result types shared by the planner,
// executor, memory curator, answer resolver and orchestrator.
package analysis

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// TaskType is the closed set of metric tasks a plan step can request.
type TaskType int

const (
	TaskCount TaskType = iota + 1
	TaskAggregate
	TaskDescribe
)

func (t TaskType) String() string {
	switch t {
	case TaskCount:
		return "count"
	case TaskAggregate:
		return "aggregate"
	case TaskDescribe:
		return "describe"
	}
	return "unknown"
}

func (t TaskType) MarshalText() ([]byte, error) {
	switch t {
	case TaskCount, TaskAggregate, TaskDescribe:
		return []byte(t.String()), nil
	}
	return nil, fmt.Errorf("invalid task type %d", int(t))
}

func (t *TaskType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "count":
		*t = TaskCount
	case "aggregate":
		*t = TaskAggregate
	case "describe":
		*t = TaskDescribe
	default:
		return fmt.Errorf("invalid task type %q", string(b))
	}
	return nil
}

// PlanStep is one auditable unit of work in an analysis plan.
type PlanStep struct {
	ID        string   `json:"id"`
	Task      TaskType `json:"task"`
	Column    string   `json:"column,omitempty"`
	GroupBy   string   `json:"group_by,omitempty"`
	Rationale string   `json:"rationale"`
	Intent    string   `json:"intent"`
}

// Description is the human-readable label used in reports.
func (s PlanStep) Description() string {
	switch s.Task {
	case TaskCount:
		return "Count rows by " + s.Column
	case TaskAggregate:
		if s.GroupBy != "" {
			return fmt.Sprintf("Summarize %s by %s", s.Column, s.GroupBy)
		}
		return "Summarize " + s.Column
	case TaskDescribe:
		return "Describe dataset"
	}
	return s.ID
}

// Plan is an ordered list of steps.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// Len returns the number of steps.
func (p Plan) Len() int { return len(p.Steps) }

// LabelValue is one (label, value) pair of a result.
type LabelValue struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// Stat is a named scalar. Stats keep their insertion order.
type Stat struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// GroupStats summarizes the values of one group of a grouped aggregate.
type GroupStats struct {
	Label  string  `json:"label"`
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
}

// UnknownLabel is the bucket for missing values.
const UnknownLabel = "unknown"

// MetricResult is the verified output of one executed plan step.
type MetricResult struct {
	StepID      string       `json:"step_id"`
	Task        TaskType     `json:"task"`
	Column      string       `json:"column,omitempty"`
	GroupBy     string       `json:"group_by,omitempty"`
	Description string       `json:"description"`
	Values      []LabelValue `json:"values,omitempty"`
	Stats       []Stat       `json:"stats,omitempty"`
	Groups      []GroupStats `json:"groups,omitempty"`
	ComputedAt  time.Time    `json:"computed_at"`
}

// Stat returns the named stat.
func (r MetricResult) Stat(name string) (float64, bool) {
	for _, s := range r.Stats {
		if s.Name == name {
			return s.Value, true
		}
	}
	return 0, false
}

// Summary renders the result as a single line.
func (r MetricResult) Summary() string {
	switch r.Task {
	case TaskCount:
		return fmt.Sprintf("%s: %s", r.Description, joinLabelValues(r.Values, 5))
	case TaskAggregate:
		s := fmt.Sprintf("%s: %s", r.Description, joinStats(r.Stats))
		if len(r.Groups) > 0 {
			low, high := r.Groups[0], lastKnownGroup(r.Groups)
			s += "; lowest mean " + low.Label + " (" + FormatNumber(low.Mean) + ")"
			if high.Label != low.Label {
				s += ", highest mean " + high.Label + " (" + FormatNumber(high.Mean) + ")"
			}
		}
		return s
	case TaskDescribe:
		return fmt.Sprintf("%s: %s", r.Description, joinStats(r.Stats))
	}
	return r.Description
}

func lastKnownGroup(groups []GroupStats) GroupStats {
	for i := len(groups) - 1; i >= 0; i-- {
		if groups[i].Label != UnknownLabel {
			return groups[i]
		}
	}
	return groups[len(groups)-1]
}

func joinLabelValues(values []LabelValue, limit int) string {
	var s string
	for i, v := range values {
		if i == limit {
			s += ", ..."
			break
		}
		if i > 0 {
			s += ", "
		}
		s += v.Label + " (" + FormatNumber(v.Value) + ")"
	}
	return s
}

func joinStats(stats []Stat) string {
	var s string
	for i, st := range stats {
		if i > 0 {
			s += ", "
		}
		s += st.Name + "=" + FormatNumber(st.Value)
	}
	return s
}

// FormatNumber prints integers without a decimal point and everything else
// with at most two decimals.
func FormatNumber(v float64) string {
	v = math.Round(v*100) / 100
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
