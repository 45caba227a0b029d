// Package planner turns a column profile into an ordered, de-duplicated
// analysis plan. Planning is pure: the same profile and question always
// produce the same plan.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/dataset"
)

const (
	DefaultMaxSteps             = 12
	DefaultCardinalityThreshold = 50
)

// Options bound the size and shape of generated plans.
type Options struct {
	MaxSteps             int
	CardinalityThreshold int
}

// Planner generates analysis plans.
type Planner struct {
	opts Options
}

// New creates a Planner. Zero option fields take their defaults.
func New(opts Options) *Planner {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.CardinalityThreshold <= 0 {
		opts.CardinalityThreshold = DefaultCardinalityThreshold
	}
	return &Planner{opts: opts}
}

// Step priority tiers within one task type, lowest first.
const (
	tierMentioned = iota
	tierRoleHinted
	tierCount
	tierAggregate
	tierDescribe
)

type candidate struct {
	step     analysis.PlanStep
	tier     int
	nullRate float64
	pos      int
}

// Plan builds the plan for prof. Steps are grouped Count, Aggregate,
// Describe; an optional question moves steps on the columns it mentions to
// the front of their group.
func (p *Planner) Plan(prof dataset.Profile, question string) analysis.Plan {
	counts := p.countCandidates(prof, question)
	groupBy := pickGroupColumn(counts)

	var all []candidate
	all = append(all, counts...)
	all = append(all, p.aggregateCandidates(prof, question, groupBy)...)
	all = append(all, candidate{
		step: analysis.PlanStep{
			ID:        "describe:dataset",
			Task:      analysis.TaskDescribe,
			Rationale: "dataset overview",
			Intent:    "describe dataset shape and completeness",
		},
		tier: tierDescribe,
		pos:  len(prof.Columns),
	})

	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.step.Task != b.step.Task {
			return a.step.Task < b.step.Task
		}
		if a.tier != b.tier {
			return a.tier < b.tier
		}
		if a.nullRate != b.nullRate {
			return a.nullRate < b.nullRate
		}
		return a.pos < b.pos
	})

	seen := make(map[string]bool, len(all))
	plan := analysis.Plan{}
	for _, c := range all {
		key := c.step.Task.String() + "\x00" + c.step.Column
		if seen[key] {
			continue
		}
		seen[key] = true
		plan.Steps = append(plan.Steps, c.step)
		if len(plan.Steps) == p.opts.MaxSteps {
			break
		}
	}
	return plan
}

// countCandidates returns Count steps for low-cardinality categorical
// columns, already ordered by priority.
func (p *Planner) countCandidates(prof dataset.Profile, question string) []candidate {
	var out []candidate
	for i, col := range prof.Columns {
		if !col.IsCategorical() || col.PrimaryKey {
			continue
		}
		if col.DistinctCount == 0 || col.DistinctCount > p.opts.CardinalityThreshold {
			continue
		}
		rationale := fmt.Sprintf("categorical breakdown: %d distinct values", col.DistinctCount)
		if col.DistinctCount*2 > p.opts.CardinalityThreshold {
			rationale = fmt.Sprintf("high-cardinality risk: %d distinct values", col.DistinctCount)
		}
		tier := tierCount
		switch {
		case analysis.MentionsColumn(question, col.Name):
			tier = tierMentioned
		case col.Role != dataset.RoleNone:
			tier = tierRoleHinted
		}
		out = append(out, candidate{
			step: analysis.PlanStep{
				ID:        "count:" + col.Name,
				Task:      analysis.TaskCount,
				Column:    col.Name,
				Rationale: rationale,
				Intent:    "count rows by " + col.Name,
			},
			tier:     tier,
			nullRate: col.NullRate,
			pos:      i,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].tier != out[j].tier {
			return out[i].tier < out[j].tier
		}
		if out[i].nullRate != out[j].nullRate {
			return out[i].nullRate < out[j].nullRate
		}
		return out[i].pos < out[j].pos
	})
	return out
}

// groupKeywords name columns that identify who owns a row.
var groupKeywords = []string{"assign", "owner", "resolver", "agent", "team"}

// pickGroupColumn chooses the categorical column aggregates are grouped by:
// an entity-like column when one exists, otherwise the best-ranked one.
func pickGroupColumn(counts []candidate) string {
	for _, c := range counts {
		name := strings.ToLower(c.step.Column)
		for _, kw := range groupKeywords {
			if strings.Contains(name, kw) {
				return c.step.Column
			}
		}
	}
	if len(counts) > 0 {
		return counts[0].step.Column
	}
	return ""
}

func (p *Planner) aggregateCandidates(prof dataset.Profile, question, groupBy string) []candidate {
	var out []candidate
	for i, col := range prof.Columns {
		if !col.IsNumeric() || col.Numeric == nil || dataset.LooksLikeID(col.Name) {
			continue
		}
		kind := "numeric measure"
		tier := tierAggregate
		switch {
		case analysis.MentionsColumn(question, col.Name):
			tier = tierMentioned
		case col.Role != dataset.RoleNone:
			tier = tierRoleHinted
		}
		if col.Role != dataset.RoleNone {
			kind = string(col.Role) + " measure"
		}
		intent := "summarize " + col.Name
		if groupBy != "" {
			intent += " by " + groupBy
		}
		out = append(out, candidate{
			step: analysis.PlanStep{
				ID:        "aggregate:" + col.Name,
				Task:      analysis.TaskAggregate,
				Column:    col.Name,
				GroupBy:   groupBy,
				Rationale: "core KPI: " + kind,
				Intent:    intent,
			},
			tier:     tier,
			nullRate: col.NullRate,
			pos:      i,
		})
	}
	return out
}
