package planner

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/dataset"
)

func ticketProfile() dataset.Profile {
	return dataset.Profile{
		RowCount:    300,
		ColumnCount: 6,
		Columns: []dataset.ColumnProfile{
			{Name: "ticket_id", DType: dataset.DTypeInt, DistinctCount: 300, PrimaryKey: true, Numeric: &dataset.NumericStats{Min: 1, Max: 300}},
			{Name: "priority", DType: dataset.DTypeString, DistinctCount: 3},
			{Name: "assigned_to", DType: dataset.DTypeString, DistinctCount: 4, NullRate: 0.1, Role: dataset.RoleResolver},
			{Name: "customer", DType: dataset.DTypeString, DistinctCount: 290},
			{Name: "resolution_hours", DType: dataset.DTypeFloat, Role: dataset.RoleDuration, Numeric: &dataset.NumericStats{Min: 1, Max: 9}},
			{Name: "score", DType: dataset.DTypeInt, Numeric: &dataset.NumericStats{Min: 1, Max: 5}},
		},
	}
}

func stepIDs(p analysis.Plan) []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return ids
}

func TestPlan_Ordering(t *testing.T) {
	plan := New(Options{}).Plan(ticketProfile(), "")
	want := []string{
		"count:assigned_to",
		"count:priority",
		"aggregate:resolution_hours",
		"aggregate:score",
		"describe:dataset",
	}
	if got := stepIDs(plan); !reflect.DeepEqual(got, want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}

	agg := plan.Steps[2]
	if agg.Task != analysis.TaskAggregate || agg.GroupBy != "assigned_to" {
		t.Errorf("aggregate step = %+v, want grouped by assigned_to", agg)
	}
	if agg.Rationale != "core KPI: duration measure" {
		t.Errorf("rationale = %q", agg.Rationale)
	}
}

func TestPlan_TaskGroupsStayOrdered(t *testing.T) {
	questions := []string{"", "average resolution_hours by priority", "score per assigned_to"}
	for _, q := range questions {
		plan := New(Options{}).Plan(ticketProfile(), q)
		for i := 1; i < len(plan.Steps); i++ {
			if plan.Steps[i].Task < plan.Steps[i-1].Task {
				t.Errorf("question %q: %s follows %s", q, plan.Steps[i].ID, plan.Steps[i-1].ID)
			}
		}
	}
}

func TestPlan_TruncationKeepsCountsBeforeAggregates(t *testing.T) {
	plan := New(Options{MaxSteps: 2}).Plan(ticketProfile(), "how long is resolution_hours")
	want := []string{"count:assigned_to", "count:priority"}
	if got := stepIDs(plan); !reflect.DeepEqual(got, want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
}

func TestPlan_MentionedAggregateLeadsAggregates(t *testing.T) {
	plan := New(Options{}).Plan(ticketProfile(), "what is the typical score")
	want := []string{
		"count:assigned_to",
		"count:priority",
		"aggregate:score",
		"aggregate:resolution_hours",
		"describe:dataset",
	}
	if got := stepIDs(plan); !reflect.DeepEqual(got, want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
}

func TestPlan_Deterministic(t *testing.T) {
	p := New(Options{})
	a := p.Plan(ticketProfile(), "which priority is most common")
	b := p.Plan(ticketProfile(), "which priority is most common")
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("plans differ:\n%+v\n%+v", a, b)
	}
}

func TestPlan_QuestionMovesMentionedColumnsFirst(t *testing.T) {
	plan := New(Options{}).Plan(ticketProfile(), "Which priority is most common?")
	if plan.Steps[0].ID != "count:priority" {
		t.Errorf("first step = %s, want count:priority", plan.Steps[0].ID)
	}
}

func TestPlan_SkipsIdentifierAndHighCardinalityColumns(t *testing.T) {
	plan := New(Options{}).Plan(ticketProfile(), "")
	for _, s := range plan.Steps {
		if s.Column == "ticket_id" || s.Column == "customer" {
			t.Errorf("unexpected step on %s: %s", s.Column, s.ID)
		}
	}
}

func TestPlan_Deduplicates(t *testing.T) {
	prof := ticketProfile()
	prof.Columns = append(prof.Columns, prof.Columns[1], prof.Columns[4])
	plan := New(Options{}).Plan(prof, "")
	seen := map[string]bool{}
	for _, s := range plan.Steps {
		key := s.Task.String() + ":" + s.Column
		if seen[key] {
			t.Errorf("duplicate step %s", key)
		}
		seen[key] = true
	}
}

func TestPlan_TruncatesToMaxSteps(t *testing.T) {
	prof := dataset.Profile{RowCount: 10}
	for i := 0; i < 20; i++ {
		prof.Columns = append(prof.Columns, dataset.ColumnProfile{
			Name: fmt.Sprintf("c%02d", i), DType: dataset.DTypeString, DistinctCount: 2,
		})
	}
	plan := New(Options{MaxSteps: 5}).Plan(prof, "")
	if plan.Len() != 5 {
		t.Fatalf("len = %d, want 5", plan.Len())
	}
	for i, s := range plan.Steps {
		if want := fmt.Sprintf("count:c%02d", i); s.ID != want {
			t.Errorf("step %d = %s, want %s", i, s.ID, want)
		}
	}
}

func TestPlan_HighCardinalityRationale(t *testing.T) {
	prof := dataset.Profile{RowCount: 100, Columns: []dataset.ColumnProfile{
		{Name: "city", DType: dataset.DTypeString, DistinctCount: 40},
	}}
	plan := New(Options{}).Plan(prof, "")
	if plan.Steps[0].Rationale != "high-cardinality risk: 40 distinct values" {
		t.Errorf("rationale = %q", plan.Steps[0].Rationale)
	}
}

func TestPlan_EmptyProfile(t *testing.T) {
	plan := New(Options{}).Plan(dataset.Profile{}, "")
	if got := stepIDs(plan); !reflect.DeepEqual(got, []string{"describe:dataset"}) {
		t.Errorf("steps = %v, want only describe", got)
	}
}
