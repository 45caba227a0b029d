package orchestrator

import (
	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/answer"
	"github.com/kalambet/dawn/internal/drift"
	"github.com/kalambet/dawn/internal/memory"
)

// PlanEntry is the audit view of one plan step.
type PlanEntry struct {
	ID        string `json:"id"`
	TaskType  string `json:"task_type"`
	Column    string `json:"column"`
	GroupBy   string `json:"group_by,omitempty"`
	Rationale string `json:"rationale"`
	Intent    string `json:"intent"`
}

// RunSummary is the frozen output of a run.
type RunSummary struct {
	RunID          string                  `json:"run_id"`
	Status         string                  `json:"status"`
	Goal           string                  `json:"goal"`
	FeedIdentifier string                  `json:"feed_identifier"`
	FeedVersion    int                     `json:"feed_version"`
	Plan           []PlanEntry             `json:"plan"`
	Completed      []analysis.MetricResult `json:"completed"`
	Warnings       []string                `json:"warnings"`
	WarningDetails []analysis.Warning      `json:"warning_details"`
	ContextUpdates []memory.Update         `json:"context_updates"`
	Answer         *string                 `json:"answer"`
	DirectAnswer   bool                    `json:"direct_answer"`
	AnswerSources  []answer.Source         `json:"answer_sources"`
	Drift          *drift.Report           `json:"drift,omitempty"`
	FinalReport    string                  `json:"final_report"`
	RunLog         []RunLogEntry           `json:"run_log"`

	tenant string
}

// freeze copies the state into a summary. Slices are never nil so the
// JSON form always carries arrays.
func freeze(st RunState) RunSummary {
	sum := RunSummary{
		RunID:          st.RunID,
		Status:         st.Status,
		Goal:           st.Goal,
		FeedIdentifier: st.Feed.Identifier,
		FeedVersion:    st.Version.Version,
		Plan:           make([]PlanEntry, len(st.Plan.Steps)),
		Completed:      append([]analysis.MetricResult{}, st.Completed...),
		Warnings:       make([]string, len(st.Warnings)),
		WarningDetails: append([]analysis.Warning{}, st.Warnings...),
		ContextUpdates: append([]memory.Update{}, st.ContextUpdates...),
		AnswerSources:  []answer.Source{},
		Drift:          st.Drift,
		FinalReport:    st.FinalReport,
		RunLog:         append([]RunLogEntry{}, st.Log...),
		tenant:         st.Tenant,
	}
	for i, s := range st.Plan.Steps {
		sum.Plan[i] = PlanEntry{
			ID:        s.ID,
			TaskType:  s.Task.String(),
			Column:    s.Column,
			GroupBy:   s.GroupBy,
			Rationale: s.Rationale,
			Intent:    s.Intent,
		}
	}
	for i, w := range st.Warnings {
		sum.Warnings[i] = w.String()
	}
	if st.Answer != nil {
		text := st.Answer.Text
		sum.Answer = &text
		sum.DirectAnswer = st.Answer.Direct
		sum.AnswerSources = append(sum.AnswerSources, st.Answer.Sources...)
	}
	return sum
}
