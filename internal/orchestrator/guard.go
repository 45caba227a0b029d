package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/dawn/internal/analysis"
)

// Guardrail messages.
const (
	msgEmptyPlan    = "Analysis plan is empty; nothing was computed."
	msgNoResults    = "No tasks completed; results may be incomplete."
	msgNoAnswer     = "The question could not be answered from verified metrics or context notes."
	reportNoResults = "No verified results."
)

func guardrail(msg string) analysis.Warning {
	return analysis.Warning{Kind: analysis.WarnGuardrail, Severity: analysis.SeverityHigh, Message: msg}
}

// guard inspects the finished analysis. Zero results fail the run; an
// empty plan or an unanswered question only add high-severity warnings.
func (o *Orchestrator) guard(_ context.Context, st RunState) (Stage, RunState, error) {
	st.Status = StatusOK
	var flags []string
	if st.Plan.Len() == 0 {
		st.Warnings = append(st.Warnings, guardrail(msgEmptyPlan))
		flags = append(flags, "empty_plan")
	}
	if len(st.Completed) == 0 {
		st.Warnings = append(st.Warnings, guardrail(msgNoResults))
		st.Status = StatusFailed
		flags = append(flags, "no_results")
	}
	if st.hasQuestion() && (st.Answer == nil || !st.Answer.Answered()) {
		st.Warnings = append(st.Warnings, guardrail(msgNoAnswer))
		flags = append(flags, "qa_failed")
	}

	attrs := []Attr{A("status", st.Status)}
	if len(flags) > 0 {
		attrs = append(attrs, A("flags", strings.Join(flags, ",")))
	}
	o.logf(&st, StageGuardrail, "checked run", attrs...)
	return StageResponder, st, nil
}

// respond composes the final report, freezes the state and persists the
// summary.
func (o *Orchestrator) respond(_ context.Context, st RunState) (Stage, RunState, error) {
	st.FinalReport = finalReport(st)
	o.logf(&st, StageResponder, "composed final report", A("status", st.Status), A("lines", strings.Count(st.FinalReport, "\n")+1))
	if err := o.saveSummary(freeze(st)); err != nil {
		return 0, st, fmt.Errorf("saving run summary: %w", err)
	}
	return StageDone, st, nil
}

func finalReport(st RunState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", st.Goal)
	fmt.Fprintf(&sb, "Feed: %s v%d", st.Feed.Identifier, st.Version.Version)
	if st.Drift != nil {
		fmt.Fprintf(&sb, " (%s)", st.Drift.String())
	}
	sb.WriteString("\n")

	if len(st.Completed) == 0 {
		sb.WriteString(reportNoResults + "\n")
	}
	for _, r := range st.Completed {
		sb.WriteString("- ")
		sb.WriteString(r.Summary())
		sb.WriteString("\n")
	}

	if st.Answer != nil {
		sb.WriteString("\nAnswer:\n")
		sb.WriteString(st.Answer.Text)
		sb.WriteString("\n")
		if st.Answer.Direct {
			fmt.Fprintf(&sb, "Source: verified metric %s\n", st.Answer.StepID)
		} else if len(st.Answer.Sources) > 0 {
			ids := make([]string, len(st.Answer.Sources))
			for i, s := range st.Answer.Sources {
				ids[i] = s.NoteID
			}
			fmt.Fprintf(&sb, "Sources: %s\n", strings.Join(ids, ", "))
		}
	}

	if len(st.Warnings) > 0 {
		sb.WriteString("\nWarnings:\n")
		for _, w := range st.Warnings {
			sb.WriteString("! ")
			sb.WriteString(w.Message)
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
