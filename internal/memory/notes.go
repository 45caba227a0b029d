package memory

import (
	"fmt"
	"math"
	"strings"

	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/dataset"
	"github.com/kalambet/dawn/internal/drift"
	"github.com/kalambet/dawn/internal/storage"
)

// SourceKey is the note source of a feed.
func SourceKey(feedIdentifier string) string {
	return "feed:" + feedIdentifier
}

func summaryText(in Input) string {
	var sb strings.Builder
	name := in.FeedName
	if name == "" {
		name = in.FeedIdentifier
	}
	fmt.Fprintf(&sb, "Feed %s version %d: %d rows, %d columns (%s).",
		name, in.Version, in.Profile.RowCount, in.Profile.ColumnCount, columnNames(in.Profile))
	for _, r := range in.Results {
		sb.WriteString("\n- ")
		sb.WriteString(r.Summary())
	}
	if in.Drift != nil && in.Drift.Status == drift.StatusChanged {
		sb.WriteString("\nChanges: ")
		sb.WriteString(in.Drift.String())
	}
	return sb.String()
}

func columnNames(p dataset.Profile) string {
	names := make([]string, len(p.Columns))
	for i, c := range p.Columns {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}

func columnText(col dataset.ColumnProfile, results []analysis.MetricResult, report *drift.Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Column %s (%s", col.Name, col.DType)
	if col.Role != dataset.RoleNone {
		fmt.Fprintf(&sb, ", role %s", col.Role)
	}
	fmt.Fprintf(&sb, "): null rate %s%%, %d distinct values.",
		analysis.FormatNumber(roundPct(col.NullRate)), col.DistinctCount)
	if col.PrimaryKey {
		sb.WriteString(" Unique per row.")
	}
	if col.Numeric != nil {
		fmt.Fprintf(&sb, " Range %s to %s, mean %s.",
			analysis.FormatNumber(col.Numeric.Min), analysis.FormatNumber(col.Numeric.Max), analysis.FormatNumber(col.Numeric.Mean))
	} else if len(col.TopValues) > 0 {
		sb.WriteString(" Top values: ")
		for i, v := range col.TopValues {
			if i == 5 {
				sb.WriteString(", ...")
				break
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s (%d)", v.Value, v.Count)
		}
		sb.WriteString(".")
	}
	for _, r := range results {
		if r.Column == col.Name || r.GroupBy == col.Name {
			sb.WriteString("\n- ")
			sb.WriteString(r.Summary())
		}
	}
	if report != nil {
		for _, d := range report.NullRateDeltas {
			if d.Column == col.Name && d.Delta != 0 {
				fmt.Fprintf(&sb, "\nNull rate moved by %s points since version %d.",
					analysis.FormatNumber(roundPct(d.Delta)), report.PreviousVersion)
			}
		}
	}
	return sb.String()
}

// roundPct turns a 0..1 rate into a percentage with two decimals.
func roundPct(rate float64) float64 {
	return math.Round(rate*10000) / 100
}

func columnTags(col dataset.ColumnProfile) []string {
	tags := []string{"column"}
	if col.Role != dataset.RoleNone {
		tags = append(tags, string(col.Role))
	}
	return tags
}

// buildNotes returns the summary note followed by one note per column, in
// column order. Column notes are keyed by column name.
func buildNotes(in Input) []storage.ContextNote {
	source := SourceKey(in.FeedIdentifier)
	notes := make([]storage.ContextNote, 0, len(in.Profile.Columns)+1)
	notes = append(notes, storage.ContextNote{
		Tenant:   in.Tenant,
		Source:   source,
		Type:     storage.NoteSummary,
		RowIndex: -1,
		Text:     summaryText(in),
		Tags:     []string{"summary", "metrics"},
	})
	for _, col := range in.Profile.Columns {
		notes = append(notes, storage.ContextNote{
			Tenant:   in.Tenant,
			Source:   source,
			Type:     storage.NoteColumn,
			RowIndex: -1,
			Subject:  col.Name,
			Text:     columnText(col, in.Results, in.Drift),
			Tags:     columnTags(col),
		})
	}
	return notes
}

// retiredText replaces the generated text of a column note whose column is
// gone from the profiled version. A user edit stays layered on top.
func retiredText(column string, version int) string {
	return fmt.Sprintf("Column %s is not present in version %d.", column, version)
}

// retiredNotes returns replacements for the existing column notes of the
// source whose column is missing from in.Profile.
func retiredNotes(in Input, existing []storage.ContextNote) []storage.ContextNote {
	present := make(map[string]bool, len(in.Profile.Columns))
	for _, col := range in.Profile.Columns {
		present[col.Name] = true
	}
	var out []storage.ContextNote
	for _, n := range existing {
		if n.Type != storage.NoteColumn || n.Subject == "" || present[n.Subject] {
			continue
		}
		if n.Text == retiredText(n.Subject, in.Version) {
			continue
		}
		out = append(out, storage.ContextNote{
			Tenant:   n.Tenant,
			Source:   n.Source,
			Type:     storage.NoteColumn,
			RowIndex: n.RowIndex,
			Subject:  n.Subject,
			Text:     retiredText(n.Subject, in.Version),
			Tags:     []string{"retired"},
		})
	}
	return out
}
