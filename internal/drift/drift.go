// Package drift fingerprints dataset versions and reports how a new version
// differs from the previous one.
package drift

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kalambet/dawn/internal/dataset"
)

// Status is the outcome of comparing a version with its predecessor.
type Status string

const (
	StatusNew      Status = "new"
	StatusNoChange Status = "no_change"
	StatusChanged  Status = "changed"
)

// Snapshot is the comparable state of one feed version.
type Snapshot struct {
	Version     int
	Fingerprint string
	Profile     dataset.Profile
}

// TypeChange records a column whose inferred type changed.
type TypeChange struct {
	Column string `json:"column"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// RateDelta is the null-rate change of a column present in both versions.
type RateDelta struct {
	Column   string  `json:"column"`
	Previous float64 `json:"previous"`
	Current  float64 `json:"current"`
	Delta    float64 `json:"delta"`
}

// LabelDelta is the count change of one categorical value.
type LabelDelta struct {
	Label    string `json:"label"`
	Previous int    `json:"previous"`
	Current  int    `json:"current"`
	Delta    int    `json:"delta"`
}

// ValueDeltas lists the non-zero label count changes of one column.
type ValueDeltas struct {
	Column string       `json:"column"`
	Deltas []LabelDelta `json:"deltas"`
}

// Report describes the difference between two versions of a feed.
type Report struct {
	Status          Status        `json:"status"`
	PreviousVersion int           `json:"previous_version,omitempty"`
	CurrentVersion  int           `json:"current_version"`
	Added           []string      `json:"added_columns,omitempty"`
	Removed         []string      `json:"removed_columns,omitempty"`
	TypeChanges     []TypeChange  `json:"type_changes,omitempty"`
	RowDelta        int           `json:"row_delta"`
	NullRateDeltas  []RateDelta   `json:"null_rate_deltas,omitempty"`
	ValueDeltas     []ValueDeltas `json:"value_deltas,omitempty"`
}

// Fingerprint hashes the ordered schema and the ordered row content of a
// dataset. Identical content always yields the same fingerprint.
func Fingerprint(ds *dataset.Dataset, prof dataset.Profile) string {
	h := sha256.New()
	for i, c := range ds.Columns {
		dtype := ""
		if i < len(prof.Columns) {
			dtype = prof.Columns[i].DType
		}
		fmt.Fprintf(h, "%s\x1f%s\x1e", c, dtype)
	}
	h.Write([]byte{0x1d})
	for _, row := range ds.Rows {
		h.Write([]byte(strings.Join(row, "\x1f")))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Compare builds the drift report of current against previous. A nil
// previous means current is the first version of its feed.
func Compare(previous *Snapshot, current Snapshot) Report {
	rep := Report{CurrentVersion: current.Version}
	if previous == nil {
		rep.Status = StatusNew
		rep.RowDelta = current.Profile.RowCount
		return rep
	}
	rep.PreviousVersion = previous.Version
	rep.RowDelta = current.Profile.RowCount - previous.Profile.RowCount

	if previous.Fingerprint == current.Fingerprint &&
		previous.Profile.RowCount == current.Profile.RowCount &&
		previous.Profile.ColumnCount == current.Profile.ColumnCount {
		rep.Status = StatusNoChange
		return rep
	}
	rep.Status = StatusChanged

	prevCols := make(map[string]dataset.ColumnProfile, len(previous.Profile.Columns))
	for _, c := range previous.Profile.Columns {
		prevCols[c.Name] = c
	}
	curCols := make(map[string]bool, len(current.Profile.Columns))

	for _, cur := range current.Profile.Columns {
		curCols[cur.Name] = true
		prev, ok := prevCols[cur.Name]
		if !ok {
			rep.Added = append(rep.Added, cur.Name)
			continue
		}
		if prev.DType != cur.DType {
			rep.TypeChanges = append(rep.TypeChanges, TypeChange{Column: cur.Name, From: prev.DType, To: cur.DType})
		}
		rep.NullRateDeltas = append(rep.NullRateDeltas, RateDelta{
			Column:   cur.Name,
			Previous: prev.NullRate,
			Current:  cur.NullRate,
			Delta:    round4(cur.NullRate - prev.NullRate),
		})
		if vd, ok := valueDeltas(prev, cur); ok {
			rep.ValueDeltas = append(rep.ValueDeltas, vd)
		}
	}
	for _, c := range previous.Profile.Columns {
		if !curCols[c.Name] {
			rep.Removed = append(rep.Removed, c.Name)
		}
	}
	sort.Strings(rep.Added)
	sort.Strings(rep.Removed)
	return rep
}

// valueDeltas compares complete value histograms of a categorical column.
// Columns whose histogram was truncated by the profiler are skipped.
func valueDeltas(prev, cur dataset.ColumnProfile) (ValueDeltas, bool) {
	if !prev.IsCategorical() || !cur.IsCategorical() {
		return ValueDeltas{}, false
	}
	if len(prev.TopValues) < prev.DistinctCount || len(cur.TopValues) < cur.DistinctCount {
		return ValueDeltas{}, false
	}
	before := make(map[string]int, len(prev.TopValues))
	labels := make(map[string]bool)
	for _, v := range prev.TopValues {
		before[v.Value] = v.Count
		labels[v.Value] = true
	}
	after := make(map[string]int, len(cur.TopValues))
	for _, v := range cur.TopValues {
		after[v.Value] = v.Count
		labels[v.Value] = true
	}

	vd := ValueDeltas{Column: cur.Name}
	for l := range labels {
		if d := after[l] - before[l]; d != 0 {
			vd.Deltas = append(vd.Deltas, LabelDelta{Label: l, Previous: before[l], Current: after[l], Delta: d})
		}
	}
	if len(vd.Deltas) == 0 {
		return ValueDeltas{}, false
	}
	sort.Slice(vd.Deltas, func(i, j int) bool { return vd.Deltas[i].Label < vd.Deltas[j].Label })
	return vd, true
}

// Delta returns the count change of label in column, if reported.
func (r Report) Delta(column, label string) (int, bool) {
	for _, vd := range r.ValueDeltas {
		if vd.Column != column {
			continue
		}
		for _, d := range vd.Deltas {
			if d.Label == label {
				return d.Delta, true
			}
		}
	}
	return 0, false
}

// String renders a one-line summary for logs and reports.
func (r Report) String() string {
	switch r.Status {
	case StatusNew:
		return fmt.Sprintf("v%d is the first version (%d rows)", r.CurrentVersion, r.RowDelta)
	case StatusNoChange:
		return fmt.Sprintf("v%d matches v%d", r.CurrentVersion, r.PreviousVersion)
	}
	var parts []string
	if len(r.Added) > 0 {
		parts = append(parts, "added "+strings.Join(r.Added, ", "))
	}
	if len(r.Removed) > 0 {
		parts = append(parts, "removed "+strings.Join(r.Removed, ", "))
	}
	for _, tc := range r.TypeChanges {
		parts = append(parts, fmt.Sprintf("%s %s->%s", tc.Column, tc.From, tc.To))
	}
	parts = append(parts, fmt.Sprintf("rows %+d", r.RowDelta))
	for _, vd := range r.ValueDeltas {
		var ds []string
		for _, d := range vd.Deltas {
			ds = append(ds, fmt.Sprintf("%s %+d", d.Label, d.Delta))
		}
		parts = append(parts, vd.Column+" "+strings.Join(ds, " "))
	}
	return fmt.Sprintf("v%d vs v%d: %s", r.CurrentVersion, r.PreviousVersion, strings.Join(parts, "; "))
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
