package dataset

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

const ticketsCSV = `ticket_id,priority,assigned_to,resolution_hours
1,High,Alex,2.5
2,Low,Priya,4
3,High,Alex,
4,Medium,,1.5
5,High,Priya,3
`

func mustParse(t *testing.T, s string) *Dataset {
	t.Helper()
	ds, err := ParseCSV(strings.NewReader(s))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	return ds
}

func TestParseCSV(t *testing.T) {
	ds := mustParse(t, ticketsCSV)
	if got, want := len(ds.Columns), 4; got != want {
		t.Fatalf("columns = %d, want %d", got, want)
	}
	if got, want := ds.RowCount(), 5; got != want {
		t.Fatalf("rows = %d, want %d", got, want)
	}
	if ds.Rows[3][2] != "" {
		t.Errorf("row 4 assigned_to = %q, want empty", ds.Rows[3][2])
	}
}

func TestParseCSV_RaggedAndDuplicateHeaders(t *testing.T) {
	ds := mustParse(t, "a,a,\n1,2\n\n3,4,5,6\n")
	want := []string{"a", "a.1", "column_3"}
	for i, c := range want {
		if ds.Columns[i] != c {
			t.Errorf("column %d = %q, want %q", i, ds.Columns[i], c)
		}
	}
	if ds.RowCount() != 2 {
		t.Fatalf("rows = %d, want 2 (blank line skipped)", ds.RowCount())
	}
	if len(ds.Rows[0]) != 3 || ds.Rows[0][2] != "" {
		t.Errorf("short row not padded: %v", ds.Rows[0])
	}
	if len(ds.Rows[1]) != 3 {
		t.Errorf("long row not truncated: %v", ds.Rows[1])
	}
}

func TestParseCSV_Empty(t *testing.T) {
	if _, err := ParseCSV(strings.NewReader("")); err != ErrNoHeader {
		t.Fatalf("err = %v, want ErrNoHeader", err)
	}
}

func TestIsNull(t *testing.T) {
	for _, v := range []string{"", "  ", "NA", "n/a", "NaN", "null", "None"} {
		if !IsNull(v) {
			t.Errorf("IsNull(%q) = false, want true", v)
		}
	}
	for _, v := range []string{"0", "no", "-"} {
		if IsNull(v) {
			t.Errorf("IsNull(%q) = true, want false", v)
		}
	}
}

func TestProfilerSummarize(t *testing.T) {
	ds := mustParse(t, ticketsCSV)
	prof, err := NewProfiler(0).Summarize(context.Background(), ds)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if prof.RowCount != 5 || prof.ColumnCount != 4 {
		t.Fatalf("counts = %d/%d, want 5/4", prof.RowCount, prof.ColumnCount)
	}

	id, _, _ := prof.Column("ticket_id")
	if id.DType != DTypeInt || !id.PrimaryKey {
		t.Errorf("ticket_id = %+v, want int64 primary key", id)
	}

	pri, _, _ := prof.Column("priority")
	if pri.DType != DTypeString || pri.DistinctCount != 3 {
		t.Errorf("priority = %+v, want string with 3 distinct", pri)
	}
	if pri.TopValues[0] != (ValueCount{Value: "High", Count: 3}) {
		t.Errorf("priority top = %+v, want High x3", pri.TopValues[0])
	}

	who, _, _ := prof.Column("assigned_to")
	if who.Role != RoleResolver {
		t.Errorf("assigned_to role = %q, want resolver", who.Role)
	}
	if who.NullCount != 1 || who.NullRate != 0.2 {
		t.Errorf("assigned_to nulls = %d (%.2f), want 1 (0.20)", who.NullCount, who.NullRate)
	}

	hrs, _, _ := prof.Column("resolution_hours")
	if hrs.DType != DTypeFloat || hrs.Role != RoleDuration {
		t.Errorf("resolution_hours = %+v, want float64 duration", hrs)
	}
	if hrs.Numeric == nil || hrs.Numeric.Min != 1.5 || hrs.Numeric.Max != 4 {
		t.Errorf("resolution_hours stats = %+v", hrs.Numeric)
	}
}

func TestProfilerSummarize_NonFiniteValues(t *testing.T) {
	ds := mustParse(t, "name,score,hours\na,1,2\nb,inf,+Inf\nc,3,Infinity\n")
	prof, err := NewProfiler(0).Summarize(context.Background(), ds)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	for _, name := range []string{"score", "hours"} {
		col, _, _ := prof.Column(name)
		if col.DType != DTypeString || col.Numeric != nil {
			t.Errorf("%s = %+v, want string without numeric stats", name, col)
		}
	}
	if _, err := json.Marshal(prof); err != nil {
		t.Errorf("profile not encodable: %v", err)
	}
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"2.5", 2.5, true},
		{"-3", -3, true},
		{"1e3", 1000, true},
		{"inf", 0, false},
		{"-Infinity", 0, false},
		{"NaN", 0, false},
		{"1e400", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseNumber(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseNumber(%q) = %v, %v, want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestInferRole(t *testing.T) {
	tests := []struct {
		name    string
		numeric bool
		want    Role
	}{
		{"assigned_to", false, RoleResolver},
		{"Support Agent", false, RoleAgent},
		{"ticket_type", false, RoleCategory},
		{"status", false, RoleStatus},
		{"resolution_hours", true, RoleDuration},
		{"resolution_hours", false, RoleNone},
		{"total_cost", true, RoleCost},
		{"priority", false, RoleNone},
	}
	for _, tt := range tests {
		if got := InferRole(tt.name, tt.numeric); got != tt.want {
			t.Errorf("InferRole(%q, %v) = %q, want %q", tt.name, tt.numeric, got, tt.want)
		}
	}
}

func TestLooksLikeID(t *testing.T) {
	for name, want := range map[string]bool{
		"id": true, "ticket_id": true, "ID": true, "row_id_hash": true,
		"idle_minutes": false, "priority": false,
	} {
		if got := LooksLikeID(name); got != want {
			t.Errorf("LooksLikeID(%q) = %v, want %v", name, got, want)
		}
	}
}
