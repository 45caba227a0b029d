package storage

import (
	"errors"
	"time"

	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/dataset"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// DefaultTenant scopes records when the caller does not name a tenant.
const DefaultTenant = "default"

type Feed struct {
	ID         string    `json:"id"`
	Tenant     string    `json:"tenant"`
	Identifier string    `json:"identifier"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

// FeedVersion is an immutable snapshot of a feed's data.
type FeedVersion struct {
	ID          string          `json:"id"`
	FeedID      string          `json:"feed_id"`
	Version     int             `json:"version"`
	Fingerprint string          `json:"fingerprint"`
	RowCount    int             `json:"row_count"`
	ColumnCount int             `json:"column_count"`
	Profile     dataset.Profile `json:"profile"`
	CreatedAt   time.Time       `json:"created_at"`
}

// MetricRun is the plan and results one orchestration run computed for a
// feed version. The latest metric run is the version's current analysis.
type MetricRun struct {
	RunID     string                  `json:"run_id"`
	VersionID string                  `json:"version_id"`
	Plan      analysis.Plan           `json:"plan"`
	Results   []analysis.MetricResult `json:"results"`
	Warnings  []analysis.Warning      `json:"warnings,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
}

// Note types.
const (
	NoteSummary = "summary"
	NoteColumn  = "column"
	NoteRow     = "row"
	NoteUser    = "user-note"
)

// ContextNote is a searchable piece of memory. Its identity is
// (Tenant, Source, Type, RowIndex, Subject); UserText is an edit layered on
// top of the generated Text and survives re-curation. Column notes use the
// column name as Subject so they follow the column across schema changes.
type ContextNote struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	Source    string    `json:"source"`
	Type      string    `json:"type"`
	RowIndex  int       `json:"row_index"`
	Subject   string    `json:"subject,omitempty"`
	Text      string    `json:"text"`
	UserText  string    `json:"user_text,omitempty"`
	Tags      []string  `json:"tags"`
	Embedded  bool      `json:"embedded"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Content returns the text used for embedding and display.
func (n ContextNote) Content() string {
	if n.UserText == "" {
		return n.Text
	}
	if n.Text == "" {
		return n.UserText
	}
	return n.Text + "\nNote: " + n.UserText
}

// RunRecord is a persisted run summary.
type RunRecord struct {
	RunID          string    `json:"run_id"`
	Tenant         string    `json:"tenant"`
	FeedIdentifier string    `json:"feed_identifier"`
	FeedVersion    int       `json:"feed_version"`
	Status         string    `json:"status"`
	SummaryJSON    string    `json:"summary_json"`
	CreatedAt      time.Time `json:"created_at"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
