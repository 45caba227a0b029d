package storage

import (
	"sync"
	"testing"

	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/dataset"
)

func testDataset() *dataset.Dataset {
	return &dataset.Dataset{
		Columns: []string{"priority", "assigned_to"},
		Rows:    [][]string{{"High", "Alex"}, {"Low", "Priya"}},
	}
}

func TestEnsureFeed(t *testing.T) {
	s := openTestStore(t)

	f1, err := s.EnsureFeed(DefaultTenant, "tickets", "Support tickets")
	if err != nil {
		t.Fatalf("EnsureFeed: %v", err)
	}
	f2, err := s.EnsureFeed(DefaultTenant, "tickets", "renamed")
	if err != nil {
		t.Fatalf("EnsureFeed: %v", err)
	}
	if f1.ID != f2.ID || f2.Name != "Support tickets" {
		t.Errorf("second EnsureFeed = %+v, want the original feed", f2)
	}

	other, err := s.EnsureFeed("acme", "tickets", "")
	if err != nil {
		t.Fatalf("EnsureFeed: %v", err)
	}
	if other.ID == f1.ID {
		t.Error("feeds of different tenants share an id")
	}

	if _, err := s.GetFeed(DefaultTenant, "missing"); err != ErrNotFound {
		t.Errorf("GetFeed(missing) = %v, want ErrNotFound", err)
	}
}

func TestCreateVersion_Increments(t *testing.T) {
	s := openTestStore(t)
	f, err := s.EnsureFeed(DefaultTenant, "tickets", "")
	if err != nil {
		t.Fatalf("EnsureFeed: %v", err)
	}

	for want := 1; want <= 3; want++ {
		v, err := s.CreateVersion(FeedVersion{FeedID: f.ID, Fingerprint: "fp", RowCount: 2, ColumnCount: 2}, testDataset())
		if err != nil {
			t.Fatalf("CreateVersion: %v", err)
		}
		if v.Version != want {
			t.Errorf("version = %d, want %d", v.Version, want)
		}
	}

	latest, err := s.LatestVersion(f.ID)
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if latest.Version != 3 {
		t.Errorf("latest = %d, want 3", latest.Version)
	}

	versions, err := s.ListVersions(f.ID)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 3 || versions[0].Version != 1 {
		t.Errorf("versions = %+v", versions)
	}
}

func TestCreateVersion_ConcurrentUnique(t *testing.T) {
	s := openTestStore(t)
	f, err := s.EnsureFeed(DefaultTenant, "tickets", "")
	if err != nil {
		t.Fatalf("EnsureFeed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.CreateVersion(FeedVersion{FeedID: f.ID, Fingerprint: "fp"}, testDataset()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("CreateVersion: %v", err)
	}

	versions, err := s.ListVersions(f.ID)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	for i, v := range versions {
		if v.Version != i+1 {
			t.Fatalf("versions not contiguous: %d at %d", v.Version, i)
		}
	}
}

func TestVersionProfileAndDatasetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	f, _ := s.EnsureFeed(DefaultTenant, "tickets", "")

	prof := dataset.Profile{RowCount: 2, ColumnCount: 2, Columns: []dataset.ColumnProfile{
		{Name: "priority", DType: dataset.DTypeString, DistinctCount: 2, TopValues: []dataset.ValueCount{{Value: "High", Count: 1}}},
	}}
	v, err := s.CreateVersion(FeedVersion{FeedID: f.ID, Fingerprint: "abc", Profile: prof}, testDataset())
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}

	got, err := s.GetVersion(f.ID, v.Version)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if got.Profile.Columns[0].TopValues[0].Value != "High" {
		t.Errorf("profile not preserved: %+v", got.Profile)
	}

	ds, err := s.LoadDataset(v.ID)
	if err != nil {
		t.Fatalf("LoadDataset: %v", err)
	}
	if ds.RowCount() != 2 || ds.Rows[1][1] != "Priya" {
		t.Errorf("dataset = %+v", ds)
	}
}

func TestMetricRuns(t *testing.T) {
	s := openTestStore(t)
	f, _ := s.EnsureFeed(DefaultTenant, "tickets", "")
	v, err := s.CreateVersion(FeedVersion{FeedID: f.ID, Fingerprint: "abc"}, testDataset())
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}

	if _, err := s.LatestMetricRun(v.ID); err != ErrNotFound {
		t.Fatalf("LatestMetricRun(empty) = %v, want ErrNotFound", err)
	}

	for _, id := range []string{"run-1", "run-2"} {
		err := s.SaveMetricRun(MetricRun{
			RunID:     id,
			VersionID: v.ID,
			Plan:      analysis.Plan{Steps: []analysis.PlanStep{{ID: "count:priority", Task: analysis.TaskCount, Column: "priority"}}},
			Results:   []analysis.MetricResult{{StepID: "count:priority", Task: analysis.TaskCount, Values: []analysis.LabelValue{{Label: "High", Value: 1}}}},
		})
		if err != nil {
			t.Fatalf("SaveMetricRun: %v", err)
		}
	}

	m, err := s.LatestMetricRun(v.ID)
	if err != nil {
		t.Fatalf("LatestMetricRun: %v", err)
	}
	if m.RunID != "run-2" {
		t.Errorf("run = %s, want run-2", m.RunID)
	}
	if m.Plan.Steps[0].Task != analysis.TaskCount || m.Results[0].Values[0].Label != "High" {
		t.Errorf("metric run not preserved: %+v", m)
	}
}

func TestRunRecords(t *testing.T) {
	s := openTestStore(t)

	rec := RunRecord{RunID: "r1", Tenant: DefaultTenant, FeedIdentifier: "tickets", FeedVersion: 2, Status: "completed", SummaryJSON: `{"status":"completed"}`}
	if err := s.SaveRunRecord(rec); err != nil {
		t.Fatalf("SaveRunRecord: %v", err)
	}
	got, err := s.GetRunRecord("r1")
	if err != nil {
		t.Fatalf("GetRunRecord: %v", err)
	}
	if got.SummaryJSON != rec.SummaryJSON || got.FeedVersion != 2 {
		t.Errorf("record = %+v", got)
	}
	if _, err := s.GetRunRecord("nope"); err != ErrNotFound {
		t.Errorf("GetRunRecord(nope) = %v, want ErrNotFound", err)
	}
}
