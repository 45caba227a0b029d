package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// --- Metric runs ---

func (s *Store) SaveMetricRun(m MetricRun) error {
	plan, err := json.Marshal(m.Plan)
	if err != nil {
		return fmt.Errorf("marshalling plan: %w", err)
	}
	results, err := json.Marshal(m.Results)
	if err != nil {
		return fmt.Errorf("marshalling results: %w", err)
	}
	warnings, err := json.Marshal(m.Warnings)
	if err != nil {
		return fmt.Errorf("marshalling warnings: %w", err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.Exec(`
		INSERT INTO metric_runs (run_id, version_id, plan_json, results_json, warnings_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.RunID, m.VersionID, string(plan), string(results), string(warnings), m.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// LatestMetricRun returns the most recent metric run of a version.
func (s *Store) LatestMetricRun(versionID string) (MetricRun, error) {
	var m MetricRun
	var plan, results, warnings, createdAt string
	err := s.db.QueryRow(`
		SELECT run_id, version_id, plan_json, results_json, warnings_json, created_at
		FROM metric_runs WHERE version_id = ? ORDER BY rowid DESC LIMIT 1`, versionID,
	).Scan(&m.RunID, &m.VersionID, &plan, &results, &warnings, &createdAt)
	if err == sql.ErrNoRows {
		return MetricRun{}, ErrNotFound
	}
	if err != nil {
		return MetricRun{}, err
	}
	if err := json.Unmarshal([]byte(plan), &m.Plan); err != nil {
		return MetricRun{}, fmt.Errorf("decoding plan: %w", err)
	}
	if err := json.Unmarshal([]byte(results), &m.Results); err != nil {
		return MetricRun{}, fmt.Errorf("decoding results: %w", err)
	}
	if err := json.Unmarshal([]byte(warnings), &m.Warnings); err != nil {
		return MetricRun{}, fmt.Errorf("decoding warnings: %w", err)
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return MetricRun{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return m, nil
}

// --- Run summaries ---

func (s *Store) SaveRunRecord(r RunRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO run_summaries (run_id, tenant, feed_identifier, feed_version, status, summary_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Tenant, r.FeedIdentifier, r.FeedVersion, r.Status, r.SummaryJSON, r.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetRunRecord(runID string) (RunRecord, error) {
	var r RunRecord
	var createdAt string
	err := s.db.QueryRow(`
		SELECT run_id, tenant, feed_identifier, feed_version, status, summary_json, created_at
		FROM run_summaries WHERE run_id = ?`, runID,
	).Scan(&r.RunID, &r.Tenant, &r.FeedIdentifier, &r.FeedVersion, &r.Status, &r.SummaryJSON, &createdAt)
	if err == sql.ErrNoRows {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, err
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return RunRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return r, nil
}
