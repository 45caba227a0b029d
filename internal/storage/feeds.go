package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/dawn/internal/dataset"
)

// --- Feeds ---

// EnsureFeed returns the feed with the given identifier, creating it first if
// needed. An existing feed keeps its name.
func (s *Store) EnsureFeed(tenant, identifier, name string) (Feed, error) {
	f, err := s.GetFeed(tenant, identifier)
	if err == nil {
		return f, nil
	}
	if err != ErrNotFound {
		return Feed{}, err
	}
	f = Feed{
		ID:         uuid.New().String(),
		Tenant:     tenant,
		Identifier: identifier,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.db.Exec(`
		INSERT INTO feeds (id, tenant, identifier, name, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant, identifier) DO NOTHING`,
		f.ID, f.Tenant, f.Identifier, f.Name, f.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Feed{}, fmt.Errorf("creating feed %s: %w", identifier, err)
	}
	return s.GetFeed(tenant, identifier)
}

func (s *Store) GetFeed(tenant, identifier string) (Feed, error) {
	var f Feed
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, tenant, identifier, name, created_at FROM feeds WHERE tenant = ? AND identifier = ?`,
		tenant, identifier,
	).Scan(&f.ID, &f.Tenant, &f.Identifier, &f.Name, &createdAt)
	if err == sql.ErrNoRows {
		return Feed{}, ErrNotFound
	}
	if err != nil {
		return Feed{}, err
	}
	if f.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Feed{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return f, nil
}

func (s *Store) ListFeeds(tenant string) ([]Feed, error) {
	rows, err := s.db.Query(`
		SELECT id, tenant, identifier, name, created_at FROM feeds WHERE tenant = ? ORDER BY identifier ASC`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []Feed
	for rows.Next() {
		var f Feed
		var createdAt string
		if err := rows.Scan(&f.ID, &f.Tenant, &f.Identifier, &f.Name, &createdAt); err != nil {
			return nil, err
		}
		if f.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// --- Versions ---

// CreateVersion allocates the next version number of a feed and stores the
// version together with its materialized dataset in one transaction. The
// Version and ID fields of v are assigned here.
func (s *Store) CreateVersion(v FeedVersion, ds *dataset.Dataset) (FeedVersion, error) {
	profileJSON, err := json.Marshal(v.Profile)
	if err != nil {
		return FeedVersion{}, fmt.Errorf("marshalling profile: %w", err)
	}
	dsJSON, err := json.Marshal(ds)
	if err != nil {
		return FeedVersion{}, fmt.Errorf("marshalling dataset: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return FeedVersion{}, fmt.Errorf("beginning version transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(version), 0) + 1 FROM feed_versions WHERE feed_id = ?`, v.FeedID).Scan(&next); err != nil {
		return FeedVersion{}, fmt.Errorf("allocating version: %w", err)
	}

	v.ID = uuid.New().String()
	v.Version = next
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.Exec(`
		INSERT INTO feed_versions (id, feed_id, version, fingerprint, row_count, column_count, profile_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.FeedID, v.Version, v.Fingerprint, v.RowCount, v.ColumnCount, string(profileJSON),
		v.CreatedAt.UTC().Format(time.RFC3339),
	); err != nil {
		return FeedVersion{}, fmt.Errorf("inserting version: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO feed_datasets (version_id, dataset_json) VALUES (?, ?)`, v.ID, string(dsJSON)); err != nil {
		return FeedVersion{}, fmt.Errorf("inserting dataset: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return FeedVersion{}, fmt.Errorf("committing version: %w", err)
	}
	return v, nil
}

const versionColumns = `id, feed_id, version, fingerprint, row_count, column_count, profile_json, created_at`

func scanVersion(row interface{ Scan(...any) error }) (FeedVersion, error) {
	var v FeedVersion
	var profileJSON, createdAt string
	if err := row.Scan(&v.ID, &v.FeedID, &v.Version, &v.Fingerprint, &v.RowCount, &v.ColumnCount, &profileJSON, &createdAt); err != nil {
		return FeedVersion{}, err
	}
	if err := json.Unmarshal([]byte(profileJSON), &v.Profile); err != nil {
		return FeedVersion{}, fmt.Errorf("decoding profile of version %d: %w", v.Version, err)
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return FeedVersion{}, fmt.Errorf("parsing created_at: %w", err)
	}
	v.CreatedAt = t
	return v, nil
}

// LatestVersion returns the highest version of a feed.
func (s *Store) LatestVersion(feedID string) (FeedVersion, error) {
	v, err := scanVersion(s.db.QueryRow(`SELECT `+versionColumns+` FROM feed_versions
		WHERE feed_id = ? ORDER BY version DESC LIMIT 1`, feedID))
	if err == sql.ErrNoRows {
		return FeedVersion{}, ErrNotFound
	}
	return v, err
}

// GetVersion returns a specific version of a feed.
func (s *Store) GetVersion(feedID string, version int) (FeedVersion, error) {
	v, err := scanVersion(s.db.QueryRow(`SELECT `+versionColumns+` FROM feed_versions
		WHERE feed_id = ? AND version = ?`, feedID, version))
	if err == sql.ErrNoRows {
		return FeedVersion{}, ErrNotFound
	}
	return v, err
}

// ListVersions returns all versions of a feed, oldest first.
func (s *Store) ListVersions(feedID string) ([]FeedVersion, error) {
	rows, err := s.db.Query(`SELECT `+versionColumns+` FROM feed_versions WHERE feed_id = ? ORDER BY version ASC`, feedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []FeedVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// LoadDataset returns the materialized dataset of a version.
func (s *Store) LoadDataset(versionID string) (*dataset.Dataset, error) {
	var raw string
	err := s.db.QueryRow(`SELECT dataset_json FROM feed_datasets WHERE version_id = ?`, versionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ds dataset.Dataset
	if err := json.Unmarshal([]byte(raw), &ds); err != nil {
		return nil, fmt.Errorf("decoding dataset: %w", err)
	}
	return &ds, nil
}
