// Package feeds ingests spreadsheet data into versioned feeds and reports
// drift between versions.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/dataset"
	"github.com/kalambet/dawn/internal/drift"
	"github.com/kalambet/dawn/internal/metrics"
	"github.com/kalambet/dawn/internal/storage"
)

// Store is the persistence the feed service needs.
type Store interface {
	EnsureFeed(tenant, identifier, name string) (storage.Feed, error)
	GetFeed(tenant, identifier string) (storage.Feed, error)
	ListFeeds(tenant string) ([]storage.Feed, error)
	CreateVersion(v storage.FeedVersion, ds *dataset.Dataset) (storage.FeedVersion, error)
	LatestVersion(feedID string) (storage.FeedVersion, error)
	GetVersion(feedID string, version int) (storage.FeedVersion, error)
	ListVersions(feedID string) ([]storage.FeedVersion, error)
}

// IngestRequest describes one upload.
type IngestRequest struct {
	Tenant     string
	Identifier string
	Name       string
	Data       io.Reader
}

// IngestResult is the outcome of an ingestion. Created is false when the
// data matched the latest version and no new version was allocated.
type IngestResult struct {
	Feed    storage.Feed        `json:"feed"`
	Version storage.FeedVersion `json:"version"`
	Drift   drift.Report        `json:"drift"`
	Created bool                `json:"created"`
}

// Service ingests feeds.
type Service struct {
	store      Store
	summarizer dataset.Summarizer
	logger     *slog.Logger

	// ingestMu serializes the compare-then-create sequence so identical
	// concurrent uploads cannot both allocate a version.
	ingestMu sync.Mutex
}

// NewService creates a Service. A nil summarizer uses the built-in profiler.
func NewService(store Store, summarizer dataset.Summarizer) *Service {
	if summarizer == nil {
		summarizer = dataset.NewProfiler(0)
	}
	return &Service{store: store, summarizer: summarizer, logger: slog.Default()}
}

// ValidateIdentifier checks a feed identifier. Identifiers are non-empty,
// at most 128 characters, and consist of letters, digits, '.', '_' and '-'.
func ValidateIdentifier(id string) error {
	if id == "" {
		return analysis.NewValidationError("feed", "identifier is empty")
	}
	if len(id) > 128 {
		return analysis.NewValidationError("feed", "identifier longer than 128 characters")
	}
	for _, r := range id {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune("._-", r) {
			return analysis.NewValidationError("feed", "identifier %q contains %q", id, r)
		}
	}
	return nil
}

// Ingest parses and profiles the data, compares it with the latest version
// and stores a new immutable version unless nothing changed.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	tenant := tenantOrDefault(req.Tenant)
	if err := ValidateIdentifier(req.Identifier); err != nil {
		return IngestResult{}, err
	}
	if req.Data == nil {
		return IngestResult{}, analysis.NewValidationError("data", "no data supplied")
	}

	ds, err := dataset.ParseCSV(req.Data)
	if err != nil {
		return IngestResult{}, analysis.NewValidationError("data", "%v", err)
	}
	prof, err := s.summarizer.Summarize(ctx, ds)
	if err != nil {
		return IngestResult{}, fmt.Errorf("profiling %s: %w", req.Identifier, err)
	}
	fingerprint := drift.Fingerprint(ds, prof)

	name := req.Name
	if name == "" {
		name = req.Identifier
	}

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	feed, err := s.store.EnsureFeed(tenant, req.Identifier, name)
	if err != nil {
		return IngestResult{}, err
	}

	var previous *drift.Snapshot
	latest, err := s.store.LatestVersion(feed.ID)
	switch {
	case err == nil:
		previous = &drift.Snapshot{Version: latest.Version, Fingerprint: latest.Fingerprint, Profile: latest.Profile}
	case !errors.Is(err, storage.ErrNotFound):
		return IngestResult{}, fmt.Errorf("loading latest version of %s: %w", req.Identifier, err)
	}

	current := drift.Snapshot{Fingerprint: fingerprint, Profile: prof}
	if previous != nil {
		current.Version = previous.Version + 1
	} else {
		current.Version = 1
	}
	report := drift.Compare(previous, current)
	metrics.RecordIngestion(string(report.Status))

	if report.Status == drift.StatusNoChange {
		// Report against the existing version rather than a phantom one.
		report.CurrentVersion = latest.Version
		s.logger.Info("feed unchanged", "feed", req.Identifier, "version", latest.Version)
		return IngestResult{Feed: feed, Version: latest, Drift: report}, nil
	}

	v, err := s.store.CreateVersion(storage.FeedVersion{
		FeedID:      feed.ID,
		Fingerprint: fingerprint,
		RowCount:    prof.RowCount,
		ColumnCount: prof.ColumnCount,
		Profile:     prof,
	}, ds)
	if err != nil {
		return IngestResult{}, fmt.Errorf("storing version of %s: %w", req.Identifier, err)
	}
	report.CurrentVersion = v.Version
	s.logger.Info("feed version created", "feed", req.Identifier, "version", v.Version, "status", report.Status, "rows", v.RowCount)
	return IngestResult{Feed: feed, Version: v, Drift: report, Created: true}, nil
}

// Drift compares a version with the one before it. Version 0 means the
// latest version.
func (s *Service) Drift(ctx context.Context, tenant, identifier string, version int) (drift.Report, error) {
	feed, err := s.Feed(tenant, identifier)
	if err != nil {
		return drift.Report{}, err
	}
	var cur storage.FeedVersion
	if version <= 0 {
		cur, err = s.store.LatestVersion(feed.ID)
	} else {
		cur, err = s.store.GetVersion(feed.ID, version)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return drift.Report{}, analysis.NewValidationError("version", "feed %s has no version %d", identifier, version)
	}
	if err != nil {
		return drift.Report{}, err
	}
	return s.compareWithPrevious(feed, cur)
}

// DriftFor compares a loaded version with its predecessor.
func (s *Service) DriftFor(feed storage.Feed, cur storage.FeedVersion) (drift.Report, error) {
	return s.compareWithPrevious(feed, cur)
}

func (s *Service) compareWithPrevious(feed storage.Feed, cur storage.FeedVersion) (drift.Report, error) {
	current := drift.Snapshot{Version: cur.Version, Fingerprint: cur.Fingerprint, Profile: cur.Profile}
	if cur.Version <= 1 {
		return drift.Compare(nil, current), nil
	}
	prev, err := s.store.GetVersion(feed.ID, cur.Version-1)
	if errors.Is(err, storage.ErrNotFound) {
		return drift.Compare(nil, current), nil
	}
	if err != nil {
		return drift.Report{}, err
	}
	return drift.Compare(&drift.Snapshot{Version: prev.Version, Fingerprint: prev.Fingerprint, Profile: prev.Profile}, current), nil
}

// Feed loads a feed, translating a missing feed into a ValidationError.
func (s *Service) Feed(tenant, identifier string) (storage.Feed, error) {
	if err := ValidateIdentifier(identifier); err != nil {
		return storage.Feed{}, err
	}
	feed, err := s.store.GetFeed(tenantOrDefault(tenant), identifier)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Feed{}, analysis.NewValidationError("feed", "unknown feed %q", identifier)
	}
	return feed, err
}

// Versions lists the versions of a feed, oldest first.
func (s *Service) Versions(tenant, identifier string) ([]storage.FeedVersion, error) {
	feed, err := s.Feed(tenant, identifier)
	if err != nil {
		return nil, err
	}
	return s.store.ListVersions(feed.ID)
}

// List returns the feeds of a tenant.
func (s *Service) List(tenant string) ([]storage.Feed, error) {
	return s.store.ListFeeds(tenantOrDefault(tenant))
}

func tenantOrDefault(tenant string) string {
	if tenant == "" {
		return storage.DefaultTenant
	}
	return tenant
}
