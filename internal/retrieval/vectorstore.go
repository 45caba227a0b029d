package retrieval

import (
	"context"
	"time"
)

// VectorStore stores one embedding per context note and answers similarity
// queries scoped to a tenant and, optionally, a single source.
//
// Two backends exist: SQLiteStore keeps vectors next to the rest of the
// data and scans them brute force; ChromemStore keeps them in an embedded
// chromem-go database. Both accept the same Record and Filter types.
type VectorStore interface {
	// Upsert inserts records or replaces those with the same ID.
	Upsert(ctx context.Context, records []Record) error

	// Search returns up to topK records most similar to vector that match f,
	// best first.
	Search(ctx context.Context, vector []float32, topK int, f Filter) ([]ScoredRecord, error)

	// Delete removes the record with the given ID. Deleting a missing record
	// is not an error.
	Delete(ctx context.Context, id string) error

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
}

// Filter narrows a search. Tenant is required; an empty SourceID searches
// every source of the tenant.
type Filter struct {
	Tenant   string
	SourceID string
}

// Record represents a stored note vector.
type Record struct {
	ID         string
	Tenant     string
	SourceID   string
	SourceType string
	RowIndex   int
	TextChunk  string
	Embedding  []float32
	CreatedAt  time.Time
	Tags       string // JSON array stored as text
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
