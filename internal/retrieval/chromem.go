package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

var _ VectorStore = (*ChromemStore)(nil)

const chromemCollection = "context_notes"

// ChromemStore keeps note vectors in an embedded chromem-go database.
// Filters map onto chromem's metadata where-clauses.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewChromemStore opens a persistent chromem database at path. An empty
// path keeps everything in memory.
func NewChromemStore(path string, compress bool) (*ChromemStore, error) {
	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db at %s: %w", path, err)
		}
	}
	coll, err := db.GetOrCreateCollection(chromemCollection, nil, precomputedOnly)
	if err != nil {
		return nil, fmt.Errorf("getting collection %s: %w", chromemCollection, err)
	}
	return &ChromemStore{db: db, collection: coll}, nil
}

// precomputedOnly is the collection's embedding func. Vectors always arrive
// with the records, so chromem never needs to compute one itself.
func precomputedOnly(_ context.Context, _ string) ([]float32, error) {
	return nil, errors.New("chromem store expects precomputed embeddings")
}

func (s *ChromemStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		if len(r.Embedding) == 0 {
			return fmt.Errorf("record %s has no embedding", r.ID)
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		tags := r.Tags
		if tags == "" {
			tags = "[]"
		}
		docs[i] = chromem.Document{
			ID:      r.ID,
			Content: r.TextChunk,
			Metadata: map[string]string{
				"tenant":      r.Tenant,
				"source_id":   r.SourceID,
				"source_type": r.SourceType,
				"row_index":   strconv.Itoa(r.RowIndex),
				"created_at":  createdAt.UTC().Format(time.RFC3339),
				"tags":        tags,
			},
			// chromem normalizes in place; keep the caller's slice intact.
			Embedding: append([]float32(nil), r.Embedding...),
		}
	}
	if err := s.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}
	return nil
}

func (s *ChromemStore) Search(ctx context.Context, vector []float32, topK int, f Filter) ([]ScoredRecord, error) {
	if topK <= 0 || norm(vector) == 0 {
		return nil, nil
	}
	// chromem rejects nResults above the collection size.
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	where := map[string]string{"tenant": f.Tenant}
	if f.SourceID != "" {
		where["source_id"] = f.SourceID
	}

	results, err := s.collection.QueryEmbedding(ctx, append([]float32(nil), vector...), topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	out := make([]ScoredRecord, 0, len(results))
	for _, res := range results {
		r := Record{
			ID:         res.ID,
			Tenant:     res.Metadata["tenant"],
			SourceID:   res.Metadata["source_id"],
			SourceType: res.Metadata["source_type"],
			TextChunk:  res.Content,
			Embedding:  res.Embedding,
			Tags:       res.Metadata["tags"],
		}
		r.RowIndex, _ = strconv.Atoi(res.Metadata["row_index"])
		r.CreatedAt, _ = time.Parse(time.RFC3339, res.Metadata["created_at"])
		out = append(out, ScoredRecord{Record: r, Score: res.Similarity})
	}
	sortByScore(out)
	return out, nil
}

func (s *ChromemStore) Delete(ctx context.Context, id string) error {
	if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("deleting record %s: %w", id, err)
	}
	return nil
}

func (s *ChromemStore) Count(_ context.Context) (int, error) {
	return s.collection.Count(), nil
}
