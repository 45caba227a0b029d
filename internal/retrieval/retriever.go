package retrieval

import (
	"context"
	"log/slog"
	"sort"

	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/storage"
)

// DefaultTopK is the number of notes retrieved when the query does not say.
const DefaultTopK = 6

// Match methods.
const (
	MatchVector  = "vector"
	MatchKeyword = "keyword"
)

// ContextChunk is a retrieved note with its relevance score.
type ContextChunk struct {
	NoteID   string  `json:"note_id"`
	Source   string  `json:"source"`
	Type     string  `json:"type"`
	RowIndex int     `json:"row_index"`
	Subject  string  `json:"subject,omitempty"`
	Text     string  `json:"text"`
	Score    float32 `json:"score"`
	Method   string  `json:"method"`
}

// NoteSource lists the current notes of a source.
type NoteSource interface {
	ListNotes(tenant, source string) ([]storage.ContextNote, error)
}

// TextEmbedder turns a query into a vector.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Query scopes a retrieval.
type Query struct {
	Tenant string
	Source string
	Text   string
	TopK   int
}

// Result holds the retrieved chunks plus any degradation warnings.
type Result struct {
	Chunks   []ContextChunk
	Warnings []analysis.Warning
}

// Retriever combines embedding and vector search over a source's notes.
// Notes without a current embedding are still found by keyword overlap,
// and the whole search falls back to keywords when the embedder or the
// vector store is unavailable.
type Retriever struct {
	embedder TextEmbedder
	store    VectorStore
	notes    NoteSource
	logger   *slog.Logger
}

// NewRetriever creates a Retriever. embedder and store may be nil, in which
// case every query uses the keyword scan.
func NewRetriever(embedder TextEmbedder, store VectorStore, notes NoteSource) *Retriever {
	return &Retriever{embedder: embedder, store: store, notes: notes, logger: slog.Default()}
}

// Retrieve returns up to q.TopK chunks, best first. Only a failure to list
// the source's notes is returned as an error.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (Result, error) {
	if q.TopK <= 0 {
		q.TopK = DefaultTopK
	}
	notes, err := r.notes.ListNotes(q.Tenant, q.Source)
	if err != nil {
		return Result{}, err
	}
	if len(notes) == 0 {
		return Result{}, nil
	}

	var res Result
	hits, err := r.vectorSearch(ctx, q)
	if err != nil {
		r.logger.Warn("vector retrieval unavailable, using keyword scan", "source", q.Source, "error", err)
		res.Warnings = append(res.Warnings, analysis.Warnf(analysis.WarnRetrievalUnavailable, "vector retrieval unavailable: %v", err))
		res.Chunks = keywordScan(q.Text, notes, nil, q.TopK)
		return res, nil
	}

	byID := make(map[string]storage.ContextNote, len(notes))
	for _, n := range notes {
		byID[n.ID] = n
	}

	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		n, ok := byID[h.ID]
		// Vectors of notes edited since they were embedded are stale.
		if !ok || !n.Embedded {
			continue
		}
		seen[n.ID] = true
		res.Chunks = append(res.Chunks, noteChunk(n, h.Score, MatchVector))
		if len(res.Chunks) == q.TopK {
			return res, nil
		}
	}

	var pending []storage.ContextNote
	for _, n := range notes {
		if !seen[n.ID] && !n.Embedded {
			pending = append(pending, n)
		}
	}
	res.Chunks = append(res.Chunks, keywordScan(q.Text, pending, seen, q.TopK-len(res.Chunks))...)
	return res, nil
}

func (r *Retriever) vectorSearch(ctx context.Context, q Query) ([]ScoredRecord, error) {
	if r.embedder == nil || r.store == nil {
		return nil, errNoVectorBackend
	}
	vec, err := r.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	// Over-fetch so stale vectors do not crowd out fresh ones.
	return r.store.Search(ctx, vec, q.TopK*2, Filter{Tenant: q.Tenant, SourceID: q.Source})
}

type retrievalError string

func (e retrievalError) Error() string { return string(e) }

const errNoVectorBackend = retrievalError("no embedder or vector store configured")

// keywordScan ranks notes by the share of question tokens they contain.
// Notes sharing no token are dropped; ties keep the notes' listing order.
func keywordScan(question string, notes []storage.ContextNote, skip map[string]bool, limit int) []ContextChunk {
	if limit <= 0 {
		return nil
	}
	qTokens := analysis.TokenSet(question)
	if len(qTokens) == 0 {
		return nil
	}

	type scored struct {
		note  storage.ContextNote
		score float32
	}
	var candidates []scored
	for _, n := range notes {
		if skip[n.ID] {
			continue
		}
		nTokens := analysis.TokenSet(n.Content())
		hit := 0
		for tok := range qTokens {
			if nTokens[tok] {
				hit++
			}
		}
		if hit == 0 {
			continue
		}
		candidates = append(candidates, scored{note: n, score: float32(hit) / float32(len(qTokens))})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	chunks := make([]ContextChunk, len(candidates))
	for i, c := range candidates {
		chunks[i] = noteChunk(c.note, c.score, MatchKeyword)
	}
	return chunks
}

func noteChunk(n storage.ContextNote, score float32, method string) ContextChunk {
	return ContextChunk{
		NoteID:   n.ID,
		Source:   n.Source,
		Type:     n.Type,
		RowIndex: n.RowIndex,
		Subject:  n.Subject,
		Text:     n.Content(),
		Score:    score,
		Method:   method,
	}
}
