package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/storage"
)

// mockVectorStore implements VectorStore for testing.
type mockVectorStore struct {
	searchFn func(ctx context.Context, vector []float32, topK int, f Filter) ([]ScoredRecord, error)
}

func (m *mockVectorStore) Upsert(_ context.Context, _ []Record) error { return nil }
func (m *mockVectorStore) Search(ctx context.Context, vector []float32, topK int, f Filter) ([]ScoredRecord, error) {
	return m.searchFn(ctx, vector, topK, f)
}
func (m *mockVectorStore) Delete(_ context.Context, _ string) error { return nil }
func (m *mockVectorStore) Count(_ context.Context) (int, error)     { return 0, nil }

type mockEmbedder struct {
	embedFn func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.embedFn(ctx, text)
}

type mockNotes struct {
	notes []storage.ContextNote
	err   error
}

func (m *mockNotes) ListNotes(_, _ string) ([]storage.ContextNote, error) {
	return m.notes, m.err
}

func fixedEmbedder() *mockEmbedder {
	return &mockEmbedder{embedFn: func(_ context.Context, _ string) ([]float32, error) {
		return []float32{1, 0}, nil
	}}
}

func ticketNotes() []storage.ContextNote {
	return []storage.ContextNote{
		{ID: "n-sum", Source: "feed:tickets", Type: storage.NoteSummary, RowIndex: -1, Text: "Dataset with 300 tickets across 5 columns.", Embedded: true},
		{ID: "n-pri", Source: "feed:tickets", Type: storage.NoteColumn, RowIndex: 1, Text: "Column priority: most common High.", Embedded: true},
		{ID: "n-user", Source: "feed:tickets", Type: storage.NoteUser, RowIndex: -1, Text: "Escalations spike after releases.", Embedded: false},
	}
}

func TestRetrieve_VectorHitsThenKeywordFill(t *testing.T) {
	var gotFilter Filter
	store := &mockVectorStore{searchFn: func(_ context.Context, _ []float32, topK int, f Filter) ([]ScoredRecord, error) {
		gotFilter = f
		if topK != 12 {
			t.Errorf("topK = %d, want over-fetch of 12", topK)
		}
		return []ScoredRecord{
			{Record: Record{ID: "n-pri"}, Score: 0.9},
			{Record: Record{ID: "n-sum"}, Score: 0.4},
		}, nil
	}}
	r := NewRetriever(fixedEmbedder(), store, &mockNotes{notes: ticketNotes()})

	res, err := r.Retrieve(context.Background(), Query{Tenant: "default", Source: "feed:tickets", Text: "why do escalations spike?"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if gotFilter.Tenant != "default" || gotFilter.SourceID != "feed:tickets" {
		t.Errorf("filter = %+v", gotFilter)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
	want := []struct{ id, method string }{{"n-pri", MatchVector}, {"n-sum", MatchVector}, {"n-user", MatchKeyword}}
	if len(res.Chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(res.Chunks), len(want))
	}
	for i, w := range want {
		if res.Chunks[i].NoteID != w.id || res.Chunks[i].Method != w.method {
			t.Errorf("chunk %d = %s/%s, want %s/%s", i, res.Chunks[i].NoteID, res.Chunks[i].Method, w.id, w.method)
		}
	}
}

func TestRetrieve_SkipsStaleVectors(t *testing.T) {
	notes := ticketNotes()
	notes[1].Embedded = false
	notes[1].UserText = "Critical counts as High."
	store := &mockVectorStore{searchFn: func(_ context.Context, _ []float32, _ int, _ Filter) ([]ScoredRecord, error) {
		return []ScoredRecord{{Record: Record{ID: "n-pri"}, Score: 0.9}}, nil
	}}
	r := NewRetriever(fixedEmbedder(), store, &mockNotes{notes: notes})

	res, err := r.Retrieve(context.Background(), Query{Tenant: "default", Source: "feed:tickets", Text: "priority critical"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(res.Chunks))
	}
	c := res.Chunks[0]
	if c.NoteID != "n-pri" || c.Method != MatchKeyword {
		t.Errorf("chunk = %s/%s, want n-pri/keyword", c.NoteID, c.Method)
	}
	if c.Text != "Column priority: most common High.\nNote: Critical counts as High." {
		t.Errorf("text = %q, want note with user edit", c.Text)
	}
}

func TestRetrieve_EmbedderDownFallsBackToKeywords(t *testing.T) {
	emb := &mockEmbedder{embedFn: func(_ context.Context, _ string) ([]float32, error) {
		return nil, errors.New("connection refused")
	}}
	store := &mockVectorStore{searchFn: func(_ context.Context, _ []float32, _ int, _ Filter) ([]ScoredRecord, error) {
		t.Fatal("search should not run without a query vector")
		return nil, nil
	}}
	r := NewRetriever(emb, store, &mockNotes{notes: ticketNotes()})

	res, err := r.Retrieve(context.Background(), Query{Tenant: "default", Source: "feed:tickets", Text: "how many tickets"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Kind != analysis.WarnRetrievalUnavailable {
		t.Fatalf("warnings = %v, want one retrieval_unavailable", res.Warnings)
	}
	if len(res.Chunks) != 1 || res.Chunks[0].NoteID != "n-sum" {
		t.Errorf("chunks = %+v, want the summary note", res.Chunks)
	}
}

func TestRetrieve_NoBackendUsesKeywords(t *testing.T) {
	r := NewRetriever(nil, nil, &mockNotes{notes: ticketNotes()})

	res, err := r.Retrieve(context.Background(), Query{Tenant: "default", Source: "feed:tickets", Text: "priority"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Chunks) != 1 || res.Chunks[0].NoteID != "n-pri" {
		t.Errorf("chunks = %+v, want n-pri", res.Chunks)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("warnings = %v, want 1", res.Warnings)
	}
}

func TestRetrieve_TopKLimitsResults(t *testing.T) {
	store := &mockVectorStore{searchFn: func(_ context.Context, _ []float32, _ int, _ Filter) ([]ScoredRecord, error) {
		return []ScoredRecord{
			{Record: Record{ID: "n-sum"}, Score: 0.9},
			{Record: Record{ID: "n-pri"}, Score: 0.8},
		}, nil
	}}
	r := NewRetriever(fixedEmbedder(), store, &mockNotes{notes: ticketNotes()})

	res, err := r.Retrieve(context.Background(), Query{Tenant: "default", Source: "feed:tickets", Text: "escalations", TopK: 1})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Chunks) != 1 || res.Chunks[0].NoteID != "n-sum" {
		t.Errorf("chunks = %+v, want only n-sum", res.Chunks)
	}
}

func TestRetrieve_NoNotes(t *testing.T) {
	r := NewRetriever(fixedEmbedder(), &mockVectorStore{}, &mockNotes{})

	res, err := r.Retrieve(context.Background(), Query{Tenant: "default", Source: "feed:none", Text: "anything"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Chunks) != 0 || len(res.Warnings) != 0 {
		t.Errorf("got %+v, want empty result", res)
	}
}

func TestRetrieve_NoteListingError(t *testing.T) {
	r := NewRetriever(fixedEmbedder(), &mockVectorStore{}, &mockNotes{err: errors.New("db closed")})

	if _, err := r.Retrieve(context.Background(), Query{Tenant: "default", Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestKeywordScan_RanksByOverlap(t *testing.T) {
	notes := []storage.ContextNote{
		{ID: "a", Text: "resolution hours by assignee"},
		{ID: "b", Text: "average resolution hours"},
		{ID: "c", Text: "unrelated"},
	}
	got := keywordScan("average resolution hours", notes, nil, 5)
	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2", len(got))
	}
	if got[0].NoteID != "b" || got[1].NoteID != "a" {
		t.Errorf("order = [%s %s], want [b a]", got[0].NoteID, got[1].NoteID)
	}
}
