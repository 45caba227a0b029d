// Package memory turns analysis results into searchable context notes and
// keeps their embeddings current.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/dataset"
	"github.com/kalambet/dawn/internal/drift"
	"github.com/kalambet/dawn/internal/retrieval"
	"github.com/kalambet/dawn/internal/storage"
)

// ErrNoEmbedder is returned by Reembed when the curator runs keyword-only.
var ErrNoEmbedder = errors.New("no embedder configured")

// JobEmbedNote is the job type for notes whose embedding must be retried.
const JobEmbedNote = "embed_note"

// EmbedNotePayload is the payload of an embed_note job.
type EmbedNotePayload struct {
	NoteID string `json:"note_id"`
}

// NoteStore is the persistence the curator needs.
type NoteStore interface {
	UpsertNote(n storage.ContextNote) (storage.ContextNote, storage.UpsertResult, error)
	GetNote(id string) (storage.ContextNote, error)
	ListNotes(tenant, source string) ([]storage.ContextNote, error)
	EditNote(id, userText string) (storage.ContextNote, error)
	SetNoteEmbedded(id string, embedded bool) error
	EnqueueJob(job storage.Job) error
}

// BatchEmbedder embeds many texts; failed entries come back nil.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Annotation is a user-supplied note. A nil RowIndex anchors it to the
// whole source (row -1), so a later unanchored annotation replaces it.
type Annotation struct {
	Text     string   `json:"text"`
	RowIndex *int     `json:"row_index,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Input is everything the curator derives notes from.
type Input struct {
	Tenant         string
	FeedIdentifier string
	FeedName       string
	Version        int
	Profile        dataset.Profile
	Results        []analysis.MetricResult
	Drift          *drift.Report
	Annotations    []Annotation
	// Persist writes notes and embeddings. When false the curator only
	// reports the updates it would make.
	Persist bool
}

// Update describes what happened to one note.
type Update struct {
	NoteID   string `json:"note_id,omitempty"`
	Source   string `json:"source"`
	Type     string `json:"type"`
	RowIndex int    `json:"row_index"`
	Subject  string `json:"subject,omitempty"`
	Text     string `json:"text"`
	Result   string `json:"result"`
}

// ResultPreview marks updates computed without persisting.
const ResultPreview = "preview"

// Outcome summarizes a curation pass.
type Outcome struct {
	Updates  []Update
	Embedded int
	Warnings []analysis.Warning
}

// Curator maintains the context notes of feeds.
type Curator struct {
	store    NoteStore
	embedder BatchEmbedder
	vectors  retrieval.VectorStore
	logger   *slog.Logger
}

// NewCurator creates a Curator. With a nil embedder or vector store, notes
// are stored without vectors and are found by keyword search only.
func NewCurator(store NoteStore, embedder BatchEmbedder, vectors retrieval.VectorStore) *Curator {
	return &Curator{store: store, embedder: embedder, vectors: vectors, logger: slog.Default()}
}

// Curate upserts the summary note, one note per profiled column and one
// user note per annotation, then embeds every note whose vector is missing
// or stale. Notes of columns the version no longer has are retired. Only
// storage failures are returned as errors.
func (c *Curator) Curate(ctx context.Context, in Input) (Outcome, error) {
	notes := buildNotes(in)
	existing, err := c.store.ListNotes(in.Tenant, SourceKey(in.FeedIdentifier))
	if err != nil {
		return Outcome{}, fmt.Errorf("listing notes: %w", err)
	}
	notes = append(notes, retiredNotes(in, existing)...)
	for _, a := range in.Annotations {
		n, err := annotationNote(in.Tenant, SourceKey(in.FeedIdentifier), a)
		if err != nil {
			return Outcome{}, err
		}
		notes = append(notes, n)
	}

	var out Outcome
	if !in.Persist {
		for _, n := range notes {
			out.Updates = append(out.Updates, Update{Source: n.Source, Type: n.Type, RowIndex: n.RowIndex, Subject: n.Subject, Text: n.Text, Result: ResultPreview})
		}
		return out, nil
	}

	var pending []storage.ContextNote
	for _, n := range notes {
		saved, res, err := c.store.UpsertNote(n)
		if err != nil {
			return out, fmt.Errorf("saving %s note: %w", noteLabel(n), err)
		}
		out.Updates = append(out.Updates, Update{
			NoteID: saved.ID, Source: saved.Source, Type: saved.Type, RowIndex: saved.RowIndex,
			Subject: saved.Subject, Text: saved.Text, Result: res.String(),
		})
		if !saved.Embedded {
			pending = append(pending, saved)
		}
	}

	embedded, warnings, err := c.embed(ctx, pending)
	out.Embedded = embedded
	out.Warnings = warnings
	return out, err
}

// AddAnnotation stores a user note for a source and embeds it.
func (c *Curator) AddAnnotation(ctx context.Context, tenant, source string, a Annotation) (storage.ContextNote, []analysis.Warning, error) {
	n, err := annotationNote(tenant, source, a)
	if err != nil {
		return storage.ContextNote{}, nil, err
	}
	saved, _, err := c.store.UpsertNote(n)
	if err != nil {
		return storage.ContextNote{}, nil, fmt.Errorf("saving annotation: %w", err)
	}
	return c.refresh(ctx, saved)
}

// EditNote layers a user edit over a note's generated text and re-embeds it.
func (c *Curator) EditNote(ctx context.Context, id, userText string) (storage.ContextNote, []analysis.Warning, error) {
	n, err := c.store.EditNote(id, strings.TrimSpace(userText))
	if err != nil {
		return storage.ContextNote{}, nil, err
	}
	return c.refresh(ctx, n)
}

// Reembed embeds a single note again. It returns the embedding error so
// the caller can retry later.
func (c *Curator) Reembed(ctx context.Context, noteID string) error {
	n, err := c.store.GetNote(noteID)
	if err != nil {
		return err
	}
	if n.Embedded {
		return nil
	}
	if c.embedder == nil || c.vectors == nil {
		return ErrNoEmbedder
	}
	vecs, err := c.embedder.EmbedBatch(ctx, []string{n.Content()})
	if err != nil {
		return err
	}
	if len(vecs) == 0 || vecs[0] == nil {
		return fmt.Errorf("embedding note %s: no vector returned", noteID)
	}
	return c.storeVector(ctx, n, vecs[0])
}

func (c *Curator) refresh(ctx context.Context, n storage.ContextNote) (storage.ContextNote, []analysis.Warning, error) {
	embedded, warnings, err := c.embed(ctx, []storage.ContextNote{n})
	if err != nil {
		return n, warnings, err
	}
	n.Embedded = embedded == 1
	return n, warnings, nil
}

// embed vectorizes notes. A note whose embedding fails keeps its text,
// gets a warning and an embed_note retry job.
func (c *Curator) embed(ctx context.Context, notes []storage.ContextNote) (int, []analysis.Warning, error) {
	if len(notes) == 0 || c.embedder == nil || c.vectors == nil {
		return 0, nil, nil
	}

	texts := make([]string, len(notes))
	for i, n := range notes {
		texts[i] = n.Content()
	}
	vecs, embedErr := c.embedder.EmbedBatch(ctx, texts)
	if embedErr != nil {
		c.logger.Warn("embedding notes failed", "notes", len(notes), "error", embedErr)
	}

	var warnings []analysis.Warning
	embedded := 0
	for i, n := range notes {
		var vec []float32
		if i < len(vecs) {
			vec = vecs[i]
		}
		if vec != nil {
			err := c.storeVector(ctx, n, vec)
			if err == nil {
				embedded++
				continue
			}
			c.logger.Warn("storing note vector failed", "note", n.ID, "error", err)
		}
		warnings = append(warnings, analysis.Warnf(analysis.WarnEmbedding,
			"note %s (%s) not embedded; keyword retrieval only until re-indexed", n.ID, noteLabel(n)))
		if err := c.enqueueReembed(n.ID); err != nil {
			return embedded, warnings, err
		}
	}
	return embedded, warnings, nil
}

func (c *Curator) storeVector(ctx context.Context, n storage.ContextNote, vec []float32) error {
	tags, _ := json.Marshal(n.Tags)
	err := c.vectors.Upsert(ctx, []retrieval.Record{{
		ID:         n.ID,
		Tenant:     n.Tenant,
		SourceID:   n.Source,
		SourceType: n.Type,
		RowIndex:   n.RowIndex,
		TextChunk:  n.Content(),
		Embedding:  vec,
		Tags:       string(tags),
	}})
	if err != nil {
		return err
	}
	return c.store.SetNoteEmbedded(n.ID, true)
}

func (c *Curator) enqueueReembed(noteID string) error {
	payload, _ := json.Marshal(EmbedNotePayload{NoteID: noteID})
	if err := c.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        JobEmbedNote,
		PayloadJSON: string(payload),
	}); err != nil {
		return fmt.Errorf("enqueueing re-embed of note %s: %w", noteID, err)
	}
	return nil
}

// noteLabel names a note by type and its column or row.
func noteLabel(n storage.ContextNote) string {
	if n.Subject != "" {
		return n.Type + " " + n.Subject
	}
	return fmt.Sprintf("%s %d", n.Type, n.RowIndex)
}

func annotationNote(tenant, source string, a Annotation) (storage.ContextNote, error) {
	text := strings.TrimSpace(a.Text)
	if text == "" {
		return storage.ContextNote{}, analysis.NewValidationError("text", "annotation text is empty")
	}
	if source == "" {
		return storage.ContextNote{}, analysis.NewValidationError("source", "annotation source is empty")
	}
	row := -1
	if a.RowIndex != nil {
		row = *a.RowIndex
	}
	return storage.ContextNote{
		Tenant:   tenant,
		Source:   source,
		Type:     storage.NoteUser,
		RowIndex: row,
		Text:     text,
		Tags:     append([]string{"user"}, a.Tags...),
	}, nil
}
