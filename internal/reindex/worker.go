// Package reindex retries note embeddings that failed during curation.
package reindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/dawn/internal/memory"
	"github.com/kalambet/dawn/internal/metrics"
	"github.com/kalambet/dawn/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// NoteEmbedder re-embeds a stored note.
type NoteEmbedder interface {
	Reembed(ctx context.Context, noteID string) error
}

// Worker processes embed_note jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	notes  NoteEmbedder
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, notes NoteEmbedder, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		notes:  notes,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("reindex iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single embed_note job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{memory.JobEmbedNote})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		metrics.RecordReembed(false)
		w.logger.Warn("reindex job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	metrics.RecordReembed(true)
	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload memory.EmbedNotePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.NoteID == "" {
		return errors.New("payload has no note_id")
	}

	err := w.notes.Reembed(ctx, payload.NoteID)
	if errors.Is(err, storage.ErrNotFound) {
		// The note was deleted after the job was queued.
		w.logger.Info("skipping re-embed of deleted note", "note", payload.NoteID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("re-embedding note %s: %w", payload.NoteID, err)
	}
	return nil
}
