package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/answer"
	"github.com/kalambet/dawn/internal/drift"
	"github.com/kalambet/dawn/internal/feeds"
	"github.com/kalambet/dawn/internal/memory"
	"github.com/kalambet/dawn/internal/orchestrator"
	"github.com/kalambet/dawn/internal/storage"
)

const maxRequestBodySize = 1 << 20  // 1MB
const maxUploadBodySize = 32 << 20 // 32MB

// Analyzer runs analyses and answers questions.
type Analyzer interface {
	Run(ctx context.Context, req orchestrator.RunRequest) (orchestrator.RunSummary, error)
	Ask(ctx context.Context, req orchestrator.AskRequest) (answer.Answer, error)
}

// FeedService ingests feeds and reports their versions and drift.
type FeedService interface {
	Ingest(ctx context.Context, req feeds.IngestRequest) (feeds.IngestResult, error)
	Feed(tenant, identifier string) (storage.Feed, error)
	List(tenant string) ([]storage.Feed, error)
	Versions(tenant, identifier string) ([]storage.FeedVersion, error)
	Drift(ctx context.Context, tenant, identifier string, version int) (drift.Report, error)
}

// NoteCurator stores and edits user notes.
type NoteCurator interface {
	AddAnnotation(ctx context.Context, tenant, source string, a memory.Annotation) (storage.ContextNote, []analysis.Warning, error)
	EditNote(ctx context.Context, id, userText string) (storage.ContextNote, []analysis.Warning, error)
}

// RecordStore reads persisted runs and notes.
type RecordStore interface {
	GetRunRecord(runID string) (storage.RunRecord, error)
	GetNote(id string) (storage.ContextNote, error)
	ListNotes(tenant, source string) ([]storage.ContextNote, error)
}

type AppDeps struct {
	Feeds    FeedService
	Analyzer Analyzer
	Notes    NoteCurator
	Store    RecordStore
	Token    string
}

// NewAppHandler returns the HTTP API. /health and /metrics are public;
// everything else requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/feeds", handleListFeeds(deps))
		r.Post("/feeds/{feed}/versions", handleIngest(deps))
		r.Get("/feeds/{feed}/versions", handleListVersions(deps))
		r.Get("/feeds/{feed}/drift", handleDrift(deps))
		r.Post("/feeds/{feed}/runs", handleRun(deps))
		r.Post("/feeds/{feed}/ask", handleAsk(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		r.Get("/notes", handleListNotes(deps))
		r.Post("/notes", handleAddNote(deps))
		r.Patch("/notes/{id}", handleEditNote(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListFeeds(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Feeds.List(tenantOf(r))
		if err != nil {
			writeError(w, "listing feeds", err)
			return
		}
		if list == nil {
			list = []storage.Feed{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// handleIngest stores the request body as a new version of the feed. The
// body is CSV with a header row; ?name= sets the feed's display name.
func handleIngest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		res, err := deps.Feeds.Ingest(r.Context(), feeds.IngestRequest{
			Tenant:     tenantOf(r),
			Identifier: chi.URLParam(r, "feed"),
			Name:       r.URL.Query().Get("name"),
			Data:       r.Body,
		})
		if err != nil {
			writeError(w, "ingesting feed", err)
			return
		}
		code := http.StatusOK
		if res.Created {
			code = http.StatusCreated
		}
		writeJSON(w, code, res)
	}
}

func handleListVersions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		versions, err := deps.Feeds.Versions(tenantOf(r), chi.URLParam(r, "feed"))
		if err != nil {
			writeError(w, "listing versions", err)
			return
		}
		if versions == nil {
			versions = []storage.FeedVersion{}
		}
		writeJSON(w, http.StatusOK, versions)
	}
}

func handleDrift(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := 0
		if v := r.URL.Query().Get("version"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "version must be a positive integer")
				return
			}
			version = n
		}
		report, err := deps.Feeds.Drift(r.Context(), tenantOf(r), chi.URLParam(r, "feed"), version)
		if err != nil {
			writeError(w, "computing drift", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// RunBody is the JSON body of POST /feeds/{feed}/runs.
type RunBody struct {
	Question       string              `json:"question,omitempty"`
	RefreshContext *bool               `json:"refresh_context,omitempty"`
	Annotations    []memory.Annotation `json:"annotations,omitempty"`
}

func handleRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body RunBody
		if !decodeBody(w, r, &body, true) {
			return
		}
		sum, err := deps.Analyzer.Run(r.Context(), orchestrator.RunRequest{
			Tenant:         tenantOf(r),
			Feed:           chi.URLParam(r, "feed"),
			Question:       body.Question,
			RefreshContext: body.RefreshContext,
			Annotations:    body.Annotations,
		})
		if err != nil {
			writeError(w, "running analysis", err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

// AskBody is the JSON body of POST /feeds/{feed}/ask.
type AskBody struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k,omitempty"`
}

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body AskBody
		if !decodeBody(w, r, &body, false) {
			return
		}
		ans, err := deps.Analyzer.Ask(r.Context(), orchestrator.AskRequest{
			Tenant:   tenantOf(r),
			Feed:     chi.URLParam(r, "feed"),
			Question: body.Question,
			TopK:     body.TopK,
		})
		if err != nil {
			writeError(w, "answering question", err)
			return
		}
		writeJSON(w, http.StatusOK, ans)
	}
}

// handleGetRun returns the stored run summary verbatim.
func handleGetRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Store.GetRunRecord(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, "loading run", err)
			return
		}
		if rec.Tenant != tenantOf(r) {
			writeError(w, "loading run", storage.ErrNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, rec.SummaryJSON)
	}
}

func handleListNotes(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := ""
		if feed := r.URL.Query().Get("feed"); feed != "" {
			if err := feeds.ValidateIdentifier(feed); err != nil {
				writeError(w, "listing notes", err)
				return
			}
			source = memory.SourceKey(feed)
		}
		notes, err := deps.Store.ListNotes(tenantOf(r), source)
		if err != nil {
			writeError(w, "listing notes", err)
			return
		}
		if notes == nil {
			notes = []storage.ContextNote{}
		}
		writeJSON(w, http.StatusOK, notes)
	}
}

// NoteBody is the JSON body of POST /notes.
type NoteBody struct {
	Feed     string   `json:"feed"`
	Text     string   `json:"text"`
	RowIndex *int     `json:"row_index,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// NoteResponse is a stored note plus any embedding warnings.
type NoteResponse struct {
	Note     storage.ContextNote `json:"note"`
	Warnings []analysis.Warning  `json:"warnings,omitempty"`
}

func handleAddNote(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body NoteBody
		if !decodeBody(w, r, &body, false) {
			return
		}
		tenant := tenantOf(r)
		if _, err := deps.Feeds.Feed(tenant, body.Feed); err != nil {
			writeError(w, "adding note", err)
			return
		}
		note, warnings, err := deps.Notes.AddAnnotation(r.Context(), tenant, memory.SourceKey(body.Feed), memory.Annotation{
			Text:     body.Text,
			RowIndex: body.RowIndex,
			Tags:     body.Tags,
		})
		if err != nil {
			writeError(w, "adding note", err)
			return
		}
		writeJSON(w, http.StatusCreated, NoteResponse{Note: note, Warnings: warnings})
	}
}

// EditBody is the JSON body of PATCH /notes/{id}.
type EditBody struct {
	Text string `json:"text"`
}

func handleEditNote(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body EditBody
		if !decodeBody(w, r, &body, false) {
			return
		}
		if strings.TrimSpace(body.Text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}
		id := chi.URLParam(r, "id")
		existing, err := deps.Store.GetNote(id)
		if err == nil && existing.Tenant != tenantOf(r) {
			err = storage.ErrNotFound
		}
		if err != nil {
			writeError(w, "editing note", err)
			return
		}
		note, warnings, err := deps.Notes.EditNote(r.Context(), id, body.Text)
		if err != nil {
			writeError(w, "editing note", err)
			return
		}
		writeJSON(w, http.StatusOK, NoteResponse{Note: note, Warnings: warnings})
	}
}

// decodeBody reads a JSON body into v. An empty body is accepted when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF && optional {
		return true
	}
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}
