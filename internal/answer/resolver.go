// Package answer resolves questions about a feed, from verified metric
// results when possible and from retrieved context notes otherwise.
package answer

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/composer"
	"github.com/kalambet/dawn/internal/engine"
	"github.com/kalambet/dawn/internal/retrieval"
)

// Answer methods.
const (
	MethodDirect    = "direct"
	MethodRAG       = "rag"
	MethodContext   = "context_only"
	MethodNoContext = "no_context"
)

// NoContextText is returned when nothing relevant was found.
const NoContextText = "Not enough context to answer this question."

// Source identifies a note an answer relies on.
type Source struct {
	NoteID   string `json:"note_id"`
	Source   string `json:"source"`
	RowIndex int    `json:"row_index"`
}

// Answer is the outcome of resolving one question.
type Answer struct {
	Text     string             `json:"text"`
	Direct   bool               `json:"direct_answer"`
	Method   string             `json:"method"`
	StepID   string             `json:"step_id,omitempty"`
	Sources  []Source           `json:"sources"`
	Warnings []analysis.Warning `json:"warnings,omitempty"`
}

// Answered reports whether the answer carries any information.
func (a Answer) Answered() bool {
	return a.Method != MethodNoContext
}

// ContextRetriever finds context notes for a question.
type ContextRetriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (retrieval.Result, error)
}

// Chatter is the language model used for synthesis.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, format *engine.Schema) (string, error)
}

// reply is the structured completion the model is asked for.
type reply struct {
	Answer    string `json:"answer"`
	Citations []int  `json:"citations"`
}

var replySchema = &engine.Schema{
	Type: "object",
	Properties: map[string]*engine.Schema{
		"answer": {Type: "string", Description: "answer to the question, using only the context notes"},
		"citations": {
			Type:        "array",
			Description: "numbers of the context notes the answer relies on",
			Items:       &engine.Schema{Type: "integer"},
		},
	},
	Required: []string{"answer", "citations"},
}

// Request is one question scoped to a tenant's source.
type Request struct {
	Tenant   string
	Source   string
	Question string
	Results  []analysis.MetricResult
	TopK     int
}

// Resolver answers questions. Verified results always take priority; the
// language model is only called when no result matches.
type Resolver struct {
	retriever ContextRetriever
	composer  *composer.Composer
	llm       Chatter
	model     string
	logger    *slog.Logger
}

// NewResolver creates a Resolver. llm may be nil, in which case retrieved
// notes are returned verbatim.
func NewResolver(retriever ContextRetriever, comp *composer.Composer, llm Chatter, model string) *Resolver {
	if comp == nil {
		comp = composer.New(0)
	}
	return &Resolver{retriever: retriever, composer: comp, llm: llm, model: model, logger: slog.Default()}
}

// Resolve answers req.Question. Collaborator failures become warnings on
// the answer; only context cancellation is returned as an error.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Answer, error) {
	if d, ok := MatchDirect(req.Question, req.Results); ok {
		return Answer{Text: d.Text, Direct: true, Method: MethodDirect, StepID: d.StepID, Sources: []Source{}}, nil
	}
	if err := ctx.Err(); err != nil {
		return Answer{}, err
	}

	var ans Answer
	var chunks []retrieval.ContextChunk
	if r.retriever != nil {
		res, err := r.retriever.Retrieve(ctx, retrieval.Query{Tenant: req.Tenant, Source: req.Source, Text: req.Question, TopK: req.TopK})
		if err != nil {
			if ctx.Err() != nil {
				return Answer{}, ctx.Err()
			}
			r.logger.Warn("retrieval failed", "source", req.Source, "error", err)
			ans.Warnings = append(ans.Warnings, analysis.Warnf(analysis.WarnRetrievalUnavailable, "context notes unavailable: %v", err))
		} else {
			chunks = res.Chunks
			ans.Warnings = append(ans.Warnings, res.Warnings...)
		}
	}
	if len(chunks) == 0 {
		ans.Text = NoContextText
		ans.Method = MethodNoContext
		ans.Sources = []Source{}
		return ans, nil
	}

	prompt := r.composer.Compose(req.Question, chunks, metricsDigest(req.Results))
	if len(prompt.Cited) == 0 {
		// No note fits the token budget.
		return contextOnly(ans, chunks[:1]), nil
	}

	if r.llm == nil {
		ans.Warnings = append(ans.Warnings, analysis.Warnf(analysis.WarnLanguageModel, "no language model configured; returning context notes"))
		return contextOnly(ans, prompt.Cited), nil
	}
	raw, err := r.llm.Chat(ctx, r.model, prompt.Messages, replySchema)
	var rep reply
	if err == nil {
		rep, err = parseReply(raw)
	}
	if err != nil {
		r.logger.Warn("language model failed", "model", r.model, "error", err)
		ans.Warnings = append(ans.Warnings, analysis.Warnf(analysis.WarnLanguageModel, "answer synthesis failed: %v", err))
		return contextOnly(ans, prompt.Cited), nil
	}

	ans.Text = rep.Answer
	ans.Method = MethodRAG
	ans.Sources = sourcesOf(cited(rep.Citations, prompt.Cited))
	return ans, nil
}

// parseReply decodes a structured completion. A model that ignores the
// format and answers in prose is taken at its word with no citations.
func parseReply(raw string) (reply, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return reply{}, errEmptyCompletion
	}
	var rep reply
	if err := json.Unmarshal([]byte(raw), &rep); err != nil {
		return reply{Answer: raw}, nil
	}
	rep.Answer = strings.TrimSpace(rep.Answer)
	if rep.Answer == "" {
		return reply{}, errEmptyCompletion
	}
	return rep, nil
}

type answerError string

func (e answerError) Error() string { return string(e) }

const errEmptyCompletion = answerError("empty completion")

func contextOnly(ans Answer, cited []retrieval.ContextChunk) Answer {
	ans.Text = "Relevant context:\n" + composer.ContextBlock(cited)
	ans.Method = MethodContext
	ans.Sources = sourcesOf(cited)
	return ans
}

func sourcesOf(chunks []retrieval.ContextChunk) []Source {
	out := make([]Source, len(chunks))
	for i, c := range chunks {
		out[i] = Source{NoteID: c.NoteID, Source: c.Source, RowIndex: c.RowIndex}
	}
	return out
}

// cited returns the offered chunks behind the citation numbers, in citation
// order. Without a valid citation every offered chunk counts as a source.
func cited(numbers []int, offered []retrieval.ContextChunk) []retrieval.ContextChunk {
	seen := make(map[int]bool)
	var out []retrieval.ContextChunk
	for _, n := range numbers {
		if n < 1 || n > len(offered) || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, offered[n-1])
	}
	if len(out) == 0 {
		return offered
	}
	return out
}

func metricsDigest(results []analysis.MetricResult) string {
	lines := make([]string, len(results))
	for i, r := range results {
		lines[i] = r.Summary()
	}
	return strings.Join(lines, "\n")
}
