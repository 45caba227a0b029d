package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/dawn/internal/engine"
	"github.com/kalambet/dawn/internal/retrieval"
)

const defaultMaxContextTokens = 3000

const systemPrompt = `You answer questions about a dataset. Use only the numbered context notes below.
Reply with JSON: "answer" holds the answer text and "citations" the numbers of every note you relied on.
If the notes do not contain the answer, say that the context is not sufficient. Do not invent numbers.`

// Composer assembles the language-model prompt for retrieval-augmented
// answers: a system message with a numbered context block, followed by the
// question.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (3000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Prompt is a composed request. Cited lists the chunks in the order they
// were numbered, so Cited[n-1] is the note behind citation n.
type Prompt struct {
	Messages []engine.Message
	Cited    []retrieval.ContextChunk
}

// Compose builds the prompt. Chunks are numbered best score first; chunks
// that do not fit the budget are dropped, lowest score first. metricsDigest,
// when set, is added as verified background ahead of the notes.
func (c *Composer) Compose(question string, chunks []retrieval.ContextChunk, metricsDigest string) Prompt {
	sorted := make([]retrieval.ContextChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	var sb strings.Builder
	sb.WriteString(systemPrompt)
	if metricsDigest != "" {
		sb.WriteString("\n\n[Verified Metrics]\n")
		sb.WriteString(metricsDigest)
	}

	header := "\n\n[Context Notes]\n"
	remaining := c.MaxContextTokens - EstimateTokens(sb.String()) - EstimateTokens(header)

	var cited []retrieval.ContextChunk
	var entries []string
	for _, ch := range sorted {
		entry := formatChunk(len(cited)+1, ch)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		cited = append(cited, ch)
		entries = append(entries, entry)
		remaining -= tokens
	}
	if len(entries) > 0 {
		sb.WriteString(header)
		sb.WriteString(strings.Join(entries, ""))
	}

	return Prompt{
		Messages: []engine.Message{
			{Role: engine.RoleSystem, Content: strings.TrimRight(sb.String(), "\n")},
			{Role: engine.RoleUser, Content: question},
		},
		Cited: cited,
	}
}

// ContextBlock renders chunks as the numbered list used inside prompts. It
// is also what a caller shows verbatim when no model is available.
func ContextBlock(chunks []retrieval.ContextChunk) string {
	var sb strings.Builder
	for i, ch := range chunks {
		sb.WriteString(formatChunk(i+1, ch))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatChunk(n int, ch retrieval.ContextChunk) string {
	label := ch.Type
	switch {
	case ch.Subject != "" && ch.Type != "":
		label = ch.Type + " " + ch.Subject
	case ch.RowIndex >= 0 && ch.Type != "":
		label = fmt.Sprintf("%s %d", ch.Type, ch.RowIndex)
	}
	return fmt.Sprintf("[%d] (%s, note %s)\n%s\n\n", n, label, ch.NoteID, ch.Text)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
