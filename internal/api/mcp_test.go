package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/dawn/internal/answer"
	"github.com/kalambet/dawn/internal/memory"
	"github.com/kalambet/dawn/internal/orchestrator"
	"github.com/kalambet/dawn/internal/retrieval"
	"github.com/kalambet/dawn/internal/storage"
)

// --- mocks ---

type mockMCPRetriever struct {
	chunks []retrieval.ContextChunk
	err    error
	got    retrieval.Query
}

func (m *mockMCPRetriever) Retrieve(_ context.Context, q retrieval.Query) (retrieval.Result, error) {
	m.got = q
	return retrieval.Result{Chunks: m.chunks}, m.err
}

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *testApp) {
	t.Helper()
	app := newTestApp(t)
	if rec := app.do(t, http.MethodPost, "/feeds/tickets/versions", ticketsCSV); rec.Code != http.StatusCreated {
		t.Fatalf("ingest: got %d", rec.Code)
	}
	return MCPDeps{
		Feeds:     app.feeds,
		Analyzer:  app.orch,
		Notes:     app.curator,
		Retriever: app.retr,
	}, app
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestNewMCPServer_Builds(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if NewMCPServer(deps) == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_RunAnalysis(t *testing.T) {
	deps, app := newTestMCPDeps(t)
	handler := mcpRunAnalysis(deps)

	result, err := handler(context.Background(), makeCallToolRequest("run_analysis", map[string]interface{}{
		"feed":            "tickets",
		"question":        "Which priority has the most rows?",
		"refresh_context": false,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var sum orchestrator.RunSummary
	if err := json.Unmarshal([]byte(toolText(t, result)), &sum); err != nil {
		t.Fatalf("failed to parse summary: %v", err)
	}
	if sum.Status != orchestrator.StatusOK || !sum.DirectAnswer {
		t.Errorf("summary = %+v", sum)
	}

	notes, err := app.store.ListNotes(storage.DefaultTenant, memory.SourceKey("tickets"))
	if err != nil {
		t.Fatalf("listing notes: %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("refresh_context=false persisted %d notes", len(notes))
	}
}

func TestMCPTool_RunAnalysis_UnknownFeed(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, err := mcpRunAnalysis(deps)(context.Background(), makeCallToolRequest("run_analysis", map[string]interface{}{
		"feed": "ghost",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for unknown feed")
	}
}

func TestMCPTool_AskFeed(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if _, err := deps.Analyzer.Run(context.Background(), orchestrator.RunRequest{Feed: "tickets"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	result, err := mcpAskFeed(deps)(context.Background(), makeCallToolRequest("ask_feed", map[string]interface{}{
		"feed":     "tickets",
		"question": "Who handled the most tickets?",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var ans answer.Answer
	if err := json.Unmarshal([]byte(toolText(t, result)), &ans); err != nil {
		t.Fatalf("failed to parse answer: %v", err)
	}
	if !ans.Direct || !strings.HasPrefix(ans.Text, "Alex handled 3") {
		t.Errorf("answer = %+v", ans)
	}
}

func TestMCPTool_AskFeed_MissingQuestion(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, err := mcpAskFeed(deps)(context.Background(), makeCallToolRequest("ask_feed", map[string]interface{}{
		"feed": "tickets",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || toolText(t, result) != "question is required" {
		t.Errorf("got %q", toolText(t, result))
	}
}

func TestMCPTool_AddNote(t *testing.T) {
	deps, app := newTestMCPDeps(t)

	result, err := mcpAddNote(deps)(context.Background(), makeCallToolRequest("add_note", map[string]interface{}{
		"feed":      "tickets",
		"text":      "Alex covers weekends.",
		"row_index": 2,
		"tags":      []string{"staffing"},
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if !strings.HasPrefix(toolText(t, result), "Stored note ") {
		t.Errorf("got %q", toolText(t, result))
	}

	notes, err := app.store.ListNotes(storage.DefaultTenant, memory.SourceKey("tickets"))
	if err != nil {
		t.Fatalf("listing notes: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected 1 note, got %d", len(notes))
	}
	if notes[0].Type != storage.NoteUser || notes[0].RowIndex != 2 {
		t.Errorf("note = %+v", notes[0])
	}
}

func TestMCPTool_AddNote_UnknownFeed(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, err := mcpAddNote(deps)(context.Background(), makeCallToolRequest("add_note", map[string]interface{}{
		"feed": "ghost",
		"text": "hello",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for unknown feed")
	}
}

func TestMCPTool_FeedDrift(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, err := mcpFeedDrift(deps)(context.Background(), makeCallToolRequest("feed_drift", map[string]interface{}{
		"feed": "tickets",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), `"status":"new"`) {
		t.Errorf("got %s", toolText(t, result))
	}
}

func TestMCPTool_RecallNotes(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	retr := &mockMCPRetriever{chunks: []retrieval.ContextChunk{
		{NoteID: "n1", Text: "Alex covers weekends.", Score: 0.9, Method: "vector"},
	}}
	deps.Retriever = retr

	result, err := mcpRecallNotes(deps)(context.Background(), makeCallToolRequest("recall_notes", map[string]interface{}{
		"feed":  "tickets",
		"query": "weekends",
		"limit": 500,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var chunks []retrieval.ContextChunk
	if err := json.Unmarshal([]byte(toolText(t, result)), &chunks); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(chunks) != 1 || chunks[0].NoteID != "n1" {
		t.Errorf("chunks = %+v", chunks)
	}
	if retr.got.TopK != 50 || retr.got.Source != memory.SourceKey("tickets") {
		t.Errorf("query = %+v, want top_k capped at 50", retr.got)
	}
}

func TestMCPTool_RecallNotes_EmptyAndError(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	req := makeCallToolRequest("recall_notes", map[string]interface{}{"feed": "tickets", "query": "nothing"})

	deps.Retriever = &mockMCPRetriever{}
	result, _ := mcpRecallNotes(deps)(context.Background(), req)
	if toolText(t, result) != "[]" {
		t.Errorf("got %q, want []", toolText(t, result))
	}

	deps.Retriever = &mockMCPRetriever{err: errors.New("embed failed")}
	result, _ = mcpRecallNotes(deps)(context.Background(), req)
	if !result.IsError {
		t.Error("expected tool error when retrieval fails")
	}
}

func TestMCPResource_Feeds(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	contents, err := mcpResourceFeeds(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "dawn://feeds"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var list []storage.Feed
	if err := json.Unmarshal([]byte(tc.Text), &list); err != nil {
		t.Fatalf("failed to parse feeds: %v", err)
	}
	if len(list) != 1 || list[0].Identifier != "tickets" {
		t.Errorf("feeds = %+v", list)
	}
}

func TestMCPServer_ConcurrentRuns(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpRunAnalysis(deps)

	var wg sync.WaitGroup
	errs := make(chan string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := handler(context.Background(), makeCallToolRequest("run_analysis", map[string]interface{}{
				"feed": "tickets",
			}))
			if err != nil {
				errs <- err.Error()
				return
			}
			if result.IsError {
				errs <- "tool returned an error result"
			}
		}()
	}
	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Errorf("concurrent run failed: %s", msg)
	}
}
