package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/dawn/internal/feeds"
	"github.com/kalambet/dawn/internal/memory"
	"github.com/kalambet/dawn/internal/orchestrator"
	"github.com/kalambet/dawn/internal/retrieval"
	"github.com/kalambet/dawn/internal/storage"
)

// MCPRetriever abstracts note search for the MCP layer.
type MCPRetriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (retrieval.Result, error)
}

// MCPDeps holds dependencies for the MCP server. MCP clients act on the
// default tenant.
type MCPDeps struct {
	Feeds     FeedService
	Analyzer  Analyzer
	Notes     NoteCurator
	Retriever MCPRetriever
	Version   string
}

// NewMCPServer creates an MCP server with the analysis tools and the feed
// list resource registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"dawn",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("dawn analyzes versioned spreadsheet feeds and answers questions from verified metrics and context notes."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("run_analysis",
			mcp.WithDescription("Analyze the latest version of a feed and return the run summary as JSON."),
			mcp.WithString("feed", mcp.Description("Feed identifier"), mcp.Required()),
			mcp.WithString("question", mcp.Description("Optional question to answer from the results")),
			mcp.WithBoolean("refresh_context", mcp.Description("Persist curated context notes (default true)")),
		),
		mcpRunAnalysis(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_feed",
			mcp.WithDescription("Answer a question from the feed's latest stored metrics and context notes without running a new analysis."),
			mcp.WithString("feed", mcp.Description("Feed identifier"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
			mcp.WithNumber("top_k", mcp.Description("Maximum number of notes to consult")),
		),
		mcpAskFeed(deps),
	)

	s.AddTool(
		mcp.NewTool("recall_notes",
			mcp.WithDescription("Search the context notes of a feed."),
			mcp.WithString("feed", mcp.Description("Feed identifier"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpRecallNotes(deps),
	)

	s.AddTool(
		mcp.NewTool("add_note",
			mcp.WithDescription("Attach a user note to a feed. Notes are consulted when answering questions."),
			mcp.WithString("feed", mcp.Description("Feed identifier"), mcp.Required()),
			mcp.WithString("text", mcp.Description("Note text"), mcp.Required()),
			mcp.WithNumber("row_index", mcp.Description("Optional row the note refers to")),
			mcp.WithArray("tags", mcp.Description("Optional tags")),
		),
		mcpAddNote(deps),
	)

	s.AddTool(
		mcp.NewTool("feed_drift",
			mcp.WithDescription("Report schema and value drift of a feed version against the version before it."),
			mcp.WithString("feed", mcp.Description("Feed identifier"), mcp.Required()),
			mcp.WithNumber("version", mcp.Description("Version to inspect (default latest)")),
		),
		mcpFeedDrift(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"dawn://feeds",
			"Feeds",
			mcp.WithResourceDescription("Registered feeds as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceFeeds(deps),
	)

	return s
}

func mcpRunAnalysis(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		feed, err := req.RequireString("feed")
		if err != nil {
			return mcpError("feed is required"), nil
		}
		refresh := req.GetBool("refresh_context", true)

		sum, err := deps.Analyzer.Run(ctx, orchestrator.RunRequest{
			Tenant:         storage.DefaultTenant,
			Feed:           feed,
			Question:       req.GetString("question", ""),
			RefreshContext: &refresh,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("analysis failed: %v", err)), nil
		}
		return mcpJSON(sum)
	}
}

func mcpAskFeed(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		feed, err := req.RequireString("feed")
		if err != nil {
			return mcpError("feed is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		ans, err := deps.Analyzer.Ask(ctx, orchestrator.AskRequest{
			Tenant:   storage.DefaultTenant,
			Feed:     feed,
			Question: question,
			TopK:     req.GetInt("top_k", 0),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		return mcpJSON(ans)
	}
}

func mcpRecallNotes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		feed, err := req.RequireString("feed")
		if err != nil {
			return mcpError("feed is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		if err := feeds.ValidateIdentifier(feed); err != nil {
			return mcpError(err.Error()), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		res, err := deps.Retriever.Retrieve(ctx, retrieval.Query{
			Tenant: storage.DefaultTenant,
			Source: memory.SourceKey(feed),
			Text:   query,
			TopK:   limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}
		if len(res.Chunks) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(res.Chunks)
	}
}

func mcpAddNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		feed, err := req.RequireString("feed")
		if err != nil {
			return mcpError("feed is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		if _, err := deps.Feeds.Feed(storage.DefaultTenant, feed); err != nil {
			return mcpError(fmt.Sprintf("unknown feed %q: %v", feed, err)), nil
		}

		a := memory.Annotation{Text: text, Tags: req.GetStringSlice("tags", nil)}
		if row := req.GetInt("row_index", -1); row >= 0 {
			a.RowIndex = &row
		}
		note, warnings, err := deps.Notes.AddAnnotation(ctx, storage.DefaultTenant, memory.SourceKey(feed), a)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to add note: %v", err)), nil
		}
		msg := fmt.Sprintf("Stored note %s", note.ID)
		if len(warnings) > 0 {
			msg += fmt.Sprintf(" (%s)", warnings[0].Message)
		}
		return mcpText(msg), nil
	}
}

func mcpFeedDrift(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		feed, err := req.RequireString("feed")
		if err != nil {
			return mcpError("feed is required"), nil
		}
		report, err := deps.Feeds.Drift(ctx, storage.DefaultTenant, feed, req.GetInt("version", 0))
		if err != nil {
			return mcpError(fmt.Sprintf("drift failed: %v", err)), nil
		}
		return mcpJSON(report)
	}
}

func mcpResourceFeeds(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := deps.Feeds.List(storage.DefaultTenant)
		if err != nil {
			return nil, fmt.Errorf("failed to list feeds: %w", err)
		}
		if list == nil {
			list = []storage.Feed{}
		}

		b, err := json.Marshal(list)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal feeds: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
