package api

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docsift/internal/quarantine"
	"github.com/kalambet/docsift/internal/session"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *session.Store
	Quar  *quarantine.Store
	Deps  StatusDeps
}

// NewMCPServer creates an MCP server exposing the session to agent
// tooling: status queries, analysis retrieval, and quarantine
// inspection.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"docsift",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("docsift — batch PDF analysis session: processing status, per-document analyses, and quarantine state."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("session_status",
			mcp.WithDescription("Report processing progress: per-status counts, success rate, trends, and ETA."),
		),
		mcpSessionStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("get_analysis",
			mcp.WithDescription("Return the stored analysis markdown for one processed document."),
			mcp.WithString("document_id", mcp.Description("Document id (absolute source path)"), mcp.Required()),
		),
		mcpGetAnalysis(deps),
	)

	s.AddTool(
		mcp.NewTool("list_quarantine",
			mcp.WithDescription("List quarantined documents with failure counts and re-eligibility times."),
		),
		mcpListQuarantine(deps),
	)

	return s
}

func mcpSessionStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snap, err := buildSnapshot(deps.Deps)
		if err != nil {
			return mcpError(fmt.Sprintf("reading progress: %v", err)), nil
		}
		b, err := json.Marshal(snap)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetAnalysis(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}

		doc, err := deps.Store.GetDocument(id)
		if err != nil {
			return mcpError(fmt.Sprintf("document %s not found", id)), nil
		}
		if doc.Status != session.StatusSucceeded || doc.OutputPath == "" {
			return mcpError(fmt.Sprintf("document %s has no analysis (status %s)", id, doc.Status)), nil
		}

		content, err := os.ReadFile(doc.OutputPath)
		if err != nil {
			return mcpError(fmt.Sprintf("reading analysis: %v", err)), nil
		}
		return mcpText(string(content)), nil
	}
}

func mcpListQuarantine(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entries, err := deps.Quar.List()
		if err != nil {
			return mcpError(fmt.Sprintf("listing quarantine: %v", err)), nil
		}
		if len(entries) == 0 {
			return mcpText("[]"), nil
		}

		type quarResult struct {
			DocumentID     string `json:"document_id"`
			FailureCount   int    `json:"failure_count"`
			QuarantinedAt  string `json:"quarantined_at"`
			NextEligibleAt string `json:"next_eligible_at"`
		}
		results := make([]quarResult, len(entries))
		for i, e := range entries {
			results[i] = quarResult{
				DocumentID:     e.DocumentID,
				FailureCount:   e.FailureCount,
				QuarantinedAt:  e.QuarantinedAt.Format(time.RFC3339),
				NextEligibleAt: e.NextEligibleAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal entries: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
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
