package api

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/docsift/internal/health"
	"github.com/kalambet/docsift/internal/quarantine"
	"github.com/kalambet/docsift/internal/session"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *session.Store) {
	t.Helper()
	store, err := session.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mon := health.NewMonitor(health.Thresholds{})
	return MCPDeps{
		Store: store,
		Quar:  quarantine.New(store, time.Second),
		Deps:  StatusDeps{Store: store, Mon: mon},
	}, store
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

func TestMCPTool_SessionStatus(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	err := store.RegisterDocument(session.Document{
		ID: "/docs/a.pdf", Path: "/docs/a.pdf", TokenEstimate: 1000, Status: session.StatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}

	handler := mcpSessionStatus(deps)
	result, err := handler(context.Background(), makeCallToolRequest("session_status", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var snap map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &snap); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if snap["total"].(float64) != 1 {
		t.Errorf("total = %v, want 1", snap["total"])
	}
}

func TestMCPTool_GetAnalysis(t *testing.T) {
	deps, store := newTestMCPDeps(t)

	dir := t.TempDir()
	outPath := filepath.Join(dir, "a_analysis.md")
	if err := os.WriteFile(outPath, []byte("# Analysis: a.pdf\n\nfindings"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := store.RegisterDocument(session.Document{
		ID: "/docs/a.pdf", Path: "/docs/a.pdf", Status: session.StatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = store.RecordOutcome("/docs/a.pdf", session.Outcome{
		Status: session.StatusSucceeded, Success: true, Action: "succeeded", OutputPath: outPath,
	})
	if err != nil {
		t.Fatal(err)
	}

	handler := mcpGetAnalysis(deps)
	result, err := handler(context.Background(), makeCallToolRequest("get_analysis", map[string]interface{}{
		"document_id": "/docs/a.pdf",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if text := toolText(t, result); text != "# Analysis: a.pdf\n\nfindings" {
		t.Errorf("unexpected analysis content: %q", text)
	}
}

func TestMCPTool_GetAnalysis_MissingDocument(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	handler := mcpGetAnalysis(deps)
	result, err := handler(context.Background(), makeCallToolRequest("get_analysis", map[string]interface{}{
		"document_id": "/docs/nope.pdf",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for unknown document")
	}
}

func TestMCPTool_ListQuarantine(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	err := store.RegisterDocument(session.Document{
		ID: "/docs/stuck.pdf", Path: "/docs/stuck.pdf", Status: session.StatusQuarantined,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := deps.Quar.Add("/docs/stuck.pdf"); err != nil {
		t.Fatal(err)
	}

	handler := mcpListQuarantine(deps)
	result, err := handler(context.Background(), makeCallToolRequest("list_quarantine", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var entries []struct {
		DocumentID   string `json:"document_id"`
		FailureCount int    `json:"failure_count"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &entries); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(entries) != 1 || entries[0].DocumentID != "/docs/stuck.pdf" || entries[0].FailureCount != 1 {
		t.Errorf("entries = %+v", entries)
	}
}

func TestMCPTool_ListQuarantine_Empty(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	handler := mcpListQuarantine(deps)
	result, err := handler(context.Background(), makeCallToolRequest("list_quarantine", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := toolText(t, result); text != "[]" {
		t.Errorf("empty quarantine = %q, want []", text)
	}
}
