package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/docsift/internal/progress"
	"github.com/kalambet/docsift/internal/session"
)

func TestWriteAnalysis(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}

	doc := session.Document{
		ID:            "/docs/paper.pdf",
		Path:          "/docs/paper.pdf",
		TypeTag:       "academic",
		PageCount:     12,
		TokenEstimate: 4200,
		QualityScore:  0.87,
	}
	path, err := w.WriteAnalysis(doc, "Key findings:\n\n- finding one\n- finding two")
	if err != nil {
		t.Fatalf("WriteAnalysis failed: %v", err)
	}
	if filepath.Base(path) != "paper_analysis.md" {
		t.Errorf("analysis file = %s, want paper_analysis.md", filepath.Base(path))
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"# Analysis: paper.pdf", "**Type:** academic", "**Quality score:** 0.87", "finding two"} {
		if !strings.Contains(string(content), want) {
			t.Errorf("analysis missing %q", want)
		}
	}
}

func TestWriteSummary(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}

	docs := []session.Document{
		{Path: "/docs/a.pdf", Status: session.StatusSucceeded, TokenEstimate: 1000},
		{Path: "/docs/b.pdf", Status: session.StatusSucceeded, TokenEstimate: 2000},
		{Path: "/docs/c.pdf", Status: session.StatusFailed, LastErrorKind: "timeout", AttemptCount: 3},
	}
	snap := progress.Snapshot{SuccessRate: 0.67}

	path, err := w.WriteSummary(docs, snap, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("WriteSummary failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"# Processing Summary",
		"**Documents:** 3",
		"**Tokens processed:** 3000",
		"| succeeded | 2 |",
		"c.pdf (timeout, 3 attempts)",
	} {
		if !strings.Contains(string(content), want) {
			t.Errorf("summary missing %q", want)
		}
	}
}
