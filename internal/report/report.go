// Package report writes the markdown artifacts of a session: one
// analysis file per successfully processed document and a summary for
// the whole run.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/docsift/internal/progress"
	"github.com/kalambet/docsift/internal/session"
)

// Writer persists markdown reports under a single output directory.
type Writer struct {
	dir string
}

// NewWriter ensures dir exists and returns a Writer for it.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir %s: %w", dir, err)
	}
	return &Writer{dir: dir}, nil
}

// WriteAnalysis writes <stem>_analysis.md for one document and returns
// the file's path. The analysis body is the backend output verbatim;
// the header carries the document metadata a reader needs to judge it.
func (w *Writer) WriteAnalysis(doc session.Document, analysis string) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(doc.Path), filepath.Ext(doc.Path))
	path := filepath.Join(w.dir, stem+"_analysis.md")

	var b strings.Builder
	fmt.Fprintf(&b, "# Analysis: %s\n\n", filepath.Base(doc.Path))
	fmt.Fprintf(&b, "- **Source:** %s\n", doc.Path)
	fmt.Fprintf(&b, "- **Type:** %s\n", doc.TypeTag)
	fmt.Fprintf(&b, "- **Pages:** %d\n", doc.PageCount)
	fmt.Fprintf(&b, "- **Estimated tokens:** %d\n", doc.TokenEstimate)
	fmt.Fprintf(&b, "- **Quality score:** %.2f\n", doc.QualityScore)
	fmt.Fprintf(&b, "- **Processed:** %s\n\n", time.Now().UTC().Format(time.RFC3339))
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimSpace(analysis))
	b.WriteString("\n")

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing analysis for %s: %w", doc.ID, err)
	}
	return path, nil
}

// WriteSummary writes processing_summary.md covering the whole session.
func (w *Writer) WriteSummary(docs []session.Document, snap progress.Snapshot, started time.Time) (string, error) {
	path := filepath.Join(w.dir, "processing_summary.md")

	byStatus := map[session.Status][]session.Document{}
	tokensProcessed := 0
	for _, d := range docs {
		byStatus[d.Status] = append(byStatus[d.Status], d)
		if d.Status == session.StatusSucceeded {
			tokensProcessed += d.TokenEstimate
		}
	}

	var b strings.Builder
	b.WriteString("# Processing Summary\n\n")
	fmt.Fprintf(&b, "- **Started:** %s\n", started.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Finished:** %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Documents:** %d\n", len(docs))
	fmt.Fprintf(&b, "- **Tokens processed:** %d\n", tokensProcessed)
	fmt.Fprintf(&b, "- **Success rate:** %.0f%%\n\n", snap.SuccessRate*100)

	b.WriteString("## Status breakdown\n\n")
	b.WriteString("| Status | Count |\n|---|---|\n")
	for _, s := range []session.Status{
		session.StatusSucceeded, session.StatusFailed, session.StatusSkipped,
		session.StatusQuarantined, session.StatusPending, session.StatusInFlight,
	} {
		if n := len(byStatus[s]); n > 0 {
			fmt.Fprintf(&b, "| %s | %d |\n", s, n)
		}
	}
	b.WriteString("\n")

	failed := append(byStatus[session.StatusFailed], byStatus[session.StatusQuarantined]...)
	if len(failed) > 0 {
		sort.Slice(failed, func(i, j int) bool { return failed[i].ID < failed[j].ID })
		b.WriteString("## Unprocessed documents\n\n")
		for _, d := range failed {
			reason := d.LastErrorKind
			if reason == "" {
				reason = string(d.Status)
			}
			fmt.Fprintf(&b, "- %s (%s, %d attempts)\n", filepath.Base(d.Path), reason, d.AttemptCount)
		}
		b.WriteString("\n")
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing summary: %w", err)
	}
	return path, nil
}
