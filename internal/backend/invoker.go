package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Payload is one document's contribution to a batch request.
type Payload struct {
	ID   string
	Text string
}

// DocResult is the per-document outcome of a batch call. Kind is empty
// on success.
type DocResult struct {
	ID     string
	Output string
	Kind   ErrorKind
}

// CallError describes a whole-call failure, already classified.
type CallError struct {
	Kind   ErrorKind
	Output string
	Err    error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend call failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("backend call failed (%s)", e.Kind)
}

func (e *CallError) Unwrap() error { return e.Err }

// Recorder receives exactly one success/failure report per backend call.
type Recorder interface {
	Record(success bool)
}

// Invoker wraps one external analysis process per batch. The backend is
// treated as an opaque executable: write request to stdin, wait up to
// the timeout, read its combined output.
type Invoker struct {
	argv    []string
	timeout time.Duration
	rec     Recorder
	logger  *slog.Logger

	// run is swappable in tests.
	run func(ctx context.Context, argv []string, stdin string) (string, error)
}

// NewInvoker creates an Invoker that spawns argv for every batch.
// If timeout is <= 0, it defaults to 120s.
func NewInvoker(argv []string, timeout time.Duration, rec Recorder) *Invoker {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Invoker{
		argv:    argv,
		timeout: timeout,
		rec:     rec,
		logger:  slog.Default(),
		run:     runProcess,
	}
}

const docMarker = "=== DOC"

// buildPrompt frames batch members with per-document markers and asks
// the backend to mirror them, so responses can be attributed.
func buildPrompt(batch []Payload) string {
	var b strings.Builder
	b.WriteString("Analyze each of the following documents. For every document, produce a concise analysis: key topics, main findings, and notable insights.\n")
	b.WriteString(fmt.Sprintf("There are %d documents. Begin the answer for document k with a line of the exact form %q where <id> matches the input header. Do not skip any document.\n\n", len(batch), "=== DOC k: <id> ==="))
	for i, p := range batch {
		fmt.Fprintf(&b, "=== DOC %d: %s ===\n", i+1, p.ID)
		b.WriteString(p.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}

// parseResponse splits a successful response back into per-document
// sections. Members whose marker never appears fail individually with
// KindMalformedResponse; a response with no markers at all for a
// multi-document batch fails every member the same way.
func parseResponse(raw string, batch []Payload) []DocResult {
	if len(batch) == 1 && !strings.Contains(raw, docMarker) {
		// Single-document batches commonly come back unframed.
		return []DocResult{{ID: batch[0].ID, Output: strings.TrimSpace(raw)}}
	}

	sections := make(map[string]string, len(batch))
	lines := strings.Split(raw, "\n")
	var currentID string
	var buf strings.Builder
	flush := func() {
		if currentID != "" {
			sections[currentID] = strings.TrimSpace(buf.String())
		}
		buf.Reset()
	}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, docMarker) {
			flush()
			currentID = markerID(trimmed)
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	flush()

	results := make([]DocResult, 0, len(batch))
	for _, p := range batch {
		if out, ok := sections[p.ID]; ok && out != "" {
			results = append(results, DocResult{ID: p.ID, Output: out})
		} else {
			results = append(results, DocResult{ID: p.ID, Kind: KindMalformedResponse})
		}
	}
	return results
}

// markerID extracts the document id from a "=== DOC k: <id> ===" line.
func markerID(line string) string {
	rest := strings.TrimPrefix(line, docMarker)
	rest = strings.TrimSuffix(strings.TrimSpace(rest), "===")
	if idx := strings.Index(rest, ":"); idx >= 0 {
		rest = rest[idx+1:]
	}
	return strings.TrimSpace(rest)
}

// Submit sends one batch to the backend and returns per-document
// results. A whole-call failure is returned as *CallError; the caller
// applies it to every member. Each call reports to the Recorder exactly
// once, success meaning the process completed cleanly.
func (inv *Invoker) Submit(ctx context.Context, batch []Payload) ([]DocResult, error) {
	if len(batch) == 0 {
		return nil, errors.New("empty batch")
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	start := time.Now()
	out, err := inv.run(callCtx, inv.argv, buildPrompt(batch))
	elapsed := time.Since(start)

	if err != nil {
		kind := KindUnknown
		switch {
		case callCtx.Err() == context.DeadlineExceeded:
			kind = KindTimeout
		default:
			kind = Classify(out + "\n" + err.Error())
		}
		inv.report(false)
		inv.logger.Warn("backend call failed",
			"kind", string(kind), "docs", len(batch), "elapsed", elapsed.Round(time.Millisecond), "error", err)
		return nil, &CallError{Kind: kind, Output: out, Err: err}
	}

	inv.report(true)
	inv.logger.Debug("backend call completed",
		"docs", len(batch), "elapsed", elapsed.Round(time.Millisecond), "response_bytes", len(out))
	return parseResponse(out, batch), nil
}

// HealthCheck sends a trivial prompt through the backend and reports
// whether it responds at all. The result is not recorded as a health
// outcome.
func (inv *Invoker) HealthCheck(ctx context.Context) (bool, string) {
	callCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	out, err := inv.run(callCtx, inv.argv, "Reply with the single word OK.")
	if err != nil {
		kind := Classify(out + "\n" + err.Error())
		return false, fmt.Sprintf("%s: %v", kind, err)
	}
	return true, strings.TrimSpace(out)
}

func (inv *Invoker) report(success bool) {
	if inv.rec != nil {
		inv.rec.Record(success)
	}
}

// runProcess executes argv with stdin as input and returns combined
// stdout+stderr. The context enforces the hard wall-clock timeout.
func runProcess(ctx context.Context, argv []string, stdin string) (string, error) {
	if len(argv) == 0 {
		return "", errors.New("backend command not configured")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(stdin)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}
