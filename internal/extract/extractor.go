// Package extract discovers PDF files and turns them into scheduler
// input records: id, token estimate, quality score, and type tag. Text
// is not held in memory for the whole pool; the scheduler re-reads it
// lazily at dispatch time.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docsift/internal/analysis"
)

// Record describes one discovered document.
type Record struct {
	ID            string // normalized absolute path
	Path          string
	TokenEstimate int
	QualityScore  float64
	TypeTag       string
	SizeBytes     int64
	PageCount     int
}

// Text extracts the plain text of a PDF. Called once during the scan
// for scoring and again lazily when a batch containing the document is
// dispatched.
func Text(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	r, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting text from %s: %w", path, err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return "", fmt.Errorf("reading text from %s: %w", path, err)
	}
	return buf.String(), nil
}

// pageCount returns the number of pages without extracting text.
func pageCount(path string) (int, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return reader.NumPage(), nil
}

// ScanDir walks dir for PDF files and builds a Record per readable
// document. Extraction runs with bounded parallelism; unreadable files
// are logged and skipped rather than failing the scan.
func ScanDir(ctx context.Context, dir string, parallelism int) ([]Record, error) {
	if parallelism <= 0 {
		parallelism = 4
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".pdf") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}

	var mu sync.Mutex
	var records []Record

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, path := range paths {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rec, err := scanOne(path)
			if err != nil {
				slog.Warn("skipping unreadable pdf", "path", path, "error", err)
				return nil
			}
			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	slog.Info("document scan complete", "dir", dir, "found", len(paths), "readable", len(records))
	return records, nil
}

func scanOne(path string) (Record, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Record{}, fmt.Errorf("resolving %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Record{}, err
	}

	text, err := Text(abs)
	if err != nil {
		return Record{}, err
	}
	pages, err := pageCount(abs)
	if err != nil {
		return Record{}, err
	}

	return Record{
		ID:            abs,
		Path:          abs,
		TokenEstimate: CountTokens(text),
		QualityScore:  analysis.Score(text),
		TypeTag:       analysis.Classify(text),
		SizeBytes:     info.Size(),
		PageCount:     pages,
	}, nil
}
