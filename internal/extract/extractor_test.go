package extract

import (
	"context"
	"os"
	"strings"
	"testing"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestCountTokens(t *testing.T) {
	if got := CountTokens(""); got != 0 {
		t.Errorf("CountTokens(empty) = %d, want 0", got)
	}

	text := strings.Repeat("the quick brown fox jumps over the lazy dog ", 100)
	got := CountTokens(text)
	// Whether the real encoder or the chars/4 fallback is active, plain
	// English lands near one token per four characters.
	low, high := len(text)/8, len(text)/2
	if got < low || got > high {
		t.Errorf("CountTokens = %d, want within [%d, %d]", got, low, high)
	}
}

func TestCountTokens_Monotonicish(t *testing.T) {
	small := CountTokens("short text")
	large := CountTokens(strings.Repeat("a longer body of text ", 50))
	if large <= small {
		t.Errorf("longer text counted %d tokens, shorter %d", large, small)
	}
}

func TestScanDir_EmptyDir(t *testing.T) {
	records, err := ScanDir(context.Background(), t.TempDir(), 2)
	if err != nil {
		t.Fatalf("ScanDir failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records from empty dir", len(records))
	}
}

func TestScanDir_SkipsUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	// A .pdf extension with garbage content must be skipped, not fail
	// the scan.
	if err := writeFile(dir+"/broken.pdf", "not a pdf"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(dir+"/notes.txt", "ignored entirely"); err != nil {
		t.Fatal(err)
	}

	records, err := ScanDir(context.Background(), dir, 2)
	if err != nil {
		t.Fatalf("ScanDir failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
}
