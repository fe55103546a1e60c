package main

import (
	"fmt"
	"os"
	"time"

	"github.com/kalambet/docsift/internal/extract"
	"github.com/kalambet/docsift/internal/session"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + ansiReset
}

// statusColor maps a document status to its display color: terminal
// good is green, terminal bad is red, everything parked or waiting is
// yellow, active states are cyan.
func statusColor(s session.Status) string {
	switch s {
	case session.StatusSucceeded:
		return ansiGreen
	case session.StatusFailed:
		return ansiRed
	case session.StatusQuarantined, session.StatusSkipped:
		return ansiYellow
	default:
		return ansiCyan
	}
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(ansiGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(ansiRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(ansiYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(ansiCyan, "→ "+fmt.Sprintf(format, args...)))
}

// printStatus renders one labeled value line.
func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n",
		colorize(ansiBold, label+":"), fmt.Sprintf(format, args...))
}

// printStatusCounts renders the non-zero document counts in the given
// order, each colored by its status.
func printStatusCounts(counts map[session.Status]int, order []session.Status) {
	for _, s := range order {
		if n := counts[s]; n > 0 {
			fmt.Fprintf(os.Stderr, "  %s: %d\n", colorize(statusColor(s), string(s)), n)
		}
	}
}

// printScanSummary reports the shape of the scanned pool before
// scheduling starts: size tiers, token total, and type distribution.
func printScanSummary(records []extract.Record) {
	tokens := 0
	small, medium, large := 0, 0, 0
	byType := map[string]int{}
	for _, r := range records {
		tokens += r.TokenEstimate
		switch {
		case r.TokenEstimate < 5_000:
			small++
		case r.TokenEstimate < 20_000:
			medium++
		default:
			large++
		}
		byType[r.TypeTag]++
	}
	printStatus("Documents", "%d (%d small, %d medium, %d large)", len(records), small, medium, large)
	printStatus("Estimated tokens", "%d", tokens)
	for tag, n := range byType {
		printStatus("  "+tag, "%d", n)
	}
}

// formatQuarantineEntry renders one row for the quarantine listing.
func formatQuarantineEntry(e session.QuarantineEntry) string {
	return fmt.Sprintf("%s  failures=%d  eligible=%s",
		colorize(ansiCyan, e.DocumentID),
		e.FailureCount,
		e.NextEligibleAt.Local().Format(time.RFC3339))
}
