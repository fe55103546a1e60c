package main

import (
	"strings"
	"testing"
	"time"

	"github.com/kalambet/docsift/internal/config"
	"github.com/kalambet/docsift/internal/session"
)

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(ansiGreen, "hello"); strings.Contains(result, "\033") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := colorize(ansiGreen, "hello"); !strings.Contains(result, "\033") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestStatusColor(t *testing.T) {
	cases := []struct {
		status session.Status
		want   string
	}{
		{session.StatusSucceeded, ansiGreen},
		{session.StatusFailed, ansiRed},
		{session.StatusQuarantined, ansiYellow},
		{session.StatusSkipped, ansiYellow},
		{session.StatusPending, ansiCyan},
		{session.StatusInFlight, ansiCyan},
	}
	for _, c := range cases {
		if got := statusColor(c.status); got != c.want {
			t.Errorf("statusColor(%s) = %q, want %q", c.status, got, c.want)
		}
	}
}

func TestFormatQuarantineEntry(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	line := formatQuarantineEntry(session.QuarantineEntry{
		DocumentID:     "/docs/a.pdf",
		FailureCount:   3,
		NextEligibleAt: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC),
	})
	if !strings.Contains(line, "/docs/a.pdf") || !strings.Contains(line, "failures=3") {
		t.Errorf("line = %q", line)
	}
}

func TestApplyRunFlags(t *testing.T) {
	cfg := config.Config{}
	cfg.Scheduler.MaxRetries = 3
	cfg.Scheduler.QualityThreshold = 0.3
	cfg.Backend.TimeoutSeconds = 120

	cmd := runCmd
	if err := cmd.Flags().Set("max-retries", "5"); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("quality-threshold", "0"); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("fast-mode", "true"); err != nil {
		t.Fatal(err)
	}
	defer func() {
		cmd.Flags().Set("max-retries", "0")
		cmd.Flags().Set("quality-threshold", "-1")
		cmd.Flags().Set("fast-mode", "false")
	}()

	applyRunFlags(cmd, &cfg)

	if cfg.Scheduler.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Scheduler.MaxRetries)
	}
	// An explicit zero threshold disables quality skipping.
	if cfg.Scheduler.QualityThreshold != 0 {
		t.Errorf("QualityThreshold = %v, want 0", cfg.Scheduler.QualityThreshold)
	}
	if !cfg.Scheduler.FastMode {
		t.Error("FastMode not applied")
	}
	if cfg.Backend.TimeoutSeconds != 120 {
		t.Errorf("TimeoutSeconds = %d, want untouched 120", cfg.Backend.TimeoutSeconds)
	}
}
