// Package progress derives throughput, trend, and completion estimates
// from the session timeline. Everything here is a pure function of its
// inputs so the status endpoint and the console reporter share one
// implementation.
package progress

import (
	"time"

	"github.com/kalambet/docsift/internal/health"
	"github.com/kalambet/docsift/internal/session"
)

// Trend labels the direction a metric is moving.
type Trend string

const (
	TrendStable       Trend = "stable"
	TrendImproving    Trend = "improving"
	TrendDeclining    Trend = "declining"
	TrendAccelerating Trend = "accelerating"
	TrendSlowing      Trend = "slowing"
)

// Snapshot is one point-in-time progress report.
type Snapshot struct {
	Counts          map[session.Status]int `json:"counts"`
	Total           int                    `json:"total"`
	Completed       int                    `json:"completed"`
	SuccessRate     float64                `json:"success_rate"`
	SuccessTrend    Trend                  `json:"success_trend"`
	ThroughputTrend Trend                  `json:"throughput_trend"`
	TokensPerMinute float64                `json:"tokens_per_minute"`
	RemainingTokens int                    `json:"remaining_tokens"`
	// ETA is meaningful only when ETAKnown is true; with no completed
	// work there is no rate to extrapolate from.
	ETA      time.Duration `json:"eta_ns"`
	ETAKnown bool          `json:"eta_known"`
	Health   health.Status `json:"health"`
}

// minTrendEntries is the minimum timeline length before trend segments
// are compared; below it everything reads stable.
const minTrendEntries = 6

// Estimate builds a Snapshot from the recent timeline (chronological
// order), the status counts, and the token backlog. The health snapshot
// inflates the ETA when the backend is struggling.
func Estimate(entries []session.TimelineEntry, counts map[session.Status]int, remainingTokens int, h health.State) Snapshot {
	snap := Snapshot{
		Counts:          counts,
		SuccessTrend:    TrendStable,
		ThroughputTrend: TrendStable,
		RemainingTokens: remainingTokens,
		Health:          h.Status,
	}
	for _, n := range counts {
		snap.Total += n
	}
	for _, s := range []session.Status{session.StatusSucceeded, session.StatusFailed, session.StatusSkipped} {
		snap.Completed += counts[s]
	}

	if len(entries) > 0 {
		successes := 0
		for _, e := range entries {
			if e.Outcome == "success" {
				successes++
			}
		}
		snap.SuccessRate = float64(successes) / float64(len(entries))
	}

	if len(entries) >= minTrendEntries {
		third := len(entries) / 3
		prior := entries[len(entries)-2*third : len(entries)-third]
		recent := entries[len(entries)-third:]
		snap.SuccessTrend = successTrend(prior, recent)
		snap.ThroughputTrend = throughputTrend(prior, recent)
	}

	snap.TokensPerMinute = tokensPerMinute(entries)
	if snap.TokensPerMinute > 0 && remainingTokens > 0 {
		minutes := float64(remainingTokens) / snap.TokensPerMinute
		switch h.Status {
		case health.Degraded:
			minutes *= 1.5
		case health.Unhealthy:
			minutes *= 3
		}
		snap.ETA = time.Duration(minutes * float64(time.Minute))
		snap.ETAKnown = true
	}
	if remainingTokens == 0 {
		snap.ETA = 0
		snap.ETAKnown = true
	}
	return snap
}

func successRate(entries []session.TimelineEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.Outcome == "success" {
			n++
		}
	}
	return float64(n) / float64(len(entries))
}

// successTrend compares success rates of two adjacent timeline
// segments. Moves under five percentage points read as noise.
func successTrend(prior, recent []session.TimelineEntry) Trend {
	delta := successRate(recent) - successRate(prior)
	switch {
	case delta > 0.05:
		return TrendImproving
	case delta < -0.05:
		return TrendDeclining
	}
	return TrendStable
}

// throughputTrend compares tokens-per-minute across two segments. Moves
// under ten percent read as noise.
func throughputTrend(prior, recent []session.TimelineEntry) Trend {
	p, r := tokensPerMinute(prior), tokensPerMinute(recent)
	if p == 0 {
		return TrendStable
	}
	ratio := r / p
	switch {
	case ratio > 1.1:
		return TrendAccelerating
	case ratio < 0.9:
		return TrendSlowing
	}
	return TrendStable
}

// tokensPerMinute sums the tokens of successful entries over the
// segment's wall-clock span. A span too short to measure yields 0.
func tokensPerMinute(entries []session.TimelineEntry) float64 {
	if len(entries) < 2 {
		return 0
	}
	tokens := 0
	for _, e := range entries {
		if e.Outcome == "success" {
			tokens += e.TokenCount
		}
	}
	span := entries[len(entries)-1].At.Sub(entries[0].At)
	if tokens == 0 || span <= 0 {
		return 0
	}
	return float64(tokens) / span.Minutes()
}
