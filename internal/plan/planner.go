// Package plan partitions the pending pool into ordered batches sized
// by complexity tier and current backend health.
package plan

import (
	"sort"

	"github.com/kalambet/docsift/internal/health"
	"github.com/kalambet/docsift/internal/session"
)

// Tier buckets documents by token cost.
type Tier string

const (
	TierSmall  Tier = "small"  // < 5k tokens
	TierMedium Tier = "medium" // 5k-20k tokens
	TierLarge  Tier = "large"  // >= 20k tokens
)

const (
	smallTierMax  = 5_000
	mediumTierMax = 20_000
)

func tierOf(tokens int) Tier {
	switch {
	case tokens < smallTierMax:
		return TierSmall
	case tokens < mediumTierMax:
		return TierMedium
	}
	return TierLarge
}

// Batch is an ephemeral grouping for one backend call. Batches never
// mix previously-failed documents with fresh ones, so a failure is
// always attributable.
type Batch struct {
	Members    []session.Document
	TargetSize int
	TokenSum   int
	Tier       Tier
	Oversize   bool // single document exceeding the token ceiling
	Probe      bool // quarantine release probe
}

// Config tunes the planner. Zero values select defaults.
type Config struct {
	// TokenCeiling is the per-request token budget (context window
	// minus response reserve). Default 150000.
	TokenCeiling int
	// BatchSize is the advisory --batch-size ceiling; 0 means no cap.
	BatchSize int
	// FastMode selects the aggressive end of each tier's size range.
	FastMode bool
	// UnhealthyQualityFloor is the raised admission threshold applied
	// when the backend is unhealthy. Default 0.7.
	UnhealthyQualityFloor float64
}

func (c Config) withDefaults() Config {
	if c.TokenCeiling <= 0 {
		c.TokenCeiling = 150_000
	}
	if c.UnhealthyQualityFloor <= 0 {
		c.UnhealthyQualityFloor = 0.7
	}
	return c
}

// Planner builds batch plans. Stateless; safe to reuse across cycles.
type Planner struct {
	cfg Config
}

// New creates a Planner.
func New(cfg Config) *Planner {
	return &Planner{cfg: cfg.withDefaults()}
}

// targetSize picks the batch size for a tier under the given health
// snapshot: tier default, degraded halves it, unhealthy forces
// singletons, and the advisory cap applies last.
func (p *Planner) targetSize(tier Tier, h health.State) int {
	var size int
	switch tier {
	case TierSmall:
		size = 8
		if p.cfg.FastMode {
			size = 10
		}
	case TierMedium:
		size = 3
		if p.cfg.FastMode {
			size = 5
		}
	default:
		size = 1
		if p.cfg.FastMode {
			size = 2
		}
	}

	switch h.Status {
	case health.Degraded:
		size /= 2
	case health.Unhealthy:
		size = 1
	}
	if size < 1 {
		size = 1
	}
	if p.cfg.BatchSize > 0 && size > p.cfg.BatchSize {
		size = p.cfg.BatchSize
	}
	return size
}

// Plan partitions the pool into ordered batches. pending holds
// documents ready for scheduling (fresh and retry); released holds
// quarantine releases, emitted as singleton probes. Health and
// eligibility are snapshotted by the caller before the call; Plan
// itself reads no shared state.
//
// An empty result signals the orchestrator that nothing is currently
// schedulable.
func (p *Planner) Plan(pending, released []session.Document, h health.State) []Batch {
	var fresh, retries []session.Document
	for _, d := range pending {
		if h.Status == health.Unhealthy && d.QualityScore <= p.cfg.UnhealthyQualityFloor {
			continue
		}
		if d.AttemptCount > 0 {
			retries = append(retries, d)
		} else {
			fresh = append(fresh, d)
		}
	}

	var batches []Batch

	// Fresh documents, tier by tier, best quality first.
	byTier := map[Tier][]session.Document{}
	for _, d := range fresh {
		t := tierOf(d.TokenEstimate)
		byTier[t] = append(byTier[t], d)
	}
	for _, tier := range []Tier{TierSmall, TierMedium, TierLarge} {
		docs := byTier[tier]
		sort.SliceStable(docs, func(i, j int) bool {
			return docs[i].QualityScore > docs[j].QualityScore
		})
		batches = append(batches, p.packTier(tier, docs, h)...)
	}

	// Previously-failed documents retry in isolation.
	for _, d := range retries {
		batches = append(batches, singleton(d, p.cfg.TokenCeiling, false))
	}

	// Quarantine releases probe the backend one at a time.
	for _, d := range released {
		batches = append(batches, singleton(d, p.cfg.TokenCeiling, true))
	}

	return batches
}

// packTier greedily fills batches of up to targetSize members without
// crossing the token ceiling.
func (p *Planner) packTier(tier Tier, docs []session.Document, h health.State) []Batch {
	size := p.targetSize(tier, h)
	var batches []Batch
	var cur Batch

	flush := func() {
		if len(cur.Members) > 0 {
			cur.Tier = tier
			cur.TargetSize = size
			batches = append(batches, cur)
			cur = Batch{}
		}
	}

	for _, d := range docs {
		if d.TokenEstimate > p.cfg.TokenCeiling {
			flush()
			batches = append(batches, singleton(d, p.cfg.TokenCeiling, false))
			continue
		}
		if len(cur.Members) >= size || cur.TokenSum+d.TokenEstimate > p.cfg.TokenCeiling {
			flush()
		}
		cur.Members = append(cur.Members, d)
		cur.TokenSum += d.TokenEstimate
	}
	flush()
	return batches
}

func singleton(d session.Document, ceiling int, probe bool) Batch {
	return Batch{
		Members:    []session.Document{d},
		TargetSize: 1,
		TokenSum:   d.TokenEstimate,
		Tier:       tierOf(d.TokenEstimate),
		Oversize:   d.TokenEstimate > ceiling,
		Probe:      probe,
	}
}
