// Package retry decides what happens to a document after a failed
// backend call: immediate retry, delayed retry, quarantine, or giving
// up.
package retry

import (
	"math/rand"
	"time"

	"github.com/kalambet/docsift/internal/backend"
	"github.com/kalambet/docsift/internal/health"
	"github.com/kalambet/docsift/internal/session"
)

// Action is the controller's verdict for one failure.
type Action string

const (
	RetryNow   Action = "retry_now"
	RetryAfter Action = "retry_after"
	Quarantine Action = "quarantine"
	GiveUp     Action = "give_up"
)

// Decision pairs an action with its delay (RetryAfter only).
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Config tunes the controller. Zero values select defaults.
type Config struct {
	MaxRetries int           // attempts before terminal failure, default 3
	BaseDelay  time.Duration // exponential backoff base, default 2s
	MaxDelay   time.Duration // backoff cap, default 5m
	// SkipFailed short-circuits everything: any failure is terminal.
	SkipFailed bool
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	return c
}

// Controller applies the retry policy.
type Controller struct {
	cfg Config
	rng *rand.Rand
}

// New creates a Controller.
func New(cfg Config) *Controller {
	return &Controller{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Decide maps one failure to an action. doc is the record as it stood
// before this failure; the failure being decided counts as attempt
// doc.AttemptCount+1. The health snapshot stretches delays when the
// backend is already struggling.
func (c *Controller) Decide(doc session.Document, kind backend.ErrorKind, h health.State) Decision {
	if c.cfg.SkipFailed {
		return Decision{Action: GiveUp}
	}

	attempts := doc.AttemptCount + 1

	// Retrying cannot fix an oversized document, and nothing succeeds
	// after an auth failure (the orchestrator halts on it anyway).
	if kind == backend.KindContentTooLarge || kind == backend.KindAuthFailure {
		return Decision{Action: GiveUp}
	}

	if attempts >= c.cfg.MaxRetries {
		return Decision{Action: GiveUp}
	}

	// A document repeatedly hitting the same systemic condition is
	// unlikely to succeed soon; quarantine it instead of burning the
	// remaining retry budget.
	if attempts >= 2 && kind.Systemic() && doc.LastErrorKind == string(kind) {
		return Decision{Action: Quarantine}
	}

	// A single malformed response is usually a parse hiccup.
	if kind == backend.KindMalformedResponse && attempts == 1 {
		return Decision{Action: RetryNow}
	}

	return Decision{Action: RetryAfter, Delay: c.delay(attempts, h)}
}

// delay computes min(maxDelay, base * 2^attempts) jittered ±20% so
// retries across a failed batch don't land simultaneously. Unhealthy
// backends get doubled delays.
func (c *Controller) delay(attempts int, h health.State) time.Duration {
	d := c.cfg.BaseDelay
	for i := 0; i < attempts && d < c.cfg.MaxDelay; i++ {
		d *= 2
	}
	if h.Status == health.Unhealthy {
		d *= 2
	}
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	jitter := 1 + (c.rng.Float64()*2-1)*0.2
	return time.Duration(float64(d) * jitter)
}
