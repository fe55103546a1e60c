// Package quarantine removes documents that keep failing for systemic
// reasons (rate limits, timeouts, outages) from normal rotation, with
// exponential-backoff re-eligibility capped at 24 hours.
package quarantine

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/kalambet/docsift/internal/session"
)

// Persistence is the slice of the session store the quarantine policy
// needs.
type Persistence interface {
	UpsertQuarantine(e session.QuarantineEntry) error
	GetQuarantine(documentID string) (session.QuarantineEntry, error)
	ListQuarantine() ([]session.QuarantineEntry, error)
	DeleteQuarantine(documentID string) error
}

const (
	defaultBaseDelay = 30 * time.Second
	maxDelay         = 24 * time.Hour
	jitterFraction   = 0.2

	// successProbabilityFloor gates release: a quarantined document only
	// re-enters rotation when the backend's projected success rate
	// clears this floor.
	successProbabilityFloor = 0.5
)

// Store applies quarantine policy on top of persisted entries.
type Store struct {
	db        Persistence
	baseDelay time.Duration
	logger    *slog.Logger
	now       func() time.Time
	rng       *rand.Rand
}

// New creates a quarantine Store. baseDelay <= 0 selects the 30s
// default.
func New(db Persistence, baseDelay time.Duration) *Store {
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	return &Store{
		db:        db,
		baseDelay: baseDelay,
		logger:    slog.Default(),
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// backoff computes the re-eligibility delay for the given failure
// count: min(24h, jitteredBase * 2^failures) with the base jittered
// ±20%. Jittering the base (not the product) keeps the 24h cap exact
// and the interval sequence non-decreasing across cycles.
func (s *Store) backoff(failureCount int) time.Duration {
	jitter := 1 + (s.rng.Float64()*2-1)*jitterFraction
	d := time.Duration(float64(s.baseDelay) * jitter)
	for i := 0; i < failureCount && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// Add quarantines a document, extending the backoff of an existing
// entry. Released history counts: a probe that fails again resumes its
// backoff where it left off instead of restarting at the base.
// Returns the updated entry.
func (s *Store) Add(documentID string) (session.QuarantineEntry, error) {
	now := s.now()
	entry := session.QuarantineEntry{DocumentID: documentID, FailureCount: 0}
	if existing, err := s.db.GetQuarantine(documentID); err == nil {
		entry = existing
	}
	entry.FailureCount++
	entry.Released = false
	entry.QuarantinedAt = now
	entry.NextEligibleAt = now.Add(s.backoff(entry.FailureCount))

	if err := s.db.UpsertQuarantine(entry); err != nil {
		return session.QuarantineEntry{}, fmt.Errorf("persisting quarantine for %s: %w", documentID, err)
	}
	s.logger.Info("document quarantined",
		"doc", documentID, "failures", entry.FailureCount, "eligible_at", entry.NextEligibleAt)
	return entry, nil
}

// Entry returns the active quarantine entry for one document, or
// session.ErrNotFound. Released history does not count as active.
func (s *Store) Entry(documentID string) (session.QuarantineEntry, error) {
	e, err := s.db.GetQuarantine(documentID)
	if err != nil {
		return session.QuarantineEntry{}, err
	}
	if e.Released {
		return session.QuarantineEntry{}, session.ErrNotFound
	}
	return e, nil
}

// ReleaseAllowed reports whether the projected success probability
// clears the release floor.
func (s *Store) ReleaseAllowed(successProbability float64) bool {
	return successProbability >= successProbabilityFloor
}

// Releasable returns the ids of quarantined documents whose backoff has
// expired, provided the projected success probability clears the
// release floor. The snapshot is taken once per planning cycle.
func (s *Store) Releasable(successProbability float64) ([]string, error) {
	if !s.ReleaseAllowed(successProbability) {
		return nil, nil
	}
	entries, err := s.db.ListQuarantine()
	if err != nil {
		return nil, fmt.Errorf("listing quarantine: %w", err)
	}
	now := s.now()
	var ids []string
	for _, e := range entries {
		if !now.Before(e.NextEligibleAt) {
			ids = append(ids, e.DocumentID)
		}
	}
	return ids, nil
}

// Release returns a document to the pool as a probe. The entry stays
// behind as released history so a repeat failure extends the previous
// backoff rather than restarting it.
func (s *Store) Release(documentID string) error {
	e, err := s.db.GetQuarantine(documentID)
	if err != nil {
		return fmt.Errorf("releasing %s: %w", documentID, err)
	}
	e.Released = true
	if err := s.db.UpsertQuarantine(e); err != nil {
		return fmt.Errorf("releasing %s: %w", documentID, err)
	}
	s.logger.Info("document released from quarantine", "doc", documentID, "failures", e.FailureCount)
	return nil
}

// Remove discards a document's quarantine entry outright, backoff
// history included. Operator escape hatch; the scheduler itself only
// releases.
func (s *Store) Remove(documentID string) error {
	if err := s.db.DeleteQuarantine(documentID); err != nil {
		return fmt.Errorf("removing %s from quarantine: %w", documentID, err)
	}
	return nil
}

// List returns the active quarantine entries.
func (s *Store) List() ([]session.QuarantineEntry, error) {
	return s.db.ListQuarantine()
}

// NextEligible returns the soonest re-eligibility instant among current
// entries. ok is false when the quarantine is empty.
func (s *Store) NextEligible() (time.Time, bool, error) {
	entries, err := s.db.ListQuarantine()
	if err != nil || len(entries) == 0 {
		return time.Time{}, false, err
	}
	return entries[0].NextEligibleAt, true, nil
}
