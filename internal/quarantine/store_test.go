package quarantine

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/kalambet/docsift/internal/session"
)

type memPersistence struct {
	entries map[string]session.QuarantineEntry
}

func newMemPersistence() *memPersistence {
	return &memPersistence{entries: make(map[string]session.QuarantineEntry)}
}

func (m *memPersistence) UpsertQuarantine(e session.QuarantineEntry) error {
	m.entries[e.DocumentID] = e
	return nil
}

func (m *memPersistence) GetQuarantine(id string) (session.QuarantineEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return session.QuarantineEntry{}, session.ErrNotFound
	}
	return e, nil
}

func (m *memPersistence) ListQuarantine() ([]session.QuarantineEntry, error) {
	var out []session.QuarantineEntry
	for _, e := range m.entries {
		if e.Released {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memPersistence) DeleteQuarantine(id string) error {
	if _, ok := m.entries[id]; !ok {
		return session.ErrNotFound
	}
	delete(m.entries, id)
	return nil
}

func newTestStore(db Persistence) *Store {
	s := New(db, 30*time.Second)
	s.rng = rand.New(rand.NewSource(1))
	return s
}

func TestAdd_BackoffGrowsAndCaps(t *testing.T) {
	db := newMemPersistence()
	s := newTestStore(db)

	var prev time.Duration
	for i := 0; i < 16; i++ {
		e, err := s.Add("doc.pdf")
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if e.FailureCount != i+1 {
			t.Fatalf("cycle %d: failure count = %d, want %d", i, e.FailureCount, i+1)
		}
		interval := e.NextEligibleAt.Sub(e.QuarantinedAt)
		if interval <= 0 {
			t.Fatalf("cycle %d: nextEligibleAt not after quarantinedAt", i)
		}

		// Jitter is ±20% on the base, doubling is ×2, so even with
		// adverse jitter each interval grows until it pins at the cap.
		if i > 0 && interval < prev {
			t.Errorf("cycle %d: interval %v decreased from %v", i, interval, prev)
		}
		if interval > maxDelay {
			t.Errorf("cycle %d: interval %v exceeds 24h cap", i, interval)
		}
		prev = interval

		// Each cycle goes through a full release, the way the scheduler
		// probes: the backoff must carry over, not restart at the base.
		if err := s.Release("doc.pdf"); err != nil {
			t.Fatalf("cycle %d: Release failed: %v", i, err)
		}
	}

	if e := db.entries["doc.pdf"]; e.FailureCount != 16 {
		t.Errorf("failure count = %d, want 16", e.FailureCount)
	}
}

func TestReleasable(t *testing.T) {
	db := newMemPersistence()
	s := newTestStore(db)
	now := time.Now()
	s.now = func() time.Time { return now }

	db.entries["ready.pdf"] = session.QuarantineEntry{
		DocumentID: "ready.pdf", QuarantinedAt: now.Add(-time.Hour), NextEligibleAt: now.Add(-time.Minute),
	}
	db.entries["waiting.pdf"] = session.QuarantineEntry{
		DocumentID: "waiting.pdf", QuarantinedAt: now, NextEligibleAt: now.Add(time.Hour),
	}

	ids, err := s.Releasable(0.9)
	if err != nil {
		t.Fatalf("Releasable failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "ready.pdf" {
		t.Errorf("releasable = %v, want [ready.pdf]", ids)
	}

	// Below the success-probability floor nothing is released even when
	// the backoff has expired.
	ids, err = s.Releasable(0.2)
	if err != nil {
		t.Fatalf("Releasable failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("releasable below floor = %v, want none", ids)
	}
}

func TestRelease_KeepsHistory(t *testing.T) {
	db := newMemPersistence()
	s := newTestStore(db)

	if _, err := s.Add("doc.pdf"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Release("doc.pdf"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// A released document is out of active quarantine.
	if _, err := s.Entry("doc.pdf"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Entry after release = %v, want ErrNotFound", err)
	}
	ids, err := s.Releasable(0.9)
	if err != nil {
		t.Fatalf("Releasable failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("released entry still releasable: %v", ids)
	}

	// But the row survives, and a repeat failure resumes the count.
	if e := db.entries["doc.pdf"]; !e.Released || e.FailureCount != 1 {
		t.Errorf("history = %+v, want released with failure count 1", e)
	}
	e, err := s.Add("doc.pdf")
	if err != nil {
		t.Fatalf("re-Add failed: %v", err)
	}
	if e.FailureCount != 2 || e.Released {
		t.Errorf("re-added entry = %+v, want active with failure count 2", e)
	}
}

func TestRemove_DiscardsHistory(t *testing.T) {
	db := newMemPersistence()
	s := newTestStore(db)

	if _, err := s.Add("doc.pdf"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Remove("doc.pdf"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if len(db.entries) != 0 {
		t.Errorf("entry not removed: %+v", db.entries)
	}
	e, err := s.Add("doc.pdf")
	if err != nil {
		t.Fatalf("Add after remove failed: %v", err)
	}
	if e.FailureCount != 1 {
		t.Errorf("failure count after remove = %d, want a fresh 1", e.FailureCount)
	}
}
