package session

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func registerDoc(t *testing.T, s *Store, id string, tokens int, quality float64) {
	t.Helper()
	err := s.RegisterDocument(Document{
		ID:            id,
		Path:          "/docs/" + id,
		TypeTag:       "general",
		TokenEstimate: tokens,
		QualityScore:  quality,
	})
	if err != nil {
		t.Fatalf("RegisterDocument(%s) failed: %v", id, err)
	}
}

func TestRegisterDocument_PreservesStateOnResume(t *testing.T) {
	s := openTestStore(t)
	registerDoc(t, s, "a.pdf", 1000, 0.9)

	if err := s.MarkInFlight([]string{"a.pdf"}); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}
	if err := s.RecordOutcome("a.pdf", Outcome{Status: StatusSucceeded, Success: true, TokenCount: 1000, Action: "succeeded"}); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	// Re-registering (a resumed scan) must not reset status or attempts.
	registerDoc(t, s, "a.pdf", 1100, 0.8)

	d, err := s.GetDocument("a.pdf")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if d.Status != StatusSucceeded {
		t.Errorf("status = %s, want succeeded", d.Status)
	}
	if d.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", d.AttemptCount)
	}
	if d.TokenEstimate != 1100 {
		t.Errorf("token estimate not refreshed: got %d", d.TokenEstimate)
	}
}

func TestMarkInFlight_RejectsNonPending(t *testing.T) {
	s := openTestStore(t)
	registerDoc(t, s, "a.pdf", 100, 0.5)
	registerDoc(t, s, "b.pdf", 100, 0.5)

	if err := s.MarkInFlight([]string{"a.pdf"}); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	// Double-admission of a claimed document must fail the whole batch.
	if err := s.MarkInFlight([]string{"b.pdf", "a.pdf"}); err == nil {
		t.Fatal("expected error claiming an in-flight document")
	}

	// The rejected transaction must not have claimed b.pdf either.
	d, err := s.GetDocument("b.pdf")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if d.Status != StatusPending {
		t.Errorf("b.pdf status = %s, want pending after rollback", d.Status)
	}
}

func TestRecordOutcome_AttemptAccountingAndTimeline(t *testing.T) {
	s := openTestStore(t)
	registerDoc(t, s, "a.pdf", 500, 0.7)

	hold := time.Now().Add(time.Minute)
	if err := s.RecordOutcome("a.pdf", Outcome{
		Status: StatusPending, ErrorKind: "rate_limited", Action: "retry_after", NextAttemptAt: hold,
	}); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	if err := s.RecordOutcome("a.pdf", Outcome{
		Status: StatusSucceeded, Success: true, TokenCount: 500, Action: "succeeded",
	}); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	d, err := s.GetDocument("a.pdf")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if d.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2 (one per outcome)", d.AttemptCount)
	}

	entries, err := s.Timeline()
	if err != nil {
		t.Fatalf("Timeline failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("timeline has %d entries, want 2", len(entries))
	}
	if entries[0].Outcome != "failure" || entries[0].ErrorKind != "rate_limited" || entries[0].Attempt != 1 {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].Outcome != "success" || entries[1].Attempt != 2 {
		t.Errorf("second entry = %+v", entries[1])
	}
}

func TestListReady_HonorsRetryHold(t *testing.T) {
	s := openTestStore(t)
	registerDoc(t, s, "now.pdf", 100, 0.5)
	registerDoc(t, s, "later.pdf", 100, 0.5)

	hold := time.Now().Add(time.Hour)
	if err := s.RecordOutcome("later.pdf", Outcome{
		Status: StatusPending, ErrorKind: "timeout", Action: "retry_after", NextAttemptAt: hold,
	}); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	ready, err := s.ListReady(time.Now())
	if err != nil {
		t.Fatalf("ListReady failed: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "now.pdf" {
		t.Fatalf("ready = %+v, want only now.pdf", ready)
	}

	at, ok, err := s.EarliestRetry()
	if err != nil || !ok {
		t.Fatalf("EarliestRetry = (%v, %v, %v)", at, ok, err)
	}
	if at.Before(time.Now()) {
		t.Errorf("earliest retry %v should be in the future", at)
	}

	// After the hold expires the document is ready again.
	ready, err = s.ListReady(hold.Add(time.Second))
	if err != nil {
		t.Fatalf("ListReady failed: %v", err)
	}
	if len(ready) != 2 {
		t.Errorf("ready after hold = %d docs, want 2", len(ready))
	}
}

func TestEarliestRetry_NoneHeld(t *testing.T) {
	s := openTestStore(t)
	registerDoc(t, s, "a.pdf", 100, 0.5)
	_, ok, err := s.EarliestRetry()
	if err != nil {
		t.Fatalf("EarliestRetry failed: %v", err)
	}
	if ok {
		t.Error("expected no retry hold")
	}
}

func TestResetInFlight(t *testing.T) {
	s := openTestStore(t)
	registerDoc(t, s, "a.pdf", 100, 0.5)
	registerDoc(t, s, "b.pdf", 100, 0.5)
	if err := s.MarkInFlight([]string{"a.pdf", "b.pdf"}); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}

	n, err := s.ResetInFlight()
	if err != nil {
		t.Fatalf("ResetInFlight failed: %v", err)
	}
	if n != 2 {
		t.Errorf("reset %d documents, want 2", n)
	}

	docs, err := s.ListByStatus(StatusPending)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("%d pending after reset, want 2", len(docs))
	}
	for _, d := range docs {
		if d.AttemptCount != 0 {
			t.Errorf("%s attempt count changed on reset: %d", d.ID, d.AttemptCount)
		}
	}
}

func TestMarkOversize_NoAttemptConsumed(t *testing.T) {
	s := openTestStore(t)
	registerDoc(t, s, "huge.pdf", 500000, 0.9)

	if err := s.MarkOversize("huge.pdf", "content_too_large"); err != nil {
		t.Fatalf("MarkOversize failed: %v", err)
	}
	d, err := s.GetDocument("huge.pdf")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if d.Status != StatusFailed || d.LastErrorKind != "content_too_large" {
		t.Errorf("doc = %+v", d)
	}
	if d.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0 (never reached backend)", d.AttemptCount)
	}
}

func TestQuarantineCRUD(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	e := QuarantineEntry{
		DocumentID:     "q.pdf",
		QuarantinedAt:  now,
		FailureCount:   2,
		NextEligibleAt: now.Add(2 * time.Minute),
	}
	if err := s.UpsertQuarantine(e); err != nil {
		t.Fatalf("UpsertQuarantine failed: %v", err)
	}

	got, err := s.GetQuarantine("q.pdf")
	if err != nil {
		t.Fatalf("GetQuarantine failed: %v", err)
	}
	if got.FailureCount != 2 || !got.NextEligibleAt.Equal(e.NextEligibleAt) {
		t.Errorf("entry = %+v, want %+v", got, e)
	}

	e.FailureCount = 3
	e.NextEligibleAt = now.Add(4 * time.Minute)
	if err := s.UpsertQuarantine(e); err != nil {
		t.Fatalf("upsert refresh failed: %v", err)
	}
	entries, err := s.ListQuarantine()
	if err != nil {
		t.Fatalf("ListQuarantine failed: %v", err)
	}
	if len(entries) != 1 || entries[0].FailureCount != 3 {
		t.Errorf("entries = %+v", entries)
	}

	// A released entry drops out of the active list but stays readable
	// as history.
	e.Released = true
	if err := s.UpsertQuarantine(e); err != nil {
		t.Fatalf("upsert release failed: %v", err)
	}
	entries, err = s.ListQuarantine()
	if err != nil {
		t.Fatalf("ListQuarantine failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("released entry still listed: %+v", entries)
	}
	if got, err := s.GetQuarantine("q.pdf"); err != nil || !got.Released {
		t.Errorf("history entry = %+v (%v), want released", got, err)
	}

	if err := s.DeleteQuarantine("q.pdf"); err != nil {
		t.Fatalf("DeleteQuarantine failed: %v", err)
	}
	if _, err := s.GetQuarantine("q.pdf"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestTimelineTail(t *testing.T) {
	s := openTestStore(t)
	registerDoc(t, s, "a.pdf", 100, 0.5)
	for i := 0; i < 5; i++ {
		if err := s.RecordOutcome("a.pdf", Outcome{Status: StatusPending, ErrorKind: "timeout", Action: "retry_after"}); err != nil {
			t.Fatalf("RecordOutcome failed: %v", err)
		}
	}

	tail, err := s.TimelineTail(3)
	if err != nil {
		t.Fatalf("TimelineTail failed: %v", err)
	}
	if len(tail) != 3 {
		t.Fatalf("tail has %d entries, want 3", len(tail))
	}
	if tail[0].Attempt != 3 || tail[2].Attempt != 5 {
		t.Errorf("tail not chronological: %+v", tail)
	}
}

func TestCountsAndRemainingTokens(t *testing.T) {
	s := openTestStore(t)
	registerDoc(t, s, "a.pdf", 1000, 0.5)
	registerDoc(t, s, "b.pdf", 2000, 0.5)
	registerDoc(t, s, "c.pdf", 4000, 0.5)

	if err := s.RecordOutcome("c.pdf", Outcome{Status: StatusSucceeded, Success: true, TokenCount: 4000, Action: "succeeded"}); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	counts, err := s.CountsByStatus()
	if err != nil {
		t.Fatalf("CountsByStatus failed: %v", err)
	}
	if counts[StatusPending] != 2 || counts[StatusSucceeded] != 1 {
		t.Errorf("counts = %+v", counts)
	}

	remaining, err := s.RemainingTokens()
	if err != nil {
		t.Fatalf("RemainingTokens failed: %v", err)
	}
	if remaining != 3000 {
		t.Errorf("remaining tokens = %d, want 3000", remaining)
	}
}
