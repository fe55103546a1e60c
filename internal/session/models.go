package session

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Status is the lifecycle state of a document within a session.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInFlight    Status = "in_flight"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusQuarantined Status = "quarantined"
	StatusSkipped     Status = "skipped"
)

// Terminal reports whether a document in this status will receive no
// further scheduling attention.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Document is the per-file record tracked across the whole session.
// Records are never deleted; terminal documents stay for reporting.
type Document struct {
	ID            string
	Path          string
	TypeTag       string
	TokenEstimate int
	QualityScore  float64
	SizeBytes     int64
	PageCount     int
	Status        Status
	AttemptCount  int
	LastErrorKind string
	LastAttemptAt time.Time
	NextAttemptAt time.Time // earliest time a retry may be scheduled
	OutputPath    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TimelineEntry is one append-only audit record: a definitive outcome
// for a document plus the action the scheduler took on it.
type TimelineEntry struct {
	ID         string
	DocumentID string
	At         time.Time
	Outcome    string // "success" or "failure"
	ErrorKind  string
	TokenCount int
	Attempt    int
	Action     string
}

// BackendCall reports whether the entry records the outcome of a real
// backend invocation rather than a local scheduling decision.
func (e TimelineEntry) BackendCall() bool {
	switch e.Action {
	case "content_too_large", "unreadable":
		return false
	}
	return true
}

// Outcome describes one definitive backend result for a document and
// how the document record should change in response.
type Outcome struct {
	Status        Status
	Success       bool
	ErrorKind     string
	TokenCount    int
	Action        string
	NextAttemptAt time.Time
	OutputPath    string
}

// QuarantineEntry records a document excluded from normal rotation.
// A released entry stays as history so the failure count, and with it
// the backoff, carries across quarantine cycles.
type QuarantineEntry struct {
	DocumentID     string
	QuarantinedAt  time.Time
	FailureCount   int
	NextEligibleAt time.Time
	Released       bool
}
