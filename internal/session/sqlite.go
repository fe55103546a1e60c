// Package session is the durable system of record for a processing
// run: per-document status, the append-only outcome timeline, and
// quarantine metadata. Everything needed to resume after a crash lives
// here; in-memory health is rebuilt from the timeline tail.
package session

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeFormat = time.RFC3339Nano

// Store wraps a SQLite database holding all session state.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the session database in dataDir and runs
// pending migrations. Pass ":memory:" as dataDir for an in-memory
// database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "docsift.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// WAL keeps every commit an atomic append; a crash mid-write never
	// leaves a torn state file.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that
// haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Documents ---

const documentColumns = `id, path, type_tag, token_estimate, quality_score, size_bytes, page_count,
	status, attempt_count, last_error_kind, last_attempt_at, next_attempt_at, output_path, created_at, updated_at`

// RegisterDocument inserts a document if it is not already tracked.
// Existing records keep their status and attempt history so a resumed
// session never loses progress; extraction metadata is refreshed.
func (s *Store) RegisterDocument(d Document) error {
	now := time.Now().UTC()
	if d.Status == "" {
		d.Status = StatusPending
	}
	_, err := s.db.Exec(`
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token_estimate = excluded.token_estimate,
			quality_score = excluded.quality_score,
			type_tag = excluded.type_tag,
			size_bytes = excluded.size_bytes,
			page_count = excluded.page_count,
			updated_at = excluded.updated_at`,
		d.ID, d.Path, d.TypeTag, d.TokenEstimate, d.QualityScore, d.SizeBytes, d.PageCount,
		string(d.Status), d.AttemptCount, d.LastErrorKind,
		formatTime(d.LastAttemptAt), formatTime(d.NextAttemptAt), d.OutputPath,
		now.Format(timeFormat), now.Format(timeFormat),
	)
	return err
}

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var d Document
	var status, lastAttempt, nextAttempt, createdAt, updatedAt string
	err := row.Scan(&d.ID, &d.Path, &d.TypeTag, &d.TokenEstimate, &d.QualityScore,
		&d.SizeBytes, &d.PageCount, &status, &d.AttemptCount, &d.LastErrorKind,
		&lastAttempt, &nextAttempt, &d.OutputPath, &createdAt, &updatedAt)
	if err != nil {
		return Document{}, err
	}
	d.Status = Status(status)
	if d.LastAttemptAt, err = parseTime(lastAttempt); err != nil {
		return Document{}, fmt.Errorf("parsing last_attempt_at for %s: %w", d.ID, err)
	}
	if d.NextAttemptAt, err = parseTime(nextAttempt); err != nil {
		return Document{}, fmt.Errorf("parsing next_attempt_at for %s: %w", d.ID, err)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at for %s: %w", d.ID, err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at for %s: %w", d.ID, err)
	}
	return d, nil
}

// GetDocument returns the record for one document id.
func (s *Store) GetDocument(id string) (Document, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	return d, err
}

func (s *Store) queryDocuments(query string, args ...any) ([]Document, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// ListByStatus returns all documents in any of the given statuses.
func (s *Store) ListByStatus(statuses ...Status) ([]Document, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat(",?", len(statuses)-1)
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.queryDocuments(`SELECT `+documentColumns+` FROM documents
		WHERE status IN (?`+placeholders+`) ORDER BY id ASC`, args...)
}

// ListAll returns every tracked document.
func (s *Store) ListAll() ([]Document, error) {
	return s.queryDocuments(`SELECT ` + documentColumns + ` FROM documents ORDER BY id ASC`)
}

// ListReady returns pending documents whose retry hold (if any) has
// expired at the given instant.
func (s *Store) ListReady(now time.Time) ([]Document, error) {
	return s.queryDocuments(`SELECT `+documentColumns+` FROM documents
		WHERE status = ? AND (next_attempt_at = '' OR next_attempt_at <= ?)
		ORDER BY id ASC`,
		string(StatusPending), now.UTC().Format(timeFormat))
}

// EarliestRetry returns the soonest future next_attempt_at among
// pending documents. ok is false when no retry hold exists.
func (s *Store) EarliestRetry() (time.Time, bool, error) {
	var raw sql.NullString
	err := s.db.QueryRow(`SELECT MIN(next_attempt_at) FROM documents
		WHERE status = ? AND next_attempt_at != ''`, string(StatusPending)).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, false, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// CountsByStatus returns document counts keyed by status.
func (s *Store) CountsByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[Status(st)] = n
	}
	return counts, rows.Err()
}

// RemainingTokens sums token estimates over documents still in rotation.
func (s *Store) RemainingTokens() (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(`SELECT SUM(token_estimate) FROM documents WHERE status IN (?, ?)`,
		string(StatusPending), string(StatusInFlight)).Scan(&total)
	if err != nil {
		return 0, err
	}
	return int(total.Int64), nil
}

// MarkInFlight transitions the given pending documents to InFlight in a
// single transaction. The write lands before any backend call so a
// crash between the two is recoverable, and a document already claimed
// cannot be admitted twice.
func (s *Store) MarkInFlight(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning dispatch transaction: %w", err)
	}
	now := time.Now().UTC().Format(timeFormat)
	for _, id := range ids {
		res, err := tx.Exec(`UPDATE documents SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(StatusInFlight), now, id, string(StatusPending))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("marking %s in flight: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			tx.Rollback()
			return err
		}
		if n != 1 {
			tx.Rollback()
			return fmt.Errorf("document %s is not pending", id)
		}
	}
	return tx.Commit()
}

// RecordOutcome applies one definitive backend outcome: status change,
// attempt increment, and timeline append happen in a single
// transaction. The attempt counter moves by exactly one per recorded
// outcome.
func (s *Store) RecordOutcome(id string, o Outcome) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning outcome transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRow(`SELECT attempt_count FROM documents WHERE id = ?`, id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	attempts++

	now := time.Now().UTC()
	outcome := "failure"
	if o.Success {
		outcome = "success"
	}

	if _, err := tx.Exec(`UPDATE documents SET
			status = ?, attempt_count = ?, last_error_kind = ?, last_attempt_at = ?,
			next_attempt_at = ?, output_path = ?, updated_at = ?
		WHERE id = ?`,
		string(o.Status), attempts, o.ErrorKind, now.Format(timeFormat),
		formatTime(o.NextAttemptAt), o.OutputPath, now.Format(timeFormat), id,
	); err != nil {
		return fmt.Errorf("updating document %s: %w", id, err)
	}

	if _, err := tx.Exec(`INSERT INTO timeline (id, document_id, at, outcome, error_kind, token_count, attempt, action)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), id, now.Format(timeFormat), outcome, o.ErrorKind, o.TokenCount, attempts, o.Action,
	); err != nil {
		return fmt.Errorf("appending timeline for %s: %w", id, err)
	}

	return tx.Commit()
}

// MarkSkipped records a quality-threshold skip. No attempt is consumed
// and no backend outcome is written to the timeline.
func (s *Store) MarkSkipped(id string) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.Exec(`UPDATE documents SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusSkipped), now, id, string(StatusPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOversize terminally fails a document whose token estimate alone
// exceeds the request ceiling. The document never reaches the backend,
// so no attempt is consumed; the decision is still recorded in the
// timeline.
func (s *Store) MarkOversize(id, errorKind string) error {
	return s.markLocalFailure(id, errorKind, "content_too_large")
}

// MarkUnreadable terminally fails a document whose source file could
// not be read at dispatch time. No backend call was made, so no attempt
// is consumed.
func (s *Store) MarkUnreadable(id string) error {
	return s.markLocalFailure(id, "unreadable", "unreadable")
}

// markLocalFailure records a terminal failure decided locally, without
// a backend call. The timeline entry carries attempt 0 so health and
// attempt accounting stay tied to real invocations.
func (s *Store) markLocalFailure(id, errorKind, action string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning local failure transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeFormat)
	res, err := tx.Exec(`UPDATE documents SET status = ?, last_error_kind = ?, updated_at = ? WHERE id = ?`,
		string(StatusFailed), errorKind, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`INSERT INTO timeline (id, document_id, at, outcome, error_kind, token_count, attempt, action)
		VALUES (?, ?, ?, 'failure', ?, 0, 0, ?)`,
		uuid.New().String(), id, now, errorKind, action,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ResetDocuments returns the given documents to Pending without
// touching attempt counts, clearing any retry hold. Used when an
// in-flight batch is aborted with no definitive per-document outcome.
func (s *Store) ResetDocuments(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning reset transaction: %w", err)
	}
	now := time.Now().UTC().Format(timeFormat)
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE documents SET status = ?, next_attempt_at = '', updated_at = ? WHERE id = ?`,
			string(StatusPending), now, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("resetting %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ResetInFlight returns every InFlight document to Pending. Run at
// startup: an InFlight record after a crash has an unknown real
// outcome, and re-attempting is safe because attempts are only counted
// on definitive outcomes.
func (s *Store) ResetInFlight() (int, error) {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.Exec(`UPDATE documents SET status = ?, next_attempt_at = '', updated_at = ? WHERE status = ?`,
		string(StatusPending), now, string(StatusInFlight))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Wipe deletes all session state. Used when a run starts fresh instead
// of resuming.
func (s *Store) Wipe() error {
	for _, table := range []string{"timeline", "quarantine", "documents"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("wiping %s: %w", table, err)
		}
	}
	return nil
}

// --- Timeline ---

func (s *Store) queryTimeline(query string, args ...any) ([]TimelineEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		var at string
		if err := rows.Scan(&e.ID, &e.DocumentID, &at, &e.Outcome, &e.ErrorKind, &e.TokenCount, &e.Attempt, &e.Action); err != nil {
			return nil, err
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("parsing timeline at: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Timeline returns the full outcome timeline in chronological order.
func (s *Store) Timeline() ([]TimelineEntry, error) {
	return s.queryTimeline(`SELECT id, document_id, at, outcome, error_kind, token_count, attempt, action
		FROM timeline ORDER BY at ASC, id ASC`)
}

// TimelineTail returns the most recent n entries in chronological
// order. Used to rebuild health state on resume.
func (s *Store) TimelineTail(n int) ([]TimelineEntry, error) {
	entries, err := s.queryTimeline(`SELECT id, document_id, at, outcome, error_kind, token_count, attempt, action
		FROM timeline ORDER BY at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// --- Quarantine ---

// UpsertQuarantine writes (or refreshes) the quarantine entry for a
// document.
func (s *Store) UpsertQuarantine(e QuarantineEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO quarantine (document_id, quarantined_at, failure_count, next_eligible_at, released)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			quarantined_at = excluded.quarantined_at,
			failure_count = excluded.failure_count,
			next_eligible_at = excluded.next_eligible_at,
			released = excluded.released`,
		e.DocumentID, e.QuarantinedAt.UTC().Format(timeFormat), e.FailureCount,
		e.NextEligibleAt.UTC().Format(timeFormat), e.Released)
	return err
}

// GetQuarantine returns the quarantine entry for one document,
// released history included.
func (s *Store) GetQuarantine(documentID string) (QuarantineEntry, error) {
	var e QuarantineEntry
	var qAt, nextAt string
	err := s.db.QueryRow(`SELECT document_id, quarantined_at, failure_count, next_eligible_at, released
		FROM quarantine WHERE document_id = ?`, documentID,
	).Scan(&e.DocumentID, &qAt, &e.FailureCount, &nextAt, &e.Released)
	if err == sql.ErrNoRows {
		return QuarantineEntry{}, ErrNotFound
	}
	if err != nil {
		return QuarantineEntry{}, err
	}
	if e.QuarantinedAt, err = parseTime(qAt); err != nil {
		return QuarantineEntry{}, err
	}
	if e.NextEligibleAt, err = parseTime(nextAt); err != nil {
		return QuarantineEntry{}, err
	}
	return e, nil
}

// ListQuarantine returns the active (unreleased) quarantine entries
// ordered by eligibility.
func (s *Store) ListQuarantine() ([]QuarantineEntry, error) {
	rows, err := s.db.Query(`SELECT document_id, quarantined_at, failure_count, next_eligible_at, released
		FROM quarantine WHERE released = 0 ORDER BY next_eligible_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []QuarantineEntry
	for rows.Next() {
		var e QuarantineEntry
		var qAt, nextAt string
		if err := rows.Scan(&e.DocumentID, &qAt, &e.FailureCount, &nextAt, &e.Released); err != nil {
			return nil, err
		}
		if e.QuarantinedAt, err = parseTime(qAt); err != nil {
			return nil, err
		}
		if e.NextEligibleAt, err = parseTime(nextAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteQuarantine discards a quarantine entry, history included. Only
// an explicit operator clear goes through here; a normal release keeps
// the row so the backoff survives the next quarantine cycle.
func (s *Store) DeleteQuarantine(documentID string) error {
	res, err := s.db.Exec(`DELETE FROM quarantine WHERE document_id = ?`, documentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeFormat, raw)
}
