// Package orchestrator drives the processing loop: plan a cycle from a
// consistent snapshot, dispatch one batch, route every outcome through
// the retry policy, repeat until the pool drains.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/docsift/internal/backend"
	"github.com/kalambet/docsift/internal/extract"
	"github.com/kalambet/docsift/internal/health"
	"github.com/kalambet/docsift/internal/plan"
	"github.com/kalambet/docsift/internal/quarantine"
	"github.com/kalambet/docsift/internal/retry"
	"github.com/kalambet/docsift/internal/session"
)

// State is the scheduler's current phase, exposed for status reporting.
type State string

const (
	StateIdle        State = "idle"
	StatePlanning    State = "planning"
	StateDispatching State = "dispatching"
	StateAwaiting    State = "awaiting"
	StateRouting     State = "routing"
	StateDraining    State = "draining"
	StateHalted      State = "halted"
)

// ErrHalted is returned when a fatal backend condition stops the run.
var ErrHalted = errors.New("run halted: backend authentication failed")

// Backend is the slice of the invoker the orchestrator needs.
type Backend interface {
	Submit(ctx context.Context, batch []backend.Payload) ([]backend.DocResult, error)
}

// AnalysisWriter persists one successful analysis and returns its path.
type AnalysisWriter interface {
	WriteAnalysis(doc session.Document, analysis string) (string, error)
}

// Config tunes the orchestrator. Zero values select defaults.
type Config struct {
	// QualityThreshold skips fresh documents scoring below it. 0 admits
	// everything.
	QualityThreshold float64
	// PollInterval bounds the wait between planning cycles when nothing
	// is schedulable yet. Default 5s.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

// Orchestrator owns one processing run.
type Orchestrator struct {
	cfg     Config
	store   *session.Store
	quar    *quarantine.Store
	mon     *health.Monitor
	planner *plan.Planner
	retrier *retry.Controller
	backend Backend
	writer  AnalysisWriter
	logger  *slog.Logger

	// loadText re-reads a document's text at dispatch time; swappable in
	// tests.
	loadText func(path string) (string, error)

	mu    sync.Mutex
	state State
}

// New wires an Orchestrator from its collaborators.
func New(cfg Config, store *session.Store, quar *quarantine.Store, mon *health.Monitor,
	planner *plan.Planner, retrier *retry.Controller, b Backend, writer AnalysisWriter) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		store:    store,
		quar:     quar,
		mon:      mon,
		planner:  planner,
		retrier:  retrier,
		backend:  b,
		writer:   writer,
		logger:   slog.Default(),
		loadText: extract.Text,
		state:    StateIdle,
	}
}

// CurrentState returns the scheduler phase for status reporting.
func (o *Orchestrator) CurrentState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Run executes the processing loop until the pool drains, the context
// is cancelled, or a fatal backend condition halts the run. Run is
// idempotent across restarts: it first reconciles any state a previous
// crash left behind.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.resume(); err != nil {
		return fmt.Errorf("resuming session: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.setState(StatePlanning)

		h := o.mon.Current()
		pending, released, err := o.gatherPool(h)
		if err != nil {
			return err
		}

		batches := o.planner.Plan(pending, released, h)
		if len(batches) == 0 {
			done, err := o.maybeDrain(h)
			if err != nil {
				return err
			}
			if done {
				o.setState(StateDraining)
				o.logger.Info("document pool drained")
				return nil
			}
			if err := o.waitForWork(ctx); err != nil {
				return err
			}
			continue
		}

		// One batch per cycle: health and eligibility are re-snapshotted
		// before every dispatch.
		if err := o.runBatch(ctx, batches[0]); err != nil {
			if errors.Is(err, ErrHalted) {
				o.setState(StateHalted)
			}
			return err
		}

		o.logProgress()

		if pause := o.mon.Current().Backoff(); pause > 0 {
			if err := sleep(ctx, pause); err != nil {
				return err
			}
		}
	}
}

// logProgress emits one progress line per completed batch.
func (o *Orchestrator) logProgress() {
	counts, err := o.store.CountsByStatus()
	if err != nil {
		return
	}
	remaining, err := o.store.RemainingTokens()
	if err != nil {
		return
	}
	o.logger.Info("progress",
		"succeeded", counts[session.StatusSucceeded],
		"pending", counts[session.StatusPending],
		"failed", counts[session.StatusFailed],
		"quarantined", counts[session.StatusQuarantined],
		"skipped", counts[session.StatusSkipped],
		"remaining_tokens", remaining,
		"health", string(o.mon.Current().Status))
}

// resume reconciles persisted state after a restart: in-flight claims
// from a crashed run go back to pending, quarantined documents that
// lost their quarantine entry mid-write do too, and the health window
// is rebuilt from the timeline tail.
func (o *Orchestrator) resume() error {
	n, err := o.store.ResetInFlight()
	if err != nil {
		return err
	}
	if n > 0 {
		o.logger.Info("recovered in-flight documents from previous run", "count", n)
	}

	quarantined, err := o.store.ListByStatus(session.StatusQuarantined)
	if err != nil {
		return err
	}
	for _, d := range quarantined {
		if _, err := o.quar.Entry(d.ID); errors.Is(err, session.ErrNotFound) {
			if err := o.store.ResetDocuments([]string{d.ID}); err != nil {
				return err
			}
			o.logger.Warn("quarantined document had no quarantine entry, reset to pending", "doc", d.ID)
		} else if err != nil {
			return err
		}
	}

	window := o.mon.Current().WindowSize
	tail, err := o.store.TimelineTail(window)
	if err != nil {
		return err
	}
	for _, e := range tail {
		// Local decisions (oversize, unreadable) were never backend calls
		// and must not bias the rebuilt window.
		if !e.BackendCall() {
			continue
		}
		o.mon.Record(e.Outcome == "success")
	}
	return nil
}

// gatherPool snapshots the schedulable documents for one cycle. Fresh
// documents under the quality threshold are skipped here, before they
// ever reach a batch; eligible quarantined documents are released into
// the pool as probes.
func (o *Orchestrator) gatherPool(h health.State) (pending, released []session.Document, err error) {
	ready, err := o.store.ListReady(time.Now().UTC())
	if err != nil {
		return nil, nil, err
	}
	for _, d := range ready {
		if o.cfg.QualityThreshold > 0 && d.AttemptCount == 0 && d.QualityScore < o.cfg.QualityThreshold {
			if err := o.store.MarkSkipped(d.ID); err != nil {
				return nil, nil, err
			}
			o.logger.Info("skipping low-quality document", "doc", d.ID, "score", d.QualityScore)
			continue
		}
		pending = append(pending, d)
	}

	ids, err := o.quar.Releasable(h.SuccessRate)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range ids {
		if err := o.quar.Release(id); err != nil {
			return nil, nil, err
		}
		if err := o.store.ResetDocuments([]string{id}); err != nil {
			return nil, nil, err
		}
		d, err := o.store.GetDocument(id)
		if err != nil {
			return nil, nil, err
		}
		released = append(released, d)
	}
	return pending, released, nil
}

// maybeDrain reports whether the run is finished: nothing pending or
// in flight, and no quarantined document that could still be released.
func (o *Orchestrator) maybeDrain(h health.State) (bool, error) {
	counts, err := o.store.CountsByStatus()
	if err != nil {
		return false, err
	}
	if counts[session.StatusPending] > 0 || counts[session.StatusInFlight] > 0 {
		return false, nil
	}
	if counts[session.StatusQuarantined] == 0 {
		return true, nil
	}
	// Quarantined documents only release when the projected success rate
	// clears the floor, and with no other work the rate cannot change.
	// Waiting would never terminate, so the run drains and the summary
	// lists them as unprocessed.
	if !o.quar.ReleaseAllowed(h.SuccessRate) {
		o.logger.Warn("draining with quarantined documents: success rate below release floor",
			"quarantined", counts[session.StatusQuarantined], "success_rate", h.SuccessRate)
		return true, nil
	}
	return false, nil
}

// waitForWork sleeps until the earliest retry hold or quarantine
// eligibility, bounded by the poll interval.
func (o *Orchestrator) waitForWork(ctx context.Context) error {
	o.setState(StateIdle)
	wait := o.cfg.PollInterval
	now := time.Now().UTC()

	if at, ok, err := o.store.EarliestRetry(); err != nil {
		return err
	} else if ok {
		if d := at.Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	if at, ok, err := o.quar.NextEligible(); err != nil {
		return err
	} else if ok {
		if d := at.Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	return sleep(ctx, wait)
}

// runBatch carries one batch through dispatch, the backend call, and
// outcome routing.
func (o *Orchestrator) runBatch(ctx context.Context, b plan.Batch) error {
	// An oversized document is decided without a backend call.
	if b.Oversize {
		d := b.Members[0]
		o.logger.Warn("document exceeds token ceiling", "doc", d.ID, "tokens", d.TokenEstimate)
		return o.store.MarkOversize(d.ID, string(backend.KindContentTooLarge))
	}

	o.setState(StateDispatching)
	ids := make([]string, len(b.Members))
	for i, d := range b.Members {
		ids[i] = d.ID
	}
	if err := o.store.MarkInFlight(ids); err != nil {
		return fmt.Errorf("claiming batch: %w", err)
	}

	payloads := make([]backend.Payload, 0, len(b.Members))
	for _, d := range b.Members {
		text, err := o.loadText(d.Path)
		if err != nil {
			// The file became unreadable after the scan. Local terminal
			// failure: no backend call happened, so no attempt is consumed.
			o.logger.Warn("document unreadable at dispatch", "doc", d.ID, "error", err)
			if err := o.store.MarkUnreadable(d.ID); err != nil {
				return err
			}
			continue
		}
		payloads = append(payloads, backend.Payload{ID: d.ID, Text: text})
	}
	if len(payloads) == 0 {
		return nil
	}

	o.setState(StateAwaiting)
	o.logger.Info("dispatching batch",
		"docs", len(payloads), "tier", string(b.Tier), "tokens", b.TokenSum, "probe", b.Probe)
	results, err := o.backend.Submit(ctx, payloads)

	o.setState(StateRouting)
	if err != nil {
		return o.routeCallFailure(b.Members, payloads, err)
	}

	byID := make(map[string]session.Document, len(b.Members))
	for _, d := range b.Members {
		byID[d.ID] = d
	}
	h := o.mon.Current()
	for _, r := range results {
		d := byID[r.ID]
		if r.Kind == "" {
			if err := o.recordSuccess(d, r.Output); err != nil {
				return err
			}
			continue
		}
		if err := o.routeFailure(d, r.Kind, h); err != nil {
			return err
		}
	}
	return nil
}

// routeCallFailure applies a whole-call failure to every batch member.
// Authentication failures halt the run with the members returned to
// pending and no attempt consumed; anything else is routed per member.
func (o *Orchestrator) routeCallFailure(members []session.Document, payloads []backend.Payload, err error) error {
	var callErr *backend.CallError
	if !errors.As(err, &callErr) {
		return fmt.Errorf("backend call: %w", err)
	}

	if callErr.Kind == backend.KindAuthFailure {
		ids := make([]string, len(payloads))
		for i, p := range payloads {
			ids[i] = p.ID
		}
		if resetErr := o.store.ResetDocuments(ids); resetErr != nil {
			return resetErr
		}
		o.logger.Error("backend authentication failed, halting", "docs", len(ids))
		return ErrHalted
	}

	dispatched := make(map[string]bool, len(payloads))
	for _, p := range payloads {
		dispatched[p.ID] = true
	}
	h := o.mon.Current()
	for _, d := range members {
		if !dispatched[d.ID] {
			continue
		}
		if err := o.routeFailure(d, callErr.Kind, h); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) recordSuccess(d session.Document, analysis string) error {
	outPath := ""
	if o.writer != nil {
		p, err := o.writer.WriteAnalysis(d, analysis)
		if err != nil {
			return fmt.Errorf("writing analysis for %s: %w", d.ID, err)
		}
		outPath = p
	}
	return o.store.RecordOutcome(d.ID, session.Outcome{
		Status:     session.StatusSucceeded,
		Success:    true,
		TokenCount: d.TokenEstimate,
		Action:     "succeeded",
		OutputPath: outPath,
	})
}

// routeFailure records one definitive per-document failure and applies
// the retry policy's verdict.
func (o *Orchestrator) routeFailure(d session.Document, kind backend.ErrorKind, h health.State) error {
	decision := o.retrier.Decide(d, kind, h)
	o.logger.Info("routing failure",
		"doc", d.ID, "kind", string(kind), "attempt", d.AttemptCount+1, "action", string(decision.Action))

	out := session.Outcome{
		ErrorKind: string(kind),
		Action:    string(decision.Action),
	}
	switch decision.Action {
	case retry.RetryNow:
		out.Status = session.StatusPending
	case retry.RetryAfter:
		out.Status = session.StatusPending
		out.NextAttemptAt = time.Now().UTC().Add(decision.Delay)
	case retry.Quarantine:
		out.Status = session.StatusQuarantined
	default:
		out.Status = session.StatusFailed
	}

	if err := o.store.RecordOutcome(d.ID, out); err != nil {
		return err
	}
	if decision.Action == retry.Quarantine {
		if _, err := o.quar.Add(d.ID); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
