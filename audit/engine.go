// CLAUDE:SUMMARY Self-healing sweep: eight idempotent passes that unstick jobs and records after crashes, deploys or bugs.
//
// Package audit restores pipeline consistency. Each pass is independent
// and safe to repeat; a fully consistent system sweeps to zero. Passes
// run in a fixed order so later ones observe the repairs of earlier ones
// within the same sweep.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/archon/ingest"
	"github.com/hazyhaar/archon/jobs"
	"github.com/hazyhaar/archon/observability"
	"github.com/hazyhaar/archon/store"
)

// Result is the per-pass breakdown of one sweep.
type Result struct {
	StaleClaimed     int `json:"stale_claimed"`
	FailedRetried    int `json:"failed_retried"`
	StuckIngesting   int `json:"stuck_ingesting"`
	OrphanedOCRDone  int `json:"orphaned_ocr_done"`
	StuckPDFPending  int `json:"stuck_pdf_pending"`
	LegacyPDFDone    int `json:"legacy_pdf_done"`
	StuckTranslating int `json:"stuck_translating"`
	EventsBackfilled int `json:"events_backfilled"`
}

// Total is the number of records and jobs the sweep fixed.
func (r Result) Total() int {
	return r.StaleClaimed + r.FailedRetried + r.StuckIngesting + r.OrphanedOCRDone +
		r.StuckPDFPending + r.LegacyPDFDone + r.StuckTranslating + r.EventsBackfilled
}

// Engine runs the sweep. It reuses the same stage hooks the job service
// fires on completion, so audit repairs and live completions take the
// exact same path through the state machine.
type Engine struct {
	st     *store.Store
	jobs   *jobs.Service
	ingest *ingest.Service
	tuning Tuning
	log    *slog.Logger
	events *observability.EventLogger
}

// Option configures optional engine behavior.
type Option func(*Engine)

// WithEventLogger records every non-clean sweep to the observability store.
func WithEventLogger(el *observability.EventLogger) Option {
	return func(e *Engine) { e.events = el }
}

func New(st *store.Store, js *jobs.Service, ing *ingest.Service, tuning Tuning, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{st: st, jobs: js, ingest: ing, tuning: tuning, log: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start sweeps once immediately, then on every tick until ctx ends.
// Run it in a goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.sweepAndLog(ctx)

	ticker := time.NewTicker(e.tuning.Interval)
	defer ticker.Stop()
	e.log.Info("audit engine started", "interval", e.tuning.Interval)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("audit engine stopped")
			return
		case <-ticker.C:
			e.sweepAndLog(ctx)
		}
	}
}

func (e *Engine) sweepAndLog(ctx context.Context) {
	res, err := e.Sweep(ctx)
	if err != nil {
		e.log.Error("audit sweep errored", "error", err, "fixed_so_far", res.Total())
		e.recordSweep(ctx, res, false)
		return
	}
	if res.Total() == 0 {
		e.log.Debug("audit sweep clean")
		return
	}
	e.recordSweep(ctx, res, true)
	e.log.Info("audit sweep fixed inconsistencies",
		"total", res.Total(),
		"stale_claimed", res.StaleClaimed,
		"failed_retried", res.FailedRetried,
		"stuck_ingesting", res.StuckIngesting,
		"orphaned_ocr_done", res.OrphanedOCRDone,
		"stuck_pdf_pending", res.StuckPDFPending,
		"legacy_pdf_done", res.LegacyPDFDone,
		"stuck_translating", res.StuckTranslating,
		"events_backfilled", res.EventsBackfilled)
}

func (e *Engine) recordSweep(ctx context.Context, res Result, ok bool) {
	if e.events == nil {
		return
	}
	detail, _ := json.Marshal(res)
	e.events.LogEvent(ctx, observability.OpsEvent{
		Type:    "audit_sweep",
		Service: "audit",
		Action:  "sweep",
		Detail:  string(detail),
		Success: ok,
	})
}

// Sweep runs all passes once and returns the breakdown. The first pass
// error aborts the sweep; counts up to that point are still reported.
func (e *Engine) Sweep(ctx context.Context) (Result, error) {
	var res Result
	var err error

	if res.StaleClaimed, err = e.st.ResetStaleClaimed(ctx, e.tuning.StaleClaimedDefault, e.tuning.StaleClaimedByKind); err != nil {
		return res, err
	}
	if res.FailedRetried, err = e.st.ResetFailedRetryable(ctx, e.tuning.MaxAttempts); err != nil {
		return res, err
	}
	if res.StuckIngesting, err = e.sweepStuckIngesting(ctx); err != nil {
		return res, err
	}
	if res.OrphanedOCRDone, err = e.sweepOrphanedOCRDone(ctx); err != nil {
		return res, err
	}
	if res.StuckPDFPending, err = e.sweepStuckPDFPending(ctx); err != nil {
		return res, err
	}
	if res.LegacyPDFDone, err = e.sweepLegacyPDFDone(ctx); err != nil {
		return res, err
	}
	if res.StuckTranslating, err = e.sweepStuckTranslating(ctx); err != nil {
		return res, err
	}
	if res.EventsBackfilled, err = e.sweepMissingTranslationEvents(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// sweepStuckIngesting completes the ingest for records whose scraper
// uploaded every page but never called complete-ingest.
func (e *Engine) sweepStuckIngesting(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-e.tuning.StuckIngestingAfter).UnixMilli()
	ids, err := e.st.RecordsInStatus(ctx, store.StatusIngesting, cutoff)
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, id := range ids {
		rec, err := e.st.Record(ctx, id)
		if err != nil {
			return fixed, err
		}
		if rec.PageCount == 0 {
			continue
		}
		pages, err := e.st.ListPages(ctx, id)
		if err != nil {
			return fixed, err
		}
		if len(pages) != rec.PageCount {
			continue
		}
		if _, err := e.ingest.CompleteIngest(ctx, id); err != nil {
			return fixed, err
		}
		e.log.Warn("completed stuck ingest", "record_id", id, "pages", len(pages))
		fixed++
	}
	return fixed, nil
}

// sweepOrphanedOCRDone re-fires the post-OCR fan-out for records that
// finished OCR but never got a PDF build job.
func (e *Engine) sweepOrphanedOCRDone(ctx context.Context) (int, error) {
	ids, err := e.st.RecordsInStatus(ctx, store.StatusOCRDone, 0)
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, id := range ids {
		rec, err := e.st.Record(ctx, id)
		if err != nil {
			return fixed, err
		}
		if rec.PageCount == 0 {
			// Metadata-only records rest at ocr_done.
			continue
		}
		n, err := e.st.CountJobs(ctx, id, jobs.KindBuildSearchablePDF, "")
		if err != nil {
			return fixed, err
		}
		if n > 0 {
			continue
		}
		if err := e.jobs.FanOutPostOCR(ctx, id); err != nil {
			return fixed, err
		}
		e.log.Warn("re-fired post-ocr fan-out", "record_id", id)
		fixed++
	}
	return fixed, nil
}

// sweepStuckPDFPending re-runs the PDF-completion check for records whose
// build finished but whose hook never landed.
func (e *Engine) sweepStuckPDFPending(ctx context.Context) (int, error) {
	ids, err := e.st.RecordsInStatus(ctx, store.StatusPDFPending, 0)
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, id := range ids {
		done, err := e.st.CountJobs(ctx, id, jobs.KindBuildSearchablePDF, store.JobCompleted)
		if err != nil {
			return fixed, err
		}
		if done == 0 {
			continue
		}
		if _, err := e.st.LatestAttachmentByRole(ctx, id, store.RoleSearchablePDF); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return fixed, err
		}
		if err := e.jobs.CheckPDFCompletion(ctx, id); err != nil {
			return fixed, err
		}
		e.log.Warn("re-ran pdf completion", "record_id", id)
		fixed++
	}
	return fixed, nil
}

// sweepLegacyPDFDone drains the pdf_done state, which live completions
// pass through without resting in.
func (e *Engine) sweepLegacyPDFDone(ctx context.Context) (int, error) {
	ids, err := e.st.RecordsInStatus(ctx, store.StatusPDFDone, 0)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := e.jobs.AdvancePastPDFDone(ctx, id); err != nil {
			return 0, err
		}
		e.log.Warn("advanced legacy pdf_done record", "record_id", id)
	}
	return len(ids), nil
}

// sweepStuckTranslating closes out records whose translate jobs are all
// settled (completed or permanently failed).
func (e *Engine) sweepStuckTranslating(ctx context.Context) (int, error) {
	ids, err := e.st.RecordsInStatus(ctx, store.StatusTranslating, 0)
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, id := range ids {
		open, err := e.st.CountJobsNotIn(ctx, id, jobs.TranslateKindPrefix+"%",
			store.JobCompleted, store.JobFailed)
		if err != nil {
			return fixed, err
		}
		if open > 0 {
			continue
		}
		applied, err := e.st.Transition(ctx, id, store.StatusTranslating, store.StatusComplete)
		if err != nil {
			return fixed, err
		}
		if applied {
			e.log.Warn("closed stuck translating record", "record_id", id)
			fixed++
		}
	}
	return fixed, nil
}

// sweepMissingTranslationEvents backfills the translation-completed event
// for complete records that earned it but never got it written.
func (e *Engine) sweepMissingTranslationEvents(ctx context.Context) (int, error) {
	ids, err := e.st.RecordsInStatus(ctx, store.StatusComplete, 0)
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, id := range ids {
		has, err := e.st.HasEvent(ctx, id, store.StageTranslation, store.EventCompleted)
		if err != nil {
			return fixed, err
		}
		if has {
			continue
		}
		open, err := e.st.CountJobsNotIn(ctx, id, jobs.TranslateKindPrefix+"%", store.JobCompleted)
		if err != nil {
			return fixed, err
		}
		if open > 0 {
			continue
		}
		if err := e.st.AppendEvent(ctx, id, store.StageTranslation, store.EventCompleted, "backfilled"); err != nil {
			return fixed, err
		}
		fixed++
	}
	return fixed, nil
}
