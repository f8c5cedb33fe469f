// CLAUDE:SUMMARY Job orchestration: enqueue/claim/complete/fail plus the stage-completion hooks that drive records through the pipeline.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/archon/hub"
	"github.com/hazyhaar/archon/store"
)

// Job kinds. OCR kinds are engine-suffixed so alternative engines can be
// added without another discriminator column.
const (
	KindOCRPagePaddle      = "ocr_page_paddle"
	KindBuildSearchablePDF = "build_searchable_pdf"
	KindTranslatePage      = "translate_page"
	KindTranslateRecord    = "translate_record"
	KindEmbedRecord        = "embed_record"

	OCRKindPrefix       = "ocr_page_"
	TranslateKindPrefix = "translate_"
)

// Service owns the job lifecycle. Every mutation goes through the store;
// the hub only ever learns about changes after they are committed.
type Service struct {
	st  *store.Store
	hub *hub.Hub
	log *slog.Logger

	// embedRecords adds an embed_record job to the post-OCR fan-out.
	embedRecords bool
}

type Option func(*Service)

// WithEmbedding enables embed_record jobs in the post-OCR fan-out.
func WithEmbedding() Option {
	return func(s *Service) { s.embedRecords = true }
}

func New(st *store.Store, h *hub.Hub, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{st: st, hub: h, log: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// LangPayload is the payload of ocr_page_* and translate_record jobs.
type LangPayload struct {
	Lang string `json:"lang"`
}

// Enqueue inserts a pending job, then wakes matching workers and tells
// UIs the queue moved.
func (s *Service) Enqueue(ctx context.Context, kind string, recordID, pageID *int64, payload string) (*store.Job, error) {
	job, err := s.st.InsertJob(ctx, kind, recordID, pageID, payload)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	s.hub.WakeWorkers(kind)
	s.hub.PublishPipeline(kind, string(store.JobPending))
	s.log.Debug("job enqueued", "job_id", job.ID, "kind", kind)
	return job, nil
}

// Claim hands out the oldest pending job of the kind, or nil when the
// queue is empty.
func (s *Service) Claim(ctx context.Context, kind string) (*store.Job, error) {
	job, err := s.st.ClaimJob(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", kind, err)
	}
	if job != nil {
		s.log.Debug("job claimed", "job_id", job.ID, "kind", kind, "attempts", job.Attempts)
	}
	return job, nil
}

// Job returns one job by id.
func (s *Service) Job(ctx context.Context, id int64) (*store.Job, error) {
	return s.st.Job(ctx, id)
}

// Complete marks the job done and fires the stage-completion hook for
// its kind. The hook runs after the job row is committed, so a crash in
// between is healed by the audit sweep rather than by retrying here.
func (s *Service) Complete(ctx context.Context, jobID int64, resultPayload string) (*store.Job, error) {
	job, err := s.st.CompleteJob(ctx, jobID, resultPayload)
	if err != nil {
		return nil, err
	}
	s.hub.PublishPipeline(job.Kind, string(store.JobCompleted))
	s.log.Info("job completed", "job_id", job.ID, "kind", job.Kind, "record_id", job.RecordID)

	if err := s.stageHook(ctx, job); err != nil {
		// The job itself is done; a hook failure leaves the record for
		// the audit sweep.
		s.log.Error("stage hook failed", "job_id", job.ID, "kind", job.Kind, "error", err)
	}
	return job, nil
}

// Fail marks the job failed with the worker's error text.
func (s *Service) Fail(ctx context.Context, jobID int64, errText string) (*store.Job, error) {
	job, err := s.st.FailJob(ctx, jobID, errText)
	if err != nil {
		return nil, err
	}
	s.hub.PublishPipeline(job.Kind, string(store.JobFailed))
	s.log.Warn("job failed", "job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts, "error", errText)
	return job, nil
}

func (s *Service) stageHook(ctx context.Context, job *store.Job) error {
	if job.RecordID == nil {
		return nil
	}
	recordID := *job.RecordID
	switch {
	case strings.HasPrefix(job.Kind, OCRKindPrefix):
		return s.CheckOCRCompletion(ctx, recordID)
	case job.Kind == KindBuildSearchablePDF:
		return s.CheckPDFCompletion(ctx, recordID)
	case strings.HasPrefix(job.Kind, TranslateKindPrefix):
		return s.CheckTranslationCompletion(ctx, recordID)
	case job.Kind == KindEmbedRecord:
		return s.markEmbeddingDone(ctx, recordID)
	}
	return nil
}

func (s *Service) markEmbeddingDone(ctx context.Context, recordID int64) error {
	has, err := s.st.HasEvent(ctx, recordID, store.StageEmbedding, store.EventCompleted)
	if err != nil || has {
		return err
	}
	return s.st.AppendEvent(ctx, recordID, store.StageEmbedding, store.EventCompleted, "")
}

// CheckOCRCompletion advances a record out of ocr_pending once every
// page has text, then fires the post-OCR fan-out. Also run by the audit
// sweep, so it must tolerate records in any state.
func (s *Service) CheckOCRCompletion(ctx context.Context, recordID int64) error {
	missing, err := s.st.CountPagesMissingText(ctx, recordID)
	if err != nil {
		return err
	}
	if missing > 0 {
		return nil
	}
	applied, err := s.st.Transition(ctx, recordID, store.StatusOCRPending, store.StatusOCRDone)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if err := s.st.AppendEvent(ctx, recordID, store.StageOCR, store.EventCompleted, ""); err != nil {
		return err
	}
	s.hub.PublishRecord(recordID, "updated")
	return s.FanOutPostOCR(ctx, recordID)
}

// FanOutPostOCR enqueues the downstream jobs for a record whose pages
// all have text: the searchable PDF build, the record-metadata
// translation (always, since cataloging language is independent of page
// language), per-page translations unless the record is English, and
// optionally an embedding job. Then it moves the record to pdf_pending.
// Metadata-only records (no pages) are skipped entirely.
func (s *Service) FanOutPostOCR(ctx context.Context, recordID int64) error {
	rec, err := s.st.Record(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.PageCount == 0 {
		// Metadata-only records rest at ocr_done; nothing to build,
		// translate or embed.
		return nil
	}

	if _, err := s.Enqueue(ctx, KindBuildSearchablePDF, &recordID, nil, ""); err != nil {
		return err
	}

	metaPayload, err := json.Marshal(LangPayload{Lang: rec.MetadataLang})
	if err != nil {
		return err
	}
	if _, err := s.Enqueue(ctx, KindTranslateRecord, &recordID, nil, string(metaPayload)); err != nil {
		return err
	}

	pageJobs := 0
	if rec.Lang != "en" {
		pages, err := s.st.ListPages(ctx, recordID)
		if err != nil {
			return err
		}
		for _, p := range pages {
			pageID := p.ID
			if _, err := s.Enqueue(ctx, KindTranslatePage, &recordID, &pageID, ""); err != nil {
				return err
			}
			pageJobs++
		}
	}

	if s.embedRecords {
		if _, err := s.Enqueue(ctx, KindEmbedRecord, &recordID, nil, ""); err != nil {
			return err
		}
	}

	applied, err := s.st.Transition(ctx, recordID, store.StatusOCRDone, store.StatusPDFPending)
	if err != nil {
		return err
	}
	if applied {
		if err := s.st.AppendEvent(ctx, recordID, store.StagePDFBuild, store.EventStarted, ""); err != nil {
			return err
		}
		detail := fmt.Sprintf("%d page jobs enqueued", pageJobs)
		if err := s.st.AppendEvent(ctx, recordID, store.StageTranslation, store.EventStarted, detail); err != nil {
			return err
		}
		if s.embedRecords {
			if err := s.st.AppendEvent(ctx, recordID, store.StageEmbedding, store.EventStarted, ""); err != nil {
				return err
			}
		}
		s.hub.PublishRecord(recordID, "updated")
	}
	return nil
}

// CheckPDFCompletion wires the newest searchable_pdf attachment into the
// record and advances it past pdf_pending. Where it lands depends on
// whether translations are still in flight.
func (s *Service) CheckPDFCompletion(ctx context.Context, recordID int64) error {
	att, err := s.st.LatestAttachmentByRole(ctx, recordID, store.RoleSearchablePDF)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.st.SetPDFAttachment(ctx, recordID, att.ID); err != nil {
		return err
	}
	applied, err := s.st.Transition(ctx, recordID, store.StatusPDFPending, store.StatusPDFDone)
	if err != nil {
		return err
	}
	if applied {
		if err := s.st.AppendEvent(ctx, recordID, store.StagePDFBuild, store.EventCompleted, ""); err != nil {
			return err
		}
		s.hub.PublishRecord(recordID, "updated")
	}
	return s.AdvancePastPDFDone(ctx, recordID)
}

// AdvancePastPDFDone moves a pdf_done record to translating or complete
// depending on outstanding translate jobs. Shared with the audit sweep's
// legacy pdf_done pass.
func (s *Service) AdvancePastPDFDone(ctx context.Context, recordID int64) error {
	outstanding, err := s.st.CountJobsNotIn(ctx, recordID, TranslateKindPrefix+"%", store.JobCompleted)
	if err != nil {
		return err
	}
	if outstanding > 0 {
		applied, err := s.st.Transition(ctx, recordID, store.StatusPDFDone, store.StatusTranslating)
		if err != nil {
			return err
		}
		if applied {
			s.hub.PublishRecord(recordID, "updated")
		}
		return nil
	}
	applied, err := s.st.Transition(ctx, recordID, store.StatusPDFDone, store.StatusComplete)
	if err != nil {
		return err
	}
	if applied {
		if err := s.markTranslationDone(ctx, recordID); err != nil {
			return err
		}
		s.hub.PublishRecord(recordID, "updated")
	}
	return nil
}

// CheckTranslationCompletion closes out the translation stage once every
// translate_* job of the record is completed.
func (s *Service) CheckTranslationCompletion(ctx context.Context, recordID int64) error {
	outstanding, err := s.st.CountJobsNotIn(ctx, recordID, TranslateKindPrefix+"%", store.JobCompleted)
	if err != nil {
		return err
	}
	if outstanding > 0 {
		return nil
	}
	if err := s.markTranslationDone(ctx, recordID); err != nil {
		return err
	}
	applied, err := s.st.Transition(ctx, recordID, store.StatusTranslating, store.StatusComplete)
	if err != nil {
		return err
	}
	if applied {
		s.hub.PublishRecord(recordID, "updated")
	}
	return nil
}

// markTranslationDone appends the translation-completed event once.
func (s *Service) markTranslationDone(ctx context.Context, recordID int64) error {
	has, err := s.st.HasEvent(ctx, recordID, store.StageTranslation, store.EventCompleted)
	if err != nil || has {
		return err
	}
	return s.st.AppendEvent(ctx, recordID, store.StageTranslation, store.EventCompleted, "")
}
