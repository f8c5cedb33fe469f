// CLAUDE:SUMMARY Ingest service: record upsert, page/PDF attachment, born-digital text lift, complete-ingest handoff into the job pipeline.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gabriel-vasile/mimetype"

	"github.com/hazyhaar/archon/blob"
	"github.com/hazyhaar/archon/hub"
	"github.com/hazyhaar/archon/jobs"
	"github.com/hazyhaar/archon/pdfx"
	"github.com/hazyhaar/archon/store"
)

var (
	// ErrNotFound covers missing records and pages.
	ErrNotFound = errors.New("ingest: not found")
	// ErrInvalidInput covers malformed uploads, oversized PDFs and bad
	// language codes.
	ErrInvalidInput = errors.New("ingest: invalid input")
)

// TextPDFEngine tags page_text rows lifted from born-digital PDFs.
const TextPDFEngine = "pdfbox-equivalent"

// Service is the scraper-facing side of the orchestrator.
type Service struct {
	st    *store.Store
	blobs blob.Store
	jobs  *jobs.Service
	hub   *hub.Hub
	log   *slog.Logger
}

func New(st *store.Store, blobs blob.Store, js *jobs.Service, h *hub.Hub, logger *slog.Logger) *Service {
	return &Service{st: st, blobs: blobs, jobs: js, hub: h, log: logger}
}

// Upsert creates or merges a record by its natural key. Newly created
// records start in ingesting with an ingest-started event.
func (s *Service) Upsert(ctx context.Context, in store.RecordInput) (*store.Record, error) {
	if in.SourceSystem == "" || in.SourceRecordID == "" {
		return nil, fmt.Errorf("%w: source_system and source_record_id required", ErrInvalidInput)
	}
	if err := validateLang(in.Lang); err != nil {
		return nil, err
	}
	if err := validateLang(in.MetadataLang); err != nil {
		return nil, err
	}

	rec, created, err := s.st.UpsertRecord(ctx, in)
	if err != nil {
		return nil, err
	}
	if created {
		if err := s.st.AppendEvent(ctx, rec.ID, store.StageIngest, store.EventStarted, ""); err != nil {
			return nil, err
		}
		s.hub.PublishRecord(rec.ID, "created")
		s.log.Info("record created", "record_id", rec.ID, "source", in.SourceSystem, "source_id", in.SourceRecordID)
	} else {
		s.hub.PublishRecord(rec.ID, "updated")
	}
	return rec, nil
}

// PageMeta is the optional metadata of an attached page.
type PageMeta struct {
	Label     string
	Width     int
	Height    int
	SourceURL string
}

// AttachPage stores a page image at its deterministic path and upserts the
// page row. Re-uploading the same seq replaces the bytes and metadata
// without growing the attachment count.
func (s *Service) AttachPage(ctx context.Context, recordID int64, seq int, img []byte, meta PageMeta) (*store.Page, error) {
	if seq < 1 {
		return nil, fmt.Errorf("%w: page seq must be >= 1", ErrInvalidInput)
	}
	if len(img) == 0 {
		return nil, fmt.Errorf("%w: empty page image", ErrInvalidInput)
	}
	rec, err := s.record(ctx, recordID)
	if err != nil {
		return nil, err
	}

	path := blob.PageImagePath(rec.ID, seq)
	sha, size, err := s.blobs.Put(ctx, path, bytes.NewReader(img))
	if err != nil {
		return nil, err
	}
	mime := mimetype.Detect(img).String()

	att, err := s.upsertAttachment(ctx, rec.ID, store.RolePageImage, path, sha, mime, size)
	if err != nil {
		return nil, err
	}

	page, err := s.st.UpsertPage(ctx, &store.Page{
		RecordID:     rec.ID,
		Seq:          seq,
		AttachmentID: att.ID,
		Label:        meta.Label,
		Width:        meta.Width,
		Height:       meta.Height,
		SourceURL:    meta.SourceURL,
	})
	if err != nil {
		return nil, err
	}
	if err := s.st.RecomputePageCount(ctx, rec.ID); err != nil {
		return nil, err
	}
	s.hub.PublishRecord(rec.ID, "updated")
	return page, nil
}

// AttachPDF stores the scraper-supplied original PDF and points the
// record at it.
func (s *Service) AttachPDF(ctx context.Context, recordID int64, data []byte) (*store.Attachment, error) {
	rec, err := s.record(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if _, err := pdfx.Validate(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	path := blob.OriginalPDFPath(rec.ID)
	sha, size, err := s.blobs.Put(ctx, path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	att, err := s.upsertAttachment(ctx, rec.ID, store.RoleOriginalPDF, path, sha, "application/pdf", size)
	if err != nil {
		return nil, err
	}
	if err := s.st.SetPDFAttachment(ctx, rec.ID, att.ID); err != nil {
		return nil, err
	}
	s.hub.PublishRecord(rec.ID, "updated")
	return att, nil
}

// AttachTextPDF ingests a born-digital PDF: every page is rendered to a
// JPEG like a scan would be, and the embedded text pre-populates
// page_text so complete-ingest skips OCR for those pages. Pages without
// a text layer get no page_text row and fall through to OCR.
func (s *Service) AttachTextPDF(ctx context.Context, recordID int64, data []byte) (*store.Record, error) {
	rec, err := s.record(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if _, err := pdfx.Validate(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	// Keep the original alongside the exploded pages.
	pdfPath := blob.OriginalPDFPath(rec.ID)
	sha, size, err := s.blobs.Put(ctx, pdfPath, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	pdfAtt, err := s.upsertAttachment(ctx, rec.ID, store.RoleOriginalPDF, pdfPath, sha, "application/pdf", size)
	if err != nil {
		return nil, err
	}
	if err := s.st.SetPDFAttachment(ctx, rec.ID, pdfAtt.ID); err != nil {
		return nil, err
	}

	confidence := 1.0
	err = pdfx.Explode(data, func(p pdfx.Page) error {
		path := blob.PageImagePath(rec.ID, p.Seq)
		sha, size, err := s.blobs.Put(ctx, path, bytes.NewReader(p.JPEG))
		if err != nil {
			return err
		}
		att, err := s.upsertAttachment(ctx, rec.ID, store.RolePageImage, path, sha, "image/jpeg", size)
		if err != nil {
			return err
		}
		page, err := s.st.UpsertPage(ctx, &store.Page{
			RecordID:     rec.ID,
			Seq:          p.Seq,
			AttachmentID: att.ID,
		})
		if err != nil {
			return err
		}
		if p.Text == "" {
			return nil
		}
		_, err = s.st.InsertPageText(ctx, &store.PageText{
			PageID:     page.ID,
			Engine:     TextPDFEngine,
			Confidence: &confidence,
			TextRaw:    p.Text,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := s.st.RecomputePageCount(ctx, rec.ID); err != nil {
		return nil, err
	}
	s.hub.PublishRecord(rec.ID, "updated")
	s.log.Info("text pdf exploded", "record_id", rec.ID, "bytes", len(data))
	return s.st.Record(ctx, rec.ID)
}

// CompleteIngest closes the ingest stage: pages still lacking text get an
// OCR job each, fully-texted records skip straight to the post-OCR
// fan-out, and metadata-only records park at ocr_done. Idempotent: a
// record already past ingesting is returned unchanged, so a retried call
// never enqueues a second set of OCR jobs.
func (s *Service) CompleteIngest(ctx context.Context, recordID int64) (*store.Record, error) {
	rec, err := s.record(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.StatusIngesting {
		return rec, nil
	}

	missing, err := s.st.PagesMissingText(ctx, rec.ID)
	if err != nil {
		return nil, err
	}

	if err := s.st.AppendEvent(ctx, rec.ID, store.StageIngest, store.EventCompleted, ""); err != nil {
		return nil, err
	}

	switch {
	case len(missing) > 0:
		payload := ""
		if rec.Lang != "" {
			b, err := json.Marshal(jobs.LangPayload{Lang: rec.Lang})
			if err != nil {
				return nil, err
			}
			payload = string(b)
		}
		for _, p := range missing {
			pageID := p.ID
			if _, err := s.jobs.Enqueue(ctx, jobs.KindOCRPagePaddle, &rec.ID, &pageID, payload); err != nil {
				return nil, err
			}
		}
		if _, err := s.st.Transition(ctx, rec.ID, store.StatusIngesting, store.StatusOCRPending); err != nil {
			return nil, err
		}
		if err := s.st.AppendEvent(ctx, rec.ID, store.StageOCR, store.EventStarted,
			fmt.Sprintf("%d page jobs enqueued", len(missing))); err != nil {
			return nil, err
		}
		s.log.Info("ingest complete, ocr enqueued", "record_id", rec.ID, "pages", len(missing))

	case rec.PageCount > 0:
		// Every page already has text (born-digital PDF path).
		applied, err := s.st.Transition(ctx, rec.ID, store.StatusIngesting, store.StatusOCRDone)
		if err != nil {
			return nil, err
		}
		if applied {
			if err := s.st.AppendEvent(ctx, rec.ID, store.StageOCR, store.EventCompleted, "pre-populated"); err != nil {
				return nil, err
			}
			if err := s.jobs.FanOutPostOCR(ctx, rec.ID); err != nil {
				return nil, err
			}
		}
		s.log.Info("ingest complete, ocr skipped", "record_id", rec.ID)

	default:
		// Metadata-only record, nothing to process.
		if _, err := s.st.Transition(ctx, rec.ID, store.StatusIngesting, store.StatusOCRDone); err != nil {
			return nil, err
		}
		s.log.Info("ingest complete, metadata only", "record_id", rec.ID)
	}

	s.hub.PublishRecord(rec.ID, "updated")
	return s.st.Record(ctx, rec.ID)
}

// Repair rewinds a record to ingesting so a scraper can re-send pages.
// Existing pages and their text survive; complete-ingest only re-enqueues
// OCR for pages still lacking text. Complete records are left alone.
func (s *Service) Repair(ctx context.Context, recordID int64) (*store.Record, error) {
	rec, err := s.record(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status == store.StatusComplete {
		// Terminal state, nothing to rewind.
		return rec, nil
	}
	if err := s.st.ResetForRepair(ctx, rec.ID); err != nil {
		return nil, err
	}
	s.hub.PublishRecord(rec.ID, "updated")
	s.log.Info("record reset for repair", "record_id", rec.ID)
	return s.st.Record(ctx, rec.ID)
}

// Delete removes the record, its rows and its blobs. The PDF pointer is
// nulled first to break the attachment cycle before cascading.
func (s *Service) Delete(ctx context.Context, recordID int64) error {
	rec, err := s.record(ctx, recordID)
	if err != nil {
		return err
	}
	if err := s.blobs.DeletePrefix(ctx, blob.RecordPrefix(rec.ID)); err != nil {
		return err
	}
	if err := s.st.DeleteRecord(ctx, rec.ID); err != nil {
		return err
	}
	s.hub.PublishRecord(rec.ID, "deleted")
	s.log.Info("record deleted", "record_id", rec.ID)
	return nil
}

func (s *Service) record(ctx context.Context, id int64) (*store.Record, error) {
	rec, err := s.st.Record(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: record %d", ErrNotFound, id)
	}
	return rec, err
}

// upsertAttachment reuses the attachment row when the path was already
// occupied, so re-uploads replace bytes without inflating counters.
func (s *Service) upsertAttachment(ctx context.Context, recordID int64, role, path, sha, mime string, size int64) (*store.Attachment, error) {
	existing, err := s.st.AttachmentByPath(ctx, recordID, path)
	switch {
	case err == nil:
		if err := s.st.UpdateAttachmentBlob(ctx, existing.ID, sha, mime, size); err != nil {
			return nil, err
		}
		return s.st.Attachment(ctx, existing.ID)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return s.st.CreateAttachment(ctx, &store.Attachment{
		RecordID:  recordID,
		Role:      role,
		Path:      path,
		SHA256:    sha,
		Mime:      mime,
		SizeBytes: size,
	})
}

func validateLang(lang string) error {
	if lang == "" {
		return nil
	}
	if len(lang) != 2 {
		return fmt.Errorf("%w: lang %q is not a 2-char ISO-639-1 code", ErrInvalidInput, lang)
	}
	for _, c := range lang {
		if c < 'a' || c > 'z' {
			return fmt.Errorf("%w: lang %q is not a 2-char ISO-639-1 code", ErrInvalidInput, lang)
		}
	}
	return nil
}
