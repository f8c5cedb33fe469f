package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/archon/ingest"
	"github.com/hazyhaar/archon/shield"
	"github.com/hazyhaar/archon/store"
)

func (s *Server) ingestRoutes(r chi.Router) {
	r.With(shield.MaxBody(maxJSONBody)).Post("/records", s.handleUpsertRecord)
	r.With(shield.MaxBody(maxPageImageBody)).Post("/records/{id}/pages", s.handleAttachPage)
	r.With(shield.MaxBody(maxPDFBody)).Post("/records/{id}/pdf", s.handleAttachPDF)
	r.With(shield.MaxBody(maxPDFBody)).Post("/records/{id}/text-pdf", s.handleAttachTextPDF)
	r.Post("/records/{id}/repair", s.handleRepair)
	r.Post("/records/{id}/complete", s.handleCompleteIngest)
	r.Delete("/records/{id}", s.handleDeleteRecord)
	r.Get("/status/{sourceSystem}/{sourceRecordID}", s.handleIngestStatus)

	r.With(shield.MaxBody(maxJSONBody)).Post("/archives", s.handleCreateArchive)
	r.Get("/archives", s.handleListArchives)
	r.With(shield.MaxBody(maxJSONBody)).Post("/heartbeat", s.handleScraperHeartbeat)
}

type upsertRecordRequest struct {
	ArchiveID      int64  `json:"archive_id"`
	SourceSystem   string `json:"source_system"`
	SourceRecordID string `json:"source_record_id"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	DateRange      string `json:"date_range"`
	Lang           string `json:"lang"`
	MetadataLang   string `json:"metadata_lang"`
}

func (s *Server) handleUpsertRecord(w http.ResponseWriter, r *http.Request) {
	var req upsertRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.ingest.Upsert(r.Context(), store.RecordInput{
		ArchiveID:      req.ArchiveID,
		SourceSystem:   req.SourceSystem,
		SourceRecordID: req.SourceRecordID,
		Title:          req.Title,
		Description:    req.Description,
		DateRange:      req.DateRange,
		Lang:           req.Lang,
		MetadataLang:   req.MetadataLang,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type pageMetadata struct {
	Seq       int    `json:"seq"`
	Label     string `json:"label"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	SourceURL string `json:"source_url"`
}

func (s *Server) handleAttachPage(w http.ResponseWriter, r *http.Request) {
	recordID, err := urlID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	img, err := formFileBytes(r, "image")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var meta pageMetadata
	if part := r.FormValue("metadata"); part != "" {
		if err := json.Unmarshal([]byte(part), &meta); err != nil {
			writeError(w, r, fmt.Errorf("%w: bad metadata part", ingest.ErrInvalidInput))
			return
		}
	}
	if meta.Seq == 0 {
		// Scrapers that upload in order may omit seq; append.
		rec, err := s.st.Record(r.Context(), recordID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		meta.Seq = rec.PageCount + 1
	}

	page, err := s.ingest.AttachPage(r.Context(), recordID, meta.Seq, img, ingest.PageMeta{
		Label:     meta.Label,
		Width:     meta.Width,
		Height:    meta.Height,
		SourceURL: meta.SourceURL,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, page)
}

func (s *Server) handleAttachPDF(w http.ResponseWriter, r *http.Request) {
	recordID, err := urlID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, err := formFileBytes(r, "pdf")
	if err != nil {
		writeError(w, r, err)
		return
	}
	att, err := s.ingest.AttachPDF(r.Context(), recordID, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

func (s *Server) handleAttachTextPDF(w http.ResponseWriter, r *http.Request) {
	recordID, err := urlID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, err := formFileBytes(r, "pdf")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.ingest.AttachTextPDF(r.Context(), recordID, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"recordId":   rec.ID,
		"pages":      rec.PageCount,
		"ocrSkipped": true,
	})
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	recordID, err := urlID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.ingest.Repair(r.Context(), recordID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	pages, err := s.st.ListPages(r.Context(), rec.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	seqs := make([]int, 0, len(pages))
	for _, p := range pages {
		seqs = append(seqs, p.Seq)
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": rec, "page_seqs": seqs})
}

func (s *Server) handleCompleteIngest(w http.ResponseWriter, r *http.Request) {
	recordID, err := urlID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.ingest.CompleteIngest(r.Context(), recordID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	recordID, err := urlID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.ingest.Delete(r.Context(), recordID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.st.RecordBySource(r.Context(),
		chi.URLParam(r, "sourceSystem"), chi.URLParam(r, "sourceRecordID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type createArchiveRequest struct {
	Name    string `json:"name"`
	Country string `json:"country"`
}

func (s *Server) handleCreateArchive(w http.ResponseWriter, r *http.Request) {
	var req createArchiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, fmt.Errorf("%w: archive name required", ingest.ErrInvalidInput))
		return
	}
	arch, err := s.st.CreateArchive(r.Context(), req.Name, req.Country)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, arch)
}

func (s *Server) handleListArchives(w http.ResponseWriter, r *http.Request) {
	archives, err := s.st.ListArchives(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, archives)
}

type scraperHeartbeat struct {
	ScraperID    string `json:"scraper_id"`
	SourceSystem string `json:"source_system"`
	Records      int64  `json:"records"`
	Pages        int64  `json:"pages"`
}

func (s *Server) handleScraperHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb scraperHeartbeat
	if err := decodeJSON(r, &hb); err != nil {
		writeError(w, r, err)
		return
	}
	if hb.ScraperID == "" {
		writeError(w, r, fmt.Errorf("%w: scraper_id required", ingest.ErrInvalidInput))
		return
	}
	s.presence.ScraperSeen(hb.ScraperID, hb.SourceSystem, hb.Records, hb.Pages)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// formFileBytes reads one multipart file part fully. Uploads are hashed
// and validated before storage, so buffering here is unavoidable.
func formFileBytes(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("%w: missing %s part", ingest.ErrInvalidInput, field)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("%w: body too large", ingest.ErrInvalidInput)
		}
		return nil, err
	}
	return data, nil
}
