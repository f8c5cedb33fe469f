package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/archon/idgen"
	"github.com/hazyhaar/archon/ingest"
	"github.com/hazyhaar/archon/store"
)

// subID generates UI stream subscriber keys.
var subID = idgen.Prefixed("sub_", idgen.NanoID(12))

func (s *Server) catalogRoutes(r chi.Router) {
	r.Get("/records", s.handleListRecords)
	r.Get("/records/events", s.handleUIEvents)
	r.Get("/records/workers", s.handleWorkersDashboard)
	r.Get("/records/{id}", s.handleGetRecord)
	r.Get("/records/{id}/pages", s.handleListRecordPages)
	r.Get("/records/{id}/events", s.handleListRecordEvents)
	r.Get("/records/{id}/pdf", s.handleRecordPDF)
	r.Get("/files/{attachmentID}", s.handleFile)
	r.Get("/search", s.handleSearch)
}

// listEnvelope is the paging envelope for record listings.
type listEnvelope struct {
	Items    []*store.Record `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"pageSize"`
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(r, "pageSize", 50)
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	var archiveID int64
	if v := r.URL.Query().Get("archive"); v != "" {
		archiveID, _ = strconv.ParseInt(v, 10, 64)
	}
	recs, total, err := s.st.ListRecords(r.Context(), store.ListOptions{
		Status:    store.Status(r.URL.Query().Get("status")),
		ArchiveID: archiveID,
		Sort:      r.URL.Query().Get("sort"),
		Desc:      r.URL.Query().Get("order") == "desc",
		Limit:     pageSize,
		Offset:    (page - 1) * pageSize,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Items: recs, Total: total, Page: page, PageSize: pageSize})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.st.Record(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRecordPages(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	pages, err := s.st.ListPages(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pages)
}

func (s *Server) handleListRecordEvents(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := s.st.ListEvents(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleUIEvents(w http.ResponseWriter, r *http.Request) {
	ch, cancel := s.hub.SubscribeUI(subID())
	defer cancel()
	s.serveSSE(w, r, ch)
}

func (s *Server) handleWorkersDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"workers":       s.presence.Workers(),
		"alive_by_kind": s.presence.AliveByKind(),
		"scrapers":      s.presence.Scrapers(),
	})
}

// handleRecordPDF streams the searchable PDF, falling back to whatever
// the record's PDF pointer references.
func (s *Server) handleRecordPDF(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.st.Record(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	att, err := s.st.LatestAttachmentByRole(r.Context(), rec.ID, store.RoleSearchablePDF)
	if errors.Is(err, store.ErrNotFound) && rec.PDFAttachmentID != nil {
		att, err = s.st.Attachment(r.Context(), *rec.PDFAttachmentID)
	}
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: record %d has no pdf", ingest.ErrNotFound, rec.ID))
		return
	}
	s.streamBlob(w, r, att)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "attachmentID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	att, err := s.st.Attachment(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.streamBlob(w, r, att)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, r, fmt.Errorf("%w: q required", ingest.ErrInvalidInput))
		return
	}
	var archiveID int64
	if v := r.URL.Query().Get("archive"); v != "" {
		archiveID, _ = strconv.ParseInt(v, 10, 64)
	}
	recs, total, err := s.st.SearchRecords(r.Context(), q, archiveID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs, "total": total})
}

// streamBlob copies attachment bytes to the client without buffering.
func (s *Server) streamBlob(w http.ResponseWriter, r *http.Request, att *store.Attachment) {
	rc, err := s.blobs.Open(r.Context(), att.Path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	if att.Mime != "" {
		w.Header().Set("Content-Type", att.Mime)
	}
	if att.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(att.SizeBytes, 10))
	}
	if _, err := io.Copy(w, rc); err != nil {
		// Client went away mid-stream; nothing to recover.
		s.log.Debug("blob stream aborted", "attachment_id", att.ID, "error", err)
	}
}
