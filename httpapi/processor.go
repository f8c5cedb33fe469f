package httpapi

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/archon/blob"
	"github.com/hazyhaar/archon/ingest"
	"github.com/hazyhaar/archon/shield"
	"github.com/hazyhaar/archon/store"
)

func (s *Server) processorRoutes(r chi.Router) {
	r.Use(s.requireProcessorToken)
	r.Use(s.refreshWorkerPresence)

	r.Get("/jobs/events", s.handleWorkerEvents)
	r.With(shield.MaxBody(maxJSONBody)).Post("/jobs/claim", s.handleClaim)
	r.Get("/jobs/{jobID}", s.handleGetJob)
	r.With(shield.MaxBody(maxJSONBody)).Post("/jobs/{jobID}/complete", s.handleCompleteJob)
	r.With(shield.MaxBody(maxJSONBody)).Post("/jobs/{jobID}/fail", s.handleFailJob)
	r.Get("/pages/{pageID}/image", s.handlePageImage)
	r.With(shield.MaxBody(maxJSONBody)).Post("/ocr/{pageID}", s.handlePostOCRText)
	r.With(shield.MaxBody(maxJSONBody)).Post("/translation/{pageID}", s.handlePostTranslation)
	r.With(shield.MaxBody(maxPageImageBody)).Post("/ocr/{pageID}/artifact", s.handlePostOCRArtifact)
	r.With(shield.MaxBody(maxPDFBody)).Post("/records/{id}/searchable-pdf", s.handlePostSearchablePDF)
	r.With(shield.MaxBody(maxJSONBody)).Post("/entities/{pageID}", s.handlePostEntities)
}

// requireProcessorToken enforces the shared bearer secret on every
// worker endpoint.
func (s *Server) requireProcessorToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.processorToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// refreshWorkerPresence turns every authenticated call into a heartbeat.
func (s *Server) refreshWorkerPresence(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Worker-Id"); id != "" {
			s.presence.WorkerSeen(id, splitKinds(r.Header.Get("X-Worker-Kinds")))
		}
		next.ServeHTTP(w, r)
	})
}

func splitKinds(header string) []string {
	if header == "" {
		return nil
	}
	var kinds []string
	for _, k := range strings.Split(header, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (s *Server) handleWorkerEvents(w http.ResponseWriter, r *http.Request) {
	workerID := r.Header.Get("X-Worker-Id")
	if workerID == "" {
		writeError(w, r, fmt.Errorf("%w: X-Worker-Id required", ingest.ErrInvalidInput))
		return
	}
	kinds := splitKinds(r.Header.Get("X-Worker-Kinds"))
	ch, cancel := s.hub.SubscribeWorker(workerID, kinds)
	defer cancel()
	s.serveSSE(w, r, ch)
}

type claimRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Kind == "" {
		writeError(w, r, fmt.Errorf("%w: kind required", ingest.ErrInvalidInput))
		return
	}
	job, err := s.jobs.Claim(r.Context(), req.Kind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := urlID(r, "jobID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.jobs.Job(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type completeRequest struct {
	Result string `json:"result"`
}

func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := urlID(r, "jobID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req completeRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	job, err := s.jobs.Complete(r.Context(), jobID, req.Result)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type failRequest struct {
	Error string `json:"error"`
}

func (s *Server) handleFailJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := urlID(r, "jobID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.jobs.Fail(r.Context(), jobID, req.Error)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePageImage(w http.ResponseWriter, r *http.Request) {
	pageID, err := urlID(r, "pageID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := s.st.Page(r.Context(), pageID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	att, err := s.st.Attachment(r.Context(), page.AttachmentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.streamBlob(w, r, att)
}

type ocrTextRequest struct {
	Engine     string   `json:"engine"`
	Confidence *float64 `json:"confidence"`
	TextRaw    string   `json:"textRaw"`
	HOCR       string   `json:"hocr"`
}

func (s *Server) handlePostOCRText(w http.ResponseWriter, r *http.Request) {
	pageID, err := urlID(r, "pageID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req ocrTextRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Engine == "" {
		writeError(w, r, fmt.Errorf("%w: engine required", ingest.ErrInvalidInput))
		return
	}
	if _, err := s.st.Page(r.Context(), pageID); err != nil {
		writeError(w, r, err)
		return
	}
	pt, err := s.st.InsertPageText(r.Context(), &store.PageText{
		PageID:     pageID,
		Engine:     req.Engine,
		Confidence: req.Confidence,
		TextRaw:    req.TextRaw,
		HOCR:       req.HOCR,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pt)
}

type translationRequest struct {
	TextEN string `json:"textEn"`
}

// handlePostTranslation stores a worker's English translation on the
// page's best text row. Workers post this before completing their
// translate_page job.
func (s *Server) handlePostTranslation(w http.ResponseWriter, r *http.Request) {
	pageID, err := urlID(r, "pageID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req translationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.TextEN == "" {
		writeError(w, r, fmt.Errorf("%w: textEn required", ingest.ErrInvalidInput))
		return
	}
	pt, err := s.st.BestPageText(r.Context(), pageID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.st.SetPageTextTranslation(r.Context(), pt.ID, req.TextEN); err != nil {
		writeError(w, r, err)
		return
	}
	pt.TextEN = req.TextEN
	writeJSON(w, http.StatusOK, pt)
}

func (s *Server) handlePostOCRArtifact(w http.ResponseWriter, r *http.Request) {
	pageID, err := urlID(r, "pageID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := s.st.Page(r.Context(), pageID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, header, err := r.FormFile("artifact")
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: missing artifact part", ingest.ErrInvalidInput))
		return
	}
	defer f.Close()
	if err := blob.ValidateName(header.Filename); err != nil {
		writeError(w, r, err)
		return
	}

	path := blob.OCRArtifactPath(page.RecordID, header.Filename)
	sha, size, err := s.blobs.Put(r.Context(), path, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	att, err := s.st.CreateAttachment(r.Context(), &store.Attachment{
		RecordID:  page.RecordID,
		Role:      store.RoleOCRArtifact,
		Path:      path,
		SHA256:    sha,
		Mime:      header.Header.Get("Content-Type"),
		SizeBytes: size,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

func (s *Server) handlePostSearchablePDF(w http.ResponseWriter, r *http.Request) {
	recordID, err := urlID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.st.Record(r.Context(), recordID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, fmt.Errorf("%w: record %d", ingest.ErrNotFound, recordID))
		return
	} else if err != nil {
		writeError(w, r, err)
		return
	}
	f, _, err := r.FormFile("pdf")
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: missing pdf part", ingest.ErrInvalidInput))
		return
	}
	defer f.Close()

	path := blob.SearchablePDFPath(rec.ID)
	sha, size, err := s.blobs.Put(r.Context(), path, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	att, err := s.st.CreateAttachment(r.Context(), &store.Attachment{
		RecordID:  rec.ID,
		Role:      store.RoleSearchablePDF,
		Path:      path,
		SHA256:    sha,
		Mime:      "application/pdf",
		SizeBytes: size,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

type entityHit struct {
	Kind       string   `json:"kind"`
	Value      string   `json:"value"`
	Confidence *float64 `json:"confidence"`
}

func (s *Server) handlePostEntities(w http.ResponseWriter, r *http.Request) {
	pageID, err := urlID(r, "pageID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.st.Page(r.Context(), pageID); err != nil {
		writeError(w, r, err)
		return
	}
	var hits []entityHit
	if err := decodeJSON(r, &hits); err != nil {
		writeError(w, r, err)
		return
	}
	ents := make([]store.Entity, 0, len(hits))
	for _, h := range hits {
		if h.Kind == "" || h.Value == "" {
			writeError(w, r, fmt.Errorf("%w: entity hits need kind and value", ingest.ErrInvalidInput))
			return
		}
		ents = append(ents, store.Entity{PageID: pageID, Kind: h.Kind, Value: h.Value, Confidence: h.Confidence})
	}
	if err := s.st.ReplaceEntities(r.Context(), pageID, ents); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"stored": len(ents)})
}
