// CLAUDE:SUMMARY HTTP wiring: three chi-mounted surfaces (ingest, processor, catalog) over the orchestration services.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/archon/blob"
	"github.com/hazyhaar/archon/hub"
	"github.com/hazyhaar/archon/ingest"
	"github.com/hazyhaar/archon/jobs"
	"github.com/hazyhaar/archon/presence"
	"github.com/hazyhaar/archon/shield"
	"github.com/hazyhaar/archon/store"
)

// Upload caps. Multipart page images stay an order of magnitude below
// PDFs; the PDF cap mirrors the validation limit plus form overhead.
const (
	maxPageImageBody = 32 << 20
	maxPDFBody       = 101 << 20
	maxJSONBody      = 4 << 20
)

// Server holds every dependency the handlers need.
type Server struct {
	st       *store.Store
	blobs    blob.Store
	ingest   *ingest.Service
	jobs     *jobs.Service
	hub      *hub.Hub
	presence *presence.Tracker
	log      *slog.Logger

	// processorToken is the shared bearer secret for worker endpoints.
	processorToken string
}

func New(st *store.Store, blobs blob.Store, ing *ingest.Service, js *jobs.Service,
	h *hub.Hub, pr *presence.Tracker, processorToken string, logger *slog.Logger) *Server {
	return &Server{
		st: st, blobs: blobs, ingest: ing, jobs: js, hub: h, presence: pr,
		processorToken: processorToken, log: logger,
	}
}

// Router builds the full route tree: scraper surface under /ingest,
// worker surface under /processor, UI surface at the root.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/ingest", s.ingestRoutes)
	r.Route("/processor", s.processorRoutes)
	s.catalogRoutes(r)

	return r
}
