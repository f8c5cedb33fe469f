package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/archon/blob"
	"github.com/hazyhaar/archon/ingest"
	"github.com/hazyhaar/archon/pdfx"
	"github.com/hazyhaar/archon/shield"
	"github.com/hazyhaar/archon/store"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto status codes. Unrecognized
// errors become 500 with the request's correlation id so operators can
// find the log line.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ingest.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, blob.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})

	case errors.Is(err, ingest.ErrInvalidInput),
		errors.Is(err, blob.ErrUnsafePath),
		errors.Is(err, pdfx.ErrTooLarge),
		errors.Is(err, pdfx.ErrTooManyPages),
		errors.Is(err, pdfx.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})

	default:
		traceID := shield.GetTraceID(r.Context())
		shield.GetLogger(r.Context()).Error("internal error", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":          "internal error",
			"correlation_id": traceID,
		})
	}
}

// decodeJSON reads a JSON body into v, mapping failures to InvalidInput.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ingest.ErrInvalidInput
	}
	return nil
}

// urlID parses the chi URL parameter as an int64 id.
func urlID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id < 1 {
		return 0, ingest.ErrInvalidInput
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
