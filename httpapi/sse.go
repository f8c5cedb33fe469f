package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/archon/hub"
	"github.com/hazyhaar/archon/shield"
)

// sseMaxAge caps every event-stream connection. Clients reconnect;
// workers must poll for claims regardless, so a forced reconnect never
// loses work.
const sseMaxAge = 30 * time.Minute

// serveSSE drains a hub subscription into a server-sent events stream
// until the client disconnects, the subscription closes, or the
// connection ages out.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, ch <-chan hub.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	// SSE outlives any server write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	// Initial comment flushes the headers so the client sees the
	// subscription as established.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	deadline := time.NewTimer(sseMaxAge)
	defer deadline.Stop()

	log := shield.GetLogger(r.Context())
	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			log.Debug("sse connection aged out")
			return
		case ev, open := <-ch:
			if !open {
				// Superseded or dropped by the hub.
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				log.Error("sse marshal failed", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
