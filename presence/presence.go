// Package presence tracks which workers and scrapers are alive.
//
// Presence is advisory and in-memory only: a worker is "alive" if it was
// seen within the TTL, and the map resets on restart. Claims and
// completions double as heartbeats, so an idle worker only needs its SSE
// stream or an explicit heartbeat to stay visible.
package presence

import (
	"sort"
	"sync"
	"time"
)

const (
	WorkerTTL  = 60 * time.Second
	ScraperTTL = 90 * time.Second
)

// WorkerStatus is one live worker as reported by the dashboard surface.
type WorkerStatus struct {
	ID       string    `json:"id"`
	Kinds    []string  `json:"kinds"`
	LastSeen time.Time `json:"last_seen"`
}

// ScraperStatus is one live scraper with its running ingest counters.
type ScraperStatus struct {
	ID           string    `json:"id"`
	SourceSystem string    `json:"source_system"`
	Records      int64     `json:"records"`
	Pages        int64     `json:"pages"`
	LastSeen     time.Time `json:"last_seen"`
}

type workerEntry struct {
	kinds    []string
	lastSeen time.Time
}

type scraperEntry struct {
	sourceSystem string
	records      int64
	pages        int64
	lastSeen     time.Time
}

// Tracker is the shared presence map.
type Tracker struct {
	mu       sync.Mutex
	workers  map[string]*workerEntry
	scrapers map[string]*scraperEntry
	now      func() time.Time
}

func New() *Tracker {
	return &Tracker{
		workers:  make(map[string]*workerEntry),
		scrapers: make(map[string]*scraperEntry),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// WorkerSeen records a heartbeat. Kinds replace the previous set when
// non-empty, so a kind-less heartbeat (a claim) keeps earlier kinds.
func (t *Tracker) WorkerSeen(id string, kinds []string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.workers[id]
	if !ok {
		e = &workerEntry{}
		t.workers[id] = e
	}
	if len(kinds) > 0 {
		e.kinds = append([]string(nil), kinds...)
	}
	e.lastSeen = t.now()
}

// ScraperSeen records a scraper heartbeat, accumulating its counters.
func (t *Tracker) ScraperSeen(id, sourceSystem string, records, pages int64) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.scrapers[id]
	if !ok {
		e = &scraperEntry{}
		t.scrapers[id] = e
	}
	if sourceSystem != "" {
		e.sourceSystem = sourceSystem
	}
	e.records += records
	e.pages += pages
	e.lastSeen = t.now()
}

// Workers returns live workers sorted by id, pruning expired entries.
func (t *Tracker) Workers() []WorkerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-WorkerTTL)

	var out []WorkerStatus
	for id, e := range t.workers {
		if e.lastSeen.Before(cutoff) {
			delete(t.workers, id)
			continue
		}
		out = append(out, WorkerStatus{ID: id, Kinds: append([]string(nil), e.kinds...), LastSeen: e.lastSeen})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Scrapers returns live scrapers sorted by id, pruning expired entries.
func (t *Tracker) Scrapers() []ScraperStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-ScraperTTL)

	var out []ScraperStatus
	for id, e := range t.scrapers {
		if e.lastSeen.Before(cutoff) {
			delete(t.scrapers, id)
			continue
		}
		out = append(out, ScraperStatus{
			ID: id, SourceSystem: e.sourceSystem,
			Records: e.records, Pages: e.pages, LastSeen: e.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AliveByKind counts live workers per job kind.
func (t *Tracker) AliveByKind() map[string]int {
	counts := make(map[string]int)
	for _, w := range t.Workers() {
		for _, k := range w.Kinds {
			counts[k]++
		}
	}
	return counts
}
