package presence_test

import (
	"testing"
	"time"

	"github.com/hazyhaar/archon/presence"
)

func TestWorkerTTLExpiry(t *testing.T) {
	tr := presence.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.SetClock(func() time.Time { return now })

	tr.WorkerSeen("w1", []string{"ocr_page"})
	tr.WorkerSeen("w2", []string{"translate_page"})

	if got := len(tr.Workers()); got != 2 {
		t.Fatalf("workers = %d, want 2", got)
	}

	now = now.Add(presence.WorkerTTL + time.Second)
	tr.WorkerSeen("w2", nil)

	ws := tr.Workers()
	if len(ws) != 1 || ws[0].ID != "w2" {
		t.Errorf("workers after expiry = %+v, want only w2", ws)
	}
	// w2's heartbeat without kinds kept the earlier kind set.
	if len(ws) == 1 && (len(ws[0].Kinds) != 1 || ws[0].Kinds[0] != "translate_page") {
		t.Errorf("w2 kinds = %v", ws[0].Kinds)
	}
}

func TestAliveByKind(t *testing.T) {
	tr := presence.New()
	tr.WorkerSeen("w1", []string{"ocr_page"})
	tr.WorkerSeen("w2", []string{"ocr_page", "translate_page"})
	tr.WorkerSeen("w3", []string{"translate_record"})

	counts := tr.AliveByKind()
	if counts["ocr_page"] != 2 {
		t.Errorf("ocr_page = %d, want 2", counts["ocr_page"])
	}
	if counts["translate_page"] != 1 {
		t.Errorf("translate_page = %d, want 1", counts["translate_page"])
	}
	if counts["translate_record"] != 1 {
		t.Errorf("translate_record = %d, want 1", counts["translate_record"])
	}
}

func TestScraperCountersAccumulate(t *testing.T) {
	tr := presence.New()
	tr.ScraperSeen("s1", "kalliope", 10, 120)
	tr.ScraperSeen("s1", "", 5, 60)

	ss := tr.Scrapers()
	if len(ss) != 1 {
		t.Fatalf("scrapers = %d, want 1", len(ss))
	}
	s := ss[0]
	if s.SourceSystem != "kalliope" {
		t.Errorf("source_system = %q", s.SourceSystem)
	}
	if s.Records != 15 || s.Pages != 180 {
		t.Errorf("counters = %d/%d, want 15/180", s.Records, s.Pages)
	}
}

func TestScraperTTLExpiry(t *testing.T) {
	tr := presence.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.SetClock(func() time.Time { return now })

	tr.ScraperSeen("s1", "kalliope", 1, 1)
	now = now.Add(presence.ScraperTTL + time.Second)

	if got := len(tr.Scrapers()); got != 0 {
		t.Errorf("scrapers after TTL = %d, want 0", got)
	}
}

func TestEmptyIDIgnored(t *testing.T) {
	tr := presence.New()
	tr.WorkerSeen("", []string{"ocr_page"})
	tr.ScraperSeen("", "x", 1, 1)
	if len(tr.Workers()) != 0 || len(tr.Scrapers()) != 0 {
		t.Error("empty ids should not register")
	}
}
