package hub_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/hazyhaar/archon/hub"
)

func newHub() *hub.Hub {
	return hub.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestWakeWorkersRoutesByKind(t *testing.T) {
	h := newHub()
	ocrCh, ocrCancel := h.SubscribeWorker("w-ocr", []string{"ocr_page"})
	defer ocrCancel()
	trCh, trCancel := h.SubscribeWorker("w-tr", []string{"translate_page", "translate_record"})
	defer trCancel()

	h.WakeWorkers("ocr_page")

	select {
	case ev := <-ocrCh:
		if ev.Name != "job" {
			t.Errorf("event name = %q, want job", ev.Name)
		}
		if je, ok := ev.Data.(hub.JobEvent); !ok || je.Kind != "ocr_page" {
			t.Errorf("payload = %#v", ev.Data)
		}
	default:
		t.Fatal("ocr worker got no wake-up")
	}
	select {
	case ev := <-trCh:
		t.Errorf("translation worker woken for ocr kind: %#v", ev)
	default:
	}
}

func TestWorkerSupersession(t *testing.T) {
	h := newHub()
	first, _ := h.SubscribeWorker("w1", []string{"ocr_page"})
	second, cancel := h.SubscribeWorker("w1", []string{"ocr_page"})
	defer cancel()

	if _, open := <-first; open {
		t.Error("first stream should be closed after reconnect")
	}

	h.WakeWorkers("ocr_page")
	select {
	case <-second:
	default:
		t.Error("second stream got no wake-up")
	}

	if w, _ := h.Counts(); w != 1 {
		t.Errorf("worker count = %d, want 1", w)
	}
}

func TestCancelIsIdempotentAcrossSupersession(t *testing.T) {
	h := newHub()
	_, cancelFirst := h.SubscribeWorker("w1", []string{"ocr_page"})
	_, cancelSecond := h.SubscribeWorker("w1", []string{"ocr_page"})

	// The first cancel runs after supersession; it must not tear down
	// the live replacement stream.
	cancelFirst()
	if w, _ := h.Counts(); w != 1 {
		t.Errorf("worker count after stale cancel = %d, want 1", w)
	}
	cancelSecond()
	if w, _ := h.Counts(); w != 0 {
		t.Errorf("worker count = %d, want 0", w)
	}
}

func TestPublishRecordReachesUIs(t *testing.T) {
	h := newHub()
	ch, cancel := h.SubscribeUI("sub-1")
	defer cancel()

	h.PublishRecord(42, "updated")

	select {
	case ev := <-ch:
		re, ok := ev.Data.(hub.RecordEvent)
		if !ok || re.ID != 42 || re.Action != "updated" {
			t.Errorf("payload = %#v", ev.Data)
		}
	default:
		t.Fatal("UI subscriber got no event")
	}
}

func TestPublishPipeline(t *testing.T) {
	h := newHub()
	ch, cancel := h.SubscribeUI("sub-1")
	defer cancel()

	h.PublishPipeline("ocr_page", "pending")

	select {
	case ev := <-ch:
		pe, ok := ev.Data.(hub.PipelineEvent)
		if !ok || pe.Action != "pipeline" || pe.Kind != "ocr_page" || pe.Status != "pending" {
			t.Errorf("payload = %#v", ev.Data)
		}
	default:
		t.Fatal("UI subscriber got no pipeline event")
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := newHub()
	ch, _ := h.SubscribeUI("slow")

	// Overflow the buffer without draining.
	for i := 0; i < 32; i++ {
		h.PublishRecord(int64(i), "updated")
	}

	// The channel must end up closed once the hub gives up on it.
	closed := false
	for !closed {
		select {
		case _, open := <-ch:
			if !open {
				closed = true
			}
		default:
			t.Fatal("subscriber neither drained nor closed")
		}
	}
	if _, uis := h.Counts(); uis != 0 {
		t.Errorf("ui count = %d, want 0", uis)
	}
}
