package audit_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/archon/audit"
	"github.com/hazyhaar/archon/blob"
	"github.com/hazyhaar/archon/dbopen"
	"github.com/hazyhaar/archon/hub"
	"github.com/hazyhaar/archon/ingest"
	"github.com/hazyhaar/archon/jobs"
	"github.com/hazyhaar/archon/store"
	_ "modernc.org/sqlite"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	st     *store.Store
	jobs   *jobs.Service
	ingest *ingest.Service
	engine *audit.Engine
}

func setup(t *testing.T, tuning audit.Tuning) *fixture {
	t.Helper()
	st := store.New(dbopen.OpenMemory(t))
	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	blobs, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := hub.New(discard())
	js := jobs.New(st, h, discard())
	ing := ingest.New(st, blobs, js, h, discard())
	return &fixture{
		st:     st,
		jobs:   js,
		ingest: ing,
		engine: audit.New(st, js, ing, tuning, discard()),
	}
}

func (f *fixture) record(t *testing.T, sourceID string, status store.Status) *store.Record {
	t.Helper()
	ctx := context.Background()
	arch, err := f.st.CreateArchive(ctx, "arch-"+sourceID, "")
	if err != nil {
		t.Fatal(err)
	}
	rec, _, err := f.st.UpsertRecord(ctx, store.RecordInput{
		ArchiveID: arch.ID, SourceSystem: "s", SourceRecordID: sourceID, Lang: "de",
	})
	if err != nil {
		t.Fatal(err)
	}
	if status != store.StatusIngesting {
		if _, err := f.st.DB().Exec(`UPDATE records SET status = ? WHERE id = ?`, status, rec.ID); err != nil {
			t.Fatal(err)
		}
	}
	got, err := f.st.Record(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func (f *fixture) pageWithText(t *testing.T, recordID int64, seq int) {
	t.Helper()
	ctx := context.Background()
	page, err := f.st.UpsertPage(ctx, &store.Page{RecordID: recordID, Seq: seq})
	if err != nil {
		t.Fatal(err)
	}
	conf := 0.9
	if _, err := f.st.InsertPageText(ctx, &store.PageText{
		PageID: page.ID, Engine: "paddleocr", Confidence: &conf, TextRaw: "text",
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.st.RecomputePageCount(ctx, recordID); err != nil {
		t.Fatal(err)
	}
}

func TestSweep_CleanSystemFixesNothing(t *testing.T) {
	f := setup(t, audit.DefaultTuning())
	res, err := f.engine.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Total() != 0 {
		t.Errorf("total = %d, want 0 on an empty system", res.Total())
	}
}

func TestSweep_ReclaimsStaleJobs(t *testing.T) {
	f := setup(t, audit.DefaultTuning())
	ctx := context.Background()
	rec := f.record(t, "inv-1", store.StatusOCRPending)

	job, err := f.st.InsertJob(ctx, "ocr_page_paddle", &rec.ID, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.st.ClaimJob(ctx, "ocr_page_paddle"); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	if _, err := f.st.DB().Exec(`UPDATE jobs SET started_at = ? WHERE id = ?`, old, job.ID); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.StaleClaimed != 1 {
		t.Errorf("stale_claimed = %d, want 1", res.StaleClaimed)
	}

	got, err := f.st.Job(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.JobPending || got.Attempts != 1 {
		t.Errorf("job = %+v, want pending with attempts preserved", got)
	}

	// The system is consistent now; a second sweep is a no-op.
	res, err = f.engine.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total() != 0 {
		t.Errorf("second sweep total = %d, want 0", res.Total())
	}
}

func TestSweep_RetriesFailedUntilCap(t *testing.T) {
	f := setup(t, audit.DefaultTuning())
	ctx := context.Background()
	rec := f.record(t, "inv-2", store.StatusTranslating)

	job, err := f.st.InsertJob(ctx, "translate_page", &rec.ID, nil, "")
	if err != nil {
		t.Fatal(err)
	}

	for round := 1; round <= 3; round++ {
		if _, err := f.st.ClaimJob(ctx, "translate_page"); err != nil {
			t.Fatal(err)
		}
		if _, err := f.st.FailJob(ctx, job.ID, "flaky model"); err != nil {
			t.Fatal(err)
		}
		res, err := f.engine.Sweep(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if round < 3 && res.FailedRetried != 1 {
			t.Fatalf("round %d: failed_retried = %d, want 1", round, res.FailedRetried)
		}
		if round == 3 && res.FailedRetried != 0 {
			t.Fatalf("job retried past the attempt cap")
		}
	}

	got, err := f.st.Job(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.JobFailed {
		t.Errorf("status = %s, want permanently failed", got.Status)
	}
}

func TestSweep_CompletesStuckIngest(t *testing.T) {
	f := setup(t, audit.DefaultTuning())
	ctx := context.Background()
	rec := f.record(t, "inv-3", store.StatusIngesting)
	f.pageWithText(t, rec.ID, 1)

	// Idle past the stuck-ingest threshold.
	old := time.Now().Add(-time.Hour).UnixMilli()
	if _, err := f.st.DB().Exec(`UPDATE records SET updated_at = ? WHERE id = ?`, old, rec.ID); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.StuckIngesting != 1 {
		t.Errorf("stuck_ingesting = %d, want 1", res.StuckIngesting)
	}

	got, err := f.st.Record(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	// All pages already have text, so the repaired ingest fans straight out.
	if got.Status != store.StatusPDFPending {
		t.Errorf("status = %s, want pdf_pending", got.Status)
	}
}

func TestSweep_IgnoresFreshOrPartialIngest(t *testing.T) {
	f := setup(t, audit.DefaultTuning())
	ctx := context.Background()

	// Fresh record: inside the idle window.
	fresh := f.record(t, "inv-4", store.StatusIngesting)
	f.pageWithText(t, fresh.ID, 1)

	// Stale but incomplete: pages uploaded < page_count.
	partial := f.record(t, "inv-5", store.StatusIngesting)
	if _, err := f.st.UpsertPage(ctx, &store.Page{RecordID: partial.ID, Seq: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.st.DB().Exec(`UPDATE records SET page_count = 3, updated_at = ? WHERE id = ?`,
		time.Now().Add(-time.Hour).UnixMilli(), partial.ID); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.StuckIngesting != 0 {
		t.Errorf("stuck_ingesting = %d, want 0", res.StuckIngesting)
	}
}

func TestSweep_RefiresOrphanedFanOut(t *testing.T) {
	f := setup(t, audit.DefaultTuning())
	ctx := context.Background()
	rec := f.record(t, "inv-6", store.StatusOCRDone)
	f.pageWithText(t, rec.ID, 1)

	res, err := f.engine.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.OrphanedOCRDone != 1 {
		t.Errorf("orphaned_ocr_done = %d, want 1", res.OrphanedOCRDone)
	}
	n, err := f.st.CountJobs(ctx, rec.ID, jobs.KindBuildSearchablePDF, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pdf build jobs = %d, want 1", n)
	}
	got, _ := f.st.Record(ctx, rec.ID)
	if got.Status != store.StatusPDFPending {
		t.Errorf("status = %s, want pdf_pending", got.Status)
	}
}

func TestSweep_RerunsPDFCompletion(t *testing.T) {
	f := setup(t, audit.DefaultTuning())
	ctx := context.Background()
	rec := f.record(t, "inv-7", store.StatusPDFPending)

	// The build job completed and the artifact landed, but the hook never ran.
	job, err := f.st.InsertJob(ctx, jobs.KindBuildSearchablePDF, &rec.ID, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.st.ClaimJob(ctx, jobs.KindBuildSearchablePDF); err != nil {
		t.Fatal(err)
	}
	if _, err := f.st.CompleteJob(ctx, job.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.st.CreateAttachment(ctx, &store.Attachment{
		RecordID: rec.ID, Role: store.RoleSearchablePDF,
		Path: "p", SHA256: "ab", Mime: "application/pdf", SizeBytes: 1,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.StuckPDFPending != 1 {
		t.Errorf("stuck_pdf_pending = %d, want 1", res.StuckPDFPending)
	}
	got, _ := f.st.Record(ctx, rec.ID)
	// No translate jobs exist, so the record lands in complete.
	if got.Status != store.StatusComplete {
		t.Errorf("status = %s, want complete", got.Status)
	}
	if got.PDFAttachmentID == nil {
		t.Error("pdf pointer not wired")
	}
}

func TestSweep_ClosesStuckTranslating(t *testing.T) {
	f := setup(t, audit.DefaultTuning())
	ctx := context.Background()

	stuck := f.record(t, "inv-8", store.StatusTranslating)
	job, err := f.st.InsertJob(ctx, jobs.KindTranslatePage, &stuck.ID, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.st.ClaimJob(ctx, jobs.KindTranslatePage); err != nil {
		t.Fatal(err)
	}
	if _, err := f.st.CompleteJob(ctx, job.ID, ""); err != nil {
		t.Fatal(err)
	}

	open := f.record(t, "inv-9", store.StatusTranslating)
	if _, err := f.st.InsertJob(ctx, jobs.KindTranslatePage, &open.ID, nil, ""); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.StuckTranslating != 1 {
		t.Errorf("stuck_translating = %d, want 1", res.StuckTranslating)
	}
	gotStuck, _ := f.st.Record(ctx, stuck.ID)
	gotOpen, _ := f.st.Record(ctx, open.ID)
	if gotStuck.Status != store.StatusComplete {
		t.Errorf("settled record status = %s, want complete", gotStuck.Status)
	}
	if gotOpen.Status != store.StatusTranslating {
		t.Errorf("open record status = %s, must stay translating", gotOpen.Status)
	}
}

func TestSweep_BackfillsTranslationEvents(t *testing.T) {
	f := setup(t, audit.DefaultTuning())
	ctx := context.Background()
	rec := f.record(t, "inv-10", store.StatusComplete)

	res, err := f.engine.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.EventsBackfilled != 1 {
		t.Errorf("events_backfilled = %d, want 1", res.EventsBackfilled)
	}
	has, err := f.st.HasEvent(ctx, rec.ID, store.StageTranslation, store.EventCompleted)
	if err != nil || !has {
		t.Errorf("translation completed event missing (has=%v err=%v)", has, err)
	}

	res, err = f.engine.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.EventsBackfilled != 0 {
		t.Errorf("second sweep backfilled again")
	}
}

func TestLoadTuning(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		got, err := audit.LoadTuning(filepath.Join(t.TempDir(), "nope.yaml"))
		if err != nil {
			t.Fatal(err)
		}
		if got.MaxAttempts != 3 || got.StaleClaimedDefault != time.Hour {
			t.Errorf("tuning = %+v", got)
		}
	})

	t.Run("overrides parse", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tuning.yaml")
		content := "stale_claimed_default: 2h\nmax_attempts: 5\nstale_claimed_by_kind:\n  build_searchable_pdf: 4h\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		got, err := audit.LoadTuning(path)
		if err != nil {
			t.Fatal(err)
		}
		if got.StaleClaimedDefault != 2*time.Hour || got.MaxAttempts != 5 {
			t.Errorf("tuning = %+v", got)
		}
		if got.StaleClaimedByKind["build_searchable_pdf"] != 4*time.Hour {
			t.Errorf("by_kind = %v", got.StaleClaimedByKind)
		}
		// Defaults survive for fields the file omits.
		if got.Interval != 30*time.Minute {
			t.Errorf("interval = %v, want default", got.Interval)
		}
	})

	t.Run("malformed file errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		if err := os.WriteFile(path, []byte("max_attempts: {nope"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := audit.LoadTuning(path); err == nil {
			t.Error("malformed yaml accepted")
		}
	})

	t.Run("non-positive threshold errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "zero.yaml")
		if err := os.WriteFile(path, []byte("max_attempts: 0"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := audit.LoadTuning(path); err == nil {
			t.Error("zero max_attempts accepted")
		}
	})
}

// Metadata-only records rest at ocr_done by design; the sweep must not
// treat them as orphaned fan-outs.
func TestSweep_LeavesMetadataOnlyAtOCRDone(t *testing.T) {
	f := setup(t, audit.DefaultTuning())
	ctx := context.Background()
	rec := f.record(t, "inv-meta", store.StatusOCRDone)

	res, err := f.engine.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.OrphanedOCRDone != 0 {
		t.Errorf("orphaned_ocr_done = %d, want 0 for a zero-page record", res.OrphanedOCRDone)
	}
	if n, _ := f.st.CountJobs(ctx, rec.ID, "%", ""); n != 0 {
		t.Errorf("jobs = %d, want none", n)
	}
	got, _ := f.st.Record(ctx, rec.ID)
	if got.Status != store.StatusOCRDone {
		t.Errorf("status = %s, want ocr_done", got.Status)
	}
}
