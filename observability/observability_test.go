package observability

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInit_CreatesTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"process_heartbeats", "ops_events"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
}

func TestHeartbeatWriter_WriteAndLatest(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "archon", time.Minute, discard())

	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatalf("WriteHeartbeat: %v", err)
	}

	hs, err := LatestHeartbeat(context.Background(), db, "archon", time.Minute)
	if err != nil {
		t.Fatalf("LatestHeartbeat: %v", err)
	}
	if hs == nil {
		t.Fatal("expected a heartbeat, got nil")
	}
	if !hs.Alive {
		t.Error("fresh heartbeat should be alive")
	}
	if hs.Goroutines <= 0 {
		t.Errorf("goroutines = %d, want > 0", hs.Goroutines)
	}
	if hs.ProcessName != "archon" {
		t.Errorf("process = %q, want archon", hs.ProcessName)
	}
}

func TestLatestHeartbeat_NoneRecorded(t *testing.T) {
	db := setupObsDB(t)
	hs, err := LatestHeartbeat(context.Background(), db, "ghost", time.Minute)
	if err != nil {
		t.Fatalf("LatestHeartbeat: %v", err)
	}
	if hs != nil {
		t.Fatalf("expected nil status, got %+v", hs)
	}
}

func TestLatestHeartbeat_Stale(t *testing.T) {
	db := setupObsDB(t)
	old := time.Now().Add(-time.Hour).Unix()
	_, err := db.Exec(`
		INSERT INTO process_heartbeats (process_name, hostname, pid, timestamp, goroutines, memory_alloc_mb, memory_sys_mb, gc_count)
		VALUES ('archon', 'host1', 1, ?, 5, 1.0, 2.0, 0)`, old)
	if err != nil {
		t.Fatal(err)
	}

	hs, err := LatestHeartbeat(context.Background(), db, "archon", time.Minute)
	if err != nil {
		t.Fatalf("LatestHeartbeat: %v", err)
	}
	if hs.Alive {
		t.Error("hour-old heartbeat should be stale")
	}
	if hs.StaleSince == nil || *hs.StaleSince <= 0 {
		t.Errorf("stale_since = %v, want positive", hs.StaleSince)
	}
}

func TestHeartbeatWriter_StartStop(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "archon", time.Hour, discard())

	hw.Start(context.Background())
	hw.Stop()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM process_heartbeats WHERE process_name = 'archon'").Scan(&count)
	if count != 1 {
		t.Errorf("heartbeat rows = %d, want 1 (immediate write)", count)
	}
}

func TestEventLogger_LogAndRecent(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLogger(db, discard())
	ctx := context.Background()

	el.LogEvent(ctx, OpsEvent{Type: "audit_sweep", Service: "audit", Action: "sweep", Detail: `{"total":3}`, Success: true})
	el.LogEvent(ctx, OpsEvent{Type: "repair", Service: "ingest", RecordID: 42, Action: "requeue", Success: false})

	events, err := el.RecentEvents(ctx, "repair", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("repair events = %d, want 1", len(events))
	}
	if events[0].RecordID != 42 || events[0].Success {
		t.Errorf("unexpected event: %+v", events[0])
	}

	all, err := el.RecentEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentEvents all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all events = %d, want 2", len(all))
	}
}

func TestCleanup_DeletesOldRows(t *testing.T) {
	db := setupObsDB(t)
	old := time.Now().AddDate(0, 0, -30).Unix()
	db.Exec(`INSERT INTO ops_events (event_id, event_type, service, action, created_at)
		VALUES ('evt_old', 'audit_sweep', 'audit', 'sweep', ?)`, old)
	db.Exec(`INSERT INTO ops_events (event_id, event_type, service, action)
		VALUES ('evt_new', 'audit_sweep', 'audit', 'sweep')`)
	db.Exec(`INSERT INTO process_heartbeats (process_name, hostname, pid, timestamp)
		VALUES ('archon', 'h', 1, ?)`, old)

	err := Cleanup(context.Background(), db, RetentionConfig{EventsDays: 7, HeartbeatsDays: 7})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	var events, beats int
	db.QueryRow("SELECT COUNT(*) FROM ops_events").Scan(&events)
	db.QueryRow("SELECT COUNT(*) FROM process_heartbeats").Scan(&beats)
	if events != 1 {
		t.Errorf("ops_events = %d, want 1", events)
	}
	if beats != 0 {
		t.Errorf("process_heartbeats = %d, want 0", beats)
	}
}
