package observability

import "database/sql"

// Schema is the DDL for the observability tables. They live in their own
// database file so retention sweeps and VACUUM never contend with the
// catalog store.
const Schema = `
CREATE TABLE IF NOT EXISTS process_heartbeats (
    heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    process_name TEXT NOT NULL,
    hostname TEXT NOT NULL,
    pid INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    goroutines INTEGER,
    memory_alloc_mb REAL,
    memory_sys_mb REAL,
    gc_count INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_process_time
    ON process_heartbeats(process_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS ops_events (
    event_id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    service TEXT NOT NULL,
    record_id INTEGER,
    action TEXT NOT NULL,
    detail TEXT,
    success INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_ops_events_type
    ON ops_events(event_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_ops_events_service
    ON ops_events(service, created_at DESC);
`

// Init applies the observability schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
