package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/archon/idgen"
)

// OpsEvent is an operational event worth keeping beyond the log stream:
// audit sweep results, repair actions, ingest anomalies.
type OpsEvent struct {
	Type     string
	Service  string
	RecordID int64 // 0 when the event is not tied to a record
	Action   string
	Detail   string // optional JSON
	Success  bool
}

// EventLogger writes operational events to the observability database.
type EventLogger struct {
	db    *sql.DB
	log   *slog.Logger
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the observability database.
func NewEventLogger(db *sql.DB, logger *slog.Logger, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		log:   logger,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records an event. Best effort: a failing observability store is
// reported via slog but never propagates to the caller.
func (l *EventLogger) LogEvent(ctx context.Context, ev OpsEvent) {
	var recordID any
	if ev.RecordID != 0 {
		recordID = ev.RecordID
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ops_events (
			event_id, event_type, service, record_id, action, detail, success, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		l.newID(), ev.Type, ev.Service, recordID, ev.Action, ev.Detail, ev.Success, time.Now().Unix())
	if err != nil {
		l.log.Error("ops event write failed", "error", err, "event_type", ev.Type)
	}
}

// RecentEvents returns the newest events of the given type, most recent first.
// Empty eventType matches all types.
func (l *EventLogger) RecentEvents(ctx context.Context, eventType string, limit int) ([]OpsEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, service, COALESCE(record_id, 0), action, COALESCE(detail, ''), success
		FROM ops_events
		WHERE (? = '' OR event_type = ?)
		ORDER BY created_at DESC LIMIT ?`, eventType, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("query ops events: %w", err)
	}
	defer rows.Close()

	var out []OpsEvent
	for rows.Next() {
		var ev OpsEvent
		if err := rows.Scan(&ev.Type, &ev.Service, &ev.RecordID, &ev.Action, &ev.Detail, &ev.Success); err != nil {
			return nil, fmt.Errorf("scan ops event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RetentionConfig specifies per-table retention in days. Zero disables
// cleanup for that table.
type RetentionConfig struct {
	EventsDays     int
	HeartbeatsDays int
}

// Cleanup deletes rows older than the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()
	if cfg.EventsDays > 0 {
		cutoff := now - int64(cfg.EventsDays)*86400
		if _, err := db.ExecContext(ctx, "DELETE FROM ops_events WHERE created_at < ?", cutoff); err != nil {
			return fmt.Errorf("cleanup ops_events: %w", err)
		}
	}
	if cfg.HeartbeatsDays > 0 {
		cutoff := now - int64(cfg.HeartbeatsDays)*86400
		if _, err := db.ExecContext(ctx, "DELETE FROM process_heartbeats WHERE timestamp < ?", cutoff); err != nil {
			return fmt.Errorf("cleanup process_heartbeats: %w", err)
		}
	}
	return nil
}
