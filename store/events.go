package store

import "context"

// AppendEvent writes one row to the append-only pipeline event log.
func (s *Store) AppendEvent(ctx context.Context, recordID int64, stage, event, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_events (record_id, stage, event, detail, created_at)
		VALUES (?,?,?,?,?)`, recordID, stage, event, detail, now())
	return err
}

// HasEvent reports whether the record already carries a (stage, event) row.
// Used by the audit engine to backfill missing completion events exactly once.
func (s *Store) HasEvent(ctx context.Context, recordID int64, stage, event string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pipeline_events
		WHERE record_id = ? AND stage = ? AND event = ?`,
		recordID, stage, event).Scan(&n)
	return n > 0, err
}

// ListEvents returns a record's pipeline history, oldest first.
func (s *Store) ListEvents(ctx context.Context, recordID int64) ([]*PipelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_id, stage, event, detail, created_at
		FROM pipeline_events WHERE record_id = ? ORDER BY created_at, id`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var created int64
		if err := rows.Scan(&e.ID, &e.RecordID, &e.Stage, &e.Event, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMS(created)
		out = append(out, &e)
	}
	if out == nil {
		out = []*PipelineEvent{}
	}
	return out, rows.Err()
}
