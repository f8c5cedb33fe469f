package store

import "context"

// Entity is one extracted named-entity hit on a page (a person, place or
// date found by an extraction worker). Downstream matching features read
// these; the core only stores them.
type Entity struct {
	ID         int64    `json:"id"`
	PageID     int64    `json:"page_id"`
	Kind       string   `json:"kind"`
	Value      string   `json:"value"`
	Confidence *float64 `json:"confidence"`
}

// ReplaceEntities swaps a page's entity hits for a fresh set in one
// transaction, so re-running extraction never duplicates.
func (s *Store) ReplaceEntities(ctx context.Context, pageID int64, hits []Entity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE page_id = ?`, pageID); err != nil {
		return err
	}
	for _, h := range hits {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entities (page_id, kind, value, confidence, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			pageID, h.Kind, h.Value, h.Confidence, now()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListEntities returns a page's entity hits in insertion order.
func (s *Store) ListEntities(ctx context.Context, pageID int64) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, page_id, kind, value, confidence FROM entities
		WHERE page_id = ? ORDER BY id`, pageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Entity{}
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.PageID, &e.Kind, &e.Value, &e.Confidence); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
