package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertPageText appends an OCR (or embedded-text) result for a page.
// Multiple rows per page are allowed; BestPageText picks among them.
func (s *Store) InsertPageText(ctx context.Context, t *PageText) (*PageText, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO page_texts (page_id, engine, confidence, text_raw, text_en, hocr, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		t.PageID, t.Engine, t.Confidence, t.TextRaw, t.TextEN, t.HOCR, now())
	if err != nil {
		return nil, fmt.Errorf("store: insert page text: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.pageText(ctx, id)
}

const pageTextCols = `id, page_id, engine, confidence, text_raw, text_en, hocr, created_at`

func scanPageText(row interface{ Scan(...any) error }) (*PageText, error) {
	var t PageText
	var conf sql.NullFloat64
	var created int64
	err := row.Scan(&t.ID, &t.PageID, &t.Engine, &conf, &t.TextRaw, &t.TextEN, &t.HOCR, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if conf.Valid {
		t.Confidence = &conf.Float64
	}
	t.CreatedAt = fromMS(created)
	return &t, nil
}

func (s *Store) pageText(ctx context.Context, id int64) (*PageText, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pageTextCols+` FROM page_texts WHERE id = ?`, id)
	return scanPageText(row)
}

// BestPageText returns the highest-confidence text for a page; NULL
// confidence ranks lowest. ErrNotFound when the page has no text yet.
func (s *Store) BestPageText(ctx context.Context, pageID int64) (*PageText, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pageTextCols+` FROM page_texts
		WHERE page_id = ?
		ORDER BY confidence IS NULL, confidence DESC, id DESC LIMIT 1`, pageID)
	return scanPageText(row)
}

// SetPageTextTranslation stores the English translation on the best text row
// of a page.
func (s *Store) SetPageTextTranslation(ctx context.Context, pageTextID int64, textEN string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE page_texts SET text_en = ? WHERE id = ?`, textEN, pageTextID)
	return err
}
