package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertPage creates or replaces the page at (recordID, seq). Re-uploads
// keep the page id stable and overwrite metadata, matching the re-upload
// semantics of the ingest surface.
func (s *Store) UpsertPage(ctx context.Context, p *Page) (*Page, error) {
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (record_id, seq, attachment_id, label, width, height, source_url, created_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (record_id, seq) DO UPDATE SET
			attachment_id = excluded.attachment_id,
			label         = excluded.label,
			width         = excluded.width,
			height        = excluded.height,
			source_url    = excluded.source_url`,
		p.RecordID, p.Seq, p.AttachmentID, p.Label, p.Width, p.Height, p.SourceURL, ts)
	if err != nil {
		return nil, fmt.Errorf("store: upsert page: %w", err)
	}
	return s.PageBySeq(ctx, p.RecordID, p.Seq)
}

const pageCols = `id, record_id, seq, attachment_id, label, width, height, source_url, created_at`

func scanPage(row interface{ Scan(...any) error }) (*Page, error) {
	var p Page
	var created int64
	err := row.Scan(&p.ID, &p.RecordID, &p.Seq, &p.AttachmentID, &p.Label,
		&p.Width, &p.Height, &p.SourceURL, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = fromMS(created)
	return &p, nil
}

// Page fetches one page by id.
func (s *Store) Page(ctx context.Context, id int64) (*Page, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pageCols+` FROM pages WHERE id = ?`, id)
	return scanPage(row)
}

// PageBySeq fetches the page at a 1-based ordinal within a record.
func (s *Store) PageBySeq(ctx context.Context, recordID int64, seq int) (*Page, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pageCols+` FROM pages WHERE record_id = ? AND seq = ?`, recordID, seq)
	return scanPage(row)
}

// ListPages returns all pages of a record in seq order.
func (s *Store) ListPages(ctx context.Context, recordID int64) ([]*Page, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pageCols+` FROM pages WHERE record_id = ? ORDER BY seq`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if out == nil {
		out = []*Page{}
	}
	return out, rows.Err()
}

// PagesMissingText returns the pages of a record that have no page_text row
// yet — the ones still waiting for OCR.
func (s *Store) PagesMissingText(ctx context.Context, recordID int64) ([]*Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pageCols+` FROM pages p
		WHERE p.record_id = ?
		  AND NOT EXISTS (SELECT 1 FROM page_texts pt WHERE pt.page_id = p.id)
		ORDER BY p.seq`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPagesMissingText is the OCR-completion probe: zero means every page
// of the record is OCR-complete.
func (s *Store) CountPagesMissingText(ctx context.Context, recordID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pages p
		WHERE p.record_id = ?
		  AND NOT EXISTS (SELECT 1 FROM page_texts pt WHERE pt.page_id = p.id)`,
		recordID).Scan(&n)
	return n, err
}
