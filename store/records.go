// CLAUDE:SUMMARY Record CRUD — natural-key upsert with field-level merge, listing/search, counters, and the pdf back-pointer.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// RecordInput carries the scraper-supplied fields for an upsert. Empty
// strings mean "leave as is" on update.
type RecordInput struct {
	ArchiveID      int64
	SourceSystem   string
	SourceRecordID string
	Title          string
	Description    string
	DateRange      string
	Lang           string
	MetadataLang   string
}

// UpsertRecord creates or merges a record by (source_system,
// source_record_id). On create the status is set to ingesting. On update
// only non-empty fields overwrite; status is never touched.
// Returns the record and whether it was created.
func (s *Store) UpsertRecord(ctx context.Context, in RecordInput) (*Record, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	ts := now()
	var existing int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM records WHERE source_system = ? AND source_record_id = ?`,
		in.SourceSystem, in.SourceRecordID).Scan(&existing)

	created := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (archive_id, source_system, source_record_id, title, description, date_range, lang, metadata_lang, status, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			in.ArchiveID, in.SourceSystem, in.SourceRecordID, in.Title, in.Description,
			in.DateRange, in.Lang, in.MetadataLang, StatusIngesting, ts, ts)
		if err != nil {
			return nil, false, fmt.Errorf("store: insert record: %w", err)
		}
		created = true
	case err != nil:
		return nil, false, err
	default:
		// Field-level merge: empty inputs keep the stored value. Status is
		// deliberately not part of the update — upserts never demote.
		_, err = tx.ExecContext(ctx, `
			UPDATE records SET
				archive_id    = CASE WHEN ? > 0 THEN ? ELSE archive_id END,
				title         = COALESCE(NULLIF(?, ''), title),
				description   = COALESCE(NULLIF(?, ''), description),
				date_range    = COALESCE(NULLIF(?, ''), date_range),
				lang          = COALESCE(NULLIF(?, ''), lang),
				metadata_lang = COALESCE(NULLIF(?, ''), metadata_lang),
				updated_at    = ?
			WHERE id = ?`,
			in.ArchiveID, in.ArchiveID, in.Title, in.Description, in.DateRange,
			in.Lang, in.MetadataLang, ts, existing)
		if err != nil {
			return nil, false, fmt.Errorf("store: merge record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	rec, err := s.RecordBySource(ctx, in.SourceSystem, in.SourceRecordID)
	if err != nil {
		return nil, false, err
	}
	return rec, created, nil
}

const recordCols = `id, archive_id, source_system, source_record_id, title, description, date_range,
	lang, metadata_lang, status, page_count, attachment_count, pdf_attachment_id, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var r Record
	var pdfID sql.NullInt64
	var created, updated int64
	err := row.Scan(&r.ID, &r.ArchiveID, &r.SourceSystem, &r.SourceRecordID, &r.Title,
		&r.Description, &r.DateRange, &r.Lang, &r.MetadataLang, &r.Status,
		&r.PageCount, &r.AttachmentCount, &pdfID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if pdfID.Valid {
		r.PDFAttachmentID = &pdfID.Int64
	}
	r.CreatedAt = fromMS(created)
	r.UpdatedAt = fromMS(updated)
	return &r, nil
}

// Record fetches one record by id.
func (s *Store) Record(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordCols+` FROM records WHERE id = ?`, id)
	return scanRecord(row)
}

// RecordBySource fetches one record by its natural key.
func (s *Store) RecordBySource(ctx context.Context, system, sourceID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordCols+` FROM records WHERE source_system = ? AND source_record_id = ?`,
		system, sourceID)
	return scanRecord(row)
}

// ListOptions filters and pages record listings.
type ListOptions struct {
	Status    Status
	ArchiveID int64
	Sort      string // created_at (default), updated_at, title
	Desc      bool
	Limit     int
	Offset    int
}

// ListRecords returns a page of records plus the total matching count.
func (s *Store) ListRecords(ctx context.Context, opts ListOptions) ([]*Record, int, error) {
	var where []string
	var args []any
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opts.Status)
	}
	if opts.ArchiveID > 0 {
		where = append(where, "archive_id = ?")
		args = append(args, opts.ArchiveID)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sort := "created_at"
	switch opts.Sort {
	case "updated_at", "title":
		sort = opts.Sort
	}
	dir := "ASC"
	if opts.Desc {
		dir = "DESC"
	}
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	q := fmt.Sprintf(`SELECT %s FROM records%s ORDER BY %s %s, id %s LIMIT ? OFFSET ?`,
		recordCols, cond, sort, dir, dir)
	rows, err := s.db.QueryContext(ctx, q, append(args, limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	if out == nil {
		out = []*Record{}
	}
	return out, total, rows.Err()
}

// SearchRecords runs a keyword search over title, description and OCR text.
func (s *Store) SearchRecords(ctx context.Context, query string, archiveID int64, limit int) ([]*Record, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	like := "%" + query + "%"
	cond := `WHERE (r.title LIKE ? OR r.description LIKE ? OR EXISTS (
			SELECT 1 FROM pages p JOIN page_texts pt ON pt.page_id = p.id
			WHERE p.record_id = r.id AND pt.text_raw LIKE ?))`
	args := []any{like, like, like}
	if archiveID > 0 {
		cond += ` AND r.archive_id = ?`
		args = append(args, archiveID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records r `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prefixCols("r.", recordCols)+` FROM records r `+cond+` ORDER BY r.updated_at DESC LIMIT ?`,
		append(args, limit)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	if out == nil {
		out = []*Record{}
	}
	return out, total, rows.Err()
}

func prefixCols(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// RecomputePageCount sets records.page_count to the actual COUNT of pages.
// Kept as a single statement so the invariant holds at the commit boundary.
func (s *Store) RecomputePageCount(ctx context.Context, recordID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE records SET
			page_count = (SELECT COUNT(*) FROM pages WHERE record_id = records.id),
			updated_at = ?
		WHERE id = ?`, now(), recordID)
	return err
}

// BumpAttachmentCount recomputes attachment_count from the attachments table.
func (s *Store) BumpAttachmentCount(ctx context.Context, recordID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE records SET
			attachment_count = (SELECT COUNT(*) FROM attachments WHERE record_id = records.id),
			updated_at = ?
		WHERE id = ?`, now(), recordID)
	return err
}

// SetPDFAttachment points the record at its (original or searchable) PDF.
func (s *Store) SetPDFAttachment(ctx context.Context, recordID int64, attachmentID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE records SET pdf_attachment_id = ?, updated_at = ? WHERE id = ?`,
		attachmentID, now(), recordID)
	return err
}

// ClearPDFAttachment nulls the pdf back-pointer. Must run before deleting a
// record or its pdf attachment — the reference is circular.
func (s *Store) ClearPDFAttachment(ctx context.Context, recordID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE records SET pdf_attachment_id = NULL, updated_at = ? WHERE id = ?`,
		now(), recordID)
	return err
}

// ResetForRepair puts a record back into ingesting and clears the pdf
// back-pointer. Pages and their texts are kept. Complete is terminal:
// repairing a complete record is a silent skip, callers check existence
// separately.
func (s *Store) ResetForRepair(ctx context.Context, recordID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE records SET status = ?, pdf_attachment_id = NULL, updated_at = ?
		 WHERE id = ? AND status != ?`,
		StatusIngesting, now(), recordID, StatusComplete)
	return err
}

// DeleteRecord removes a record and everything cascading from it. The pdf
// back-pointer is nulled first to break the record↔attachment cycle.
func (s *Store) DeleteRecord(ctx context.Context, recordID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET pdf_attachment_id = NULL WHERE id = ?`, recordID); err != nil {
		return fmt.Errorf("store: clear pdf pointer: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, recordID)
	if err != nil {
		return fmt.Errorf("store: delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// RecordsInStatus returns ids of records in the given status, optionally
// only those not updated since the cutoff (cutoffMS > 0).
func (s *Store) RecordsInStatus(ctx context.Context, status Status, cutoffMS int64) ([]int64, error) {
	q := `SELECT id FROM records WHERE status = ?`
	args := []any{status}
	if cutoffMS > 0 {
		q += ` AND updated_at < ?`
		args = append(args, cutoffMS)
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
