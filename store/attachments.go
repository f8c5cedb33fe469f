package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateAttachment inserts a blob reference and refreshes the record's
// attachment counter.
func (s *Store) CreateAttachment(ctx context.Context, a *Attachment) (*Attachment, error) {
	ts := now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (record_id, role, path, sha256, mime, size_bytes, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		a.RecordID, a.Role, a.Path, a.SHA256, a.Mime, a.SizeBytes, ts)
	if err != nil {
		return nil, fmt.Errorf("store: create attachment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := s.BumpAttachmentCount(ctx, a.RecordID); err != nil {
		return nil, err
	}
	return s.Attachment(ctx, id)
}

const attachmentCols = `id, record_id, role, path, sha256, mime, size_bytes, created_at`

func scanAttachment(row interface{ Scan(...any) error }) (*Attachment, error) {
	var a Attachment
	var created int64
	err := row.Scan(&a.ID, &a.RecordID, &a.Role, &a.Path, &a.SHA256, &a.Mime, &a.SizeBytes, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = fromMS(created)
	return &a, nil
}

// Attachment fetches one attachment by id.
func (s *Store) Attachment(ctx context.Context, id int64) (*Attachment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attachmentCols+` FROM attachments WHERE id = ?`, id)
	return scanAttachment(row)
}

// LatestAttachmentByRole returns the most recent attachment of a role for a
// record, or ErrNotFound.
func (s *Store) LatestAttachmentByRole(ctx context.Context, recordID int64, role string) (*Attachment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+attachmentCols+` FROM attachments
		WHERE record_id = ? AND role = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, recordID, role)
	return scanAttachment(row)
}

// AttachmentByPath looks an attachment up by its blob path within a record,
// so re-uploads can reuse the existing row instead of accumulating
// duplicates.
func (s *Store) AttachmentByPath(ctx context.Context, recordID int64, path string) (*Attachment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+attachmentCols+` FROM attachments
		WHERE record_id = ? AND path = ? LIMIT 1`, recordID, path)
	return scanAttachment(row)
}

// UpdateAttachmentBlob overwrites hash/mime/size after a re-upload to the
// same deterministic path.
func (s *Store) UpdateAttachmentBlob(ctx context.Context, id int64, sha256, mime string, size int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET sha256 = ?, mime = ?, size_bytes = ? WHERE id = ?`,
		sha256, mime, size, id)
	return err
}
