// CLAUDE:SUMMARY Job rows — enqueue, the atomic claim (UPDATE…RETURNING over the oldest pending row), terminal updates, and audit reset queries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertJob enqueues a pending job. Payload may be empty (stored as NULL).
func (s *Store) InsertJob(ctx context.Context, kind string, recordID, pageID *int64, payload string) (*Job, error) {
	var pl any
	if payload != "" {
		pl = payload
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (kind, record_id, page_id, payload, status, attempts, created_at)
		VALUES (?,?,?,?,?,0,?)`,
		kind, recordID, pageID, pl, JobPending, now())
	if err != nil {
		return nil, fmt.Errorf("store: insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.Job(ctx, id)
}

const jobCols = `id, kind, record_id, page_id, COALESCE(payload, ''), status, attempts, error, created_at, started_at, finished_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var recordID, pageID sql.NullInt64
	var created int64
	var started, finished sql.NullInt64
	err := row.Scan(&j.ID, &j.Kind, &recordID, &pageID, &j.Payload, &j.Status,
		&j.Attempts, &j.Error, &created, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if recordID.Valid {
		j.RecordID = &recordID.Int64
	}
	if pageID.Valid {
		j.PageID = &pageID.Int64
	}
	j.CreatedAt = fromMS(created)
	j.StartedAt = fromNullMS(started)
	j.FinishedAt = fromNullMS(finished)
	return &j, nil
}

// Job fetches one job by id.
func (s *Store) Job(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ClaimJob atomically flips the oldest pending job of a kind to claimed and
// returns it, or (nil, nil) when nothing is available. The single
// UPDATE…RETURNING statement is the row lock: two concurrent claimers can
// never pick the same row, and pending jobs go out FIFO by created_at.
func (s *Store) ClaimJob(ctx context.Context, kind string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = attempts + 1, started_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE kind = ? AND status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+jobCols,
		JobClaimed, now(), kind, JobPending)

	j, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim %s: %w", kind, err)
	}
	return j, nil
}

// CompleteJob marks a claimed job completed, overwriting the payload with
// the worker's result when one was supplied.
func (s *Store) CompleteJob(ctx context.Context, id int64, result string) (*Job, error) {
	var pl any
	if result != "" {
		pl = result
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, payload = COALESCE(?, payload), finished_at = ?
		WHERE id = ?`, JobCompleted, pl, now(), id)
	if err != nil {
		return nil, fmt.Errorf("store: complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.Job(ctx, id)
}

// FailJob marks a job failed with a human-readable error.
func (s *Store) FailJob(ctx context.Context, id int64, errText string) (*Job, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, finished_at = ?
		WHERE id = ?`, JobFailed, errText, now(), id)
	if err != nil {
		return nil, fmt.Errorf("store: fail job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.Job(ctx, id)
}

// CountJobs counts jobs for a record matching kind pattern (SQL LIKE) and an
// optional status filter ("" = any).
func (s *Store) CountJobs(ctx context.Context, recordID int64, kindLike string, status JobStatus) (int, error) {
	q := `SELECT COUNT(*) FROM jobs WHERE record_id = ? AND kind LIKE ?`
	args := []any{recordID, kindLike}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	var n int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

// CountJobsNotIn counts a record's jobs matching kind pattern whose status is
// outside the given set. Drives the translation-completion probe
// ("no translate_* job outside {completed}").
func (s *Store) CountJobsNotIn(ctx context.Context, recordID int64, kindLike string, statuses ...JobStatus) (int, error) {
	q := `SELECT COUNT(*) FROM jobs WHERE record_id = ? AND kind LIKE ?`
	args := []any{recordID, kindLike}
	for i, st := range statuses {
		if i == 0 {
			q += ` AND status NOT IN (?`
		} else {
			q += `,?`
		}
		args = append(args, st)
	}
	if len(statuses) > 0 {
		q += `)`
	}
	var n int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

// ResetStaleClaimed flips claimed jobs whose started_at is older than the
// per-kind window back to pending, clearing started_at but preserving
// attempts. windows maps kind → max claim age; defaultWindow covers the rest.
// Returns the number of jobs reset.
func (s *Store) ResetStaleClaimed(ctx context.Context, defaultWindow time.Duration, windows map[string]time.Duration) (int, error) {
	total := 0

	// Kind-specific windows first, then the default for everything else.
	exempt := make([]any, 0, len(windows))
	for kind, w := range windows {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, started_at = NULL
			WHERE status = ? AND kind = ? AND started_at < ?`,
			JobPending, JobClaimed, kind, time.Now().Add(-w).UnixMilli())
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += int(n)
		exempt = append(exempt, kind)
	}

	q := `UPDATE jobs SET status = ?, started_at = NULL WHERE status = ? AND started_at < ?`
	args := []any{JobPending, JobClaimed, time.Now().Add(-defaultWindow).UnixMilli()}
	for i := range exempt {
		if i == 0 {
			q += ` AND kind NOT IN (?`
		} else {
			q += `,?`
		}
		args = append(args, exempt[i])
	}
	if len(exempt) > 0 {
		q += `)`
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return total, err
	}
	n, _ := res.RowsAffected()
	return total + int(n), nil
}

// ResetFailedRetryable flips failed jobs with attempts below the cap back to
// pending, clearing error and finished_at. Returns the number reset.
func (s *Store) ResetFailedRetryable(ctx context.Context, maxAttempts int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = '', finished_at = NULL
		WHERE status = ? AND attempts < ?`,
		JobPending, JobFailed, maxAttempts)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListJobs returns a record's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, recordID int64) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE record_id = ? ORDER BY created_at DESC, id DESC`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if out == nil {
		out = []*Job{}
	}
	return out, rows.Err()
}
