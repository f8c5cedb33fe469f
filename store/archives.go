package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateArchive registers a top-level source. Name is unique; creating an
// existing name returns the stored row unchanged.
func (s *Store) CreateArchive(ctx context.Context, name, country string) (*Archive, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archives (name, country, created_at) VALUES (?,?,?)
		ON CONFLICT (name) DO NOTHING`, name, country, now())
	if err != nil {
		return nil, fmt.Errorf("store: create archive: %w", err)
	}
	return s.ArchiveByName(ctx, name)
}

// Archive fetches one archive by id.
func (s *Store) Archive(ctx context.Context, id int64) (*Archive, error) {
	return scanArchive(s.db.QueryRowContext(ctx,
		`SELECT id, name, country, created_at FROM archives WHERE id = ?`, id))
}

// ArchiveByName fetches one archive by its unique name.
func (s *Store) ArchiveByName(ctx context.Context, name string) (*Archive, error) {
	return scanArchive(s.db.QueryRowContext(ctx,
		`SELECT id, name, country, created_at FROM archives WHERE name = ?`, name))
}

// ListArchives returns all archives ordered by name.
func (s *Store) ListArchives(ctx context.Context) ([]*Archive, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, country, created_at FROM archives ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Archive
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if out == nil {
		out = []*Archive{}
	}
	return out, rows.Err()
}

func scanArchive(row interface{ Scan(...any) error }) (*Archive, error) {
	var a Archive
	var created int64
	err := row.Scan(&a.ID, &a.Name, &a.Country, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = fromMS(created)
	return &a, nil
}
