package store

import (
	"context"
	"time"

	"go.od2.network/jobgate/pkg/types"
)

// AddSource registers a new active feed source.
func (s *Store) AddSource(ctx context.Context, url string, tags types.Tags) (int64, error) {
	// language=MariaDB
	const stmt = `INSERT INTO sources (url, tags, active) VALUES (?, ?, TRUE);`
	res, err := s.DB.ExecContext(ctx, stmt, url, types.MergeTags(tags))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetSourceActive enables or disables polling of a source.
func (s *Store) SetSourceActive(ctx context.Context, id int64, active bool) error {
	// language=MariaDB
	const stmt = `UPDATE sources SET active = ? WHERE id = ?;`
	_, err := s.DB.ExecContext(ctx, stmt, active, id)
	return err
}

// FindActiveSources lists all sources to be polled.
func (s *Store) FindActiveSources(ctx context.Context) ([]*types.Source, error) {
	// language=MariaDB
	const stmt = `SELECT id, url, tags, active, last_fetched_at FROM sources WHERE active ORDER BY id;`
	var sources []*types.Source
	if err := s.DB.SelectContext(ctx, &sources, stmt); err != nil {
		return nil, err
	}
	return sources, nil
}

// UpdateSourceLastFetched records a fetch attempt.
func (s *Store) UpdateSourceLastFetched(ctx context.Context, id int64, t time.Time) error {
	// language=MariaDB
	const stmt = `UPDATE sources SET last_fetched_at = ? WHERE id = ?;`
	_, err := s.DB.ExecContext(ctx, stmt, t.UTC(), id)
	return err
}
