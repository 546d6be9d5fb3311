package store

import (
	"context"
	"time"
)

// RecordUsage stores one consumption of a resource by a subject.
func (s *Store) RecordUsage(ctx context.Context, subjectID, resource string, at time.Time) error {
	// language=MariaDB
	const stmt = `INSERT INTO usage_records (subject_id, resource, created_at) VALUES (?, ?, ?);`
	_, err := s.DB.ExecContext(ctx, stmt, subjectID, resource, at.UTC())
	return err
}

// CountForWindow counts the usage records of a subject and resource in [start, end).
func (s *Store) CountForWindow(ctx context.Context, subjectID, resource string, start, end time.Time) (int64, error) {
	// language=MariaDB
	const stmt = `SELECT COUNT(*) FROM usage_records
WHERE subject_id = ? AND resource = ? AND created_at >= ? AND created_at < ?;`
	var n int64
	err := s.DB.GetContext(ctx, &n, stmt, subjectID, resource, start.UTC(), end.UTC())
	return n, err
}

// ReleaseUsage deletes the latest usage record of a subject and resource in [start, end).
// Reports whether a record was deleted.
func (s *Store) ReleaseUsage(ctx context.Context, subjectID, resource string, start, end time.Time) (bool, error) {
	// language=MariaDB
	const stmt = `DELETE FROM usage_records
WHERE subject_id = ? AND resource = ? AND created_at >= ? AND created_at < ?
ORDER BY created_at DESC, id DESC LIMIT 1;`
	res, err := s.DB.ExecContext(ctx, stmt, subjectID, resource, start.UTC(), end.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
