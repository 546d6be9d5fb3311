package store

import (
	"context"

	"go.od2.network/jobgate/pkg/types"
)

// UpsertItem inserts an item by URL.
// If the URL is already stored, only the image is refreshed (if the new item has one).
// Reports whether a new row was inserted.
func (s *Store) UpsertItem(ctx context.Context, item *types.Item) (bool, error) {
	// language=MariaDB
	const stmt = `INSERT INTO items (url, title, excerpt, image_url, source_id, tags, published_at, created_at)
VALUES (:url, :title, :excerpt, :image_url, :source_id, :tags, :published_at, :created_at)
ON DUPLICATE KEY UPDATE image_url = COALESCE(VALUES(image_url), image_url);`
	row := *item
	row.PublishedAt = row.PublishedAt.UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	row.CreatedAt = row.CreatedAt.UTC()
	if row.Tags == nil {
		row.Tags = types.Tags{}
	}
	res, err := s.DB.NamedExecContext(ctx, stmt, &row)
	if err != nil {
		return false, err
	}
	// MySQL reports 1 affected row per insert and 2 per changed duplicate.
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// GetItem reads an item by URL.
func (s *Store) GetItem(ctx context.Context, url string) (*types.Item, error) {
	// language=MariaDB
	const stmt = `SELECT url, title, excerpt, image_url, source_id, tags, published_at, created_at
FROM items WHERE url = ?;`
	item := new(types.Item)
	if err := s.DB.GetContext(ctx, item, stmt, url); err != nil {
		return nil, notFound(err)
	}
	return item, nil
}
