// Package store is the MySQL persistence layer of feed sources, ingested items,
// subscriptions and usage records.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store accesses all tables.
// It is safe for concurrent use.
type Store struct {
	// Required components
	DB *sqlx.DB
	// Optional config
	Now func() time.Time
}

// New creates a store on top of a connected DB.
func New(db *sqlx.DB) *Store {
	return &Store{DB: db, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// Connect opens a DB handle with Go-compatible time handling
// and pings it until it is reachable or maxWait elapsed.
func Connect(ctx context.Context, log *zap.Logger, cfg *mysql.Config, maxWait time.Duration) (*sqlx.DB, error) {
	cfg = cfg.Clone()
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = maxWait
	err = backoff.RetryNotify(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	}, backoff.WithContext(exp, ctx), func(err error, next time.Duration) {
		log.Warn("MySQL not reachable, retrying",
			zap.String("mysql.addr", cfg.Addr),
			zap.Duration("retry_in", next),
			zap.Error(err))
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	return db, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
