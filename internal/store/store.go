// Package store is the read/update surface onto the platform's relational
// schema. The realtime core does not own this schema: contests,
// portfolios, users and the notification outbox are written by other
// services, and this package only runs the narrow set of queries the hub,
// rooms and deliverer need.
//
// Every operation carries a context deadline: 5 s for reads, 10 s for
// writes (configurable). A deadline miss surfaces as a transient error the
// caller reports as an ERROR frame; nothing here retries.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type Store struct {
	db           *sql.DB
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// New wraps an existing handle; used by tests with sqlmock.
func New(db *sql.DB, readTimeout, writeTimeout time.Duration) *Store {
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Store{db: db, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string, readTimeout, writeTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db, readTimeout, writeTimeout), nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) readCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.readTimeout)
}

func (s *Store) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.writeTimeout)
}
