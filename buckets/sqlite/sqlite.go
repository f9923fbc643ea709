// Package sqlite provides a SQLite-backed bucket store, the natural
// persistent storage for a client-side cache.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	workercache "github.com/cmorrow/go-worker-cache"
	"github.com/cmorrow/go-worker-cache/buckets"
)

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error
	ErrPingFailed = errors.New("ping returned error")
)

//go:embed schema.sql
var querySchema string

// Store persists buckets in a single SQLite file.
type Store struct {
	db *sql.DB

	now func() time.Time
}

type bucket struct {
	db   *sql.DB
	name string
}

// Open opens (or creates) the store at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(ErrPingFailed, err)
	}

	if _, err := db.ExecContext(ctx, querySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		db: db,

		now: time.Now,
	}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Open(ctx context.Context, name string) (workercache.Bucket, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_buckets (name) VALUES (?)`, name)
	if err != nil {
		return nil, err
	}
	return &bucket{db: s.db, name: name}, nil
}

func (s *Store) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM cache_buckets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) Delete(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cache_records WHERE bucket = ?`, name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cache_buckets WHERE name = ?`, name); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *bucket) Get(ctx context.Context, key string) (*workercache.Record, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT status, response, stored_at FROM cache_records WHERE bucket = ? AND url = ?`,
		b.name, key)

	var rec workercache.Record
	var storedAt int64
	if err := row.Scan(&rec.Status, &rec.Response, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, buckets.ErrNoRecord
		}
		return nil, err
	}
	rec.StoredAt = time.UnixMilli(storedAt).UTC()
	return &rec, nil
}

func (b *bucket) Put(ctx context.Context, key string, rec *workercache.Record) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO cache_records (bucket, url, status, response, stored_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (bucket, url) DO UPDATE SET
		   status = excluded.status,
		   response = excluded.response,
		   stored_at = excluded.stored_at`,
		b.name, key, rec.Status, rec.Response, rec.StoredAt.UTC().UnixMilli())
	return err
}

func (b *bucket) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT url FROM cache_records WHERE bucket = ? ORDER BY url`, b.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
