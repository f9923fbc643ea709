package postgres

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/gob"
	"errors"
	"time"

	_ "github.com/lib/pq"

	workercache "github.com/cmorrow/go-worker-cache"
	"github.com/cmorrow/go-worker-cache/buckets"
)

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error
	ErrPingFailed = errors.New("ping returned error")
)

var (
	//go:embed create_tables.sql
	queryCreateTables string
	//go:embed insert_bucket.sql
	queryInsertBucket string
	//go:embed select_buckets.sql
	querySelectBuckets string
	//go:embed delete_records.sql
	queryDeleteRecords string
	//go:embed delete_bucket.sql
	queryDeleteBucket string
	//go:embed fetch_record.sql
	queryFetchRecord string
	//go:embed upsert_record.sql
	queryUpsertRecord string
	//go:embed select_keys.sql
	querySelectKeys string
)

// Store implements the workercache.Store interface using PostgreSQL as
// the storage backend, for hosts that share one cache across processes.
type Store struct {
	db *sql.DB

	now func() time.Time
}

type bucket struct {
	db   *sql.DB
	name string

	now func() time.Time
}

// Open returns a handle on the named bucket, registering it if it does
// not exist yet.
func (s *Store) Open(ctx context.Context, name string) (workercache.Bucket, error) {
	stmt, err := s.db.PrepareContext(ctx, queryInsertBucket)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, name); err != nil {
		return nil, err
	}
	return &bucket{db: s.db, name: name, now: s.now}, nil
}

// Names lists every registered bucket.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	stmt, err := s.db.PrepareContext(ctx, querySelectBuckets)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	rows, err := stmt.QueryContext(ctx)
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

// Delete removes a bucket and all of its records.
func (s *Store) Delete(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queryDeleteRecords, name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, queryDeleteBucket, name); err != nil {
		return err
	}
	return tx.Commit()
}

// Get retrieves a record by its key. It handles the deserialization of
// the record using gob encoding.
// Returns buckets.ErrNoRecord if the record doesn't exist.
func (b *bucket) Get(ctx context.Context, key string) (*workercache.Record, error) {
	stmt, err := b.db.PrepareContext(ctx, queryFetchRecord)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var blob []byte
	if err := stmt.QueryRowContext(ctx, b.name, key).Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, buckets.ErrNoRecord
		}
		return nil, err
	}

	dec := gob.NewDecoder(bytes.NewBuffer(blob))

	var rec workercache.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put stores a record under the given key, replacing any previous
// record wholesale.
func (b *bucket) Put(ctx context.Context, key string, rec *workercache.Record) error {
	stmt, err := b.db.PrepareContext(ctx, queryUpsertRecord)
	if err != nil {
		return err
	}
	defer stmt.Close()

	var buff bytes.Buffer
	enc := gob.NewEncoder(&buff)
	if err := enc.Encode(rec); err != nil {
		return err
	}

	_, err = stmt.ExecContext(ctx, b.name, key, buff.Bytes(), b.now().UTC())
	return err
}

// Keys lists every key stored in the bucket.
func (b *bucket) Keys(ctx context.Context) ([]string, error) {
	stmt, err := b.db.PrepareContext(ctx, querySelectKeys)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	rows, err := stmt.QueryContext(ctx, b.name)
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

func createTables(ctx context.Context, db *sql.DB) error {
	stmt, err := db.PrepareContext(ctx, queryCreateTables)
	if err != nil {
		return err
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx)
	return err
}

// New creates a new PostgreSQL bucket store over an existing database
// handle. It verifies the connection and creates the table structure.
//
// Returns an error if:
// - The database connection test fails
// - Table creation fails
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}

	if err := createTables(ctx, db); err != nil {
		return nil, err
	}

	return &Store{
		db: db,

		now: time.Now,
	}, nil
}
