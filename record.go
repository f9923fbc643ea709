package workercache

import (
	"context"
	"time"
)

// Record is a full snapshot of an HTTP response as stored in a bucket.
// Records are written atomically and replaced wholesale on update; a
// record is never partially mutated in place.
type Record struct {
	Status   int
	Response []byte // wire-format snapshot produced by httputil.DumpResponse
	StoredAt time.Time
}

// Bucket is a named mapping from request keys to response records.
// A key maps to at most one record; concurrent writers of the same key
// resolve as last-writer-wins.
type Bucket interface {
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, key string, rec *Record) error
	Keys(ctx context.Context) ([]string, error)
}

// Store manages named, persistent buckets. Bucket names encode the
// deployment version they belong to; activation deletes every bucket
// whose name does not match the running version.
type Store interface {
	// Open returns the named bucket, creating it if it does not exist.
	Open(ctx context.Context, name string) (Bucket, error)
	// Names lists every existing bucket name.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the named bucket and all of its records.
	Delete(ctx context.Context, name string) error
}
