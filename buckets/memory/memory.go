package memory

import (
	"context"
	"sort"
	"sync"

	workercache "github.com/cmorrow/go-worker-cache"
	"github.com/cmorrow/go-worker-cache/buckets"
)

// Store keeps buckets in process memory. It backs tests and hosts that
// do not need the cache to survive a restart.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

type bucket struct {
	mu      sync.RWMutex
	records map[string]*workercache.Record
}

func New() *Store {
	return &Store{
		buckets: make(map[string]*bucket),
	}
}

func (s *Store) Open(_ context.Context, name string) (workercache.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, found := s.buckets[name]
	if !found {
		b = &bucket{records: make(map[string]*workercache.Record)}
		s.buckets[name] = b
	}
	return b, nil
}

func (s *Store) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.buckets, name)
	return nil
}

func (b *bucket) Get(_ context.Context, key string) (*workercache.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, found := b.records[key]
	if !found {
		return nil, buckets.ErrNoRecord
	}
	return rec, nil
}

func (b *bucket) Put(_ context.Context, key string, rec *workercache.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records[key] = rec
	return nil
}

func (b *bucket) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.records))
	for k := range b.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
