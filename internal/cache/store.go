package cache

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// Backend is the slice of a run store that can hold cached results.
type Backend interface {
	GetCachedResult(ctx context.Context, key string) ([]byte, error)
	SetCachedResult(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteExpiredResults(ctx context.Context) (int, error)
}

// Store is a Cache over a run store's cache table.
type Store struct {
	backend Backend
}

// NewStore wraps backend as a Cache.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Get implements Cache. Backends report a miss as a nil value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.backend.GetCachedResult(ctx, key)
	if err != nil {
		return nil, false, eris.Wrap(err, "cache: store get")
	}
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

// Set implements Cache.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.backend.SetCachedResult(ctx, key, value, ttl); err != nil {
		return eris.Wrap(err, "cache: store set")
	}
	return nil
}

// Purge implements Cache.
func (s *Store) Purge(ctx context.Context) (int, error) {
	n, err := s.backend.DeleteExpiredResults(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "cache: store purge")
	}
	return n, nil
}

// Close is a no-op; the store owns its connection.
func (s *Store) Close() error { return nil }
