// Package idempotency caches HTTP responses keyed by the caller-supplied
// Idempotency-Key header, so a retried POST (e.g. a re-submitted enqueue
// after a dropped connection) replays the original response instead of
// double-admitting the task.
package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Response is the cached shape of a prior HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
}

// Backend is the durable side of the cache. RedisBackend implements it
// against go-redis, StoreBackend against the broker's own Store, so a
// deployment without Redis configured still survives a restart. Store also
// keeps an in-memory sync.Map as a fast local cache, and falls back to it
// entirely when backend is nil (tests) or a call returns an error.
type Backend interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// TTL is how long a cached response is replayed before falling out of the cache.
const TTL = 24 * time.Hour

type entry struct {
	Resp      Response
	Timestamp time.Time
}

// Store caches idempotency-key -> Response.
type Store struct {
	backend Backend
	cache   sync.Map
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Get returns the cached response for key, if any.
func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.backend != nil {
		val, err := s.backend.Get(ctx, key)
		if err != nil {
			log.Printf("idempotency: backend error getting %s: %v", key, err)
		} else if val != "" {
			var e entry
			if err := json.Unmarshal([]byte(val), &e); err == nil {
				return e.Resp, true
			}
		}
	}

	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.Timestamp) > TTL {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.Resp, true
}

// Set caches resp under key for TTL.
func (s *Store) Set(ctx context.Context, key string, resp Response) {
	e := entry{Resp: resp, Timestamp: time.Now()}

	if s.backend != nil {
		if bytes, err := json.Marshal(e); err == nil {
			if err := s.backend.Set(ctx, key, string(bytes), TTL); err != nil {
				log.Printf("idempotency: backend error setting %s: %v", key, err)
			}
		}
	}
	s.cache.Store(key, e)
}
