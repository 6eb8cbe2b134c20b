package idempotency

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Response is a cached HTTP response replayed for a repeated request
// carrying the same idempotency key.
type Response struct {
	StatusCode int         `json:"status_code"`
	Body       []byte      `json:"body"`
	Headers    http.Header `json:"headers"`
}

type entry struct {
	Resp      Response
	Timestamp time.Time
}

// Backend persists idempotency records. RedisStore satisfies this via its
// Get/Set idempotency methods; a nil Backend falls back to process memory
// only (single-replica dev mode).
type Backend interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// Store is the idempotency key cache guarding mutating control-API endpoints.
type Store struct {
	backend Backend
	cache   sync.Map
}

// NewStore creates an idempotency Store. Pass nil for backend to use only
// the in-process cache (ephemeral, lost on restart).
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Get returns a previously cached response for key, if any.
func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.backend != nil {
		data, found, err := s.backend.Get(ctx, key)
		if err == nil && found {
			var e entry
			if json.Unmarshal(data, &e) == nil {
				return e.Resp, true
			}
		}
	}
	if v, ok := s.cache.Load(key); ok {
		e := v.(entry)
		if time.Since(e.Timestamp) < time.Hour {
			return e.Resp, true
		}
		s.cache.Delete(key)
	}
	return Response{}, false
}

// Set records a response against key for future replay.
func (s *Store) Set(ctx context.Context, key string, resp Response) {
	e := entry{Resp: resp, Timestamp: time.Now()}
	s.cache.Store(key, e)

	if s.backend != nil {
		data, err := json.Marshal(e)
		if err == nil {
			s.backend.Set(ctx, key, data, 24*time.Hour)
		}
	}
}
