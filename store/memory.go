package store

import (
	"context"
	"sync"
	"time"
)

// memoryStore keeps the token record in process memory. It is the default
// driver and the one tests reach for.
type memoryStore struct {
	mu       sync.Mutex
	rec      *Record
	deadline time.Time
	ttl      time.Duration
}

// NewMemory constructs an in-memory token store.
func NewMemory(cfg Config) Store {
	return &memoryStore{ttl: cfg.ttl()}
}

func (s *memoryStore) Get(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, nil
	}
	if time.Now().After(s.deadline) {
		s.rec = nil
		return nil, nil
	}
	cp := *s.rec
	return &cp, nil
}

func (s *memoryStore) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.rec = &cp
	s.deadline = time.Now().Add(s.ttl)
	return nil
}

func (s *memoryStore) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = nil
	return nil
}

func (s *memoryStore) Close(ctx context.Context) error { return nil }
