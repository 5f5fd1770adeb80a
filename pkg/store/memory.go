package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory coordination store for tests and
// single-process development. It honors the same conditional-write and
// best-effort-notification contract as the remote backends.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Kind]map[string]*Record

	subMu sync.Mutex
	subs  map[Kind][]chan struct{}

	// FailOp, when set, is consulted before every operation and lets
	// tests inject rate-limit and transport failures.
	FailOp func(op string) error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Kind]map[string]*Record),
		subs:    make(map[Kind][]chan struct{}),
	}
}

func (s *MemoryStore) fail(op string) error {
	if s.FailOp != nil {
		return s.FailOp(op)
	}
	return nil
}

func (s *MemoryStore) Publish(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fail("publish"); err != nil {
		return err
	}
	s.mu.Lock()
	byID, ok := s.records[rec.Kind]
	if !ok {
		byID = make(map[string]*Record)
		s.records[rec.Kind] = byID
	}
	if _, exists := byID[rec.ID]; exists {
		s.mu.Unlock()
		return ErrConflict
	}
	cp := *rec
	cp.Version = 1
	cp.UpdatedAt = time.Now()
	byID[rec.ID] = &cp
	s.mu.Unlock()

	rec.Version = cp.Version
	s.notify(rec.Kind)
	return nil
}

func (s *MemoryStore) Swap(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fail("swap"); err != nil {
		return err
	}
	s.mu.Lock()
	cur, ok := s.records[rec.Kind][rec.ID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if cur.Version != rec.Version {
		s.mu.Unlock()
		return ErrConflict
	}
	cp := *rec
	cp.Version = cur.Version + 1
	cp.UpdatedAt = time.Now()
	s.records[rec.Kind][rec.ID] = &cp
	s.mu.Unlock()

	rec.Version = cp.Version
	s.notify(rec.Kind)
	return nil
}

func (s *MemoryStore) Fetch(ctx context.Context, kind Kind, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.fail("fetch"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[kind][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Query(ctx context.Context, kind Kind, pred Predicate) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.fail("query"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, rec := range s.records[kind] {
		if pred == nil || pred(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteWhere(ctx context.Context, kind Kind, pred Predicate) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.fail("delete"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	deleted := 0
	for id, rec := range s.records[kind] {
		if pred == nil || pred(rec) {
			delete(s.records[kind], id)
			deleted++
		}
	}
	s.mu.Unlock()
	if deleted > 0 {
		s.notify(kind)
	}
	return deleted, nil
}

// Subscribe returns a buffered wake-up channel. Signals are coalesced: a
// slow consumer sees at most one pending signal, never a backlog.
func (s *MemoryStore) Subscribe(kind Kind) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.subs[kind] = append(s.subs[kind], ch)
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		list := s.subs[kind]
		for i, c := range list {
			if c == ch {
				s.subs[kind] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

func (s *MemoryStore) notify(kind Kind) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs[kind] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *MemoryStore) HealthCheck() error { return s.fail("health") }

func (s *MemoryStore) Close() error { return nil }
