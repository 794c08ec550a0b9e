package store

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/cyberinferno/character-server/character"
)

// MemoryStore keeps records in a map guarded by a read-write mutex. Ids start
// at 1 and are never reused.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int32]character.Character
	lastID  int32
	closed  bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int32]character.Character)}
}

func (s *MemoryStore) Insert(ctx context.Context, c character.Character) (character.Character, error) {
	if err := ctx.Err(); err != nil {
		return character.Character{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return character.Character{}, ErrClosed
	}

	s.lastID++
	c.ID = s.lastID
	s.records[c.ID] = c
	return c, nil
}

func (s *MemoryStore) Update(ctx context.Context, id int32, c character.Character) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}

	c.ID = id
	s.records[id] = c
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}

	delete(s.records, id)
	return nil
}

func (s *MemoryStore) GetAll(ctx context.Context) ([]character.Character, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	out := make([]character.Character, 0, len(s.records))
	for _, c := range s.records {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b character.Character) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id int32) (character.Character, error) {
	if err := ctx.Err(); err != nil {
		return character.Character{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return character.Character{}, ErrClosed
	}

	c, ok := s.records[id]
	if !ok {
		return character.Character{}, ErrNotFound
	}
	return c, nil
}

// Close drops every record.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.records = nil
	return nil
}
