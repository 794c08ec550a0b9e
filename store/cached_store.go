package store

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cyberinferno/character-server/cacher"
	"github.com/cyberinferno/character-server/character"
)

const listKey = "all"

// CachedStore is a read-through cache in front of another Store. Reads are
// served from two caches, one for single records and one for the full
// listing. Every write invalidates what it touched, whether or not it
// succeeded.
type CachedStore struct {
	Store

	records cacher.Cacher[character.Character]
	lists   cacher.Cacher[[]character.Character]
	ttl     time.Duration

	closers   []func() error
	closeOnce sync.Once
}

// NewCachedStore wraps inner. ttl bounds how stale a read served from cache
// can be when another process writes to a shared backend.
func NewCachedStore(
	inner Store,
	records cacher.Cacher[character.Character],
	lists cacher.Cacher[[]character.Character],
	ttl time.Duration,
) *CachedStore {
	return &CachedStore{Store: inner, records: records, lists: lists, ttl: ttl}
}

func recordCacheKey(id int32) string {
	return strconv.FormatInt(int64(id), 10)
}

func (s *CachedStore) Insert(ctx context.Context, c character.Character) (character.Character, error) {
	out, err := s.Store.Insert(ctx, c)
	_ = s.lists.Delete(context.WithoutCancel(ctx), listKey)
	return out, err
}

func (s *CachedStore) Update(ctx context.Context, id int32, c character.Character) error {
	err := s.Store.Update(ctx, id, c)
	s.invalidate(ctx, id)
	return err
}

func (s *CachedStore) Delete(ctx context.Context, id int32) error {
	err := s.Store.Delete(ctx, id)
	s.invalidate(ctx, id)
	return err
}

func (s *CachedStore) GetAll(ctx context.Context) ([]character.Character, error) {
	cs, err := s.lists.GetOrFetch(ctx, listKey, s.ttl, s.Store.GetAll)
	if err != nil {
		return nil, err
	}
	// The cached slice is shared between callers.
	return slices.Clone(cs), nil
}

func (s *CachedStore) GetByID(ctx context.Context, id int32) (character.Character, error) {
	return s.records.GetOrFetch(ctx, recordCacheKey(id), s.ttl, func(ctx context.Context) (character.Character, error) {
		return s.Store.GetByID(ctx, id)
	})
}

// OnClose registers fn to run after the inner store closes, e.g. to close
// the client behind a shared cache.
func (s *CachedStore) OnClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close closes the inner store and then runs the OnClose functions. Only
// the first call does anything.
func (s *CachedStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		errs := []error{s.Store.Close()}
		for _, fn := range s.closers {
			errs = append(errs, fn())
		}
		err = errors.Join(errs...)
	})
	return err
}

// CacheStats returns the record and list cache counters.
func (s *CachedStore) CacheStats() (records, lists cacher.Stats) {
	return s.records.Stats(), s.lists.Stats()
}

// invalidate drops what a write touched. It runs even if ctx ended, since
// the write may have landed anyway.
func (s *CachedStore) invalidate(ctx context.Context, id int32) {
	ctx = context.WithoutCancel(ctx)
	_ = s.records.Delete(ctx, recordCacheKey(id))
	_ = s.lists.Delete(ctx, listKey)
}
