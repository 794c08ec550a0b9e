package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/zeebo/xxh3"

	"github.com/cyberinferno/character-server/character"
	"github.com/cyberinferno/character-server/logger"
)

// Key schema:
//
//	c:<id uint32 big-endian>  -> record envelope
//	s:characters              -> id sequence
//
// Big-endian ids keep prefix iteration in ascending id order.
var (
	recordPrefix = []byte("c:")
	sequenceKey  = []byte("s:characters")
)

const checksumSize = 8

// BadgerStoreConfig configures NewBadgerStore.
type BadgerStoreConfig struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string `mapstructure:"path"`

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool `mapstructure:"in_memory"`

	// SequenceBandwidth is how many ids are leased from disk at once.
	// Unused leased ids are skipped after a restart. Default 100.
	SequenceBandwidth uint64 `mapstructure:"sequence_bandwidth"`

	// BlockCacheSizeMB is badger's block cache size. Default 64.
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb"`
}

// BadgerStore persists records in an embedded BadgerDB. Each value is the
// record encoding followed by its xxh3 checksum.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence

	// seqMu serializes Sequence.Next, which hands out leased ids.
	seqMu     sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewBadgerStore opens (or creates) the database described by cfg.
//
// Parameters:
//   - ctx: Context checked before opening
//   - cfg: Database location and tuning
//   - log: Receives badger's own log output; nil discards it
//
// Returns:
//   - The opened store
//   - An error if the database or its id sequence cannot be opened
func NewBadgerStore(ctx context.Context, cfg BadgerStoreConfig, log logger.Logger) (*BadgerStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger store: path is required")
	}
	if cfg.SequenceBandwidth == 0 {
		cfg.SequenceBandwidth = 100
	}
	if cfg.BlockCacheSizeMB == 0 {
		cfg.BlockCacheSizeMB = 64
	}

	path := cfg.Path
	if cfg.InMemory {
		path = ""
	}

	opts := badger.DefaultOptions(path).
		WithInMemory(cfg.InMemory).
		WithCompression(options.None).
		WithBlockCacheSize(cfg.BlockCacheSizeMB << 20).
		WithLoggingLevel(badger.WARNING)
	if log != nil {
		opts = opts.WithLogger(badgerLogger{log: log.With(logger.Field{Key: "component", Value: "badger"})})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %q: %w", cfg.Path, err)
	}

	seq, err := db.GetSequence(sequenceKey, cfg.SequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open id sequence: %w", err)
	}

	return &BadgerStore{db: db, seq: seq, closed: make(chan struct{})}, nil
}

func (s *BadgerStore) check(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	return ctx.Err()
}

func (s *BadgerStore) nextID() (int32, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	for {
		n, err := s.seq.Next()
		if err != nil {
			return 0, fmt.Errorf("failed to lease id: %w", err)
		}
		// Sequences start at 0; ids start at 1.
		if n == 0 {
			continue
		}
		if n > 1<<31-1 {
			return 0, errors.New("id space exhausted")
		}
		return int32(n), nil
	}
}

func (s *BadgerStore) Insert(ctx context.Context, c character.Character) (character.Character, error) {
	if err := s.check(ctx); err != nil {
		return character.Character{}, err
	}

	id, err := s.nextID()
	if err != nil {
		return character.Character{}, err
	}
	c.ID = id

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(id), encodeEnvelope(c))
	})
	if err != nil {
		return character.Character{}, fmt.Errorf("failed to insert character: %w", err)
	}

	return c, nil
}

func (s *BadgerStore) Update(ctx context.Context, id int32, c character.Character) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	c.ID = id
	key := recordKey(id)
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Set(key, encodeEnvelope(c))
	})

	return translateBadgerErr(err, "update")
}

func (s *BadgerStore) Delete(ctx context.Context, id int32) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	key := recordKey(id)
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})

	return translateBadgerErr(err, "delete")
}

func (s *BadgerStore) GetAll(ctx context.Context) ([]character.Character, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []character.Character
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(recordPrefix); it.ValidForPrefix(recordPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			c, err := decodeEnvelope(val)
			if err != nil {
				return fmt.Errorf("key %x: %w", it.Item().Key(), err)
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list characters: %w", err)
	}

	return out, nil
}

func (s *BadgerStore) GetByID(ctx context.Context, id int32) (character.Character, error) {
	if err := s.check(ctx); err != nil {
		return character.Character{}, err
	}

	var c character.Character
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			c, err = decodeEnvelope(val)
			return err
		})
	})
	if err != nil {
		return character.Character{}, translateBadgerErr(err, "get")
	}

	return c, nil
}

// Close releases unused leased ids and closes the database.
func (s *BadgerStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)

		s.seqMu.Lock()
		relErr := s.seq.Release()
		s.seqMu.Unlock()

		err = errors.Join(relErr, s.db.Close())
	})
	return err
}

func recordKey(id int32) []byte {
	key := make([]byte, 0, len(recordPrefix)+4)
	key = append(key, recordPrefix...)
	return binary.BigEndian.AppendUint32(key, uint32(id))
}

func encodeEnvelope(c character.Character) []byte {
	buf := make([]byte, 0, character.EncodedSize(c)+checksumSize)
	buf = character.AppendMarshal(buf, c)
	return binary.LittleEndian.AppendUint64(buf, xxh3.Hash(buf))
}

func decodeEnvelope(val []byte) (character.Character, error) {
	if len(val) < checksumSize {
		return character.Character{}, ErrCorrupt
	}

	body, sum := val[:len(val)-checksumSize], val[len(val)-checksumSize:]
	if xxh3.Hash(body) != binary.LittleEndian.Uint64(sum) {
		return character.Character{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	c, err := character.Unmarshal(body)
	if err != nil {
		return character.Character{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return c, nil
}

func translateBadgerErr(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, ErrCorrupt):
		return err
	default:
		return fmt.Errorf("failed to %s character: %w", op, err)
	}
}

// badgerLogger forwards badger's printf-style logging to our Logger.
type badgerLogger struct {
	log logger.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.log.Error(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.log.Warn(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.log.Info(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.log.Debug(fmt.Sprintf(format, args...))
}
