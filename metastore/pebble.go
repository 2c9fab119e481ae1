package metastore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/flowmeta/encoding"
	"github.com/rs/zerolog/log"
)

// Key prefixes inside the pebble keyspace
const (
	pebbleDataPrefix = "d"
	pebbleRevKey     = "\x00rev"
)

type pebbleRecord struct {
	Value   []byte `msgpack:"v"`
	Version int64  `msgpack:"ver"`
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// PebbleOptions configures the pebble backend
type PebbleOptions struct {
	CacheSizeMB  int64
	WatchHistory int
	// NoSync skips fsync on commit. Tests only.
	NoSync bool
}

// PebbleStore is a durable single-node Store on a local pebble database.
// Writes are serialized by one mutex; watch is served in-process.
type PebbleStore struct {
	db   *pebble.DB
	path string
	sync *pebble.WriteOptions

	mu  sync.RWMutex
	rev int64
	hub *watchHub
}

// NewPebbleStore opens or creates a pebble-backed store at path
func NewPebbleStore(path string, opts PebbleOptions) (*PebbleStore, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 32
	}
	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref() // DB will hold reference

	db, err := pebble.Open(path, &pebble.Options{
		Cache:  cache,
		Logger: &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	s := &PebbleStore{
		db:   db,
		path: path,
		sync: pebble.Sync,
		hub:  newWatchHub(opts.WatchHistory),
	}
	if opts.NoSync {
		s.sync = pebble.NoSync
	}

	val, closer, err := db.Get([]byte(pebbleRevKey))
	switch {
	case err == nil:
		rev, decErr := DecodeUint64(val)
		closer.Close()
		if decErr != nil {
			db.Close()
			return nil, decErr
		}
		s.rev = int64(rev)
	case errors.Is(err, pebble.ErrNotFound):
	default:
		db.Close()
		return nil, fmt.Errorf("failed to read revision: %w", err)
	}

	// Changes from before this process started cannot be replayed
	s.hub.compactedRev = s.rev

	log.Info().Str("path", path).Int64("revision", s.rev).Msg("Opened pebble metadata store")
	return s, nil
}

func pebbleDataKey(key string) []byte {
	return []byte(pebbleDataPrefix + key)
}

func (s *PebbleStore) read(key string) (*pebbleRecord, error) {
	val, closer, err := s.db.Get(pebbleDataKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer closer.Close()

	var rec pebbleRecord
	if err := encoding.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &rec, nil
}

// Get implements Store
func (s *PebbleStore) Get(ctx context.Context, key string) (*KV, error) {
	rec, err := s.read(key)
	if err != nil {
		return nil, err
	}
	return &KV{Key: key, Value: rec.Value, Version: rec.Version}, nil
}

// List implements Store
func (s *PebbleStore) List(ctx context.Context, prefix string) ([]*KV, error) {
	lower := pebbleDataKey(prefix)
	upper := []byte(prefixUpperBound(pebbleDataPrefix + prefix))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer iter.Close()

	var out []*KV
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var rec pebbleRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			return nil, err
		}
		key := string(iter.Key()[len(pebbleDataPrefix):])
		out = append(out, &KV{Key: key, Value: rec.Value, Version: rec.Version})
	}
	return out, iter.Error()
}

// Put implements Store
func (s *PebbleStore) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	return s.Txn(ctx, []Op{Put(key, value, expected)})
}

// Delete implements Store
func (s *PebbleStore) Delete(ctx context.Context, key string, expected int64) error {
	_, err := s.Txn(ctx, []Op{Delete(key, expected)})
	return err
}

// Txn implements Store
func (s *PebbleStore) Txn(ctx context.Context, ops []Op) (int64, error) {
	if err := validateOps(ops); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]bool, len(ops))
	for _, op := range ops {
		rec, err := s.read(op.Key)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return 0, err
		}
		var current int64
		if exists {
			current = rec.Version
		}
		if !checkExpected(current, exists, op.Expected) {
			return 0, ErrVersionConflict
		}
		existing[op.Key] = exists
	}

	if !hasWrites(ops) {
		return s.rev, nil
	}

	rev := s.rev + 1
	batch := s.db.NewBatch()
	defer batch.Close()

	events := make([]Event, 0, len(ops))
	for _, op := range ops {
		switch op.Type {
		case OpPut:
			data, err := encoding.Marshal(&pebbleRecord{Value: op.Value, Version: rev})
			if err != nil {
				return 0, err
			}
			if err := batch.Set(pebbleDataKey(op.Key), data, nil); err != nil {
				return 0, err
			}
			existing[op.Key] = true
			events = append(events, Event{Type: EventPut, Key: op.Key, Value: op.Value, Revision: rev})
		case OpDelete:
			if !existing[op.Key] {
				continue
			}
			if err := batch.Delete(pebbleDataKey(op.Key), nil); err != nil {
				return 0, err
			}
			existing[op.Key] = false
			events = append(events, Event{Type: EventDelete, Key: op.Key, Revision: rev})
		}
	}
	if err := batch.Set([]byte(pebbleRevKey), EncodeUint64(uint64(rev)), nil); err != nil {
		return 0, err
	}
	if err := batch.Commit(s.sync); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.rev = rev
	s.hub.publish(events)
	return rev, nil
}

// Watch implements Store
func (s *PebbleStore) Watch(ctx context.Context, prefix string, fromRevision int64) (<-chan Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hub.watch(ctx, prefix, fromRevision, s.rev)
}

// Close implements Store
func (s *PebbleStore) Close() error {
	s.hub.closeAll()
	return s.db.Close()
}
