// Package badger persists checkpoints in an embedded BadgerDB directory.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

const maxConflictRetries = 16

// Config controls where the database lives.
type Config struct {
	Dir      string
	InMemory bool
	Logger   *zap.Logger
}

// Store implements crawler.CheckpointStore on top of BadgerDB. Each Update runs
// inside one read-write transaction; conflicting transactions are retried.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens (or creates) the database.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" && !cfg.InMemory {
		return nil, fmt.Errorf("checkpoint dir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger checkpoint store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func entryKey(stage crawler.Stage, entityID string) []byte {
	return []byte("entry:" + string(stage) + ":" + entityID)
}

func entryPrefix(stage crawler.Stage) []byte {
	return []byte("entry:" + string(stage) + ":")
}

func positionKey(key string) []byte { return []byte("pos:" + key) }
func hashKey(hash string) []byte    { return []byte("hash:" + hash) }
func urlKey(imageURL string) []byte { return []byte("url:" + imageURL) }

var backoffKey = []byte("backoff")

// Get returns the entry for the entity, if any.
func (s *Store) Get(_ context.Context, stage crawler.Stage, entityID string) (crawler.CheckpointEntry, bool, error) {
	var (
		entry crawler.CheckpointEntry
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, entryKey(stage, entityID), &entry)
		return err
	})
	if err != nil {
		return crawler.CheckpointEntry{}, false, fmt.Errorf("get checkpoint %s/%s: %w", stage, entityID, err)
	}
	return entry, found, nil
}

// Update applies fn inside a read-write transaction.
func (s *Store) Update(
	ctx context.Context,
	stage crawler.Stage,
	entityID string,
	fn func(entry crawler.CheckpointEntry, found bool) (crawler.CheckpointEntry, error),
) (crawler.CheckpointEntry, error) {
	var result crawler.CheckpointEntry
	err := s.update(ctx, func(txn *badger.Txn) error {
		var current crawler.CheckpointEntry
		key := entryKey(stage, entityID)
		found, err := getJSON(txn, key, &current)
		if err != nil {
			return err
		}
		next, err := fn(current, found)
		if err != nil {
			return err
		}
		next.Stage = stage
		next.EntityID = entityID
		if err := setJSON(txn, key, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return crawler.CheckpointEntry{}, fmt.Errorf("update checkpoint %s/%s: %w", stage, entityID, err)
	}
	return result, nil
}

// List returns every entry of the stage in key order.
func (s *Store) List(_ context.Context, stage crawler.Stage) ([]crawler.CheckpointEntry, error) {
	out := make([]crawler.CheckpointEntry, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := entryPrefix(stage)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry crawler.CheckpointEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints %s: %w", stage, err)
	}
	return out, nil
}

// Position returns a stored run position.
func (s *Store) Position(_ context.Context, key string) ([]byte, bool, error) {
	var (
		raw   []byte
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(positionKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("get position %s: %w", key, err)
	}
	return raw, found, nil
}

// SetPosition stores a run position.
func (s *Store) SetPosition(ctx context.Context, key string, value []byte) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(positionKey(key), value)
	})
	if err != nil {
		return fmt.Errorf("set position %s: %w", key, err)
	}
	return nil
}

// LoadBackoff returns the persisted backoff state; a missing key is inactive.
func (s *Store) LoadBackoff(context.Context) (crawler.BackoffState, error) {
	var state crawler.BackoffState
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := getJSON(txn, backoffKey, &state)
		return err
	})
	if err != nil {
		return crawler.BackoffState{}, fmt.Errorf("load backoff: %w", err)
	}
	return state, nil
}

// SaveBackoff replaces the persisted backoff state.
func (s *Store) SaveBackoff(ctx context.Context, state crawler.BackoffState) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, backoffKey, state)
	})
	if err != nil {
		return fmt.Errorf("save backoff: %w", err)
	}
	return nil
}

// ClaimHash registers path for hash unless another path already owns it.
func (s *Store) ClaimHash(ctx context.Context, hash string, path string) (string, bool, error) {
	var (
		owner   string
		claimed bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(hashKey(hash))
		switch {
		case err == nil:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			owner, claimed = string(raw), false
			return nil
		case errors.Is(err, badger.ErrKeyNotFound):
			owner, claimed = path, true
			return txn.Set(hashKey(hash), []byte(path))
		default:
			return err
		}
	})
	if err != nil {
		return "", false, fmt.Errorf("claim hash %s: %w", hash, err)
	}
	return owner, claimed, nil
}

// LookupURL returns the content hash bound to imageURL.
func (s *Store) LookupURL(_ context.Context, imageURL string) (string, bool, error) {
	var (
		hash  string
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(urlKey(imageURL))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		hash, found = string(raw), true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("lookup url: %w", err)
	}
	return hash, found, nil
}

// BindURL binds imageURL to hash.
func (s *Store) BindURL(ctx context.Context, imageURL string, hash string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(urlKey(imageURL), []byte(hash))
	})
	if err != nil {
		return fmt.Errorf("bind url: %w", err)
	}
	return nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger checkpoint store: %w", err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug("checkpoint transaction conflict, retrying", zap.Int("attempt", attempt+1))
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, out any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", strings.SplitN(string(key), ":", 2)[0], err)
	}
	return true, nil
}

func setJSON(txn *badger.Txn, key []byte, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

var _ crawler.CheckpointStore = (*Store)(nil)
