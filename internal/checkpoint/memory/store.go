// Package memory provides an in-memory checkpoint store for tests and dry runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

type entryKey struct {
	stage crawler.Stage
	id    string
}

// Store keeps every checkpoint structure in maps guarded by one mutex, which
// makes each Update an atomic read-modify-write.
type Store struct {
	mu        sync.Mutex
	entries   map[entryKey]crawler.CheckpointEntry
	positions map[string][]byte
	backoff   crawler.BackoffState
	hashes    map[string]string
	urls      map[string]string
	closed    bool
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		entries:   make(map[entryKey]crawler.CheckpointEntry),
		positions: make(map[string][]byte),
		hashes:    make(map[string]string),
		urls:      make(map[string]string),
	}
}

// Get returns the entry for the entity, if any.
func (s *Store) Get(_ context.Context, stage crawler.Stage, entityID string) (crawler.CheckpointEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryKey{stage, entityID}]
	return entry, ok, nil
}

// Update applies fn to the current entry and stores the result.
func (s *Store) Update(
	_ context.Context,
	stage crawler.Stage,
	entityID string,
	fn func(entry crawler.CheckpointEntry, found bool) (crawler.CheckpointEntry, error),
) (crawler.CheckpointEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey{stage, entityID}
	current, found := s.entries[key]
	next, err := fn(current, found)
	if err != nil {
		return current, err
	}
	next.Stage = stage
	next.EntityID = entityID
	s.entries[key] = next
	return next, nil
}

// List returns the stage's entries sorted by entity id.
func (s *Store) List(_ context.Context, stage crawler.Stage) ([]crawler.CheckpointEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.CheckpointEntry, 0)
	for key, entry := range s.entries {
		if key.stage == stage {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// Position returns a stored run position.
func (s *Store) Position(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.positions[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), raw...), true, nil
}

// SetPosition stores a run position.
func (s *Store) SetPosition(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[key] = append([]byte(nil), value...)
	return nil
}

// LoadBackoff returns the persisted backoff state.
func (s *Store) LoadBackoff(context.Context) (crawler.BackoffState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff, nil
}

// SaveBackoff replaces the persisted backoff state.
func (s *Store) SaveBackoff(_ context.Context, state crawler.BackoffState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoff = state
	return nil
}

// ClaimHash registers path as owner of hash unless another path already owns it.
func (s *Store) ClaimHash(_ context.Context, hash string, path string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.hashes[hash]; ok {
		return owner, false, nil
	}
	s.hashes[hash] = path
	return path, true, nil
}

// LookupURL returns the content hash previously bound to imageURL.
func (s *Store) LookupURL(_ context.Context, imageURL string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.urls[imageURL]
	return hash, ok, nil
}

// BindURL binds imageURL to a content hash.
func (s *Store) BindURL(_ context.Context, imageURL string, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls[imageURL] = hash
	return nil
}

// Close marks the store closed. Data stays readable for inspection in tests.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ crawler.CheckpointStore = (*Store)(nil)
