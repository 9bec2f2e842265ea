// Package postgres stores checkpoints in Postgres so several operators can
// share one resumable run state.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

var validTablePrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const backoffKVKey = "backoff"

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Store implements crawler.CheckpointStore with two tables: <prefix>_entries
// for per-entity progress and <prefix>_kv for positions, backoff and the hash index.
type Store struct {
	pool    pool
	entries string
	kv      string
}

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("checkpoint.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.TablePrefix)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, prefix string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix == "" {
		prefix = "d2i"
	}
	if !validTablePrefix.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &Store{pool: p, entries: prefix + "_entries", kv: prefix + "_kv"}, nil
}

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	stage text NOT NULL,
	entity_id text NOT NULL,
	status text NOT NULL,
	attempts integer NOT NULL DEFAULT 0,
	last_attempt_at timestamptz NOT NULL DEFAULT now(),
	last_error text NOT NULL DEFAULT '',
	PRIMARY KEY (stage, entity_id)
);
CREATE TABLE IF NOT EXISTS %s (
	key text PRIMARY KEY,
	value bytea NOT NULL
)`, s.entries, s.kv)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create checkpoint tables: %w", err)
	}
	return nil
}

// Get returns the entry for the entity, if any.
func (s *Store) Get(ctx context.Context, stage crawler.Stage, entityID string) (crawler.CheckpointEntry, bool, error) {
	query := fmt.Sprintf(`SELECT status, attempts, last_attempt_at, last_error FROM %s WHERE stage = $1 AND entity_id = $2`, s.entries)
	entry, found, err := scanEntry(s.pool.QueryRow(ctx, query, string(stage), entityID), stage, entityID)
	if err != nil {
		return crawler.CheckpointEntry{}, false, fmt.Errorf("get checkpoint %s/%s: %w", stage, entityID, err)
	}
	return entry, found, nil
}

// Update locks the entity row key for the transaction, applies fn and upserts the result.
func (s *Store) Update(
	ctx context.Context,
	stage crawler.Stage,
	entityID string,
	fn func(entry crawler.CheckpointEntry, found bool) (crawler.CheckpointEntry, error),
) (result crawler.CheckpointEntry, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return crawler.CheckpointEntry{}, fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(stage)+":"+entityID); err != nil {
		return crawler.CheckpointEntry{}, fmt.Errorf("lock checkpoint %s/%s: %w", stage, entityID, err)
	}
	query := fmt.Sprintf(`SELECT status, attempts, last_attempt_at, last_error FROM %s WHERE stage = $1 AND entity_id = $2 FOR UPDATE`, s.entries)
	current, found, err := scanEntry(tx.QueryRow(ctx, query, string(stage), entityID), stage, entityID)
	if err != nil {
		return crawler.CheckpointEntry{}, fmt.Errorf("read checkpoint %s/%s: %w", stage, entityID, err)
	}
	next, err := fn(current, found)
	if err != nil {
		return crawler.CheckpointEntry{}, err
	}
	next.Stage = stage
	next.EntityID = entityID

	upsert := fmt.Sprintf(`
INSERT INTO %s (stage, entity_id, status, attempts, last_attempt_at, last_error)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (stage, entity_id) DO UPDATE SET
	status = EXCLUDED.status,
	attempts = EXCLUDED.attempts,
	last_attempt_at = EXCLUDED.last_attempt_at,
	last_error = EXCLUDED.last_error`, s.entries)
	if _, err = tx.Exec(ctx, upsert,
		string(stage), entityID, string(next.Status), next.Attempts, next.LastAttemptAt, next.LastError,
	); err != nil {
		return crawler.CheckpointEntry{}, fmt.Errorf("upsert checkpoint %s/%s: %w", stage, entityID, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return crawler.CheckpointEntry{}, fmt.Errorf("commit checkpoint %s/%s: %w", stage, entityID, err)
	}
	return next, nil
}

// List returns every entry of the stage ordered by entity id.
func (s *Store) List(ctx context.Context, stage crawler.Stage) ([]crawler.CheckpointEntry, error) {
	query := fmt.Sprintf(`SELECT entity_id, status, attempts, last_attempt_at, last_error FROM %s WHERE stage = $1 ORDER BY entity_id`, s.entries)
	rows, err := s.pool.Query(ctx, query, string(stage))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints %s: %w", stage, err)
	}
	defer rows.Close()
	out := make([]crawler.CheckpointEntry, 0)
	for rows.Next() {
		var (
			entry  crawler.CheckpointEntry
			status string
			at     time.Time
		)
		if err := rows.Scan(&entry.EntityID, &status, &entry.Attempts, &at, &entry.LastError); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		entry.Stage = stage
		entry.Status = crawler.CheckpointStatus(status)
		entry.LastAttemptAt = at.UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints %s: %w", stage, err)
	}
	return out, nil
}

// Position returns a stored run position.
func (s *Store) Position(ctx context.Context, key string) ([]byte, bool, error) {
	raw, found, err := s.getKV(ctx, "pos:"+key)
	if err != nil {
		return nil, false, fmt.Errorf("get position %s: %w", key, err)
	}
	return raw, found, nil
}

// SetPosition stores a run position.
func (s *Store) SetPosition(ctx context.Context, key string, value []byte) error {
	if err := s.putKV(ctx, "pos:"+key, value); err != nil {
		return fmt.Errorf("set position %s: %w", key, err)
	}
	return nil
}

// LoadBackoff returns the persisted backoff state; a missing row is inactive.
func (s *Store) LoadBackoff(ctx context.Context) (crawler.BackoffState, error) {
	var state crawler.BackoffState
	raw, found, err := s.getKV(ctx, backoffKVKey)
	if err != nil {
		return state, fmt.Errorf("load backoff: %w", err)
	}
	if !found {
		return state, nil
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return crawler.BackoffState{}, fmt.Errorf("decode backoff: %w", err)
	}
	return state, nil
}

// SaveBackoff replaces the persisted backoff state.
func (s *Store) SaveBackoff(ctx context.Context, state crawler.BackoffState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode backoff: %w", err)
	}
	if err := s.putKV(ctx, backoffKVKey, raw); err != nil {
		return fmt.Errorf("save backoff: %w", err)
	}
	return nil
}

// ClaimHash inserts the hash owner unless present and returns the winning path.
func (s *Store) ClaimHash(ctx context.Context, hash string, path string) (string, bool, error) {
	insert := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`, s.kv)
	tag, err := s.pool.Exec(ctx, insert, "hash:"+hash, []byte(path))
	if err != nil {
		return "", false, fmt.Errorf("claim hash %s: %w", hash, err)
	}
	if tag.RowsAffected() == 1 {
		return path, true, nil
	}
	raw, found, err := s.getKV(ctx, "hash:"+hash)
	if err != nil {
		return "", false, fmt.Errorf("read hash owner %s: %w", hash, err)
	}
	if !found {
		return "", false, fmt.Errorf("hash owner %s vanished", hash)
	}
	return string(raw), false, nil
}

// LookupURL returns the content hash bound to imageURL.
func (s *Store) LookupURL(ctx context.Context, imageURL string) (string, bool, error) {
	raw, found, err := s.getKV(ctx, "url:"+imageURL)
	if err != nil {
		return "", false, fmt.Errorf("lookup url: %w", err)
	}
	return string(raw), found, nil
}

// BindURL binds imageURL to hash.
func (s *Store) BindURL(ctx context.Context, imageURL string, hash string) error {
	if err := s.putKV(ctx, "url:"+imageURL, []byte(hash)); err != nil {
		return fmt.Errorf("bind url: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) getKV(ctx context.Context, key string) ([]byte, bool, error) {
	var raw []byte
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.kv)
	err := s.pool.QueryRow(ctx, query, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (s *Store) putKV(ctx context.Context, key string, value []byte) error {
	upsert := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, s.kv)
	_, err := s.pool.Exec(ctx, upsert, key, value)
	return err
}

func scanEntry(row pgx.Row, stage crawler.Stage, entityID string) (crawler.CheckpointEntry, bool, error) {
	var (
		status    string
		attempts  int
		at        time.Time
		lastError string
	)
	err := row.Scan(&status, &attempts, &at, &lastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CheckpointEntry{}, false, nil
	}
	if err != nil {
		return crawler.CheckpointEntry{}, false, err
	}
	entry := crawler.CheckpointEntry{
		EntityID:      entityID,
		Stage:         stage,
		Status:        crawler.CheckpointStatus(status),
		Attempts:      attempts,
		LastError:     lastError,
		LastAttemptAt: at.UTC(),
	}
	return entry, true, nil
}

var _ crawler.CheckpointStore = (*Store)(nil)
