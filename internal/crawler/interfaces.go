package crawler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Fetcher fetches a URL and returns the body plus metadata. Non-2xx statuses
// are returned as a response, not an error; errors describe transport faults.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// SelectorEvaluator turns a fetched page into list items or detail fields.
type SelectorEvaluator interface {
	ListItems(page FetchResponse, bindings SelectorBindings) (ListPage, error)
	Detail(page FetchResponse, bindings SelectorBindings) (DetailPage, error)
}

// MetadataWriter embeds descriptive metadata into a delivered image file.
type MetadataWriter interface {
	Write(ctx context.Context, imagePath string, fields map[string]string) error
}

// CheckpointStore persists per-entity progress, run positions, the backoff
// state and the content-hash index. Update is an atomic read-modify-write.
type CheckpointStore interface {
	Get(ctx context.Context, stage Stage, entityID string) (CheckpointEntry, bool, error)
	Update(ctx context.Context, stage Stage, entityID string, fn func(entry CheckpointEntry, found bool) (CheckpointEntry, error)) (CheckpointEntry, error)
	List(ctx context.Context, stage Stage) ([]CheckpointEntry, error)

	Position(ctx context.Context, key string) ([]byte, bool, error)
	SetPosition(ctx context.Context, key string, value []byte) error

	LoadBackoff(ctx context.Context) (BackoffState, error)
	SaveBackoff(ctx context.Context, state BackoffState) error

	// ClaimHash registers path for hash unless already registered and returns
	// the path that owns the hash. claimed is true when this call registered it.
	ClaimHash(ctx context.Context, hash string, path string) (owner string, claimed bool, err error)
	LookupURL(ctx context.Context, imageURL string) (hash string, found bool, err error)
	BindURL(ctx context.Context, imageURL string, hash string) error

	Close() error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewRunID() (uuid.UUID, error)
}
