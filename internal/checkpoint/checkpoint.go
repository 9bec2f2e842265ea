// Package checkpoint holds the resume rules shared by every checkpoint backend.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

// Decision tells the pipeline what to do with an entity on this run.
type Decision int

// Decisions returned by ShouldProcess.
const (
	Process Decision = iota
	SkipDone
	SkipExhausted
)

func (d Decision) String() string {
	switch d {
	case Process:
		return "process"
	case SkipDone:
		return "skip_done"
	case SkipExhausted:
		return "skip_exhausted"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// ShouldProcess applies the resume rules: done entries are skipped, failed
// entries are retried until ceiling attempts, and a missing entry is pending.
// Backoff and pending entries are always processed.
func ShouldProcess(entry crawler.CheckpointEntry, found bool, ceiling int) Decision {
	if !found {
		return Process
	}
	switch entry.Status {
	case crawler.CheckpointDone:
		return SkipDone
	case crawler.CheckpointFailed:
		if ceiling > 0 && entry.Attempts >= ceiling {
			return SkipExhausted
		}
		return Process
	default:
		return Process
	}
}

// BeginAttempt records a new attempt for the entity and returns the updated entry.
func BeginAttempt(ctx context.Context, store crawler.CheckpointStore, stage crawler.Stage, entityID string, now time.Time) (crawler.CheckpointEntry, error) {
	return store.Update(ctx, stage, entityID, func(entry crawler.CheckpointEntry, found bool) (crawler.CheckpointEntry, error) {
		if !found {
			entry = crawler.CheckpointEntry{EntityID: entityID, Stage: stage}
		}
		entry.Status = crawler.CheckpointPending
		entry.Attempts++
		entry.LastAttemptAt = now
		return entry, nil
	})
}

// Finish sets the terminal status of the current attempt.
func Finish(ctx context.Context, store crawler.CheckpointStore, stage crawler.Stage, entityID string, status crawler.CheckpointStatus, cause error) (crawler.CheckpointEntry, error) {
	return store.Update(ctx, stage, entityID, func(entry crawler.CheckpointEntry, found bool) (crawler.CheckpointEntry, error) {
		if !found {
			entry = crawler.CheckpointEntry{EntityID: entityID, Stage: stage}
		}
		entry.Status = status
		entry.LastError = ""
		if cause != nil {
			entry.LastError = cause.Error()
		}
		return entry, nil
	})
}

// LoadPosition decodes a JSON position value into out. found is false when no
// position was stored.
func LoadPosition(ctx context.Context, store crawler.CheckpointStore, key string, out any) (bool, error) {
	raw, found, err := store.Position(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode position %s: %w", key, err)
	}
	return true, nil
}

// SavePosition encodes value as JSON under key.
func SavePosition(ctx context.Context, store crawler.CheckpointStore, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode position %s: %w", key, err)
	}
	return store.SetPosition(ctx, key, raw)
}

// Counts tallies the entries of one stage by status.
func Counts(entries []crawler.CheckpointEntry) map[crawler.CheckpointStatus]int {
	out := make(map[crawler.CheckpointStatus]int)
	for _, entry := range entries {
		out[entry.Status]++
	}
	return out
}
