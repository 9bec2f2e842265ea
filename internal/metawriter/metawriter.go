// Package metawriter attaches descriptive metadata to delivered image files.
package metawriter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

// SidecarSuffix is appended to the image path to name its metadata file.
const SidecarSuffix = ".meta.json"

// Sidecar writes the field mapping next to the image as JSON. Field
// semantics are left to the caller.
type Sidecar struct {
	clock crawler.Clock
}

// NewSidecar constructs a Sidecar writer.
func NewSidecar(clock crawler.Clock) *Sidecar {
	return &Sidecar{clock: clock}
}

type sidecarDoc struct {
	Image     string            `json:"image"`
	Fields    map[string]string `json:"fields"`
	Keys      []string          `json:"keys"`
	WrittenAt time.Time         `json:"written_at"`
}

// Write stores fields in <imagePath>.meta.json, replacing any previous file.
func (s *Sidecar) Write(ctx context.Context, imagePath string, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	if _, err := os.Stat(imagePath); err != nil {
		return fmt.Errorf("stat image %s: %w", imagePath, err)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	doc := sidecarDoc{
		Image:     filepath.Base(imagePath),
		Fields:    fields,
		Keys:      keys,
		WrittenAt: s.clock.Now(),
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	target := imagePath + SidecarSuffix
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write metadata %s: %w", target, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename metadata %s: %w", target, err)
	}
	return nil
}

// Disabled skips metadata writing.
type Disabled struct{}

// Write does nothing.
func (Disabled) Write(context.Context, string, map[string]string) error { return nil }

var (
	_ crawler.MetadataWriter = (*Sidecar)(nil)
	_ crawler.MetadataWriter = Disabled{}
)
