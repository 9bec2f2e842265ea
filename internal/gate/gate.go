// Package gate decides what may enter the archive: profiles must carry their
// required fields, payloads must be images, and identical bytes are stored once.
package gate

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
	"github.com/happidaswork-netizen/d2ilite/internal/records"
)

// FileStore is the subset of the local store the gate writes through.
type FileStore interface {
	Exists(rel string) bool
	Put(ctx context.Context, rel string, data []byte) (string, error)
}

// Config tunes validation and payload checks.
type Config struct {
	RequiredFields []string
	MaxImageBytes  int64
}

// Placement is where an image's bytes ended up.
type Placement struct {
	Hash      string
	RelPath   string
	Duplicate bool
}

// Gate is safe for concurrent use.
type Gate struct {
	required []string
	maxBytes int64
	hasher   crawler.Hasher
	index    crawler.CheckpointStore
	files    FileStore
	logger   *zap.Logger
}

// New constructs a Gate.
func New(cfg Config, hasher crawler.Hasher, index crawler.CheckpointStore, files FileStore, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	required := cfg.RequiredFields
	if len(required) == 0 {
		required = []string{"name", "image_url"}
	}
	return &Gate{
		required: append([]string(nil), required...),
		maxBytes: cfg.MaxImageBytes,
		hasher:   hasher,
		index:    index,
		files:    files,
		logger:   logger,
	}
}

// Validate sets the profile's validation status. An incomplete profile is
// returned together with a *crawler.ValidationError naming the missing fields.
func (g *Gate) Validate(p crawler.ProfileRecord) (crawler.ProfileRecord, error) {
	var missing []string
	for _, field := range g.required {
		if strings.TrimSpace(fieldValue(p, field)) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		p.ValidationStatus = crawler.ValidationComplete
		p.MissingFields = nil
		return p, nil
	}
	p.ValidationStatus = crawler.ValidationIncomplete
	p.MissingFields = missing
	return p, &crawler.ValidationError{DetailURL: p.DetailURL, Fields: missing}
}

func fieldValue(p crawler.ProfileRecord, field string) string {
	switch field {
	case "name":
		return p.Name
	case "image_url":
		return p.ImageURL
	case "full_text":
		return p.FullText
	case "detail_url":
		return p.DetailURL
	default:
		return p.StructuredFields[field]
	}
}

// CheckPayload accepts image bytes and returns the file extension to store
// them under. HTML bodies are rejected even when labelled as images.
func CheckPayload(url, contentType string, body []byte, maxBytes int64) (string, error) {
	if len(body) == 0 {
		return "", &crawler.PayloadError{URL: url, ContentType: contentType, Reason: "empty body"}
	}
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		return "", &crawler.PayloadError{
			URL:         url,
			ContentType: contentType,
			Reason:      fmt.Sprintf("payload of %d bytes exceeds limit %d", len(body), maxBytes),
		}
	}
	detected := mimetype.Detect(body)
	if isImage(detected) {
		return extension(detected), nil
	}
	if detected.Is("text/html") || detected.Is("application/xhtml+xml") {
		return "", &crawler.PayloadError{URL: url, ContentType: contentType, Reason: "html payload instead of image"}
	}
	declared := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if strings.HasPrefix(declared, "image/") {
		if m := mimetype.Lookup(declared); m != nil {
			return extension(m), nil
		}
		return "." + strings.TrimPrefix(strings.TrimPrefix(declared, "image/"), "x-"), nil
	}
	return "", &crawler.PayloadError{URL: url, ContentType: contentType, Reason: "not an image (" + detected.String() + ")"}
}

func isImage(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "image/") {
			return true
		}
	}
	return false
}

func extension(m *mimetype.MIME) string {
	if ext := m.Extension(); ext != "" {
		return ext
	}
	return ".img"
}

// ContentPath is the content-addressed location of bytes with the given hash.
func ContentPath(hash, ext string) string {
	shard := hash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return path.Join(records.ImagesDir, shard, hash+ext)
}

// Place hashes body and stores it unless identical bytes are already stored,
// then binds imageURL to the hash.
func (g *Gate) Place(ctx context.Context, imageURL string, body []byte, ext string) (Placement, error) {
	hash, err := g.hasher.Hash(body)
	if err != nil {
		return Placement{}, fmt.Errorf("hash image %s: %w", imageURL, err)
	}
	owner, claimed, err := g.index.ClaimHash(ctx, hash, ContentPath(hash, ext))
	if err != nil {
		return Placement{}, fmt.Errorf("claim content hash: %w", err)
	}
	if !g.files.Exists(owner) {
		if _, err := g.files.Put(ctx, owner, body); err != nil {
			return Placement{}, fmt.Errorf("store image %s: %w", imageURL, err)
		}
	}
	if err := g.index.BindURL(ctx, imageURL, hash); err != nil {
		return Placement{}, fmt.Errorf("bind image url: %w", err)
	}
	if !claimed {
		g.logger.Debug("duplicate image bytes",
			zap.String("url", imageURL),
			zap.String("hash", hash),
			zap.String("path", owner),
		)
	}
	return Placement{Hash: hash, RelPath: owner, Duplicate: !claimed}, nil
}

// Known returns the placement of an image URL whose bytes were stored by an
// earlier attempt. ok is false when the URL is unbound or its file is gone.
func (g *Gate) Known(ctx context.Context, imageURL string) (Placement, bool, error) {
	hash, found, err := g.index.LookupURL(ctx, imageURL)
	if err != nil {
		return Placement{}, false, fmt.Errorf("lookup image url: %w", err)
	}
	if !found {
		return Placement{}, false, nil
	}
	// A bound URL implies its hash was claimed, so this returns the owner.
	owner, _, err := g.index.ClaimHash(ctx, hash, ContentPath(hash, ""))
	if err != nil {
		return Placement{}, false, fmt.Errorf("resolve content hash: %w", err)
	}
	if !g.files.Exists(owner) {
		return Placement{}, false, nil
	}
	return Placement{Hash: hash, RelPath: owner, Duplicate: true}, true, nil
}
