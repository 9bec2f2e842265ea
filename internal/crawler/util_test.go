package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "张三", SanitizeFilename("  张三 ", "unnamed"))
	assert.Equal(t, "a_b_c", SanitizeFilename("a/b:c", "unnamed"))
	assert.Equal(t, "Jane Doe", SanitizeFilename("Jane \t  Doe.", "unnamed"))
	assert.Equal(t, "unnamed", SanitizeFilename("   ", "unnamed"))
	assert.Equal(t, "unnamed", SanitizeFilename("...", "unnamed"))
}

func TestResolveURL(t *testing.T) {
	base := "https://example.org/list/page-1.html"
	assert.Equal(t, "https://example.org/people/1", ResolveURL(base, "/people/1#bio"))
	assert.Equal(t, "https://example.org/list/page-2.html", ResolveURL(base, "page-2.html"))
	assert.Equal(t, "https://example.org/", ResolveURL(base, "https://EXAMPLE.org"))
	assert.Empty(t, ResolveURL(base, "javascript:void(0)"))
	assert.Empty(t, ResolveURL(base, "mailto:x@example.org"))
	assert.Empty(t, ResolveURL(base, ""))
	assert.Empty(t, ResolveURL(base, "ftp://example.org/file"))
}

func TestCanonicalizeURL(t *testing.T) {
	got, err := CanonicalizeURL("https://Example.org?q=1#frag")
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/?q=1", got)
}
