package blockdetect

import (
	"bytes"
	"strings"
)

// DefaultChallengeMarkers are lower-case fragments of anti-bot interstitials.
var DefaultChallengeMarkers = []string{
	"checking your browser",
	"just a moment",
	"ddos protection",
	"__jsl_clearance_s",
	"__jsluid",
}

// challengeSampleBytes bounds how much of a body is scanned.
const challengeSampleBytes = 64 << 10

// ChallengeHeuristic spots challenge pages served with a success status.
type ChallengeHeuristic struct {
	markers [][]byte
}

// NewChallengeHeuristic builds a heuristic; an empty list uses DefaultChallengeMarkers.
func NewChallengeHeuristic(markers []string) *ChallengeHeuristic {
	if len(markers) == 0 {
		markers = DefaultChallengeMarkers
	}
	h := &ChallengeHeuristic{}
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" {
			h.markers = append(h.markers, []byte(m))
		}
	}
	return h
}

// Matches reports whether body looks like a challenge page. Binary payloads
// (images) never match.
func (h *ChallengeHeuristic) Matches(contentType string, body []byte) bool {
	if h == nil || len(body) == 0 {
		return false
	}
	ct := strings.ToLower(contentType)
	if ct != "" && !strings.Contains(ct, "html") && !strings.HasPrefix(ct, "text/") {
		return false
	}
	sample := body
	if len(sample) > challengeSampleBytes {
		sample = sample[:challengeSampleBytes]
	}
	if ct == "" && !looksLikeText(sample) {
		return false
	}
	lower := bytes.ToLower(sample)
	for _, marker := range h.markers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func looksLikeText(sample []byte) bool {
	head := sample
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.IndexByte(head, 0) == -1
}
