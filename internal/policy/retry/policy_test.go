package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestShouldRetry(t *testing.T) {
	p := New(Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second})
	url := "https://example.org/p/ann"

	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"network reset", &crawler.TransientFetchError{URL: url, Err: errors.New("connection reset")}, 1, true},
		{"net timeout", &crawler.TransientFetchError{URL: url, Err: timeoutErr{}}, 2, true},
		{"fetch deadline", &crawler.TransientFetchError{URL: url, Err: context.DeadlineExceeded}, 1, true},
		{"bad gateway", &crawler.TransientFetchError{URL: url, StatusCode: 502}, 1, true},
		{"not found", &crawler.TransientFetchError{URL: url, StatusCode: 404}, 1, false},
		{"too many requests", &crawler.TransientFetchError{URL: url, StatusCode: 429}, 1, false},
		{"ceiling reached", &crawler.TransientFetchError{URL: url, Err: errors.New("reset")}, 3, false},
		{"canceled", &crawler.TransientFetchError{URL: url, Err: context.Canceled}, 1, false},
		{"blocked", &crawler.BlockedError{URL: url, StatusCode: 403}, 1, false},
		{"payload", &crawler.PayloadError{URL: url, Reason: "not an image"}, 1, false},
		{"unclassified", errors.New("unexpected EOF"), 1, false},
		{"nil", nil, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ShouldRetry(tt.err, tt.attempt))
		})
	}
}

func TestBackoffDoublesWithinJitterBounds(t *testing.T) {
	p := New(Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 3 * time.Second})
	for i := 0; i < 20; i++ {
		first := p.Backoff(1)
		assert.GreaterOrEqual(t, first, 500*time.Millisecond)
		assert.LessOrEqual(t, first, time.Second)

		second := p.Backoff(2)
		assert.GreaterOrEqual(t, second, time.Second)
		assert.LessOrEqual(t, second, 2*time.Second)

		capped := p.Backoff(4)
		assert.GreaterOrEqual(t, capped, 1500*time.Millisecond)
		assert.LessOrEqual(t, capped, 3*time.Second)
	}
}

func TestZeroBaseDelayNeverWaits(t *testing.T) {
	p := New(Config{MaxAttempts: 3})
	assert.Equal(t, time.Duration(0), p.Backoff(2))

	var nilPolicy *Policy
	assert.False(t, nilPolicy.ShouldRetry(errors.New("x"), 1))
}
