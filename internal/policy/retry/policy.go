// Package retry decides whether a failed fetch is tried again within the same
// run and how long to wait before the next attempt.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

// Config bounds the attempts and the delay between them. MaxAttempts counts
// every attempt an entity ever made, including earlier runs.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Policy is an exponential retry policy with jitter. It is safe for concurrent use.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// New builds a Policy. A zero MaxDelay leaves the delay uncapped.
func New(cfg Config) *Policy {
	return &Policy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
}

// retryableStatus lists the responses worth asking for again right away.
// 429 and 403 are block signals and are left to the block detector.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
	522:                            true,
	524:                            true,
}

// ShouldRetry reports whether err after attempt (1-based) earns another try.
// Only transient fetch errors qualify: network failures, fetch timeouts and
// the gateway-style statuses above.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if p == nil || err == nil || attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var transient *crawler.TransientFetchError
	if !errors.As(err, &transient) {
		return false
	}
	if transient.StatusCode > 0 {
		return retryableStatus[transient.StatusCode]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return transient.Err != nil
}

// Backoff returns the wait before the attempt following attempt. The delay
// doubles per attempt up to MaxDelay, and half of it is random jitter.
func (p *Policy) Backoff(attempt int) time.Duration {
	if p == nil || p.baseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if p.maxDelay > 0 && delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(time.Duration(delay)-half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
