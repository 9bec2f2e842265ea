package blockdetect

import (
	"math"
	"time"
)

// Policy computes how long fetching halts after the n-th backoff of a run.
type Policy struct {
	Kind string
	Base time.Duration
	Max  time.Duration
}

// Delay returns the halt duration for the given trigger count (1-based).
// Fixed policies always return Base; exponential ones double per trigger up to Max.
func (p Policy) Delay(count int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 6 * time.Hour
	}
	if p.Kind != "exponential" || count <= 1 {
		return base
	}
	delay := float64(base) * math.Pow(2, float64(count-1))
	if p.Max > 0 && delay > float64(p.Max) {
		return p.Max
	}
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
