package crawler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBackoffActive is returned by the rate governor while fetching is halted.
var ErrBackoffActive = errors.New("backoff active")

// ErrOperatorPause is returned when the operator asked the run to stop at the next safe point.
var ErrOperatorPause = errors.New("operator pause requested")

// ErrStageTimeout is returned when a stage exceeds its maximum runtime.
var ErrStageTimeout = errors.New("stage runtime exceeded")

// TransientFetchError is a timeout, connection error or 5xx response. It is
// retried within the attempt ceiling.
type TransientFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient fetch error for %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transient fetch error for %s: %v", e.URL, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// BlockedError signals a response the block detector classified as blocked.
type BlockedError struct {
	URL        string
	StatusCode int
	Reason     string
	RetryAfter time.Time
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked fetching %s: %s (status %d)", e.URL, e.Reason, e.StatusCode)
}

// ValidationError reports the required fields a profile is missing.
type ValidationError struct {
	DetailURL string
	Fields    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("profile %s missing required fields: %s", e.DetailURL, strings.Join(e.Fields, ","))
}

// Missing returns the missing field names.
func (e *ValidationError) Missing() []string {
	out := make([]string, len(e.Fields))
	copy(out, e.Fields)
	return out
}

// PayloadError rejects a fetched image payload.
type PayloadError struct {
	URL         string
	ContentType string
	Reason      string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("rejected payload from %s (%s): %s", e.URL, e.ContentType, e.Reason)
}

// FatalConfigError aborts the run before any fetch or checkpoint mutation.
type FatalConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *FatalConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return "invalid configuration: " + e.Reason
}

func (e *FatalConfigError) Unwrap() error { return e.Err }

// StageFaultError is raised by a stage on an unclassified fault; it is the
// signal the fallback controller reacts to.
type StageFaultError struct {
	Stage    Stage
	EntityID string
	Err      error
}

func (e *StageFaultError) Error() string {
	return fmt.Sprintf("stage %s fault on %s: %v", e.Stage, e.EntityID, e.Err)
}

func (e *StageFaultError) Unwrap() error { return e.Err }

// ErrorKind names the taxonomy class of err for logs and failure records.
func ErrorKind(err error) string {
	var (
		transient  *TransientFetchError
		blocked    *BlockedError
		validation *ValidationError
		payload    *PayloadError
		fatal      *FatalConfigError
		fault      *StageFaultError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &blocked):
		return "blocked"
	case errors.As(err, &transient):
		return "transient"
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &payload):
		return "payload"
	case errors.As(err, &fatal):
		return "fatal_config"
	case errors.Is(err, ErrBackoffActive):
		return "backoff"
	case errors.As(err, &fault):
		return "fault"
	default:
		return "error"
	}
}
