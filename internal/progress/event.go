package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

// Kind denotes the milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindRunStart   Kind = "RUN_START"
	KindStageStart Kind = "STAGE_START"
	KindStageDone  Kind = "STAGE_DONE"
	KindFetchDone  Kind = "FETCH_DONE"
	KindBackoff    Kind = "BACKOFF"
	KindFallback   Kind = "FALLBACK"
	KindRunDone    Kind = "RUN_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported status classes. StatusError marks fetches that produced no response.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusError StatusClass = "error"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of a run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS   time.Time
	Kind Kind
	// Stage scopes stage, fetch, backoff and fallback events.
	Stage    crawler.Stage
	URL      string
	Strategy crawler.Strategy
	// StatusClass groups the fetch response code.
	StatusClass StatusClass
	Bytes       int64
	Dur         time.Duration
	// Counters is set on STAGE_DONE.
	Counters crawler.StageCounters
	// Status is the run status on RUN_DONE.
	Status crawler.RunStatus
	// Note carries low-volume context such as a backoff or fallback reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRunStart:
	case KindStageStart, KindStageDone, KindBackoff, KindFallback:
		if e.Stage == "" {
			return fmt.Errorf("%s requires stage", e.Kind)
		}
	case KindFetchDone:
		if e.Stage == "" {
			return errors.New("fetch done requires stage")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case KindRunDone:
		if e.Status == "" {
			return errors.New("run done requires status")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code == 0:
		return StatusError
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
