// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// Stage names one phase of the pipeline.
type Stage string

// Pipeline stages in execution order.
const (
	StageDiscovery   Stage = "discovery"
	StageExtraction  Stage = "extraction"
	StageAcquisition Stage = "acquisition"
	StageWrite       Stage = "write"
)

// Stages lists the fetching/writing stages in the order the pipeline runs them.
var Stages = []Stage{StageDiscovery, StageExtraction, StageAcquisition, StageWrite}

// RunState is a state of the pipeline state machine.
type RunState string

// Pipeline states. REPORT and ABORTED are terminal.
const (
	StateDiscovery   RunState = "DISCOVERY"
	StateExtraction  RunState = "EXTRACTION"
	StateAcquisition RunState = "ACQUISITION"
	StateWrite       RunState = "WRITE"
	StateReport      RunState = "REPORT"
	StateAborted     RunState = "ABORTED"
)

// StateFor maps a stage to its state machine state.
func StateFor(stage Stage) RunState {
	switch stage {
	case StageDiscovery:
		return StateDiscovery
	case StageExtraction:
		return StateExtraction
	case StageAcquisition:
		return StateAcquisition
	case StageWrite:
		return StateWrite
	default:
		return StateReport
	}
}

// Strategy selects the fetch implementation.
type Strategy string

// Supported fetch strategies.
const (
	StrategyFast    Strategy = "fast"
	StrategyBrowser Strategy = "browser"
)

// RunStatus is the terminal status recorded in the Run Report.
type RunStatus string

// Run statuses. Paused runs are resumable; aborted runs need operator attention.
const (
	RunStatusRunning  RunStatus = "running"
	RunStatusFinished RunStatus = "finished"
	RunStatusPaused   RunStatus = "paused"
	RunStatusAborted  RunStatus = "aborted"
)

// ExitCode maps a run status to the process exit contract.
func (s RunStatus) ExitCode() int {
	switch s {
	case RunStatusFinished:
		return 0
	case RunStatusPaused:
		return 2
	default:
		return 1
	}
}

// CheckpointStatus is the persisted progress marker of one entity in one stage.
type CheckpointStatus string

// Checkpoint statuses. An entity with no entry is pending.
const (
	CheckpointPending CheckpointStatus = "pending"
	CheckpointDone    CheckpointStatus = "done"
	CheckpointFailed  CheckpointStatus = "failed"
	CheckpointBackoff CheckpointStatus = "backoff"
)

// CheckpointEntry records per-entity progress for one stage.
type CheckpointEntry struct {
	EntityID      string           `json:"entity_id"`
	Stage         Stage            `json:"stage"`
	Status        CheckpointStatus `json:"status"`
	Attempts      int              `json:"attempts"`
	LastAttemptAt time.Time        `json:"last_attempt_at"`
	LastError     string           `json:"last_error,omitempty"`
}

// ValidationStatus marks whether a profile carries every required field.
type ValidationStatus string

// Validation statuses.
const (
	ValidationComplete   ValidationStatus = "complete"
	ValidationIncomplete ValidationStatus = "incomplete"
)

// DiscoveryRecord is one item found on a list page.
type DiscoveryRecord struct {
	SourceURL    string            `json:"source_url"`
	DetailURL    string            `json:"detail_url"`
	DiscoveredAt time.Time         `json:"discovered_at"`
	ListFields   map[string]string `json:"list_fields,omitempty"`
}

// ProfileRecord is the extraction result of one detail page.
type ProfileRecord struct {
	DetailURL        string            `json:"detail_url"`
	SourceURL        string            `json:"source_url,omitempty"`
	Name             string            `json:"name"`
	ImageURL         string            `json:"image_url"`
	FullText         string            `json:"full_text,omitempty"`
	StructuredFields map[string]string `json:"structured_fields,omitempty"`
	ValidationStatus ValidationStatus  `json:"validation_status"`
	MissingFields    []string          `json:"missing_fields,omitempty"`
	ExtractedAt      time.Time         `json:"extracted_at"`
}

// Complete reports whether the profile passed required-field validation.
func (p ProfileRecord) Complete() bool {
	return p.ValidationStatus == ValidationComplete
}

// DownloadStatus describes the outcome of acquiring one image URL.
type DownloadStatus string

// Download statuses.
const (
	DownloadStored   DownloadStatus = "stored"
	DownloadLinked   DownloadStatus = "linked"
	DownloadFailed   DownloadStatus = "failed"
	DownloadRejected DownloadStatus = "rejected"
)

// ImageRecord ties an image URL to the content-addressed file holding its bytes.
type ImageRecord struct {
	ImageURL       string         `json:"image_url"`
	DetailURL      string         `json:"detail_url,omitempty"`
	ContentHash    string         `json:"content_hash,omitempty"`
	LocalPath      string         `json:"local_path,omitempty"`
	ContentType    string         `json:"content_type,omitempty"`
	Bytes          int64          `json:"bytes,omitempty"`
	DownloadStatus DownloadStatus `json:"download_status"`
	AttemptCount   int            `json:"attempt_count"`
	Strategy       Strategy       `json:"strategy,omitempty"`
	RecordedAt     time.Time      `json:"recorded_at"`
}

// ReviewEntry is appended to the review queue for a profile missing required fields.
type ReviewEntry struct {
	DetailURL     string    `json:"detail_url"`
	SourceURL     string    `json:"source_url,omitempty"`
	Name          string    `json:"name,omitempty"`
	MissingFields []string  `json:"missing_fields"`
	Reason        string    `json:"reason"`
	QueuedAt      time.Time `json:"queued_at"`
}

// FailureRecord is appended to the failure log for any entity attempt that failed.
type FailureRecord struct {
	Stage      Stage     `json:"stage"`
	EntityID   string    `json:"entity_id"`
	URL        string    `json:"url,omitempty"`
	Reason     string    `json:"reason"`
	Kind       string    `json:"kind"`
	StatusCode int       `json:"status_code,omitempty"`
	Attempt    int       `json:"attempt"`
	Strategy   Strategy  `json:"strategy,omitempty"`
	At         time.Time `json:"at"`
}

// MetadataResult records one metadata-writer invocation.
type MetadataResult struct {
	DetailURL  string    `json:"detail_url"`
	ImagePath  string    `json:"image_path"`
	NamedPath  string    `json:"named_path,omitempty"`
	Success    bool      `json:"success"`
	Skipped    bool      `json:"skipped,omitempty"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// BackoffState is the run-wide fetch halt raised by the block detector.
type BackoffState struct {
	Active        bool      `json:"active"`
	TriggeredAt   time.Time `json:"triggered_at,omitempty"`
	RetryAfter    time.Time `json:"retry_after,omitempty"`
	TriggerReason string    `json:"trigger_reason,omitempty"`
	Stage         Stage     `json:"stage,omitempty"`
	URL           string    `json:"url,omitempty"`
	Count         int       `json:"count,omitempty"`
}

// ActiveAt reports whether fetching is still halted at now.
func (b BackoffState) ActiveAt(now time.Time) bool {
	return b.Active && now.Before(b.RetryAfter)
}

// FallbackEvent records one fast-to-browser strategy switch.
type FallbackEvent struct {
	Stage        Stage     `json:"stage"`
	Reason       string    `json:"reason"`
	FromStrategy Strategy  `json:"from_strategy"`
	ToStrategy   Strategy  `json:"to_strategy"`
	Timestamp    time.Time `json:"timestamp"`
}

// StageCounters aggregates entity outcomes for one stage.
type StageCounters struct {
	Attempted        int `json:"attempted"`
	Succeeded        int `json:"succeeded"`
	Failed           int `json:"failed"`
	SkippedDuplicate int `json:"skipped_duplicate"`
	SkippedDone      int `json:"skipped_done"`
	Review           int `json:"review"`
	Exhausted        int `json:"exhausted"`
}

// Reconcile counts the persisted output lines at report time.
type Reconcile struct {
	ListRecords    int `json:"list_records"`
	Profiles       int `json:"profiles"`
	ReviewQueue    int `json:"review_queue"`
	ImageRecords   int `json:"image_records"`
	Failures       int `json:"failures"`
	MetadataWrites int `json:"metadata_writes"`
}

// CleanupResult describes what the output-mode cleanup did.
type CleanupResult struct {
	Mode    string   `json:"mode"`
	Cleaned bool     `json:"cleaned"`
	Skipped string   `json:"skipped,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// RunReport is the final summary of one pipeline invocation.
type RunReport struct {
	RunID          string                  `json:"run_id"`
	SiteName       string                  `json:"site_name,omitempty"`
	Status         RunStatus               `json:"status"`
	FinalState     RunState                `json:"final_state"`
	StatusReason   string                  `json:"status_reason,omitempty"`
	StartedAt      time.Time               `json:"started_at"`
	FinishedAt     time.Time               `json:"finished_at"`
	Strategy       Strategy                `json:"strategy"`
	Stages         map[Stage]StageCounters `json:"stages"`
	FallbackUsed   bool                    `json:"fallback_used"`
	FallbackEvents []FallbackEvent         `json:"fallback_events"`
	Backoff        BackoffState            `json:"backoff"`
	BackoffEvents  int                     `json:"backoff_events"`
	Reconcile      Reconcile               `json:"reconcile"`
	Cleanup        *CleanupResult          `json:"cleanup,omitempty"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Stage   Stage
	Referer string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Strategy   Strategy
}

// ContentType returns the response media type header.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// BaseURL is the URL relative links on the page resolve against.
func (r FetchResponse) BaseURL() string {
	if r.FinalURL != "" {
		return r.FinalURL
	}
	return r.URL
}

// ListItem is one item a selector evaluator found on a list page.
type ListItem struct {
	DetailURL string
	Fields    map[string]string
}

// ListPage is the evaluator output for one list page.
type ListPage struct {
	Items     []ListItem
	NextPages []string
}

// DetailPage is the evaluator output for one detail page. Missing lists the
// fields whose selectors matched nothing.
type DetailPage struct {
	Fields   map[string]string
	ImageURL string
	FullText string
	Missing  []string
}
