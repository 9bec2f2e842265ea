package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Output modes.
const (
	OutputModeFull                 = "full"
	OutputModeImagesOnly           = "images_only"
	OutputModeImagesOnlyWithRecord = "images_only_with_record"
)

// Backoff policies.
const (
	BackoffPolicyFixed       = "fixed"
	BackoffPolicyExponential = "exponential"
)

// SelectorBindings maps logical fields to CSS selectors. A selector may end in
// "::text" or "::attr(name)".
type SelectorBindings struct {
	ListItem   string            `mapstructure:"list_item" json:"list_item" validate:"required"`
	DetailLink string            `mapstructure:"detail_link" json:"detail_link" validate:"required"`
	ListFields map[string]string `mapstructure:"list_fields" json:"list_fields,omitempty"`
	NextPage   string            `mapstructure:"next_page" json:"next_page,omitempty"`
	Name       string            `mapstructure:"name" json:"name" validate:"required"`
	Image      string            `mapstructure:"image" json:"image" validate:"required"`
	FullText   string            `mapstructure:"full_text" json:"full_text,omitempty"`
	Fields     map[string]string `mapstructure:"fields" json:"fields,omitempty"`
}

// RunConfig carries every knob of one pipeline run. It is built once and
// never mutated afterwards; use Clone before handing it to another owner.
type RunConfig struct {
	SiteName       string           `mapstructure:"site_name" json:"site_name"`
	Seeds          []string         `mapstructure:"seeds" json:"seeds" validate:"required,min=1,dive,url"`
	AllowedDomains []string         `mapstructure:"allowed_domains" json:"allowed_domains"`
	Selectors      SelectorBindings `mapstructure:"selectors" json:"selectors"`
	RequiredFields []string         `mapstructure:"required_fields" json:"required_fields" validate:"min=1,dive,required"`

	IntervalMin       time.Duration `mapstructure:"interval_min" json:"interval_min" validate:"gte=0"`
	IntervalMax       time.Duration `mapstructure:"interval_max" json:"interval_max" validate:"gte=0"`
	Concurrency       int           `mapstructure:"concurrency" json:"concurrency" validate:"gte=1"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" json:"requests_per_second" validate:"gte=0"`

	SuspectBlockThreshold int           `mapstructure:"suspect_block_consecutive_failures" json:"suspect_block_consecutive_failures" validate:"gte=1"`
	BlockedStatuses       []int         `mapstructure:"blocked_statuses" json:"blocked_statuses"`
	ChallengeMarkers      []string      `mapstructure:"challenge_markers" json:"challenge_markers"`
	BackoffPolicy         string        `mapstructure:"backoff_policy" json:"backoff_policy" validate:"oneof=fixed exponential"`
	BackoffBase           time.Duration `mapstructure:"backoff_base" json:"backoff_base" validate:"gt=0"`
	BackoffMax            time.Duration `mapstructure:"backoff_max" json:"backoff_max" validate:"gte=0"`

	Strategy        Strategy `mapstructure:"strategy" json:"strategy" validate:"oneof=fast browser"`
	FallbackEnabled bool     `mapstructure:"fallback_enabled" json:"fallback_enabled"`

	OutputMode   string   `mapstructure:"output_mode" json:"output_mode" validate:"oneof=full images_only images_only_with_record"`
	OutputRoot   string   `mapstructure:"output_root" json:"output_root" validate:"required"`
	NamedDir     string   `mapstructure:"named_dir" json:"named_dir"`
	CleanupPaths []string `mapstructure:"cleanup_paths" json:"cleanup_paths"`

	MaxAttempts     int           `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=1"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout" validate:"gt=0"`
	StageTimeout    time.Duration `mapstructure:"stage_timeout" json:"stage_timeout" validate:"gt=0"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay" json:"retry_base_delay" validate:"gte=0"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay" json:"retry_max_delay" validate:"gte=0"`
	MaxListPages    int           `mapstructure:"max_list_pages" json:"max_list_pages" validate:"gte=0"`
	MaxImageBytes   int64         `mapstructure:"max_image_bytes" json:"max_image_bytes" validate:"gte=0"`
	MetadataEnabled bool          `mapstructure:"metadata_enabled" json:"metadata_enabled"`

	UserAgent      string            `mapstructure:"user_agent" json:"user_agent"`
	DefaultHeaders map[string]string `mapstructure:"default_headers" json:"default_headers,omitempty"`
	RespectRobots  bool              `mapstructure:"respect_robots" json:"respect_robots"`
}

// DefaultRunConfig returns the defaults applied before user values.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		RequiredFields:        []string{"name", "image_url"},
		IntervalMin:           time.Second,
		IntervalMax:           3 * time.Second,
		Concurrency:           1,
		SuspectBlockThreshold: 3,
		BlockedStatuses:       []int{403, 429},
		BackoffPolicy:         BackoffPolicyFixed,
		BackoffBase:           6 * time.Hour,
		BackoffMax:            48 * time.Hour,
		Strategy:              StrategyFast,
		FallbackEnabled:       true,
		OutputMode:            OutputModeFull,
		OutputRoot:            "data",
		NamedDir:              "named",
		MaxAttempts:           3,
		FetchTimeout:          30 * time.Second,
		StageTimeout:          6 * time.Hour,
		RetryBaseDelay:        2 * time.Second,
		RetryMaxDelay:         30 * time.Second,
		MaxImageBytes:         20 << 20,
		MetadataEnabled:       true,
		UserAgent:             "d2ilite/1.0 (+resumable archiver)",
	}
}

var validate = validator.New()

// Validate checks struct tags and cross-field constraints. Every failure is a
// *FatalConfigError.
func (c RunConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return &FatalConfigError{
				Field:  first.Namespace(),
				Reason: fmt.Sprintf("failed %q constraint", first.Tag()),
				Err:    err,
			}
		}
		return &FatalConfigError{Reason: "validation failed", Err: err}
	}
	if c.IntervalMin > c.IntervalMax {
		return &FatalConfigError{Field: "interval_min", Reason: "must not exceed interval_max"}
	}
	if c.BackoffPolicy == BackoffPolicyExponential && c.BackoffMax > 0 && c.BackoffMax < c.BackoffBase {
		return &FatalConfigError{Field: "backoff_max", Reason: "must be >= backoff_base"}
	}
	for _, status := range c.BlockedStatuses {
		if status < 100 || status > 599 {
			return &FatalConfigError{Field: "blocked_statuses", Reason: fmt.Sprintf("%d is not an HTTP status", status)}
		}
	}
	for _, seed := range c.Seeds {
		u, err := url.Parse(seed)
		if err != nil || u.Host == "" {
			return &FatalConfigError{Field: "seeds", Reason: fmt.Sprintf("%q is not an absolute URL", seed)}
		}
		if len(c.AllowedDomains) > 0 && !NewDomainMatcher(c.AllowedDomains).Allows(u.Hostname()) {
			return &FatalConfigError{Field: "seeds", Reason: fmt.Sprintf("%q is outside allowed_domains", seed)}
		}
	}
	if strings.ContainsAny(c.NamedDir, `\`) || strings.HasPrefix(c.NamedDir, "..") {
		return &FatalConfigError{Field: "named_dir", Reason: "must be a relative directory inside output_root"}
	}
	return nil
}

// Clone returns a deep copy.
func (c RunConfig) Clone() RunConfig {
	out := c
	out.Seeds = append([]string(nil), c.Seeds...)
	out.AllowedDomains = append([]string(nil), c.AllowedDomains...)
	out.RequiredFields = append([]string(nil), c.RequiredFields...)
	out.BlockedStatuses = append([]int(nil), c.BlockedStatuses...)
	out.ChallengeMarkers = append([]string(nil), c.ChallengeMarkers...)
	out.CleanupPaths = append([]string(nil), c.CleanupPaths...)
	out.DefaultHeaders = cloneStringMap(c.DefaultHeaders)
	out.Selectors.ListFields = cloneStringMap(c.Selectors.ListFields)
	out.Selectors.Fields = cloneStringMap(c.Selectors.Fields)
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
