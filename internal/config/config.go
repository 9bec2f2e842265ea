// Package config loads and validates d2ilite configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
	"github.com/happidaswork-netizen/d2ilite/internal/records"
)

// EnvPrefix prefixes every environment override, e.g. D2I_RUN_CONCURRENCY=2.
const EnvPrefix = "D2I"

// Checkpoint backends.
const (
	BackendBadger   = "badger"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config captures every knob loaded via Viper.
type Config struct {
	Run        crawler.RunConfig `mapstructure:"run"`
	Checkpoint CheckpointConfig  `mapstructure:"checkpoint"`
	Browser    BrowserConfig     `mapstructure:"browser"`
	Logging    LoggingConfig     `mapstructure:"logging"`
	Status     StatusConfig      `mapstructure:"status"`
}

// CheckpointConfig selects and tunes the checkpoint store.
type CheckpointConfig struct {
	Backend     string `mapstructure:"backend" validate:"oneof=badger memory postgres"`
	Dir         string `mapstructure:"dir"`
	DSN         string `mapstructure:"dsn"`
	TablePrefix string `mapstructure:"table_prefix"`
	MaxConns    int32  `mapstructure:"max_conns" validate:"gte=0"`
}

// BrowserConfig configures the headless fetcher.
type BrowserConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel" validate:"gte=0"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" validate:"gte=0"`
	SettleDelay       time.Duration `mapstructure:"settle_delay" validate:"gte=0"`
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// StatusConfig controls the optional status server.
type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

var validate = validator.New()

// Load builds a Config from defaults, an optional file and the environment.
// Validation failures are returned as *crawler.FatalConfigError.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &crawler.FatalConfigError{Reason: "read config file", Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &crawler.FatalConfigError{Reason: "decode config", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	run := crawler.DefaultRunConfig()
	v.SetDefault("run.site_name", "")
	v.SetDefault("run.seeds", []string{})
	v.SetDefault("run.allowed_domains", []string{})
	v.SetDefault("run.selectors.list_item", "")
	v.SetDefault("run.selectors.detail_link", "a::attr(href)")
	v.SetDefault("run.selectors.next_page", "")
	v.SetDefault("run.selectors.name", "")
	v.SetDefault("run.selectors.image", "")
	v.SetDefault("run.selectors.full_text", "")
	v.SetDefault("run.required_fields", run.RequiredFields)
	v.SetDefault("run.interval_min", run.IntervalMin)
	v.SetDefault("run.interval_max", run.IntervalMax)
	v.SetDefault("run.concurrency", run.Concurrency)
	v.SetDefault("run.requests_per_second", run.RequestsPerSecond)
	v.SetDefault("run.suspect_block_consecutive_failures", run.SuspectBlockThreshold)
	v.SetDefault("run.blocked_statuses", run.BlockedStatuses)
	v.SetDefault("run.challenge_markers", []string{})
	v.SetDefault("run.backoff_policy", run.BackoffPolicy)
	v.SetDefault("run.backoff_base", run.BackoffBase)
	v.SetDefault("run.backoff_max", run.BackoffMax)
	v.SetDefault("run.strategy", string(run.Strategy))
	v.SetDefault("run.fallback_enabled", run.FallbackEnabled)
	v.SetDefault("run.output_mode", run.OutputMode)
	v.SetDefault("run.output_root", run.OutputRoot)
	v.SetDefault("run.named_dir", run.NamedDir)
	v.SetDefault("run.cleanup_paths", []string{})
	v.SetDefault("run.max_attempts", run.MaxAttempts)
	v.SetDefault("run.fetch_timeout", run.FetchTimeout)
	v.SetDefault("run.stage_timeout", run.StageTimeout)
	v.SetDefault("run.retry_base_delay", run.RetryBaseDelay)
	v.SetDefault("run.retry_max_delay", run.RetryMaxDelay)
	v.SetDefault("run.max_list_pages", run.MaxListPages)
	v.SetDefault("run.max_image_bytes", run.MaxImageBytes)
	v.SetDefault("run.metadata_enabled", run.MetadataEnabled)
	v.SetDefault("run.user_agent", run.UserAgent)
	v.SetDefault("run.respect_robots", run.RespectRobots)

	v.SetDefault("checkpoint.backend", BackendBadger)
	v.SetDefault("checkpoint.dir", "")
	v.SetDefault("checkpoint.dsn", "")
	v.SetDefault("checkpoint.table_prefix", "d2i")
	v.SetDefault("checkpoint.max_conns", 4)

	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.max_parallel", 1)
	v.SetDefault("browser.navigation_timeout", 45*time.Second)
	v.SetDefault("browser.settle_delay", 500*time.Millisecond)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("status.addr", "")
}

// Validate enforces struct tags and cross-section constraints.
func (c Config) Validate() error {
	if err := c.Run.Validate(); err != nil {
		return err
	}
	sections := []struct {
		name  string
		value any
	}{
		{"checkpoint", c.Checkpoint},
		{"browser", c.Browser},
		{"logging", c.Logging},
	}
	for _, section := range sections {
		if err := validate.Struct(section.value); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				return &crawler.FatalConfigError{
					Field:  section.name + "." + strings.ToLower(verrs[0].Field()),
					Reason: fmt.Sprintf("failed %q constraint", verrs[0].Tag()),
					Err:    err,
				}
			}
			return &crawler.FatalConfigError{Reason: "validation failed", Err: err}
		}
	}
	if c.Checkpoint.Backend == BackendPostgres && c.Checkpoint.DSN == "" {
		return &crawler.FatalConfigError{Field: "checkpoint.dsn", Reason: "required for the postgres backend"}
	}
	if c.Run.Strategy == crawler.StrategyBrowser && !c.Browser.Enabled {
		return &crawler.FatalConfigError{Field: "browser.enabled", Reason: "browser strategy needs the browser enabled"}
	}
	return nil
}

// RunConfig returns a private copy of the run section.
func (c Config) RunConfig() crawler.RunConfig {
	return c.Run.Clone()
}

// CheckpointDir is where the badger backend keeps its files.
func (c Config) CheckpointDir() string {
	if c.Checkpoint.Dir != "" {
		return c.Checkpoint.Dir
	}
	return filepath.Join(c.Run.OutputRoot, filepath.FromSlash(records.CheckpointDir))
}
