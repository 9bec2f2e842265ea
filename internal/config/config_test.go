package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

const siteYAML = `
run:
  site_name: court-roster
  seeds: ["https://example.org/judges"]
  allowed_domains: ["example.org"]
  selectors:
    list_item: "ul.judges li"
    detail_link: "a::attr(href)"
    next_page: "a.next"
    name: "h1::text"
    image: "img.portrait"
  interval_min: 2s
  interval_max: 5s
  concurrency: 2
  strategy: fast
  output_mode: images_only_with_record
  output_root: %s
checkpoint:
  backend: memory
browser:
  enabled: true
  max_parallel: 2
  navigation_timeout: 30s
logging:
  development: true
  level: debug
status:
  addr: 127.0.0.1:9099
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "d2ilite.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(siteYAML, root))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	run := cfg.RunConfig()
	if run.SiteName != "court-roster" || len(run.Seeds) != 1 {
		t.Fatalf("expected run section to load, got %+v", run)
	}
	if run.IntervalMin != 2*time.Second || run.IntervalMax != 5*time.Second {
		t.Fatalf("expected duration decoding, got %v/%v", run.IntervalMin, run.IntervalMax)
	}
	if run.Selectors.ListItem != "ul.judges li" || run.Selectors.Image != "img.portrait" {
		t.Fatalf("expected selectors to load: %+v", run.Selectors)
	}
	if run.OutputMode != crawler.OutputModeImagesOnlyWithRecord {
		t.Fatalf("expected output mode override, got %s", run.OutputMode)
	}
	if run.MaxAttempts != 3 || run.SuspectBlockThreshold != 3 {
		t.Fatalf("expected defaults for unset keys, got %+v", run)
	}
	if cfg.Checkpoint.Backend != BackendMemory {
		t.Fatalf("expected memory backend, got %s", cfg.Checkpoint.Backend)
	}
	if !cfg.Browser.Enabled || cfg.Browser.NavigationTimeout != 30*time.Second {
		t.Fatalf("expected browser overrides: %+v", cfg.Browser)
	}
	if cfg.Logging.Level != "debug" || cfg.Status.Addr != "127.0.0.1:9099" {
		t.Fatalf("expected logging/status overrides: %+v %+v", cfg.Logging, cfg.Status)
	}
	if got := cfg.CheckpointDir(); got != filepath.Join(root, "state", "checkpoints") {
		t.Fatalf("unexpected checkpoint dir %s", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, fmt.Sprintf(siteYAML, t.TempDir()))
	t.Setenv("D2I_RUN_CONCURRENCY", "5")
	t.Setenv("D2I_CHECKPOINT_BACKEND", "badger")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Run.Concurrency != 5 {
		t.Fatalf("expected env concurrency 5, got %d", cfg.Run.Concurrency)
	}
	if cfg.Checkpoint.Backend != BackendBadger {
		t.Fatalf("expected env backend, got %s", cfg.Checkpoint.Backend)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name:  "missing seeds",
			yaml:  "run:\n  selectors:\n    list_item: li\n    name: h1\n    image: img\n",
			field: "RunConfig.Seeds",
		},
		{
			name:  "postgres without dsn",
			yaml:  fmt.Sprintf(siteYAML, "/tmp/out") + "\n",
			field: "checkpoint.dsn",
		},
		{
			name:  "unknown backend",
			yaml:  fmt.Sprintf(siteYAML, "/tmp/out"),
			field: "checkpoint.backend",
		},
	}
	tests[1].yaml = strings.Replace(tests[1].yaml, "backend: memory", "backend: postgres", 1)
	tests[2].yaml = strings.Replace(tests[2].yaml, "backend: memory", "backend: sqlite", 1)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			var fatal *crawler.FatalConfigError
			if !errors.As(err, &fatal) {
				t.Fatalf("expected FatalConfigError, got %v", err)
			}
			if fatal.Field != tt.field {
				t.Fatalf("expected field %q, got %q", tt.field, fatal.Field)
			}
		})
	}
}

func TestBrowserStrategyRequiresBrowser(t *testing.T) {
	body := strings.Replace(fmt.Sprintf(siteYAML, t.TempDir()), "strategy: fast", "strategy: browser", 1)
	body = strings.Replace(body, "enabled: true", "enabled: false", 1)
	_, err := Load(writeConfig(t, body))
	var fatal *crawler.FatalConfigError
	if !errors.As(err, &fatal) || fatal.Field != "browser.enabled" {
		t.Fatalf("expected browser.enabled error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	var fatal *crawler.FatalConfigError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalConfigError, got %v", err)
	}
}
