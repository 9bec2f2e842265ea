package crawler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRunConfig() RunConfig {
	cfg := DefaultRunConfig()
	cfg.Seeds = []string{"https://example.org/list"}
	cfg.AllowedDomains = []string{"example.org"}
	cfg.Selectors = SelectorBindings{
		ListItem:   "ul.people li",
		DetailLink: "a::attr(href)",
		Name:       "h1::text",
		Image:      "img.portrait::attr(src)",
	}
	return cfg
}

func TestRunConfigValidate(t *testing.T) {
	require.NoError(t, validRunConfig().Validate())
	assert.Equal(t, 6*time.Hour, DefaultRunConfig().StageTimeout, "stages are bounded by default")

	cases := map[string]func(*RunConfig){
		"no seeds":          func(c *RunConfig) { c.Seeds = nil },
		"relative seed":     func(c *RunConfig) { c.Seeds = []string{"/list"} },
		"foreign seed":      func(c *RunConfig) { c.Seeds = []string{"https://other.net/"} },
		"inverted interval": func(c *RunConfig) { c.IntervalMin = 5 * time.Second; c.IntervalMax = time.Second },
		"zero concurrency":  func(c *RunConfig) { c.Concurrency = 0 },
		"unknown strategy":  func(c *RunConfig) { c.Strategy = "turbo" },
		"unknown mode":      func(c *RunConfig) { c.OutputMode = "zip" },
		"bad status":        func(c *RunConfig) { c.BlockedStatuses = []int{42} },
		"missing selector":  func(c *RunConfig) { c.Selectors.Name = "" },
		"zero attempts":     func(c *RunConfig) { c.MaxAttempts = 0 },
		"escaping named":    func(c *RunConfig) { c.NamedDir = "../out" },
		"no stage timeout":  func(c *RunConfig) { c.StageTimeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validRunConfig()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var fatal *FatalConfigError
			assert.True(t, errors.As(err, &fatal), "want FatalConfigError, got %T", err)
		})
	}
}

func TestRunConfigCloneIsDeep(t *testing.T) {
	cfg := validRunConfig()
	cfg.DefaultHeaders = map[string]string{"Accept-Language": "zh-CN"}
	clone := cfg.Clone()
	clone.Seeds[0] = "https://mutated.example.org"
	clone.DefaultHeaders["Accept-Language"] = "en"
	clone.BlockedStatuses[0] = 500

	assert.Equal(t, "https://example.org/list", cfg.Seeds[0])
	assert.Equal(t, "zh-CN", cfg.DefaultHeaders["Accept-Language"])
	assert.Equal(t, 403, cfg.BlockedStatuses[0])
}

func TestRunStatusExitCode(t *testing.T) {
	assert.Equal(t, 0, RunStatusFinished.ExitCode())
	assert.Equal(t, 2, RunStatusPaused.ExitCode())
	assert.Equal(t, 1, RunStatusAborted.ExitCode())
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "blocked", ErrorKind(&BlockedError{URL: "u", StatusCode: 403}))
	assert.Equal(t, "transient", ErrorKind(&TransientFetchError{URL: "u", StatusCode: 503}))
	assert.Equal(t, "backoff", ErrorKind(ErrBackoffActive))
	assert.Equal(t, "fault", ErrorKind(&StageFaultError{Stage: StageExtraction, Err: errors.New("boom")}))
	assert.Equal(t, "", ErrorKind(nil))
}
