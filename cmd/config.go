package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/hpo-client/hpo"
	"github.com/inference-sim/hpo-client/hpo/retry"
)

// Config is the full client configuration. It can be loaded from a YAML file
// (--config) and every field can be overridden by its flag.
type Config struct {
	ServerURL            string        `yaml:"server_url"`
	StudyID              string        `yaml:"study_id"`
	MaxTrials            int           `yaml:"max_trials"`
	MaxRetries           int           `yaml:"max_retries"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	TrialTimeout         time.Duration `yaml:"trial_timeout"`
	ScoreTimeout         time.Duration `yaml:"score_timeout"`
	BestTimeout          time.Duration `yaml:"best_timeout"`
	MaxRequestsPerSecond float64       `yaml:"max_requests_per_second"`
	TerminalStatuses     []int         `yaml:"terminal_statuses"`
	Progress             bool          `yaml:"progress"`
	LogLevel             string        `yaml:"log"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ServerURL:    "http://127.0.0.1:8005",
		MaxTrials:    50,
		MaxRetries:   hpo.DefaultMaxAttempts,
		MaxBackoff:   retry.DefaultMaxWait,
		TrialTimeout: hpo.DefaultRequestTimeout,
		ScoreTimeout: hpo.DefaultRequestTimeout,
		BestTimeout:  hpo.DefaultRequestTimeout,
		LogLevel:     "info",
	}
}

// LoadConfig reads path and decodes it over base. Unknown keys are errors so
// that typos never silently fall back to a default.
func LoadConfig(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("reading client config: %w", err)
	}
	cfg := base
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return base, fmt.Errorf("parsing client config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges and formats.
func (c Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server_url must be an absolute http(s) URL, got %q", c.ServerURL)
	}
	if c.MaxTrials < 0 {
		return fmt.Errorf("max_trials must be >= 0 (0 = unbounded), got %d", c.MaxTrials)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1, got %d", c.MaxRetries)
	}
	if c.MaxBackoff <= 0 {
		return fmt.Errorf("max_backoff must be positive, got %s", c.MaxBackoff)
	}
	for name, d := range map[string]time.Duration{
		"trial_timeout": c.TrialTimeout,
		"score_timeout": c.ScoreTimeout,
		"best_timeout":  c.BestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("max_requests_per_second must be non-negative, got %f", c.MaxRequestsPerSecond)
	}
	for _, s := range c.TerminalStatuses {
		if s == 200 || s < 100 || s > 599 {
			return fmt.Errorf("terminal status %d is not a non-200 HTTP status", s)
		}
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}

// ClientConfig maps the CLI config onto the protocol client's.
func (c Config) ClientConfig() hpo.ClientConfig {
	return hpo.ClientConfig{
		BaseURL:              c.ServerURL,
		MaxAttempts:          c.MaxRetries,
		MaxBackoff:           c.MaxBackoff,
		TrialTimeout:         c.TrialTimeout,
		ScoreTimeout:         c.ScoreTimeout,
		BestTimeout:          c.BestTimeout,
		MaxRequestsPerSecond: c.MaxRequestsPerSecond,
		TerminalStatuses:     c.TerminalStatuses,
	}
}

// LoopConfig maps the CLI config onto the controller's.
func (c Config) LoopConfig() hpo.LoopConfig {
	return hpo.LoopConfig{StudyID: c.StudyID, MaxTrials: c.MaxTrials}
}
