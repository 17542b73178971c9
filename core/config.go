package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every enumerated option from spec.md §6. NewConfig supports
// the teacher framework's original two-layer priority (defaults then
// functional options, via LoadFromEnv in between); Load extends that with
// an optional .env file and an optional config.yaml, applied in:
//  1. Defaults (lowest priority)
//  2. Environment variables
//  3. .env file
//  4. config.yaml
//  5. Functional options (highest priority)
type Config struct {
	// Safety gates
	DailyCostLimit      float64
	MaxConcurrentFixes  int
	FixTimeoutMinutes   int
	MaxFixRetries       int
	RequireApprovalFor  []string // categories that always require approval
	AutoApproveFor      AutoApprovePolicy
	RateLimits          map[string]int // operation -> events/hour
	SensitiveFilePatter []string       // doublestar glob patterns

	// LLM
	LLMPriceTable map[string]ModelPrice // model id -> price per 1K tokens
	LLMAPIKey     string
	LLMModel      string

	// VCS / CI / deploy
	RepoPath          string
	DefaultBranch     string
	BranchPrefix      string
	CIPollInterval    time.Duration
	CITotalTimeout    time.Duration
	HealthCheckURL    string
	DeployTimeout     time.Duration
	AutoDeployEnabled bool

	// Persistence
	DBPath   string
	RedisURL string

	// Observability
	LogLevel string

	logger Logger
}

// ModelPrice is the per-model price table entry (configuration, not code,
// per spec.md §4.3).
type ModelPrice struct {
	InputPer1K  float64
	OutputPer1K float64
}

// AutoApprovePolicy lists categories/severities for an auto-approve
// override. Nothing reads Config.AutoApproveFor: safety.ApprovalGate decides
// from its sensitive category, severity, complexity and file rules alone, so
// an entry here does not exempt a session from approval.
type AutoApprovePolicy struct {
	Categories []string
	Severities []string
}

// Option mutates a Config. Applied after defaults and environment, so an
// Option always wins.
type Option func(*Config) error

// DefaultConfig returns the lowest-priority layer.
func DefaultConfig() *Config {
	return &Config{
		DailyCostLimit:     25.0,
		MaxConcurrentFixes: DefaultMaxConcurrentFix,
		FixTimeoutMinutes:  60,
		MaxFixRetries:      DefaultMaxFixRetries,
		RequireApprovalFor: []string{"security", "authentication", "database"},
		RateLimits: map[string]int{
			"llm_query":  100,
			"commit":     20,
			"file_write": 50,
			"deploy":     5,
			"pr_create":  10,
		},
		SensitiveFilePatter: []string{
			"**/*auth*", "**/*password*", "**/*token*", "**/*secret*",
			"**/*credential*", "**/migrations/**", "**/*schema*", "**/*database*",
		},
		LLMPriceTable: map[string]ModelPrice{
			"claude-sonnet-4-5": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-haiku-4-5":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
		},
		LLMModel:       "claude-sonnet-4-5",
		DefaultBranch:  "main",
		BranchPrefix:   "fix/",
		CIPollInterval: 20 * time.Second,
		CITotalTimeout: DefaultCIWaitPerCycle,
		DeployTimeout:  DefaultDeployTimeout,
		DBPath:         "./orchestrator.db",
		LogLevel:       "info",
	}
}

// LoadFromEnv overlays process environment variables onto the receiver.
func (c *Config) LoadFromEnv() error {
	return c.applyFromLookup(os.LookupEnv)
}

// LoadDotEnv overlays a .env file (joho/godotenv) onto the receiver,
// following the teacher's three-layer Config priority extended with a
// file-based env layer (spec.md §6 EXPANSION): defaults, then process
// environment, then .env file, then functional options. A missing file is
// not an error -- the .env layer is optional.
func (c *Config) LoadDotEnv(path string) error {
	vars, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	lookup := func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
	return c.applyFromLookup(lookup)
}

func (c *Config) applyFromLookup(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDailyCostLimit); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDailyCostLimit, err)
		}
		c.DailyCostLimit = f
	}
	if v, ok := lookup(EnvMaxConcurrentFix); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxConcurrentFix, err)
		}
		c.MaxConcurrentFixes = n
	}
	if v, ok := lookup(EnvFixTimeoutMinutes); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvFixTimeoutMinutes, err)
		}
		c.FixTimeoutMinutes = n
	}
	if v, ok := lookup(EnvMaxFixRetries); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxFixRetries, err)
		}
		c.MaxFixRetries = n
	}
	if v, ok := lookup(EnvAutoDeployEnabled); ok && v != "" {
		c.AutoDeployEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := lookup(EnvRepoPath); ok && v != "" {
		c.RepoPath = v
	}
	if v, ok := lookup(EnvDefaultBranch); ok && v != "" {
		c.DefaultBranch = v
	}
	if v, ok := lookup(EnvCIPollInterval); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCIPollInterval, err)
		}
		c.CIPollInterval = time.Duration(n) * time.Second
	}
	if v, ok := lookup(EnvCITotalTimeout); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCITotalTimeout, err)
		}
		c.CITotalTimeout = time.Duration(n) * time.Minute
	}
	if v, ok := lookup(EnvHealthCheckURL); ok && v != "" {
		c.HealthCheckURL = v
	}
	if v, ok := lookup(EnvDeployTimeout); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDeployTimeout, err)
		}
		c.DeployTimeout = time.Duration(n) * time.Second
	}
	if v, ok := lookup(EnvDBPath); ok && v != "" {
		c.DBPath = v
	}
	if v, ok := lookup(EnvLLMAPIKey); ok && v != "" {
		c.LLMAPIKey = v
	}
	if v, ok := lookup(EnvRedisURL); ok && v != "" {
		c.RedisURL = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	return nil
}

// YAMLConfig is the optional config.yaml shape (spec.md §6 EXPANSION),
// layered in after the .env file and before functional options. Every
// field is a pointer/zero-value-means-unset so an absent key in the file
// leaves the Config field untouched.
type YAMLConfig struct {
	DailyCostLimit     *float64          `yaml:"daily_cost_limit"`
	MaxConcurrentFixes *int              `yaml:"max_concurrent_fixes"`
	MaxFixRetries      *int              `yaml:"max_fix_retries"`
	AutoDeployEnabled  *bool             `yaml:"auto_deploy_enabled"`
	RepoPath           string            `yaml:"repo_path"`
	DefaultBranch      string            `yaml:"default_branch"`
	HealthCheckURL     string            `yaml:"health_check_url"`
	LLMModel           string            `yaml:"llm_model"`
	LogLevel           string            `yaml:"log_level"`
	RateLimits         map[string]int    `yaml:"rate_limits"`
	RequireApprovalFor []string          `yaml:"require_approval_for"`
	SensitiveFilePatte []string          `yaml:"sensitive_file_patterns"`
}

// LoadFromYAML overlays an optional config.yaml onto the receiver. A
// missing file is not an error.
func (c *Config) LoadFromYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var y YAMLConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if y.DailyCostLimit != nil {
		c.DailyCostLimit = *y.DailyCostLimit
	}
	if y.MaxConcurrentFixes != nil {
		c.MaxConcurrentFixes = *y.MaxConcurrentFixes
	}
	if y.MaxFixRetries != nil {
		c.MaxFixRetries = *y.MaxFixRetries
	}
	if y.AutoDeployEnabled != nil {
		c.AutoDeployEnabled = *y.AutoDeployEnabled
	}
	if y.RepoPath != "" {
		c.RepoPath = y.RepoPath
	}
	if y.DefaultBranch != "" {
		c.DefaultBranch = y.DefaultBranch
	}
	if y.HealthCheckURL != "" {
		c.HealthCheckURL = y.HealthCheckURL
	}
	if y.LLMModel != "" {
		c.LLMModel = y.LLMModel
	}
	if y.LogLevel != "" {
		c.LogLevel = y.LogLevel
	}
	if len(y.RateLimits) > 0 {
		for op, n := range y.RateLimits {
			c.RateLimits[op] = n
		}
	}
	if len(y.RequireApprovalFor) > 0 {
		c.RequireApprovalFor = y.RequireApprovalFor
	}
	if len(y.SensitiveFilePatte) > 0 {
		c.SensitiveFilePatter = y.SensitiveFilePatte
	}
	return nil
}

// Validate checks the fully-layered configuration for coherence.
func (c *Config) Validate() error {
	if c.DailyCostLimit <= 0 {
		return fmt.Errorf("%w: daily cost limit must be positive", ErrInvalidConfiguration)
	}
	if c.MaxConcurrentFixes <= 0 {
		return fmt.Errorf("%w: max concurrent fixes must be positive", ErrInvalidConfiguration)
	}
	if c.MaxFixRetries <= 0 {
		return fmt.Errorf("%w: max fix retries must be positive", ErrInvalidConfiguration)
	}
	if c.RepoPath == "" {
		return fmt.Errorf("%w: repo path is required", ErrMissingConfiguration)
	}
	return nil
}

// NewConfig builds a Config from defaults, then environment, then options.
// Use Load instead when a .env file and/or config.yaml should also be
// layered in (spec.md §6 EXPANSION three-layer-plus-file-plus-yaml model).
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = &NoOpLogger{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load builds a Config from the full layering the teacher's cmd/ entry
// points use: defaults, process environment, an optional .env file
// (dotenvPath, skipped if empty or missing), an optional config.yaml
// (yamlPath, skipped if empty or missing), then functional options.
func Load(dotenvPath, yamlPath string, opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}
	if dotenvPath != "" {
		if err := cfg.LoadDotEnv(dotenvPath); err != nil {
			return nil, fmt.Errorf("loading .env config: %w", err)
		}
	}
	if yamlPath != "" {
		if err := cfg.LoadFromYAML(yamlPath); err != nil {
			return nil, fmt.Errorf("loading yaml config: %w", err)
		}
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = &NoOpLogger{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Logger returns the logger attached to this config, or NoOpLogger.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return &NoOpLogger{}
	}
	return c.logger
}

// WithLogger attaches a logger.
func WithLogger(l Logger) Option {
	return func(c *Config) error {
		c.logger = l
		return nil
	}
}

// WithRepoPath sets the working copy path.
func WithRepoPath(path string) Option {
	return func(c *Config) error {
		c.RepoPath = path
		return nil
	}
}

// WithDailyCostLimit sets the daily LLM spend ceiling.
func WithDailyCostLimit(limit float64) Option {
	return func(c *Config) error {
		if limit <= 0 {
			return fmt.Errorf("%w: daily cost limit must be positive", ErrInvalidConfiguration)
		}
		c.DailyCostLimit = limit
		return nil
	}
}

// WithMaxConcurrentFixes bounds how many sessions run past queued at once.
func WithMaxConcurrentFixes(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("%w: max concurrent fixes must be positive", ErrInvalidConfiguration)
		}
		c.MaxConcurrentFixes = n
		return nil
	}
}

// WithMaxFixRetries bounds the shared strategize/test/CI-repair retry budget.
func WithMaxFixRetries(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("%w: max fix retries must be positive", ErrInvalidConfiguration)
		}
		c.MaxFixRetries = n
		return nil
	}
}

// WithAutoDeploy toggles the optional deploy stage.
func WithAutoDeploy(enabled bool) Option {
	return func(c *Config) error {
		c.AutoDeployEnabled = enabled
		return nil
	}
}

// WithRateLimit overrides one operation's hourly cap.
func WithRateLimit(op string, perHour int) Option {
	return func(c *Config) error {
		if c.RateLimits == nil {
			c.RateLimits = map[string]int{}
		}
		c.RateLimits[op] = perHour
		return nil
	}
}
