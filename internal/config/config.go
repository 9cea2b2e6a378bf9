// Package config provides Viper-based configuration management for the
// scorer service and CLI.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Sternrassler/repo-scorer/pkg/github"
	"github.com/Sternrassler/repo-scorer/pkg/logging"
	"github.com/Sternrassler/repo-scorer/pkg/model"
	"github.com/Sternrassler/repo-scorer/pkg/pagination"
	"github.com/Sternrassler/repo-scorer/pkg/resilience"
)

// EnvPrefix prefixes every environment override, e.g. SCORER_FETCH_MODE.
const EnvPrefix = "SCORER"

// Config represents the complete configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	GitHub     GitHubConfig     `mapstructure:"github"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// GitHubConfig contains upstream API settings
type GitHubConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Token     string        `mapstructure:"token"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// FetchConfig contains pagination and orchestration settings
type FetchConfig struct {
	Mode           string        `mapstructure:"mode"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	PageTimeout    time.Duration `mapstructure:"page_timeout"`
	Strict         bool          `mapstructure:"strict"`
	PageSize       int           `mapstructure:"page_size"`
	MaxPages       int           `mapstructure:"max_pages"`
	MaxResults     int           `mapstructure:"max_results"`
	ScoringWorkers int           `mapstructure:"scoring_workers"`
}

// ResilienceConfig contains the policy for upstream search calls
type ResilienceConfig struct {
	RateLimiter    RateLimiterConfig    `mapstructure:"rate_limiter"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Retry          RetryConfig          `mapstructure:"retry"`
}

// RateLimiterConfig mirrors resilience.RateLimiterConfig
type RateLimiterConfig struct {
	LimitForPeriod int           `mapstructure:"limit_for_period"`
	RefreshPeriod  time.Duration `mapstructure:"refresh_period"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// CircuitBreakerConfig mirrors resilience.CircuitBreakerConfig
type CircuitBreakerConfig struct {
	SlidingWindowSize       int           `mapstructure:"sliding_window_size"`
	MinimumNumberOfCalls    int           `mapstructure:"minimum_number_of_calls"`
	FailureRateThreshold    float64       `mapstructure:"failure_rate_threshold"`
	WaitDurationInOpenState time.Duration `mapstructure:"wait_duration_in_open_state"`
}

// RetryConfig mirrors resilience.RetryConfig without the predicate
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	WaitDuration    time.Duration `mapstructure:"wait_duration"`
	MaxWaitDuration time.Duration `mapstructure:"max_wait_duration"`
	Backoff         string        `mapstructure:"backoff"`
	Multiplier      float64       `mapstructure:"multiplier"`
	Jitter          float64       `mapstructure:"jitter"`
}

// RedisConfig contains quota state storage settings. An empty Addr keeps
// quota state in memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads configuration from defaults, an optional YAML file and
// SCORER_* environment variables, in increasing precedence.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("scorer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/repo-scorer")
	}

	// Environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("github.token", EnvPrefix+"_GITHUB_TOKEN", "GITHUB_TOKEN"); err != nil {
		return nil, fmt.Errorf("binding env: %w", err)
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 2*time.Minute)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	gh := github.DefaultConfig()
	v.SetDefault("github.base_url", gh.BaseURL)
	v.SetDefault("github.token", "")
	v.SetDefault("github.user_agent", gh.UserAgent)
	v.SetDefault("github.timeout", gh.Timeout)

	fetch := pagination.DefaultConfig()
	ceiling := model.DefaultCeiling()
	v.SetDefault("fetch.mode", string(fetch.Mode))
	v.SetDefault("fetch.max_concurrency", fetch.MaxConcurrency)
	v.SetDefault("fetch.page_timeout", fetch.PageTimeout)
	v.SetDefault("fetch.strict", fetch.Strict)
	v.SetDefault("fetch.page_size", ceiling.PageSize)
	v.SetDefault("fetch.max_pages", ceiling.MaxPages)
	v.SetDefault("fetch.max_results", ceiling.MaxResults)
	v.SetDefault("fetch.scoring_workers", 0)

	p := resilience.DefaultPolicy()
	v.SetDefault("resilience.rate_limiter.limit_for_period", p.RateLimiter.LimitForPeriod)
	v.SetDefault("resilience.rate_limiter.refresh_period", p.RateLimiter.RefreshPeriod)
	v.SetDefault("resilience.rate_limiter.timeout", p.RateLimiter.Timeout)
	v.SetDefault("resilience.circuit_breaker.sliding_window_size", p.CircuitBreaker.SlidingWindowSize)
	v.SetDefault("resilience.circuit_breaker.minimum_number_of_calls", p.CircuitBreaker.MinimumNumberOfCalls)
	v.SetDefault("resilience.circuit_breaker.failure_rate_threshold", p.CircuitBreaker.FailureRateThreshold)
	v.SetDefault("resilience.circuit_breaker.wait_duration_in_open_state", p.CircuitBreaker.WaitDurationInOpenState)
	v.SetDefault("resilience.retry.max_attempts", p.Retry.MaxAttempts)
	v.SetDefault("resilience.retry.wait_duration", p.Retry.WaitDuration)
	v.SetDefault("resilience.retry.max_wait_duration", p.Retry.MaxWaitDuration)
	v.SetDefault("resilience.retry.backoff", string(p.Retry.Backoff))
	v.SetDefault("resilience.retry.multiplier", p.Retry.Multiplier)
	v.SetDefault("resilience.retry.jitter", p.Retry.Jitter)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.GitHub.BaseURL == "" {
		errs = append(errs, errors.New("github.base_url is required"))
	}
	if c.GitHub.UserAgent == "" {
		errs = append(errs, errors.New("github.user_agent is required"))
	}
	if c.GitHub.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("github.timeout must be > 0 (got %s)", c.GitHub.Timeout))
	}

	switch pagination.Mode(c.Fetch.Mode) {
	case pagination.ModeSequential, pagination.ModeConcurrent:
	default:
		errs = append(errs, fmt.Errorf("fetch.mode must be sequential or concurrent (got %q)", c.Fetch.Mode))
	}
	if c.Fetch.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("fetch.max_concurrency must be >= 1 (got %d)", c.Fetch.MaxConcurrency))
	}
	if c.Fetch.PageSize < 1 || c.Fetch.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("fetch.page_size and fetch.max_pages must be >= 1 (got %d, %d)", c.Fetch.PageSize, c.Fetch.MaxPages))
	}
	if c.Fetch.MaxResults < 0 {
		errs = append(errs, fmt.Errorf("fetch.max_results must be >= 0 (got %d)", c.Fetch.MaxResults))
	}

	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("resilience: %w", err))
	}

	if err := logging.ValidateLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	return errors.Join(errs...)
}

// Policy returns the resilience policy for upstream search calls. Only
// upstream errors classified as transient are retried.
func (c *Config) Policy() resilience.Policy {
	r := c.Resilience
	return resilience.Policy{
		RateLimiter: resilience.RateLimiterConfig{
			LimitForPeriod: r.RateLimiter.LimitForPeriod,
			RefreshPeriod:  r.RateLimiter.RefreshPeriod,
			Timeout:        r.RateLimiter.Timeout,
		},
		CircuitBreaker: resilience.CircuitBreakerConfig{
			SlidingWindowSize:       r.CircuitBreaker.SlidingWindowSize,
			MinimumNumberOfCalls:    r.CircuitBreaker.MinimumNumberOfCalls,
			FailureRateThreshold:    r.CircuitBreaker.FailureRateThreshold,
			WaitDurationInOpenState: r.CircuitBreaker.WaitDurationInOpenState,
		},
		Retry: resilience.RetryConfig{
			MaxAttempts:     r.Retry.MaxAttempts,
			WaitDuration:    r.Retry.WaitDuration,
			MaxWaitDuration: r.Retry.MaxWaitDuration,
			Backoff:         resilience.BackoffKind(r.Retry.Backoff),
			Multiplier:      r.Retry.Multiplier,
			Jitter:          r.Retry.Jitter,
			RetryOn:         github.IsRetryable,
		},
	}
}

// Ceiling returns the pagination ceiling.
func (c *Config) Ceiling() model.Ceiling {
	return model.Ceiling{
		PageSize:   c.Fetch.PageSize,
		MaxPages:   c.Fetch.MaxPages,
		MaxResults: c.Fetch.MaxResults,
	}
}

// Pagination returns the orchestrator configuration.
func (c *Config) Pagination() pagination.Config {
	cfg := pagination.DefaultConfig()
	cfg.Mode = pagination.Mode(c.Fetch.Mode)
	cfg.MaxConcurrency = c.Fetch.MaxConcurrency
	cfg.PageTimeout = c.Fetch.PageTimeout
	cfg.Strict = c.Fetch.Strict
	return cfg
}

// GitHubClient returns the search client configuration.
func (c *Config) GitHubClient() github.Config {
	return github.Config{
		BaseURL:   c.GitHub.BaseURL,
		Token:     c.GitHub.Token,
		UserAgent: c.GitHub.UserAgent,
		Timeout:   c.GitHub.Timeout,
	}
}

// Logger returns the logger configuration.
func (c *Config) Logger() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Logging.Level)
	cfg.Pretty = c.Logging.Pretty
	return cfg
}
