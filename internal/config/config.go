package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port               string        `yaml:"port"`
	DatabaseURL        string        `yaml:"database_url"`
	RedisAddr          string        `yaml:"redis_addr"`
	UserCacheTTL       time.Duration `yaml:"user_cache_ttl"`
	SlackBotToken      string        `yaml:"-"`
	SlackSigningSecret string        `yaml:"-"`
	SlackAppToken      string        `yaml:"-"`
	SlackAPIURL        string        `yaml:"slack_api_url"`
	LogLevel           string        `yaml:"log_level"`
	LogFormat          string        `yaml:"log_format"`
	Environment        string        `yaml:"environment"`
	Sync               SyncConfig    `yaml:"sync"`
}

// SyncConfig tunes the importer and its schedule.
type SyncConfig struct {
	Schedule            string        `yaml:"schedule"`
	Channels            []string      `yaml:"channels"`
	ThreadConcurrency   int           `yaml:"thread_concurrency"`
	RemoteCallTimeout   time.Duration `yaml:"remote_call_timeout"`
	RemoteRatePerSecond float64       `yaml:"remote_rate_per_second"`
	RetryMaxTries       uint          `yaml:"retry_max_tries"`
	RetryInitialDelay   time.Duration `yaml:"retry_initial_delay"`
	BreakerThreshold    int           `yaml:"breaker_threshold"`
	JoinChannels        bool          `yaml:"join_channels"`
	FileMirrorDir       string        `yaml:"file_mirror_dir"`
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE, and finally environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         "8080",
		DatabaseURL:  "postgres://localhost/chatarchive?sslmode=disable",
		UserCacheTTL: time.Hour,
		LogLevel:     "INFO",
		LogFormat:    "text",
		Environment:  "development",
		Sync: SyncConfig{
			Schedule:            "@every 1h",
			ThreadConcurrency:   4,
			RemoteCallTimeout:   30 * time.Second,
			RemoteRatePerSecond: 1,
			RetryMaxTries:       5,
			RetryInitialDelay:   time.Second,
			BreakerThreshold:    5,
			JoinChannels:        true,
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.Port = getEnvOrDefault("PORT", cfg.Port)
	cfg.DatabaseURL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", cfg.RedisAddr)
	cfg.SlackBotToken = os.Getenv("SLACK_BOT_TOKEN")
	cfg.SlackSigningSecret = os.Getenv("SLACK_SIGNING_SECRET")
	cfg.SlackAppToken = os.Getenv("SLACK_APP_TOKEN")
	cfg.SlackAPIURL = getEnvOrDefault("SLACK_API_URL", cfg.SlackAPIURL)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.Environment = getEnvOrDefault("ENVIRONMENT", cfg.Environment)
	cfg.Sync.Schedule = getEnvOrDefault("SYNC_SCHEDULE", cfg.Sync.Schedule)
	cfg.Sync.FileMirrorDir = getEnvOrDefault("FILE_MIRROR_DIR", cfg.Sync.FileMirrorDir)
	if channels := os.Getenv("SYNC_CHANNELS"); channels != "" {
		cfg.Sync.Channels = splitList(channels)
	}

	var errs []error
	parseEnv("USER_CACHE_TTL", &errs, func(v string) (err error) { cfg.UserCacheTTL, err = time.ParseDuration(v); return })
	parseEnv("THREAD_CONCURRENCY", &errs, func(v string) (err error) { cfg.Sync.ThreadConcurrency, err = strconv.Atoi(v); return })
	parseEnv("REMOTE_CALL_TIMEOUT", &errs, func(v string) (err error) { cfg.Sync.RemoteCallTimeout, err = time.ParseDuration(v); return })
	parseEnv("REMOTE_RATE_PER_SECOND", &errs, func(v string) (err error) {
		cfg.Sync.RemoteRatePerSecond, err = strconv.ParseFloat(v, 64)
		return
	})
	parseEnv("RETRY_MAX_TRIES", &errs, func(v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		cfg.Sync.RetryMaxTries = uint(n)
		return err
	})
	parseEnv("RETRY_INITIAL_DELAY", &errs, func(v string) (err error) { cfg.Sync.RetryInitialDelay, err = time.ParseDuration(v); return })
	parseEnv("BREAKER_THRESHOLD", &errs, func(v string) (err error) { cfg.Sync.BreakerThreshold, err = strconv.Atoi(v); return })
	parseEnv("SYNC_JOIN_CHANNELS", &errs, func(v string) (err error) { cfg.Sync.JoinChannels, err = strconv.ParseBool(v); return })

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.SlackBotToken == "" {
		errs = append(errs, errors.New("SLACK_BOT_TOKEN is required"))
	} else if !strings.HasPrefix(c.SlackBotToken, "xoxb-") {
		errs = append(errs, errors.New("SLACK_BOT_TOKEN must start with 'xoxb-'"))
	}

	if c.SlackAppToken != "" && !strings.HasPrefix(c.SlackAppToken, "xapp-") {
		errs = append(errs, errors.New("SLACK_APP_TOKEN must start with 'xapp-'"))
	}

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	if !contains(validLogLevels, strings.ToUpper(c.LogLevel)) {
		errs = append(errs, errors.New("LOG_LEVEL must be one of: DEBUG, INFO, WARN, ERROR"))
	}

	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, strings.ToLower(c.LogFormat)) {
		errs = append(errs, errors.New("LOG_FORMAT must be one of: text, json"))
	}

	if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("SYNC_SCHEDULE is invalid: %w", err))
	}

	if c.Sync.ThreadConcurrency < 1 {
		errs = append(errs, errors.New("THREAD_CONCURRENCY must be at least 1"))
	}
	if c.Sync.RemoteCallTimeout <= 0 {
		errs = append(errs, errors.New("REMOTE_CALL_TIMEOUT must be positive"))
	}
	if c.Sync.RemoteRatePerSecond <= 0 {
		errs = append(errs, errors.New("REMOTE_RATE_PER_SECOND must be positive"))
	}
	if c.Sync.RetryMaxTries < 1 {
		errs = append(errs, errors.New("RETRY_MAX_TRIES must be at least 1"))
	}
	if c.Sync.BreakerThreshold < 1 {
		errs = append(errs, errors.New("BREAKER_THRESHOLD must be at least 1"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return strings.ToLower(c.Environment) == "production"
}

func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseEnv(key string, errs *[]error, set func(string) error) {
	value := os.Getenv(key)
	if value == "" {
		return
	}
	if err := set(value); err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
