package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the YAML config file.
const ConfigPath = "config.yaml"

// QueueConfig tunes the background job stream.
type QueueConfig struct {
	Stream          string `yaml:"stream" env:"STREAM"`
	Group           string `yaml:"group" env:"GROUP"`
	Concurrency     int    `yaml:"concurrency" env:"CONCURRENCY"`
	MaxRetries      int    `yaml:"maxRetries" env:"MAX_RETRIES"`
	RetryDelayMs    int    `yaml:"retryDelayMs" env:"RETRY_DELAY_MS"`
	MaxRetryDelayMs int    `yaml:"maxRetryDelayMs" env:"MAX_RETRY_DELAY_MS"`
	ClaimIdleMs     int    `yaml:"claimIdleMs" env:"CLAIM_IDLE_MS"`
}

// LLMConfig selects and tunes the language-model backend.
type LLMConfig struct {
	// Provider is one of openai, gemini, ollama or disabled.
	Provider               string `yaml:"provider" env:"PROVIDER"`
	BaseURL                string `yaml:"baseURL" env:"BASE_URL"`
	APIKey                 string `yaml:"apiKey" env:"API_KEY"`
	Model                  string `yaml:"model" env:"MODEL"`
	TimeoutSeconds         int    `yaml:"timeoutSeconds" env:"TIMEOUT_SECONDS"`
	BreakerFailures        int    `yaml:"breakerFailures" env:"BREAKER_FAILURES"`
	BreakerCooldownSeconds int    `yaml:"breakerCooldownSeconds" env:"BREAKER_COOLDOWN_SECONDS"`
}

// FileConfig represents configuration loaded from YAML, overridden by the
// environment.
type FileConfig struct {
	Port          string `yaml:"port" env:"PORT"`
	LogLevel      string `yaml:"logLevel" env:"LOG_LEVEL"`
	DatabaseURL   string `yaml:"databaseURL" env:"DATABASE_URL"`
	RedisAddr     string `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redisPassword" env:"REDIS_PASSWORD"`

	Queue QueueConfig `yaml:"queue" envPrefix:"QUEUE_"`
	LLM   LLMConfig   `yaml:"llm" envPrefix:"LLM_"`

	SummaryCacheSize int `yaml:"summaryCacheSize" env:"SUMMARY_CACHE_SIZE"`

	AuthJWKSURL string `yaml:"authJWKSURL" env:"AUTH_JWKS_URL"`
	JWTIssuer   string `yaml:"jwtIssuer" env:"JWT_ISSUER"`
	JWTAudience string `yaml:"jwtAudience" env:"JWT_AUDIENCE"`

	ClaimRateLimit         int `yaml:"claimRateLimit" env:"CLAIM_RATE_LIMIT"`
	ClaimRateWindowSeconds int `yaml:"claimRateWindowSeconds" env:"CLAIM_RATE_WINDOW_SECONDS"`

	AMQPURL      string `yaml:"amqpURL" env:"AMQP_URL"`
	AMQPExchange string `yaml:"amqpExchange" env:"AMQP_EXCHANGE"`

	ShutdownTimeoutSeconds int `yaml:"shutdownTimeoutSeconds" env:"SHUTDOWN_TIMEOUT_SECONDS"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = "helpdesk:jobs"
	}
	if cfg.Queue.Group == "" {
		cfg.Queue.Group = "routing"
	}
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = 2
	}
	if cfg.Queue.MaxRetries <= 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.RetryDelayMs <= 0 {
		cfg.Queue.RetryDelayMs = 2000
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	cfg.LLM.BaseURL = strings.TrimSpace(cfg.LLM.BaseURL)
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "disabled"
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = 10
	}
	if cfg.ClaimRateWindowSeconds <= 0 {
		cfg.ClaimRateWindowSeconds = 60
	}
	if cfg.AMQPExchange == "" {
		cfg.AMQPExchange = "helpdesk.assignments"
	}
	if cfg.ShutdownTimeoutSeconds <= 0 {
		cfg.ShutdownTimeoutSeconds = 10
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.AuthJWKSURL == "" {
		return errors.New("config: authJWKSURL is required (set in config.yaml or AUTH_JWKS_URL)")
	}
	switch cfg.LLM.Provider {
	case "disabled", "ollama":
	case "openai", "gemini":
		// a self-hosted OpenAI-compatible server may run without a key
		keyOptional := cfg.LLM.Provider == "openai" && cfg.LLM.BaseURL != ""
		if cfg.LLM.APIKey == "" && !keyOptional {
			return fmt.Errorf("config: llm.apiKey is required for provider %s (set in config.yaml or LLM_API_KEY)", cfg.LLM.Provider)
		}
		if cfg.LLM.Model == "" {
			return fmt.Errorf("config: llm.model is required for provider %s (set in config.yaml or LLM_MODEL)", cfg.LLM.Provider)
		}
	default:
		return fmt.Errorf("config: llm.provider %q is not supported", cfg.LLM.Provider)
	}
	if cfg.ClaimRateLimit < 0 {
		return errors.New("config: claimRateLimit must not be negative")
	}
	return nil
}
