package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with PROCESSOR_CONFIG.
var ConfigPath = envOr("PROCESSOR_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port               string `yaml:"port"`
	LogLevel           string `yaml:"logLevel"`
	DatabaseURL        string `yaml:"databaseURL"`
	RedisAddr          string `yaml:"redisAddr"`
	RedisPassword      string `yaml:"redisPassword"`
	ScannerURL         string `yaml:"scannerURL"`
	ServiceTokenSecret string `yaml:"serviceTokenSecret"`

	ProcessQueueName     string `yaml:"processQueueName"`
	RetryQueueName       string `yaml:"retryQueueName"`
	QueueGroup           string `yaml:"queueGroup"`
	ProcessWorkers       int    `yaml:"processWorkers"`
	RetryWorkers         int    `yaml:"retryWorkers"`
	MaxRetries           int    `yaml:"maxRetries"`
	RetryDelaySeconds    int    `yaml:"retryDelaySeconds"`
	StaleChunkingMinutes int    `yaml:"staleChunkingMinutes"`

	ChunkerMode           string `yaml:"chunkerMode"`
	LLMProvider           string `yaml:"llmProvider"`
	LLMBaseURL            string `yaml:"llmBaseURL"`
	LLMAPIKey             string `yaml:"llmAPIKey"`
	LLMModel              string `yaml:"llmModel"`
	ChunkerTimeoutSeconds int    `yaml:"chunkerTimeoutSeconds"`
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
	overrideString(&cfg.Port, "PROCESSOR_PORT")
	overrideString(&cfg.LogLevel, "LOG_LEVEL")
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	overrideString(&cfg.RedisAddr, "REDIS_ADDR")
	overrideString(&cfg.RedisPassword, "REDIS_PASSWORD")
	overrideString(&cfg.ScannerURL, "SCANNER_URL")
	overrideString(&cfg.ServiceTokenSecret, "KMS_SERVICE_TOKEN_SECRET")
	overrideString(&cfg.ProcessQueueName, "PROCESSOR_QUEUE_NAME")
	overrideString(&cfg.RetryQueueName, "PROCESSOR_RETRY_QUEUE_NAME")
	overrideString(&cfg.QueueGroup, "PROCESSOR_QUEUE_GROUP")
	overrideInt(&cfg.ProcessWorkers, "PROCESSOR_WORKERS")
	overrideInt(&cfg.RetryWorkers, "PROCESSOR_RETRY_WORKERS")
	overrideInt(&cfg.MaxRetries, "PROCESSOR_MAX_RETRIES")
	overrideInt(&cfg.RetryDelaySeconds, "PROCESSOR_RETRY_DELAY_SECONDS")
	overrideString(&cfg.ChunkerMode, "PROCESSOR_CHUNKER_MODE")
	overrideString(&cfg.LLMProvider, "LLM_PROVIDER")
	overrideString(&cfg.LLMBaseURL, "LLM_BASE_URL")
	overrideString(&cfg.LLMAPIKey, "LLM_API_KEY")
	overrideString(&cfg.LLMModel, "LLM_MODEL")
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PROCESSOR_PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.ScannerURL == "" {
		return errors.New("config: scannerURL is required (set in config.yaml or SCANNER_URL)")
	}
	if len(strings.TrimSpace(cfg.ServiceTokenSecret)) < 16 {
		return errors.New("config: serviceTokenSecret must be at least 16 bytes (KMS_SERVICE_TOKEN_SECRET)")
	}
	if cfg.ProcessWorkers < 0 || cfg.RetryWorkers < 0 || cfg.MaxRetries < 0 || cfg.RetryDelaySeconds < 0 {
		return errors.New("config: worker counts, maxRetries and retryDelaySeconds must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.ChunkerMode)) {
	case "", "single":
	case "llm":
		if cfg.LLMModel == "" {
			return errors.New("config: llmModel is required when chunkerMode=llm")
		}
	default:
		return fmt.Errorf("config: unknown chunkerMode %q (single or llm)", cfg.ChunkerMode)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
