package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with SCANNER_CONFIG.
var ConfigPath = envOr("SCANNER_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port               string `yaml:"port"`
	LogLevel           string `yaml:"logLevel"`
	DatabaseURL        string `yaml:"databaseURL"`
	RedisAddr          string `yaml:"redisAddr"`
	RedisPassword      string `yaml:"redisPassword"`
	ProcessorURL       string `yaml:"processorURL"`
	ServiceTokenSecret string `yaml:"serviceTokenSecret"`

	ScanQueueName      string `yaml:"scanQueueName"`
	ScanRetryQueueName string `yaml:"scanRetryQueueName"`
	QueueGroup         string `yaml:"queueGroup"`
	ScanWorkers        int    `yaml:"scanWorkers"`
	MaxRetries         int    `yaml:"maxRetries"`
	RetryDelaySeconds  int    `yaml:"retryDelaySeconds"`
	RescanSchedule     string `yaml:"rescanSchedule"`
	StaleScanMinutes   int    `yaml:"staleScanMinutes"`
	AnalysisPollEvery  string `yaml:"analysisPollEvery"`

	DuplicateThreshold float64 `yaml:"duplicateThreshold"`

	AnalysisParallelism     int `yaml:"analysisParallelism"`
	AnalysisCacheSize       int `yaml:"analysisCacheSize"`
	AnalysisCacheTTLSeconds int `yaml:"analysisCacheTTLSeconds"`
	RelatedDocLimit         int `yaml:"relatedDocLimit"`
	AsyncQueueCapacity      int `yaml:"asyncQueueCapacity"`
	WatchdogTimeoutSeconds  int `yaml:"watchdogTimeoutSeconds"`
	WatchdogIntervalSeconds int `yaml:"watchdogIntervalSeconds"`

	LLMProvider              string `yaml:"llmProvider"`
	LLMBaseURL               string `yaml:"llmBaseURL"`
	LLMAPIKey                string `yaml:"llmAPIKey"`
	LLMModel                 string `yaml:"llmModel"`
	ClassifierTimeoutSeconds int    `yaml:"classifierTimeoutSeconds"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	TriggerRateLimit         int      `yaml:"triggerRateLimit"`
	TriggerRateWindowSeconds int      `yaml:"triggerRateWindowSeconds"`
	TrustedProxies           []string `yaml:"trustedProxies"`
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
	overrideString(&cfg.Port, "SCANNER_PORT")
	overrideString(&cfg.LogLevel, "LOG_LEVEL")
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	overrideString(&cfg.RedisAddr, "REDIS_ADDR")
	overrideString(&cfg.RedisPassword, "REDIS_PASSWORD")
	overrideString(&cfg.ProcessorURL, "PROCESSOR_URL")
	overrideString(&cfg.ServiceTokenSecret, "KMS_SERVICE_TOKEN_SECRET")
	overrideString(&cfg.ScanQueueName, "SCANNER_QUEUE_NAME")
	overrideString(&cfg.ScanRetryQueueName, "SCANNER_RETRY_QUEUE_NAME")
	overrideString(&cfg.QueueGroup, "SCANNER_QUEUE_GROUP")
	overrideInt(&cfg.ScanWorkers, "SCANNER_WORKERS")
	overrideInt(&cfg.MaxRetries, "SCANNER_MAX_RETRIES")
	overrideInt(&cfg.RetryDelaySeconds, "SCANNER_RETRY_DELAY_SECONDS")
	overrideString(&cfg.RescanSchedule, "SCANNER_RESCAN_SCHEDULE")
	overrideFloat(&cfg.DuplicateThreshold, "SCANNER_DUPLICATE_THRESHOLD")
	overrideInt(&cfg.AnalysisParallelism, "SCANNER_ANALYSIS_PARALLELISM")
	overrideInt(&cfg.WatchdogTimeoutSeconds, "SCANNER_WATCHDOG_TIMEOUT_SECONDS")
	overrideString(&cfg.LLMProvider, "LLM_PROVIDER")
	overrideString(&cfg.LLMBaseURL, "LLM_BASE_URL")
	overrideString(&cfg.LLMAPIKey, "LLM_API_KEY")
	overrideString(&cfg.LLMModel, "LLM_MODEL")
	overrideString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	overrideString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	overrideString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	overrideString(&cfg.MinioBucket, "MINIO_BUCKET")
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or SCANNER_PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.ProcessorURL == "" {
		return errors.New("config: processorURL is required (set in config.yaml or PROCESSOR_URL)")
	}
	if len(strings.TrimSpace(cfg.ServiceTokenSecret)) < 16 {
		return errors.New("config: serviceTokenSecret must be at least 16 bytes (KMS_SERVICE_TOKEN_SECRET)")
	}
	if cfg.ScanWorkers < 0 || cfg.MaxRetries < 0 || cfg.RetryDelaySeconds < 0 {
		return errors.New("config: scanWorkers, maxRetries and retryDelaySeconds must be >= 0")
	}
	if cfg.DuplicateThreshold < 0 || cfg.DuplicateThreshold > 1 {
		return errors.New("config: duplicateThreshold must be between 0 and 1")
	}
	if cfg.MinioEndpoint != "" && cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required when minioEndpoint is set")
	}
	if cfg.TriggerRateLimit < 0 || cfg.TriggerRateWindowSeconds < 0 {
		return errors.New("config: triggerRateLimit and triggerRateWindowSeconds must be >= 0")
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

func overrideFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = n
		}
	}
}
