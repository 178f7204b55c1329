package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ModeAPI    = "api"
	ModeWorker = "worker"
	ModeAll    = "all"
)

type Config struct {
	Mode     string `yaml:"mode" validate:"oneof=api worker all"`
	HTTPAddr string `yaml:"http_addr" validate:"required"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	DatabaseURL string `yaml:"database_url" validate:"required"`

	// RedisURL may only be empty in "all" mode, where the queue and broker live in-process.
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
	QueueName   string `yaml:"queue_name" validate:"required"`

	WorkerID                 string        `yaml:"worker_id" validate:"required"`
	WorkerConcurrency        int32         `yaml:"worker_concurrency" validate:"min=1"`
	JobMaxAttempts           int           `yaml:"job_max_attempts" validate:"min=1"`
	JobTimeout               time.Duration `yaml:"job_timeout" validate:"min=0"`
	QueueBlockTimeout        time.Duration `yaml:"queue_block_timeout" validate:"min=0"`
	QueueLeaseTTL            time.Duration `yaml:"queue_lease_ttl" validate:"min=0"`
	QueueMaintenanceSchedule string        `yaml:"queue_maintenance_schedule"`

	LLMBackend            string        `yaml:"llm_backend" validate:"oneof=openai loopback"`
	LLMBaseURL            string        `yaml:"llm_base_url" validate:"required_if=LLMBackend openai"`
	LLMAPIKey             string        `yaml:"llm_api_key"`
	LLMDefaultModel       string        `yaml:"llm_default_model" validate:"required"`
	LLMDefaultTemperature float64       `yaml:"llm_default_temperature" validate:"min=0,max=2"`
	LLMDefaultMaxTokens   int           `yaml:"llm_default_max_tokens" validate:"min=1"`
	TitleTimeout          time.Duration `yaml:"title_timeout" validate:"min=0"`

	RateLimitPerMinute int `yaml:"rate_limit_per_minute" validate:"min=0"`
}

func Default() *Config {
	return &Config{
		Mode:                     ModeAll,
		HTTPAddr:                 ":8080",
		LogLevel:                 "info",
		DatabaseURL:              "data/chat.db",
		RedisPrefix:              "chat",
		QueueName:                "inference",
		WorkerID:                 defaultWorkerID(),
		WorkerConcurrency:        1,
		JobMaxAttempts:           1,
		QueueBlockTimeout:        5 * time.Second,
		QueueLeaseTTL:            30 * time.Second,
		QueueMaintenanceSchedule: "@every 10s",
		LLMBackend:               "openai",
		LLMBaseURL:               "http://localhost:11434/v1",
		LLMDefaultModel:          "qwen3:8b",
		LLMDefaultTemperature:    0.7,
		LLMDefaultMaxTokens:      2048,
		TitleTimeout:             30 * time.Second,
		RateLimitPerMinute:       20,
	}
}

// LoadFromEnv builds the configuration from defaults, an optional YAML file named
// by CONFIG_FILE, a .env file in the working directory and the process environment,
// in that order of increasing precedence.
func LoadFromEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using process environment")
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}

	str("APP_MODE", &c.Mode)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_URL", &c.RedisURL)
	str("REDIS_PREFIX", &c.RedisPrefix)
	str("QUEUE_NAME", &c.QueueName)
	str("WORKER_ID", &c.WorkerID)
	if v, ok := os.LookupEnv("WORKER_CONCURRENCY"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32)
		if err != nil {
			errs = append(errs, fmt.Sprintf("WORKER_CONCURRENCY: %v", err))
		} else {
			c.WorkerConcurrency = int32(n)
		}
	}
	integer("JOB_MAX_ATTEMPTS", &c.JobMaxAttempts)
	duration("JOB_TIMEOUT", &c.JobTimeout)
	duration("QUEUE_BLOCK_TIMEOUT", &c.QueueBlockTimeout)
	duration("QUEUE_LEASE_TTL", &c.QueueLeaseTTL)
	str("QUEUE_MAINTENANCE_SCHEDULE", &c.QueueMaintenanceSchedule)
	str("LLM_BACKEND", &c.LLMBackend)
	str("LLM_BASE_URL", &c.LLMBaseURL)
	str("LLM_API_KEY", &c.LLMAPIKey)
	str("LLM_DEFAULT_MODEL", &c.LLMDefaultModel)
	float("LLM_DEFAULT_TEMPERATURE", &c.LLMDefaultTemperature)
	integer("LLM_DEFAULT_MAX_TOKENS", &c.LLMDefaultMaxTokens)
	duration("TITLE_TIMEOUT", &c.TitleTimeout)
	integer("RATE_LIMIT_PER_MINUTE", &c.RateLimitPerMinute)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.RedisURL == "" && c.Mode != ModeAll {
		return fmt.Errorf("invalid config: REDIS_URL is required in %s mode", c.Mode)
	}
	return nil
}

// defaultWorkerID is hostname:pid so that processing lists of crashed workers can be told apart.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}
