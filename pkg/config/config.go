package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration, loaded once at startup and
// threaded into the Services record.
type Config struct {
	// HTTP
	ListenAddr string `yaml:"listen_addr"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// Working directory for downloaded media and intermediate files
	WorkDir string `yaml:"work_dir"`

	// Task store (GORM DSN; sqlite file path by default)
	DatabasePath string `yaml:"database_path"`

	// Redis backs both the work queue and the step cache
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Blob store (MinIO / S3-compatible)
	MinioEndpoint  string `yaml:"minio_endpoint"`
	MinioAccessKey string `yaml:"minio_access_key"`
	MinioSecretKey string `yaml:"minio_secret_key"`
	MinioSecure    bool   `yaml:"minio_secure"`
	MinioBucket    string `yaml:"minio_bucket"`

	// LLM endpoint (OpenAI-compatible chat completions)
	LLMAPIBase       string `yaml:"llm_api_base"`
	LLMAPIKey        string `yaml:"llm_api_key"`
	LLMModel         string `yaml:"llm_model"`
	LLMMaxConcurrent int    `yaml:"llm_max_concurrent"`

	// ASR engine (Whisper-compatible HTTP endpoint)
	ASRAPIBase       string        `yaml:"asr_api_base"`
	ASRAPIKey        string        `yaml:"asr_api_key"`
	ASRModel         string        `yaml:"asr_model"`
	ASRChunkDuration time.Duration `yaml:"asr_chunk_duration"`

	// Queue behavior
	QueueMaxAttempts   int           `yaml:"queue_max_attempts"`
	QueueRetryDelay    time.Duration `yaml:"queue_retry_delay"`
	QueueBackoffCap    time.Duration `yaml:"queue_backoff_cap"`
	QueueLeaseTimeout  time.Duration `yaml:"queue_lease_timeout"`
	QueueSoftTimeLimit time.Duration `yaml:"queue_soft_time_limit"`
	QueueHardTimeLimit time.Duration `yaml:"queue_hard_time_limit"`

	// Enrichment
	TargetLanguage      string `yaml:"target_language"`
	NeedTranslate       bool   `yaml:"need_translate"`
	NeedReflect         bool   `yaml:"need_reflect"`
	MaxWordCountCJK     int    `yaml:"max_word_count_cjk"`
	MaxWordCountEnglish int    `yaml:"max_word_count_english"`
	BatchSize           int    `yaml:"batch_size"`
}

// Default returns a Config populated with default values
func Default() *Config {
	return &Config{
		ListenAddr:          ":8000",
		LogLevel:            "info",
		LogJSON:             false,
		WorkDir:             "./workspace",
		DatabasePath:        "./data/lexisub.db",
		RedisAddr:           "localhost:6379",
		RedisDB:             0,
		MinioEndpoint:       "localhost:9000",
		MinioAccessKey:      "minioadmin",
		MinioSecretKey:      "minioadmin",
		MinioSecure:         false,
		MinioBucket:         "subtitle-files",
		LLMModel:            "gpt-4o-mini",
		LLMMaxConcurrent:    10,
		ASRModel:            "whisper-1",
		ASRChunkDuration:    20 * time.Minute,
		QueueMaxAttempts:    3,
		QueueRetryDelay:     60 * time.Second,
		QueueBackoffCap:     10 * time.Minute,
		QueueLeaseTimeout:   5 * time.Minute,
		QueueSoftTimeLimit:  55 * time.Minute,
		QueueHardTimeLimit:  time.Hour,
		TargetLanguage:      "zh",
		NeedTranslate:       true,
		NeedReflect:         false,
		MaxWordCountCJK:     25,
		MaxWordCountEnglish: 20,
		BatchSize:           10,
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment variable overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.ListenAddr, "LEXISUB_LISTEN_ADDR")
	envString(&c.LogLevel, "LEXISUB_LOG_LEVEL")
	envString(&c.WorkDir, "LEXISUB_WORK_DIR")
	envString(&c.DatabasePath, "LEXISUB_DATABASE_PATH")
	envString(&c.RedisAddr, "REDIS_ADDR")
	envString(&c.RedisPassword, "REDIS_PASSWORD")
	envInt(&c.RedisDB, "REDIS_DB")
	envString(&c.MinioEndpoint, "MINIO_ENDPOINT")
	envString(&c.MinioAccessKey, "MINIO_ACCESS_KEY")
	envString(&c.MinioSecretKey, "MINIO_SECRET_KEY")
	envBool(&c.MinioSecure, "MINIO_SECURE")
	envString(&c.MinioBucket, "MINIO_BUCKET_NAME")
	// Older deployments used the OPENAI_* names; the LLM_* names win
	envString(&c.LLMAPIBase, "OPENAI_API_BASE")
	envString(&c.LLMAPIKey, "OPENAI_API_KEY")
	envString(&c.LLMModel, "OPENAI_MODEL")
	envString(&c.LLMAPIBase, "LLM_API_BASE")
	envString(&c.LLMAPIKey, "LLM_API_KEY")
	envString(&c.LLMModel, "LLM_MODEL")
	envString(&c.ASRAPIBase, "ASR_API_BASE")
	envString(&c.ASRAPIKey, "ASR_API_KEY")
	envString(&c.ASRModel, "ASR_MODEL")
	envString(&c.TargetLanguage, "TARGET_LANGUAGE")
	envInt(&c.MaxWordCountCJK, "MAX_WORD_COUNT_CJK")
	envInt(&c.MaxWordCountEnglish, "MAX_WORD_COUNT_ENGLISH")
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("queue_max_attempts must be >= 1, got %d", c.QueueMaxAttempts)
	}
	if c.QueueSoftTimeLimit > c.QueueHardTimeLimit {
		return fmt.Errorf("queue_soft_time_limit %s exceeds hard limit %s",
			c.QueueSoftTimeLimit, c.QueueHardTimeLimit)
	}
	if c.LLMMaxConcurrent < 1 {
		return fmt.Errorf("llm_max_concurrent must be >= 1, got %d", c.LLMMaxConcurrent)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", c.BatchSize)
	}
	return nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}
