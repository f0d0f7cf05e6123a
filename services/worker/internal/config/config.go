package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	InternalToken string `yaml:"internalToken"`

	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
	QueuePrefix   string `yaml:"queuePrefix"`
	QueueGroup    string `yaml:"queueGroup"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	TeamSize      int           `yaml:"teamSize"`
	RetryLimit    int           `yaml:"retryLimit"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	RetryBackoff  bool          `yaml:"retryBackoff"`
	MaxRetryDelay time.Duration `yaml:"maxRetryDelay"`
	ClaimIdle     time.Duration `yaml:"claimIdle"`

	Plans           PlanConfig   `yaml:"plans"`
	Expiry          ExpiryConfig `yaml:"expiry"`
	SecondsPerPhoto int          `yaml:"secondsPerPhoto"`
	RenderMaxSide   int          `yaml:"renderMaxSide"`
	RenderQuality   int          `yaml:"renderQuality"`

	SweepInterval  time.Duration `yaml:"sweepInterval"`
	SweepBatch     int           `yaml:"sweepBatch"`
	CleanupWorkers int           `yaml:"cleanupWorkers"`
	CleanupBuffer  int           `yaml:"cleanupBuffer"`
	CleanupTimeout time.Duration `yaml:"cleanupTimeout"`

	// CleanupSubmitWait bounds how long a deletion waits for cleanup buffer room.
	CleanupSubmitWait time.Duration `yaml:"cleanupSubmitWait"`
}

// PlanConfig overrides the per-plan output quantities.
type PlanConfig struct {
	Free  int `yaml:"free"`
	Start int `yaml:"start"`
	Pro   int `yaml:"pro"`
}

// ExpiryConfig overrides how long section photos live. Zero keeps the default.
type ExpiryConfig struct {
	Free  time.Duration `yaml:"free"`
	Start time.Duration `yaml:"start"`
	Pro   time.Duration `yaml:"pro"`
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
	applyEnv(&cfg)
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.QueuePrefix == "" {
		cfg.QueuePrefix = "rizzify"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "generation-workers"
	}
	if cfg.CleanupSubmitWait == 0 {
		cfg.CleanupSubmitWait = 250 * time.Millisecond
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WORKER_INTERNAL_TOKEN"); v != "" {
		cfg.InternalToken = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("WORKER_TEAM_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TeamSize = n
		}
	}
	if v := os.Getenv("WORKER_RETRY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryLimit = n
		}
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
	if cfg.MinioEndpoint == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml)")
	}
	if cfg.MinioAccessKey == "" {
		return errors.New("config: minioAccessKey is required (set in config.yaml)")
	}
	if cfg.MinioSecretKey == "" {
		return errors.New("config: minioSecretKey is required (set in config.yaml)")
	}
	if cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required (set in config.yaml)")
	}
	if cfg.TeamSize < 0 {
		return errors.New("config: teamSize must not be negative")
	}
	if cfg.RetryDelay < 0 || cfg.MaxRetryDelay < 0 {
		return errors.New("config: retry delays must not be negative")
	}
	if cfg.Plans.Free < 0 || cfg.Plans.Start < 0 || cfg.Plans.Pro < 0 {
		return errors.New("config: plan quantities must be positive")
	}
	if cfg.CleanupSubmitWait < 0 {
		return errors.New("config: cleanupSubmitWait must not be negative")
	}
	if cfg.SweepInterval < 0 {
		return errors.New("config: sweepInterval must not be negative")
	}
	return nil
}
