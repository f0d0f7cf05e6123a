package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
	QueuePrefix   string `yaml:"queuePrefix"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	PublicDomain   string `yaml:"publicDomain"`

	AuthHMACSecret       string        `yaml:"authHMACSecret"`
	AuthRSAPublicKeyPath string        `yaml:"authRSAPublicKeyPath"`
	AuthIssuer           string        `yaml:"authIssuer"`
	AuthAudience         string        `yaml:"authAudience"`
	AuthLeeway           time.Duration `yaml:"authLeeway"`

	QuotaBackend   string `yaml:"quotaBackend"`
	FreeDailyLimit int    `yaml:"freeDailyLimit"`

	Plans           PlanConfig `yaml:"plans"`
	SecondsPerPhoto int        `yaml:"secondsPerPhoto"`

	MaxUploadBytes      int64    `yaml:"maxUploadBytes"`
	AllowedContentTypes []string `yaml:"allowedContentTypes"`

	DefaultPageSize    int `yaml:"defaultPageSize"`
	MaxPageSize        int `yaml:"maxPageSize"`
	PreviewSize        int `yaml:"previewSize"`
	SummaryConcurrency int `yaml:"summaryConcurrency"`

	CleanupWorkers int           `yaml:"cleanupWorkers"`
	CleanupBuffer  int           `yaml:"cleanupBuffer"`
	CleanupTimeout time.Duration `yaml:"cleanupTimeout"`

	// CleanupSubmitWait bounds how long a deletion waits for cleanup buffer room.
	CleanupSubmitWait time.Duration `yaml:"cleanupSubmitWait"`

	CORSOrigins []string `yaml:"corsOrigins"`
}

// PlanConfig overrides the per-plan output quantities.
type PlanConfig struct {
	Free  int `yaml:"free"`
	Start int `yaml:"start"`
	Pro   int `yaml:"pro"`
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
	applyDefaults(&cfg)
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
	if v := os.Getenv("PUBLIC_DOMAIN"); v != "" {
		cfg.PublicDomain = v
	}
	if v := os.Getenv("AUTH_HMAC_SECRET"); v != "" {
		cfg.AuthHMACSecret = v
	}
	if v := os.Getenv("AUTH_RSA_PUBLIC_KEY_PATH"); v != "" {
		cfg.AuthRSAPublicKeyPath = v
	}
	if v := os.Getenv("QUOTA_BACKEND"); v != "" {
		cfg.QuotaBackend = v
	}
	if v := os.Getenv("API_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("API_ALLOWED_CONTENT_TYPES"); v != "" {
		cfg.AllowedContentTypes = splitCSV(v)
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.QueuePrefix == "" {
		cfg.QueuePrefix = "rizzify"
	}
	cfg.QuotaBackend = strings.ToLower(strings.TrimSpace(cfg.QuotaBackend))
	if cfg.QuotaBackend == "" {
		cfg.QuotaBackend = "redis"
	}
	if cfg.FreeDailyLimit == 0 {
		cfg.FreeDailyLimit = 1
	}
	if cfg.CleanupSubmitWait == 0 {
		cfg.CleanupSubmitWait = 250 * time.Millisecond
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
	if cfg.PublicDomain == "" {
		return errors.New("config: publicDomain is required (set in config.yaml or PUBLIC_DOMAIN)")
	}
	if (cfg.AuthHMACSecret == "") == (cfg.AuthRSAPublicKeyPath == "") {
		return errors.New("config: exactly one of authHMACSecret or authRSAPublicKeyPath is required")
	}
	switch cfg.QuotaBackend {
	case "redis", "postgres":
	default:
		return fmt.Errorf("config: quotaBackend must be redis or postgres, got %q", cfg.QuotaBackend)
	}
	if cfg.FreeDailyLimit < 0 {
		return errors.New("config: freeDailyLimit must be positive")
	}
	if cfg.Plans.Free < 0 || cfg.Plans.Start < 0 || cfg.Plans.Pro < 0 {
		return errors.New("config: plan quantities must be positive")
	}
	if cfg.CleanupSubmitWait < 0 {
		return errors.New("config: cleanupSubmitWait must not be negative")
	}
	if cfg.MaxPageSize > 0 && cfg.DefaultPageSize > cfg.MaxPageSize {
		return errors.New("config: defaultPageSize must not exceed maxPageSize")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
