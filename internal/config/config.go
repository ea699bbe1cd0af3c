// Package config resolves runtime configuration in priority order:
// defaults, then an optional YAML file, then PHYSIONET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"physionet.org/internal/projectfiles"
)

const envPrefix = "PHYSIONET_"

// Config is shared by the api, worker and migrate binaries.
type Config struct {
	Service struct {
		Name     string `yaml:"name"`
		Version  string `yaml:"version"`
		HTTPAddr string `yaml:"http_addr"`
		GRPCAddr string `yaml:"grpc_addr"`
	} `yaml:"service"`

	Database struct {
		DSN             string        `yaml:"dsn"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
		MigrationsDir   string        `yaml:"migrations_dir"` // empty selects the compiled-in schema
	} `yaml:"database"`

	Storage projectfiles.Config `yaml:"storage"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		Issuer    string        `yaml:"issuer"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Tasks struct {
		Brokers  []string      `yaml:"brokers"`
		Topic    string        `yaml:"topic"`
		GroupID  string        `yaml:"group_id"`
		RedisURL string        `yaml:"redis_url"`
		LockTTL  time.Duration `yaml:"lock_ttl"`
	} `yaml:"tasks"`

	HTTP struct {
		RateLimitRPS   float64  `yaml:"rate_limit_rps"`
		RateLimitBurst int      `yaml:"rate_limit_burst"`
		MaxUploadBytes int64    `yaml:"max_upload_bytes"`
		CORSOrigins    []string `yaml:"cors_origins"`
	} `yaml:"http"`

	Projects struct {
		DefaultAllowance int64 `yaml:"default_allowance"`
		PreviewMaxRows   int   `yaml:"preview_max_rows"`
		PreviewMaxBytes  int64 `yaml:"preview_max_bytes"`
	} `yaml:"projects"`
}

// Default returns the built-in configuration for local runs.
func Default() Config {
	var cfg Config
	cfg.Service.Name = "physionet-api"
	cfg.Service.Version = "dev"
	cfg.Service.HTTPAddr = ":8080"
	cfg.Service.GRPCAddr = ":9090"
	cfg.Database.MaxOpenConns = 10
	cfg.Database.ConnMaxLifetime = 30 * time.Minute
	cfg.Storage.Backend = projectfiles.BackendLocal
	cfg.Storage.MediaRoot = "./media"
	cfg.Auth.Issuer = "physionet"
	cfg.Auth.TokenTTL = 12 * time.Hour
	cfg.Tasks.Topic = "physionet.tasks"
	cfg.Tasks.GroupID = "physionet-worker"
	cfg.Tasks.LockTTL = 30 * time.Minute
	cfg.HTTP.RateLimitRPS = 20
	cfg.HTTP.RateLimitBurst = 40
	cfg.HTTP.MaxUploadBytes = 1 << 30
	cfg.Projects.DefaultAllowance = 100 << 20
	cfg.Projects.PreviewMaxRows = 1000
	cfg.Projects.PreviewMaxBytes = 1 << 20
	return cfg
}

// Load resolves the configuration. A missing file at path is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Service.Version = envOrDefault("VERSION", cfg.Service.Version)
	cfg.Service.HTTPAddr = envOrDefault("HTTP_ADDR", cfg.Service.HTTPAddr)
	cfg.Service.GRPCAddr = envOrDefault("GRPC_ADDR", cfg.Service.GRPCAddr)

	cfg.Database.DSN = envOrDefault("PG_DSN", cfg.Database.DSN)
	cfg.Database.MaxOpenConns = envInt("PG_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MigrationsDir = envOrDefault("MIGRATIONS_DIR", cfg.Database.MigrationsDir)

	cfg.Storage.Backend = strings.ToUpper(envOrDefault("STORAGE_TYPE", cfg.Storage.Backend))
	cfg.Storage.MediaRoot = envOrDefault("MEDIA_ROOT", cfg.Storage.MediaRoot)
	cfg.Storage.Bucket = envOrDefault("S3_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.Prefix = envOrDefault("S3_PREFIX", cfg.Storage.Prefix)
	cfg.Storage.Region = envOrDefault("S3_REGION", cfg.Storage.Region)
	cfg.Storage.Endpoint = envOrDefault("S3_ENDPOINT", cfg.Storage.Endpoint)

	cfg.Auth.JWTSecret = envOrDefault("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.Issuer = envOrDefault("JWT_ISSUER", cfg.Auth.Issuer)
	cfg.Auth.TokenTTL = envDuration("TOKEN_TTL", cfg.Auth.TokenTTL)

	cfg.Tasks.Brokers = envCSV("KAFKA_BROKERS", cfg.Tasks.Brokers)
	cfg.Tasks.Topic = envOrDefault("TASK_TOPIC", cfg.Tasks.Topic)
	cfg.Tasks.GroupID = envOrDefault("TASK_GROUP", cfg.Tasks.GroupID)
	cfg.Tasks.RedisURL = envOrDefault("REDIS_URL", cfg.Tasks.RedisURL)
	cfg.Tasks.LockTTL = envDuration("LOCK_TTL", cfg.Tasks.LockTTL)

	cfg.HTTP.RateLimitRPS = envFloat("RATE_LIMIT_RPS", cfg.HTTP.RateLimitRPS)
	cfg.HTTP.RateLimitBurst = envInt("RATE_LIMIT_BURST", cfg.HTTP.RateLimitBurst)
	cfg.HTTP.MaxUploadBytes = envInt64("MAX_UPLOAD_BYTES", cfg.HTTP.MaxUploadBytes)
	cfg.HTTP.CORSOrigins = envCSV("CORS_ORIGINS", cfg.HTTP.CORSOrigins)

	cfg.Projects.DefaultAllowance = envInt64("DEFAULT_ALLOWANCE", cfg.Projects.DefaultAllowance)
	cfg.Projects.PreviewMaxRows = envInt("PREVIEW_MAX_ROWS", cfg.Projects.PreviewMaxRows)
	cfg.Projects.PreviewMaxBytes = envInt64("PREVIEW_MAX_BYTES", cfg.Projects.PreviewMaxBytes)
}

// Validate checks the values each selected backend needs.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case projectfiles.BackendLocal:
		if strings.TrimSpace(c.Storage.MediaRoot) == "" {
			errs = append(errs, errors.New("storage.media_root is required for LOCAL storage"))
		}
	case projectfiles.BackendS3:
		if strings.TrimSpace(c.Storage.Bucket) == "" {
			errs = append(errs, errors.New("storage.bucket is required for S3 storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not LOCAL or S3", c.Storage.Backend))
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 bytes"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if c.HTTP.RateLimitRPS < 0 || c.HTTP.RateLimitBurst < 0 {
		errs = append(errs, errors.New("http rate limits must not be negative"))
	}
	if c.Projects.DefaultAllowance <= 0 {
		errs = append(errs, errors.New("projects.default_allowance must be positive"))
	}
	return errors.Join(errs...)
}

// UsesKafka reports whether tasks go through Kafka instead of the in-process queue.
func (c Config) UsesKafka() bool { return len(c.Tasks.Brokers) > 0 }

func envOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(envOrDefault(key, "")); err == nil {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v, err := strconv.ParseInt(envOrDefault(key, ""), 10, 64); err == nil {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(envOrDefault(key, ""), 64); err == nil {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(envOrDefault(key, "")); err == nil {
		return v
	}
	return fallback
}

func envCSV(key string, fallback []string) []string {
	raw := envOrDefault(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
