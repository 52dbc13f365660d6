package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported blob backends.
const (
	BlobBackendFS    = "fs"
	BlobBackendMinIO = "minio"
)

// Supported metadata backends.
const (
	MetadataBackendBolt     = "bolt"
	MetadataBackendPostgres = "postgres"
	MetadataBackendRedis    = "redis"
)

// Config aggregates runtime configuration for the NullPath API.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Sweep    SweepConfig
	Postgres PostgresConfig
	MinIO    MinIOConfig
	Redis    RedisConfig
	CORS     CORSConfig
	Metrics  MetricsConfig
}

// ServerConfig parameterizes the HTTP server.
type ServerConfig struct {
	Host          string
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	PublicBaseURL string
}

// Address returns the listen address in host:port form.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig selects where blobs and their metadata live and how long they are kept.
type StorageConfig struct {
	BlobBackend     string
	MetadataBackend string
	UploadDir       string
	BoltPath        string
	RetentionDays   int
}

// Retention converts the configured day count into a duration.
func (s StorageConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// SweepConfig controls the expiry sweeper schedule. A positive Interval overrides
// the daily run at Hour.
type SweepConfig struct {
	Hour     int
	Interval time.Duration
}

// PostgresConfig contains PostgreSQL connection details.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	Migrate  bool
}

// DSN returns the PostgreSQL DSN string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// MigrationURL returns the DSN in the form expected by the pgx/v5 migrate driver.
func (p PostgresConfig) MigrationURL() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// MinIOConfig carries MinIO connection and bucket information.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	Region          string
}

// RedisConfig holds the Redis connection URL.
type RedisConfig struct {
	URL string
}

// CORSConfig lists the origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string
}

// MetricsConfig groups observability settings.
type MetricsConfig struct {
	PrometheusPath string
}

// Load reads configuration values from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host:          getString("NULLPATH_API_HOST", "0.0.0.0"),
			Port:          getInt("NULLPATH_API_PORT", 8080),
			ReadTimeout:   getDuration("NULLPATH_API_READ_TIMEOUT", 5*time.Minute),
			WriteTimeout:  getDuration("NULLPATH_API_WRITE_TIMEOUT", 5*time.Minute),
			IdleTimeout:   getDuration("NULLPATH_API_IDLE_TIMEOUT", 60*time.Second),
			PublicBaseURL: strings.TrimRight(getString("NULLPATH_PUBLIC_BASE_URL", ""), "/"),
		},
		Storage: StorageConfig{
			BlobBackend:     strings.ToLower(getString("NULLPATH_BLOB_BACKEND", BlobBackendFS)),
			MetadataBackend: strings.ToLower(getString("NULLPATH_METADATA_BACKEND", MetadataBackendBolt)),
			UploadDir:       getString("NULLPATH_UPLOAD_DIR", "./uploads"),
			BoltPath:        getString("NULLPATH_BOLT_PATH", "./data/metadata.db"),
			RetentionDays:   getInt("NULLPATH_RETENTION_DAYS", 7),
		},
		Sweep: SweepConfig{
			Hour:     getInt("NULLPATH_SWEEP_HOUR", 2),
			Interval: getDuration("NULLPATH_SWEEP_INTERVAL", 0),
		},
		Postgres: PostgresConfig{
			Host:     getString("POSTGRES_HOST", "localhost"),
			Port:     getInt("POSTGRES_PORT", 5432),
			User:     getString("POSTGRES_USER", "nullpath_app"),
			Password: getString("POSTGRES_PASSWORD", "change-me"),
			Database: getString("POSTGRES_DB", "nullpath"),
			SSLMode:  strings.ToLower(getString("POSTGRES_SSL_MODE", "disable")),
			Migrate:  getBool("POSTGRES_MIGRATE", true),
		},
		MinIO: MinIOConfig{
			Endpoint:        getString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getString("MINIO_ROOT_USER", "nullpath"),
			SecretAccessKey: getString("MINIO_ROOT_PASSWORD", "change-me-strong-password"),
			Bucket:          getString("MINIO_BUCKET", "nullpath"),
			UseSSL:          getBool("MINIO_USE_SSL", false),
			Region:          getString("MINIO_REGION", ""),
		},
		Redis: RedisConfig{
			URL: getString("REDIS_URL", "redis://localhost:6379/0"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getList("NULLPATH_CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Metrics: MetricsConfig{
			PrometheusPath: getString("NULLPATH_METRICS_PATH", "/metrics"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first configuration value that cannot be served.
func (c Config) Validate() error {
	switch c.Storage.BlobBackend {
	case BlobBackendFS, BlobBackendMinIO:
	default:
		return fmt.Errorf("unknown blob backend %q", c.Storage.BlobBackend)
	}
	switch c.Storage.MetadataBackend {
	case MetadataBackendBolt, MetadataBackendPostgres, MetadataBackendRedis:
	default:
		return fmt.Errorf("unknown metadata backend %q", c.Storage.MetadataBackend)
	}
	if c.Storage.BlobBackend == BlobBackendFS && strings.TrimSpace(c.Storage.UploadDir) == "" {
		return fmt.Errorf("upload directory must be set for the fs blob backend")
	}
	if c.Storage.RetentionDays <= 0 {
		return fmt.Errorf("retention days must be positive, got %d", c.Storage.RetentionDays)
	}
	if c.Sweep.Hour < 0 || c.Sweep.Hour > 23 {
		return fmt.Errorf("sweep hour must be within 0..23, got %d", c.Sweep.Hour)
	}
	if c.Sweep.Interval < 0 {
		return fmt.Errorf("sweep interval must not be negative")
	}
	return nil
}

func getString(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.ToLower(strings.TrimSpace(val))
		switch val {
		case "1", "true", "t", "yes", "y":
			return true
		case "0", "false", "f", "no", "n":
			return false
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
