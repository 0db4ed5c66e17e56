// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Document store ("postgres" or "memory")
	DocumentStore string
	DatabaseURL   string

	// Blob store ("local" or "s3")
	BlobBackend      string
	LocalStoragePath string
	S3Endpoint       string
	S3Bucket         string
	S3AccessKey      string
	S3SecretKey      string
	S3Region         string
	S3UseSSL         bool

	// Identity
	JWTSecret     string
	OIDCIssuerURL string
	OIDCClientID  string

	// Quotas (defaults for new users)
	DefaultStorageLimit   int64
	DefaultPlan           string
	DefaultRequestsPerMin int

	// Transfers
	MaxUploadSize     int64
	UploadConcurrency int
	TaskGracePeriod   time.Duration
	ChunkSize         int64
	UploadTempDir     string
	ChunkExpiry       time.Duration

	// Views
	RecentLimit int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:            envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:           envOr("METRICS_ADDR", ":9090"),
		LogLevel:              envOr("LOG_LEVEL", "info"),
		LogFormat:             envOr("LOG_FORMAT", "json"),
		DocumentStore:         envOr("DOCUMENT_STORE", "postgres"),
		DatabaseURL:           envOr("DATABASE_URL", ""),
		BlobBackend:           envOr("BLOB_BACKEND", "local"),
		LocalStoragePath:      envOr("LOCAL_STORAGE_PATH", "/data/blobs"),
		S3Endpoint:            envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:              envOr("S3_BUCKET", "hcloud"),
		S3AccessKey:           envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:           envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:              envOr("S3_REGION", "us-east-1"),
		S3UseSSL:              envBool("S3_USE_SSL", false),
		JWTSecret:             envOr("JWT_SECRET", ""),
		OIDCIssuerURL:         envOr("OIDC_ISSUER_URL", ""),
		OIDCClientID:          envOr("OIDC_CLIENT_ID", ""),
		DefaultStorageLimit:   envInt64("DEFAULT_STORAGE_LIMIT", 5*1024*1024*1024), // 5GB free tier
		DefaultPlan:           envOr("DEFAULT_PLAN", "free"),
		DefaultRequestsPerMin: envInt("DEFAULT_REQUESTS_PER_MINUTE", 0), // 0 = unlimited
		MaxUploadSize:         envInt64("MAX_UPLOAD_SIZE", 2*1024*1024*1024),
		UploadConcurrency:     envInt("UPLOAD_CONCURRENCY", 4),
		TaskGracePeriod:       envDuration("TASK_GRACE_PERIOD", 3*time.Second),
		ChunkSize:             envInt64("CHUNK_SIZE", 5*1024*1024),
		UploadTempDir:         envOr("UPLOAD_TEMP_DIR", ""),
		ChunkExpiry:           envDuration("CHUNKED_UPLOAD_EXPIRY", 24*time.Hour),
		RecentLimit:           envInt("RECENT_LIMIT", 20),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and value ranges.
func (c *Config) Validate() error {
	switch c.DocumentStore {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DOCUMENT_STORE=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown DOCUMENT_STORE: %s", c.DocumentStore)
	}

	switch c.BlobBackend {
	case "local":
		if c.LocalStoragePath == "" {
			return fmt.Errorf("LOCAL_STORAGE_PATH is required when BLOB_BACKEND=local")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unknown BLOB_BACKEND: %s", c.BlobBackend)
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.DefaultStorageLimit < 0 {
		return fmt.Errorf("DEFAULT_STORAGE_LIMIT must not be negative")
	}
	if c.UploadConcurrency < 1 {
		return fmt.Errorf("UPLOAD_CONCURRENCY must be at least 1")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
