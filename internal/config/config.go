// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Server holds canopy-server configuration.
type Server struct {
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Database
	DatabaseURL string

	// Blob storage backend ("local" or "s3", default: "local")
	StorageBackend   string
	LocalStoragePath string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Secret for project-scoped blob tokens
	TokenSecret string

	// Uploads
	MaxBlobSize int64

	// Number of historical versions retained per project for diff computation
	HistoryRetention int
}

// LoadServer reads server configuration from environment variables.
func LoadServer() (*Server, error) {
	cfg := &Server{
		ListenAddr:       envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "json"),
		LogFile:          envOr("LOG_FILE", ""),
		DatabaseURL:      envOr("DATABASE_URL", ""),
		StorageBackend:   envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "/data/blobs"),
		S3Endpoint:       envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:         envOr("S3_BUCKET", "canopy"),
		S3AccessKey:      envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:      envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:         envOr("S3_REGION", "us-east-1"),
		S3UseSSL:         envBool("S3_USE_SSL", false),
		TokenSecret:      envOr("TOKEN_SECRET", ""),
		MaxBlobSize:      envInt64("MAX_BLOB_SIZE", 100*1024*1024), // 100MB default
		HistoryRetention: envInt("HISTORY_RETENTION", 100),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.TokenSecret == "" {
		return nil, fmt.Errorf("TOKEN_SECRET is required")
	}
	if cfg.HistoryRetention < 1 {
		return nil, fmt.Errorf("HISTORY_RETENTION must be at least 1")
	}

	return cfg, nil
}

// Client holds canopy CLI client configuration.
type Client struct {
	ServerURL string
	ProjectID string
	AuthToken string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Where DocStore state and the session blob cache live,
	// relative to the working copy unless absolute.
	StateDir string

	MaxConcurrentTransfers int
}

// LoadClient reads client configuration from environment variables.
// ProjectID may be empty here; the CLI requires it per command.
func LoadClient() (*Client, error) {
	cfg := &Client{
		ServerURL:              envOr("CANOPY_SERVER", "http://localhost:8080"),
		ProjectID:              envOr("CANOPY_PROJECT", ""),
		AuthToken:              envOr("CANOPY_TOKEN", ""),
		LogLevel:               envOr("LOG_LEVEL", "warn"),
		LogFormat:              envOr("LOG_FORMAT", "console"),
		LogFile:                envOr("LOG_FILE", ""),
		StateDir:               envOr("CANOPY_STATE_DIR", ".canopy"),
		MaxConcurrentTransfers: envInt("CANOPY_MAX_TRANSFERS", 4),
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("CANOPY_SERVER is required")
	}

	return cfg, nil
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
