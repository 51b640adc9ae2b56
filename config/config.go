// Package config loads grageng settings from the environment.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all process configuration.
type Config struct {
	HTTP      HTTPConfig
	Log       LogConfig
	Graph     GraphConfig
	Model     ModelConfig
	Snapshots SnapshotConfig
}

// HTTPConfig holds listener settings.
type HTTPConfig struct {
	Address           string        `env:"GRAGENG_HTTP_ADDR" envDefault:"127.0.0.1:8080"`
	ReadHeaderTimeout time.Duration `env:"GRAGENG_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"GRAGENG_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// LogConfig controls the process logger. Records always go to stdout and,
// unless ToFile is off, to File as well; a relative File is placed under Dir.
// The file rotates at midnight and when it exceeds MaxSizeMB, keeping
// MaxBackups old files for at most MaxAgeDays.
type LogConfig struct {
	Format     string `env:"GRAGENG_LOG_FORMAT" envDefault:"text"`
	Level      string `env:"GRAGENG_LOG_LEVEL" envDefault:"info"`
	ToFile     bool   `env:"GRAGENG_LOG_TO_FILE" envDefault:"true"`
	File       string `env:"GRAGENG_LOG_FILE" envDefault:"app.log"`
	Dir        string `env:"GRAGENG_LOG_DIR" envDefault:"./logs"`
	MaxSizeMB  int    `env:"GRAGENG_LOG_MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"GRAGENG_LOG_MAX_BACKUPS" envDefault:"7"`
	MaxAgeDays int    `env:"GRAGENG_LOG_MAX_AGE_DAYS" envDefault:"7"`
}

// GraphConfig selects the graph backend.
type GraphConfig struct {
	ID          string `env:"GRAGENG_GRAPH_ID" envDefault:"default"`
	Backend     string `env:"GRAGENG_GRAPH_BACKEND" envDefault:"memory"`
	DuckDBPath  string `env:"GRAGENG_DUCKDB_PATH" envDefault:"./.temp/graph.duckdb"`
	SpectralDim int    `env:"GRAGENG_SPECTRAL_DIM" envDefault:"8"`
}

// ModelConfig holds embedder, chat and grapher settings.
type ModelConfig struct {
	EmbedderProvider string `env:"GRAGENG_EMBEDDER_PROVIDER" envDefault:"local"`
	LocalEmbedDim    int    `env:"GRAGENG_LOCAL_EMBED_DIM" envDefault:"384"`

	OllamaURL      string `env:"GRAGENG_OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaModel    string `env:"GRAGENG_OLLAMA_MODEL" envDefault:"all-minilm"`
	ChatEnabled    bool   `env:"GRAGENG_CHAT_ENABLED" envDefault:"false"`
	ChatModel      string `env:"GRAGENG_CHAT_MODEL" envDefault:"llama3.2"`
	GraphEnabled   bool   `env:"GRAGENG_GRAPH_ENABLED" envDefault:"false"`
	GraphModel     string `env:"GRAGENG_GRAPH_MODEL" envDefault:"gemma3:4b"`
	GraphParallel  int    `env:"GRAGENG_GRAPH_PARALLELISM" envDefault:"4"`
	GraphChunkSize int    `env:"GRAGENG_GRAPH_CHUNK_SIZE" envDefault:"500"`
}

// SnapshotConfig controls snapshot publishing. Snapshots are off unless
// Enabled is set.
type SnapshotConfig struct {
	Enabled        bool          `env:"GRAGENG_SNAPSHOT_ENABLED" envDefault:"false"`
	Interval       time.Duration `env:"GRAGENG_SNAPSHOT_INTERVAL" envDefault:"5m"`
	Retain         int           `env:"GRAGENG_SNAPSHOT_RETAIN" envDefault:"5"`
	RestoreOnStart bool          `env:"GRAGENG_SNAPSHOT_RESTORE_ON_START" envDefault:"true"`

	BlobBackend string `env:"GRAGENG_BLOB_BACKEND" envDefault:"local"`
	BlobRoot    string `env:"GRAGENG_BLOB_ROOT" envDefault:"./.temp/snapshots"`
	S3Bucket    string `env:"GRAGENG_S3_BUCKET"`
	S3Prefix    string `env:"GRAGENG_S3_PREFIX"`
	S3Region    string `env:"GRAGENG_S3_REGION" envDefault:"us-east-1"`
	S3Endpoint  string `env:"GRAGENG_S3_ENDPOINT"`

	ManifestBackend   string        `env:"GRAGENG_MANIFEST_BACKEND" envDefault:"blob"`
	MongoURI          string        `env:"GRAGENG_MANIFEST_MONGO_URI"`
	MongoDatabase     string        `env:"GRAGENG_MANIFEST_MONGO_DB" envDefault:"grageng"`
	MongoCollection   string        `env:"GRAGENG_MANIFEST_MONGO_COLLECTION" envDefault:"manifests"`
	LeaseBackend      string        `env:"GRAGENG_LEASE_BACKEND" envDefault:"memory"`
	LeaseTTL          time.Duration `env:"GRAGENG_LEASE_TTL" envDefault:"30s"`
	RedisAddr         string        `env:"GRAGENG_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword     string        `env:"GRAGENG_REDIS_PASSWORD"`
	RedisDB           int           `env:"GRAGENG_REDIS_DB" envDefault:"0"`
	RedisLeasePrefix  string        `env:"GRAGENG_REDIS_LEASE_PREFIX" envDefault:"grageng:lease:"`
	PublishMaxRetries int           `env:"GRAGENG_PUBLISH_MAX_RETRIES" envDefault:"5"`
}

// Load reads .env.local and .env from the working directory and parses the
// environment into a validated Config. Precedence, highest first: variables
// already set in the process, then .env.local, then .env.
func Load() (*Config, error) {
	// godotenv.Load never overwrites a variable that is already set, so the
	// file read first wins.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")
	return Parse()
}

// Parse reads the current environment without touching .env files.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	lower := func(s *string) { *s = strings.ToLower(strings.TrimSpace(*s)) }
	lower(&c.Log.Format)
	lower(&c.Log.Level)
	lower(&c.Graph.Backend)
	lower(&c.Model.EmbedderProvider)
	lower(&c.Snapshots.BlobBackend)
	lower(&c.Snapshots.ManifestBackend)
	lower(&c.Snapshots.LeaseBackend)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(key, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value))
	}
	positive := func(key string, n int) {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive integer, got %d", key, n))
		}
	}

	oneOf("GRAGENG_LOG_FORMAT", c.Log.Format, "text", "json")
	oneOf("GRAGENG_LOG_LEVEL", c.Log.Level, "debug", "info", "warn", "error")
	oneOf("GRAGENG_GRAPH_BACKEND", c.Graph.Backend, "memory", "duckdb")
	oneOf("GRAGENG_EMBEDDER_PROVIDER", c.Model.EmbedderProvider, "local", "ollama", "none")
	if c.Log.ToFile {
		positive("GRAGENG_LOG_MAX_SIZE_MB", c.Log.MaxSizeMB)
		positive("GRAGENG_LOG_MAX_BACKUPS", c.Log.MaxBackups)
		positive("GRAGENG_LOG_MAX_AGE_DAYS", c.Log.MaxAgeDays)
	}
	positive("GRAGENG_SPECTRAL_DIM", c.Graph.SpectralDim)
	positive("GRAGENG_LOCAL_EMBED_DIM", c.Model.LocalEmbedDim)
	positive("GRAGENG_GRAPH_PARALLELISM", c.Model.GraphParallel)
	positive("GRAGENG_GRAPH_CHUNK_SIZE", c.Model.GraphChunkSize)
	if strings.TrimSpace(c.Graph.ID) == "" {
		errs = append(errs, errors.New("GRAGENG_GRAPH_ID cannot be empty"))
	}

	if c.Snapshots.Enabled {
		s := c.Snapshots
		oneOf("GRAGENG_BLOB_BACKEND", s.BlobBackend, "local", "s3")
		oneOf("GRAGENG_MANIFEST_BACKEND", s.ManifestBackend, "blob", "mongo")
		oneOf("GRAGENG_LEASE_BACKEND", s.LeaseBackend, "memory", "redis")
		positive("GRAGENG_SNAPSHOT_RETAIN", s.Retain)
		if s.Interval < 0 {
			errs = append(errs, fmt.Errorf("GRAGENG_SNAPSHOT_INTERVAL cannot be negative, got %s", s.Interval))
		}
		if s.PublishMaxRetries < 0 {
			errs = append(errs, fmt.Errorf("GRAGENG_PUBLISH_MAX_RETRIES cannot be negative, got %d", s.PublishMaxRetries))
		}
		if s.BlobBackend == "s3" && s.S3Bucket == "" {
			errs = append(errs, errors.New("GRAGENG_S3_BUCKET is required when GRAGENG_BLOB_BACKEND=s3"))
		}
		if s.ManifestBackend == "mongo" && s.MongoURI == "" {
			errs = append(errs, errors.New("GRAGENG_MANIFEST_MONGO_URI is required when GRAGENG_MANIFEST_BACKEND=mongo"))
		}
	}
	return errors.Join(errs...)
}

// LogFilePath resolves Log.File against Log.Dir. It returns "" when file
// logging is off.
func (c *Config) LogFilePath() string {
	file := strings.TrimSpace(c.Log.File)
	if !c.Log.ToFile || file == "" {
		return ""
	}
	if filepath.IsAbs(file) || c.Log.Dir == "" {
		return file
	}
	return filepath.Join(c.Log.Dir, file)
}
