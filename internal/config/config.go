package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/benchstage/pkg/artifact"
	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/staging"
	"github.com/3leaps/benchstage/pkg/submit"
)

// Config is the resolved application configuration.
type Config struct {
	Backend   BackendConfig   `mapstructure:"backend"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Submit    SubmitConfig    `mapstructure:"submit"`
	Queue     QueueConfig     `mapstructure:"queue"`
	DataDir   string          `mapstructure:"data_dir"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
}

// BackendConfig locates the benchmark backend.
type BackendConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	AuthToken string        `mapstructure:"auth_token"`
}

// CatalogConfig controls algorithm catalog caching.
type CatalogConfig struct {
	// TTL expires the cached catalog. Zero caches for the process lifetime.
	TTL time.Duration `mapstructure:"ttl"`
}

// SubmitConfig bounds batch submission.
type SubmitConfig struct {
	Concurrency int     `mapstructure:"concurrency"`
	RateLimit   float64 `mapstructure:"rate_limit"`
}

// QueueConfig selects the persisted staging queue.
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig configures the service logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// ServerConfig configures the local HTTP API.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ArtifactsConfig configures where downloaded result files go.
type ArtifactsConfig struct {
	// Destination is a directory, file: URI or s3://bucket/prefix/ URI.
	Destination string   `mapstructure:"destination"`
	S3          S3Config `mapstructure:"s3"`
}

// S3Config holds S3 connection settings for s3:// destinations.
type S3Config struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// Validate checks values that decoding cannot.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Submit.Concurrency < 0 {
		return fmt.Errorf("submit.concurrency must be >= 0, got %d", c.Submit.Concurrency)
	}
	if c.Submit.RateLimit < 0 {
		return fmt.Errorf("submit.rate_limit must be >= 0, got %g", c.Submit.RateLimit)
	}
	if c.Backend.Timeout < 0 {
		return fmt.Errorf("backend.timeout must be >= 0, got %s", c.Backend.Timeout)
	}
	if c.Catalog.TTL < 0 {
		return fmt.Errorf("catalog.ttl must be >= 0, got %s", c.Catalog.TTL)
	}
	switch strings.ToLower(c.Queue.Backend) {
	case staging.QueueFile, staging.QueueSQLite, staging.QueueMemory:
	default:
		return fmt.Errorf("queue.backend must be file, sqlite or memory, got %q", c.Queue.Backend)
	}
	return nil
}

// QueuePath returns the queue location, defaulting inside DataDir.
func (c *Config) QueuePath() string {
	if strings.TrimSpace(c.Queue.Path) != "" {
		return c.Queue.Path
	}
	if strings.EqualFold(c.Queue.Backend, staging.QueueSQLite) {
		return filepath.Join(c.DataDir, "queue.db")
	}
	return filepath.Join(c.DataDir, "queue.json")
}

// WorkspacePath returns the saved staging list file.
func (c *Config) WorkspacePath() string {
	return filepath.Join(c.DataDir, "staging.json")
}

// BatchesDir returns the batch registry root.
func (c *Config) BatchesDir() string {
	return filepath.Join(c.DataDir, "batches")
}

// BackendClientConfig converts the backend section for backend.New.
func (c *Config) BackendClientConfig() backend.Config {
	return backend.Config{
		BaseURL:   c.Backend.BaseURL,
		Timeout:   c.Backend.Timeout,
		AuthToken: c.Backend.AuthToken,
	}
}

// SubmitterConfig converts the submit section for submit.New.
func (c *Config) SubmitterConfig() submit.Config {
	return submit.Config{
		Concurrency: c.Submit.Concurrency,
		RateLimit:   c.Submit.RateLimit,
	}
}

// ArtifactS3Config converts the S3 section for artifact.Open.
func (c *Config) ArtifactS3Config() artifact.S3Config {
	s := c.Artifacts.S3
	return artifact.S3Config{
		Region:          s.Region,
		Endpoint:        s.Endpoint,
		Profile:         s.Profile,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
		ForcePathStyle:  s.ForcePathStyle,
	}
}
