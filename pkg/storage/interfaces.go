package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/opnet-plugins/pkg/container"
)

var (
	// ErrNotFound is returned when an artifact does not exist in the requested state
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidName is returned for names that are not plain .opnet file names
	ErrInvalidName = errors.New("invalid artifact name")
)

// ArtifactInfo describes one stored artifact
type ArtifactInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
	Disabled bool      `json:"disabled"`
}

// ArtifactStore is a flat namespace of .opnet artifacts
type ArtifactStore interface {
	// List returns every artifact, enabled and disabled, sorted by name
	List(ctx context.Context) ([]ArtifactInfo, error)
	// Get reads an enabled artifact
	Get(ctx context.Context, name string) ([]byte, error)
	// Put writes or replaces an enabled artifact
	Put(ctx context.Context, name string, data []byte) error
	// Disable renames name to name.disabled
	Disable(ctx context.Context, name string) error
	// Enable renames name.disabled back to name
	Enable(ctx context.Context, name string) error
	// Delete removes an artifact in either state
	Delete(ctx context.Context, name string) error
}

// CheckName validates an artifact name: a single path element ending in .opnet
func CheckName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if !container.IsArtifactName(name) {
		return fmt.Errorf("%w: %q must end in %s", ErrInvalidName, name, container.FileExtension)
	}
	return nil
}

// Config selects and configures the storage backends
type Config struct {
	// Artifacts: "filesystem" or "s3"
	ArtifactBackend string `yaml:"artifact_backend"`
	ArtifactDir     string `yaml:"artifact_dir"`

	// Decision records: "memory", "postgres" or "sqlite"
	RecordBackend       string   `yaml:"record_backend"`
	PostgresURL         string   `yaml:"postgres_url"`
	PostgresReplicaURLs []string `yaml:"postgres_replica_urls"`
	SQLitePath          string   `yaml:"sqlite_path"`
	MaxOpenConns        int      `yaml:"max_open_conns"`

	// S3 config
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3Region       string `yaml:"s3_region"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3Prefix       string `yaml:"s3_prefix"`
	S3AccessKey    string `yaml:"s3_access_key"`
	S3SecretKey    string `yaml:"s3_secret_key"`
	S3UsePathStyle bool   `yaml:"s3_use_path_style"`

	// Redis decision cache, disabled when RedisURL is empty
	RedisURL      string        `yaml:"redis_url"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		ArtifactBackend: "filesystem",
		ArtifactDir:     "./plugins",
		RecordBackend:   "memory",
		SQLitePath:      "./opnetplg.db",
		MaxOpenConns:    10,
		S3Region:        "us-east-1",
		S3Prefix:        "plugins/",
		CacheTTL:        time.Hour,
	}
}

// Validate checks backend selection and the settings each backend needs
func (c Config) Validate() error {
	switch c.ArtifactBackend {
	case "filesystem":
		if c.ArtifactDir == "" {
			return errors.New("artifact directory is required for filesystem storage")
		}
	case "s3":
		if c.S3Bucket == "" {
			return errors.New("S3 bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("unknown artifact backend: %q", c.ArtifactBackend)
	}

	switch c.RecordBackend {
	case "memory":
	case "postgres":
		if c.PostgresURL == "" {
			return errors.New("postgres URL is required for postgres records")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return errors.New("sqlite path is required for sqlite records")
		}
	default:
		return fmt.Errorf("unknown record backend: %q", c.RecordBackend)
	}
	return nil
}
