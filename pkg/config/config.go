package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/container"
	"github.com/platinummonkey/opnet-plugins/pkg/middleware"
	"github.com/platinummonkey/opnet-plugins/pkg/observability"
	"github.com/platinummonkey/opnet-plugins/pkg/storage"
)

// EnvPrefix prefixes every environment variable read by this package
const EnvPrefix = "OPNETPLG_"

// Config holds all daemon configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       storage.Config      `yaml:"storage"`
	Admission     AdmissionConfig     `yaml:"admission"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	Events        EventsConfig        `yaml:"events"`
	Keys          KeysConfig          `yaml:"keys"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxUploadBytes bounds artifact uploads
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	// RateLimit bounds uploads per client IP, shared through Redis when a
	// Redis URL is configured
	RateLimit middleware.RateLimitConfig `yaml:"rate_limit"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// AdmissionConfig holds the admission policy and pipeline tuning
type AdmissionConfig struct {
	Profile               string   `yaml:"profile"`
	MaxWorkers            int      `yaml:"max_workers"`
	MemoryPerWorkerMB     int      `yaml:"memory_per_worker_mb"`
	AllowLibraries        *bool    `yaml:"allow_libraries"`
	RequireSignatureBlock bool     `yaml:"require_signature_block"`
	MinLevel              string   `yaml:"min_level"`
	TrustedKeys           []string `yaml:"trusted_keys"`
	CacheSize             int      `yaml:"cache_size"`
	Concurrency           int      `yaml:"concurrency"`
}

// DiscoveryConfig controls the artifact directory watcher
type DiscoveryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	Debounce time.Duration `yaml:"debounce"`
}

// EventsConfig selects where decisions are published
type EventsConfig struct {
	Log           bool   `yaml:"log"`
	AMQPURL       string `yaml:"amqp_url"`
	AMQPExchange  string `yaml:"amqp_exchange"`
	AMQPQueue     string `yaml:"amqp_queue"`
	AMQPDurable   bool   `yaml:"amqp_durable"`
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// KeysConfig selects the signing key keyring
type KeysConfig struct {
	// Trust adds the public key of every keyring entry to the admission
	// allowlist
	Trust       bool   `yaml:"trust"`
	ServiceName string `yaml:"service_name"`
	Backend     string `yaml:"backend"`
	FileDir     string `yaml:"file_dir"`
	// Password unlocks the file backend. It is only read from the environment.
	Password string `yaml:"-"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// OTel converts the settings for observability.InitOTel
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
	}
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxUploadBytes:  64 << 20,
			RateLimit:       middleware.DefaultRateLimitConfig(),
		},
		Storage: storage.DefaultConfig(),
		Admission: AdmissionConfig{
			Profile:     string(admission.ProfileStandard),
			CacheSize:   admission.DefaultCacheSize,
			Concurrency: admission.DefaultConcurrency,
		},
		Discovery: DiscoveryConfig{
			Enabled:  true,
			Schedule: "@every 1h",
		},
		Events: EventsConfig{
			Log:         true,
			AMQPDurable: true,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			LogFormat:          "json",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "opnetplgd",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig loads the file named by OPNETPLG_CONFIG, if any, then the environment
func LoadConfig() (*Config, error) {
	return Load(os.Getenv(EnvPrefix + "CONFIG"))
}

// Load reads defaults, then the YAML file at path (skipped when empty), then
// environment overrides, and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	s := &cfg.Server
	s.Host = getEnv("HOST", s.Host)
	s.Port = getEnv("PORT", s.Port)
	s.ReadTimeout = getEnvDuration("READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxUploadBytes = getEnvInt64("MAX_UPLOAD_BYTES", s.MaxUploadBytes)
	s.RateLimit.RequestsPerWindow = getEnvInt("RATE_LIMIT_REQUESTS", s.RateLimit.RequestsPerWindow)
	s.RateLimit.WindowDuration = getEnvDuration("RATE_LIMIT_WINDOW", s.RateLimit.WindowDuration)
	s.RateLimit.BurstSize = getEnvInt("RATE_LIMIT_BURST", s.RateLimit.BurstSize)

	st := &cfg.Storage
	st.ArtifactBackend = getEnv("ARTIFACT_BACKEND", st.ArtifactBackend)
	st.ArtifactDir = getEnv("ARTIFACT_DIR", st.ArtifactDir)
	st.RecordBackend = getEnv("RECORD_BACKEND", st.RecordBackend)
	st.PostgresURL = getEnv("POSTGRES_URL", st.PostgresURL)
	st.PostgresReplicaURLs = getEnvList("POSTGRES_REPLICA_URLS", st.PostgresReplicaURLs)
	st.SQLitePath = getEnv("SQLITE_PATH", st.SQLitePath)
	st.MaxOpenConns = getEnvInt("MAX_OPEN_CONNS", st.MaxOpenConns)
	st.S3Endpoint = getEnv("S3_ENDPOINT", st.S3Endpoint)
	st.S3Region = getEnv("S3_REGION", st.S3Region)
	st.S3Bucket = getEnv("S3_BUCKET", st.S3Bucket)
	st.S3Prefix = getEnv("S3_PREFIX", st.S3Prefix)
	st.S3AccessKey = getEnv("S3_ACCESS_KEY", st.S3AccessKey)
	st.S3SecretKey = getEnv("S3_SECRET_KEY", st.S3SecretKey)
	st.S3UsePathStyle = getEnvBool("S3_USE_PATH_STYLE", st.S3UsePathStyle)
	st.RedisURL = getEnv("REDIS_URL", st.RedisURL)
	st.RedisPassword = getEnv("REDIS_PASSWORD", st.RedisPassword)
	st.RedisDB = getEnvInt("REDIS_DB", st.RedisDB)
	st.CacheTTL = getEnvDuration("CACHE_TTL", st.CacheTTL)

	a := &cfg.Admission
	a.Profile = getEnv("PROFILE", a.Profile)
	a.MaxWorkers = getEnvInt("MAX_WORKERS", a.MaxWorkers)
	a.MemoryPerWorkerMB = getEnvInt("MEMORY_PER_WORKER_MB", a.MemoryPerWorkerMB)
	if v := os.Getenv(EnvPrefix + "ALLOW_LIBRARIES"); v != "" {
		allow := parseBool(v)
		a.AllowLibraries = &allow
	}
	a.RequireSignatureBlock = getEnvBool("REQUIRE_SIGNATURE_BLOCK", a.RequireSignatureBlock)
	a.MinLevel = getEnv("MIN_LEVEL", a.MinLevel)
	a.TrustedKeys = getEnvList("TRUSTED_KEYS", a.TrustedKeys)
	a.CacheSize = getEnvInt("CACHE_SIZE", a.CacheSize)
	a.Concurrency = getEnvInt("CONCURRENCY", a.Concurrency)

	d := &cfg.Discovery
	d.Enabled = getEnvBool("WATCH", d.Enabled)
	d.Schedule = getEnv("REVERIFY_SCHEDULE", d.Schedule)
	d.Debounce = getEnvDuration("WATCH_DEBOUNCE", d.Debounce)

	e := &cfg.Events
	e.Log = getEnvBool("EVENTS_LOG", e.Log)
	e.AMQPURL = getEnv("AMQP_URL", e.AMQPURL)
	e.AMQPExchange = getEnv("AMQP_EXCHANGE", e.AMQPExchange)
	e.AMQPQueue = getEnv("AMQP_QUEUE", e.AMQPQueue)
	e.AMQPDurable = getEnvBool("AMQP_DURABLE", e.AMQPDurable)
	e.WebhookURL = getEnv("WEBHOOK_URL", e.WebhookURL)
	e.WebhookSecret = getEnv("WEBHOOK_SECRET", e.WebhookSecret)

	k := &cfg.Keys
	k.Trust = getEnvBool("KEYRING_TRUST", k.Trust)
	k.ServiceName = getEnv("KEYRING_SERVICE", k.ServiceName)
	k.Backend = getEnv("KEYRING_BACKEND", k.Backend)
	k.FileDir = getEnv("KEYRING_DIR", k.FileDir)
	k.Password = getEnv("KEYRING_PASSWORD", k.Password)

	o := &cfg.Observability
	o.LogLevel = getEnv("LOG_LEVEL", o.LogLevel)
	o.LogFormat = getEnv("LOG_FORMAT", o.LogFormat)
	o.MetricsEnabled = getEnvBool("METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("OTEL_INSECURE", o.OTelInsecure)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return errors.New("max upload bytes must be positive")
	}
	if rl := c.Server.RateLimit; rl.RequestsPerWindow < 0 || rl.BurstSize < 0 || (rl.RequestsPerWindow > 0 && rl.WindowDuration <= 0) {
		return errors.New("rate limit needs non-negative counts and a positive window")
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if _, err := c.Admission.Policy(); err != nil {
		return err
	}
	if c.Discovery.Enabled && c.Storage.ArtifactBackend != "filesystem" {
		return errors.New("directory watching requires the filesystem artifact backend")
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return errors.New("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return errors.New("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	return nil
}

// Policy builds the admission policy: the profile defaults with any explicit
// settings applied on top
func (a AdmissionConfig) Policy() (admission.Policy, error) {
	profile, err := admission.ParseProfile(a.Profile)
	if err != nil {
		return admission.Policy{}, err
	}
	p := admission.DefaultPolicy(profile)
	if a.MaxWorkers > 0 {
		p.MaxWorkers = a.MaxWorkers
	}
	if a.MemoryPerWorkerMB > 0 {
		p.MemoryPerWorkerMB = a.MemoryPerWorkerMB
	}
	if a.AllowLibraries != nil {
		p.AllowLibraries = *a.AllowLibraries
	}
	p.RequireSignatureBlock = a.RequireSignatureBlock
	if a.MinLevel != "" {
		level, err := container.ParseSecurityLevel(a.MinLevel)
		if err != nil {
			return admission.Policy{}, err
		}
		p.MinLevel = level
	}
	if len(a.TrustedKeys) > 0 {
		p.TrustedKeys = make(map[string]bool, len(a.TrustedKeys))
		for _, k := range a.TrustedKeys {
			p.TrustedKeys[strings.ToLower(strings.TrimSpace(k))] = true
		}
	}
	if err := p.Validate(); err != nil {
		return admission.Policy{}, fmt.Errorf("invalid admission policy: %w", err)
	}
	return p, nil
}

// getEnv returns OPNETPLG_<key> or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func parseBool(value string) bool {
	return strings.ToLower(value) == "true" || value == "1"
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return parseBool(value)
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated environment variable, dropping blanks
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(EnvPrefix + key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
