package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/container"
	"github.com/platinummonkey/opnet-plugins/pkg/middleware"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opnetplg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "filesystem", cfg.Storage.ArtifactBackend)
	assert.Equal(t, "memory", cfg.Storage.RecordBackend)
	assert.True(t, cfg.Discovery.Enabled)
	assert.True(t, cfg.Events.Log)
	assert.Equal(t, "json", cfg.Observability.LogFormat)
	assert.Equal(t, middleware.DefaultRateLimitConfig(), cfg.Server.RateLimit)
	assert.False(t, cfg.Keys.Trust)

	p, err := cfg.Admission.Policy()
	require.NoError(t, err)
	assert.Equal(t, admission.DefaultPolicy(admission.ProfileStandard), p)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
server:
  port: "9000"
  shutdown_timeout: 5s
  rate_limit:
    requests_per_window: 5
    window: 10s
keys:
  trust: true
storage:
  artifact_dir: /srv/plugins
  record_backend: sqlite
  sqlite_path: /srv/records.db
  cache_ttl: 10m
admission:
  profile: archive
  allow_libraries: false
  min_level: mldsa65
  trusted_keys: [ABCDEF]
discovery:
  schedule: "@every 5m"
events:
  amqp_url: amqp://localhost/
observability:
  otel_enabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 5, cfg.Server.RateLimit.RequestsPerWindow)
	assert.Equal(t, 10*time.Second, cfg.Server.RateLimit.WindowDuration)
	assert.Equal(t, 10, cfg.Server.RateLimit.BurstSize, "unset fields keep defaults")
	assert.True(t, cfg.Keys.Trust)
	assert.Equal(t, "sqlite", cfg.Storage.RecordBackend)
	assert.Equal(t, 10*time.Minute, cfg.Storage.CacheTTL)
	assert.Equal(t, "@every 5m", cfg.Discovery.Schedule)
	assert.Equal(t, "amqp://localhost/", cfg.Events.AMQPURL)
	assert.True(t, cfg.Events.AMQPDurable, "unset fields keep defaults")
	assert.True(t, cfg.Observability.OTel().Enabled)

	p, err := cfg.Admission.Policy()
	require.NoError(t, err)
	assert.Equal(t, admission.ProfileArchive, p.Profile)
	assert.Equal(t, 16, p.MaxWorkers)
	assert.False(t, p.AllowLibraries)
	assert.Equal(t, container.Level65, p.MinLevel)
	assert.True(t, p.TrustedKeys["abcdef"])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  port: \"9000\"\nadmission:\n  profile: archive\n")
	t.Setenv("OPNETPLG_PORT", "9100")
	t.Setenv("OPNETPLG_MAX_WORKERS", "4")
	t.Setenv("OPNETPLG_ALLOW_LIBRARIES", "false")
	t.Setenv("OPNETPLG_POSTGRES_REPLICA_URLS", "postgres://r1, ,postgres://r2")
	t.Setenv("OPNETPLG_READ_TIMEOUT", "not-a-duration")
	t.Setenv("OPNETPLG_RATE_LIMIT_REQUESTS", "0")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout, "bad values fall back")
	assert.Equal(t, []string{"postgres://r1", "postgres://r2"}, cfg.Storage.PostgresReplicaURLs)
	assert.False(t, cfg.Server.RateLimit.Enabled())

	p, err := cfg.Admission.Policy()
	require.NoError(t, err)
	assert.Equal(t, admission.ProfileArchive, p.Profile)
	assert.Equal(t, 4, p.MaxWorkers)
	assert.False(t, p.AllowLibraries)
}

func TestLoadConfig_UsesConfigEnv(t *testing.T) {
	t.Setenv("OPNETPLG_CONFIG", writeFile(t, "server:\n  port: \"7000\"\n"))
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Server.Port)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		env     map[string]string
		wantErr string
	}{
		{name: "unknown field", file: "server:\n  prot: \"1\"\n", wantErr: "prot"},
		{name: "bad profile", env: map[string]string{"OPNETPLG_PROFILE": "huge"}, wantErr: "unknown deployment profile"},
		{name: "bad level", env: map[string]string{"OPNETPLG_MIN_LEVEL": "rsa"}, wantErr: "unknown security level"},
		{name: "memory too high", env: map[string]string{"OPNETPLG_MEMORY_PER_WORKER_MB": "4096"}, wantErr: "memory per worker"},
		{name: "negative rate limit", env: map[string]string{"OPNETPLG_RATE_LIMIT_BURST": "-1"}, wantErr: "rate limit"},
		{name: "postgres without url", env: map[string]string{"OPNETPLG_RECORD_BACKEND": "postgres"}, wantErr: "postgres URL"},
		{name: "watch needs filesystem", env: map[string]string{"OPNETPLG_ARTIFACT_BACKEND": "s3", "OPNETPLG_S3_BUCKET": "b"}, wantErr: "filesystem artifact backend"},
		{name: "otel without endpoint", env: map[string]string{"OPNETPLG_OTEL_ENABLED": "1"}, file: "observability:\n  otel_endpoint: \"\"\n", wantErr: "endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("OPNETPLG_TEST_BOOL", "1")
	t.Setenv("OPNETPLG_TEST_INT", "12")
	t.Setenv("OPNETPLG_TEST_BAD_INT", "twelve")

	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.True(t, getEnvBool("TEST_UNSET", true))
	assert.Equal(t, 12, getEnvInt("TEST_INT", 0))
	assert.Equal(t, 3, getEnvInt("TEST_BAD_INT", 3))
	assert.Equal(t, int64(12), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, "x", getEnv("TEST_UNSET", "x"))
	assert.Nil(t, getEnvList("TEST_UNSET", nil))
}
