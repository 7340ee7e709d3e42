package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/observability"
	"github.com/platinummonkey/opnet-plugins/pkg/storage"
	"github.com/platinummonkey/opnet-plugins/pkg/storage/postgres"
	"github.com/platinummonkey/opnet-plugins/pkg/storage/sqlite"
)

// replicaCheckInterval is how often unhealthy Postgres replicas are pruned
const replicaCheckInterval = 30 * time.Second

// backends holds the opened storage. Filesystem is set only for the
// filesystem artifact backend.
type backends struct {
	Artifacts  storage.ArtifactStore
	Filesystem *storage.FilesystemStore
	Records    admission.RecordStore
	Cache      admission.DecisionCache

	DB     *sql.DB
	Redis  *redis.Client
	Checks map[string]observability.CheckFunc

	closers []func() error
	cancel  context.CancelFunc
}

func openBackends(ctx context.Context, cfg storage.Config, logger *logrus.Logger, metrics *observability.Metrics) (b *backends, err error) {
	b = &backends{Checks: make(map[string]observability.CheckFunc)}
	defer func() {
		if err != nil {
			b.Close(context.Background())
		}
	}()

	switch cfg.ArtifactBackend {
	case "filesystem":
		fs, err := storage.NewFilesystemStore(cfg.ArtifactDir)
		if err != nil {
			return b, err
		}
		b.Artifacts, b.Filesystem = fs, fs
	case "s3":
		client, err := postgres.NewS3Client(ctx, cfg)
		if err != nil {
			return b, err
		}
		s3Store, err := postgres.NewS3Store(ctx, client, cfg.S3Bucket, cfg.S3Prefix, metrics)
		if err != nil {
			return b, err
		}
		b.Artifacts = s3Store
		b.Checks["s3"] = s3Store.HealthCheck
	default:
		return b, fmt.Errorf("unknown artifact backend: %q", cfg.ArtifactBackend)
	}

	switch cfg.RecordBackend {
	case "memory":
		b.Records = admission.NewMemoryRecordStore()
	case "postgres":
		conns, err := postgres.NewConnectionManager(ctx, postgres.ConnectionConfig{
			PrimaryURL:  cfg.PostgresURL,
			ReplicaURLs: cfg.PostgresReplicaURLs,
			MaxConns:    cfg.MaxOpenConns,
		}, logger)
		if err != nil {
			return b, err
		}
		b.closers = append(b.closers, conns.Close)
		store := postgres.NewRecordStore(conns, metrics)
		if err := store.Migrate(ctx); err != nil {
			return b, err
		}
		checkCtx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		conns.StartHealthCheckRoutine(checkCtx, replicaCheckInterval)
		b.Records, b.DB = store, conns.Primary()
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.SQLitePath, metrics)
		if err != nil {
			return b, err
		}
		b.closers = append(b.closers, store.Close)
		b.Records, b.DB = store, store.DB()
	default:
		return b, fmt.Errorf("unknown record backend: %q", cfg.RecordBackend)
	}

	if cfg.RedisURL != "" {
		client, err := postgres.NewRedisClient(ctx, cfg)
		if err != nil {
			return b, err
		}
		b.closers = append(b.closers, client.Close)
		b.Redis = client
		b.Cache = postgres.NewRedisDecisionCache(client, cfg.CacheTTL)
		b.Records = postgres.NewCachedRecordStore(b.Records, client, cfg.CacheTTL, logger, metrics)
	}
	return b, nil
}

// Close releases every opened connection, newest first
func (b *backends) Close(context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}
