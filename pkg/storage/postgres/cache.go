package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/observability"
)

const recordKeyPrefix = "opnetplg:record:"

// CachedRecordStore fronts a RecordStore with Redis for lookups by decision ID.
// Listing always goes to the backing store.
type CachedRecordStore struct {
	store   admission.RecordStore
	client  *redis.Client
	ttl     time.Duration
	logger  *logrus.Logger
	metrics *observability.Metrics
}

var _ admission.RecordStore = (*CachedRecordStore)(nil)

// NewCachedRecordStore wraps store. Cache failures are logged and never fail a call.
func NewCachedRecordStore(store admission.RecordStore, client *redis.Client, ttl time.Duration, logger *logrus.Logger, metrics *observability.Metrics) *CachedRecordStore {
	return &CachedRecordStore{
		store:   store,
		client:  client,
		ttl:     ttl,
		logger:  observability.OrDefault(logger),
		metrics: metrics,
	}
}

// SaveDecision writes through and refreshes the cached copy
func (c *CachedRecordStore) SaveDecision(ctx context.Context, d *admission.Decision) error {
	if err := c.store.SaveDecision(ctx, d); err != nil {
		return err
	}
	c.set(ctx, d)
	return nil
}

// GetDecision reads from Redis first
func (c *CachedRecordStore) GetDecision(ctx context.Context, id string) (*admission.Decision, error) {
	data, err := c.client.Get(ctx, recordKeyPrefix+id).Bytes()
	if err == nil {
		var d admission.Decision
		if json.Unmarshal(data, &d) == nil {
			c.hit(true)
			return &d, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.logger.WithError(err).Warn("Record cache lookup failed")
	}
	c.hit(false)

	d, err := c.store.GetDecision(ctx, id)
	if err != nil {
		return nil, err
	}
	c.set(ctx, d)
	return d, nil
}

// ListDecisions delegates to the backing store
func (c *CachedRecordStore) ListDecisions(ctx context.Context, filter admission.ListFilter) ([]*admission.Decision, error) {
	return c.store.ListDecisions(ctx, filter)
}

func (c *CachedRecordStore) set(ctx context.Context, d *admission.Decision) {
	data, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, recordKeyPrefix+d.ID, data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("Failed to cache decision record")
	}
}

func (c *CachedRecordStore) hit(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.CacheHitsTotal.WithLabelValues("records").Inc()
	} else {
		c.metrics.CacheMissesTotal.WithLabelValues("records").Inc()
	}
}
