package admission

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/minio/sha256-simd"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/opnet-plugins/pkg/container"
	"github.com/platinummonkey/opnet-plugins/pkg/integrity"
	"github.com/platinummonkey/opnet-plugins/pkg/lifecycle"
	"github.com/platinummonkey/opnet-plugins/pkg/manifest"
	"github.com/platinummonkey/opnet-plugins/pkg/observability"
	"github.com/platinummonkey/opnet-plugins/pkg/signing"
	"github.com/platinummonkey/opnet-plugins/pkg/storage"
)

const (
	// DefaultCacheSize is the in-process decision cache capacity
	DefaultCacheSize = 1024
	// DefaultConcurrency bounds AdmitAll
	DefaultConcurrency = 4
)

// Options configures an Admitter. Zero values select the defaults.
type Options struct {
	Policy      Policy
	Digester    integrity.Digester
	Verifier    integrity.SignatureVerifier
	Records     RecordStore
	Cache       DecisionCache
	Publisher   Publisher
	Logger      *logrus.Logger
	Metrics     *observability.Metrics
	OTelMetrics *observability.OTelMetrics
	CacheSize   int
	Concurrency int
	Now         func() time.Time
}

// Admitter runs artifacts through the admission pipeline
type Admitter struct {
	policy      Policy
	digester    integrity.Digester
	verifier    integrity.SignatureVerifier
	records     RecordStore
	cache       DecisionCache
	publisher   Publisher
	logger      *logrus.Logger
	metrics     *observability.Metrics
	otelMetrics *observability.OTelMetrics
	local       *lru.Cache[string, *Decision]
	fingerprint string
	concurrency int
	tracer      trace.Tracer
	now         func() time.Time
}

// New creates an Admitter
func New(opts Options) (*Admitter, error) {
	if opts.Policy.Profile == "" {
		opts.Policy = DefaultPolicy(ProfileStandard)
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid admission policy: %w", err)
	}
	if opts.Digester == nil {
		opts.Digester = integrity.SHA256
	}
	if opts.Verifier == nil {
		opts.Verifier = signing.Verifier{}
	}
	if opts.Records == nil {
		opts.Records = NewMemoryRecordStore()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	local, err := lru.New[string, *Decision](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision cache: %w", err)
	}

	return &Admitter{
		policy:      opts.Policy,
		digester:    opts.Digester,
		verifier:    opts.Verifier,
		records:     opts.Records,
		cache:       opts.Cache,
		publisher:   opts.Publisher,
		logger:      observability.OrDefault(opts.Logger),
		metrics:     opts.Metrics,
		otelMetrics: opts.OTelMetrics,
		local:       local,
		fingerprint: opts.Policy.Fingerprint(),
		concurrency: opts.Concurrency,
		tracer:      observability.Tracer(),
		now:         opts.Now,
	}, nil
}

// Policy returns the active policy
func (a *Admitter) Policy() Policy { return a.policy }

// Records returns the decision store
func (a *Admitter) Records() RecordStore { return a.records }

// Admit decides whether one artifact may be installed. A rejected artifact is
// reported through the returned Decision; the error is reserved for failures
// of the record store.
func (a *Admitter) Admit(ctx context.Context, source string, data []byte) (*Decision, error) {
	ctx, span := a.tracer.Start(ctx, "admission.Admit", trace.WithAttributes(
		attribute.String("artifact.source", source),
		attribute.Int("artifact.size", len(data)),
	))
	defer span.End()

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	key := a.cacheKey(digest)
	span.SetAttributes(attribute.String("artifact.sha256", digest))

	if cached, ok := a.lookup(ctx, key); ok {
		d := *cached
		d.Source = source
		d.Cached = true
		span.SetAttributes(attribute.Bool("admission.cached", true))
		return &d, nil
	}

	if a.metrics != nil {
		a.metrics.ArtifactSizeBytes.Observe(float64(len(data)))
	}

	d := a.Evaluate(ctx, source, data)
	a.record(ctx, d)

	span.SetAttributes(attribute.Bool("admission.admitted", d.Admitted))
	if !d.Admitted {
		span.SetStatus(codes.Error, d.Message)
	}

	a.local.Add(key, d)
	if a.cache != nil {
		if err := a.cache.SetDecision(ctx, key, d); err != nil {
			a.logger.WithError(err).Warn("Failed to cache admission decision")
		}
	}

	if err := a.records.SaveDecision(ctx, d); err != nil {
		span.RecordError(err)
		return d, fmt.Errorf("failed to save decision: %w", err)
	}

	if a.publisher != nil {
		if err := a.publisher.Publish(ctx, d); err != nil {
			a.logger.WithError(err).WithField("decision_id", d.ID).Warn("Failed to publish admission decision")
		}
	}
	return d, nil
}

// Evaluate runs the pipeline without touching caches, records or publishers
func (a *Admitter) Evaluate(ctx context.Context, source string, data []byte) *Decision {
	d := &Decision{
		ID:        uuid.New().String(),
		Source:    source,
		State:     lifecycle.Discovered,
		CreatedAt: a.now().UTC(),
	}
	sum := sha256.Sum256(data)
	d.ArtifactSHA256 = hex.EncodeToString(sum[:])

	var artifact *container.Artifact
	ok := a.stage(ctx, StageDecode, func() bool {
		var err error
		artifact, err = container.Decode(data)
		if err != nil {
			d.reject(StageDecode, container.KindName(err), err.Error())
			return false
		}
		d.FormatVersion = artifact.FormatVersion
		d.SecurityLevel = artifact.Level.String()
		d.PublicKeyHash = signing.PublicKeyHash(artifact.PublicKey)
		return true
	})

	ok = ok && a.stage(ctx, StageIntegrity, func() bool {
		if err := integrity.Verify(artifact, a.digester, a.verifier); err != nil {
			d.reject(StageIntegrity, integrity.KindName(err), err.Error())
			return false
		}
		return true
	})

	var m *manifest.Manifest
	ok = ok && a.stage(ctx, StageManifest, func() bool {
		result := manifest.Validate(artifact.Manifest)
		d.Warnings = result.Warnings
		if !result.Valid {
			d.Errors = result.Errors
			d.reject(StageManifest, ReasonInvalidManifest, result.Err().Error())
			return false
		}
		m = result.Manifest
		d.Manifest = m
		d.Plugin = m.Name
		d.Version = m.Version
		return true
	})

	ok = ok && a.stage(ctx, StagePolicy, func() bool {
		if violations := a.policy.Check(artifact, m); len(violations) > 0 {
			d.Errors = violations
			d.reject(StagePolicy, ReasonPolicyViolation, violationMessage(violations))
			return false
		}
		return true
	})

	target := lifecycle.Error
	if ok {
		d.Admitted = true
		limits := a.policy.Limits(m)
		d.Limits = &limits
		d.Hooks = m.EligibleHooks()
		target = lifecycle.Validated
	}
	// both edges are in the table
	d.State, _ = lifecycle.Transition(d.State, target)
	return d
}

func violationMessage(violations []manifest.ValidationError) string {
	msgs := make([]string, 0, len(violations))
	for _, v := range violations {
		msgs = append(msgs, v.Error())
	}
	return "policy violation: " + strings.Join(msgs, "; ")
}

func (a *Admitter) stage(ctx context.Context, stage Stage, fn func() bool) bool {
	_, span := a.tracer.Start(ctx, "admission."+string(stage))
	defer span.End()

	start := time.Now()
	ok := fn()
	elapsed := time.Since(start)

	if a.metrics != nil {
		a.metrics.StageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
	}
	a.otelMetrics.RecordStage(ctx, string(stage), elapsed)
	if !ok {
		span.SetStatus(codes.Error, "rejected")
	}
	return ok
}

func (a *Admitter) cacheKey(artifactSHA256 string) string {
	return artifactSHA256 + ":" + a.fingerprint
}

func (a *Admitter) lookup(ctx context.Context, key string) (*Decision, bool) {
	if d, ok := a.local.Get(key); ok {
		a.cacheHit("local", true)
		return d, true
	}
	a.cacheHit("local", false)

	if a.cache == nil {
		return nil, false
	}
	d, ok, err := a.cache.GetDecision(ctx, key)
	if err != nil {
		a.logger.WithError(err).Warn("Decision cache lookup failed")
		return nil, false
	}
	a.cacheHit("redis", ok)
	if ok {
		a.local.Add(key, d)
	}
	return d, ok
}

func (a *Admitter) cacheHit(cache string, hit bool) {
	if a.metrics == nil {
		return
	}
	if hit {
		a.metrics.CacheHitsTotal.WithLabelValues(cache).Inc()
	} else {
		a.metrics.CacheMissesTotal.WithLabelValues(cache).Inc()
	}
}

func (a *Admitter) record(ctx context.Context, d *Decision) {
	fields := logrus.Fields{
		"decision_id":     d.ID,
		"source":          d.Source,
		"artifact_sha256": d.ArtifactSHA256,
		"state":           d.State,
	}
	if d.Plugin != "" {
		fields["plugin"] = d.Plugin
		fields["version"] = d.Version
	}

	level := d.SecurityLevel
	if level == "" {
		level = "unknown"
	}
	if a.metrics != nil {
		a.metrics.AdmissionsTotal.WithLabelValues(d.Outcome(), level).Inc()
	}
	a.otelMetrics.RecordAdmission(ctx, d.Admitted, string(d.FailedStage))

	logger := observability.FromContext(ctx).WithFields(fields)
	if d.Admitted {
		logger.WithFields(logrus.Fields{
			"workers":   d.Limits.Workers,
			"memory_mb": d.Limits.MemoryPerWorkerMB,
			"hooks":     len(d.Hooks),
		}).Info("Artifact admitted")
		return
	}

	if a.metrics != nil {
		a.metrics.RejectionsTotal.WithLabelValues(string(d.FailedStage), d.Reason).Inc()
	}
	logger.WithFields(logrus.Fields{
		"stage":  d.FailedStage,
		"reason": d.Reason,
	}).Warn(d.Message)
}

// AdmitAll admits every enabled artifact in store. Results follow the store's
// listing order. Disabled artifacts are skipped.
func (a *Admitter) AdmitAll(ctx context.Context, store storage.ArtifactStore) ([]*Decision, error) {
	infos, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	var enabled []storage.ArtifactInfo
	for _, info := range infos {
		if !info.Disabled {
			enabled = append(enabled, info)
		}
	}

	results := make([]*Decision, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, info := range enabled {
		g.Go(func() error {
			data, err := store.Get(gctx, info.Name)
			if errors.Is(err, storage.ErrNotFound) {
				// disabled or removed since List
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", info.Name, err)
			}
			d, err := a.Admit(gctx, info.Name, data)
			if err != nil {
				return err
			}
			results[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := results[:0]
	for _, d := range results {
		if d != nil {
			out = append(out, d)
		}
	}
	return out, nil
}

// Forget drops a cached decision so the next Admit on this node re-evaluates
// the artifact
func (a *Admitter) Forget(artifactSHA256 string) {
	a.local.Remove(a.cacheKey(artifactSHA256))
}

// Purge empties the in-process cache and the shared cache. The local cache is
// always emptied, even when the shared one cannot be reached.
func (a *Admitter) Purge(ctx context.Context) error {
	a.local.Purge()
	if a.cache == nil {
		return nil
	}
	removed, err := a.cache.InvalidateAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to invalidate shared decision cache: %w", err)
	}
	a.logger.WithField("removed", removed).Debug("Shared decision cache invalidated")
	return nil
}
