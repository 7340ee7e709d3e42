package admission

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/minio/sha256-simd"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/opnet-plugins/pkg/container"
	"github.com/platinummonkey/opnet-plugins/pkg/lifecycle"
	"github.com/platinummonkey/opnet-plugins/pkg/observability"
	"github.com/platinummonkey/opnet-plugins/pkg/signing"
	"github.com/platinummonkey/opnet-plugins/pkg/storage"
)

var bytecode = []byte("\x00bytenode-compiled-plugin")

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func manifestDoc() map[string]any {
	return map[string]any{
		"name":         "block-indexer",
		"version":      "1.2.3",
		"opnetVersion": "^1.0.0",
		"main":         "dist/index.jsc",
		"checksum":     checksum(bytecode),
		"author":       map[string]any{"name": "Satoshi"},
	}
}

func testKey(t *testing.T) *signing.KeyPair {
	t.Helper()
	key, err := signing.GenerateKey(container.Level44)
	require.NoError(t, err)
	return key
}

func seal(t *testing.T, key *signing.KeyPair, doc map[string]any) []byte {
	t.Helper()
	meta, err := json.Marshal(doc)
	require.NoError(t, err)
	data, err := signing.Seal(&signing.SealRequest{Key: key, Metadata: meta, Bytecode: bytecode})
	require.NoError(t, err)
	return data
}

func newAdmitter(t *testing.T, opts Options) *Admitter {
	t.Helper()
	a, err := New(opts)
	require.NoError(t, err)
	return a
}

func TestAdmit_Valid(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewTestMetrics()
	a := newAdmitter(t, Options{Metrics: metrics})
	data := seal(t, testKey(t), manifestDoc())

	d, err := a.Admit(ctx, "block-indexer.opnet", data)
	require.NoError(t, err)

	assert.True(t, d.Admitted, d.Message)
	assert.Equal(t, lifecycle.Validated, d.State)
	assert.Empty(t, d.FailedStage)
	assert.Equal(t, "block-indexer", d.Plugin)
	assert.Equal(t, "1.2.3", d.Version)
	assert.Equal(t, "MLDSA44", d.SecurityLevel)
	assert.Len(t, d.ArtifactSHA256, 64)
	assert.NotEmpty(t, d.ID)
	require.NotNil(t, d.Limits)
	assert.Equal(t, Limits{Profile: ProfileStandard, Workers: 1, MemoryPerWorkerMB: 256}, *d.Limits)
	assert.Len(t, d.Hooks, 7)

	stored, err := a.Records().GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ArtifactSHA256, stored.ArtifactSHA256)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AdmissionsTotal.WithLabelValues("admitted", "MLDSA44")))
}

func TestAdmit_Rejections(t *testing.T) {
	key := testKey(t)

	tamperBytecode := func(t *testing.T) []byte {
		data := seal(t, key, manifestDoc())
		a, err := container.Decode(data)
		require.NoError(t, err)
		data[a.Layout().BytecodeOffset] ^= 0xff
		return data
	}
	tamperSignature := func(t *testing.T) []byte {
		data := seal(t, key, manifestDoc())
		a, err := container.Decode(data)
		require.NoError(t, err)
		data[a.Layout().SignatureOffset] ^= 0xff
		return data
	}

	tests := []struct {
		name   string
		data   func(t *testing.T) []byte
		stage  Stage
		reason string
		paths  []string
	}{
		{
			name:   "garbage",
			data:   func(t *testing.T) []byte { return []byte("not an artifact") },
			stage:  StageDecode,
			reason: "too_small",
		},
		{
			name: "bad magic",
			data: func(t *testing.T) []byte {
				data := seal(t, key, manifestDoc())
				copy(data, "NOTOPNET")
				return data
			},
			stage:  StageDecode,
			reason: "bad_magic",
		},
		{name: "tampered bytecode", data: tamperBytecode, stage: StageIntegrity, reason: "digest_mismatch"},
		{name: "tampered signature", data: tamperSignature, stage: StageIntegrity, reason: "signature_invalid"},
		{
			name: "invalid manifest",
			data: func(t *testing.T) []byte {
				doc := manifestDoc()
				delete(doc, "name")
				return seal(t, key, doc)
			},
			stage:  StageManifest,
			reason: ReasonInvalidManifest,
			paths:  []string{"name"},
		},
		{
			name: "checksum mismatch",
			data: func(t *testing.T) []byte {
				doc := manifestDoc()
				doc["checksum"] = checksum([]byte("other"))
				return seal(t, key, doc)
			},
			stage:  StagePolicy,
			reason: ReasonPolicyViolation,
			paths:  []string{"checksum"},
		},
		{
			name: "signature block mismatch",
			data: func(t *testing.T) []byte {
				doc := manifestDoc()
				doc["signature"] = map[string]any{
					"algorithm":     "MLDSA65",
					"publicKeyHash": hex.EncodeToString(make([]byte, 32)),
				}
				return seal(t, key, doc)
			},
			stage:  StagePolicy,
			reason: ReasonPolicyViolation,
			paths:  []string{"signature.algorithm", "signature.publicKeyHash"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAdmitter(t, Options{})
			d, err := a.Admit(context.Background(), "x.opnet", tt.data(t))
			require.NoError(t, err)

			assert.False(t, d.Admitted)
			assert.Equal(t, lifecycle.Error, d.State)
			assert.Equal(t, tt.stage, d.FailedStage)
			assert.Equal(t, tt.reason, d.Reason)
			assert.NotEmpty(t, d.Message)
			assert.Nil(t, d.Limits)

			var got []string
			for _, e := range d.Errors {
				got = append(got, e.Path)
			}
			assert.ElementsMatch(t, tt.paths, got)
		})
	}
}

func TestAdmit_SignatureBlockMatches(t *testing.T) {
	key := testKey(t)
	doc := manifestDoc()
	doc["signature"] = map[string]any{
		"algorithm":     "MLDSA44",
		"publicKeyHash": signing.PublicKeyHash(key.PublicKey),
	}

	a := newAdmitter(t, Options{})
	d, err := a.Admit(context.Background(), "x.opnet", seal(t, key, doc))
	require.NoError(t, err)
	assert.True(t, d.Admitted, d.Message)
}

func TestAdmit_PolicyRules(t *testing.T) {
	key := testKey(t)

	t.Run("libraries", func(t *testing.T) {
		doc := manifestDoc()
		doc["pluginType"] = "library"
		data := seal(t, key, doc)

		policy := DefaultPolicy(ProfileStandard)
		policy.AllowLibraries = false
		d, err := newAdmitter(t, Options{Policy: policy}).Admit(context.Background(), "lib.opnet", data)
		require.NoError(t, err)
		assert.False(t, d.Admitted)
		assert.Equal(t, "pluginType", d.Errors[0].Path)

		d, err = newAdmitter(t, Options{}).Admit(context.Background(), "lib.opnet", data)
		require.NoError(t, err)
		assert.True(t, d.Admitted)
	})

	t.Run("trusted keys", func(t *testing.T) {
		policy := DefaultPolicy(ProfileStandard)
		policy.TrustedKeys = map[string]bool{"deadbeef": true}
		d, err := newAdmitter(t, Options{Policy: policy}).Admit(context.Background(), "x.opnet", seal(t, key, manifestDoc()))
		require.NoError(t, err)
		assert.False(t, d.Admitted)
		assert.Contains(t, d.Message, "not trusted")
	})

	t.Run("minimum level", func(t *testing.T) {
		policy := DefaultPolicy(ProfileStandard)
		policy.MinLevel = container.Level65
		d, err := newAdmitter(t, Options{Policy: policy}).Admit(context.Background(), "x.opnet", seal(t, key, manifestDoc()))
		require.NoError(t, err)
		assert.False(t, d.Admitted)
		assert.Contains(t, d.Message, "weaker")
	})

	t.Run("signature block required", func(t *testing.T) {
		policy := DefaultPolicy(ProfileStandard)
		policy.RequireSignatureBlock = true
		d, err := newAdmitter(t, Options{Policy: policy}).Admit(context.Background(), "x.opnet", seal(t, key, manifestDoc()))
		require.NoError(t, err)
		assert.False(t, d.Admitted)
		assert.Equal(t, "signature", d.Errors[0].Path)
	})
}

func TestAdmit_LimitsFollowProfile(t *testing.T) {
	key := testKey(t)
	doc := manifestDoc()
	doc["permissions"] = map[string]any{
		"threading": map[string]any{"maxWorkers": 12, "maxMemoryMB": 512},
	}
	data := seal(t, key, doc)

	d, err := newAdmitter(t, Options{Policy: DefaultPolicy(ProfileStandard)}).Admit(context.Background(), "x.opnet", data)
	require.NoError(t, err)
	require.True(t, d.Admitted, d.Message)
	assert.Equal(t, 8, d.Limits.Workers)
	assert.Equal(t, 512, d.Limits.MemoryPerWorkerMB)
	assert.True(t, d.Limits.Capped)

	d, err = newAdmitter(t, Options{Policy: DefaultPolicy(ProfileArchive)}).Admit(context.Background(), "x.opnet", data)
	require.NoError(t, err)
	assert.Equal(t, 12, d.Limits.Workers)
	assert.False(t, d.Limits.Capped)
	assert.Equal(t, ProfileArchive, d.Limits.Profile)
}

type fakeCache struct {
	mu   sync.Mutex
	data map[string]*Decision
	err  error
}

func (c *fakeCache) GetDecision(ctx context.Context, key string) (*Decision, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, false, c.err
	}
	d, ok := c.data[key]
	return d, ok, nil
}

func (c *fakeCache) SetDecision(ctx context.Context, key string, d *Decision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.data[key] = d
	return nil
}

func (c *fakeCache) InvalidateAll(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	n := len(c.data)
	c.data = map[string]*Decision{}
	return n, nil
}

func (c *fakeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func TestAdmit_SharedCacheIsPolicyScoped(t *testing.T) {
	ctx := context.Background()
	shared := &fakeCache{data: map[string]*Decision{}}
	doc := manifestDoc()
	doc["pluginType"] = "library"
	data := seal(t, testKey(t), doc)

	lenient := newAdmitter(t, Options{Cache: shared})
	d, err := lenient.Admit(ctx, "lib.opnet", data)
	require.NoError(t, err)
	require.True(t, d.Admitted, d.Message)

	policy := DefaultPolicy(ProfileStandard)
	policy.AllowLibraries = false
	strict := newAdmitter(t, Options{Cache: shared, Policy: policy})
	d, err = strict.Admit(ctx, "lib.opnet", data)
	require.NoError(t, err)
	assert.False(t, d.Cached)
	assert.False(t, d.Admitted, "a stricter node must not reuse a lenient decision")
	assert.Equal(t, StagePolicy, d.FailedStage)
	assert.Equal(t, 2, shared.len())

	// same policy on another node still shares
	peer := newAdmitter(t, Options{Cache: shared})
	d, err = peer.Admit(ctx, "lib.opnet", data)
	require.NoError(t, err)
	assert.True(t, d.Cached)
	assert.True(t, d.Admitted)
}

func TestPolicy_Fingerprint(t *testing.T) {
	base := DefaultPolicy(ProfileStandard)
	assert.Equal(t, base.Fingerprint(), DefaultPolicy(ProfileStandard).Fingerprint())
	assert.NotEqual(t, base.Fingerprint(), DefaultPolicy(ProfileArchive).Fingerprint())

	for name, change := range map[string]func(p *Policy){
		"libraries": func(p *Policy) { p.AllowLibraries = false },
		"signature": func(p *Policy) { p.RequireSignatureBlock = true },
		"level":     func(p *Policy) { p.MinLevel = container.Level87 },
		"keys":      func(p *Policy) { p.TrustedKeys = map[string]bool{"ab": true} },
		"memory":    func(p *Policy) { p.MemoryPerWorkerMB = 128 },
	} {
		p := DefaultPolicy(ProfileStandard)
		change(&p)
		assert.NotEqual(t, base.Fingerprint(), p.Fingerprint(), name)
	}

	a := DefaultPolicy(ProfileStandard)
	a.TrustedKeys = map[string]bool{"aa": true, "bb": true, "cc": false}
	b := DefaultPolicy(ProfileStandard)
	b.TrustedKeys = map[string]bool{"BB": true, "aa": true}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestAdmitter_Purge(t *testing.T) {
	ctx := context.Background()
	shared := &fakeCache{data: map[string]*Decision{}}
	data := seal(t, testKey(t), manifestDoc())

	a := newAdmitter(t, Options{Cache: shared})
	_, err := a.Admit(ctx, "a.opnet", data)
	require.NoError(t, err)
	require.Equal(t, 1, shared.len())

	require.NoError(t, a.Purge(ctx))
	assert.Equal(t, 0, shared.len())
	d, err := a.Admit(ctx, "a.opnet", data)
	require.NoError(t, err)
	assert.False(t, d.Cached)

	shared.err = errors.New("redis down")
	assert.ErrorContains(t, a.Purge(ctx), "redis down")
	d, err = a.Admit(ctx, "a.opnet", data)
	require.NoError(t, err)
	assert.False(t, d.Cached, "local cache is emptied even when the shared one fails")

	assert.NoError(t, newAdmitter(t, Options{}).Purge(ctx))
}

func TestAdmit_Cache(t *testing.T) {
	ctx := context.Background()
	remote := &fakeCache{data: map[string]*Decision{}}
	metrics := observability.NewTestMetrics()
	records := NewMemoryRecordStore()
	data := seal(t, testKey(t), manifestDoc())

	a := newAdmitter(t, Options{Cache: remote, Records: records, Metrics: metrics})
	first, err := a.Admit(ctx, "a.opnet", data)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Len(t, remote.data, 1)

	second, err := a.Admit(ctx, "b.opnet", data)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "b.opnet", second.Source)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "a.opnet", first.Source, "cached copy must not alias the original")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("local")))

	// a fresh admitter sharing the remote cache skips evaluation
	b := newAdmitter(t, Options{Cache: remote, Records: records, Metrics: metrics})
	third, err := b.Admit(ctx, "c.opnet", data)
	require.NoError(t, err)
	assert.True(t, third.Cached)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("redis")))

	all, err := records.ListDecisions(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	a.Forget(first.ArtifactSHA256)
	remote.err = errors.New("redis down")
	fourth, err := a.Admit(ctx, "d.opnet", data)
	require.NoError(t, err)
	assert.False(t, fourth.Cached)
	assert.NotEqual(t, first.ID, fourth.ID)
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []*Decision
	err       error
}

func (p *recordingPublisher) Publish(ctx context.Context, d *Decision) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, d)
	return p.err
}

type failingRecords struct{ MemoryRecordStore }

func (*failingRecords) SaveDecision(ctx context.Context, d *Decision) error {
	return errors.New("disk full")
}

func TestAdmit_PublishAndPersistFailures(t *testing.T) {
	ctx := context.Background()
	data := seal(t, testKey(t), manifestDoc())

	pub := &recordingPublisher{err: errors.New("broker unavailable")}
	d, err := newAdmitter(t, Options{Publisher: pub}).Admit(ctx, "x.opnet", data)
	require.NoError(t, err, "publish failures are logged, not returned")
	require.Len(t, pub.published, 1)
	assert.Equal(t, d.ID, pub.published[0].ID)

	d, err = newAdmitter(t, Options{Records: &failingRecords{}}).Admit(ctx, "x.opnet", data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NotNil(t, d)
	assert.True(t, d.Admitted)
}

func TestAdmitAll(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	store, err := storage.NewFilesystemStore(filepath.Join(t.TempDir(), "plugins"))
	require.NoError(t, err)

	other := manifestDoc()
	other["name"] = "mempool-watch"
	require.NoError(t, store.Put(ctx, "indexer.opnet", seal(t, key, manifestDoc())))
	require.NoError(t, store.Put(ctx, "mempool.opnet", seal(t, key, other)))
	require.NoError(t, store.Put(ctx, "broken.opnet", []byte("garbage")))
	require.NoError(t, store.Put(ctx, "off.opnet", seal(t, key, manifestDoc())))
	require.NoError(t, store.Disable(ctx, "off.opnet"))

	a := newAdmitter(t, Options{Concurrency: 2})
	decisions, err := a.AdmitAll(ctx, store)
	require.NoError(t, err)
	require.Len(t, decisions, 3)

	assert.Equal(t, "broken.opnet", decisions[0].Source)
	assert.False(t, decisions[0].Admitted)
	assert.Equal(t, "indexer.opnet", decisions[1].Source)
	assert.True(t, decisions[1].Admitted)
	assert.Equal(t, "mempool-watch", decisions[2].Plugin)
}

func TestEvaluate_DoesNotRecord(t *testing.T) {
	a := newAdmitter(t, Options{})
	d := a.Evaluate(context.Background(), "x.opnet", seal(t, testKey(t), manifestDoc()))
	assert.True(t, d.Admitted)

	all, err := a.Records().ListDecisions(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMemoryRecordStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRecordStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, plugin := range []string{"a", "b", "a", "c"} {
		require.NoError(t, s.SaveDecision(ctx, &Decision{
			ID:        string(rune('1' + i)),
			Plugin:    plugin,
			Admitted:  plugin != "c",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := s.ListDecisions(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "4", all[0].ID, "newest first")

	onlyA, err := s.ListDecisions(ctx, ListFilter{Plugin: "a"})
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)

	rejected := false
	r, err := s.ListDecisions(ctx, ListFilter{Admitted: &rejected})
	require.NoError(t, err)
	require.Len(t, r, 1)
	assert.Equal(t, "c", r[0].Plugin)

	page, err := s.ListDecisions(ctx, ListFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "3", page[0].ID)

	empty, err := s.ListDecisions(ctx, ListFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = s.GetDecision(ctx, "missing")
	assert.ErrorIs(t, err, ErrDecisionNotFound)
	assert.Error(t, s.SaveDecision(ctx, &Decision{}))
}

func TestPolicy(t *testing.T) {
	p, err := ParseProfile("Archive")
	require.NoError(t, err)
	assert.Equal(t, ProfileArchive, p)

	p, err = ParseProfile("")
	require.NoError(t, err)
	assert.Equal(t, ProfileStandard, p)

	_, err = ParseProfile("validator")
	assert.Error(t, err)

	assert.Equal(t, 8, DefaultPolicy(ProfileStandard).MaxWorkers)
	assert.Equal(t, 16, DefaultPolicy(ProfileArchive).MaxWorkers)
	assert.NoError(t, DefaultPolicy(ProfileStandard).Validate())

	bad := DefaultPolicy(ProfileStandard)
	bad.MaxWorkers = 0
	assert.Error(t, bad.Validate())

	_, err = New(Options{Policy: bad})
	assert.Error(t, err)

	l := DefaultPolicy(ProfileStandard).Limits(nil)
	assert.Equal(t, 1, l.Workers)
	assert.Equal(t, DefaultMemoryPerWorkerMB, l.MemoryPerWorkerMB)
}

func TestInspect(t *testing.T) {
	key := testKey(t)
	data := seal(t, key, manifestDoc())

	in, err := Inspect(data, nil, nil)
	require.NoError(t, err)
	assert.True(t, in.DigestValid)
	assert.True(t, in.SignatureValid)
	assert.True(t, in.Manifest.Valid)
	assert.Equal(t, len(bytecode), in.BytecodeSize)
	assert.Equal(t, 0, in.SchemaSize)
	assert.Equal(t, len(data), in.Layout.TotalSize)
	assert.Equal(t, signing.PublicKeyHash(key.PublicKey), in.PublicKeyHash)

	a, err := container.Decode(data)
	require.NoError(t, err)
	data[a.Layout().BytecodeOffset] ^= 0xff
	in, err = Inspect(data, nil, nil)
	require.NoError(t, err)
	assert.False(t, in.DigestValid)
	assert.False(t, in.SignatureValid)

	_, err = Inspect([]byte("short"), nil, nil)
	assert.ErrorIs(t, err, container.ErrTooSmall)
}
