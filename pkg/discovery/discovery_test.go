package discovery

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/minio/sha256-simd"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/container"
	"github.com/platinummonkey/opnet-plugins/pkg/lifecycle"
	"github.com/platinummonkey/opnet-plugins/pkg/observability"
	"github.com/platinummonkey/opnet-plugins/pkg/signing"
	"github.com/platinummonkey/opnet-plugins/pkg/storage"
)

var bytecode = []byte("\x00compiled-plugin")

func artifact(t *testing.T, name string) []byte {
	t.Helper()
	sum := sha256.Sum256(bytecode)
	meta, err := json.Marshal(map[string]any{
		"name":         name,
		"version":      "1.0.0",
		"opnetVersion": "^1.0.0",
		"main":         "dist/index.jsc",
		"checksum":     "sha256:" + hex.EncodeToString(sum[:]),
		"author":       map[string]any{"name": "Satoshi"},
	})
	require.NoError(t, err)
	key, err := signing.GenerateKey(container.Level44)
	require.NoError(t, err)
	data, err := signing.Seal(&signing.SealRequest{Key: key, Metadata: meta, Bytecode: bytecode})
	require.NoError(t, err)
	return data
}

type fixture struct {
	dir      string
	store    *storage.FilesystemStore
	admitter *admission.Admitter
	metrics  *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFilesystemStore(dir)
	require.NoError(t, err)
	metrics := observability.NewTestMetrics()
	a, err := admission.New(admission.Options{Metrics: metrics})
	require.NoError(t, err)
	return &fixture{dir: dir, store: store, admitter: a, metrics: metrics}
}

func (f *fixture) write(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, name), data, 0644))
}

func decision(state lifecycle.State) *admission.Decision {
	return &admission.Decision{ID: "d", State: state, Admitted: state == lifecycle.Validated, Plugin: "p"}
}

func TestRegistry_Apply(t *testing.T) {
	metrics := observability.NewTestMetrics()
	r := NewRegistry(metrics)

	e, err := r.Apply("a.opnet", decision(lifecycle.Validated))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Validated, e.State)
	assert.Equal(t, "p", e.Plugin)

	// still valid: no transition
	e, err = r.Apply("a.opnet", decision(lifecycle.Validated))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Validated, e.State)

	e, err = r.Apply("a.opnet", decision(lifecycle.Error))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Error, e.State)

	// Error -> Discovered -> Validated
	e, err = r.Apply("a.opnet", decision(lifecycle.Validated))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Validated, e.State)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PluginsByState.WithLabelValues("validated")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.PluginsByState.WithLabelValues("error")))
}

func TestRegistry_RuntimeTransitions(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Transition("missing.opnet", lifecycle.Loading)
	assert.ErrorIs(t, err, ErrUnknownPlugin)

	_, err = r.Apply("a.opnet", decision(lifecycle.Validated))
	require.NoError(t, err)
	for _, s := range []lifecycle.State{lifecycle.Loading, lifecycle.Loaded, lifecycle.Enabled} {
		_, err := r.Transition("a.opnet", s)
		require.NoError(t, err, s)
	}

	_, err = r.Transition("a.opnet", lifecycle.Discovered)
	assert.ErrorIs(t, err, lifecycle.ErrIllegalTransition)
	e, _ := r.Get("a.opnet")
	assert.Equal(t, lifecycle.Enabled, e.State, "illegal move leaves state unchanged")

	// re-verifying a running plugin keeps its state and refreshes the decision
	fresh := decision(lifecycle.Validated)
	fresh.ID = "d-2"
	fresh.Version = "1.0.1"
	e, err = r.Apply("a.opnet", fresh)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Enabled, e.State)
	assert.Equal(t, "d-2", e.DecisionID)
	assert.Equal(t, "1.0.1", e.Version)

	e = r.MarkDisabled("a.opnet")
	assert.Equal(t, lifecycle.Disabled, e.State)
	assert.True(t, e.Disabled)

	// re-enabling the file: Disabled -> Unloading -> Discovered -> Validated
	e, err = r.Apply("a.opnet", decision(lifecycle.Validated))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Validated, e.State)
	assert.False(t, e.Disabled)

	assert.True(t, r.Remove("a.opnet"))
	assert.False(t, r.Remove("a.opnet"))
	assert.Empty(t, r.List())
}

func TestRegistry_ApplyToRunningPlugin(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Apply("a.opnet", decision(lifecycle.Validated))
	require.NoError(t, err)
	for _, s := range []lifecycle.State{lifecycle.Loading, lifecycle.Loaded, lifecycle.Enabled, lifecycle.Disabled} {
		_, err := r.Transition("a.opnet", s)
		require.NoError(t, err, s)
	}

	// disabled by the runtime, file still enabled on disk
	e, err := r.Apply("a.opnet", decision(lifecycle.Validated))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Disabled, e.State)

	_, err = r.Transition("a.opnet", lifecycle.Enabled)
	require.NoError(t, err)
	rejected := decision(lifecycle.Error)
	rejected.ID = "d-3"
	rejected.Reason = "policy_violation"
	e, err = r.Apply("a.opnet", rejected)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Error, e.State, "a running plugin that no longer passes moves to Error")
	assert.Equal(t, "d-3", e.DecisionID)
	assert.Equal(t, "policy_violation", e.Reason)
}

func TestRegistry_MarkDisabledKeepsState(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Apply("a.opnet", decision(lifecycle.Validated))
	require.NoError(t, err)

	e := r.MarkDisabled("a.opnet")
	assert.Equal(t, lifecycle.Validated, e.State)
	assert.True(t, e.Disabled)

	e = r.MarkDisabled("new.opnet")
	assert.Equal(t, lifecycle.Discovered, e.State)
	assert.Equal(t, []string{"a.opnet", "new.opnet"}, r.Names())
}

func TestWatcher_Scan(t *testing.T) {
	f := newFixture(t)
	f.write(t, "indexer.opnet", artifact(t, "indexer"))
	f.write(t, "broken.opnet", []byte("garbage"))
	f.write(t, "off.opnet.disabled", artifact(t, "off"))
	f.write(t, "notes.txt", []byte("ignored"))

	w, err := New(f.store, f.admitter, Options{Metrics: f.metrics})
	require.NoError(t, err)
	require.NoError(t, w.Scan(context.Background()))

	entries := w.Registry().List()
	require.Len(t, entries, 3)
	assert.Equal(t, "broken.opnet", entries[0].Name)
	assert.Equal(t, lifecycle.Error, entries[0].State)
	assert.Equal(t, "too_small", entries[0].Reason)
	assert.Equal(t, lifecycle.Validated, entries[1].State)
	assert.Equal(t, "indexer", entries[1].Plugin)
	assert.True(t, entries[2].Disabled)

	require.NoError(t, os.Remove(filepath.Join(f.dir, "broken.opnet")))
	require.NoError(t, w.Reverify(context.Background()))
	_, ok := w.Registry().Get("broken.opnet")
	assert.False(t, ok, "entries for deleted files are dropped")
}

func TestWatcher_FollowsDirectory(t *testing.T) {
	f := newFixture(t)
	w, err := New(f.store, f.admitter, Options{Metrics: f.metrics, Debounce: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { w.Close() })

	f.write(t, "indexer.opnet", artifact(t, "indexer"))
	require.Eventually(t, func() bool {
		e, ok := w.Registry().Get("indexer.opnet")
		return ok && e.State == lifecycle.Validated
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, f.store.Disable(context.Background(), "indexer.opnet"))
	require.Eventually(t, func() bool {
		e, ok := w.Registry().Get("indexer.opnet")
		return ok && e.Disabled
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, f.store.Delete(context.Background(), "indexer.opnet"))
	require.Eventually(t, func() bool {
		_, ok := w.Registry().Get("indexer.opnet")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)

	assert.Positive(t, testutil.ToFloat64(f.metrics.WatchEvents.WithLabelValues("create")))
}

func TestWatcher_HandleIgnoresOtherFiles(t *testing.T) {
	f := newFixture(t)
	w, err := New(f.store, f.admitter, Options{Metrics: f.metrics})
	require.NoError(t, err)

	w.handle(context.Background(), fsnotify.Event{Name: filepath.Join(f.dir, "README.md"), Op: fsnotify.Create})
	w.handle(context.Background(), fsnotify.Event{Name: filepath.Join(f.dir, "x.txt.disabled"), Op: fsnotify.Create})
	assert.Empty(t, w.Registry().List())
	assert.Equal(t, 0, testutil.CollectAndCount(f.metrics.WatchEvents))
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := New(nil, f.admitter, Options{})
	assert.Error(t, err)
	_, err = New(f.store, f.admitter, Options{Schedule: "not a schedule"})
	assert.Error(t, err)
	_, err = New(f.store, f.admitter, Options{Schedule: "@every 1h"})
	assert.NoError(t, err)
}

func TestOpName(t *testing.T) {
	assert.Equal(t, "create", opName(fsnotify.Create|fsnotify.Write))
	assert.Equal(t, "rename", opName(fsnotify.Rename))
	assert.Equal(t, "chmod", opName(fsnotify.Chmod))
}
