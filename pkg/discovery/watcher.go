package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/async"
	"github.com/platinummonkey/opnet-plugins/pkg/container"
	"github.com/platinummonkey/opnet-plugins/pkg/observability"
	"github.com/platinummonkey/opnet-plugins/pkg/storage"
)

// DefaultDebounce collapses the burst of write events a copy produces
const DefaultDebounce = 250 * time.Millisecond

// Options configures a Watcher
type Options struct {
	Registry *Registry
	Logger   *logrus.Logger
	Metrics  *observability.Metrics
	// Schedule is a cron expression (or descriptor such as "@every 1h") for
	// periodic re-verification. Empty disables it.
	Schedule    string
	Debounce    time.Duration
	TaskTimeout time.Duration
}

// Watcher keeps the registry in step with an artifact directory
type Watcher struct {
	store    *storage.FilesystemStore
	admitter *admission.Admitter
	registry *Registry
	logger   *logrus.Logger
	metrics  *observability.Metrics
	schedule string
	debounce time.Duration
	runner   *async.Runner

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
	fsw     *fsnotify.Watcher
	cron    *cron.Cron
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a watcher over store. Start begins watching.
func New(store *storage.FilesystemStore, admitter *admission.Admitter, opts Options) (*Watcher, error) {
	if store == nil || admitter == nil {
		return nil, errors.New("watcher requires an artifact store and an admitter")
	}
	if opts.Schedule != "" {
		if _, err := cron.ParseStandard(opts.Schedule); err != nil {
			return nil, fmt.Errorf("invalid re-verification schedule %q: %w", opts.Schedule, err)
		}
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry(opts.Metrics)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	logger := observability.OrDefault(opts.Logger)
	return &Watcher{
		store:    store,
		admitter: admitter,
		registry: opts.Registry,
		logger:   logger,
		metrics:  opts.Metrics,
		schedule: opts.Schedule,
		debounce: opts.Debounce,
		runner:   async.NewRunner(logger, opts.TaskTimeout),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Registry returns the state table the watcher maintains
func (w *Watcher) Registry() *Registry { return w.registry }

// Scan admits every enabled artifact, marks disabled ones and drops entries
// whose files are gone
func (w *Watcher) Scan(ctx context.Context) error {
	infos, err := w.store.List(ctx)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(infos))
	for _, info := range infos {
		present[info.Name] = true
		if info.Disabled {
			w.registry.MarkDisabled(info.Name)
		}
	}

	decisions, err := w.admitter.AdmitAll(ctx, w.store)
	if err != nil {
		return err
	}
	for _, d := range decisions {
		w.apply(d.Source, d)
	}

	for _, name := range w.registry.Names() {
		if !present[name] {
			w.registry.Remove(name)
		}
	}
	w.logger.WithFields(logrus.Fields{
		"dir":       w.store.Dir(),
		"artifacts": len(infos),
		"admitted":  len(decisions),
	}).Info("artifact scan complete")
	return nil
}

// Reverify drops cached decisions and scans again
func (w *Watcher) Reverify(ctx context.Context) error {
	if err := w.admitter.Purge(ctx); err != nil {
		w.logger.WithError(err).Warn("re-verification continues with a stale shared cache")
	}
	return w.Scan(ctx)
}

// Start runs the initial scan, then watches the directory until ctx is done or
// Close is called
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Scan(ctx); err != nil {
		return fmt.Errorf("initial scan failed: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(w.store.Dir()); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.store.Dir(), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	if w.schedule != "" {
		c := cron.New()
		_, err := c.AddFunc(w.schedule, func() {
			w.runner.Go(ctx, "re-verify artifacts", w.Reverify)
		})
		if err != nil {
			cancel()
			fsw.Close()
			return fmt.Errorf("failed to schedule re-verification: %w", err)
		}
		c.Start()
		w.cron = c
	}

	go w.loop(ctx, fsw)
	w.logger.WithField("dir", w.store.Dir()).Info("watching for plugin artifacts")
	return nil
}

// Close stops watching and waits for in-flight admissions
func (w *Watcher) Close() error {
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}

	w.mu.Lock()
	w.closed = true
	for name, t := range w.pending {
		t.Stop()
		delete(w.pending, name)
	}
	fsw, cancel, done := w.fsw, w.cancel, w.done
	w.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
	}
	if fsw != nil {
		err = fsw.Close()
	}
	if done != nil {
		<-done
	}
	w.runner.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("watcher error")
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	base := filepath.Base(ev.Name)

	if container.IsDisabledName(base) {
		name := container.EnabledName(base)
		if !container.IsArtifactName(name) {
			return
		}
		w.count(ev)
		switch {
		case ev.Has(fsnotify.Create):
			w.cancelPending(name)
			w.registry.MarkDisabled(name)
			w.logger.WithField("artifact", name).Info("plugin disabled")
		case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
			// re-enabling shows up as a Create of the plain name
			if !exists(w.store.Path(name)) {
				w.registry.Remove(name)
			}
		}
		return
	}

	if !container.IsArtifactName(base) {
		return
	}
	w.count(ev)
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.scheduleAdmit(ctx, base)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.cancelPending(base)
		if exists(w.store.Path(container.DisabledName(base))) {
			w.registry.MarkDisabled(base)
			return
		}
		if w.registry.Remove(base) {
			w.logger.WithField("artifact", base).Info("plugin removed")
		}
	}
}

func (w *Watcher) count(ev fsnotify.Event) {
	if w.metrics != nil {
		w.metrics.WatchEvents.WithLabelValues(opName(ev.Op)).Inc()
	}
}

func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	default:
		return "chmod"
	}
}

func (w *Watcher) scheduleAdmit(ctx context.Context, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[name]; ok {
		t.Stop()
	}
	w.pending[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.pending, name)
		if w.closed {
			return
		}
		w.runner.Go(ctx, "admit "+name, func(ctx context.Context) error {
			return w.admit(ctx, name)
		})
	})
}

func (w *Watcher) cancelPending(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[name]; ok {
		t.Stop()
		delete(w.pending, name)
	}
}

func (w *Watcher) admit(ctx context.Context, name string) error {
	data, err := w.store.Get(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	d, err := w.admitter.Admit(ctx, name, data)
	if d != nil {
		w.apply(name, d)
	}
	return err
}

func (w *Watcher) apply(name string, d *admission.Decision) {
	entry, err := w.registry.Apply(name, d)
	fields := logrus.Fields{
		"artifact": name,
		"decision": d.ID,
		"state":    entry.State,
	}
	if err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("decision not applied to plugin state")
		return
	}
	w.logger.WithFields(fields).Debug("plugin state updated")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
