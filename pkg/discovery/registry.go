package discovery

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/lifecycle"
	"github.com/platinummonkey/opnet-plugins/pkg/observability"
)

// ErrUnknownPlugin is returned for artifact names the registry does not track
var ErrUnknownPlugin = errors.New("unknown plugin")

// Entry is the tracked state of one artifact
type Entry struct {
	Name       string          `json:"name"`
	State      lifecycle.State `json:"state"`
	Disabled   bool            `json:"disabled"`
	Plugin     string          `json:"plugin,omitempty"`
	Version    string          `json:"version,omitempty"`
	DecisionID string          `json:"decision_id,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Registry is the state table, keyed by artifact file name. All transitions
// for a name happen under one mutex, so concurrent callers never race on the
// same plugin.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	metrics *observability.Metrics
	now     func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry(metrics *observability.Metrics) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		metrics: metrics,
		now:     time.Now,
	}
}

// Get returns a copy of the entry for name
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns copies of all entries sorted by name
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Transition moves name to state to, as reported by the runtime that loads
// plugins. Illegal edges return a *lifecycle.IllegalTransitionError and leave
// the entry unchanged.
func (r *Registry) Transition(name string, to lifecycle.State) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	if err := r.step(e, to); err != nil {
		return *e, err
	}
	r.refresh()
	return *e, nil
}

// Apply records an admission decision for name. A known entry is first walked
// back to Discovered where the table allows it. A Validated entry stays
// Validated when the new decision admits it and moves to Error otherwise.
// An entry the runtime has already taken past Validated keeps its state when
// the decision still admits it; only the decision fields are refreshed.
func (r *Registry) Apply(name string, d *admission.Decision) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		e = &Entry{Name: name, State: lifecycle.Discovered}
		r.entries[name] = e
	}
	if d.Admitted && running(e) {
		r.record(e, d)
		return *e, nil
	}

	var err error
	switch e.State {
	case lifecycle.Error, lifecycle.Unloading:
		err = r.step(e, lifecycle.Discovered)
	case lifecycle.Disabled:
		err = r.walk(e, lifecycle.Unloading, lifecycle.Discovered)
	}
	if err == nil && e.State != d.State {
		err = r.step(e, d.State)
	}
	r.refresh()
	if err != nil {
		return *e, err
	}

	e.Disabled = false
	r.record(e, d)
	return *e, nil
}

// running reports whether the runtime owns the entry's state. A plugin the
// runtime disabled counts; one whose file was disabled on disk does not.
func running(e *Entry) bool {
	switch e.State {
	case lifecycle.Loading, lifecycle.Loaded, lifecycle.Syncing, lifecycle.Enabled, lifecycle.Crashed:
		return true
	case lifecycle.Disabled:
		return !e.Disabled
	}
	return false
}

func (r *Registry) record(e *Entry, d *admission.Decision) {
	e.DecisionID = d.ID
	e.Plugin = d.Plugin
	e.Version = d.Version
	e.Reason = d.Reason
	e.UpdatedAt = r.now()
}

// MarkDisabled flags name as disabled on disk. An Enabled plugin moves to
// Disabled; any other state is kept.
func (r *Registry) MarkDisabled(name string) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		e = &Entry{Name: name, State: lifecycle.Discovered}
		r.entries[name] = e
	}
	if e.State == lifecycle.Enabled {
		// Enabled -> Disabled is always an edge
		_ = r.step(e, lifecycle.Disabled)
	}
	e.Disabled = true
	e.UpdatedAt = r.now()
	r.refresh()
	return *e
}

// Remove drops name from the table, walking it through Unloading back to
// Discovered first when the table allows it. It reports whether name was tracked.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return false
	}
	if lifecycle.CanTransition(e.State, lifecycle.Unloading) {
		_ = r.walk(e, lifecycle.Unloading, lifecycle.Discovered)
	}
	delete(r.entries, name)
	r.refresh()
	return true
}

// Names returns the tracked names
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// step must be called with r.mu held
func (r *Registry) step(e *Entry, to lifecycle.State) error {
	next, err := lifecycle.Transition(e.State, to)
	if err != nil {
		return err
	}
	e.State = next
	e.UpdatedAt = r.now()
	return nil
}

func (r *Registry) walk(e *Entry, path ...lifecycle.State) error {
	for _, s := range path {
		if err := r.step(e, s); err != nil {
			return err
		}
	}
	return nil
}

// refresh recomputes the per-state gauge; r.mu must be held
func (r *Registry) refresh() {
	if r.metrics == nil {
		return
	}
	counts := make(map[lifecycle.State]int, len(r.entries))
	for _, e := range r.entries {
		counts[e.State]++
	}
	for _, s := range lifecycle.States() {
		r.metrics.PluginsByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
