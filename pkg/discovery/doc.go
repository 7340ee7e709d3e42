// Package discovery tracks the plugin artifacts in a directory.
//
// A Watcher scans the directory at start, then follows fsnotify events:
// creating or rewriting name.opnet admits it, renaming it to name.opnet.disabled
// marks it disabled, and removing it drops it from the table. An optional cron
// schedule purges cached decisions and re-verifies everything.
//
// The Registry is the per-plugin state table. It is the only writer of plugin
// state and applies every move through lifecycle.Transition, so the runtime that
// loads plugins reports its own transitions (Loading, Loaded, Enabled and so on)
// through Registry.Transition.
package discovery
