// Package hooks holds the static dispatch configuration for plugin hooks.
//
// The table is read-only data consumed by the host's dispatcher: for each hook type
// it fixes the execution mode, the timeout and the permission a plugin must hold to
// receive the hook. Lifecycle and critical hooks run sequentially and need no
// permission because every admitted plugin must be reachable for them; block, epoch
// and mempool hooks run in parallel and are gated by the matching permission.
package hooks

import (
	"fmt"
	"sort"
	"time"
)

// Type names a hook
type Type string

const (
	Load    Type = "onLoad"
	Unload  Type = "onUnload"
	Enable  Type = "onEnable"
	Disable Type = "onDisable"

	BlockPreProcess  Type = "onBlockPreProcess"
	BlockPostProcess Type = "onBlockPostProcess"
	BlockChange      Type = "onBlockChange"

	EpochChange    Type = "onEpochChange"
	EpochFinalized Type = "onEpochFinalized"

	MempoolTransaction Type = "onMempoolTransaction"

	Reorg           Type = "onReorg"
	ReindexRequired Type = "onReindexRequired"
	PurgeBlocks     Type = "onPurgeBlocks"
)

// Category groups hooks by what triggers them
type Category string

const (
	CategoryLifecycle Category = "lifecycle"
	CategoryBlock     Category = "block"
	CategoryEpoch     Category = "epoch"
	CategoryMempool   Category = "mempool"
	CategoryCritical  Category = "critical"
)

// ExecutionMode tells the dispatcher how to fan a hook out to plugins
type ExecutionMode string

const (
	// Parallel hooks are independent per plugin
	Parallel ExecutionMode = "parallel"
	// Sequential hooks run one plugin at a time and must drain before the next event
	Sequential ExecutionMode = "sequential"
)

// Config is the dispatch entry for one hook type
type Config struct {
	Type               Type          `json:"type"`
	Category           Category      `json:"category"`
	Mode               ExecutionMode `json:"mode"`
	Timeout            time.Duration `json:"-"`
	TimeoutMs          int64         `json:"timeout_ms"`
	RequiredPermission string        `json:"required_permission,omitempty"`
}

func entry(t Type, c Category, mode ExecutionMode, timeout time.Duration, permission string) Config {
	return Config{
		Type:               t,
		Category:           c,
		Mode:               mode,
		Timeout:            timeout,
		TimeoutMs:          timeout.Milliseconds(),
		RequiredPermission: permission,
	}
}

// table is built once at init and never written afterwards
var table = map[Type]Config{
	Load:    entry(Load, CategoryLifecycle, Sequential, 30*time.Second, ""),
	Unload:  entry(Unload, CategoryLifecycle, Sequential, 10*time.Second, ""),
	Enable:  entry(Enable, CategoryLifecycle, Sequential, 5*time.Second, ""),
	Disable: entry(Disable, CategoryLifecycle, Sequential, 5*time.Second, ""),

	BlockPreProcess:  entry(BlockPreProcess, CategoryBlock, Parallel, 5*time.Second, "blocks.preProcess"),
	BlockPostProcess: entry(BlockPostProcess, CategoryBlock, Parallel, 5*time.Second, "blocks.postProcess"),
	BlockChange:      entry(BlockChange, CategoryBlock, Parallel, 5*time.Second, "blocks.onChange"),

	EpochChange:    entry(EpochChange, CategoryEpoch, Parallel, 5*time.Second, "epochs.onChange"),
	EpochFinalized: entry(EpochFinalized, CategoryEpoch, Parallel, 10*time.Second, "epochs.onFinalized"),

	MempoolTransaction: entry(MempoolTransaction, CategoryMempool, Parallel, 2*time.Second, "mempool.txFeed"),

	Reorg:           entry(Reorg, CategoryCritical, Sequential, 300*time.Second, ""),
	ReindexRequired: entry(ReindexRequired, CategoryCritical, Sequential, 600*time.Second, ""),
	PurgeBlocks:     entry(PurgeBlocks, CategoryCritical, Sequential, 600*time.Second, ""),
}

// order is the canonical listing order
var order = []Type{
	Load, Unload, Enable, Disable,
	BlockPreProcess, BlockPostProcess, BlockChange,
	EpochChange, EpochFinalized,
	MempoolTransaction,
	Reorg, ReindexRequired, PurgeBlocks,
}

// Lookup returns the dispatch entry for a hook type
func Lookup(t Type) (Config, bool) {
	c, ok := table[t]
	return c, ok
}

// MustLookup is Lookup for hook types known at compile time
func MustLookup(t Type) Config {
	c, ok := table[t]
	if !ok {
		panic(fmt.Sprintf("hooks: unknown hook type %q", t))
	}
	return c
}

// All returns every entry in canonical order. The slice is a copy.
func All() []Config {
	out := make([]Config, 0, len(order))
	for _, t := range order {
		out = append(out, table[t])
	}
	return out
}

// Types returns every hook type in canonical order
func Types() []Type {
	return append([]Type(nil), order...)
}

// Known reports whether name is a hook type
func Known(name string) bool {
	_, ok := table[Type(name)]
	return ok
}

// ByCategory returns the entries of one category in canonical order
func ByCategory(c Category) []Config {
	var out []Config
	for _, t := range order {
		if table[t].Category == c {
			out = append(out, table[t])
		}
	}
	return out
}

// Grants is implemented by anything that can answer whether a permission is held,
// typically a validated manifest
type Grants interface {
	Grants(permission string) bool
}

// Eligible lists the hooks a plugin may receive given its permissions
func Eligible(g Grants) []Type {
	var out []Type
	for _, t := range order {
		perm := table[t].RequiredPermission
		if perm == "" || (g != nil && g.Grants(perm)) {
			out = append(out, t)
		}
	}
	return out
}

// Permissions returns the distinct permission strings referenced by the table, sorted
func Permissions() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range table {
		if c.RequiredPermission != "" && !seen[c.RequiredPermission] {
			seen[c.RequiredPermission] = true
			out = append(out, c.RequiredPermission)
		}
	}
	sort.Strings(out)
	return out
}
