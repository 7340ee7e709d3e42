package manifest

import (
	"strings"

	"github.com/platinummonkey/opnet-plugins/pkg/hooks"
)

// PluginType distinguishes runnable plugins from shared libraries
type PluginType string

const (
	PluginTypeStandalone PluginType = "standalone"
	PluginTypeLibrary    PluginType = "library"
)

// Fixed values of the target and type fields
const (
	TargetBytenode = "bytenode"
	TypePlugin     = "plugin"
)

// Manifest is the typed view of a validated plugin.json. It is only produced for
// inputs that passed validation; optional sections stay nil when absent.
type Manifest struct {
	Name         string            `json:"name" yaml:"name"`
	Version      string            `json:"version" yaml:"version"`
	OpnetVersion string            `json:"opnetVersion" yaml:"opnetVersion"`
	Main         string            `json:"main" yaml:"main"`
	Target       string            `json:"target,omitempty" yaml:"target,omitempty"`
	Type         string            `json:"type,omitempty" yaml:"type,omitempty"`
	Checksum     string            `json:"checksum" yaml:"checksum"`
	Author       Author            `json:"author" yaml:"author"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	PluginType   PluginType        `json:"pluginType,omitempty" yaml:"pluginType,omitempty"`
	Permissions  *Permissions      `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Resources    *Resources        `json:"resources,omitempty" yaml:"resources,omitempty"`
	Lifecycle    *Lifecycle        `json:"lifecycle,omitempty" yaml:"lifecycle,omitempty"`
	Hooks        map[string]string `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	ConfigSchema map[string]any    `json:"configSchema,omitempty" yaml:"configSchema,omitempty"`
	Signature    *Signature        `json:"signature,omitempty" yaml:"signature,omitempty"`
}

// Author identifies the plugin author
type Author struct {
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email,omitempty" yaml:"email,omitempty"`
	URL   string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Permissions are the capabilities a plugin requests from the host
type Permissions struct {
	Database   *DatabasePermissions   `json:"database,omitempty" yaml:"database,omitempty"`
	Blocks     *BlockPermissions      `json:"blocks,omitempty" yaml:"blocks,omitempty"`
	Epochs     *EpochPermissions      `json:"epochs,omitempty" yaml:"epochs,omitempty"`
	Mempool    *MempoolPermissions    `json:"mempool,omitempty" yaml:"mempool,omitempty"`
	API        *APIPermissions        `json:"api,omitempty" yaml:"api,omitempty"`
	Threading  *ThreadingPermissions  `json:"threading,omitempty" yaml:"threading,omitempty"`
	Filesystem *FilesystemPermissions `json:"filesystem,omitempty" yaml:"filesystem,omitempty"`
	Blockchain *BlockchainPermissions `json:"blockchain,omitempty" yaml:"blockchain,omitempty"`
}

type DatabasePermissions struct {
	Enabled     bool            `json:"enabled" yaml:"enabled"`
	Collections []string        `json:"collections,omitempty" yaml:"collections,omitempty"`
	Indexes     []IndexDeclared `json:"indexes,omitempty" yaml:"indexes,omitempty"`
}

// IndexDeclared is an index the plugin wants created on one of its collections
type IndexDeclared struct {
	Collection string         `json:"collection" yaml:"collection"`
	Key        map[string]any `json:"key,omitempty" yaml:"key,omitempty"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Unique     bool           `json:"unique,omitempty" yaml:"unique,omitempty"`
}

type BlockPermissions struct {
	PreProcess  bool `json:"preProcess" yaml:"preProcess"`
	PostProcess bool `json:"postProcess" yaml:"postProcess"`
	OnChange    bool `json:"onChange" yaml:"onChange"`
}

type EpochPermissions struct {
	OnChange    bool `json:"onChange" yaml:"onChange"`
	OnFinalized bool `json:"onFinalized" yaml:"onFinalized"`
}

type MempoolPermissions struct {
	TxFeed bool `json:"txFeed" yaml:"txFeed"`
}

type APIPermissions struct {
	AddEndpoints bool   `json:"addEndpoints" yaml:"addEndpoints"`
	AddWebsocket bool   `json:"addWebsocket" yaml:"addWebsocket"`
	BasePath     string `json:"basePath,omitempty" yaml:"basePath,omitempty"`
	ProtoFile    string `json:"protoFile,omitempty" yaml:"protoFile,omitempty"`
}

type ThreadingPermissions struct {
	MaxWorkers  int `json:"maxWorkers" yaml:"maxWorkers"`
	MaxMemoryMB int `json:"maxMemoryMB" yaml:"maxMemoryMB"`
}

type FilesystemPermissions struct {
	ConfigDir bool `json:"configDir" yaml:"configDir"`
	TempDir   bool `json:"tempDir" yaml:"tempDir"`
}

type BlockchainPermissions struct {
	Blocks       bool `json:"blocks" yaml:"blocks"`
	Transactions bool `json:"transactions" yaml:"transactions"`
	Contracts    bool `json:"contracts" yaml:"contracts"`
	UTXOs        bool `json:"utxos" yaml:"utxos"`
}

// Resources are the runtime limits a plugin asks for
type Resources struct {
	Memory  *MemoryLimits  `json:"memory,omitempty" yaml:"memory,omitempty"`
	CPU     *CPULimits     `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	Timeout *TimeoutLimits `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type MemoryLimits struct {
	MaxHeapMB     int `json:"maxHeapMB,omitempty" yaml:"maxHeapMB,omitempty"`
	MaxOldGenMB   int `json:"maxOldGenMB,omitempty" yaml:"maxOldGenMB,omitempty"`
	MaxYoungGenMB int `json:"maxYoungGenMB,omitempty" yaml:"maxYoungGenMB,omitempty"`
}

type CPULimits struct {
	MaxThreads int    `json:"maxThreads,omitempty" yaml:"maxThreads,omitempty"`
	Priority   string `json:"priority,omitempty" yaml:"priority,omitempty"`
}

type TimeoutLimits struct {
	InitMs     int `json:"initMs,omitempty" yaml:"initMs,omitempty"`
	HookMs     int `json:"hookMs,omitempty" yaml:"hookMs,omitempty"`
	ShutdownMs int `json:"shutdownMs,omitempty" yaml:"shutdownMs,omitempty"`
}

// Lifecycle controls how the host starts the plugin
type Lifecycle struct {
	LoadPriority    int  `json:"loadPriority,omitempty" yaml:"loadPriority,omitempty"`
	EnableOnStartup bool `json:"enableOnStartup,omitempty" yaml:"enableOnStartup,omitempty"`
	RequiresSync    bool `json:"requiresSync,omitempty" yaml:"requiresSync,omitempty"`
}

// Signature declares the key the artifact is expected to be signed with
type Signature struct {
	Algorithm     string `json:"algorithm" yaml:"algorithm"`
	PublicKeyHash string `json:"publicKeyHash" yaml:"publicKeyHash"`
}

// IsLibrary reports whether the plugin is a shared library
func (m *Manifest) IsLibrary() bool {
	return m.PluginType == PluginTypeLibrary
}

// Grants reports whether the manifest holds a dotted permission such as
// "blocks.preProcess" or "database". Implements hooks.Grants.
func (m *Manifest) Grants(permission string) bool {
	if m == nil || m.Permissions == nil {
		return false
	}
	p := m.Permissions
	domain, flag, _ := strings.Cut(permission, ".")

	switch domain {
	case "database":
		return p.Database != nil && p.Database.Enabled && flag == ""
	case "blocks":
		if p.Blocks == nil {
			return false
		}
		switch flag {
		case "preProcess":
			return p.Blocks.PreProcess
		case "postProcess":
			return p.Blocks.PostProcess
		case "onChange":
			return p.Blocks.OnChange
		}
	case "epochs":
		if p.Epochs == nil {
			return false
		}
		switch flag {
		case "onChange":
			return p.Epochs.OnChange
		case "onFinalized":
			return p.Epochs.OnFinalized
		}
	case "mempool":
		return p.Mempool != nil && flag == "txFeed" && p.Mempool.TxFeed
	case "api":
		if p.API == nil {
			return false
		}
		switch flag {
		case "addEndpoints":
			return p.API.AddEndpoints
		case "addWebsocket":
			return p.API.AddWebsocket
		}
	case "filesystem":
		if p.Filesystem == nil {
			return false
		}
		switch flag {
		case "configDir":
			return p.Filesystem.ConfigDir
		case "tempDir":
			return p.Filesystem.TempDir
		}
	case "blockchain":
		if p.Blockchain == nil {
			return false
		}
		switch flag {
		case "blocks":
			return p.Blockchain.Blocks
		case "transactions":
			return p.Blockchain.Transactions
		case "contracts":
			return p.Blockchain.Contracts
		case "utxos":
			return p.Blockchain.UTXOs
		}
	}
	return false
}

var _ hooks.Grants = (*Manifest)(nil)

// MethodName is the exported plugin method the host calls for a hook. A manifest
// hooks entry overrides the default, which is the hook type name itself.
func (m *Manifest) MethodName(t hooks.Type) string {
	if m != nil {
		if name, ok := m.Hooks[string(t)]; ok && name != "" {
			return name
		}
	}
	return string(t)
}

// EligibleHooks lists the hooks this plugin may receive
func (m *Manifest) EligibleHooks() []hooks.Type {
	return hooks.Eligible(m)
}
