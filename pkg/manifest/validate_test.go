package manifest

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/opnet-plugins/pkg/hooks"
)

const testChecksum = "sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

// validDoc returns a minimal valid manifest as encoding/json would decode it
func validDoc() map[string]any {
	return map[string]any{
		"name":         "block-indexer",
		"version":      "1.2.3",
		"opnetVersion": "^1.0.0",
		"main":         "dist/index.jsc",
		"checksum":     testChecksum,
		"author":       map[string]any{"name": "Satoshi"},
	}
}

func paths(r *Result) []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Path)
	}
	return out
}

func TestValidate_MinimalManifest(t *testing.T) {
	r := Validate(validDoc())
	require.True(t, r.Valid, "errors: %v", r.Errors)
	assert.Empty(t, r.Errors)
	assert.Empty(t, r.Warnings)
	require.NotNil(t, r.Manifest)

	m := r.Manifest
	assert.Equal(t, "block-indexer", m.Name)
	assert.Equal(t, "Satoshi", m.Author.Name)
	assert.Equal(t, PluginTypeStandalone, m.PluginType)
	assert.False(t, m.IsLibrary())
	assert.Nil(t, m.Permissions)
	assert.NoError(t, r.Err())
}

func TestValidate_EmptyObjectHasSixErrors(t *testing.T) {
	r := Validate(map[string]any{})
	assert.False(t, r.Valid)
	assert.Nil(t, r.Manifest)
	assert.Len(t, r.Errors, 6)
	assert.ElementsMatch(t, []string{"name", "version", "opnetVersion", "main", "checksum", "author"}, paths(r))
	assert.NotNil(t, r.Warnings)
}

func TestValidate_NonObject(t *testing.T) {
	for _, raw := range []any{nil, "plugin", []any{}, json.Number("3")} {
		r := Validate(raw)
		assert.False(t, r.Valid)
		require.Len(t, r.Errors, 1)
		assert.Equal(t, "", r.Errors[0].Path)
	}
}

func TestValidate_ErrAndInvalidError(t *testing.T) {
	r := Validate(map[string]any{})
	err := r.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidManifest))

	var invalid *InvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Len(t, invalid.Errors, 6)
	assert.Contains(t, err.Error(), "name: is required")
}

func TestValidate_RequiredFieldTypes(t *testing.T) {
	doc := validDoc()
	doc["name"] = 42
	doc["main"] = ""
	doc["author"] = "Satoshi"

	r := Validate(doc)
	assert.ElementsMatch(t, []string{"name", "main", "author"}, paths(r))

	doc = validDoc()
	doc["author"] = map[string]any{"email": "a@b.c"}
	r = Validate(doc)
	assert.Equal(t, []string{"author.name"}, paths(r))
}

func TestValidate_Name(t *testing.T) {
	tests := []struct {
		name   string
		errors int
	}{
		{"indexer", 0},
		{"my-plugin-2", 0},
		{"Indexer", 1},
		{"2fast", 1},
		{"under_score", 1},
		{"a" + strings.Repeat("b", 63), 0},
		{"a" + strings.Repeat("b", 64), 1},
		{"A" + strings.Repeat("b", 64), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validDoc()
			doc["name"] = tt.name
			assert.Len(t, Validate(doc).Errors, tt.errors)
		})
	}
}

func TestValidVersion(t *testing.T) {
	valid := []string{"0.0.1", "1.2.3", "10.20.30", "1.0.0-alpha", "1.0.0-alpha.1", "1.0.0+build.5", "1.0.0-rc.1+sha.abc"}
	invalid := []string{"", "1", "1.0", "v1.0.0", "01.0.0", "1.0.0-", "1.0.0-01", "1.0.0.0", "latest"}

	for _, v := range valid {
		assert.True(t, ValidVersion(v), v)
	}
	for _, v := range invalid {
		assert.False(t, ValidVersion(v), v)
	}
}

func TestValidRange(t *testing.T) {
	valid := []string{
		"1.0.0", "^1.0.0", "~1.2", "~>1.2.3", ">=1.0.0 <2.0.0", ">= 1.0.0", "1.x", "1.2.X", "*",
		"1.0.0 - 2.0.0", "^1.0.0 || ^2.0.0", "<=2.0.0-beta.1", "=1.0.0", "v1.0.0",
	}
	invalid := []string{"", "   ", "abc", ">=", "1.0.0 ||", "|| 1.0.0", ">>1.0.0", "1.0.0 - ", "^1.0.0.0"}

	for _, r := range valid {
		assert.True(t, ValidRange(r), r)
	}
	for _, r := range invalid {
		assert.False(t, ValidRange(r), r)
	}
}

func TestValidate_Checksum(t *testing.T) {
	hex64 := strings.Repeat("ab", 32)
	tests := []struct {
		name     string
		checksum string
		errors   int
	}{
		{"valid", "sha256:" + hex64, 0},
		{"uppercase hex", "sha256:" + strings.ToUpper(hex64), 0},
		{"bare hex", hex64, 1},
		{"wrong prefix", "md5:" + hex64, 2},
		{"short hex", "sha256:abc", 1},
		{"non hex", "sha256:" + strings.Repeat("zz", 32), 1},
		{"doubled prefix", "sha256:sha256:" + hex64, 1},
		{"extra segment", "sha256:junk:" + hex64, 1},
		{"trailing colon", "sha256:" + hex64 + ":", 1},
		{"no prefix and short", "abc", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validDoc()
			doc["checksum"] = tt.checksum
			r := Validate(doc)
			assert.Len(t, r.Errors, tt.errors)
			for _, e := range r.Errors {
				assert.Equal(t, "checksum", e.Path)
			}
		})
	}
}

func TestValidate_FixedValues(t *testing.T) {
	doc := validDoc()
	doc["target"] = "bytenode"
	doc["type"] = "plugin"
	doc["pluginType"] = "library"
	r := Validate(doc)
	require.True(t, r.Valid)
	assert.True(t, r.Manifest.IsLibrary())

	doc["target"] = "node"
	doc["type"] = "theme"
	doc["pluginType"] = "service"
	r = Validate(doc)
	assert.ElementsMatch(t, []string{"target", "type", "pluginType"}, paths(r))
}

func TestValidate_DescriptionIsAWarning(t *testing.T) {
	doc := validDoc()
	doc["description"] = strings.Repeat("d", 501)
	r := Validate(doc)
	assert.True(t, r.Valid)
	assert.Empty(t, r.Errors)
	assert.Len(t, r.Warnings, 1)

	doc["description"] = strings.Repeat("d", 500)
	assert.Empty(t, Validate(doc).Warnings)

	doc["description"] = 7
	assert.Equal(t, []string{"description"}, paths(Validate(doc)))
}

func TestValidate_Database(t *testing.T) {
	t.Run("enabled without collections", func(t *testing.T) {
		doc := validDoc()
		doc["permissions"] = map[string]any{
			"database": map[string]any{"enabled": true, "collections": []any{}},
		}
		r := Validate(doc)
		require.Len(t, r.Errors, 1)
		assert.Equal(t, "permissions.database.collections", r.Errors[0].Path)
	})

	t.Run("enabled and collections missing", func(t *testing.T) {
		doc := validDoc()
		doc["permissions"] = map[string]any{"database": map[string]any{"enabled": true}}
		assert.Equal(t, []string{"permissions.database.collections"}, paths(Validate(doc)))
	})

	t.Run("disabled without collections", func(t *testing.T) {
		doc := validDoc()
		doc["permissions"] = map[string]any{"database": map[string]any{"enabled": false}}
		assert.True(t, Validate(doc).Valid)
	})

	t.Run("types", func(t *testing.T) {
		doc := validDoc()
		doc["permissions"] = map[string]any{
			"database": map[string]any{"enabled": "yes", "collections": []any{"blocks", 3}},
		}
		assert.ElementsMatch(t, []string{
			"permissions.database.enabled",
			"permissions.database.collections[1]",
		}, paths(Validate(doc)))
	})

	t.Run("index references", func(t *testing.T) {
		doc := validDoc()
		doc["permissions"] = map[string]any{
			"database": map[string]any{
				"enabled":     true,
				"collections": []any{"blocks", "txs"},
				"indexes": []any{
					map[string]any{"collection": "blocks", "key": map[string]any{"height": float64(1)}},
					map[string]any{"collection": "utxos"},
					"not-an-index",
				},
			},
		}
		r := Validate(doc)
		assert.ElementsMatch(t, []string{
			"permissions.database.indexes[1].collection",
			"permissions.database.indexes[2]",
		}, paths(r))
	})

	t.Run("decoded", func(t *testing.T) {
		doc := validDoc()
		doc["permissions"] = map[string]any{
			"database": map[string]any{
				"enabled":     true,
				"collections": []any{"blocks"},
				"indexes":     []any{map[string]any{"collection": "blocks", "unique": true}},
			},
		}
		r := Validate(doc)
		require.True(t, r.Valid)
		db := r.Manifest.Permissions.Database
		assert.True(t, db.Enabled)
		assert.Equal(t, []string{"blocks"}, db.Collections)
		require.Len(t, db.Indexes, 1)
		assert.True(t, db.Indexes[0].Unique)
		assert.True(t, r.Manifest.Grants("database"))
	})
}

func TestValidate_BooleanPermissions(t *testing.T) {
	doc := validDoc()
	doc["permissions"] = map[string]any{
		"blocks":     map[string]any{"preProcess": true, "postProcess": "no"},
		"epochs":     map[string]any{"onFinalized": 1},
		"mempool":    map[string]any{"txFeed": true},
		"filesystem": map[string]any{"tempDir": "true"},
	}
	assert.ElementsMatch(t, []string{
		"permissions.blocks.postProcess",
		"permissions.epochs.onFinalized",
		"permissions.filesystem.tempDir",
	}, paths(Validate(doc)))

	doc["permissions"] = map[string]any{"blocks": true}
	assert.Equal(t, []string{"permissions.blocks"}, paths(Validate(doc)))
}

func TestValidate_API(t *testing.T) {
	doc := validDoc()
	doc["permissions"] = map[string]any{"api": map[string]any{"addEndpoints": true}}
	r := Validate(doc)
	assert.True(t, r.Valid)
	assert.Len(t, r.Warnings, 1)

	doc["permissions"] = map[string]any{"api": map[string]any{"addWebsocket": true}}
	r = Validate(doc)
	assert.Equal(t, []string{"permissions.api.protoFile"}, paths(r))

	doc["permissions"] = map[string]any{"api": map[string]any{
		"addEndpoints": true, "addWebsocket": true, "basePath": "/indexer", "protoFile": "api.proto",
	}}
	r = Validate(doc)
	assert.True(t, r.Valid)
	assert.Empty(t, r.Warnings)
	assert.Equal(t, "/indexer", r.Manifest.Permissions.API.BasePath)

	// a relative basePath is advisory only
	doc["permissions"] = map[string]any{"api": map[string]any{"addEndpoints": true, "basePath": "api"}}
	r = Validate(doc)
	assert.True(t, r.Valid)
	assert.Empty(t, r.Errors)
	require.Len(t, r.Warnings, 1)
	assert.Contains(t, r.Warnings[0], "basePath")
	assert.Equal(t, "api", r.Manifest.Permissions.API.BasePath)
}

func TestValidate_ThreadingSoftCeilings(t *testing.T) {
	doc := validDoc()
	doc["permissions"] = map[string]any{"threading": map[string]any{"maxWorkers": float64(17)}}
	r := Validate(doc)
	assert.True(t, r.Valid)
	assert.Empty(t, r.Errors)
	assert.Len(t, r.Warnings, 1)
	assert.Equal(t, 17, r.Manifest.Permissions.Threading.MaxWorkers)

	doc["permissions"] = map[string]any{"threading": map[string]any{"maxWorkers": 16, "maxMemoryMB": 4096}}
	r = Validate(doc)
	assert.True(t, r.Valid)
	assert.Len(t, r.Warnings, 1)

	doc["permissions"] = map[string]any{"threading": map[string]any{"maxWorkers": 0, "maxMemoryMB": 1.5}}
	assert.ElementsMatch(t, []string{
		"permissions.threading.maxWorkers",
		"permissions.threading.maxMemoryMB",
	}, paths(Validate(doc)))
}

func TestValidate_Blockchain(t *testing.T) {
	doc := validDoc()
	doc["permissions"] = map[string]any{"blockchain": map[string]any{"blocks": false}}
	r := Validate(doc)
	assert.True(t, r.Valid)
	assert.Len(t, r.Warnings, 1)

	doc["permissions"] = map[string]any{"blockchain": map[string]any{"utxos": true}}
	r = Validate(doc)
	assert.Empty(t, r.Warnings)
	assert.True(t, r.Manifest.Grants("blockchain.utxos"))
}

func TestValidate_UnknownPermissionDomain(t *testing.T) {
	doc := validDoc()
	doc["permissions"] = map[string]any{"network": map[string]any{"outbound": true}}
	r := Validate(doc)
	assert.True(t, r.Valid)
	assert.Len(t, r.Warnings, 1)
}

func TestValidate_Signature(t *testing.T) {
	doc := validDoc()
	doc["signature"] = map[string]any{"algorithm": "MLDSA65", "publicKeyHash": "abc123"}
	r := Validate(doc)
	require.True(t, r.Valid)
	assert.Equal(t, "MLDSA65", r.Manifest.Signature.Algorithm)

	doc["signature"] = map[string]any{"algorithm": "RSA"}
	assert.ElementsMatch(t, []string{"signature.algorithm", "signature.publicKeyHash"}, paths(Validate(doc)))

	for _, alg := range []string{"mldsa44", "MlDsa65", "ML-DSA-87", " MLDSA87"} {
		doc["signature"] = map[string]any{"algorithm": alg, "publicKeyHash": "abc123"}
		assert.Equal(t, []string{"signature.algorithm"}, paths(Validate(doc)), alg)
	}
}

func TestValidate_Resources(t *testing.T) {
	doc := validDoc()
	doc["resources"] = map[string]any{
		"memory":  map[string]any{"maxHeapMB": float64(512)},
		"cpu":     map[string]any{"maxThreads": float64(2), "priority": "high"},
		"timeout": map[string]any{"initMs": float64(1000)},
	}
	r := Validate(doc)
	require.True(t, r.Valid, "errors: %v", r.Errors)
	assert.Equal(t, 512, r.Manifest.Resources.Memory.MaxHeapMB)
	assert.Equal(t, "high", r.Manifest.Resources.CPU.Priority)

	doc["resources"] = map[string]any{
		"memory": map[string]any{"maxHeapMB": float64(-1)},
		"cpu":    map[string]any{"priority": "urgent"},
		"timeout": "fast",
	}
	assert.ElementsMatch(t, []string{
		"resources.memory.maxHeapMB",
		"resources.cpu.priority",
		"resources.timeout",
	}, paths(Validate(doc)))
}

func TestValidate_Lifecycle(t *testing.T) {
	doc := validDoc()
	doc["lifecycle"] = map[string]any{"loadPriority": float64(10), "enableOnStartup": true}
	r := Validate(doc)
	require.True(t, r.Valid)
	assert.Equal(t, 10, r.Manifest.Lifecycle.LoadPriority)
	assert.True(t, r.Manifest.Lifecycle.EnableOnStartup)

	doc["lifecycle"] = map[string]any{"loadPriority": "first", "requiresSync": "yes"}
	assert.ElementsMatch(t, []string{"lifecycle.loadPriority", "lifecycle.requiresSync"}, paths(Validate(doc)))
}

func TestValidate_HooksAndDependencies(t *testing.T) {
	doc := validDoc()
	doc["hooks"] = map[string]any{"onBlockChange": "handleBlock", "onSunrise": "wake"}
	doc["dependencies"] = map[string]any{"core-lib": "^2.0.0"}
	r := Validate(doc)
	require.True(t, r.Valid)
	assert.Len(t, r.Warnings, 1)
	assert.Equal(t, "^2.0.0", r.Manifest.Dependencies["core-lib"])

	doc["hooks"] = map[string]any{"onBlockChange": ""}
	doc["dependencies"] = map[string]any{"core-lib": "latest", "Bad_Name": "1.0.0"}
	assert.ElementsMatch(t, []string{
		"hooks.onBlockChange",
		"dependencies.core-lib",
		"dependencies.Bad_Name",
	}, paths(Validate(doc)))
}

func TestValidate_ConfigSchema(t *testing.T) {
	doc := validDoc()
	doc["configSchema"] = map[string]any{"type": "object"}
	r := Validate(doc)
	require.True(t, r.Valid)
	assert.Equal(t, "object", r.Manifest.ConfigSchema["type"])

	doc["configSchema"] = []any{}
	assert.Equal(t, []string{"configSchema"}, paths(Validate(doc)))
}

func TestValidate_ErrorsAccumulate(t *testing.T) {
	doc := map[string]any{
		"name":         "Bad Name",
		"version":      "one",
		"opnetVersion": "whenever",
		"main":         "index.jsc",
		"checksum":     "crc:1",
		"author":       map[string]any{},
		"target":       "wasm",
		"permissions": map[string]any{
			"api": map[string]any{"addWebsocket": true},
		},
	}
	r := Validate(doc)
	assert.False(t, r.Valid)
	assert.Len(t, r.Errors, 8)
}

func TestGrantsAndMethodNames(t *testing.T) {
	doc := validDoc()
	doc["permissions"] = map[string]any{
		"blocks":  map[string]any{"preProcess": true},
		"mempool": map[string]any{"txFeed": false},
	}
	doc["hooks"] = map[string]any{"onBlockPreProcess": "handlePre"}
	r := Validate(doc)
	require.True(t, r.Valid)
	m := r.Manifest

	assert.True(t, m.Grants("blocks.preProcess"))
	assert.False(t, m.Grants("blocks.onChange"))
	assert.False(t, m.Grants("mempool.txFeed"))
	assert.False(t, m.Grants("epochs.onChange"))
	assert.False(t, m.Grants("nonsense"))

	assert.Equal(t, "handlePre", m.MethodName(hooks.BlockPreProcess))
	assert.Equal(t, "onLoad", m.MethodName(hooks.Load))

	eligible := m.EligibleHooks()
	assert.Len(t, eligible, 8)
	assert.Contains(t, eligible, hooks.BlockPreProcess)

	var nilManifest *Manifest
	assert.False(t, nilManifest.Grants("blocks.preProcess"))
}

func TestParseJSON_NumbersStayExact(t *testing.T) {
	doc, err := ParseJSON([]byte(`{
		"name": "indexer", "version": "1.0.0", "opnetVersion": ">=1.0.0", "main": "index.jsc",
		"checksum": "` + testChecksum + `", "author": {"name": "n"},
		"permissions": {"threading": {"maxWorkers": 8, "maxMemoryMB": 1024}}
	}`))
	require.NoError(t, err)

	threading := doc.(map[string]any)["permissions"].(map[string]any)["threading"].(map[string]any)
	assert.IsType(t, json.Number(""), threading["maxWorkers"])

	r := Validate(doc)
	require.True(t, r.Valid, "errors: %v", r.Errors)
	assert.Equal(t, 8, r.Manifest.Permissions.Threading.MaxWorkers)
	assert.Equal(t, 1024, r.Manifest.Permissions.Threading.MaxMemoryMB)

	_, err = ParseJSON([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
	_, err = ParseJSON([]byte(`{`))
	assert.Error(t, err)
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	content := `name: yaml-plugin
version: 2.0.0
opnetVersion: "~1.4"
main: dist/plugin.jsc
checksum: ` + testChecksum + `
author:
  name: Hal
permissions:
  threading:
    maxWorkers: 4
  blocks:
    onChange: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(content), 0644))

	r, err := LoadFromDir(dir)
	require.NoError(t, err)
	require.True(t, r.Valid, "errors: %v", r.Errors)
	assert.Equal(t, "yaml-plugin", r.Manifest.Name)
	assert.Equal(t, 4, r.Manifest.Permissions.Threading.MaxWorkers)
	assert.True(t, r.Manifest.Grants("blocks.onChange"))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load("/nonexistent/path/plugin.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read manifest")

	_, err = LoadFromDir(t.TempDir())
	assert.Error(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: [unclosed"), 0644))
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse manifest")
}

func TestSaveAndReload(t *testing.T) {
	r := Validate(validDoc())
	require.True(t, r.Valid)

	for _, name := range []string{"plugin.json", "plugin.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, Save(r.Manifest, path))

			loaded, err := Load(path)
			require.NoError(t, err)
			require.True(t, loaded.Valid, "errors: %v", loaded.Errors)
			assert.Equal(t, r.Manifest.Name, loaded.Manifest.Name)
			assert.Equal(t, r.Manifest.Checksum, loaded.Manifest.Checksum)
			assert.Equal(t, r.Manifest.Author, loaded.Manifest.Author)
			assert.Equal(t, PluginTypeStandalone, loaded.Manifest.PluginType)
		})
	}
}
