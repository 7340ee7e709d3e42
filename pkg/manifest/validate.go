package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/mitchellh/mapstructure"

	"github.com/platinummonkey/opnet-plugins/pkg/container"
	"github.com/platinummonkey/opnet-plugins/pkg/hooks"
)

const (
	MaxNameLength        = 64
	MaxDescriptionLength = 500
	ChecksumPrefix       = "sha256:"

	// Soft ceilings, the host enforces the hard limits
	MaxRecommendedWorkers  = 16
	MaxRecommendedMemoryMB = 2048
)

var (
	namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	hexPattern  = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

var cpuPriorities = map[string]bool{"low": true, "normal": true, "high": true}

// ErrInvalidManifest is wrapped by InvalidError
var ErrInvalidManifest = errors.New("invalid plugin manifest")

// ValidationError is one defect found in a manifest document
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// Result is the outcome of Validate. Manifest is set only when Valid; Warnings are
// reported regardless of validity.
type Result struct {
	Valid    bool              `json:"valid"`
	Manifest *Manifest         `json:"manifest,omitempty"`
	Errors   []ValidationError `json:"errors"`
	Warnings []string          `json:"warnings"`
}

// Err returns nil for a valid result and an *InvalidError otherwise
func (r *Result) Err() error {
	if r.Valid {
		return nil
	}
	return &InvalidError{Errors: r.Errors}
}

// InvalidError carries every validation error of a rejected manifest
type InvalidError struct {
	Errors []ValidationError
}

func (e *InvalidError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.Error())
	}
	return fmt.Sprintf("%s: %s", ErrInvalidManifest, strings.Join(msgs, "; "))
}

func (e *InvalidError) Unwrap() error { return ErrInvalidManifest }

type validator struct {
	errs  []ValidationError
	warns []string
}

func (v *validator) fail(path, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) warn(format string, args ...any) {
	v.warns = append(v.warns, fmt.Sprintf(format, args...))
}

// Validate checks a decoded manifest document and collects every error and warning.
// It accepts the output of encoding/json (with or without UseNumber) and yaml.v3.
func Validate(raw any) *Result {
	v := &validator{}
	doc, ok := raw.(map[string]any)
	if !ok {
		v.fail("", "manifest must be an object")
		return v.result(nil)
	}

	if name, ok := v.requiredString(doc, "name", "name"); ok {
		if !namePattern.MatchString(name) {
			v.fail("name", "must start with a lowercase letter and contain only lowercase letters, digits and hyphens")
		}
		if utf8.RuneCountInString(name) > MaxNameLength {
			v.fail("name", "must be at most %d characters", MaxNameLength)
		}
	}
	if version, ok := v.requiredString(doc, "version", "version"); ok && !ValidVersion(version) {
		v.fail("version", "%q is not a valid semantic version", version)
	}
	if rng, ok := v.requiredString(doc, "opnetVersion", "opnetVersion"); ok && !ValidRange(rng) {
		v.fail("opnetVersion", "%q is not a valid version range", rng)
	}
	v.requiredString(doc, "main", "main")
	if sum, ok := v.requiredString(doc, "checksum", "checksum"); ok {
		v.checksum(sum)
	}
	v.author(doc)

	v.fixed(doc, "target", TargetBytenode)
	v.fixed(doc, "type", TypePlugin)
	if raw, ok := doc["pluginType"]; ok {
		s, isString := raw.(string)
		if !isString || (PluginType(s) != PluginTypeStandalone && PluginType(s) != PluginTypeLibrary) {
			v.fail("pluginType", "must be %q or %q", PluginTypeStandalone, PluginTypeLibrary)
		}
	}
	if raw, ok := doc["description"]; ok {
		if s, isString := raw.(string); !isString {
			v.fail("description", "must be a string")
		} else if n := utf8.RuneCountInString(s); n > MaxDescriptionLength {
			v.warn("description is %d characters, more than the recommended %d", n, MaxDescriptionLength)
		}
	}

	if obj, ok := v.object(doc, "permissions", "permissions"); ok {
		v.permissions(obj)
	}
	if obj, ok := v.object(doc, "resources", "resources"); ok {
		v.resources(obj)
	}
	if obj, ok := v.object(doc, "lifecycle", "lifecycle"); ok {
		if raw, ok := obj["loadPriority"]; ok {
			if _, isInt := integer(raw); !isInt {
				v.fail("lifecycle.loadPriority", "must be an integer")
			}
		}
		v.bools(obj, "lifecycle", "enableOnStartup", "requiresSync")
	}
	if obj, ok := v.object(doc, "hooks", "hooks"); ok {
		v.hooks(obj)
	}
	if obj, ok := v.object(doc, "dependencies", "dependencies"); ok {
		v.dependencies(obj)
	}
	v.object(doc, "configSchema", "configSchema")
	if obj, ok := v.object(doc, "signature", "signature"); ok {
		v.signature(obj)
	}

	if len(v.errs) > 0 {
		return v.result(nil)
	}
	m, err := decode(doc)
	if err != nil {
		v.fail("", "failed to decode manifest: %v", err)
		return v.result(nil)
	}
	return v.result(m)
}

func (v *validator) result(m *Manifest) *Result {
	r := &Result{
		Valid:    len(v.errs) == 0,
		Errors:   v.errs,
		Warnings: v.warns,
	}
	if r.Errors == nil {
		r.Errors = []ValidationError{}
	}
	if r.Warnings == nil {
		r.Warnings = []string{}
	}
	if r.Valid {
		r.Manifest = m
	}
	return r
}

// decode maps a validated document onto the typed Manifest
func decode(doc map[string]any) (*Manifest, error) {
	var m Manifest
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &m,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(doc); err != nil {
		return nil, err
	}
	if m.PluginType == "" {
		m.PluginType = PluginTypeStandalone
	}
	return &m, nil
}

func (v *validator) requiredString(obj map[string]any, key, path string) (string, bool) {
	raw, ok := obj[key]
	if !ok || raw == nil {
		v.fail(path, "is required")
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		v.fail(path, "must be a string")
		return "", false
	}
	if s == "" {
		v.fail(path, "must not be empty")
		return "", false
	}
	return s, true
}

func (v *validator) optionalString(obj map[string]any, key, path string) (string, bool) {
	raw, ok := obj[key]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		v.fail(path, "must be a string")
		return "", false
	}
	return s, true
}

// object returns obj[key] as an object. Absent keys are fine, anything else that
// is not an object is an error.
func (v *validator) object(obj map[string]any, key, path string) (map[string]any, bool) {
	raw, ok := obj[key]
	if !ok {
		return nil, false
	}
	m, ok := raw.(map[string]any)
	if !ok {
		v.fail(path, "must be an object")
		return nil, false
	}
	return m, true
}

func (v *validator) bools(obj map[string]any, path string, keys ...string) map[string]bool {
	out := make(map[string]bool, len(keys))
	for _, key := range keys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		b, ok := raw.(bool)
		if !ok {
			v.fail(path+"."+key, "must be a boolean")
			continue
		}
		out[key] = b
	}
	return out
}

func (v *validator) checksum(sum string) {
	digest, prefixed := strings.CutPrefix(sum, ChecksumPrefix)
	if !prefixed {
		v.fail("checksum", "must start with %q", ChecksumPrefix)
	}
	if !hexPattern.MatchString(digest) {
		v.fail("checksum", "must contain exactly 64 hexadecimal characters")
	}
}

func (v *validator) author(doc map[string]any) {
	raw, ok := doc["author"]
	if !ok || raw == nil {
		v.fail("author", "is required")
		return
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		v.fail("author", "must be an object")
		return
	}
	v.requiredString(obj, "name", "author.name")
	v.optionalString(obj, "email", "author.email")
	v.optionalString(obj, "url", "author.url")
}

func (v *validator) fixed(doc map[string]any, key, want string) {
	raw, ok := doc[key]
	if !ok {
		return
	}
	if s, isString := raw.(string); !isString || s != want {
		v.fail(key, "must be %q", want)
	}
}

func (v *validator) permissions(perms map[string]any) {
	for _, domain := range sortedKeys(perms) {
		path := "permissions." + domain
		switch domain {
		case "database":
			if obj, ok := v.object(perms, domain, path); ok {
				v.database(obj, path)
			}
		case "blocks":
			if obj, ok := v.object(perms, domain, path); ok {
				v.bools(obj, path, "preProcess", "postProcess", "onChange")
			}
		case "epochs":
			if obj, ok := v.object(perms, domain, path); ok {
				v.bools(obj, path, "onChange", "onFinalized")
			}
		case "mempool":
			if obj, ok := v.object(perms, domain, path); ok {
				v.bools(obj, path, "txFeed")
			}
		case "api":
			if obj, ok := v.object(perms, domain, path); ok {
				v.api(obj, path)
			}
		case "threading":
			if obj, ok := v.object(perms, domain, path); ok {
				v.threading(obj, path)
			}
		case "filesystem":
			if obj, ok := v.object(perms, domain, path); ok {
				v.bools(obj, path, "configDir", "tempDir")
			}
		case "blockchain":
			if obj, ok := v.object(perms, domain, path); ok {
				flags := v.bools(obj, path, "blocks", "transactions", "contracts", "utxos")
				if !flags["blocks"] && !flags["transactions"] && !flags["contracts"] && !flags["utxos"] {
					v.warn("%s is declared but no query capability is enabled", path)
				}
			}
		default:
			v.warn("%s is not a recognised permission domain", path)
		}
	}
}

func (v *validator) database(obj map[string]any, path string) {
	enabled := v.bools(obj, path, "enabled")["enabled"]

	declared := make(map[string]bool)
	collectionsOK := true
	count := 0
	if raw, ok := obj["collections"]; ok {
		items, isArray := raw.([]any)
		if !isArray {
			v.fail(path+".collections", "must be an array of strings")
			collectionsOK = false
		}
		count = len(items)
		for i, item := range items {
			s, isString := item.(string)
			if !isString || s == "" {
				v.fail(fmt.Sprintf("%s.collections[%d]", path, i), "must be a non-empty string")
				continue
			}
			declared[s] = true
		}
	}
	if enabled && collectionsOK && count == 0 {
		v.fail(path+".collections", "must declare at least one collection when database access is enabled")
	}

	raw, ok := obj["indexes"]
	if !ok {
		return
	}
	indexes, isArray := raw.([]any)
	if !isArray {
		v.fail(path+".indexes", "must be an array")
		return
	}
	for i, item := range indexes {
		ipath := fmt.Sprintf("%s.indexes[%d]", path, i)
		index, isObject := item.(map[string]any)
		if !isObject {
			v.fail(ipath, "must be an object")
			continue
		}
		if coll, ok := v.requiredString(index, "collection", ipath+".collection"); ok && collectionsOK && !declared[coll] {
			v.fail(ipath+".collection", "references undeclared collection %q", coll)
		}
		v.object(index, "key", ipath+".key")
		v.optionalString(index, "name", ipath+".name")
		v.bools(index, ipath, "unique")
	}
}

func (v *validator) api(obj map[string]any, path string) {
	flags := v.bools(obj, path, "addEndpoints", "addWebsocket")
	basePath, _ := v.optionalString(obj, "basePath", path+".basePath")
	protoFile, _ := v.optionalString(obj, "protoFile", path+".protoFile")

	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		v.warn("%s.basePath %q does not start with /, the host will treat it as relative to its root", path, basePath)
	}
	if flags["addEndpoints"] && basePath == "" {
		v.warn("%s.addEndpoints is enabled without a basePath, the host default will be used", path)
	}
	if flags["addWebsocket"] && protoFile == "" {
		v.fail(path+".protoFile", "is required when addWebsocket is enabled")
	}
}

func (v *validator) threading(obj map[string]any, path string) {
	if workers, ok := v.positiveInteger(obj, "maxWorkers", path+".maxWorkers"); ok && workers > MaxRecommendedWorkers {
		v.warn("%s.maxWorkers is %d, more than the recommended %d", path, workers, MaxRecommendedWorkers)
	}
	if mem, ok := v.positiveInteger(obj, "maxMemoryMB", path+".maxMemoryMB"); ok && mem > MaxRecommendedMemoryMB {
		v.warn("%s.maxMemoryMB is %d, more than the recommended %d", path, mem, MaxRecommendedMemoryMB)
	}
}

func (v *validator) resources(obj map[string]any) {
	if mem, ok := v.object(obj, "memory", "resources.memory"); ok {
		for _, key := range []string{"maxHeapMB", "maxOldGenMB", "maxYoungGenMB"} {
			v.positiveInteger(mem, key, "resources.memory."+key)
		}
	}
	if cpu, ok := v.object(obj, "cpu", "resources.cpu"); ok {
		v.positiveInteger(cpu, "maxThreads", "resources.cpu.maxThreads")
		if p, ok := v.optionalString(cpu, "priority", "resources.cpu.priority"); ok && !cpuPriorities[p] {
			v.fail("resources.cpu.priority", "must be one of low, normal, high")
		}
	}
	if timeout, ok := v.object(obj, "timeout", "resources.timeout"); ok {
		for _, key := range []string{"initMs", "hookMs", "shutdownMs"} {
			v.positiveInteger(timeout, key, "resources.timeout."+key)
		}
	}
}

func (v *validator) hooks(obj map[string]any) {
	for _, name := range sortedKeys(obj) {
		if s, isString := obj[name].(string); !isString || s == "" {
			v.fail("hooks."+name, "must be a non-empty method name")
		}
		if !hooks.Known(name) {
			v.warn("hooks.%s is not a known hook type", name)
		}
	}
}

func (v *validator) dependencies(obj map[string]any) {
	for _, name := range sortedKeys(obj) {
		path := "dependencies." + name
		if !namePattern.MatchString(name) {
			v.fail(path, "dependency name must be a valid plugin name")
		}
		rng, isString := obj[name].(string)
		if !isString {
			v.fail(path, "must be a version range string")
			continue
		}
		if !ValidRange(rng) {
			v.fail(path, "%q is not a valid version range", rng)
		}
	}
}

func (v *validator) signature(obj map[string]any) {
	if alg, ok := v.requiredString(obj, "algorithm", "signature.algorithm"); ok {
		if !slices.Contains(container.LevelNames(), alg) {
			v.fail("signature.algorithm", "must be one of %s", strings.Join(container.LevelNames(), ", "))
		}
	}
	v.requiredString(obj, "publicKeyHash", "signature.publicKeyHash")
}

// positiveInteger checks an optional integral field greater than zero
func (v *validator) positiveInteger(obj map[string]any, key, path string) (int64, bool) {
	raw, ok := obj[key]
	if !ok {
		return 0, false
	}
	n, ok := integer(raw)
	if !ok || n <= 0 {
		v.fail(path, "must be a positive integer")
		return 0, false
	}
	return n, true
}

// number accepts the numeric shapes produced by encoding/json and yaml.v3
func number(raw any) (float64, bool) {
	switch n := raw.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}

func integer(raw any) (int64, bool) {
	if n, ok := raw.(json.Number); ok {
		i, err := n.Int64()
		return i, err == nil
	}
	f, ok := number(raw)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int64(f), true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
