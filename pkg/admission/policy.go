package admission

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/minio/sha256-simd"

	"github.com/platinummonkey/opnet-plugins/pkg/container"
	"github.com/platinummonkey/opnet-plugins/pkg/manifest"
	"github.com/platinummonkey/opnet-plugins/pkg/signing"
)

// Profile is the node deployment profile, which sets default resource caps
type Profile string

const (
	ProfileStandard Profile = "standard"
	ProfileArchive  Profile = "archive"
)

const (
	// DefaultMemoryPerWorkerMB applies when a manifest does not request memory
	DefaultMemoryPerWorkerMB = 256
	// MaxMemoryPerWorkerMB is the hard per-worker memory cap
	MaxMemoryPerWorkerMB = manifest.MaxRecommendedMemoryMB
)

// ParseProfile resolves a profile name
func ParseProfile(name string) (Profile, error) {
	switch p := Profile(strings.ToLower(strings.TrimSpace(name))); p {
	case ProfileStandard, ProfileArchive:
		return p, nil
	case "":
		return ProfileStandard, nil
	default:
		return "", fmt.Errorf("unknown deployment profile: %q", name)
	}
}

// Policy holds the host-side rules applied after a manifest validates
type Policy struct {
	Profile Profile

	// MaxWorkers caps the effective worker count
	MaxWorkers int
	// MemoryPerWorkerMB is the default per-worker memory; requests are capped at MaxMemoryPerWorkerMB
	MemoryPerWorkerMB int

	// AllowLibraries admits pluginType "library"
	AllowLibraries bool
	// RequireSignatureBlock rejects manifests without a signature section
	RequireSignatureBlock bool
	// MinLevel is the weakest accepted ML-DSA parameter set
	MinLevel container.SecurityLevel
	// TrustedKeys, when non-empty, is the allowlist of public key hashes
	TrustedKeys map[string]bool
}

// DefaultPolicy returns the caps for a profile
func DefaultPolicy(profile Profile) Policy {
	p := Policy{
		Profile:           profile,
		MaxWorkers:        8,
		MemoryPerWorkerMB: DefaultMemoryPerWorkerMB,
		AllowLibraries:    true,
		MinLevel:          container.Level44,
	}
	if profile == ProfileArchive {
		p.MaxWorkers = 16
	}
	return p
}

// Validate checks the policy itself
func (p Policy) Validate() error {
	if p.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be positive, got %d", p.MaxWorkers)
	}
	if p.MemoryPerWorkerMB <= 0 || p.MemoryPerWorkerMB > MaxMemoryPerWorkerMB {
		return fmt.Errorf("memory per worker must be in 1..%d MiB, got %d", MaxMemoryPerWorkerMB, p.MemoryPerWorkerMB)
	}
	if !p.MinLevel.Valid() {
		return fmt.Errorf("invalid minimum security level %d", p.MinLevel)
	}
	return nil
}

// Fingerprint identifies the rules that shape a decision. Nodes with different
// policies must never share a cached decision, so it is part of the cache key.
func (p Policy) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "profile=%s;workers=%d;memory=%d;libraries=%t;signature=%t;level=%d;keys=",
		p.Profile, p.MaxWorkers, p.MemoryPerWorkerMB, p.AllowLibraries, p.RequireSignatureBlock, p.MinLevel)
	trusted := make([]string, 0, len(p.TrustedKeys))
	for k, ok := range p.TrustedKeys {
		if ok {
			trusted = append(trusted, strings.ToLower(k))
		}
	}
	sort.Strings(trusted)
	b.WriteString(strings.Join(trusted, ","))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// Limits are the effective resources granted to an admitted plugin
type Limits struct {
	Profile           Profile `json:"profile"`
	Workers           int     `json:"workers"`
	MemoryPerWorkerMB int     `json:"memory_per_worker_mb"`
	Capped            bool    `json:"capped"`
}

// Limits computes the effective resources for a manifest
func (p Policy) Limits(m *manifest.Manifest) Limits {
	workers, memory := 1, p.MemoryPerWorkerMB
	if m != nil && m.Permissions != nil && m.Permissions.Threading != nil {
		if w := m.Permissions.Threading.MaxWorkers; w > 0 {
			workers = w
		}
		if mem := m.Permissions.Threading.MaxMemoryMB; mem > 0 {
			memory = mem
		}
	}

	l := Limits{Profile: p.Profile, Workers: workers, MemoryPerWorkerMB: memory}
	if l.Workers > p.MaxWorkers {
		l.Workers = p.MaxWorkers
		l.Capped = true
	}
	if l.MemoryPerWorkerMB > MaxMemoryPerWorkerMB {
		l.MemoryPerWorkerMB = MaxMemoryPerWorkerMB
		l.Capped = true
	}
	return l
}

// Check cross-checks a validated manifest against the container it came in and
// the host rules. An empty result means the artifact passes.
func (p Policy) Check(a *container.Artifact, m *manifest.Manifest) []manifest.ValidationError {
	var violations []manifest.ValidationError
	fail := func(path, format string, args ...any) {
		violations = append(violations, manifest.ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	sum := sha256.Sum256(a.Bytecode)
	want := hex.EncodeToString(sum[:])
	got := strings.ToLower(strings.TrimPrefix(m.Checksum, manifest.ChecksumPrefix))
	if got != want {
		fail("checksum", "does not match bytecode (sha256:%s)", want)
	}

	if a.Level < p.MinLevel {
		fail("", "security level %s is weaker than the required %s", a.Level, p.MinLevel)
	}

	keyHash := signing.PublicKeyHash(a.PublicKey)
	if m.Signature != nil {
		level, err := container.ParseSecurityLevel(m.Signature.Algorithm)
		if err != nil || level != a.Level {
			fail("signature.algorithm", "declares %s but the artifact is signed with %s", m.Signature.Algorithm, a.Level)
		}
		if !strings.EqualFold(m.Signature.PublicKeyHash, keyHash) {
			fail("signature.publicKeyHash", "does not match the embedded public key")
		}
	} else if p.RequireSignatureBlock {
		fail("signature", "is required by policy")
	}

	if len(p.TrustedKeys) > 0 && !p.TrustedKeys[keyHash] {
		fail("", "public key %s is not trusted", keyHash)
	}

	if m.IsLibrary() && !p.AllowLibraries {
		fail("pluginType", "library plugins are not allowed on this node")
	}
	return violations
}
