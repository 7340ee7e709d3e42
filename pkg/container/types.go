package container

import (
	"fmt"
	"strings"
)

const (
	// Magic identifies an OPNet plugin artifact
	Magic = "OPNETPLG"

	// CurrentFormatVersion is the highest format version this codec understands
	CurrentFormatVersion uint32 = 1

	// MaxMetadataSize bounds the metadata section (1 MiB)
	MaxMetadataSize = 1 << 20
	// MaxBytecodeSize bounds the bytecode section (100 MiB)
	MaxBytecodeSize = 100 << 20
	// MaxSchemaSize bounds the optional schema section (1 MiB)
	MaxSchemaSize = 1 << 20

	// DigestSize is the length of the trailing content digest
	DigestSize = 32

	// FileExtension is the extension of an installable artifact
	FileExtension = ".opnet"
	// DisabledSuffix is appended to the full file name of a disabled artifact
	DisabledSuffix = ".disabled"

	magicSize       = 8
	versionSize     = 4
	levelSize       = 1
	lengthFieldSize = 4
	fixedHeaderSize = magicSize + versionSize + levelSize

	minMetadata = len("{}")
	minBytecode = 1
)

// MinSize is the smallest artifact that can possibly decode: the smallest security
// level, metadata "{}", one byte of bytecode, no schema and the digest.
var MinSize = HeaderSize(Level44) + lengthFieldSize + minMetadata + lengthFieldSize + minBytecode + lengthFieldSize + DigestSize

// SecurityLevel selects the ML-DSA parameter set used to sign an artifact
type SecurityLevel uint8

const (
	Level44 SecurityLevel = 0 // ML-DSA-44
	Level65 SecurityLevel = 1 // ML-DSA-65
	Level87 SecurityLevel = 2 // ML-DSA-87
)

type levelParams struct {
	name          string
	publicKeySize int
	signatureSize int
}

var levels = [...]levelParams{
	Level44: {name: "MLDSA44", publicKeySize: 1312, signatureSize: 2420},
	Level65: {name: "MLDSA65", publicKeySize: 1952, signatureSize: 3309},
	Level87: {name: "MLDSA87", publicKeySize: 2592, signatureSize: 4627},
}

// Levels returns every defined security level in ascending order
func Levels() []SecurityLevel {
	return []SecurityLevel{Level44, Level65, Level87}
}

// Valid reports whether l is one of the defined levels
func (l SecurityLevel) Valid() bool {
	return int(l) < len(levels)
}

// PublicKeySize returns the public key length in bytes, or 0 for an unknown level
func (l SecurityLevel) PublicKeySize() int {
	if !l.Valid() {
		return 0
	}
	return levels[l].publicKeySize
}

// SignatureSize returns the signature length in bytes, or 0 for an unknown level
func (l SecurityLevel) SignatureSize() int {
	if !l.Valid() {
		return 0
	}
	return levels[l].signatureSize
}

func (l SecurityLevel) String() string {
	if !l.Valid() {
		return fmt.Sprintf("SecurityLevel(%d)", uint8(l))
	}
	return levels[l].name
}

// ParseSecurityLevel resolves a level from its name (e.g. "MLDSA65")
func ParseSecurityLevel(name string) (SecurityLevel, error) {
	for i, p := range levels {
		if strings.EqualFold(p.name, name) {
			return SecurityLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown security level: %q", name)
}

// LevelNames returns the names of all defined levels
func LevelNames() []string {
	names := make([]string, 0, len(levels))
	for _, p := range levels {
		names = append(names, p.name)
	}
	return names
}

// HeaderSize returns the header length for a level. It is 0 for unknown levels.
func HeaderSize(l SecurityLevel) int {
	if !l.Valid() {
		return 0
	}
	return fixedHeaderSize + l.PublicKeySize() + l.SignatureSize()
}

// Fields are the encodable contents of an artifact
type Fields struct {
	FormatVersion uint32
	Level         SecurityLevel
	PublicKey     []byte
	Signature     []byte
	Metadata      []byte // raw UTF-8 JSON, never re-serialized
	Bytecode      []byte
	Schema        []byte // nil when absent
	Digest        [DigestSize]byte
}

// HasSchema reports whether the optional schema section is present
func (f *Fields) HasSchema() bool {
	return len(f.Schema) > 0
}

// DigestInput returns metadata ++ bytecode ++ schema, the exact bytes the digest covers
func (f *Fields) DigestInput() []byte {
	out := make([]byte, 0, len(f.Metadata)+len(f.Bytecode)+len(f.Schema))
	out = append(out, f.Metadata...)
	out = append(out, f.Bytecode...)
	out = append(out, f.Schema...)
	return out
}

// Layout computes the section offsets for these fields
func (f *Fields) Layout() Layout {
	return ComputeLayout(f.Level, len(f.Metadata), len(f.Bytecode), len(f.Schema))
}

// Artifact is a fully decoded artifact. It is built once by Decode and never mutated.
type Artifact struct {
	Fields

	// Manifest is the structurally parsed metadata document. Semantic validation is
	// the job of pkg/manifest.
	Manifest map[string]any
}

// MetadataString returns the raw metadata exactly as stored
func (a *Artifact) MetadataString() string {
	return string(a.Metadata)
}

// Layout describes absolute offsets of every section in an encoded artifact
type Layout struct {
	HeaderSize      int `json:"header_size"`
	PublicKeyOffset int `json:"public_key_offset"`
	SignatureOffset int `json:"signature_offset"`
	MetadataOffset  int `json:"metadata_offset"`
	BytecodeOffset  int `json:"bytecode_offset"`
	SchemaOffset    int `json:"schema_offset"`
	DigestOffset    int `json:"digest_offset"`
	TotalSize       int `json:"total_size"`
}

// ComputeLayout returns the offsets for the given level and section lengths. Offsets
// point at section contents, after their length fields. A zero schemaLen means the
// schema is absent; SchemaOffset then equals DigestOffset and must not be read.
func ComputeLayout(level SecurityLevel, metadataLen, bytecodeLen, schemaLen int) Layout {
	header := HeaderSize(level)
	l := Layout{
		HeaderSize:      header,
		PublicKeyOffset: fixedHeaderSize,
		SignatureOffset: fixedHeaderSize + level.PublicKeySize(),
	}
	l.MetadataOffset = header + lengthFieldSize
	l.BytecodeOffset = l.MetadataOffset + metadataLen + lengthFieldSize
	l.SchemaOffset = l.BytecodeOffset + bytecodeLen + lengthFieldSize
	l.DigestOffset = l.SchemaOffset + schemaLen
	l.TotalSize = l.DigestOffset + DigestSize
	return l
}

// IsArtifactName reports whether name is an enabled artifact file name
func IsArtifactName(name string) bool {
	return strings.HasSuffix(name, FileExtension) && len(name) > len(FileExtension)
}

// IsDisabledName reports whether name is a disabled-in-place artifact file name
func IsDisabledName(name string) bool {
	return strings.HasSuffix(name, FileExtension+DisabledSuffix) && len(name) > len(FileExtension+DisabledSuffix)
}

// DisabledName returns the file name used when an artifact is disabled in place
func DisabledName(name string) string {
	if IsDisabledName(name) {
		return name
	}
	return name + DisabledSuffix
}

// EnabledName strips the disabled marker from a file name
func EnabledName(name string) string {
	return strings.TrimSuffix(name, DisabledSuffix)
}
