package container

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// reader walks the artifact buffer and tracks the current offset for error reports
type reader struct {
	data []byte
	off  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.off
}

func (r *reader) take(n int, what string) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, decodeErr(ErrTruncated, r.off, "%s needs %d bytes, %d remain", what, n, r.remaining())
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uint32(what string) (uint32, error) {
	b, err := r.take(4, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// section reads a length-prefixed section and enforces lo <= len <= hi
func (r *reader) section(what string, lo, hi int) ([]byte, error) {
	start := r.off
	n, err := r.uint32(what + " length")
	if err != nil {
		return nil, err
	}
	if uint64(n) < uint64(lo) || uint64(n) > uint64(hi) {
		return nil, decodeErr(ErrInvalidSectionLength, start, "%s length %d outside [%d, %d]", what, n, lo, hi)
	}
	return r.take(int(n), what)
}

// Decode parses and structurally validates an artifact. It never returns a partial
// artifact: any failure yields a *DecodeError and a nil artifact.
func Decode(data []byte) (*Artifact, error) {
	if len(data) < MinSize {
		return nil, decodeErr(ErrTooSmall, 0, "%d bytes, need at least %d", len(data), MinSize)
	}

	r := &reader{data: data}

	magic, _ := r.take(magicSize, "magic")
	if string(magic) != Magic {
		return nil, decodeErr(ErrBadMagic, 0, "got %q", magic)
	}

	version, err := r.uint32("format version")
	if err != nil {
		return nil, err
	}
	if version > CurrentFormatVersion {
		return nil, decodeErr(ErrUnsupportedVersion, magicSize, "version %d, highest supported %d", version, CurrentFormatVersion)
	}

	levelByte, err := r.take(levelSize, "security level")
	if err != nil {
		return nil, err
	}
	level := SecurityLevel(levelByte[0])
	if !level.Valid() {
		return nil, decodeErr(ErrUnknownSecurityLevel, magicSize+versionSize, "level %d", levelByte[0])
	}

	publicKey, err := r.take(level.PublicKeySize(), "public key")
	if err != nil {
		return nil, err
	}
	signature, err := r.take(level.SignatureSize(), "signature")
	if err != nil {
		return nil, err
	}

	metadataOffset := r.off + lengthFieldSize
	metadata, err := r.section("metadata", 1, MaxMetadataSize)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(metadata) {
		return nil, decodeErr(ErrInvalidMetadataEncoding, metadataOffset, "")
	}
	document, err := parseMetadata(metadata)
	if err != nil {
		return nil, decodeErr(ErrInvalidMetadataSyntax, metadataOffset, "%v", err)
	}

	bytecode, err := r.section("bytecode", 1, MaxBytecodeSize)
	if err != nil {
		return nil, err
	}

	schema, err := r.section("schema", 0, MaxSchemaSize)
	if err != nil {
		return nil, err
	}

	switch rem := r.remaining(); {
	case rem < DigestSize:
		return nil, decodeErr(ErrTruncated, r.off, "digest needs %d bytes, %d remain", DigestSize, rem)
	case rem > DigestSize:
		return nil, decodeErr(ErrTrailingGarbage, r.off+DigestSize, "%d extra bytes", rem-DigestSize)
	}

	artifact := &Artifact{
		Fields: Fields{
			FormatVersion: version,
			Level:         level,
			PublicKey:     bytes.Clone(publicKey),
			Signature:     bytes.Clone(signature),
			Metadata:      bytes.Clone(metadata),
			Bytecode:      bytes.Clone(bytecode),
		},
		Manifest: document,
	}
	if len(schema) > 0 {
		artifact.Schema = bytes.Clone(schema)
	}
	copy(artifact.Digest[:], data[r.off:])

	return artifact, nil
}

func parseMetadata(raw []byte) (map[string]any, error) {
	var document map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&document); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON document")
	}
	if document == nil {
		return nil, fmt.Errorf("metadata must be a JSON object")
	}
	return document, nil
}

// Encode serializes fields into the artifact layout. It is the exact inverse of
// Decode and refuses anything Decode would reject.
func Encode(f Fields) ([]byte, error) {
	if err := checkFields(&f); err != nil {
		return nil, err
	}

	layout := f.Layout()
	out := make([]byte, 0, layout.TotalSize)
	out = append(out, Magic...)
	out = binary.LittleEndian.AppendUint32(out, f.FormatVersion)
	out = append(out, byte(f.Level))
	out = append(out, f.PublicKey...)
	out = append(out, f.Signature...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(f.Metadata)))
	out = append(out, f.Metadata...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(f.Bytecode)))
	out = append(out, f.Bytecode...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(f.Schema)))
	out = append(out, f.Schema...)
	out = append(out, f.Digest[:]...)

	return out, nil
}

func checkFields(f *Fields) error {
	if f.FormatVersion > CurrentFormatVersion {
		return fmt.Errorf("encode artifact: %w: %d", ErrUnsupportedVersion, f.FormatVersion)
	}
	if !f.Level.Valid() {
		return fmt.Errorf("encode artifact: %w: %d", ErrUnknownSecurityLevel, uint8(f.Level))
	}
	if len(f.PublicKey) != f.Level.PublicKeySize() {
		return fmt.Errorf("encode artifact: public key is %d bytes, %s needs %d", len(f.PublicKey), f.Level, f.Level.PublicKeySize())
	}
	if len(f.Signature) != f.Level.SignatureSize() {
		return fmt.Errorf("encode artifact: signature is %d bytes, %s needs %d", len(f.Signature), f.Level, f.Level.SignatureSize())
	}
	if len(f.Metadata) == 0 || len(f.Metadata) > MaxMetadataSize {
		return fmt.Errorf("encode artifact: %w: metadata length %d", ErrInvalidSectionLength, len(f.Metadata))
	}
	if !utf8.Valid(f.Metadata) {
		return fmt.Errorf("encode artifact: %w", ErrInvalidMetadataEncoding)
	}
	if _, err := parseMetadata(f.Metadata); err != nil {
		return fmt.Errorf("encode artifact: %w: %v", ErrInvalidMetadataSyntax, err)
	}
	if len(f.Bytecode) == 0 || len(f.Bytecode) > MaxBytecodeSize {
		return fmt.Errorf("encode artifact: %w: bytecode length %d", ErrInvalidSectionLength, len(f.Bytecode))
	}
	if len(f.Schema) > MaxSchemaSize {
		return fmt.Errorf("encode artifact: %w: schema length %d", ErrInvalidSectionLength, len(f.Schema))
	}
	return nil
}

// ReadHeader decodes only the fixed header fields. It is used by tooling that wants to
// show what an artifact claims to be without paying for a full decode.
func ReadHeader(data []byte) (version uint32, level SecurityLevel, err error) {
	if len(data) < fixedHeaderSize {
		return 0, 0, decodeErr(ErrTooSmall, 0, "%d bytes, header needs %d", len(data), fixedHeaderSize)
	}
	if string(data[:magicSize]) != Magic {
		return 0, 0, decodeErr(ErrBadMagic, 0, "got %q", data[:magicSize])
	}
	version = binary.LittleEndian.Uint32(data[magicSize:])
	level = SecurityLevel(data[magicSize+versionSize])
	if !level.Valid() {
		return version, level, decodeErr(ErrUnknownSecurityLevel, magicSize+versionSize, "level %d", uint8(level))
	}
	return version, level, nil
}
