// Package container encodes and decodes the .opnet plugin artifact format.
//
// # Overview
//
// An artifact is a single signed file carrying a plugin's manifest, its compiled
// bytecode and an optional schema payload. The header identifies the format and
// carries the publisher's ML-DSA public key and signature; the body holds three
// length-prefixed sections followed by a 32-byte content digest.
//
// # Layout
//
// All integers are little-endian.
//
//	offset 0    : 8 bytes  magic "OPNETPLG"
//	offset 8    : 4 bytes  format version (uint32)
//	offset 12   : 1 byte   security level (0|1|2)
//	offset 13   : N bytes  public key (1312|1952|2592)
//	offset 13+N : M bytes  signature  (2420|3309|4627)
//	body        : [u32 len][metadata][u32 len][bytecode][u32 len][schema][digest:32]
//
// # Usage
//
//	artifact, err := container.Decode(data)
//	if errors.Is(err, container.ErrBadMagic) {
//		// not an artifact at all
//	}
//
//	data, err := container.Encode(artifact.Fields)
//
// Decode never returns a partial artifact. The raw metadata bytes are kept verbatim
// because the digest is computed over them; callers must never hash a re-serialized
// manifest.
//
// # Related Packages
//
//   - pkg/integrity: digest and signature checks over a decoded artifact
//   - pkg/manifest: semantic validation of the decoded manifest
package container
