package admission

import (
	"encoding/hex"

	"github.com/platinummonkey/opnet-plugins/pkg/container"
	"github.com/platinummonkey/opnet-plugins/pkg/integrity"
	"github.com/platinummonkey/opnet-plugins/pkg/manifest"
	"github.com/platinummonkey/opnet-plugins/pkg/signing"
)

// Inspection is a read-only report on an artifact. Unlike a Decision it keeps
// going after an integrity or manifest failure so every problem is visible.
type Inspection struct {
	FormatVersion  uint32           `json:"format_version"`
	SecurityLevel  string           `json:"security_level"`
	PublicKeyHash  string           `json:"public_key_hash"`
	Layout         container.Layout `json:"layout"`
	MetadataSize   int              `json:"metadata_size"`
	BytecodeSize   int              `json:"bytecode_size"`
	SchemaSize     int              `json:"schema_size"`
	Digest         string           `json:"digest"`
	DigestValid    bool             `json:"digest_valid"`
	SignatureValid bool             `json:"signature_valid"`
	Manifest       *manifest.Result `json:"manifest"`
}

// Inspect decodes data and reports on each section. The error is the decode
// failure, if any; integrity and manifest problems are reported in the result.
func Inspect(data []byte, digester integrity.Digester, verifier integrity.SignatureVerifier) (*Inspection, error) {
	if digester == nil {
		digester = integrity.SHA256
	}
	if verifier == nil {
		verifier = signing.Verifier{}
	}

	a, err := container.Decode(data)
	if err != nil {
		return nil, err
	}

	in := &Inspection{
		FormatVersion: a.FormatVersion,
		SecurityLevel: a.Level.String(),
		PublicKeyHash: signing.PublicKeyHash(a.PublicKey),
		Layout:        a.Layout(),
		MetadataSize:  len(a.Metadata),
		BytecodeSize:  len(a.Bytecode),
		SchemaSize:    len(a.Schema),
		Digest:        hex.EncodeToString(a.Digest[:]),
		Manifest:      manifest.Validate(a.Manifest),
	}
	in.DigestValid = integrity.VerifyDigest(a, digester) == nil
	if in.DigestValid {
		in.SignatureValid = integrity.Verify(a, digester, verifier) == nil
	}
	return in, nil
}

// Inspect reports on data with the admitter's digester and verifier
func (a *Admitter) Inspect(data []byte) (*Inspection, error) {
	return Inspect(data, a.digester, a.verifier)
}
