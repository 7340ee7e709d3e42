// Package signing provides the ML-DSA primitives behind artifact signatures.
//
// Each container security level maps to one FIPS 204 parameter set:
//
//	Level44 -> ML-DSA-44 (pk 1312, sig 2420)
//	Level65 -> ML-DSA-65 (pk 1952, sig 3309)
//	Level87 -> ML-DSA-87 (pk 2592, sig 4627)
//
// Verifier satisfies integrity.SignatureVerifier. Seal is the publisher side: it
// digests the sections, signs the digest and encodes the artifact.
package signing

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
	"github.com/minio/sha256-simd"

	"github.com/platinummonkey/opnet-plugins/pkg/container"
	"github.com/platinummonkey/opnet-plugins/pkg/integrity"
)

// ErrVerification is returned when a signature does not verify
var ErrVerification = errors.New("ml-dsa verification failed")

// Scheme returns the circl scheme for a security level
func Scheme(level container.SecurityLevel) (sign.Scheme, error) {
	switch level {
	case container.Level44:
		return mldsa44.Scheme(), nil
	case container.Level65:
		return mldsa65.Scheme(), nil
	case container.Level87:
		return mldsa87.Scheme(), nil
	default:
		return nil, fmt.Errorf("no ML-DSA scheme for %s", level)
	}
}

// Verifier checks ML-DSA signatures
type Verifier struct{}

var _ integrity.SignatureVerifier = Verifier{}

// Verify implements integrity.SignatureVerifier
func (Verifier) Verify(level container.SecurityLevel, publicKey, message, signature []byte) error {
	scheme, err := Scheme(level)
	if err != nil {
		return err
	}
	if len(signature) != scheme.SignatureSize() {
		return fmt.Errorf("%w: signature is %d bytes, want %d", ErrVerification, len(signature), scheme.SignatureSize())
	}
	pk, err := scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("invalid %s public key: %w", level, err)
	}
	if !scheme.Verify(pk, message, signature, nil) {
		return ErrVerification
	}
	return nil
}

// KeyPair holds marshalled ML-DSA keys
type KeyPair struct {
	Level      container.SecurityLevel
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateKey creates a fresh key pair for level
func GenerateKey(level container.SecurityLevel) (*KeyPair, error) {
	scheme, err := Scheme(level)
	if err != nil {
		return nil, err
	}
	pk, sk, err := scheme.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", level, err)
	}
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	priv, err := sk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return &KeyPair{Level: level, PublicKey: pub, PrivateKey: priv}, nil
}

// Sign signs message with a marshalled private key
func Sign(level container.SecurityLevel, privateKey, message []byte) ([]byte, error) {
	scheme, err := Scheme(level)
	if err != nil {
		return nil, err
	}
	sk, err := scheme.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid %s private key: %w", level, err)
	}
	return scheme.Sign(sk, message, nil), nil
}

// SealRequest describes an artifact to build and sign
type SealRequest struct {
	Key      *KeyPair
	Metadata []byte
	Bytecode []byte
	Schema   []byte
	Digester integrity.Digester // defaults to integrity.SHA256
}

// Seal digests the sections, signs the digest and returns the encoded artifact
func Seal(req *SealRequest) ([]byte, error) {
	if req == nil || req.Key == nil {
		return nil, errors.New("seal request requires a key pair")
	}
	digester := req.Digester
	if digester == nil {
		digester = integrity.SHA256
	}

	fields := container.Fields{
		FormatVersion: container.CurrentFormatVersion,
		Level:         req.Key.Level,
		PublicKey:     req.Key.PublicKey,
		Metadata:      req.Metadata,
		Bytecode:      req.Bytecode,
	}
	if len(req.Schema) > 0 {
		fields.Schema = req.Schema
	}
	fields.Digest = digester.Digest(fields.DigestInput())

	signature, err := Sign(req.Key.Level, req.Key.PrivateKey, fields.Digest[:])
	if err != nil {
		return nil, err
	}
	fields.Signature = signature

	return container.Encode(fields)
}

// PublicKeyHash returns the lowercase hex sha256 of a public key, the value a
// manifest's signature.publicKeyHash is expected to carry
func PublicKeyHash(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}
