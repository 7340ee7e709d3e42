// Package integrity checks the cryptographic envelope of a decoded artifact.
//
// Verification has two independent steps. The content digest is recomputed over
// metadata ++ bytecode ++ schema and compared in constant time with the digest stored
// in the artifact; a mismatch means corruption or tampering in transit. The signature
// is then checked over that digest with the embedded public key; a failure there is an
// authenticity problem. An artifact is trusted only when both steps pass.
//
// The digest and signature primitives are supplied by the caller. SHA256 is the
// default digester; pkg/signing provides the ML-DSA signature verifier.
package integrity

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/minio/sha256-simd"

	"github.com/platinummonkey/opnet-plugins/pkg/container"
)

var (
	// ErrDigestMismatch means the content does not hash to the embedded digest
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrSignatureInvalid means the signature does not verify against the digest
	ErrSignatureInvalid = errors.New("signature invalid")
)

// IntegrityError reports which verification step failed
type IntegrityError struct {
	Kind error
	Err  error // underlying cause from the primitive, may be nil
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("integrity: %v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("integrity: %v", e.Kind)
}

func (e *IntegrityError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Digester computes the 32-byte content digest
type Digester interface {
	Digest(content []byte) [container.DigestSize]byte
}

// DigestFunc adapts a function to Digester
type DigestFunc func(content []byte) [container.DigestSize]byte

func (f DigestFunc) Digest(content []byte) [container.DigestSize]byte {
	return f(content)
}

// SignatureVerifier checks a signature made over message with publicKey at level
type SignatureVerifier interface {
	Verify(level container.SecurityLevel, publicKey, message, signature []byte) error
}

// VerifyFunc adapts a function to SignatureVerifier
type VerifyFunc func(level container.SecurityLevel, publicKey, message, signature []byte) error

func (f VerifyFunc) Verify(level container.SecurityLevel, publicKey, message, signature []byte) error {
	return f(level, publicKey, message, signature)
}

// SHA256 is the default content digester
var SHA256 Digester = DigestFunc(sha256.Sum256)

// Verify checks the digest first and the signature second. It returns nil only when
// both pass; otherwise an *IntegrityError wrapping ErrDigestMismatch or
// ErrSignatureInvalid.
func Verify(artifact *container.Artifact, digester Digester, verifier SignatureVerifier) error {
	if artifact == nil {
		return errors.New("integrity: nil artifact")
	}
	if digester == nil || verifier == nil {
		return errors.New("integrity: digester and signature verifier are required")
	}

	if err := VerifyDigest(artifact, digester); err != nil {
		return err
	}

	if err := verifier.Verify(artifact.Level, artifact.PublicKey, artifact.Digest[:], artifact.Signature); err != nil {
		return &IntegrityError{Kind: ErrSignatureInvalid, Err: err}
	}

	return nil
}

// VerifyDigest runs only the digest step. A passing digest alone does not make an
// artifact trusted.
func VerifyDigest(artifact *container.Artifact, digester Digester) error {
	computed := digester.Digest(artifact.DigestInput())
	if subtle.ConstantTimeCompare(computed[:], artifact.Digest[:]) != 1 {
		return &IntegrityError{Kind: ErrDigestMismatch}
	}
	return nil
}

// KindName returns "digest_mismatch", "signature_invalid" or "unknown"
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrDigestMismatch):
		return "digest_mismatch"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	default:
		return "unknown"
	}
}
