package container

import (
	"errors"
	"fmt"
)

// Decode failures. Every one of them aborts decoding.
var (
	ErrTooSmall                = errors.New("artifact too small")
	ErrBadMagic                = errors.New("bad magic")
	ErrUnsupportedVersion      = errors.New("unsupported format version")
	ErrUnknownSecurityLevel    = errors.New("unknown security level")
	ErrTruncated               = errors.New("artifact truncated")
	ErrInvalidSectionLength    = errors.New("invalid section length")
	ErrInvalidMetadataEncoding = errors.New("metadata is not valid UTF-8")
	ErrInvalidMetadataSyntax   = errors.New("metadata is not a valid JSON object")
	ErrTrailingGarbage         = errors.New("trailing bytes after digest")
)

// DecodeError carries the failure kind and where it happened
type DecodeError struct {
	Kind   error
	Offset int
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode artifact: %v (offset %d)", e.Kind, e.Offset)
	}
	return fmt.Sprintf("decode artifact: %v at offset %d: %s", e.Kind, e.Offset, e.Detail)
}

func (e *DecodeError) Unwrap() error {
	return e.Kind
}

func decodeErr(kind error, offset int, format string, args ...any) error {
	return &DecodeError{Kind: kind, Offset: offset, Detail: fmt.Sprintf(format, args...)}
}

// KindName returns a short stable label for a decode error, suitable for metrics.
// It returns "unknown" for errors that did not come from Decode.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrTooSmall):
		return "too_small"
	case errors.Is(err, ErrBadMagic):
		return "bad_magic"
	case errors.Is(err, ErrUnsupportedVersion):
		return "unsupported_version"
	case errors.Is(err, ErrUnknownSecurityLevel):
		return "unknown_security_level"
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrInvalidSectionLength):
		return "invalid_section_length"
	case errors.Is(err, ErrInvalidMetadataEncoding):
		return "invalid_metadata_encoding"
	case errors.Is(err, ErrInvalidMetadataSyntax):
		return "invalid_metadata_syntax"
	case errors.Is(err, ErrTrailingGarbage):
		return "trailing_garbage"
	default:
		return "unknown"
	}
}
