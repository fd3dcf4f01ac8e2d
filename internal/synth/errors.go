package synth

import (
	"errors"
	"fmt"
)

// Kind categorizes a generation failure.
type Kind string

const (
	// KindMissingCredential indicates no oracle credential was configured.
	KindMissingCredential Kind = "CREDENTIAL_MISSING"

	// KindNetwork covers transport failures, timeouts and non-2xx replies.
	KindNetwork Kind = "NETWORK_FAILURE"

	// KindUnexpectedShape indicates an oracle reply without generated text.
	KindUnexpectedShape Kind = "UNEXPECTED_ORACLE_SHAPE"

	// KindUnparseable indicates generated text that is not one JSON object
	// even after normalization.
	KindUnparseable Kind = "UNPARSEABLE_OUTPUT"
)

// GenerationError is a failed synthesis.
type GenerationError struct {
	Kind Kind

	// Raw is the oracle text for KindUnparseable failures, after
	// normalization, and empty otherwise.
	Raw string

	Err error
}

func (e *GenerationError) Error() string {
	switch e.Kind {
	case KindMissingCredential:
		return "API key missing"
	case KindNetwork:
		return fmt.Sprintf("Network error: %v", e.Err)
	case KindUnexpectedShape:
		return fmt.Sprintf("Unexpected API response: %v", e.Err)
	case KindUnparseable:
		return fmt.Sprintf("JSON parsing error: %v in: %s", e.Err, e.Raw)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *GenerationError) Unwrap() error { return e.Err }

func hasKind(err error, kind Kind) bool {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// IsMissingCredential reports whether err is a missing-credential failure.
func IsMissingCredential(err error) bool { return hasKind(err, KindMissingCredential) }

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool { return hasKind(err, KindNetwork) }

// IsUnexpectedShape reports whether err is a reply without text.
func IsUnexpectedShape(err error) bool { return hasKind(err, KindUnexpectedShape) }

// IsUnparseable reports whether err is unparseable oracle output.
func IsUnparseable(err error) bool { return hasKind(err, KindUnparseable) }
