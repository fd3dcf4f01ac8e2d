// Package oracle defines the text-generation collaborator and its Gemini
// implementation.
//
// An Oracle turns a prompt into raw text. It is fallible, slow and
// non-deterministic; callers treat its output as untrusted input.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Params are the generation settings of one call.
// Zero TopP and TopK are omitted from the request.
type Params struct {
	Temperature     float64
	MaxOutputTokens int
	TopP            float64
	TopK            int

	// DisableSafety sets every safety category threshold to BLOCK_NONE.
	DisableSafety bool

	// Timeout bounds the whole call. Zero means the context's deadline only.
	Timeout time.Duration
}

// SynthesisParams are the settings used to generate operation requests.
var SynthesisParams = Params{
	Temperature:     0.1,
	MaxOutputTokens: 1000,
	TopP:            0.8,
	TopK:            40,
	DisableSafety:   true,
	Timeout:         30 * time.Second,
}

// ExplainParams are the settings used to describe operation requests.
var ExplainParams = Params{
	Temperature:     0.3,
	MaxOutputTokens: 500,
	Timeout:         20 * time.Second,
}

// Oracle generates text from a prompt.
type Oracle interface {
	Generate(ctx context.Context, prompt string, p Params) (string, error)
}

// Func adapts an ordinary function to the Oracle interface.
type Func func(ctx context.Context, prompt string, p Params) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, prompt string, p Params) (string, error) {
	return f(ctx, prompt, p)
}

// ErrorCode categorizes oracle failures.
type ErrorCode string

const (
	// ErrCodeMissingCredential indicates no API key was configured.
	// It is reported before any network activity.
	ErrCodeMissingCredential ErrorCode = "MISSING_CREDENTIAL"

	// ErrCodeNetwork covers transport failures, timeouts and non-2xx replies.
	ErrCodeNetwork ErrorCode = "NETWORK"

	// ErrCodeUnexpectedShape indicates a reply without generated text.
	ErrCodeUnexpectedShape ErrorCode = "UNEXPECTED_SHAPE"
)

// Error is a failed oracle call.
type Error struct {
	Code    ErrorCode
	Message string

	// StatusCode is the HTTP status for non-2xx replies, 0 otherwise.
	StatusCode int

	// Body is the (possibly truncated) reply body, when one was read.
	Body string

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func hasCode(err error, code ErrorCode) bool {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code == code
	}
	return false
}

// IsMissingCredential reports whether err is a missing-credential failure.
func IsMissingCredential(err error) bool { return hasCode(err, ErrCodeMissingCredential) }

// IsNetwork reports whether err is a transport, timeout or status failure.
func IsNetwork(err error) bool { return hasCode(err, ErrCodeNetwork) }

// IsUnexpectedShape reports whether err is a reply without generated text.
func IsUnexpectedShape(err error) bool { return hasCode(err, ErrCodeUnexpectedShape) }
