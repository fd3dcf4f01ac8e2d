package pipeline

import (
	"errors"
	"fmt"

	"github.com/roach88/querypilot/internal/executor"
	"github.com/roach88/querypilot/internal/synth"
)

// Phase names the pipeline stage a failure came from.
type Phase string

const (
	PhaseGeneration Phase = "generation"
	PhaseValidation Phase = "validation"
	PhaseExecution  Phase = "execution"
)

// Code categorizes a pipeline failure.
type Code string

const (
	CodeCredentialMissing     Code = "CREDENTIAL_MISSING"
	CodeNetworkFailure        Code = "NETWORK_FAILURE"
	CodeUnexpectedOracleShape Code = "UNEXPECTED_ORACLE_SHAPE"
	CodeUnparseableOutput     Code = "UNPARSEABLE_OUTPUT"
	CodeValidationFailure     Code = "VALIDATION_FAILURE"
	CodeCollectionUnavailable Code = "COLLECTION_UNAVAILABLE"
	CodeStorageFailure        Code = "STORAGE_EXECUTION_FAILURE"
	CodeTransactionAborted    Code = "TRANSACTION_ABORTED"
)

// PhaseError is a failed command. Generation and validation failures stop
// the command before anything reaches storage.
type PhaseError struct {
	Phase   Phase
	Code    Code
	Message string

	// Detail carries raw diagnostics: the unparsed oracle text for
	// generation failures, the request JSON for validation failures.
	Detail string

	// Field is the offending key of a validation failure.
	Field string

	Err error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Phase, e.Message)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// AsPhaseError returns err as a *PhaseError when it wraps one.
func AsPhaseError(err error) (*PhaseError, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// CodeOf returns the code of a pipeline failure, or "" for other errors.
func CodeOf(err error) Code {
	if pe, ok := AsPhaseError(err); ok {
		return pe.Code
	}
	return ""
}

// IsPhase reports whether err is a pipeline failure in phase.
func IsPhase(err error, phase Phase) bool {
	pe, ok := AsPhaseError(err)
	return ok && pe.Phase == phase
}

func generationError(err error) *PhaseError {
	pe := &PhaseError{Phase: PhaseGeneration, Code: CodeNetworkFailure, Message: err.Error(), Err: err}
	var ge *synth.GenerationError
	if errors.As(err, &ge) {
		pe.Code = Code(ge.Kind)
		pe.Detail = ge.Raw
	}
	return pe
}

// executionError lifts a failed result. Decode failures at execution time
// are structural, so they keep the validation phase.
func executionError(f *executor.Failure) *PhaseError {
	pe := &PhaseError{Phase: PhaseExecution, Message: f.Message, Err: f}
	switch f.Code {
	case executor.CodeCollectionUnavailable:
		pe.Code = CodeCollectionUnavailable
	case executor.CodeTransactionAborted:
		pe.Code = CodeTransactionAborted
	case executor.CodeInvalidOperation, executor.CodeMalformedOperation:
		pe.Phase = PhaseValidation
		pe.Code = CodeValidationFailure
	default:
		pe.Code = CodeStorageFailure
	}
	return pe
}
