package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"

	"github.com/roach88/querypilot/internal/pipeline"
)

var fastjson = jsoniter.ConfigCompatibleWithStandardLibrary

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The command was processed and failed (generation, validation, execution, scenarios)
	ExitCommandError = 2 // Command error (bad configuration, unreadable input, etc.)
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)

	// Reported is set when the failure was already written to the output.
	Reported bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// IsReported reports whether err was already written to the output.
func IsReported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Reported
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // pipeline code, e.g. "UNPARSEABLE_OUTPUT"
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return fastjson.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	// Human-readable text output
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return fastjson.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	// Human-readable error
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// failureDetails is the JSON detail object of a failed command.
type failureDetails struct {
	Phase  pipeline.Phase `json:"phase"`
	Field  string         `json:"field,omitempty"`
	Detail string         `json:"detail,omitempty"`
}

var phaseColors = map[pipeline.Phase]*color.Color{
	pipeline.PhaseGeneration: color.New(color.FgMagenta, color.Bold),
	pipeline.PhaseValidation: color.New(color.FgYellow, color.Bold),
	pipeline.PhaseExecution:  color.New(color.FgRed, color.Bold),
}

// Failure outputs a failed command. Text output colours the phase label
// when the terminal supports it.
func (f *OutputFormatter) Failure(pe *pipeline.PhaseError) error {
	if f.Format == "json" {
		return f.Error(string(pe.Code), pe.Message, failureDetails{
			Phase:  pe.Phase,
			Field:  pe.Field,
			Detail: pe.Detail,
		})
	}

	label := fmt.Sprintf("%s failed", pe.Phase)
	if c, ok := phaseColors[pe.Phase]; ok {
		label = c.Sprint(label)
	}
	fmt.Fprintf(f.Writer, "%s [%s]: %s\n", label, pe.Code, pe.Message)
	if f.Verbose && pe.Detail != "" {
		fmt.Fprintf(f.Writer, "Details: %s\n", pe.Detail)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// indentJSON pretty-prints compact JSON for text output. Input that does not
// parse is returned unchanged.
func indentJSON(raw []byte) string {
	var b bytes.Buffer
	if err := json.Indent(&b, raw, "", "  "); err != nil {
		return string(raw)
	}
	return b.String()
}
