package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/querypilot/internal/ir"
	"github.com/roach88/querypilot/internal/normalize"
	"github.com/roach88/querypilot/internal/pipeline"
	"github.com/roach88/querypilot/internal/validate"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool    `json:"valid"`
	Kind    ir.Kind `json:"operation,omitempty"`
	Message string  `json:"message"`
	Field   string  `json:"field,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [request | @file | -]",
		Short: "Validate an operation request without running it",
		Long: `Check a hand-written operation request against the structural rules
the pipeline applies to generated ones.

The request is read from the argument, from a file given as @path, or
from standard input. Code fences and stray quoting are repaired first.

Examples:
  querypilot validate '{"operation": "find", "collection": "students"}'
  querypilot validate @request.json
  cat request.json | querypilot validate --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	doc, err := readRequest(cmd, args, formatter)
	if err != nil {
		return err
	}

	v := validate.Validate(doc)
	result := ValidationResult{Valid: v.Valid, Kind: doc.Kind(), Message: v.Message, Field: v.Field}
	if !v.Valid {
		return reportFailure(formatter, &pipeline.PhaseError{
			Phase:   pipeline.PhaseValidation,
			Code:    pipeline.CodeValidationFailure,
			Message: v.Message,
			Field:   v.Field,
		})
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	return formatter.Success(fmt.Sprintf("%s (%s)", v.Message, doc.Kind()))
}

// readRequest reads and parses an operation request from args or stdin.
// Parse failures are reported as unparseable output.
func readRequest(cmd *cobra.Command, args []string, f *OutputFormatter) (ir.Document, error) {
	text, err := readInput(cmd.InOrStdin(), args)
	if err != nil {
		return nil, err
	}
	doc, err := ir.Parse(normalize.Normalize(text))
	if err != nil {
		return nil, reportFailure(f, &pipeline.PhaseError{
			Phase:   pipeline.PhaseGeneration,
			Code:    pipeline.CodeUnparseableOutput,
			Message: err.Error(),
			Detail:  text,
			Err:     err,
		})
	}
	return doc, nil
}

func readInput(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		if path, ok := strings.CutPrefix(args[0], "@"); ok {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", WrapExitError(ExitCommandError, "failed to read request", err)
			}
			return string(data), nil
		}
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "failed to read request", err)
	}
	return string(data), nil
}
