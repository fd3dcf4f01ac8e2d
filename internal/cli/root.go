package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/querypilot/internal/ir"
	"github.com/roach88/querypilot/internal/oracle"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// EnvFile is loaded into the environment before configuration is read.
	EnvFile string

	// Store overrides QP_STORE.
	Store string

	// Oracle replaces the Gemini client (for testing).
	Oracle oracle.Oracle
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the querypilot CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "querypilot",
		Version: ir.AppVersion,
		Short:   "querypilot - natural language MongoDB commands",
		Long: `Translate natural-language commands into MongoDB operations and run them.

Every generated request is validated before it reaches the database.
Configuration is read from the environment and an optional .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "environment file to load")
	cmd.PersistentFlags().StringVar(&opts.Store, "store", "", "storage backend (mongo|memory), overrides QP_STORE")

	// Add subcommands
	cmd.AddCommand(NewAskCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewExecCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
